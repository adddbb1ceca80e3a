package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ValentinKolb/uStore/rpc/common"
	"github.com/ValentinKolb/uStore/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("transport/http")

func NewHttpServerTransport() transport.IRPCServerTransport {
	return &httpServerTransport{}
}

type httpServerTransport struct {
	mu     sync.Mutex
	server *http.Server
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (t *httpServerTransport) Listen(config common.ServerConfig, handler http.Handler) error {
	h := Middleware(config, handler)

	t.mu.Lock()
	t.server = &http.Server{
		Addr:              config.Endpoint,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := t.server
	t.mu.Unlock()

	Logger.Infof("Starting HTTP server on %s", config.Endpoint)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (t *httpServerTransport) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	server := t.server
	t.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// --------------------------------------------------------------------------
// Middleware
// --------------------------------------------------------------------------

// Middleware wraps handler with the bearer token check and, on debug level,
// request logging. The health and metrics routes are not authenticated.
func Middleware(config common.ServerConfig, handler http.Handler) http.Handler {
	h := authMiddleware(config.AuthToken, handler)
	if config.LogLevel == "debug" {
		h = loggerMiddleware(h)
	}
	return h
}

// authMiddleware rejects requests without "Authorization: Bearer <token>"
func authMiddleware(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == common.HealthPath || r.URL.Path == common.MetricsPath {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// responseWriter is a custom ResponseWriter that captures status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code before writing it
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggerMiddleware is a middleware that logs HTTP requests
func loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rw, r)

		duration := time.Since(start)
		Logger.Debugf("%s %s [%s] => %d took %s", r.Method, r.URL.Path, r.Header.Get(common.RequestIDHeader), rw.statusCode, duration)
	})
}
