package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/ValentinKolb/uStore/rpc/common"
	"github.com/ValentinKolb/uStore/rpc/transport"
	"github.com/google/uuid"
)

const (
	defaultTimeout = 30 * time.Second
	retryBackoff   = 100 * time.Millisecond
)

func NewHttpClientTransport() transport.IRPCClientTransport {
	return &httpClientTransport{}
}

type httpClientTransport struct {
	serverURL  *url.URL
	client     *http.Client
	config     common.ClientConfig
	retryCount int
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *httpClientTransport) Connect(config common.ClientConfig) error {
	parsedURL, err := url.Parse(strings.TrimRight(config.ServerURL, "/"))
	if err != nil {
		return db.Wrap(db.KindValidation, "parse server url", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return db.Errorf(db.KindValidation, "server url %q must be http or https", config.ServerURL)
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	t.client = &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	t.serverURL = parsedURL
	t.config = config
	t.retryCount = max(config.RetryCount, 1)
	return nil
}

func (t *httpClientTransport) Send(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	if t.client == nil {
		return nil, db.NewError(db.KindSync, "http transport not initialized")
	}

	target := *t.serverURL
	target.Path += path
	target.RawQuery = query.Encode()
	requestID := uuid.NewString()

	var lastErr error
	for attempt := 0; attempt < t.retryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, db.Wrap(db.KindSync, method+" "+path, ctx.Err())
			case <-time.After(retryBackoff * time.Duration(attempt)):
			}
		}

		resp, retry, err := t.do(ctx, method, target.String(), requestID, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retry {
			break
		}
		Logger.Debugf("request %s %s failed (attempt %d/%d): %v", method, path, attempt+1, t.retryCount, err)
	}
	return nil, db.Wrap(db.KindSync, method+" "+path, lastErr)
}

// do sends one request. retry reports whether the failure is transient.
func (t *httpClientTransport) do(ctx context.Context, method, target, requestID string, body []byte) (resp []byte, retry bool, err error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, false, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(common.RequestIDHeader, requestID)
	if t.config.ClientID != "" {
		req.Header.Set(common.ClientIDHeader, t.config.ClientID)
	}
	if t.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.config.AuthToken)
	}

	httpResponse, err := t.client.Do(req)
	if err != nil {
		// a cancelled context is final
		return nil, ctx.Err() == nil, err
	}
	defer func() {
		if err := httpResponse.Body.Close(); err != nil {
			Logger.Errorf("Failed to close response body: %v", err)
		}
	}()

	data, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return nil, true, err
	}
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		return nil, httpResponse.StatusCode >= 500, statusError(httpResponse.Status, data)
	}
	return data, false, nil
}

func statusError(status string, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return errors.New("http error: " + status)
	}
	return fmt.Errorf("http error: %s: %s", status, msg)
}

func (t *httpClientTransport) Close() error {
	if t.client != nil {
		t.client.CloseIdleConnections()
	}
	t.client = nil
	t.serverURL = nil
	return nil
}
