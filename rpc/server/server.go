package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/ValentinKolb/uStore/lib/registry"
	"github.com/ValentinKolb/uStore/rpc/common"
	"github.com/ValentinKolb/uStore/rpc/transport"
	transporthttp "github.com/ValentinKolb/uStore/rpc/transport/http"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("rpc/server")

var (
	uploadRequests   = metrics.NewCounter(`ustore_sync_server_requests_total{route="upload"}`)
	downloadRequests = metrics.NewCounter(`ustore_sync_server_requests_total{route="download"}`)
	changesReceived  = metrics.NewCounter(`ustore_sync_server_changes_received_total`)
	changesSent      = metrics.NewCounter(`ustore_sync_server_changes_sent_total`)
	applyFailures    = metrics.NewCounter(`ustore_sync_server_apply_failures_total`)
)

const (
	// LogStore holds the change log of the server
	LogStore = "_sync_log"

	maxBodyBytes = 32 << 20
)

// LogStoreConfig returns the schema of the change log store
func LogStoreConfig() db.StoreConfig {
	return db.StoreConfig{
		Name:          LogStore,
		KeyPath:       "seq",
		AutoIncrement: true,
		Indexes:       []db.IndexConfig{{Name: "serverTime", KeyPath: "serverTime"}},
	}
}

// WithLogStore returns a copy of cfg that also declares the change log store.
func WithLogStore(cfg db.DatabaseConfig) db.DatabaseConfig {
	out := cfg.Clone()
	if _, ok := out.Store(LogStore); !ok {
		out.Stores = append(out.Stores, LogStoreConfig())
	}
	return out
}

// --------------------------------------------------------------------------
// Server
// --------------------------------------------------------------------------

// SyncServer records uploaded changes in LogStore of its driver, applies
// them to the driver's stores of the same name and serves them to other
// clients.
type SyncServer struct {
	config    common.ServerConfig
	driver    db.IDriver
	transport transport.IRPCServerTransport
	now       func() time.Time

	mu sync.Mutex // serializes uploads
}

// NewSyncServer creates a server on an initialized driver whose schema
// contains LogStore (see WithLogStore).
//
// Usage:
//
//	s, err := server.NewSyncServer(config, driver, http.NewHttpServerTransport())
//	if err != nil {
//		return err
//	}
//	return s.Serve()
func NewSyncServer(config common.ServerConfig, driver db.IDriver, transport transport.IRPCServerTransport) (*SyncServer, error) {
	if _, ok := driver.Config().Store(LogStore); !ok {
		return nil, db.Errorf(db.KindValidation, "database %s has no %s store", driver.Config().Name, LogStore)
	}
	Logger.Infof("Created sync server")
	Logger.Infof(config.String())
	return &SyncServer{config: config, driver: driver, transport: transport, now: time.Now}, nil
}

// Serve starts the transport and blocks until Shutdown
func (s *SyncServer) Serve() error {
	return s.transport.Listen(s.config, s.routes())
}

// Shutdown stops the transport
func (s *SyncServer) Shutdown(ctx context.Context) error {
	return s.transport.Shutdown(ctx)
}

// Handler returns the routes behind the authentication middleware, for use
// with httptest or an existing http.Server.
func (s *SyncServer) Handler() http.Handler {
	return transporthttp.Middleware(s.config, s.routes())
}

func (s *SyncServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+common.UploadPath, s.handleUpload)
	mux.HandleFunc("GET "+common.DownloadPath, s.handleDownload)
	mux.HandleFunc("GET "+common.HealthPath, s.handleHealth)
	mux.HandleFunc("GET "+common.MetricsPath, func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	return mux
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

// handleHealth reports liveness. With ?stats=1 it also reads every store
// and reports record counts and sizes.
func (s *SyncServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "database": s.driver.Config().Name}
	if want, _ := strconv.ParseBool(r.URL.Query().Get(common.StatsParam)); want {
		stats, err := registry.Stats(r.Context(), s.driver)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, common.NewErrorResponse(err))
			return
		}
		body["stats"] = stats
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *SyncServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	uploadRequests.Inc()

	var req common.UploadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, common.NewErrorResponse(db.Wrap(db.KindValidation, "decode upload", err)))
		return
	}
	for i, c := range req.Changes {
		if err := validateChange(c); err != nil {
			writeJSON(w, http.StatusBadRequest, common.NewErrorResponse(db.Wrap(db.KindValidation, "change "+strconv.Itoa(i), err)))
			return
		}
	}

	accepted, err := s.record(r.Context(), r.Header.Get(common.ClientIDHeader), req.Changes)
	if err != nil {
		Logger.Errorf("recording %d changes failed: %v", len(req.Changes), err)
		writeJSON(w, http.StatusInternalServerError, common.UploadResponse{Success: false, Error: err.Error()})
		return
	}
	changesReceived.Add(accepted)
	writeJSON(w, http.StatusOK, common.UploadResponse{Success: true, Accepted: accepted})
}

func (s *SyncServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	downloadRequests.Inc()

	var since int64
	if raw := r.URL.Query().Get(common.LastSyncTimeParam); raw != "" {
		var err error
		if since, err = strconv.ParseInt(raw, 10, 64); err != nil {
			writeJSON(w, http.StatusBadRequest, common.NewErrorResponse(db.Wrap(db.KindValidation, "parse "+common.LastSyncTimeParam, err)))
			return
		}
	}

	serverTime := s.now().UnixMilli()
	changes, err := s.changesSince(r.Context(), since, r.Header.Get(common.ClientIDHeader))
	if err != nil {
		Logger.Errorf("loading changes since %d failed: %v", since, err)
		writeJSON(w, http.StatusInternalServerError, common.NewErrorResponse(err))
		return
	}
	changesSent.Add(len(changes))
	writeJSON(w, http.StatusOK, common.DownloadResponse{Changes: changes, ServerTime: serverTime})
}

// --------------------------------------------------------------------------
// Change Log
// --------------------------------------------------------------------------

func validateChange(c db.SyncRecord) error {
	switch {
	case c.Store == "" || c.Store == LogStore:
		return errors.New("invalid store " + strconv.Quote(c.Store))
	case c.ID == "":
		return errors.New("missing id")
	}
	switch c.Operation {
	case db.SyncCreate, db.SyncUpdate:
		if c.Data == nil {
			return errors.New("missing data")
		}
	case db.SyncDelete:
	default:
		return errors.New("unknown operation " + strconv.Quote(string(c.Operation)))
	}
	return nil
}

// record appends changes to the log in one transaction and applies them to
// the matching stores. Apply failures are logged and do not reject the upload.
func (s *SyncServer) record(ctx context.Context, origin string, changes []db.SyncRecord) (int, error) {
	if len(changes) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	serverTime := s.now().UnixMilli()
	ops := make([]db.TransactionOperation, 0, len(changes))
	for _, c := range changes {
		entry := db.Record{
			"serverTime": serverTime,
			"origin":     origin,
			"store":      c.Store,
			"id":         c.ID,
			"operation":  string(c.Operation),
			"timestamp":  c.Timestamp,
		}
		if c.Data != nil {
			entry["data"] = map[string]any(c.Data)
		}
		ops = append(ops, db.TransactionOperation{Type: db.TxAdd, Store: LogStore, Data: entry})
	}
	if err := s.driver.Transaction(ctx, ops); err != nil {
		return 0, err
	}

	for _, c := range changes {
		if err := s.apply(ctx, c); err != nil {
			applyFailures.Inc()
			Logger.Warningf("applying %s %s failed: %v", c.Operation, c.LogKey(), err)
		}
	}
	return len(changes), nil
}

// apply mirrors a change into the store of the same name, if the server has one
func (s *SyncServer) apply(ctx context.Context, c db.SyncRecord) error {
	sc, ok := s.driver.Config().Store(c.Store)
	if !ok {
		return nil
	}
	if c.Operation == db.SyncDelete {
		key, ok := db.KeyOf(c.Data, sc.KeyPath)
		if !ok {
			key = c.ID
		}
		return s.driver.Delete(ctx, c.Store, key)
	}
	_, err := s.driver.Put(ctx, c.Store, c.Data)
	return err
}

// changesSince returns the latest change per "<store>:<id>" recorded at or after
// since, leaving out the changes uploaded by exclude.
func (s *SyncServer) changesSince(ctx context.Context, since int64, exclude string) ([]db.SyncRecord, error) {
	entries, err := s.driver.Query(ctx, LogStore,
		[]db.QueryCondition{{Field: "serverTime", Operator: db.OpGte, Value: float64(since)}},
		&db.QueryOptions{OrderBy: &db.OrderBy{Field: "seq", Direction: db.Asc}})
	if err != nil {
		return nil, err
	}

	type latest struct {
		seq float64
		rec db.SyncRecord
	}
	byKey := make(map[string]latest, len(entries))
	for _, e := range entries {
		if exclude != "" && e["origin"] == exclude {
			continue
		}
		rec := toSyncRecord(e)
		seq, _ := e["seq"].(float64)
		byKey[rec.LogKey()] = latest{seq: seq, rec: rec}
	}

	ordered := make([]latest, 0, len(byKey))
	for _, l := range byKey {
		ordered = append(ordered, l)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })

	out := make([]db.SyncRecord, len(ordered))
	for i, l := range ordered {
		out[i] = l.rec
	}
	return out, nil
}

func toSyncRecord(e db.Record) db.SyncRecord {
	rec := db.SyncRecord{}
	rec.Store, _ = e["store"].(string)
	rec.ID, _ = e["id"].(string)
	op, _ := e["operation"].(string)
	rec.Operation = db.SyncOperation(op)
	rec.Data, _ = e["data"].(map[string]any)
	ts, _ := e["timestamp"].(float64)
	rec.Timestamp = int64(ts)
	return rec
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		Logger.Errorf("Failed to write response: %v", err)
	}
}
