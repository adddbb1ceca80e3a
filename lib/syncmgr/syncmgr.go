package syncmgr

import (
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/ValentinKolb/uStore/rpc/client"
	"github.com/ValentinKolb/uStore/rpc/common"
	"github.com/ValentinKolb/uStore/rpc/transport/http"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("sync")

var (
	syncRuns      = metrics.NewCounter(`ustore_sync_runs_total`)
	syncFailures  = metrics.NewCounter(`ustore_sync_failures_total`)
	syncConflicts = metrics.NewCounter(`ustore_sync_conflicts_total`)
	syncDuration  = metrics.NewHistogram(`ustore_sync_duration_seconds`)
)

// ErrSyncInProgress is returned by Sync while another sync is running.
var ErrSyncInProgress = db.NewError(db.KindSync, "sync already in progress")

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// ConflictResolution decides what happens to a downloaded change for a
// record that was changed locally again while the sync ran.
type ConflictResolution string

const (
	ResolveServer ConflictResolution = "server" // apply the remote change
	ResolveClient ConflictResolution = "client" // keep the local change, skip the remote one
	ResolveManual ConflictResolution = "manual" // queue the remote change for ResolveConflict
)

// Config of a sync coordinator
type Config struct {
	ServerURL          string             `json:"serverUrl" yaml:"serverUrl"`
	Interval           time.Duration      `json:"interval" yaml:"interval"`
	AutoSync           bool               `json:"autoSync" yaml:"autoSync"`
	Stores             []string           `json:"stores" yaml:"stores"` // empty = all stores
	AuthToken          string             `json:"authToken" yaml:"authToken"`
	ConflictResolution ConflictResolution `json:"conflictResolution" yaml:"conflictResolution"`
	Timeout            time.Duration      `json:"timeout" yaml:"timeout"`
	RetryCount         int                `json:"retryCount" yaml:"retryCount"`
	// ClientID identifies this client to the server, empty = a random id.
	// Reusing it across restarts keeps the server from echoing own changes.
	ClientID string `json:"clientId" yaml:"clientId"`
}

// IClient is the remote side of a sync
type IClient interface {
	Upload(ctx context.Context, req *common.UploadRequest) (*common.UploadResponse, error)
	Download(ctx context.Context, since int64) (*common.DownloadResponse, error)
}

// Conflict is a remote change held back by the manual strategy.
type Conflict struct {
	Key    string
	Local  db.SyncRecord
	Remote db.SyncRecord
}

// Status is a point-in-time view of the coordinator
type Status struct {
	LastSyncTime int64  `json:"lastSyncTime"`
	Pending      int    `json:"pending"`
	Conflicts    int    `json:"conflicts"`
	Syncing      bool   `json:"syncing"`
	LastError    string `json:"lastError,omitempty"`
}

// Result of one sync
type Result struct {
	Uploaded   int
	Downloaded int
	Applied    int
	Conflicts  int
}

// Option configures a Manager
type Option func(*Manager)

// WithClient replaces the http client, e.g. with a fake in tests
func WithClient(c IClient) Option {
	return func(m *Manager) { m.client = c }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLastSyncTime resumes from a previous sync, so the first download only
// returns changes since ms (unix milliseconds).
func WithLastSyncTime(ms int64) Option {
	return func(m *Manager) { m.lastSyncTime = ms }
}

// WithApplyHook registers fn, called with the store name after a remote
// change was applied locally.
func WithApplyHook(fn func(store string)) Option {
	return func(m *Manager) { m.onApply = fn }
}

// --------------------------------------------------------------------------
// Manager
// --------------------------------------------------------------------------

type pendingEntry struct {
	rec db.SyncRecord
	seq uint64
}

// Manager keeps the pending change log of one database and synchronizes it
// with a sync server.
type Manager struct {
	cfg     Config
	id      string
	driver  db.IDriver
	client  IClient
	now     func() time.Time
	onApply func(store string)
	stores  map[string]struct{}

	pending *xsync.MapOf[string, pendingEntry]
	seq     atomic.Uint64
	syncing atomic.Bool

	mu           sync.Mutex // guards the fields below
	lastSyncTime int64
	conflicts    int
	lastErr      error
	manual       map[string]Conflict

	loopMu sync.Mutex
	stop   chan struct{}
	done   chan struct{}
}

// New creates a coordinator for driver. Without WithClient an http client
// for cfg.ServerURL is created.
func New(driver db.IDriver, cfg Config, opts ...Option) (*Manager, error) {
	switch cfg.ConflictResolution {
	case "":
		cfg.ConflictResolution = ResolveServer
	case ResolveServer, ResolveClient, ResolveManual:
	default:
		return nil, db.Errorf(db.KindValidation, "unknown conflict resolution %q (expected server, client or manual)", cfg.ConflictResolution)
	}

	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	m := &Manager{
		cfg:     cfg,
		id:      cfg.ClientID,
		driver:  driver,
		now:     time.Now,
		stores:  make(map[string]struct{}, len(cfg.Stores)),
		pending: xsync.NewMapOf[string, pendingEntry](),
		manual:  make(map[string]Conflict),
	}
	for _, s := range cfg.Stores {
		m.stores[s] = struct{}{}
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.client == nil {
		if cfg.ServerURL == "" {
			return nil, db.NewError(db.KindValidation, "sync needs a server url")
		}
		c, err := client.NewSyncClient(common.ClientConfig{
			ServerURL:  cfg.ServerURL,
			AuthToken:  cfg.AuthToken,
			ClientID:   m.id,
			Timeout:    cfg.Timeout,
			RetryCount: cfg.RetryCount,
		}, http.NewHttpClientTransport())
		if err != nil {
			return nil, err
		}
		m.client = c
	}
	return m, nil
}

// ClientID returns the id this coordinator uploads with
func (m *Manager) ClientID() string {
	return m.id
}

// Tracks reports whether changes of store are synchronized
func (m *Manager) Tracks(store string) bool {
	if len(m.stores) == 0 {
		return true
	}
	_, ok := m.stores[store]
	return ok
}

// RecordChange puts a local change into the pending log, replacing an
// earlier change of the same record. It reports whether store is tracked.
func (m *Manager) RecordChange(store, id string, op db.SyncOperation, data db.Record) bool {
	if !m.Tracks(store) {
		return false
	}
	rec := db.SyncRecord{
		Store:     store,
		ID:        id,
		Operation: op,
		Data:      db.CloneRecord(data),
		Timestamp: m.now().UnixMilli(),
	}
	m.pending.Store(rec.LogKey(), pendingEntry{rec: rec, seq: m.seq.Add(1)})
	return true
}

// Pending returns the pending log in recording order
func (m *Manager) Pending() []db.SyncRecord {
	entries := m.snapshot()
	out := make([]db.SyncRecord, len(entries))
	for i, e := range entries {
		out[i] = e.rec
	}
	return out
}

func (m *Manager) snapshot() []pendingEntry {
	entries := make([]pendingEntry, 0, m.pending.Size())
	m.pending.Range(func(_ string, e pendingEntry) bool {
		entries = append(entries, e)
		return true
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return entries
}

// IsSyncing reports whether a sync is running
func (m *Manager) IsSyncing() bool {
	return m.syncing.Load()
}

// Status returns the current state
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		LastSyncTime: m.lastSyncTime,
		Pending:      m.pending.Size(),
		Conflicts:    m.conflicts,
		Syncing:      m.syncing.Load(),
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// --------------------------------------------------------------------------
// Sync
// --------------------------------------------------------------------------

// Sync uploads the pending log, then downloads and applies the remote
// changes since the last successful sync. The pending log is only cleared
// after the server acknowledged the upload. Per-record apply failures are
// counted as conflicts and do not fail the sync.
func (m *Manager) Sync(ctx context.Context) (Result, error) {
	if !m.syncing.CompareAndSwap(false, true) {
		return Result{}, ErrSyncInProgress
	}
	defer m.syncing.Store(false)

	start := m.now()
	syncRuns.Inc()
	defer syncDuration.UpdateDuration(start)

	m.mu.Lock()
	since := m.lastSyncTime
	m.mu.Unlock()

	res, err := m.run(ctx, since)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts += res.Conflicts
	m.lastErr = err
	if err != nil {
		syncFailures.Inc()
		Logger.Warningf("sync failed: %v", err)
		return res, err
	}
	m.lastSyncTime = start.UnixMilli()
	Logger.Debugf("sync done: %d uploaded, %d downloaded, %d applied, %d conflicts", res.Uploaded, res.Downloaded, res.Applied, res.Conflicts)
	return res, nil
}

func (m *Manager) run(ctx context.Context, since int64) (Result, error) {
	var res Result

	// upload
	entries := m.snapshot()
	if len(entries) > 0 {
		changes := make([]db.SyncRecord, len(entries))
		for i, e := range entries {
			changes[i] = e.rec
		}
		if _, err := m.client.Upload(ctx, common.NewUploadRequest(changes, since)); err != nil {
			return res, syncErr("upload", err)
		}
		// entries changed during the upload stay pending
		for _, e := range entries {
			m.pending.Compute(e.rec.LogKey(), func(old pendingEntry, loaded bool) (pendingEntry, bool) {
				return old, !loaded || old.seq == e.seq
			})
		}
		res.Uploaded = len(entries)
	}

	// download
	resp, err := m.client.Download(ctx, since)
	if err != nil {
		return res, syncErr("download", err)
	}
	res.Downloaded = len(resp.Changes)

	for _, remote := range resp.Changes {
		if !m.Tracks(remote.Store) {
			continue
		}
		if local, ok := m.pending.Load(remote.LogKey()); ok && m.cfg.ConflictResolution != ResolveServer {
			res.Conflicts++
			syncConflicts.Inc()
			if m.cfg.ConflictResolution == ResolveManual {
				m.mu.Lock()
				m.manual[remote.LogKey()] = Conflict{Key: remote.LogKey(), Local: local.rec, Remote: remote}
				m.mu.Unlock()
			}
			continue
		}
		if err := m.apply(ctx, remote); err != nil {
			res.Conflicts++
			syncConflicts.Inc()
			Logger.Warningf("applying remote %s %s failed: %v", remote.Operation, remote.LogKey(), err)
			continue
		}
		res.Applied++
	}
	return res, nil
}

func syncErr(step string, err error) error {
	if errors.Is(err, db.ErrSync) {
		return err
	}
	return db.Wrap(db.KindSync, step, err)
}

// apply writes a remote change to the local driver
func (m *Manager) apply(ctx context.Context, c db.SyncRecord) error {
	sc, ok := m.driver.Config().Store(c.Store)
	if !ok {
		return db.Errorf(db.KindNotFound, "store %s not found", c.Store)
	}

	var err error
	switch c.Operation {
	case db.SyncCreate, db.SyncUpdate:
		_, err = m.driver.Put(ctx, c.Store, c.Data)
	case db.SyncDelete:
		err = m.driver.Delete(ctx, c.Store, m.resolveKey(ctx, sc, c))
	default:
		err = db.Errorf(db.KindValidation, "unknown operation %q", c.Operation)
	}
	if err == nil && m.onApply != nil {
		m.onApply(c.Store)
	}
	return err
}

// resolveKey recovers the typed primary key of a delete. The record key is
// used if the change carries one, otherwise a numeric id is preferred when a
// record with that numeric key exists.
func (m *Manager) resolveKey(ctx context.Context, sc db.StoreConfig, c db.SyncRecord) any {
	if key, ok := db.KeyOf(c.Data, sc.KeyPath); ok {
		return key
	}
	if f, err := strconv.ParseFloat(c.ID, 64); err == nil && db.KeyString(f) == c.ID {
		if _, err := m.driver.Get(ctx, c.Store, f); err == nil {
			return f
		}
	}
	return c.ID
}

// --------------------------------------------------------------------------
// Manual Conflicts
// --------------------------------------------------------------------------

// Conflicts returns the queued conflicts of the manual strategy, sorted by key
func (m *Manager) Conflicts() []Conflict {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Conflict, 0, len(m.manual))
	for _, c := range m.manual {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ResolveConflict settles a queued conflict. useRemote applies the remote
// change and drops the pending local one, otherwise the local change is
// uploaded by the next sync.
func (m *Manager) ResolveConflict(ctx context.Context, key string, useRemote bool) error {
	m.mu.Lock()
	c, ok := m.manual[key]
	delete(m.manual, key)
	m.mu.Unlock()
	if !ok {
		return db.Errorf(db.KindNotFound, "no conflict for %s", key)
	}
	if !useRemote {
		return nil
	}
	if err := m.apply(ctx, c.Remote); err != nil {
		return err
	}
	m.pending.Delete(key)
	return nil
}

// --------------------------------------------------------------------------
// Auto Sync
// --------------------------------------------------------------------------

// Start runs Sync every Interval until Stop. Starting a running loop is a no-op.
func (m *Manager) Start() error {
	if m.cfg.Interval <= 0 {
		return db.NewError(db.KindValidation, "auto sync needs an interval > 0")
	}
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.stop != nil {
		return nil
	}
	m.stop, m.done = make(chan struct{}), make(chan struct{})
	go m.loop(m.stop, m.done)
	Logger.Infof("auto sync every %s", m.cfg.Interval)
	return nil
}

func (m *Manager) loop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.Background(), context.CancelFunc(func() {})
			if m.cfg.Timeout > 0 {
				ctx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
			}
			// failures are kept in Status
			_, _ = m.Sync(ctx)
			cancel()
		}
	}
}

// Stop ends the auto sync loop and waits for a running sync to finish
func (m *Manager) Stop() {
	m.loopMu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.loopMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Close stops the loop and releases the client
func (m *Manager) Close() error {
	m.Stop()
	if c, ok := m.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
