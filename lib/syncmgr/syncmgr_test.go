package syncmgr_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/ValentinKolb/uStore/lib/db/engines/btree"
	"github.com/ValentinKolb/uStore/lib/syncmgr"
	"github.com/ValentinKolb/uStore/rpc/common"
	"github.com/ValentinKolb/uStore/rpc/server"
	transporthttp "github.com/ValentinKolb/uStore/rpc/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func notesConfig() db.DatabaseConfig {
	return db.DatabaseConfig{Name: "app", Version: 1, Stores: []db.StoreConfig{
		{Name: "notes", KeyPath: "id"},
		{Name: "counters", KeyPath: "n", AutoIncrement: true},
	}}
}

func openDriver(t *testing.T, cfg db.DatabaseConfig) db.IDriver {
	t.Helper()
	d := btree.NewDriver(cfg, nil)
	require.NoError(t, d.Initialize(context.Background()))
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func startServer(t *testing.T, token string) (*httptest.Server, db.IDriver) {
	t.Helper()
	d := openDriver(t, server.WithLogStore(notesConfig()))
	s, err := server.NewSyncServer(common.ServerConfig{AuthToken: token}, d, transporthttp.NewHttpServerTransport())
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, d
}

func newManager(t *testing.T, d db.IDriver, cfg syncmgr.Config, opts ...syncmgr.Option) *syncmgr.Manager {
	t.Helper()
	m, err := syncmgr.New(d, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// fakeClient serves fixed downloads and can run a hook during the upload
type fakeClient struct {
	mu        sync.Mutex
	uploads   [][]db.SyncRecord
	download  []db.SyncRecord
	uploadErr error
	onUpload  func()
	downloads atomic.Int32
}

func (f *fakeClient) Upload(_ context.Context, req *common.UploadRequest) (*common.UploadResponse, error) {
	if f.onUpload != nil {
		f.onUpload()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	f.uploads = append(f.uploads, req.Changes)
	return &common.UploadResponse{Success: true, Accepted: len(req.Changes)}, nil
}

func (f *fakeClient) Download(context.Context, int64) (*common.DownloadResponse, error) {
	f.downloads.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return &common.DownloadResponse{Changes: f.download, ServerTime: time.Now().UnixMilli()}, nil
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestSyncScenario(t *testing.T) {
	ctx := context.Background()
	ts, serverDriver := startServer(t, "tok")
	cfg := syncmgr.Config{ServerURL: ts.URL, AuthToken: "tok", RetryCount: 2}

	// client b changes n2 and syncs first
	driverB := openDriver(t, notesConfig())
	b := newManager(t, driverB, cfg)
	b.RecordChange("notes", "n2", db.SyncUpdate, db.Record{"id": "n2", "text": "remote"})
	_, err := b.Sync(ctx)
	require.NoError(t, err)

	r, err := serverDriver.Get(ctx, "notes", "n2")
	require.NoError(t, err)
	assert.Equal(t, "remote", r["text"])

	// client a has an old n2 and a pending create
	driverA := openDriver(t, notesConfig())
	_, err = driverA.Put(ctx, "notes", db.Record{"id": "n2", "text": "old"})
	require.NoError(t, err)
	_, err = driverA.Put(ctx, "notes", db.Record{"id": "n1", "text": "local"})
	require.NoError(t, err)

	a := newManager(t, driverA, cfg)
	a.RecordChange("notes", "n1", db.SyncCreate, db.Record{"id": "n1", "text": "local"})
	require.Len(t, a.Pending(), 1)

	res, err := a.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 1, res.Downloaded, "own changes are not downloaded again")

	assert.Empty(t, a.Pending())
	r, err = driverA.Get(ctx, "notes", "n2")
	require.NoError(t, err)
	assert.Equal(t, "remote", r["text"])

	st := a.Status()
	assert.Greater(t, st.LastSyncTime, int64(0))
	assert.False(t, st.Syncing)
	assert.Empty(t, st.LastError)

	// b now receives n1
	_, err = b.Sync(ctx)
	require.NoError(t, err)
	r, err = driverB.Get(ctx, "notes", "n1")
	require.NoError(t, err)
	assert.Equal(t, "local", r["text"])
}

func TestSyncUnauthorizedKeepsPending(t *testing.T) {
	ts, _ := startServer(t, "tok")
	m := newManager(t, openDriver(t, notesConfig()), syncmgr.Config{ServerURL: ts.URL, AuthToken: "wrong"})
	m.RecordChange("notes", "n1", db.SyncCreate, db.Record{"id": "n1"})

	_, err := m.Sync(context.Background())
	assert.True(t, errors.Is(err, db.ErrSync))
	assert.Len(t, m.Pending(), 1)

	st := m.Status()
	assert.False(t, st.Syncing)
	assert.NotEmpty(t, st.LastError)
	assert.Zero(t, st.LastSyncTime)
}

func TestRecordChange(t *testing.T) {
	m := newManager(t, openDriver(t, notesConfig()), syncmgr.Config{Stores: []string{"notes"}}, syncmgr.WithClient(&fakeClient{}))

	assert.True(t, m.RecordChange("notes", "n1", db.SyncCreate, db.Record{"id": "n1", "v": 1}))
	assert.True(t, m.RecordChange("notes", "n2", db.SyncCreate, db.Record{"id": "n2"}))
	assert.True(t, m.RecordChange("notes", "n1", db.SyncUpdate, db.Record{"id": "n1", "v": 2}))
	assert.False(t, m.RecordChange("counters", "1", db.SyncCreate, db.Record{"n": 1}))

	pending := m.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "n2", pending[0].ID)
	assert.Equal(t, db.SyncUpdate, pending[1].Operation)
	assert.Equal(t, 2.0, pending[1].Data["v"])
	assert.Equal(t, 2, m.Status().Pending)
}

func TestSyncInProgress(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	fc := &fakeClient{onUpload: func() {
		close(entered)
		<-release
	}}
	m := newManager(t, openDriver(t, notesConfig()), syncmgr.Config{}, syncmgr.WithClient(fc))
	m.RecordChange("notes", "n1", db.SyncCreate, db.Record{"id": "n1"})

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Sync(context.Background())
		errCh <- err
	}()
	<-entered
	assert.True(t, m.IsSyncing())

	_, err := m.Sync(context.Background())
	assert.ErrorIs(t, err, syncmgr.ErrSyncInProgress)

	close(release)
	require.NoError(t, <-errCh)
	assert.False(t, m.IsSyncing())
}

func TestConflictResolution(t *testing.T) {
	ctx := context.Background()
	remote := db.SyncRecord{Store: "notes", ID: "n1", Operation: db.SyncUpdate, Data: db.Record{"id": "n1", "text": "remote"}}

	setup := func(t *testing.T, strategy syncmgr.ConflictResolution) (*syncmgr.Manager, db.IDriver, syncmgr.Result) {
		d := openDriver(t, notesConfig())
		_, err := d.Put(ctx, "notes", db.Record{"id": "n1", "text": "local"})
		require.NoError(t, err)

		fc := &fakeClient{download: []db.SyncRecord{remote}}
		var m *syncmgr.Manager
		// a local edit lands while the upload is running
		fc.onUpload = func() {
			m.RecordChange("notes", "n1", db.SyncUpdate, db.Record{"id": "n1", "text": "newer"})
		}
		m = newManager(t, d, syncmgr.Config{ConflictResolution: strategy}, syncmgr.WithClient(fc))
		m.RecordChange("notes", "n1", db.SyncUpdate, db.Record{"id": "n1", "text": "local"})

		res, err := m.Sync(ctx)
		require.NoError(t, err)
		return m, d, res
	}
	text := func(t *testing.T, d db.IDriver) any {
		r, err := d.Get(ctx, "notes", "n1")
		require.NoError(t, err)
		return r["text"]
	}

	t.Run("Server", func(t *testing.T) {
		m, d, res := setup(t, syncmgr.ResolveServer)
		assert.Equal(t, 1, res.Applied)
		assert.Equal(t, 0, res.Conflicts)
		assert.Equal(t, "remote", text(t, d))
		assert.Len(t, m.Pending(), 1)
	})

	t.Run("Client", func(t *testing.T) {
		m, d, res := setup(t, syncmgr.ResolveClient)
		assert.Equal(t, 1, res.Conflicts)
		assert.Equal(t, "local", text(t, d))
		assert.Equal(t, "newer", m.Pending()[0].Data["text"])
		assert.Empty(t, m.Conflicts())
	})

	t.Run("Manual", func(t *testing.T) {
		m, d, res := setup(t, syncmgr.ResolveManual)
		assert.Equal(t, 1, res.Conflicts)
		assert.Equal(t, 1, m.Status().Conflicts)

		conflicts := m.Conflicts()
		require.Len(t, conflicts, 1)
		assert.Equal(t, "notes:n1", conflicts[0].Key)
		assert.Equal(t, "newer", conflicts[0].Local.Data["text"])

		require.NoError(t, m.ResolveConflict(ctx, "notes:n1", true))
		assert.Equal(t, "remote", text(t, d))
		assert.Empty(t, m.Pending())
		assert.Empty(t, m.Conflicts())

		assert.True(t, errors.Is(m.ResolveConflict(ctx, "notes:n1", true), db.ErrNotFound))
	})
}

func TestApplyFailuresAreCounted(t *testing.T) {
	ctx := context.Background()
	d := openDriver(t, notesConfig())
	_, err := d.Put(ctx, "counters", db.Record{"n": 5.0, "v": "x"})
	require.NoError(t, err)

	var applied []string
	fc := &fakeClient{download: []db.SyncRecord{
		{Store: "ghost", ID: "g1", Operation: db.SyncCreate, Data: db.Record{"id": "g1"}},
		{Store: "notes", ID: "n1", Operation: db.SyncCreate, Data: db.Record{"text": "no key"}},
		{Store: "notes", ID: "n2", Operation: db.SyncCreate, Data: db.Record{"id": "n2"}},
		{Store: "counters", ID: "5", Operation: db.SyncDelete},
	}}
	m := newManager(t, d, syncmgr.Config{}, syncmgr.WithClient(fc), syncmgr.WithApplyHook(func(store string) {
		applied = append(applied, store)
	}))

	res, err := m.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Downloaded)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 2, res.Conflicts)
	assert.Equal(t, []string{"notes", "counters"}, applied)

	_, err = d.Get(ctx, "counters", 5.0)
	assert.True(t, errors.Is(err, db.ErrNotFound), "numeric id resolves to the numeric key")
}

func TestUploadFailureKeepsPending(t *testing.T) {
	fc := &fakeClient{uploadErr: errors.New("connection refused")}
	m := newManager(t, openDriver(t, notesConfig()), syncmgr.Config{}, syncmgr.WithClient(fc))
	m.RecordChange("notes", "n1", db.SyncCreate, db.Record{"id": "n1"})

	_, err := m.Sync(context.Background())
	assert.True(t, errors.Is(err, db.ErrSync))
	assert.Len(t, m.Pending(), 1)
	assert.Zero(t, fc.downloads.Load())
}

func TestAutoSync(t *testing.T) {
	fc := &fakeClient{}
	m := newManager(t, openDriver(t, notesConfig()), syncmgr.Config{Interval: 10 * time.Millisecond}, syncmgr.WithClient(fc))

	require.NoError(t, m.Start())
	require.NoError(t, m.Start())
	require.Eventually(t, func() bool { return fc.downloads.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	m.Stop()
	n := fc.downloads.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, fc.downloads.Load())
	m.Stop()

	noInterval := newManager(t, openDriver(t, notesConfig()), syncmgr.Config{}, syncmgr.WithClient(fc))
	assert.True(t, errors.Is(noInterval.Start(), db.ErrValidation))
}

func TestNewValidation(t *testing.T) {
	d := openDriver(t, notesConfig())
	_, err := syncmgr.New(d, syncmgr.Config{})
	assert.True(t, errors.Is(err, db.ErrValidation))
	_, err = syncmgr.New(d, syncmgr.Config{ServerURL: "ftp://x"})
	assert.True(t, errors.Is(err, db.ErrValidation))
	_, err = syncmgr.New(d, syncmgr.Config{ServerURL: "http://x", ConflictResolution: "newest"})
	assert.True(t, errors.Is(err, db.ErrValidation))
}

func TestResumeWithClientIDAndLastSyncTime(t *testing.T) {
	ctx := context.Background()
	ts, _ := startServer(t, "")
	cfg := syncmgr.Config{ServerURL: ts.URL, ClientID: "laptop"}

	first := newManager(t, openDriver(t, notesConfig()), cfg)
	assert.Equal(t, "laptop", first.ClientID())
	first.RecordChange("notes", "n1", db.SyncCreate, db.Record{"id": "n1"})
	_, err := first.Sync(ctx)
	require.NoError(t, err)
	last := first.Status().LastSyncTime

	other := newManager(t, openDriver(t, notesConfig()), syncmgr.Config{ServerURL: ts.URL})
	assert.NotEmpty(t, other.ClientID())
	other.RecordChange("notes", "n2", db.SyncCreate, db.Record{"id": "n2"})
	_, err = other.Sync(ctx)
	require.NoError(t, err)

	// a restarted client only gets what others changed since its last sync
	resumed := newManager(t, openDriver(t, notesConfig()), cfg, syncmgr.WithLastSyncTime(last))
	assert.Equal(t, last, resumed.Status().LastSyncTime)
	res, err := resumed.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Downloaded)

	fresh := newManager(t, openDriver(t, notesConfig()), syncmgr.Config{ServerURL: ts.URL})
	res, err = fresh.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Downloaded)
}
