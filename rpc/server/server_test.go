package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/ValentinKolb/uStore/lib/db/engines/sqlite"
	"github.com/ValentinKolb/uStore/lib/registry"
	"github.com/ValentinKolb/uStore/rpc/client"
	"github.com/ValentinKolb/uStore/rpc/common"
	"github.com/ValentinKolb/uStore/rpc/server"
	transporthttp "github.com/ValentinKolb/uStore/rpc/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func schema() db.DatabaseConfig {
	return db.DatabaseConfig{Name: "hub", Version: 1, Stores: []db.StoreConfig{{Name: "notes", KeyPath: "id"}}}
}

func start(t *testing.T, token string) (*httptest.Server, db.IDriver) {
	t.Helper()
	d := sqlite.NewDriver(server.WithLogStore(schema()), nil)
	require.NoError(t, d.Initialize(context.Background()))
	t.Cleanup(func() { _ = d.Close() })

	s, err := server.NewSyncServer(common.ServerConfig{AuthToken: token, LogLevel: "debug"}, d, transporthttp.NewHttpServerTransport())
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, d
}

func syncClient(t *testing.T, url, token, id string) *client.SyncClient {
	t.Helper()
	c, err := client.NewSyncClient(common.ClientConfig{ServerURL: url, AuthToken: token, ClientID: id, RetryCount: 1}, transporthttp.NewHttpClientTransport())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestWithLogStore(t *testing.T) {
	cfg := server.WithLogStore(schema())
	_, ok := cfg.Store(server.LogStore)
	assert.True(t, ok)
	assert.Len(t, server.WithLogStore(cfg).Stores, 2, "added once")
	assert.Len(t, schema().Stores, 1, "input is not modified")
}

func TestNewSyncServerNeedsLogStore(t *testing.T) {
	d := sqlite.NewDriver(schema(), nil)
	require.NoError(t, d.Initialize(context.Background()))
	defer d.Close()

	_, err := server.NewSyncServer(common.ServerConfig{}, d, transporthttp.NewHttpServerTransport())
	assert.True(t, errors.Is(err, db.ErrValidation))
}

func TestUploadAndDownload(t *testing.T) {
	ctx := context.Background()
	ts, d := start(t, "")
	alice := syncClient(t, ts.URL, "", "alice")
	bob := syncClient(t, ts.URL, "", "bob")

	resp, err := alice.Upload(ctx, common.NewUploadRequest([]db.SyncRecord{
		{Store: "notes", ID: "n1", Operation: db.SyncCreate, Data: db.Record{"id": "n1", "v": 1}, Timestamp: 10},
		{Store: "drafts", ID: "d1", Operation: db.SyncCreate, Data: db.Record{"id": "d1"}, Timestamp: 11},
	}, 0))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 2, resp.Accepted)

	_, err = alice.Upload(ctx, common.NewUploadRequest([]db.SyncRecord{
		{Store: "notes", ID: "n1", Operation: db.SyncUpdate, Data: db.Record{"id": "n1", "v": 2}, Timestamp: 12},
	}, 0))
	require.NoError(t, err)

	// applied to the server's own notes store, unknown stores are only logged
	r, err := d.Get(ctx, "notes", "n1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, r["v"])

	// bob gets the latest change per record
	down, err := bob.Download(ctx, 0)
	require.NoError(t, err)
	require.Len(t, down.Changes, 2)
	assert.Equal(t, "drafts:d1", down.Changes[0].LogKey())
	assert.Equal(t, "notes:n1", down.Changes[1].LogKey())
	assert.Equal(t, db.SyncUpdate, down.Changes[1].Operation)
	assert.Equal(t, 2.0, down.Changes[1].Data["v"])
	assert.Equal(t, int64(12), down.Changes[1].Timestamp)
	assert.Greater(t, down.ServerTime, int64(0))

	// alice does not get her own changes back
	own, err := alice.Download(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, own.Changes)

	// nothing after the server time
	later, err := bob.Download(ctx, down.ServerTime+60_000)
	require.NoError(t, err)
	assert.Empty(t, later.Changes)

	// deletes are applied by key
	_, err = bob.Upload(ctx, common.NewUploadRequest([]db.SyncRecord{{Store: "notes", ID: "n1", Operation: db.SyncDelete}}, 0))
	require.NoError(t, err)
	_, err = d.Get(ctx, "notes", "n1")
	assert.True(t, errors.Is(err, db.ErrNotFound))
}

func TestUploadValidation(t *testing.T) {
	ts, _ := start(t, "")

	for name, body := range map[string]string{
		"NotJSON":      `{`,
		"MissingStore": `{"changes":[{"id":"a","operation":"create","data":{}}]}`,
		"LogStore":     `{"changes":[{"store":"_sync_log","id":"a","operation":"create","data":{}}]}`,
		"MissingID":    `{"changes":[{"store":"notes","operation":"delete"}]}`,
		"MissingData":  `{"changes":[{"store":"notes","id":"a","operation":"update"}]}`,
		"BadOperation": `{"changes":[{"store":"notes","id":"a","operation":"merge","data":{}}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+common.UploadPath, "application/json", strings.NewReader(body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var e common.ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
			assert.False(t, e.Success)
			assert.NotEmpty(t, e.Error)
		})
	}

	resp, err := http.Get(ts.URL + common.DownloadPath + "?lastSyncTime=yesterday")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthentication(t *testing.T) {
	ctx := context.Background()
	ts, _ := start(t, "secret")

	_, err := syncClient(t, ts.URL, "", "x").Download(ctx, 0)
	assert.True(t, errors.Is(err, db.ErrSync))
	assert.Contains(t, err.Error(), "401")

	_, err = syncClient(t, ts.URL, "nope", "x").Download(ctx, 0)
	assert.True(t, errors.Is(err, db.ErrSync))

	_, err = syncClient(t, ts.URL, "secret", "x").Download(ctx, 0)
	assert.NoError(t, err)

	// health and metrics stay open
	for _, path := range []string{common.HealthPath, common.MetricsPath} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		if path == common.MetricsPath {
			assert.True(t, bytes.Contains(body, []byte("ustore_sync_server_requests_total")))
		}
	}
}

func TestHealthStats(t *testing.T) {
	ctx := context.Background()
	ts, d := start(t, "")
	_, err := d.Put(ctx, "notes", db.Record{"id": "n1", "text": "hello"})
	require.NoError(t, err)
	_, err = d.Put(ctx, "notes", db.Record{"id": "n2", "text": "world"})
	require.NoError(t, err)

	var plain map[string]any
	resp, err := http.Get(ts.URL + common.HealthPath)
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&plain))
	resp.Body.Close()
	assert.Equal(t, "hub", plain["database"])
	assert.NotContains(t, plain, "stats")

	var body struct {
		Stats registry.DatabaseStats `json:"stats"`
	}
	resp, err = http.Get(ts.URL + common.HealthPath + "?" + common.StatsParam + "=1")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, db.BackendSQL, body.Stats.Backend)
	assert.Equal(t, 2, body.Stats.Records)
	require.Len(t, body.Stats.Stores, 2)
	assert.Equal(t, "notes", body.Stats.Stores[0].Name)
	assert.Equal(t, 2, body.Stats.Stores[0].Records)
	assert.Greater(t, body.Stats.Stores[0].SizeBytes, int64(0))
	assert.Nil(t, body.Stats.Namespace)
}
