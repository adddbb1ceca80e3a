package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/ValentinKolb/uStore/rpc/client"
	"github.com/ValentinKolb/uStore/rpc/common"
	transporthttp "github.com/ValentinKolb/uStore/rpc/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, url string, retries int) *client.SyncClient {
	t.Helper()
	c, err := client.NewSyncClient(common.ClientConfig{ServerURL: url, AuthToken: "tok", ClientID: "c1", RetryCount: retries}, transporthttp.NewHttpClientTransport())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "c1", r.Header.Get(common.ClientIDHeader))
		assert.NotEmpty(t, r.Header.Get(common.RequestIDHeader))
		assert.Equal(t, "42", r.URL.Query().Get(common.LastSyncTimeParam))
		_ = json.NewEncoder(w).Encode(common.DownloadResponse{
			Changes:    []db.SyncRecord{{Store: "s", ID: "1", Operation: db.SyncCreate, Data: db.Record{"n": 1}}},
			ServerTime: 99,
		})
	}))
	defer ts.Close()

	resp, err := newClient(t, ts.URL, 3).Download(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(99), resp.ServerTime)
	assert.Equal(t, 1.0, resp.Changes[0].Data["n"])
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer ts.Close()

	_, err := newClient(t, ts.URL, 5).Upload(context.Background(), common.NewUploadRequest(nil, 0))
	assert.True(t, errors.Is(err, db.ErrSync))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRejectedUpload(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req common.UploadRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotNil(t, req.Changes)
		_ = json.NewEncoder(w).Encode(common.UploadResponse{Success: false, Error: "read only"})
	}))
	defer ts.Close()

	_, err := newClient(t, ts.URL, 1).Upload(context.Background(), common.NewUploadRequest(nil, 7))
	assert.True(t, errors.Is(err, db.ErrSync))
	assert.Contains(t, err.Error(), "read only")
}

func TestConnectValidatesURL(t *testing.T) {
	_, err := client.NewSyncClient(common.ClientConfig{ServerURL: "localhost:8080"}, transporthttp.NewHttpClientTransport())
	assert.True(t, errors.Is(err, db.ErrValidation))
}
