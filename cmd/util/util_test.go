package util

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ValentinKolb/uStore/lib/common"
	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/ValentinKolb/uStore/lib/encryption"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const schema = `
name: app
version: 1
stores:
  - name: settings
    keyPath: key
  - name: notes
    keyPath: id
    autoIncrement: true
`

func TestWrapString(t *testing.T) {
	text := strings.Repeat("word ", 30)
	for _, line := range strings.Split(WrapString(text), "\n") {
		assert.LessOrEqual(t, len(line), Wrap)
	}
	assert.Equal(t, "short text", WrapString("  short   text "))
}

func TestParseRecordAndKey(t *testing.T) {
	r, err := ParseRecord(`{"key":"theme","n":1}`)
	require.NoError(t, err)
	assert.Equal(t, 1.0, r["n"])

	_, err = ParseRecord(`[1,2]`)
	assert.Error(t, err)
	_, err = ParseRecord(`null`)
	assert.Error(t, err)

	assert.Equal(t, 42.0, ParseKey("42"))
	assert.Equal(t, "theme", ParseKey("theme"))
}

func TestOpenDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(schema), 0o644))

	conf := &common.EngineConfig{
		Schema:              path,
		Backend:             "kv",
		DataDir:             filepath.Join(dir, "data"),
		CacheSize:           10,
		EncryptionKey:       "secret",
		EncryptionAlgorithm: encryption.AlgorithmXChaCha,
		EncryptFields:       []string{"value"},
	}
	ctx := context.Background()

	e, d, err := OpenDatabase(ctx, conf)
	require.NoError(t, err)
	require.True(t, d.Put(ctx, "settings", db.Record{"key": "theme", "value": "dark"}).Success)
	raw, err := d.Driver().Get(ctx, "settings", "theme")
	require.NoError(t, err)
	assert.True(t, encryption.IsEncrypted(raw["value"]))
	require.NoError(t, e.Close())

	// reopened from the data dir
	e, d, err = OpenDatabase(ctx, conf)
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, "dark", d.Get(ctx, "settings", "theme").Data["value"])
	assert.Nil(t, d.Sync())

	conf.Backend = "nope"
	_, _, err = OpenDatabase(ctx, conf)
	assert.Error(t, err)
}

func TestSyncState(t *testing.T) {
	dir := t.TempDir()

	fresh, err := LoadSyncState(dir, "app", "http://sync.local")
	require.NoError(t, err)
	assert.NotEmpty(t, fresh.ClientID)
	assert.Zero(t, fresh.LastSyncTime)

	fresh.LastSyncTime = 1700000000000
	require.NoError(t, SaveSyncState(dir, "app", fresh))

	loaded, err := LoadSyncState(dir, "app", "http://sync.local")
	require.NoError(t, err)
	assert.Equal(t, fresh, loaded)

	other, err := LoadSyncState(dir, "app", "http://other.local")
	require.NoError(t, err)
	assert.NotEqual(t, fresh.ClientID, other.ClientID)
	assert.Zero(t, other.LastSyncTime)

	// memory databases keep no state
	require.NoError(t, SaveSyncState("", "app", fresh))
	mem, err := LoadSyncState("", "app", "http://sync.local")
	require.NoError(t, err)
	assert.NotEqual(t, fresh.ClientID, mem.ClientID)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.sync.json"), []byte("{"), 0o600))
	_, err = LoadSyncState(dir, "broken", "http://sync.local")
	assert.ErrorIs(t, err, db.ErrBackend)
}
