package util

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/ValentinKolb/uStore/lib/common"
	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/ValentinKolb/uStore/lib/engine"
	"github.com/google/uuid"
)

// SyncState is kept next to the data between CLI runs, so a sync resumes
// instead of downloading everything again.
type SyncState struct {
	ServerURL    string `json:"serverUrl"`
	ClientID     string `json:"clientId"`
	LastSyncTime int64  `json:"lastSyncTime"`
}

func syncStatePath(dataDir, name string) string {
	return filepath.Join(dataDir, name+".sync.json")
}

// LoadSyncState reads the state of database name. Without a data dir, a
// missing file or a state recorded for another server it returns a fresh
// state with a new client id.
func LoadSyncState(dataDir, name, serverURL string) (SyncState, error) {
	fresh := SyncState{ServerURL: serverURL, ClientID: uuid.NewString()}
	if dataDir == "" {
		return fresh, nil
	}
	raw, err := os.ReadFile(syncStatePath(dataDir, name))
	if errors.Is(err, os.ErrNotExist) {
		return fresh, nil
	}
	if err != nil {
		return SyncState{}, db.Wrap(db.KindBackend, "read sync state", err)
	}
	var state SyncState
	if err := json.Unmarshal(raw, &state); err != nil {
		return SyncState{}, db.Wrap(db.KindBackend, "decode sync state", err)
	}
	if state.ServerURL != serverURL || state.ClientID == "" {
		return fresh, nil
	}
	return state, nil
}

// SaveSyncState writes the state of database name. It does nothing without
// a data dir, a memory database starts from scratch anyway.
func SaveSyncState(dataDir, name string, state SyncState) error {
	if dataDir == "" {
		return nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	path := syncStatePath(dataDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return db.Wrap(db.KindBackend, "write sync state", err)
	}
	return db.Wrap(db.KindBackend, "write sync state", os.Rename(tmp, path))
}

// SaveDatabaseSyncState stores the client id and last sync time of d's sync
// coordinator. Databases without one are skipped.
func SaveDatabaseSyncState(conf *common.EngineConfig, d *engine.Database) error {
	m := d.Sync()
	if m == nil {
		return nil
	}
	return SaveSyncState(conf.DataDir, d.Name(), SyncState{
		ServerURL:    conf.SyncURL,
		ClientID:     m.ClientID(),
		LastSyncTime: m.Status().LastSyncTime,
	})
}
