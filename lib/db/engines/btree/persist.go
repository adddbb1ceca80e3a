package btree

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/ValentinKolb/uStore/lib/db"
)

// snapshotFile is the on-disk format: a header with the schema version and
// every store with its records in primary key order.
type snapshotFile struct {
	Format  string          `json:"format"`
	Version int             `json:"version"`
	Stores  []snapshotStore `json:"stores"`
}

type snapshotStore struct {
	Config  db.StoreConfig `json:"config"`
	Records []db.Record    `json:"records"`
}

const snapshotFormat = "ustore-btree/1"

// load reads the snapshot file if it exists. Must not run concurrently with
// the dispatcher.
func (d *driverImpl) load() error {
	raw, err := os.ReadFile(d.opts.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return db.Wrap(db.KindBackend, "read snapshot", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(raw, &snap); err != nil {
		return db.Wrap(db.KindBackend, "decode snapshot "+d.opts.Path, err)
	}
	if snap.Format != snapshotFormat {
		return db.Errorf(db.KindBackend, "snapshot %s: unsupported format %q", d.opts.Path, snap.Format)
	}

	ts := newTables(d.opts.Degree)
	for _, s := range snap.Stores {
		ts.createStore(s.Config)
		t := ts.stores[s.Config.Name]
		for _, r := range s.Records {
			if _, err := t.write(r, true); err != nil {
				return db.Wrap(db.KindBackend, "load snapshot store "+s.Config.Name, err)
			}
		}
	}
	d.ts = ts
	d.version = snap.Version
	Logger.Infof("loaded %s: %d stores, version %d", d.opts.Path, len(snap.Stores), snap.Version)
	return nil
}

// save writes ts to the snapshot file atomically (temp file + rename). Runs
// on the dispatcher or after it stopped.
func (d *driverImpl) save(ts *tables) error {
	snap := snapshotFile{Format: snapshotFormat, Version: d.version}
	for _, name := range ts.order {
		t := ts.stores[name]
		snap.Stores = append(snap.Stores, snapshotStore{Config: t.config, Records: t.all()})
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return db.Wrap(db.KindBackend, "encode snapshot", err)
	}

	if err := os.MkdirAll(filepath.Dir(d.opts.Path), 0o755); err != nil {
		return db.Wrap(db.KindBackend, "create snapshot dir", err)
	}
	tmp := d.opts.Path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return db.Wrap(db.KindBackend, "write snapshot", err)
	}
	if err := os.Rename(tmp, d.opts.Path); err != nil {
		return db.Wrap(db.KindBackend, "rename snapshot", err)
	}
	return nil
}
