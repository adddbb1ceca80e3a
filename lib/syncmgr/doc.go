/*
Package syncmgr implements the sync coordinator: a pending log of local
changes that is uploaded to a sync server, followed by a download of the
remote changes, which are applied to the local driver.

The coordinator has two states, idle and syncing. A Sync call while syncing
fails with ErrSyncInProgress, and the syncing flag is reset on every return
path.

The pending log is keyed "<store>:<id>", so repeated edits of a record
collapse to the latest one. It is cleared only for entries the server
acknowledged; entries recorded again during the upload stay pending.

A downloaded change for a record that is still pending locally is handled
by the configured ConflictResolution:

  - server: the remote change is applied
  - client: the remote change is skipped and counted
  - manual: the remote change is queued, see Conflicts and ResolveConflict

Example usage:

	m, err := syncmgr.New(driver, syncmgr.Config{
		ServerURL: "http://localhost:8080",
		AuthToken: "secret",
		Interval:  time.Minute,
	})
	m.RecordChange("notes", "n1", db.SyncCreate, record)
	res, err := m.Sync(ctx)
*/
package syncmgr
