// Package server implements the reference sync server.
//
// Every uploaded change is appended to the "_sync_log" store of a db.IDriver
// together with the server time and the id of the uploading client. Changes
// for a store the server's schema also declares are applied to that store
// with Put or Delete. A download returns, per "<store>:<id>", the latest
// change recorded since lastSyncTime that was not uploaded by the asking
// client.
//
// Routes:
//
//   - POST /sync/upload    {changes, lastSyncTime} -> {success, accepted}
//   - GET  /sync/download?lastSyncTime=<ms> -> {changes, serverTime}
//   - GET  /health[?stats=1] -> {status, database[, stats]}
//   - GET  /metrics        Prometheus text format
//
// All routes but /health and /metrics require "Authorization: Bearer <token>"
// when ServerConfig.AuthToken is set.
//
// Usage Example:
//
//	reg := registry.New()
//	driver, err := reg.Register(ctx, server.WithLogStore(schema), db.BackendSQL)
//	if err != nil {
//	  log.Fatal(err)
//	}
//	s, err := server.NewSyncServer(config, driver, http.NewHttpServerTransport())
//	if err != nil {
//	  log.Fatal(err)
//	}
//	if err := s.Serve(); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
package server
