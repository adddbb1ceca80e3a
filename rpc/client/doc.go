// Package client implements the sync client used by lib/syncmgr.
//
// Key Components:
//
//   - SyncClient: Upload posts the pending change log to /sync/upload,
//     Download fetches /sync/download?lastSyncTime=<ms>. Both go through an
//     IRPCClientTransport, which adds authentication and retries.
//
// Usage Example:
//
//	c, err := client.NewSyncClient(common.ClientConfig{
//	  ServerURL:  "http://localhost:8080",
//	  AuthToken:  "secret",
//	  RetryCount: 3,
//	}, http.NewHttpClientTransport())
//
//	resp, err := c.Upload(ctx, common.NewUploadRequest(changes, lastSyncTime))
//	changes, err := c.Download(ctx, lastSyncTime)
//
// Thread Safety:
//
//	A SyncClient can be used concurrently from multiple goroutines.
package client
