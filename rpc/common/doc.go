// Package common provides the wire format and configuration shared by the
// sync client and the sync server.
//
// The package focuses on:
//   - Message definitions of the JSON over HTTP sync protocol
//   - Configuration structures for client and server components
//
// Key Components:
//
//   - UploadRequest / UploadResponse: POST /sync/upload with the pending
//     change log of a client and the acknowledgment of the server.
//
//   - DownloadResponse: GET /sync/download?lastSyncTime=<ms> with every change
//     the server recorded since that time.
//
//   - ServerConfig: endpoint, bearer token and storage of the reference server.
//
//   - ClientConfig: server url, bearer token, timeout and retry behaviour.
package common
