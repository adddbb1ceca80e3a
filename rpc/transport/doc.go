// Package transport defines the interfaces of the transport layer between the
// sync client and the sync server.
//
// Key Components:
//
//   - IRPCClientTransport: client side, handles connection management, retries
//     and authentication of outgoing requests.
//
//   - IRPCServerTransport: server side, serves an http.Handler behind the
//     authentication and logging middleware.
package transport
