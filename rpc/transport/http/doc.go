// Package http implements the HTTP transport of the sync protocol.
//
// Key Components:
//
//   - httpClientTransport: Implements IRPCClientTransport. Every request carries
//     a fresh request id, the client id and, when configured, a bearer token.
//     Network errors and 5xx responses are retried RetryCount times with a
//     linear backoff; 4xx responses fail at once.
//
//   - httpServerTransport: Implements IRPCServerTransport on a net/http server.
//     Middleware adds the bearer token check and, on debug log level, request
//     logging, and can also wrap handlers served by httptest.
//
// Thread Safety:
//
//	The client transport is safe for concurrent use after Connect.
package http
