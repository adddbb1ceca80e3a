package transport

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ValentinKolb/uStore/rpc/common"
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// IRPCServerTransport serves a handler until it is shut down
type IRPCServerTransport interface {
	// Listen starts the transport and blocks until Shutdown is called or the
	// listener fails. Requests are authenticated with the configured token.
	Listen(config common.ServerConfig, handler http.Handler) error
	// Shutdown stops accepting requests and waits for running ones
	Shutdown(ctx context.Context) error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IRPCClientTransport is the interface for the RPC client transport
type IRPCClientTransport interface {
	// Connect initializes the transport with the given configuration
	Connect(config common.ClientConfig) error
	// Send issues a request against path of the configured server and returns
	// the body of a 2xx response. Every other outcome is a db.ErrSync.
	Send(ctx context.Context, method, path string, query url.Values, body []byte) (resp []byte, err error)
	// Close closes the transport connection
	Close() error
}
