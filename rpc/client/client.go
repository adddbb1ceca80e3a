package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/ValentinKolb/uStore/rpc/common"
	"github.com/ValentinKolb/uStore/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("rpc/client")

// SyncClient talks to a sync server.
type SyncClient struct {
	config    common.ClientConfig
	transport transport.IRPCClientTransport
}

// NewSyncClient connects transport with config and returns a client.
//
// Usage:
//
//	c, err := client.NewSyncClient(config, http.NewHttpClientTransport())
func NewSyncClient(config common.ClientConfig, transport transport.IRPCClientTransport) (*SyncClient, error) {
	if err := transport.Connect(config); err != nil {
		return nil, err
	}
	return &SyncClient{config: config, transport: transport}, nil
}

// Upload sends the pending changes. An unsuccessful acknowledgment is
// returned as db.ErrSync.
func (c *SyncClient) Upload(ctx context.Context, req *common.UploadRequest) (*common.UploadResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, db.Wrap(db.KindValidation, "encode upload", err)
	}
	raw, err := c.transport.Send(ctx, http.MethodPost, common.UploadPath, nil, body)
	if err != nil {
		return nil, err
	}

	resp := &common.UploadResponse{}
	if err := json.Unmarshal(raw, resp); err != nil {
		return nil, db.Wrap(db.KindSync, "decode upload response", err)
	}
	if !resp.Success {
		return resp, db.Errorf(db.KindSync, "upload rejected: %s", resp.Error)
	}
	Logger.Debugf("uploaded %d changes, %d accepted", len(req.Changes), resp.Accepted)
	return resp, nil
}

// Download fetches every change the server recorded at or after since (unix ms).
func (c *SyncClient) Download(ctx context.Context, since int64) (*common.DownloadResponse, error) {
	query := url.Values{common.LastSyncTimeParam: []string{strconv.FormatInt(since, 10)}}
	raw, err := c.transport.Send(ctx, http.MethodGet, common.DownloadPath, query, nil)
	if err != nil {
		return nil, err
	}

	resp := &common.DownloadResponse{}
	if err := json.Unmarshal(raw, resp); err != nil {
		return nil, db.Wrap(db.KindSync, "decode download response", err)
	}
	for i := range resp.Changes {
		resp.Changes[i].Data = db.CloneRecord(resp.Changes[i].Data)
	}
	return resp, nil
}

// Close releases the transport
func (c *SyncClient) Close() error {
	return c.transport.Close()
}
