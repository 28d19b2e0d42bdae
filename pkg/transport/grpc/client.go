package grpc

import (
	"context"
	"crypto/tls"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/amirimatin/go-filesync/pkg/repllog"
	"github.com/amirimatin/go-filesync/pkg/transport"
)

// Client implements transport.RPCClient. Every call runs under its own
// deadline and reuses pooled connections.
type Client struct {
	timeout time.Duration
	cm      *ConnManager
	tls     *tls.Config
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	c := &Client{timeout: timeout}
	c.cm = NewConnManager(30*time.Second, c.dialCtx)
	return c
}

// UseTLS dials peers over TLS. Call before the first request.
func (c *Client) UseTLS(cfg *tls.Config) { c.tls = cfg }

func (c *Client) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
	// Use JSON codec and set content subtype accordingly.
	creds := insecure.NewCredentials()
	if c.tls != nil {
		creds = credentials.NewTLS(c.tls)
	}
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
		grpc.WithTransportCredentials(creds),
		grpc.WithBlock(),
	}
	return grpc.DialContext(ctx, target, opts...)
}

// invoke performs one unary call against addr under the client timeout.
func invoke[Resp any](ctx context.Context, c *Client, addr, method string, req any) (Resp, error) {
	var out Resp
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cc, rel, err := c.cm.Get(cctx, addr)
	if err != nil {
		return out, err
	}
	defer rel()
	if err := cc.Invoke(cctx, method, req, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Client) SyncFile(ctx context.Context, addr string, req transport.SyncFileRequest) (transport.FileOpResponse, error) {
	return invoke[transport.FileOpResponse](ctx, c, addr, "/"+svcPrimary+"/SyncFile", &req)
}

func (c *Client) DeleteFile(ctx context.Context, addr string, req transport.DeleteFileRequest) (transport.FileOpResponse, error) {
	return invoke[transport.FileOpResponse](ctx, c, addr, "/"+svcPrimary+"/DeleteFile", &req)
}

func (c *Client) ListFiles(ctx context.Context, addr string) (transport.ListFilesResponse, error) {
	return invoke[transport.ListFilesResponse](ctx, c, addr, "/"+svcPrimary+"/ListFiles", &empty{})
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
	out, err := invoke[transport.StatusBlob](ctx, c, addr, "/"+svcPrimary+"/GetStatus", &empty{})
	return out.Data, err
}

func (c *Client) ReplicateEntry(ctx context.Context, addr string, e repllog.Entry) (transport.Ack, error) {
	return invoke[transport.Ack](ctx, c, addr, "/"+svcReplication+"/ReplicateEntry", &e)
}

func (c *Client) GetUpdates(ctx context.Context, addr string, req transport.UpdatesRequest) (transport.UpdatesResponse, error) {
	return invoke[transport.UpdatesResponse](ctx, c, addr, "/"+svcReplication+"/GetUpdates", &req)
}

func (c *Client) Join(ctx context.Context, addr string, req transport.JoinRequest) (transport.PeerList, error) {
	return invoke[transport.PeerList](ctx, c, addr, "/"+svcDiscovery+"/Join", &req)
}

func (c *Client) PeerExchange(ctx context.Context, addr string, in transport.PeerList) (transport.PeerList, error) {
	return invoke[transport.PeerList](ctx, c, addr, "/"+svcDiscovery+"/PeerExchange", &in)
}

func (c *Client) GetTime(ctx context.Context, addr string) (transport.TimeResponse, error) {
	return invoke[transport.TimeResponse](ctx, c, addr, "/"+svcClockSync+"/GetTime", &empty{})
}

func (c *Client) AdjustTime(ctx context.Context, addr string, req transport.AdjustRequest) (transport.Ack, error) {
	return invoke[transport.Ack](ctx, c, addr, "/"+svcClockSync+"/AdjustTime", &req)
}

// Close drops every pooled connection.
func (c *Client) Close() error {
	c.cm.Close()
	return nil
}

var _ transport.RPCClient = (*Client)(nil)
