package httpjson

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/amirimatin/go-filesync/pkg/repllog"
	"github.com/amirimatin/go-filesync/pkg/transport"
)

// Client calls a Server. Every method makes a single attempt.
type Client struct {
	httpc   *http.Client
	timeout time.Duration
	scheme  string
}

// NewClient constructs a new Client with the given per-call timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{httpc: &http.Client{Transport: &http.Transport{}}, timeout: timeout, scheme: "http"}
}

// UseTLS switches the client to HTTPS with cfg.
func (c *Client) UseTLS(cfg *tls.Config) {
	c.httpc = &http.Client{Transport: &http.Transport{TLSClientConfig: cfg}}
	c.scheme = "https"
}

// post sends req to /v1/method on addr once and decodes the reply into Resp.
// Failed calls are not retried; anti-entropy repairs what they missed.
func post[Resp any](ctx context.Context, c *Client, addr, method string, req any) (Resp, error) {
	var out Resp
	body, err := json.Marshal(req)
	if err != nil {
		return out, err
	}
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return do[Resp](cctx, c.httpc, fmt.Sprintf("%s://%s/v1/%s", c.scheme, addr, method), body)
}

func do[Resp any](ctx context.Context, httpc *http.Client, url string, body []byte) (Resp, error) {
	var out Resp
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpc.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, err
	}
	if resp.StatusCode != http.StatusOK {
		var eb errorBody
		if json.Unmarshal(b, &eb) == nil && eb.Error != "" {
			return out, fmt.Errorf("%s", eb.Error)
		}
		return out, fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func (c *Client) SyncFile(ctx context.Context, addr string, req transport.SyncFileRequest) (transport.FileOpResponse, error) {
	return post[transport.FileOpResponse](ctx, c, addr, "SyncFile", req)
}

func (c *Client) DeleteFile(ctx context.Context, addr string, req transport.DeleteFileRequest) (transport.FileOpResponse, error) {
	return post[transport.FileOpResponse](ctx, c, addr, "DeleteFile", req)
}

func (c *Client) ListFiles(ctx context.Context, addr string) (transport.ListFilesResponse, error) {
	return post[transport.ListFilesResponse](ctx, c, addr, "ListFiles", none{})
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
	out, err := post[transport.StatusBlob](ctx, c, addr, "GetStatus", none{})
	return out.Data, err
}

func (c *Client) ReplicateEntry(ctx context.Context, addr string, e repllog.Entry) (transport.Ack, error) {
	return post[transport.Ack](ctx, c, addr, "ReplicateEntry", e)
}

func (c *Client) GetUpdates(ctx context.Context, addr string, req transport.UpdatesRequest) (transport.UpdatesResponse, error) {
	return post[transport.UpdatesResponse](ctx, c, addr, "GetUpdates", req)
}

func (c *Client) Join(ctx context.Context, addr string, req transport.JoinRequest) (transport.PeerList, error) {
	return post[transport.PeerList](ctx, c, addr, "Join", req)
}

func (c *Client) PeerExchange(ctx context.Context, addr string, in transport.PeerList) (transport.PeerList, error) {
	return post[transport.PeerList](ctx, c, addr, "PeerExchange", in)
}

func (c *Client) GetTime(ctx context.Context, addr string) (transport.TimeResponse, error) {
	return post[transport.TimeResponse](ctx, c, addr, "GetTime", none{})
}

func (c *Client) AdjustTime(ctx context.Context, addr string, req transport.AdjustRequest) (transport.Ack, error) {
	return post[transport.Ack](ctx, c, addr, "AdjustTime", req)
}

// Close releases idle keep-alive connections.
func (c *Client) Close() error {
	c.httpc.CloseIdleConnections()
	return nil
}

var _ transport.RPCClient = (*Client)(nil)
