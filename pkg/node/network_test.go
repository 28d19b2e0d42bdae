package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"

	"github.com/amirimatin/go-filesync/pkg/clock"
	"github.com/amirimatin/go-filesync/pkg/discovery/static"
	"github.com/amirimatin/go-filesync/pkg/repllog"
	"github.com/amirimatin/go-filesync/pkg/store"
	"github.com/amirimatin/go-filesync/pkg/store/dirstore"
	"github.com/amirimatin/go-filesync/pkg/transport"
)

var errUnreachable = errors.New("unreachable")

// network is an in-process transport.PeerClient that dispatches calls
// straight to the target node's handler methods.
type network struct {
	mu    sync.Mutex
	nodes map[string]*Node
	down  map[string]bool
	calls map[string]int
}

func newNetwork() *network {
	return &network{nodes: map[string]*Node{}, down: map[string]bool{}, calls: map[string]int{}}
}

func (nw *network) target(addr, method string) (*Node, error) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	nw.calls[method+" "+addr]++
	n, ok := nw.nodes[addr]
	if !ok || nw.down[addr] {
		return nil, fmt.Errorf("%s %s: %w", method, addr, errUnreachable)
	}
	return n, nil
}

func (nw *network) setDown(addr string, down bool) {
	nw.mu.Lock()
	nw.down[addr] = down
	nw.mu.Unlock()
}

func (nw *network) callCount(method, addr string) int {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	return nw.calls[method+" "+addr]
}

func (nw *network) ReplicateEntry(ctx context.Context, addr string, e repllog.Entry) (transport.Ack, error) {
	n, err := nw.target(addr, "ReplicateEntry")
	if err != nil {
		return transport.Ack{}, err
	}
	return n.ReplicateEntry(ctx, e)
}

func (nw *network) GetUpdates(ctx context.Context, addr string, req transport.UpdatesRequest) (transport.UpdatesResponse, error) {
	n, err := nw.target(addr, "GetUpdates")
	if err != nil {
		return transport.UpdatesResponse{}, err
	}
	return n.GetUpdates(ctx, req)
}

func (nw *network) Join(ctx context.Context, addr string, req transport.JoinRequest) (transport.PeerList, error) {
	n, err := nw.target(addr, "Join")
	if err != nil {
		return transport.PeerList{}, err
	}
	return n.Join(ctx, req)
}

func (nw *network) PeerExchange(ctx context.Context, addr string, in transport.PeerList) (transport.PeerList, error) {
	n, err := nw.target(addr, "PeerExchange")
	if err != nil {
		return transport.PeerList{}, err
	}
	return n.PeerExchange(ctx, in)
}

func (nw *network) GetTime(ctx context.Context, addr string) (transport.TimeResponse, error) {
	n, err := nw.target(addr, "GetTime")
	if err != nil {
		return transport.TimeResponse{}, err
	}
	return n.GetTime(ctx)
}

func (nw *network) AdjustTime(ctx context.Context, addr string, req transport.AdjustRequest) (transport.Ack, error) {
	n, err := nw.target(addr, "AdjustTime")
	if err != nil {
		return transport.Ack{}, err
	}
	return n.AdjustTime(ctx, req)
}

type nodeCfg struct {
	seeds []string
	now   func() int64
	store store.Store
	mod   func(*Options)
}

// add builds and starts a node at addr. With no seeds it is the master.
func (nw *network) add(t *testing.T, addr string, cfg nodeCfg) *Node {
	t.Helper()
	st := cfg.store
	if st == nil {
		d, err := dirstore.New(t.TempDir())
		if err != nil {
			t.Fatalf("dirstore: %v", err)
		}
		st = d
	}
	opts := Options{
		NodeID:              addr,
		Advertise:           addr,
		Store:               st,
		Peers:               nw,
		Discovery:           static.New(cfg.seeds...),
		Logger:              log.New(io.Discard, "", 0),
		AntiEntropyInterval: -1,
	}
	if cfg.now != nil {
		opts.Clock = clock.NewWithSource(cfg.now)
	}
	if cfg.mod != nil {
		cfg.mod(&opts)
	}
	n, err := New(opts)
	if err != nil {
		t.Fatalf("new %s: %v", addr, err)
	}
	nw.mu.Lock()
	nw.nodes[addr] = n
	nw.mu.Unlock()
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func fileContent(t *testing.T, n *Node, p string) (string, bool) {
	t.Helper()
	resp, err := n.ListFiles(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, f := range resp.Files {
		if f.Path == p {
			return string(f.Content), true
		}
	}
	return "", false
}
