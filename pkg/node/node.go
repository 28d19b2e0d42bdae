// Package node owns the per-process replication state (log, reorder buffer,
// peer set, logical clock) and implements every RPC a file-sync node serves:
// the coordinator write path, the replication inlet, join and peer exchange
// gossip, anti-entropy pulls and Berkeley clock sync.
package node

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amirimatin/go-filesync/pkg/clock"
	"github.com/amirimatin/go-filesync/pkg/internal/logutil"
	"github.com/amirimatin/go-filesync/pkg/membership"
	obsmetrics "github.com/amirimatin/go-filesync/pkg/observability/metrics"
	"github.com/amirimatin/go-filesync/pkg/repllog"
	"github.com/amirimatin/go-filesync/pkg/store"
	"github.com/amirimatin/go-filesync/pkg/transport"
)

// Node is the concrete transport.Handler. Log state and the peer set are
// guarded independently so gossip never waits on log operations.
type Node struct {
	opts   Options
	log    *repllog.Log
	peers  *membership.Registry
	clock  *clock.Logical
	gossip GossipAssist
	eb     eventBus

	started atomic.Bool
	master  atomic.Bool

	mu  sync.Mutex
	run struct {
		closed bool
		cancel context.CancelFunc
	}
	wg sync.WaitGroup
}

// New constructs a Node from validated options. It performs no network
// activity; call Start to serve and bootstrap.
func New(opts Options) (*Node, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	n := &Node{opts: opts, clock: opts.Clock, peers: membership.NewRegistry()}
	l, err := repllog.New(repllog.Options{
		Store:         opts.Store,
		Clock:         opts.Clock,
		MaxPending:    opts.MaxPending,
		MaxPendingAge: opts.MaxPendingAge,
		Policy:        opts.OverflowPolicy,
		OnApply:       n.onApply,
	})
	if err != nil {
		return nil, err
	}
	n.log = l
	return n, nil
}

// Start decides the node's role, starts the RPC server and gossip assist,
// joins the cluster through the discovered seeds and launches the
// anti-entropy loop. A node with no seeds is the master and starts with an
// empty peer set; a member starts with itself.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started.Load() {
		return nil
	}
	obsmetrics.Register()

	var seeds []string
	if n.opts.Discovery != nil {
		seeds = n.opts.Discovery.Seeds(ctx)
	}
	n.master.Store(len(seeds) == 0)
	if !n.master.Load() {
		n.peers.Add(n.opts.Advertise)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	n.run.cancel = cancel
	if n.opts.Server != nil {
		if err := n.opts.Server.Start(runCtx, n); err != nil {
			cancel()
			return err
		}
		logutil.Infof(n.opts.Logger, "node %s listening at %s (master=%v)", n.opts.NodeID, n.opts.Server.Addr(), n.master.Load())
	}
	if n.opts.NewGossip != nil {
		g, err := n.opts.NewGossip(func(addr string) { n.AddPeer(addr) })
		if err != nil {
			cancel()
			return err
		}
		if err := g.Start(runCtx); err != nil {
			cancel()
			return err
		}
		n.gossip = g
		if len(n.opts.GossipSeeds) > 0 {
			if k, err := g.Join(n.opts.GossipSeeds); err != nil {
				logutil.Warnf(n.opts.Logger, "gossip join %v failed: %v", n.opts.GossipSeeds, err)
			} else {
				logutil.Infof(n.opts.Logger, "gossip joined %d/%d seeds", k, len(n.opts.GossipSeeds))
			}
		}
	}
	n.started.Store(true)

	if !n.master.Load() {
		if err := n.bootstrap(ctx, seeds); err != nil {
			logutil.Warnf(n.opts.Logger, "%v; continuing with peers %v", err, n.peers.Snapshot())
		}
	}
	n.updateGauges()

	if n.opts.AntiEntropyInterval > 0 {
		n.wg.Add(1)
		go n.antiEntropyLoop(runCtx)
	}
	return nil
}

// Stop ends the anti-entropy loop, leaves the gossip ring and shuts the RPC
// server down. The store is owned by the caller and left open.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.run.closed || !n.started.Load() {
		return nil
	}
	n.run.closed = true
	if n.run.cancel != nil {
		n.run.cancel()
	}
	n.wg.Wait()
	if n.gossip != nil {
		_ = n.gossip.Stop()
	}
	if n.opts.Server != nil {
		_ = n.opts.Server.Stop(ctx)
	}
	return nil
}

// Close is a convenience alias for Stop with a background context.
func (n *Node) Close() error {
	return n.Stop(context.Background())
}

// ID returns the node identifier.
func (n *Node) ID() string { return n.opts.NodeID }

// Advertise returns the RPC address peers use for this node.
func (n *Node) Advertise() string { return n.opts.Advertise }

// IsMaster reports whether this node runs clock sync.
func (n *Node) IsMaster() bool { return n.master.Load() }

// Peers returns a snapshot of the peer set.
func (n *Node) Peers() []string { return n.peers.Snapshot() }

// Log exposes the replicated log for inspection.
func (n *Node) Log() *repllog.Log { return n.log }

// Clock exposes the logical clock.
func (n *Node) Clock() *clock.Logical { return n.clock }

// ListFiles returns every stored file sorted by path.
func (n *Node) ListFiles(ctx context.Context) (transport.ListFilesResponse, error) {
	files, err := n.opts.Store.List()
	if err != nil {
		return transport.ListFilesResponse{}, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	if files == nil {
		files = []store.File{}
	}
	return transport.ListFilesResponse{Files: files}, nil
}

// Status is a JSON-serializable snapshot of the node.
type Status struct {
	ID           string   `json:"id"`
	Advertise    string   `json:"advertise"`
	Master       bool     `json:"master"`
	NextSeq      int64    `json:"nextSeq"`
	LogLen       int      `json:"logLen"`
	Pending      int      `json:"pending"`
	StalledSeq   int64    `json:"stalledSeq,omitempty"`
	StallCount   int      `json:"stallCount,omitempty"`
	Peers        []string `json:"peers"`
	OffsetMillis int64    `json:"offsetMillis"`
	LogicalTime  int64    `json:"logicalTime"`
}

// Snapshot returns the current Status.
func (n *Node) Snapshot() Status {
	stalledSeq, stallCount := n.log.Stalled()
	return Status{
		ID:           n.opts.NodeID,
		Advertise:    n.opts.Advertise,
		Master:       n.master.Load(),
		NextSeq:      n.log.NextSeq(),
		LogLen:       n.log.Len(),
		Pending:      len(n.log.Pending()),
		StalledSeq:   stalledSeq,
		StallCount:   stallCount,
		Peers:        n.peers.Snapshot(),
		OffsetMillis: n.clock.Offset(),
		LogicalTime:  n.clock.NowMillis(),
	}
}

// Status returns Snapshot encoded as JSON.
func (n *Node) Status(ctx context.Context) ([]byte, error) {
	return json.Marshal(n.Snapshot())
}

// onApply runs under the log lock for every appended entry.
func (n *Node) onApply(e repllog.Entry) {
	obsmetrics.LogNextSeq.Set(float64(e.Seq + 1))
	obsmetrics.LogEntries.Inc()
	n.eb.publish(Event{Type: EventEntryApplied, At: time.Now(), Seq: e.Seq, Path: e.Path, IsDelete: e.IsDelete})
}

func (n *Node) updateGauges() {
	obsmetrics.Peers.Set(float64(n.peers.Len()))
	obsmetrics.BufferPending.Set(float64(len(n.log.Pending())))
	obsmetrics.ClockOffset.Set(float64(n.clock.Offset()))
}

// remotePeers is the peer snapshot without this node's own address.
func (n *Node) remotePeers() []string {
	all := n.peers.Snapshot()
	out := all[:0]
	for _, p := range all {
		if p != n.opts.Advertise {
			out = append(out, p)
		}
	}
	return out
}

func (n *Node) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, n.opts.RPCTimeout)
}

var _ transport.Handler = (*Node)(nil)
