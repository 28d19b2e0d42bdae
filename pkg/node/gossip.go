package node

import (
	"context"
	"fmt"

	"github.com/amirimatin/go-filesync/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-filesync/pkg/observability/metrics"
	"github.com/amirimatin/go-filesync/pkg/observability/tracing"
	"github.com/amirimatin/go-filesync/pkg/transport"
)

// Join registers a new member and returns the full peer list.
func (n *Node) Join(ctx context.Context, req transport.JoinRequest) (transport.PeerList, error) {
	_, end := tracing.StartSpan(ctx, "node.join")
	defer end()
	if n.AddPeer(req.Address) {
		logutil.Infof(n.opts.Logger, "join accepted: %s", req.Address)
	}
	return transport.PeerList{Peers: n.peers.Snapshot()}, nil
}

// PeerExchange unions the incoming list into the peer set and returns the
// merged local view.
func (n *Node) PeerExchange(ctx context.Context, in transport.PeerList) (transport.PeerList, error) {
	_, end := tracing.StartSpan(ctx, "node.peerExchange")
	defer end()
	n.merge(in.Peers)
	return transport.PeerList{Peers: n.peers.Snapshot()}, nil
}

// AddPeer adds addr to the peer set and reports whether it was new.
func (n *Node) AddPeer(addr string) bool {
	if !n.peers.Add(addr) {
		return false
	}
	obsmetrics.Peers.Set(float64(n.peers.Len()))
	n.eb.publish(Event{Type: EventPeerAdded, Peer: addr})
	return true
}

func (n *Node) merge(addrs []string) {
	added := n.peers.Merge(addrs)
	if len(added) == 0 {
		return
	}
	obsmetrics.Peers.Set(float64(n.peers.Len()))
	for _, a := range added {
		n.eb.publish(Event{Type: EventPeerAdded, Peer: a})
	}
}

// bootstrap joins through the first seed that answers and replaces the peer
// set with its response. The seed itself is kept as a peer so this node can
// pull from it.
func (n *Node) bootstrap(ctx context.Context, seeds []string) error {
	for _, seed := range seeds {
		if seed == n.opts.Advertise {
			continue
		}
		cctx, cancel := n.callCtx(ctx)
		pl, err := n.opts.Peers.Join(cctx, seed, transport.JoinRequest{Address: n.opts.Advertise})
		cancel()
		if err != nil {
			logutil.Warnf(n.opts.Logger, "join via %s failed: %v", seed, err)
			continue
		}
		n.peers.Replace(pl.Peers)
		n.peers.Add(n.opts.Advertise)
		n.merge([]string{seed})
		logutil.Infof(n.opts.Logger, "joined via %s: peers=%v", seed, n.peers.Snapshot())
		return nil
	}
	return fmt.Errorf("%w (%d seeds)", ErrJoinFailed, len(seeds))
}

func (n *Node) exchange(ctx context.Context, peer string) {
	cctx, cancel := n.callCtx(ctx)
	defer cancel()
	pl, err := n.opts.Peers.PeerExchange(cctx, peer, transport.PeerList{Peers: n.peers.Snapshot()})
	if err != nil {
		obsmetrics.PeerCallErrors.WithLabelValues("PeerExchange").Inc()
		logutil.Warnf(n.opts.Logger, "peer exchange with %s failed: %v", peer, err)
		return
	}
	n.merge(pl.Peers)
}
