package node

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/amirimatin/go-filesync/pkg/clock"
	"github.com/amirimatin/go-filesync/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-filesync/pkg/observability/metrics"
	"github.com/amirimatin/go-filesync/pkg/observability/tracing"
	"github.com/amirimatin/go-filesync/pkg/transport"
)

// GetTime reports this node's logical time.
func (n *Node) GetTime(ctx context.Context) (transport.TimeResponse, error) {
	return transport.TimeResponse{UnixMillis: n.clock.NowMillis()}, nil
}

// AdjustTime adds the delta to the clock offset; offsets accumulate.
func (n *Node) AdjustTime(ctx context.Context, req transport.AdjustRequest) (transport.Ack, error) {
	n.adjust(req.OffsetMillis)
	return transport.Ack{Success: true}, nil
}

func (n *Node) adjust(delta int64) {
	off := n.clock.Adjust(delta)
	obsmetrics.ClockOffset.Set(float64(off))
	if delta != 0 {
		n.eb.publish(Event{Type: EventClockAdjusted, Delta: delta, Offset: off})
	}
}

// SyncClocks runs one Berkeley round from this node: sample every peer's
// logical time, average with our own, and push each responder its
// correction. Peers that do not answer are left out of the round.
func (n *Node) SyncClocks(ctx context.Context) error {
	if !n.started.Load() {
		return ErrNotStarted
	}
	ctx, sp := tracing.Start(ctx, "node.syncClocks")
	peers := n.remotePeers()

	var (
		mu      sync.Mutex
		samples []clock.Sample
		g       errgroup.Group
	)
	g.SetLimit(n.opts.FanoutWorkers)
	own := n.clock.NowMillis()
	for _, p := range peers {
		p := p
		g.Go(func() error {
			cctx, cancel := n.callCtx(ctx)
			defer cancel()
			tr, err := n.opts.Peers.GetTime(cctx, p)
			if err != nil {
				obsmetrics.PeerCallErrors.WithLabelValues("GetTime").Inc()
				logutil.Warnf(n.opts.Logger, "clock sample from %s failed: %v", p, err)
				return nil
			}
			mu.Lock()
			samples = append(samples, clock.Sample{Addr: p, Time: tr.UnixMillis})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	mean, selfDelta, deltas := clock.Berkeley(own, samples)
	var adj errgroup.Group
	adj.SetLimit(n.opts.FanoutWorkers)
	for _, s := range samples {
		s := s
		adj.Go(func() error {
			cctx, cancel := n.callCtx(ctx)
			defer cancel()
			ack, err := n.opts.Peers.AdjustTime(cctx, s.Addr, transport.AdjustRequest{OffsetMillis: deltas[s.Addr]})
			if err != nil || !ack.Success {
				obsmetrics.PeerCallErrors.WithLabelValues("AdjustTime").Inc()
				logutil.Warnf(n.opts.Logger, "clock adjust on %s failed: err=%v ack=%+v", s.Addr, err, ack)
			}
			return nil
		})
	}
	_ = adj.Wait()
	n.adjust(selfDelta)
	sp.SetAttributes(attribute.Int64("mean", mean), attribute.Int("samples", len(samples)))
	sp.End(nil)
	return nil
}
