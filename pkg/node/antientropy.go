package node

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/amirimatin/go-filesync/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-filesync/pkg/observability/metrics"
	"github.com/amirimatin/go-filesync/pkg/observability/tracing"
	"github.com/amirimatin/go-filesync/pkg/repllog"
	"github.com/amirimatin/go-filesync/pkg/transport"
)

func (n *Node) antiEntropyLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.opts.AntiEntropyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.Tick(ctx); err != nil && ctx.Err() == nil {
				logutil.Warnf(n.opts.Logger, "anti-entropy tick: %v", err)
			}
		}
	}
}

// Tick runs one anti-entropy round: pull missing entries from and exchange
// peer lists with every peer, then sync clocks when master. Peer failures
// skip that peer for this round.
func (n *Node) Tick(ctx context.Context) error {
	if !n.started.Load() {
		return ErrNotStarted
	}
	ctx, sp := tracing.Start(ctx, "node.tick")
	peers := n.remotePeers()
	pulled := 0
	for _, p := range peers {
		if ctx.Err() != nil {
			break
		}
		pulled += n.pull(ctx, p)
		n.exchange(ctx, p)
	}
	var err error
	if n.master.Load() && ctx.Err() == nil {
		err = n.SyncClocks(ctx)
	}
	n.updateGauges()
	obsmetrics.AntiEntropyTicks.Inc()
	sp.SetAttributes(attribute.Int("peers", len(peers)), attribute.Int("pulled", pulled))
	sp.End(err)
	return err
}

// pull ingests every entry peer has from our next expected seq and returns
// how many entries it received.
func (n *Node) pull(ctx context.Context, peer string) int {
	cctx, cancel := n.callCtx(ctx)
	defer cancel()
	resp, err := n.opts.Peers.GetUpdates(cctx, peer, transport.UpdatesRequest{FromSeq: n.log.NextSeq()})
	if err != nil {
		obsmetrics.PeerCallErrors.WithLabelValues("GetUpdates").Inc()
		logutil.Warnf(n.opts.Logger, "pull from %s failed: %v", peer, err)
		return 0
	}
	obsmetrics.AntiEntropyPulled.Add(float64(len(resp.Entries)))
	for _, e := range resp.Entries {
		if err := n.ingest(e); err != nil {
			logutil.Warnf(n.opts.Logger, "pulled seq %d from %s not ingested: %v", e.Seq, peer, err)
			if errors.Is(err, repllog.ErrBufferFull) {
				break
			}
		}
	}
	return len(resp.Entries)
}
