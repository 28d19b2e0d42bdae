package node

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/amirimatin/go-filesync/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-filesync/pkg/observability/metrics"
	"github.com/amirimatin/go-filesync/pkg/observability/tracing"
	"github.com/amirimatin/go-filesync/pkg/repllog"
	"github.com/amirimatin/go-filesync/pkg/store"
	"github.com/amirimatin/go-filesync/pkg/transport"
)

// SyncFile writes path locally, logs it and replicates it to every peer.
func (n *Node) SyncFile(ctx context.Context, req transport.SyncFileRequest) (transport.FileOpResponse, error) {
	return n.coordinate(ctx, req.Path, req.Content, false), nil
}

// DeleteFile removes path locally, logs it and replicates it to every peer.
func (n *Node) DeleteFile(ctx context.Context, req transport.DeleteFileRequest) (transport.FileOpResponse, error) {
	return n.coordinate(ctx, req.Path, nil, true), nil
}

// coordinate applies the mutation, then fans it out. Success requires an
// ack from every peer; a partial fan-out still leaves the local write and
// the log entry in place.
func (n *Node) coordinate(ctx context.Context, p string, content []byte, isDelete bool) transport.FileOpResponse {
	ctx, sp := tracing.Start(ctx, "node.coordinate", attribute.String("path", p), attribute.Bool("delete", isDelete))
	clean, err := validatePath(p)
	if err != nil {
		sp.End(err)
		return transport.FileOpResponse{Message: "invalid path"}
	}
	e, err := n.log.Apply(clean, content, isDelete)
	if err != nil {
		logutil.Errorf(n.opts.Logger, "apply %s (seq %d) failed: %v", clean, e.Seq, err)
		sp.End(err)
		return transport.FileOpResponse{Message: fmt.Sprintf("apply failed: %v", err)}
	}
	obsmetrics.LogApplied.WithLabelValues("local").Inc()

	acked, total := n.fanout(ctx, e)
	sp.SetAttributes(attribute.Int64("seq", e.Seq), attribute.Int("acked", acked), attribute.Int("peers", total))
	if acked < total {
		obsmetrics.FanoutTotal.WithLabelValues("partial").Inc()
		n.eb.publish(Event{Type: EventReplicationIncomplete, Seq: e.Seq, Path: e.Path, IsDelete: isDelete, Acked: acked, Total: total})
		msg := fmt.Sprintf("replication error: acked %d/%d peers", acked, total)
		logutil.Warnf(n.opts.Logger, "seq %d %s: %s", e.Seq, e.Path, msg)
		sp.End(nil)
		return transport.FileOpResponse{Message: msg}
	}
	obsmetrics.FanoutTotal.WithLabelValues("complete").Inc()
	sp.End(nil)
	if isDelete {
		return transport.FileOpResponse{Success: true, Message: "deleted"}
	}
	return transport.FileOpResponse{Success: true, Message: "synced"}
}

// fanout sends e to every peer through a bounded pool and waits for all of
// them. This node's own address counts as acknowledged without a call.
func (n *Node) fanout(ctx context.Context, e repllog.Entry) (acked, total int) {
	peers := n.peers.Snapshot()
	var ok atomic.Int64
	var g errgroup.Group
	g.SetLimit(n.opts.FanoutWorkers)
	for _, addr := range peers {
		if addr == n.opts.Advertise {
			ok.Add(1)
			continue
		}
		addr := addr
		g.Go(func() error {
			cctx, cancel := n.callCtx(ctx)
			defer cancel()
			ack, err := n.opts.Peers.ReplicateEntry(cctx, addr, e)
			switch {
			case err != nil:
				obsmetrics.FanoutPeerCalls.WithLabelValues("error").Inc()
				logutil.Warnf(n.opts.Logger, "replicate seq %d to %s failed: %v", e.Seq, addr, err)
			case !ack.Success:
				obsmetrics.FanoutPeerCalls.WithLabelValues("nack").Inc()
				logutil.Warnf(n.opts.Logger, "replicate seq %d to %s refused: %s", e.Seq, addr, ack.Error)
			default:
				obsmetrics.FanoutPeerCalls.WithLabelValues("ack").Inc()
				ok.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(ok.Load()), len(peers)
}

func validatePath(p string) (string, error) {
	clean, err := store.Clean(p)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	return clean, nil
}
