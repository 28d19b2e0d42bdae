package node

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/amirimatin/go-filesync/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-filesync/pkg/observability/metrics"
	"github.com/amirimatin/go-filesync/pkg/observability/tracing"
	"github.com/amirimatin/go-filesync/pkg/repllog"
	"github.com/amirimatin/go-filesync/pkg/transport"
)

// ReplicateEntry accepts an entry pushed by a coordinator. Buffering counts
// as receipt, so the ack is positive unless the reorder buffer refused it.
func (n *Node) ReplicateEntry(ctx context.Context, e repllog.Entry) (transport.Ack, error) {
	_, sp := tracing.Start(ctx, "node.replicateEntry", attribute.Int64("seq", e.Seq), attribute.String("path", e.Path))
	err := n.ingest(e)
	sp.End(err)
	if err != nil {
		return transport.Ack{Success: false, Error: err.Error()}, nil
	}
	return transport.Ack{Success: true}, nil
}

// GetUpdates serves anti-entropy pulls.
func (n *Node) GetUpdates(ctx context.Context, req transport.UpdatesRequest) (transport.UpdatesResponse, error) {
	entries := n.log.EntriesSince(req.FromSeq)
	if entries == nil {
		entries = []repllog.Entry{}
	}
	return transport.UpdatesResponse{Entries: entries}, nil
}

// ingest feeds one remote entry into the log. Only a refusal is returned as
// an error; a store failure during drain leaves the entry buffered for the
// next ingest and is logged.
func (n *Node) ingest(e repllog.Entry) error {
	if _, err := validatePath(e.Path); err != nil {
		return err
	}
	res, err := n.log.Ingest(e)
	if res.Duplicate {
		obsmetrics.BufferDropped.WithLabelValues("duplicate").Inc()
	}
	if res.Evicted > 0 {
		obsmetrics.BufferDropped.WithLabelValues("evicted").Add(float64(res.Evicted))
	}
	if res.Pruned > 0 {
		obsmetrics.BufferDropped.WithLabelValues("aged").Add(float64(res.Pruned))
	}
	if res.Applied > 0 {
		obsmetrics.LogApplied.WithLabelValues("remote").Add(float64(res.Applied))
	}
	obsmetrics.BufferPending.Set(float64(len(n.log.Pending())))
	_, stalled := n.log.Stalled()
	obsmetrics.ApplyStalled.Set(float64(stalled))
	var ae *repllog.ApplyError
	switch {
	case errors.Is(err, repllog.ErrBufferFull):
		obsmetrics.BufferDropped.WithLabelValues("full").Inc()
		return err
	case errors.As(err, &ae):
		// Only the first failure at a seq is logged; the gauge tracks the rest.
		if ae.Failures == 1 {
			logutil.Errorf(n.opts.Logger, "%v; entry stays buffered and blocks later seqs", err)
		}
	case err != nil:
		logutil.Errorf(n.opts.Logger, "%v; entry stays buffered", err)
	}
	return nil
}
