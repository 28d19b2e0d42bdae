package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	LogNextSeq = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "filesync",
		Subsystem: "log",
		Name:      "next_seq",
		Help:      "Next sequence number this node assigns and expects",
	})
	LogEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "filesync",
		Subsystem: "log",
		Name:      "entries",
		Help:      "Number of entries applied to the in-memory log",
	})
	LogApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filesync",
		Subsystem: "log",
		Name:      "applied_total",
		Help:      "Entries applied to the store, by origin (local|remote)",
	}, []string{"origin"})
	BufferPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "filesync",
		Subsystem: "buffer",
		Name:      "pending",
		Help:      "Out-of-order entries waiting in the reorder buffer",
	})
	BufferDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filesync",
		Subsystem: "buffer",
		Name:      "dropped_total",
		Help:      "Entries dropped by the reorder buffer, by reason (full|evicted|aged|duplicate)",
	}, []string{"reason"})
	ApplyStalled = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "filesync",
		Subsystem: "log",
		Name:      "apply_stalled_failures",
		Help:      "Consecutive store failures for the entry the drain is stuck on (0 when draining)",
	})

	FanoutTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filesync",
		Subsystem: "fanout",
		Name:      "writes_total",
		Help:      "Coordinated writes by replication outcome (complete|partial)",
	}, []string{"result"})
	FanoutPeerCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filesync",
		Subsystem: "fanout",
		Name:      "peer_calls_total",
		Help:      "ReplicateEntry calls to peers by result (ack|nack|error)",
	}, []string{"result"})

	Peers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "filesync",
		Name:      "peers",
		Help:      "Current number of known peer addresses",
	})
	ClockOffset = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "filesync",
		Subsystem: "clock",
		Name:      "offset_ms",
		Help:      "Accumulated logical clock offset in milliseconds",
	})

	AntiEntropyTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "filesync",
		Subsystem: "antientropy",
		Name:      "ticks_total",
		Help:      "Completed anti-entropy rounds",
	})
	AntiEntropyPulled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "filesync",
		Subsystem: "antientropy",
		Name:      "pulled_entries_total",
		Help:      "Entries received through GetUpdates pulls",
	})
	PeerCallErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filesync",
		Subsystem: "antientropy",
		Name:      "peer_errors_total",
		Help:      "Failed background peer calls by method",
	}, []string{"method"})

	RPCRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filesync",
		Subsystem: "rpc",
		Name:      "requests_total",
		Help:      "Inbound RPCs by method and status code",
	}, []string{"method", "code"})

	GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "filesync",
		Subsystem: "grpc_conn",
		Name:      "dials_total",
		Help:      "Total number of new gRPC connections dialed",
	})
	GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "filesync",
		Subsystem: "grpc_conn",
		Name:      "reuse_total",
		Help:      "Total number of gRPC connection reuses from cache",
	})
	GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "filesync",
		Subsystem: "grpc_conn",
		Name:      "evictions_total",
		Help:      "Total number of cached gRPC connections evicted",
	})
	GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "filesync",
		Subsystem: "grpc_conn",
		Name:      "active",
		Help:      "Number of active cached gRPC connections",
	})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			LogNextSeq, LogEntries, LogApplied, ApplyStalled,
			BufferPending, BufferDropped,
			FanoutTotal, FanoutPeerCalls,
			Peers, ClockOffset,
			AntiEntropyTicks, AntiEntropyPulled, PeerCallErrors,
			RPCRequests,
			GRPCConnDials, GRPCConnReuse, GRPCConnEvictions, GRPCConnActive,
		)
	})
}

// Routes mounts /metrics and /healthz on r.
func Routes(r chi.Router) {
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// Serve runs a standalone metrics listener on addr until ctx is done. It is
// used when the RPC transport (gRPC) has no HTTP endpoint of its own.
func Serve(ctx context.Context, addr string) error {
	r := chi.NewRouter()
	Routes(r)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(c)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
