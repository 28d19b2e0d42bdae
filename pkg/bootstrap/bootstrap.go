package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/amirimatin/go-filesync/pkg/clock"
	"github.com/amirimatin/go-filesync/pkg/discovery"
	dDNS "github.com/amirimatin/go-filesync/pkg/discovery/dns"
	dFile "github.com/amirimatin/go-filesync/pkg/discovery/file"
	dStatic "github.com/amirimatin/go-filesync/pkg/discovery/static"
	"github.com/amirimatin/go-filesync/pkg/internal/logutil"
	ml "github.com/amirimatin/go-filesync/pkg/membership/memberlist"
	"github.com/amirimatin/go-filesync/pkg/node"
	obsmetrics "github.com/amirimatin/go-filesync/pkg/observability/metrics"
	"github.com/amirimatin/go-filesync/pkg/observability/tracing"
	"github.com/amirimatin/go-filesync/pkg/repllog"
	tlsx "github.com/amirimatin/go-filesync/pkg/security/tlsconfig"
	"github.com/amirimatin/go-filesync/pkg/store"
	"github.com/amirimatin/go-filesync/pkg/store/boltstore"
	"github.com/amirimatin/go-filesync/pkg/store/dirstore"
	"github.com/amirimatin/go-filesync/pkg/transport"
	fsgrpc "github.com/amirimatin/go-filesync/pkg/transport/grpc"
	"github.com/amirimatin/go-filesync/pkg/transport/httpjson"
)

// Config defines high-level inputs to assemble a file sync node with sensible
// defaults. Applications embed the node by providing this structure and
// calling Build/Run.
type Config struct {
	// Identity and addresses
	NodeID    string
	Bind      string // RPC bind host:port
	Advertise string // address peers dial; defaults to Bind (loopback when host is empty)
	Proto     string // "grpc" (default) or "http"

	// Durable store
	DataDir string // root of the mirrored namespace, or the bolt file's directory
	Store   string // "dir" (default) or "bolt"

	// Discovery settings. No seeds means this node is the master.
	DiscoveryKind string // "static" (default), "dns" or "file"
	SeedsCSV      string // used when DiscoveryKind=static
	DNSNamesCSV   string // used when kind=dns
	DNSPort       int    // used when kind=dns (A/AAAA)
	FilePath      string // used when kind=file
	FileEnv       string // used when kind=file
	DiscRefresh   time.Duration

	// Optional SWIM gossip assist
	MemBind  string
	MemAdv   string
	MemSeeds string // CSV of gossip host:port

	// Replication tuning
	RPCTimeout          time.Duration
	AntiEntropyInterval time.Duration
	FanoutWorkers       int
	MaxPending          int
	MaxPendingAge       time.Duration
	OverflowPolicy      string // "reject" (default) or "evict-oldest"

	// TLS (optional) for the RPC transport, mutual when TLSCA is set
	TLSEnable     bool
	TLSCA         string
	TLSCert       string
	TLSKey        string
	TLSServerName string
	TLSSkipVerify bool

	// Observability
	MetricsAddr string // standalone /metrics listener; the http transport serves it already
	Trace       bool
	LogJSON     bool

	// Logger (optional). If nil, log.Default() is used.
	Logger *log.Logger

	// now overrides the physical clock in tests.
	now func() int64
}

// Runtime is an assembled node plus the resources Build opened for it.
type Runtime struct {
	Node   *node.Node
	Store  store.Store
	Client transport.RPCClient

	cfg           Config
	cancelMetrics context.CancelFunc
	shutdownTrace func(context.Context) error
}

// Build assembles a node from Config without starting it.
func Build(cfg Config) (*Runtime, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.LogJSON {
		logutil.SetJSON(true)
	}
	if cfg.Bind == "" {
		cfg.Bind = ":50051"
	}
	if cfg.Advertise == "" {
		cfg.Advertise = advertiseFor(cfg.Bind)
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = node.DefaultRPCTimeout
	}
	policy, err := repllog.ParsePolicy(cfg.OverflowPolicy)
	if err != nil {
		return nil, err
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	topts := cfg.tlsOptions()
	srvTLS, err := topts.Server()
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	cliTLS, err := topts.Client()
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var (
		srv transport.RPCServer
		cli transport.RPCClient
	)
	switch cfg.Proto {
	case "", "grpc":
		s, c := fsgrpc.NewServer(cfg.Bind), fsgrpc.NewClient(cfg.RPCTimeout)
		if srvTLS != nil {
			s.UseTLS(srvTLS)
			c.UseTLS(cliTLS)
		}
		srv, cli = s, c
	case "http":
		s, c := httpjson.NewServer(cfg.Bind, cfg.Logger), httpjson.NewClient(cfg.RPCTimeout)
		if srvTLS != nil {
			s.UseTLS(srvTLS)
			c.UseTLS(cliTLS)
		}
		srv, cli = s, c
	default:
		_ = st.Close()
		return nil, fmt.Errorf("bootstrap: unknown proto %q", cfg.Proto)
	}

	var clk *clock.Logical
	if cfg.now != nil {
		clk = clock.NewWithSource(cfg.now)
	}

	opts := node.Options{
		NodeID:              cfg.NodeID,
		Advertise:           cfg.Advertise,
		Store:               st,
		Clock:               clk,
		Peers:               cli,
		Discovery:           newDiscovery(cfg),
		Server:              srv,
		Logger:              cfg.Logger,
		AntiEntropyInterval: cfg.AntiEntropyInterval,
		RPCTimeout:          cfg.RPCTimeout,
		FanoutWorkers:       cfg.FanoutWorkers,
		MaxPending:          cfg.MaxPending,
		MaxPendingAge:       cfg.MaxPendingAge,
		OverflowPolicy:      policy,
	}
	if cfg.MemBind != "" {
		opts.GossipSeeds = dStatic.Parse(cfg.MemSeeds)
		opts.NewGossip = func(onDiscover func(string)) (node.GossipAssist, error) {
			return ml.New(ml.Options{
				NodeID:     nodeName(cfg),
				Bind:       cfg.MemBind,
				Advertise:  cfg.MemAdv,
				RPCAddr:    cfg.Advertise,
				OnDiscover: onDiscover,
				Logger:     cfg.Logger,
			})
		}
	}

	n, err := node.New(opts)
	if err != nil {
		_ = cli.Close()
		_ = st.Close()
		return nil, err
	}
	return &Runtime{Node: n, Store: st, Client: cli, cfg: cfg}, nil
}

// Run builds and starts the node, returning the runtime for lifecycle
// control. The caller is responsible for calling Close() when finished.
func Run(ctx context.Context, cfg Config) (*Runtime, error) {
	rt, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	rt.shutdownTrace, err = tracing.Setup(rt.cfg.Trace)
	if err != nil {
		logutil.Warnf(rt.cfg.Logger, "tracing setup error: %v", err)
		rt.shutdownTrace = nil
	}
	if err := rt.Node.Start(ctx); err != nil {
		_ = rt.Close()
		return nil, err
	}
	if rt.cfg.MetricsAddr != "" {
		mctx, cancel := context.WithCancel(context.Background())
		rt.cancelMetrics = cancel
		go func() {
			if err := obsmetrics.Serve(mctx, rt.cfg.MetricsAddr); err != nil {
				logutil.Errorf(rt.cfg.Logger, "metrics listener %s: %v", rt.cfg.MetricsAddr, err)
			}
		}()
	}
	return rt, nil
}

// Close stops the node and releases the client, store and tracer.
func (r *Runtime) Close() error {
	var errs []error
	if r.cancelMetrics != nil {
		r.cancelMetrics()
	}
	if err := r.Node.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := r.Client.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := r.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	if r.shutdownTrace != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.shutdownTrace(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (cfg Config) tlsOptions() tlsx.Options {
	return tlsx.Options{
		Enable:             cfg.TLSEnable,
		CAFile:             cfg.TLSCA,
		CertFile:           cfg.TLSCert,
		KeyFile:            cfg.TLSKey,
		InsecureSkipVerify: cfg.TLSSkipVerify,
		ServerName:         cfg.TLSServerName,
	}
}

func openStore(cfg Config) (store.Store, error) {
	dir := cfg.DataDir
	if dir == "" {
		dir = "data"
	}
	switch cfg.Store {
	case "", "dir":
		return dirstore.New(dir)
	case "bolt":
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("bootstrap: data dir: %w", err)
		}
		return boltstore.Open(filepath.Join(dir, "filesync.db"))
	default:
		return nil, fmt.Errorf("bootstrap: unknown store %q", cfg.Store)
	}
}

func newDiscovery(cfg Config) discovery.Discovery {
	switch cfg.DiscoveryKind {
	case "dns":
		opts := dDNS.Options{Names: dStatic.Parse(cfg.DNSNamesCSV), Port: cfg.DNSPort, Logger: cfg.Logger}
		if cfg.DiscRefresh > 0 {
			opts.Refresh = cfg.DiscRefresh
		}
		return dDNS.New(opts)
	case "file":
		opts := dFile.Options{Path: cfg.FilePath, Env: cfg.FileEnv, Logger: cfg.Logger}
		if cfg.DiscRefresh > 0 {
			opts.Refresh = cfg.DiscRefresh
		}
		return dFile.New(opts)
	default:
		return dStatic.New(dStatic.Parse(cfg.SeedsCSV)...)
	}
}

// advertiseFor turns a bind address into something a peer can dial.
func advertiseFor(bind string) string {
	host, port, err := net.SplitHostPort(bind)
	if err != nil {
		return bind
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func nodeName(cfg Config) string {
	if cfg.NodeID != "" {
		return cfg.NodeID
	}
	return cfg.Advertise
}
