package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/amirimatin/go-filesync/pkg/bootstrap"
	"github.com/amirimatin/go-filesync/pkg/internal/logutil"
	tlsx "github.com/amirimatin/go-filesync/pkg/security/tlsconfig"
	"github.com/amirimatin/go-filesync/pkg/transport"
	fsgrpc "github.com/amirimatin/go-filesync/pkg/transport/grpc"
	"github.com/amirimatin/go-filesync/pkg/transport/httpjson"
	"github.com/amirimatin/go-filesync/pkg/watcher"
)

const envPrefix = "FILESYNC"

// AddAll attaches the node and client subcommands to the provided root command.
func AddAll(root *cobra.Command) {
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewStatusCmd())
	root.AddCommand(NewPutCmd())
	root.AddCommand(NewRmCmd())
	root.AddCommand(NewLsCmd())
	root.AddCommand(NewWatchCmd())
}

// NewRunCmd returns the "run" command used to start a node. Every flag can
// also come from a config file (--config) or a FILESYNC_<FLAG> variable.
func NewRunCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a file sync node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, cmd.Flags(), cfgFile)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := bootstrap.Run(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "node %s running at %s (master=%v). Press Ctrl+C to exit.\n",
				rt.Node.ID(), rt.Node.Advertise(), rt.Node.IsMaster())
			<-ctx.Done()
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	f.String("id", "", "node id (random when empty)")
	f.String("bind", ":50051", "RPC bind addr (host:port)")
	f.String("advertise", "", "RPC address peers dial (defaults to bind)")
	f.String("proto", "grpc", "RPC protocol: grpc|http")
	f.String("data", "data", "data directory")
	f.String("store", "dir", "store backend: dir|bolt")
	f.String("discovery", "static", "discovery backend: static|dns|file")
	f.String("join", "", "comma-separated seed nodes (host:port); empty makes this node the master")
	f.String("dns-names", "", "comma-separated DNS names or SRV records (e.g., _filesync._tcp.example.com)")
	f.Int("dns-port", 50051, "port used for A/AAAA lookups")
	f.String("file-path", "", "path or glob to a file with seeds (one per line or CSV)")
	f.String("file-env", "", "ENV var name containing CSV seeds; overrides file when set")
	f.Duration("disc-refresh", 5*time.Second, "discovery refresh/cache duration")
	f.String("mem-bind", "", "gossip bind addr (host:port); empty disables gossip")
	f.String("mem-adv", "", "gossip advertise addr (host:port, optional)")
	f.String("mem-join", "", "comma-separated gossip seeds (host:port)")
	f.Duration("rpc-timeout", 3*time.Second, "deadline for each outbound peer call")
	f.Duration("anti-entropy", 10*time.Second, "anti-entropy interval (negative disables)")
	f.Int("fanout-workers", 16, "max concurrent replication calls per write")
	f.Int("max-pending", 4096, "reorder buffer bound")
	f.Duration("max-pending-age", 0, "drop buffered entries older than this (0 keeps them)")
	f.String("overflow", "reject", "reorder buffer overflow policy: reject|evict-oldest")
	addTLSFlags(f)
	f.String("metrics-addr", "", "standalone /metrics listener (host:port)")
	f.Bool("trace", false, "enable OpenTelemetry stdout tracing (dev)")
	f.Bool("log-json", false, "emit JSON log lines")
	return cmd
}

// loadConfig resolves flags, the optional config file and FILESYNC_*
// variables, in viper's precedence order.
func loadConfig(v *viper.Viper, flags *pflag.FlagSet, cfgFile string) (bootstrap.Config, error) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return bootstrap.Config{}, err
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return bootstrap.Config{}, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}
	return bootstrap.Config{
		NodeID:              v.GetString("id"),
		Bind:                v.GetString("bind"),
		Advertise:           v.GetString("advertise"),
		Proto:               v.GetString("proto"),
		DataDir:             v.GetString("data"),
		Store:               v.GetString("store"),
		DiscoveryKind:       v.GetString("discovery"),
		SeedsCSV:            v.GetString("join"),
		DNSNamesCSV:         v.GetString("dns-names"),
		DNSPort:             v.GetInt("dns-port"),
		FilePath:            v.GetString("file-path"),
		FileEnv:             v.GetString("file-env"),
		DiscRefresh:         v.GetDuration("disc-refresh"),
		MemBind:             v.GetString("mem-bind"),
		MemAdv:              v.GetString("mem-adv"),
		MemSeeds:            v.GetString("mem-join"),
		RPCTimeout:          v.GetDuration("rpc-timeout"),
		AntiEntropyInterval: v.GetDuration("anti-entropy"),
		FanoutWorkers:       v.GetInt("fanout-workers"),
		MaxPending:          v.GetInt("max-pending"),
		MaxPendingAge:       v.GetDuration("max-pending-age"),
		OverflowPolicy:      v.GetString("overflow"),
		TLSEnable:           v.GetBool("tls-enable"),
		TLSCA:               v.GetString("tls-ca"),
		TLSCert:             v.GetString("tls-cert"),
		TLSKey:              v.GetString("tls-key"),
		TLSServerName:       v.GetString("tls-server-name"),
		TLSSkipVerify:       v.GetBool("tls-skip-verify"),
		MetricsAddr:         v.GetString("metrics-addr"),
		Trace:               v.GetBool("trace"),
		LogJSON:             v.GetBool("log-json"),
		Logger:              log.Default(),
	}, nil
}

func addTLSFlags(f *pflag.FlagSet) {
	f.Bool("tls-enable", false, "enable (m)TLS for the RPC transport")
	f.String("tls-ca", "", "path to CA cert (PEM); enables client cert verification on servers")
	f.String("tls-cert", "", "path to certificate (PEM)")
	f.String("tls-key", "", "path to private key (PEM)")
	f.String("tls-server-name", "", "expected server name (for TLS validation)")
	f.Bool("tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
}

// clientFlags are shared by every command that talks to a running node.
type clientFlags struct {
	addr    string
	proto   string
	timeout time.Duration
	flags   *pflag.FlagSet
}

func (c *clientFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&c.addr, "addr", "127.0.0.1:50051", "RPC address of a node (host:port)")
	f.StringVar(&c.proto, "proto", "grpc", "RPC protocol: grpc|http")
	f.DurationVar(&c.timeout, "timeout", 3*time.Second, "request timeout")
	addTLSFlags(f)
	c.flags = f
}

func (c *clientFlags) client() (transport.RPCClient, error) {
	topts := tlsx.Options{}
	topts.Enable, _ = c.flags.GetBool("tls-enable")
	topts.CAFile, _ = c.flags.GetString("tls-ca")
	topts.CertFile, _ = c.flags.GetString("tls-cert")
	topts.KeyFile, _ = c.flags.GetString("tls-key")
	topts.ServerName, _ = c.flags.GetString("tls-server-name")
	topts.InsecureSkipVerify, _ = c.flags.GetBool("tls-skip-verify")
	cliTLS, err := topts.Client()
	if err != nil {
		return nil, fmt.Errorf("tls client config: %w", err)
	}
	switch c.proto {
	case "", "grpc":
		cli := fsgrpc.NewClient(c.timeout)
		if cliTLS != nil {
			cli.UseTLS(cliTLS)
		}
		return cli, nil
	case "http":
		cli := httpjson.NewClient(c.timeout)
		if cliTLS != nil {
			cli.UseTLS(cliTLS)
		}
		return cli, nil
	default:
		return nil, fmt.Errorf("unknown proto %q", c.proto)
	}
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fetch node status as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cf.client()
			if err != nil {
				return err
			}
			defer cli.Close()
			ctx, cancel := context.WithTimeout(context.Background(), cf.timeout)
			defer cancel()
			data, err := cli.GetStatus(ctx, cf.addr)
			if err != nil {
				return fmt.Errorf("status error: %w", err)
			}
			out := cmd.OutOrStdout()
			_, _ = out.Write(data)
			if len(data) == 0 || data[len(data)-1] != '\n' {
				_, _ = out.Write([]byte("\n"))
			}
			return nil
		},
	}
	cf.register(cmd)
	return cmd
}

// NewPutCmd returns the "put" command, which uploads one local file.
func NewPutCmd() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "put <local-file> [remote-path]",
		Short: "Write a file through a node",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			remote := filepath.ToSlash(filepath.Base(args[0]))
			if len(args) == 2 {
				remote = args[1]
			}
			cli, err := cf.client()
			if err != nil {
				return err
			}
			defer cli.Close()
			ctx, cancel := context.WithTimeout(context.Background(), cf.timeout)
			defer cancel()
			resp, err := cli.SyncFile(ctx, cf.addr, transport.SyncFileRequest{Path: remote, Content: content})
			return report(cmd, remote, resp, err)
		},
	}
	cf.register(cmd)
	return cmd
}

// NewRmCmd returns the "rm" command.
func NewRmCmd() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "rm <remote-path>",
		Short: "Delete a file through a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cf.client()
			if err != nil {
				return err
			}
			defer cli.Close()
			ctx, cancel := context.WithTimeout(context.Background(), cf.timeout)
			defer cancel()
			resp, err := cli.DeleteFile(ctx, cf.addr, transport.DeleteFileRequest{Path: args[0]})
			return report(cmd, args[0], resp, err)
		},
	}
	cf.register(cmd)
	return cmd
}

// NewLsCmd returns the "ls" command, printing "<size>\t<path>" per file.
func NewLsCmd() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List the files a node holds",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cf.client()
			if err != nil {
				return err
			}
			defer cli.Close()
			ctx, cancel := context.WithTimeout(context.Background(), cf.timeout)
			defer cancel()
			resp, err := cli.ListFiles(ctx, cf.addr)
			if err != nil {
				return fmt.Errorf("list error: %w", err)
			}
			for _, f := range resp.Files {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", len(f.Content), f.Path)
			}
			return nil
		},
	}
	cf.register(cmd)
	return cmd
}

// NewWatchCmd returns the "watch" command, which mirrors a local directory
// to and from a node until interrupted.
func NewWatchCmd() *cobra.Command {
	var (
		cf       clientFlags
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Keep a local directory in sync with a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cf.client()
			if err != nil {
				return err
			}
			defer cli.Close()
			w, err := watcher.New(watcher.Options{Addr: cf.addr, Dir: args[0], Client: cli, Interval: interval, Logger: log.Default()})
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			logutil.Infof(log.Default(), "watching %s as %s via %s", args[0], w.Prefix(), cf.addr)
			return w.Run(ctx)
		},
	}
	cf.register(cmd)
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "scan interval")
	return cmd
}

func report(cmd *cobra.Command, path string, resp transport.FileOpResponse, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if !resp.Success {
		return fmt.Errorf("%s: %s", path, resp.Message)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", path, resp.Message)
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
