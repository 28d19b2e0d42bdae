package cli

import (
	"bytes"
	"context"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/amirimatin/go-filesync/pkg/bootstrap"
)

func TestLoadConfigPrecedence(t *testing.T) {
	cfgFile := filepath.Join(t.TempDir(), "node.yaml")
	yaml := "id: from-file\nstore: bolt\nanti-entropy: 30s\noverflow: evict-oldest\n"
	if err := os.WriteFile(cfgFile, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("FILESYNC_JOIN", "10.0.0.1:50051")
	t.Setenv("FILESYNC_MAX_PENDING", "12")

	cmd := NewRunCmd()
	if err := cmd.Flags().Parse([]string{"--store", "dir", "--config", cfgFile}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg, err := loadConfig(viper.New(), cmd.Flags(), cfgFile)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeID != "from-file" {
		t.Fatalf("id = %q, want value from config file", cfg.NodeID)
	}
	if cfg.Store != "dir" {
		t.Fatalf("store = %q, an explicit flag must win over the file", cfg.Store)
	}
	if cfg.SeedsCSV != "10.0.0.1:50051" || cfg.MaxPending != 12 {
		t.Fatalf("env not applied: seeds=%q maxPending=%d", cfg.SeedsCSV, cfg.MaxPending)
	}
	if cfg.AntiEntropyInterval != 30*time.Second || cfg.OverflowPolicy != "evict-oldest" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Bind != ":50051" || cfg.RPCTimeout != 3*time.Second {
		t.Fatalf("defaults lost: bind=%q timeout=%v", cfg.Bind, cfg.RPCTimeout)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cmd := NewRunCmd()
	if _, err := loadConfig(viper.New(), cmd.Flags(), filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestClientCommandsAgainstNode(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rt, err := bootstrap.Run(ctx, bootstrap.Config{
		NodeID: "n1", Bind: addr, Proto: "http", DataDir: t.TempDir(),
		AntiEntropyInterval: -1, Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer rt.Close()

	local := filepath.Join(t.TempDir(), "note.txt")
	if err := os.WriteFile(local, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	client := []string{"--addr", addr, "--proto", "http"}

	out := execute(t, append([]string{"put", local, "docs/note.txt"}, client...)...)
	if !strings.Contains(out, "docs/note.txt: synced") {
		t.Fatalf("put output = %q", out)
	}
	out = execute(t, append([]string{"ls"}, client...)...)
	if strings.TrimSpace(out) != "5\tdocs/note.txt" {
		t.Fatalf("ls output = %q", out)
	}
	out = execute(t, append([]string{"status"}, client...)...)
	if !strings.Contains(out, `"id":"n1"`) {
		t.Fatalf("status output = %q", out)
	}
	out = execute(t, append([]string{"rm", "docs/note.txt"}, client...)...)
	if !strings.Contains(out, "deleted") {
		t.Fatalf("rm output = %q", out)
	}
	out = execute(t, append([]string{"ls"}, client...)...)
	if strings.TrimSpace(out) != "" {
		t.Fatalf("ls after rm = %q", out)
	}
}

func TestPutRejectsUnknownProto(t *testing.T) {
	local := filepath.Join(t.TempDir(), "x")
	if err := os.WriteFile(local, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	root := &cobra.Command{Use: "filesyncctl", SilenceUsage: true, SilenceErrors: true}
	AddAll(root)
	root.SetArgs([]string{"put", local, "--proto", "carrier-pigeon"})
	root.SetOut(io.Discard)
	if err := root.Execute(); err == nil {
		t.Fatalf("expected error for unknown proto")
	}
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	root := &cobra.Command{Use: "filesyncctl", SilenceUsage: true, SilenceErrors: true}
	AddAll(root)
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		t.Fatalf("%v: %v", args, err)
	}
	return buf.String()
}
