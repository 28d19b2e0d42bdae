package bootstrap

import (
	"context"
	"io"
	"log"
	"net"
	"testing"
	"time"

	"github.com/amirimatin/go-filesync/pkg/transport"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().String()
}

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func TestBuildRejectsUnknownKinds(t *testing.T) {
	if _, err := Build(Config{DataDir: t.TempDir(), Store: "tape", Logger: quiet()}); err == nil {
		t.Fatalf("expected error for unknown store")
	}
	if _, err := Build(Config{DataDir: t.TempDir(), Proto: "smtp", Logger: quiet()}); err == nil {
		t.Fatalf("expected error for unknown proto")
	}
	if _, err := Build(Config{DataDir: t.TempDir(), OverflowPolicy: "drop-all", Logger: quiet()}); err == nil {
		t.Fatalf("expected error for unknown overflow policy")
	}
}

func TestBuildBoltStore(t *testing.T) {
	rt, err := Build(Config{DataDir: t.TempDir(), Store: "bolt", Bind: "127.0.0.1:0", Logger: quiet()})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := rt.Store.Write("a.txt", []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestAdvertiseFor(t *testing.T) {
	cases := map[string]string{
		":50051":          "127.0.0.1:50051",
		"0.0.0.0:7000":    "127.0.0.1:7000",
		"10.1.2.3:7000":   "10.1.2.3:7000",
		"node-a.svc:7000": "node-a.svc:7000",
	}
	for in, want := range cases {
		if got := advertiseFor(in); got != want {
			t.Fatalf("advertiseFor(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRunMasterAndMember(t *testing.T) {
	for _, proto := range []string{"grpc", "http"} {
		t.Run(proto, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			masterAddr := freeAddr(t)
			master, err := Run(ctx, Config{
				NodeID: "master", Bind: masterAddr, Proto: proto, DataDir: t.TempDir(),
				AntiEntropyInterval: -1, Logger: quiet(),
			})
			if err != nil {
				t.Fatalf("run master: %v", err)
			}
			defer master.Close()

			member, err := Run(ctx, Config{
				NodeID: "member", Bind: freeAddr(t), Proto: proto, DataDir: t.TempDir(),
				SeedsCSV: masterAddr, AntiEntropyInterval: -1, Logger: quiet(),
			})
			if err != nil {
				t.Fatalf("run member: %v", err)
			}
			defer member.Close()

			if !master.Node.IsMaster() || member.Node.IsMaster() {
				t.Fatalf("roles: master=%v member=%v", master.Node.IsMaster(), member.Node.IsMaster())
			}
			resp, err := master.Client.SyncFile(ctx, masterAddr, transport.SyncFileRequest{Path: "docs/a.txt", Content: []byte("hello")})
			if err != nil {
				t.Fatalf("sync: %v", err)
			}
			if !resp.Success {
				t.Fatalf("sync not fully replicated: %+v", resp)
			}
			files, err := member.Store.List()
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(files) != 1 || files[0].Path != "docs/a.txt" || string(files[0].Content) != "hello" {
				t.Fatalf("member files = %+v", files)
			}
		})
	}
}
