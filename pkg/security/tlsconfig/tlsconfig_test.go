package tlsconfig_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/amirimatin/go-filesync/pkg/security/tlsconfig"
	"github.com/amirimatin/go-filesync/pkg/transport/httpjson"
	"github.com/amirimatin/go-filesync/pkg/transport/transporttest"

	fsgrpc "github.com/amirimatin/go-filesync/pkg/transport/grpc"
)

type pki struct {
	ca, serverCert, serverKey, clientCert, clientKey string
}

func writePEM(t *testing.T, path, typ string, der []byte) {
	t.Helper()
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der}), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func issue(t *testing.T, dir, name string, tmpl, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) (*ecdsa.PrivateKey, string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if parent == nil {
		parent, parentKey = tmpl, key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	if err != nil {
		t.Fatalf("cert %s: %v", name, err)
	}
	certPath, keyPath := filepath.Join(dir, name+".pem"), filepath.Join(dir, name+"-key.pem")
	writePEM(t, certPath, "CERTIFICATE", der)
	kb, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	writePEM(t, keyPath, "EC PRIVATE KEY", kb)
	return key, certPath, keyPath
}

func newPKI(t *testing.T) pki {
	t.Helper()
	dir := t.TempDir()
	now := time.Now()
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "filesync-test-ca"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	caKey, caPath, _ := issue(t, dir, "ca", caTmpl, nil, nil)

	leaf := func(serial int64, usage x509.ExtKeyUsage) *x509.Certificate {
		return &x509.Certificate{
			SerialNumber: big.NewInt(serial),
			Subject:      pkix.Name{CommonName: "node"},
			NotBefore:    now.Add(-time.Hour),
			NotAfter:     now.Add(time.Hour),
			KeyUsage:     x509.KeyUsageDigitalSignature,
			ExtKeyUsage:  []x509.ExtKeyUsage{usage},
			IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		}
	}
	_, sc, sk := issue(t, dir, "server", leaf(2, x509.ExtKeyUsageServerAuth), caTmpl, caKey)
	_, cc, ck := issue(t, dir, "client", leaf(3, x509.ExtKeyUsageClientAuth), caTmpl, caKey)
	return pki{ca: caPath, serverCert: sc, serverKey: sk, clientCert: cc, clientKey: ck}
}

func TestDisabledReturnsNil(t *testing.T) {
	var o tlsconfig.Options
	if s, err := o.Server(); s != nil || err != nil {
		t.Fatalf("server: %v %v", s, err)
	}
	if c, err := o.Client(); c != nil || err != nil {
		t.Fatalf("client: %v %v", c, err)
	}
}

func TestServerValidatesInputs(t *testing.T) {
	if _, err := (tlsconfig.Options{Enable: true}).Server(); err == nil {
		t.Fatalf("expected error without cert/key")
	}
	p := newPKI(t)
	bogus := filepath.Join(t.TempDir(), "bogus.pem")
	if err := os.WriteFile(bogus, []byte("not a cert"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := (tlsconfig.Options{Enable: true, CertFile: p.serverCert, KeyFile: p.serverKey, CAFile: bogus}).Server(); err == nil {
		t.Fatalf("expected error for CA file without certificates")
	}
}

func TestMutualTLSOverHTTP(t *testing.T) {
	p := newPKI(t)
	srvTLS, err := tlsconfig.Options{Enable: true, CAFile: p.ca, CertFile: p.serverCert, KeyFile: p.serverKey}.Server()
	if err != nil {
		t.Fatalf("server tls: %v", err)
	}
	srv := httpjson.NewServer("127.0.0.1:0", log.New(io.Discard, "", 0))
	srv.UseTLS(srvTLS)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx, transporttest.New()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop(context.Background())

	good, err := tlsconfig.Options{Enable: true, CAFile: p.ca, CertFile: p.clientCert, KeyFile: p.clientKey}.Client()
	if err != nil {
		t.Fatalf("client tls: %v", err)
	}
	c := httpjson.NewClient(2 * time.Second)
	c.UseTLS(good)
	if _, err := c.ListFiles(ctx, srv.Addr()); err != nil {
		t.Fatalf("mTLS list: %v", err)
	}

	anon, err := tlsconfig.Options{Enable: true, CAFile: p.ca}.Client()
	if err != nil {
		t.Fatalf("anon tls: %v", err)
	}
	c2 := httpjson.NewClient(time.Second)
	c2.UseTLS(anon)
	if _, err := c2.ListFiles(ctx, srv.Addr()); err == nil {
		t.Fatalf("expected handshake failure without a client certificate")
	}
}

func TestMutualTLSOverGRPC(t *testing.T) {
	p := newPKI(t)
	srvTLS, err := tlsconfig.Options{Enable: true, CAFile: p.ca, CertFile: p.serverCert, KeyFile: p.serverKey}.Server()
	if err != nil {
		t.Fatalf("server tls: %v", err)
	}
	srv := fsgrpc.NewServer("127.0.0.1:0")
	srv.UseTLS(srvTLS)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx, transporttest.New()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop(context.Background())

	cliTLS, err := tlsconfig.Options{Enable: true, CAFile: p.ca, CertFile: p.clientCert, KeyFile: p.clientKey}.Client()
	if err != nil {
		t.Fatalf("client tls: %v", err)
	}
	c := fsgrpc.NewClient(2 * time.Second)
	defer c.Close()
	c.UseTLS(cliTLS)
	if _, err := c.GetTime(ctx, srv.Addr()); err != nil {
		t.Fatalf("mTLS time: %v", err)
	}
}
