package grpc

import (
	"context"
	"errors"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"

	obsmetrics "github.com/amirimatin/go-filesync/pkg/observability/metrics"
)

// ErrClosed is returned by Get once the manager has been closed.
var ErrClosed = errors.New("grpc: connection manager closed")

type dialFunc func(ctx context.Context, target string) (*grpc.ClientConn, error)

// ConnManager caches gRPC client connections per peer address with idle
// eviction. Connections that have shut down are replaced on the next Get.
type ConnManager struct {
	mu      sync.Mutex
	conns   map[string]*managedConn
	ttl     time.Duration
	dialer  dialFunc
	closing chan struct{}
	closed  bool
}

type managedConn struct {
	cc       *grpc.ClientConn
	lastUsed time.Time
	ref      int
}

// NewConnManager creates a manager with the given idle TTL and dialer.
func NewConnManager(ttl time.Duration, dialer dialFunc) *ConnManager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	m := &ConnManager{ttl: ttl, dialer: dialer, conns: make(map[string]*managedConn), closing: make(chan struct{})}
	go m.janitor()
	return m
}

// Get returns a connection for target and a release func to be called when done.
func (m *ConnManager) Get(ctx context.Context, target string) (*grpc.ClientConn, func(), error) {
	release := func() { m.release(target) }

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, func() {}, ErrClosed
	}
	if mc := m.usable(target); mc != nil {
		mc.ref++
		mc.lastUsed = time.Now()
		m.mu.Unlock()
		obsmetrics.GRPCConnReuse.Inc()
		return mc.cc, release, nil
	}
	m.mu.Unlock()

	// Dial outside lock
	cc, err := m.dialer(ctx, target)
	if err != nil {
		return nil, func() {}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		_ = cc.Close()
		return nil, func() {}, ErrClosed
	}
	if existing := m.usable(target); existing != nil {
		// Another goroutine won the race.
		_ = cc.Close()
		existing.ref++
		existing.lastUsed = time.Now()
		obsmetrics.GRPCConnReuse.Inc()
		return existing.cc, release, nil
	}
	m.conns[target] = &managedConn{cc: cc, lastUsed: time.Now(), ref: 1}
	obsmetrics.GRPCConnDials.Inc()
	obsmetrics.GRPCConnActive.Inc()
	return cc, release, nil
}

// usable returns the cached conn for target, dropping it when it has shut
// down. Caller holds m.mu.
func (m *ConnManager) usable(target string) *managedConn {
	mc, ok := m.conns[target]
	if !ok || mc.cc == nil {
		return nil
	}
	if mc.cc.GetState() == connectivity.Shutdown {
		delete(m.conns, target)
		obsmetrics.GRPCConnActive.Dec()
		return nil
	}
	return mc
}

func (m *ConnManager) release(target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mc, ok := m.conns[target]; ok {
		if mc.ref > 0 {
			mc.ref--
		}
		mc.lastUsed = time.Now()
	}
}

// Len reports how many connections are cached.
func (m *ConnManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Close closes all cached connections and stops the janitor.
func (m *ConnManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.closing)
	for k, mc := range m.conns {
		if mc.cc != nil {
			_ = mc.cc.Close()
		}
		obsmetrics.GRPCConnActive.Dec()
		delete(m.conns, k)
	}
}

func (m *ConnManager) janitor() {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-m.closing:
			return
		case <-ticker.C:
			m.evictIdle(time.Now().Add(-m.ttl))
		}
	}
}

func (m *ConnManager) evictIdle(cutoff time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for addr, mc := range m.conns {
		if mc.ref == 0 && mc.lastUsed.Before(cutoff) {
			if mc.cc != nil {
				_ = mc.cc.Close()
			}
			obsmetrics.GRPCConnEvictions.Inc()
			obsmetrics.GRPCConnActive.Dec()
			delete(m.conns, addr)
		}
	}
}
