// Package memberlist runs an optional SWIM gossip ring beside the RPC plane.
// Each node advertises its RPC address in memberlist node metadata; every
// address learned that way is handed to OnDiscover, which the node wires to
// its peer Registry. Departures are not reported: the peer set never shrinks.
package memberlist

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
)

const metaRPC = "rpc"

// Options configures the gossip assist.
type Options struct {
	// NodeID must be unique across the ring.
	NodeID string
	// Bind is host:port for the gossip listener (UDP+TCP).
	Bind string
	// Advertise is the gossip host:port peers should use. Optional.
	Advertise string
	// RPCAddr is this node's replication RPC address, gossiped as metadata.
	RPCAddr string
	// OnDiscover receives the RPC address of every node that becomes visible.
	OnDiscover func(rpcAddr string)
	// Logger is optional. If nil, log.Default() is used.
	Logger *log.Logger

	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	SuspicionMult int
}

// Member is one node visible in the ring.
type Member struct {
	Name    string
	Gossip  string
	RPCAddr string
}

// Assist wraps a memberlist instance.
type Assist struct {
	mu     sync.RWMutex
	opts   Options
	ml     *memberlist.Memberlist
	closed bool
}

// New validates opts; call Start to open the gossip listener.
func New(opts Options) (*Assist, error) {
	if opts.NodeID == "" {
		return nil, fmt.Errorf("memberlist: empty NodeID")
	}
	if opts.Bind == "" {
		return nil, fmt.Errorf("memberlist: empty Bind address")
	}
	if opts.RPCAddr == "" {
		return nil, fmt.Errorf("memberlist: empty RPCAddr")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Assist{opts: opts}, nil
}

// Start creates the memberlist and stops it when ctx is done.
func (a *Assist) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ml != nil {
		return nil
	}
	cfg := memberlist.DefaultLANConfig()
	cfg.Name = a.opts.NodeID
	cfg.Logger = a.opts.Logger
	host, port, err := splitHostPort(a.opts.Bind)
	if err != nil {
		return fmt.Errorf("memberlist: invalid bind address %q: %w", a.opts.Bind, err)
	}
	cfg.BindAddr, cfg.BindPort = host, port
	if a.opts.Advertise != "" {
		ahost, aport, err := splitHostPort(a.opts.Advertise)
		if err != nil {
			return fmt.Errorf("memberlist: invalid advertise address %q: %w", a.opts.Advertise, err)
		}
		cfg.AdvertiseAddr, cfg.AdvertisePort = ahost, aport
	}
	if a.opts.ProbeInterval > 0 {
		cfg.ProbeInterval = a.opts.ProbeInterval
	}
	if a.opts.ProbeTimeout > 0 {
		cfg.ProbeTimeout = a.opts.ProbeTimeout
	}
	if a.opts.SuspicionMult > 0 {
		cfg.SuspicionMult = a.opts.SuspicionMult
	}
	meta, _ := json.Marshal(map[string]string{metaRPC: a.opts.RPCAddr})
	cfg.Delegate = &nodeDelegate{meta: meta}
	cfg.Events = &eventDelegate{self: a.opts.NodeID, notify: a.opts.OnDiscover}

	ml, err := memberlist.Create(cfg)
	if err != nil {
		return err
	}
	a.ml = ml
	go func() {
		<-ctx.Done()
		_ = a.Stop()
	}()
	return nil
}

// Join contacts the given gossip seeds and returns how many answered.
func (a *Assist) Join(seeds []string) (int, error) {
	a.mu.RLock()
	ml := a.ml
	a.mu.RUnlock()
	if ml == nil {
		return 0, fmt.Errorf("memberlist: not started")
	}
	if len(seeds) == 0 {
		return 0, nil
	}
	return ml.Join(seeds)
}

// Members lists every node currently alive in the ring, including this one.
func (a *Assist) Members() []Member {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.ml == nil {
		return nil
	}
	nodes := a.ml.Members()
	out := make([]Member, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, toMember(n))
	}
	return out
}

// LocalGossipAddr returns the gossip address actually bound, useful with port 0.
func (a *Assist) LocalGossipAddr() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.ml == nil {
		return ""
	}
	return toMember(a.ml.LocalNode()).Gossip
}

// HealthScore exposes memberlist's awareness score, -1 when not running.
func (a *Assist) HealthScore() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.ml == nil {
		return -1
	}
	return a.ml.GetHealthScore()
}

// Stop leaves the ring (best effort) and shuts memberlist down.
func (a *Assist) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.ml != nil {
		_ = a.ml.Leave(time.Second)
		err := a.ml.Shutdown()
		a.ml = nil
		return err
	}
	return nil
}

func toMember(n *memberlist.Node) Member {
	m := Member{Name: n.Name, Gossip: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))}
	if len(n.Meta) > 0 {
		meta := map[string]string{}
		if json.Unmarshal(n.Meta, &meta) == nil {
			m.RPCAddr = meta[metaRPC]
		}
	}
	return m
}

type eventDelegate struct {
	self   string
	notify func(string)
}

func (d *eventDelegate) NotifyJoin(n *memberlist.Node)   { d.discover(n) }
func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) { d.discover(n) }
func (d *eventDelegate) NotifyLeave(*memberlist.Node)    {}

func (d *eventDelegate) discover(n *memberlist.Node) {
	if d.notify == nil || n == nil || n.Name == d.self {
		return
	}
	if rpc := toMember(n).RPCAddr; rpc != "" {
		d.notify(rpc)
	}
}

// nodeDelegate publishes the RPC address as node metadata.
type nodeDelegate struct{ meta []byte }

func (d *nodeDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) <= limit {
		return d.meta
	}
	return nil
}

func (d *nodeDelegate) NotifyMsg([]byte)                {}
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte { return nil }
func (d *nodeDelegate) LocalState(bool) []byte          { return nil }
func (d *nodeDelegate) MergeRemoteState([]byte, bool)   {}

func splitHostPort(hp string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(hp)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port: %q", portStr)
	}
	return host, port, nil
}
