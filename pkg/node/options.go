package node

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/amirimatin/go-filesync/pkg/clock"
	"github.com/amirimatin/go-filesync/pkg/discovery"
	"github.com/amirimatin/go-filesync/pkg/repllog"
	"github.com/amirimatin/go-filesync/pkg/store"
	"github.com/amirimatin/go-filesync/pkg/transport"
)

const (
	DefaultAntiEntropyInterval = 10 * time.Second
	DefaultRPCTimeout          = 3 * time.Second
	DefaultFanoutWorkers       = 16
)

// GossipAssist is an optional membership side channel (see
// pkg/membership/memberlist) that reports peer RPC addresses as it finds them.
type GossipAssist interface {
	Start(ctx context.Context) error
	Join(seeds []string) (int, error)
	Stop() error
}

// Options carries dependency-injected components and runtime configuration
// used to assemble a Node. Instances are typically produced from
// bootstrap.Config.
type Options struct {
	// NodeID identifies this node in logs and status. Empty picks a random UUID.
	NodeID string
	// Advertise is the RPC address peers use to reach this node.
	Advertise string
	// Store is the durable file namespace (required).
	Store store.Store
	// Clock is the logical clock; nil uses clock.New().
	Clock *clock.Logical
	// Peers is the client for node-to-node calls (required).
	Peers transport.PeerClient
	// Discovery provides the rendezvous seeds. No seeds means this node is the master.
	Discovery discovery.Discovery
	// Server, when set, is started with the node as its Handler.
	Server transport.RPCServer
	// NewGossip, when set, builds a gossip assist whose discoveries feed the peer set.
	NewGossip   func(onDiscover func(addr string)) (GossipAssist, error)
	GossipSeeds []string
	// Logger is used to report operational messages.
	Logger *log.Logger

	// AntiEntropyInterval is the background tick period. Zero selects the
	// default; a negative value disables the loop (Tick can still be called).
	AntiEntropyInterval time.Duration
	// RPCTimeout bounds every outbound peer call.
	RPCTimeout time.Duration
	// FanoutWorkers caps concurrent ReplicateEntry calls per write.
	FanoutWorkers int

	MaxPending     int
	MaxPendingAge  time.Duration
	OverflowPolicy repllog.OverflowPolicy
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
	if o.Advertise == "" {
		return errors.New("node: empty Advertise address")
	}
	if o.Store == nil {
		return errors.New("node: nil Store")
	}
	if o.Peers == nil {
		return errors.New("node: nil Peers client")
	}
	if o.MaxPendingAge < 0 {
		return errors.New("node: negative MaxPendingAge")
	}
	if _, err := repllog.ParsePolicy(string(o.OverflowPolicy)); err != nil {
		return err
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.NodeID == "" {
		o.NodeID = uuid.NewString()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.AntiEntropyInterval == 0 {
		o.AntiEntropyInterval = DefaultAntiEntropyInterval
	}
	if o.RPCTimeout <= 0 {
		o.RPCTimeout = DefaultRPCTimeout
	}
	if o.FanoutWorkers <= 0 {
		o.FanoutWorkers = DefaultFanoutWorkers
	}
	return o
}
