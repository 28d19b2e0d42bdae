package node

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventEntryApplied          EventType = "entry_applied"
	EventPeerAdded             EventType = "peer_added"
	EventClockAdjusted         EventType = "clock_adjusted"
	EventReplicationIncomplete EventType = "replication_incomplete"
)

// Event describes a node state change. Only the fields relevant for the
// event type are populated.
type Event struct {
	Type EventType
	At   time.Time
	// entry_applied / replication_incomplete
	Seq      int64
	Path     string
	IsDelete bool
	// peer_added
	Peer string
	// clock_adjusted: the delta applied and the resulting offset
	Delta  int64
	Offset int64
	// replication_incomplete
	Acked int
	Total int
}

// Subscribe returns a channel of events. The returned channel is buffered and
// closed automatically when ctx is done. Events may be dropped if the consumer
// is too slow (best-effort delivery) to avoid back-pressuring internals.
func (n *Node) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)
	n.eb.add(ch)
	go func() {
		<-ctx.Done()
		n.eb.remove(ch)
		close(ch)
	}()
	return ch
}

type eventBus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subs == nil {
		e.subs = make(map[chan Event]struct{})
	}
	e.subs[ch] = struct{}{}
}

func (e *eventBus) remove(ch chan Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs, ch)
}

func (e *eventBus) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
			// drop if receiver is slow
		}
	}
}
