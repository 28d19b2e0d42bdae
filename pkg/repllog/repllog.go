// Package repllog implements the node's in-memory replicated operation log:
// local sequence assignment, the reorder buffer for entries that arrive out of
// order, and the drain that applies them to the store in strict seq order.
package repllog

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/amirimatin/go-filesync/pkg/store"
)

// DefaultMaxPending bounds the reorder buffer when Options.MaxPending is zero.
const DefaultMaxPending = 4096

// ErrBufferFull is returned by Ingest when the reorder buffer is at capacity
// and the overflow policy refuses new entries.
var ErrBufferFull = errors.New("repllog: reorder buffer full")

// ApplyError is returned by Ingest and Drain when the store rejects the entry
// at the head of the buffer. Failures counts consecutive failures at Seq.
type ApplyError struct {
	Seq      int64
	Failures int
	Err      error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("repllog: apply seq %d: %v", e.Seq, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// Entry is one immutable mutation of the file namespace.
type Entry struct {
	Seq       int64  `json:"seq"`
	Timestamp int64  `json:"timestamp"`
	Path      string `json:"path"`
	Content   []byte `json:"content,omitempty"`
	IsDelete  bool   `json:"isDelete,omitempty"`
}

// OverflowPolicy decides what happens when the reorder buffer is full.
type OverflowPolicy string

const (
	// PolicyReject refuses the incoming entry.
	PolicyReject OverflowPolicy = "reject"
	// PolicyEvictOldest drops the pending entry that arrived first.
	PolicyEvictOldest OverflowPolicy = "evict-oldest"
)

// ParsePolicy maps a config string to a policy; empty means PolicyReject.
func ParsePolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case "", PolicyReject:
		return PolicyReject, nil
	case PolicyEvictOldest:
		return PolicyEvictOldest, nil
	}
	return "", fmt.Errorf("repllog: unknown overflow policy %q", s)
}

// Clock supplies the logical timestamp stamped on locally applied entries.
type Clock interface {
	NowMillis() int64
}

// Options configures a Log.
type Options struct {
	Store store.Store
	Clock Clock

	// MaxPending caps the reorder buffer. Zero selects DefaultMaxPending,
	// a negative value disables the cap.
	MaxPending int
	// MaxPendingAge drops buffered entries older than this on every Ingest.
	// Zero keeps them until they can be applied.
	MaxPendingAge time.Duration
	Policy        OverflowPolicy

	// OnApply is invoked for every entry appended to the log, with the log
	// lock held. It must not call back into the Log.
	OnApply func(Entry)

	// Now overrides time.Now for buffer ageing.
	Now func() time.Time
}

type pending struct {
	e  Entry
	at time.Time
}

// IngestResult reports what a single Ingest call did.
type IngestResult struct {
	Applied   int
	Duplicate bool
	Evicted   int
	Pruned    int
}

// Log is the node's replicated log. nextSeq, entries and buffer are guarded
// together by mu; every compound check-then-act runs under it.
type Log struct {
	mu      sync.Mutex
	opts    Options
	nextSeq int64
	entries []Entry
	buffer  map[int64]pending

	stallSeq      int64
	stallFailures int
}

// New returns an empty log expecting seq 1.
func New(opts Options) (*Log, error) {
	if opts.Store == nil {
		return nil, errors.New("repllog: nil Store")
	}
	if opts.Clock == nil {
		return nil, errors.New("repllog: nil Clock")
	}
	if opts.MaxPending == 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.Policy == "" {
		opts.Policy = PolicyReject
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Log{opts: opts, nextSeq: 1, buffer: make(map[int64]pending)}, nil
}

// Apply assigns the next sequence number to a locally originated mutation,
// commits it to the store and appends it. On a store failure the sequence
// number stays consumed and nothing is appended.
func (l *Log) Apply(path string, content []byte, isDelete bool) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := Entry{
		Seq:       l.nextSeq,
		Timestamp: l.opts.Clock.NowMillis(),
		Path:      path,
		IsDelete:  isDelete,
	}
	l.nextSeq++
	if !isDelete {
		e.Content = append([]byte{}, content...)
	}
	if err := l.commit(e); err != nil {
		return e, err
	}
	l.appendLocked(e)
	return e, nil
}

// Ingest buffers an entry received from a peer and applies every buffered
// entry that has become contiguous with nextSeq. Entries below nextSeq were
// already applied and are dropped as duplicates.
func (l *Log) Ingest(e Entry) (IngestResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var res IngestResult
	now := l.opts.Now()
	res.Pruned = l.pruneLocked(now)
	if e.Seq < l.nextSeq {
		res.Duplicate = true
		return res, nil
	}
	_, replacing := l.buffer[e.Seq]
	// The entry at nextSeq drains immediately, so it never counts against the cap.
	if !replacing && e.Seq != l.nextSeq && l.opts.MaxPending > 0 && len(l.buffer) >= l.opts.MaxPending {
		if l.opts.Policy != PolicyEvictOldest {
			return res, ErrBufferFull
		}
		l.evictOldestLocked()
		res.Evicted = 1
	}
	l.buffer[e.Seq] = pending{e: e, at: now}
	n, err := l.drainLocked()
	res.Applied = n
	return res, err
}

// Drain retries applying buffered entries, e.g. after a store failure left
// the entry at nextSeq in the buffer.
func (l *Log) Drain() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.drainLocked()
}

// EntriesSince returns every applied entry with Seq >= from, in log order.
func (l *Log) EntriesSince(from int64) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if e.Seq >= from {
			out = append(out, e)
		}
	}
	return out
}

// NextSeq is both the next seq assigned locally and the next seq expected
// from the replicated stream.
func (l *Log) NextSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

// Stalled reports the buffered seq the drain is stuck on and how many times
// in a row the store refused it. It returns 0, 0 when nothing is stuck.
func (l *Log) Stalled() (seq int64, failures int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stallSeq, l.stallFailures
}

// Len returns the number of applied entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Entries returns a copy of the applied log.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Pending returns the buffered sequence numbers in ascending order.
func (l *Log) Pending() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int64, 0, len(l.buffer))
	for s := range l.buffer {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (l *Log) drainLocked() (int, error) {
	n := 0
	for {
		p, ok := l.buffer[l.nextSeq]
		if !ok {
			return n, nil
		}
		if err := l.commit(p.e); err != nil {
			if l.stallSeq != p.e.Seq {
				l.stallSeq, l.stallFailures = p.e.Seq, 0
			}
			l.stallFailures++
			return n, &ApplyError{Seq: p.e.Seq, Failures: l.stallFailures, Err: err}
		}
		l.stallSeq, l.stallFailures = 0, 0
		delete(l.buffer, l.nextSeq)
		l.appendLocked(p.e)
		l.nextSeq++
		n++
	}
}

func (l *Log) commit(e Entry) error {
	if e.IsDelete {
		return l.opts.Store.Delete(e.Path)
	}
	return l.opts.Store.Write(e.Path, e.Content)
}

func (l *Log) appendLocked(e Entry) {
	l.entries = append(l.entries, e)
	if l.opts.OnApply != nil {
		l.opts.OnApply(e)
	}
}

func (l *Log) evictOldestLocked() {
	var (
		victim int64
		oldest time.Time
		first  = true
	)
	for s, p := range l.buffer {
		if first || p.at.Before(oldest) || (p.at.Equal(oldest) && s < victim) {
			victim, oldest, first = s, p.at, false
		}
	}
	if !first {
		delete(l.buffer, victim)
	}
}

func (l *Log) pruneLocked(now time.Time) int {
	if l.opts.MaxPendingAge <= 0 {
		return 0
	}
	n := 0
	for s, p := range l.buffer {
		if now.Sub(p.at) > l.opts.MaxPendingAge {
			delete(l.buffer, s)
			n++
		}
	}
	return n
}
