// Package clock holds the node's logical clock and the Berkeley averaging
// used by the master to pull peer clocks together.
package clock

import (
	"sync/atomic"
	"time"
)

// Logical is physical wall-clock milliseconds plus an accumulated offset.
// The offset is only ever changed through Adjust.
type Logical struct {
	offset   atomic.Int64
	physical func() int64
}

// New returns a Logical clock backed by time.Now.
func New() *Logical {
	return NewWithSource(func() int64 { return time.Now().UnixMilli() })
}

// NewWithSource uses src as the physical clock in milliseconds.
func NewWithSource(src func() int64) *Logical {
	return &Logical{physical: src}
}

// NowMillis returns the logical time.
func (c *Logical) NowMillis() int64 { return c.physical() + c.offset.Load() }

// Offset returns the current correction in milliseconds.
func (c *Logical) Offset() int64 { return c.offset.Load() }

// Adjust adds delta to the offset and returns the new offset.
func (c *Logical) Adjust(delta int64) int64 { return c.offset.Add(delta) }

// Sample is one peer's reported logical time.
type Sample struct {
	Addr string
	Time int64
}

// Berkeley averages the master's own reading with every sample and returns
// the mean, the master's correction and each sampled peer's correction.
// Division truncates toward zero.
func Berkeley(self int64, samples []Sample) (mean, selfDelta int64, deltas map[string]int64) {
	sum := self
	for _, s := range samples {
		sum += s.Time
	}
	mean = sum / int64(len(samples)+1)
	deltas = make(map[string]int64, len(samples))
	for _, s := range samples {
		deltas[s.Addr] = mean - s.Time
	}
	return mean, mean - self, deltas
}
