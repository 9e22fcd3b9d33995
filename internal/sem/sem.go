// Package sem provides the memory-mapped atomic counters kernels use for
// completion signaling.
//
// A Counter has many writers and one or more waiters. It only moves up during
// normal operation; Reset is the single exception and is only safe once every
// waiter has observed its target. Nothing here enforces that ordering.
package sem

import (
	"strconv"
	"sync/atomic"

	"github.com/23skdu/longbow-mesh/internal/spin"
)

// Counter is a single 32-bit semaphore word.
type Counter struct {
	v atomic.Uint32
}

// New returns a counter holding initial.
func New(initial uint32) *Counter {
	c := &Counter{}
	c.v.Store(initial)
	return c
}

// Increment adds delta. Remote increments arrive here through the NoC or the
// fabric; local ones are issued directly by the owning core.
func (c *Counter) Increment(delta uint32) {
	c.v.Add(delta)
}

// Value returns the current count.
func (c *Counter) Value() uint32 {
	return c.v.Load()
}

// WaitAtLeast spins until the count reaches target. There is no timeout; the
// watchdog, if any, only reports.
func (c *Counter) WaitAtLeast(w *spin.Watchdog, target uint32) {
	spin.Until(w, "sem.wait>="+strconv.FormatUint(uint64(target), 10), func() bool {
		return c.v.Load() >= target
	})
}

// Set overwrites the counter. The host uses it to restore a global
// semaphore's initial value between programs.
func (c *Counter) Set(v uint32) {
	c.v.Store(v)
}

// Reset zeroes the counter. A waiter that has not yet observed its target
// when this runs will spin forever.
func (c *Counter) Reset() {
	c.v.Store(0)
}
