// Package ringbuf implements the per-core circular buffers that move pages
// between a producer kernel and a consumer kernel on the same core.
//
// The producer reserves free pages, fills them and commits; the consumer waits
// for filled pages, reads them and releases. Both counters live in one atomic
// word so that free+filled==capacity holds for every observation.
package ringbuf

import (
	"fmt"
	"sync/atomic"

	"github.com/23skdu/longbow-mesh/internal/spin"
)

// Config is the static shape of a circular buffer. It is fixed when the
// program is compiled and never resized.
type Config struct {
	ID       int
	Pages    uint32
	PageSize uint32
}

// Bytes returns the L1 footprint of the buffer.
func (c Config) Bytes() uint32 {
	return c.Pages * c.PageSize
}

// Buffer is a bounded queue of fixed-size pages with one producer and one
// consumer.
type Buffer struct {
	cfg  Config
	data []byte
	wd   *spin.Watchdog

	// state packs pages pushed (high 32 bits) and pages popped (low 32 bits).
	// Both wrap; their difference is the filled count.
	state atomic.Uint64

	// Producer-private.
	writeIdx uint32
	reserved uint32

	// Consumer-private.
	readIdx uint32
	waited  uint32
}

// New allocates a buffer. A nil watchdog disables stall reporting.
func New(cfg Config, wd *spin.Watchdog) *Buffer {
	if cfg.Pages == 0 || cfg.PageSize == 0 {
		panic(fmt.Sprintf("ringbuf: cb%d needs a non-zero page count and page size", cfg.ID))
	}
	return &Buffer{
		cfg:  cfg,
		data: make([]byte, cfg.Bytes()),
		wd:   wd,
	}
}

func unpack(s uint64) (pushed, popped uint32) {
	return uint32(s >> 32), uint32(s)
}

// Config returns the static configuration.
func (b *Buffer) Config() Config {
	return b.cfg
}

// Capacity is the number of pages.
func (b *Buffer) Capacity() uint32 {
	return b.cfg.Pages
}

// Snapshot returns free and filled counts taken from a single load.
func (b *Buffer) Snapshot() (free, filled uint32) {
	pushed, popped := unpack(b.state.Load())
	filled = pushed - popped
	return b.cfg.Pages - filled, filled
}

// Free returns the number of pages the producer could reserve right now.
func (b *Buffer) Free() uint32 {
	free, _ := b.Snapshot()
	return free
}

// Filled returns the number of pages the consumer could wait for right now.
func (b *Buffer) Filled() uint32 {
	_, filled := b.Snapshot()
	return filled
}

func (b *Buffer) checkSize(op string, n uint32) {
	if n > b.cfg.Pages {
		panic(fmt.Sprintf("ringbuf: %s(%d) on cb%d exceeds capacity %d", op, n, b.cfg.ID, b.cfg.Pages))
	}
}

func (b *Buffer) pages(start, n uint32) [][]byte {
	out := make([][]byte, n)
	idx := start
	for i := range out {
		off := idx * b.cfg.PageSize
		out[i] = b.data[off : off+b.cfg.PageSize : off+b.cfg.PageSize]
		idx++
		if idx == b.cfg.Pages {
			idx = 0
		}
	}
	return out
}

// Reserve blocks until n pages are free and returns them starting at the
// write cursor. Requesting more than the capacity is fatal.
func (b *Buffer) Reserve(n uint32) [][]byte {
	b.checkSize("reserve", n)
	spin.Until(b.wd, fmt.Sprintf("cb%d.reserve", b.cfg.ID), func() bool {
		return b.Free() >= n
	})
	b.reserved = n
	return b.pages(b.writeIdx, n)
}

// Commit publishes the first n reserved pages to the consumer.
func (b *Buffer) Commit(n uint32) {
	if n > b.reserved {
		panic(fmt.Sprintf("ringbuf: commit(%d) on cb%d but only %d reserved", n, b.cfg.ID, b.reserved))
	}
	b.reserved -= n
	b.writeIdx = (b.writeIdx + n) % b.cfg.Pages
	b.state.Add(uint64(n) << 32)
}

// Wait blocks until n pages are filled and returns them starting at the read
// cursor. Requesting more than the capacity is fatal.
func (b *Buffer) Wait(n uint32) [][]byte {
	b.checkSize("wait", n)
	spin.Until(b.wd, fmt.Sprintf("cb%d.wait", b.cfg.ID), func() bool {
		return b.Filled() >= n
	})
	b.waited = n
	return b.pages(b.readIdx, n)
}

// Release returns the n oldest filled pages to the producer.
func (b *Buffer) Release(n uint32) {
	if n > b.waited {
		panic(fmt.Sprintf("ringbuf: release(%d) on cb%d but only %d waited for", n, b.cfg.ID, b.waited))
	}
	b.waited -= n
	b.readIdx = (b.readIdx + n) % b.cfg.Pages
	// popped wraps on its own, so rebuild the low half instead of adding.
	for {
		old := b.state.Load()
		pushed, popped := unpack(old)
		next := uint64(pushed)<<32 | uint64(popped+n)
		if b.state.CompareAndSwap(old, next) {
			return
		}
	}
}
