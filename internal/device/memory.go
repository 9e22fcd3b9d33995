package device

import (
	"fmt"
	"sort"
	"sync"
)

// Memory is a byte-addressable region backed lazily by a slice.
type Memory struct {
	mu   sync.RWMutex
	size uint32
	data []byte
}

func newMemory(size uint32) *Memory {
	return &Memory{size: size}
}

func (m *Memory) check(addr, n uint32) {
	if uint64(addr)+uint64(n) > uint64(m.size) {
		panic(fmt.Sprintf("device: access [0x%x,+%d) outside memory of %d bytes", addr, n, m.size))
	}
}

// Write copies p to addr.
func (m *Memory) Write(addr uint32, p []byte) {
	m.check(addr, uint32(len(p)))
	m.mu.Lock()
	if m.data == nil {
		m.data = make([]byte, m.size)
	}
	copy(m.data[addr:], p)
	m.mu.Unlock()
}

// Read returns a copy of n bytes at addr. Untouched memory reads as zero.
func (m *Memory) Read(addr, n uint32) []byte {
	m.check(addr, n)
	out := make([]byte, n)
	m.mu.RLock()
	if m.data != nil {
		copy(out, m.data[addr:addr+n])
	}
	m.mu.RUnlock()
	return out
}

type span struct {
	addr, size uint32
}

// allocator is a first-fit free list. The same allocator serves every chip of
// a mesh, which keeps addresses identical across chips.
type allocator struct {
	mu    sync.Mutex
	align uint32
	free  []span
	used  map[uint32]uint32
}

func newAllocator(size, align uint32) *allocator {
	// Address 0 is kept out of circulation so a zero address always means
	// "not allocated".
	return &allocator{
		align: align,
		free:  []span{{addr: align, size: size - align}},
		used:  make(map[uint32]uint32),
	}
}

func (a *allocator) roundUp(n uint32) uint32 {
	return (n + a.align - 1) / a.align * a.align
}

func (a *allocator) alloc(n uint32) (uint32, error) {
	if n == 0 {
		return 0, fmt.Errorf("device: zero-sized allocation")
	}
	n = a.roundUp(n)

	a.mu.Lock()
	defer a.mu.Unlock()
	for i, s := range a.free {
		if s.size < n {
			continue
		}
		addr := s.addr
		if s.size == n {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = span{addr: s.addr + n, size: s.size - n}
		}
		a.used[addr] = n
		return addr, nil
	}
	return 0, fmt.Errorf("device: out of memory allocating %d bytes", n)
}

func (a *allocator) release(addr uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n, ok := a.used[addr]
	if !ok {
		return
	}
	delete(a.used, addr)
	a.free = append(a.free, span{addr: addr, size: n})
	sort.Slice(a.free, func(i, j int) bool { return a.free[i].addr < a.free[j].addr })

	merged := a.free[:1]
	for _, s := range a.free[1:] {
		last := &merged[len(merged)-1]
		if last.addr+last.size == s.addr {
			last.size += s.size
			continue
		}
		merged = append(merged, s)
	}
	a.free = merged
}

func (a *allocator) inUse() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uint32
	for _, n := range a.used {
		total += n
	}
	return total
}
