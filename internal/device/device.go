// Package device simulates the accelerator hardware a program runs on: a mesh
// of chips, each holding a grid of cores with private L1 memory and a DRAM
// bank. Cores talk to memory on their own chip through NoC reads, writes and
// atomic increments; crossing chips is the fabric package's job.
package device

import (
	"fmt"
	"sync"

	"github.com/23skdu/longbow-mesh/internal/sem"
)

// CoreCoord addresses a core inside a chip's grid.
type CoreCoord struct {
	X uint32 `cbor:"x"`
	Y uint32 `cbor:"y"`
}

func (c CoreCoord) String() string {
	return fmt.Sprintf("(%d,%d)", c.X, c.Y)
}

// NocAddr is a location reachable over a chip's NoC: an L1 address on a core,
// or an address in the chip's DRAM bank.
type NocAddr struct {
	Core CoreCoord
	DRAM bool
	Addr uint32
}

// Offset returns the address n bytes further on the same target.
func (a NocAddr) Offset(n uint32) NocAddr {
	a.Addr += n
	return a
}

func (a NocAddr) String() string {
	if a.DRAM {
		return fmt.Sprintf("dram:0x%x", a.Addr)
	}
	return fmt.Sprintf("%s:0x%x", a.Core, a.Addr)
}

// Config describes the simulated hardware.
type Config struct {
	NumChips  int
	GridX     uint32
	GridY     uint32
	L1Size    uint32
	DRAMSize  uint32
	Alignment uint32
}

// DefaultConfig returns a two-chip mesh of 8x8 cores.
func DefaultConfig() Config {
	return Config{
		NumChips:  2,
		GridX:     8,
		GridY:     8,
		L1Size:    1 << 20,
		DRAMSize:  256 << 20,
		Alignment: 32,
	}
}

// Mesh is a set of chips that run the same program in lockstep. Allocations
// are mesh-wide so a buffer has the same address on every chip.
type Mesh struct {
	cfg   Config
	chips []*Chip
	l1    *allocator
	dram  *allocator
}

// NewMesh builds the chips described by cfg.
func NewMesh(cfg Config) (*Mesh, error) {
	if cfg.NumChips <= 0 {
		return nil, fmt.Errorf("device: mesh needs at least one chip, got %d", cfg.NumChips)
	}
	if cfg.GridX == 0 || cfg.GridY == 0 {
		return nil, fmt.Errorf("device: empty core grid %dx%d", cfg.GridX, cfg.GridY)
	}
	if cfg.Alignment == 0 {
		cfg.Alignment = 32
	}

	m := &Mesh{
		cfg:   cfg,
		chips: make([]*Chip, cfg.NumChips),
		l1:    newAllocator(cfg.L1Size, cfg.Alignment),
		dram:  newAllocator(cfg.DRAMSize, cfg.Alignment),
	}
	for i := range m.chips {
		m.chips[i] = newChip(i, cfg)
	}
	return m, nil
}

// Config returns the hardware description.
func (m *Mesh) Config() Config {
	return m.cfg
}

// NumChips is the number of chips in the mesh.
func (m *Mesh) NumChips() int {
	return len(m.chips)
}

// Chip returns chip id. Out-of-range ids are fatal.
func (m *Mesh) Chip(id int) *Chip {
	if id < 0 || id >= len(m.chips) {
		panic(fmt.Sprintf("device: chip %d not in mesh of %d", id, len(m.chips)))
	}
	return m.chips[id]
}

// HasCore reports whether c lies inside the core grid.
func (m *Mesh) HasCore(c CoreCoord) bool {
	return c.X < m.cfg.GridX && c.Y < m.cfg.GridY
}

// Cores returns the first n cores of the grid in row-major order.
func (m *Mesh) Cores(n int) []CoreCoord {
	total := int(m.cfg.GridX * m.cfg.GridY)
	if n > total {
		n = total
	}
	out := make([]CoreCoord, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, CoreCoord{X: uint32(i) % m.cfg.GridX, Y: uint32(i) / m.cfg.GridX})
	}
	return out
}

// Chip is one accelerator device.
type Chip struct {
	ID    int
	gridX uint32
	cores []*Core
	dram  *Memory
}

func newChip(id int, cfg Config) *Chip {
	c := &Chip{
		ID:    id,
		gridX: cfg.GridX,
		cores: make([]*Core, cfg.GridX*cfg.GridY),
		dram:  newMemory(cfg.DRAMSize),
	}
	for i := range c.cores {
		c.cores[i] = &Core{
			Coord: CoreCoord{X: uint32(i) % cfg.GridX, Y: uint32(i) / cfg.GridX},
			L1:    newMemory(cfg.L1Size),
			sems:  make(map[uint32]*sem.Counter),
		}
	}
	return c
}

// Core returns the core at coord. Coordinates outside the grid are fatal.
func (c *Chip) Core(coord CoreCoord) *Core {
	idx := coord.Y*c.gridX + coord.X
	if coord.X >= c.gridX || int(idx) >= len(c.cores) {
		panic(fmt.Sprintf("device: core %s not on chip %d", coord, c.ID))
	}
	return c.cores[idx]
}

func (c *Chip) memory(a NocAddr) *Memory {
	if a.DRAM {
		return c.dram
	}
	return c.Core(a.Core).L1
}

// Write performs a NoC write of p to a.
func (c *Chip) Write(a NocAddr, p []byte) {
	c.memory(a).Write(a.Addr, p)
	nocBytesWritten.Add(float64(len(p)))
}

// Read performs a NoC read of n bytes at a.
func (c *Chip) Read(a NocAddr, n uint32) []byte {
	return c.memory(a).Read(a.Addr, n)
}

// AtomicInc increments the semaphore at a by delta.
func (c *Chip) AtomicInc(a NocAddr, delta uint32) {
	c.Semaphore(a).Increment(delta)
}

// Semaphore resolves the counter mapped at a. Only L1 can hold semaphores.
func (c *Chip) Semaphore(a NocAddr) *sem.Counter {
	if a.DRAM {
		panic(fmt.Sprintf("device: semaphore at %s: DRAM cannot hold semaphores", a))
	}
	return c.Core(a.Core).Semaphore(a.Addr)
}

// Core is a single compute unit with its own L1 memory.
type Core struct {
	Coord CoreCoord
	L1    *Memory

	semMu sync.RWMutex
	sems  map[uint32]*sem.Counter
}

// Semaphore returns the counter mapped at addr. Touching an address that was
// never mapped as a semaphore is fatal.
func (c *Core) Semaphore(addr uint32) *sem.Counter {
	c.semMu.RLock()
	s, ok := c.sems[addr]
	c.semMu.RUnlock()
	if !ok {
		panic(fmt.Sprintf("device: no semaphore at 0x%x on core %s", addr, c.Coord))
	}
	return s
}

func (c *Core) mapSemaphore(addr uint32, initial uint32) {
	c.semMu.Lock()
	c.sems[addr] = sem.New(initial)
	c.semMu.Unlock()
}

func (c *Core) unmapSemaphore(addr uint32) {
	c.semMu.Lock()
	delete(c.sems, addr)
	c.semMu.Unlock()
}

// MemoryUsage reports bytes currently allocated per core in L1 and per chip
// in DRAM.
func (m *Mesh) MemoryUsage() (l1, dram uint32) {
	return m.l1.inUse(), m.dram.inUse()
}
