package device

import (
	"fmt"

	"github.com/23skdu/longbow-mesh/internal/sem"
)

// GlobalSemaphore is a counter mapped at the same L1 address on a set of
// cores on every chip. It outlives programs, so a later invocation of the
// same op can reuse it once it has been reset.
type GlobalSemaphore struct {
	mesh    *Mesh
	address uint32
	cores   []CoreCoord
	initial uint32
}

// CreateGlobalSemaphore maps a counter holding initial on each core of cores.
func (m *Mesh) CreateGlobalSemaphore(cores []CoreCoord, initial uint32) (*GlobalSemaphore, error) {
	if len(cores) == 0 {
		return nil, fmt.Errorf("device: global semaphore needs at least one core")
	}
	for _, c := range cores {
		if !m.HasCore(c) {
			return nil, fmt.Errorf("device: semaphore core %s outside grid", c)
		}
	}
	addr, err := m.l1.alloc(4)
	if err != nil {
		return nil, err
	}
	for _, chip := range m.chips {
		for _, c := range cores {
			chip.Core(c).mapSemaphore(addr, initial)
		}
	}
	return &GlobalSemaphore{mesh: m, address: addr, cores: append([]CoreCoord(nil), cores...), initial: initial}, nil
}

// Address is the L1 address of the counter.
func (g *GlobalSemaphore) Address() uint32 {
	return g.address
}

// Cores returns the cores holding a copy of the counter.
func (g *GlobalSemaphore) Cores() []CoreCoord {
	return g.cores
}

// Has reports whether core holds a copy of the counter.
func (g *GlobalSemaphore) Has(core CoreCoord) bool {
	for _, c := range g.cores {
		if c == core {
			return true
		}
	}
	return false
}

// Mesh returns the owning mesh.
func (g *GlobalSemaphore) Mesh() *Mesh {
	return g.mesh
}

// Counter returns the copy on chip at core.
func (g *GlobalSemaphore) Counter(chip int, core CoreCoord) *sem.Counter {
	return g.mesh.Chip(chip).Core(core).Semaphore(g.address)
}

// Reset restores every copy to the value the semaphore was created with.
// It runs on the host and must not overlap a program using the semaphore.
func (g *GlobalSemaphore) Reset() {
	for chip := range g.mesh.chips {
		for _, c := range g.cores {
			g.Counter(chip, c).Set(g.initial)
		}
	}
}

// Destroy unmaps the counters and releases the address.
func (g *GlobalSemaphore) Destroy() {
	for _, chip := range g.mesh.chips {
		for _, c := range g.cores {
			chip.Core(c).unmapSemaphore(g.address)
		}
	}
	g.mesh.l1.release(g.address)
}
