package device

import (
	"fmt"
	"sync/atomic"
)

// BufferKind selects where a buffer's pages live.
type BufferKind uint8

const (
	// DRAMInterleaved buffers keep every page in the chip's DRAM bank.
	DRAMInterleaved BufferKind = iota
	// L1Sharded buffers split pages into contiguous runs, one run per core.
	L1Sharded
)

func (k BufferKind) String() string {
	switch k {
	case DRAMInterleaved:
		return "dram_interleaved"
	case L1Sharded:
		return "l1_sharded"
	default:
		return fmt.Sprintf("BufferKind(%d)", uint8(k))
	}
}

// BufferConfig describes a buffer to allocate.
type BufferConfig struct {
	Kind     BufferKind
	PageSize uint32
	NumPages uint32
	// Cores lists the shard cores of an L1Sharded buffer, in shard order.
	Cores []CoreCoord
}

// PageLayout is the placement of a buffer's pages relative to its base
// address. It depends only on the buffer description, so kernels can compute
// destinations without holding on to buffers.
type PageLayout struct {
	Kind         BufferKind
	PageSize     uint32
	NumPages     uint32
	PagesPerCore uint32
	Cores        []CoreCoord
}

// Layout derives the page placement for cfg.
func (cfg BufferConfig) Layout() PageLayout {
	l := PageLayout{Kind: cfg.Kind, PageSize: cfg.PageSize, NumPages: cfg.NumPages, PagesPerCore: cfg.NumPages, Cores: cfg.Cores}
	if cfg.Kind == L1Sharded && len(cfg.Cores) > 0 {
		n := uint32(len(cfg.Cores))
		l.PagesPerCore = (cfg.NumPages + n - 1) / n
	}
	return l
}

// Addr maps page to its NoC address for a buffer based at base.
func (l PageLayout) Addr(base, page uint32) NocAddr {
	if page >= l.NumPages {
		panic(fmt.Sprintf("device: page %d outside buffer of %d pages", page, l.NumPages))
	}
	if l.Kind == DRAMInterleaved {
		return NocAddr{DRAM: true, Addr: base + page*l.PageSize}
	}
	return NocAddr{Core: l.Cores[page/l.PagesPerCore], Addr: base + (page%l.PagesPerCore)*l.PageSize}
}

// Contiguous returns how many pages starting at page sit back to back on the
// same core.
func (l PageLayout) Contiguous(page uint32) uint32 {
	if page >= l.NumPages {
		return 0
	}
	end := (page/l.PagesPerCore + 1) * l.PagesPerCore
	return min(end, l.NumPages) - page
}

// Buffer is a mesh-wide allocation: every chip holds its own pages at the
// same address.
type Buffer struct {
	mesh         *Mesh
	cfg          BufferConfig
	address      uint32
	pagesPerCore uint32
	freed        atomic.Bool
}

// AllocateBuffer reserves space for cfg on every chip.
func (m *Mesh) AllocateBuffer(cfg BufferConfig) (*Buffer, error) {
	if cfg.PageSize == 0 || cfg.NumPages == 0 {
		return nil, fmt.Errorf("device: buffer needs pages, got %d pages of %d bytes", cfg.NumPages, cfg.PageSize)
	}

	b := &Buffer{mesh: m, cfg: cfg}
	var err error
	switch cfg.Kind {
	case DRAMInterleaved:
		b.pagesPerCore = cfg.NumPages
		b.address, err = m.dram.alloc(cfg.NumPages * cfg.PageSize)
	case L1Sharded:
		if len(cfg.Cores) == 0 {
			return nil, fmt.Errorf("device: sharded buffer without shard cores")
		}
		for _, c := range cfg.Cores {
			if !m.HasCore(c) {
				return nil, fmt.Errorf("device: shard core %s outside %dx%d grid", c, m.cfg.GridX, m.cfg.GridY)
			}
		}
		b.pagesPerCore = cfg.Layout().PagesPerCore
		b.address, err = m.l1.alloc(b.pagesPerCore * cfg.PageSize)
	default:
		return nil, fmt.Errorf("device: unknown buffer kind %s", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}

	buffersAllocated.WithLabelValues(cfg.Kind.String()).Inc()
	return b, nil
}

// Config returns the buffer description.
func (b *Buffer) Config() BufferConfig {
	return b.cfg
}

// Address is the base address, identical on every chip and shard core.
func (b *Buffer) Address() uint32 {
	return b.address
}

// PagesPerCore is the shard height in pages. DRAM buffers count as a single
// shard holding every page.
func (b *Buffer) PagesPerCore() uint32 {
	return b.pagesPerCore
}

// Mesh returns the mesh the buffer lives on.
func (b *Buffer) Mesh() *Mesh {
	return b.mesh
}

// Allocated reports whether the buffer still owns its memory.
func (b *Buffer) Allocated() bool {
	return !b.freed.Load()
}

// PageAddr maps a page index to its NoC address on any chip.
func (b *Buffer) PageAddr(page uint32) NocAddr {
	return b.cfg.Layout().Addr(b.address, page)
}

func (b *Buffer) mustBeLive() {
	if b.freed.Load() {
		panic("device: access to deallocated buffer")
	}
}

// WritePage stores one page on chip.
func (b *Buffer) WritePage(chip int, page uint32, p []byte) {
	b.mustBeLive()
	if uint32(len(p)) != b.cfg.PageSize {
		panic(fmt.Sprintf("device: page write of %d bytes into %d-byte pages", len(p), b.cfg.PageSize))
	}
	b.mesh.Chip(chip).Write(b.PageAddr(page), p)
}

// ReadPage loads one page from chip.
func (b *Buffer) ReadPage(chip int, page uint32) []byte {
	b.mustBeLive()
	return b.mesh.Chip(chip).Read(b.PageAddr(page), b.cfg.PageSize)
}

// Write stores a full image of the buffer on chip.
func (b *Buffer) Write(chip int, data []byte) {
	if uint32(len(data)) != b.cfg.NumPages*b.cfg.PageSize {
		panic(fmt.Sprintf("device: buffer image of %d bytes, want %d", len(data), b.cfg.NumPages*b.cfg.PageSize))
	}
	for p := uint32(0); p < b.cfg.NumPages; p++ {
		off := p * b.cfg.PageSize
		b.WritePage(chip, p, data[off:off+b.cfg.PageSize])
	}
}

// Read returns the full image of the buffer on chip.
func (b *Buffer) Read(chip int) []byte {
	out := make([]byte, 0, b.cfg.NumPages*b.cfg.PageSize)
	for p := uint32(0); p < b.cfg.NumPages; p++ {
		out = append(out, b.ReadPage(chip, p)...)
	}
	return out
}

// Deallocate returns the memory to the mesh. It is idempotent.
func (b *Buffer) Deallocate() {
	if b.freed.Swap(true) {
		return
	}
	if b.cfg.Kind == DRAMInterleaved {
		b.mesh.dram.release(b.address)
	} else {
		b.mesh.l1.release(b.address)
	}
}
