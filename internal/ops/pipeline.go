package ops

import (
	"github.com/23skdu/longbow-mesh/internal/device"
	"github.com/23skdu/longbow-mesh/internal/program"
	"github.com/23skdu/longbow-mesh/internal/ringbuf"
)

// Circular buffer ids of the reader -> compute -> writer pipelines.
const (
	cbIn  = 0
	cbOut = 1
	cbAux = 2
)

// maxWorkers caps the cores an interleaved factory spreads work over.
const maxWorkers = 8

// work is a contiguous range of pages handled by one core.
type work struct {
	core  device.CoreCoord
	first uint32
	count uint32
}

// splitWork hands n pages to cores as evenly as possible, earlier cores
// taking the remainder. Cores left without pages are dropped.
func splitWork(n uint32, cores []device.CoreCoord) []work {
	per, extra := n/uint32(len(cores)), n%uint32(len(cores))
	out := make([]work, 0, len(cores))
	first := uint32(0)
	for i, c := range cores {
		count := per
		if uint32(i) < extra {
			count++
		}
		if count == 0 {
			continue
		}
		out = append(out, work{core: c, first: first, count: count})
		first += count
	}
	return out
}

// gridWork spreads n pages over the first cores of the grid.
func gridWork(mesh *device.Mesh, n uint32) []work {
	return splitWork(n, mesh.Cores(int(min(n, maxWorkers))))
}

// shardWork gives every shard core the pages it holds.
func shardWork(cores []device.CoreCoord, n uint32) []work {
	per := n / uint32(len(cores))
	out := make([]work, len(cores))
	for i, c := range cores {
		out[i] = work{core: c, first: uint32(i) * per, count: per}
	}
	return out
}

// doubleBuffered is a two page circular buffer.
func doubleBuffered(id int, pageSize uint32) ringbuf.Config {
	return ringbuf.Config{ID: id, Pages: 2, PageSize: pageSize}
}

// perChip repeats kernel fn for every chip and work item.
func perChip(b *program.Builder, chips int, items []work, name string, fn func(w work) program.KernelFunc) {
	for chip := 0; chip < chips; chip++ {
		for _, w := range items {
			b.Kernel(program.Kernel{Name: name, Chip: chip, Core: w.core, Run: fn(w)})
		}
	}
}

// readPages streams input pages of w into cb.
func readPages(input int, cb int, w work) program.KernelFunc {
	return func(env *program.Env) {
		in := env.Input(input)
		q := env.CB(cb)
		for p := w.first; p < w.first+w.count; p++ {
			slot := q.Reserve(1)[0]
			copy(slot, in.ReadPage(env.ChipID, p))
			q.Commit(1)
		}
	}
}

// writePages drains cb into the output pages of w.
func writePages(cb int, w work) program.KernelFunc {
	return func(env *program.Env) {
		out := env.Output(0)
		q := env.CB(cb)
		for p := w.first; p < w.first+w.count; p++ {
			out.WritePage(env.ChipID, p, q.Wait(1)[0])
			q.Release(1)
		}
	}
}
