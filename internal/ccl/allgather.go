// Package ccl implements collective communication kernels over the chip
// fabric.
//
// An all-gather runs a reader and a writer on one sender core per link and
// chip. The reader streams the chip's input pages into a circular buffer.
// The writer drains it in batches: each batch is written to the local output
// and multicast to every other chip, with the destination computed from the
// gather geometry. When a sender has sent everything it bumps the completion
// counter on every chip, including its own. A chip's counter reaches
// chips*links once all contributions to that chip have landed.
//
// Resetting the counter for the next invocation is done by the owner right
// after its own wait. Nothing orders that reset against increments of a later
// invocation that a faster chip may already be sending; callers must not
// start the next invocation before every chip has finished this one.
package ccl

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-mesh/internal/device"
	"github.com/23skdu/longbow-mesh/internal/fabric"
	"github.com/23skdu/longbow-mesh/internal/program"
	"github.com/23skdu/longbow-mesh/internal/ringbuf"
)

// Circular buffer ids used on sender cores.
const (
	DataCB   = 0
	HeaderCB = 1
)

// Header scratch slots.
const (
	slotForward = iota
	slotBackward
	slotSemInc
	numHeaderSlots
)

// Config is the compile-time description of one all-gather.
type Config struct {
	Gather   Gather
	PageSize uint32
	// SenderCores holds one core per link. Link 0's core also holds the
	// completion counter and is the only one that waits on it and resets
	// it.
	SenderCores      []device.CoreCoord
	PacketSizePages  uint32
	WaitForSemaphore bool
	ResetSemaphore   bool
	Persistent       bool
}

// Links is the number of links used per direction.
func (c Config) Links() int {
	return len(c.SenderCores)
}

// SemaphoreCore is the core holding the completion counter on each chip.
func (c Config) SemaphoreCore() device.CoreCoord {
	return c.SenderCores[0]
}

// Contributors is the value every chip's counter reaches once the gather
// is complete.
func (c Config) Contributors() uint32 {
	return uint32(c.Gather.Chips * c.Links())
}

// Validate checks the config can run on a fabric with the given number of
// links.
func (c Config) Validate(fabricLinks int) error {
	switch {
	case c.Links() == 0:
		return fmt.Errorf("all-gather needs at least one link")
	case c.Links() > fabricLinks:
		return fmt.Errorf("all-gather over %d links, fabric has %d", c.Links(), fabricLinks)
	case c.PacketSizePages == 0:
		return fmt.Errorf("all-gather packet size must be at least one page")
	case c.Gather.Chips > 255:
		return fmt.Errorf("all-gather over %d chips exceeds the hop range", c.Gather.Chips)
	}
	return nil
}

// CircularBuffers returns the buffers each sender core needs: a double
// buffered data queue and the header scratch.
func (c Config) CircularBuffers() []ringbuf.Config {
	return []ringbuf.Config{
		{ID: DataCB, Pages: 2 * c.PacketSizePages, PageSize: c.PageSize},
		{ID: HeaderCB, Pages: numHeaderSlots, PageSize: fabric.HeaderSize},
	}
}

// Kernels places a reader and a writer on every sender core of every chip.
func (c Config) Kernels() []program.Kernel {
	ranges := SplitLinks(c.Gather.InputPages(), c.Links())
	var out []program.Kernel
	for chip := 0; chip < c.Gather.Chips; chip++ {
		for link, core := range c.SenderCores {
			r := ranges[link]
			out = append(out,
				program.Kernel{
					Name: fmt.Sprintf("all_gather_reader[%d]", link),
					Chip: chip,
					Core: core,
					Run:  func(env *program.Env) { read(env, r, c.PacketSizePages) },
				},
				program.Kernel{
					Name: fmt.Sprintf("all_gather_writer[%d]", link),
					Chip: chip,
					Core: core,
					Run:  func(env *program.Env) { c.write(env, link, r) },
				},
			)
		}
	}
	return out
}

// read streams input pages r of the local chip into the data buffer.
func read(env *program.Env, r PageRange, batch uint32) {
	in := env.Input(0)
	cb := env.CB(DataCB)
	end := r.First + r.Count
	for p := r.First; p < end; {
		n := min(batch, end-p)
		slots := cb.Reserve(n)
		for i, s := range slots {
			copy(s, in.ReadPage(env.ChipID, p+uint32(i)))
		}
		cb.Commit(n)
		p += n
	}
}

// write is the sender side of the protocol.
func (c Config) write(env *program.Env, link int, r PageRange) {
	chip := env.ChipID
	fwdHops, bwdHops := LinearHops(chip, c.Gather.Chips)

	// Header scratch: three slots that stay reserved for the whole kernel.
	hdrCB := env.CB(HeaderCB)
	slots := hdrCB.Reserve(numHeaderSlots)
	hdrCB.Commit(numHeaderSlots)

	// Routing is fixed for the kernel; only the NoC part changes per batch.
	var fwd, bwd fabric.Header
	fwd.ToChipMulticast(fwdHops, 0)
	bwd.ToChipMulticast(0, bwdHops)

	conns, err := c.connect(env, link)
	if err != nil {
		panic(err.Error())
	}
	conns.OpenFinish()

	out := env.Output(0)
	base := out.Address()
	data := env.CB(DataCB)
	local := env.Chip()

	var batches int
	end := r.First + r.Count
	for page := r.First; page < end; {
		n := min(c.Gather.Run(chip, page), end-page, c.PacketSizePages)
		pages := data.Wait(n)
		dest := c.Gather.Dest(base, chip, page)

		for i, p := range pages {
			local.Write(dest.Offset(uint32(i)*c.PageSize), p)
		}
		length := n * c.PageSize
		if conns.HasForward() {
			send(conns.Forward(), slots[slotForward], fwd.ToNocUnicastWrite(dest, length), pages)
		}
		if conns.HasBackward() {
			send(conns.Backward(), slots[slotBackward], bwd.ToNocUnicastWrite(dest, length), pages)
		}
		// The router reads straight from the data slots.
		conns.Flush()
		data.Release(n)

		pagesSent.Add(float64(n))
		batches++
		page += n
	}

	// Completion: one increment on every chip, our own included.
	semAddr := device.NocAddr{Core: c.SemaphoreCore(), Addr: env.Semaphore().Address()}
	var inc fabric.Header
	inc.ToNocAtomicInc(semAddr, 1)
	if conns.HasForward() {
		inc.ToChipMulticast(fwdHops, 0).EncodeTo(slots[slotSemInc])
		conns.Forward().SendPayloadBlocking(slots[slotSemInc])
	}
	if conns.HasBackward() {
		inc.ToChipMulticast(0, bwdHops).EncodeTo(slots[slotSemInc])
		conns.Backward().SendPayloadBlocking(slots[slotSemInc])
	}
	local.AtomicInc(semAddr, 1)

	if link == 0 {
		counter := local.Semaphore(semAddr)
		if c.WaitForSemaphore {
			counter.WaitAtLeast(env.Watchdog, c.Contributors())
		}
		if c.ResetSemaphore {
			counter.Reset()
		}
	}

	conns.Barrier()
	conns.Close()

	log.Debug().Int("chip", chip).Int("link", link).Stringer("core", env.Core).
		Uint32("pages", r.Count).Int("batches", batches).Msg("All-gather sender done")
}

func (c Config) connect(env *program.Env, link int) (*fabric.Manager, error) {
	args := fabric.ConnectionArgs{Chip: env.ChipID, Link: link}
	if c.Persistent {
		return env.Fabric.PersistentConnections(args)
	}
	return env.Fabric.BuildConnections(args)
}

func send(conn *fabric.Connection, slot []byte, h *fabric.Header, pages [][]byte) {
	h.EncodeTo(slot)
	conn.WaitForEmptyWriteSlot()
	conn.SendPayloadNonBlocking(slot, pages...)
}
