package fabric

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-mesh/internal/device"
	"github.com/23skdu/longbow-mesh/internal/spin"
)

// Direction is the way a packet travels along the chip chain.
type Direction uint8

const (
	// Forward goes towards higher chip ids.
	Forward Direction = iota
	// Backward goes towards lower chip ids.
	Backward
)

func (d Direction) String() string {
	if d == Forward {
		return "forward"
	}
	return "backward"
}

func (d Direction) step() int {
	if d == Forward {
		return 1
	}
	return -1
}

// Delivery is reported to Options.Observer after a packet has been applied
// to a chip's memory.
type Delivery struct {
	Chip   int
	Dir    Direction
	Link   int
	Header Header
}

// Options configures a Fabric.
type Options struct {
	// Links is the number of parallel links between neighbouring chips in
	// each direction.
	Links int
	// Slots is the number of write slots a worker connection may have
	// outstanding before it has to wait for the router.
	Slots uint32
	// QueueDepth is how many packets a router buffers from its neighbour.
	QueueDepth int
	// Watchdog observes every spin wait done by connections.
	Watchdog *spin.Watchdog
	// Observer, when set, is called on the router goroutine for every
	// delivery. It must not block for long.
	Observer func(Delivery)
}

// DefaultOptions returns two links per direction with eight slots each.
func DefaultOptions() Options {
	return Options{
		Links:      2,
		Slots:      8,
		QueueDepth: 64,
	}
}

type routerKey struct {
	chip int
	dir  Direction
	link int
}

// Fabric is the set of routers connecting the chips of a mesh in a line.
type Fabric struct {
	mesh *device.Mesh
	opts Options

	routers map[routerKey]*router

	mu         sync.Mutex
	persistent map[ConnectionArgs]*Manager
	closed     bool
}

// New starts a router for every chip, direction and link that has a
// neighbour.
func New(mesh *device.Mesh, opts Options) (*Fabric, error) {
	if opts.Links <= 0 {
		return nil, fmt.Errorf("fabric: need at least one link, got %d", opts.Links)
	}
	if opts.Slots == 0 {
		return nil, fmt.Errorf("fabric: connections need at least one write slot")
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultOptions().QueueDepth
	}

	f := &Fabric{
		mesh:       mesh,
		opts:       opts,
		routers:    make(map[routerKey]*router),
		persistent: make(map[ConnectionArgs]*Manager),
	}
	n := mesh.NumChips()
	for _, dir := range []Direction{Forward, Backward} {
		for link := 0; link < opts.Links; link++ {
			for chip := 0; chip < n; chip++ {
				f.routers[routerKey{chip, dir, link}] = &router{
					f:    f,
					chip: chip,
					dir:  dir,
					link: link,
					in:   make(chan frame, opts.QueueDepth),
					done: make(chan struct{}),
				}
			}
		}
	}
	for k, r := range f.routers {
		r.next = f.routers[routerKey{k.chip + k.dir.step(), k.dir, k.link}]
		go r.run()
	}

	log.Debug().Int("chips", n).Int("links", opts.Links).Uint32("slots", opts.Slots).Msg("Fabric started")
	return f, nil
}

// Mesh returns the mesh the fabric connects.
func (f *Fabric) Mesh() *device.Mesh {
	return f.mesh
}

// Links returns the number of links per direction.
func (f *Fabric) Links() int {
	return f.opts.Links
}

// Watchdog returns the watchdog used by connection waits.
func (f *Fabric) Watchdog() *spin.Watchdog {
	return f.opts.Watchdog
}

// Close closes persistent connections and stops every router. No
// connection may be in use when Close is called.
func (f *Fabric) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	persistent := f.persistent
	f.persistent = nil
	f.mu.Unlock()

	for _, m := range persistent {
		m.teardown()
	}

	// Stop routers upstream first so nothing is ever sent on a closed queue.
	n := f.mesh.NumChips()
	for link := 0; link < f.opts.Links; link++ {
		for i := 0; i < n; i++ {
			for _, k := range []routerKey{{i, Forward, link}, {n - 1 - i, Backward, link}} {
				r := f.routers[k]
				close(r.in)
				<-r.done
			}
		}
	}
	log.Debug().Msg("Fabric stopped")
}

func (f *Fabric) router(chip int, dir Direction, link int) *router {
	return f.routers[routerKey{chip, dir, link}]
}

type frameOp uint8

const (
	opData frameOp = iota
	opConnect
	opDisconnect
)

type frame struct {
	op   frameOp
	conn *Connection

	// Set by the worker. Both alias worker memory until the slot is acked.
	hdr     []byte
	payload [][]byte

	// Set on the link: the encoded header followed by the payload.
	wire []byte
	dist uint8
}

// router is one end of a link. It takes packets from the local worker and
// from the upstream neighbour, applies them to its chip when routing says so
// and passes them on.
type router struct {
	f    *Fabric
	chip int
	dir  Direction
	link int
	next *router

	in   chan frame
	done chan struct{}

	// Only touched by run.
	owner *Connection
}

func (r *router) run() {
	defer close(r.done)
	for fr := range r.in {
		switch fr.op {
		case opConnect:
			if r.owner != nil && r.owner != fr.conn {
				log.Error().Int("chip", r.chip).Stringer("dir", r.dir).Int("link", r.link).
					Msg("Rejecting second worker connection on channel")
				fr.conn.rejected.Store(true)
				continue
			}
			r.owner = fr.conn
			connectionsOpen.Inc()
			fr.conn.handshake.Store(true)
		case opDisconnect:
			if r.owner == fr.conn {
				r.owner = nil
				connectionsOpen.Dec()
			}
			fr.conn.torndown.Store(true)
		case opData:
			if fr.dist == 0 {
				r.transmit(fr)
			} else {
				r.receive(fr)
			}
		}
	}
}

// transmit copies a worker packet onto the link and frees its slot.
func (r *router) transmit(fr frame) {
	size := HeaderSize
	for _, p := range fr.payload {
		size += len(p)
	}
	wire := make([]byte, HeaderSize, size)
	copy(wire, fr.hdr[:HeaderSize])
	binary.LittleEndian.PutUint16(wire[20:], uint16(r.chip))
	for _, p := range fr.payload {
		wire = append(wire, p...)
	}
	fr.conn.acked.Add(1)

	payloadBytes.Add(float64(size - HeaderSize))
	r.next.in <- frame{op: opData, conn: fr.conn, wire: wire, dist: 1}
}

// receive applies a packet that arrived from upstream and forwards it if it
// has further to go.
func (r *router) receive(fr frame) {
	h, err := DecodeHeader(fr.wire)
	if err != nil {
		// Senders validate headers, so this is a corrupted frame.
		log.Error().Err(err).Int("chip", r.chip).Msg("Dropping packet")
		fr.conn.inflight.Add(-1)
		return
	}

	hops := h.Hops(r.dir)
	if h.Routing == Multicast || fr.dist == hops {
		chip := r.f.mesh.Chip(r.chip)
		switch h.Command {
		case CmdWrite:
			chip.Write(h.Dest, fr.wire[HeaderSize:HeaderSize+int(h.PayloadLen)])
		case CmdAtomicInc:
			chip.AtomicInc(h.Dest, uint32(h.IncValue))
		}
		packetsDelivered.WithLabelValues(h.Type().String()).Inc()
		if obs := r.f.opts.Observer; obs != nil {
			obs(Delivery{Chip: r.chip, Dir: r.dir, Link: r.link, Header: h})
		}
	}

	if fr.dist < hops {
		fr.dist++
		r.next.in <- fr
		return
	}
	fr.conn.inflight.Add(-1)
}
