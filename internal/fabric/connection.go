package fabric

import (
	"fmt"
	"sync/atomic"

	"github.com/23skdu/longbow-mesh/internal/spin"
)

// State is the lifecycle stage of a Connection.
type State uint32

const (
	StateUninitialized State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// Connection is a worker's channel into the router for one direction and
// link on its chip. A connection belongs to a single kernel; none of its
// methods may be called concurrently.
type Connection struct {
	r     *router
	wd    *spin.Watchdog
	slots uint32

	state atomic.Uint32

	// sent is worker-owned; acked is advanced by the router once it no
	// longer reads the worker's memory for a packet.
	sent  uint32
	acked atomic.Uint32

	// inflight counts packets not yet applied on their last chip.
	inflight atomic.Int64

	handshake atomic.Bool
	rejected  atomic.Bool
	torndown  atomic.Bool
}

func newConnection(r *router) *Connection {
	return &Connection{r: r, wd: r.f.opts.Watchdog, slots: r.f.opts.Slots}
}

// State returns the current lifecycle stage.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Chip is the chip the connection sends from.
func (c *Connection) Chip() int { return c.r.chip }

// Direction is the way packets sent on the connection travel.
func (c *Connection) Direction() Direction { return c.r.dir }

// Link is the link index the connection uses.
func (c *Connection) Link() int { return c.r.link }

func (c *Connection) must(want State, op string) {
	if got := c.State(); got != want {
		panic(fmt.Sprintf("fabric: %s on %s connection (chip %d %s link %d)", op, got, c.r.chip, c.r.dir, c.r.link))
	}
}

// BuildAndStart asks the router for the channel without waiting for the
// answer, so the handshake overlaps with other setup work.
func (c *Connection) BuildAndStart() {
	c.must(StateUninitialized, "start")
	c.state.Store(uint32(StateConnecting))
	c.r.in <- frame{op: opConnect, conn: c}
}

// FinishOpen waits for the router to accept the connection.
func (c *Connection) FinishOpen() {
	c.must(StateConnecting, "finish open")
	spin.Until(c.wd, "fabric.open", func() bool {
		return c.handshake.Load() || c.rejected.Load()
	})
	if c.rejected.Load() {
		c.state.Store(uint32(StateClosed))
		panic(fmt.Sprintf("fabric: router on chip %d %s link %d already has a worker", c.r.chip, c.r.dir, c.r.link))
	}
	c.state.Store(uint32(StateOpen))
}

// HasEmptyWriteSlot reports whether a send would not have to wait.
func (c *Connection) HasEmptyWriteSlot() bool {
	c.must(StateOpen, "slot check")
	return c.sent-c.acked.Load() < c.slots
}

// WaitForEmptyWriteSlot blocks until a send can go out immediately.
func (c *Connection) WaitForEmptyWriteSlot() {
	c.must(StateOpen, "slot wait")
	if c.sent-c.acked.Load() < c.slots {
		return
	}
	slotWaits.Inc()
	spin.Until(c.wd, "fabric.slot", func() bool {
		return c.sent-c.acked.Load() < c.slots
	})
}

// SendPayloadNonBlocking hands a packet to the router. hdr holds an encoded
// header and the payload pages are sent in order after it. Neither may be
// modified until Flush returns. The caller must have checked for a free slot.
func (c *Connection) SendPayloadNonBlocking(hdr []byte, payload ...[]byte) {
	c.must(StateOpen, "send")
	if c.sent-c.acked.Load() >= c.slots {
		panic(fmt.Sprintf("fabric: send on chip %d %s link %d with no free write slot", c.r.chip, c.r.dir, c.r.link))
	}
	h := c.checkPacket(hdr, payload)

	c.sent++
	c.inflight.Add(1)
	packetsSent.WithLabelValues(h.Type().String(), c.r.dir.String()).Inc()
	c.r.in <- frame{op: opData, conn: c, hdr: hdr, payload: payload}
}

// SendPayloadBlocking waits for a slot, sends and waits until the router no
// longer needs hdr or payload.
func (c *Connection) SendPayloadBlocking(hdr []byte, payload ...[]byte) {
	c.WaitForEmptyWriteSlot()
	c.SendPayloadNonBlocking(hdr, payload...)
	c.Flush()
}

func (c *Connection) checkPacket(hdr []byte, payload [][]byte) Header {
	h, err := DecodeHeader(hdr)
	if err != nil {
		panic(err.Error())
	}
	var n int
	for _, p := range payload {
		n += len(p)
	}
	if uint32(n) != h.PayloadLen {
		panic(fmt.Sprintf("fabric: header says %d payload bytes, got %d", h.PayloadLen, n))
	}
	hops := int(h.Hops(c.r.dir))
	last := c.r.chip + c.r.dir.step()*hops
	if hops == 0 || last < 0 || last >= c.r.f.mesh.NumChips() {
		panic(fmt.Sprintf("fabric: %d %s hops from chip %d leaves the %d-chip mesh", hops, c.r.dir, c.r.chip, c.r.f.mesh.NumChips()))
	}
	return h
}

// Flush waits until every packet sent so far has been copied out of worker
// memory.
func (c *Connection) Flush() {
	c.must(StateOpen, "flush")
	spin.Until(c.wd, "fabric.flush", func() bool {
		return c.acked.Load() == c.sent
	})
}

// Barrier waits until every packet sent so far has been applied on every
// chip it was routed to.
func (c *Connection) Barrier() {
	c.must(StateOpen, "barrier")
	spin.Until(c.wd, "fabric.barrier", func() bool {
		return c.inflight.Load() == 0
	})
}

// Close drains outstanding slots and detaches from the router. Using the
// connection afterwards is fatal.
func (c *Connection) Close() {
	c.Flush()
	c.r.in <- frame{op: opDisconnect, conn: c}
	spin.Until(c.wd, "fabric.close", c.torndown.Load)
	c.state.Store(uint32(StateClosed))
}
