// Package fabric moves packets between chips over a linear chain of
// point-to-point links.
//
// Each chip runs one router per direction and link. A worker core talks to
// its local router through a Connection that holds a bounded number of write
// slots; the router copies the payload out of the worker's memory, returns
// the slot and forwards the packet hop by hop, delivering it on every chip
// the header's routing covers.
package fabric

import (
	"encoding/binary"
	"fmt"

	"github.com/23skdu/longbow-mesh/internal/device"
)

// HeaderSize is the fixed size of an encoded packet header.
const HeaderSize = 32

// Command is what a packet does when it reaches a destination chip.
type Command uint8

const (
	CmdWrite Command = iota + 1
	CmdAtomicInc
)

// Routing selects which chips along the path receive the packet.
type Routing uint8

const (
	// Unicast delivers only on the chip exactly Hops away.
	Unicast Routing = iota + 1
	// Multicast delivers on every chip from 1 to Hops away.
	Multicast
)

// Type is the wire discriminator reported for a header.
type Type uint8

const (
	TypeInvalid Type = iota
	TypeUnicastWrite
	TypeMulticastWrite
	TypeAtomicInc
)

func (t Type) String() string {
	switch t {
	case TypeUnicastWrite:
		return "unicast_write"
	case TypeMulticastWrite:
		return "multicast_write"
	case TypeAtomicInc:
		return "atomic_inc"
	default:
		return "invalid"
	}
}

// Header describes one packet. It is built once per destination pattern and
// reused across sends, only the NoC command part changing per batch.
type Header struct {
	Command      Command
	Routing      Routing
	ForwardHops  uint8
	BackwardHops uint8
	PayloadLen   uint32
	Dest         device.NocAddr
	IncValue     uint16
	SrcChip      uint16
}

// ToChipMulticast routes the packet to every chip within the given hop
// counts. Only the count of the direction the packet is sent on is used.
func (h *Header) ToChipMulticast(forward, backward uint8) *Header {
	h.Routing = Multicast
	h.ForwardHops, h.BackwardHops = forward, backward
	return h
}

// ToChipUnicast routes the packet to the single chip the given hops away.
func (h *Header) ToChipUnicast(forward, backward uint8) *Header {
	h.Routing = Unicast
	h.ForwardHops, h.BackwardHops = forward, backward
	return h
}

// ToNocUnicastWrite makes the packet write length payload bytes at dest.
func (h *Header) ToNocUnicastWrite(dest device.NocAddr, length uint32) *Header {
	h.Command = CmdWrite
	h.Dest = dest
	h.PayloadLen = length
	h.IncValue = 0
	return h
}

// ToNocAtomicInc makes the packet increment the semaphore at dest.
func (h *Header) ToNocAtomicInc(dest device.NocAddr, delta uint16) *Header {
	h.Command = CmdAtomicInc
	h.Dest = dest
	h.IncValue = delta
	h.PayloadLen = 0
	return h
}

// Type returns the wire discriminator.
func (h Header) Type() Type {
	switch {
	case h.Command == CmdAtomicInc:
		return TypeAtomicInc
	case h.Command == CmdWrite && h.Routing == Unicast:
		return TypeUnicastWrite
	case h.Command == CmdWrite && h.Routing == Multicast:
		return TypeMulticastWrite
	}
	return TypeInvalid
}

// Hops returns the hop count for packets sent in dir.
func (h Header) Hops(dir Direction) uint8 {
	if dir == Forward {
		return h.ForwardHops
	}
	return h.BackwardHops
}

// EncodeTo writes the header into dst, which must hold HeaderSize bytes.
//
//	[0] command  [1] routing  [2] fwd hops  [3] bwd hops
//	[4:8]   payload length
//	[8:10]  dest core x      [10:12] dest core y
//	[12]    dest is DRAM     [13] reserved
//	[14:16] increment value
//	[16:20] dest address
//	[20:22] source chip      [22:32] reserved, zero
func (h Header) EncodeTo(dst []byte) {
	_ = dst[HeaderSize-1]
	clear(dst[:HeaderSize])
	dst[0] = byte(h.Command)
	dst[1] = byte(h.Routing)
	dst[2] = h.ForwardHops
	dst[3] = h.BackwardHops
	binary.LittleEndian.PutUint32(dst[4:], h.PayloadLen)
	binary.LittleEndian.PutUint16(dst[8:], uint16(h.Dest.Core.X))
	binary.LittleEndian.PutUint16(dst[10:], uint16(h.Dest.Core.Y))
	if h.Dest.DRAM {
		dst[12] = 1
	}
	binary.LittleEndian.PutUint16(dst[14:], h.IncValue)
	binary.LittleEndian.PutUint32(dst[16:], h.Dest.Addr)
	binary.LittleEndian.PutUint16(dst[20:], h.SrcChip)
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (h Header) MarshalBinary() ([]byte, error) {
	if h.Type() == TypeInvalid {
		return nil, fmt.Errorf("fabric: cannot encode header with command %d routing %d", h.Command, h.Routing)
	}
	out := make([]byte, HeaderSize)
	h.EncodeTo(out)
	return out, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (h *Header) UnmarshalBinary(b []byte) error {
	d, err := DecodeHeader(b)
	if err != nil {
		return err
	}
	*h = d
	return nil
}

// DecodeHeader parses an encoded header.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("fabric: header needs %d bytes, got %d", HeaderSize, len(b))
	}
	h := Header{
		Command:      Command(b[0]),
		Routing:      Routing(b[1]),
		ForwardHops:  b[2],
		BackwardHops: b[3],
		PayloadLen:   binary.LittleEndian.Uint32(b[4:]),
		Dest: device.NocAddr{
			Core: device.CoreCoord{
				X: uint32(binary.LittleEndian.Uint16(b[8:])),
				Y: uint32(binary.LittleEndian.Uint16(b[10:])),
			},
			DRAM: b[12] == 1,
			Addr: binary.LittleEndian.Uint32(b[16:]),
		},
		IncValue: binary.LittleEndian.Uint16(b[14:]),
		SrcChip:  binary.LittleEndian.Uint16(b[20:]),
	}
	if h.Type() == TypeInvalid {
		return Header{}, fmt.Errorf("fabric: invalid header command %d routing %d", b[0], b[1])
	}
	if h.Command == CmdAtomicInc && h.PayloadLen != 0 {
		return Header{}, fmt.Errorf("fabric: atomic increment carrying %d payload bytes", h.PayloadLen)
	}
	return h, nil
}
