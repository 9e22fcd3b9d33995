package fabric

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-mesh/internal/device"
	"github.com/23skdu/longbow-mesh/internal/spin"
)

func newTestFabric(t *testing.T, chips int, opts Options) (*device.Mesh, *Fabric) {
	t.Helper()
	cfg := device.DefaultConfig()
	cfg.NumChips = chips
	cfg.DRAMSize = 1 << 20
	mesh, err := device.NewMesh(cfg)
	require.NoError(t, err)

	if opts.Watchdog == nil {
		opts.Watchdog = spin.PanicOnStall(5 * time.Second)
	}
	f, err := New(mesh, opts)
	require.NoError(t, err)
	t.Cleanup(f.Close)
	return mesh, f
}

func openManager(t *testing.T, f *Fabric, chip, link int) *Manager {
	t.Helper()
	m, err := f.BuildConnections(ConnectionArgs{Chip: chip, Link: link})
	require.NoError(t, err)
	m.OpenFinish()
	return m
}

func encode(h *Header) []byte {
	b := make([]byte, HeaderSize)
	h.EncodeTo(b)
	return b
}

func TestFabric_MulticastWriteReachesEveryChipInRange(t *testing.T) {
	mesh, f := newTestFabric(t, 4, DefaultOptions())
	dest := device.NocAddr{Core: device.CoreCoord{X: 1, Y: 0}, Addr: 256}
	payload := bytes.Repeat([]byte{0xab}, 64)

	m := openManager(t, f, 0, 0)
	require.True(t, m.HasForward())
	require.False(t, m.HasBackward())

	var h Header
	h.ToChipMulticast(3, 0).ToNocUnicastWrite(dest, uint32(len(payload)))
	m.Forward().SendPayloadBlocking(encode(&h), payload[:32], payload[32:])
	m.Barrier()
	m.Close()

	assert.Equal(t, make([]byte, 64), mesh.Chip(0).Read(dest, 64), "sender's own chip is not a destination")
	for chip := 1; chip < 4; chip++ {
		assert.Equal(t, payload, mesh.Chip(chip).Read(dest, 64), "chip %d", chip)
	}
}

func TestFabric_UnicastOnlyAtExactDistance(t *testing.T) {
	mesh, f := newTestFabric(t, 4, DefaultOptions())
	dest := device.NocAddr{DRAM: true, Addr: 1024}
	payload := []byte("unicast payload, thirty-two byte")

	m := openManager(t, f, 3, 1)
	require.False(t, m.HasForward())
	require.True(t, m.HasBackward())

	var h Header
	h.ToChipUnicast(0, 2).ToNocUnicastWrite(dest, uint32(len(payload)))
	m.Backward().SendPayloadBlocking(encode(&h), payload)
	m.Barrier()
	m.Close()

	assert.Equal(t, payload, mesh.Chip(1).Read(dest, 32))
	for _, chip := range []int{0, 2, 3} {
		assert.Equal(t, make([]byte, 32), mesh.Chip(chip).Read(dest, 32), "chip %d", chip)
	}
}

func TestFabric_AtomicIncMulticast(t *testing.T) {
	mesh, f := newTestFabric(t, 3, DefaultOptions())
	core := device.CoreCoord{X: 0, Y: 0}
	gs, err := mesh.CreateGlobalSemaphore([]device.CoreCoord{core}, 0)
	require.NoError(t, err)
	defer gs.Destroy()

	dest := device.NocAddr{Core: core, Addr: gs.Address()}
	for chip := 0; chip < 3; chip++ {
		m := openManager(t, f, chip, 0)
		for _, c := range []*Connection{m.Forward(), m.Backward()} {
			if c == nil {
				continue
			}
			hops := uint8(2 - chip)
			if c.Direction() == Backward {
				hops = uint8(chip)
			}
			var h Header
			h.ToChipMulticast(hops, hops).ToNocAtomicInc(dest, 1)
			c.SendPayloadBlocking(encode(&h))
		}
		m.Barrier()
		m.Close()
	}

	// Each chip hears from the two others.
	for chip := 0; chip < 3; chip++ {
		assert.Equal(t, uint32(2), gs.Counter(chip, core).Value(), "chip %d", chip)
	}
}

func TestFabric_PerConnectionOrder(t *testing.T) {
	var (
		mu  sync.Mutex
		got = map[int][]uint32{}
	)
	opts := DefaultOptions()
	opts.Slots = 2
	opts.Observer = func(d Delivery) {
		mu.Lock()
		got[d.Chip] = append(got[d.Chip], d.Header.Dest.Addr)
		mu.Unlock()
	}
	_, f := newTestFabric(t, 3, opts)

	m := openManager(t, f, 0, 0)
	c := m.Forward()
	hdrs := make([][]byte, 200)
	var want []uint32
	for i := range hdrs {
		var h Header
		addr := uint32(i) * 32
		h.ToChipMulticast(2, 0).ToNocUnicastWrite(device.NocAddr{DRAM: true, Addr: addr}, 32)
		hdrs[i] = encode(&h)
		want = append(want, addr)

		c.WaitForEmptyWriteSlot()
		c.SendPayloadNonBlocking(hdrs[i], make([]byte, 32))
	}
	m.Barrier()
	m.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got[1])
	assert.Equal(t, want, got[2])
	assert.Empty(t, got[0])
}

func TestConnection_BackPressure(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	opts := DefaultOptions()
	opts.Slots = 1
	opts.QueueDepth = 1
	opts.Observer = func(Delivery) {
		once.Do(func() { <-release })
	}
	_, f := newTestFabric(t, 2, opts)

	m := openManager(t, f, 0, 0)
	c := m.Forward()
	var h Header
	h.ToChipUnicast(1, 0).ToNocUnicastWrite(device.NocAddr{DRAM: true, Addr: 32}, 32)
	hdr := encode(&h)
	page := make([]byte, 32)

	// The first packet parks the receiving router in the observer, the
	// second waits in its queue, the third blocks the sending router and the
	// fourth holds the only slot.
	for i := 0; i < 4; i++ {
		c.WaitForEmptyWriteSlot()
		c.SendPayloadNonBlocking(hdr, page)
	}
	assert.Never(t, c.HasEmptyWriteSlot, 50*time.Millisecond, 5*time.Millisecond)
	assert.Panics(t, func() { c.SendPayloadNonBlocking(hdr, page) })

	close(release)
	c.WaitForEmptyWriteSlot()
	assert.True(t, c.HasEmptyWriteSlot())
	m.Barrier()
	m.Close()
}

func TestConnection_Lifecycle(t *testing.T) {
	_, f := newTestFabric(t, 2, DefaultOptions())

	m, err := f.BuildConnections(ConnectionArgs{Chip: 0, Link: 0})
	require.NoError(t, err)
	c := m.Forward()
	assert.Equal(t, StateConnecting, c.State())
	assert.Panics(t, func() { c.Flush() }, "not open yet")

	m.OpenFinish()
	assert.Equal(t, StateOpen, c.State())

	m.Close()
	assert.Equal(t, StateClosed, c.State())

	var h Header
	h.ToChipUnicast(1, 0).ToNocUnicastWrite(device.NocAddr{DRAM: true, Addr: 32}, 0)
	assert.Panics(t, func() { c.SendPayloadNonBlocking(encode(&h)) })
	assert.Panics(t, func() { c.Close() })
	assert.Panics(t, func() { c.BuildAndStart() })

	// The channel is free again for a new connection.
	m2 := openManager(t, f, 0, 0)
	m2.Close()
}

func TestConnection_SecondWorkerRejected(t *testing.T) {
	_, f := newTestFabric(t, 2, DefaultOptions())

	m1 := openManager(t, f, 1, 0)
	defer m1.Close()

	m2, err := f.BuildConnections(ConnectionArgs{Chip: 1, Link: 0})
	require.NoError(t, err)
	assert.Panics(t, m2.OpenFinish)
	assert.Equal(t, StateClosed, m2.Backward().State())
}

func TestConnection_RejectsBadPackets(t *testing.T) {
	_, f := newTestFabric(t, 3, DefaultOptions())
	m := openManager(t, f, 1, 0)
	defer m.Close()

	var h Header
	h.ToChipUnicast(2, 0).ToNocUnicastWrite(device.NocAddr{DRAM: true, Addr: 32}, 32)
	assert.Panics(t, func() { m.Forward().SendPayloadNonBlocking(encode(&h), make([]byte, 32)) }, "leaves the mesh")

	h.ToChipUnicast(1, 0)
	assert.Panics(t, func() { m.Forward().SendPayloadNonBlocking(encode(&h), make([]byte, 16)) }, "length mismatch")

	h.ToChipUnicast(0, 1)
	assert.Panics(t, func() { m.Forward().SendPayloadNonBlocking(encode(&h), make([]byte, 32)) }, "no forward hops")
}

func TestManager_Topology(t *testing.T) {
	_, f := newTestFabric(t, 3, DefaultOptions())

	tests := []struct {
		chip          int
		fwd, backward bool
	}{
		{0, true, false},
		{1, true, true},
		{2, false, true},
	}
	for _, tt := range tests {
		m := openManager(t, f, tt.chip, 1)
		assert.Equal(t, tt.fwd, m.HasForward(), "chip %d", tt.chip)
		assert.Equal(t, tt.backward, m.HasBackward(), "chip %d", tt.chip)
		m.Close()
	}

	_, err := f.BuildConnections(ConnectionArgs{Chip: 0, Link: 2})
	assert.Error(t, err)
	_, err = f.BuildConnections(ConnectionArgs{Chip: 3, Link: 0})
	assert.Error(t, err)
}

func TestManager_Persistent(t *testing.T) {
	_, f := newTestFabric(t, 2, DefaultOptions())

	m1, err := f.PersistentConnections(ConnectionArgs{Chip: 0, Link: 0})
	require.NoError(t, err)
	m1.Close()
	assert.Equal(t, StateOpen, m1.Forward().State())

	m2, err := f.PersistentConnections(ConnectionArgs{Chip: 0, Link: 0})
	require.NoError(t, err)
	assert.Same(t, m1, m2)
}

func TestManager_TransientReplacesPersistent(t *testing.T) {
	_, f := newTestFabric(t, 2, DefaultOptions())
	args := ConnectionArgs{Chip: 1, Link: 0}

	p, err := f.PersistentConnections(args)
	require.NoError(t, err)
	p.Close()

	m := openManager(t, f, 1, 0)
	assert.Equal(t, StateClosed, p.Backward().State())
	assert.Equal(t, StateOpen, m.Backward().State())
	m.Close()

	// A later persistent request builds fresh connections.
	p2, err := f.PersistentConnections(args)
	require.NoError(t, err)
	assert.NotSame(t, p, p2)
	assert.Equal(t, StateOpen, p2.Backward().State())
}
