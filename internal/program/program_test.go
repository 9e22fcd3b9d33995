package program

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-mesh/internal/device"
	"github.com/23skdu/longbow-mesh/internal/ringbuf"
	"github.com/23skdu/longbow-mesh/internal/spin"
	"github.com/23skdu/longbow-mesh/internal/tensor"
)

type testAttrs struct {
	Dim       int    `cbor:"dim"`
	Mode      string `cbor:"mode"`
	Transient *int   `cbor:"-"`
}

func spec(w uint32) tensor.Spec {
	return tensor.Spec{
		Shape:  tensor.Shape{1, 1, 32, w},
		DType:  tensor.BFloat16,
		Layout: tensor.Tile,
		Memory: tensor.DRAMMemoryConfig,
	}
}

func TestSignature_EqualByValue(t *testing.T) {
	a, err := NewSignature("op", testAttrs{Dim: 3, Mode: "x"}, []tensor.Spec{spec(64)})
	require.NoError(t, err)
	b, err := NewSignature("op", testAttrs{Dim: 3, Mode: "x"}, []tensor.Spec{spec(64)})
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, a.Digest(), b.Digest())
	assert.False(t, a.IsZero())
	assert.True(t, Signature{}.IsZero())
}

func TestSignature_EveryFieldCounts(t *testing.T) {
	base, err := NewSignature("op", testAttrs{Dim: 3, Mode: "x"}, []tensor.Spec{spec(64)})
	require.NoError(t, err)

	other := spec(64)
	other.DType = tensor.Float32

	variants := map[string]func() (Signature, error){
		"kind":  func() (Signature, error) { return NewSignature("op2", testAttrs{Dim: 3, Mode: "x"}, []tensor.Spec{spec(64)}) },
		"attr":  func() (Signature, error) { return NewSignature("op", testAttrs{Dim: 2, Mode: "x"}, []tensor.Spec{spec(64)}) },
		"shape": func() (Signature, error) { return NewSignature("op", testAttrs{Dim: 3, Mode: "x"}, []tensor.Spec{spec(96)}) },
		"dtype": func() (Signature, error) { return NewSignature("op", testAttrs{Dim: 3, Mode: "x"}, []tensor.Spec{other}) },
		"arity": func() (Signature, error) { return NewSignature("op", testAttrs{Dim: 3, Mode: "x"}, nil) },
	}
	for name, mk := range variants {
		t.Run(name, func(t *testing.T) {
			s, err := mk()
			require.NoError(t, err)
			assert.False(t, base.Equal(s))
		})
	}
}

func TestSignature_IgnoresRuntimeFields(t *testing.T) {
	one, two := 1, 2
	a, err := NewSignature("op", testAttrs{Dim: 1, Transient: &one}, nil)
	require.NoError(t, err)
	b, err := NewSignature("op", testAttrs{Dim: 1, Transient: &two}, nil)
	require.NoError(t, err)
	assert.True(t, a.Equal(b))
}

func TestBuilder_Rejects(t *testing.T) {
	sig, _ := NewSignature("op", nil, nil)
	noop := func(*Env) {}

	_, err := NewBuilder("empty", sig).Expect(Expectations{NumChips: 1}).Build()
	assert.Error(t, err)

	_, err = NewBuilder("dup", sig).
		CircularBuffer(ringbuf.Config{ID: 0, Pages: 1, PageSize: 32}).
		CircularBuffer(ringbuf.Config{ID: 0, Pages: 1, PageSize: 32}).
		Kernel(Kernel{Name: "k", Run: noop}).
		Expect(Expectations{NumChips: 1}).
		Build()
	assert.Error(t, err)

	_, err = NewBuilder("nobody", sig).Kernel(Kernel{Name: "k"}).Expect(Expectations{NumChips: 1}).Build()
	assert.Error(t, err)

	_, err = NewBuilder("chip", sig).Kernel(Kernel{Name: "k", Chip: 2, Run: noop}).Expect(Expectations{NumChips: 2}).Build()
	assert.Error(t, err)
}

func TestProgram_CheckInputs(t *testing.T) {
	sig, _ := NewSignature("op", nil, nil)
	p, err := NewBuilder("check", sig).
		Kernel(Kernel{Name: "k", Run: func(*Env) {}}).
		Expect(Expectations{Inputs: []tensor.Spec{spec(64)}, NumChips: 2}).
		Build()
	require.NoError(t, err)

	assert.NoError(t, p.CheckInputs([]tensor.Spec{spec(64)}, 2))
	assert.Error(t, p.CheckInputs([]tensor.Spec{spec(64)}, 1))
	assert.Error(t, p.CheckInputs([]tensor.Spec{spec(96)}, 2))
	assert.Error(t, p.CheckInputs(nil, 2))
}

func newMesh(t *testing.T, chips int) *device.Mesh {
	t.Helper()
	cfg := device.DefaultConfig()
	cfg.NumChips = chips
	cfg.DRAMSize = 1 << 20
	m, err := device.NewMesh(cfg)
	require.NoError(t, err)
	return m
}

func TestRun_PipelineThroughCircularBuffer(t *testing.T) {
	mesh := newMesh(t, 2)
	out, err := mesh.AllocateBuffer(device.BufferConfig{Kind: device.DRAMInterleaved, PageSize: 4, NumPages: 16})
	require.NoError(t, err)

	sig, _ := NewSignature("copy", nil, nil)
	core := device.CoreCoord{X: 1, Y: 1}
	b := NewBuilder("copy", sig).CircularBuffer(ringbuf.Config{ID: 0, Pages: 2, PageSize: 4})
	for chip := 0; chip < 2; chip++ {
		b.Kernel(Kernel{Name: "producer", Chip: chip, Core: core, Run: func(env *Env) {
			cb := env.CB(0)
			for i := 0; i < 16; i++ {
				page := cb.Reserve(1)[0]
				page[0] = byte(i + env.ChipID*100)
				cb.Commit(1)
			}
		}})
		b.Kernel(Kernel{Name: "consumer", Chip: chip, Core: core, Run: func(env *Env) {
			cb := env.CB(0)
			for i := uint32(0); i < 16; i++ {
				env.Output(0).WritePage(env.ChipID, i, cb.Wait(1)[0])
				cb.Release(1)
			}
		}})
	}
	p, err := b.Expect(Expectations{NumChips: 2}).Build()
	require.NoError(t, err)

	rt := Runtime{Mesh: mesh, Watchdog: spin.PanicOnStall(5 * time.Second)}
	require.NoError(t, Run(context.Background(), rt, p, Bindings{Outputs: []*device.Buffer{out}}))

	for chip := 0; chip < 2; chip++ {
		for i := uint32(0); i < 16; i++ {
			assert.Equal(t, byte(int(i)+chip*100), out.ReadPage(chip, i)[0])
		}
	}
}

func TestRun_KernelPanicBecomesError(t *testing.T) {
	mesh := newMesh(t, 1)
	sig, _ := NewSignature("boom", nil, nil)
	var ran atomic.Int32
	p, err := NewBuilder("boom", sig).
		Kernel(Kernel{Name: "ok", Run: func(*Env) { ran.Add(1) }}).
		Kernel(Kernel{Name: "bad", Core: device.CoreCoord{X: 1}, Run: func(env *Env) { env.Semaphore() }}).
		Expect(Expectations{NumChips: 1}).
		Build()
	require.NoError(t, err)

	err = Run(context.Background(), Runtime{Mesh: mesh}, p, Bindings{})
	require.Error(t, err)
	var kerr *KernelError
	require.True(t, errors.As(err, &kerr))
	assert.Equal(t, "bad", kerr.Kernel)
	assert.NotEmpty(t, kerr.Stack)
	assert.Equal(t, int32(1), ran.Load())
}

func TestRun_WatchdogAbortsStalledKernel(t *testing.T) {
	mesh := newMesh(t, 1)
	sig, _ := NewSignature("stall", nil, nil)
	p, err := NewBuilder("stall", sig).
		CircularBuffer(ringbuf.Config{ID: 3, Pages: 1, PageSize: 32}).
		Kernel(Kernel{Name: "starved", Run: func(env *Env) { env.CB(3).Wait(1) }}).
		Expect(Expectations{NumChips: 1}).
		Build()
	require.NoError(t, err)

	rt := Runtime{Mesh: mesh, Watchdog: spin.PanicOnStall(20 * time.Millisecond)}
	err = Run(context.Background(), rt, p, Bindings{})
	var stall *spin.StallError
	require.True(t, errors.As(err, &stall))
}

func TestRun_RejectsMismatchedMesh(t *testing.T) {
	sig, _ := NewSignature("op", nil, nil)
	p, err := NewBuilder("op", sig).
		Kernel(Kernel{Name: "k", Run: func(*Env) {}}).
		Expect(Expectations{NumChips: 2}).
		Build()
	require.NoError(t, err)

	assert.Error(t, Run(context.Background(), Runtime{Mesh: newMesh(t, 1)}, p, Bindings{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Run(ctx, Runtime{Mesh: newMesh(t, 2)}, p, Bindings{}), context.Canceled)
}
