package ops

import (
	"context"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-mesh/internal/cache"
	"github.com/23skdu/longbow-mesh/internal/device"
	"github.com/23skdu/longbow-mesh/internal/fabric"
	"github.com/23skdu/longbow-mesh/internal/kernels"
	"github.com/23skdu/longbow-mesh/internal/spin"
	"github.com/23skdu/longbow-mesh/internal/tensor"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	return 0
}

type harness struct {
	mesh *device.Mesh
	fab  *fabric.Fabric
	d    *Dispatcher
}

func newHarness(t *testing.T, chips int, tweak func(*fabric.Options)) *harness {
	t.Helper()
	cfg := device.DefaultConfig()
	cfg.NumChips = chips
	cfg.DRAMSize = 8 << 20
	mesh, err := device.NewMesh(cfg)
	require.NoError(t, err)

	wd := spin.PanicOnStall(10 * time.Second)
	opts := fabric.DefaultOptions()
	opts.Watchdog = wd
	if tweak != nil {
		tweak(&opts)
	}
	fab, err := fabric.New(mesh, opts)
	require.NoError(t, err)
	t.Cleanup(fab.Close)

	return &harness{
		mesh: mesh,
		fab:  fab,
		d:    NewDispatcher(mesh, fab, Options{Cache: cache.New(), Watchdog: wd}),
	}
}

func (h *harness) upload(t *testing.T, spec tensor.Spec, data []float32) *tensor.Tensor {
	t.Helper()
	in, err := tensor.FromHost(h.mesh, spec, data)
	require.NoError(t, err)
	return in
}

func (h *harness) dispatch(t *testing.T, attrs Attributes, inputs ...*tensor.Tensor) *tensor.Tensor {
	t.Helper()
	out, err := h.d.Dispatch(context.Background(), attrs, TensorArgs{Inputs: inputs})
	require.NoError(t, err)
	return out
}

// checkAllChips compares every chip's copy of out with want.
func (h *harness) checkAllChips(t *testing.T, want []float32, out *tensor.Tensor) {
	t.Helper()
	for chip := 0; chip < h.mesh.NumChips(); chip++ {
		assert.Equal(t, want, out.ToHost(chip), "chip %d", chip)
	}
}

func ramp(n uint64, mod int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i%mod) - float32(mod/2)
	}
	return out
}

func spec(dt tensor.DataType, layout tensor.Layout, dims ...uint32) tensor.Spec {
	return tensor.Spec{Shape: tensor.Shape(dims), DType: dt, Layout: layout, Memory: tensor.DRAMMemoryConfig}
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{
		"all_gather_async": KindAllGatherAsync,
		"All-Gather-Async": KindAllGatherAsync,
		" DOT ":            KindDot,
		"Repeat":           KindRepeat,
		"pad":              KindPad,
		"UNARY":            KindUnary,
	} {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseKind("conv2d")
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Len(t, Kinds(), len(registry))
}

func TestDecodeAttributes(t *testing.T) {
	raw, err := cbor.Marshal(RepeatAttrs{Dim: 2, Repeats: 3})
	require.NoError(t, err)
	a, err := DecodeAttributes(KindRepeat, raw)
	require.NoError(t, err)
	assert.Equal(t, RepeatAttrs{Dim: 2, Repeats: 3}, a)

	raw, err = cbor.Marshal(UnaryAttrs{Op: kernels.Gelu})
	require.NoError(t, err)
	a, err = DecodeAttributes(KindUnary, raw)
	require.NoError(t, err)
	assert.Equal(t, KindUnary, a.Kind())

	_, err = DecodeAttributes(KindDot, []byte{0xff})
	assert.True(t, errors.Is(err, ErrValidation))
	_, err = DecodeAttributes("conv2d", raw)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestFactoryName(t *testing.T) {
	rm := spec(tensor.Float32, tensor.RowMajor, 1, 1, 4, 8)
	tiled := spec(tensor.BFloat16, tensor.Tile, 1, 1, 64, 64)
	sharded := tiled
	sharded.Memory = tensor.ShardedL1(tensor.HeightSharded, []device.CoreCoord{{X: 0, Y: 0}, {X: 1, Y: 0}})
	dramOut := tensor.DRAMMemoryConfig
	l1Rows := tensor.ShardedL1(tensor.HeightSharded, []device.CoreCoord{{X: 0, Y: 0}})

	tests := []struct {
		name   string
		attrs  Attributes
		inputs []tensor.Spec
		want   string
	}{
		{"all gather", AllGatherAttrs{Dim: 3}, []tensor.Spec{tiled}, "AllGatherAsyncLinear"},
		{"dot", DotAttrs{}, []tensor.Spec{tiled, tiled}, "DotSingleCore"},
		{"repeat last", RepeatAttrs{Dim: 3, Repeats: 2}, []tensor.Spec{rm}, "RepeatLastDim"},
		{"repeat last negative", RepeatAttrs{Dim: -1, Repeats: 2}, []tensor.Spec{rm}, "RepeatLastDim"},
		{"repeat higher", RepeatAttrs{Dim: 1, Repeats: 2}, []tensor.Spec{rm}, "RepeatHigherDim"},
		{"pad tile", PadAttrs{OutputShape: tensor.Shape{1, 1, 64, 96}}, []tensor.Spec{tiled}, "PadTile"},
		{"pad row major", PadAttrs{OutputShape: tensor.Shape{1, 1, 8, 8}}, []tensor.Spec{rm}, "PadRowMajor"},
		{"pad sharded", PadAttrs{OutputShape: tensor.Shape{1, 1, 8, 8}, OutputMemory: &l1Rows}, []tensor.Spec{rm}, "PadRowMajorSharded"},
		{"unary interleaved", UnaryAttrs{Op: kernels.Exp}, []tensor.Spec{tiled}, "UnaryMultiCore"},
		{"unary sharded", UnaryAttrs{Op: kernels.Exp}, []tensor.Spec{sharded}, "UnarySharded"},
		{"unary unshard", UnaryAttrs{Op: kernels.Exp, OutputMemory: &dramOut}, []tensor.Spec{sharded}, "UnaryMultiCore"},
		{"pointer attrs", &RepeatAttrs{Dim: 0, Repeats: 2}, []tensor.Spec{rm}, "RepeatHigherDim"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FactoryName(tt.attrs, tt.inputs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			again, _ := FactoryName(tt.attrs, tt.inputs)
			assert.Equal(t, got, again)
		})
	}
}

func TestSplitWork(t *testing.T) {
	cores := []device.CoreCoord{{X: 0}, {X: 1}, {X: 2}}
	assert.Equal(t, []work{
		{core: cores[0], first: 0, count: 3},
		{core: cores[1], first: 3, count: 2},
		{core: cores[2], first: 5, count: 2},
	}, splitWork(7, cores))
	assert.Equal(t, []work{{core: cores[0], first: 0, count: 1}}, splitWork(1, cores))
}

func TestDispatch_RejectsBadCalls(t *testing.T) {
	h := newHarness(t, 2, nil)
	in := h.upload(t, spec(tensor.Float32, tensor.RowMajor, 2, 4), ramp(8, 8))

	other := newHarness(t, 2, nil)
	foreign := other.upload(t, spec(tensor.Float32, tensor.RowMajor, 2, 4), ramp(8, 8))

	freed := h.upload(t, spec(tensor.Float32, tensor.RowMajor, 2, 4), ramp(8, 8))
	freed.Deallocate()

	wrongOut, err := tensor.Allocate(h.mesh, spec(tensor.Float32, tensor.RowMajor, 2, 5))
	require.NoError(t, err)

	tests := []struct {
		name  string
		attrs Attributes
		args  TensorArgs
	}{
		{"nil attrs", nil, TensorArgs{Inputs: []*tensor.Tensor{in}}},
		{"missing input", UnaryAttrs{Op: kernels.Relu}, TensorArgs{}},
		{"extra input", UnaryAttrs{Op: kernels.Relu}, TensorArgs{Inputs: []*tensor.Tensor{in, in}}},
		{"foreign mesh", UnaryAttrs{Op: kernels.Relu}, TensorArgs{Inputs: []*tensor.Tensor{foreign}}},
		{"deallocated input", UnaryAttrs{Op: kernels.Relu}, TensorArgs{Inputs: []*tensor.Tensor{freed}}},
		{"unknown unary", UnaryAttrs{Op: 200}, TensorArgs{Inputs: []*tensor.Tensor{in}}},
		{"wrong output", UnaryAttrs{Op: kernels.Relu}, TensorArgs{Inputs: []*tensor.Tensor{in}, Output: wrongOut}},
		{"repeat zero", RepeatAttrs{Dim: 0, Repeats: 0}, TensorArgs{Inputs: []*tensor.Tensor{in}}},
		{"repeat dim", RepeatAttrs{Dim: 5, Repeats: 2}, TensorArgs{Inputs: []*tensor.Tensor{in}}},
		{"pad too small", PadAttrs{OutputShape: tensor.Shape{2, 3}}, TensorArgs{Inputs: []*tensor.Tensor{in}}},
		{"pad rank", PadAttrs{OutputShape: tensor.Shape{1, 2, 4}}, TensorArgs{Inputs: []*tensor.Tensor{in}}},
		{"bad output memory", UnaryAttrs{Op: kernels.Relu, OutputMemory: &tensor.MemoryConfig{Layout: tensor.Interleaved, Buffer: tensor.L1}}, TensorArgs{Inputs: []*tensor.Tensor{in}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l1, dram := h.mesh.MemoryUsage()
			out, err := h.d.Dispatch(context.Background(), tt.attrs, tt.args)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation), "%v", err)
			assert.Nil(t, out)
			l1After, dramAfter := h.mesh.MemoryUsage()
			assert.Equal(t, l1, l1After)
			assert.Equal(t, dram, dramAfter)
		})
	}
}

func TestDispatch_CacheHitAndMiss(t *testing.T) {
	h := newHarness(t, 2, nil)
	in := h.upload(t, spec(tensor.Float32, tensor.RowMajor, 2, 4), ramp(8, 8))
	attrs := UnaryAttrs{Op: kernels.Neg}

	startHits := getMetricValue(cache.HitCounter(string(KindUnary)))
	startMisses := getMetricValue(cache.MissCounter(string(KindUnary)))

	first := h.dispatch(t, attrs, in)
	second := h.dispatch(t, attrs, in)
	assert.NotSame(t, first, second)
	assert.True(t, first.Spec().Equal(second.Spec()))
	assert.Equal(t, first.ToHost(1), second.ToHost(1))
	assert.Equal(t, 1, h.d.Cache().Len())

	assert.Equal(t, 1.0, getMetricValue(cache.MissCounter(string(KindUnary)))-startMisses)
	assert.Equal(t, 1.0, getMetricValue(cache.HitCounter(string(KindUnary)))-startHits)

	// A different attribute is a different program.
	h.dispatch(t, UnaryAttrs{Op: kernels.Relu}, in)
	assert.Equal(t, 2, h.d.Cache().Len())
}

func TestDispatch_ReusesSuppliedOutput(t *testing.T) {
	h := newHarness(t, 2, nil)
	in := h.upload(t, spec(tensor.Float32, tensor.RowMajor, 2, 4), ramp(8, 8))
	pre, err := tensor.Allocate(h.mesh, in.Spec())
	require.NoError(t, err)

	l1, dram := h.mesh.MemoryUsage()
	out, err := h.d.Dispatch(context.Background(), UnaryAttrs{Op: kernels.Neg}, TensorArgs{Inputs: []*tensor.Tensor{in}, Output: pre})
	require.NoError(t, err)
	assert.Same(t, pre, out)

	l1After, dramAfter := h.mesh.MemoryUsage()
	assert.Equal(t, l1, l1After)
	assert.Equal(t, dram, dramAfter)
	assert.Equal(t, []float32{4, 3, 2, 1, 0, -1, -2, -3}, out.ToHost(0))
}

func TestDispatch_CancelledContext(t *testing.T) {
	h := newHarness(t, 2, nil)
	in := h.upload(t, spec(tensor.Float32, tensor.RowMajor, 2, 4), ramp(8, 8))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, dram := h.mesh.MemoryUsage()
	_, err := h.d.Dispatch(ctx, UnaryAttrs{Op: kernels.Neg}, TensorArgs{Inputs: []*tensor.Tensor{in}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	_, dramAfter := h.mesh.MemoryUsage()
	assert.Equal(t, dram, dramAfter)
}
