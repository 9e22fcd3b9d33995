package client

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-mesh/internal/device"
	"github.com/23skdu/longbow-mesh/internal/tensor"
)

func rowMajor(dims ...uint32) tensor.Spec {
	return tensor.Spec{Shape: tensor.Shape(dims), DType: tensor.Float32, Layout: tensor.RowMajor, Memory: tensor.DRAMMemoryConfig}
}

func TestRecordBatch_RoundTrip(t *testing.T) {
	pool := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer pool.AssertSize(t, 0)
	builder := NewRecordBatchBuilder(pool)

	t.Run("Empty input", func(t *testing.T) {
		rb, err := builder.BuildRecordBatch(nil)
		assert.Error(t, err)
		assert.Nil(t, rb)
	})

	t.Run("Valid input", func(t *testing.T) {
		chips := [][]float32{
			{1.0, 2.0, 3.0},
			{4.0, 5.0, 6.0},
		}

		rb, err := builder.BuildRecordBatch(chips)
		require.NoError(t, err)
		defer rb.Release()

		assert.Equal(t, int64(2), rb.NumRows())
		assert.Equal(t, int64(2), rb.NumCols())
		assert.Equal(t, "chip", rb.ColumnName(0))
		assert.Equal(t, "values", rb.ColumnName(1))

		listArr := rb.Column(1).(*array.List)
		assert.Equal(t, []int32{0, 3, 6}, listArr.Offsets())

		back, err := ReadRecordBatch(rb)
		require.NoError(t, err)
		assert.Equal(t, chips, back)
	})
}

func TestReadRecordBatch_ChipOrder(t *testing.T) {
	pool := memory.NewGoAllocator()
	ids := array.NewUint32Builder(pool)
	defer ids.Release()
	lists := array.NewListBuilder(pool, arrow.PrimitiveTypes.Float32)
	defer lists.Release()
	vals := lists.ValueBuilder().(*array.Float32Builder)
	for _, chip := range []uint32{1, 0} {
		ids.Append(chip)
		lists.Append(true)
		vals.AppendValues([]float32{float32(chip), float32(chip)}, nil)
	}
	cols := []arrow.Array{ids.NewArray(), lists.NewArray()}
	defer cols[0].Release()
	defer cols[1].Release()
	rb := array.NewRecord(TensorSchema, cols, 2)
	defer rb.Release()

	got, err := ReadRecordBatch(rb)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 0}, {1, 1}}, got)
}

func TestReadRecordBatch_RejectsForeignSchema(t *testing.T) {
	pool := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{{Name: "f1", Type: arrow.PrimitiveTypes.Float32}}, nil)
	b := array.NewFloat32Builder(pool)
	defer b.Release()
	b.AppendValues([]float32{1.0, 2.0}, nil)
	a := b.NewArray()
	defer a.Release()
	rb := array.NewRecord(schema, []arrow.Array{a}, 2)
	defer rb.Release()

	_, err := ReadRecordBatch(rb)
	assert.Error(t, err)
}

func TestHostTensor_DeviceRoundTrip(t *testing.T) {
	cfg := device.DefaultConfig()
	cfg.DRAMSize = 1 << 20
	mesh, err := device.NewMesh(cfg)
	require.NoError(t, err)

	h := HostTensor{Spec: rowMajor(2, 3), Chips: [][]float32{{1, 2, 3, 4, 5, 6}, {6, 5, 4, 3, 2, 1}}}
	dev, err := h.ToDevice(mesh)
	require.NoError(t, err)
	assert.Equal(t, h, FromDevice(dev))

	replicated := HostTensor{Spec: rowMajor(3), Chips: [][]float32{{7, 8, 9}}}
	dev, err = replicated.ToDevice(mesh)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{7, 8, 9}, {7, 8, 9}}, FromDevice(dev).Chips)

	bad := HostTensor{Spec: rowMajor(2, 3), Chips: [][]float32{{1, 2}}}
	_, err = bad.ToDevice(mesh)
	assert.Error(t, err)
	assert.Error(t, HostTensor{Spec: rowMajor(2)}.Check())
}
