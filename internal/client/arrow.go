// Package client moves tensors between the host and a meshop server. Tensor
// data travels as Arrow record batches; everything else is CBOR.
package client

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/23skdu/longbow-mesh/internal/device"
	"github.com/23skdu/longbow-mesh/internal/tensor"
)

// TensorSchema has one row per chip: the chip id and its values in logical
// row-major order.
var TensorSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "chip", Type: arrow.PrimitiveTypes.Uint32},
		{Name: "values", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	},
	nil,
)

// HostTensor is a tensor held on the host, one value slice per chip.
type HostTensor struct {
	Spec  tensor.Spec `cbor:"spec"`
	Chips [][]float32 `cbor:"chips"`
}

// Check verifies every chip holds exactly the values Spec describes.
func (h HostTensor) Check() error {
	if err := h.Spec.Validate(); err != nil {
		return err
	}
	if len(h.Chips) == 0 {
		return errors.New("host tensor without chips")
	}
	for i, c := range h.Chips {
		if uint64(len(c)) != h.Spec.Shape.Volume() {
			return errors.Errorf("chip %d holds %d values for shape %s", i, len(c), h.Spec.Shape)
		}
	}
	return nil
}

// ToDevice uploads h to mesh. A single chip slice is replicated to every
// chip.
func (h HostTensor) ToDevice(mesh *device.Mesh) (*tensor.Tensor, error) {
	if err := h.Check(); err != nil {
		return nil, err
	}
	if len(h.Chips) == 1 {
		return tensor.FromHost(mesh, h.Spec, h.Chips[0])
	}
	return tensor.FromHostPerChip(mesh, h.Spec, h.Chips)
}

// FromDevice reads every chip's copy of t.
func FromDevice(t *tensor.Tensor) HostTensor {
	h := HostTensor{Spec: t.Spec(), Chips: make([][]float32, t.Mesh().NumChips())}
	for i := range h.Chips {
		h.Chips[i] = t.ToHost(i)
	}
	return h
}

// RecordBatchBuilder converts host tensor data to and from record batches.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildRecordBatch packs per-chip values into a TensorSchema record. The
// caller releases it.
func (b *RecordBatchBuilder) BuildRecordBatch(chips [][]float32) (arrow.Record, error) {
	if len(chips) == 0 {
		return nil, errors.New("no chip data to encode")
	}

	chipBuilder := array.NewUint32Builder(b.mem)
	defer chipBuilder.Release()
	listBuilder := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Float32)
	defer listBuilder.Release()
	valueBuilder := listBuilder.ValueBuilder().(*array.Float32Builder)

	for i, vals := range chips {
		chipBuilder.Append(uint32(i))
		listBuilder.Append(true)
		valueBuilder.AppendValues(vals, nil)
	}

	cols := []arrow.Array{chipBuilder.NewArray(), listBuilder.NewArray()}
	defer cols[0].Release()
	defer cols[1].Release()

	return array.NewRecord(TensorSchema, cols, int64(len(chips))), nil
}

// ReadRecordBatch is the inverse of BuildRecordBatch. Rows may arrive in any
// chip order.
func ReadRecordBatch(rec arrow.Record) ([][]float32, error) {
	if !rec.Schema().Equal(TensorSchema) {
		return nil, errors.Errorf("unexpected tensor schema %s", rec.Schema())
	}
	ids, ok := rec.Column(0).(*array.Uint32)
	if !ok {
		return nil, errors.New("chip column is not uint32")
	}
	lists, ok := rec.Column(1).(*array.List)
	if !ok {
		return nil, errors.New("values column is not a list")
	}
	values := lists.ListValues().(*array.Float32)
	offsets := lists.Offsets()

	out := make([][]float32, rec.NumRows())
	for row := 0; row < int(rec.NumRows()); row++ {
		chip := int(ids.Value(row))
		if chip >= len(out) || out[chip] != nil {
			return nil, errors.Errorf("row %d: chip %d duplicated or out of range", row, chip)
		}
		out[chip] = append([]float32(nil), values.Float32Values()[offsets[row]:offsets[row+1]]...)
	}
	return out, nil
}

// Command is the Flight descriptor of a remote dispatch. The input tensors
// follow as one record batch each, in order.
type Command struct {
	Kind   string          `cbor:"kind"`
	Attrs  cbor.RawMessage `cbor:"attrs"`
	Inputs []tensor.Spec   `cbor:"inputs"`
}

// DispatchRequest is the body of an HTTP dispatch.
type DispatchRequest struct {
	Kind   string          `cbor:"kind"`
	Attrs  cbor.RawMessage `cbor:"attrs"`
	Inputs []HostTensor    `cbor:"inputs"`
}

// DispatchResponse answers a DispatchRequest. Error is set instead of Output
// when the call failed.
type DispatchResponse struct {
	Output *HostTensor `cbor:"output,omitempty"`
	Error  string      `cbor:"error,omitempty"`
}
