package tensor

import (
	"github.com/pkg/errors"

	"github.com/23skdu/longbow-mesh/internal/device"
)

// Tensor is a device tensor replicated in shape across every chip of a mesh.
// Each chip holds its own data in a mesh-wide buffer.
type Tensor struct {
	spec   Spec
	buffer *device.Buffer
}

// Allocate materializes an uninitialized tensor for spec on mesh.
func Allocate(mesh *device.Mesh, spec Spec) (*Tensor, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	buf, err := mesh.AllocateBuffer(spec.BufferConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "allocate %s", spec)
	}
	return &Tensor{spec: spec.clone(), buffer: buf}, nil
}

func (s Spec) clone() Spec {
	c := s
	c.Shape = s.Shape.Clone()
	if s.Memory.Shard != nil {
		c.Memory.Shard = &ShardSpec{Cores: append(s.Memory.Shard.Cores[:0:0], s.Memory.Shard.Cores...)}
	}
	return c
}

// FromHost allocates a tensor and writes the same data to every chip.
func FromHost(mesh *device.Mesh, spec Spec, data []float32) (*Tensor, error) {
	perChip := make([][]float32, mesh.NumChips())
	for i := range perChip {
		perChip[i] = data
	}
	return FromHostPerChip(mesh, spec, perChip)
}

// FromHostPerChip allocates a tensor and writes data[i] to chip i.
func FromHostPerChip(mesh *device.Mesh, spec Spec, data [][]float32) (*Tensor, error) {
	if len(data) != mesh.NumChips() {
		return nil, errors.Errorf("%d host shards for a mesh of %d chips", len(data), mesh.NumChips())
	}
	for i, d := range data {
		if uint64(len(d)) != spec.Shape.Volume() {
			return nil, errors.Errorf("chip %d: %d values for shape %s", i, len(d), spec.Shape)
		}
	}
	t, err := Allocate(mesh, spec)
	if err != nil {
		return nil, err
	}
	for i, d := range data {
		t.buffer.Write(i, Encode(t.spec, d))
	}
	return t, nil
}

// ShardFromHost splits full along dim into one piece per chip. spec supplies
// everything but the shape, which becomes the per-chip piece shape.
func ShardFromHost(mesh *device.Mesh, spec Spec, full Shape, data []float32, dim int) (*Tensor, error) {
	piece, parts, err := Chunk(full, data, dim, mesh.NumChips())
	if err != nil {
		return nil, err
	}
	spec.Shape = piece
	return FromHostPerChip(mesh, spec, parts)
}

// Spec returns the tensor description.
func (t *Tensor) Spec() Spec {
	return t.spec
}

// Buffer returns the backing mesh buffer.
func (t *Tensor) Buffer() *device.Buffer {
	return t.buffer
}

// Mesh returns the mesh holding the tensor.
func (t *Tensor) Mesh() *device.Mesh {
	return t.buffer.Mesh()
}

// IsAllocated reports whether the tensor still owns device memory.
func (t *Tensor) IsAllocated() bool {
	return t != nil && t.buffer != nil && t.buffer.Allocated()
}

// ToHost reads chip's copy back in logical row-major order.
func (t *Tensor) ToHost(chip int) []float32 {
	return Decode(t.spec, t.buffer.Read(chip))
}

// Deallocate releases device memory.
func (t *Tensor) Deallocate() {
	t.buffer.Deallocate()
}

// CheckReusable verifies that t can stand in for a freshly allocated tensor
// of spec on mesh.
func (t *Tensor) CheckReusable(mesh *device.Mesh, spec Spec) error {
	if !t.IsAllocated() {
		return errors.New("preallocated output is not allocated on device")
	}
	if t.Mesh() != mesh {
		return errors.New("preallocated output lives on a different mesh")
	}
	if !t.spec.Shape.Equal(spec.Shape) {
		return errors.Errorf("preallocated output has shape %s, want %s", t.spec.Shape, spec.Shape)
	}
	if !t.spec.Equal(spec) {
		return errors.Errorf("preallocated output is %s, want %s", t.spec, spec)
	}
	return nil
}
