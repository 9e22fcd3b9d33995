package ops

import (
	"fmt"

	"github.com/23skdu/longbow-mesh/internal/ccl"
	"github.com/23skdu/longbow-mesh/internal/device"
	"github.com/23skdu/longbow-mesh/internal/program"
	"github.com/23skdu/longbow-mesh/internal/tensor"
)

// Topology is the shape of the fabric a collective runs over.
type Topology uint8

const (
	Linear Topology = iota
	Ring
)

func (t Topology) String() string {
	switch t {
	case Linear:
		return "linear"
	case Ring:
		return "ring"
	default:
		return fmt.Sprintf("Topology(%d)", uint8(t))
	}
}

// AllGatherAttrs configure an asynchronous all-gather. Every chip holds one
// piece of the tensor; afterwards every chip holds all pieces concatenated
// along Dim in chip order.
//
// Completion is signalled on Semaphore, which must live on the sender core of
// link 0 (the first core of the grid). With WaitForSemaphore that core blocks
// until all chips*links contributions have landed. ResetSemaphore zeroes the
// counter after that wait; it is only safe when no chip starts the next
// gather before every chip has finished this one.
type AllGatherAttrs struct {
	Dim                   int                 `cbor:"dim"`
	NumLinks              int                 `cbor:"num_links"`
	Topology              Topology            `cbor:"topology"`
	OutputMemory          tensor.MemoryConfig `cbor:"output_memory"`
	PacketSizePages       uint32              `cbor:"packet_size_pages"`
	WaitForSemaphore      bool                `cbor:"wait_for_semaphore"`
	ResetSemaphore        bool                `cbor:"reset_semaphore"`
	PersistentConnections bool                `cbor:"persistent_connections"`

	Semaphore *device.GlobalSemaphore `cbor:"-"`
}

func (AllGatherAttrs) Kind() Kind { return KindAllGatherAsync }

func (a AllGatherAttrs) links() int {
	if a.NumLinks <= 0 {
		return 1
	}
	return a.NumLinks
}

func (a AllGatherAttrs) packet() uint32 {
	if a.PacketSizePages == 0 {
		return 1
	}
	return a.PacketSizePages
}

type allGatherOp struct{}

func (allGatherOp) numInputs() int { return 1 }

func (allGatherOp) validateOnMiss(d *Dispatcher, attrs Attributes, args TensorArgs) error {
	a, err := as[AllGatherAttrs](attrs)
	if err != nil {
		return err
	}
	if a.Topology != Linear {
		return validationf("all-gather over a %s topology is not supported", a.Topology)
	}
	if d.mesh.NumChips() < 2 {
		return validationf("all-gather needs at least two chips, mesh has %d", d.mesh.NumChips())
	}
	in := args.Inputs[0].Spec()
	if _, err := checkDim(a.Dim, in.Shape.Rank()); err != nil {
		return err
	}
	if err := a.OutputMemory.Validate(); err != nil {
		return validationf("output memory: %v", err)
	}
	return allGatherOp{}.validateOnHit(d, attrs, args)
}

// validateOnHit checks the runtime resources, which are not part of the
// signature.
func (allGatherOp) validateOnHit(d *Dispatcher, attrs Attributes, _ TensorArgs) error {
	a, err := as[AllGatherAttrs](attrs)
	if err != nil {
		return err
	}
	if d.fab == nil {
		return validationf("all-gather needs a fabric")
	}
	if a.links() > d.fab.Links() {
		return validationf("all-gather over %d links, fabric has %d", a.links(), d.fab.Links())
	}
	if a.Semaphore == nil {
		return validationf("all-gather needs a global semaphore")
	}
	if a.Semaphore.Mesh() != d.mesh {
		return validationf("global semaphore belongs to a different mesh")
	}
	if owner := d.mesh.Cores(1)[0]; !a.Semaphore.Has(owner) {
		return validationf("global semaphore does not cover sender core %s", owner)
	}
	return nil
}

func (allGatherOp) outputSpec(d *Dispatcher, attrs Attributes, inputs []tensor.Spec) (tensor.Spec, error) {
	a := mustAs[AllGatherAttrs](attrs)
	in := inputs[0]
	dim, err := checkDim(a.Dim, in.Shape.Rank())
	if err != nil {
		return tensor.Spec{}, err
	}
	out := in
	out.Shape = in.Shape.Clone()
	out.Shape[dim] *= uint32(d.mesh.NumChips())
	out.Memory = a.OutputMemory
	return out, nil
}

func (allGatherOp) selectFactory(Attributes, []tensor.Spec) factory {
	return factory{name: "AllGatherAsyncLinear", build: buildAllGather}
}

func buildAllGather(r *buildRequest) (*program.Program, error) {
	a := mustAs[AllGatherAttrs](r.attrs)
	in := r.inputs[0]
	dim, err := checkDim(a.Dim, in.Shape.Rank())
	if err != nil {
		return nil, err
	}
	chips := r.d.mesh.NumChips()
	g, err := ccl.NewGather(in, r.output.BufferConfig().Layout(), dim, chips)
	if err != nil {
		return nil, err
	}
	cfg := ccl.Config{
		Gather:           g,
		PageSize:         in.PageSize(),
		SenderCores:      r.d.mesh.Cores(a.links()),
		PacketSizePages:  a.packet(),
		WaitForSemaphore: a.WaitForSemaphore,
		ResetSemaphore:   a.ResetSemaphore,
		Persistent:       a.PersistentConnections,
	}
	if err := cfg.Validate(r.d.fab.Links()); err != nil {
		return nil, err
	}
	b := r.builder("AllGatherAsyncLinear")
	for _, cb := range cfg.CircularBuffers() {
		b.CircularBuffer(cb)
	}
	for _, k := range cfg.Kernels() {
		b.Kernel(k)
	}
	return b.Build()
}
