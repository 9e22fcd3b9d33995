// Package program holds compiled device programs and runs them.
//
// A Program is built once per signature and never changes afterwards. Buffer
// addresses and semaphores are not part of it: they are supplied as Bindings
// on every run, so a cached program can serve any tensors that match its
// expectations.
package program

import (
	"fmt"

	"github.com/23skdu/longbow-mesh/internal/device"
	"github.com/23skdu/longbow-mesh/internal/fabric"
	"github.com/23skdu/longbow-mesh/internal/ringbuf"
	"github.com/23skdu/longbow-mesh/internal/spin"
	"github.com/23skdu/longbow-mesh/internal/tensor"
)

// KernelFunc is the instruction stream of one core. It runs to completion;
// contract violations panic.
type KernelFunc func(env *Env)

// Kernel places a KernelFunc on a core of a chip.
type Kernel struct {
	Name string
	Chip int
	Core device.CoreCoord
	Run  KernelFunc
}

// Expectations are the properties of the call a program was compiled for.
// They are re-checked whenever a cached program is reused.
type Expectations struct {
	Inputs   []tensor.Spec
	Outputs  []tensor.Spec
	NumChips int
}

// Program is an immutable compiled artifact.
type Program struct {
	name    string
	sig     Signature
	cbs     []ringbuf.Config
	kernels []Kernel
	expect  Expectations
}

// Name is the factory that built the program.
func (p *Program) Name() string { return p.name }

// Signature is the key the program was built for.
func (p *Program) Signature() Signature { return p.sig }

// Kernels returns a copy of the kernel list.
func (p *Program) Kernels() []Kernel { return append([]Kernel(nil), p.kernels...) }

// CircularBuffers returns the buffer configs instantiated on every core
// that runs a kernel.
func (p *Program) CircularBuffers() []ringbuf.Config { return append([]ringbuf.Config(nil), p.cbs...) }

// Expectations returns what the program was compiled for.
func (p *Program) Expectations() Expectations { return p.expect }

// CheckInputs compares the specs of a call against the compiled ones.
func (p *Program) CheckInputs(inputs []tensor.Spec, numChips int) error {
	if numChips != p.expect.NumChips {
		return fmt.Errorf("program %s compiled for %d chips, mesh has %d", p.name, p.expect.NumChips, numChips)
	}
	if len(inputs) != len(p.expect.Inputs) {
		return fmt.Errorf("program %s takes %d inputs, got %d", p.name, len(p.expect.Inputs), len(inputs))
	}
	for i, s := range inputs {
		if !s.Equal(p.expect.Inputs[i]) {
			return fmt.Errorf("program %s input %d: compiled for %s, got %s", p.name, i, p.expect.Inputs[i], s)
		}
	}
	return nil
}

// Builder assembles a Program.
type Builder struct {
	p   Program
	err error
}

// NewBuilder starts a program for sig built by the named factory.
func NewBuilder(name string, sig Signature) *Builder {
	return &Builder{p: Program{name: name, sig: sig}}
}

// CircularBuffer adds a circular buffer to every core of the program.
func (b *Builder) CircularBuffer(cfg ringbuf.Config) *Builder {
	for _, c := range b.p.cbs {
		if c.ID == cfg.ID && b.err == nil {
			b.err = fmt.Errorf("program %s: circular buffer %d declared twice", b.p.name, cfg.ID)
		}
	}
	if (cfg.Pages == 0 || cfg.PageSize == 0) && b.err == nil {
		b.err = fmt.Errorf("program %s: circular buffer %d is empty", b.p.name, cfg.ID)
	}
	b.p.cbs = append(b.p.cbs, cfg)
	return b
}

// Kernel adds a kernel.
func (b *Builder) Kernel(k Kernel) *Builder {
	if k.Run == nil && b.err == nil {
		b.err = fmt.Errorf("program %s: kernel %s has no body", b.p.name, k.Name)
	}
	b.p.kernels = append(b.p.kernels, k)
	return b
}

// Expect records the call the program is compiled for.
func (b *Builder) Expect(e Expectations) *Builder {
	b.p.expect = e
	return b
}

// Build returns the finished program.
func (b *Builder) Build() (*Program, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.p.kernels) == 0 {
		return nil, fmt.Errorf("program %s has no kernels", b.p.name)
	}
	for _, k := range b.p.kernels {
		if k.Chip < 0 || k.Chip >= b.p.expect.NumChips {
			return nil, fmt.Errorf("program %s: kernel %s on chip %d of %d", b.p.name, k.Name, k.Chip, b.p.expect.NumChips)
		}
	}
	p := b.p
	return &p, nil
}

// Bindings are the runtime resources a program runs against.
type Bindings struct {
	Inputs    []*device.Buffer
	Outputs   []*device.Buffer
	Semaphore *device.GlobalSemaphore
}

// Runtime is the hardware a program runs on.
type Runtime struct {
	Mesh     *device.Mesh
	Fabric   *fabric.Fabric
	Watchdog *spin.Watchdog
}

// Env is what a kernel sees while it runs.
type Env struct {
	Kernel   string
	ChipID   int
	Core     device.CoreCoord
	Mesh     *device.Mesh
	Fabric   *fabric.Fabric
	Watchdog *spin.Watchdog

	bind Bindings
	cbs  map[int]*ringbuf.Buffer
}

// Chip returns the chip the kernel runs on.
func (e *Env) Chip() *device.Chip {
	return e.Mesh.Chip(e.ChipID)
}

// Input returns bound input buffer i.
func (e *Env) Input(i int) *device.Buffer {
	if i >= len(e.bind.Inputs) {
		panic(fmt.Sprintf("program: kernel %s reads input %d of %d", e.Kernel, i, len(e.bind.Inputs)))
	}
	return e.bind.Inputs[i]
}

// Output returns bound output buffer i.
func (e *Env) Output(i int) *device.Buffer {
	if i >= len(e.bind.Outputs) {
		panic(fmt.Sprintf("program: kernel %s writes output %d of %d", e.Kernel, i, len(e.bind.Outputs)))
	}
	return e.bind.Outputs[i]
}

// Semaphore returns the bound global semaphore.
func (e *Env) Semaphore() *device.GlobalSemaphore {
	if e.bind.Semaphore == nil {
		panic(fmt.Sprintf("program: kernel %s needs a global semaphore", e.Kernel))
	}
	return e.bind.Semaphore
}

// CB returns the core's circular buffer id.
func (e *Env) CB(id int) *ringbuf.Buffer {
	cb, ok := e.cbs[id]
	if !ok {
		panic(fmt.Sprintf("program: kernel %s uses undeclared circular buffer %d", e.Kernel, id))
	}
	return cb
}
