package fabric

import "fmt"

// ConnectionArgs names the worker channels a kernel needs.
type ConnectionArgs struct {
	Chip int
	Link int
}

// Manager holds a kernel's forward and backward connections. Either may be
// absent on the ends of the chain.
type Manager struct {
	fwd, bwd   *Connection
	persistent bool
}

// BuildConnections creates the connections available to a worker on
// args.Chip and starts opening them. Call OpenFinish before sending.
// Persistent connections left on the same chip and link are torn down first;
// they must not be in use.
func (f *Fabric) BuildConnections(args ConnectionArgs) (*Manager, error) {
	if err := f.checkArgs(args); err != nil {
		return nil, err
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, fmt.Errorf("fabric: closed")
	}
	old, ok := f.persistent[args]
	delete(f.persistent, args)
	f.mu.Unlock()
	if ok {
		old.teardown()
	}
	return f.build(args), nil
}

func (f *Fabric) build(args ConnectionArgs) *Manager {
	m := &Manager{}
	if args.Chip+1 < f.mesh.NumChips() {
		m.fwd = newConnection(f.router(args.Chip, Forward, args.Link))
	}
	if args.Chip > 0 {
		m.bwd = newConnection(f.router(args.Chip, Backward, args.Link))
	}
	m.each((*Connection).BuildAndStart)
	return m
}

// PersistentConnections returns open connections for args that outlive a
// single kernel. They are closed by Fabric.Close; Manager.Close on them is a
// no-op. Only one kernel may use them at a time.
func (f *Fabric) PersistentConnections(args ConnectionArgs) (*Manager, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, fmt.Errorf("fabric: closed")
	}
	if m, ok := f.persistent[args]; ok {
		return m, nil
	}
	if err := f.checkArgs(args); err != nil {
		return nil, err
	}
	m := f.build(args)
	m.OpenFinish()
	m.persistent = true
	f.persistent[args] = m
	return m, nil
}

func (f *Fabric) checkArgs(args ConnectionArgs) error {
	if args.Chip < 0 || args.Chip >= f.mesh.NumChips() {
		return fmt.Errorf("fabric: chip %d not in mesh of %d", args.Chip, f.mesh.NumChips())
	}
	if args.Link < 0 || args.Link >= f.opts.Links {
		return fmt.Errorf("fabric: link %d out of range, fabric has %d", args.Link, f.opts.Links)
	}
	return nil
}

func (m *Manager) each(fn func(*Connection)) {
	if m.fwd != nil {
		fn(m.fwd)
	}
	if m.bwd != nil {
		fn(m.bwd)
	}
}

// HasForward reports whether a next chip exists.
func (m *Manager) HasForward() bool { return m.fwd != nil }

// HasBackward reports whether a previous chip exists.
func (m *Manager) HasBackward() bool { return m.bwd != nil }

// Forward returns the forward connection or nil.
func (m *Manager) Forward() *Connection { return m.fwd }

// Backward returns the backward connection or nil.
func (m *Manager) Backward() *Connection { return m.bwd }

// Persistent reports whether the connections outlive the kernel.
func (m *Manager) Persistent() bool { return m.persistent }

// OpenFinish waits for every started connection to open.
func (m *Manager) OpenFinish() {
	m.each(func(c *Connection) {
		if c.State() == StateConnecting {
			c.FinishOpen()
		}
	})
}

// Flush waits until no connection still reads worker memory.
func (m *Manager) Flush() {
	m.each((*Connection).Flush)
}

// Barrier waits until everything sent has been applied on its destinations.
func (m *Manager) Barrier() {
	m.each((*Connection).Barrier)
}

// Close tears the connections down unless they are persistent.
func (m *Manager) Close() {
	if m.persistent {
		m.Flush()
		return
	}
	m.teardown()
}

func (m *Manager) teardown() {
	m.each(func(c *Connection) {
		if c.State() == StateOpen {
			c.Close()
		}
	})
}
