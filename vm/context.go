package vm

import "sync/atomic"

// ---------------------------------------------------------------------------
// Context: one logical thread of PostScript execution
// ---------------------------------------------------------------------------

// Context is the bundle a running program owns: its three stacks, the
// allocation space it selected, and its tick counter. Contexts share the
// VM's memory; switching contexts swaps this bundle in and out.
type Context struct {
	vm  *VM
	mem *Memory
	id  int

	o *RefStack // operand stack
	e *RefStack // exec stack
	d *RefStack // dictionary stack

	space SpaceID
	ticks int

	// base is the exec stack depth below the frames of the current
	// Execute; floor is the depth of the frames themselves.
	base, floor int
	running     bool

	dtop dictCache

	// pageWait is set while an EndPage procedure runs for the showpage or
	// copypage that will be retried at exec depth pageDepth.
	pageWait  bool
	pageDepth int

	interrupt atomic.Bool
}

// markKind identifies the construct an exec stack mark belongs to.
type markKind uint16

const (
	// markOther delimits a frame that only needs cleanup on unwinding.
	markOther markKind = iota
	// markLoop is the target of exit.
	markLoop
	// markStopped is the target of stop.
	markStopped
)

func stoppedMark() Ref { return makeEstackMark(markStopped, 0) }

func (r Ref) markKind() markKind { return markKind(r.size) }

func (r Ref) markCleanup() int { return int(r.val) }

// NewContext creates a context whose dictionary stack holds the permanent
// dictionaries.
func (v *VM) NewContext() *Context {
	o := v.opts
	c := &Context{
		vm:    v,
		mem:   v.mem,
		id:    v.nextContext,
		o:     newRefStack(o.StackBlock, o.MaxOStack, ErrStackOverflow, ErrStackUnderflow),
		e:     newRefStack(o.StackBlock, o.MaxEStack, ErrExecStackOverflow, ErrExecStackUnderflow),
		d:     newRefStack(o.MaxDStack, o.MaxDStack, ErrDictStackOverflow, ErrDictStackUnderflow),
		space: SpaceLocal,
		ticks: o.TimeSliceTicks,
	}
	v.nextContext++
	for _, d := range v.permanentDicts() {
		c.d.Push(d)
	}
	v.mem.AddRootProvider(c)
	v.contexts[c.id] = c
	if v.cur == nil {
		v.cur = c
	}
	return c
}

// ID returns the context identifier.
func (c *Context) ID() int { return c.id }

// VM returns the owning VM.
func (c *Context) VM() *VM { return c.vm }

// Close detaches the context from the VM. Its stacks stop being roots.
func (c *Context) Close() {
	c.vm.mem.RemoveRootProvider(c)
	delete(c.vm.contexts, c.id)
	if c.vm.cur == c {
		c.vm.cur = nil
	}
}

// EnumRoots visits the three stacks.
func (c *Context) EnumRoots(fn func(p *Ref)) {
	c.o.EnumRoots(fn)
	c.e.EnumRoots(fn)
	c.d.EnumRoots(fn)
}

// Operands returns a copy of the operand stack, bottom first.
func (c *Context) Operands() []Ref { return c.o.Slice() }

// Push places r on the operand stack.
func (c *Context) Push(r Ref) error {
	if err := c.o.Push(r); err != nil {
		if !c.o.Extend(1) {
			return err
		}
		return c.o.Push(r)
	}
	return nil
}

// Pop removes and returns the top operand.
func (c *Context) Pop() (Ref, error) {
	if c.o.Avail() == 0 && !c.o.PopBlock() {
		return Ref{}, ErrStackUnderflow
	}
	r := *c.o.Top()
	c.o.Pop(1)
	return r, nil
}

// ClearOperands empties the operand stack.
func (c *Context) ClearOperands() { c.o.Clear() }

// Depths reports the operand, exec and dictionary stack depths.
func (c *Context) Depths() (o, e, d int) { return c.o.Count(), c.e.Count(), c.d.Count() }

// switchTo makes c the running context, saving the allocation mode of the
// one it replaces.
func (v *VM) switchTo(c *Context) {
	if v.cur == c {
		return
	}
	if v.cur != nil {
		v.cur.space = v.mem.current
	}
	v.cur = c
	v.mem.current = c.space
}

// ---------------------------------------------------------------------------
// Running
// ---------------------------------------------------------------------------

// Execute runs obj to completion inside a top-level stopped frame. A
// PostScript error nobody caught comes back as a *RunError. ErrNeedInput
// means an executable stream ran dry; feed it and call Resume.
func (c *Context) Execute(obj Ref) error {
	if c.vm.fatal != nil {
		return c.vm.fatal
	}
	if c.running {
		return ErrInvalidContext
	}
	c.vm.switchTo(c)
	c.base = c.e.Count()
	need := 5
	if err := c.e.Need(need); err != nil && !c.e.Extend(need) {
		return err
	}
	c.e.Push(c.vm.opRef("%interpexit"))
	c.e.Push(c.vm.opRef("%runresult"))
	c.e.Push(stoppedMark())
	c.e.Push(c.vm.opRef("%stoppedpush"))
	c.floor = c.e.Count()
	c.e.Push(obj)
	c.running = true
	return c.finish(c.run())
}

// Resume continues an Execute that returned ErrNeedInput.
func (c *Context) Resume() error {
	if c.vm.fatal != nil {
		return c.vm.fatal
	}
	if !c.running {
		return ErrInvalidContext
	}
	c.vm.switchTo(c)
	return c.finish(c.run())
}

// Interrupt asks the context to raise an interrupt error at the end of
// its current time slice. It may be called from any goroutine.
func (c *Context) Interrupt() { c.interrupt.Store(true) }

// Running reports whether an Execute is suspended waiting for input.
func (c *Context) Running() bool { return c.running }

func (c *Context) finish(err error) error {
	if err == ErrNeedInput {
		return err
	}
	c.running = false
	if c.e.Count() > c.base {
		c.e.PopTo(c.base)
	}
	if err == ErrInterpreterExit {
		return nil
	}
	return err
}

// ExecuteString scans and runs source.
func (c *Context) ExecuteString(source string) error {
	s, err := c.mem.NewString(source)
	if err != nil {
		return err
	}
	return c.Execute(s.Cvx())
}

// ExecuteStream runs every token of s. With an input stream the run
// suspends with ErrNeedInput whenever the buffered input is used up.
func (c *Context) ExecuteStream(s *Stream) error {
	f, err := c.vm.newFile(s, false)
	if err != nil {
		return err
	}
	return c.Execute(f.Cvx())
}
