package vm

import (
	"fmt"
	"sort"

	"github.com/tliron/commonlog"
)

var vmLog = commonlog.GetLogger("psvm.vm")

// ---------------------------------------------------------------------------
// VM: one PostScript virtual memory and its execution contexts
// ---------------------------------------------------------------------------

// VM owns the memory, the operator table, the permanent dictionaries and
// the execution contexts that share them. A VM is not safe for concurrent
// use; callers serialise access (see server.VMWorker).
type VM struct {
	opts Options
	mem  *Memory

	ops     []*opEntry
	opNames map[string]int

	contexts    map[int]*Context
	nextContext int
	cur         *Context

	systemDict Ref
	globalDict Ref
	userDict   Ref
	errorDict  Ref
	errorInfo  Ref // $error
	errorNames Ref

	userNames    []Ref
	packing      Ref
	objectFormat int

	stdin  *Stream
	stdout *Stream
	device Device
	devRef Ref

	// pageCount counts showpages since the last setpagedevice.
	pageCount int64

	timeSlice func(*Context)
	scheduler func(*Context) error
	fatal     *FatalError
}

// New creates a VM with its permanent dictionaries and operator set.
func New(opts Options) (*VM, error) {
	opts = opts.withDefaults()
	v := &VM{
		opts:         opts,
		mem:          NewMemory(opts),
		opNames:      make(map[string]int),
		contexts:     make(map[int]*Context),
		nextContext:  1,
		packing:      MakeBool(opts.Packing),
		objectFormat: 0,
		device:       NewNullDevice(),
	}
	v.stdout = NewWriterStream("%stdout", opts.Stdout)
	if opts.Stdin != nil {
		v.stdin = NewReaderStream("%stdin", opts.Stdin)
	} else {
		v.stdin = NewInputStream("%stdin")
	}
	v.mem.AddRootProvider(v)
	if err := v.bootstrap(); err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	vmLog.Debugf("vm ready: %d operators, %d names", len(v.ops)-1, v.mem.names.Len())
	return v, nil
}

// Memory returns the VM memory.
func (v *VM) Memory() *Memory { return v.mem }

// Options returns the options the VM was created with.
func (v *VM) Options() Options { return v.opts }

// EnumRoots exposes the refs the VM holds outside VM storage.
func (v *VM) EnumRoots(fn func(p *Ref)) {
	for _, p := range []*Ref{&v.systemDict, &v.globalDict, &v.userDict, &v.errorDict, &v.errorInfo, &v.errorNames, &v.devRef} {
		if p.IsValid() {
			fn(p)
		}
	}
	for i := range v.userNames {
		if v.userNames[i].IsValid() {
			fn(&v.userNames[i])
		}
	}
}

// permanentDicts returns the dictionaries at the bottom of every
// dictionary stack, bottom first.
func (v *VM) permanentDicts() []Ref {
	if v.opts.LanguageLevel < 2 {
		return []Ref{v.systemDict, v.userDict}
	}
	return []Ref{v.systemDict, v.globalDict, v.userDict}
}

func (v *VM) isPermanent(d Ref) bool {
	for _, p := range v.permanentDicts() {
		if p.val == d.val && p.Space() == d.Space() {
			return true
		}
	}
	return false
}

// SystemDict returns systemdict.
func (v *VM) SystemDict() Ref { return v.systemDict }

// UserDict returns userdict.
func (v *VM) UserDict() Ref { return v.userDict }

// ---------------------------------------------------------------------------
// Dictionary access
// ---------------------------------------------------------------------------

func (v *VM) dictReadable(d Ref) bool { return v.mem.DictAccess(d)&ARead != 0 }

func (v *VM) dictWritable(d Ref) bool { return v.mem.DictAccess(d)&AWrite != 0 }

// ---------------------------------------------------------------------------
// Contexts
// ---------------------------------------------------------------------------

// Current returns the running context, creating one if there is none.
func (v *VM) Current() *Context {
	if v.cur == nil {
		return v.NewContext()
	}
	return v.cur
}

// Context returns the context with the given id.
func (v *VM) Context(id int) (*Context, bool) {
	c, ok := v.contexts[id]
	return c, ok
}

// Contexts returns the live contexts in creation order.
func (v *VM) Contexts() []*Context {
	out := make([]*Context, 0, len(v.contexts))
	for _, c := range v.contexts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// SwitchContext makes c the running context.
func (v *VM) SwitchContext(c *Context) { v.switchTo(c) }

// SetScheduler installs the function .yield calls to let other contexts
// run. Without one, .yield is an invalidcontext error.
func (v *VM) SetScheduler(fn func(*Context) error) { v.scheduler = fn }

// SetTimeSliceHook installs a function called every time a context has
// used up its ticks.
func (v *VM) SetTimeSliceHook(fn func(*Context)) { v.timeSlice = fn }

// ---------------------------------------------------------------------------
// Streams and devices
// ---------------------------------------------------------------------------

// Stdin returns the stream behind %stdin.
func (v *VM) Stdin() *Stream { return v.stdin }

// SetDevice replaces the output device.
func (v *VM) SetDevice(d Device) {
	v.device = d
	if v.devRef.IsValid() {
		v.mem.structOf(v.devRef).(*deviceHolder).dev = d
	}
}

// Device returns the output device.
func (v *VM) Device() Device { return v.device }

// Packing reports the array packing mode used for scanned procedures.
func (v *VM) Packing() bool { return v.packing.Bool() }

// setPacking changes the packing mode; restore undoes it.
func (v *VM) setPacking(on bool) { v.mem.StoreStatic(&v.packing, MakeBool(on)) }

// ---------------------------------------------------------------------------
// Collection
// ---------------------------------------------------------------------------

// collect runs the collector between tokens. A full collection takes in
// global VM as well.
func (v *VM) collect(full bool) GCStats {
	spaces := []SpaceID{SpaceLocal}
	if full || v.mem.Stats(SpaceGlobal).Used > v.mem.spaces[SpaceGlobal].threshold {
		spaces = append(spaces, SpaceGlobal)
	}
	return v.mem.GC(spaces...)
}

// GC collects global and local VM. It must not be called while a context
// is running an operator.
func (v *VM) GC() GCStats { return v.collect(true) }

// Stats reports the statistics of every space.
func (v *VM) Stats() []Stats {
	return []Stats{v.mem.Stats(SpaceSystem), v.mem.Stats(SpaceGlobal), v.mem.Stats(SpaceLocal)}
}

// Fatal returns the corruption that stopped the VM, if any.
func (v *VM) Fatal() error {
	if v.fatal == nil {
		return nil
	}
	return v.fatal
}

// ---------------------------------------------------------------------------
// Descriptions
// ---------------------------------------------------------------------------

// describe renders a ref briefly for error reports and logs.
func (v *VM) describe(r Ref) string {
	switch r.BType() {
	case TName:
		return v.mem.names.String(r.NameIndex())
	case TOperator:
		if op := v.op(r.OpIndex()); op != nil {
			return op.name
		}
	}
	return v.cvs(r, false)
}
