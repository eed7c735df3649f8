package vm

// ---------------------------------------------------------------------------
// Operator table
// ---------------------------------------------------------------------------

// OpFunc implements an operator. Operands are taken from and results left
// on c's stacks. A nil return continues with the next token; a Signal
// steers the loop; an ErrorCode raises that PostScript error with the
// operator as the offending command.
//
// An operator that fails must leave the stacks as it found them, so that
// the interpreter can retry it after making room.
type OpFunc func(c *Context) error

// OpDef is one operator table entry. The first byte of Name is the
// minimum number of operands, checked before Proc is called. Names
// starting with '%' are internal continuations and are not entered in
// systemdict.
type OpDef struct {
	Name string
	Proc OpFunc
}

type opEntry struct {
	name    string
	minArgs int
	proc    OpFunc
	ref     Ref
}

// specialOps are dispatched by the interpreter without a table call.
var specialOps = map[string]Type{
	"add":    txAdd,
	"def":    txDef,
	"dup":    txDup,
	"exch":   txExch,
	"if":     txIf,
	"ifelse": txIfElse,
	"index":  txIndex,
	"pop":    txPop,
	"roll":   txRoll,
	"sub":    txSub,
}

// RegisterOps adds operators to the table and, for public ones, to
// systemdict. Redefining a name replaces its procedure in place.
func (v *VM) RegisterOps(defs []OpDef) error {
	for _, d := range defs {
		if len(d.Name) < 2 || d.Name[0] < '0' || d.Name[0] > '9' {
			fatalf("malformed operator definition %q", d.Name)
		}
		name := d.Name[1:]
		min := int(d.Name[0] - '0')
		if i, ok := v.opNames[name]; ok {
			v.ops[i].proc, v.ops[i].minArgs = d.Proc, min
			continue
		}
		if len(v.ops) == 0 {
			v.ops = append(v.ops, nil)
		}
		i := len(v.ops)
		if i > packedMaxValue {
			return ErrLimitCheck
		}
		ref := MakeOperator(i)
		if t, ok := specialOps[name]; ok {
			ref = makeSpecialOperator(t, i)
		}
		v.ops = append(v.ops, &opEntry{name: name, minArgs: min, proc: d.Proc, ref: ref})
		v.opNames[name] = i
		if name[0] == '%' || !v.systemDict.IsValid() {
			continue
		}
		if err := v.defineSystem(name, ref); err != nil {
			return err
		}
	}
	return nil
}

// defineSystem binds name in systemdict, whatever its access.
func (v *VM) defineSystem(name string, val Ref) error {
	key, err := v.mem.names.Ref(name)
	if err != nil {
		return err
	}
	_, err = v.mem.DictPut(v.systemDict, key, val)
	return err
}

func (v *VM) op(i int) *opEntry {
	if i <= 0 || i >= len(v.ops) {
		return nil
	}
	return v.ops[i]
}

// opByIndex returns the table ref of operator i, which carries the
// special-operator type where there is one.
func (v *VM) opByIndex(i int) Ref {
	if op := v.op(i); op != nil {
		return op.ref
	}
	return MakeOperator(i)
}

// opRef returns the ref of a named operator.
func (v *VM) opRef(name string) Ref {
	i, ok := v.opNames[name]
	if !ok {
		fatalf("operator %s is not registered", name)
	}
	return v.ops[i].ref
}

// opIndex returns the table index of a named operator.
func (v *VM) opIndex(name string) int {
	i, ok := v.opNames[name]
	if !ok {
		fatalf("operator %s is not registered", name)
	}
	return i
}

// opTables lists the built-in operator groups in registration order.
func opTables() [][]OpDef {
	return [][]OpDef{
		stackOps,
		arithOps,
		relationalOps,
		typeOps,
		compositeOps,
		dictOps,
		controlOps,
		vmOps,
		fileOps,
		outputOps,
		miscOps,
		deviceOps,
	}
}

// ---------------------------------------------------------------------------
// Operand helpers
// ---------------------------------------------------------------------------

// arg returns the operand i below the top; the caller has checked the
// count (directly or through the table's minimum).
func (c *Context) arg(i int) Ref { return *c.o.At(i) }

// need fails with stackunderflow unless n operands are addressable.
func (c *Context) need(n int) error { return c.o.Check(n) }

// room fails with stackoverflow unless n pushes will succeed.
func (c *Context) room(n int) error { return c.o.Need(n) }

// pop discards n operands.
func (c *Context) pop(n int) { c.o.Pop(n) }

// push pushes r; callers that pop before pushing cannot fail here.
func (c *Context) push(r Ref) { c.o.Push(r) }

// replace overwrites the operand i below the top.
func (c *Context) replace(i int, r Ref) { *c.o.At(i) = r }

func (c *Context) intArg(i int) (int64, error) {
	r := c.arg(i)
	if r.Type() != TInteger {
		return 0, ErrTypeCheck
	}
	return r.Int(), nil
}

func (c *Context) boolArg(i int) (bool, error) {
	r := c.arg(i)
	if r.Type() != TBoolean {
		return false, ErrTypeCheck
	}
	return r.Bool(), nil
}

func (c *Context) numArg(i int) (float64, error) {
	f, ok := c.arg(i).Number()
	if !ok {
		return 0, ErrTypeCheck
	}
	return f, nil
}

func (c *Context) procArg(i int) (Ref, error) {
	r := c.arg(i)
	if !r.IsArray() {
		return Ref{}, ErrTypeCheck
	}
	if !r.HasAccess(AExecute) {
		return Ref{}, ErrInvalidAccess
	}
	return r, nil
}

func (c *Context) dictArg(i int) (Ref, error) {
	r := c.arg(i)
	if r.Type() != TDictionary {
		return Ref{}, ErrTypeCheck
	}
	return r, nil
}

// readable checks read access, which for dictionaries lives in the object.
func (c *Context) readable(r Ref) error {
	ok := r.HasAccess(ARead)
	if r.Type() == TDictionary {
		ok = c.vm.dictReadable(r)
	}
	if !ok {
		return ErrInvalidAccess
	}
	return nil
}

func (c *Context) writable(r Ref) error {
	ok := r.HasAccess(AWrite)
	if r.Type() == TDictionary {
		ok = c.vm.dictWritable(r)
	}
	if !ok {
		return ErrInvalidAccess
	}
	return nil
}

// execProc schedules p to run after the current operator returns.
func (c *Context) execProc(p Ref) error {
	if err := c.e.Need(1); err != nil {
		return err
	}
	c.e.Push(p)
	return PushOnExecStack
}

// pushFrame pushes a continuation frame, checking room first.
func (c *Context) pushFrame(refs ...Ref) error {
	if err := c.e.Need(len(refs)); err != nil {
		return err
	}
	for _, r := range refs {
		c.e.Push(r)
	}
	return nil
}
