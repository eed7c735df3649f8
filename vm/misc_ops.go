package vm

// ---------------------------------------------------------------------------
// Miscellaneous operators
// ---------------------------------------------------------------------------

var miscOps = []OpDef{
	{"1bind", opBind},
	{"0.yield", opYield},
	{"2defineusername", opDefineUserName},
}

const maxBindDepth = 100

func opBind(c *Context) error {
	p, err := c.procArg(0)
	if err != nil {
		return err
	}
	c.bind(p, 0)
	return nil
}

// boundOperator returns the operator an executable name currently
// resolves to.
func (c *Context) boundOperator(r Ref) (Ref, bool) {
	if r.Type() != TName || !r.IsExec() {
		return Ref{}, false
	}
	v, ok := c.lookup(r.NameIndex())
	if !ok || v.BType() != TOperator {
		return Ref{}, false
	}
	return v, true
}

// bind replaces executable names that resolve to operators with the
// operators themselves, descending into nested procedures and making the
// writable ones read-only.
func (c *Context) bind(p Ref, depth int) {
	if depth > maxBindDepth || !p.HasAccess(ARead) {
		return
	}
	m := c.mem
	if p.Type() == TArray {
		writable := p.HasAccess(AWrite)
		base := int(p.handle().elem)
		for i, e := range m.ArrayElems(p) {
			if op, ok := c.boundOperator(e); ok {
				if writable {
					m.storeRef(p, base+i, op)
				}
				continue
			}
			if e.IsProc() {
				c.bind(e, depth+1)
				if writable && e.HasAccess(AWrite) {
					m.storeRef(p, base+i, e.WithAccess(ARead|AExecute))
				}
			}
		}
		return
	}
	// Packed procedures are bound in place, one word per operator.
	words, pos := m.wordsOf(p)
	for n := 0; n < p.Size(); n++ {
		pos = packedSkipPads(words, pos)
		e, next := packedElem(words, pos)
		if op, ok := c.boundOperator(e); ok && next == pos+1 {
			if w, ok := MakePacked(op); ok {
				m.storePacked(p, pos, w, true)
			}
		} else if e.IsProc() {
			c.bind(e, depth+1)
		}
		pos = next
	}
}

func opYield(c *Context) error { return Reschedule }

func opDefineUserName(c *Context) error {
	i, err := c.intArg(1)
	if err != nil {
		return err
	}
	name := c.arg(0)
	if name.Type() != TName {
		return ErrTypeCheck
	}
	if err := c.vm.defineUserName(int(i), name); err != nil {
		return err
	}
	c.pop(2)
	return nil
}
