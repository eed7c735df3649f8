package vm

// dictCache remembers the layout of the dictionary on top of the
// dictionary stack. It is valid while gen matches the memory's dictGen,
// which moves whenever key or value arrays are replaced or relocated.
type dictCache struct {
	d   Ref
	gen uint64
	p   dictParts
	ok  bool
}

func (c *Context) topParts(d Ref) *dictParts {
	dc := &c.dtop
	if !dc.ok || dc.gen != c.mem.dictGen || dc.d.val != d.val || dc.d.Space() != d.Space() {
		dc.d, dc.gen, dc.p, dc.ok = d, c.mem.dictGen, c.mem.dictParts(d), true
	}
	return &dc.p
}

// lookup resolves a name through the binding cache, then the dictionary
// stack from the top down.
func (c *Context) lookup(nidx uint32) (Ref, bool) {
	m := c.mem
	if values, i, ok := m.names.cachedSlot(nidx); ok {
		_, b := m.lookup(values)
		return b.refs[i].clearGCBits(), true
	}
	key := MakeName(nidx)
	n := c.d.Count()
	for i := 0; i < n; i++ {
		d, _ := c.d.Index(i)
		var p *dictParts
		if i == 0 {
			p = c.topParts(d)
		} else {
			parts := m.dictParts(d)
			p = &parts
		}
		slot, found, _ := m.dictFind(p, key)
		if found {
			return m.refsOf(p.values)[slot].clearGCBits(), true
		}
	}
	return Ref{}, false
}

// Lookup resolves a name string on the context's dictionary stack.
func (c *Context) Lookup(name string) (Ref, bool) {
	idx, ok := c.mem.names.Lookup(name)
	if !ok {
		return Ref{}, false
	}
	return c.lookup(idx)
}

// where returns the topmost dictionary defining key.
func (c *Context) where(key Ref) (Ref, bool, error) {
	for i := 0; i < c.d.Count(); i++ {
		d, _ := c.d.Index(i)
		if !c.vm.dictReadable(d) {
			continue
		}
		found, err := c.mem.DictKnown(d, key)
		if err != nil {
			return Ref{}, false, err
		}
		if found {
			return d, true, nil
		}
	}
	return Ref{}, false, nil
}

// currentDict returns the top of the dictionary stack.
func (c *Context) currentDict() Ref {
	d, _ := c.d.Index(0)
	return d
}

// begin pushes d on the dictionary stack.
func (c *Context) begin(d Ref) error {
	return c.d.Push(d)
}

// end pops the dictionary stack, refusing to pop the permanent entries.
func (c *Context) end() error {
	if c.d.Count() <= len(c.vm.permanentDicts()) {
		return ErrDictStackUnderflow
	}
	if c.d.Avail() == 0 {
		c.d.PopBlock()
	}
	c.d.Pop(1)
	return nil
}

// def binds key to val in the current dictionary.
func (c *Context) def(key, val Ref) error {
	d := c.currentDict()
	if !c.vm.dictWritable(d) {
		return ErrInvalidAccess
	}
	_, err := c.mem.DictPut(d, key, val)
	return err
}
