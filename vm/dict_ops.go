package vm

// ---------------------------------------------------------------------------
// Dictionary operators
// ---------------------------------------------------------------------------

var dictOps = []OpDef{
	{"1dict", opDict},
	{"1begin", opBegin},
	{"0end", opEnd},
	{"2def", opDef},
	{"1load", opLoad},
	{"2store", opStore},
	{"2known", opKnown},
	{"2undef", opUndef},
	{"1where", opWhere},
	{"0currentdict", opCurrentDict},
	{"0countdictstack", opCountDictStack},
	{"1dictstack", opDictStack},
	{"0cleardictstack", opClearDictStack},
	{"1maxlength", opMaxLength},
	{"0systemdict", opSystemDict},
	{"0globaldict", opGlobalDict},
	{"0userdict", opUserDict},
	{"0errordict", opErrorDict},
	{"0$error", opErrorInfo},
}

func opDict(c *Context) error {
	n, err := c.sizeArg(0, maxDictSize)
	if err != nil {
		return err
	}
	d, err := c.mem.NewDict(c.mem.current, n)
	if err != nil {
		return err
	}
	c.replace(0, d)
	return nil
}

func opBegin(c *Context) error {
	d, err := c.dictArg(0)
	if err != nil {
		return err
	}
	if err := c.readable(d); err != nil {
		return err
	}
	if err := c.d.Need(1); err != nil {
		return err
	}
	c.begin(d)
	c.pop(1)
	return nil
}

func opEnd(c *Context) error { return c.end() }

// opDef is dispatched directly by the interpreter, so it checks its own
// operand count.
func opDef(c *Context) error {
	if err := c.need(2); err != nil {
		return err
	}
	if err := c.def(c.arg(1), c.arg(0)); err != nil {
		return err
	}
	c.pop(2)
	return nil
}

// load searches the dictionary stack for any kind of key.
func (c *Context) load(key Ref) (Ref, bool, error) {
	if key.Type() == TName {
		v, ok := c.lookup(key.NameIndex())
		return v, ok, nil
	}
	d, ok, err := c.where(key)
	if err != nil || !ok {
		return Ref{}, false, err
	}
	return c.mem.DictGet(d, key)
}

func opLoad(c *Context) error {
	v, ok, err := c.load(c.arg(0))
	if err != nil {
		return err
	}
	if !ok {
		return ErrUndefined
	}
	c.replace(0, v)
	return nil
}

func opStore(c *Context) error {
	key, val := c.arg(1), c.arg(0)
	d, ok, err := c.where(key)
	if err != nil {
		return err
	}
	if !ok {
		d = c.currentDict()
	}
	if err := c.writable(d); err != nil {
		return err
	}
	if _, err := c.mem.DictPut(d, key, val); err != nil {
		return err
	}
	c.pop(2)
	return nil
}

func opKnown(c *Context) error {
	d, err := c.dictArg(1)
	if err != nil {
		return err
	}
	if err := c.readable(d); err != nil {
		return err
	}
	found, err := c.mem.DictKnown(d, c.arg(0))
	if err != nil {
		return err
	}
	c.pop(1)
	c.replace(0, MakeBool(found))
	return nil
}

func opUndef(c *Context) error {
	d, err := c.dictArg(1)
	if err != nil {
		return err
	}
	if err := c.writable(d); err != nil {
		return err
	}
	if err := c.mem.DictUndef(d, c.arg(0)); err != nil {
		return err
	}
	c.pop(2)
	return nil
}

func opWhere(c *Context) error {
	d, ok, err := c.where(c.arg(0))
	if err != nil {
		return err
	}
	if !ok {
		c.replace(0, MakeBool(false))
		return nil
	}
	if err := c.room(1); err != nil {
		return err
	}
	c.replace(0, d)
	c.push(MakeBool(true))
	return nil
}

func opCurrentDict(c *Context) error {
	if err := c.room(1); err != nil {
		return err
	}
	c.push(c.currentDict())
	return nil
}

func opCountDictStack(c *Context) error {
	if err := c.room(1); err != nil {
		return err
	}
	c.push(MakeInt(int64(c.d.Count())))
	return nil
}

// copyStack stores the contents of s, bottom first, into the array
// operand and replaces it with the filled interval.
func (c *Context) copyStack(s *RefStack) error {
	a := c.arg(0)
	if a.Type() != TArray {
		if a.IsPackedArray() {
			return ErrInvalidAccess
		}
		return ErrTypeCheck
	}
	if !a.HasAccess(AWrite) {
		return ErrInvalidAccess
	}
	elems := s.Slice()
	if len(elems) > a.Size() {
		return ErrRangeCheck
	}
	for _, e := range elems {
		if err := c.mem.checkStore(a.Space(), e); err != nil {
			return err
		}
	}
	for i, e := range elems {
		c.mem.PutElem(a, i, e)
	}
	c.replace(0, a.offset(0, len(elems)))
	return nil
}

func opDictStack(c *Context) error { return c.copyStack(c.d) }

func opClearDictStack(c *Context) error {
	c.d.PopTo(len(c.vm.permanentDicts()))
	return nil
}

func opMaxLength(c *Context) error {
	d, err := c.dictArg(0)
	if err != nil {
		return err
	}
	if err := c.readable(d); err != nil {
		return err
	}
	c.replace(0, MakeInt(int64(c.mem.DictMaxLength(d))))
	return nil
}

// pushRef pushes one of the VM's fixed objects.
func (c *Context) pushRef(d Ref) error {
	if !d.IsValid() {
		return ErrUndefined
	}
	if err := c.room(1); err != nil {
		return err
	}
	c.push(d)
	return nil
}

func opSystemDict(c *Context) error { return c.pushRef(c.vm.systemDict) }
func opGlobalDict(c *Context) error { return c.pushRef(c.vm.globalDict) }
func opUserDict(c *Context) error   { return c.pushRef(c.vm.userDict) }
func opErrorDict(c *Context) error  { return c.pushRef(c.vm.errorDict) }
func opErrorInfo(c *Context) error  { return c.pushRef(c.vm.errorInfo) }
