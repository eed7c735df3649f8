package vm

// ---------------------------------------------------------------------------
// VM operators: save/restore, allocation mode, collection
// ---------------------------------------------------------------------------

var vmOps = []OpDef{
	{"0save", opSave},
	{"1restore", opRestore},
	{"1.forgetsave", opForgetSave},
	{"0vmstatus", opVMStatus},
	{"1vmreclaim", opVMReclaim},
	{"1setvmthreshold", opSetVMThreshold},
	{"1setglobal", opSetGlobal},
	{"0currentglobal", opCurrentGlobal},
	{"1gcheck", opGcheck},
}

func opSave(c *Context) error {
	if err := c.room(1); err != nil {
		return err
	}
	id, err := c.mem.Save()
	if err != nil {
		return err
	}
	c.push(MakeSave(id))
	return nil
}

func (c *Context) saveArg(i int) (uint64, error) {
	r := c.arg(i)
	if r.Type() != TSave {
		return 0, ErrTypeCheck
	}
	if !c.mem.IsValidSave(r.SaveID()) {
		return 0, ErrInvalidRestore
	}
	return r.SaveID(), nil
}

func opRestore(c *Context) error {
	id, err := c.saveArg(0)
	if err != nil {
		return err
	}
	if err := c.vm.restore(id); err != nil {
		return err
	}
	c.pop(1)
	return nil
}

// restore restores VM to save id. User name slots defined since the save
// are dropped, since their names are about to disappear.
func (v *VM) restore(id uint64) error {
	save := v.mem.findSave(id)
	if save == nil {
		return ErrInvalidRestore
	}
	kept := append([]Ref(nil), v.userNames...)
	for i, r := range v.userNames {
		if r.IsValid() && v.mem.isSinceSave(r, save) {
			v.userNames[i] = Ref{}
		}
	}
	if err := v.mem.Restore(id); err != nil {
		v.userNames = kept
		return err
	}
	return nil
}

func opForgetSave(c *Context) error {
	id, err := c.saveArg(0)
	if err != nil {
		return err
	}
	if err := c.mem.ForgetSave(id); err != nil {
		return err
	}
	c.pop(1)
	return nil
}

func opVMStatus(c *Context) error {
	if err := c.room(3); err != nil {
		return err
	}
	st := c.mem.Stats(c.mem.current)
	max := st.Max
	if max <= 0 {
		max = st.Allocated
	}
	c.push(MakeInt(int64(c.mem.SaveLevel())))
	c.push(MakeInt(st.Used))
	c.push(MakeInt(max))
	return nil
}

// opVMReclaim: -2 and -1 disable automatic collection, 0 enables it, 1
// collects local VM and 2 collects global and local VM.
func opVMReclaim(c *Context) error {
	n, err := c.intArg(0)
	if err != nil {
		return err
	}
	switch n {
	case -2, -1:
		c.mem.SetGCEnabled(false)
	case 0:
		c.mem.SetGCEnabled(true)
	case 1:
		c.pop(1)
		c.vm.collect(false)
		return nil
	case 2:
		c.pop(1)
		return ErrVMReclaim
	default:
		return ErrRangeCheck
	}
	c.pop(1)
	return nil
}

func opSetVMThreshold(c *Context) error {
	n, err := c.intArg(0)
	if err != nil {
		return err
	}
	if n < 0 {
		n = c.vm.opts.VMThreshold
	}
	c.mem.SetThreshold(SpaceLocal, n)
	c.mem.SetThreshold(SpaceGlobal, n)
	c.pop(1)
	return nil
}

func opSetGlobal(c *Context) error {
	on, err := c.boolArg(0)
	if err != nil {
		return err
	}
	if on && c.vm.opts.LanguageLevel < 2 {
		return ErrUndefined
	}
	space := SpaceLocal
	if on {
		space = SpaceGlobal
	}
	c.mem.SetCurrent(space)
	c.pop(1)
	return nil
}

func opCurrentGlobal(c *Context) error {
	if err := c.room(1); err != nil {
		return err
	}
	c.push(MakeBool(c.mem.current != SpaceLocal))
	return nil
}

// opGcheck reports whether a composite lives outside local VM; simple
// objects are always true.
func opGcheck(c *Context) error {
	r := c.arg(0)
	g := true
	if r.IsComposite() {
		g = r.Space() != SpaceLocal
	}
	c.replace(0, MakeBool(g))
	return nil
}
