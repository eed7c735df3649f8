package vm

// ---------------------------------------------------------------------------
// Initial VM contents
// ---------------------------------------------------------------------------

const (
	systemDictSize = 400
	globalDictSize = 64
	userDictSize   = 200
	errorDictSize  = 40
	errorInfoSize  = 16
)

// Product strings reported by the product, version and revision names.
const (
	Product  = "psvm"
	Version  = "1.0"
	Revision = 100
)

// bootstrap builds systemdict, the operator set, globaldict, userdict,
// errordict and $error. Everything created here is permanent: names go
// to system space, and no save is open.
func (v *VM) bootstrap() error {
	m := v.mem
	m.names.bootstrap = true
	defer func() { m.names.bootstrap = false }()

	var err error
	if v.systemDict, err = m.NewDict(SpaceSystem, systemDictSize); err != nil {
		return err
	}
	for _, t := range append(opTables(), errorOps) {
		if err := v.RegisterOps(t); err != nil {
			return err
		}
	}
	if err := v.defineConstants(); err != nil {
		return err
	}
	if v.errorNames, err = v.makeErrorNames(); err != nil {
		return err
	}
	if v.devRef, err = m.AllocStruct(SpaceSystem, deviceStructType, &deviceHolder{dev: v.device}); err != nil {
		return err
	}
	if v.globalDict, err = m.NewDict(SpaceGlobal, globalDictSize); err != nil {
		return err
	}
	m.SetCurrent(SpaceLocal)
	if v.userDict, err = m.NewDict(SpaceLocal, userDictSize); err != nil {
		return err
	}
	if err := v.makeErrorDicts(); err != nil {
		return err
	}
	m.SetDictAccess(v.systemDict, AReadOnly)
	m.isPermanent = v.isPermanent
	return nil
}

func (v *VM) defineConstants() error {
	m := v.mem
	product, err := m.AllocString(SpaceSystem, len(Product))
	if err != nil {
		return err
	}
	copy(m.bytesOf(product), Product)
	version, err := m.AllocString(SpaceSystem, len(Version))
	if err != nil {
		return err
	}
	copy(m.bytesOf(version), Version)
	for _, d := range []struct {
		name string
		val  Ref
	}{
		{"true", MakeBool(true)},
		{"false", MakeBool(false)},
		{"null", MakeNull()},
		{"product", product.WithAccess(AReadOnly)},
		{"version", version.WithAccess(AReadOnly)},
		{"revision", MakeInt(Revision)},
		{"languagelevel", MakeInt(int64(v.opts.LanguageLevel))},
	} {
		if err := v.defineSystem(d.name, d.val); err != nil {
			return err
		}
	}
	return nil
}

// makeErrorNames builds the ErrorNames array: the error names in code
// order.
func (v *VM) makeErrorNames() (Ref, error) {
	m := v.mem
	a, err := m.AllocArray(SpaceSystem, len(errorNames))
	if err != nil {
		return Ref{}, err
	}
	for i, n := range errorNames {
		r, err := m.names.Ref(n)
		if err != nil {
			return Ref{}, err
		}
		m.storeRef(a, i, r)
	}
	a = a.WithAccess(AReadOnly)
	return a, v.defineSystem("ErrorNames", a)
}

// makeErrorDicts fills errordict with the default handlers, each of the
// form {/name .error}, and sets up $error.
func (v *VM) makeErrorDicts() error {
	m := v.mem
	var err error
	if v.errorDict, err = m.NewDict(SpaceLocal, errorDictSize); err != nil {
		return err
	}
	errOp := v.opRef(".error")
	for _, n := range errorNames {
		name, err := m.names.Ref(n)
		if err != nil {
			return err
		}
		h, err := v.makeProc([]Ref{name, errOp})
		if err != nil {
			return err
		}
		if _, err := m.DictPut(v.errorDict, name, h); err != nil {
			return err
		}
	}
	if v.errorInfo, err = m.NewDict(SpaceLocal, errorInfoSize); err != nil {
		return err
	}
	v.errorPut("newerror", MakeBool(false))
	v.errorPut("errorname", MakeNull())
	v.errorPut("command", MakeNull())
	v.errorPut("recordstacks", MakeBool(true))
	v.errorPut("binary", MakeBool(false))
	return nil
}
