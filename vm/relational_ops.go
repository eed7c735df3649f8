package vm

import "bytes"

// ---------------------------------------------------------------------------
// Relational, boolean and bitwise operators
// ---------------------------------------------------------------------------

var relationalOps = []OpDef{
	{"2eq", opEq},
	{"2ne", opNe},
	{"2gt", opGt},
	{"2ge", opGe},
	{"2lt", opLt},
	{"2le", opLe},
	{"2and", opAnd},
	{"2or", opOr},
	{"2xor", opXor},
	{"1not", opNot},
	{"2bitshift", opBitshift},
}

// textOf returns the characters of a string or name.
func (m *Memory) textOf(r Ref) ([]byte, bool) {
	switch r.Type() {
	case TString:
		return m.bytesOf(r), true
	case TName:
		return []byte(m.names.String(r.NameIndex())), true
	}
	return nil, false
}

// ObjEq is the eq relation: numbers by value, strings and names by their
// text, other composites by identity.
func (m *Memory) ObjEq(a, b Ref) bool {
	if a.Type() == TString || b.Type() == TString {
		x, ok := m.textOf(a)
		y, ok2 := m.textOf(b)
		return ok && ok2 && bytes.Equal(x, y)
	}
	return objEqShallow(a, b)
}

func (c *Context) eq() (bool, error) {
	a, b := c.arg(1), c.arg(0)
	for _, r := range []Ref{a, b} {
		if r.Type() == TString && !r.HasAccess(ARead) {
			return false, ErrInvalidAccess
		}
	}
	return c.mem.ObjEq(a, b), nil
}

func opEq(c *Context) error {
	eq, err := c.eq()
	if err != nil {
		return err
	}
	c.pop(1)
	c.replace(0, MakeBool(eq))
	return nil
}

func opNe(c *Context) error {
	eq, err := c.eq()
	if err != nil {
		return err
	}
	c.pop(1)
	c.replace(0, MakeBool(!eq))
	return nil
}

// compare orders two numbers or two strings.
func (c *Context) compare() (int, error) {
	a, b := c.arg(1), c.arg(0)
	if a.Type() == TString && b.Type() == TString {
		if !a.HasAccess(ARead) || !b.HasAccess(ARead) {
			return 0, ErrInvalidAccess
		}
		return bytes.Compare(c.mem.bytesOf(a), c.mem.bytesOf(b)), nil
	}
	if a.Type() == TInteger && b.Type() == TInteger {
		switch {
		case a.Int() < b.Int():
			return -1, nil
		case a.Int() > b.Int():
			return 1, nil
		}
		return 0, nil
	}
	x, ok := a.Number()
	y, ok2 := b.Number()
	if !ok || !ok2 {
		return 0, ErrTypeCheck
	}
	switch {
	case x < y:
		return -1, nil
	case x > y:
		return 1, nil
	}
	return 0, nil
}

func (c *Context) relation(test func(int) bool) error {
	n, err := c.compare()
	if err != nil {
		return err
	}
	c.pop(1)
	c.replace(0, MakeBool(test(n)))
	return nil
}

func opGt(c *Context) error { return c.relation(func(n int) bool { return n > 0 }) }
func opGe(c *Context) error { return c.relation(func(n int) bool { return n >= 0 }) }
func opLt(c *Context) error { return c.relation(func(n int) bool { return n < 0 }) }
func opLe(c *Context) error { return c.relation(func(n int) bool { return n <= 0 }) }

// logical applies a boolean or a bitwise operation.
func (c *Context) logical(bop func(a, b bool) bool, iop func(a, b int64) int64) error {
	a, b := c.arg(1), c.arg(0)
	switch {
	case a.Type() == TBoolean && b.Type() == TBoolean:
		c.pop(1)
		c.replace(0, MakeBool(bop(a.Bool(), b.Bool())))
	case a.Type() == TInteger && b.Type() == TInteger:
		c.pop(1)
		c.replace(0, MakeInt(int64(int32(iop(a.Int(), b.Int())))))
	default:
		return ErrTypeCheck
	}
	return nil
}

func opAnd(c *Context) error {
	return c.logical(func(a, b bool) bool { return a && b }, func(a, b int64) int64 { return a & b })
}

func opOr(c *Context) error {
	return c.logical(func(a, b bool) bool { return a || b }, func(a, b int64) int64 { return a | b })
}

func opXor(c *Context) error {
	return c.logical(func(a, b bool) bool { return a != b }, func(a, b int64) int64 { return a ^ b })
}

func opNot(c *Context) error {
	r := c.arg(0)
	switch r.Type() {
	case TBoolean:
		c.replace(0, MakeBool(!r.Bool()))
	case TInteger:
		c.replace(0, MakeInt(int64(^int32(r.Int()))))
	default:
		return ErrTypeCheck
	}
	return nil
}

func opBitshift(c *Context) error {
	v, shift, err := c.intPair()
	if err != nil {
		return err
	}
	u := uint32(int32(v))
	switch {
	case shift >= 32 || shift <= -32:
		u = 0
	case shift >= 0:
		u <<= uint(shift)
	default:
		u >>= uint(-shift)
	}
	c.pop(1)
	c.replace(0, MakeInt(int64(int32(u))))
	return nil
}
