package vm

import (
	"math"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Type, attribute and conversion operators
// ---------------------------------------------------------------------------

var typeOps = []OpDef{
	{"1type", opType},
	{"1cvx", opCvx},
	{"1cvlit", opCvlit},
	{"1xcheck", opXcheck},
	{"1executeonly", opExecuteOnly},
	{"1noaccess", opNoAccess},
	{"1readonly", opReadOnly},
	{"1rcheck", opRcheck},
	{"1wcheck", opWcheck},
	{"1cvi", opCvi},
	{"1cvr", opCvr},
	{"1cvn", opCvn},
	{"2cvs", opCvs},
	{"3cvrs", opCvrs},
}

func opType(c *Context) error {
	r := c.arg(0)
	idx, err := c.mem.names.Intern(r.BType().String())
	if err != nil {
		return err
	}
	c.replace(0, MakeExecName(idx))
	return nil
}

func opCvx(c *Context) error {
	c.replace(0, c.arg(0).Cvx())
	return nil
}

func opCvlit(c *Context) error {
	c.replace(0, c.arg(0).Cvlit())
	return nil
}

func opXcheck(c *Context) error {
	c.replace(0, MakeBool(c.arg(0).IsExec()))
	return nil
}

// usesAccess reports whether a type carries access attributes.
func usesAccess(r Ref) bool {
	switch r.Type() {
	case TArray, TMixedArray, TShortArray, TString, TDictionary, TFile:
		return true
	}
	return false
}

// restrict lowers the access of the top operand to a.
func (c *Context) restrict(a uint16) error {
	r := c.arg(0)
	if !usesAccess(r) {
		return ErrTypeCheck
	}
	if r.Type() == TDictionary {
		na := c.mem.DictAccess(r) & a
		if na&ARead == 0 && c.vm.isPermanent(r) {
			return ErrInvalidAccess
		}
		c.mem.SetDictAccess(r, na)
		return nil
	}
	c.replace(0, r.WithAccess(r.Attrs()&a))
	return nil
}

func opExecuteOnly(c *Context) error {
	if c.arg(0).Type() == TDictionary {
		return ErrTypeCheck
	}
	return c.restrict(AExecute)
}

func opNoAccess(c *Context) error { return c.restrict(0) }

func opReadOnly(c *Context) error { return c.restrict(ARead | AExecute) }

func (c *Context) accessCheck(a uint16) error {
	r := c.arg(0)
	if !usesAccess(r) {
		return ErrTypeCheck
	}
	ok := r.HasAccess(a)
	if r.Type() == TDictionary {
		ok = c.mem.DictAccess(r)&a == a
	}
	c.replace(0, MakeBool(ok))
	return nil
}

func opRcheck(c *Context) error { return c.accessCheck(ARead) }
func opWcheck(c *Context) error { return c.accessCheck(AWrite) }

// numberFromString scans a string operand as a single number.
func (c *Context) numberFromString(r Ref) (Ref, error) {
	if !r.HasAccess(ARead) {
		return Ref{}, ErrInvalidAccess
	}
	s := strings.TrimFunc(string(c.mem.bytesOf(r)), func(ch rune) bool {
		return ch < 128 && isSpace(byte(ch))
	})
	n, ok := parseNumber(s)
	if !ok {
		return Ref{}, ErrSyntaxError
	}
	return n, nil
}

func opCvi(c *Context) error {
	r := c.arg(0)
	if r.Type() == TString {
		var err error
		if r, err = c.numberFromString(r); err != nil {
			return err
		}
	}
	switch r.Type() {
	case TInteger:
	case TReal:
		f := math.Trunc(r.Real())
		if f < math.MinInt32 || f > math.MaxInt32 {
			return ErrRangeCheck
		}
		r = MakeInt(int64(f))
	default:
		return ErrTypeCheck
	}
	c.replace(0, r)
	return nil
}

func opCvr(c *Context) error {
	r := c.arg(0)
	if r.Type() == TString {
		var err error
		if r, err = c.numberFromString(r); err != nil {
			return err
		}
	}
	f, ok := r.Number()
	if !ok {
		return ErrTypeCheck
	}
	c.replace(0, makeReal(f))
	return nil
}

func opCvn(c *Context) error {
	r := c.arg(0)
	if r.Type() != TString {
		return ErrTypeCheck
	}
	if !r.HasAccess(ARead) {
		return ErrInvalidAccess
	}
	idx, err := c.mem.names.Intern(string(c.mem.bytesOf(r)))
	if err != nil {
		return err
	}
	n := MakeName(idx)
	if r.IsExec() {
		n = n.Cvx()
	}
	c.replace(0, n)
	return nil
}

// fillString copies text into the string operand at the top and replaces
// the top two operands with the filled interval.
func (c *Context) fillString(text string) error {
	s := c.arg(0)
	if s.Type() != TString {
		return ErrTypeCheck
	}
	if !s.HasAccess(AWrite) {
		return ErrInvalidAccess
	}
	if len(text) > s.Size() {
		return ErrRangeCheck
	}
	copy(c.mem.bytesOf(s), text)
	c.pop(1)
	c.replace(0, s.offset(0, len(text)))
	return nil
}

func opCvs(c *Context) error {
	return c.fillString(c.vm.cvs(c.arg(1), false))
}

func opCvrs(c *Context) error {
	radix, err := c.intArg(1)
	if err != nil {
		return err
	}
	if radix < 2 || radix > 36 {
		return ErrRangeCheck
	}
	num := c.arg(2)
	var text string
	switch {
	case num.Type() == TInteger && radix == 10:
		text = strconv.FormatInt(num.Int(), 10)
	case num.Type() == TInteger:
		text = strings.ToUpper(strconv.FormatUint(uint64(uint32(int32(num.Int()))), int(radix)))
	case num.Type() == TReal && radix == 10:
		text = formatReal(num.Real())
	case num.Type() == TReal:
		f := math.Trunc(num.Real())
		if f < math.MinInt32 || f > math.MaxInt32 {
			return ErrRangeCheck
		}
		text = strings.ToUpper(strconv.FormatUint(uint64(uint32(int32(f))), int(radix)))
	default:
		return ErrTypeCheck
	}
	s := c.arg(0)
	if s.Type() != TString {
		return ErrTypeCheck
	}
	if !s.HasAccess(AWrite) {
		return ErrInvalidAccess
	}
	if len(text) > s.Size() {
		return ErrRangeCheck
	}
	copy(c.mem.bytesOf(s), text)
	c.pop(2)
	c.replace(0, s.offset(0, len(text)))
	return nil
}
