package vm

import (
	"math"
)

// ---------------------------------------------------------------------------
// Arithmetic operators
// ---------------------------------------------------------------------------

var arithOps = []OpDef{
	{"2add", opAdd},
	{"2sub", opSub},
	{"2mul", opMul},
	{"2div", opDiv},
	{"2idiv", opIdiv},
	{"2mod", opMod},
	{"1neg", opNeg},
	{"1abs", opAbs},
	{"1ceiling", opCeiling},
	{"1floor", opFloor},
	{"1round", opRound},
	{"1truncate", opTruncate},
	{"1sqrt", opSqrt},
	{"2exp", opExp},
	{"1ln", opLn},
	{"1log", opLog},
	{"2atan", opAtan},
	{"1sin", opSin},
	{"1cos", opCos},
}

// intResult keeps a 64-bit result as an integer when it fits in 32 bits
// and converts it to a real otherwise.
func intResult(v int64) Ref {
	if v < math.MinInt32 || v > math.MaxInt32 {
		return makeReal(float64(v))
	}
	return MakeInt(v)
}

func realResult(f float64) (Ref, error) {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return Ref{}, ErrUndefinedResult
	}
	r := makeReal(f)
	if math.IsInf(r.Real(), 0) {
		return Ref{}, ErrUndefinedResult
	}
	return r, nil
}

// binaryArith pops two numbers and pushes the result of the integer or the
// real form of an operation.
func (c *Context) binaryArith(iop func(a, b int64) Ref, fop func(a, b float64) float64) error {
	if err := c.need(2); err != nil {
		return err
	}
	a, b := c.arg(1), c.arg(0)
	if a.Type() == TInteger && b.Type() == TInteger && iop != nil {
		c.pop(1)
		c.replace(0, iop(a.Int(), b.Int()))
		return nil
	}
	x, ok := a.Number()
	y, ok2 := b.Number()
	if !ok || !ok2 {
		return ErrTypeCheck
	}
	r, err := realResult(fop(x, y))
	if err != nil {
		return err
	}
	c.pop(1)
	c.replace(0, r)
	return nil
}

func opAdd(c *Context) error {
	return c.binaryArith(func(a, b int64) Ref { return intResult(a + b) },
		func(a, b float64) float64 { return a + b })
}

func opSub(c *Context) error {
	return c.binaryArith(func(a, b int64) Ref { return intResult(a - b) },
		func(a, b float64) float64 { return a - b })
}

func opMul(c *Context) error {
	return c.binaryArith(func(a, b int64) Ref { return intResult(a * b) },
		func(a, b float64) float64 { return a * b })
}

func opDiv(c *Context) error {
	if y, ok := c.arg(0).Number(); ok && y == 0 {
		if _, ok := c.arg(1).Number(); ok {
			return ErrUndefinedResult
		}
	}
	return c.binaryArith(nil, func(a, b float64) float64 { return a / b })
}

func (c *Context) intPair() (int64, int64, error) {
	a, err := c.intArg(1)
	if err != nil {
		return 0, 0, err
	}
	b, err := c.intArg(0)
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func opIdiv(c *Context) error {
	a, b, err := c.intPair()
	if err != nil {
		return err
	}
	if b == 0 {
		return ErrUndefinedResult
	}
	q := a / b
	if q > math.MaxInt32 {
		return ErrUndefinedResult
	}
	c.pop(1)
	c.replace(0, MakeInt(q))
	return nil
}

func opMod(c *Context) error {
	a, b, err := c.intPair()
	if err != nil {
		return err
	}
	if b == 0 {
		return ErrUndefinedResult
	}
	c.pop(1)
	c.replace(0, MakeInt(a%b))
	return nil
}

func opNeg(c *Context) error {
	r := c.arg(0)
	switch r.Type() {
	case TInteger:
		c.replace(0, intResult(-r.Int()))
	case TReal:
		c.replace(0, MakeReal(-r.Real()))
	default:
		return ErrTypeCheck
	}
	return nil
}

func opAbs(c *Context) error {
	r := c.arg(0)
	switch r.Type() {
	case TInteger:
		if r.Int() < 0 {
			c.replace(0, intResult(-r.Int()))
		}
	case TReal:
		c.replace(0, MakeReal(math.Abs(r.Real())))
	default:
		return ErrTypeCheck
	}
	return nil
}

// rounding applies f to reals and leaves integers alone.
func (c *Context) rounding(f func(float64) float64) error {
	r := c.arg(0)
	switch r.Type() {
	case TInteger:
		return nil
	case TReal:
		c.replace(0, makeReal(f(r.Real())))
		return nil
	}
	return ErrTypeCheck
}

func opCeiling(c *Context) error  { return c.rounding(math.Ceil) }
func opFloor(c *Context) error    { return c.rounding(math.Floor) }
func opTruncate(c *Context) error { return c.rounding(math.Trunc) }

// opRound rounds halves toward positive infinity.
func opRound(c *Context) error {
	return c.rounding(func(f float64) float64 { return math.Floor(f + 0.5) })
}

// unaryReal replaces a number with the real result of f.
func (c *Context) unaryReal(f func(float64) (float64, bool)) error {
	x, err := c.numArg(0)
	if err != nil {
		return err
	}
	y, ok := f(x)
	if !ok {
		return ErrRangeCheck
	}
	r, err := realResult(y)
	if err != nil {
		return err
	}
	c.replace(0, r)
	return nil
}

func opSqrt(c *Context) error {
	return c.unaryReal(func(x float64) (float64, bool) { return math.Sqrt(x), x >= 0 })
}

func opLn(c *Context) error {
	return c.unaryReal(func(x float64) (float64, bool) { return math.Log(x), x > 0 })
}

func opLog(c *Context) error {
	return c.unaryReal(func(x float64) (float64, bool) { return math.Log10(x), x > 0 })
}

func opSin(c *Context) error {
	return c.unaryReal(func(x float64) (float64, bool) { return math.Sin(x * math.Pi / 180), true })
}

func opCos(c *Context) error {
	return c.unaryReal(func(x float64) (float64, bool) { return math.Cos(x * math.Pi / 180), true })
}

func opExp(c *Context) error {
	base, err := c.numArg(1)
	if err != nil {
		return err
	}
	e, err := c.numArg(0)
	if err != nil {
		return err
	}
	if base < 0 && e != math.Trunc(e) {
		return ErrUndefinedResult
	}
	r, err := realResult(math.Pow(base, e))
	if err != nil {
		return err
	}
	c.pop(1)
	c.replace(0, r)
	return nil
}

// opAtan returns the angle of num/den in degrees, in [0, 360).
func opAtan(c *Context) error {
	num, err := c.numArg(1)
	if err != nil {
		return err
	}
	den, err := c.numArg(0)
	if err != nil {
		return err
	}
	if num == 0 && den == 0 {
		return ErrUndefinedResult
	}
	a := math.Atan2(num, den) * 180 / math.Pi
	if a < 0 {
		a += 360
	}
	c.pop(1)
	c.replace(0, makeReal(a))
	return nil
}
