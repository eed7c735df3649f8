package vm

// ---------------------------------------------------------------------------
// Operand stack operators
// ---------------------------------------------------------------------------

var stackOps = []OpDef{
	{"1pop", opPop},
	{"2exch", opExch},
	{"1dup", opDup},
	{"1copy", opCopy},
	{"1index", opIndex},
	{"2roll", opRoll},
	{"0clear", opClear},
	{"0count", opCount},
	{"0mark", opMark},
	{"0cleartomark", opClearToMark},
	{"0counttomark", opCountToMark},
}

func opPop(c *Context) error {
	if err := c.need(1); err != nil {
		return err
	}
	c.pop(1)
	return nil
}

func opExch(c *Context) error {
	if err := c.need(2); err != nil {
		return err
	}
	a, b := c.o.At(0), c.o.At(1)
	*a, *b = *b, *a
	return nil
}

func opDup(c *Context) error {
	if err := c.need(1); err != nil {
		return err
	}
	if err := c.room(1); err != nil {
		return err
	}
	c.push(c.arg(0))
	return nil
}

// opCopy duplicates the top n operands, or copies one composite into
// another.
func opCopy(c *Context) error {
	top := c.arg(0)
	if top.Type() != TInteger {
		return c.copyComposite()
	}
	n := top.Int()
	if n < 0 {
		return ErrRangeCheck
	}
	if n >= int64(c.o.Max()) {
		return ErrStackOverflow
	}
	k := int(n)
	if err := c.need(k + 1); err != nil {
		return err
	}
	if k > 1 {
		if err := c.room(k - 1); err != nil {
			return err
		}
	}
	c.pop(1)
	for i := 0; i < k; i++ {
		c.push(c.arg(k - 1))
	}
	return nil
}

// opIndex replaces n with a copy of the operand n below it.
func opIndex(c *Context) error {
	if err := c.need(1); err != nil {
		return err
	}
	n, err := c.intArg(0)
	if err != nil {
		return err
	}
	if n < 0 {
		return ErrRangeCheck
	}
	if n+1 >= int64(c.o.Count()) {
		return ErrRangeCheck
	}
	if err := c.need(int(n) + 2); err != nil {
		return err
	}
	c.replace(0, c.arg(int(n)+1))
	return nil
}

// opRoll rotates the top n operands by j positions upward.
func opRoll(c *Context) error {
	if err := c.need(2); err != nil {
		return err
	}
	n, err := c.intArg(1)
	if err != nil {
		return err
	}
	j, err := c.intArg(0)
	if err != nil {
		return err
	}
	if n < 0 {
		return ErrRangeCheck
	}
	if n > int64(c.o.Count()-2) {
		return ErrStackUnderflow
	}
	if err := c.need(int(n) + 2); err != nil {
		return err
	}
	c.pop(2)
	if n == 0 {
		return nil
	}
	j %= n
	if j < 0 {
		j += n
	}
	if j == 0 {
		return nil
	}
	k := int(n)
	tmp := make([]Ref, k)
	for i := 0; i < k; i++ {
		tmp[i] = c.arg(k - 1 - i)
	}
	for i := 0; i < k; i++ {
		*c.o.At(k - 1 - (i+int(j))%k) = tmp[i]
	}
	return nil
}

func opClear(c *Context) error {
	c.o.Clear()
	return nil
}

func opCount(c *Context) error {
	if err := c.room(1); err != nil {
		return err
	}
	c.push(MakeInt(int64(c.o.Count())))
	return nil
}

func opMark(c *Context) error {
	if err := c.room(1); err != nil {
		return err
	}
	c.push(MakeMark())
	return nil
}

func isMark(r Ref) bool { return r.Type() == TMark }

func opClearToMark(c *Context) error {
	n, ok := c.o.CountToMark(isMark)
	if !ok {
		return ErrUnmatchedMark
	}
	c.o.PopTo(c.o.Count() - n - 1)
	return nil
}

func opCountToMark(c *Context) error {
	n, ok := c.o.CountToMark(isMark)
	if !ok {
		return ErrUnmatchedMark
	}
	if err := c.room(1); err != nil {
		return err
	}
	c.push(MakeInt(int64(n)))
	return nil
}
