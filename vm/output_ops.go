package vm

import "strings"

// ---------------------------------------------------------------------------
// Output operators
// ---------------------------------------------------------------------------

var outputOps = []OpDef{
	{"1print", opPrint},
	{"1=", opEquals},
	{"1==", opEqualsEquals},
	{"0stack", opStack},
	{"0pstack", opPstack},
	{"2printobject", opPrintObject},
	{"3writeobject", opWriteObject},
	{"1setobjectformat", opSetObjectFormat},
	{"0currentobjectformat", opCurrentObjectFormat},
}

func (c *Context) print(text string) error {
	return c.writeTo(c.vm.stdout, []byte(text))
}

func opPrint(c *Context) error {
	s, err := c.stringArg(0, ARead)
	if err != nil {
		return err
	}
	if err := c.writeTo(c.vm.stdout, c.mem.bytesOf(s)); err != nil {
		return err
	}
	c.pop(1)
	return nil
}

func opEquals(c *Context) error {
	if err := c.print(c.vm.cvs(c.arg(0), false) + "\n"); err != nil {
		return err
	}
	c.pop(1)
	return nil
}

func opEqualsEquals(c *Context) error {
	if err := c.print(c.vm.cvs(c.arg(0), true) + "\n"); err != nil {
		return err
	}
	c.pop(1)
	return nil
}

// printStack writes the operand stack top first without popping it.
func (c *Context) printStack(full bool) error {
	var sb strings.Builder
	ops := c.o.Slice()
	for i := len(ops) - 1; i >= 0; i-- {
		sb.WriteString(c.vm.cvs(ops[i], full))
		sb.WriteByte('\n')
	}
	return c.print(sb.String())
}

func opStack(c *Context) error  { return c.printStack(false) }
func opPstack(c *Context) error { return c.printStack(true) }

// ---------------------------------------------------------------------------
// Binary object output
// ---------------------------------------------------------------------------

// outputFormat returns the binary format printobject uses. Format 0
// (binary tokens off for output) writes the high-order IEEE format.
func (v *VM) outputFormat() int {
	if v.objectFormat == 0 {
		return 1
	}
	return v.objectFormat
}

func (c *Context) tagArg(i int) (byte, error) {
	t, err := c.intArg(i)
	if err != nil {
		return 0, err
	}
	if t < 0 || t > 255 {
		return 0, ErrRangeCheck
	}
	return byte(t), nil
}

func opPrintObject(c *Context) error {
	tag, err := c.tagArg(0)
	if err != nil {
		return err
	}
	b, err := c.vm.encodeObject(c.arg(1), c.vm.outputFormat(), tag)
	if err != nil {
		return err
	}
	if err := c.writeTo(c.vm.stdout, b); err != nil {
		return err
	}
	c.pop(2)
	return nil
}

func opWriteObject(c *Context) error {
	s, err := c.fileArg(2, AWrite)
	if err != nil {
		return err
	}
	tag, err := c.tagArg(0)
	if err != nil {
		return err
	}
	b, err := c.vm.encodeObject(c.arg(1), c.vm.outputFormat(), tag)
	if err != nil {
		return err
	}
	if err := c.writeTo(s, b); err != nil {
		return err
	}
	c.pop(3)
	return nil
}

func opSetObjectFormat(c *Context) error {
	n, err := c.intArg(0)
	if err != nil {
		return err
	}
	if n < 0 || n > 4 {
		return ErrRangeCheck
	}
	c.vm.objectFormat = int(n)
	c.pop(1)
	return nil
}

func opCurrentObjectFormat(c *Context) error {
	if err := c.room(1); err != nil {
		return err
	}
	c.push(MakeInt(int64(c.vm.objectFormat)))
	return nil
}
