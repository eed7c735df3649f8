package vm

import "bytes"

// ---------------------------------------------------------------------------
// Array, string and generic composite operators
// ---------------------------------------------------------------------------

var compositeOps = []OpDef{
	{"1array", opArray},
	{"1packedarray", opPackedArray},
	{"1string", opString},
	{"1length", opLength},
	{"2get", opGet},
	{"3put", opPut},
	{"3getinterval", opGetInterval},
	{"3putinterval", opPutInterval},
	{"1aload", opAload},
	{"1astore", opAstore},
	{"2forall", opForall},
	{"0[", opMark},
	{"0]", opArrayFromMark},
	{"0<<", opMark},
	{"0>>", opDictFromMark},
	{"1setpacking", opSetPacking},
	{"0currentpacking", opCurrentPacking},
	{"2search", opSearch},
	{"2anchorsearch", opAnchorSearch},
	{"0%forallarray", forallArrayCont},
	{"0%forallstring", forallStringCont},
	{"0%foralldict", forallDictCont},
}

func (c *Context) sizeArg(i int, max int) (int, error) {
	n, err := c.intArg(i)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, ErrRangeCheck
	}
	if n > int64(max) {
		return 0, ErrLimitCheck
	}
	return int(n), nil
}

func opArray(c *Context) error {
	n, err := c.sizeArg(0, maxArraySize)
	if err != nil {
		return err
	}
	a, err := c.mem.AllocArray(c.mem.current, n)
	if err != nil {
		return err
	}
	c.replace(0, a)
	return nil
}

func opPackedArray(c *Context) error {
	n, err := c.sizeArg(0, maxArraySize)
	if err != nil {
		return err
	}
	if n >= c.o.Count() {
		return ErrRangeCheck
	}
	if err := c.need(n + 1); err != nil {
		return err
	}
	elems := make([]Ref, n)
	for i := range elems {
		elems[i] = c.arg(n - i)
		if err := c.mem.checkStore(c.mem.current, elems[i]); err != nil {
			return err
		}
	}
	a, err := c.mem.AllocPacked(c.mem.current, elems)
	if err != nil {
		return err
	}
	c.pop(n)
	c.replace(0, a)
	return nil
}

func opString(c *Context) error {
	n, err := c.sizeArg(0, maxStringSize)
	if err != nil {
		return err
	}
	s, err := c.mem.AllocString(c.mem.current, n)
	if err != nil {
		return err
	}
	c.replace(0, s)
	return nil
}

func opLength(c *Context) error {
	r := c.arg(0)
	var n int
	switch r.Type() {
	case TArray, TMixedArray, TShortArray, TString:
		if !r.HasAccess(ARead) {
			return ErrInvalidAccess
		}
		n = r.Size()
	case TDictionary:
		if err := c.readable(r); err != nil {
			return err
		}
		n = c.mem.DictLength(r)
	case TName:
		n = len(c.mem.names.String(r.NameIndex()))
	default:
		return ErrTypeCheck
	}
	c.replace(0, MakeInt(int64(n)))
	return nil
}

// indexArg checks an element index against a composite's size.
func (c *Context) indexArg(i int, size int) (int, error) {
	n, err := c.intArg(i)
	if err != nil {
		return 0, err
	}
	if n < 0 || n >= int64(size) {
		return 0, ErrRangeCheck
	}
	return int(n), nil
}

func opGet(c *Context) error {
	r := c.arg(1)
	var v Ref
	switch r.Type() {
	case TArray, TMixedArray, TShortArray:
		if !r.HasAccess(ARead) {
			return ErrInvalidAccess
		}
		i, err := c.indexArg(0, r.Size())
		if err != nil {
			return err
		}
		v = c.mem.ArrayGet(r, i)
		if v.Type() == TOperator {
			v = c.vm.opByIndex(v.OpIndex())
		}
	case TString:
		if !r.HasAccess(ARead) {
			return ErrInvalidAccess
		}
		i, err := c.indexArg(0, r.Size())
		if err != nil {
			return err
		}
		v = MakeInt(int64(c.mem.bytesOf(r)[i]))
	case TDictionary:
		if err := c.readable(r); err != nil {
			return err
		}
		val, found, err := c.mem.DictGet(r, c.arg(0))
		if err != nil {
			return err
		}
		if !found {
			return ErrUndefined
		}
		v = val
	default:
		return ErrTypeCheck
	}
	c.pop(1)
	c.replace(0, v)
	return nil
}

func opPut(c *Context) error {
	r, val := c.arg(2), c.arg(0)
	switch r.Type() {
	case TArray, TMixedArray, TShortArray:
		i, err := c.intArg(1)
		if err != nil {
			return err
		}
		if err := c.mem.PutElem(r, int(i), val); err != nil {
			return err
		}
	case TString:
		if !r.HasAccess(AWrite) {
			return ErrInvalidAccess
		}
		i, err := c.indexArg(1, r.Size())
		if err != nil {
			return err
		}
		b, err := c.intArg(0)
		if err != nil {
			return err
		}
		if b < 0 || b > 255 {
			return ErrRangeCheck
		}
		c.mem.bytesOf(r)[i] = byte(b)
	case TDictionary:
		if err := c.writable(r); err != nil {
			return err
		}
		if _, err := c.mem.DictPut(r, c.arg(1), val); err != nil {
			return err
		}
	default:
		return ErrTypeCheck
	}
	c.pop(3)
	return nil
}

// interval checks index and count operands against a composite of the
// given size.
func (c *Context) interval(size int) (int, int, error) {
	idx, err := c.intArg(1)
	if err != nil {
		return 0, 0, err
	}
	n, err := c.intArg(0)
	if err != nil {
		return 0, 0, err
	}
	if idx < 0 || n < 0 || idx+n > int64(size) {
		return 0, 0, ErrRangeCheck
	}
	return int(idx), int(n), nil
}

func opGetInterval(c *Context) error {
	r := c.arg(2)
	if !r.IsArray() && r.Type() != TString {
		return ErrTypeCheck
	}
	if !r.HasAccess(ARead) {
		return ErrInvalidAccess
	}
	idx, n, err := c.interval(r.Size())
	if err != nil {
		return err
	}
	var sub Ref
	if r.Type() == TString {
		sub = r.offset(idx, n)
	} else {
		sub = c.mem.SubArray(r, idx, n)
	}
	c.pop(2)
	c.replace(0, sub)
	return nil
}

func opPutInterval(c *Context) error {
	dst, src := c.arg(2), c.arg(0)
	idx, err := c.intArg(1)
	if err != nil {
		return err
	}
	switch {
	case dst.Type() == TArray && src.IsArray():
		if !dst.HasAccess(AWrite) || !src.HasAccess(ARead) {
			return ErrInvalidAccess
		}
		if idx < 0 || idx+int64(src.Size()) > int64(dst.Size()) {
			return ErrRangeCheck
		}
		elems := c.mem.ArrayElems(src)
		for _, e := range elems {
			if err := c.mem.checkStore(dst.Space(), e); err != nil {
				return err
			}
		}
		for i, e := range elems {
			c.mem.PutElem(dst, int(idx)+i, e)
		}
	case dst.Type() == TString && src.Type() == TString:
		if !dst.HasAccess(AWrite) || !src.HasAccess(ARead) {
			return ErrInvalidAccess
		}
		if idx < 0 || idx+int64(src.Size()) > int64(dst.Size()) {
			return ErrRangeCheck
		}
		copy(c.mem.bytesOf(dst)[idx:], c.mem.bytesOf(src))
	case dst.IsPackedArray():
		return ErrInvalidAccess
	default:
		return ErrTypeCheck
	}
	c.pop(3)
	return nil
}

func opAload(c *Context) error {
	a := c.arg(0)
	if !a.IsArray() {
		return ErrTypeCheck
	}
	if !a.HasAccess(ARead) {
		return ErrInvalidAccess
	}
	if err := c.room(a.Size()); err != nil {
		return err
	}
	c.pop(1)
	for _, e := range c.mem.ArrayElems(a) {
		if e.Type() == TOperator {
			e = c.vm.opByIndex(e.OpIndex())
		}
		c.push(e)
	}
	c.push(a)
	return nil
}

func opAstore(c *Context) error {
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
	n := a.Size()
	if n >= c.o.Count() {
		return ErrStackUnderflow
	}
	if err := c.need(n + 1); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := c.mem.checkStore(a.Space(), c.arg(n-i)); err != nil {
			return err
		}
	}
	for i := 0; i < n; i++ {
		c.mem.PutElem(a, i, c.arg(n-i))
	}
	c.pop(n)
	c.replace(0, a)
	return nil
}

// copyComposite implements the composite forms of copy.
func (c *Context) copyComposite() error {
	if err := c.need(2); err != nil {
		return err
	}
	src, dst := c.arg(1), c.arg(0)
	var result Ref
	switch {
	case src.IsArray() && dst.Type() == TArray:
		if !src.HasAccess(ARead) || !dst.HasAccess(AWrite) {
			return ErrInvalidAccess
		}
		if src.Size() > dst.Size() {
			return ErrRangeCheck
		}
		elems := c.mem.ArrayElems(src)
		for _, e := range elems {
			if err := c.mem.checkStore(dst.Space(), e); err != nil {
				return err
			}
		}
		for i, e := range elems {
			c.mem.PutElem(dst, i, e)
		}
		result = dst.offset(0, len(elems))
	case src.Type() == TString && dst.Type() == TString:
		if !src.HasAccess(ARead) || !dst.HasAccess(AWrite) {
			return ErrInvalidAccess
		}
		if src.Size() > dst.Size() {
			return ErrRangeCheck
		}
		n := copy(c.mem.bytesOf(dst), c.mem.bytesOf(src))
		result = dst.offset(0, n)
	case src.Type() == TDictionary && dst.Type() == TDictionary:
		if err := c.readable(src); err != nil {
			return err
		}
		if err := c.writable(dst); err != nil {
			return err
		}
		if c.vm.opts.LanguageLevel < 2 && (c.mem.DictLength(dst) != 0 || c.mem.DictMaxLength(dst) < c.mem.DictLength(src)) {
			return ErrRangeCheck
		}
		if err := c.mem.DictCopyEntries(src, dst, false); err != nil {
			return err
		}
		result = dst
	case dst.IsPackedArray():
		return ErrInvalidAccess
	default:
		return ErrTypeCheck
	}
	c.pop(1)
	c.replace(0, result)
	return nil
}

// ---------------------------------------------------------------------------
// forall
// ---------------------------------------------------------------------------

func opForall(c *Context) error {
	obj := c.arg(1)
	proc, err := c.procArg(0)
	if err != nil {
		return err
	}
	loop := makeEstackMark(markLoop, 0)
	switch {
	case obj.IsArray():
		if !obj.HasAccess(ARead) {
			return ErrInvalidAccess
		}
		err = c.pushFrame(loop, obj, proc, c.vm.opRef("%forallarray"))
	case obj.Type() == TString:
		if !obj.HasAccess(ARead) {
			return ErrInvalidAccess
		}
		err = c.pushFrame(loop, obj, proc, c.vm.opRef("%forallstring"))
	case obj.Type() == TDictionary:
		if err := c.readable(obj); err != nil {
			return err
		}
		err = c.pushFrame(loop, obj, MakeInt(int64(c.mem.DictFirst(obj))), proc, c.vm.opRef("%foralldict"))
	default:
		return ErrTypeCheck
	}
	if err != nil {
		return err
	}
	c.pop(2)
	return PushOnExecStack
}

// The forall continuations find [mark rest proc] (or, for dictionaries,
// [mark dict cursor proc]) on the exec stack.

func forallArrayCont(c *Context) error {
	if err := c.e.Check(3); err != nil {
		return err
	}
	rest := *c.e.At(1)
	if rest.Size() == 0 {
		c.e.Pop(3)
		return PopOnExecStack
	}
	if err := c.room(1); err != nil {
		return err
	}
	if err := c.e.Need(2); err != nil {
		return err
	}
	c.push(c.procHead(rest))
	*c.e.At(1) = c.procAdvance(rest)
	proc := *c.e.At(0)
	c.e.Push(c.vm.opRef("%forallarray"))
	c.e.Push(proc)
	return PushOnExecStack
}

func forallStringCont(c *Context) error {
	if err := c.e.Check(3); err != nil {
		return err
	}
	rest := *c.e.At(1)
	if rest.Size() == 0 {
		c.e.Pop(3)
		return PopOnExecStack
	}
	if err := c.room(1); err != nil {
		return err
	}
	if err := c.e.Need(2); err != nil {
		return err
	}
	c.push(MakeInt(int64(c.mem.bytesOf(rest)[0])))
	*c.e.At(1) = rest.offset(1, rest.Size()-1)
	proc := *c.e.At(0)
	c.e.Push(c.vm.opRef("%forallstring"))
	c.e.Push(proc)
	return PushOnExecStack
}

func forallDictCont(c *Context) error {
	if err := c.e.Check(4); err != nil {
		return err
	}
	d, cursor := *c.e.At(2), *c.e.At(1)
	if err := c.room(2); err != nil {
		return err
	}
	if err := c.e.Need(2); err != nil {
		return err
	}
	next, k, v, ok := c.mem.DictNext(d, int(cursor.Int()))
	if !ok {
		c.e.Pop(4)
		return PopOnExecStack
	}
	c.push(k)
	c.push(v)
	*c.e.At(1) = MakeInt(int64(next))
	proc := *c.e.At(0)
	c.e.Push(c.vm.opRef("%foralldict"))
	c.e.Push(proc)
	return PushOnExecStack
}

// ---------------------------------------------------------------------------
// Array and dictionary construction
// ---------------------------------------------------------------------------

func opArrayFromMark(c *Context) error {
	n, ok := c.o.CountToMark(isMark)
	if !ok {
		return ErrUnmatchedMark
	}
	if err := c.need(n + 1); err != nil {
		return err
	}
	space := c.mem.current
	for i := 0; i < n; i++ {
		if err := c.mem.checkStore(space, c.arg(i)); err != nil {
			return err
		}
	}
	a, err := c.mem.AllocArray(space, n)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		c.mem.PutElem(a, i, c.arg(n-1-i))
	}
	c.pop(n)
	c.replace(0, a)
	return nil
}

func opDictFromMark(c *Context) error {
	n, ok := c.o.CountToMark(isMark)
	if !ok {
		return ErrUnmatchedMark
	}
	if n%2 != 0 {
		return ErrRangeCheck
	}
	if err := c.need(n + 1); err != nil {
		return err
	}
	d, err := c.mem.NewDict(c.mem.current, n/2)
	if err != nil {
		return err
	}
	for i := n - 1; i > 0; i -= 2 {
		if _, err := c.mem.DictPut(d, c.arg(i), c.arg(i-1)); err != nil {
			return err
		}
	}
	c.pop(n)
	c.replace(0, d)
	return nil
}

func opSetPacking(c *Context) error {
	on, err := c.boolArg(0)
	if err != nil {
		return err
	}
	c.vm.setPacking(on)
	c.pop(1)
	return nil
}

func opCurrentPacking(c *Context) error {
	if err := c.room(1); err != nil {
		return err
	}
	c.push(MakeBool(c.vm.Packing()))
	return nil
}

// ---------------------------------------------------------------------------
// String search
// ---------------------------------------------------------------------------

func (c *Context) stringPair() (Ref, Ref, error) {
	s, seek := c.arg(1), c.arg(0)
	if s.Type() != TString || seek.Type() != TString {
		return Ref{}, Ref{}, ErrTypeCheck
	}
	if !s.HasAccess(ARead) || !seek.HasAccess(ARead) {
		return Ref{}, Ref{}, ErrInvalidAccess
	}
	return s, seek, nil
}

func opSearch(c *Context) error {
	s, seek, err := c.stringPair()
	if err != nil {
		return err
	}
	i := bytes.Index(c.mem.bytesOf(s), c.mem.bytesOf(seek))
	if i < 0 {
		c.replace(0, MakeBool(false))
		return nil
	}
	if err := c.room(2); err != nil {
		return err
	}
	n := seek.Size()
	c.pop(2)
	c.push(s.offset(i+n, s.Size()-i-n))
	c.push(s.offset(i, n))
	c.push(s.offset(0, i))
	c.push(MakeBool(true))
	return nil
}

func opAnchorSearch(c *Context) error {
	s, seek, err := c.stringPair()
	if err != nil {
		return err
	}
	if !bytes.HasPrefix(c.mem.bytesOf(s), c.mem.bytesOf(seek)) {
		c.replace(0, MakeBool(false))
		return nil
	}
	if err := c.room(1); err != nil {
		return err
	}
	n := seek.Size()
	c.pop(2)
	c.push(s.offset(n, s.Size()-n))
	c.push(s.offset(0, n))
	c.push(MakeBool(true))
	return nil
}
