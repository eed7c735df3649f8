package vm

// ---------------------------------------------------------------------------
// Control operators
// ---------------------------------------------------------------------------

var controlOps = []OpDef{
	{"1exec", opExec},
	{"2if", opIf},
	{"3ifelse", opIfElse},
	{"4for", opFor},
	{"2repeat", opRepeat},
	{"1loop", opLoop},
	{"0exit", opExit},
	{"0stop", opStop},
	{"1stopped", opStopped},
	{"0countexecstack", opCountExecStack},
	{"1execstack", opExecStack},
	{"0quit", opQuit},
	{"0%forcont", forCont},
	{"0%repeatcont", repeatCont},
	{"0%loopcont", loopCont},
	{"0%stoppedpush", stoppedPush},
	{"1%runresult", runResult},
	{"0%interpexit", interpExit},
}

func opExec(c *Context) error {
	obj := c.arg(0)
	if obj.IsExec() && usesAccess(obj) && !obj.HasAccess(AExecute) {
		return ErrInvalidAccess
	}
	if err := c.e.Need(1); err != nil {
		return err
	}
	c.pop(1)
	c.e.Push(obj)
	return PushOnExecStack
}

// opIf and opIfElse are dispatched directly by the interpreter, so they
// check their own operand counts.
func opIf(c *Context) error {
	if err := c.need(2); err != nil {
		return err
	}
	cond, err := c.boolArg(1)
	if err != nil {
		return err
	}
	proc, err := c.procArg(0)
	if err != nil {
		return err
	}
	if !cond {
		c.pop(2)
		return nil
	}
	if err := c.e.Need(1); err != nil {
		return err
	}
	c.pop(2)
	c.e.Push(proc)
	return PushOnExecStack
}

func opIfElse(c *Context) error {
	if err := c.need(3); err != nil {
		return err
	}
	cond, err := c.boolArg(2)
	if err != nil {
		return err
	}
	then, err := c.procArg(1)
	if err != nil {
		return err
	}
	els, err := c.procArg(0)
	if err != nil {
		return err
	}
	if err := c.e.Need(1); err != nil {
		return err
	}
	c.pop(3)
	if cond {
		c.e.Push(then)
	} else {
		c.e.Push(els)
	}
	return PushOnExecStack
}

// ---------------------------------------------------------------------------
// Loops
// ---------------------------------------------------------------------------

// The loop operators push a frame ending in their continuation operator.
// Each time the continuation runs it either finishes (popping the frame)
// or pushes itself and the procedure again.

// opFor builds [mark cur incr limit proc %forcont]. With integer initial
// value and increment the loop counts in integers, otherwise in reals.
func opFor(c *Context) error {
	proc, err := c.procArg(0)
	if err != nil {
		return err
	}
	init, incr, limit := c.arg(3), c.arg(2), c.arg(1)
	if init.Type() == TInteger && incr.Type() == TInteger {
		switch limit.Type() {
		case TInteger:
		case TReal:
			limit = MakeInt(int64(limit.Real()))
		default:
			return ErrTypeCheck
		}
	} else {
		var f [3]float64
		for i, r := range []Ref{init, incr, limit} {
			n, ok := r.Number()
			if !ok {
				return ErrTypeCheck
			}
			f[i] = n
		}
		init, incr, limit = makeReal(f[0]), makeReal(f[1]), makeReal(f[2])
	}
	if err := c.pushFrame(makeEstackMark(markLoop, 0), init, incr, limit, proc, c.vm.opRef("%forcont")); err != nil {
		return err
	}
	c.pop(4)
	return PushOnExecStack
}

func forCont(c *Context) error {
	if err := c.e.Check(5); err != nil {
		return err
	}
	cur, incr, limit := *c.e.At(3), *c.e.At(2), *c.e.At(1)
	var done bool
	var next Ref
	if cur.Type() == TInteger {
		v, i, l := cur.Int(), incr.Int(), limit.Int()
		done = (i >= 0 && v > l) || (i < 0 && v < l)
		next = MakeInt(v + i)
	} else {
		v, i, l := cur.Real(), incr.Real(), limit.Real()
		done = (i >= 0 && v > l) || (i < 0 && v < l)
		next = makeReal(v + i)
	}
	if done {
		c.e.Pop(5)
		return PopOnExecStack
	}
	if err := c.room(1); err != nil {
		return err
	}
	if err := c.e.Need(2); err != nil {
		return err
	}
	c.push(cur)
	*c.e.At(3) = next
	proc := *c.e.At(0)
	c.e.Push(c.vm.opRef("%forcont"))
	c.e.Push(proc)
	return PushOnExecStack
}

func opRepeat(c *Context) error {
	n, err := c.intArg(1)
	if err != nil {
		return err
	}
	if n < 0 {
		return ErrRangeCheck
	}
	proc, err := c.procArg(0)
	if err != nil {
		return err
	}
	if err := c.pushFrame(makeEstackMark(markLoop, 0), MakeInt(n), proc, c.vm.opRef("%repeatcont")); err != nil {
		return err
	}
	c.pop(2)
	return PushOnExecStack
}

func repeatCont(c *Context) error {
	if err := c.e.Check(3); err != nil {
		return err
	}
	n := c.e.At(1).Int()
	if n <= 0 {
		c.e.Pop(3)
		return PopOnExecStack
	}
	if err := c.e.Need(2); err != nil {
		return err
	}
	*c.e.At(1) = MakeInt(n - 1)
	proc := *c.e.At(0)
	c.e.Push(c.vm.opRef("%repeatcont"))
	c.e.Push(proc)
	return PushOnExecStack
}

func opLoop(c *Context) error {
	proc, err := c.procArg(0)
	if err != nil {
		return err
	}
	if err := c.pushFrame(makeEstackMark(markLoop, 0), proc, c.vm.opRef("%loopcont")); err != nil {
		return err
	}
	c.pop(1)
	return PushOnExecStack
}

func loopCont(c *Context) error {
	if err := c.e.Check(2); err != nil {
		return err
	}
	if err := c.e.Need(2); err != nil {
		return err
	}
	proc := *c.e.At(0)
	c.e.Push(c.vm.opRef("%loopcont"))
	c.e.Push(proc)
	return PushOnExecStack
}

func opExit(c *Context) error { return c.exitLoop() }

// ---------------------------------------------------------------------------
// stop and stopped
// ---------------------------------------------------------------------------

func opStop(c *Context) error { return c.stop() }

// opStopped pushes [mark %stoppedpush obj]. stop unwinds through the mark
// and pushes true; a normal return reaches %stoppedpush, which pushes
// false.
func opStopped(c *Context) error {
	obj := c.arg(0)
	if err := c.pushFrame(stoppedMark(), c.vm.opRef("%stoppedpush"), obj); err != nil {
		return err
	}
	c.o.Pop(1)
	return PushOnExecStack
}

func stoppedPush(c *Context) error {
	if err := c.e.Check(1); err != nil {
		return err
	}
	if err := c.room(1); err != nil {
		return err
	}
	c.e.Pop(1)
	c.push(MakeBool(false))
	return PopOnExecStack
}

// runResult ends a top-level Execute: when the run was stopped by an
// error nobody handled, the error comes back to the embedder.
func runResult(c *Context) error {
	stopped, err := c.boolArg(0)
	if err != nil {
		return err
	}
	c.pop(1)
	if !stopped {
		return nil
	}
	return c.vm.takeError()
}

func interpExit(c *Context) error { return ErrInterpreterExit }

// ---------------------------------------------------------------------------
// Exec stack inspection
// ---------------------------------------------------------------------------

func opCountExecStack(c *Context) error {
	if err := c.room(1); err != nil {
		return err
	}
	c.push(MakeInt(int64(c.e.Count())))
	return nil
}

func opExecStack(c *Context) error { return c.copyStack(c.e) }

func opQuit(c *Context) error { return ErrQuit }

// ---------------------------------------------------------------------------
// Executable strings and files
// ---------------------------------------------------------------------------

// deliver routes a freshly scanned token: procedures read as text are
// data, everything else executable goes on the exec stack. The caller
// has made room on both stacks.
func (c *Context) deliver(tok Ref, bos bool) {
	if !tok.IsExec() || (tok.IsProc() && !bos) {
		c.push(tok)
		return
	}
	c.e.Push(tok)
}

// execString scans the next token of an executable string and pushes the
// rest of the string back for later.
func (c *Context) execString(str Ref) error {
	if !str.HasAccess(AExecute) {
		return ErrInvalidAccess
	}
	if err := c.e.Need(2); err != nil {
		return err
	}
	if err := c.room(1); err != nil {
		return err
	}
	s := NewStringStream("string", c.mem.bytesOf(str))
	tok, st, bos, err := c.scanToken(s)
	if err != nil {
		return err
	}
	if st != scanOK {
		return nil
	}
	if rest := str.Size() - s.pos; rest > 0 {
		c.e.Push(str.offset(s.pos, rest))
	}
	c.deliver(tok, bos)
	return nil
}

// execFile scans the next token of an executable file. When the stream
// needs input the file is left for Resume to retry.
func (c *Context) execFile(f Ref) error {
	if !f.HasAccess(AExecute) {
		return ErrInvalidAccess
	}
	s := c.vm.fileStream(f)
	if s.Closed() {
		return nil
	}
	if err := c.e.Need(2); err != nil {
		return err
	}
	if err := c.room(1); err != nil {
		return err
	}
	tok, st, bos, err := c.scanToken(s)
	if err != nil {
		return err
	}
	switch st {
	case scanNeedInput:
		return ErrNeedInput
	case scanEOF:
		c.vm.closeFile(f)
		return nil
	}
	c.e.Push(f)
	c.deliver(tok, bos)
	return nil
}
