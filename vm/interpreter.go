package vm

import (
	"github.com/tliron/commonlog"
)

var interpLog = commonlog.GetLogger("psvm.interp")

// ---------------------------------------------------------------------------
// Main loop
// ---------------------------------------------------------------------------

// run drives the exec stack. The top of the exec stack is the cursor: a
// procedure there is executed one element at a time, advancing the ref in
// place and popping it before its last element runs so that tail calls do
// not grow the stack. run returns nil when the exec stack empties, and
// otherwise the condition the embedder has to see.
func (c *Context) run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			fe, ok := r.(*FatalError)
			if !ok {
				panic(r)
			}
			interpLog.Criticalf("%s", fe.Reason)
			c.vm.fatal = fe
			err = fe
		}
	}()
	e := c.e
	for {
		if c.ticks--; c.ticks <= 0 {
			if ierr := c.slice(); ierr != nil {
				if _, ferr := c.recover(ierr, MakeNull()); ferr != nil {
					return ferr
				}
				continue
			}
		}
		if e.Avail() == 0 {
			if !e.PopBlock() {
				return nil
			}
			continue
		}
		top := e.Top()
		var tok Ref
		fromProc := false
		if top.IsProc() {
			n := top.Size()
			if n == 0 {
				e.Pop(1)
				continue
			}
			tok = c.procHead(*top)
			if n == 1 {
				e.Pop(1)
			} else {
				*top = c.procAdvance(*top)
			}
			fromProc = true
		} else {
			tok = *top
			e.Pop(1)
		}
		for {
			xerr := c.exec(tok, fromProc)
			if xerr == nil {
				break
			}
			retry, ferr := c.recover(xerr, tok)
			if ferr != nil {
				return ferr
			}
			if !retry {
				break
			}
		}
	}
}

// slice runs when the tick counter expires: it performs a requested
// collection, calls the time-slice hook and delivers a pending interrupt.
func (c *Context) slice() error {
	c.ticks = c.vm.opts.TimeSliceTicks
	if c.mem.gcRequested {
		c.vm.collect(false)
	}
	if h := c.vm.timeSlice; h != nil {
		h(c)
	}
	if c.interrupt.Swap(false) {
		return ErrInterrupt
	}
	return nil
}

// procHead returns the first element of a procedure, mapping packed
// operators back to their table refs.
func (c *Context) procHead(p Ref) Ref {
	r := c.mem.ArrayGet(p, 0)
	if r.Type() == TOperator {
		return c.vm.opByIndex(r.OpIndex())
	}
	return r
}

// procAdvance drops the first element of a procedure.
func (c *Context) procAdvance(p Ref) Ref {
	if p.Type() == TMixedArray {
		return c.mem.SubArray(p, 1, p.Size()-1)
	}
	return p.offset(1, p.Size()-1)
}

// exec classifies one token and carries it out.
func (c *Context) exec(tok Ref, fromProc bool) error {
	switch tok.Type() {
	case TName:
		if !tok.IsExec() {
			return c.o.Push(tok)
		}
		v, ok := c.lookup(tok.NameIndex())
		if !ok {
			return ErrUndefined
		}
		return c.execValue(v)
	case TOperator:
		return c.call(tok)
	case txAdd:
		return opAdd(c)
	case txSub:
		return opSub(c)
	case txDup:
		if c.o.Avail() < 1 {
			return ErrStackUnderflow
		}
		return c.o.Push(*c.o.Top())
	case txPop:
		if c.o.Avail() < 1 {
			return ErrStackUnderflow
		}
		c.o.Pop(1)
		return nil
	case txExch:
		if c.o.Avail() < 2 {
			return ErrStackUnderflow
		}
		a, b := c.o.At(0), c.o.At(1)
		*a, *b = *b, *a
		return nil
	case txIndex:
		return opIndex(c)
	case txRoll:
		return opRoll(c)
	case txDef:
		return opDef(c)
	case txIf:
		return opIf(c)
	case txIfElse:
		return opIfElse(c)
	case TArray, TMixedArray, TShortArray:
		if !tok.IsExec() || fromProc {
			return c.o.Push(tok)
		}
		if !tok.HasAccess(AExecute) {
			return ErrInvalidAccess
		}
		if tok.Size() == 0 {
			return nil
		}
		return c.e.Push(tok)
	case TNull:
		if tok.IsExec() {
			return nil
		}
		return c.o.Push(tok)
	case TString:
		if !tok.IsExec() {
			return c.o.Push(tok)
		}
		return c.execString(tok)
	case TFile:
		if !tok.IsExec() {
			return c.o.Push(tok)
		}
		return c.execFile(tok)
	case TInvalid:
		fatalf("invalid ref reached the interpreter")
	}
	return c.o.Push(tok)
}

// execValue executes the value a name resolved to. Anything that would
// need another lookup goes back on the exec stack so that a chain of
// names cannot recurse in Go.
func (c *Context) execValue(v Ref) error {
	if !v.IsExec() {
		return c.o.Push(v)
	}
	switch v.Type() {
	case TName, TString, TFile:
		return c.e.Push(v)
	}
	return c.exec(v, false)
}

// call runs a table operator.
func (c *Context) call(tok Ref) error {
	op := c.vm.op(tok.OpIndex())
	if op == nil {
		return ErrUndefined
	}
	if c.o.Avail() < op.minArgs {
		return ErrStackUnderflow
	}
	return op.proc(c)
}

// ---------------------------------------------------------------------------
// Error recovery and dispatch
// ---------------------------------------------------------------------------

// recover interprets a non-nil result of exec. It reports whether tok
// should be retried (after a stack was grown or a segment made visible),
// or returns an error that ends run.
func (c *Context) recover(err error, tok Ref) (bool, error) {
	switch e := err.(type) {
	case Signal:
		switch e {
		case PushOnExecStack, PopOnExecStack:
			return false, nil
		case InsertProc:
			p := *c.e.Top()
			c.e.Pop(1)
			c.e.Push(tok)
			c.e.Push(p)
			return false, nil
		case Reschedule:
			if c.vm.scheduler == nil {
				return c.signal(ErrInvalidContext, tok)
			}
			if serr := c.vm.scheduler(c); serr != nil {
				return false, serr
			}
			c.vm.switchTo(c)
			return false, nil
		}
		return false, nil
	case ErrorCode:
		switch e {
		case ErrStackUnderflow:
			if c.o.PopBlock() {
				return true, nil
			}
		case ErrStackOverflow:
			if c.o.Extend(c.o.Requested) {
				return true, nil
			}
			if perr := c.packageStack(c.o, 0); perr != nil {
				return false, perr
			}
		case ErrDictStackUnderflow:
			if c.d.PopBlock() {
				return true, nil
			}
		case ErrDictStackOverflow:
			if c.d.Extend(1) {
				return true, nil
			}
			if perr := c.packageStack(c.d, len(c.vm.permanentDicts())); perr != nil {
				return false, perr
			}
		case ErrExecStackUnderflow:
			if c.e.PopBlock() {
				return true, nil
			}
			fatalf("exec stack underflow executing %s", c.vm.describe(tok))
		case ErrExecStackOverflow:
			if c.e.Extend(c.e.Requested) {
				return true, nil
			}
			if perr := c.packageStack(c.e, c.floor); perr != nil {
				return false, perr
			}
		case ErrVMReclaim:
			c.vm.collect(true)
			return false, nil
		case ErrNeedInput:
			// Retried by Resume once the stream has been fed.
			if c.e.Push(tok) != nil {
				c.e.Extend(1)
				c.e.Push(tok)
			}
			return false, e
		case ErrQuit, ErrInterpreterExit, ErrFatal:
			return false, e
		}
		return c.signal(e, tok)
	}
	return false, err
}

// signal dispatches a PostScript error to its errordict handler, with the
// offending object pushed on the operand stack.
func (c *Context) signal(code ErrorCode, tok Ref) (bool, error) {
	if !code.IsPostScript() {
		return false, code
	}
	interpLog.Debugf("%s in %s", code.Name(), c.vm.describe(tok))
	c.pageWait = false
	h, ok := c.vm.errorHandler(code)
	if !ok {
		return false, &RunError{Code: code, Command: c.vm.describe(tok)}
	}
	if err := c.pushOperand(tok); err != nil {
		return false, err
	}
	if err := c.e.Push(h); err != nil {
		if !c.e.Extend(1) {
			return false, &RunError{Code: code, Command: c.vm.describe(tok)}
		}
		c.e.Push(h)
	}
	return false, nil
}

// pushOperand pushes r, growing or packaging the operand stack if needed.
func (c *Context) pushOperand(r Ref) error {
	if c.o.Push(r) == nil {
		return nil
	}
	if !c.o.Extend(1) {
		if err := c.packageStack(c.o, 0); err != nil {
			return err
		}
	}
	return c.o.Push(r)
}

// packageStack handles an overflow that cannot be grown away: the
// entries above keep are copied into an array, popped, and the array is
// pushed on the operand stack for the error handler to see.
func (c *Context) packageStack(s *RefStack, keep int) error {
	all := s.Slice()
	if keep > len(all) {
		keep = len(all)
	}
	arr, err := c.mem.AllocArray(c.mem.current, len(all)-keep)
	if err != nil {
		return err
	}
	for i, r := range all[keep:] {
		c.mem.storeRef(arr, i, r)
	}
	s.PopTo(keep)
	interpLog.Warningf("packaged %d stack entries", len(all)-keep)
	if s == c.o {
		return c.o.Push(arr)
	}
	return c.pushOperand(arr)
}

// ---------------------------------------------------------------------------
// Unwinding
// ---------------------------------------------------------------------------

// findMark returns the depth of the topmost exec stack mark of the given
// kind. Marks of other kinds that are not markOther block the search.
func (c *Context) findMark(kind markKind) (int, bool) {
	for i := 0; i < c.e.Count(); i++ {
		r, _ := c.e.Index(i)
		if !r.isEstackMark() || r.markKind() == markOther {
			continue
		}
		return i, r.markKind() == kind
	}
	return 0, false
}

// unwind pops n exec stack entries, running the cleanup operators of the
// frames it passes.
func (c *Context) unwind(n int) {
	for ; n > 0; n-- {
		if c.e.Avail() == 0 {
			c.e.PopBlock()
		}
		r := *c.e.Top()
		c.e.Pop(1)
		if r.isEstackMark() {
			if i := r.markCleanup(); i != 0 {
				if op := c.vm.op(i); op != nil {
					op.proc(c)
				}
			}
		}
	}
}

// stop unwinds to the innermost stopped frame and pushes true. Without a
// stopped frame the run ends.
func (c *Context) stop() error {
	depth := -1
	for i := 0; i < c.e.Count(); i++ {
		r, _ := c.e.Index(i)
		if r.isEstackMark() && r.markKind() == markStopped {
			depth = i
			break
		}
	}
	if depth < 0 {
		return ErrInterpreterExit
	}
	if err := c.o.Need(1); err != nil {
		return err
	}
	c.unwind(depth + 1)
	c.push(MakeBool(true))
	return PopOnExecStack
}

// exitLoop unwinds to the innermost loop frame. A stopped frame in the
// way makes the exit invalid and leaves the stack untouched.
func (c *Context) exitLoop() error {
	depth, ok := c.findMark(markLoop)
	if !ok {
		return ErrInvalidExit
	}
	c.unwind(depth + 1)
	return PopOnExecStack
}
