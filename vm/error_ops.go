package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Error handling: errordict, $error and the default handlers
// ---------------------------------------------------------------------------

var errorOps = []OpDef{
	{"2.error", opError},
	{"0handleerror", opHandleError},
}

// errorHandler returns the errordict entry for code.
func (v *VM) errorHandler(code ErrorCode) (Ref, bool) {
	if !v.errorDict.IsValid() {
		return Ref{}, false
	}
	key, ok := v.mem.names.Lookup(code.Name())
	if !ok {
		return Ref{}, false
	}
	h, found, err := v.mem.DictGet(v.errorDict, MakeName(key))
	if err != nil || !found {
		return Ref{}, false
	}
	return h, true
}

// errorInfo entries.

func (v *VM) errorGet(key string) Ref {
	r, ok, _ := v.mem.DictGet(v.errorInfo, v.mem.names.MustRef(key))
	if !ok {
		return MakeNull()
	}
	return r
}

func (v *VM) errorPut(key string, val Ref) {
	if _, err := v.mem.DictPut(v.errorInfo, v.mem.names.MustRef(key), val); err != nil {
		vmLog.Warningf("$error %s: %s", key, err)
	}
}

// arrayOf copies refs into a new array in local VM.
func (m *Memory) arrayOf(refs []Ref) (Ref, error) {
	a, err := m.AllocArray(SpaceLocal, len(refs))
	if err != nil {
		return Ref{}, err
	}
	for i, r := range refs {
		m.storeRef(a, i, r)
	}
	return a, nil
}

// recordError fills in $error the way the default error handlers do.
func (c *Context) recordError(name, command Ref) {
	v := c.vm
	v.errorPut("newerror", MakeBool(true))
	v.errorPut("errorname", name)
	v.errorPut("command", command)
	if rs := v.errorGet("recordstacks"); rs.Type() == TBoolean && !rs.Bool() {
		return
	}
	for _, s := range []struct {
		key   string
		stack *RefStack
	}{{"ostack", c.o}, {"estack", c.e}, {"dstack", c.d}} {
		a, err := c.mem.arrayOf(s.stack.Slice())
		if err != nil {
			vmLog.Warningf("recording %s: %s", s.key, err)
			continue
		}
		v.errorPut(s.key, a)
	}
}

// opError is the body of every default error handler: command errname
// .error records the error and stops.
func opError(c *Context) error {
	name, cmd := c.arg(0), c.arg(1)
	if name.Type() != TName {
		return ErrTypeCheck
	}
	c.pop(2)
	c.recordError(name.Cvlit(), cmd)
	return c.stop()
}

// takeError turns a pending $error record into a Go error and clears it.
func (v *VM) takeError() error {
	if !v.errorInfo.IsValid() {
		return nil
	}
	ne := v.errorGet("newerror")
	if ne.Type() != TBoolean || !ne.Bool() {
		return nil
	}
	v.errorPut("newerror", MakeBool(false))
	code := ErrUnknownError
	if n := v.errorGet("errorname"); n.Type() == TName {
		if ec, ok := errorCodeByName(v.mem.names.String(n.NameIndex())); ok {
			code = ec
		}
	}
	return &RunError{Code: code, Command: v.describe(v.errorGet("command"))}
}

// errorReport formats $error the way handleerror prints it.
func (v *VM) errorReport() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Error: %s in %s\n", v.cvs(v.errorGet("errorname"), true), v.cvs(v.errorGet("command"), true))
	if ost := v.errorGet("ostack"); ost.IsArray() {
		elems := v.mem.ArrayElems(ost)
		fmt.Fprintf(&sb, "Operand stack:\n")
		for i := len(elems) - 1; i >= 0; i-- {
			fmt.Fprintf(&sb, "   %s\n", v.cvs(elems[i], true))
		}
	}
	return sb.String()
}

func opHandleError(c *Context) error {
	v := c.vm
	ne := v.errorGet("newerror")
	if ne.Type() != TBoolean || !ne.Bool() {
		return nil
	}
	if _, err := v.stdout.Write([]byte(v.errorReport())); err != nil {
		return ErrIOError
	}
	v.errorPut("newerror", MakeBool(false))
	return nil
}
