package vm

import "fmt"

// ErrorCode is a PostScript error or an internal interpreter condition.
// PostScript errors are negative and ordered like the ErrorNames array;
// internal conditions follow them and are never seen by PostScript code.
type ErrorCode int

const (
	ErrUnknownError ErrorCode = -(iota + 1)
	ErrDictFull
	ErrDictStackOverflow
	ErrDictStackUnderflow
	ErrExecStackOverflow
	ErrInterrupt
	ErrInvalidAccess
	ErrInvalidExit
	ErrInvalidFileAccess
	ErrInvalidFont
	ErrInvalidRestore
	ErrIOError
	ErrLimitCheck
	ErrNoCurrentPoint
	ErrRangeCheck
	ErrStackOverflow
	ErrStackUnderflow
	ErrSyntaxError
	ErrTimeout
	ErrTypeCheck
	ErrUndefined
	ErrUndefinedFilename
	ErrUndefinedResult
	ErrUnmatchedMark
	ErrVMError
	ErrConfigurationError
	ErrUndefinedResource
	ErrUnregistered
	ErrInvalidContext
	ErrInvalidID

	// Internal codes.
	ErrFatal
	ErrQuit
	ErrInterpreterExit
	ErrNeedInput
	ErrVMReclaim
	ErrExecStackUnderflow
)

// errorNames is indexed by -code-1 for PostScript errors.
var errorNames = []string{
	"unknownerror",
	"dictfull",
	"dictstackoverflow",
	"dictstackunderflow",
	"execstackoverflow",
	"interrupt",
	"invalidaccess",
	"invalidexit",
	"invalidfileaccess",
	"invalidfont",
	"invalidrestore",
	"ioerror",
	"limitcheck",
	"nocurrentpoint",
	"rangecheck",
	"stackoverflow",
	"stackunderflow",
	"syntaxerror",
	"timeout",
	"typecheck",
	"undefined",
	"undefinedfilename",
	"undefinedresult",
	"unmatchedmark",
	"VMerror",
	"configurationerror",
	"undefinedresource",
	"unregistered",
	"invalidcontext",
	"invalidid",
}

var internalNames = map[ErrorCode]string{
	ErrFatal:              "Fatal",
	ErrQuit:               "Quit",
	ErrInterpreterExit:    "InterpreterExit",
	ErrNeedInput:          "NeedInput",
	ErrVMReclaim:          "VMreclaim",
	ErrExecStackUnderflow: "ExecStackUnderflow",
}

// Name returns the PostScript error name, or the internal condition name.
func (e ErrorCode) Name() string {
	if i := int(-e - 1); i >= 0 && i < len(errorNames) {
		return errorNames[i]
	}
	if n, ok := internalNames[e]; ok {
		return n
	}
	return fmt.Sprintf("error%d", int(e))
}

func (e ErrorCode) Error() string { return e.Name() }

// IsPostScript reports whether e is an error PostScript code can catch.
func (e ErrorCode) IsPostScript() bool {
	i := int(-e - 1)
	return i >= 0 && i < len(errorNames)
}

// errorCodeByName maps an error name back to its code.
func errorCodeByName(name string) (ErrorCode, bool) {
	for i, n := range errorNames {
		if n == name {
			return ErrorCode(-(i + 1)), true
		}
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Operator return protocol
// ---------------------------------------------------------------------------

// Signal is returned by operators to steer the interpreter loop. It
// implements error so operators keep the func(*Context) error shape.
type Signal int

const (
	// PushOnExecStack: the operator pushed onto the exec stack.
	PushOnExecStack Signal = iota + 1
	// PopOnExecStack: the operator popped the exec stack.
	PopOnExecStack
	// Reschedule: the running context should yield.
	Reschedule
	// InsertProc: the operator pushed a procedure that must run before the
	// operator is retried.
	InsertProc
)

func (s Signal) Error() string {
	switch s {
	case PushOnExecStack:
		return "push estack"
	case PopOnExecStack:
		return "pop estack"
	case Reschedule:
		return "reschedule"
	case InsertProc:
		return "insert proc"
	}
	return "signal"
}

// RunError is what an embedder sees when PostScript code fails without a
// surrounding stopped context: the error name and the offending command
// as recorded in $error.
type RunError struct {
	Code    ErrorCode
	Command string
}

func (e *RunError) Error() string {
	if e.Command == "" {
		return e.Code.Name()
	}
	return fmt.Sprintf("%s in %s", e.Code.Name(), e.Command)
}

func (e *RunError) Unwrap() error { return e.Code }

// FatalError reports VM corruption detected at runtime (for example an
// unrecognised tag met by the collector).
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string { return "fatal: " + e.Reason }

func (e *FatalError) Unwrap() error { return ErrFatal }

func fatalf(format string, args ...any) {
	panic(&FatalError{Reason: fmt.Sprintf(format, args...)})
}
