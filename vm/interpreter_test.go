package vm

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func newTestContext(t *testing.T) (*Context, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	v, err := New(Options{LanguageLevel: 2, Stdout: &out})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v.NewContext(), &out
}

// stackString renders the operand stack bottom first, the way == would.
func stackString(c *Context) string {
	ops := c.Operands()
	parts := make([]string, len(ops))
	for i, r := range ops {
		parts[i] = c.vm.cvs(r, true)
	}
	return strings.Join(parts, " ")
}

func runPS(t *testing.T, src string) string {
	t.Helper()
	c, _ := newTestContext(t)
	if err := c.ExecuteString(src); err != nil {
		t.Fatalf("%q: %v", src, err)
	}
	return stackString(c)
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestInterpreterScenarios(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		// arithmetic
		{"1 2 add", "3"},
		{"10 3 sub", "7"},
		{"7 2 idiv", "3"},
		{"3 2 div", "1.5"},
		{"1.5 2 mul", "3.0"},

		// stack
		{"1 2 3 exch", "1 3 2"},
		{"1 2 3 3 1 roll", "3 1 2"},
		{"1 2 3 1 index", "1 2 3 2"},
		{"1 2 2 copy", "1 2 1 2"},
		{"mark 1 2 cleartomark 5", "5"},
		{"1 2 3 count", "1 2 3 3"},

		// control
		{"0 1 1 10 {add} for", "55"},
		{"0 5 {1 add} repeat", "5"},
		{"0 {1 add dup 10 eq {exit} if} loop", "10"},
		{"0 [1 2 3] {add} forall", "6"},
		{"0 (abc) {add} forall", "294"},
		{"0 << /a 1 /b 2 >> {exch pop add} forall", "3"},
		{"1 2 lt {7} {8} ifelse", "7"},
		{"{1 2 stop 3} stopped", "1 2 true"},
		{"{1 2} stopped", "1 2 false"},
		{"{1 0 idiv} stopped", "1 0 true"},
		{"{1 0 idiv} stopped clear $error /errorname get", "/undefinedresult"},
		{"{1 2 add} exec", "3"},
		{"(3 4 add) cvx exec", "7"},

		// dictionaries
		{"1 dict dup /a 1 put /a get", "1"},
		{"<< /a 1 /a 2 >> /a get", "2"},
		{"/x 5 def x x mul", "25"},
		{"/d 1 dict def d /a 1 put d /b 2 put d length", "2"},
		{"/d 2 dict def d /a 1 put d /a known d /b known", "true false"},
		{"/d 2 dict def d /a 1 put d /a undef d /a known", "false"},
		{"/zz where", "false"},
		{"/add where exch pop", "true"},
		{"5 dict begin /q 9 def q end", "9"},

		// composites
		{"[1 2 3] length", "3"},
		{"(hello) length", "5"},
		{"(abc) 1 get", "98"},
		{"[1 2 3] dup 1 9 put", "[1 9 3]"},
		{"[1 2 3 4] 1 2 getinterval aload pop add", "5"},
		{"3 string dup 0 (xyz) putinterval", "(xyz)"},
		{"(abcdef) (cd) search", "(ef) (cd) (ab) true"},
		{"(abcdef) (zz) search", "(abcdef) false"},
		{"[1 [2 3]]", "[1 [2 3]]"},

		// scanner
		{"<414243> length", "3"},
		{"<~9jqo^~>", "(Man )"},
		{"16#ff 8#17", "255 15"},
		{"(a\\)b) length", "3"},
		{"% comment\n42", "42"},
		{"/name", "/name"},
		{"{1 2 add}", "{1 2 add}"},
		{"1e2", "100.0"},

		// relational and types
		{"/a /a eq (ab) (ab) eq [1] [1] eq", "true true false"},
		{"1 1.0 eq", "true"},
		{"1 type", "integertype"},
		{"{1 2 add} type /arraytype eq", "true"},
		{"true setpacking {1 2 add} type false setpacking /packedarraytype eq", "true"},
		{"true setpacking {1 2 add} false setpacking exec", "3"},
		{"(12) cvi (2.5) cvr", "12 2.5"},
		{"123 10 string cvs", "(123)"},
		{"255 16 10 string cvrs", "(FF)"},

		// save and restore
		{"save /k 1 def restore /k where", "false"},
		{"/k 1 def save /k 2 def restore k", "1"},
		{"save true setpacking restore currentpacking", "false"},
		{"[1 2 3] save exch dup 0 9 put exch restore 0 get", "1"},
	}
	for _, tt := range tests {
		if got := runPS(t, tt.src); got != tt.want {
			t.Errorf("%q = %q, want %q", tt.src, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

func TestUncaughtErrorBecomesRunError(t *testing.T) {
	c, _ := newTestContext(t)
	err := c.ExecuteString("(a) 1 add")
	var re *RunError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *RunError", err)
	}
	if re.Code != ErrTypeCheck {
		t.Errorf("code = %v, want typecheck", re.Code)
	}
	if re.Command != "add" {
		t.Errorf("command = %q, want add", re.Command)
	}
	if !errors.Is(err, ErrTypeCheck) {
		t.Errorf("errors.Is(err, ErrTypeCheck) = false")
	}
	if got := stackString(c); got != "(a) 1" {
		t.Errorf("operands = %q, want %q", got, "(a) 1")
	}
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		src  string
		want ErrorCode
	}{
		{"pop", ErrStackUnderflow},
		{"nosuchname", ErrUndefined},
		{"1 0 idiv", ErrUndefinedResult},
		{"[1 2] 5 get", ErrRangeCheck},
		{"exit", ErrInvalidExit},
		{"(abc", ErrSyntaxError},
		{"}", ErrSyntaxError},
		{"save /k (v) def restore /k load", ErrUndefined},
		{"save (x) exch restore", ErrInvalidRestore},
		{"systemdict /foo 1 put", ErrInvalidAccess},
	}
	for _, tt := range tests {
		c, _ := newTestContext(t)
		err := c.ExecuteString(tt.src)
		if !errors.Is(err, tt.want) {
			t.Errorf("%q: err = %v, want %v", tt.src, err, tt.want)
		}
	}
}

func TestErrorLeavesContextUsable(t *testing.T) {
	c, _ := newTestContext(t)
	if err := c.ExecuteString("1 0 idiv"); err == nil {
		t.Fatal("expected an error")
	}
	c.ClearOperands()
	if err := c.ExecuteString("2 3 add"); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if got := stackString(c); got != "5" {
		t.Errorf("operands = %q, want 5", got)
	}
}

func TestCustomErrorHandler(t *testing.T) {
	c, _ := newTestContext(t)
	src := "errordict /undefined {pop (caught)} put nosuchname"
	if err := c.ExecuteString(src); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := stackString(c); got != "(caught)" {
		t.Errorf("operands = %q, want (caught)", got)
	}
}

func TestHandleErrorReport(t *testing.T) {
	c, out := newTestContext(t)
	if err := c.ExecuteString("{1 0 idiv} stopped pop handleerror"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "undefinedresult") {
		t.Errorf("report = %q, want it to name undefinedresult", out.String())
	}
}

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

func TestPrintOperators(t *testing.T) {
	c, out := newTestContext(t)
	if err := c.ExecuteString("(hi) print 42 = (s) == /n == [1 (a)] =="); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := "hi42\n(s)\n/n\n[1 (a)]\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestPstackPrintsTopFirst(t *testing.T) {
	c, out := newTestContext(t)
	if err := c.ExecuteString("1 (two) pstack"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.String() != "(two)\n1\n" {
		t.Errorf("output = %q", out.String())
	}
	if got := stackString(c); got != "1 (two)" {
		t.Errorf("operands = %q, want them left in place", got)
	}
}

// ---------------------------------------------------------------------------
// Streams
// ---------------------------------------------------------------------------

func TestNeedInputAndResume(t *testing.T) {
	c, _ := newTestContext(t)
	s := NewInputStream("in")
	s.Feed([]byte("1 2 "))
	if err := c.ExecuteStream(s); err != ErrNeedInput {
		t.Fatalf("err = %v, want ErrNeedInput", err)
	}
	if !c.Running() {
		t.Fatal("context should be suspended")
	}
	s.Feed([]byte("add"))
	s.CloseInput()
	if err := c.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := stackString(c); got != "3" {
		t.Errorf("operands = %q, want 3", got)
	}
	if c.Running() {
		t.Error("context still running after completion")
	}
}

func TestNeedInputMidToken(t *testing.T) {
	c, _ := newTestContext(t)
	s := NewInputStream("in")
	s.Feed([]byte("(hel"))
	if err := c.ExecuteStream(s); err != ErrNeedInput {
		t.Fatalf("err = %v, want ErrNeedInput", err)
	}
	s.Feed([]byte("lo) length"))
	s.CloseInput()
	if err := c.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := stackString(c); got != "5" {
		t.Errorf("operands = %q, want 5", got)
	}
}

func TestResumeWithoutExecute(t *testing.T) {
	c, _ := newTestContext(t)
	if err := c.Resume(); err != ErrInvalidContext {
		t.Errorf("err = %v, want ErrInvalidContext", err)
	}
}

func TestStringStream(t *testing.T) {
	c, _ := newTestContext(t)
	s := NewStringStream("src", []byte("/sq {dup mul} def 7 sq"))
	if err := c.ExecuteStream(s); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := stackString(c); got != "49" {
		t.Errorf("operands = %q, want 49", got)
	}
}

func TestTokenOperator(t *testing.T) {
	if got := runPS(t, "(12 rest) token"); got != "( rest) 12 true" && got != "(rest) 12 true" {
		t.Errorf("token = %q", got)
	}
	if got := runPS(t, "(   ) token"); got != "false" {
		t.Errorf("token on blanks = %q, want false", got)
	}
}

// ---------------------------------------------------------------------------
// Binary tokens
// ---------------------------------------------------------------------------

func TestBinaryTokens(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"int32", []byte{132, 0, 0, 0, 5}, "5"},
		{"int32 lsb", []byte{133, 5, 0, 0, 0}, "5"},
		{"int16", []byte{134, 0xff, 0xfe}, "-2"},
		{"int8", []byte{136, 0x80}, "-128"},
		{"bool", []byte{141, 1}, "true"},
		{"string", []byte{142, 3, 'a', 'b', 'c'}, "(abc)"},
		{"system name", append([]byte("1 2 "), 146, 1), "3"},
		{"literal system name", []byte{145, 1}, "/add"},
	}
	for _, tt := range tests {
		c, _ := newTestContext(t)
		if err := c.ExecuteStream(NewStringStream("bin", tt.in)); err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if got := stackString(c); got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestBinaryTokenTruncated(t *testing.T) {
	c, _ := newTestContext(t)
	err := c.ExecuteStream(NewStringStream("bin", []byte{132, 0, 0}))
	if !errors.Is(err, ErrSyntaxError) {
		t.Errorf("err = %v, want syntaxerror", err)
	}
}

func TestUserNames(t *testing.T) {
	c, _ := newTestContext(t)
	if err := c.ExecuteString("7 /seven defineusername"); err != nil {
		t.Fatalf("defineusername: %v", err)
	}
	if err := c.ExecuteStream(NewStringStream("bin", []byte{147, 7})); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := stackString(c); got != "/seven" {
		t.Errorf("operands = %q, want /seven", got)
	}
}

func TestBinaryObjectSequences(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		then string
		want string
	}{
		{"integer", []byte{128, 1, 0, 12, 1, 0, 0, 0, 0, 0, 0, 42}, "", "42"},
		{"tag byte ignored", []byte{128, 1, 0, 12, 1, 7, 0, 0, 0, 0, 0, 42}, "", "42"},
		{"lsb", []byte{129, 1, 12, 0, 1, 0, 0, 0, 42, 0, 0, 0}, "", "42"},
		{"system name", []byte{128, 1, 0, 12, 3, 0, 0xff, 0xff, 0, 0, 0, 1}, "", "/add"},
		{"user name", []byte{128, 1, 0, 12, 3, 0, 0, 0, 0, 0, 0, 3}, "", "/myname"},
		{"executable name", []byte{128, 3, 0, 28,
			1, 0, 0, 0, 0, 0, 0, 2,
			1, 0, 0, 0, 0, 0, 0, 3,
			0x83, 0, 0xff, 0xff, 0, 0, 0, 1}, "", "5"},
		{"string", []byte{128, 1, 0, 14, 5, 0, 0, 2, 0, 0, 0, 8, 'h', 'i'}, "", "(hi)"},
		{"dictionary", []byte{128, 1, 0, 28,
			15, 0, 0, 2, 0, 0, 0, 8,
			3, 0, 0xff, 0xff, 0, 0, 0, 1,
			1, 0, 0, 0, 0, 0, 0, 7}, "/add get", "7"},
		{"indirect dictionary", []byte{128, 2, 0, 36,
			15, 0, 0, 2, 0, 0, 0, 16,
			15, 0, 0, 1, 0, 0, 0, 0,
			3, 0, 0xff, 0xff, 0, 0, 0, 1,
			1, 0, 0, 0, 0, 0, 0, 7}, "dup /add get 3 1 roll eq", "7 true"},
		{"forward indirect dictionary", []byte{128, 2, 0, 36,
			15, 0, 0, 1, 0, 0, 0, 8,
			15, 0, 0, 2, 0, 0, 0, 16,
			3, 0, 0xff, 0xff, 0, 0, 0, 1,
			1, 0, 0, 0, 0, 0, 0, 7}, "eq", "true"},
	}
	for _, tt := range tests {
		c, _ := newTestContext(t)
		if err := c.ExecuteString("3 /myname defineusername"); err != nil {
			t.Fatalf("defineusername: %v", err)
		}
		if err := c.ExecuteStream(NewStringStream("bos", tt.in)); err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if tt.then != "" {
			if err := c.ExecuteString(tt.then); err != nil {
				t.Errorf("%s: %q: %v", tt.name, tt.then, err)
				continue
			}
		}
		if got := stackString(c); got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestBinaryObjectSequenceErrors(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
	}{
		{"odd dictionary length", []byte{128, 1, 0, 12, 15, 0, 0, 3, 0, 0, 0, 0}},
		{"indirect to a non-dictionary", []byte{128, 2, 0, 20,
			15, 0, 0, 1, 0, 0, 0, 8,
			1, 0, 0, 0, 0, 0, 0, 1}},
		{"indirect to an indirect", []byte{128, 1, 0, 12, 15, 0, 0, 1, 0, 0, 0, 0}},
		{"unknown type", []byte{128, 1, 0, 12, 20, 0, 0, 0, 0, 0, 0, 0}},
		{"array past the end", []byte{128, 1, 0, 12, 9, 0, 0, 4, 0, 0, 0, 8}},
	}
	for _, tt := range tests {
		c, _ := newTestContext(t)
		if err := c.ExecuteStream(NewStringStream("bos", tt.in)); !errors.Is(err, ErrSyntaxError) {
			t.Errorf("%s: err = %v, want syntaxerror", tt.name, err)
		}
	}
}

func TestEncodedObjectsReadBack(t *testing.T) {
	tests := []struct {
		src    string
		format int
		tag    byte
		then   string
		want   string
	}{
		{"[1 2 (ab)]", 1, 5, "", "[1 2 (ab)]"},
		{"[1 2 (ab)]", 2, 0, "", "[1 2 (ab)]"},
		{"[/x 2.5 true null]", 1, 255, "", "[/x 2.5 true null]"},
		{"{1 2 add}", 1, 1, "exec", "3"},
		{"<< /a 1 /b (bee) >>", 1, 9, "dup /a get exch /b get", "1 (bee)"},
		{"<< /a 1 /b (bee) >>", 2, 9, "length", "2"},
	}
	for _, tt := range tests {
		c, _ := newTestContext(t)
		if err := c.ExecuteString(tt.src); err != nil {
			t.Fatalf("%s: %v", tt.src, err)
		}
		obj := c.Operands()[0]
		data, err := c.vm.encodeObject(obj, tt.format, tt.tag)
		if err != nil {
			t.Errorf("%s: encode: %v", tt.src, err)
			continue
		}
		c.ClearOperands()
		if err := c.ExecuteStream(NewStringStream("bos", data)); err != nil {
			t.Errorf("%s: read back: %v", tt.src, err)
			continue
		}
		if tt.then != "" {
			if err := c.ExecuteString(tt.then); err != nil {
				t.Errorf("%s: %q: %v", tt.src, tt.then, err)
				continue
			}
		}
		if got := stackString(c); got != tt.want {
			t.Errorf("%s (format %d) = %q, want %q", tt.src, tt.format, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// bind
// ---------------------------------------------------------------------------

func TestBindReplacesOperators(t *testing.T) {
	got := runPS(t, "/p {1 2 add} bind def /add {sub} def p")
	if got != "3" {
		t.Errorf("bound proc = %q, want 3", got)
	}
	got = runPS(t, "/p {1 2 add} def /add {sub} def p")
	if got != "-1" {
		t.Errorf("unbound proc = %q, want -1", got)
	}
}

func TestBindPacked(t *testing.T) {
	got := runPS(t, "true setpacking /p {1 2 add} bind def false setpacking /add {sub} def p")
	if got != "3" {
		t.Errorf("bound packed proc = %q, want 3", got)
	}
}

// ---------------------------------------------------------------------------
// Contexts
// ---------------------------------------------------------------------------

func TestContextsShareVM(t *testing.T) {
	c1, _ := newTestContext(t)
	c2 := c1.VM().NewContext()
	if err := c1.ExecuteString("userdict /shared 11 put"); err != nil {
		t.Fatalf("c1: %v", err)
	}
	if err := c2.ExecuteString("shared"); err != nil {
		t.Fatalf("c2: %v", err)
	}
	if got := stackString(c2); got != "11" {
		t.Errorf("c2 operands = %q, want 11", got)
	}
	if got := stackString(c1); got != "" {
		t.Errorf("c1 operands = %q, want empty", got)
	}
}

func TestQuit(t *testing.T) {
	c, _ := newTestContext(t)
	if err := c.ExecuteString("1 quit 2"); err != ErrQuit {
		t.Errorf("err = %v, want ErrQuit", err)
	}
}

func TestInterruptStopsLoop(t *testing.T) {
	v, err := New(Options{LanguageLevel: 2, TimeSliceTicks: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c := v.NewContext()
	c.Interrupt()
	if err := c.ExecuteString("{} loop"); !errors.Is(err, ErrInterrupt) {
		t.Fatalf("err = %v, want interrupt", err)
	}
	c.ClearOperands()
	if err := c.ExecuteString("1 2 add"); err != nil {
		t.Fatalf("after interrupt: %v", err)
	}
	if got := stackString(c); got != "3" {
		t.Errorf("operands = %q, want 3", got)
	}
}

func TestTimeSliceHook(t *testing.T) {
	v, err := New(Options{LanguageLevel: 2, TimeSliceTicks: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	slices := 0
	v.SetTimeSliceHook(func(c *Context) {
		if slices++; slices == 3 {
			c.Interrupt()
		}
	})
	c := v.NewContext()
	if err := c.ExecuteString("{} loop"); !errors.Is(err, ErrInterrupt) {
		t.Fatalf("err = %v, want interrupt", err)
	}
	if slices < 3 {
		t.Errorf("hook ran %d times, want at least 3", slices)
	}
}

func TestYield(t *testing.T) {
	c, _ := newTestContext(t)
	if err := c.ExecuteString("1 .yield 2"); !errors.Is(err, ErrInvalidContext) {
		t.Fatalf("yield without a scheduler = %v, want invalidcontext", err)
	}

	c.ClearOperands()
	yields := 0
	c.VM().SetScheduler(func(cur *Context) error {
		if cur != c {
			t.Errorf("scheduler got another context")
		}
		yields++
		return nil
	})
	if err := c.ExecuteString("1 .yield 2 .yield 3"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := stackString(c); got != "1 2 3" {
		t.Errorf("operands = %q, want 1 2 3", got)
	}
	if yields != 2 {
		t.Errorf("scheduler ran %d times, want 2", yields)
	}
}

// ---------------------------------------------------------------------------
// Stack overflow
// ---------------------------------------------------------------------------

func TestOperandStackOverflowPackagesStack(t *testing.T) {
	v, err := New(Options{LanguageLevel: 2, MaxOStack: 40, StackBlock: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c := v.NewContext()
	src := "{0 1 100 {} for} stopped exch dup length exch 39 get $error /errorname get"
	if err := c.ExecuteString(src); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := stackString(c); got != "true 40 39 /stackoverflow" {
		t.Errorf("operands = %q, want true 40 39 /stackoverflow", got)
	}
}

func TestExecStackOverflowPackagesStack(t *testing.T) {
	v, err := New(Options{LanguageLevel: 2, MaxEStack: 40, StackBlock: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c := v.NewContext()
	err = c.ExecuteString("/r {r 1} def r")
	if !errors.Is(err, ErrExecStackOverflow) {
		t.Fatalf("err = %v, want execstackoverflow", err)
	}
	ops := c.Operands()
	if len(ops) != 1 || ops[0].Type() != TArray || ops[0].Size() == 0 {
		t.Fatalf("operands = %q, want the packaged exec stack", stackString(c))
	}
	_, e, _ := c.Depths()
	if e != 0 {
		t.Errorf("exec depth = %d after the run, want 0", e)
	}

	c.ClearOperands()
	if err := c.ExecuteString("1 2 add"); err != nil {
		t.Fatalf("after overflow: %v", err)
	}
	if got := stackString(c); got != "3" {
		t.Errorf("operands = %q, want 3", got)
	}
}
