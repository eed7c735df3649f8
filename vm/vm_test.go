package vm

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Bootstrap
// ---------------------------------------------------------------------------

func TestNewVMDefinesSystemNames(t *testing.T) {
	c, _ := newTestContext(t)
	for _, name := range []string{"add", "def", "save", "restore", "true", "ErrorNames", "setpagedevice"} {
		if _, ok := c.Lookup(name); !ok {
			t.Errorf("%s is not defined", name)
		}
	}
	if got := runPS(t, "languagelevel product"); got != "2 (psvm)" {
		t.Errorf("languagelevel product = %q", got)
	}
	if got := runPS(t, "countdictstack"); got != "3" {
		t.Errorf("countdictstack = %q, want 3", got)
	}
}

func TestSystemDictIsReadOnly(t *testing.T) {
	if got := runPS(t, "systemdict wcheck userdict wcheck"); got != "false true" {
		t.Errorf("wcheck = %q, want false true", got)
	}
}

func TestLevelOneRejectsGlobal(t *testing.T) {
	v, err := New(Options{LanguageLevel: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c := v.NewContext()
	if err := c.ExecuteString("true setglobal"); !errors.Is(err, ErrUndefined) {
		t.Errorf("err = %v, want undefined", err)
	}
}

// ---------------------------------------------------------------------------
// VM operators
// ---------------------------------------------------------------------------

func TestGlobalAllocation(t *testing.T) {
	got := runPS(t, "true setglobal currentglobal 1 array gcheck false setglobal 1 array gcheck 5 gcheck")
	if got != "true true false true" {
		t.Errorf("got %q", got)
	}
}

func TestGlobalCannotHoldLocal(t *testing.T) {
	c, _ := newTestContext(t)
	err := c.ExecuteString("true setglobal 1 array false setglobal dup 0 1 array put")
	if !errors.Is(err, ErrInvalidAccess) {
		t.Errorf("err = %v, want invalidaccess", err)
	}
}

func TestVMStatus(t *testing.T) {
	if got := runPS(t, "vmstatus pop pop"); got != "0" {
		t.Errorf("save level = %q, want 0", got)
	}
	if got := runPS(t, "save vmstatus pop pop exch pop"); got != "1" {
		t.Errorf("save level inside save = %q, want 1", got)
	}
}

func TestVMReclaim(t *testing.T) {
	src := "/keep (kept) def 1 1 200 {pop 50 array pop} for 1 vmreclaim 2 vmreclaim keep"
	if got := runPS(t, src); got != "(kept)" {
		t.Errorf("got %q, want (kept)", got)
	}
	c, _ := newTestContext(t)
	if err := c.ExecuteString("3 vmreclaim"); !errors.Is(err, ErrRangeCheck) {
		t.Errorf("3 vmreclaim = %v, want rangecheck", err)
	}
}

func TestGCBetweenRuns(t *testing.T) {
	c, _ := newTestContext(t)
	if err := c.ExecuteString("/d 10 dict def d /x (hello) put 1 1 500 {pop 100 array pop} for"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	c.VM().GC()
	if err := c.ExecuteString("d /x get"); err != nil {
		t.Fatalf("after GC: %v", err)
	}
	if got := stackString(c); got != "(hello)" {
		t.Errorf("operands = %q, want (hello)", got)
	}
}

func TestGCAfterPermanentDictGrowth(t *testing.T) {
	c, _ := newTestContext(t)
	if err := c.ExecuteString("/x 1 def 1 1 300 {10 string cvs cvn 1 def} for"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	c.VM().GC()
	if err := c.ExecuteString("x /x 2 def x (300) cvn load"); err != nil {
		t.Fatalf("after GC: %v", err)
	}
	if got := stackString(c); got != "1 2 1" {
		t.Errorf("operands = %q, want 1 2 1", got)
	}
}

func TestForgetSaveOperator(t *testing.T) {
	if got := runPS(t, "/a 1 def save /a 2 def .forgetsave a"); got != "2" {
		t.Errorf("got %q, want 2", got)
	}
}

// ---------------------------------------------------------------------------
// Files
// ---------------------------------------------------------------------------

func newFileContext(t *testing.T, files map[string]string) (*Context, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	v, err := New(Options{
		LanguageLevel: 2,
		Stdout:        &out,
		Open: func(name string) (io.ReadCloser, error) {
			text, ok := files[name]
			if !ok {
				return nil, os.ErrNotExist
			}
			return io.NopCloser(strings.NewReader(text)), nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v.NewContext(), &out
}

func TestRunFile(t *testing.T) {
	c, _ := newFileContext(t, map[string]string{"lib.ps": "/fromfile 42 def"})
	if err := c.ExecuteString("(lib.ps) run fromfile"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := stackString(c); got != "42" {
		t.Errorf("operands = %q, want 42", got)
	}
}

func TestFileErrors(t *testing.T) {
	c, _ := newFileContext(t, nil)
	if err := c.ExecuteString("(missing.ps) run"); !errors.Is(err, ErrUndefinedFilename) {
		t.Errorf("run missing = %v, want undefinedfilename", err)
	}
	c.ClearOperands()
	if err := c.ExecuteString("(out.ps) (w) file"); !errors.Is(err, ErrInvalidFileAccess) {
		t.Errorf("write mode = %v, want invalidfileaccess", err)
	}
}

func TestReadOperators(t *testing.T) {
	c, _ := newFileContext(t, map[string]string{"data": "line one\r\nAB"})
	src := "(data) (r) file dup 20 string readline 3 -1 roll dup read 3 -1 roll dup read 3 -1 roll read"
	if err := c.ExecuteString(src); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := "(line one) true 65 true 66 true false"
	if got := stackString(c); got != want {
		t.Errorf("operands = %q, want %q", got, want)
	}
}

func TestCurrentFile(t *testing.T) {
	c, _ := newTestContext(t)
	s := NewStringStream("job", []byte("currentfile 3 string readstring ABC"))
	if err := c.ExecuteStream(s); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := stackString(c); got != "(ABC) true" {
		t.Errorf("operands = %q, want (ABC) true", got)
	}
}

func TestWriteToStdout(t *testing.T) {
	c, out := newTestContext(t)
	if err := c.ExecuteString("(%stdout) (w) file dup (hi) writestring 10 write"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.String() != "hi\n" {
		t.Errorf("output = %q, want hi\\n", out.String())
	}
}

func TestFileToken(t *testing.T) {
	c, _ := newFileContext(t, map[string]string{"toks": "12 /x"})
	if err := c.ExecuteString("(toks) (r) file dup token pop exch dup token pop exch token"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := stackString(c); got != "12 /x false" {
		t.Errorf("operands = %q, want 12 /x false", got)
	}
}

// ---------------------------------------------------------------------------
// Device
// ---------------------------------------------------------------------------

func TestDeviceParams(t *testing.T) {
	c, _ := newTestContext(t)
	dev := NewNullDevice()
	c.VM().SetDevice(dev)
	src := "<< /PageSize [100 200] /Duplex true >> setpagedevice currentpagedevice /PageSize get 0 get showpage copypage"
	if err := c.ExecuteString(src); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := stackString(c); got != "100" {
		t.Errorf("operands = %q, want 100", got)
	}
	if dev.Pages != 2 {
		t.Errorf("Pages = %d, want 2", dev.Pages)
	}
	params := dev.GetParams()
	if params["Duplex"] != true {
		t.Errorf("Duplex = %v, want true", params["Duplex"])
	}
	size, ok := params["PageSize"].([]any)
	if !ok || len(size) != 2 || size[1] != int64(200) {
		t.Errorf("PageSize = %#v", params["PageSize"])
	}
}

func TestEndPageDecidesTransmission(t *testing.T) {
	c, _ := newTestContext(t)
	dev := NewNullDevice()
	c.VM().SetDevice(dev)
	if err := c.ExecuteString("/EndPage {exch pop 0 eq} def showpage copypage {showpage 7} exec 5"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := stackString(c); got != "7 5" {
		t.Errorf("operands = %q, want 7 5", got)
	}
	if dev.Pages != 2 {
		t.Errorf("Pages = %d, want 2", dev.Pages)
	}
}

func TestEndPageCount(t *testing.T) {
	c, _ := newTestContext(t)
	dev := NewNullDevice()
	c.VM().SetDevice(dev)
	src := "/EndPage {pop /n exch def true} def showpage showpage n copypage n << >> setpagedevice showpage n"
	if err := c.ExecuteString(src); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := stackString(c); got != "1 2 0" {
		t.Errorf("counts = %q, want 1 2 0", got)
	}
	if dev.Pages != 4 {
		t.Errorf("Pages = %d, want 4", dev.Pages)
	}
}

func TestEndPageErrorLeavesShowPageUsable(t *testing.T) {
	c, _ := newTestContext(t)
	dev := NewNullDevice()
	c.VM().SetDevice(dev)
	src := "/EndPage {pop pop 1 0 idiv} def {showpage} stopped /EndPage {pop pop true} def showpage"
	if err := c.ExecuteString(src); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := stackString(c); got != "1 0 true" {
		t.Errorf("operands = %q, want 1 0 true", got)
	}
	if dev.Pages != 1 {
		t.Errorf("Pages = %d, want 1", dev.Pages)
	}
}

type failingDevice struct{ NullDevice }

func (d *failingDevice) PutParams(map[string]any) error { return errors.New("unsupported") }

func TestDeviceFailureIsConfigurationError(t *testing.T) {
	c, _ := newTestContext(t)
	c.VM().SetDevice(&failingDevice{})
	err := c.ExecuteString("<< /Foo 1 >> setpagedevice")
	if !errors.Is(err, ErrConfigurationError) {
		t.Errorf("err = %v, want configurationerror", err)
	}
}

func TestCurrentDevice(t *testing.T) {
	if got := runPS(t, "currentdevice type"); got != "devicetype" {
		t.Errorf("currentdevice type = %q", got)
	}
}

func TestParamConversion(t *testing.T) {
	c, _ := newTestContext(t)
	v := c.VM()
	in := map[string]any{
		"n":    int64(3),
		"r":    0.5,
		"s":    "text",
		"list": []any{true, nil},
		"sub":  map[string]any{"k": int64(1)},
	}
	d, err := v.MapToDict(in)
	if err != nil {
		t.Fatalf("MapToDict: %v", err)
	}
	out, err := v.DictToMap(d)
	if err != nil {
		t.Fatalf("DictToMap: %v", err)
	}
	if out["n"] != int64(3) || out["r"] != 0.5 || out["s"] != "text" {
		t.Errorf("scalars = %v %v %v", out["n"], out["r"], out["s"])
	}
	if list, ok := out["list"].([]any); !ok || len(list) != 2 || list[0] != true || list[1] != nil {
		t.Errorf("list = %#v", out["list"])
	}
	if sub, ok := out["sub"].(map[string]any); !ok || sub["k"] != int64(1) {
		t.Errorf("sub = %#v", out["sub"])
	}
}
