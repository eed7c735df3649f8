package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/psvm/vm"
)

func writeConfig(t *testing.T, dir, text string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(text), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[vm]
max_local = 1000000
max_global = 2000000
vm_threshold = 50000
chunk_size = 8192
auto_expand_dicts = false
packing = true

[stacks]
max_op = 500
max_exec = 100
max_dict = 10

[interp]
time_slice_ticks = 1000
language_level = 1

[logging]
verbosity = 2
file = "psvm.log"

[server]
addr = ":9000"
`)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Path != filepath.Join(dir, FileName) {
		t.Errorf("Path = %q", c.Path)
	}
	if c.VM.MaxLocal != 1000000 || c.VM.MaxGlobal != 2000000 {
		t.Errorf("vm limits = %d %d", c.VM.MaxLocal, c.VM.MaxGlobal)
	}
	if c.VM.Threshold != 50000 || c.VM.ChunkSize != 8192 {
		t.Errorf("threshold/chunk = %d %d", c.VM.Threshold, c.VM.ChunkSize)
	}
	if c.VM.AutoExpandDicts || !c.VM.Packing {
		t.Errorf("auto_expand_dicts/packing = %v %v", c.VM.AutoExpandDicts, c.VM.Packing)
	}
	if c.Stacks.MaxOp != 500 || c.Stacks.MaxExec != 100 || c.Stacks.MaxDict != 10 {
		t.Errorf("stacks = %+v", c.Stacks)
	}
	if c.Interp.TimeSliceTicks != 1000 || c.Interp.LanguageLevel != 1 {
		t.Errorf("interp = %+v", c.Interp)
	}
	if c.Logging.Verbosity != 2 || c.Logging.File != "psvm.log" {
		t.Errorf("logging = %+v", c.Logging)
	}
	if c.Server.Addr != ":9000" {
		t.Errorf("server addr = %q, want :9000", c.Server.Addr)
	}

	o := c.VMOptions()
	if o.MaxLocal != 1000000 || o.MaxOStack != 500 || o.MaxDStack != 10 || o.LanguageLevel != 1 {
		t.Errorf("VMOptions = %+v", o)
	}
	if !o.FixedDicts || !o.Packing {
		t.Errorf("FixedDicts/Packing = %v %v, want true true", o.FixedDicts, o.Packing)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[server]
addr = "localhost:1"
`)
	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Interp.LanguageLevel != 2 {
		t.Errorf("language level = %d, want 2", c.Interp.LanguageLevel)
	}
	if !c.VM.AutoExpandDicts {
		t.Error("auto_expand_dicts = false, want true")
	}
	if c.Stacks.MaxOp != vm.DefaultMaxOStack {
		t.Errorf("max_op = %d, want %d", c.Stacks.MaxOp, vm.DefaultMaxOStack)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"syntax", "[vm\n", ""},
		{"unknown key", "[vm]\nbogus = 1\n", "unknown key vm.bogus"},
		{"level", "[interp]\nlanguage_level = 3\n", "language_level"},
		{"dict stack", "[stacks]\nmax_dict = 2\n", "max_dict"},
		{"negative max", "[vm]\nmax_local = -1\n", "must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.text)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.want != "" && !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	writeConfig(t, root, "[interp]\nlanguage_level = 1\n")

	c, err := FindAndLoad(sub)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if c.Interp.LanguageLevel != 1 {
		t.Errorf("language level = %d, want 1 from the parent directory", c.Interp.LanguageLevel)
	}
}

func TestFindAndLoadWithoutFile(t *testing.T) {
	c, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if c.Path != "" || c.Server.Addr != DefaultAddr {
		t.Errorf("expected defaults, got path %q addr %q", c.Path, c.Server.Addr)
	}
}

func TestConfiguredVMRuns(t *testing.T) {
	c, err := Parse("[stacks]\nmax_op = 5\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	v, err := vm.New(c.VMOptions())
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}
	ctx := v.NewContext()
	if err := ctx.ExecuteString("1 2 3 4 5 6"); err == nil {
		t.Error("expected stackoverflow with max_op = 5")
	}
}
