// Package config handles psvm.toml interpreter configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/tliron/commonlog"

	"github.com/chazu/psvm/vm"
)

// FileName is the name Load and FindAndLoad look for.
const FileName = "psvm.toml"

// DefaultAddr is the listen address of psvm -serve.
const DefaultAddr = "localhost:7341"

// Config represents a psvm.toml file.
type Config struct {
	VM      VM      `toml:"vm"`
	Stacks  Stacks  `toml:"stacks"`
	Interp  Interp  `toml:"interp"`
	Logging Logging `toml:"logging"`
	Server  Server  `toml:"server"`

	// Path is the file the configuration was read from (set at load time).
	Path string `toml:"-"`
}

// VM configures the memory spaces.
type VM struct {
	MaxLocal        int64 `toml:"max_local"`
	MaxGlobal       int64 `toml:"max_global"`
	Threshold       int64 `toml:"vm_threshold"`
	ChunkSize       int   `toml:"chunk_size"`
	AutoExpandDicts bool  `toml:"auto_expand_dicts"`
	Packing         bool  `toml:"packing"`
}

// Stacks sets the maximum stack depths.
type Stacks struct {
	MaxOp   int `toml:"max_op"`
	MaxExec int `toml:"max_exec"`
	MaxDict int `toml:"max_dict"`
}

// Interp configures the interpreter loop.
type Interp struct {
	TimeSliceTicks int `toml:"time_slice_ticks"`
	LanguageLevel  int `toml:"language_level"`
}

// Logging configures commonlog.
type Logging struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Server configures psvm -serve.
type Server struct {
	Addr string `toml:"addr"`
}

// Default returns the configuration used when there is no psvm.toml.
func Default() *Config {
	return &Config{
		VM: VM{
			Threshold:       vm.DefaultVMThreshold,
			ChunkSize:       vm.DefaultChunkSize,
			AutoExpandDicts: true,
		},
		Stacks: Stacks{
			MaxOp:   vm.DefaultMaxOStack,
			MaxExec: vm.DefaultMaxEStack,
			MaxDict: vm.DefaultMaxDStack,
		},
		Interp: Interp{
			TimeSliceTicks: vm.DefaultTimeSlice,
			LanguageLevel:  2,
		},
		Server: Server{Addr: DefaultAddr},
	}
}

// Load parses the psvm.toml file in dir.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// LoadFile parses a configuration file. Keys missing from the file keep
// their defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	c, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	c.Path = path
	return c, nil
}

// Parse decodes configuration text.
func Parse(text string) (*Config, error) {
	c := Default()
	md, err := toml.Decode(text, c)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %s", undecoded[0])
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a psvm.toml file, then loads
// it. It returns the defaults if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
			return Load(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return Default(), nil
		}
		dir = parent
	}
}

// Validate checks the values that vm.New would otherwise silently replace.
func (c *Config) Validate() error {
	switch c.Interp.LanguageLevel {
	case 1, 2:
	default:
		return fmt.Errorf("interp.language_level must be 1 or 2, not %d", c.Interp.LanguageLevel)
	}
	if c.Stacks.MaxDict != 0 && c.Stacks.MaxDict < 3 {
		return fmt.Errorf("stacks.max_dict must be at least 3, not %d", c.Stacks.MaxDict)
	}
	if c.VM.MaxLocal < 0 || c.VM.MaxGlobal < 0 {
		return fmt.Errorf("vm.max_local and vm.max_global must not be negative")
	}
	if c.VM.ChunkSize < 0 {
		return fmt.Errorf("vm.chunk_size must not be negative, not %d", c.VM.ChunkSize)
	}
	return nil
}

// VMOptions builds the interpreter options. Streams and the file opener
// are left for the caller.
func (c *Config) VMOptions() vm.Options {
	return vm.Options{
		ChunkSize:      c.VM.ChunkSize,
		VMThreshold:    c.VM.Threshold,
		MaxLocal:       c.VM.MaxLocal,
		MaxGlobal:      c.VM.MaxGlobal,
		MaxOStack:      c.Stacks.MaxOp,
		MaxEStack:      c.Stacks.MaxExec,
		MaxDStack:      c.Stacks.MaxDict,
		TimeSliceTicks: c.Interp.TimeSliceTicks,
		FixedDicts:     !c.VM.AutoExpandDicts,
		Packing:        c.VM.Packing,
		LanguageLevel:  c.Interp.LanguageLevel,
	}
}

// ConfigureLogging applies the [logging] section to commonlog. An empty
// file logs to stderr.
func (c *Config) ConfigureLogging() {
	var path *string
	if c.Logging.File != "" {
		path = &c.Logging.File
	}
	commonlog.Configure(c.Logging.Verbosity, path)
}
