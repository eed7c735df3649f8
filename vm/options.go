package vm

import "io"

// Limits fixed by the object formats.
const (
	maxArraySize  = 1<<16 - 1
	maxStringSize = 1<<16 - 1
	maxDictSize   = 1<<16 - 2
)

// Defaults.
const (
	DefaultChunkSize       = 20000
	DefaultVMThreshold     = 1 << 20
	DefaultMaxOStack       = 800
	DefaultMaxEStack       = 250
	DefaultMaxDStack       = 20
	DefaultStackBlock      = 100
	DefaultTimeSlice       = 0x7fff
	DefaultMaxRepeatedScan = 100000
	minDStack              = 3
)

// Options configures a VM. Zero fields take the defaults above.
// FixedDicts turns off the Level 2 growth of full dictionaries.
type Options struct {
	ChunkSize         int
	VMThreshold       int64
	MaxLocal          int64
	MaxGlobal         int64
	MaxOStack         int
	MaxEStack         int
	MaxDStack         int
	StackBlock        int
	TimeSliceTicks    int
	MaxRepeatedScan   int
	MarkStackSegments int
	FixedDicts        bool
	Packing           bool
	LanguageLevel     int
	Stdout            io.Writer
	Stdin             io.Reader

	// Open opens a named file for reading (file, run). Without it only
	// the standard streams can be opened.
	Open func(name string) (io.ReadCloser, error)
}

// DefaultOptions returns the options of a stock Level 2 interpreter.
func DefaultOptions() Options {
	return Options{LanguageLevel: 2}.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ChunkSize > handleOffMask {
		o.ChunkSize = handleOffMask
	}
	if o.VMThreshold == 0 {
		o.VMThreshold = DefaultVMThreshold
	}
	if o.MaxOStack <= 0 {
		o.MaxOStack = DefaultMaxOStack
	}
	if o.MaxEStack <= 0 {
		o.MaxEStack = DefaultMaxEStack
	}
	if o.MaxDStack < minDStack {
		o.MaxDStack = DefaultMaxDStack
	}
	if o.StackBlock <= 0 {
		o.StackBlock = DefaultStackBlock
	}
	if o.TimeSliceTicks <= 0 {
		o.TimeSliceTicks = DefaultTimeSlice
	}
	if o.MaxRepeatedScan <= 0 {
		o.MaxRepeatedScan = DefaultMaxRepeatedScan
	}
	if o.LanguageLevel == 0 {
		o.LanguageLevel = 2
	}
	if o.Stdout == nil {
		o.Stdout = io.Discard
	}
	return o
}
