// Package snapshot produces diagnostic heap dumps of a VM. A snapshot
// records the layout of every space (chunks and blocks), the name table,
// the save level and the stack depths of each context. Snapshots are
// CBOR encoded in canonical mode, so the same heap always encodes to the
// same bytes and a Digest identifies it.
package snapshot

import (
	"crypto/sha256"
	"fmt"

	"github.com/chazu/psvm/vm"
	"github.com/fxamacker/cbor/v2"
)

// FormatVersion is bumped when the encoded layout changes.
const FormatVersion = 1

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Snapshot is the dump of one VM.
type Snapshot struct {
	Version       int       `cbor:"1,keyasint"`
	LanguageLevel int       `cbor:"2,keyasint"`
	SaveLevel     int       `cbor:"3,keyasint"`
	Current       string    `cbor:"4,keyasint"` // allocation mode
	Spaces        []Space   `cbor:"5,keyasint"`
	Names         []Name    `cbor:"6,keyasint,omitempty"`
	Contexts      []Context `cbor:"7,keyasint,omitempty"`
}

// Space is one VM space.
type Space struct {
	Name      string  `cbor:"1,keyasint"`
	Used      int64   `cbor:"2,keyasint"`
	Allocated int64   `cbor:"3,keyasint"`
	Max       int64   `cbor:"4,keyasint,omitempty"`
	FreeBytes int64   `cbor:"5,keyasint"`
	GCCount   int     `cbor:"6,keyasint"`
	Chunks    []Chunk `cbor:"7,keyasint,omitempty"`
}

// Chunk is one allocation chunk.
type Chunk struct {
	ID     uint32  `cbor:"1,keyasint"`
	Top    uint32  `cbor:"2,keyasint"`
	Limit  uint32  `cbor:"3,keyasint"`
	Large  bool    `cbor:"4,keyasint,omitempty"`
	Inner  bool    `cbor:"5,keyasint,omitempty"`
	Blocks []Block `cbor:"6,keyasint,omitempty"`
}

// Block is one object in a chunk.
type Block struct {
	Offset uint32 `cbor:"1,keyasint"`
	Size   uint32 `cbor:"2,keyasint"`
	Kind   string `cbor:"3,keyasint"`
	Elems  int    `cbor:"4,keyasint,omitempty"`
	Struct string `cbor:"5,keyasint,omitempty"`
}

// Name is a live entry of the name table.
type Name struct {
	Index     uint32 `cbor:"1,keyasint"`
	Text      string `cbor:"2,keyasint"`
	Space     string `cbor:"3,keyasint"`
	Permanent bool   `cbor:"4,keyasint,omitempty"`
}

// Context records the stacks of one execution context.
type Context struct {
	ID       int      `cbor:"1,keyasint"`
	Running  bool     `cbor:"2,keyasint,omitempty"`
	Exec     int      `cbor:"3,keyasint"`
	Dict     int      `cbor:"4,keyasint"`
	Operands []string `cbor:"5,keyasint,omitempty"` // bottom first
}

// Options selects what Take records.
type Options struct {
	// Blocks includes the per-chunk block lists.
	Blocks bool
	// Names includes the name table. Permanent names are skipped unless
	// PermanentNames is also set.
	Names          bool
	PermanentNames bool
}

// Take dumps v. It must not be called while a context is running an
// operator.
func Take(v *vm.VM, opts Options) *Snapshot {
	m := v.Memory()
	s := &Snapshot{
		Version:       FormatVersion,
		LanguageLevel: v.Options().LanguageLevel,
		SaveLevel:     m.SaveLevel(),
		Current:       m.Current().String(),
	}
	for _, st := range v.Stats() {
		sp := Space{
			Name:      st.Space.String(),
			Used:      st.Used,
			Allocated: st.Allocated,
			Max:       st.Max,
			FreeBytes: st.FreeBytes,
			GCCount:   st.GCCount,
		}
		for _, ci := range m.Chunks(st.Space) {
			ch := Chunk{ID: ci.ID, Top: ci.Top, Limit: ci.Limit, Large: ci.Large, Inner: ci.Inner}
			if opts.Blocks {
				for _, bi := range ci.Blocks {
					ch.Blocks = append(ch.Blocks, Block{
						Offset: bi.Offset,
						Size:   bi.Size,
						Kind:   bi.Kind,
						Elems:  bi.Elems,
						Struct: bi.Struct,
					})
				}
			}
			sp.Chunks = append(sp.Chunks, ch)
		}
		s.Spaces = append(s.Spaces, sp)
	}
	if opts.Names {
		m.Names().Each(func(n vm.NameInfo) {
			if n.Permanent && !opts.PermanentNames {
				return
			}
			s.Names = append(s.Names, Name{
				Index:     n.Index,
				Text:      n.Text,
				Space:     n.Space.String(),
				Permanent: n.Permanent,
			})
		})
	}
	for _, c := range v.Contexts() {
		_, e, d := c.Depths()
		ctx := Context{ID: c.ID(), Running: c.Running(), Exec: e, Dict: d}
		for _, r := range c.Operands() {
			ctx.Operands = append(ctx.Operands, v.Format(r))
		}
		s.Contexts = append(s.Contexts, ctx)
	}
	return s
}

// Space returns the named space, or nil.
func (s *Snapshot) Space(name string) *Space {
	for i := range s.Spaces {
		if s.Spaces[i].Name == name {
			return &s.Spaces[i]
		}
	}
	return nil
}

// Marshal serializes a Snapshot to CBOR bytes.
func Marshal(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// Unmarshal deserializes a Snapshot from CBOR bytes.
func Unmarshal(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal: %w", err)
	}
	if s.Version != FormatVersion {
		return nil, fmt.Errorf("snapshot: unsupported version %d", s.Version)
	}
	return &s, nil
}

// Digest returns the SHA-256 of the canonical encoding of s.
func Digest(s *Snapshot) ([32]byte, error) {
	data, err := Marshal(s)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}
