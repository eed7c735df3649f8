package vm

// PtrKind classifies what a struct's pointer enumerator returned.
type PtrKind uint8

const (
	// PtrEnd ends the enumeration.
	PtrEnd PtrKind = iota
	// PtrRef is a ref the collector must trace.
	PtrRef
	// PtrSkip is an empty pointer slot.
	PtrSkip
)

// StructType registers a Go-side object kind with the collector. Size is
// the accounting size of one instance. EnumPtrs is called with successive
// indices until it answers PtrEnd; RelocPtrs rewrites the refs the object
// holds after compaction. ClearMarks and Finalize are optional.
type StructType struct {
	Name       string
	Size       int
	Type       Type
	ClearMarks func(obj any)
	EnumPtrs   func(obj any, index int) (PtrKind, Ref)
	RelocPtrs  func(obj any, reloc func(Ref) Ref)
	Finalize   func(obj any)
}

// RefFielder is implemented by struct objects whose ref fields can be
// written through the save-aware store barrier.
type RefFielder interface {
	NumRefFields() int
	RefField(i int) *Ref
}

// Resource is released when the save level it was registered at is
// restored away.
type Resource interface {
	Release()
}

// refFieldsType builds a StructType for objects exposing their refs
// through RefFielder.
func refFieldsType(name string, size int, t Type, finalize func(any)) *StructType {
	return &StructType{
		Name: name,
		Size: size,
		Type: t,
		EnumPtrs: func(obj any, i int) (PtrKind, Ref) {
			f := obj.(RefFielder)
			if i >= f.NumRefFields() {
				return PtrEnd, Ref{}
			}
			r := *f.RefField(i)
			if !r.IsValid() {
				return PtrSkip, Ref{}
			}
			return PtrRef, r
		},
		RelocPtrs: func(obj any, reloc func(Ref) Ref) {
			f := obj.(RefFielder)
			for i := 0; i < f.NumRefFields(); i++ {
				p := f.RefField(i)
				*p = reloc(*p)
			}
		},
		Finalize: finalize,
	}
}
