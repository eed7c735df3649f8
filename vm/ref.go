package vm

import (
	"math"
)

// Ref is the uniform tagged value the runtime manipulates. It is a plain
// value: copying a Ref copies the reference, never the referenced object.
//
// Layout of tas (type/attributes/space):
//
//	bits 8-13  type
//	bit  7     executable
//	bit  6     execute access
//	bit  5     read access
//	bit  4     write access
//	bits 2-3   space
//	bit  1     l_new (slot written since the innermost save)
//	bit  0     l_mark (GC mark on ref-array slots)
//
// size holds the element count of arrays, strings and files, the operator
// index of operators, and the estack mark kind of nulls on the exec stack.
// val holds the scalar payload or the handle of a composite object.
type Ref struct {
	tas  uint16
	size uint16
	val  uint64
}

// Type is the kind of object a Ref denotes.
type Type uint8

const (
	TInvalid Type = iota
	TBoolean
	TDictionary
	TFile
	TArray
	TMixedArray
	TShortArray
	tUnusedArray
	TStruct
	TAStruct
	TFontID
	TInteger
	TMark
	TName
	TNull
	TOperator
	TReal
	TSave
	TString
	TDevice
	TOpArray

	// Special-operator pseudo types. Refs of these types are executable
	// operators the interpreter handles without a table dispatch.
	txAdd
	txDef
	txDup
	txExch
	txIf
	txIfElse
	txIndex
	txPop
	txRoll
	txSub

	tNextIndex
)

var typeNames = [...]string{
	TInvalid:     "invalidtype",
	TBoolean:     "booleantype",
	TDictionary:  "dicttype",
	TFile:        "filetype",
	TArray:       "arraytype",
	TMixedArray:  "packedarraytype",
	TShortArray:  "packedarraytype",
	tUnusedArray: "packedarraytype",
	TStruct:      "structtype",
	TAStruct:     "structtype",
	TFontID:      "fonttype",
	TInteger:     "integertype",
	TMark:        "marktype",
	TName:        "nametype",
	TNull:        "nulltype",
	TOperator:    "operatortype",
	TReal:        "realtype",
	TSave:        "savetype",
	TString:      "stringtype",
	TDevice:      "devicetype",
	TOpArray:     "operatortype",
}

// String returns the PostScript type name (as answered by the type operator).
func (t Type) String() string {
	if t >= txAdd && t < tNextIndex {
		return "operatortype"
	}
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "unknowntype"
}

// Attribute bits.
const (
	lMark        uint16 = 0x01
	lNew         uint16 = 0x02
	spaceShift          = 2
	spaceMask    uint16 = 0x0c
	AWrite       uint16 = 0x10
	ARead        uint16 = 0x20
	AExecute     uint16 = 0x40
	AExecutable  uint16 = 0x80
	AReadOnly           = ARead | AExecute
	AAll                = AWrite | ARead | AExecute
	accessMask          = AWrite | ARead | AExecute
	typeShift           = 8
	attrsMask    uint16 = 0xff
	typeAttrMask uint16 = 0xfffc &^ spaceMask
)

// SpaceID identifies one of the VM spaces. The numeric order is the age
// order used by the store rule: a composite may only hold refs into spaces
// that are no younger than its own.
type SpaceID uint8

const (
	SpaceForeign SpaceID = iota
	SpaceSystem
	SpaceGlobal
	SpaceLocal
	numSpaces
)

func (s SpaceID) String() string {
	switch s {
	case SpaceForeign:
		return "foreign"
	case SpaceSystem:
		return "system"
	case SpaceGlobal:
		return "global"
	case SpaceLocal:
		return "local"
	}
	return "unknown"
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Type returns the ref's type, with special operators reported as such.
func (r Ref) Type() Type { return Type(r.tas >> typeShift) }

// BType returns the basic type: special operators answer TOperator.
func (r Ref) BType() Type {
	t := r.Type()
	if t >= txAdd && t < tNextIndex {
		return TOperator
	}
	return t
}

// Attrs returns the executable and access bits.
func (r Ref) Attrs() uint16 { return r.tas & (AExecutable | accessMask) }

// HasAttrs reports whether all the given attribute bits are set.
func (r Ref) HasAttrs(a uint16) bool { return r.tas&a == a }

// IsExec reports whether the ref has the executable attribute.
func (r Ref) IsExec() bool { return r.tas&AExecutable != 0 }

// Space returns the space of a composite ref.
func (r Ref) Space() SpaceID { return SpaceID((r.tas & spaceMask) >> spaceShift) }

// Size returns the element count (arrays, strings) or operator index.
func (r Ref) Size() int { return int(r.size) }

// IsValid reports whether the ref has a real type. The zero Ref is the
// invalid sentinel that terminates ref runs.
func (r Ref) IsValid() bool { return r.Type() != TInvalid }

func (r Ref) isNew() bool { return r.tas&lNew != 0 }

// Int returns the integer payload.
func (r Ref) Int() int64 { return int64(r.val) }

// Real returns the real payload.
func (r Ref) Real() float64 { return math.Float64frombits(r.val) }

// Bool returns the boolean payload.
func (r Ref) Bool() bool { return r.val != 0 }

// NameIndex returns the name table index of a name ref.
func (r Ref) NameIndex() uint32 { return uint32(r.val) }

// OpIndex returns the operator table index of an operator ref.
func (r Ref) OpIndex() int { return int(r.size) }

// SaveID returns the save id carried by a save ref.
func (r Ref) SaveID() uint64 { return r.val }

// Number returns the value of a numeric ref as float64.
func (r Ref) Number() (float64, bool) {
	switch r.Type() {
	case TInteger:
		return float64(r.Int()), true
	case TReal:
		return r.Real(), true
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Classifiers
// ---------------------------------------------------------------------------

// IsArray reports whether r is any kind of array (full or packed).
func (r Ref) IsArray() bool {
	switch r.Type() {
	case TArray, TMixedArray, TShortArray:
		return true
	}
	return false
}

// IsPackedArray reports whether r is a packed (mixed or short) array.
func (r Ref) IsPackedArray() bool {
	t := r.Type()
	return t == TMixedArray || t == TShortArray
}

// IsProc reports whether r is an executable array.
func (r Ref) IsProc() bool { return r.IsArray() && r.IsExec() }

// IsComposite reports whether r refers to an object in VM.
func (r Ref) IsComposite() bool {
	switch r.Type() {
	case TDictionary, TFile, TArray, TMixedArray, TShortArray, TStruct,
		TAStruct, TFontID, TString, TDevice:
		return true
	}
	return false
}

// HasAccess reports whether r's access bits include a.
func (r Ref) HasAccess(a uint16) bool { return r.tas&a == a }

// IsEstackMark reports whether r is a mark entry on the exec stack.
func (r Ref) isEstackMark() bool { return r.Type() == TNull && r.IsExec() }

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

func makeTAS(t Type, attrs uint16) uint16 { return uint16(t)<<typeShift | attrs }

// MakeInt returns an integer ref.
func MakeInt(i int64) Ref { return Ref{tas: makeTAS(TInteger, 0), val: uint64(i)} }

// MakeReal returns a real ref.
func MakeReal(f float64) Ref { return Ref{tas: makeTAS(TReal, 0), val: math.Float64bits(f)} }

// MakeBool returns a boolean ref.
func MakeBool(b bool) Ref {
	r := Ref{tas: makeTAS(TBoolean, 0)}
	if b {
		r.val = 1
	}
	return r
}

// MakeNull returns the literal null.
func MakeNull() Ref { return Ref{tas: makeTAS(TNull, 0)} }

// MakeMark returns a mark.
func MakeMark() Ref { return Ref{tas: makeTAS(TMark, 0)} }

// MakeName returns a literal name ref for a name table index.
func MakeName(index uint32) Ref { return Ref{tas: makeTAS(TName, 0), val: uint64(index)} }

// MakeExecName returns an executable name ref.
func MakeExecName(index uint32) Ref {
	return Ref{tas: makeTAS(TName, AExecutable), val: uint64(index)}
}

// MakeOperator returns an executable operator ref for table index i.
func MakeOperator(i int) Ref {
	return Ref{tas: makeTAS(TOperator, AExecutable|AExecute), size: uint16(i), val: uint64(i)}
}

func makeSpecialOperator(t Type, i int) Ref {
	return Ref{tas: makeTAS(t, AExecutable|AExecute), size: uint16(i), val: uint64(i)}
}

// MakeSave returns a save object carrying only the save id.
func MakeSave(id uint64) Ref { return Ref{tas: makeTAS(TSave, 0), val: id} }

// makeComposite builds a ref to a VM object.
func makeComposite(t Type, attrs uint16, space SpaceID, size int, h handle) Ref {
	return Ref{
		tas:  uint16(t)<<typeShift | attrs | uint16(space)<<spaceShift,
		size: uint16(size),
		val:  h.pack(),
	}
}

// makeEstackMark builds an executable null recording a mark kind and an
// optional cleanup operator.
func makeEstackMark(kind markKind, cleanup int) Ref {
	return Ref{tas: makeTAS(TNull, AExecutable), size: uint16(kind), val: uint64(cleanup)}
}

// ---------------------------------------------------------------------------
// Attribute modifiers
// ---------------------------------------------------------------------------

// Cvx returns r with the executable attribute set.
func (r Ref) Cvx() Ref { r.tas |= AExecutable; return r }

// Cvlit returns r with the executable attribute cleared.
func (r Ref) Cvlit() Ref { r.tas &^= AExecutable; return r }

// WithAccess returns r with its access bits replaced by a.
func (r Ref) WithAccess(a uint16) Ref {
	r.tas = r.tas&^accessMask | a&accessMask
	return r
}

func (r Ref) withSize(n int) Ref { r.size = uint16(n); return r }

func (r Ref) withSpace(s SpaceID) Ref {
	r.tas = r.tas&^spaceMask | uint16(s)<<spaceShift
	return r
}

// ---------------------------------------------------------------------------
// Handles
// ---------------------------------------------------------------------------

// handle addresses a composite object: the chunk serial number, the byte
// offset of its block within the chunk, and the element offset of the
// first element this ref denotes within the block.
type handle struct {
	chunk uint32
	off   uint32
	elem  uint32
}

const (
	handleOffBits  = 20
	handleElemBits = 20
	handleOffMask  = 1<<handleOffBits - 1
	handleElemMask = 1<<handleElemBits - 1
)

func (h handle) pack() uint64 {
	return uint64(h.chunk)<<(handleOffBits+handleElemBits) |
		uint64(h.off&handleOffMask)<<handleElemBits |
		uint64(h.elem&handleElemMask)
}

func unpackHandle(v uint64) handle {
	return handle{
		chunk: uint32(v >> (handleOffBits + handleElemBits)),
		off:   uint32(v>>handleElemBits) & handleOffMask,
		elem:  uint32(v) & handleElemMask,
	}
}

func (r Ref) handle() handle { return unpackHandle(r.val) }

func (r Ref) withHandle(h handle) Ref { r.val = h.pack(); return r }

// offset returns a ref to the same object starting n elements later.
func (r Ref) offset(n int, size int) Ref {
	h := r.handle()
	h.elem += uint32(n)
	r.val = h.pack()
	r.size = uint16(size)
	return r
}

// ---------------------------------------------------------------------------
// Equality
// ---------------------------------------------------------------------------

// ObjEq implements the PostScript eq relation for two refs whose contents
// do not need VM access. Strings are compared by identity here; the
// Memory-aware variant compares contents.
func objEqShallow(a, b Ref) bool {
	ta, tb := a.BType(), b.BType()
	if ta != tb {
		an, aok := a.Number()
		bn, bok := b.Number()
		if aok && bok {
			return an == bn
		}
		return false
	}
	switch ta {
	case TNull, TMark:
		return true
	case TBoolean:
		return a.Bool() == b.Bool()
	case TInteger:
		return a.Int() == b.Int()
	case TReal:
		return a.Real() == b.Real()
	case TName:
		return a.NameIndex() == b.NameIndex()
	case TOperator:
		return a.OpIndex() == b.OpIndex()
	case TSave:
		return a.val == b.val
	default:
		return a.val == b.val && a.size == b.size
	}
}
