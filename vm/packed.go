package vm

import "encoding/binary"

// Packed is one 16-bit element of a packed array. The top three bits are a
// tag; the low twelve carry the payload. A word whose tag is 0 or 1 is the
// first word of a full Ref stored inline.
type Packed uint16

const (
	ptFullRef      = 0
	ptExecOperator = 2
	ptInteger      = 3
	ptPad          = 4
	ptLiteralName  = 6
	ptExecName     = 7

	packedTypeShift = 13
	packedValueBits = 12
	packedValueMask = 1<<packedValueBits - 1
	packedMark      = 1 << packedValueBits
	packedMaxValue  = packedValueMask

	packedMinInt = -(1 << (packedValueBits - 1))
	packedMaxInt = 1<<(packedValueBits-1) - 1

	// A full ref stored inline occupies this many words and must start on
	// an even word offset.
	packedPerRef      = 6
	alignPackedPerRef = 2
)

func ptTag(t int) Packed { return Packed(t << packedTypeShift) }

// Key encodings used by packed dictionary key arrays. Slot 0 always holds
// packedKeyDeleted and doubles as the wraparound sentinel.
const (
	packedKeyEmpty      = Packed(ptInteger<<packedTypeShift) + 0
	packedKeyDeleted    = Packed(ptInteger<<packedTypeShift) + 1
	packedKeyImpossible = Packed(ptFullRef << packedTypeShift)
)

func (p Packed) tag() int { return int(p >> packedTypeShift) }

func (p Packed) isFull() bool { return p.tag() <= 1 }

func (p Packed) value() int { return int(p & packedValueMask) }

// MakePacked encodes r as a single packed word if its type and value are
// representable: executable operators with small indices, small integers,
// and names with small indices. The boolean result reports success.
func MakePacked(r Ref) (Packed, bool) {
	switch r.BType() {
	case TInteger:
		if r.IsExec() {
			return 0, false
		}
		i := r.Int()
		if i < packedMinInt || i > packedMaxInt {
			return 0, false
		}
		return ptTag(ptInteger) + Packed(i-packedMinInt), true
	case TName:
		idx := r.NameIndex()
		if idx > packedMaxValue {
			return 0, false
		}
		if r.IsExec() {
			return ptTag(ptExecName) + Packed(idx), true
		}
		return ptTag(ptLiteralName) + Packed(idx), true
	case TOperator:
		if !r.IsExec() || r.OpIndex() > packedMaxValue {
			return 0, false
		}
		return ptTag(ptExecOperator) + Packed(r.OpIndex()), true
	}
	return 0, false
}

// PackedGet expands a single-word packed element into a Ref. It must not be
// called on the first word of a full ref or on a pad; ok is false then.
// Operators expand to plain TOperator refs; the interpreter maps the index
// back to its table entry, which restores special-operator types.
func PackedGet(p Packed) (Ref, bool) {
	switch p.tag() {
	case ptExecOperator:
		return MakeOperator(p.value()), true
	case ptInteger:
		return MakeInt(int64(p.value()) + packedMinInt), true
	case ptLiteralName:
		return MakeName(uint32(p.value())), true
	case ptExecName:
		return MakeExecName(uint32(p.value())), true
	}
	return Ref{}, false
}

// ---------------------------------------------------------------------------
// Full refs stored as words
// ---------------------------------------------------------------------------

func refToWords(r Ref, dst []uint16) {
	dst[0] = r.tas
	dst[1] = r.size
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], r.val)
	dst[2] = binary.LittleEndian.Uint16(b[0:])
	dst[3] = binary.LittleEndian.Uint16(b[2:])
	dst[4] = binary.LittleEndian.Uint16(b[4:])
	dst[5] = binary.LittleEndian.Uint16(b[6:])
}

func wordsToRef(src []uint16) Ref {
	var b [8]byte
	binary.LittleEndian.PutUint16(b[0:], src[2])
	binary.LittleEndian.PutUint16(b[2:], src[3])
	binary.LittleEndian.PutUint16(b[4:], src[4])
	binary.LittleEndian.PutUint16(b[6:], src[5])
	return Ref{tas: src[0], size: src[1], val: binary.LittleEndian.Uint64(b[:])}
}

// ---------------------------------------------------------------------------
// Walking packed storage
// ---------------------------------------------------------------------------

// packedSkipPads advances pos past alignment pads.
func packedSkipPads(words []uint16, pos int) int {
	for pos < len(words) && Packed(words[pos]).tag() == ptPad {
		pos++
	}
	return pos
}

// packedElem decodes the element at pos (which must not be a pad) and
// returns it along with the position of the following element.
func packedElem(words []uint16, pos int) (Ref, int) {
	p := Packed(words[pos])
	if p.isFull() {
		return wordsToRef(words[pos : pos+packedPerRef]), pos + packedPerRef
	}
	r, _ := PackedGet(p)
	return r, pos + 1
}

// packedAdvance returns the word position of the element n elements after
// the one at pos, skipping pads.
func packedAdvance(words []uint16, pos, n int) int {
	for ; n > 0; n-- {
		pos = packedSkipPads(words, pos)
		if Packed(words[pos]).isFull() {
			pos += packedPerRef
		} else {
			pos++
		}
	}
	return packedSkipPads(words, pos)
}

// encodePacked lays out elems as a packed array. It returns the word
// slice, terminated by a full invalid sentinel ref, and whether every
// element fit in one word (a short array).
func encodePacked(elems []Ref) ([]uint16, bool) {
	words := make([]uint16, 0, len(elems)+packedPerRef+1)
	short := true
	for _, e := range elems {
		if p, ok := MakePacked(e); ok {
			words = append(words, uint16(p))
			continue
		}
		short = false
		for len(words)%alignPackedPerRef != 0 {
			words = append(words, uint16(ptTag(ptPad)))
		}
		var full [packedPerRef]uint16
		refToWords(e.clearGCBits(), full[:])
		words = append(words, full[:]...)
	}
	for len(words)%alignPackedPerRef != 0 {
		words = append(words, uint16(ptTag(ptPad)))
	}
	var sentinel [packedPerRef]uint16
	words = append(words, sentinel[:]...)
	return words, short
}

func (r Ref) clearGCBits() Ref {
	r.tas &^= lMark | lNew
	return r
}
