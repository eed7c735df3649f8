package vm

import (
	"sort"

	"github.com/tliron/commonlog"
)

var allocLog = commonlog.GetLogger("psvm.alloc")

// Sizes used for accounting. A ref occupies the same number of bytes as
// its inline packed form.
const (
	refBytes           = packedPerRef * 2
	objAlign           = 8
	largeObjectDivisor = 4
	minInnerChunk      = 512
)

// ---------------------------------------------------------------------------
// Blocks and chunks
// ---------------------------------------------------------------------------

type blockKind uint8

const (
	kindFree blockKind = iota
	kindRefs
	kindBytes
	kindPacked
	kindStruct
)

func (k blockKind) String() string {
	switch k {
	case kindFree:
		return "free"
	case kindRefs:
		return "refs"
	case kindBytes:
		return "bytes"
	case kindPacked:
		return "packed"
	case kindStruct:
		return "struct"
	}
	return "unknown"
}

// block is one allocated object. off and size are in bytes within the
// owning chunk; the payload lives in the slice matching kind.
type block struct {
	owner *chunk
	off   uint32
	size  uint32
	kind  blockKind
	mark  bool
	reloc uint32

	refs  []Ref
	bytes []byte
	words []uint16
	st    *StructType
	obj   any
}

func (b *block) clearPayload() {
	b.refs, b.bytes, b.words, b.st, b.obj = nil, nil, nil, nil, nil
}

// chunk is an extent of a space: address-ordered blocks plus a bump
// pointer. Inner chunks are carved by save from the remainder of the
// chunk that was current at the time; outer points back at it.
type chunk struct {
	id     uint32
	space  *Space
	blocks []*block
	top    uint32
	limit  uint32
	outer  *chunk
	large  bool

	rescanLo, rescanHi uint32
	rescan             bool
}

func (c *chunk) find(off uint32) *block {
	i := sort.Search(len(c.blocks), func(i int) bool { return c.blocks[i].off >= off })
	if i < len(c.blocks) && c.blocks[i].off == off {
		return c.blocks[i]
	}
	return nil
}

func (c *chunk) avail() uint32 { return c.limit - c.top }

// ---------------------------------------------------------------------------
// Space
// ---------------------------------------------------------------------------

// Space is one VM space: its chunks, free lists, undo log and the link to
// the frozen state of the enclosing save level.
type Space struct {
	mem *Memory
	id  SpaceID

	byID      map[uint32]*chunk
	chunks    []*chunk
	cur       *chunk
	nextChunk uint32

	// levelFirst is the serial of the first chunk created at the current
	// save level; chunks with a smaller serial belong to enclosing levels.
	levelFirst uint32

	free      map[uint32][]*block
	changes   []change
	saved     *saveState
	resources []Resource

	allocated int64
	used      int64
	threshold int64
	max       int64
	chunkSize uint32

	gcCount int
}

func newSpace(m *Memory, id SpaceID, threshold, max int64, chunkSize uint32) *Space {
	return &Space{
		mem:        m,
		id:         id,
		byID:       make(map[uint32]*chunk),
		nextChunk:  1,
		levelFirst: 1,
		free:       make(map[uint32][]*block),
		threshold:  threshold,
		max:        max,
		chunkSize:  chunkSize,
	}
}

// ID returns the space identifier.
func (s *Space) ID() SpaceID { return s.id }

func alignSize(n uint32) uint32 {
	if n == 0 {
		n = objAlign
	}
	return (n + objAlign - 1) &^ (objAlign - 1)
}

func (s *Space) newChunk(capacity uint32, large bool) *chunk {
	c := &chunk{id: s.nextChunk, space: s, limit: capacity, large: large}
	s.nextChunk++
	s.byID[c.id] = c
	s.chunks = append(s.chunks, c)
	if !large {
		s.cur = c
	}
	allocLog.Debugf("%s: new chunk %d (%d bytes, large=%t)", s.id, c.id, capacity, large)
	return c
}

// alloc carves a block of at least n bytes. It consults the free list,
// then the current chunk, then opens a new chunk. Passing the soft limit
// flags a collection request; passing the hard limit fails with VMerror.
func (s *Space) alloc(kind blockKind, n uint32) (*chunk, *block, error) {
	n = alignSize(n)
	if s.max > 0 && s.used+int64(n) > s.max {
		s.mem.requestGC()
		return nil, nil, ErrVMError
	}
	if c, b := s.takeFree(n); b != nil {
		b.kind = kind
		s.account(int64(b.size))
		return c, b, nil
	}
	var c *chunk
	switch {
	case n > s.chunkSize/largeObjectDivisor:
		c = s.newChunk(n, true)
	case s.cur == nil || s.cur.avail() < n:
		c = s.newChunk(s.chunkSize, false)
	default:
		c = s.cur
	}
	b := &block{owner: c, off: c.top, size: n, kind: kind}
	c.top += n
	c.blocks = append(c.blocks, b)
	s.account(int64(n))
	return c, b, nil
}

func (s *Space) account(n int64) {
	s.used += n
	s.allocated += n
	if s.threshold > 0 && s.allocated >= s.threshold {
		s.mem.requestGC()
	}
}

// takeFree returns a free block of exactly n bytes if one is listed.
func (s *Space) takeFree(n uint32) (*chunk, *block) {
	list := s.free[n]
	for len(list) > 0 {
		b := list[len(list)-1]
		list = list[:len(list)-1]
		s.free[n] = list
		if c := b.owner; c != nil && s.byID[c.id] == c && b.kind == kindFree {
			return c, b
		}
	}
	return nil, nil
}

// freeBlock releases a block. The most recent allocation in the current chunk
// is returned to the bump pointer; anything else goes to its size list.
// Objects that predate the current save level are never freed, since a
// restore may bring references to them back.
func (s *Space) freeBlock(c *chunk, b *block) {
	if c.id < s.levelFirst || b.kind == kindFree {
		return
	}
	if b.kind == kindStruct && b.st != nil && b.st.Finalize != nil {
		b.st.Finalize(b.obj)
	}
	s.used -= int64(b.size)
	if c.large {
		s.dropChunk(c)
		return
	}
	if n := len(c.blocks); n > 0 && c.blocks[n-1] == b {
		c.blocks = c.blocks[:n-1]
		c.top = b.off
		return
	}
	b.kind = kindFree
	b.clearPayload()
	s.free[b.size] = append(s.free[b.size], b)
}

// dropChunk forgets a chunk of the current level.
func (s *Space) dropChunk(c *chunk) {
	delete(s.byID, c.id)
	for i, x := range s.chunks {
		if x == c {
			s.chunks = append(s.chunks[:i], s.chunks[i+1:]...)
			break
		}
	}
	if s.cur == c {
		s.cur = nil
	}
}

// allChunks visits every chunk of every save level.
func (s *Space) allChunks(fn func(c *chunk)) {
	for _, c := range s.chunks {
		fn(c)
	}
	for st := s.saved; st != nil; st = st.saved {
		for _, c := range st.chunks {
			fn(c)
		}
	}
}

// ---------------------------------------------------------------------------
// Resolution
// ---------------------------------------------------------------------------

func (m *Memory) lookup(r Ref) (*chunk, *block) {
	s := m.spaces[r.Space()]
	if s == nil {
		fatalf("ref %s into unknown space %d", r.Type(), r.Space())
	}
	h := r.handle()
	c := s.byID[h.chunk]
	if c == nil {
		fatalf("%s ref into freed chunk %d of %s", r.Type(), h.chunk, s.id)
	}
	b := c.find(h.off)
	if b == nil || b.kind == kindFree {
		fatalf("%s ref to freed block %d:%d", r.Type(), h.chunk, h.off)
	}
	return c, b
}

// refsOf returns the ref elements a full array or dictionary ref denotes.
func (m *Memory) refsOf(r Ref) []Ref {
	_, b := m.lookup(r)
	e := int(r.handle().elem)
	return b.refs[e : e+r.Size()]
}

// bytesOf returns the bytes a string ref denotes.
func (m *Memory) bytesOf(r Ref) []byte {
	_, b := m.lookup(r)
	e := int(r.handle().elem)
	return b.bytes[e : e+r.Size()]
}

// wordsOf returns a packed array's storage and the word position of its
// first element.
func (m *Memory) wordsOf(r Ref) ([]uint16, int) {
	_, b := m.lookup(r)
	return b.words, int(r.handle().elem)
}

// structOf returns the Go object behind a struct ref.
func (m *Memory) structOf(r Ref) any {
	_, b := m.lookup(r)
	return b.obj
}

// ---------------------------------------------------------------------------
// Object allocation
// ---------------------------------------------------------------------------

func (m *Memory) space(id SpaceID) *Space {
	s := m.spaces[id]
	if s == nil {
		fatalf("no %s space", id)
	}
	return s
}

// AllocArray allocates an array of n nulls in the given space. The block
// carries one extra trailing invalid ref as the run terminator.
func (m *Memory) AllocArray(space SpaceID, n int) (Ref, error) {
	if n > maxArraySize {
		return Ref{}, ErrLimitCheck
	}
	s := m.space(space)
	c, b, err := s.alloc(kindRefs, uint32((n+1)*refBytes))
	if err != nil {
		return Ref{}, err
	}
	refs := make([]Ref, n+1)
	null := m.stamp(MakeNull())
	for i := 0; i < n; i++ {
		refs[i] = null
	}
	b.refs = refs
	return makeComposite(TArray, AAll, space, n, handle{chunk: c.id, off: b.off}), nil
}

// AllocString allocates a zero-filled string of n bytes.
func (m *Memory) AllocString(space SpaceID, n int) (Ref, error) {
	if n > maxStringSize {
		return Ref{}, ErrLimitCheck
	}
	s := m.space(space)
	c, b, err := s.alloc(kindBytes, uint32(n))
	if err != nil {
		return Ref{}, err
	}
	b.bytes = make([]byte, n)
	return makeComposite(TString, AAll, space, n, handle{chunk: c.id, off: b.off}), nil
}

// NewString allocates a string initialised from s in the current space.
func (m *Memory) NewString(s string) (Ref, error) {
	r, err := m.AllocString(m.current, len(s))
	if err != nil {
		return Ref{}, err
	}
	copy(m.bytesOf(r), s)
	return r, nil
}

// AllocPacked stores elems as a read-only packed array: a short array
// when every element packs into one word, a mixed array otherwise.
func (m *Memory) AllocPacked(space SpaceID, elems []Ref) (Ref, error) {
	if len(elems) > maxArraySize {
		return Ref{}, ErrLimitCheck
	}
	words, short := encodePacked(elems)
	s := m.space(space)
	c, b, err := s.alloc(kindPacked, uint32(len(words)*2))
	if err != nil {
		return Ref{}, err
	}
	b.words = words
	t := TMixedArray
	if short {
		t = TShortArray
	}
	return makeComposite(t, AReadOnly, space, len(elems), handle{chunk: c.id, off: b.off}), nil
}

// allocWords allocates raw packed storage of n words followed by a full
// sentinel; it is used for packed dictionary key arrays.
func (m *Memory) allocWords(space SpaceID, n int, fill Packed) (Ref, error) {
	s := m.space(space)
	total := n + packedPerRef
	c, b, err := s.alloc(kindPacked, uint32(total*2))
	if err != nil {
		return Ref{}, err
	}
	words := make([]uint16, total)
	for i := 0; i < n; i++ {
		words[i] = uint16(fill)
	}
	b.words = words
	return makeComposite(TShortArray, AReadOnly, space, n, handle{chunk: c.id, off: b.off}), nil
}

// AllocStruct allocates a struct object of the given registered type.
func (m *Memory) AllocStruct(space SpaceID, st *StructType, obj any) (Ref, error) {
	s := m.space(space)
	c, b, err := s.alloc(kindStruct, uint32(st.Size))
	if err != nil {
		return Ref{}, err
	}
	b.st, b.obj = st, obj
	t := TStruct
	if st.Type != TInvalid {
		t = st.Type
	}
	return makeComposite(t, AAll, space, 0, handle{chunk: c.id, off: b.off}), nil
}

// Free releases the object r denotes. Freeing anything allocated before
// the current save level is ignored.
func (m *Memory) Free(r Ref) {
	if !r.IsComposite() {
		return
	}
	c, b := m.lookup(r)
	m.space(r.Space()).freeBlock(c, b)
}

// ShrinkArray reduces a freshly allocated array to n elements, keeping
// the trailing sentinel. When the array is the last allocation of its
// chunk the space is returned to the chunk.
func (m *Memory) ShrinkArray(r Ref, n int) Ref {
	if r.Type() != TArray || n >= r.Size() || r.handle().elem != 0 {
		return r
	}
	c, b := m.lookup(r)
	b.refs = b.refs[:n+1]
	b.refs[n] = Ref{}
	newSize := alignSize(uint32((n + 1) * refBytes))
	s := m.space(r.Space())
	if last := len(c.blocks) - 1; last >= 0 && c.blocks[last] == b && !c.large {
		s.used -= int64(b.size - newSize)
		c.top = b.off + newSize
		b.size = newSize
	}
	return r.withSize(n)
}

// ---------------------------------------------------------------------------
// Element access
// ---------------------------------------------------------------------------

// ArrayGet returns element i of any kind of array. The caller has checked
// bounds and access.
func (m *Memory) ArrayGet(a Ref, i int) Ref {
	switch a.Type() {
	case TArray:
		return m.refsOf(a)[i].clearGCBits()
	case TShortArray:
		words, start := m.wordsOf(a)
		r, _ := PackedGet(Packed(words[start+i]))
		return r
	case TMixedArray:
		words, start := m.wordsOf(a)
		r, _ := packedElem(words, packedAdvance(words, start, i))
		return r.clearGCBits()
	}
	fatalf("ArrayGet on %s", a.Type())
	return Ref{}
}

// ArrayElems copies out all elements of an array.
func (m *Memory) ArrayElems(a Ref) []Ref {
	n := a.Size()
	out := make([]Ref, 0, n)
	switch a.Type() {
	case TArray:
		for _, r := range m.refsOf(a) {
			out = append(out, r.clearGCBits())
		}
	case TShortArray, TMixedArray:
		words, pos := m.wordsOf(a)
		pos = packedSkipPads(words, pos)
		for i := 0; i < n; i++ {
			var r Ref
			r, pos = packedElem(words, pos)
			pos = packedSkipPads(words, pos)
			out = append(out, r.clearGCBits())
		}
	}
	return out
}

// SubArray returns the interval [start, start+n) of an array as a new ref
// sharing the same storage.
func (m *Memory) SubArray(a Ref, start, n int) Ref {
	switch a.Type() {
	case TMixedArray:
		words, pos := m.wordsOf(a)
		pos = packedAdvance(words, pos, start)
		h := a.handle()
		h.elem = uint32(pos)
		return a.withHandle(h).withSize(n)
	default:
		return a.offset(start, n)
	}
}

// StringBytes returns the contents of a string ref. The slice aliases VM
// storage.
func (m *Memory) StringBytes(r Ref) []byte { return m.bytesOf(r) }

// Struct returns the Go object behind a struct, file or device ref.
func (m *Memory) Struct(r Ref) any { return m.structOf(r) }

// checkStore enforces the store rule: a composite in space dst may not
// hold a ref into a younger space.
func (m *Memory) checkStore(dst SpaceID, v Ref) error {
	if v.IsComposite() {
		if v.Space() > dst {
			return ErrInvalidAccess
		}
		return nil
	}
	if v.Type() == TName && m.names.spaceOf(v.NameIndex()) > dst {
		return ErrInvalidAccess
	}
	return nil
}

// PutElem stores v into element i of array a, checking access, bounds and
// the store rule.
func (m *Memory) PutElem(a Ref, i int, v Ref) error {
	if a.Type() != TArray {
		if a.IsPackedArray() {
			return ErrInvalidAccess
		}
		return ErrTypeCheck
	}
	if !a.HasAccess(AWrite) {
		return ErrInvalidAccess
	}
	if i < 0 || i >= a.Size() {
		return ErrRangeCheck
	}
	if err := m.checkStore(a.Space(), v); err != nil {
		return err
	}
	m.storeRef(a, int(a.handle().elem)+i, v)
	return nil
}

// Stats describes a space for vmstatus and snapshots.
type Stats struct {
	Space     SpaceID
	Used      int64
	Allocated int64
	Max       int64
	Chunks    int
	FreeBytes int64
	GCCount   int
}

// Stats reports allocation statistics for a space.
func (m *Memory) Stats(id SpaceID) Stats {
	s := m.space(id)
	st := Stats{Space: id, Used: s.used, Allocated: s.allocated, Max: s.max, GCCount: s.gcCount}
	s.allChunks(func(c *chunk) {
		st.Chunks++
		st.FreeBytes += int64(c.avail())
	})
	for size, list := range s.free {
		st.FreeBytes += int64(size) * int64(len(list))
	}
	return st
}

// BlockInfo describes one block of a chunk.
type BlockInfo struct {
	Offset uint32
	Size   uint32
	Kind   string
	Elems  int
	Struct string // struct type name, for struct blocks
}

// ChunkInfo describes one chunk of a space.
type ChunkInfo struct {
	ID     uint32
	Top    uint32
	Limit  uint32
	Large  bool
	Inner  bool
	Blocks []BlockInfo
}

// Chunks lists the chunks of a space, the current save level first.
func (m *Memory) Chunks(id SpaceID) []ChunkInfo {
	var out []ChunkInfo
	m.space(id).allChunks(func(c *chunk) {
		ci := ChunkInfo{ID: c.id, Top: c.top, Limit: c.limit, Large: c.large, Inner: c.outer != nil}
		for _, b := range c.blocks {
			bi := BlockInfo{Offset: b.off, Size: b.size, Kind: b.kind.String()}
			switch b.kind {
			case kindRefs:
				bi.Elems = len(b.refs)
			case kindBytes:
				bi.Elems = len(b.bytes)
			case kindPacked:
				bi.Elems = len(b.words)
			case kindStruct:
				if b.st != nil {
					bi.Struct = b.st.Name
				}
			}
			ci.Blocks = append(ci.Blocks, bi)
		}
		out = append(out, ci)
	})
	return out
}
