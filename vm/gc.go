package vm

import (
	"github.com/tliron/commonlog"
)

var gcLog = commonlog.GetLogger("psvm.gc")

const markSegmentSize = 200

// GCStats summarises one collection.
type GCStats struct {
	Collected   []SpaceID
	Marked      int
	FreedBytes  int64
	FreedChunks int
	FreedNames  int
	Rescans     int
}

// markStack is a segmented stack of blocks still to be traced. When a
// segment cannot be added, push fails and the caller records a rescan.
type markStack struct {
	segs       [][]*block
	limit      int
	overflowed bool
}

func (s *markStack) push(b *block) bool {
	n := len(s.segs)
	if n == 0 || len(s.segs[n-1]) == markSegmentSize {
		if s.limit > 0 && n >= s.limit {
			s.overflowed = true
			return false
		}
		s.segs = append(s.segs, make([]*block, 0, markSegmentSize))
		n++
	}
	s.segs[n-1] = append(s.segs[n-1], b)
	return true
}

func (s *markStack) pop() *block {
	for n := len(s.segs); n > 0; n = len(s.segs) {
		seg := s.segs[n-1]
		if len(seg) == 0 {
			s.segs = s.segs[:n-1]
			continue
		}
		b := seg[len(seg)-1]
		s.segs[n-1] = seg[:len(seg)-1]
		return b
	}
	return nil
}

type gcState struct {
	m         *Memory
	collected [numSpaces]bool
	ms        markStack
	stats     GCStats
}

// GC collects the given spaces (global and local when none are named).
// Every space is traced so that refs from uncollected spaces keep their
// targets alive; only collected spaces are swept and compacted. It must
// run at a point where every live ref is reachable from a root.
func (m *Memory) GC(spaces ...SpaceID) GCStats {
	if len(spaces) == 0 {
		spaces = []SpaceID{SpaceGlobal, SpaceLocal}
	}
	g := &gcState{m: m, ms: markStack{limit: m.markLimit}}
	for _, id := range spaces {
		if m.spaces[id] != nil {
			g.collected[id] = true
			g.stats.Collected = append(g.stats.Collected, id)
		}
	}
	gcLog.Debugf("collecting %v", g.stats.Collected)

	g.clearMarks()
	g.markRoots()
	g.drain()
	for g.ms.overflowed {
		g.ms.overflowed = false
		g.stats.Rescans++
		gcLog.Warningf("mark stack overflow, rescanning")
		g.rescan()
		g.drain()
	}
	g.computeRelocation()
	g.relocateAll()
	g.stats.FreedNames = m.names.sweep(g.reloc)
	g.compact()

	m.gcRequested = false
	m.dictGen++
	for _, fn := range m.gcHooks {
		fn()
	}
	gcLog.Infof("gc: marked %d, freed %d bytes, %d chunks, %d names",
		g.stats.Marked, g.stats.FreedBytes, g.stats.FreedChunks, g.stats.FreedNames)
	return g.stats
}

func (g *gcState) eachSpace(fn func(s *Space)) {
	for id := SpaceSystem; id < numSpaces; id++ {
		if s := g.m.spaces[id]; s != nil {
			fn(s)
		}
	}
}

// eachChanges visits the undo logs of every level of every space.
func (g *gcState) eachChanges(fn func(c *change)) {
	g.eachSpace(func(s *Space) {
		for i := range s.changes {
			fn(&s.changes[i])
		}
		for st := s.saved; st != nil; st = st.saved {
			for i := range st.changes {
				fn(&st.changes[i])
			}
		}
	})
}

// ---------------------------------------------------------------------------
// Phase 1: clear marks
// ---------------------------------------------------------------------------

func (g *gcState) clearMarks() {
	g.eachSpace(func(s *Space) {
		s.allChunks(func(c *chunk) {
			c.rescan = false
			for _, b := range c.blocks {
				b.mark = false
				if b.kind == kindStruct && b.st != nil && b.st.ClearMarks != nil {
					b.st.ClearMarks(b.obj)
				}
			}
		})
	})
	g.m.names.clearMarks()
}

// ---------------------------------------------------------------------------
// Phase 2: mark
// ---------------------------------------------------------------------------

func (g *gcState) markRoots() {
	g.m.enumRoots(func(p *Ref) { g.markRef(*p) })
	g.eachChanges(func(c *change) {
		if c.kind != slotStatic {
			g.markRef(c.where)
		}
		if c.kind == slotPacked {
			g.markWord(Packed(c.oldWord))
		} else {
			g.markRef(c.old)
		}
	})
}

func (g *gcState) markWord(w Packed) {
	switch w.tag() {
	case ptLiteralName, ptExecName:
		g.m.names.markIndex(uint32(w.value()))
	}
}

func (g *gcState) markRef(r Ref) {
	switch r.Type() {
	case TInvalid, TBoolean, TInteger, TMark, TNull, TOperator, TReal, TSave, TOpArray:
		return
	case TName:
		g.m.names.markIndex(r.NameIndex())
		return
	case TDictionary, TFile, TArray, TMixedArray, TShortArray, TStruct,
		TAStruct, TFontID, TString, TDevice:
	default:
		if r.Type() >= txAdd && r.Type() < tNextIndex {
			return
		}
		fatalf("unrecognised ref type %d during mark", r.Type())
	}
	s := g.m.spaces[r.Space()]
	if s == nil {
		return
	}
	h := r.handle()
	c := s.byID[h.chunk]
	if c == nil {
		fatalf("%s ref into missing chunk %d of %s", r.Type(), h.chunk, s.id)
	}
	b := c.find(h.off)
	if b == nil || b.kind == kindFree {
		fatalf("%s ref to missing block %d:%d", r.Type(), h.chunk, h.off)
	}
	if b.mark {
		return
	}
	b.mark = true
	g.stats.Marked++
	if b.kind == kindBytes {
		return
	}
	if !g.ms.push(b) {
		if !c.rescan || b.off < c.rescanLo {
			c.rescanLo = b.off
		}
		if !c.rescan || b.off > c.rescanHi {
			c.rescanHi = b.off
		}
		c.rescan = true
	}
}

func (g *gcState) drain() {
	for b := g.ms.pop(); b != nil; b = g.ms.pop() {
		g.trace(b)
	}
}

// trace marks everything a block points to. Ref runs end at the invalid
// sentinel; structs enumerate their own pointers.
func (g *gcState) trace(b *block) {
	switch b.kind {
	case kindRefs:
		for _, r := range b.refs {
			if !r.IsValid() {
				break
			}
			g.markRef(r)
		}
	case kindPacked:
		for pos := 0; pos < len(b.words); {
			w := Packed(b.words[pos])
			if w.isFull() {
				r := wordsToRef(b.words[pos : pos+packedPerRef])
				if !r.IsValid() {
					break
				}
				g.markRef(r)
				pos += packedPerRef
				continue
			}
			g.markWord(w)
			pos++
		}
	case kindStruct:
		if b.st == nil || b.st.EnumPtrs == nil {
			return
		}
		for i := 0; ; i++ {
			kind, r := b.st.EnumPtrs(b.obj, i)
			if kind == PtrEnd {
				break
			}
			if kind == PtrRef {
				g.markRef(r)
			}
		}
	}
}

// rescan retraces marked blocks in the ranges recorded when the mark
// stack could not grow.
func (g *gcState) rescan() {
	g.eachSpace(func(s *Space) {
		s.allChunks(func(c *chunk) {
			if !c.rescan {
				return
			}
			c.rescan = false
			lo, hi := c.rescanLo, c.rescanHi
			for _, b := range c.blocks {
				if b.off >= lo && b.off <= hi && b.mark && b.kind != kindBytes {
					g.trace(b)
				}
			}
		})
	})
}

// ---------------------------------------------------------------------------
// Phase 3: relocation addresses
// ---------------------------------------------------------------------------

// computeRelocation assigns every surviving block of a collected space
// its post-compaction offset and finalizes the dead structs.
func (g *gcState) computeRelocation() {
	g.eachSpace(func(s *Space) {
		if !g.collected[s.id] {
			return
		}
		s.allChunks(func(c *chunk) {
			next := uint32(0)
			for _, b := range c.blocks {
				if b.kind == kindFree || !b.mark {
					if b.kind == kindStruct && b.st != nil && b.st.Finalize != nil {
						b.st.Finalize(b.obj)
					}
					if b.kind != kindFree {
						g.stats.FreedBytes += int64(b.size)
					}
					continue
				}
				b.reloc = next
				next += b.size
			}
		})
	})
}

// ---------------------------------------------------------------------------
// Phase 4: relocate pointers
// ---------------------------------------------------------------------------

func (g *gcState) reloc(r Ref) Ref {
	if !r.IsComposite() || !g.collected[r.Space()] {
		return r
	}
	h := r.handle()
	c := g.m.spaces[r.Space()].byID[h.chunk]
	if c == nil {
		fatalf("relocating %s ref into missing chunk %d", r.Type(), h.chunk)
	}
	b := c.find(h.off)
	if b == nil || !b.mark {
		fatalf("relocating %s ref to dead block %d:%d", r.Type(), h.chunk, h.off)
	}
	h.off = b.reloc
	return r.withHandle(h)
}

func (g *gcState) relocateAll() {
	g.eachSpace(func(s *Space) {
		s.allChunks(func(c *chunk) {
			for _, b := range c.blocks {
				if b.mark {
					g.relocateBlock(b)
				}
			}
		})
	})
	g.m.enumRoots(func(p *Ref) { *p = g.reloc(*p) })
	g.eachChanges(func(c *change) {
		if c.kind != slotStatic {
			c.where = g.reloc(c.where)
		}
		if c.kind != slotPacked {
			c.old = g.reloc(c.old)
		}
	})
}

func (g *gcState) relocateBlock(b *block) {
	switch b.kind {
	case kindRefs:
		for i := range b.refs {
			if !b.refs[i].IsValid() {
				break
			}
			b.refs[i] = g.reloc(b.refs[i])
		}
	case kindPacked:
		for pos := 0; pos < len(b.words); {
			if !Packed(b.words[pos]).isFull() {
				pos++
				continue
			}
			r := wordsToRef(b.words[pos : pos+packedPerRef])
			if !r.IsValid() {
				break
			}
			refToWords(g.reloc(r), b.words[pos:pos+packedPerRef])
			pos += packedPerRef
		}
	case kindStruct:
		if b.st != nil && b.st.RelocPtrs != nil {
			b.st.RelocPtrs(b.obj, g.reloc)
		}
	}
}

// ---------------------------------------------------------------------------
// Phase 5: compact
// ---------------------------------------------------------------------------

func (g *gcState) compact() {
	g.eachSpace(func(s *Space) {
		s.gcCount++
		if !g.collected[s.id] {
			return
		}
		pinned := map[*chunk]bool{}
		if s.cur != nil {
			pinned[s.cur] = true
		}
		for st := s.saved; st != nil; st = st.saved {
			if st.cur != nil {
				pinned[st.cur] = true
			}
			if st.frozen != nil {
				pinned[st.frozen] = true
			}
		}
		var used int64
		keep := func(list []*chunk) []*chunk {
			out := list[:0]
			for _, c := range list {
				live := c.blocks[:0]
				for _, b := range c.blocks {
					if b.kind != kindFree && b.mark {
						b.off = b.reloc
						b.mark = false
						live = append(live, b)
						used += int64(b.size)
					}
				}
				for i := len(live); i < len(c.blocks); i++ {
					c.blocks[i] = nil
				}
				c.blocks = live
				c.top = 0
				if n := len(live); n > 0 {
					c.top = live[n-1].off + live[n-1].size
				}
				if len(live) == 0 && !pinned[c] {
					delete(s.byID, c.id)
					g.stats.FreedChunks++
					continue
				}
				out = append(out, c)
			}
			return out
		}
		s.chunks = keep(s.chunks)
		s.free = make(map[uint32][]*block)
		for st := s.saved; st != nil; st = st.saved {
			st.chunks = keep(st.chunks)
			st.free = make(map[uint32][]*block)
		}
		s.used = used
		s.allocated = 0
	})
}
