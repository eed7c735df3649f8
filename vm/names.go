package vm

import (
	"hash/fnv"
)

const (
	nameHashSize   = 4096
	maxNameString  = 1023
	maxNameIndex   = handleElemMask
	oneCharNames   = 128
	firstUserIndex = oneCharNames + 1
)

type cacheState uint8

const (
	// cacheNone: no definition has been recorded for the name.
	cacheNone cacheState = iota
	// cacheOther: the name is (or was) defined somewhere uncacheable.
	cacheOther
	// cacheValid: slot holds the name's only definition, in a dictionary
	// that stays on the bottom of the dictionary stack.
	cacheValid
)

// nameCache points at the value slot of a name's binding.
type nameCache struct {
	state  cacheState
	values Ref
	index  int
	gen    uint64
}

type nameEntry struct {
	str       string
	next      uint32
	mark      bool
	permanent bool
	space     SpaceID
	epoch     uint64
	cache     nameCache
}

// NameTable interns name strings. A name's identity is its index, which
// never changes while the name is live. Freed indices are reused.
type NameTable struct {
	mem     *Memory
	entries []*nameEntry
	free    []uint32
	buckets [nameHashSize]uint32
	count   int

	// bootstrap marks names created while the VM is being initialised;
	// they live in system space and are never collected.
	bootstrap bool
}

func newNameTable(m *Memory) *NameTable {
	t := &NameTable{mem: m}
	t.add("", true)
	for c := 0; c < oneCharNames; c++ {
		t.add(string([]byte{byte(c)}), true)
	}
	return t
}

func nameHash(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32() & (nameHashSize - 1)
}

func (t *NameTable) add(s string, permanent bool) uint32 {
	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = uint32(len(t.entries))
		t.entries = append(t.entries, nil)
	}
	e := &nameEntry{str: s, permanent: permanent, space: SpaceGlobal, epoch: t.mem.epoch}
	switch {
	case permanent || t.bootstrap:
		e.space = SpaceSystem
		e.permanent = true
	case t.mem.current == SpaceLocal && t.mem.inSave:
		e.space = SpaceLocal
	}
	b := nameHash(s)
	e.next = t.buckets[b]
	t.buckets[b] = idx + 1
	t.entries[idx] = e
	t.count++
	return idx
}

// Intern returns the index of s, creating the name if needed.
func (t *NameTable) Intern(s string) (uint32, error) {
	if idx, ok := t.Lookup(s); ok {
		return idx, nil
	}
	if len(s) > maxNameString {
		return 0, ErrLimitCheck
	}
	if len(t.free) == 0 && len(t.entries) > maxNameIndex {
		return 0, ErrLimitCheck
	}
	return t.add(s, false), nil
}

// Ref interns s and returns a literal name ref.
func (t *NameTable) Ref(s string) (Ref, error) {
	idx, err := t.Intern(s)
	if err != nil {
		return Ref{}, err
	}
	return MakeName(idx), nil
}

// MustRef is Ref for names known to be valid.
func (t *NameTable) MustRef(s string) Ref {
	r, err := t.Ref(s)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup finds s without creating it.
func (t *NameTable) Lookup(s string) (uint32, bool) {
	if len(s) == 1 && s[0] < oneCharNames {
		return uint32(s[0]) + 1, true
	}
	for i := t.buckets[nameHash(s)]; i != 0; {
		e := t.entries[i-1]
		if e.str == s {
			return i - 1, true
		}
		i = e.next
	}
	return 0, false
}

// String returns the text of a name.
func (t *NameTable) String(idx uint32) string {
	if e := t.entry(idx); e != nil {
		return e.str
	}
	return ""
}

// Len returns the number of live names.
func (t *NameTable) Len() int { return t.count }

func (t *NameTable) entry(idx uint32) *nameEntry {
	if int(idx) >= len(t.entries) {
		return nil
	}
	return t.entries[idx]
}

func (t *NameTable) spaceOf(idx uint32) SpaceID {
	if e := t.entry(idx); e != nil {
		return e.space
	}
	return SpaceForeign
}

func (t *NameTable) isSince(idx uint32, epoch uint64) bool {
	e := t.entry(idx)
	return e != nil && e.space == SpaceLocal && e.epoch >= epoch
}

func (t *NameTable) remove(idx uint32) {
	e := t.entries[idx]
	b := nameHash(e.str)
	if t.buckets[b] == idx+1 {
		t.buckets[b] = e.next
	} else {
		for i := t.buckets[b]; i != 0; {
			p := t.entries[i-1]
			if p.next == idx+1 {
				p.next = e.next
				break
			}
			i = p.next
		}
	}
	t.entries[idx] = nil
	t.free = append(t.free, idx)
	t.count--
}

// restore frees the local names created at or after epoch.
func (t *NameTable) restore(epoch uint64) {
	n := 0
	for i, e := range t.entries {
		if e != nil && e.space == SpaceLocal && e.epoch >= epoch {
			t.remove(uint32(i))
			n++
		}
	}
	if n > 0 {
		saveLog.Debugf("restore freed %d names", n)
	}
}

// ---------------------------------------------------------------------------
// GC support
// ---------------------------------------------------------------------------

func (t *NameTable) clearMarks() {
	for _, e := range t.entries {
		if e != nil {
			e.mark = e.permanent
		}
	}
}

func (t *NameTable) markIndex(idx uint32) {
	e := t.entry(idx)
	if e == nil {
		fatalf("name index %d is not in use", idx)
	}
	e.mark = true
}

// sweep frees unmarked names and relocates the binding caches of the
// survivors. A cache from an older generation may point at a freed block,
// so it is demoted instead. It returns the number of names freed.
func (t *NameTable) sweep(reloc func(Ref) Ref) int {
	n := 0
	for i, e := range t.entries {
		if e == nil {
			continue
		}
		if !e.mark {
			t.remove(uint32(i))
			n++
			continue
		}
		if e.cache.state == cacheValid {
			if e.cache.gen != t.mem.cacheGen {
				e.cache.state = cacheOther
				continue
			}
			e.cache.values = reloc(e.cache.values)
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Binding cache
// ---------------------------------------------------------------------------

func (t *NameTable) cacheOf(idx uint32) *nameCache {
	if e := t.entry(idx); e != nil {
		return &e.cache
	}
	return nil
}

// cachedSlot returns the cached value slot of a name, if still valid.
func (t *NameTable) cachedSlot(idx uint32) (Ref, int, bool) {
	c := t.cacheOf(idx)
	if c == nil || c.state != cacheValid || c.gen != t.mem.cacheGen {
		return Ref{}, 0, false
	}
	return c.values, c.index, true
}

// invalidateCaches forgets every binding cache.
func (t *NameTable) invalidateCaches() { t.mem.cacheGen++ }

// NameInfo describes a live name.
type NameInfo struct {
	Index     uint32
	Text      string
	Space     SpaceID
	Permanent bool
}

// Each visits the live names in index order.
func (t *NameTable) Each(fn func(NameInfo)) {
	for i, e := range t.entries {
		if e != nil {
			fn(NameInfo{Index: uint32(i), Text: e.str, Space: e.space, Permanent: e.permanent})
		}
	}
}
