package vm

import (
	"sort"
)

// Memory is the VM memory shared by every execution context: the three
// spaces, the name table, the GC roots and the save-level bookkeeping.
// It performs no locking; the owner serialises access.
type Memory struct {
	spaces  [numSpaces]*Space
	current SpaceID
	names   *NameTable

	roots     map[RootID]rootCell
	rootSeq   RootID
	providers []RootProvider

	saveLevel  int
	inSave     bool
	nextSaveID uint64
	epoch      uint64

	// cacheGen invalidates name binding caches wholesale; dictGen
	// invalidates anything caching a dictionary's key or value arrays.
	cacheGen uint64
	dictGen  uint64

	// isPermanent reports whether a dictionary is one of the permanent
	// entries at the bottom of the dictionary stack.
	isPermanent func(d Ref) bool

	gcRequested bool
	gcDisabled  bool
	gcHooks     []func()
	markLimit   int

	maxRepeatedScan int
	autoExpand      bool
}

// RootID identifies a registered root.
type RootID int

type rootCell struct {
	p    *Ref
	name string
}

// RootProvider exposes refs held outside VM storage (stacks, scanner
// state) to the collector and to restore validation. The callback may
// rewrite the ref in place.
type RootProvider interface {
	EnumRoots(fn func(p *Ref))
}

// NewMemory creates the system, global and local spaces.
func NewMemory(opts Options) *Memory {
	opts = opts.withDefaults()
	m := &Memory{
		current:         SpaceLocal,
		roots:           make(map[RootID]rootCell),
		nextSaveID:      1,
		epoch:           1,
		markLimit:       opts.MarkStackSegments,
		maxRepeatedScan: opts.MaxRepeatedScan,
		autoExpand:      !opts.FixedDicts,
	}
	cs := uint32(opts.ChunkSize)
	m.spaces[SpaceSystem] = newSpace(m, SpaceSystem, 0, 0, cs)
	m.spaces[SpaceGlobal] = newSpace(m, SpaceGlobal, opts.VMThreshold, opts.MaxGlobal, cs)
	m.spaces[SpaceLocal] = newSpace(m, SpaceLocal, opts.VMThreshold, opts.MaxLocal, cs)
	m.names = newNameTable(m)
	return m
}

// Names returns the name table.
func (m *Memory) Names() *NameTable { return m.names }

// Current returns the space new composites are allocated in.
func (m *Memory) Current() SpaceID { return m.current }

// SetCurrent selects the allocation space (global or local).
func (m *Memory) SetCurrent(id SpaceID) { m.current = id }

// SaveLevel returns the number of visible saves in effect.
func (m *Memory) SaveLevel() int { return m.saveLevel }

// InSave reports whether any save (visible or not) is in effect.
func (m *Memory) InSave() bool { return m.inSave }

// AutoExpand reports whether full dictionaries grow on insert.
func (m *Memory) AutoExpand() bool { return m.autoExpand }

// SetAutoExpand selects whether full dictionaries grow on insert.
func (m *Memory) SetAutoExpand(on bool) { m.autoExpand = on }

func (m *Memory) requestGC() {
	if !m.gcDisabled {
		m.gcRequested = true
	}
}

// GCRequested reports whether an allocation crossed a space's threshold
// since the last collection.
func (m *Memory) GCRequested() bool { return m.gcRequested }

// SetGCEnabled turns threshold-triggered collection on or off.
func (m *Memory) SetGCEnabled(on bool) {
	m.gcDisabled = !on
	if !on {
		m.gcRequested = false
	}
}

// SetThreshold changes the soft limit of a space.
func (m *Memory) SetThreshold(id SpaceID, n int64) { m.space(id).threshold = n }

// AfterGC registers a hook run once a collection has finished moving
// objects; owners of caches into VM use it to rebuild them.
func (m *Memory) AfterGC(fn func()) { m.gcHooks = append(m.gcHooks, fn) }

// ---------------------------------------------------------------------------
// Roots
// ---------------------------------------------------------------------------

// RegisterRoot makes *p a GC root. The collector traces it and rewrites it
// when the referent moves.
func (m *Memory) RegisterRoot(p *Ref, name string) RootID {
	m.rootSeq++
	m.roots[m.rootSeq] = rootCell{p: p, name: name}
	return m.rootSeq
}

// UnregisterRoot removes a root.
func (m *Memory) UnregisterRoot(id RootID) { delete(m.roots, id) }

// AddRootProvider registers a source of out-of-VM refs.
func (m *Memory) AddRootProvider(p RootProvider) { m.providers = append(m.providers, p) }

// RemoveRootProvider unregisters a provider.
func (m *Memory) RemoveRootProvider(p RootProvider) {
	for i, x := range m.providers {
		if x == p {
			m.providers = append(m.providers[:i], m.providers[i+1:]...)
			return
		}
	}
}

// enumRoots visits every root cell: registered roots in registration
// order, then the providers.
func (m *Memory) enumRoots(fn func(p *Ref)) {
	ids := make([]int, 0, len(m.roots))
	for id := range m.roots {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	for _, id := range ids {
		fn(m.roots[RootID(id)].p)
	}
	for _, p := range m.providers {
		p.EnumRoots(fn)
	}
}

// RegisterResource ties r to the current local save level: restoring
// that level releases it.
func (m *Memory) RegisterResource(r Resource) {
	s := m.spaces[SpaceLocal]
	s.resources = append(s.resources, r)
}

// ---------------------------------------------------------------------------
// Store barrier
// ---------------------------------------------------------------------------

type slotKind uint8

const (
	slotRef slotKind = iota
	slotPacked
	slotStruct
	slotStatic
)

// change is one undo log entry: where a slot lives and what it held
// before its first write at the current save level.
type change struct {
	kind    slotKind
	where   Ref
	index   int
	static  *Ref
	old     Ref
	oldWord uint16
}

func (m *Memory) newMask() uint16 {
	if m.inSave {
		return lNew
	}
	return 0
}

// stamp prepares a ref for storing into a slot: the GC mark is cleared and
// l_new records whether the slot was written inside a save.
func (m *Memory) stamp(v Ref) Ref {
	v.tas = v.tas&^(lMark|lNew) | m.newMask()
	return v
}

func blockRef(container Ref, t Type) Ref {
	h := container.handle()
	h.elem = 0
	r := container.withHandle(h)
	r.tas = uint16(t)<<typeShift | r.tas&spaceMask
	return r
}

func (m *Memory) logChange(space SpaceID, c change) {
	s := m.spaces[space]
	if s == nil || s.saved == nil {
		return
	}
	s.changes = append(s.changes, c)
}

// storeRef writes v into absolute element idx of a ref block, logging the
// old contents the first time the slot is written at this save level.
func (m *Memory) storeRef(container Ref, idx int, v Ref) {
	_, b := m.lookup(container)
	p := &b.refs[idx]
	if m.inSave && !p.isNew() {
		m.logChange(container.Space(), change{kind: slotRef, where: blockRef(container, TArray), index: idx, old: *p})
	}
	*p = m.stamp(v)
}

// storePacked writes one word of packed storage. Packed words carry no
// l_new bit, so the caller decides from the container whether the old
// word must be logged.
func (m *Memory) storePacked(container Ref, idx int, w Packed, mustSave bool) {
	_, b := m.lookup(container)
	if m.inSave && mustSave {
		m.logChange(container.Space(), change{kind: slotPacked, where: blockRef(container, TShortArray), index: idx, oldWord: b.words[idx]})
	}
	b.words[idx] = uint16(w)
}

// StoreField writes ref field i of a struct object through the barrier.
func (m *Memory) StoreField(sr Ref, i int, v Ref) error {
	if err := m.checkStore(sr.Space(), v); err != nil {
		return err
	}
	f, ok := m.structOf(sr).(RefFielder)
	if !ok || i < 0 || i >= f.NumRefFields() {
		return ErrRangeCheck
	}
	p := f.RefField(i)
	if m.inSave && !p.isNew() {
		m.logChange(sr.Space(), change{kind: slotStruct, where: blockRef(sr, sr.Type()), index: i, old: *p})
	}
	*p = m.stamp(v)
	return nil
}

// StoreStatic writes a ref cell that lives outside VM storage but must
// still follow save/restore (for example the array packing flag).
func (m *Memory) StoreStatic(p *Ref, v Ref) {
	if m.inSave && !p.isNew() {
		m.logChange(SpaceLocal, change{kind: slotStatic, static: p, old: *p})
	}
	*p = m.stamp(v)
}

// slotPtr locates the ref a change entry describes; nil for packed slots.
func (m *Memory) slotPtr(c *change) *Ref {
	switch c.kind {
	case slotRef:
		_, b := m.lookup(c.where)
		return &b.refs[c.index]
	case slotStruct:
		return m.structOf(c.where).(RefFielder).RefField(c.index)
	case slotStatic:
		return c.static
	}
	return nil
}

func (m *Memory) undo(c *change) {
	if c.kind == slotPacked {
		_, b := m.lookup(c.where)
		b.words[c.index] = c.oldWord
		return
	}
	*m.slotPtr(c) = c.old
}

// setNew sets or clears l_new on every slot logged in changes and in every
// ref of the given chunks. It returns the number of slots visited.
func (m *Memory) setNew(chunks []*chunk, changes []change, on bool) int {
	n := 0
	mark := func(p *Ref) {
		if on {
			p.tas |= lNew
		} else {
			p.tas &^= lNew
		}
		n++
	}
	for i := range changes {
		if p := m.slotPtr(&changes[i]); p != nil {
			mark(p)
		}
	}
	for _, c := range chunks {
		for _, b := range c.blocks {
			switch b.kind {
			case kindRefs:
				for i := range b.refs {
					mark(&b.refs[i])
				}
			case kindStruct:
				if f, ok := b.obj.(RefFielder); ok {
					for i := 0; i < f.NumRefFields(); i++ {
						mark(f.RefField(i))
					}
				}
			}
		}
	}
	return n
}
