package vm

import (
	"github.com/tliron/commonlog"
)

var saveLog = commonlog.GetLogger("psvm.save")

// saveState is the frozen allocator state of the level enclosing a save,
// together with that level's undo log.
type saveState struct {
	id    uint64
	space *Space

	chunks     []*chunk
	cur        *chunk
	levelFirst uint32
	free       map[uint32][]*block
	changes    []change
	resources  []Resource
	saved      *saveState

	// boundary is the serial of the first chunk created after the save;
	// objects in chunks at or above it are newer than the save.
	boundary uint32

	// frozen is the chunk that was current at the save; its limit was cut
	// back to its top and the remainder handed to an inner chunk.
	frozen      *chunk
	frozenLimit uint32

	// Names created at or after epoch in local VM are newer than the save.
	epoch  uint64
	global *saveState
}

// saveSpace freezes the current level of s and opens a new one.
func (s *Space) saveSpace() *saveState {
	st := &saveState{
		space:      s,
		chunks:     s.chunks,
		cur:        s.cur,
		levelFirst: s.levelFirst,
		free:       s.free,
		changes:    s.changes,
		resources:  s.resources,
		saved:      s.saved,
	}
	s.chunks = nil
	s.changes = nil
	s.resources = nil
	s.free = make(map[uint32][]*block)
	s.levelFirst = s.nextChunk
	st.boundary = s.nextChunk
	if c := s.cur; c != nil && c.avail() >= minInnerChunk {
		st.frozen, st.frozenLimit = c, c.limit
		inner := &chunk{id: s.nextChunk, space: s, limit: c.avail(), outer: c}
		c.limit = c.top
		s.nextChunk++
		s.byID[inner.id] = inner
		s.chunks = []*chunk{inner}
		s.cur = inner
	} else {
		s.cur = nil
	}
	s.saved = st
	return st
}

// Save opens a new save level and returns its id. The outermost save also
// saves global VM. When clearing the new-flags of the enclosing level
// would touch more than the configured number of slots, an extra
// invisible level is inserted so later saves stay cheap.
func (m *Memory) Save() (uint64, error) {
	sid := m.nextSaveID
	m.nextSaveID += 2
	m.epoch++
	var gsave *saveState
	if m.saveLevel == 0 {
		gsave = m.spaces[SpaceGlobal].saveSpace()
		gsave.id = sid + 1
		gsave.epoch = m.epoch
	}
	local := m.spaces[SpaceLocal]
	lsave := local.saveSpace()
	lsave.id = sid
	lsave.epoch = m.epoch
	lsave.global = gsave
	if m.saveLevel != 0 {
		scanned := m.setNew(lsave.chunks, lsave.changes, false)
		if scanned > m.maxRepeatedScan {
			lsave.id = 0
			rsave := local.saveSpace()
			rsave.id = sid
			rsave.epoch = m.epoch
			saveLog.Debugf("save %d: scanned %d slots, inserted invisible level", sid, scanned)
		}
	}
	m.saveLevel++
	m.inSave = true
	saveLog.Debugf("save %d at level %d", sid, m.saveLevel)
	return sid, nil
}

func (m *Memory) findSave(id uint64) *saveState {
	if id == 0 {
		return nil
	}
	for st := m.spaces[SpaceLocal].saved; st != nil; st = st.saved {
		if st.id == id {
			return st
		}
	}
	return nil
}

// IsValidSave reports whether id names a save that can still be restored.
func (m *Memory) IsValidSave(id uint64) bool { return m.findSave(id) != nil }

// isSinceSave reports whether r refers to an object or a name created
// after save.
func (m *Memory) isSinceSave(r Ref, save *saveState) bool {
	switch {
	case r.IsComposite():
		h := r.handle()
		switch r.Space() {
		case SpaceLocal:
			return h.chunk >= save.boundary
		case SpaceGlobal:
			return save.global != nil && h.chunk >= save.global.boundary
		}
	case r.Type() == TName:
		return m.names.isSince(r.NameIndex(), save.epoch)
	}
	return false
}

// checkRestore fails with InvalidRestore if any root provider still holds
// something newer than save. Nothing is modified.
func (m *Memory) checkRestore(save *saveState) error {
	bad := false
	for _, p := range m.providers {
		p.EnumRoots(func(r *Ref) {
			if !bad && m.isSinceSave(*r, save) {
				bad = true
			}
		})
		if bad {
			return ErrInvalidRestore
		}
	}
	return nil
}

// Restore returns VM to the state of save id. The operand, exec and
// dictionary stacks of every context are validated first; on failure
// nothing changes.
func (m *Memory) Restore(id uint64) error {
	save := m.findSave(id)
	if save == nil {
		return ErrInvalidRestore
	}
	if err := m.checkRestore(save); err != nil {
		return err
	}
	for !m.restoreStep(save) {
	}
	m.cacheGen++
	m.dictGen++
	saveLog.Debugf("restore %d: now at level %d", id, m.saveLevel)
	return nil
}

// restoreStep undoes levels down to and including the next visible one.
// It reports whether save itself has been restored.
func (m *Memory) restoreStep(save *saveState) bool {
	local := m.spaces[SpaceLocal]
	var sprev *saveState
	for {
		sprev = local.saved
		m.restoreLevel(local, sprev)
		if sprev.id != 0 {
			m.saveLevel--
			break
		}
		if sprev == save {
			break
		}
	}
	if m.saveLevel == 0 {
		if g := m.spaces[SpaceGlobal]; g.saved != nil {
			m.restoreLevel(g, g.saved)
		}
		m.inSave = false
	} else {
		m.setNew(local.chunks, local.changes, true)
	}
	return sprev == save
}

// restoreLevel discards the current level of s and reinstates st.
func (m *Memory) restoreLevel(s *Space, st *saveState) {
	for _, c := range s.chunks {
		for _, b := range c.blocks {
			if b.kind == kindStruct && b.st != nil && b.st.Finalize != nil {
				b.st.Finalize(b.obj)
			}
		}
	}
	for i := len(s.resources) - 1; i >= 0; i-- {
		s.resources[i].Release()
	}
	if s.id == SpaceLocal {
		m.names.restore(st.epoch)
	}
	for i := len(s.changes) - 1; i >= 0; i-- {
		m.undo(&s.changes[i])
	}
	for _, c := range s.chunks {
		for _, b := range c.blocks {
			if b.kind != kindFree {
				s.used -= int64(b.size)
			}
		}
		delete(s.byID, c.id)
	}
	if st.frozen != nil {
		st.frozen.limit = st.frozenLimit
	}
	s.chunks = st.chunks
	s.cur = st.cur
	s.levelFirst = st.levelFirst
	s.free = st.free
	s.changes = st.changes
	s.resources = st.resources
	s.saved = st.saved
}

// ForgetSave merges every level down to and including save id into its
// enclosing level. Afterwards id can no longer be restored.
func (m *Memory) ForgetSave(id uint64) error {
	save := m.findSave(id)
	if save == nil {
		return ErrInvalidRestore
	}
	local := m.spaces[SpaceLocal]
	for {
		sprev := local.saved
		if sprev.id != 0 {
			m.saveLevel--
		}
		if m.saveLevel != 0 {
			m.setNew(sprev.chunks, sprev.changes, true)
			m.combine(local)
		} else {
			m.forgetChanges(local)
			m.setNew(local.chunks, nil, false)
			m.combine(local)
			if g := m.spaces[SpaceGlobal]; g.saved != nil {
				m.forgetChanges(g)
				m.setNew(g.chunks, nil, false)
				m.combine(g)
			}
			m.inSave = false
			break
		}
		if sprev == save {
			break
		}
	}
	m.cacheGen++
	saveLog.Debugf("forgetsave %d: now at level %d", id, m.saveLevel)
	return nil
}

// forgetChanges drops the undo log of the current level, clearing l_new in
// the slots it covered.
func (m *Memory) forgetChanges(s *Space) {
	for i := range s.changes {
		if p := m.slotPtr(&s.changes[i]); p != nil {
			p.tas &^= lNew
		}
	}
	s.changes = nil
}

// combine folds the current level of s into the enclosing one. Inner
// chunks stay separate chunks; the frozen outer chunk keeps its cut limit.
func (m *Memory) combine(s *Space) {
	st := s.saved
	s.changes = append(st.changes, s.changes...)
	s.resources = append(st.resources, s.resources...)
	s.chunks = append(st.chunks, s.chunks...)
	for size, list := range st.free {
		s.free[size] = append(s.free[size], list...)
	}
	if s.cur == nil {
		s.cur = st.cur
	}
	s.levelFirst = st.levelFirst
	s.saved = st.saved
}
