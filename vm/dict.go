package vm

import "math"

// A dictionary is a four-ref block: the values array, the keys array
// (full refs, or packed words while every key is a small name), the entry
// count and the maximum length. Both arrays have npairs+1 slots; slot 0 is
// a permanently deleted entry that marks the wraparound point of the
// downward probe.
const (
	dictValues = iota
	dictKeys
	dictCount
	dictMaxLength
	dictRefs
)

const (
	nameHashMultiplier    = 40503
	integerHashMultiplier = 30503
	otherHashMultiplier   = 99
	dictMaxNonHuge        = 1 << 15
)

// dictRoundSize rounds a requested capacity up to a power of two so that
// the hash can be reduced with a mask.
func dictRoundSize(n int) int {
	if n < 1 {
		n = 1
	}
	if n > dictMaxNonHuge {
		return n
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func hashMod(h uint32, npairs int) int {
	if npairs&(npairs-1) == 0 {
		return int(h & uint32(npairs-1))
	}
	return int(h % uint32(npairs))
}

// NewDict allocates an empty dictionary able to hold size entries. Keys
// start out packed.
func (m *Memory) NewDict(space SpaceID, size int) (Ref, error) {
	if size < 0 {
		return Ref{}, ErrRangeCheck
	}
	if size > maxDictSize {
		return Ref{}, ErrLimitCheck
	}
	blk, err := m.AllocArray(space, dictRefs)
	if err != nil {
		return Ref{}, err
	}
	d := makeComposite(TDictionary, AAll, space, 0, blk.handle())
	if err := m.dictAlloc(d, size, true); err != nil {
		return Ref{}, err
	}
	return d, nil
}

// dictAlloc gives d fresh, empty key and value arrays.
func (m *Memory) dictAlloc(d Ref, maxlength int, pack bool) error {
	asize := dictRoundSize(maxlength) + 1
	values, err := m.AllocArray(d.Space(), asize)
	if err != nil {
		return err
	}
	var keys Ref
	if pack {
		keys, err = m.allocWords(d.Space(), asize, packedKeyEmpty)
		if err != nil {
			return err
		}
		words, _ := m.wordsOf(keys)
		words[0] = uint16(packedKeyDeleted)
	} else {
		keys, err = m.AllocArray(d.Space(), asize)
		if err != nil {
			return err
		}
		m.refsOf(keys)[0] = m.stamp(MakeNull().Cvx())
	}
	m.storeRef(d, dictValues, values)
	m.storeRef(d, dictKeys, keys)
	m.storeRef(d, dictCount, MakeInt(0))
	m.storeRef(d, dictMaxLength, MakeInt(int64(maxlength)).WithAccess(AAll))
	return nil
}

func (m *Memory) dictBlock(d Ref) []Ref {
	_, b := m.lookup(d)
	return b.refs[:dictRefs]
}

type dictParts struct {
	values, keys Ref
	count, max   int
	npairs       int
	packed       bool
	keysNew      bool
}

func (m *Memory) dictParts(d Ref) dictParts {
	blk := m.dictBlock(d)
	p := dictParts{
		values:  blk[dictValues],
		keys:    blk[dictKeys],
		count:   int(blk[dictCount].Int()),
		max:     int(blk[dictMaxLength].Int()),
		keysNew: blk[dictKeys].isNew(),
	}
	p.npairs = p.values.Size() - 1
	p.packed = p.keys.Type() == TShortArray
	return p
}

// DictLength returns the number of entries.
func (m *Memory) DictLength(d Ref) int { return int(m.dictBlock(d)[dictCount].Int()) }

// DictMaxLength returns the capacity.
func (m *Memory) DictMaxLength(d Ref) int { return int(m.dictBlock(d)[dictMaxLength].Int()) }

// setDictMax changes the capacity, keeping the access bits stored with it.
func (m *Memory) setDictMax(d Ref, n int) {
	a := m.dictBlock(d)[dictMaxLength].Attrs() & accessMask
	m.storeRef(d, dictMaxLength, MakeInt(int64(n)).WithAccess(a))
}

// DictAccess returns the access of the dictionary object itself. Unlike
// arrays and strings, a dictionary's access is shared by every ref to it.
func (m *Memory) DictAccess(d Ref) uint16 {
	return m.dictBlock(d)[dictMaxLength].Attrs() & accessMask
}

// SetDictAccess reduces the access of a dictionary.
func (m *Memory) SetDictAccess(d Ref, a uint16) {
	mx := m.dictBlock(d)[dictMaxLength]
	m.storeRef(d, dictMaxLength, mx.WithAccess(a))
}

// DictIsPacked reports whether d still stores its keys packed.
func (m *Memory) DictIsPacked(d Ref) bool { return m.dictBlock(d)[dictKeys].Type() == TShortArray }

// dictKey normalises a key: strings become names, integral reals become
// integers, and null is rejected.
func (m *Memory) dictKey(key Ref) (Ref, error) {
	switch key.Type() {
	case TNull:
		return Ref{}, ErrTypeCheck
	case TString:
		if !key.HasAccess(ARead) {
			return Ref{}, ErrInvalidAccess
		}
		idx, err := m.names.Intern(string(m.bytesOf(key)))
		if err != nil {
			return Ref{}, err
		}
		return MakeName(idx), nil
	case TName:
		return key.Cvlit(), nil
	case TReal:
		f := key.Real()
		if f == math.Trunc(f) && f >= math.MinInt32 && f <= math.MaxInt32 {
			return MakeInt(int64(f)), nil
		}
	}
	return key.clearGCBits(), nil
}

func keyHash(key Ref) uint32 {
	switch key.BType() {
	case TName:
		return key.NameIndex() * nameHashMultiplier
	case TInteger:
		return uint32(key.Int()) * integerHashMultiplier
	}
	return uint32(key.BType()) * otherHashMultiplier
}

func isEmptyKey(k Ref) bool   { return k.Type() == TNull && !k.IsExec() }
func isDeletedKey(k Ref) bool { return k.Type() == TNull && k.IsExec() }

// dictFind probes for a normalised key. It returns the slot of the key if
// found; otherwise the slot an insertion should use. DictFull means the
// table has no free slot at all.
func (m *Memory) dictFind(p *dictParts, key Ref) (int, bool, error) {
	start := hashMod(keyHash(key), p.npairs) + 1
	avail := 0
	wrapped := false
	if p.packed {
		kpack := packedKeyImpossible
		if key.Type() == TName && key.NameIndex() <= packedMaxValue {
			kpack = ptTag(ptLiteralName) + Packed(key.NameIndex())
		}
		words, base := m.wordsOf(p.keys)
		for i := start; ; i-- {
			if i == 0 {
				if wrapped {
					break
				}
				wrapped = true
				i = p.npairs + 1
				continue
			}
			switch w := Packed(words[base+i]); w {
			case kpack:
				return i, true, nil
			case packedKeyEmpty:
				if avail == 0 {
					avail = i
				}
				return avail, false, nil
			case packedKeyDeleted:
				if avail == 0 {
					avail = i
				}
			}
		}
	} else {
		keys := m.refsOf(p.keys)
		for i := start; ; i-- {
			if i == 0 {
				if wrapped {
					break
				}
				wrapped = true
				i = p.npairs + 1
				continue
			}
			k := keys[i]
			switch {
			case isEmptyKey(k):
				if avail == 0 {
					avail = i
				}
				return avail, false, nil
			case isDeletedKey(k):
				if avail == 0 {
					avail = i
				}
			case key.Type() == TName:
				if k.Type() == TName && k.NameIndex() == key.NameIndex() {
					return i, true, nil
				}
			case objEqShallow(k, key) && k.BType() == key.BType():
				return i, true, nil
			}
		}
	}
	if avail == 0 {
		return 0, false, ErrDictFull
	}
	return avail, false, nil
}

// dictKeyAt returns the key stored in slot i.
func (m *Memory) dictKeyAt(p *dictParts, i int) Ref {
	if p.packed {
		words, base := m.wordsOf(p.keys)
		switch w := Packed(words[base+i]); w {
		case packedKeyEmpty:
			return MakeNull()
		case packedKeyDeleted:
			return MakeNull().Cvx()
		default:
			r, _ := PackedGet(w)
			return r
		}
	}
	return m.refsOf(p.keys)[i].clearGCBits()
}

// DictGet looks key up in d.
func (m *Memory) DictGet(d, key Ref) (Ref, bool, error) {
	key, err := m.dictKey(key)
	if err != nil {
		return Ref{}, false, err
	}
	p := m.dictParts(d)
	i, found, err := m.dictFind(&p, key)
	if !found {
		if err == ErrDictFull {
			err = nil
		}
		return Ref{}, false, err
	}
	return m.refsOf(p.values)[i].clearGCBits(), true, nil
}

// DictKnown reports whether key is defined in d.
func (m *Memory) DictKnown(d, key Ref) (bool, error) {
	_, found, err := m.DictGet(d, key)
	return found, err
}

// DictPut defines key as val in d, growing d when it is full and
// auto-expansion is on. It reports whether a new entry was created.
func (m *Memory) DictPut(d, key, val Ref) (bool, error) {
	key, err := m.dictKey(key)
	if err != nil {
		return false, err
	}
	if err := m.checkStore(d.Space(), key); err != nil {
		return false, err
	}
	if err := m.checkStore(d.Space(), val); err != nil {
		return false, err
	}
	for {
		p := m.dictParts(d)
		i, found, err := m.dictFind(&p, key)
		if found {
			m.storeRef(p.values, int(p.values.handle().elem)+i, val)
			return false, nil
		}
		if err == ErrDictFull || p.count >= p.max {
			if !m.autoExpand {
				return false, ErrDictFull
			}
			if err := m.DictGrow(d); err != nil {
				return false, err
			}
			continue
		}
		if err != nil {
			return false, err
		}
		if p.packed {
			if key.Type() != TName || key.NameIndex() > packedMaxValue {
				if err := m.DictUnpack(d); err != nil {
					return false, err
				}
				continue
			}
			kw := ptTag(ptLiteralName) + Packed(key.NameIndex())
			_, base := m.wordsOf(p.keys)
			m.storePacked(p.keys, base+i, kw, !p.keysNew)
		} else {
			m.storeRef(p.keys, int(p.keys.handle().elem)+i, key)
		}
		vi := int(p.values.handle().elem) + i
		m.storeRef(p.values, vi, val)
		m.storeRef(d, dictCount, MakeInt(int64(p.count+1)))
		if key.Type() == TName {
			m.noteDefinition(d, key.NameIndex(), p.values, vi)
		}
		return true, nil
	}
}

// noteDefinition maintains the binding cache of a newly defined name.
func (m *Memory) noteDefinition(d Ref, nidx uint32, values Ref, index int) {
	c := m.names.cacheOf(nidx)
	if c == nil {
		return
	}
	if c.state == cacheNone && !m.inSave && m.isPermanent != nil && m.isPermanent(d) {
		c.state = cacheValid
		c.values = blockRef(values, TArray)
		c.index = index
		c.gen = m.cacheGen
		return
	}
	c.state = cacheOther
}

// DictUndef removes key from d. The slot becomes empty rather than
// deleted when the next slot of the probe sequence is empty.
func (m *Memory) DictUndef(d, key Ref) error {
	key, err := m.dictKey(key)
	if err != nil {
		return err
	}
	p := m.dictParts(d)
	i, found, _ := m.dictFind(&p, key)
	if !found {
		return ErrUndefined
	}
	if p.packed {
		words, base := m.wordsOf(p.keys)
		w := packedKeyDeleted
		if Packed(words[base+i-1]) == packedKeyEmpty {
			w = packedKeyEmpty
		}
		m.storePacked(p.keys, base+i, w, !p.keysNew)
	} else {
		keys := m.refsOf(p.keys)
		k := MakeNull().Cvx()
		if isEmptyKey(keys[i-1]) {
			k = MakeNull()
		}
		m.storeRef(p.keys, int(p.keys.handle().elem)+i, k)
	}
	vi := int(p.values.handle().elem) + i
	m.storeRef(p.values, vi, MakeNull())
	m.storeRef(d, dictCount, MakeInt(int64(p.count-1)))
	if key.Type() == TName {
		if c := m.names.cacheOf(key.NameIndex()); c != nil && c.state == cacheValid {
			if c.gen == m.cacheGen && c.values.handle() == blockRef(p.values, TArray).handle() && c.index == vi {
				c.state = cacheNone
			} else {
				c.state = cacheOther
			}
		}
	}
	return nil
}

// DictGrow enlarges a full dictionary by half again.
func (m *Memory) DictGrow(d Ref) error {
	p := m.dictParts(d)
	if p.max >= maxDictSize {
		return ErrDictFull
	}
	n := p.max*3/2 + 2
	if n > maxDictSize {
		n = maxDictSize
	}
	if n <= p.npairs {
		m.setDictMax(d, n)
		return nil
	}
	return m.DictResize(d, n)
}

// DictResize rebuilds d with capacity n, keeping its entries.
func (m *Memory) DictResize(d Ref, n int) error {
	p := m.dictParts(d)
	if n < p.count {
		return ErrDictFull
	}
	if n > maxDictSize {
		return ErrLimitCheck
	}
	tmp, err := m.AllocArray(d.Space(), dictRefs)
	if err != nil {
		return err
	}
	nd := makeComposite(TDictionary, AAll, d.Space(), 0, tmp.handle())
	if err := m.dictAlloc(nd, n, p.packed); err != nil {
		return err
	}
	for i := p.npairs; i > 0; i-- {
		k := m.dictKeyAt(&p, i)
		if k.Type() == TNull {
			continue
		}
		v := m.refsOf(p.values)[i]
		if err := m.dictInsertRaw(nd, k, v); err != nil {
			return err
		}
	}
	np := m.dictParts(nd)
	m.storeRef(d, dictValues, np.values)
	m.storeRef(d, dictKeys, np.keys)
	m.storeRef(d, dictCount, MakeInt(int64(np.count)))
	m.setDictMax(d, n)
	m.Free(tmp)
	m.Free(p.keys)
	m.Free(p.values)
	m.names.invalidateCaches()
	m.dictGen++
	return nil
}

// dictInsertRaw adds an entry known to be absent, without touching name
// caches or growing the table.
func (m *Memory) dictInsertRaw(d, key, val Ref) error {
	p := m.dictParts(d)
	i, found, err := m.dictFind(&p, key)
	if err != nil {
		return err
	}
	if found {
		m.storeRef(p.values, int(p.values.handle().elem)+i, val)
		return nil
	}
	if p.packed {
		if key.Type() != TName || key.NameIndex() > packedMaxValue {
			if err := m.DictUnpack(d); err != nil {
				return err
			}
			return m.dictInsertRaw(d, key, val)
		}
		_, base := m.wordsOf(p.keys)
		m.storePacked(p.keys, base+i, ptTag(ptLiteralName)+Packed(key.NameIndex()), !p.keysNew)
	} else {
		m.storeRef(p.keys, int(p.keys.handle().elem)+i, key)
	}
	m.storeRef(p.values, int(p.values.handle().elem)+i, val)
	m.storeRef(d, dictCount, MakeInt(int64(p.count+1)))
	return nil
}

// DictUnpack converts packed keys to full refs. The value array, and so
// every binding cache into it, is untouched.
func (m *Memory) DictUnpack(d Ref) error {
	p := m.dictParts(d)
	if !p.packed {
		return nil
	}
	keys, err := m.AllocArray(d.Space(), p.npairs+1)
	if err != nil {
		return err
	}
	kr := m.refsOf(keys)
	for i := 0; i <= p.npairs; i++ {
		kr[i] = m.stamp(m.dictKeyAt(&p, i))
	}
	m.storeRef(d, dictKeys, keys)
	m.Free(p.keys)
	m.dictGen++
	return nil
}

// DictFirst returns the enumeration cursor that starts at the top slot.
func (m *Memory) DictFirst(d Ref) int { return m.dictParts(d).npairs + 1 }

// DictNext returns the next entry below cursor i, walking downward.
func (m *Memory) DictNext(d Ref, i int) (int, Ref, Ref, bool) {
	p := m.dictParts(d)
	if i > p.npairs+1 {
		i = p.npairs + 1
	}
	values := m.refsOf(p.values)
	for i--; i > 0; i-- {
		k := m.dictKeyAt(&p, i)
		if k.Type() != TNull {
			return i, k, values[i].clearGCBits(), true
		}
	}
	return 0, Ref{}, Ref{}, false
}

// DictCopyEntries copies every entry of from into to. With newOnly set,
// keys already present in to are left alone.
func (m *Memory) DictCopyEntries(from, to Ref, newOnly bool) error {
	for i := m.DictFirst(from); ; {
		var k, v Ref
		var ok bool
		i, k, v, ok = m.DictNext(from, i)
		if !ok {
			return nil
		}
		if newOnly {
			if known, err := m.DictKnown(to, k); err != nil {
				return err
			} else if known {
				continue
			}
		}
		if _, err := m.DictPut(to, k, v); err != nil {
			return err
		}
	}
}

// dictValueSlot returns the values-array ref and absolute index of key's
// slot, for callers that keep a pointer to a binding.
func (m *Memory) dictValueSlot(d, key Ref) (Ref, int, bool) {
	p := m.dictParts(d)
	i, found, _ := m.dictFind(&p, key)
	if !found {
		return Ref{}, 0, false
	}
	return p.values, int(p.values.handle().elem) + i, true
}
