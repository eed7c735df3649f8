package vm

import (
	"errors"
	"fmt"
	"testing"
)

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	return NewMemory(DefaultOptions())
}

// ---------------------------------------------------------------------------
// Refs and packed words
// ---------------------------------------------------------------------------

func TestRefAttributes(t *testing.T) {
	r := MakeInt(3)
	if r.IsExec() {
		t.Error("integer should start literal")
	}
	if !r.Cvx().IsExec() || r.Cvx().Cvlit().IsExec() {
		t.Error("cvx/cvlit did not toggle the executable bit")
	}
	a := makeComposite(TArray, AAll, SpaceLocal, 4, handle{chunk: 1})
	if !a.HasAccess(AWrite) {
		t.Error("new array should be writable")
	}
	ro := a.WithAccess(AReadOnly)
	if ro.HasAccess(AWrite) || !ro.HasAccess(ARead) {
		t.Errorf("readonly access = %#x", ro.Attrs())
	}
	if ro.Space() != SpaceLocal || ro.Size() != 4 {
		t.Errorf("space/size = %v/%d, want local/4", ro.Space(), ro.Size())
	}
}

func TestPackedRoundTrip(t *testing.T) {
	refs := []Ref{
		MakeInt(0),
		MakeInt(packedMinInt),
		MakeInt(packedMaxInt),
		MakeName(17),
		MakeExecName(17),
		MakeOperator(42),
	}
	for _, r := range refs {
		p, ok := MakePacked(r)
		if !ok {
			t.Errorf("MakePacked(%v) failed", r)
			continue
		}
		got, ok := PackedGet(p)
		if !ok {
			t.Errorf("PackedGet(%#x) failed", p)
			continue
		}
		if got.Type() != r.Type() || got.IsExec() != r.IsExec() || got.val != r.val {
			t.Errorf("round trip of %v gave %v", r, got)
		}
	}
}

func TestPackedRejectsWideValues(t *testing.T) {
	for _, r := range []Ref{
		MakeInt(packedMaxInt + 1),
		MakeInt(packedMinInt - 1),
		MakeReal(1.5),
		MakeName(packedMaxValue + 1),
		MakeInt(1).Cvx(),
	} {
		if _, ok := MakePacked(r); ok {
			t.Errorf("MakePacked(%v) should not fit one word", r)
		}
	}
}

func TestEncodePackedMixed(t *testing.T) {
	elems := []Ref{MakeInt(1), MakeReal(1.5), MakeExecName(9)}
	words, short := encodePacked(elems)
	if short {
		t.Error("a real cannot be stored in a short array")
	}
	pos := 0
	for i, want := range elems {
		pos = packedSkipPads(words, pos)
		got, next := packedElem(words, pos)
		if got.Type() != want.Type() || got.val != want.val {
			t.Errorf("elem %d = %v, want %v", i, got, want)
		}
		pos = next
	}
}

func TestRefWords(t *testing.T) {
	r := MakeReal(-2.25).Cvx()
	var w [packedPerRef]uint16
	refToWords(r, w[:])
	if got := wordsToRef(w[:]); got != r {
		t.Errorf("wordsToRef = %v, want %v", got, r)
	}
}

// ---------------------------------------------------------------------------
// Stacks
// ---------------------------------------------------------------------------

func TestRefStackSegments(t *testing.T) {
	s := newRefStack(4, 10, ErrStackOverflow, ErrStackUnderflow)
	for i := 0; i < 4; i++ {
		if err := s.Push(MakeInt(int64(i))); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if err := s.Push(MakeInt(4)); err != ErrStackOverflow {
		t.Fatalf("push past block = %v, want overflow", err)
	}
	if !s.Extend(1) {
		t.Fatal("Extend failed below the maximum")
	}
	if err := s.Push(MakeInt(4)); err != nil {
		t.Fatalf("push after extend: %v", err)
	}
	if s.Count() != 5 {
		t.Errorf("Count = %d, want 5", s.Count())
	}
	for i := 0; i < 5; i++ {
		r, ok := s.Index(i)
		if !ok || r.Int() != int64(4-i) {
			t.Errorf("Index(%d) = %v, %v", i, r, ok)
		}
	}
	if _, ok := s.Index(5); ok {
		t.Error("Index past the bottom should fail")
	}
	if err := s.Check(s.Avail() + 1); err != ErrStackUnderflow {
		t.Errorf("Check beyond segment = %v, want underflow", err)
	}
}

func TestRefStackMaximum(t *testing.T) {
	s := newRefStack(4, 6, ErrStackOverflow, ErrStackUnderflow)
	for i := 0; i < 4; i++ {
		s.Push(MakeInt(int64(i)))
	}
	if !s.Extend(2) {
		t.Fatal("Extend(2) should fit")
	}
	s.Push(MakeInt(4))
	s.Push(MakeInt(5))
	if s.Extend(1) {
		t.Error("Extend past the maximum should fail")
	}
	if err := s.Need(1); err != ErrStackOverflow {
		t.Errorf("Need = %v, want overflow", err)
	}
}

// ---------------------------------------------------------------------------
// Dictionaries
// ---------------------------------------------------------------------------

func TestDictPutGet(t *testing.T) {
	m := newTestMemory(t)
	d, err := m.NewDict(SpaceLocal, 4)
	if err != nil {
		t.Fatalf("NewDict: %v", err)
	}
	for i := 0; i < 3; i++ {
		key := m.names.MustRef(fmt.Sprintf("k%d", i))
		if _, err := m.DictPut(d, key, MakeInt(int64(i*10))); err != nil {
			t.Fatalf("DictPut: %v", err)
		}
	}
	if n := m.DictLength(d); n != 3 {
		t.Errorf("DictLength = %d, want 3", n)
	}
	v, ok, err := m.DictGet(d, m.names.MustRef("k2"))
	if err != nil || !ok || v.Int() != 20 {
		t.Errorf("DictGet(k2) = %v, %v, %v", v, ok, err)
	}
	created, err := m.DictPut(d, m.names.MustRef("k1"), MakeInt(99))
	if err != nil || created {
		t.Errorf("redefining k1: created=%v err=%v", created, err)
	}
	if n := m.DictLength(d); n != 3 {
		t.Errorf("DictLength after redefine = %d, want 3", n)
	}
}

func TestDictStringKeysAreNames(t *testing.T) {
	m := newTestMemory(t)
	d, _ := m.NewDict(SpaceLocal, 2)
	s, _ := m.NewString("key")
	if _, err := m.DictPut(d, s, MakeInt(1)); err != nil {
		t.Fatalf("DictPut: %v", err)
	}
	if ok, _ := m.DictKnown(d, m.names.MustRef("key")); !ok {
		t.Error("string key should be stored as the equal name")
	}
}

func TestDictUndefAndUnpack(t *testing.T) {
	m := newTestMemory(t)
	d, _ := m.NewDict(SpaceLocal, 4)
	a := m.names.MustRef("a")
	m.DictPut(d, a, MakeInt(1))
	if err := m.DictUndef(d, a); err != nil {
		t.Fatalf("DictUndef: %v", err)
	}
	if ok, _ := m.DictKnown(d, a); ok {
		t.Error("a still known after undef")
	}
	if err := m.DictUndef(d, a); err != ErrUndefined {
		t.Errorf("second undef = %v, want undefined", err)
	}

	// An integer key forces the keys out of packed form.
	if _, err := m.DictPut(d, MakeInt(7), MakeInt(70)); err != nil {
		t.Fatalf("DictPut(7): %v", err)
	}
	if p := m.dictParts(d); p.packed {
		t.Error("keys still packed after a non-name key")
	}
	m.DictPut(d, m.names.MustRef("b"), MakeInt(2))
	if v, ok, _ := m.DictGet(d, MakeInt(7)); !ok || v.Int() != 70 {
		t.Errorf("DictGet(7) = %v, %v", v, ok)
	}
	if v, ok, _ := m.DictGet(d, MakeReal(7)); !ok || v.Int() != 70 {
		t.Errorf("real key 7.0 should find integer key 7: %v, %v", v, ok)
	}
}

func TestDictGrowth(t *testing.T) {
	m := newTestMemory(t)
	d, _ := m.NewDict(SpaceLocal, 2)
	for i := 0; i < 20; i++ {
		if _, err := m.DictPut(d, m.names.MustRef(fmt.Sprintf("g%d", i)), MakeInt(int64(i))); err != nil {
			t.Fatalf("DictPut %d: %v", i, err)
		}
	}
	if m.DictMaxLength(d) < 20 {
		t.Errorf("DictMaxLength = %d, want at least 20", m.DictMaxLength(d))
	}
	seen := 0
	for i := m.DictFirst(d); ; {
		var ok bool
		i, _, _, ok = m.DictNext(d, i)
		if !ok {
			break
		}
		seen++
	}
	if seen != 20 {
		t.Errorf("enumerated %d entries, want 20", seen)
	}
}

func TestDictFull(t *testing.T) {
	m := newTestMemory(t)
	m.SetAutoExpand(false)
	d, _ := m.NewDict(SpaceLocal, 1)
	m.DictPut(d, m.names.MustRef("x"), MakeInt(1))
	if _, err := m.DictPut(d, m.names.MustRef("y"), MakeInt(2)); err != ErrDictFull {
		t.Errorf("put into full dict = %v, want dictfull", err)
	}
}

func TestStoreRule(t *testing.T) {
	m := newTestMemory(t)
	g, _ := m.NewDict(SpaceGlobal, 2)
	local, _ := m.AllocString(SpaceLocal, 1)
	if _, err := m.DictPut(g, m.names.MustRef("s"), local); err != ErrInvalidAccess {
		t.Errorf("global dict holding a local string = %v, want invalidaccess", err)
	}
	l, _ := m.NewDict(SpaceLocal, 2)
	global, _ := m.AllocString(SpaceGlobal, 1)
	if _, err := m.DictPut(l, m.names.MustRef("s"), global); err != nil {
		t.Errorf("local dict holding a global string: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Save and restore
// ---------------------------------------------------------------------------

func TestSaveRestoreUndoesStores(t *testing.T) {
	m := newTestMemory(t)
	d, _ := m.NewDict(SpaceLocal, 4)
	a := m.names.MustRef("a")
	m.DictPut(d, a, MakeInt(1))

	id, err := m.Save()
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	m.DictPut(d, a, MakeInt(2))
	fresh := m.names.MustRef("fresh")
	m.DictPut(d, fresh, MakeInt(3))
	if m.SaveLevel() != 1 {
		t.Errorf("SaveLevel = %d, want 1", m.SaveLevel())
	}

	if err := m.Restore(id); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if v, _, _ := m.DictGet(d, a); v.Int() != 1 {
		t.Errorf("a = %v after restore, want 1", v)
	}
	if m.DictLength(d) != 1 {
		t.Errorf("DictLength = %d after restore, want 1", m.DictLength(d))
	}
	if _, ok := m.names.Lookup("fresh"); ok {
		t.Error("name created inside the save survived restore")
	}
	if m.SaveLevel() != 0 || m.InSave() {
		t.Error("still in a save after restoring the outermost one")
	}
	if m.IsValidSave(id) {
		t.Error("restored save id is still valid")
	}
}

func TestNestedRestore(t *testing.T) {
	m := newTestMemory(t)
	a, _ := m.AllocArray(SpaceLocal, 1)
	m.PutElem(a, 0, MakeInt(0))
	outer, _ := m.Save()
	m.PutElem(a, 0, MakeInt(1))
	m.Save()
	m.PutElem(a, 0, MakeInt(2))
	if err := m.Restore(outer); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := m.ArrayGet(a, 0).Int(); got != 0 {
		t.Errorf("a[0] = %d after restoring the outer save, want 0", got)
	}
}

func TestForgetSaveKeepsChanges(t *testing.T) {
	m := newTestMemory(t)
	a, _ := m.AllocArray(SpaceLocal, 1)
	outer, _ := m.Save()
	inner, _ := m.Save()
	m.PutElem(a, 0, MakeInt(5))
	if err := m.ForgetSave(inner); err != nil {
		t.Fatalf("ForgetSave: %v", err)
	}
	if got := m.ArrayGet(a, 0).Int(); got != 5 {
		t.Errorf("a[0] = %d after forgetsave, want 5", got)
	}
	if err := m.Restore(outer); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := m.ArrayGet(a, 0); got.Type() != TNull {
		t.Errorf("a[0] = %v after restore, want null", got)
	}
}

func TestInvisibleSaveLevel(t *testing.T) {
	m := NewMemory(Options{MaxRepeatedScan: 5})
	a, _ := m.AllocArray(SpaceLocal, 20)
	fill := func(base int64) {
		for i := 0; i < 20; i++ {
			m.PutElem(a, i, MakeInt(base+int64(i)))
		}
	}
	fill(0)
	outer, _ := m.Save()
	fill(100)
	inner, err := m.Save()
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if m.SaveLevel() != 2 {
		t.Errorf("SaveLevel = %d, want 2", m.SaveLevel())
	}
	fill(200)

	if err := m.Restore(inner); err != nil {
		t.Fatalf("Restore inner: %v", err)
	}
	if got := m.ArrayGet(a, 7).Int(); got != 107 {
		t.Errorf("a[7] = %d after restoring the inner save, want 107", got)
	}
	if m.SaveLevel() != 1 || !m.IsValidSave(outer) {
		t.Errorf("SaveLevel = %d, outer valid = %t", m.SaveLevel(), m.IsValidSave(outer))
	}

	again, _ := m.Save()
	fill(300)
	if err := m.ForgetSave(again); err != nil {
		t.Fatalf("ForgetSave: %v", err)
	}
	if got := m.ArrayGet(a, 7).Int(); got != 307 {
		t.Errorf("a[7] = %d after forgetsave, want 307", got)
	}

	if err := m.Restore(outer); err != nil {
		t.Fatalf("Restore outer: %v", err)
	}
	if got := m.ArrayGet(a, 19).Int(); got != 19 {
		t.Errorf("a[19] = %d after restoring the outer save, want 19", got)
	}
	if m.SaveLevel() != 0 || m.InSave() {
		t.Error("still in a save after restoring the outermost one")
	}
}

type rootHolder struct{ refs []Ref }

func (h *rootHolder) EnumRoots(fn func(p *Ref)) {
	for i := range h.refs {
		fn(&h.refs[i])
	}
}

func TestRestoreRejectsNewerRoots(t *testing.T) {
	m := newTestMemory(t)
	h := &rootHolder{}
	m.AddRootProvider(h)
	id, _ := m.Save()
	s, _ := m.AllocString(SpaceLocal, 3)
	h.refs = append(h.refs, s)
	if err := m.Restore(id); err != ErrInvalidRestore {
		t.Fatalf("Restore = %v, want invalidrestore", err)
	}
	if !m.IsValidSave(id) {
		t.Error("a failed restore must leave the save in place")
	}
	h.refs = nil
	if err := m.Restore(id); err != nil {
		t.Errorf("Restore once the root is gone: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Garbage collection
// ---------------------------------------------------------------------------

func TestGCKeepsReachableObjects(t *testing.T) {
	m := newTestMemory(t)
	d, _ := m.NewDict(SpaceLocal, 4)
	root := d
	m.RegisterRoot(&root, "test")
	s, _ := m.NewString("hello")
	key := m.names.MustRef("greeting")
	m.DictPut(root, key, s)
	for i := 0; i < 200; i++ {
		if _, err := m.AllocArray(SpaceLocal, 50); err != nil {
			t.Fatalf("AllocArray: %v", err)
		}
	}

	stats := m.GC()
	if stats.Marked < 4 {
		t.Errorf("Marked = %d, want at least the dict and its string", stats.Marked)
	}
	v, ok, err := m.DictGet(root, key)
	if err != nil || !ok {
		t.Fatalf("greeting lost after GC: %v %v", ok, err)
	}
	if got := string(m.StringBytes(v)); got != "hello" {
		t.Errorf("greeting = %q after GC, want hello", got)
	}
}

func TestGCRescansAfterMarkStackOverflow(t *testing.T) {
	m := NewMemory(Options{MarkStackSegments: 1})
	const n = 500
	root, _ := m.AllocArray(SpaceLocal, n)
	m.RegisterRoot(&root, "wide")
	for i := 0; i < n; i++ {
		m.AllocArray(SpaceLocal, 20)
		sub, _ := m.AllocArray(SpaceLocal, 1)
		s, _ := m.NewString(fmt.Sprintf("s%d", i))
		m.PutElem(sub, 0, s)
		m.PutElem(root, i, sub)
	}

	stats := m.GC()
	if stats.Rescans == 0 {
		t.Error("Rescans = 0, want the mark stack to overflow")
	}
	for _, i := range []int{0, 199, 200, 201, n - 1} {
		sub := m.ArrayGet(root, i)
		if got := string(m.StringBytes(m.ArrayGet(sub, 0))); got != fmt.Sprintf("s%d", i) {
			t.Errorf("root[%d][0] = %q after GC", i, got)
		}
	}
}

func TestGCFreesUnreachableNames(t *testing.T) {
	m := newTestMemory(t)
	m.names.MustRef("transient")
	m.GC()
	if _, ok := m.names.Lookup("transient"); ok {
		t.Error("an unreferenced name survived collection")
	}
}

type refBox struct{ r Ref }

func (b *refBox) NumRefFields() int { return 1 }
func (b *refBox) RefField(int) *Ref { return &b.r }

var refBoxType = refFieldsType("refbox", 16, TStruct, nil)

func TestStructFieldsTracedAndRestored(t *testing.T) {
	m := newTestMemory(t)
	box := &refBox{}
	sr, err := m.AllocStruct(SpaceLocal, refBoxType, box)
	if err != nil {
		t.Fatalf("AllocStruct: %v", err)
	}
	root := sr
	m.RegisterRoot(&root, "box")
	s, _ := m.NewString("kept")
	if err := m.StoreField(root, 0, s); err != nil {
		t.Fatalf("StoreField: %v", err)
	}
	m.GC()
	if got := string(m.StringBytes(box.r)); got != "kept" {
		t.Fatalf("field = %q after GC, want kept", got)
	}

	id, _ := m.Save()
	m.StoreField(root, 0, MakeInt(7))
	if err := m.Restore(id); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if box.r.Type() != TString {
		t.Errorf("field type = %v after restore, want string", box.r.Type())
	}
	if err := m.StoreField(root, 1, s); err != ErrRangeCheck {
		t.Errorf("StoreField past the fields = %v, want rangecheck", err)
	}
}

func TestStructFinalizers(t *testing.T) {
	m := newTestMemory(t)
	var finalized []*refBox
	st := refFieldsType("counted", 16, TStruct, func(obj any) {
		finalized = append(finalized, obj.(*refBox))
	})

	kept, dropped := &refBox{}, &refBox{}
	root, _ := m.AllocStruct(SpaceLocal, st, kept)
	m.RegisterRoot(&root, "kept")
	if _, err := m.AllocStruct(SpaceLocal, st, dropped); err != nil {
		t.Fatalf("AllocStruct: %v", err)
	}
	m.GC()
	if len(finalized) != 1 || finalized[0] != dropped {
		t.Fatalf("finalized %d objects after GC, want only the unreachable one", len(finalized))
	}

	id, _ := m.Save()
	inner := &refBox{}
	m.AllocStruct(SpaceLocal, st, inner)
	if err := m.Restore(id); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if len(finalized) != 2 || finalized[1] != inner {
		t.Errorf("finalized %d objects after restore, want the one made inside the save", len(finalized))
	}
}

// ---------------------------------------------------------------------------
// Limits
// ---------------------------------------------------------------------------

func TestHardLimitRequestsCollection(t *testing.T) {
	m := NewMemory(Options{MaxLocal: 8192})
	if m.GCRequested() {
		t.Fatal("collection requested before any allocation")
	}
	var err error
	for i := 0; i < 100 && err == nil; i++ {
		_, err = m.AllocArray(SpaceLocal, 100)
	}
	if !errors.Is(err, ErrVMError) {
		t.Fatalf("err = %v, want VMerror", err)
	}
	if !m.GCRequested() {
		t.Error("hitting the hard limit did not request a collection")
	}
}

func TestFreeReturnsSpace(t *testing.T) {
	m := newTestMemory(t)
	before := m.Stats(SpaceLocal).Used
	a, _ := m.AllocArray(SpaceLocal, 100)
	b, _ := m.AllocArray(SpaceLocal, 100)
	m.Free(a)
	m.Free(b)
	if got := m.Stats(SpaceLocal).Used; got != before {
		t.Errorf("Used = %d after freeing both arrays, want %d", got, before)
	}

	old, _ := m.AllocArray(SpaceLocal, 100)
	used := m.Stats(SpaceLocal).Used
	m.Save()
	m.Free(old)
	if got := m.Stats(SpaceLocal).Used; got != used {
		t.Errorf("Used = %d after freeing an object older than the save, want %d", got, used)
	}
}
