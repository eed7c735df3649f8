package snapshot

import (
	"io"
	"testing"

	"github.com/chazu/psvm/vm"
)

func newVM(t *testing.T, source string) *vm.VM {
	t.Helper()
	v, err := vm.New(vm.Options{LanguageLevel: 2, Stdout: io.Discard})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c := v.NewContext()
	if err := c.ExecuteString(source); err != nil {
		t.Fatalf("ExecuteString: %v", err)
	}
	return v
}

func TestTakeRecordsSpacesAndContexts(t *testing.T) {
	v := newVM(t, "/snapshotkey (hello) def 1 2")
	s := Take(v, Options{Blocks: true, Names: true})

	if s.Version != FormatVersion || s.LanguageLevel != 2 || s.SaveLevel != 0 {
		t.Errorf("header = %d %d %d", s.Version, s.LanguageLevel, s.SaveLevel)
	}
	if s.Current != "local" {
		t.Errorf("Current = %q, want local", s.Current)
	}
	for _, name := range []string{"system", "global", "local"} {
		if s.Space(name) == nil {
			t.Errorf("missing space %s", name)
		}
	}
	local := s.Space("local")
	if local == nil || len(local.Chunks) == 0 {
		t.Fatal("local space has no chunks")
	}
	found := false
	for _, ch := range local.Chunks {
		for _, b := range ch.Blocks {
			if b.Kind == "bytes" {
				found = true
			}
		}
	}
	if !found {
		t.Error("no string block in local VM")
	}

	var name *Name
	for i := range s.Names {
		if s.Names[i].Text == "snapshotkey" {
			name = &s.Names[i]
		}
	}
	if name == nil {
		t.Fatal("snapshotkey not in name table")
	}
	if name.Space != "global" || name.Permanent {
		t.Errorf("snapshotkey = %+v", *name)
	}

	if len(s.Contexts) != 1 {
		t.Fatalf("contexts = %d, want 1", len(s.Contexts))
	}
	ops := s.Contexts[0].Operands
	if len(ops) != 2 || ops[0] != "1" || ops[1] != "2" {
		t.Errorf("operands = %v, want [1 2]", ops)
	}
	if s.Contexts[0].Dict != 3 {
		t.Errorf("dict depth = %d, want 3", s.Contexts[0].Dict)
	}
}

func TestTakeSkipsOptionalSections(t *testing.T) {
	s := Take(newVM(t, ""), Options{})
	if len(s.Names) != 0 {
		t.Errorf("names recorded without Options.Names: %d", len(s.Names))
	}
	for _, sp := range s.Spaces {
		for _, ch := range sp.Chunks {
			if len(ch.Blocks) != 0 {
				t.Errorf("%s chunk %d has blocks without Options.Blocks", sp.Name, ch.ID)
			}
		}
	}
}

func TestPermanentNames(t *testing.T) {
	v := newVM(t, "")
	without := Take(v, Options{Names: true})
	with := Take(v, Options{Names: true, PermanentNames: true})
	if len(with.Names) <= len(without.Names) {
		t.Errorf("permanent names not added: %d <= %d", len(with.Names), len(without.Names))
	}
	for _, n := range without.Names {
		if n.Permanent {
			t.Errorf("permanent name %q recorded", n.Text)
		}
	}
}

func TestSaveLevelRecorded(t *testing.T) {
	s := Take(newVM(t, "save pop save pop"), Options{})
	if s.SaveLevel != 2 {
		t.Errorf("SaveLevel = %d, want 2", s.SaveLevel)
	}
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

func TestSnapshot_CBORRoundTrip(t *testing.T) {
	s := Take(newVM(t, "/snapshotkey 10 array def (x)"), Options{Blocks: true, Names: true})
	data, err := Marshal(s)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(got.Spaces) != len(s.Spaces) {
		t.Fatalf("spaces = %d, want %d", len(got.Spaces), len(s.Spaces))
	}
	for i := range s.Spaces {
		a, b := s.Spaces[i], got.Spaces[i]
		if a.Name != b.Name || a.Used != b.Used || len(a.Chunks) != len(b.Chunks) {
			t.Errorf("space %d: got %+v, want %+v", i, b, a)
		}
	}
	if len(got.Names) != len(s.Names) {
		t.Errorf("names = %d, want %d", len(got.Names), len(s.Names))
	}
	if len(got.Contexts) != 1 || len(got.Contexts[0].Operands) != 1 || got.Contexts[0].Operands[0] != "(x)" {
		t.Errorf("contexts = %+v", got.Contexts)
	}
}

func TestDigestIsDeterministic(t *testing.T) {
	v := newVM(t, "/snapshotkey 5 dict def")
	d1, err := Digest(Take(v, Options{Blocks: true, Names: true}))
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	d2, err := Digest(Take(v, Options{Blocks: true, Names: true}))
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	if d1 != d2 {
		t.Error("digests of the same heap differ")
	}
	c := v.Contexts()[0]
	if err := c.ExecuteString("/another 1 def"); err != nil {
		t.Fatalf("ExecuteString: %v", err)
	}
	d3, err := Digest(Take(v, Options{Blocks: true, Names: true}))
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	if d3 == d1 {
		t.Error("digest unchanged after defining a name")
	}
}

func TestUnmarshalErrors(t *testing.T) {
	if _, err := Unmarshal([]byte{0xff, 0x00}); err == nil {
		t.Error("expected error for invalid CBOR")
	}
	data, err := Marshal(&Snapshot{Version: FormatVersion + 1})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := Unmarshal(data); err == nil {
		t.Error("expected error for unknown version")
	}
}
