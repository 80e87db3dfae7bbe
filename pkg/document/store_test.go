package document

import (
	"reflect"
	"testing"
)

func card(id, name string) Record {
	return Record{ID: id, TypeName: "card", Props: map[string]any{"name": name}}
}

func TestPutEmitsAddThenUpdate(t *testing.T) {
	s := NewStore()
	var changes []Change
	s.Listen(func(c Change) { changes = append(changes, c) })

	s.Put(card("c1", "Island"))
	s.Put(card("c1", "Island"))   // no-op
	s.Put(card("c1", "Mountain")) // update

	if len(changes) != 2 {
		t.Fatalf("changes = %d, want 2", len(changes))
	}
	if _, ok := changes[0].Diff.Added["c1"]; !ok {
		t.Errorf("first change = %+v, want c1 added", changes[0].Diff)
	}
	if got := changes[1].Diff.Updated["c1"].Props["name"]; got != "Mountain" {
		t.Errorf("second change name = %v, want Mountain", got)
	}
	for _, c := range changes {
		if c.Origin != OriginLocal {
			t.Errorf("Origin = %v, want local", c.Origin)
		}
	}
}

func TestRemoveUnknownIsNoop(t *testing.T) {
	s := NewStore()
	calls := 0
	s.Listen(func(Change) { calls++ })
	s.Remove("missing")
	if calls != 0 {
		t.Errorf("listener calls = %d, want 0", calls)
	}
}

func TestLoadSnapshotReplacesDocument(t *testing.T) {
	s := NewStore()
	s.Put(card("keep", "Forest"), card("drop", "Swamp"))

	var last Change
	s.Listen(func(c Change) { last = c })

	s.LoadSnapshot(Snapshot{Records: map[string]Record{
		"keep": card("keep", "Plains"),
		"new":  card("new", "Island"),
	}}, OriginRemote)

	if got := s.IDs(); !reflect.DeepEqual(got, []string{"keep", "new"}) {
		t.Fatalf("IDs = %v, want [keep new]", got)
	}
	if last.Origin != OriginRemote {
		t.Errorf("Origin = %v, want remote", last.Origin)
	}
	if _, ok := last.Diff.Removed["drop"]; !ok {
		t.Errorf("diff %+v does not remove drop", last.Diff)
	}
	if _, ok := last.Diff.Updated["keep"]; !ok {
		t.Errorf("diff %+v does not update keep", last.Diff)
	}
	if _, ok := last.Diff.Added["new"]; !ok {
		t.Errorf("diff %+v does not add new", last.Diff)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := NewStore()
	s.Put(card("c1", "Island"))

	snap := s.Snapshot()
	snap.Records["c1"].Props["name"] = "changed"

	got, _ := s.Get("c1")
	if got.Props["name"] != "Island" {
		t.Errorf("store mutated through snapshot: %v", got.Props["name"])
	}
}

func TestUnsubscribe(t *testing.T) {
	s := NewStore()
	calls := 0
	unsubscribe := s.Listen(func(Change) { calls++ })
	s.Put(card("a", "x"))
	unsubscribe()
	s.Put(card("b", "y"))
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
