package document

import (
	"testing"
)

func TestPersisterRestoresDocument(t *testing.T) {
	dir := t.TempDir()

	p, err := OpenPersister(dir, nil)
	if err != nil {
		t.Fatalf("OpenPersister: %v", err)
	}
	s := NewStore()
	if err := p.Restore(s); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	s.Put(card("c1", "Island"), card("c2", "Forest"))
	s.Put(card("c1", "Mountain"))
	s.Remove("c2")
	s.ApplyDiff(Diff{Added: map[string]Record{"r1": card("r1", "Swamp")}}, OriginRemote)

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	p2, err := OpenPersister(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()

	restored := NewStore()
	if err := p2.Restore(restored); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if restored.Len() != 2 {
		t.Fatalf("Len = %d, want 2 (ids %v)", restored.Len(), restored.IDs())
	}
	c1, ok := restored.Get("c1")
	if !ok || c1.Props["name"] != "Mountain" {
		t.Errorf("c1 = %+v, want name Mountain", c1)
	}
	if _, ok := restored.Get("c2"); ok {
		t.Error("c2 survived removal")
	}
	if _, ok := restored.Get("r1"); !ok {
		t.Error("remote record r1 was not persisted")
	}
}

func TestOpenPersisterRequiresDir(t *testing.T) {
	if _, err := OpenPersister("", nil); err == nil {
		t.Fatal("OpenPersister(\"\") succeeded, want error")
	}
}

func TestTrackedChangesDoNotWaitForSync(t *testing.T) {
	p, err := OpenPersister(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("OpenPersister: %v", err)
	}
	defer p.Close()
	if p.trackOpts.Sync {
		t.Fatal("tracked writes are synced on every change")
	}

	s := NewStore()
	p.Track(s)
	s.Put(card("c1", "Island"))

	snap, err := p.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r, ok := snap.Records["c1"]; !ok || r.Props["name"] != "Island" {
		t.Errorf("stored c1 = %+v (present %v), want name Island", r, ok)
	}
}
