package document

import (
	"slices"
	"sync"
)

// Store is the in-memory document. It is safe for concurrent use.
//
// Listeners run synchronously after each mutation, in mutation order, and must
// not write back to the Store.
type Store struct {
	// emitMu serializes mutate+notify so listeners observe changes in the
	// order they were made.
	emitMu sync.Mutex

	mu        sync.RWMutex
	records   map[string]Record
	listeners map[uint64]func(Change)
	nextID    uint64
}

// NewStore returns an empty document.
func NewStore() *Store {
	return &Store{
		records:   make(map[string]Record),
		listeners: make(map[uint64]func(Change)),
	}
}

// Listen registers fn for every future change.
func (s *Store) Listen(fn func(Change)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Get returns the record with the given id.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return r.clone(), true
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// IDs returns the record ids in sorted order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Snapshot returns a deep copy of the current document.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Snapshot{Records: make(map[string]Record, len(s.records))}
	for id, r := range s.records {
		out.Records[id] = r.clone()
	}
	return out
}

// Put adds or replaces records as a local edit.
func (s *Store) Put(records ...Record) {
	var d Diff
	for _, r := range records {
		d.add(r)
	}
	s.ApplyDiff(d, OriginLocal)
}

// Remove deletes records by id as a local edit. Unknown ids are ignored.
func (s *Store) Remove(ids ...string) {
	var d Diff
	for _, id := range ids {
		d.remove(Record{ID: id})
	}
	s.ApplyDiff(d, OriginLocal)
}

// ApplyDiff applies d with last-write-wins semantics: added and updated
// records are upserted, removed ids are deleted. Listeners receive the
// effective diff, which omits no-op entries.
func (s *Store) ApplyDiff(d Diff, origin Origin) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	var effective Diff
	upsert := func(r Record) {
		if r.ID == "" {
			return
		}
		prev, exists := s.records[r.ID]
		switch {
		case !exists:
			effective.add(r.clone())
		case prev.Equal(r):
			return
		default:
			effective.update(r.clone())
		}
		s.records[r.ID] = r.clone()
	}
	for _, r := range d.Added {
		upsert(r)
	}
	for _, r := range d.Updated {
		upsert(r)
	}
	for id := range d.Removed {
		prev, exists := s.records[id]
		if !exists {
			continue
		}
		delete(s.records, id)
		effective.remove(prev)
	}
	listeners := s.listenersLocked()
	s.mu.Unlock()

	s.emit(listeners, Change{Diff: effective, Origin: origin})
}

// LoadSnapshot replaces the whole document with snap.
func (s *Store) LoadSnapshot(snap Snapshot, origin Origin) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	var effective Diff
	for id, prev := range s.records {
		if _, keep := snap.Records[id]; !keep {
			effective.remove(prev)
		}
	}
	next := make(map[string]Record, len(snap.Records))
	for id, r := range snap.Records {
		r.ID = id
		prev, exists := s.records[id]
		switch {
		case !exists:
			effective.add(r.clone())
		case !prev.Equal(r):
			effective.update(r.clone())
		}
		next[id] = r.clone()
	}
	s.records = next
	listeners := s.listenersLocked()
	s.mu.Unlock()

	s.emit(listeners, Change{Diff: effective, Origin: origin})
}

func (s *Store) listenersLocked() []func(Change) {
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		out = append(out, s.listeners[id])
	}
	return out
}

func (s *Store) emit(listeners []func(Change), c Change) {
	if c.Diff.IsEmpty() {
		return
	}
	for _, fn := range listeners {
		fn(c)
	}
}
