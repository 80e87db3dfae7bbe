package document

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/cockroachdb/pebble/v2"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// recordPrefix namespaces record keys: "rec/<id>".
const recordPrefix = "rec/"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("document: CBOR encoder initialization failed: " + err.Error())
	}
	// Props are decoded into map[string]any so they compare equal to the
	// JSON-decoded form peers send.
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("document: CBOR decoder initialization failed: " + err.Error())
	}
}

// Persister mirrors a Store into a Pebble database so a table survives a
// restart. Each record is stored CBOR-encoded under its own key.
type Persister struct {
	db     *pebble.DB
	logger zerolog.Logger
	// trackOpts is used for writes made from a Store listener, which runs on
	// the delivery goroutine. The WAL is synced when the database closes.
	trackOpts *pebble.WriteOptions

	mu     sync.Mutex
	detach func()
}

// OpenPersister opens (or creates) the database in dir.
func OpenPersister(dir string, logger *zerolog.Logger) (*Persister, error) {
	if dir == "" {
		return nil, errors.New("persister: empty data directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := pebble.Open(filepath.Join(filepath.Clean(dir), "document"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble db: %w", err)
	}
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Persister{
		db:        db,
		logger:    l.With().Str("component", "persister").Logger(),
		trackOpts: pebble.NoSync,
	}, nil
}

// Load reads every stored record.
func (p *Persister) Load() (Snapshot, error) {
	snap := Snapshot{Records: make(map[string]Record)}
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(recordPrefix),
		UpperBound: prefixUpperBound(recordPrefix),
	})
	if err != nil {
		return snap, fmt.Errorf("open iterator: %w", err)
	}
	defer func() { _ = iter.Close() }()

	for iter.First(); iter.Valid(); iter.Next() {
		var r Record
		if err := decMode.Unmarshal(iter.Value(), &r); err != nil {
			p.logger.Warn().Err(err).Str("key", string(iter.Key())).Msg("skipping undecodable record")
			continue
		}
		snap.Records[r.ID] = r
	}
	return snap, iter.Error()
}

// Restore loads the stored document into s as a local change and starts
// mirroring s. Call Close to stop.
func (p *Persister) Restore(s *Store) error {
	snap, err := p.Load()
	if err != nil {
		return err
	}
	if len(snap.Records) > 0 {
		s.LoadSnapshot(snap, OriginLocal)
		p.logger.Info().Int("records", len(snap.Records)).Msg("restored document")
	}
	p.Track(s)
	return nil
}

// Track mirrors every subsequent change of s, local or remote.
func (p *Persister) Track(s *Store) {
	unsubscribe := s.Listen(func(c Change) {
		if err := p.save(c.Diff, p.trackOpts); err != nil {
			p.logger.Error().Err(err).Msg("persist change")
		}
	})
	p.mu.Lock()
	if p.detach != nil {
		p.detach()
	}
	p.detach = unsubscribe
	p.mu.Unlock()
}

// Save writes one diff atomically and syncs it to disk.
func (p *Persister) Save(d Diff) error {
	return p.save(d, pebble.Sync)
}

func (p *Persister) save(d Diff, opts *pebble.WriteOptions) error {
	if d.IsEmpty() {
		return nil
	}
	batch := p.db.NewBatch()
	defer func() { _ = batch.Close() }()

	put := func(r Record) error {
		data, err := encMode.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", r.ID, err)
		}
		return batch.Set([]byte(recordPrefix+r.ID), data, nil)
	}
	for _, r := range d.Added {
		if err := put(r); err != nil {
			return err
		}
	}
	for _, r := range d.Updated {
		if err := put(r); err != nil {
			return err
		}
	}
	for id := range d.Removed {
		if err := batch.Delete([]byte(recordPrefix+id), nil); err != nil {
			return fmt.Errorf("delete record %s: %w", id, err)
		}
	}
	return batch.Commit(opts)
}

// Close stops tracking and closes the database.
func (p *Persister) Close() error {
	p.mu.Lock()
	if p.detach != nil {
		p.detach()
		p.detach = nil
	}
	p.mu.Unlock()
	return p.db.Close()
}

func prefixUpperBound(prefix string) []byte {
	end := []byte(prefix)
	end[len(end)-1]++
	return end
}
