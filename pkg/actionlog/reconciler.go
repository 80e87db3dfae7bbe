package actionlog

import (
	"errors"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tablesync/pkg/webrtc/channel"
	"tablesync/pkg/webrtc/protocol"
)

// Options configures a Reconciler.
type Options struct {
	LocalID     string
	DisplayName string
	Clock       clock.Clock
	Logger      *zerolog.Logger
}

// Reconciler records local actions, broadcasts them, and merges the entries
// and snapshots peers send.
type Reconciler struct {
	log    *Log
	opts   Options
	logger zerolog.Logger
	chans  *channel.Set

	mu        sync.Mutex
	nextID    uint64
	listeners map[uint64]func([]Entry)
}

// NewReconciler wraps l. A nil l gets a fresh log with the default cap.
func NewReconciler(l *Log, opts Options) *Reconciler {
	if l == nil {
		l = NewLog(MaxEntries)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	lg := log.Logger
	if opts.Logger != nil {
		lg = *opts.Logger
	}
	return &Reconciler{
		log:       l,
		opts:      opts,
		logger:    lg.With().Str("component", "actionlog").Logger(),
		chans:     channel.NewSet(),
		listeners: make(map[uint64]func([]Entry)),
	}
}

// Log returns the underlying log.
func (r *Reconciler) Log() *Log { return r.log }

// SetDisplayName changes the name stamped on future entries.
func (r *Reconciler) SetDisplayName(name string) {
	r.mu.Lock()
	r.opts.DisplayName = name
	r.mu.Unlock()
}

// Listen registers fn for every batch of entries appended to the log, local
// or remote.
func (r *Reconciler) Listen(fn func([]Entry)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// Attach starts reconciling over ch. When ch opens it receives the last
// SnapshotEntries entries. The returned function detaches; closing ch does
// the same.
func (r *Reconciler) Attach(ch *channel.Channel) (detach func()) {
	g := &channel.Group{}
	g.Track(r.chans.Add(ch))
	g.Track(ch.Subscribe(protocol.MsgActionLog, r.handleEntry))
	g.Track(ch.Subscribe(protocol.MsgActionLogSnapshot, r.handleSnapshot))
	g.Track(ch.OnClose(g.Dispose))
	g.Track(ch.OnOpen(func() { r.sendSnapshot(ch) }))
	return g.Dispose
}

// Record appends a local action and broadcasts it to every attached channel.
func (r *Reconciler) Record(action string, cardsInHand int) Entry {
	r.mu.Lock()
	e := Entry{
		PlayerID:    r.opts.LocalID,
		PlayerName:  r.opts.DisplayName,
		Action:      action,
		CardsInHand: cardsInHand,
		Timestamp:   r.opts.Clock.Now().UnixMilli(),
	}
	r.mu.Unlock()

	r.append([]Entry{e})

	msg, err := protocol.NewMessage(protocol.MsgActionLog, r.opts.LocalID, e)
	if err != nil {
		r.logger.Error().Err(err).Msg("encode action")
		return e
	}
	if _, err := r.chans.Broadcast(msg); err != nil {
		r.logger.Warn().Err(err).Msg("broadcast action")
	}
	return e
}

func (r *Reconciler) sendSnapshot(ch *channel.Channel) {
	entries := r.log.Last(SnapshotEntries)
	if len(entries) == 0 {
		return
	}
	msg, err := protocol.NewMessage(protocol.MsgActionLogSnapshot, r.opts.LocalID, entries)
	if err != nil {
		r.logger.Error().Err(err).Msg("encode action log snapshot")
		return
	}
	if err := ch.Send(msg); err != nil && !errors.Is(err, channel.ErrClosed) {
		r.logger.Warn().Err(err).Str("peer", ch.PeerID()).Msg("send action log snapshot")
	}
}

func (r *Reconciler) handleEntry(msg protocol.Message) {
	var e Entry
	if err := msg.Decode(&e); err != nil {
		r.logger.Warn().Err(err).Msg("dropping action")
		return
	}
	r.append([]Entry{e})
}

// handleSnapshot appends a peer's recent history in order. Entries already
// present are appended again; the log keeps arrival order, not identity.
func (r *Reconciler) handleSnapshot(msg protocol.Message) {
	var entries []Entry
	if err := msg.Decode(&entries); err != nil {
		r.logger.Warn().Err(err).Msg("dropping action log snapshot")
		return
	}
	if len(entries) == 0 {
		return
	}
	r.append(entries)
	r.logger.Debug().Int("entries", len(entries)).Str("from", msg.From).Msg("merged action log snapshot")
}

func (r *Reconciler) append(entries []Entry) {
	r.log.Append(entries...)

	r.mu.Lock()
	fns := make([]func([]Entry), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(entries)
	}
}
