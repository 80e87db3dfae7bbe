// Package session ties one table together: the shared document, presence,
// the action log and rate limits, attached to every channel the connection
// layer produces. It does not care whether a channel came from a pasted
// token pair or from the broker mesh.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tablesync/pkg/actionlog"
	"tablesync/pkg/document"
	"tablesync/pkg/presence"
	"tablesync/pkg/ratelimit"
	"tablesync/pkg/replication"
	"tablesync/pkg/webrtc/channel"
)

var (
	// ErrRateLimited is returned when an action is dropped by its limiter.
	ErrRateLimited = errors.New("rate limited")
	// ErrInvalidDie is returned by Roll for fewer than two sides.
	ErrInvalidDie = errors.New("a die needs at least two sides")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")
)

// Limit is a sliding-window allowance.
type Limit struct {
	Calls  int
	Window time.Duration
}

// Default limits for broadcast-triggering actions.
var (
	DefaultActionLimit = Limit{Calls: 10, Window: 10 * time.Second}
	DefaultRollLimit   = Limit{Calls: 3, Window: time.Minute}
)

// Options configures a Session.
type Options struct {
	RoomID      string
	LocalID     string
	DisplayName string
	// Store is the shared document; a fresh one is used when nil.
	Store *document.Store
	// Persister, when set, restores the document on New and mirrors every
	// change afterwards. The caller closes it.
	Persister *document.Persister

	HeartbeatInterval time.Duration
	ActionLimit       Limit
	RollLimit         Limit

	Clock clock.Clock
	// Rand returns a uniform int in [0, n). Defaults to math/rand/v2.
	Rand   func(n int) int
	Logger *zerolog.Logger
}

// PeerStatus is one attached channel as seen by the session.
type PeerStatus struct {
	ID              string
	DisplayName     string
	Open            bool
	Online          bool
	LastSeen        time.Time
	SnapshotApplied bool
	PendingDiffs    int
}

// Status summarizes the session.
type Status struct {
	RoomID      string
	LocalID     string
	DisplayName string
	Records     int
	Entries     int
	CanAct      bool
	CanRoll     bool
	Peers       []PeerStatus
}

type attachment struct {
	ch    *channel.Channel
	rep   *replication.Replicator
	group *channel.Group
}

// Session is the per-room state of one peer.
type Session struct {
	opts    Options
	logger  zerolog.Logger
	doc     *document.Store
	tracker *presence.Tracker
	actions *actionlog.Reconciler
	actLim  *ratelimit.Limiter
	rollLim *ratelimit.Limiter

	mu     sync.Mutex
	name   string
	peers  map[string]*attachment
	closed bool
}

// New builds a Session and restores the persisted document if configured.
func New(opts Options) (*Session, error) {
	if strings.TrimSpace(opts.LocalID) == "" {
		return nil, errors.New("session: empty local id")
	}
	if opts.Store == nil {
		opts.Store = document.NewStore()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Rand == nil {
		opts.Rand = rand.IntN
	}
	if opts.ActionLimit.Calls <= 0 {
		opts.ActionLimit = DefaultActionLimit
	}
	if opts.RollLimit.Calls <= 0 {
		opts.RollLimit = DefaultRollLimit
	}
	l := log.Logger
	if opts.Logger != nil {
		l = *opts.Logger
	}
	logger := l.With().Str("component", "session").Str("room", opts.RoomID).Str("local", opts.LocalID).Logger()

	if opts.Persister != nil {
		if err := opts.Persister.Restore(opts.Store); err != nil {
			return nil, fmt.Errorf("restore document: %w", err)
		}
	}

	s := &Session{
		opts:   opts,
		logger: logger,
		doc:    opts.Store,
		name:   opts.DisplayName,
		peers:  make(map[string]*attachment),
		tracker: presence.NewTracker(presence.TrackerOptions{
			LocalID:     opts.LocalID,
			DisplayName: opts.DisplayName,
			Interval:    opts.HeartbeatInterval,
			Clock:       opts.Clock,
			Logger:      opts.Logger,
		}),
		actions: actionlog.NewReconciler(nil, actionlog.Options{
			LocalID:     opts.LocalID,
			DisplayName: opts.DisplayName,
			Clock:       opts.Clock,
			Logger:      opts.Logger,
		}),
		actLim: ratelimit.New(opts.ActionLimit.Calls, opts.ActionLimit.Window, ratelimit.Options{
			Name: "action", Clock: opts.Clock, Logger: opts.Logger,
		}),
		rollLim: ratelimit.New(opts.RollLimit.Calls, opts.RollLimit.Window, ratelimit.Options{
			Name: "roll", Clock: opts.Clock, Logger: opts.Logger,
		}),
	}
	return s, nil
}

// Document returns the shared document.
func (s *Session) Document() *document.Store { return s.doc }

// Actions returns the action log reconciler.
func (s *Session) Actions() *actionlog.Reconciler { return s.actions }

// Presence returns the heartbeat tracker.
func (s *Session) Presence() *presence.Tracker { return s.tracker }

// Run sends heartbeats until ctx is done.
func (s *Session) Run(ctx context.Context) {
	s.tracker.Run(ctx)
}

// Attach wires replication, presence and the action log to ch.
// snapshotSource marks this side as the one that sends its document when ch
// opens. A channel for a peer that is already attached replaces the old one.
// The returned function detaches; closing ch does the same.
func (s *Session) Attach(ch *channel.Channel, snapshotSource bool) (detach func()) {
	id := ch.PeerID()
	g := &channel.Group{}
	a := &attachment{ch: ch, group: g}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	old := s.peers[id]
	s.peers[id] = a
	s.mu.Unlock()
	if old != nil {
		s.logger.Debug().Str("peer", id).Msg("replacing channel")
		old.group.Dispose()
	}

	a.rep = replication.Attach(ch, s.doc, replication.Options{
		SnapshotSource: snapshotSource,
		LocalID:        s.opts.LocalID,
		Logger:         s.opts.Logger,
	})
	g.Track(a.rep.Detach)
	g.Track(s.tracker.Attach(ch))
	g.Track(s.actions.Attach(ch))
	g.Track(func() {
		s.mu.Lock()
		if s.peers[id] == a {
			delete(s.peers, id)
		}
		s.mu.Unlock()
	})
	g.Track(ch.OnClose(g.Dispose))

	s.logger.Info().Str("peer", id).Bool("snapshot_source", snapshotSource).Msg("channel attached")
	return g.Dispose
}

// SetDisplayName changes the name announced in heartbeats and log entries.
func (s *Session) SetDisplayName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
	s.tracker.SetDisplayName(name)
	s.actions.SetDisplayName(name)
}

// Record logs a player action, subject to the action limit.
func (s *Session) Record(action string, cardsInHand int) (actionlog.Entry, error) {
	if err := s.ready(); err != nil {
		return actionlog.Entry{}, err
	}
	if !s.actLim.Allow() {
		return actionlog.Entry{}, ErrRateLimited
	}
	return s.actions.Record(action, cardsInHand), nil
}

// Roll throws a die with the given number of sides and logs the result,
// subject to the roll limit.
func (s *Session) Roll(sides int) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if sides < 2 {
		return 0, ErrInvalidDie
	}
	if !s.rollLim.Allow() {
		return 0, ErrRateLimited
	}
	n := s.opts.Rand(sides) + 1
	s.actions.Record(fmt.Sprintf("rolled d%d: %d", sides, n), 0)
	return n, nil
}

// History returns the last n action log entries.
func (s *Session) History(n int) []actionlog.Entry {
	return s.actions.Log().Last(n)
}

// Status reports the session's current view.
func (s *Session) Status() Status {
	online := make(map[string]presence.Peer)
	for _, p := range s.tracker.Online() {
		online[p.ID] = p
	}

	s.mu.Lock()
	st := Status{
		RoomID:      s.opts.RoomID,
		LocalID:     s.opts.LocalID,
		DisplayName: s.name,
	}
	atts := make([]*attachment, 0, len(s.peers))
	for _, a := range s.peers {
		atts = append(atts, a)
	}
	s.mu.Unlock()

	for _, a := range atts {
		p, isOnline := online[a.ch.PeerID()]
		st.Peers = append(st.Peers, PeerStatus{
			ID:              a.ch.PeerID(),
			DisplayName:     p.DisplayName,
			Open:            a.ch.IsOpen(),
			Online:          isOnline,
			LastSeen:        p.LastSeen,
			SnapshotApplied: a.rep.SnapshotApplied(),
			PendingDiffs:    a.rep.Pending(),
		})
	}
	slices.SortFunc(st.Peers, func(a, b PeerStatus) int { return strings.Compare(a.ID, b.ID) })

	st.Records = s.doc.Len()
	st.Entries = s.actions.Log().Len()
	st.CanAct = s.actLim.CanCall()
	st.CanRoll = s.rollLim.CanCall()
	return st
}

// Close detaches every channel and stops the limiters. Channels stay open.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	atts := make([]*attachment, 0, len(s.peers))
	for _, a := range s.peers {
		atts = append(atts, a)
	}
	s.mu.Unlock()

	for _, a := range atts {
		a.group.Dispose()
	}
	s.actLim.Stop()
	s.rollLim.Stop()
}

func (s *Session) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}
