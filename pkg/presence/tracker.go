package presence

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tablesync/pkg/webrtc/channel"
	"tablesync/pkg/webrtc/protocol"
)

// DefaultInterval is how often heartbeats are sent.
const DefaultInterval = 5 * time.Second

// staleFactor is how many missed intervals mark a peer offline.
const staleFactor = 3

// Peer is a remote participant as last heard from.
type Peer struct {
	ID          string
	DisplayName string
	LastSeen    time.Time
}

// TrackerOptions configures a Tracker.
type TrackerOptions struct {
	LocalID     string
	DisplayName string
	Interval    time.Duration
	Clock       clock.Clock
	Logger      *zerolog.Logger
}

// Tracker sends heartbeats on every attached channel and keeps the roster of
// peers heard from recently. LastSeen is the local receive time, so clock
// skew between peers does not matter.
type Tracker struct {
	opts   TrackerOptions
	logger zerolog.Logger
	chans  *channel.Set

	mu    sync.RWMutex
	name  string
	peers map[string]Peer
}

// NewTracker returns a Tracker. Call Run to start the heartbeat loop.
func NewTracker(opts TrackerOptions) *Tracker {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	l := log.Logger
	if opts.Logger != nil {
		l = *opts.Logger
	}
	return &Tracker{
		opts:   opts,
		logger: l.With().Str("component", "presence").Logger(),
		chans:  channel.NewSet(),
		name:   opts.DisplayName,
		peers:  make(map[string]Peer),
	}
}

// Interval returns the heartbeat period.
func (t *Tracker) Interval() time.Duration { return t.opts.Interval }

// SetDisplayName changes the name sent with future heartbeats.
func (t *Tracker) SetDisplayName(name string) {
	t.mu.Lock()
	t.name = name
	t.mu.Unlock()
}

// Attach starts exchanging heartbeats over ch. One heartbeat goes out as soon
// as ch opens. Closing ch drops the remote peer from the roster.
func (t *Tracker) Attach(ch *channel.Channel) (detach func()) {
	g := &channel.Group{}
	g.Track(t.chans.Add(ch))
	g.Track(ch.Subscribe(protocol.MsgHeartbeat, t.handleHeartbeat))
	g.Track(ch.OnClose(func() {
		g.Dispose()
		t.forget(ch.PeerID())
	}))
	g.Track(ch.OnOpen(func() { t.send(ch) }))
	return g.Dispose
}

// Run sends a heartbeat to every attached channel each interval until ctx is
// done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := t.opts.Clock.Ticker(t.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Beat()
		}
	}
}

// Beat sends one heartbeat to every attached channel.
func (t *Tracker) Beat() {
	msg, err := t.heartbeat()
	if err != nil {
		t.logger.Error().Err(err).Msg("encode heartbeat")
		return
	}
	if _, err := t.chans.Broadcast(msg); err != nil {
		t.logger.Warn().Err(err).Msg("broadcast heartbeat")
	}
}

func (t *Tracker) send(ch *channel.Channel) {
	msg, err := t.heartbeat()
	if err != nil {
		t.logger.Error().Err(err).Msg("encode heartbeat")
		return
	}
	_ = ch.Send(msg)
}

func (t *Tracker) heartbeat() (protocol.Message, error) {
	t.mu.RLock()
	hb := protocol.Heartbeat{
		PeerID:      t.opts.LocalID,
		Timestamp:   t.opts.Clock.Now().UnixMilli(),
		DisplayName: t.name,
	}
	t.mu.RUnlock()
	return protocol.NewMessage(protocol.MsgHeartbeat, t.opts.LocalID, hb)
}

func (t *Tracker) handleHeartbeat(msg protocol.Message) {
	var hb protocol.Heartbeat
	if err := msg.Decode(&hb); err != nil {
		t.logger.Warn().Err(err).Msg("dropping heartbeat")
		return
	}
	if hb.PeerID == "" || hb.PeerID == t.opts.LocalID {
		return
	}
	now := t.opts.Clock.Now()
	t.mu.Lock()
	_, known := t.peers[hb.PeerID]
	t.peers[hb.PeerID] = Peer{ID: hb.PeerID, DisplayName: hb.DisplayName, LastSeen: now}
	t.mu.Unlock()
	if !known {
		t.logger.Info().Str("peer", hb.PeerID).Str("name", hb.DisplayName).Msg("peer seen")
	}
}

// Online returns the peers heard from within three intervals, sorted by id.
func (t *Tracker) Online() []Peer {
	now := t.opts.Clock.Now()
	limit := staleFactor * t.opts.Interval

	t.mu.RLock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		if now.Sub(p.LastSeen) < limit {
			out = append(out, p)
		}
	}
	t.mu.RUnlock()

	slices.SortFunc(out, func(a, b Peer) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Prune drops every record whose peer is not in connected.
func (t *Tracker) Prune(connected []string) {
	keep := make(map[string]struct{}, len(connected))
	for _, id := range connected {
		keep[id] = struct{}{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.peers {
		if _, ok := keep[id]; !ok {
			delete(t.peers, id)
		}
	}
}

func (t *Tracker) forget(id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	delete(t.peers, id)
	t.mu.Unlock()
}
