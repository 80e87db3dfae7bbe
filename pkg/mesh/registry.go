// Package mesh grows a full mesh of channels from a single introduction.
//
// Every peer that accepts a connection tells the newcomer about the peers it
// already knows (a peer-sync message); the newcomer dials each of them. The
// Registry keeps at most one channel per remote peer, resolving simultaneous
// dials in favour of the outbound attempt of the lexicographically smaller id.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tablesync/pkg/webrtc/channel"
	"tablesync/pkg/webrtc/protocol"
)

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("mesh registry closed")

// Dialer establishes a transport for ch, an unbound channel whose PeerID is
// the peer to reach. It binds a link to ch and marks it open when the
// transport is up. Dial may return before the channel opens.
type Dialer interface {
	Dial(ctx context.Context, ch *channel.Channel) error
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, ch *channel.Channel) error

func (f DialerFunc) Dial(ctx context.Context, ch *channel.Channel) error { return f(ctx, ch) }

// Direction says which side started a connection.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Options configures a Registry.
type Options struct {
	LocalID string
	Dialer  Dialer
	Logger  *zerolog.Logger
}

type entry struct {
	ch    *channel.Channel
	dir   Direction
	group *channel.Group
}

// Registry maps remote peer ids to their channel.
type Registry struct {
	opts   Options
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	entries   map[string]*entry
	nextID    uint64
	listeners map[uint64]func(*channel.Channel, Direction)
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts Options) *Registry {
	l := log.Logger
	if opts.Logger != nil {
		l = *opts.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		opts:      opts,
		logger:    l.With().Str("component", "mesh").Str("local", opts.LocalID).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		entries:   make(map[string]*entry),
		listeners: make(map[uint64]func(*channel.Channel, Direction)),
	}
}

// OnChannel registers fn for every channel the registry adopts, before it
// opens. Outbound channels are ones this peer dialed.
func (r *Registry) OnChannel(fn func(ch *channel.Channel, dir Direction)) (cancel func()) {
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

// Connect dials id unless it is this peer or already has an entry, pending or
// open. It returns once the dialer has taken the channel.
func (r *Registry) Connect(ctx context.Context, id string) error {
	if id == "" || id == r.opts.LocalID {
		return nil
	}
	if r.opts.Dialer == nil {
		return errors.New("mesh: no dialer configured")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if _, ok := r.entries[id]; ok {
		r.mu.Unlock()
		return nil
	}
	ch := channel.New(id, r.opts.Logger)
	e := r.adoptLocked(ch, Outbound)
	r.mu.Unlock()

	r.wire(id, e)
	r.notify(ch, Outbound)
	r.logger.Debug().Str("peer", id).Msg("dialing")
	if err := r.opts.Dialer.Dial(ctx, ch); err != nil {
		_ = ch.Close()
		return fmt.Errorf("dial %s: %w", id, err)
	}
	return nil
}

// Accept adopts an inbound channel. It reports false when the channel lost a
// duplicate race and was closed.
func (r *Registry) Accept(ch *channel.Channel) bool {
	id := ch.PeerID()
	if id == "" || id == r.opts.LocalID {
		r.logger.Warn().Str("peer", id).Msg("rejecting inbound channel without a usable peer id")
		_ = ch.Close()
		return false
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = ch.Close()
		return false
	}
	var superseded *channel.Channel
	if e, ok := r.entries[id]; ok {
		if e.dir == Inbound || r.opts.LocalID < id {
			r.mu.Unlock()
			r.logger.Debug().Str("peer", id).Str("kept", e.dir.String()).Msg("dropping duplicate inbound channel")
			_ = ch.Close()
			return false
		}
		// The remote id is smaller, so its outbound attempt wins over ours.
		e.group.Dispose()
		superseded = e.ch
		delete(r.entries, id)
	}
	e := r.adoptLocked(ch, Inbound)
	r.mu.Unlock()

	r.wire(id, e)
	if superseded != nil {
		r.logger.Debug().Str("peer", id).Msg("inbound channel supersedes pending dial")
		_ = superseded.Close()
	}
	r.notify(ch, Inbound)
	return true
}

// adoptLocked records ch under its peer id. Callers hold mu and call wire
// after releasing it.
func (r *Registry) adoptLocked(ch *channel.Channel, dir Direction) *entry {
	e := &entry{ch: ch, dir: dir, group: &channel.Group{}}
	r.entries[ch.PeerID()] = e
	return e
}

// wire hooks the entry's channel lifecycle. Callbacks may run synchronously
// when the channel is already open or closed.
func (r *Registry) wire(id string, e *entry) {
	ch, g := e.ch, e.group
	g.Track(ch.Subscribe(protocol.MsgPeerSync, r.handlePeerSync))
	g.Track(ch.OnClose(func() {
		g.Dispose()
		r.mu.Lock()
		if cur, ok := r.entries[id]; ok && cur == e {
			delete(r.entries, id)
		}
		r.mu.Unlock()
		r.logger.Info().Str("peer", id).Str("dir", e.dir.String()).Msg("peer disconnected")
	}))
	if e.dir == Inbound {
		g.Track(ch.OnOpen(func() { r.sendPeerSync(ch) }))
	}
}

func (r *Registry) notify(ch *channel.Channel, dir Direction) {
	r.mu.Lock()
	ids := make([]uint64, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(*channel.Channel, Direction), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.listeners[id])
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(ch, dir)
	}
}

// sendPeerSync tells the peer on ch about every other open peer.
func (r *Registry) sendPeerSync(ch *channel.Channel) {
	target := ch.PeerID()
	peers := make([]string, 0)
	for _, id := range r.Peers() {
		if id != target {
			peers = append(peers, id)
		}
	}
	msg, err := protocol.NewMessage(protocol.MsgPeerSync, r.opts.LocalID, protocol.PeerSync{Peers: peers})
	if err != nil {
		r.logger.Error().Err(err).Msg("encode peer-sync")
		return
	}
	if err := ch.Send(msg); err != nil && !errors.Is(err, channel.ErrClosed) {
		r.logger.Warn().Err(err).Str("peer", target).Msg("send peer-sync")
	}
}

// handlePeerSync dials every listed peer. Dials run off the delivery
// goroutine.
func (r *Registry) handlePeerSync(msg protocol.Message) {
	var ps protocol.PeerSync
	if err := msg.Decode(&ps); err != nil {
		r.logger.Warn().Err(err).Msg("dropping peer-sync")
		return
	}
	for _, id := range ps.Peers {
		if id == r.opts.LocalID || r.Has(id) {
			continue
		}
		go func(id string) {
			if err := r.Connect(r.ctx, id); err != nil && !errors.Is(err, ErrClosed) {
				r.logger.Warn().Err(err).Str("peer", id).Str("via", msg.From).Msg("peer-sync dial failed")
			}
		}(id)
	}
}

// Has reports whether id has an entry, pending or open.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// Channel returns the channel registered for id.
func (r *Registry) Channel(id string) (*channel.Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.ch, true
}

// Peers returns the ids of peers with an open channel, sorted.
func (r *Registry) Peers() []string {
	r.mu.Lock()
	chans := make([]*channel.Channel, 0, len(r.entries))
	for _, e := range r.entries {
		chans = append(chans, e.ch)
	}
	r.mu.Unlock()

	out := make([]string, 0, len(chans))
	for _, ch := range chans {
		if ch.IsOpen() {
			out = append(out, ch.PeerID())
		}
	}
	slices.Sort(out)
	return out
}

// Broadcast sends msg on every open channel and returns how many sends
// succeeded.
func (r *Registry) Broadcast(msg protocol.Message) (int, error) {
	set := channel.NewSet()
	r.mu.Lock()
	for _, e := range r.entries {
		set.Add(e.ch)
	}
	r.mu.Unlock()
	return set.Broadcast(msg)
}

// Close closes every channel and stops background dials.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	chans := make([]*channel.Channel, 0, len(r.entries))
	for _, e := range r.entries {
		chans = append(chans, e.ch)
	}
	r.mu.Unlock()

	r.cancel()
	for _, ch := range chans {
		_ = ch.Close()
	}
}
