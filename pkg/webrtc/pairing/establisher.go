// Package pairing turns two copy/paste tokens into a live data channel.
//
// The host calls CreateOffer and hands the offer token to the guest out of
// band. The guest calls AcceptOffer with it and hands back the answer token,
// which the host passes to SubmitAnswer. No server is involved.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tablesync/pkg/webrtc/channel"
	"tablesync/pkg/webrtc/protocol"
	"tablesync/pkg/webrtc/token"
)

// Status is the handshake state.
type Status string

const (
	StatusIdle           Status = "idle"
	StatusCreatingOffer  Status = "creating-offer"
	StatusAwaitingAnswer Status = "awaiting-answer"
	StatusWaitingPeer    Status = "waiting-peer"
	StatusConnecting     Status = "connecting"
	StatusOnline         Status = "online"
	StatusOffline        Status = "offline"
	StatusError          Status = "error"
)

// Role is which half of the handshake this side plays.
type Role string

const (
	RoleNone  Role = ""
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// State is a snapshot of the establisher.
type State struct {
	Status      Status
	Role        Role
	OfferToken  string
	AnswerToken string
	// RemoteID is the other side's peer id once a token revealed it.
	RemoteID string
	Err      string
}

// Options configures an Establisher.
type Options struct {
	RoomID        string
	LocalID       string
	ICEServers    []webrtc.ICEServer
	GatherTimeout time.Duration
	Logger        *zerolog.Logger
	// OnChannel runs once the remote peer id is known and before the channel
	// can open, so subscriptions made there see the first inbound message.
	// Work that needs an open channel belongs in ch.OnOpen.
	OnChannel func(ch *channel.Channel, role Role)
	// OnStateChange runs after every transition.
	OnStateChange func(State)
}

// Establisher drives one pairwise handshake at a time.
type Establisher struct {
	opts   Options
	logger zerolog.Logger

	mu    sync.Mutex
	state State
	// gen increments on every Reset and new handshake so suspended calls can
	// tell their attempt is stale.
	gen   uint64
	peer  *Peer
	ch    *channel.Channel
	group *channel.Group
}

// NewEstablisher returns an idle Establisher.
func NewEstablisher(opts Options) *Establisher {
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = DefaultGatherTimeout
	}
	l := log.Logger
	if opts.Logger != nil {
		l = *opts.Logger
	}
	return &Establisher{
		opts:   opts,
		logger: l.With().Str("component", "establisher").Str("room", opts.RoomID).Logger(),
		state:  State{Status: StatusIdle},
	}
}

// State returns the current state.
func (e *Establisher) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Channel returns the channel of the current attempt, or nil.
func (e *Establisher) Channel() *channel.Channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

// CreateOffer starts a handshake as host and returns the offer token.
func (e *Establisher) CreateOffer(ctx context.Context) (string, error) {
	gen, err := e.begin(StatusCreatingOffer, RoleHost, "")
	if err != nil {
		return "", err
	}

	peer, err := e.newPeer(gen, "")
	if err != nil {
		return "", err
	}
	desc, err := peer.Offer(ctx)
	if err != nil {
		return "", e.fail(gen, err)
	}
	tok, err := e.encode(protocol.KindOffer, desc)
	if err != nil {
		return "", e.fail(gen, err)
	}

	if !e.transition(gen, func(s *State) {
		s.Status = StatusAwaitingAnswer
		s.OfferToken = tok
	}) {
		return "", ErrReset
	}
	e.logger.Info().Msg("offer ready")
	return tok, nil
}

// AcceptOffer joins as guest using the host's offer token and returns the
// answer token.
func (e *Establisher) AcceptOffer(ctx context.Context, offerToken string) (string, error) {
	if err := e.ready(); err != nil {
		return "", err
	}
	payload, err := e.decode(offerToken, protocol.KindOffer)
	if err != nil {
		return "", e.reject(err)
	}

	gen, err := e.begin(StatusWaitingPeer, RoleGuest, payload.PeerID)
	if err != nil {
		return "", err
	}
	peer, err := e.newPeer(gen, payload.PeerID)
	if err != nil {
		return "", err
	}
	if !e.attach(gen, peer.Channel(), RoleGuest) {
		return "", ErrReset
	}
	desc, err := peer.Answer(ctx, payload.Description)
	if err != nil {
		return "", e.fail(gen, err)
	}
	tok, err := e.encode(protocol.KindAnswer, desc)
	if err != nil {
		return "", e.fail(gen, err)
	}

	if !e.transition(gen, func(s *State) { s.AnswerToken = tok }) {
		return "", ErrReset
	}
	e.logger.Info().Str("host", payload.PeerID).Msg("answer ready")
	return tok, nil
}

// SubmitAnswer completes a host handshake with the guest's answer token.
func (e *Establisher) SubmitAnswer(ctx context.Context, answerToken string) error {
	e.mu.Lock()
	if e.state.Status != StatusAwaitingAnswer {
		e.mu.Unlock()
		return ErrNoPendingOffer
	}
	gen, peer, ch := e.gen, e.peer, e.ch
	e.mu.Unlock()

	payload, err := e.decode(answerToken, protocol.KindAnswer)
	if err != nil {
		return e.fail(gen, err)
	}
	if err := ctx.Err(); err != nil {
		return e.fail(gen, err)
	}

	ch.SetPeerID(payload.PeerID)
	if !e.transition(gen, func(s *State) {
		s.Status = StatusConnecting
		s.RemoteID = payload.PeerID
	}) {
		return ErrReset
	}
	if !e.attach(gen, ch, RoleHost) {
		return ErrReset
	}
	if err := peer.Accept(payload.Description); err != nil {
		return e.fail(gen, err)
	}
	e.logger.Info().Str("guest", payload.PeerID).Msg("answer applied")
	return nil
}

// Reset tears down the current attempt and returns to idle. Safe to call at
// any time, including while another call is suspended; that call returns
// ErrReset.
func (e *Establisher) Reset() {
	e.mu.Lock()
	if e.state.Status == StatusIdle && e.peer == nil {
		e.mu.Unlock()
		return
	}
	e.gen++
	teardown := e.detachLocked()
	e.state = State{Status: StatusIdle}
	state := e.state
	e.mu.Unlock()

	teardown()
	e.emit(state)
	e.logger.Debug().Msg("reset")
}

// ready checks that a new handshake may start.
func (e *Establisher) ready() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state.Status {
	case StatusIdle, StatusError, StatusOffline:
		return nil
	}
	return fmt.Errorf("%w: status %s", ErrBusy, e.state.Status)
}

// begin starts a new attempt and returns its generation.
func (e *Establisher) begin(status Status, role Role, remoteID string) (uint64, error) {
	e.mu.Lock()
	switch e.state.Status {
	case StatusIdle, StatusError, StatusOffline:
	default:
		s := e.state.Status
		e.mu.Unlock()
		return 0, fmt.Errorf("%w: status %s", ErrBusy, s)
	}
	e.gen++
	gen := e.gen
	teardown := e.detachLocked()
	e.state = State{Status: status, Role: role, RemoteID: remoteID}
	state := e.state
	e.mu.Unlock()

	teardown()
	e.emit(state)
	return gen, nil
}

// newPeer allocates the transport for attempt gen and wires its channel.
func (e *Establisher) newPeer(gen uint64, remoteID string) (*Peer, error) {
	ch := channel.New(remoteID, e.opts.Logger)
	peer, err := NewPeer(ch, PeerOptions{
		ICEServers:    e.opts.ICEServers,
		GatherTimeout: e.opts.GatherTimeout,
		Logger:        e.opts.Logger,
	})
	if err != nil {
		return nil, e.fail(gen, err)
	}

	g := &channel.Group{}
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		_ = peer.Close()
		return nil, ErrReset
	}
	e.peer, e.ch, e.group = peer, ch, g
	e.mu.Unlock()

	g.Track(ch.OnOpen(func() { e.handleOpen(gen, ch) }))
	g.Track(ch.OnClose(func() { e.handleClose(gen) }))
	g.Track(ch.OnError(func(err error) {
		if !errors.Is(err, ErrTransport) {
			err = fmt.Errorf("%w: %w", ErrTransport, err)
		}
		_ = e.fail(gen, err)
	}))
	return peer, nil
}

// attach hands ch to OnChannel if attempt gen is still current.
func (e *Establisher) attach(gen uint64, ch *channel.Channel, role Role) bool {
	e.mu.Lock()
	current := e.gen == gen
	e.mu.Unlock()
	if !current {
		return false
	}
	if e.opts.OnChannel != nil {
		e.opts.OnChannel(ch, role)
	}
	return true
}

func (e *Establisher) handleOpen(gen uint64, ch *channel.Channel) {
	var role Role
	if !e.transition(gen, func(s *State) {
		s.Status = StatusOnline
		role = s.Role
	}) {
		return
	}
	e.logger.Info().Str("peer", ch.PeerID()).Str("role", string(role)).Msg("channel open")
}

func (e *Establisher) handleClose(gen uint64) {
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	status := e.state.Status
	e.mu.Unlock()

	switch status {
	case StatusOnline:
		e.transition(gen, func(s *State) { s.Status = StatusOffline })
		e.logger.Info().Msg("peer went offline")
	case StatusError, StatusOffline, StatusIdle:
	default:
		_ = e.fail(gen, fmt.Errorf("%w: channel closed before it opened", ErrTransport))
	}
}

// transition applies fn if gen is still current and reports whether it did.
func (e *Establisher) transition(gen uint64, fn func(*State)) bool {
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return false
	}
	fn(&e.state)
	state := e.state
	e.mu.Unlock()
	e.emit(state)
	return true
}

// fail moves attempt gen to error and tears its transport down. It returns
// err, or ErrReset when the attempt is already stale.
func (e *Establisher) fail(gen uint64, err error) error {
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return ErrReset
	}
	if e.state.Status == StatusError {
		e.mu.Unlock()
		return err
	}
	teardown := e.detachLocked()
	e.state.Status = StatusError
	e.state.Err = err.Error()
	state := e.state
	e.mu.Unlock()

	teardown()
	e.logger.Warn().Err(err).Msg("handshake failed")
	e.emit(state)
	return err
}

// reject records an input error without touching any transport.
func (e *Establisher) reject(err error) error {
	e.mu.Lock()
	e.gen++
	teardown := e.detachLocked()
	e.state = State{Status: StatusError, Err: err.Error()}
	state := e.state
	e.mu.Unlock()

	teardown()
	e.logger.Warn().Err(err).Msg("token rejected")
	e.emit(state)
	return err
}

// detachLocked drops the current transport and returns the function that
// closes it. Callers hold mu and run the result after unlocking.
func (e *Establisher) detachLocked() func() {
	peer, g := e.peer, e.group
	e.peer, e.ch, e.group = nil, nil, nil
	return func() {
		if g != nil {
			g.Dispose()
		}
		if peer != nil {
			_ = peer.Close()
		}
	}
}

func (e *Establisher) encode(kind protocol.Kind, desc protocol.SessionDescription) (string, error) {
	desc.Type = string(kind)
	return token.Encode(protocol.SignalingPayload{
		Version:     protocol.SignalingVersion,
		Kind:        kind,
		RoomID:      e.opts.RoomID,
		PeerID:      e.opts.LocalID,
		Description: desc,
	})
}

// decode parses tok and checks it against this session.
func (e *Establisher) decode(tok string, want protocol.Kind) (protocol.SignalingPayload, error) {
	p, err := token.Decode[protocol.SignalingPayload](tok)
	if err != nil {
		return p, err
	}
	if p.Version != protocol.SignalingVersion {
		return p, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, p.Version, protocol.SignalingVersion)
	}
	if p.RoomID != e.opts.RoomID {
		return p, fmt.Errorf("%w: got %q, want %q", ErrRoomMismatch, p.RoomID, e.opts.RoomID)
	}
	if p.Kind != want {
		return p, fmt.Errorf("%w: got %s, want %s", ErrWrongKind, p.Kind, want)
	}
	return p, nil
}

func (e *Establisher) emit(s State) {
	if e.opts.OnStateChange != nil {
		e.opts.OnStateChange(s)
	}
}

// IsInputError reports whether err came from a bad token rather than the
// transport.
func IsInputError(err error) bool {
	return errors.Is(err, token.ErrMalformed) ||
		errors.Is(err, ErrVersionMismatch) ||
		errors.Is(err, ErrRoomMismatch) ||
		errors.Is(err, ErrWrongKind)
}
