// Package channel provides the ordered, bidirectional message pipe that every
// synchronization component talks through.
//
// A Channel is transport-agnostic: a Link supplies raw send and close, and the
// transport feeds inbound frames with Deliver and lifecycle events with
// MarkOpen and MarkClosed. Consumers subscribe per message type and get a
// disposer back for cleanup. FromDataChannel binds a pion data channel; Pipe
// builds an in-process pair.
//
// Delivery is at most once. A Send before the channel opens or after it closes
// returns ErrClosed and the message is dropped.
package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tablesync/pkg/webrtc/protocol"
)

// ErrClosed is returned by Send when the channel is not open.
var ErrClosed = errors.New("channel is not open")

// Handler consumes one inbound message. Handlers run on the transport's
// delivery goroutine and must not block.
type Handler func(msg protocol.Message)

// Link is the raw transport underneath a Channel.
type Link interface {
	Send(data []byte) error
	Close() error
}

type state int

const (
	stateConnecting state = iota
	stateOpen
	stateClosed
)

// Channel is a live message pipe to one remote peer.
type Channel struct {
	logger zerolog.Logger

	mu       sync.Mutex
	peerID   string
	link     Link
	state    state
	nextID   uint64
	subs     map[protocol.MessageType]map[uint64]Handler
	onOpen   map[uint64]func()
	onClose  map[uint64]func()
	onError  map[uint64]func(error)
	isClosed chan struct{}
}

// New returns an unbound Channel to peerID. peerID may be empty when the
// remote identity is not known yet; see SetPeerID.
func New(peerID string, logger *zerolog.Logger) *Channel {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Channel{
		logger:   l.With().Str("component", "channel").Logger(),
		peerID:   peerID,
		subs:     make(map[protocol.MessageType]map[uint64]Handler),
		onOpen:   make(map[uint64]func()),
		onClose:  make(map[uint64]func()),
		onError:  make(map[uint64]func(error)),
		isClosed: make(chan struct{}),
	}
}

// PeerID returns the remote peer's identity.
func (c *Channel) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// SetPeerID records the remote identity once the handshake reveals it.
func (c *Channel) SetPeerID(id string) {
	c.mu.Lock()
	c.peerID = id
	c.mu.Unlock()
}

// Bind attaches the raw transport.
func (c *Channel) Bind(link Link) {
	c.mu.Lock()
	c.link = link
	c.mu.Unlock()
}

// IsOpen reports whether Send currently succeeds.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateOpen
}

// Done is closed once the channel has closed.
func (c *Channel) Done() <-chan struct{} {
	return c.isClosed
}

// Subscribe registers h for messages of type t.
func (c *Channel) Subscribe(t protocol.MessageType, h Handler) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	if c.subs[t] == nil {
		c.subs[t] = make(map[uint64]Handler)
	}
	c.subs[t][id] = h
	return func() {
		c.mu.Lock()
		delete(c.subs[t], id)
		c.mu.Unlock()
	}
}

// OnOpen registers fn to run when the channel opens. If it is already open,
// fn runs immediately on the calling goroutine.
func (c *Channel) OnOpen(fn func()) (cancel func()) {
	c.mu.Lock()
	switch c.state {
	case stateOpen:
		c.mu.Unlock()
		fn()
		return func() {}
	case stateClosed:
		c.mu.Unlock()
		return func() {}
	}
	id := c.nextID
	c.nextID++
	c.onOpen[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.onOpen, id)
		c.mu.Unlock()
	}
}

// OnClose registers fn to run when the channel closes. If it is already
// closed, fn runs immediately.
func (c *Channel) OnClose(fn func()) (cancel func()) {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		fn()
		return func() {}
	}
	id := c.nextID
	c.nextID++
	c.onClose[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.onClose, id)
		c.mu.Unlock()
	}
}

// OnError registers fn to run on transport failures other than a closed
// channel.
func (c *Channel) OnError(fn func(error)) (cancel func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.onError[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.onError, id)
		c.mu.Unlock()
	}
}

// MarkOpen transitions the channel to open and runs the open callbacks once.
func (c *Channel) MarkOpen() {
	c.mu.Lock()
	if c.state != stateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = stateOpen
	fns := ordered(c.onOpen)
	c.onOpen = make(map[uint64]func())
	peer := c.peerID
	c.mu.Unlock()

	c.logger.Debug().Str("peer", peer).Msg("channel open")
	for _, fn := range fns {
		fn()
	}
}

// MarkClosed transitions the channel to closed and runs the close callbacks
// once. Subscriptions are dropped.
func (c *Channel) MarkClosed() {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateClosed
	fns := ordered(c.onClose)
	c.onOpen = make(map[uint64]func())
	c.onClose = make(map[uint64]func())
	c.onError = make(map[uint64]func(error))
	c.subs = make(map[protocol.MessageType]map[uint64]Handler)
	peer := c.peerID
	close(c.isClosed)
	c.mu.Unlock()

	c.logger.Debug().Str("peer", peer).Msg("channel closed")
	for _, fn := range fns {
		fn()
	}
}

// Fail reports a transport failure to OnError subscribers.
func (c *Channel) Fail(err error) {
	c.mu.Lock()
	fns := ordered(c.onError)
	c.mu.Unlock()

	c.logger.Warn().Err(err).Str("peer", c.PeerID()).Msg("channel failure")
	for _, fn := range fns {
		fn(err)
	}
}

// Deliver decodes one inbound frame and dispatches it.
func (c *Channel) Deliver(data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn().Err(err).Str("peer", c.PeerID()).Msg("dropping undecodable frame")
		return
	}
	c.Dispatch(msg)
}

// Dispatch hands msg to every subscriber of its type.
func (c *Channel) Dispatch(msg protocol.Message) {
	c.mu.Lock()
	handlers := ordered(c.subs[msg.Type])
	c.mu.Unlock()

	if len(handlers) == 0 {
		c.logger.Debug().Str("type", string(msg.Type)).Msg("no subscriber for message")
		return
	}
	for _, h := range handlers {
		h(msg)
	}
}

// Send encodes and transmits msg. It returns ErrClosed when the channel is not
// open; other errors are transport failures and are also reported to OnError
// subscribers.
func (c *Channel) Send(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}

	c.mu.Lock()
	link := c.link
	open := c.state == stateOpen
	c.mu.Unlock()

	if !open || link == nil {
		return ErrClosed
	}
	if err := link.Send(data); err != nil {
		if errors.Is(err, ErrClosed) {
			return err
		}
		err = fmt.Errorf("send %s message: %w", msg.Type, err)
		c.Fail(err)
		return err
	}
	return nil
}

// Close tears down the transport and marks the channel closed. Safe to call
// more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	link := c.link
	c.mu.Unlock()

	var err error
	if link != nil {
		err = link.Close()
	}
	c.MarkClosed()
	return err
}

// ordered returns the callbacks in registration order.
func ordered[T any](m map[uint64]T) []T {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}
