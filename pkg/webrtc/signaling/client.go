package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tablesync/pkg/webrtc/channel"
	"tablesync/pkg/webrtc/ice"
	"tablesync/pkg/webrtc/pairing"
	"tablesync/pkg/webrtc/protocol"
	"tablesync/pkg/webrtc/token"
)

// ErrClientClosed is returned by Dial after Close.
var ErrClientClosed = errors.New("broker client closed")

// ClientOptions configures a broker Client.
type ClientOptions struct {
	// URL is the broker's WebSocket endpoint, e.g. ws://host:8080/ws.
	URL         string
	Room        string
	PeerID      string
	DisplayName string
	// ICEServers overrides the servers the broker advertises.
	ICEServers    []webrtc.ICEServer
	GatherTimeout time.Duration
	Logger        *zerolog.Logger
}

// Client connects to a Hub and dials peers through it. It implements the
// mesh registry's Dialer; inbound offers are handed to the function set with
// OnInbound.
type Client struct {
	opts   ClientOptions
	logger zerolog.Logger
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu        sync.Mutex
	id        string
	ice       []webrtc.ICEServer
	peers     []string
	usernames map[string]string
	pending   map[string]*pairing.Peer
	inbound   func(*channel.Channel) bool
	onState   func(protocol.StateMessage)
	done      chan struct{}
}

// Dial connects to the broker and waits for the welcome message.
func Dial(ctx context.Context, opts ClientOptions) (*Client, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	q := u.Query()
	q.Set("room", opts.Room)
	if opts.PeerID != "" {
		q.Set("peer", opts.PeerID)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}

	l := log.Logger
	if opts.Logger != nil {
		l = *opts.Logger
	}
	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:    opts,
		logger:  l.With().Str("component", "broker-client").Str("room", opts.Room).Logger(),
		conn:    conn,
		ctx:     cctx,
		cancel:  cancel,
		pending: make(map[string]*pairing.Peer),
		done:    make(chan struct{}),
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	var welcome protocol.StateMessage
	if err := conn.ReadJSON(&welcome); err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if welcome.Type != protocol.TypeWelcome {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("expected welcome, got %q", welcome.Type)
	}
	c.applyState(welcome)

	go c.readLoop()

	if opts.DisplayName != "" {
		if err := c.SetUsername(opts.DisplayName); err != nil {
			c.logger.Warn().Err(err).Msg("set username")
		}
	}
	c.logger.Info().Str("id", c.ID()).Strs("peers", c.Peers()).Msg("joined broker")
	return c, nil
}

// ID returns the peer id the broker assigned or confirmed.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Peers returns the other peers present in the room, sorted.
func (c *Client) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.peers)
}

// Usernames returns the display names announced in the room.
func (c *Client) Usernames() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.usernames))
	for k, v := range c.usernames {
		out[k] = v
	}
	return out
}

// Done is closed when the broker connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// OnInbound sets the function that adopts channels offered by other peers.
// Returning false rejects the offer.
func (c *Client) OnInbound(fn func(ch *channel.Channel) bool) {
	c.mu.Lock()
	c.inbound = fn
	c.mu.Unlock()
}

// OnState sets a function called with every membership update.
func (c *Client) OnState(fn func(protocol.StateMessage)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// SetUsername announces a display name.
func (c *Client) SetUsername(name string) error {
	return c.write(protocol.InboundMessage{Type: protocol.TypeSetUsername, Username: name})
}

// Dial starts a connection to ch.PeerID(): it sends an offer through the
// broker and returns; the channel opens once the answer arrives and ICE
// completes.
func (c *Client) Dial(ctx context.Context, ch *channel.Channel) error {
	select {
	case <-c.ctx.Done():
		return ErrClientClosed
	default:
	}
	remote := ch.PeerID()
	peer, err := pairing.NewPeer(ch, c.peerOptions())
	if err != nil {
		return err
	}

	c.mu.Lock()
	if old := c.pending[remote]; old != nil {
		c.mu.Unlock()
		_ = peer.Close()
		return fmt.Errorf("dial %s already in progress", remote)
	}
	c.pending[remote] = peer
	c.mu.Unlock()
	ch.OnClose(func() { c.clearPending(remote, peer) })

	desc, err := peer.Offer(ctx)
	if err != nil {
		_ = peer.Close()
		return err
	}
	if err := c.signal(remote, protocol.KindOffer, desc); err != nil {
		_ = peer.Close()
		return err
	}
	c.logger.Debug().Str("peer", remote).Msg("offer sent")
	return nil
}

// Close leaves the broker. Channels already open stay up.
func (c *Client) Close() error {
	c.cancel()
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Client) peerOptions() pairing.PeerOptions {
	c.mu.Lock()
	servers := c.ice
	c.mu.Unlock()
	if len(c.opts.ICEServers) > 0 {
		servers = c.opts.ICEServers
	}
	return pairing.PeerOptions{
		ICEServers:    servers,
		GatherTimeout: c.opts.GatherTimeout,
		Logger:        c.opts.Logger,
	}
}

func (c *Client) clearPending(remote string, peer *pairing.Peer) {
	c.mu.Lock()
	if c.pending[remote] == peer {
		delete(c.pending, remote)
	}
	c.mu.Unlock()
}

func (c *Client) signal(to string, kind protocol.Kind, desc protocol.SessionDescription) error {
	tok, err := token.Encode(protocol.SignalingPayload{
		Version:     protocol.SignalingVersion,
		Kind:        kind,
		RoomID:      c.opts.Room,
		PeerID:      c.ID(),
		Description: desc,
	})
	if err != nil {
		return err
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return c.write(protocol.InboundMessage{Type: protocol.TypeSignal, To: to, Data: data})
}

func (c *Client) write(msg protocol.InboundMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer func() {
		close(c.done)
		c.cancel()
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
			default:
				c.logger.Warn().Err(err).Msg("broker connection lost")
			}
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.logger.Warn().Err(err).Msg("bad broker message")
			continue
		}
		switch envelope.Type {
		case protocol.TypeSignal:
			var msg protocol.SignalMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.logger.Warn().Err(err).Msg("bad signal message")
				continue
			}
			c.handleSignal(msg)
		case protocol.TypeWelcome, protocol.TypePeerJoined, protocol.TypePeerLeft, protocol.TypeUsernames:
			var msg protocol.StateMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.logger.Warn().Err(err).Msg("bad state message")
				continue
			}
			c.applyState(msg)
		default:
			c.logger.Debug().Str("type", envelope.Type).Msg("ignoring broker message")
		}
	}
}

func (c *Client) applyState(msg protocol.StateMessage) {
	c.mu.Lock()
	if msg.Type == protocol.TypeWelcome {
		c.id = msg.ID
		if len(msg.ICEServers) > 0 {
			c.ice = ice.FromProtocol(msg.ICEServers)
		}
	}
	peers := make([]string, 0, len(msg.Peers))
	for _, p := range msg.Peers {
		if p != c.id {
			peers = append(peers, p)
		}
	}
	slices.Sort(peers)
	c.peers = peers
	if msg.Usernames != nil {
		c.usernames = msg.Usernames
	}
	fn := c.onState
	c.mu.Unlock()

	if fn != nil {
		fn(msg)
	}
}

func (c *Client) handleSignal(msg protocol.SignalMessage) {
	var tok string
	if err := json.Unmarshal(msg.Data, &tok); err != nil {
		c.logger.Warn().Err(err).Str("from", msg.From).Msg("signal data is not a token")
		return
	}
	payload, err := token.Decode[protocol.SignalingPayload](tok)
	if err != nil {
		c.logger.Warn().Err(err).Str("from", msg.From).Msg("dropping signal")
		return
	}
	switch {
	case payload.Version != protocol.SignalingVersion:
		c.logger.Warn().Err(pairing.ErrVersionMismatch).Str("from", msg.From).Int("version", payload.Version).Msg("dropping signal")
		return
	case payload.RoomID != c.opts.Room:
		c.logger.Warn().Err(pairing.ErrRoomMismatch).Str("from", msg.From).Str("room", payload.RoomID).Msg("dropping signal")
		return
	}

	switch payload.Kind {
	case protocol.KindOffer:
		go c.answer(msg.From, payload)
	case protocol.KindAnswer:
		c.mu.Lock()
		peer := c.pending[msg.From]
		c.mu.Unlock()
		if peer == nil {
			c.logger.Debug().Str("from", msg.From).Msg("answer without pending dial")
			return
		}
		if err := peer.Accept(payload.Description); err != nil {
			c.logger.Warn().Err(err).Str("from", msg.From).Msg("apply answer")
			_ = peer.Close()
		}
	}
}

// answer adopts an inbound offer. It runs off the read loop because gathering
// can take seconds.
func (c *Client) answer(from string, payload protocol.SignalingPayload) {
	c.mu.Lock()
	accept := c.inbound
	c.mu.Unlock()
	if accept == nil {
		c.logger.Debug().Str("from", from).Msg("no inbound handler; ignoring offer")
		return
	}

	ch := channel.New(from, c.opts.Logger)
	if !accept(ch) {
		return
	}
	peer, err := pairing.NewPeer(ch, c.peerOptions())
	if err != nil {
		c.logger.Warn().Err(err).Str("from", from).Msg("allocate peer")
		_ = ch.Close()
		return
	}
	desc, err := peer.Answer(c.ctx, payload.Description)
	if err != nil {
		c.logger.Warn().Err(err).Str("from", from).Msg("answer offer")
		_ = peer.Close()
		return
	}
	if err := c.signal(from, protocol.KindAnswer, desc); err != nil {
		c.logger.Warn().Err(err).Str("from", from).Msg("send answer")
		_ = peer.Close()
		return
	}
	c.logger.Debug().Str("peer", from).Msg("answer sent")
}
