// Package signaling is the optional rendezvous broker for mesh dialing.
//
// Peers in a room hold a WebSocket to the room's Hub. The hub announces who
// is present and relays signaling tokens between two peers; it never sees
// document traffic, which flows over the peer-to-peer data channels.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tablesync/pkg/presence"
	"tablesync/pkg/webrtc/protocol"
)

const (
	defaultReadLimit   = 64 * 1024
	pingInterval       = 40 * time.Second
	readTimeout        = 60 * time.Second
	writeTimeout       = 10 * time.Second
	upgradeReadBuffer  = 1024
	upgradeWriteBuffer = 1024
	sendBuffer         = 32
)

// ErrDuplicatePeer is returned when a peer id is already connected to the
// hub.
var ErrDuplicatePeer = errors.New("peer id already connected")

// UsernameStore is an optional store for display names.
type UsernameStore interface {
	Reset(ctx context.Context) error
	RemovePeer(ctx context.Context, id string) error
	SetUsername(ctx context.Context, id string, username string) error
	Usernames(ctx context.Context) (map[string]string, error)
}

// HubOptions configures a Hub instance.
type HubOptions struct {
	Room       string
	ICEServers []protocol.ICEServer
	ICEMode    string
	Logger     *zerolog.Logger
	Upgrader   *websocket.Upgrader
	OnEmpty    func()
	Usernames  UsernameStore
}

// ConnOptions controls how a connection is registered.
type ConnOptions struct {
	// ID is the caller's peer id; a random one is generated when empty.
	ID string
	// Context lets the caller cancel the connection (defaults to Background).
	Context context.Context
}

// Hub manages the WebSocket peers of one room.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]*client
	room       string
	presence   presence.Store
	usernames  UsernameStore
	iceServers []protocol.ICEServer
	iceMode    string
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
	onEmpty    func()
}

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub builds a Hub with the provided presence store and options.
func NewHub(presenceStore presence.Store, opts HubOptions) *Hub {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  upgradeReadBuffer,
		WriteBufferSize: upgradeWriteBuffer,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	if opts.Upgrader != nil {
		upgrader = *opts.Upgrader
	}
	l := log.Logger
	if opts.Logger != nil {
		l = *opts.Logger
	}

	return &Hub{
		clients:    make(map[string]*client),
		room:       opts.Room,
		presence:   presenceStore,
		usernames:  opts.Usernames,
		iceServers: opts.ICEServers,
		iceMode:    opts.ICEMode,
		upgrader:   upgrader,
		logger:     l.With().Str("component", "hub").Str("room", opts.Room).Logger(),
		onEmpty:    opts.OnEmpty,
	}
}

// HTTPHandler upgrades requests to WebSocket. The peer id comes from the
// "peer" query parameter.
func (h *Hub) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.URL.Query().Get("peer"))
		if id != "" && h.Has(id) {
			http.Error(w, ErrDuplicatePeer.Error(), http.StatusConflict)
			return
		}
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn().Err(err).Msg("upgrade error")
			return
		}
		// Use a background context so the connection isn't canceled when the HTTP handler returns.
		if err := h.Accept(conn, ConnOptions{ID: id}); err != nil {
			h.logger.Warn().Err(err).Str("peer", id).Msg("accept error")
			conn.Close()
		}
	})
}

// Has reports whether id is connected.
func (h *Hub) Has(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[id]
	return ok
}

// Len returns the number of connected peers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Accept registers an already-upgraded WebSocket connection (useful when auth/guards are handled elsewhere).
func (h *Hub) Accept(conn *websocket.Conn, opts ConnOptions) error {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	c := &client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}

	if err := h.register(ctx, c); err != nil {
		cancel()
		return err
	}

	go c.writePump()
	go c.readPump(h)
	return nil
}

func (h *Hub) snapshot(ctx context.Context) (peers []string, usernames map[string]string) {
	peers, err := h.presence.Peers(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("presence peers error")
	}
	if h.usernames != nil {
		usernames, err = h.usernames.Usernames(ctx)
		if err != nil {
			h.logger.Error().Err(err).Msg("username state error")
		}
	}
	return peers, usernames
}

func (h *Hub) register(ctx context.Context, c *client) error {
	h.mu.Lock()
	if _, exists := h.clients[c.id]; exists {
		h.mu.Unlock()
		return ErrDuplicatePeer
	}
	h.clients[c.id] = c
	h.mu.Unlock()

	if err := h.presence.AddPeer(ctx, c.id); err != nil {
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()
		return err
	}

	peers, usernames := h.snapshot(ctx)
	h.logger.Info().Str("peer", c.id).Int("peers", len(peers)).Msg("registered")

	c.sendJSON(protocol.StateMessage{
		Type:       protocol.TypeWelcome,
		ID:         c.id,
		Room:       h.room,
		Peers:      peers,
		ICEServers: h.iceServers,
		ICEMode:    h.iceMode,
		Usernames:  usernames,
	})
	h.broadcast(protocol.StateMessage{
		Type:      protocol.TypePeerJoined,
		ID:        c.id,
		Room:      h.room,
		Peers:     peers,
		Usernames: usernames,
	}, c.id)
	return nil
}

func (h *Hub) unregister(c *client) {
	ctx := context.Background()

	h.mu.Lock()
	if cur, ok := h.clients[c.id]; !ok || cur != c {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	h.mu.Unlock()

	if err := h.presence.RemovePeer(ctx, c.id); err != nil {
		h.logger.Error().Err(err).Msg("presence remove")
	}
	if h.usernames != nil {
		if err := h.usernames.RemovePeer(ctx, c.id); err != nil {
			h.logger.Error().Err(err).Msg("username state remove")
		}
	}

	peers, usernames := h.snapshot(ctx)
	h.broadcast(protocol.StateMessage{
		Type:      protocol.TypePeerLeft,
		ID:        c.id,
		Room:      h.room,
		Peers:     peers,
		Usernames: usernames,
	}, c.id)
	h.logger.Info().Str("peer", c.id).Int("peers", len(peers)).Msg("unregistered")

	if len(peers) == 0 && h.onEmpty != nil {
		h.onEmpty()
	}
}

func (h *Hub) broadcast(msg any, skipID string) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal broadcast")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, cl := range h.clients {
		if id == skipID {
			continue
		}
		if !cl.enqueue(data) {
			h.logger.Warn().Str("peer", id).Msg("client send buffer full, dropping message")
		}
	}
}

func (h *Hub) handleInbound(c *client, msg protocol.InboundMessage) {
	h.logger.Debug().Str("type", msg.Type).Str("from", c.id).Str("to", msg.To).Msg("inbound")
	switch msg.Type {
	case protocol.TypeSignal:
		if msg.To == "" || len(msg.Data) == 0 {
			return
		}
		h.forwardSignal(c.id, msg.To, msg.Data)
	case protocol.TypeSetUsername:
		if h.usernames == nil {
			return
		}
		username := strings.TrimSpace(msg.Username)
		ctx := context.Background()
		if err := h.usernames.SetUsername(ctx, c.id, username); err != nil {
			h.logger.Error().Err(err).Msg("username state set username")
		}
		h.publishPresence(ctx, c.id, protocol.TypeUsernames)
	default:
		h.logger.Warn().Str("peer", c.id).Str("type", msg.Type).Msg("unknown message type")
	}
}

func (h *Hub) forwardSignal(from, to string, payload json.RawMessage) {
	h.mu.RLock()
	target := h.clients[to]
	h.mu.RUnlock()
	if target == nil {
		h.logger.Warn().Str("from", from).Str("to", to).Msg("forward signal target missing")
		return
	}

	target.sendJSON(protocol.SignalMessage{
		Type: protocol.TypeSignal,
		From: from,
		To:   to,
		Data: payload,
	})
}

func (h *Hub) publishPresence(ctx context.Context, id string, eventType string) {
	peers, usernames := h.snapshot(ctx)
	h.broadcast(protocol.StateMessage{
		Type:      eventType,
		ID:        id,
		Room:      h.room,
		Peers:     peers,
		Usernames: usernames,
	}, "")
}

// Close disconnects every peer.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.cancel()
		_ = c.conn.Close()
	}
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister(c)
		c.cancel()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(defaultReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return
			}
			if !errors.Is(err, websocket.ErrCloseSent) {
				h.logger.Debug().Err(err).Str("peer", c.id).Msg("read error")
			}
			return
		}

		var msg protocol.InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn().Err(err).Str("peer", c.id).Msg("bad payload")
			continue
		}
		h.handleInbound(c, msg)
	}
}

// writePump owns every write to the connection. The send channel is never
// closed; the pump stops when the client context is canceled.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.enqueue(data)
}
