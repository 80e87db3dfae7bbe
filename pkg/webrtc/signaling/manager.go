package signaling

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tablesync/internal/app/usernames"
	"tablesync/pkg/presence"
	"tablesync/pkg/webrtc/protocol"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	ICEServers []protocol.ICEServer
	ICEMode    string
	// Redis backs room presence and usernames. When nil, both are kept in
	// memory.
	Redis *redis.Client
	// Prefix namespaces Redis keys.
	Prefix string
	Logger *zerolog.Logger
}

// Manager creates one Hub per room on first use and drops it when the last
// peer leaves.
type Manager struct {
	opts   ManagerOptions
	logger zerolog.Logger

	mu   sync.Mutex
	hubs map[string]*Hub
}

// NewManager returns an empty Manager.
func NewManager(opts ManagerOptions) *Manager {
	if strings.TrimSpace(opts.Prefix) == "" {
		opts.Prefix = "tablesync"
	}
	l := log.Logger
	if opts.Logger != nil {
		l = *opts.Logger
	}
	return &Manager{
		opts:   opts,
		logger: l.With().Str("component", "hub-manager").Logger(),
		hubs:   make(map[string]*Hub),
	}
}

// Hub returns the hub for room code, creating it if needed.
func (m *Manager) Hub(code string) *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hubs[code]; ok {
		return h
	}

	presenceStore, usernameStore := m.stores(code)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := presenceStore.Reset(ctx); err != nil {
		m.logger.Warn().Err(err).Str("room", code).Msg("reset presence")
	}
	if err := usernameStore.Reset(ctx); err != nil {
		m.logger.Warn().Err(err).Str("room", code).Msg("reset usernames")
	}

	var h *Hub
	h = NewHub(presenceStore, HubOptions{
		Room:       code,
		ICEServers: m.opts.ICEServers,
		ICEMode:    m.opts.ICEMode,
		Logger:     m.opts.Logger,
		Usernames:  usernameStore,
		OnEmpty:    func() { m.drop(code, h) },
	})
	m.hubs[code] = h
	m.logger.Debug().Str("room", code).Msg("hub created")
	return h
}

// HubForRoom returns the WebSocket handler of room code's hub.
func (m *Manager) HubForRoom(code string) http.Handler {
	return m.Hub(code).HTTPHandler()
}

// Rooms returns the codes of rooms with a live hub.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.hubs))
	for code := range m.hubs {
		out = append(out, code)
	}
	slices.Sort(out)
	return out
}

// Close disconnects every hub.
func (m *Manager) Close() {
	m.mu.Lock()
	hubs := make([]*Hub, 0, len(m.hubs))
	for _, h := range m.hubs {
		hubs = append(hubs, h)
	}
	m.mu.Unlock()
	for _, h := range hubs {
		h.Close()
	}
}

func (m *Manager) drop(code string, h *Hub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.hubs[code]; ok && cur == h && h.Len() == 0 {
		delete(m.hubs, code)
		m.logger.Debug().Str("room", code).Msg("hub dropped")
	}
}

func (m *Manager) stores(code string) (presence.Store, UsernameStore) {
	if m.opts.Redis == nil {
		return presence.NewMemoryStore(), usernames.NewMemoryStore()
	}
	prefix := fmt.Sprintf("%s:room:%s", strings.TrimSuffix(m.opts.Prefix, ":"), code)
	return presence.NewRedisStore(m.opts.Redis, prefix), usernames.NewRedisStore(m.opts.Redis, prefix)
}
