// Package httpapi is the broker's HTTP surface: room codes, client settings,
// and the WebSocket endpoint that hands connections to a room's hub.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tablesync/internal/app/rooms"
	"tablesync/pkg/webrtc/protocol"
)

const storeTimeout = 3 * time.Second

// Settings is what clients need to reach the broker and each other.
type Settings struct {
	ICEMode     string
	ICEServers  []protocol.ICEServer
	PublicWSURL string
}

// HubManager hands out the WebSocket handler of a room.
type HubManager interface {
	HubForRoom(code string) http.Handler
	Rooms() []string
}

// Options configures the router.
type Options struct {
	Settings Settings
	Hubs     HubManager
	Rooms    rooms.Store
	Logger   *zerolog.Logger
}

// NewRouter builds the broker's HTTP handler.
func NewRouter(opts Options) http.Handler {
	l := log.Logger
	if opts.Logger != nil {
		l = *opts.Logger
	}
	logger := l.With().Str("component", "httpapi").Logger()

	r := chi.NewRouter()
	r.Post("/api/rooms", CreateRoomHandler(opts.Rooms, logger))
	r.Get("/api/rooms", LiveRoomsHandler(opts.Hubs))
	r.Get("/api/rooms/{code}", RoomLookupHandler(opts.Rooms, logger))
	r.Get("/api/settings", SettingsHandler(opts.Settings, logger))
	r.Get("/debug/ice", DebugICEHandler(opts.Settings))
	r.Get("/ws", WSHandler(opts.Hubs, opts.Rooms, logger))
	return r
}

func writeJSON(w http.ResponseWriter, logger zerolog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("encode response")
	}
}

func DebugICEHandler(settings Settings) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, log.Logger, http.StatusOK, map[string]any{
			"mode":       settings.ICEMode,
			"iceServers": settings.ICEServers,
		})
	}
}

func SettingsHandler(settings Settings, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusOK, map[string]any{
			"wsURL":      resolveWSURL(settings, r),
			"iceMode":    settings.ICEMode,
			"iceServers": settings.ICEServers,
		})
	}
}

func resolveWSURL(settings Settings, r *http.Request) string {
	if settings.PublicWSURL != "" {
		return settings.PublicWSURL
	}

	proto := "ws"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		proto = "wss"
	}

	host := r.Host
	if host == "" {
		host = "localhost:8080"
	}

	return fmt.Sprintf("%s://%s/ws", proto, host)
}

// WSHandler upgrades /ws?room=CODE&peer=ID once the room is known.
func WSHandler(hubs HubManager, roomStore rooms.Store, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomCode := rooms.Normalize(r.URL.Query().Get("room"))
		if roomCode == "" {
			http.Error(w, "missing room code", http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
		defer cancel()

		if _, err := roomStore.Get(ctx, roomCode); err != nil {
			if errors.Is(err, rooms.ErrNotFound) {
				http.Error(w, "room not found", http.StatusNotFound)
				return
			}
			logger.Error().Err(err).Str("room", roomCode).Msg("room lookup")
			http.Error(w, "room lookup failed", http.StatusInternalServerError)
			return
		}

		hubs.HubForRoom(roomCode).ServeHTTP(w, r)
	}
}

func CreateRoomHandler(store rooms.Store, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
		defer cancel()

		room, err := store.Create(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("room create")
			http.Error(w, "failed to create room", http.StatusInternalServerError)
			return
		}
		logger.Info().Str("room", room.Code).Msg("room created")

		writeJSON(w, logger, http.StatusCreated, map[string]any{
			"code": room.Code,
			"url":  roomURL(r, room.Code),
		})
	}
}

func RoomLookupHandler(store rooms.Store, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
		defer cancel()

		room, err := store.Get(ctx, code)
		if err != nil {
			if errors.Is(err, rooms.ErrNotFound) {
				http.NotFound(w, r)
				return
			}
			logger.Error().Err(err).Str("room", code).Msg("room lookup")
			http.Error(w, "failed to lookup room", http.StatusInternalServerError)
			return
		}

		writeJSON(w, logger, http.StatusOK, map[string]any{
			"code":      room.Code,
			"createdAt": room.CreatedAt,
			"url":       roomURL(r, room.Code),
		})
	}
}

// LiveRoomsHandler lists rooms that currently have connected peers.
func LiveRoomsHandler(hubs HubManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, log.Logger, http.StatusOK, map[string]any{"rooms": hubs.Rooms()})
	}
}

func roomURL(r *http.Request, code string) string {
	proto := "ws"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		proto = "wss"
	}
	host := r.Host
	if host == "" {
		host = "localhost:8080"
	}
	return fmt.Sprintf("%s://%s/ws?room=%s", proto, host, code)
}
