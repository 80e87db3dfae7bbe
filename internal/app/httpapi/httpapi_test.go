package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tablesync/internal/app/rooms"
	"tablesync/pkg/webrtc/protocol"
	"tablesync/pkg/webrtc/signaling"
)

func newServer(t *testing.T) (*httptest.Server, *signaling.Manager) {
	t.Helper()
	hubs := signaling.NewManager(signaling.ManagerOptions{})
	srv := httptest.NewServer(NewRouter(Options{
		Settings: Settings{
			ICEMode:    "stun-only",
			ICEServers: []protocol.ICEServer{{URLs: []string{"stun:stun.example:3478"}}},
		},
		Hubs:  hubs,
		Rooms: rooms.NewMemoryStore(),
	}))
	t.Cleanup(func() {
		hubs.Close()
		srv.Close()
	})
	return srv, hubs
}

func createRoom(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/rooms", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/rooms: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var body struct {
		Code string `json:"code"`
		URL  string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code == "" || !strings.HasSuffix(body.URL, "/ws?room="+body.Code) {
		t.Fatalf("create response = %+v", body)
	}
	return body.Code
}

func TestRoomLifecycle(t *testing.T) {
	srv, _ := newServer(t)
	code := createRoom(t, srv)

	resp, err := http.Get(srv.URL + "/api/rooms/" + code)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("lookup status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/rooms/missing")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing room status = %d, want 404", resp.StatusCode)
	}
}

func TestSettings(t *testing.T) {
	srv, _ := newServer(t)
	resp, err := http.Get(srv.URL + "/api/settings")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		WSURL      string               `json:"wsURL"`
		ICEMode    string               `json:"iceMode"`
		ICEServers []protocol.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	wantURL := "ws://" + strings.TrimPrefix(srv.URL, "http://") + "/ws"
	if body.WSURL != wantURL {
		t.Errorf("wsURL = %q, want %q", body.WSURL, wantURL)
	}
	if body.ICEMode != "stun-only" || len(body.ICEServers) != 1 {
		t.Errorf("settings = %+v", body)
	}
}

func TestWebSocketRequiresKnownRoom(t *testing.T) {
	srv, hubs := newServer(t)
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	tests := []struct {
		name   string
		query  string
		status int
	}{
		{"missing room", "", http.StatusBadRequest},
		{"unknown room", "?room=nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(base+tt.query, nil)
			if err == nil {
				t.Fatal("dial succeeded")
			}
			if resp == nil || resp.StatusCode != tt.status {
				t.Errorf("response = %v, want status %d", resp, tt.status)
			}
		})
	}

	code := createRoom(t, srv)
	conn, _, err := websocket.DefaultDialer.Dial(base+"?room="+code+"&peer=p1", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var welcome protocol.StateMessage
	if err := conn.ReadJSON(&welcome); err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	if welcome.Type != protocol.TypeWelcome || welcome.ID != "p1" || welcome.Room != code {
		t.Errorf("welcome = %+v", welcome)
	}
	if got := hubs.Rooms(); len(got) != 1 || got[0] != code {
		t.Errorf("live rooms = %v, want [%s]", got, code)
	}
}
