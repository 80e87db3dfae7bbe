package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tablesync/pkg/mesh"
	"tablesync/pkg/webrtc/protocol"
)

func newTestServer(t *testing.T) (*Manager, string) {
	t.Helper()
	m := NewManager(ManagerOptions{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.HubForRoom(r.URL.Query().Get("room")).ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		m.Close()
		srv.Close()
	})
	return m, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialRaw(t *testing.T, base, room, peer string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(base+"?room="+room+"&peer="+peer, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", peer, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readState(t *testing.T, conn *websocket.Conn) protocol.StateMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.StateMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestWelcomeAndPeerJoined(t *testing.T) {
	_, base := newTestServer(t)

	a := dialRaw(t, base, "r1", "a")
	welcome := readState(t, a)
	if welcome.Type != protocol.TypeWelcome || welcome.ID != "a" || welcome.Room != "r1" {
		t.Fatalf("welcome = %+v", welcome)
	}
	if !reflect.DeepEqual(welcome.Peers, []string{"a"}) {
		t.Errorf("welcome peers = %v, want [a]", welcome.Peers)
	}

	b := dialRaw(t, base, "r1", "b")
	if got := readState(t, b); !reflect.DeepEqual(got.Peers, []string{"a", "b"}) {
		t.Errorf("b welcome peers = %v, want [a b]", got.Peers)
	}
	joined := readState(t, a)
	if joined.Type != protocol.TypePeerJoined || joined.ID != "b" {
		t.Errorf("a got %+v, want peer-joined b", joined)
	}

	b.Close()
	left := readState(t, a)
	if left.Type != protocol.TypePeerLeft || left.ID != "b" {
		t.Errorf("a got %+v, want peer-left b", left)
	}
}

func TestSignalIsForwarded(t *testing.T) {
	_, base := newTestServer(t)
	a := dialRaw(t, base, "r1", "a")
	readState(t, a)
	b := dialRaw(t, base, "r1", "b")
	readState(t, b)
	readState(t, a) // peer-joined

	payload := json.RawMessage(`"tok"`)
	if err := a.WriteJSON(protocol.InboundMessage{Type: protocol.TypeSignal, To: "b", Data: payload}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = b.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.SignalMessage
	if err := b.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != protocol.TypeSignal || msg.From != "a" || msg.To != "b" || string(msg.Data) != `"tok"` {
		t.Errorf("signal = %+v", msg)
	}
}

func TestUsernamesAreBroadcast(t *testing.T) {
	_, base := newTestServer(t)
	a := dialRaw(t, base, "r1", "a")
	readState(t, a)

	if err := a.WriteJSON(protocol.InboundMessage{Type: protocol.TypeSetUsername, Username: "  Ann "}); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := readState(t, a)
	if got.Type != protocol.TypeUsernames || got.Usernames["a"] != "Ann" {
		t.Errorf("usernames message = %+v", got)
	}
}

func TestDuplicatePeerIsRejected(t *testing.T) {
	_, base := newTestServer(t)
	a := dialRaw(t, base, "r1", "a")
	readState(t, a)

	_, resp, err := websocket.DefaultDialer.Dial(base+"?room=r1&peer=a", nil)
	if err == nil {
		t.Fatal("second dial with the same id succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Errorf("response = %v, want 409", resp)
	}

	// Another room may reuse the id.
	other := dialRaw(t, base, "r2", "a")
	readState(t, other)
}

func TestEmptyHubIsDropped(t *testing.T) {
	m, base := newTestServer(t)
	a := dialRaw(t, base, "r1", "a")
	readState(t, a)
	if got := m.Rooms(); !reflect.DeepEqual(got, []string{"r1"}) {
		t.Fatalf("Rooms = %v, want [r1]", got)
	}

	a.Close()
	deadline := time.Now().Add(2 * time.Second)
	for len(m.Rooms()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Rooms = %v after last peer left", m.Rooms())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClientsConnectThroughBroker(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}
	_, base := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	join := func(id string) (*Client, *mesh.Registry) {
		c, err := Dial(ctx, ClientOptions{URL: base, Room: "r1", PeerID: id, DisplayName: id, GatherTimeout: 3 * time.Second})
		if err != nil {
			t.Fatalf("Dial %s: %v", id, err)
		}
		reg := mesh.NewRegistry(mesh.Options{LocalID: id, Dialer: c})
		c.OnInbound(reg.Accept)
		t.Cleanup(func() {
			reg.Close()
			c.Close()
		})
		return c, reg
	}

	_, a := join("a")
	b, bReg := join("b")
	if got := b.Peers(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("b sees peers %v, want [a]", got)
	}
	for _, id := range b.Peers() {
		if err := bReg.Connect(ctx, id); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}

	for {
		if reflect.DeepEqual(a.Peers(), []string{"b"}) && reflect.DeepEqual(bReg.Peers(), []string{"a"}) {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatalf("mesh not formed: a=%v b=%v", a.Peers(), bReg.Peers())
		case <-time.After(20 * time.Millisecond):
		}
	}
}
