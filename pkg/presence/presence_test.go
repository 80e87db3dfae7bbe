package presence

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"tablesync/pkg/webrtc/channel"
)

func pair(t *testing.T, mock *clock.Mock) (alice, bob *Tracker, ca, cb *channel.Channel) {
	t.Helper()
	alice = NewTracker(TrackerOptions{LocalID: "alice", DisplayName: "Alice", Clock: mock})
	bob = NewTracker(TrackerOptions{LocalID: "bob", DisplayName: "Bob", Clock: mock})
	ca, cb = channel.Pipe("alice", "bob", nil)
	alice.Attach(ca)
	bob.Attach(cb)
	ca.MarkOpen()
	cb.MarkOpen()
	return alice, bob, ca, cb
}

func ids(peers []Peer) []string {
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.ID)
	}
	return out
}

func TestHeartbeatOnOpen(t *testing.T) {
	mock := clock.NewMock()
	alice, bob, _, _ := pair(t, mock)

	if got := ids(alice.Online()); !reflect.DeepEqual(got, []string{"bob"}) {
		t.Errorf("alice.Online = %v, want [bob]", got)
	}
	online := bob.Online()
	if len(online) != 1 || online[0].DisplayName != "Alice" {
		t.Errorf("bob.Online = %+v, want Alice", online)
	}
}

func TestStaleAfterThreeIntervals(t *testing.T) {
	mock := clock.NewMock()
	alice, _, _, _ := pair(t, mock)

	limit := 3 * DefaultInterval
	mock.Add(limit - time.Millisecond)
	if got := len(alice.Online()); got != 1 {
		t.Fatalf("online just before 3x interval = %d, want 1", got)
	}
	mock.Add(time.Millisecond)
	if got := len(alice.Online()); got != 0 {
		t.Errorf("online at 3x interval = %d, want 0", got)
	}
}

func TestBeatRefreshesLastSeen(t *testing.T) {
	mock := clock.NewMock()
	alice, bob, _, _ := pair(t, mock)

	mock.Add(2 * DefaultInterval)
	bob.Beat()
	mock.Add(2 * DefaultInterval)

	if got := ids(alice.Online()); !reflect.DeepEqual(got, []string{"bob"}) {
		t.Errorf("alice.Online = %v, want [bob]", got)
	}
}

func TestRunSendsOnInterval(t *testing.T) {
	mock := clock.NewMock()
	alice, bob, _, _ := pair(t, mock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		bob.Run(ctx)
		close(done)
	}()

	// Let Run register its ticker before the clock moves.
	time.Sleep(10 * time.Millisecond)
	for range 4 {
		mock.Add(DefaultInterval)
	}
	time.Sleep(10 * time.Millisecond)

	if got := len(alice.Online()); got != 1 {
		t.Errorf("online after 4 intervals with Run = %d, want 1", got)
	}
	cancel()
	<-done
}

func TestCloseAndPruneDropPeers(t *testing.T) {
	mock := clock.NewMock()
	alice, bob, ca, _ := pair(t, mock)

	bob.Prune([]string{"carol"})
	if got := len(bob.Online()); got != 0 {
		t.Errorf("bob.Online after prune = %d, want 0", got)
	}

	ca.Close()
	if got := len(alice.Online()); got != 0 {
		t.Errorf("alice.Online after close = %d, want 0", got)
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, id := range []string{"c", "a", "b"} {
		if err := s.AddPeer(ctx, id); err != nil {
			t.Fatalf("AddPeer: %v", err)
		}
	}
	if err := s.RemovePeer(ctx, "b"); err != nil {
		t.Fatalf("RemovePeer: %v", err)
	}
	got, _ := s.Peers(ctx)
	if !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Errorf("Peers = %v, want [a c]", got)
	}
	_ = s.Reset(ctx)
	if got, _ := s.Peers(ctx); len(got) != 0 {
		t.Errorf("Peers after Reset = %v", got)
	}
}
