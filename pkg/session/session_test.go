package session

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"tablesync/pkg/document"
	"tablesync/pkg/webrtc/channel"
)

func newSession(t *testing.T, id, name string, mock *clock.Mock) *Session {
	t.Helper()
	s, err := New(Options{
		RoomID:      "room-1",
		LocalID:     id,
		DisplayName: name,
		Clock:       mock,
		Rand:        func(n int) int { return n - 1 },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// connect attaches a pipe between host and guest, host as snapshot source.
func connect(host, guest *Session) (hostCh, guestCh *channel.Channel) {
	hostCh, guestCh = channel.Pipe(host.opts.LocalID, guest.opts.LocalID, nil)
	host.Attach(hostCh, true)
	guest.Attach(guestCh, false)
	hostCh.MarkOpen()
	guestCh.MarkOpen()
	return hostCh, guestCh
}

func TestAttachSyncsDocumentAndPresence(t *testing.T) {
	mock := clock.NewMock()
	host := newSession(t, "host", "Ann", mock)
	guest := newSession(t, "guest", "Bob", mock)
	host.Document().Put(document.Record{ID: "c1", TypeName: "card"})

	connect(host, guest)

	if _, ok := guest.Document().Get("c1"); !ok {
		t.Fatal("guest did not receive the host document")
	}
	guest.Document().Put(document.Record{ID: "c2", TypeName: "token"})
	if got := host.Document().IDs(); !reflect.DeepEqual(got, []string{"c1", "c2"}) {
		t.Errorf("host ids = %v, want [c1 c2]", got)
	}

	st := host.Status()
	if len(st.Peers) != 1 {
		t.Fatalf("host peers = %+v, want one", st.Peers)
	}
	p := st.Peers[0]
	if p.ID != "guest" || p.DisplayName != "Bob" || !p.Open || !p.Online || !p.SnapshotApplied {
		t.Errorf("peer status = %+v", p)
	}
	if st.Records != 2 {
		t.Errorf("Records = %d, want 2", st.Records)
	}

	gst := guest.Status()
	if len(gst.Peers) != 1 || !gst.Peers[0].SnapshotApplied || gst.Peers[0].DisplayName != "Ann" {
		t.Errorf("guest peers = %+v", gst.Peers)
	}
}

func TestRollIsRateLimited(t *testing.T) {
	mock := clock.NewMock()
	host := newSession(t, "host", "Ann", mock)
	guest := newSession(t, "guest", "Bob", mock)
	connect(host, guest)

	for i := 0; i < DefaultRollLimit.Calls; i++ {
		n, err := host.Roll(6)
		if err != nil {
			t.Fatalf("roll %d: %v", i+1, err)
		}
		if n != 6 {
			t.Errorf("roll %d = %d, want 6", i+1, n)
		}
	}
	if _, err := host.Roll(6); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("4th roll error = %v, want ErrRateLimited", err)
	}
	if host.Status().CanRoll {
		t.Error("CanRoll = true while limited")
	}

	mock.Add(DefaultRollLimit.Window)
	if _, err := host.Roll(6); err != nil {
		t.Errorf("roll after window: %v", err)
	}

	hist := guest.History(10)
	if len(hist) != 4 {
		t.Fatalf("guest history has %d entries, want 4", len(hist))
	}
	if hist[0].Action != "rolled d6: 6" || hist[0].PlayerID != "host" || hist[0].PlayerName != "Ann" {
		t.Errorf("entry = %+v", hist[0])
	}
}

func TestRollRejectsBadDie(t *testing.T) {
	s := newSession(t, "host", "", clock.NewMock())
	for _, sides := range []int{-1, 0, 1} {
		if _, err := s.Roll(sides); !errors.Is(err, ErrInvalidDie) {
			t.Errorf("Roll(%d) error = %v, want ErrInvalidDie", sides, err)
		}
	}
	if got := s.History(10); len(got) != 0 {
		t.Errorf("history = %v, want empty", got)
	}
}

func TestRecordIsRateLimited(t *testing.T) {
	s, err := New(Options{
		LocalID:     "host",
		ActionLimit: Limit{Calls: 2, Window: time.Second},
		Clock:       clock.NewMock(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	for i := 0; i < 2; i++ {
		if _, err := s.Record("draw", 7); err != nil {
			t.Fatalf("Record %d: %v", i+1, err)
		}
	}
	if _, err := s.Record("draw", 7); !errors.Is(err, ErrRateLimited) {
		t.Errorf("third Record error = %v, want ErrRateLimited", err)
	}
	if got := s.Status().Entries; got != 2 {
		t.Errorf("Entries = %d, want 2", got)
	}
}

func TestChannelCloseDetaches(t *testing.T) {
	mock := clock.NewMock()
	host := newSession(t, "host", "Ann", mock)
	guest := newSession(t, "guest", "Bob", mock)
	hostCh, _ := connect(host, guest)

	hostCh.Close()
	if got := host.Status().Peers; len(got) != 0 {
		t.Errorf("host peers after close = %+v", got)
	}
	if got := guest.Status().Peers; len(got) != 0 {
		t.Errorf("guest peers after close = %+v", got)
	}

	host.Document().Put(document.Record{ID: "late", TypeName: "card"})
	if _, ok := guest.Document().Get("late"); ok {
		t.Error("change crossed a closed channel")
	}
}

func TestReattachReplacesChannel(t *testing.T) {
	mock := clock.NewMock()
	host := newSession(t, "host", "Ann", mock)
	guest := newSession(t, "guest", "Bob", mock)
	first, _ := connect(host, guest)
	connect(host, guest)

	if got := host.Status().Peers; len(got) != 1 {
		t.Fatalf("host peers = %+v, want one", got)
	}
	// The replaced channel no longer carries changes.
	first.Close()
	host.Document().Put(document.Record{ID: "c1", TypeName: "card"})
	if _, ok := guest.Document().Get("c1"); !ok {
		t.Error("change did not reach guest over the new channel")
	}
	if got := host.Status().Peers; len(got) != 1 {
		t.Errorf("closing the replaced channel dropped the peer: %+v", got)
	}
}

func TestClosedSessionRejectsActions(t *testing.T) {
	s := newSession(t, "host", "", clock.NewMock())
	s.Close()
	s.Close()
	if _, err := s.Record("x", 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Record after Close = %v, want ErrClosed", err)
	}
	if _, err := s.Roll(6); !errors.Is(err, ErrClosed) {
		t.Errorf("Roll after Close = %v, want ErrClosed", err)
	}
}

func TestNewRequiresLocalID(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("New accepted an empty local id")
	}
}

func TestAttachLogKeepsLocalAndRemoteApart(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	s, err := New(Options{RoomID: "room-1", LocalID: "host", Clock: clock.NewMock(), Logger: &logger})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	hostCh, _ := channel.Pipe("host", "guest", nil)
	s.Attach(hostCh, true)

	var line string
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.Contains(l, "channel attached") {
			line = l
		}
	}
	if line == "" {
		t.Fatalf("no attach log line in %q", buf.String())
	}
	if n := strings.Count(line, `"peer":`); n != 1 {
		t.Errorf("peer key appears %d times in %s", n, line)
	}
	if !strings.Contains(line, `"local":"host"`) || !strings.Contains(line, `"peer":"guest"`) {
		t.Errorf("attach line = %s, want local host and peer guest", line)
	}
}
