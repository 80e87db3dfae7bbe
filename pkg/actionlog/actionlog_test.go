package actionlog

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"tablesync/pkg/webrtc/channel"
)

func entry(i int) Entry {
	return Entry{PlayerID: "p1", Action: fmt.Sprintf("action %d", i), Timestamp: int64(i)}
}

func TestLogEvictsOldestPastCap(t *testing.T) {
	l := NewLog(MaxEntries)
	for i := 1; i <= MaxEntries; i++ {
		l.Append(entry(i))
	}
	if l.Len() != MaxEntries {
		t.Fatalf("Len = %d, want %d", l.Len(), MaxEntries)
	}

	l.Append(entry(51))

	got := l.Entries()
	if len(got) != MaxEntries {
		t.Fatalf("Len = %d, want %d", len(got), MaxEntries)
	}
	if got[0].Action != "action 2" {
		t.Errorf("oldest = %q, want %q", got[0].Action, "action 2")
	}
	if got[len(got)-1].Action != "action 51" {
		t.Errorf("newest = %q, want %q", got[len(got)-1].Action, "action 51")
	}
}

func TestLogLast(t *testing.T) {
	l := NewLog(0)
	for i := 1; i <= 5; i++ {
		l.Append(entry(i))
	}
	tests := []struct {
		n     int
		want  int
		first string
	}{
		{n: 2, want: 2, first: "action 4"},
		{n: 5, want: 5, first: "action 1"},
		{n: 10, want: 5, first: "action 1"},
		{n: 0, want: 0},
	}
	for _, tt := range tests {
		got := l.Last(tt.n)
		if len(got) != tt.want {
			t.Errorf("Last(%d) len = %d, want %d", tt.n, len(got), tt.want)
			continue
		}
		if tt.want > 0 && got[0].Action != tt.first {
			t.Errorf("Last(%d)[0] = %q, want %q", tt.n, got[0].Action, tt.first)
		}
	}
}

func TestRecordBroadcasts(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1_700_000_000_000))

	a := NewReconciler(nil, Options{LocalID: "alice", DisplayName: "Alice", Clock: mock})
	b := NewReconciler(nil, Options{LocalID: "bob", Clock: mock})

	ca, cb := channel.OpenPipe("alice", "bob", nil)
	a.Attach(ca)
	b.Attach(cb)

	e := a.Record("drew a card", 7)
	if e.Timestamp != 1_700_000_000_000 {
		t.Errorf("Timestamp = %d, want 1700000000000", e.Timestamp)
	}

	got := b.Log().Entries()
	if len(got) != 1 {
		t.Fatalf("bob has %d entries, want 1", len(got))
	}
	if got[0] != e {
		t.Errorf("bob entry = %+v, want %+v", got[0], e)
	}
}

func TestSnapshotOnOpenAppendsWithoutDedup(t *testing.T) {
	a := NewReconciler(nil, Options{LocalID: "alice"})
	for i := 1; i <= 30; i++ {
		a.Log().Append(entry(i))
	}
	b := NewReconciler(nil, Options{LocalID: "bob"})
	b.Log().Append(entry(30))

	ca, cb := channel.Pipe("alice", "bob", nil)
	b.Attach(cb)
	a.Attach(ca)
	ca.MarkOpen()

	got := b.Log().Entries()
	if len(got) != 1+SnapshotEntries {
		t.Fatalf("bob has %d entries, want %d", len(got), 1+SnapshotEntries)
	}
	if got[1].Action != "action 11" {
		t.Errorf("first snapshot entry = %q, want %q", got[1].Action, "action 11")
	}
	if got[len(got)-1].Action != "action 30" {
		t.Errorf("last entry = %q, want %q", got[len(got)-1].Action, "action 30")
	}
}

func TestSnapshotRespectsCap(t *testing.T) {
	a := NewReconciler(nil, Options{LocalID: "alice"})
	for i := 1; i <= SnapshotEntries; i++ {
		a.Log().Append(entry(i))
	}
	b := NewReconciler(nil, Options{LocalID: "bob"})
	for i := 100; i < 100+MaxEntries; i++ {
		b.Log().Append(entry(i))
	}

	ca, cb := channel.Pipe("alice", "bob", nil)
	b.Attach(cb)
	a.Attach(ca)
	ca.MarkOpen()

	got := b.Log().Entries()
	if len(got) != MaxEntries {
		t.Fatalf("Len = %d, want %d", len(got), MaxEntries)
	}
	if got[len(got)-1].Action != fmt.Sprintf("action %d", SnapshotEntries) {
		t.Errorf("newest = %q", got[len(got)-1].Action)
	}
}

func TestListenSeesRemoteEntries(t *testing.T) {
	a := NewReconciler(nil, Options{LocalID: "alice"})
	b := NewReconciler(nil, Options{LocalID: "bob"})
	ca, cb := channel.OpenPipe("alice", "bob", nil)
	a.Attach(ca)
	b.Attach(cb)

	var seen []Entry
	b.Listen(func(es []Entry) { seen = append(seen, es...) })
	a.Record("rolled d6: 4", 0)

	if len(seen) != 1 || seen[0].Action != "rolled d6: 4" {
		t.Errorf("seen = %+v", seen)
	}
}
