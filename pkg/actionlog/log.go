// Package actionlog keeps the bounded, receipt-ordered history of player
// actions and reconciles it across channels.
package actionlog

import "sync"

const (
	// MaxEntries caps the log; the oldest entry is evicted first.
	MaxEntries = 50
	// SnapshotEntries is how many recent entries a newly opened channel
	// receives.
	SnapshotEntries = 20
)

// Entry is one logged action. Timestamp is Unix milliseconds and is for
// display only; ordering is by arrival.
type Entry struct {
	PlayerID    string `json:"playerId"`
	PlayerName  string `json:"playerName,omitempty"`
	Action      string `json:"action"`
	CardsInHand int    `json:"cardsInHand"`
	Timestamp   int64  `json:"timestamp"`
}

// Log is a capped FIFO of entries. It is safe for concurrent use.
type Log struct {
	mu      sync.RWMutex
	max     int
	entries []Entry
}

// NewLog returns a log holding at most capacity entries. A non-positive
// capacity uses MaxEntries.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = MaxEntries
	}
	return &Log{max: capacity}
}

// Append adds entries in order, evicting from the front past the cap.
func (l *Log) Append(entries ...Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entries...)
	if over := len(l.entries) - l.max; over > 0 {
		l.entries = append([]Entry(nil), l.entries[over:]...)
	}
}

// Entries returns a copy of the log, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Entry(nil), l.entries...)
}

// Last returns up to n of the newest entries, oldest first.
func (l *Log) Last(n int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n > len(l.entries) {
		n = len(l.entries)
	}
	if n <= 0 {
		return nil
	}
	return append([]Entry(nil), l.entries[len(l.entries)-n:]...)
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
