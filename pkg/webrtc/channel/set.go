package channel

import (
	"errors"
	"sync"

	"tablesync/pkg/webrtc/protocol"
)

// Set is a concurrent collection of channels used for fan-out.
type Set struct {
	mu    sync.RWMutex
	chans map[*Channel]struct{}
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{chans: make(map[*Channel]struct{})}
}

// Add inserts ch and returns a disposer that removes it.
func (s *Set) Add(ch *Channel) (remove func()) {
	s.mu.Lock()
	s.chans[ch] = struct{}{}
	s.mu.Unlock()
	return func() { s.Remove(ch) }
}

// Remove drops ch from the set.
func (s *Set) Remove(ch *Channel) {
	s.mu.Lock()
	delete(s.chans, ch)
	s.mu.Unlock()
}

// Len returns the number of channels in the set.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chans)
}

// Channels returns a copy of the members.
func (s *Set) Channels() []*Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Channel, 0, len(s.chans))
	for ch := range s.chans {
		out = append(out, ch)
	}
	return out
}

// Broadcast sends msg on every open member and returns how many sends
// succeeded. Closed members are skipped silently; the first transport error is
// returned.
func (s *Set) Broadcast(msg protocol.Message) (int, error) {
	var (
		sent     int
		firstErr error
	)
	for _, ch := range s.Channels() {
		err := ch.Send(msg)
		switch {
		case err == nil:
			sent++
		case errors.Is(err, ErrClosed):
		case firstErr == nil:
			firstErr = err
		}
	}
	return sent, firstErr
}
