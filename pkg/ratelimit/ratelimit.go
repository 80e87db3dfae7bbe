// Package ratelimit implements a sliding-window call limiter for actions that
// trigger a broadcast to every peer.
package ratelimit

import (
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options configures a Limiter.
type Options struct {
	// Name identifies the limiter in logs.
	Name   string
	Clock  clock.Clock
	Logger *zerolog.Logger
}

// Limiter permits at most max calls within any window. Rejected calls are
// dropped, never queued.
type Limiter struct {
	max    int
	window time.Duration
	clock  clock.Clock
	logger zerolog.Logger

	mu        sync.Mutex
	calls     []time.Time
	canCall   bool
	timer     *clock.Timer
	nextID    uint64
	listeners map[uint64]func(bool)
}

// New returns a Limiter allowing maxCalls per window. maxCalls below one is
// treated as one.
func New(maxCalls int, window time.Duration, opts Options) *Limiter {
	if maxCalls < 1 {
		maxCalls = 1
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	l := log.Logger
	if opts.Logger != nil {
		l = *opts.Logger
	}
	ctx := l.With().Str("component", "ratelimit")
	if opts.Name != "" {
		ctx = ctx.Str("limiter", opts.Name)
	}
	return &Limiter{
		max:       maxCalls,
		window:    window,
		clock:     opts.Clock,
		logger:    ctx.Logger(),
		canCall:   true,
		listeners: make(map[uint64]func(bool)),
	}
}

// Allow records a call and reports whether it is permitted.
func (l *Limiter) Allow() bool {
	now := l.clock.Now()

	l.mu.Lock()
	l.prune(now)
	if len(l.calls) >= l.max {
		l.mu.Unlock()
		l.logger.Warn().Int("max", l.max).Dur("window", l.window).Msg("rate limited")
		return false
	}
	l.calls = append(l.calls, now)
	l.schedule(now)
	notify := l.update()
	l.mu.Unlock()

	notify()
	return true
}

// Wrap returns fn guarded by the limiter. The returned function reports
// whether fn ran.
func (l *Limiter) Wrap(fn func()) func() bool {
	return func() bool {
		if !l.Allow() {
			return false
		}
		fn()
		return true
	}
}

// CanCall reports whether a call made now would be permitted.
func (l *Limiter) CanCall() bool {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(now)
	return len(l.calls) < l.max
}

// OnChange registers fn to run whenever CanCall flips. The limiter
// re-evaluates on its own when the oldest recorded call expires.
func (l *Limiter) OnChange(fn func(canCall bool)) (cancel func()) {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}
}

// Stop cancels the pending expiry timer.
func (l *Limiter) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// prune drops calls that fell out of the window. A call at t counts while
// now-t < window.
func (l *Limiter) prune(now time.Time) {
	i := 0
	for i < len(l.calls) && now.Sub(l.calls[i]) >= l.window {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}

// schedule arms the single expiry timer for the oldest call. Callers hold mu.
func (l *Limiter) schedule(now time.Time) {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if len(l.calls) == 0 {
		return
	}
	wait := l.calls[0].Add(l.window).Sub(now)
	if wait < 0 {
		wait = 0
	}
	l.timer = l.clock.AfterFunc(wait, l.expire)
}

func (l *Limiter) expire() {
	now := l.clock.Now()
	l.mu.Lock()
	l.timer = nil
	l.prune(now)
	l.schedule(now)
	notify := l.update()
	l.mu.Unlock()
	notify()
}

// update recomputes canCall and returns a function that notifies listeners
// if it changed. Callers hold mu and run the result after unlocking.
func (l *Limiter) update() func() {
	canCall := len(l.calls) < l.max
	if canCall == l.canCall {
		return func() {}
	}
	l.canCall = canCall
	ids := make([]uint64, 0, len(l.listeners))
	for id := range l.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.listeners[id])
	}
	return func() {
		for _, fn := range fns {
			fn(canCall)
		}
	}
}
