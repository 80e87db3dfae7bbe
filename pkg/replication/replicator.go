// Package replication keeps a document converged across one channel by
// sending a snapshot once the channel opens and streaming diffs after that.
//
// Delivery is optimistic: there are no acknowledgements and no retries. A peer
// converges as long as the channel stays up, because the snapshot is always
// resent on open and diffs arrive in send order.
package replication

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tablesync/pkg/document"
	"tablesync/pkg/webrtc/channel"
	"tablesync/pkg/webrtc/protocol"
)

// Document is what the replicator needs from the document store.
type Document interface {
	Snapshot() document.Snapshot
	LoadSnapshot(snap document.Snapshot, origin document.Origin)
	ApplyDiff(d document.Diff, origin document.Origin)
	Listen(fn func(document.Change)) (unsubscribe func())
}

// Options configures a Replicator.
type Options struct {
	// SnapshotSource makes this side send its full document when the channel
	// opens. The host of a pairwise session and the accepting side of a mesh
	// connection are sources; the joining side is not.
	SnapshotSource bool
	// LocalID is stamped on outgoing messages.
	LocalID string
	Logger  *zerolog.Logger
}

// Replicator synchronizes one Document over one Channel.
type Replicator struct {
	ch     *channel.Channel
	doc    Document
	opts   Options
	logger zerolog.Logger

	mu sync.Mutex
	// snapshotApplied is true once the receiving side has loaded a snapshot.
	// Source sides start with it set because their document is authoritative.
	snapshotApplied bool
	pending         []document.Diff
	disposers       []func()
	detached        bool
}

// Attach wires doc to ch and returns the running Replicator.
func Attach(ch *channel.Channel, doc Document, opts Options) *Replicator {
	l := log.Logger
	if opts.Logger != nil {
		l = *opts.Logger
	}
	r := &Replicator{
		ch:              ch,
		doc:             doc,
		opts:            opts,
		logger:          l.With().Str("component", "replicator").Str("peer", ch.PeerID()).Logger(),
		snapshotApplied: opts.SnapshotSource,
	}

	subs := []func(){
		ch.Subscribe(protocol.MsgSnapshot, r.handleSnapshot),
		ch.Subscribe(protocol.MsgDiff, r.handleDiff),
	}
	r.mu.Lock()
	r.disposers = append(r.disposers, subs...)
	r.mu.Unlock()

	// Either callback may run synchronously when the channel is already
	// open or closed.
	r.track(ch.OnClose(r.Detach))
	r.track(ch.OnOpen(r.start))
	return r
}

func (r *Replicator) track(dispose func()) {
	r.mu.Lock()
	if r.detached {
		r.mu.Unlock()
		dispose()
		return
	}
	r.disposers = append(r.disposers, dispose)
	r.mu.Unlock()
}

// start runs once the channel is open.
func (r *Replicator) start() {
	r.mu.Lock()
	if r.detached {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	// Listen before reading the snapshot: an edit committed in between then
	// also goes out as a diff, which the receiver buffers or reapplies.
	r.track(r.doc.Listen(r.handleLocalChange))

	if r.opts.SnapshotSource {
		r.sendSnapshot()
	}
}

func (r *Replicator) sendSnapshot() {
	snap := r.doc.Snapshot()
	msg, err := protocol.NewMessage(protocol.MsgSnapshot, r.opts.LocalID, snap)
	if err != nil {
		r.logger.Error().Err(err).Msg("encode snapshot")
		return
	}
	r.send(msg)
	r.logger.Debug().Int("records", len(snap.Records)).Msg("snapshot sent")
}

func (r *Replicator) handleLocalChange(c document.Change) {
	if c.Origin == document.OriginRemote || c.Diff.IsEmpty() {
		return
	}
	msg, err := protocol.NewMessage(protocol.MsgDiff, r.opts.LocalID, c.Diff)
	if err != nil {
		r.logger.Error().Err(err).Msg("encode diff")
		return
	}
	r.send(msg)
}

func (r *Replicator) send(msg protocol.Message) {
	if err := r.ch.Send(msg); err != nil {
		if errors.Is(err, channel.ErrClosed) {
			r.logger.Debug().Str("type", string(msg.Type)).Msg("dropped message on closed channel")
			return
		}
		r.logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("send failed")
	}
}

func (r *Replicator) handleSnapshot(msg protocol.Message) {
	var snap document.Snapshot
	if err := msg.Decode(&snap); err != nil {
		r.logger.Warn().Err(err).Msg("dropping snapshot")
		return
	}

	r.mu.Lock()
	if r.detached {
		r.mu.Unlock()
		return
	}
	// Hold the lock while applying so diffs that race the snapshot queue
	// behind it instead of interleaving.
	defer r.mu.Unlock()

	r.doc.LoadSnapshot(snap, document.OriginRemote)
	pending := r.pending
	r.pending = nil
	r.snapshotApplied = true
	for _, d := range pending {
		r.doc.ApplyDiff(d, document.OriginRemote)
	}
	r.logger.Debug().
		Int("records", len(snap.Records)).
		Int("replayed", len(pending)).
		Msg("snapshot applied")
}

func (r *Replicator) handleDiff(msg protocol.Message) {
	var d document.Diff
	if err := msg.Decode(&d); err != nil {
		r.logger.Warn().Err(err).Msg("dropping diff")
		return
	}
	if d.IsEmpty() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.detached {
		return
	}
	if !r.snapshotApplied {
		r.pending = append(r.pending, d)
		return
	}
	r.doc.ApplyDiff(d, document.OriginRemote)
}

// Pending returns how many diffs are waiting for the snapshot.
func (r *Replicator) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// SnapshotApplied reports whether the document has been bootstrapped.
func (r *Replicator) SnapshotApplied() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotApplied
}

// Detach unsubscribes from the channel and the document and drops buffered
// diffs. Safe to call more than once.
func (r *Replicator) Detach() {
	r.mu.Lock()
	if r.detached {
		r.mu.Unlock()
		return
	}
	r.detached = true
	disposers := r.disposers
	r.disposers = nil
	r.pending = nil
	r.mu.Unlock()

	for _, dispose := range disposers {
		dispose()
	}
}
