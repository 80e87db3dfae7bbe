package channel

import (
	"sync"

	"github.com/rs/zerolog"
)

// pipeLink delivers frames synchronously to the other end of a Pipe, which
// preserves send order without a goroutine per direction.
type pipeLink struct {
	once sync.Once
	peer *Channel
}

func (l *pipeLink) Send(data []byte) error {
	select {
	case <-l.peer.Done():
		return ErrClosed
	default:
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	l.peer.Deliver(frame)
	return nil
}

func (l *pipeLink) Close() error {
	l.once.Do(func() {
		l.peer.MarkClosed()
	})
	return nil
}

// Pipe returns two connected, not yet open channels. local talks to
// remoteID and remote talks to localID. Open them with MarkOpen, or use
// OpenPipe.
func Pipe(localID, remoteID string, logger *zerolog.Logger) (local, remote *Channel) {
	local = New(remoteID, logger)
	remote = New(localID, logger)
	Join(local, remote)
	return local, remote
}

// Join binds a and b to each other in process. Neither is opened.
func Join(a, b *Channel) {
	a.Bind(&pipeLink{peer: b})
	b.Bind(&pipeLink{peer: a})
}

// OpenPipe is Pipe followed by opening both ends, local first.
func OpenPipe(localID, remoteID string, logger *zerolog.Logger) (local, remote *Channel) {
	local, remote = Pipe(localID, remoteID, logger)
	local.MarkOpen()
	remote.MarkOpen()
	return local, remote
}
