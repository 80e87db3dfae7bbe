package channel

import (
	"github.com/pion/webrtc/v4"
)

type dataChannelLink struct {
	dc *webrtc.DataChannel
}

func (l *dataChannelLink) Send(data []byte) error {
	if l.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrClosed
	}
	return l.dc.SendText(string(data))
}

func (l *dataChannelLink) Close() error {
	return l.dc.Close()
}

// FromDataChannel binds ch to a pion data channel. Frames are sent as text
// messages holding one JSON envelope each.
func FromDataChannel(ch *Channel, dc *webrtc.DataChannel) {
	ch.Bind(&dataChannelLink{dc: dc})

	dc.OnOpen(ch.MarkOpen)
	dc.OnClose(ch.MarkClosed)
	dc.OnError(ch.Fail)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		ch.Deliver(msg.Data)
	})

	// The open event may have fired before the handlers were installed.
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		ch.MarkOpen()
	}
}
