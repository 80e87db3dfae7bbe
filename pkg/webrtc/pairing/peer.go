package pairing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tablesync/pkg/webrtc/channel"
	"tablesync/pkg/webrtc/protocol"
)

// DefaultGatherTimeout bounds how long a description waits for ICE
// gathering before it is sent with whatever candidates it has.
const DefaultGatherTimeout = 7 * time.Second

// dataChannelLabel names the single data channel every connection carries.
const dataChannelLabel = "tablesync"

// PeerOptions configures a Peer.
type PeerOptions struct {
	ICEServers    []webrtc.ICEServer
	GatherTimeout time.Duration
	Logger        *zerolog.Logger
}

// Peer is one pion PeerConnection carrying one ordered data channel, bound
// to a Channel. Vanilla ICE: every description is exchanged only after
// gathering settles, so one offer and one answer are all the signaling a
// connection needs.
type Peer struct {
	pc      *webrtc.PeerConnection
	ch      *channel.Channel
	timeout time.Duration
	logger  zerolog.Logger

	closeOnce sync.Once
}

// NewPeer allocates a PeerConnection for ch. ch gets its transport when the
// data channel is created (Offer) or announced by the remote side (Answer).
func NewPeer(ch *channel.Channel, opts PeerOptions) (*Peer, error) {
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = DefaultGatherTimeout
	}
	l := log.Logger
	if opts.Logger != nil {
		l = *opts.Logger
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: opts.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("%w: new peer connection: %w", ErrTransport, err)
	}

	p := &Peer{
		pc:      pc,
		ch:      ch,
		timeout: opts.GatherTimeout,
		logger:  l.With().Str("component", "peer").Logger(),
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			p.logger.Warn().Str("label", dc.Label()).Msg("ignoring unexpected data channel")
			return
		}
		channel.FromDataChannel(ch, dc)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Debug().Str("state", state.String()).Str("peer", ch.PeerID()).Msg("connection state")
		switch state {
		case webrtc.PeerConnectionStateFailed:
			ch.Fail(fmt.Errorf("%w: connection failed", ErrTransport))
			ch.MarkClosed()
		case webrtc.PeerConnectionStateClosed:
			ch.MarkClosed()
		}
	})
	// Close may be reached from a pion callback; keep it off that goroutine.
	ch.OnClose(func() { go p.Close() })

	return p, nil
}

// Channel returns the bound channel.
func (p *Peer) Channel() *channel.Channel { return p.ch }

// Offer creates the data channel and returns the local offer once gathering
// settles or the gather timeout passes.
func (p *Peer) Offer(ctx context.Context) (protocol.SessionDescription, error) {
	ordered := true
	dc, err := p.pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("%w: create data channel: %w", ErrTransport, err)
	}
	channel.FromDataChannel(p.ch, dc)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("%w: create offer: %w", ErrTransport, err)
	}
	return p.setLocal(ctx, offer)
}

// Answer applies the remote offer and returns the local answer.
func (p *Peer) Answer(ctx context.Context, offer protocol.SessionDescription) (protocol.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("%w: set remote offer: %w", ErrTransport, err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("%w: create answer: %w", ErrTransport, err)
	}
	return p.setLocal(ctx, answer)
}

// Accept applies the remote answer to a Peer that made an offer.
func (p *Peer) Accept(answer protocol.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}); err != nil {
		return fmt.Errorf("%w: set remote answer: %w", ErrTransport, err)
	}
	return nil
}

// setLocal applies desc and waits for gathering. A gather timeout is not an
// error: the description goes out with the candidates found so far.
func (p *Peer) setLocal(ctx context.Context, desc webrtc.SessionDescription) (protocol.SessionDescription, error) {
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("%w: set local description: %w", ErrTransport, err)
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		p.logger.Warn().Err(ErrGatheringTimeout).Dur("timeout", p.timeout).Msg("sending partial description")
	case <-p.ch.Done():
		return protocol.SessionDescription{}, fmt.Errorf("%w: closed while gathering", ErrTransport)
	case <-ctx.Done():
		return protocol.SessionDescription{}, ctx.Err()
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return protocol.SessionDescription{}, fmt.Errorf("%w: no local description", ErrTransport)
	}
	return protocol.SessionDescription{Type: local.Type.String(), SDP: local.SDP}, nil
}

// Close tears down the connection and the channel. Safe to call more than
// once.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.pc.Close()
		p.ch.MarkClosed()
	})
	return err
}
