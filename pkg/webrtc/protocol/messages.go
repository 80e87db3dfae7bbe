package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SignalingVersion is the payload version produced by this build. Tokens
// carrying any other version are rejected.
const SignalingVersion = 1

// Kind distinguishes the two halves of the handshake.
type Kind string

const (
	KindOffer  Kind = "offer"
	KindAnswer Kind = "answer"
)

// SessionDescription mirrors the JSON shape of an RTCSessionDescription.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// SignalingPayload is the content of a copy/paste token.
type SignalingPayload struct {
	Version     int                `json:"version"`
	Kind        Kind               `json:"kind"`
	RoomID      string             `json:"roomId"`
	PeerID      string             `json:"peerId,omitempty"`
	Description SessionDescription `json:"description"`
}

// Validate checks that the payload is well formed. It does not compare the
// version or room against any session.
func (p *SignalingPayload) Validate() error {
	if p.Version <= 0 {
		return errors.New("missing version")
	}
	switch p.Kind {
	case KindOffer, KindAnswer:
	default:
		return fmt.Errorf("unknown kind %q", p.Kind)
	}
	if strings.TrimSpace(p.RoomID) == "" {
		return errors.New("missing roomId")
	}
	if p.Description.SDP == "" {
		return errors.New("missing description")
	}
	if p.Description.Type != "" && p.Description.Type != string(p.Kind) {
		return fmt.Errorf("description type %q does not match kind %q", p.Description.Type, p.Kind)
	}
	return nil
}

// MessageType discriminates channel messages.
type MessageType string

const (
	MsgSnapshot          MessageType = "snapshot"
	MsgDiff              MessageType = "diff"
	MsgHeartbeat         MessageType = "heartbeat"
	MsgActionLog         MessageType = "action-log"
	MsgActionLogSnapshot MessageType = "action-log-snapshot"
	MsgPeerSync          MessageType = "peer-sync"
)

// Message is the envelope for everything sent over a data channel.
type Message struct {
	Type    MessageType     `json:"type"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage marshals v as the payload of a message of type t.
func NewMessage(t MessageType, from string, v any) (Message, error) {
	msg := Message{Type: t, From: from}
	if v == nil {
		return msg, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	msg.Payload = data
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Heartbeat is the presence beacon each peer emits on a fixed interval.
type Heartbeat struct {
	PeerID      string `json:"peerId"`
	Timestamp   int64  `json:"timestamp"`
	DisplayName string `json:"displayName,omitempty"`
}

// PeerSync lists the peers the sender is connected to, excluding the receiver.
type PeerSync struct {
	Peers []string `json:"peers"`
}
