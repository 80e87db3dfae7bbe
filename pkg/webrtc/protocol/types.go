package protocol

import "encoding/json"

// ICEServer describes STUN servers advertised to clients.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Broker message types.
const (
	TypeSignal      = "signal"
	TypeSetUsername = "set-username"
	TypeWelcome     = "welcome"
	TypePeerJoined  = "peer-joined"
	TypePeerLeft    = "peer-left"
	TypeUsernames   = "usernames"
)

// InboundMessage is the payload clients send to the broker.
type InboundMessage struct {
	Type     string          `json:"type"`
	To       string          `json:"to,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Username string          `json:"username,omitempty"`
}

// StateMessage is broadcast to clients to convey room membership.
type StateMessage struct {
	Type       string            `json:"type"`
	ID         string            `json:"id,omitempty"`
	Room       string            `json:"room,omitempty"`
	Peers      []string          `json:"peers,omitempty"`
	ICEServers []ICEServer       `json:"iceServers,omitempty"`
	ICEMode    string            `json:"iceMode,omitempty"`
	Usernames  map[string]string `json:"usernames,omitempty"`
}

// SignalMessage carries a signaling token between two peers via the broker.
type SignalMessage struct {
	Type string          `json:"type"`
	From string          `json:"from"`
	To   string          `json:"to"`
	Data json.RawMessage `json:"data"`
}
