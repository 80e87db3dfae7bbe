// Package ice builds the ICE server list peers gather candidates against.
package ice

import (
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tablesync/pkg/webrtc/protocol"
)

// DefaultSTUN is used when no STUN servers are configured.
var DefaultSTUN = []string{"stun:stun.l.google.com:19302"}

// Modes accepted in Config.Mode.
const (
	ModeSTUN = "stun-only"
	// ModeHost gathers host candidates only, for LAN and loopback use.
	ModeHost = "host-only"
)

// Config is the ICE part of the application configuration.
type Config struct {
	Mode     string   `yaml:"mode"`
	STUNURLs []string `yaml:"stun_urls"`
	// TURNURLs is accepted for compatibility but ignored: relayed
	// connections are not supported.
	TURNURLs []string `yaml:"turn_urls"`
}

// Servers returns the effective mode and the pion ICE server list.
func Servers(cfg Config, logger *zerolog.Logger) (mode string, servers []webrtc.ICEServer) {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	l = l.With().Str("component", "ice").Logger()

	mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch mode {
	case "", ModeSTUN:
		mode = ModeSTUN
	case ModeHost:
	default:
		l.Warn().Str("mode", cfg.Mode).Msg("unsupported ICE mode; using stun-only")
		mode = ModeSTUN
	}

	if len(cfg.TURNURLs) > 0 {
		l.Warn().Strs("turn", cfg.TURNURLs).Msg("TURN servers are not supported and will be ignored")
	}

	if mode == ModeSTUN {
		urls := clean(cfg.STUNURLs)
		if len(urls) == 0 {
			urls = DefaultSTUN
		}
		servers = append(servers, webrtc.ICEServer{URLs: urls})
	}

	l.Debug().Str("mode", mode).Int("servers", len(servers)).Msg("ICE servers loaded")
	return mode, servers
}

// ToProtocol converts servers to their wire form for broker clients.
func ToProtocol(servers []webrtc.ICEServer) []protocol.ICEServer {
	out := make([]protocol.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, protocol.ICEServer{URLs: s.URLs})
	}
	return out
}

// FromProtocol converts wire ICE servers back to pion's form.
func FromProtocol(servers []protocol.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, webrtc.ICEServer{URLs: s.URLs})
	}
	return out
}

// SplitURLs parses a comma-separated URL list.
func SplitURLs(csv string) []string {
	return clean(strings.Split(csv, ","))
}

func clean(urls []string) []string {
	var out []string
	for _, u := range urls {
		v := strings.TrimSpace(u)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
