package ice

import (
	"reflect"
	"testing"
)

func TestServers(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantMode string
		wantURLs [][]string
	}{
		{
			name:     "defaults to google stun",
			cfg:      Config{},
			wantMode: ModeSTUN,
			wantURLs: [][]string{DefaultSTUN},
		},
		{
			name:     "custom stun list",
			cfg:      Config{STUNURLs: []string{" stun:a:3478 ", "", "stun:b:3478"}},
			wantMode: ModeSTUN,
			wantURLs: [][]string{{"stun:a:3478", "stun:b:3478"}},
		},
		{
			name:     "turn is ignored",
			cfg:      Config{Mode: "stun-turn", TURNURLs: []string{"turn:relay:3478"}},
			wantMode: ModeSTUN,
			wantURLs: [][]string{DefaultSTUN},
		},
		{
			name:     "host only",
			cfg:      Config{Mode: "HOST-ONLY", STUNURLs: []string{"stun:a:3478"}},
			wantMode: ModeHost,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode, servers := Servers(tt.cfg, nil)
			if mode != tt.wantMode {
				t.Errorf("mode = %q, want %q", mode, tt.wantMode)
			}
			var got [][]string
			for _, s := range servers {
				got = append(got, s.URLs)
			}
			if !reflect.DeepEqual(got, tt.wantURLs) {
				t.Errorf("urls = %v, want %v", got, tt.wantURLs)
			}
		})
	}
}

func TestSplitURLs(t *testing.T) {
	got := SplitURLs("stun:a:1, stun:b:2,,")
	want := []string{"stun:a:1", "stun:b:2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SplitURLs = %v, want %v", got, want)
	}
}

func TestProtocolRoundTrip(t *testing.T) {
	_, servers := Servers(Config{}, nil)
	back := FromProtocol(ToProtocol(servers))
	if !reflect.DeepEqual(back[0].URLs, servers[0].URLs) {
		t.Errorf("round trip = %v, want %v", back, servers)
	}
}
