package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLayering(t *testing.T) {
	path := writeFile(t, "tablesync.yaml", `
room_id: from-file
display_name: Ann
heartbeat_interval: 2s
ice:
  mode: host-only
  stun_urls: ["stun:file:3478"]
`)
	t.Setenv("ROOM_ID", "from-env")
	t.Setenv("GATHER_TIMEOUT", "1500ms")
	t.Chdir(t.TempDir())

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RoomID != "from-env" {
		t.Errorf("RoomID = %q, want from-env", cfg.RoomID)
	}
	if cfg.DisplayName != "Ann" {
		t.Errorf("DisplayName = %q, want Ann", cfg.DisplayName)
	}
	if cfg.HeartbeatInterval != 2*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 2s", cfg.HeartbeatInterval)
	}
	if cfg.GatherTimeout != 1500*time.Millisecond {
		t.Errorf("GatherTimeout = %v, want 1.5s", cfg.GatherTimeout)
	}
	if cfg.ICE.Mode != "host-only" || !reflect.DeepEqual(cfg.ICE.STUNURLs, []string{"stun:file:3478"}) {
		t.Errorf("ICE = %+v", cfg.ICE)
	}
	if cfg.Addr != ":8080" {
		t.Errorf("Addr = %q, want default :8080", cfg.Addr)
	}

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse([]string{"--room", "from-flag", "--heartbeat", "1s", "--stun", "stun:a:1,stun:b:2"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := cfg.ApplyFlags(fs); err != nil {
		t.Fatalf("ApplyFlags: %v", err)
	}
	if cfg.RoomID != "from-flag" || cfg.HeartbeatInterval != time.Second {
		t.Errorf("after flags: room %q heartbeat %v", cfg.RoomID, cfg.HeartbeatInterval)
	}
	if !reflect.DeepEqual(cfg.ICE.STUNURLs, []string{"stun:a:1", "stun:b:2"}) {
		t.Errorf("STUNURLs = %v", cfg.ICE.STUNURLs)
	}
	if cfg.DisplayName != "Ann" {
		t.Errorf("unset flag changed DisplayName to %q", cfg.DisplayName)
	}
}

func TestConfigPathFromEnv(t *testing.T) {
	path := writeFile(t, "c.yaml", "addr: \":9999\"\n")
	t.Setenv(EnvConfigPath, path)
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9999" {
		t.Errorf("Addr = %q, want :9999", cfg.Addr)
	}
}

func TestMissingConfigFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load of a missing file succeeded")
	}
}

func TestEnvFileDoesNotOverrideEnvironment(t *testing.T) {
	path := writeFile(t, ".env", `
# comment
export TABLESYNC_TEST_A="from-file"
TABLESYNC_TEST_B=from-file
not a pair
`)
	t.Setenv("TABLESYNC_TEST_B", "from-env")
	t.Cleanup(func() { os.Unsetenv("TABLESYNC_TEST_A") })

	if err := LoadEnvFiles(path, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("LoadEnvFiles: %v", err)
	}
	if got := os.Getenv("TABLESYNC_TEST_A"); got != "from-file" {
		t.Errorf("A = %q, want from-file", got)
	}
	if got := os.Getenv("TABLESYNC_TEST_B"); got != "from-env" {
		t.Errorf("B = %q, want from-env", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, true},
		{"zero heartbeat", func(c *Config) { c.HeartbeatInterval = 0 }, true},
		{"negative gather timeout", func(c *Config) { c.GatherTimeout = -time.Second }, true},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBadDurationInEnv(t *testing.T) {
	t.Setenv("HEARTBEAT_INTERVAL", "often")
	cfg := Default()
	if err := cfg.ApplyEnv(); err == nil {
		t.Fatal("ApplyEnv accepted an invalid duration")
	}
}
