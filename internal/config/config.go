// Package config loads tablesync configuration.
//
// Values are layered, later sources winning: built-in defaults, an optional
// YAML file (--config or TABLESYNC_CONFIG), .env files, environment
// variables, and finally command-line flags. A .env file never overrides a
// variable already present in the environment.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"tablesync/pkg/presence"
	"tablesync/pkg/webrtc/ice"
	"tablesync/pkg/webrtc/pairing"
)

// EnvConfigPath names the variable holding the config file path.
const EnvConfigPath = "TABLESYNC_CONFIG"

// Config is the full application configuration.
type Config struct {
	// Broker settings.
	Addr        string `yaml:"addr"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
	PublicWSURL string `yaml:"public_ws_url"`

	ICE ice.Config `yaml:"ice"`

	// Peer settings.
	RoomID            string        `yaml:"room_id"`
	PeerID            string        `yaml:"peer_id"`
	DisplayName       string        `yaml:"display_name"`
	DataDir           string        `yaml:"data_dir"`
	BrokerURL         string        `yaml:"broker_url"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	GatherTimeout     time.Duration `yaml:"gather_timeout"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:              ":8080",
		RedisPrefix:       "tablesync",
		ICE:               ice.Config{Mode: ice.ModeSTUN},
		BrokerURL:         "ws://localhost:8080/ws",
		HeartbeatInterval: presence.DefaultInterval,
		GatherTimeout:     pairing.DefaultGatherTimeout,
		LogLevel:          "info",
		LogFormat:         "console",
	}
}

// DefaultEnvFiles are the .env files Load reads, in order.
var DefaultEnvFiles = []string{".env", filepath.Join("config", ".env")}

// Load builds the configuration from defaults, the YAML file at path (or
// TABLESYNC_CONFIG when path is empty), .env files and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return cfg, err
		}
	}
	if err := LoadEnvFiles(DefaultEnvFiles...); err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables onto c.
func (c *Config) ApplyEnv() error {
	str := map[string]*string{
		"ADDR":          &c.Addr,
		"REDIS_ADDR":    &c.RedisAddr,
		"REDIS_PREFIX":  &c.RedisPrefix,
		"PUBLIC_WS_URL": &c.PublicWSURL,
		"ICE_MODE":      &c.ICE.Mode,
		"ROOM_ID":       &c.RoomID,
		"PEER_ID":       &c.PeerID,
		"DISPLAY_NAME":  &c.DisplayName,
		"DATA_DIR":      &c.DataDir,
		"BROKER_URL":    &c.BrokerURL,
		"LOG_LEVEL":     &c.LogLevel,
		"LOG_FORMAT":    &c.LogFormat,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	if v, ok := lookup("STUN_URLS"); ok {
		c.ICE.STUNURLs = ice.SplitURLs(v)
	}
	if v, ok := lookup("TURN_URLS"); ok {
		c.ICE.TURNURLs = ice.SplitURLs(v)
	}

	durations := map[string]*time.Duration{
		"HEARTBEAT_INTERVAL": &c.HeartbeatInterval,
		"GATHER_TIMEOUT":     &c.GatherTimeout,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// RegisterFlags defines the command-line overrides on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML config file (env "+EnvConfigPath+")")
	fs.String("addr", "", "broker listen address")
	fs.String("redis", "", "Redis address for broker state; empty keeps it in memory")
	fs.String("ice-mode", "", "stun-only or host-only")
	fs.StringSlice("stun", nil, "STUN server URLs")
	fs.String("room", "", "room id")
	fs.String("peer", "", "local peer id; random when empty")
	fs.String("name", "", "display name")
	fs.String("data-dir", "", "directory for the persisted document")
	fs.String("broker", "", "broker WebSocket URL")
	fs.Duration("heartbeat", 0, "presence heartbeat interval")
	fs.Duration("gather-timeout", 0, "ICE gathering timeout")
	fs.String("log-level", "", "trace, debug, info, warn or error")
	fs.String("log-format", "", "console or json")
}

// ApplyFlags overlays the flags that were set on fs onto c.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	str := map[string]*string{
		"addr":       &c.Addr,
		"redis":      &c.RedisAddr,
		"ice-mode":   &c.ICE.Mode,
		"room":       &c.RoomID,
		"peer":       &c.PeerID,
		"name":       &c.DisplayName,
		"data-dir":   &c.DataDir,
		"broker":     &c.BrokerURL,
		"log-level":  &c.LogLevel,
		"log-format": &c.LogFormat,
	}
	for name, dst := range str {
		if !fs.Changed(name) {
			continue
		}
		v, err := fs.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}
	if fs.Changed("stun") {
		urls, err := fs.GetStringSlice("stun")
		if err != nil {
			return err
		}
		c.ICE.STUNURLs = urls
	}
	durations := map[string]*time.Duration{
		"heartbeat":      &c.HeartbeatInterval,
		"gather-timeout": &c.GatherTimeout,
	}
	for name, dst := range durations {
		if !fs.Changed(name) {
			continue
		}
		d, err := fs.GetDuration(name)
		if err != nil {
			return err
		}
		*dst = d
	}
	return nil
}

// Validate checks values that have no sensible fallback.
func (c Config) Validate() error {
	var errs []error
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat_interval must be positive"))
	}
	if c.GatherTimeout <= 0 {
		errs = append(errs, errors.New("gather_timeout must be positive"))
	}
	switch c.LogFormat {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format: unknown format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Level returns the configured zerolog level, info when unparsable.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// LoadEnvFiles sets variables from KEY=VALUE files. Missing files are
// skipped and variables already in the environment are left alone.
func LoadEnvFiles(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if err := loadEnvFile(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("env file %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

func loadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, val)
		}
	}
	return scanner.Err()
}
