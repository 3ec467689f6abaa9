// Package config loads and watches the client configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/brendanx22/HomeSwift.co-sub002/internal/util"
)

type Config struct {
	Signaling Signaling `json:"signaling"`
	Backend   Backend   `json:"backend"`
	Call      Call      `json:"call"`
	Chat      Chat      `json:"chat"`
	Paths     Paths     `json:"paths"`
}

type Signaling struct {
	// Websocket endpoint of the rendezvous server.
	URL string `json:"url"`

	// Reconnect backoff bounds, milliseconds. 0 = defaults (250 / 5000).
	BackoffMinMS int `json:"backoff_min_ms"`
	BackoffMaxMS int `json:"backoff_max_ms"`

	// Stored secondary credential used when the live token source is
	// unavailable (degraded-auth fallback). Optional.
	FallbackToken string `json:"fallback_token,omitempty"`
}

type Backend struct {
	// Base URL of the persistence service.
	URL string `json:"url"`
}

type Call struct {
	// STUN/TURN URLs for the fixed ICE configuration.
	ICEServers []string `json:"ice_servers"`

	// How long an unanswered call rings before failing. 0 = 30s.
	RingTimeoutSec int `json:"ring_timeout_sec"`
}

type Chat struct {
	// Typing flag lifetime without refresh. 0 = 3s.
	TypingTTLSec int `json:"typing_ttl_sec"`
}

type Paths struct {
	// Directory for the local cache database. Empty disables the cache.
	CacheDir string `json:"cache_dir,omitempty"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Signaling: Signaling{
			URL:          "wss://rtc.homeswift.co/ws",
			BackoffMinMS: 250,
			BackoffMaxMS: 5000,
		},
		Backend: Backend{
			URL: "https://api.homeswift.co",
		},
		Call: Call{
			ICEServers:     []string{"stun:stun.l.google.com:19302"},
			RingTimeoutSec: 30,
		},
		Chat: Chat{
			TypingTTLSec: 3,
		},
	}
}

// Load reads the config file at path, filling gaps with defaults.
// A missing file yields the defaults, not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to path, creating parent directories.
func (c *Config) Save(path string) error {
	return util.WriteJSONFile(path, c)
}

// Validate checks the fields that would break the session if wrong.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Signaling.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("signaling.url %q: must be a ws:// or wss:// URL", c.Signaling.URL)
	}
	if c.Backend.URL == "" {
		return errors.New("backend.url is required")
	}
	if len(c.Call.ICEServers) == 0 {
		return errors.New("call.ice_servers must not be empty")
	}
	if c.Signaling.BackoffMinMS > c.Signaling.BackoffMaxMS {
		return errors.New("signaling backoff: min exceeds max")
	}
	return nil
}

// BackoffMin returns the reconnect backoff floor.
func (c *Config) BackoffMin() time.Duration {
	return time.Duration(c.Signaling.BackoffMinMS) * time.Millisecond
}

// BackoffMax returns the reconnect backoff ceiling.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Signaling.BackoffMaxMS) * time.Millisecond
}

// RingTimeout returns the unanswered-call timeout.
func (c *Config) RingTimeout() time.Duration {
	return time.Duration(c.Call.RingTimeoutSec) * time.Second
}

// TypingTTL returns the typing flag lifetime.
func (c *Config) TypingTTL() time.Duration {
	return time.Duration(c.Chat.TypingTTLSec) * time.Second
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Signaling.BackoffMinMS == 0 {
		cfg.Signaling.BackoffMinMS = def.Signaling.BackoffMinMS
	}
	if cfg.Signaling.BackoffMaxMS == 0 {
		cfg.Signaling.BackoffMaxMS = def.Signaling.BackoffMaxMS
	}
	if len(cfg.Call.ICEServers) == 0 {
		cfg.Call.ICEServers = def.Call.ICEServers
	}
	if cfg.Call.RingTimeoutSec == 0 {
		cfg.Call.RingTimeoutSec = def.Call.RingTimeoutSec
	}
	if cfg.Chat.TypingTTLSec == 0 {
		cfg.Chat.TypingTTLSec = def.Chat.TypingTTLSec
	}
}
