package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Signaling.URL != "wss://rtc.homeswift.co/ws" {
		t.Fatalf("signaling url = %q", cfg.Signaling.URL)
	}
	if cfg.RingTimeout() != 30*time.Second {
		t.Fatalf("ring timeout = %s", cfg.RingTimeout())
	}
	if cfg.TypingTTL() != 3*time.Second {
		t.Fatalf("typing ttl = %s", cfg.TypingTTL())
	}
	if cfg.BackoffMin() != 250*time.Millisecond || cfg.BackoffMax() != 5*time.Second {
		t.Fatalf("backoff = %s / %s", cfg.BackoffMin(), cfg.BackoffMax())
	}
}

func TestLoadPartialFileFillsGaps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"signaling":{"url":"wss://example.test/ws"},"call":{"ring_timeout_sec":10}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Signaling.URL != "wss://example.test/ws" {
		t.Fatalf("signaling url = %q", cfg.Signaling.URL)
	}
	if cfg.RingTimeout() != 10*time.Second {
		t.Fatalf("ring timeout = %s", cfg.RingTimeout())
	}
	// Unset fields fall back to defaults.
	if cfg.TypingTTL() != 3*time.Second {
		t.Fatalf("typing ttl = %s", cfg.TypingTTL())
	}
	if len(cfg.Call.ICEServers) == 0 {
		t.Fatal("ice servers default missing")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"http scheme", func(c *Config) { c.Signaling.URL = "http://x" }, false},
		{"garbage url", func(c *Config) { c.Signaling.URL = "::" }, false},
		{"empty backend", func(c *Config) { c.Backend.URL = "" }, false},
		{"no ice servers", func(c *Config) { c.Call.ICEServers = nil }, false},
		{"backoff inverted", func(c *Config) { c.Signaling.BackoffMinMS = 9000 }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := Default()
	cfg.Signaling.URL = "wss://rt.example.test/ws"
	cfg.Paths.CacheDir = "/tmp/hs-cache"
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Signaling.URL != cfg.Signaling.URL || got.Paths.CacheDir != cfg.Paths.CacheDir {
		t.Fatalf("round trip lost fields: %+v", got)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := Default().Save(path); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *Config, 4)
	stop, err := Watch(path, func(c *Config) { reloaded <- c })
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	// Give the watcher a moment to arm before writing.
	time.Sleep(100 * time.Millisecond)

	cfg := Default()
	cfg.Signaling.URL = "wss://changed.example.test/ws"
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-reloaded:
		if got.Signaling.URL != "wss://changed.example.test/ws" {
			t.Fatalf("reloaded url = %q", got.Signaling.URL)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never fired")
	}
}

func TestWatchIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := Default().Save(path); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *Config, 4)
	stop, err := Watch(path, func(c *Config) { reloaded <- c })
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloaded:
		t.Fatal("sibling file triggered a reload")
	case <-time.After(300 * time.Millisecond):
	}
}
