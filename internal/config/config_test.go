package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() Config {
	cfg := Default()
	cfg.Identity.UserID = "alice"
	return cfg
}

func TestDefaultNeedsUserID(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatal("default config validated without a user id")
	}
	cfg.Identity.UserID = "alice"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"bad user id", func(c *Config) { c.Identity.UserID = "a/b" }, "identity.user_id"},
		{"unknown backend", func(c *Config) { c.Relay.Backend = "carrier-pigeon" }, "relay.backend"},
		{"redis without addr", func(c *Config) { c.Relay.Backend = "redis"; c.Relay.Redis.Addr = " " }, "relay.redis.addr"},
		{"ws without url", func(c *Config) { c.Relay.Backend = "ws" }, "relay.ws.url"},
		{"ws http url", func(c *Config) { c.Relay.Backend = "ws"; c.Relay.WS.URL = "http://x" }, "ws or wss"},
		{"p2p bad port", func(c *Config) { c.Relay.P2P.ListenPort = 70000 }, "listen_port"},
		{"bad stun url", func(c *Config) { c.Media.STUNURLs = []string{"turn:x"} }, "stun"},
		{"zero ring timeout", func(c *Config) { c.Calls.RingTimeoutSec = 0 }, "ring_timeout"},
		{"zero answer timeout", func(c *Config) { c.Calls.AnswerTimeoutSec = 0 }, "answer_timeout"},
		{"empty history dir", func(c *Config) { c.History.Dir = "" }, "history.dir"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mut(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chime.json")
	cfg := validConfig()
	cfg.Relay.Backend = "redis"
	cfg.Relay.Redis.Addr = "10.0.0.5:6379"
	cfg.Calls.RingTimeoutSec = 15
	cfg.Contacts = map[string]string{"bob": "Bob"}

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Relay.Backend != "redis" || got.Relay.Redis.Addr != "10.0.0.5:6379" {
		t.Fatalf("relay = %+v", got.Relay)
	}
	if got.Calls.RingTimeoutSec != 15 {
		t.Fatalf("ring timeout = %d", got.Calls.RingTimeoutSec)
	}
	if got.Contacts["bob"] != "Bob" {
		t.Fatalf("contacts = %v", got.Contacts)
	}
}

func TestLoadKeepsDefaultsForMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chime.json")
	body := `{"identity": {"user_id": "alice"}, "relay": {"backend": "memory"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	def := Default()
	if cfg.Calls.RingTimeoutSec != def.Calls.RingTimeoutSec {
		t.Fatalf("ring timeout = %d", cfg.Calls.RingTimeoutSec)
	}
	if cfg.History.Dir != def.History.Dir {
		t.Fatalf("history dir = %q", cfg.History.Dir)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chime.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity": {"user_id": "alice"}, "relay": {"backend": "memory"}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("BOM-prefixed config rejected: %v", err)
	}
}

func TestEnsureCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chime.json")

	cfg, created, err := Ensure(path, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected a fresh config file")
	}
	if cfg.Identity.UserID != "alice" {
		t.Fatalf("user id = %q", cfg.Identity.UserID)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal(err)
	}

	// Second call loads instead of recreating.
	_, created, err = Ensure(path, "ignored")
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("Ensure recreated an existing config")
	}
}
