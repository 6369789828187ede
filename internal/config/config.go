package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/chimelab/chime/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Relay    Relay    `json:"relay"`
	Media    Media    `json:"media"`
	Calls    Calls    `json:"calls"`
	History  History  `json:"history"`

	// Contacts maps user ids to display labels for call surfaces.
	// Hot-reloaded when the config file changes.
	Contacts map[string]string `json:"contacts"`
}

type Identity struct {
	// UserID is the stable identity other peers dial. Invites for this
	// user arrive on its call topic.
	UserID string `json:"user_id"`
	Label  string `json:"label"`
}

type Relay struct {
	// Backend selects the signaling transport: "p2p" (gossipsub over
	// libp2p), "redis", "ws" (relay server), or "memory" (same-process
	// only, for tests and demos).
	Backend string `json:"backend"`

	Redis RedisRelay `json:"redis"`
	P2P   P2PRelay   `json:"p2p"`
	WS    WSRelay    `json:"ws"`
}

type RedisRelay struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type P2PRelay struct {
	ListenPort int    `json:"listen_port"`
	KeyFile    string `json:"key_file"`
	MdnsTag    string `json:"mdns_tag"`

	// BootstrapPeers are multiaddrs dialed at startup for WAN reach;
	// empty means LAN-only discovery via mDNS.
	BootstrapPeers []string `json:"bootstrap_peers"`
}

type WSRelay struct {
	// URL of the relay server, e.g. "wss://relay.example.org/signal".
	URL string `json:"url"`
}

type Media struct {
	STUNURLs []string `json:"stun_urls"`

	// VideoBitRate in bits per second; 0 means the built-in default.
	VideoBitRate int `json:"video_bitrate"`
}

type Calls struct {
	// RingTimeoutSec is how long an incoming call rings before it is
	// recorded as missed.
	RingTimeoutSec int `json:"ring_timeout_seconds"`
	// AnswerTimeoutSec is how long an outgoing call waits for an answer.
	AnswerTimeoutSec int `json:"answer_timeout_seconds"`
}

type History struct {
	// Dir holds the call-history database. Relative to the data dir.
	Dir string `json:"dir"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			Label: "hello",
		},
		Relay: Relay{
			Backend: "p2p",
			Redis: RedisRelay{
				Addr: "127.0.0.1:6379",
			},
			P2P: P2PRelay{
				ListenPort: 0,
				KeyFile:    "data/identity.key",
				MdnsTag:    "chime-mdns",
			},
		},
		Media: Media{
			VideoBitRate: 0,
		},
		Calls: Calls{
			RingTimeoutSec:   30,
			AnswerTimeoutSec: 45,
		},
		History: History{
			Dir: "data/history",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if _, err := util.ValidateUserID(c.Identity.UserID); err != nil {
		return fmt.Errorf("identity.user_id: %w", err)
	}

	// Relay
	switch c.Relay.Backend {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Relay.Redis.Addr) == "" {
			return errors.New("relay.redis.addr is required for the redis backend")
		}
		if c.Relay.Redis.DB < 0 {
			return errors.New("relay.redis.db must be >= 0")
		}
	case "p2p":
		if c.Relay.P2P.ListenPort < 0 || c.Relay.P2P.ListenPort > 65535 {
			return errors.New("relay.p2p.listen_port must be 0..65535")
		}
		if strings.TrimSpace(c.Relay.P2P.KeyFile) == "" {
			return errors.New("relay.p2p.key_file is required")
		}
		if strings.TrimSpace(c.Relay.P2P.MdnsTag) == "" {
			return errors.New("relay.p2p.mdns_tag is required")
		}
	case "ws":
		if err := validateRelayURL(c.Relay.WS.URL); err != nil {
			return fmt.Errorf("relay.ws.url: %w", err)
		}
	default:
		return fmt.Errorf("relay.backend must be memory, redis, p2p or ws (got %q)", c.Relay.Backend)
	}

	// Media
	for _, u := range c.Media.STUNURLs {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			return fmt.Errorf("media.stun_urls: %q is not a stun: url", u)
		}
	}
	if c.Media.VideoBitRate < 0 {
		return errors.New("media.video_bitrate must be >= 0")
	}

	// Calls
	if c.Calls.RingTimeoutSec <= 0 {
		return errors.New("calls.ring_timeout_seconds must be > 0")
	}
	if c.Calls.AnswerTimeoutSec <= 0 {
		return errors.New("calls.answer_timeout_seconds must be > 0")
	}

	// History
	if strings.TrimSpace(c.History.Dir) == "" {
		return errors.New("history.dir is required")
	}

	return nil
}

func validateRelayURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("required for the ws backend")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file
// with the given user id filled in. Returns (cfg, createdNew, err).
func Ensure(path, userID string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.UserID = userID
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
