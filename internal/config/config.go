// Package config holds the session core's JSON configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/privmsg/sessioncore/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Relay     Relay     `json:"relay"`
	Reconnect Reconnect `json:"reconnect"`
	Media     Media     `json:"media"`
	Inbox     Inbox     `json:"inbox"`
	Log       Log       `json:"log"`
	Metrics   Metrics   `json:"metrics"`
}

type Identity struct {
	UserID     string `json:"user_id"`
	DeviceName string `json:"device_name"`
}

type Relay struct {
	// Websocket endpoint, ws:// or wss://.
	URL string `json:"url"`

	// Bearer credential sent in the authenticate frame. Opaque to the core.
	Credential string `json:"credential"`
}

type Reconnect struct {
	// FixedSeconds > 0 selects the fixed-interval retry policy at that
	// interval. Zero selects capped exponential backoff with jitter.
	FixedSeconds int `json:"fixed_seconds"`
}

type Media struct {
	// STUN/TURN URLs handed to the media engine. Empty uses a public
	// STUN default.
	ICEServers []string `json:"ice_servers"`
}

type Inbox struct {
	// Number of recent messages retained in memory.
	BufferSize int `json:"buffer_size"`
}

type Log struct {
	// Level for all subsystems: debug, info, warn, error.
	Level string `json:"level"`
}

type Metrics struct {
	// Listen address for the prometheus endpoint. Empty disables it.
	HTTPAddr string `json:"http_addr"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			DeviceName: "sessiond",
		},
		Relay: Relay{
			URL: "wss://localhost:8443/ws",
		},
		Reconnect: Reconnect{
			FixedSeconds: 0,
		},
		Inbox: Inbox{
			BufferSize: 200,
		},
		Log: Log{
			Level: "info",
		},
		Metrics: Metrics{
			HTTPAddr: "",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}
	u, err := url.Parse(c.Relay.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return errors.New("relay.url must be a ws:// or wss:// URL")
	}
	if c.Reconnect.FixedSeconds < 0 {
		return errors.New("reconnect.fixed_seconds must be >= 0")
	}
	if c.Inbox.BufferSize < 0 {
		return errors.New("inbox.buffer_size must be >= 0")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
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

// Ensure loads config if it exists; otherwise creates a default config
// file for the user to fill in. Returns (cfg, createdNew, err). The
// freshly created default does not validate (it has no user_id), so it is
// returned without validation.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := util.WriteJSONFile(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
