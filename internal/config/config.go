package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"
)

const DefaultGatewayURL = "wss://gateway.discord.gg/?v=9&encoding=json"

var ErrMissingToken = errors.New("missing environment variable: token")

// Presence is what the client advertises to the gateway.
type Presence struct {
	Status        string `yaml:"status"`
	CustomStatus  string `yaml:"customStatus"`
	EmojiName     string `yaml:"emojiName"`
	EmojiID       string `yaml:"emojiID"`
	EmojiAnimated bool   `yaml:"emojiAnimated"`
}

// Inspector filters what the read-only state inspector lists under the data
// dir. Doublestar glob patterns against slash-relative paths.
type Inspector struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// IdentityProps is the device fingerprint sent with IDENTIFY. The gateway
// expects the "$"-prefixed keys verbatim.
type IdentityProps struct {
	OS      string `json:"$os"`
	Browser string `json:"$browser"`
	Device  string `json:"$device"`
}

var deviceProps = map[string]IdentityProps{
	"pc":          {OS: "linux", Browser: "chrome", Device: "pc"},
	"chrome":      {OS: "linux", Browser: "chrome", Device: "pc"},
	"android":     {OS: "Android", Browser: "Discord Android", Device: "android"},
	"ios":         {OS: "iOS", Browser: "Discord iOS", Device: "iphone"},
	"playstation": {OS: "PlayStation", Browser: "PlayStation", Device: "playstation"},
	"xbox":        {OS: "Xbox", Browser: "Xbox", Device: "xbox"},
	"browser":     {OS: "linux", Browser: "firefox", Device: "browser"},
}

type Config struct {
	Token      string
	GatewayURL string
	DeviceType string

	Port             int
	DataDir          string
	PersistStatePath string
	PresenceFile     string
	LogLevel         string

	HeartbeatTimeoutMultiplier float64
	ReconnectBaseBackoff       time.Duration
	ReconnectMaxBackoff        time.Duration
	ReconnectJitter            bool
	RecvTimeout                time.Duration
	SendTimeout                time.Duration

	Presence  Presence
	Inspector Inspector
}

// FromEnv builds the full configuration from environment variables. Variable
// names match the original container contract: presence knobs are lowercase,
// operational knobs uppercase.
func FromEnv() (*Config, error) {
	token := os.Getenv("token")
	if token == "" {
		return nil, ErrMissingToken
	}

	port, err := strconv.Atoi(getenv("PORT", "8080"))
	if err != nil || port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid PORT %q", os.Getenv("PORT"))
	}

	dataDir := getenv("DATA_DIR", "/data")
	cfg := &Config{
		Token:      token,
		GatewayURL: getenv("gateway_url", DefaultGatewayURL),
		DeviceType: getenv("DEVICE_TYPE", "pc"),

		Port:             port,
		DataDir:          dataDir,
		PersistStatePath: getenv("PERSIST_STATE_PATH", filepath.Join(dataDir, "state.json")),
		PresenceFile:     os.Getenv("PRESENCE_FILE"),
		LogLevel:         getenv("LOG_LEVEL", "info"),

		HeartbeatTimeoutMultiplier: envFloat("HEARTBEAT_TIMEOUT_MULTIPLIER", 2.0),
		ReconnectBaseBackoff:       envSeconds("RECONNECT_BASE_BACKOFF", time.Second),
		ReconnectMaxBackoff:        envSeconds("RECONNECT_MAX_BACKOFF", 60*time.Second),
		ReconnectJitter:            envBool("RECONNECT_JITTER", true),
		RecvTimeout:                envSeconds("RECV_TIMEOUT", 15*time.Second),
		SendTimeout:                envSeconds("SEND_TIMEOUT", 5*time.Second),

		Presence: Presence{
			Status:        getenv("status", "online"),
			CustomStatus:  os.Getenv("custom_status"),
			EmojiName:     os.Getenv("emoji_name"),
			EmojiID:       os.Getenv("emoji_id"),
			EmojiAnimated: envBool("emoji_animated", false),
		},
	}
	return cfg, nil
}

func (c *Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }

// IdentityProps resolves DeviceType against the known device map, falling
// back to the pc fingerprint.
func (c *Config) IdentityProps() IdentityProps {
	if p, ok := deviceProps[c.DeviceType]; ok {
		return p
	}
	return deviceProps["pc"]
}

// State holds the current config behind an atomic.Value so hot reloads never
// race readers.
type State struct{ cfg atomic.Value }

func NewState(initial *Config) *State {
	s := &State{}
	s.cfg.Store(initial)
	return s
}

func (s *State) Current() *Config { return s.cfg.Load().(*Config) }

func (s *State) Apply(c *Config) { s.cfg.Store(c) }

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envFloat(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envSeconds(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return def
	}
	return time.Duration(f * float64(time.Second))
}

func envBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
