package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var configValidator = validator.New()

// Config is the root configuration document (spec §6 "Config keys").
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Keepalive KeepaliveConfig `yaml:"keepalive"`
	Failover  FailoverConfig  `yaml:"failover"`
	Election  ElectionConfig  `yaml:"election"`
	TURN      TURNConfig      `yaml:"turn"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Jitter    JitterConfig    `yaml:"jitterBuffer"`
}

// ServerConfig describes the host process's own listener and signaling
// transport.
type ServerConfig struct {
	Host              string          `yaml:"host"`
	Port              int             `yaml:"port"`
	TrustedProxyCIDRs []string        `yaml:"trusted_proxy_cidrs"`
	WebSocket         WebSocketConfig `yaml:"websocket"`
}

// WebSocketConfig configures the reference signaling transport.
type WebSocketConfig struct {
	AllowedOrigins           []string      `yaml:"allowed_origins"`
	MaxUnauthenticatedPerIP  int           `yaml:"max_unauthenticated_per_ip" validate:"gte=0"`
	MaxUnauthenticatedGlobal int           `yaml:"max_unauthenticated_global" validate:"gte=0"`
	UnauthenticatedTimeout   time.Duration `yaml:"unauthenticated_timeout" validate:"gte=0"`
}

// KeepaliveConfig mirrors keepalive.Config's spec §6 defaults.
type KeepaliveConfig struct {
	Interval      time.Duration `yaml:"interval" validate:"gte=0"`
	Timeout       time.Duration `yaml:"timeout" validate:"gte=0"`
	SlowThreshold time.Duration `yaml:"slow_threshold" validate:"gte=0"`
	MaxRetries    int           `yaml:"max_retries" validate:"gte=0"`
}

// FailoverConfig mirrors failover.Config's spec §6 defaults.
type FailoverConfig struct {
	BackoffPerPoint  time.Duration `yaml:"backoff_per_point" validate:"gte=0"`
	MaxBackoff       time.Duration `yaml:"max_backoff" validate:"gte=0"`
	ClaimTimeout     time.Duration `yaml:"claim_timeout" validate:"gte=0"`
	OfflineThreshold int           `yaml:"offline_threshold" validate:"gte=0"`
}

// ElectionConfig holds the election interval. The Coordinator runs no
// periodic re-election (elections happen only through failover), and
// cmd/relayd does not pass this value to it.
type ElectionConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
}

// TURNConfig configures TURN REST credential minting used to relieve
// same-segment client isolation (spec §1 Non-goals: not WAN NAT traversal).
type TURNConfig struct {
	URLs       []string      `yaml:"urls"`
	Secret     string        `yaml:"secret"`
	TTL        time.Duration `yaml:"ttl" validate:"gte=0"`
	StaticUser string        `yaml:"static_user"`
	StaticPass string        `yaml:"static_pass"`
}

// BridgeConfig configures the bot-identity connection to the upstream cloud
// SFU (spec §4.8, §6 "Upstream SFU").
type BridgeConfig struct {
	SFUURL       string        `yaml:"sfu_url"`
	BotJWTSecret string        `yaml:"bot_jwt_secret"`
	BotTokenTTL  time.Duration `yaml:"bot_token_ttl" validate:"gte=0"`
}

// JitterConfig is optional per spec §6 and left for a host to wire into its
// own receive path; the core modules here do not depend on it.
type JitterConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MinDelay    time.Duration `yaml:"min_delay" validate:"gte=0"`
	TargetDelay time.Duration `yaml:"target_delay" validate:"gte=0"`
	MaxDelay    time.Duration `yaml:"max_delay" validate:"gte=0"`
	MaxPackets  int           `yaml:"max_packets" validate:"gte=0"`
}

// Load reads path (if present), applies environment overrides, validates,
// then fills in defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// No config file — continue with env vars + defaults.
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.setDefaults()

	return &cfg, nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envStringSlice(key string, dst *[]string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		vals := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				vals = append(vals, trimmed)
			}
		}
		*dst = vals
	}
}

func (c *Config) applyEnvOverrides() {
	envString("RELAY_SERVER_HOST", &c.Server.Host)
	envInt("RELAY_SERVER_PORT", &c.Server.Port)
	envStringSlice("RELAY_TRUSTED_PROXY_CIDRS", &c.Server.TrustedProxyCIDRs)
	envStringSlice("RELAY_WS_ALLOWED_ORIGINS", &c.Server.WebSocket.AllowedOrigins)
	envInt("RELAY_WS_MAX_UNAUTH_PER_IP", &c.Server.WebSocket.MaxUnauthenticatedPerIP)
	envInt("RELAY_WS_MAX_UNAUTH_GLOBAL", &c.Server.WebSocket.MaxUnauthenticatedGlobal)
	envDuration("RELAY_WS_UNAUTH_TIMEOUT", &c.Server.WebSocket.UnauthenticatedTimeout)

	envDuration("RELAY_KEEPALIVE_INTERVAL", &c.Keepalive.Interval)
	envDuration("RELAY_KEEPALIVE_TIMEOUT", &c.Keepalive.Timeout)
	envDuration("RELAY_KEEPALIVE_SLOW_THRESHOLD", &c.Keepalive.SlowThreshold)
	envInt("RELAY_KEEPALIVE_MAX_RETRIES", &c.Keepalive.MaxRetries)

	envDuration("RELAY_FAILOVER_BACKOFF_PER_POINT", &c.Failover.BackoffPerPoint)
	envDuration("RELAY_FAILOVER_MAX_BACKOFF", &c.Failover.MaxBackoff)
	envDuration("RELAY_FAILOVER_CLAIM_TIMEOUT", &c.Failover.ClaimTimeout)
	envInt("RELAY_FAILOVER_OFFLINE_THRESHOLD", &c.Failover.OfflineThreshold)

	envDuration("RELAY_ELECTION_INTERVAL", &c.Election.Interval)

	envStringSlice("RELAY_TURN_URLS", &c.TURN.URLs)
	envString("RELAY_TURN_SECRET", &c.TURN.Secret)
	envDuration("RELAY_TURN_TTL", &c.TURN.TTL)
	envString("RELAY_TURN_STATIC_USER", &c.TURN.StaticUser)
	envString("RELAY_TURN_STATIC_PASS", &c.TURN.StaticPass)

	envString("RELAY_BRIDGE_SFU_URL", &c.Bridge.SFUURL)
	envString("RELAY_BRIDGE_BOT_JWT_SECRET", &c.Bridge.BotJWTSecret)
	envDuration("RELAY_BRIDGE_BOT_TOKEN_TTL", &c.Bridge.BotTokenTTL)
}

// validate runs the go-playground/validator struct-tag checks over every
// numeric/duration field in Keepalive, Failover, Election, TURN, Bridge and
// JitterBuffer, then the hand-rolled checks validator can't express directly
// (origin/CIDR string parsing, the Bridge cross-field requirement).
func (c *Config) validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("%w", err)
	}

	if c.Bridge.SFUURL != "" && c.Bridge.BotJWTSecret == "" {
		return fmt.Errorf("bridge.bot_jwt_secret is required when bridge.sfu_url is set")
	}

	for _, origin := range c.Server.WebSocket.AllowedOrigins {
		if origin == "null" {
			continue
		}
		if strings.Contains(origin, "*") {
			if strings.Count(origin, "*") > 1 || !strings.HasSuffix(origin, "*") {
				return fmt.Errorf("server.websocket.allowed_origins wildcard must be a single trailing *: %q", origin)
			}
			trimmed := strings.TrimSuffix(origin, "*")
			if trimmed == "" {
				return fmt.Errorf("server.websocket.allowed_origins wildcard prefix cannot be empty")
			}
			continue
		}
		if _, err := url.ParseRequestURI(origin); err != nil {
			return fmt.Errorf("server.websocket.allowed_origins contains invalid origin %q: %w", origin, err)
		}
	}

	for _, cidr := range c.Server.TrustedProxyCIDRs {
		trimmed := strings.TrimSpace(cidr)
		if trimmed == "" {
			continue
		}
		if ip := net.ParseIP(trimmed); ip != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(trimmed); err != nil {
			return fmt.Errorf("server.trusted_proxy_cidrs contains invalid CIDR or IP %q: %w", trimmed, err)
		}
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8088
	}
	if len(c.Server.WebSocket.AllowedOrigins) == 0 {
		c.Server.WebSocket.AllowedOrigins = []string{"null"}
	}
	if c.Server.WebSocket.MaxUnauthenticatedPerIP == 0 {
		c.Server.WebSocket.MaxUnauthenticatedPerIP = 20
	}
	if c.Server.WebSocket.MaxUnauthenticatedGlobal == 0 {
		c.Server.WebSocket.MaxUnauthenticatedGlobal = 200
	}
	if c.Server.WebSocket.UnauthenticatedTimeout == 0 {
		c.Server.WebSocket.UnauthenticatedTimeout = 10 * time.Second
	}

	if c.Keepalive.Interval == 0 {
		c.Keepalive.Interval = 3 * time.Second
	}
	if c.Keepalive.Timeout == 0 {
		c.Keepalive.Timeout = 10 * time.Second
	}
	if c.Keepalive.SlowThreshold == 0 {
		c.Keepalive.SlowThreshold = 3 * time.Second
	}
	if c.Keepalive.MaxRetries == 0 {
		c.Keepalive.MaxRetries = 3
	}

	if c.Failover.BackoffPerPoint == 0 {
		c.Failover.BackoffPerPoint = 10 * time.Millisecond
	}
	if c.Failover.MaxBackoff == 0 {
		c.Failover.MaxBackoff = 2 * time.Second
	}
	if c.Failover.ClaimTimeout == 0 {
		c.Failover.ClaimTimeout = 500 * time.Millisecond
	}
	if c.Failover.OfflineThreshold == 0 {
		c.Failover.OfflineThreshold = 2
	}

	if c.Election.Interval == 0 {
		c.Election.Interval = 5 * time.Second
	}

	if c.TURN.TTL == 0 {
		c.TURN.TTL = 6 * time.Hour
	}

	if c.Bridge.BotTokenTTL == 0 {
		c.Bridge.BotTokenTTL = time.Hour
	}
}

// Addr returns the host:port the signaling/status HTTP server should bind.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
