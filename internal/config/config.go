// ABOUTME: Configuration loading and parsing for coven-inbox
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config path.
const EnvConfigPath = "COVEN_INBOX_CONFIG"

// Config represents the complete coven-inbox configuration
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Tailscale  TailscaleConfig `yaml:"tailscale"`
	Database   DatabaseConfig  `yaml:"database"`
	Redis      RedisConfig     `yaml:"redis"`
	Auth       AuthConfig      `yaml:"auth"`
	Webhooks   WebhooksConfig  `yaml:"webhooks"`
	Channels   []ChannelTarget `yaml:"channels"`
	RateLimits map[string]int  `yaml:"rate_limits"`
	Breaker    BreakerConfig   `yaml:"breaker"`
	Cache      CacheConfig     `yaml:"cache"`
	Providers  ProvidersConfig `yaml:"providers"`
	Notify     NotifyConfig    `yaml:"notify"`
	Snooze     SnoozeConfig    `yaml:"snooze"`
	Logging    LoggingConfig   `yaml:"logging"`
	Metrics    MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig points at the shared store backing the send rate limiter.
// An empty Addr keeps rate limiting in process.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// WebhooksConfig guards the inbound webhook endpoints
type WebhooksConfig struct {
	// Secret, when set, must match the X-Webhook-Secret header
	Secret string `yaml:"secret"`
	// RatePerSecond and Burst bound requests per source address
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// ChannelTarget seeds one channel target at startup
type ChannelTarget struct {
	ID          string         `yaml:"id"`
	ChannelType string         `yaml:"channel_type"`
	Name        string         `yaml:"name"`
	Address     string         `yaml:"address"`
	IsDefault   bool           `yaml:"default"`
	AuthConfig  map[string]any `yaml:"auth"`
	Metadata    map[string]any `yaml:"metadata"`
}

// BreakerConfig configures the per-provider circuit breakers
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"-"`

	RecoveryTimeoutRaw string `yaml:"recovery_timeout"`
}

// CacheConfig sizes the in-process caches
type CacheConfig struct {
	DedupeTTL     time.Duration `yaml:"-"`
	DedupeMaxSize int           `yaml:"dedupe_max_size"`
	InboxTTL      time.Duration `yaml:"-"`
	InboxMaxSize  int           `yaml:"inbox_max_size"`

	// Raw string values for YAML unmarshaling
	DedupeTTLRaw string `yaml:"dedupe_ttl"`
	InboxTTLRaw  string `yaml:"inbox_ttl"`
}

// ProvidersConfig holds outbound provider configuration
type ProvidersConfig struct {
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	SMTP     SMTPConfig     `yaml:"smtp"`
}

// WhatsAppConfig points at the WhatsApp websocket bridge
type WhatsAppConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BridgeURL string `yaml:"bridge_url"`
	TargetID  string `yaml:"target_id"`
}

// SMTPConfig holds default SMTP settings; targets may override them
type SMTPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// NotifyConfig holds agent notification destinations
type NotifyConfig struct {
	Matrix MatrixConfig `yaml:"matrix"`
	Slack  SlackConfig  `yaml:"slack"`
}

// MatrixConfig holds Matrix notification configuration
type MatrixConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Homeserver  string            `yaml:"homeserver"`
	UserID      string            `yaml:"user_id"`
	AccessToken string            `yaml:"access_token"`
	Rooms       map[string]string `yaml:"rooms"` // agent id -> room id
	DefaultRoom string            `yaml:"default_room"`
}

// SlackConfig holds Slack notification configuration
type SlackConfig struct {
	Enabled        bool              `yaml:"enabled"`
	BotToken       string            `yaml:"bot_token"`
	Channels       map[string]string `yaml:"channels"` // agent id -> channel id
	DefaultChannel string            `yaml:"default_channel"`
}

// SnoozeConfig sets how often snoozed conversations are checked
type SnoozeConfig struct {
	Schedule string `yaml:"schedule"` // cron expression
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// DefaultPath returns the config path: $COVEN_INBOX_CONFIG if set, else
// $XDG_CONFIG_HOME/coven-inbox/config.yaml, else ~/.config/coven-inbox/config.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "coven-inbox", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "coven-inbox", "config.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML, applying defaults and validation.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarRe.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.RecoveryTimeout == 0 {
		c.Breaker.RecoveryTimeout = 30 * time.Second
	}
	if c.Cache.DedupeTTL == 0 {
		c.Cache.DedupeTTL = 10 * time.Minute
	}
	if c.Cache.DedupeMaxSize == 0 {
		c.Cache.DedupeMaxSize = 10000
	}
	if c.Cache.InboxTTL == 0 {
		c.Cache.InboxTTL = 5 * time.Second
	}
	if c.Cache.InboxMaxSize == 0 {
		c.Cache.InboxMaxSize = 256
	}
	if c.Webhooks.RatePerSecond == 0 {
		c.Webhooks.RatePerSecond = 50
	}
	if c.Webhooks.Burst == 0 {
		c.Webhooks.Burst = 100
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "coven_inbox"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Snooze.Schedule == "" {
		c.Snooze.Schedule = "* * * * *"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 bytes")
	}

	defaults := make(map[string]bool)
	seen := make(map[string]bool)
	for i, ch := range c.Channels {
		if ch.ID == "" {
			return fmt.Errorf("channels[%d].id is required", i)
		}
		if seen[ch.ID] {
			return fmt.Errorf("channels[%d]: duplicate id %q", i, ch.ID)
		}
		seen[ch.ID] = true
		if ch.ChannelType != "email" && ch.ChannelType != "whatsapp" {
			return fmt.Errorf("channels[%d].channel_type must be email or whatsapp, got %q", i, ch.ChannelType)
		}
		if ch.IsDefault {
			if defaults[ch.ChannelType] {
				return fmt.Errorf("channels[%d]: more than one default %s target", i, ch.ChannelType)
			}
			defaults[ch.ChannelType] = true
		}
	}

	for channel, limit := range c.RateLimits {
		if limit < 0 {
			return fmt.Errorf("rate_limits.%s must not be negative", channel)
		}
	}

	if c.Providers.WhatsApp.Enabled && c.Providers.WhatsApp.BridgeURL == "" {
		return errors.New("providers.whatsapp.bridge_url is required when whatsapp is enabled")
	}
	if c.Providers.SMTP.Enabled && c.Providers.SMTP.Host == "" {
		return errors.New("providers.smtp.host is required when smtp is enabled")
	}
	if c.Notify.Matrix.Enabled && (c.Notify.Matrix.Homeserver == "" || c.Notify.Matrix.AccessToken == "") {
		return errors.New("notify.matrix.homeserver and access_token are required when matrix is enabled")
	}
	if c.Notify.Slack.Enabled && c.Notify.Slack.BotToken == "" {
		return errors.New("notify.slack.bot_token is required when slack is enabled")
	}
	if !gronx.IsValid(c.Snooze.Schedule) {
		return fmt.Errorf("snooze.schedule %q is not a valid cron expression", c.Snooze.Schedule)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"breaker.recovery_timeout", cfg.Breaker.RecoveryTimeoutRaw, &cfg.Breaker.RecoveryTimeout},
		{"cache.dedupe_ttl", cfg.Cache.DedupeTTLRaw, &cfg.Cache.DedupeTTL},
		{"cache.inbox_ttl", cfg.Cache.InboxTTLRaw, &cfg.Cache.InboxTTL},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = v
	}
	return nil
}
