package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/MEKXH/ccapproval/internal/policy"
	"github.com/MEKXH/ccapproval/internal/session"
)

const envPrefix = "CCAPPROVAL"

// Supported platforms.
const (
	PlatformSlack    = "slack"
	PlatformTelegram = "telegram"
)

// Config root configuration
type Config struct {
	Platform    string            `mapstructure:"platform" yaml:"platform"`
	Slack       SlackConfig       `mapstructure:"slack" yaml:"slack"`
	Telegram    TelegramConfig    `mapstructure:"telegram" yaml:"telegram"`
	Approval    ApprovalConfig    `mapstructure:"approval" yaml:"approval"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage"`
	HTTP        HTTPConfig        `mapstructure:"http" yaml:"http"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry" yaml:"telemetry"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance" yaml:"maintenance"`
}

// SlackConfig Slack bot settings
type SlackConfig struct {
	BotToken  string   `mapstructure:"bot_token" yaml:"bot_token"`
	AppToken  string   `mapstructure:"app_token" yaml:"app_token"`
	Channel   string   `mapstructure:"channel" yaml:"channel"`
	Mention   string   `mapstructure:"mention" yaml:"mention"`
	AllowFrom []string `mapstructure:"allow_from" yaml:"allow_from"`
}

// TelegramConfig telegram bot settings
type TelegramConfig struct {
	Token     string   `mapstructure:"token" yaml:"token"`
	ChatID    int64    `mapstructure:"chat_id" yaml:"chat_id"`
	AllowFrom []string `mapstructure:"allow_from" yaml:"allow_from"`
}

// ApprovalConfig approval gate settings
type ApprovalConfig struct {
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Mode           string        `mapstructure:"mode" yaml:"mode"`
	DangerousTools []string      `mapstructure:"dangerous_tools" yaml:"dangerous_tools"`
	SessionID      string        `mapstructure:"session_id" yaml:"session_id"`
	WorkingDir     string        `mapstructure:"working_dir" yaml:"working_dir"`
}

// StorageConfig persisted state settings
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// HTTPConfig admin server settings
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Host    string `mapstructure:"host" yaml:"host"`
	Port    int    `mapstructure:"port" yaml:"port"`
	Token   string `mapstructure:"token" yaml:"token"`
}

// LogConfig application logging settings
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file"`
	Debug bool   `mapstructure:"-" yaml:"debug"`
}

// TelemetryConfig tracing settings
type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name" yaml:"service_name"`
}

// MaintenanceConfig background job settings
type MaintenanceConfig struct {
	PruneSchedule    string        `mapstructure:"prune_schedule" yaml:"prune_schedule"`
	SessionRetention time.Duration `mapstructure:"session_retention" yaml:"session_retention"`
}

// legacyEnv lists the unprefixed variable names accepted for each key.
var legacyEnv = map[string][]string{
	"slack.bot_token": {"SLACK_BOT_TOKEN"},
	"slack.app_token": {"SLACK_APP_TOKEN"},
	"slack.channel":   {"SLACK_CHANNEL", "SLACK_CHANNEL_NAME"},
	"slack.mention":   {"SLACK_MENTION"},
	"log.debug":       {"CCAPPROVAL_DEBUG"},
}

// DefaultConfig returns config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Platform: PlatformSlack,
		Slack: SlackConfig{
			AllowFrom: []string{},
		},
		Telegram: TelegramConfig{
			AllowFrom: []string{},
		},
		Approval: ApprovalConfig{
			Timeout:        12 * time.Hour,
			Mode:           string(policy.ModeDangerous),
			DangerousTools: append([]string(nil), policy.DefaultDangerousTools...),
		},
		Storage: StorageConfig{
			DataDir: session.DefaultDataDir(),
		},
		HTTP: HTTPConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    3210,
		},
		Log: LogConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "ccapproval",
		},
		Maintenance: MaintenanceConfig{
			PruneSchedule:    "@every 1h",
			SessionRetention: 30 * 24 * time.Hour,
		},
	}
}

// ConfigDir returns the ccapproval config directory
func ConfigDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".ccapproval")
}

// ConfigPath returns the default config file path
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// Load reads the config and validates it.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Read builds the config from defaults, the optional config file and the
// environment without validating it. An empty path means ConfigPath(); a
// missing default file is not an error.
func Read(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = ConfigPath()
	}

	v := viper.New()
	setDefaults(v, cfg)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, prefixed}, names...)...); err != nil {
			return cfg, fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	if err := v.BindEnv("approval.timeout_ms", "APPROVAL_TIMEOUT_MS"); err != nil {
		return cfg, fmt.Errorf("bind env approval.timeout_ms: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if explicit {
		return cfg, fmt.Errorf("config file %s: %w", path, err)
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.MatchName = func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		}
	}); err != nil {
		return cfg, err
	}

	if raw := strings.TrimSpace(v.GetString("approval.timeout_ms")); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("APPROVAL_TIMEOUT_MS must be an integer, got %q", raw)
		}
		cfg.Approval.Timeout = time.Duration(ms) * time.Millisecond
	}
	cfg.Log.Debug = parseFlag(v.GetString("log.debug"))
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("platform", cfg.Platform)
	v.SetDefault("slack.bot_token", "")
	v.SetDefault("slack.app_token", "")
	v.SetDefault("slack.channel", "")
	v.SetDefault("slack.mention", "")
	v.SetDefault("slack.allow_from", cfg.Slack.AllowFrom)
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.chat_id", 0)
	v.SetDefault("telegram.allow_from", cfg.Telegram.AllowFrom)
	v.SetDefault("approval.timeout", cfg.Approval.Timeout)
	v.SetDefault("approval.mode", cfg.Approval.Mode)
	v.SetDefault("approval.dangerous_tools", cfg.Approval.DangerousTools)
	v.SetDefault("approval.session_id", "")
	v.SetDefault("approval.working_dir", "")
	v.SetDefault("storage.data_dir", cfg.Storage.DataDir)
	v.SetDefault("http.enabled", cfg.HTTP.Enabled)
	v.SetDefault("http.host", cfg.HTTP.Host)
	v.SetDefault("http.port", cfg.HTTP.Port)
	v.SetDefault("http.token", "")
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.file", "")
	v.SetDefault("log.debug", "")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.service_name", cfg.Telemetry.ServiceName)
	v.SetDefault("maintenance.prune_schedule", cfg.Maintenance.PruneSchedule)
	v.SetDefault("maintenance.session_retention", cfg.Maintenance.SessionRetention)
}

func normalizeKey(input string) string {
	input = strings.ReplaceAll(input, "_", "")
	input = strings.ReplaceAll(input, "-", "")
	return strings.ToLower(input)
}

// parseFlag treats any non-empty value other than an explicit false as set.
func parseFlag(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return true
}

// Validate checks required settings and fills derived defaults.
func (c *Config) Validate() error {
	c.Platform = strings.ToLower(strings.TrimSpace(c.Platform))
	switch c.Platform {
	case "":
		c.Platform = PlatformSlack
		fallthrough
	case PlatformSlack:
		if strings.TrimSpace(c.Slack.BotToken) == "" {
			return fmt.Errorf("slack.bot_token (SLACK_BOT_TOKEN) is required")
		}
		if strings.TrimSpace(c.Slack.AppToken) == "" {
			return fmt.Errorf("slack.app_token (SLACK_APP_TOKEN) is required")
		}
		if strings.TrimSpace(c.Slack.Channel) == "" {
			return fmt.Errorf("slack.channel (SLACK_CHANNEL) is required")
		}
	case PlatformTelegram:
		if strings.TrimSpace(c.Telegram.Token) == "" {
			return fmt.Errorf("telegram.token is required")
		}
		if c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram.chat_id is required")
		}
	default:
		return fmt.Errorf("platform must be one of slack, telegram; got %q", c.Platform)
	}

	if c.Approval.Timeout <= 0 {
		return fmt.Errorf("approval.timeout must be > 0, got %s", c.Approval.Timeout)
	}
	mode, err := policy.ParseMode(c.Approval.Mode)
	if err != nil {
		return fmt.Errorf("approval.mode: %w", err)
	}
	c.Approval.Mode = string(mode)
	for _, pattern := range c.Approval.DangerousTools {
		if !doublestar.ValidatePattern(strings.TrimSpace(pattern)) {
			return fmt.Errorf("approval.dangerous_tools contains invalid pattern %q", pattern)
		}
	}
	if strings.TrimSpace(c.Approval.SessionID) == "" {
		c.Approval.SessionID = uuid.NewString()
	}

	if strings.TrimSpace(c.Storage.DataDir) == "" {
		c.Storage.DataDir = session.DefaultDataDir()
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.HTTP.Enabled && strings.TrimSpace(c.HTTP.Token) == "" {
		return fmt.Errorf("http.token is required when http.enabled is true")
	}

	level := strings.ToLower(strings.TrimSpace(c.Log.Level))
	if level == "" {
		c.Log.Level = "info"
	} else {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[level] {
			return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
		}
		c.Log.Level = level
	}
	if c.Log.Debug {
		c.Log.Level = "debug"
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = "ccapproval"
	}
	if c.Maintenance.SessionRetention < 0 {
		return fmt.Errorf("maintenance.session_retention must not be negative, got %s", c.Maintenance.SessionRetention)
	}

	return nil
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() Config {
	out := *c
	out.Slack.BotToken = mask(out.Slack.BotToken)
	out.Slack.AppToken = mask(out.Slack.AppToken)
	out.Telegram.Token = mask(out.Telegram.Token)
	out.HTTP.Token = mask(out.HTTP.Token)
	return out
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****"
}
