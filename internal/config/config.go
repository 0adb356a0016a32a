package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port               int      `mapstructure:"port"`
	DatabaseDriver     string   `mapstructure:"database_driver"` // sqlite | postgres
	DatabaseDSN        string   `mapstructure:"database_dsn"`
	LogLevel           string   `mapstructure:"log_level"`
	LogJSON            bool     `mapstructure:"log_json"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	APIKey             string   `mapstructure:"api_key"`              // Bearer key the chat/HTTP glue must present; empty = open (dev only)
	APIKeyHash         string   `mapstructure:"api_key_hash"`         // bcrypt hash of the glue key (cmd/keygen); checked in addition to api_key
	RequestTimeoutSec  int      `mapstructure:"request_timeout_sec"`  // HTTP read/write; 0 = use server default
	ShutdownTimeoutSec int      `mapstructure:"shutdown_timeout_sec"` // Graceful shutdown wait

	// Audit trail mirror
	AuditLogPath       string `mapstructure:"audit_log_path"` // empty = stderr
	AuditLogMaxSizeMB  int    `mapstructure:"audit_log_max_size_mb"`
	AuditLogMaxBackups int    `mapstructure:"audit_log_max_backups"`
	AuditLogMaxAgeDays int    `mapstructure:"audit_log_max_age_days"`

	// Secrets at rest and identity hashing
	EncryptionKey    string `mapstructure:"encryption_key"` // base64, 32 bytes
	EncryptionCipher string `mapstructure:"encryption_cipher"`
	IdentitySalt     string `mapstructure:"identity_salt"`

	// OTP
	OTPLength      int    `mapstructure:"otp_length"`
	OTPTTLSec      int    `mapstructure:"otp_ttl_sec"`
	OTPMaxAttempts int    `mapstructure:"otp_max_attempts"`
	OTPPepper      string `mapstructure:"otp_pepper"`
	OTPWebhookURL  string `mapstructure:"otp_webhook_url"` // empty = codes written to stderr (dev only)

	// Ephemeral credentials and exec
	TokenTTLSec            int     `mapstructure:"token_ttl_sec"`
	TokenAudience          string  `mapstructure:"token_audience"`
	DefaultShell           string  `mapstructure:"default_shell"`
	ExecTimeoutSec         int     `mapstructure:"exec_timeout_sec"`
	ExecMaxOutputBytes     int     `mapstructure:"exec_max_output_bytes"`
	CommandsPerMinute      int     `mapstructure:"commands_per_minute"`
	CommandCaseInsensitive bool    `mapstructure:"command_case_insensitive"`
	PolicyPath             string  `mapstructure:"policy_path"`
	K8sTimeoutSec          int     `mapstructure:"k8s_timeout_sec"`        // Timeout for outbound K8s API calls; 0 = default
	K8sRateLimitPerSec     float64 `mapstructure:"k8s_rate_limit_per_sec"` // Token bucket rate per cluster (req/s); 0 = no limit
	K8sRateLimitBurst      int     `mapstructure:"k8s_rate_limit_burst"`   // Token bucket burst per cluster; 0 = no limit

	// Recording
	RecordingEnabled            bool `mapstructure:"recording_enabled"`
	RecordingMaxFrameBytes      int  `mapstructure:"recording_max_frame_bytes"`
	RecordingRetentionDays      int  `mapstructure:"recording_retention_days"`
	RecordingCleanupIntervalSec int  `mapstructure:"recording_cleanup_interval_sec"`
	TerminalWidth               int  `mapstructure:"terminal_width"`
	TerminalHeight              int  `mapstructure:"terminal_height"`

	// Tracing
	TracingEndpoint     string  `mapstructure:"tracing_endpoint"` // OTLP endpoint; empty = disabled
	TracingSamplingRate float64 `mapstructure:"tracing_sampling_rate"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/kubilitics-shellgate/")
	v.AddConfigPath("$HOME/.kubilitics-shellgate")
	v.AddConfigPath(".")

	// Defaults
	v.SetDefault("port", 8090)
	v.SetDefault("database_driver", "sqlite")
	v.SetDefault("database_dsn", "./shellgate.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("api_key", "")
	v.SetDefault("api_key_hash", "")
	v.SetDefault("request_timeout_sec", 30)
	v.SetDefault("shutdown_timeout_sec", 15)
	v.SetDefault("audit_log_path", "")
	v.SetDefault("audit_log_max_size_mb", 100)
	v.SetDefault("audit_log_max_backups", 10)
	v.SetDefault("audit_log_max_age_days", 90)
	v.SetDefault("encryption_key", "")
	v.SetDefault("encryption_cipher", "aes-256-gcm")
	v.SetDefault("identity_salt", "")
	v.SetDefault("otp_length", 6)
	v.SetDefault("otp_ttl_sec", 300)
	v.SetDefault("otp_max_attempts", 5)
	v.SetDefault("otp_pepper", "")
	v.SetDefault("otp_webhook_url", "")
	v.SetDefault("token_ttl_sec", 600)
	v.SetDefault("token_audience", "kubilitics-shellgate")
	v.SetDefault("default_shell", "/bin/sh")
	v.SetDefault("exec_timeout_sec", 30)
	v.SetDefault("exec_max_output_bytes", 256*1024)
	v.SetDefault("commands_per_minute", 30)
	v.SetDefault("command_case_insensitive", false)
	v.SetDefault("policy_path", "")
	v.SetDefault("k8s_timeout_sec", 30)
	v.SetDefault("k8s_rate_limit_per_sec", 0) // 0 = disabled
	v.SetDefault("k8s_rate_limit_burst", 0)
	v.SetDefault("recording_enabled", true)
	v.SetDefault("recording_max_frame_bytes", 1<<20)
	v.SetDefault("recording_retention_days", 90)
	v.SetDefault("recording_cleanup_interval_sec", 3600)
	v.SetDefault("terminal_width", 120)
	v.SetDefault("terminal_height", 40)
	v.SetDefault("tracing_endpoint", "")
	v.SetDefault("tracing_sampling_rate", 1.0)

	// Environment variables
	v.SetEnvPrefix("SHELLGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; using defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate rejects configurations the server cannot safely start with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database_driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database_dsn is required")
	}
	key, err := base64.StdEncoding.DecodeString(c.EncryptionKey)
	if err != nil || len(key) != 32 {
		return fmt.Errorf("encryption_key must be 32 bytes, base64 encoded")
	}
	switch c.EncryptionCipher {
	case "aes-256-gcm", "xchacha20-poly1305":
	default:
		return fmt.Errorf("encryption_cipher must be aes-256-gcm or xchacha20-poly1305, got %q", c.EncryptionCipher)
	}
	if c.IdentitySalt == "" {
		return fmt.Errorf("identity_salt is required")
	}
	if c.OTPLength < 4 || c.OTPLength > 9 {
		return fmt.Errorf("otp_length must be between 4 and 9")
	}
	if c.OTPTTLSec <= 0 || c.OTPMaxAttempts <= 0 {
		return fmt.Errorf("otp_ttl_sec and otp_max_attempts must be positive")
	}
	if c.TokenTTLSec < 600 || c.TokenTTLSec > 86400 {
		// TokenRequest rejects expirations below 10 minutes.
		return fmt.Errorf("token_ttl_sec must be between 600 and 86400")
	}
	if c.TokenAudience == "" {
		return fmt.Errorf("token_audience is required")
	}
	if c.ExecTimeoutSec <= 0 || c.CommandsPerMinute <= 0 {
		return fmt.Errorf("exec_timeout_sec and commands_per_minute must be positive")
	}
	if c.RecordingMaxFrameBytes <= 0 || c.RecordingRetentionDays <= 0 {
		return fmt.Errorf("recording_max_frame_bytes and recording_retention_days must be positive")
	}
	if c.TracingSamplingRate < 0 || c.TracingSamplingRate > 1 {
		return fmt.Errorf("tracing_sampling_rate must be between 0 and 1")
	}
	return nil
}

func (c *Config) OTPTTL() time.Duration { return time.Duration(c.OTPTTLSec) * time.Second }
func (c *Config) TokenTTL() time.Duration { return time.Duration(c.TokenTTLSec) * time.Second }
func (c *Config) ExecTimeout() time.Duration { return time.Duration(c.ExecTimeoutSec) * time.Second }
func (c *Config) K8sTimeout() time.Duration { return time.Duration(c.K8sTimeoutSec) * time.Second }
func (c *Config) RecordingRetention() time.Duration {
	return time.Duration(c.RecordingRetentionDays) * 24 * time.Hour
}
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.RecordingCleanupIntervalSec) * time.Second
}
