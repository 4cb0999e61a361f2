package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/satriahrh/l2dbridge/internal/auth"
)

const (
	EnvPrefix          = "L2D"
	configName         = "l2dbridge"
	minCleanupInterval = 10
)

type Config struct {
	WSHost string `mapstructure:"ws_host"`
	WSPort int    `mapstructure:"ws_port"`
	WSPath string `mapstructure:"ws_path"`

	AuthToken      string `mapstructure:"auth_token"`
	TokenFile      string `mapstructure:"token_file"`
	MaxConnections int    `mapstructure:"max_connections"`
	KickOld        bool   `mapstructure:"kick_old"`

	HandshakeTimeoutSeconds int `mapstructure:"handshake_timeout_seconds"`
	HeartbeatTimeoutSeconds int `mapstructure:"heartbeat_timeout_seconds"`
	RequestTimeoutSeconds   int `mapstructure:"request_timeout_seconds"`
	MaxFrameBytes           int `mapstructure:"max_frame_bytes"`
	MaxViolations           int `mapstructure:"max_violations"`

	MaxMessageLength    int    `mapstructure:"max_message_length"`
	EnableTTS           bool   `mapstructure:"enable_tts"`
	TTSMode             string `mapstructure:"tts_mode"`
	TTSVoice            string `mapstructure:"tts_voice"`
	EnableStreaming     bool   `mapstructure:"enable_streaming"`
	EnableAutoMotion    bool   `mapstructure:"enable_auto_motion"`
	StreamMaxChunkRunes int    `mapstructure:"stream_max_chunk_runes"`

	ResourceEnabled        bool   `mapstructure:"resource_enabled"`
	ResourceHost           string `mapstructure:"resource_host"`
	ResourcePort           int    `mapstructure:"resource_port"`
	ResourcePath           string `mapstructure:"resource_path"`
	ResourceDir            string `mapstructure:"resource_dir"`
	ResourceBaseURL        string `mapstructure:"resource_base_url"`
	ResourceToken          string `mapstructure:"resource_token"`
	ResourceMaxInlineBytes int64  `mapstructure:"resource_max_inline_bytes"`
	ResourceMaxBytes       int64  `mapstructure:"resource_max_bytes"`
	ResourceTTLSeconds     int    `mapstructure:"resource_ttl_seconds"`
	ResourceMaxTotalBytes  int64  `mapstructure:"resource_max_total_bytes"`
	ResourceMaxFiles       int    `mapstructure:"resource_max_files"`
	ResourceProtectSeconds int    `mapstructure:"resource_protect_seconds"`
	ResourceLinkTTLSeconds int    `mapstructure:"resource_link_ttl_seconds"`
	ResourceUploadSlots    int    `mapstructure:"resource_upload_slots"`

	BlobBackend string `mapstructure:"blob_backend"`
	S3Bucket    string `mapstructure:"s3_bucket"`
	S3Region    string `mapstructure:"s3_region"`
	S3Endpoint  string `mapstructure:"s3_endpoint"`
	S3Prefix    string `mapstructure:"s3_prefix"`
	S3AccessKey string `mapstructure:"s3_access_key"`
	S3SecretKey string `mapstructure:"s3_secret_key"`
	S3PathStyle bool   `mapstructure:"s3_path_style"`

	TempDir            string `mapstructure:"temp_dir"`
	TempTTLSeconds     int    `mapstructure:"temp_ttl_seconds"`
	TempMaxTotalBytes  int64  `mapstructure:"temp_max_total_bytes"`
	TempMaxFiles       int    `mapstructure:"temp_max_files"`
	TempProtectSeconds int    `mapstructure:"temp_protect_seconds"`

	CleanupIntervalSeconds int `mapstructure:"cleanup_interval_seconds"`

	HostMode              string `mapstructure:"host_mode"`
	WebhookURL            string `mapstructure:"webhook_url"`
	WebhookToken          string `mapstructure:"webhook_token"`
	WebhookTimeoutSeconds int    `mapstructure:"webhook_timeout_seconds"`

	AdminEnabled bool `mapstructure:"admin_enabled"`

	TraceEnabled     bool    `mapstructure:"trace_enabled"`
	TraceSampleRatio float64 `mapstructure:"trace_sample_ratio"`

	LogLevel       string `mapstructure:"log_level"`
	LogDevelopment bool   `mapstructure:"log_development"`

	// TokenGenerated is set when Load had to create the auth token.
	TokenGenerated bool `mapstructure:"-"`
}

var defaults = map[string]interface{}{
	"ws_host":                   "0.0.0.0",
	"ws_port":                   9090,
	"ws_path":                   "/astrbot/live2d",
	"auth_token":                "",
	"token_file":                "live2d_data/auth_token",
	"max_connections":           1,
	"kick_old":                  true,
	"handshake_timeout_seconds": 10,
	"heartbeat_timeout_seconds": 90,
	"request_timeout_seconds":   15,
	"max_frame_bytes":           2 << 20,
	"max_violations":            5,
	"max_message_length":        5000,
	"enable_tts":                false,
	"tts_mode":                  "local",
	"tts_voice":                 "zh-CN-XiaoxiaoNeural",
	"enable_streaming":          true,
	"enable_auto_motion":        true,
	"stream_max_chunk_runes":    120,
	"resource_enabled":          true,
	"resource_host":             "0.0.0.0",
	"resource_port":             9091,
	"resource_path":             "/resources",
	"resource_dir":              "live2d_resources",
	"resource_base_url":         "",
	"resource_token":            "",
	"resource_max_inline_bytes": 256 * 1024,
	"resource_max_bytes":        0,
	"resource_ttl_seconds":      7 * 24 * 3600,
	"resource_max_total_bytes":  1 << 30,
	"resource_max_files":        2000,
	"resource_protect_seconds":  30,
	"resource_link_ttl_seconds": 3600,
	"resource_upload_slots":     4,
	"blob_backend":              "disk",
	"s3_bucket":                 "",
	"s3_region":                 "us-east-1",
	"s3_endpoint":               "",
	"s3_prefix":                 "l2dbridge/",
	"s3_access_key":             "",
	"s3_secret_key":             "",
	"s3_path_style":             false,
	"temp_dir":                  "live2d_temp",
	"temp_ttl_seconds":          6 * 3600,
	"temp_max_total_bytes":      256 << 20,
	"temp_max_files":            5000,
	"temp_protect_seconds":      30,
	"cleanup_interval_seconds":  600,
	"host_mode":                 "loopback",
	"webhook_url":               "",
	"webhook_token":             "",
	"webhook_timeout_seconds":   60,
	"admin_enabled":             true,
	"trace_enabled":             false,
	"trace_sample_ratio":        1.0,
	"log_level":                 "info",
	"log_development":           false,
}

// New returns a viper instance carrying the defaults and the L2D_ environment
// binding.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	return v
}

// Load reads .env, the optional config file and the environment. An empty path
// looks for l2dbridge.{yaml,json,toml} in the working directory.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // .env is optional

	v := New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper decodes, normalises and validates the configuration held by v, and
// makes sure an auth token exists.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	token, generated, err := auth.EnsureToken(cfg.TokenFile, cfg.AuthToken)
	if err != nil {
		return nil, err
	}
	cfg.AuthToken = token
	cfg.TokenGenerated = generated

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize fills derived values and clamps out-of-range ones.
func (c *Config) Normalize() {
	c.WSPath = normalizePath(c.WSPath, "/astrbot/live2d")
	c.ResourcePath = normalizePath(c.ResourcePath, "/resources")

	if c.CleanupIntervalSeconds < minCleanupInterval {
		c.CleanupIntervalSeconds = minCleanupInterval
	}
	if c.ResourceToken == "" {
		c.ResourceToken = c.AuthToken
	}
	if c.ResourceMaxBytes <= 0 || c.ResourceMaxBytes > c.ResourceMaxTotalBytes {
		c.ResourceMaxBytes = c.ResourceMaxTotalBytes
	}
	if c.ResourceBaseURL == "" {
		c.ResourceBaseURL = "http://" + net.JoinHostPort(publicHost(c.ResourceHost), strconv.Itoa(c.ResourcePort))
	}
	c.ResourceBaseURL = strings.TrimRight(c.ResourceBaseURL, "/")
	c.TTSMode = strings.ToLower(strings.TrimSpace(c.TTSMode))
	c.HostMode = strings.ToLower(strings.TrimSpace(c.HostMode))
	c.BlobBackend = strings.ToLower(strings.TrimSpace(c.BlobBackend))
}

func normalizePath(p, fallback string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return fallback
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

// publicHost maps wildcard listen addresses to loopback so generated URLs are
// reachable by a client on the same machine.
func publicHost(host string) string {
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		return "127.0.0.1"
	}
	return host
}

func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(validPort(c.WSPort), "ws_port %d out of range", c.WSPort)
	check(c.MaxConnections >= 1, "max_connections must be at least 1")
	check(c.HandshakeTimeoutSeconds > 0, "handshake_timeout_seconds must be positive")
	check(c.HeartbeatTimeoutSeconds > 0, "heartbeat_timeout_seconds must be positive")
	check(c.RequestTimeoutSeconds > 0, "request_timeout_seconds must be positive")
	check(c.MaxFrameBytes > 0, "max_frame_bytes must be positive")
	check(c.MaxViolations > 0, "max_violations must be positive")
	check(c.MaxMessageLength > 0, "max_message_length must be positive")
	check(c.StreamMaxChunkRunes > 0, "stream_max_chunk_runes must be positive")
	check(c.TTSMode == "local" || c.TTSMode == "remote", "tts_mode %q must be local or remote", c.TTSMode)

	if c.ResourceEnabled {
		check(validPort(c.ResourcePort), "resource_port %d out of range", c.ResourcePort)
		check(c.ResourcePort != c.WSPort || c.ResourceHost != c.WSHost, "resource listener must not share the websocket address")
		check(c.ResourceMaxInlineBytes > 0, "resource_max_inline_bytes must be positive")
		check(c.ResourceMaxTotalBytes > 0, "resource_max_total_bytes must be positive")
		check(c.ResourceMaxFiles > 0, "resource_max_files must be positive")
		check(c.ResourceTTLSeconds > 0, "resource_ttl_seconds must be positive")
		check(c.ResourceUploadSlots > 0, "resource_upload_slots must be positive")
	}

	switch c.BlobBackend {
	case "disk":
		check(c.ResourceDir != "", "resource_dir is required for the disk backend")
	case "s3":
		check(c.S3Bucket != "", "s3_bucket is required for the s3 backend")
	default:
		check(false, "blob_backend %q must be disk or s3", c.BlobBackend)
	}

	switch c.HostMode {
	case "loopback":
	case "webhook":
		check(c.WebhookURL != "", "webhook_url is required in webhook mode")
	default:
		check(false, "host_mode %q must be loopback or webhook", c.HostMode)
	}

	check(c.TempDir != "", "temp_dir is required")
	if c.TraceEnabled {
		check(c.TraceSampleRatio >= 0 && c.TraceSampleRatio <= 1, "trace_sample_ratio %v must be within [0, 1]", c.TraceSampleRatio)
	}
	return errors.Join(errs...)
}

func validPort(p int) bool { return p > 0 && p < 65536 }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c *Config) WSAddr() string       { return net.JoinHostPort(c.WSHost, strconv.Itoa(c.WSPort)) }
func (c *Config) ResourceAddr() string { return net.JoinHostPort(c.ResourceHost, strconv.Itoa(c.ResourcePort)) }

func (c *Config) HandshakeTimeout() time.Duration { return seconds(c.HandshakeTimeoutSeconds) }
func (c *Config) HeartbeatTimeout() time.Duration { return seconds(c.HeartbeatTimeoutSeconds) }
func (c *Config) RequestTimeout() time.Duration   { return seconds(c.RequestTimeoutSeconds) }
func (c *Config) ResourceTTL() time.Duration      { return seconds(c.ResourceTTLSeconds) }
func (c *Config) ResourceProtect() time.Duration  { return seconds(c.ResourceProtectSeconds) }
func (c *Config) ResourceLinkTTL() time.Duration  { return seconds(c.ResourceLinkTTLSeconds) }
func (c *Config) TempTTL() time.Duration          { return seconds(c.TempTTLSeconds) }
func (c *Config) TempProtect() time.Duration      { return seconds(c.TempProtectSeconds) }
func (c *Config) CleanupInterval() time.Duration  { return seconds(c.CleanupIntervalSeconds) }
func (c *Config) WebhookTimeout() time.Duration   { return seconds(c.WebhookTimeoutSeconds) }
