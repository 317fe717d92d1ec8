// Package config loads the bridge configuration from an optional YAML file
// and environment variables, with environment variables taking precedence.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/shineum/mail2room/internal/delivery"
	"github.com/shineum/mail2room/internal/notify"
	"github.com/shineum/mail2room/internal/routing"
	"github.com/shineum/mail2room/internal/store"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Transports.
const (
	TransportMatrix = "matrix"
	TransportStdout = "stdout"
)

// Config holds the complete application configuration.
type Config struct {
	Mail      MailConfig    `yaml:"mail"`
	TLS       TLSConfig     `yaml:"tls"`
	Logging   LoggingConfig `yaml:"logging"`
	Transport string        `yaml:"transport"`
	Matrix    MatrixConfig  `yaml:"matrix"`
	Store     store.Config  `yaml:"store"`
	Notify    NotifyConfig  `yaml:"notify"`

	// Rooms are the routing rules in priority order.
	Rooms []routing.Rule `yaml:"rooms"`
}

// MailConfig holds SMTP listener configuration.
type MailConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
	MaxRecipients  int    `yaml:"max_recipients"`

	// LogLevel "debug" enables the SMTP protocol trace.
	LogLevel string `yaml:"log_level"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MatrixConfig holds homeserver credentials and delivery throttling.
type MatrixConfig struct {
	HomeserverURL string `yaml:"homeserver_url"`
	UserID        string `yaml:"user_id"`
	AccessToken   string `yaml:"access_token"`
	Password      string `yaml:"password"`

	DefaultWaitMs int         `yaml:"default_wait_ms"`
	MessageTries  int         `yaml:"message_tries"`
	FailedWaitMs  int         `yaml:"failed_wait_ms"`
	SendTimeoutMs int         `yaml:"send_timeout_ms"`
	Burst         BurstConfig `yaml:"burst"`
}

// BurstConfig controls the burst penalty of the delivery engine.
type BurstConfig struct {
	LengthMs         int `yaml:"length_ms"`
	MessageThreshold int `yaml:"message_threshold"`
	WaitMs           int `yaml:"wait_ms"`
}

// NotifyConfig holds operator alert configuration.
type NotifyConfig struct {
	SES notify.SESConfig `yaml:"ses"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	loadDotEnv()

	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	loadDotEnv()

	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// loadDotEnv reads a .env file into the environment in development, which is
// the default when MAIL2ROOM_ENV is unset. Existing variables are kept.
func loadDotEnv() {
	env := os.Getenv("MAIL2ROOM_ENV")
	if env != "" && env != "development" {
		return
	}
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env file", "error", err)
	}
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Store.Driver) {
	case store.DriverSQLite, store.DriverPostgres, store.DriverNone, "":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	switch c.Transport {
	case TransportMatrix, TransportStdout, "":
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}

	if c.Matrix.MessageTries <= 0 {
		return fmt.Errorf("matrix.message_tries must be positive, got %d", c.Matrix.MessageTries)
	}

	for i := range c.Rooms {
		if err := c.Rooms[i].Validate(); err != nil {
			return fmt.Errorf("rooms[%d]: %w", i, err)
		}
	}
	return nil
}

// MatrixConfigured returns true if a homeserver, user and either an access
// token or a password are set.
func (c *Config) MatrixConfigured() bool {
	return c.Matrix.HomeserverURL != "" &&
		c.Matrix.UserID != "" &&
		(c.Matrix.AccessToken != "" || c.Matrix.Password != "")
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.Mail.Username != "" && c.Mail.Password != ""
}

// DeliveryConfig converts the Matrix throttling values for the delivery engine.
func (c *Config) DeliveryConfig() delivery.Config {
	return delivery.Config{
		DefaultWait:    millis(c.Matrix.DefaultWaitMs),
		BurstLength:    millis(c.Matrix.Burst.LengthMs),
		BurstThreshold: c.Matrix.Burst.MessageThreshold,
		BurstPenalty:   millis(c.Matrix.Burst.WaitMs),
		MaxTries:       c.Matrix.MessageTries,
		FailedPenalty:  millis(c.Matrix.FailedWaitMs),
		SendTimeout:    millis(c.Matrix.SendTimeoutMs),
	}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Mail.Enabled = true
	c.Mail.Listen = ":2525"
	c.Mail.Hostname = "localhost"
	c.Mail.MaxMessageSize = defaultMaxMessageSize
	c.Mail.MaxRecipients = 100
	c.Mail.LogLevel = "info"
	c.Logging.Level = "info"

	c.Matrix.DefaultWaitMs = 10
	c.Matrix.MessageTries = 3
	c.Matrix.FailedWaitMs = 1000
	c.Matrix.SendTimeoutMs = 30000
	c.Matrix.Burst = BurstConfig{LengthMs: 1000, MessageThreshold: 10, WaitMs: 500}

	c.Store = store.Config{Driver: store.DriverSQLite, Path: "mail2room.db"}
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("MAIL_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Mail.Enabled = enabled
		}
	}
	if v := os.Getenv("MAIL_LISTEN"); v != "" {
		c.Mail.Listen = v
	}
	if v := os.Getenv("MAIL_HOSTNAME"); v != "" {
		c.Mail.Hostname = v
	}
	if v := os.Getenv("MAIL_USERNAME"); v != "" {
		c.Mail.Username = v
	}
	if v := os.Getenv("MAIL_PASSWORD"); v != "" {
		c.Mail.Password = v
	}
	if v := os.Getenv("MAIL_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Mail.MaxMessageSize = size
		}
	}
	envInt("MAIL_MAX_RECIPIENTS", &c.Mail.MaxRecipients)
	if v := os.Getenv("MAIL_LOG_LEVEL"); v != "" {
		c.Mail.LogLevel = strings.ToLower(v)
	}

	if v := os.Getenv("TRANSPORT"); v != "" {
		c.Transport = strings.ToLower(v)
	}

	if v := os.Getenv("MATRIX_HOMESERVER_URL"); v != "" {
		c.Matrix.HomeserverURL = v
	}
	if v := os.Getenv("MATRIX_USER_ID"); v != "" {
		c.Matrix.UserID = v
	}
	if v := os.Getenv("MATRIX_ACCESS_TOKEN"); v != "" {
		c.Matrix.AccessToken = v
	}
	if v := os.Getenv("MATRIX_PASSWORD"); v != "" {
		c.Matrix.Password = v
	}
	envInt("MATRIX_DEFAULT_WAIT_MS", &c.Matrix.DefaultWaitMs)
	envInt("MATRIX_MESSAGE_TRIES", &c.Matrix.MessageTries)
	envInt("MATRIX_FAILED_WAIT_MS", &c.Matrix.FailedWaitMs)
	envInt("MATRIX_SEND_TIMEOUT_MS", &c.Matrix.SendTimeoutMs)
	envInt("MATRIX_BURST_LENGTH_MS", &c.Matrix.Burst.LengthMs)
	envInt("MATRIX_BURST_MESSAGE_THRESHOLD", &c.Matrix.Burst.MessageThreshold)
	envInt("MATRIX_BURST_WAIT_MS", &c.Matrix.Burst.WaitMs)

	if v := os.Getenv("STORE_DRIVER"); v != "" {
		c.Store.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("STORE_URL"); v != "" {
		c.Store.URL = v
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.Notify.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.Notify.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.Notify.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.Notify.SES.Sender = v
	}
	if v := os.Getenv("SES_RECIPIENTS"); v != "" {
		c.Notify.SES.Recipients = splitList(v)
	}

	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// envInt sets *dst from the integer environment variable key. Unparseable
// values are ignored.
func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring invalid integer environment variable", "key", key, "value", v)
		return
	}
	*dst = n
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
