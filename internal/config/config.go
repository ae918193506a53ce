package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// MetaPlatform holds the credentials for one Meta-operated platform
// (Facebook Messenger or WhatsApp Business Cloud).
type MetaPlatform struct {
	AppSecret   string `yaml:"app_secret"`   // HMAC key for X-Hub-Signature-256
	VerifyToken string `yaml:"verify_token"` // hub.verify_token for the subscription handshake
	AccessToken string `yaml:"access_token"` // bearer token for Graph API profile lookups
}

// LinePlatform holds the credentials for a LINE Messaging API channel.
type LinePlatform struct {
	ChannelSecret string `yaml:"channel_secret"` // HMAC key for X-Line-Signature
	ChannelToken  string `yaml:"channel_token"`  // bearer token for profile lookups
}

type Database struct {
	Driver string `yaml:"driver"` // "sqlite3" or "postgres"
	DSN    string `yaml:"dsn"`
}

type Redis struct {
	Addr     string `yaml:"addr"` // empty: use the in-process idempotency guard
	Password string `yaml:"password"`
}

type Log struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

type Config struct {
	ListenAddr     string   `yaml:"listen_addr"`
	Database       Database `yaml:"database"`
	Redis          Redis    `yaml:"redis"`
	Log            Log      `yaml:"log"`
	RetentionHours int      `yaml:"retention_hours"` // processed-event retention window
	MaxInFlight    int      `yaml:"max_in_flight"`   // per-platform concurrent webhook limit

	Facebook MetaPlatform `yaml:"facebook"`
	WhatsApp MetaPlatform `yaml:"whatsapp"`
	Line     LinePlatform `yaml:"line"`
}

// Load reads the optional YAML config file at path, applies environment
// variable overrides, and validates. Env always wins over the file, so a
// deployment can ship one config file and rotate secrets via env. Fails fast
// if no platform is configured or the database settings are unusable.
func Load(path string) (*Config, error) {
	c := &Config{
		ListenAddr:     ":8080",
		Database:       Database{Driver: "sqlite3", DSN: "/data/aoochat.db"},
		Log:            Log{Level: "info", Format: "json"},
		RetentionHours: 48,
		MaxInFlight:    32,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	overrideString(&c.ListenAddr, "LISTEN_ADDR")
	overrideString(&c.Database.Driver, "DB_DRIVER")
	overrideString(&c.Database.DSN, "DB_DSN")
	overrideString(&c.Redis.Addr, "REDIS_ADDR")
	overrideString(&c.Redis.Password, "REDIS_PASSWORD")
	overrideString(&c.Log.Level, "LOG_LEVEL")
	overrideString(&c.Log.Format, "LOG_FORMAT")
	overrideInt(&c.RetentionHours, "EVENT_RETENTION_HOURS")
	overrideInt(&c.MaxInFlight, "MAX_IN_FLIGHT")

	overrideString(&c.Facebook.AppSecret, "FB_APP_SECRET")
	overrideString(&c.Facebook.VerifyToken, "FB_VERIFY_TOKEN")
	overrideString(&c.Facebook.AccessToken, "FB_PAGE_TOKEN")
	overrideString(&c.WhatsApp.AppSecret, "WA_APP_SECRET")
	overrideString(&c.WhatsApp.VerifyToken, "WA_VERIFY_TOKEN")
	overrideString(&c.WhatsApp.AccessToken, "WA_ACCESS_TOKEN")
	overrideString(&c.Line.ChannelSecret, "LINE_CHANNEL_SECRET")
	overrideString(&c.Line.ChannelToken, "LINE_CHANNEL_TOKEN")

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.Database.Driver != "sqlite3" && c.Database.Driver != "postgres" {
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("config: database dsn is required")
	}
	if c.RetentionHours <= 0 {
		return fmt.Errorf("config: retention_hours must be positive, got %d", c.RetentionHours)
	}
	if c.MaxInFlight <= 0 {
		return fmt.Errorf("config: max_in_flight must be positive, got %d", c.MaxInFlight)
	}
	if !c.FacebookEnabled() && !c.WhatsAppEnabled() && !c.LineEnabled() {
		return fmt.Errorf("config: no platform configured; set at least one of FB_APP_SECRET, WA_APP_SECRET, LINE_CHANNEL_SECRET")
	}
	if c.FacebookEnabled() && c.Facebook.VerifyToken == "" {
		return fmt.Errorf("config: FB_VERIFY_TOKEN is required when facebook is enabled")
	}
	if c.WhatsAppEnabled() && c.WhatsApp.VerifyToken == "" {
		return fmt.Errorf("config: WA_VERIFY_TOKEN is required when whatsapp is enabled")
	}
	return nil
}

// A platform is enabled when its signing secret is present; everything else
// about the platform is optional (profile lookups degrade gracefully).
func (c *Config) FacebookEnabled() bool { return c.Facebook.AppSecret != "" }
func (c *Config) WhatsAppEnabled() bool { return c.WhatsApp.AppSecret != "" }
func (c *Config) LineEnabled() bool     { return c.Line.ChannelSecret != "" }

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
