package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is used when --config is not provided.
	DefaultConfigPath = "config.yml"

	defaultPort       = 8080
	defaultEnv        = "development"
	defaultDBHost     = "127.0.0.1"
	defaultDBPort     = 3306
	defaultDBUser     = "root"
	defaultDBPassword = "password"
	defaultDBName     = "xnotify"
	defaultDBCharset  = "utf8mb4"
	defaultRedisHost  = "localhost"
	defaultRedisPort  = 6379

	defaultNotifyEndpoint = "https://api.notification.canada.ca"
	defaultBaseURL        = "https://apps.canada.ca/x-notify"
	defaultLinkSuffix     = "853e0212b92a127"
)

// AppConfig holds runtime startup configuration loaded from YAML.
type AppConfig struct {
	Port           int                `yaml:"port"`
	Env            string             `yaml:"env"` // "development" | "production"
	DSN            string             `yaml:"dsn"` // MySQL DSN, overrides Database
	RedisURL       string             `yaml:"redis_url"`
	Database       DatabaseConfig     `yaml:"database"`
	Redis          RedisConfig        `yaml:"redis"`
	AllowedOrigins []string           `yaml:"allowed_origins"`
	Notify         NotifyConfig       `yaml:"notify"`
	Subscription   SubscriptionConfig `yaml:"subscription"`
	Queue          QueueConfig        `yaml:"queue"`
	Alerts         AlertConfig        `yaml:"alerts"`
	Flush          FlushConfig        `yaml:"flush"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Charset  string `yaml:"charset"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NotifyConfig points at the provider API.
type NotifyConfig struct {
	Endpoint     string `yaml:"endpoint"`
	BulkEndpoint string `yaml:"bulk_endpoint"` // defaults to Endpoint + /v2/notifications/bulk
}

// SubscriptionConfig tunes the subscription state machine.
type SubscriptionConfig struct {
	// BaseURL is the public prefix confirm/unsubscribe links are built from.
	BaseURL string `yaml:"base_url"`
	// LinkSuffix is appended to unsubscribe links for legacy-crawler hygiene.
	LinkSuffix string `yaml:"link_suffix"`
	// ResendIntervalMinutes gates how often a confirmation email may be
	// re-sent for the same pending subscription.
	ResendIntervalMinutes int `yaml:"resend_interval_minutes"`
	TopicCacheLimit       int `yaml:"topic_cache_limit"`
	ClientCacheLimit      int `yaml:"client_cache_limit"`
	RecentsTTLDays        int `yaml:"recents_ttl_days"`
	// ConvertLegacyCodes enables the pre-migration code translation shim.
	ConvertLegacyCodes bool `yaml:"convert_legacy_codes"`
}

// LaneConfig is the retry policy for one queue lane.
type LaneConfig struct {
	Attempts     int    `yaml:"attempts"`
	Backoff      string `yaml:"backoff"` // "exponential" | "fixed"
	DelaySeconds int    `yaml:"delay_seconds"`
}

// QueueConfig tunes the delivery queue.
type QueueConfig struct {
	Confirm LaneConfig `yaml:"confirm"`
	Bulk    LaneConfig `yaml:"bulk"`
	// BatchSize bounds rows per bulk job; the provider bulk endpoint has a
	// payload/row ceiling.
	BatchSize int `yaml:"batch_size"`
	// BulkJobDelaySeconds paces consecutive bulk sends.
	BulkJobDelaySeconds int `yaml:"bulk_job_delay_seconds"`
	KeepCompleted       int `yaml:"keep_completed"`
	KeepFailed          int `yaml:"keep_failed"`
}

// AlertConfig drives operator "let us know" emails.
type AlertConfig struct {
	NotifyKey       string   `yaml:"notify_key"`
	TemplateID      string   `yaml:"template_id"`
	Emails          []string `yaml:"emails"`
	CooldownMinutes int      `yaml:"cooldown_minutes"`
}

// FlushConfig holds the two independent operator access codes for the
// cache-flush endpoint.
type FlushConfig struct {
	TopicCacheCode  string `yaml:"topic_cache_code"`
	ClientCacheCode string `yaml:"client_cache_code"`
}

// Load reads and normalizes the YAML config at path. A missing file yields
// the defaults so a dev instance starts with zero configuration.
func Load(configPath string) (*AppConfig, error) {
	path := strings.TrimSpace(configPath)
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := &AppConfig{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// fall through to defaults
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.Env == "" {
		c.Env = defaultEnv
	}

	db := &c.Database
	if db.Host == "" {
		db.Host = defaultDBHost
	}
	if db.Port == 0 {
		db.Port = defaultDBPort
	}
	if db.User == "" {
		db.User = defaultDBUser
	}
	if db.Password == "" {
		db.Password = defaultDBPassword
	}
	if db.Name == "" {
		db.Name = defaultDBName
	}
	if db.Charset == "" {
		db.Charset = defaultDBCharset
	}
	if c.DSN == "" {
		c.DSN = fmt.Sprintf("%s:%s@tcp(%s)/%s?charset=%s&parseTime=True&loc=Local",
			db.User, db.Password,
			net.JoinHostPort(db.Host, strconv.Itoa(db.Port)),
			db.Name, db.Charset)
	}

	r := &c.Redis
	if r.Host == "" {
		r.Host = defaultRedisHost
	}
	if r.Port == 0 {
		r.Port = defaultRedisPort
	}
	if c.RedisURL == "" {
		auth := ""
		if r.Username != "" || r.Password != "" {
			auth = r.Username + ":" + r.Password + "@"
		}
		c.RedisURL = fmt.Sprintf("redis://%s%s/%d",
			auth, net.JoinHostPort(r.Host, strconv.Itoa(r.Port)), r.DB)
	}

	if c.Notify.Endpoint == "" {
		c.Notify.Endpoint = defaultNotifyEndpoint
	}
	if c.Notify.BulkEndpoint == "" {
		c.Notify.BulkEndpoint = strings.TrimRight(c.Notify.Endpoint, "/") + "/v2/notifications/bulk"
	}

	s := &c.Subscription
	if s.BaseURL == "" {
		s.BaseURL = defaultBaseURL
	}
	if s.LinkSuffix == "" {
		s.LinkSuffix = defaultLinkSuffix
	}
	if s.ResendIntervalMinutes == 0 {
		s.ResendIntervalMinutes = 25
	}
	if s.TopicCacheLimit == 0 {
		s.TopicCacheLimit = 50
	}
	if s.ClientCacheLimit == 0 {
		s.ClientCacheLimit = 50
	}
	if s.RecentsTTLDays == 0 {
		s.RecentsTTLDays = 7
	}

	q := &c.Queue
	if q.Confirm.Attempts == 0 {
		q.Confirm.Attempts = 5
	}
	if q.Confirm.Backoff == "" {
		q.Confirm.Backoff = "fixed"
	}
	if q.Confirm.DelaySeconds == 0 {
		q.Confirm.DelaySeconds = 60
	}
	if q.Bulk.Attempts == 0 {
		q.Bulk.Attempts = 5
	}
	if q.Bulk.Backoff == "" {
		q.Bulk.Backoff = "exponential"
	}
	if q.Bulk.DelaySeconds == 0 {
		q.Bulk.DelaySeconds = 300
	}
	if q.BatchSize == 0 {
		q.BatchSize = 45000
	}
	if q.BulkJobDelaySeconds == 0 {
		q.BulkJobDelaySeconds = 60
	}
	if q.KeepCompleted == 0 {
		q.KeepCompleted = 300
	}
	if q.KeepFailed == 0 {
		q.KeepFailed = 2500
	}

	if c.Alerts.CooldownMinutes == 0 {
		c.Alerts.CooldownMinutes = 3
	}
}

// IsDev reports whether the app runs in development mode.
func (c *AppConfig) IsDev() bool { return c.Env != "production" }

// ResendInterval returns the resend gate as a duration.
func (c *AppConfig) ResendInterval() time.Duration {
	return time.Duration(c.Subscription.ResendIntervalMinutes) * time.Minute
}

// RecentsTTL returns how long replay-memory rows are kept.
func (c *AppConfig) RecentsTTL() time.Duration {
	return time.Duration(c.Subscription.RecentsTTLDays) * 24 * time.Hour
}

// AlertCooldown returns the operator-alert cool-down window.
func (c *AppConfig) AlertCooldown() time.Duration {
	return time.Duration(c.Alerts.CooldownMinutes) * time.Minute
}
