// Package config loads KafPage settings from defaults, env files, a JSON
// config file and KAFPAGE_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the root configuration.
type Config struct {
	Paths   PathsConfig   `json:"paths"`
	Store   StoreConfig   `json:"store"`
	Intake  IntakeConfig  `json:"intake"`
	Objects ObjectsConfig `json:"objects"`
	Notify  NotifyConfig  `json:"notify"`
	Driver  DriverConfig  `json:"driver"`
	Events  EventsConfig  `json:"events"`
	Ack     AckConfig     `json:"ack"`
	Log     LogConfig     `json:"log"`
}

// PathsConfig holds local file locations.
type PathsConfig struct {
	DBPath     string `json:"dbPath" envconfig:"DB_PATH"`
	LockPath   string `json:"lockPath" envconfig:"LOCK_PATH"`
	MessageDir string `json:"messageDir" envconfig:"MESSAGE_DIR"`
}

// Store backends for pages. Teams and the schedule always live in SQLite.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// StoreConfig selects the page backend.
type StoreConfig struct {
	Backend       string `json:"backend" envconfig:"BACKEND"`
	RedisAddr     string `json:"redisAddr" envconfig:"REDIS_ADDR"`
	RedisPassword string `json:"redisPassword" envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `json:"redisDB" envconfig:"REDIS_DB"`
	RedisPrefix   string `json:"redisPrefix" envconfig:"REDIS_PREFIX"`
}

// Body sources for inbound notifications.
const (
	SourceObject = "object"
	SourceDir    = "dir"
	SourceInline = "inline"
)

// IntakeConfig holds the inbound alert feed.
type IntakeConfig struct {
	Enabled       bool   `json:"enabled" envconfig:"ENABLED"`
	Brokers       string `json:"brokers" envconfig:"BROKERS"`
	Topic         string `json:"topic" envconfig:"TOPIC"`
	ConsumerGroup string `json:"consumerGroup" envconfig:"CONSUMER_GROUP"`
	BodySource    string `json:"bodySource" envconfig:"BODY_SOURCE"`
}

// ObjectsConfig addresses the raw message bucket.
type ObjectsConfig struct {
	Endpoint  string `json:"endpoint" envconfig:"ENDPOINT"`
	AccessKey string `json:"accessKey" envconfig:"ACCESS_KEY"`
	SecretKey string `json:"secretKey" envconfig:"SECRET_KEY"`
	UseSSL    bool   `json:"useSSL" envconfig:"USE_SSL"`
	Bucket    string `json:"bucket" envconfig:"BUCKET"`
	Prefix    string `json:"prefix" envconfig:"PREFIX"`
}

// NotifyConfig holds delivery settings.
type NotifyConfig struct {
	SMTPAddr     string `json:"smtpAddr" envconfig:"SMTP_ADDR"`
	SMTPUser     string `json:"smtpUser" envconfig:"SMTP_USER"`
	SMTPPassword string `json:"smtpPassword" envconfig:"SMTP_PASSWORD"`
	// SenderDomain overrides the team domain in no-reply@<domain>.
	SenderDomain string `json:"senderDomain" envconfig:"SENDER_DOMAIN"`
	BatchSize    int    `json:"batchSize" envconfig:"BATCH_SIZE"`
	SlackToken   string `json:"slackToken" envconfig:"SLACK_TOKEN"`
	SlackAPIBase string `json:"slackAPIBase" envconfig:"SLACK_API_BASE"`
}

// DriverConfig holds escalation loop settings.
type DriverConfig struct {
	TickSeconds   int `json:"tickSeconds" envconfig:"TICK_SECONDS"`
	MaxConcurrent int `json:"maxConcurrent" envconfig:"MAX_CONCURRENT"`
	BatchLimit    int `json:"batchLimit" envconfig:"BATCH_LIMIT"`
	PurgeMinutes  int `json:"purgeMinutes" envconfig:"PURGE_MINUTES"`
}

// Tick returns the poll interval.
func (d DriverConfig) Tick() time.Duration { return time.Duration(d.TickSeconds) * time.Second }

// Purge returns the expiry sweep interval.
func (d DriverConfig) Purge() time.Duration { return time.Duration(d.PurgeMinutes) * time.Minute }

// EventsConfig holds the lifecycle event sink.
type EventsConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Brokers string `json:"brokers" envconfig:"BROKERS"`
	Topic   string `json:"topic" envconfig:"TOPIC"`
}

// AckConfig holds the acknowledgement API.
type AckConfig struct {
	ListenAddr string `json:"listenAddr" envconfig:"LISTEN_ADDR"`
	// BaseURL is the public prefix of ack links, without the page id.
	BaseURL  string `json:"baseURL" envconfig:"BASE_URL"`
	APIToken string `json:"apiToken" envconfig:"API_TOKEN"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Debug bool `json:"debug" envconfig:"DEBUG"`
}

// DefaultConfig returns a config with every default filled in.
func DefaultConfig() *Config {
	home, _ := resolveHomeDir()
	base := filepath.Join(home, ConfigDir)
	return &Config{
		Paths: PathsConfig{
			DBPath:     filepath.Join(base, "kafpage.db"),
			LockPath:   filepath.Join(base, "driver.lock"),
			MessageDir: filepath.Join(base, "messages"),
		},
		Store: StoreConfig{
			Backend:     BackendSQLite,
			RedisAddr:   "localhost:6379",
			RedisPrefix: "kafpage:page:",
		},
		Intake: IntakeConfig{
			Brokers:       "localhost:9092",
			Topic:         "kafpage.inbound",
			ConsumerGroup: "kafpage",
			BodySource:    SourceInline,
		},
		Objects: ObjectsConfig{
			Endpoint: "localhost:9000",
			Bucket:   "kafpage-mail",
		},
		Notify: NotifyConfig{
			SMTPAddr:  "localhost:25",
			BatchSize: 50,
		},
		Driver: DriverConfig{
			TickSeconds:   5,
			MaxConcurrent: 8,
			BatchLimit:    100,
			PurgeMinutes:  60,
		},
		Events: EventsConfig{
			Brokers: "localhost:9092",
			Topic:   "kafpage.events",
		},
		Ack: AckConfig{
			ListenAddr: "127.0.0.1:8088",
			BaseURL:    "http://127.0.0.1:8088/ack",
		},
	}
}

// normalize replaces empty or out-of-range values with defaults.
func normalize(cfg *Config) {
	def := DefaultConfig()

	expandHome(&cfg.Paths.DBPath)
	expandHome(&cfg.Paths.LockPath)
	expandHome(&cfg.Paths.MessageDir)
	if cfg.Paths.DBPath == "" {
		cfg.Paths.DBPath = def.Paths.DBPath
	}
	if cfg.Paths.LockPath == "" {
		cfg.Paths.LockPath = def.Paths.LockPath
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Store.Backend)) {
	case BackendRedis:
		cfg.Store.Backend = BackendRedis
	default:
		cfg.Store.Backend = BackendSQLite
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Intake.BodySource)) {
	case SourceObject, SourceDir:
		cfg.Intake.BodySource = strings.ToLower(strings.TrimSpace(cfg.Intake.BodySource))
	default:
		cfg.Intake.BodySource = SourceInline
	}

	// Batches never exceed 50 recipients.
	if cfg.Notify.BatchSize <= 0 || cfg.Notify.BatchSize > 50 {
		cfg.Notify.BatchSize = 50
	}
	if cfg.Driver.TickSeconds <= 0 {
		cfg.Driver.TickSeconds = def.Driver.TickSeconds
	}
	if cfg.Driver.MaxConcurrent <= 0 {
		cfg.Driver.MaxConcurrent = def.Driver.MaxConcurrent
	}
	if cfg.Driver.BatchLimit <= 0 {
		cfg.Driver.BatchLimit = def.Driver.BatchLimit
	}
	if cfg.Driver.PurgeMinutes <= 0 {
		cfg.Driver.PurgeMinutes = def.Driver.PurgeMinutes
	}
	cfg.Ack.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Ack.BaseURL), "/")
	if cfg.Ack.BaseURL == "" {
		cfg.Ack.BaseURL = def.Ack.BaseURL
	}
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	if c.Intake.Enabled && strings.TrimSpace(c.Intake.Topic) == "" {
		return fmt.Errorf("config: intake enabled without a topic")
	}
	if c.Intake.BodySource == SourceObject && strings.TrimSpace(c.Objects.Bucket) == "" {
		return fmt.Errorf("config: object body source without a bucket")
	}
	if c.Events.Enabled && strings.TrimSpace(c.Events.Topic) == "" {
		return fmt.Errorf("config: events enabled without a topic")
	}
	if c.Store.Backend == BackendRedis && strings.TrimSpace(c.Store.RedisAddr) == "" {
		return fmt.Errorf("config: redis backend without an address")
	}
	return nil
}

func expandHome(p *string) {
	if strings.HasPrefix(*p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			*p = filepath.Join(home, (*p)[1:])
		}
	}
}
