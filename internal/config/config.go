package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Store      StoreConfig      `mapstructure:"store"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Mongo      MongoConfig      `mapstructure:"mongo"`
	Transport  TransportConfig  `mapstructure:"transport"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Submission SubmissionConfig `mapstructure:"submission"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Events     EventsConfig     `mapstructure:"events"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// StoreConfig selects the queue store backend
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // mysql, sqlite, mongo, memory
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	Path     string `mapstructure:"path"`
}

// MongoConfig holds MongoDB connection configuration
type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// TransportConfig selects and configures the mail provider
type TransportConfig struct {
	Provider    string       `mapstructure:"provider"` // gmail, ses, smtp, resend, log
	DefaultFrom string       `mapstructure:"default_from"`
	Gmail       GmailConfig  `mapstructure:"gmail"`
	SES         SESConfig    `mapstructure:"ses"`
	SMTP        SMTPConfig   `mapstructure:"smtp"`
	Resend      ResendConfig `mapstructure:"resend"`
}

// GmailConfig holds Gmail API configuration
type GmailConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RefreshToken string `mapstructure:"refresh_token"`
	UserEmail    string `mapstructure:"user_email"`
}

// SESConfig holds AWS SES configuration
type SESConfig struct {
	Region string `mapstructure:"region"`
}

// SMTPConfig holds SMTP relay configuration
type SMTPConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// ResendConfig holds Resend API configuration
type ResendConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// DispatchConfig holds the claim-and-dispatch engine and scheduler settings
type DispatchConfig struct {
	Mode                     string        `mapstructure:"mode"` // timer or trigger
	Interval                 time.Duration `mapstructure:"interval"`
	BatchSize                int           `mapstructure:"batch_size"`
	MaxAttempts              int           `mapstructure:"max_attempts"`
	StaleAfter               time.Duration `mapstructure:"stale_after"`
	TriggerOnSubmit          bool          `mapstructure:"trigger_on_submit"`
	FailPermanentImmediately bool          `mapstructure:"fail_permanent_immediately"`
}

// SubmissionConfig holds batch submission limits
type SubmissionConfig struct {
	MaxRecipients int `mapstructure:"max_recipients"`
}

// RateLimitConfig holds the per-owner submission quota
type RateLimitConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	RedisAddr string        `mapstructure:"redis_addr"`
	RedisDB   int           `mapstructure:"redis_db"`
	Limit     int64         `mapstructure:"limit"`
	Window    time.Duration `mapstructure:"window"`
}

// EventsConfig holds the outcome event sink configuration
type EventsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Brokers        []string      `mapstructure:"brokers"`
	Topic          string        `mapstructure:"topic"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

const (
	ModeTimer   = "timer"
	ModeTrigger = "trigger"
)

// LoadConfig loads configuration from environment variables and config file
func LoadConfig() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("log.level", "info")

	v.SetDefault("store.driver", "mysql")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.path", "mail-dispatch.db")

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "mail_dispatch")
	v.SetDefault("mongo.collection", "queued_emails")

	v.SetDefault("transport.provider", "log")
	v.SetDefault("transport.ses.region", "us-east-1")
	v.SetDefault("transport.smtp.port", 587)

	v.SetDefault("dispatch.mode", ModeTimer)
	v.SetDefault("dispatch.interval", "10s")
	v.SetDefault("dispatch.batch_size", 3)
	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.stale_after", "15m")
	v.SetDefault("dispatch.trigger_on_submit", true)
	v.SetDefault("dispatch.fail_permanent_immediately", false)

	v.SetDefault("submission.max_recipients", 100)

	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.redis_addr", "localhost:6379")
	v.SetDefault("ratelimit.limit", 1000)
	v.SetDefault("ratelimit.window", "24h")

	v.SetDefault("events.enabled", false)
	v.SetDefault("events.topic", "mail-dispatch.outcomes")
	v.SetDefault("events.publish_timeout", "5s")
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "SERVER_PORT")
	v.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	v.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")
	v.BindEnv("log.level", "LOG_LEVEL")

	// Store
	v.BindEnv("store.driver", "STORE_DRIVER")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.dbname", "DB_NAME")
	v.BindEnv("database.path", "DB_PATH")
	v.BindEnv("mongo.uri", "MONGO_URI")
	v.BindEnv("mongo.database", "MONGO_DATABASE")
	v.BindEnv("mongo.collection", "MONGO_COLLECTION")

	// Transport
	v.BindEnv("transport.provider", "TRANSPORT_PROVIDER")
	v.BindEnv("transport.default_from", "TRANSPORT_DEFAULT_FROM")
	v.BindEnv("transport.gmail.client_id", "GMAIL_CLIENT_ID")
	v.BindEnv("transport.gmail.client_secret", "GMAIL_CLIENT_SECRET")
	v.BindEnv("transport.gmail.refresh_token", "GMAIL_REFRESH_TOKEN")
	v.BindEnv("transport.gmail.user_email", "GMAIL_USER_EMAIL")
	v.BindEnv("transport.ses.region", "AWS_REGION")
	v.BindEnv("transport.smtp.host", "SMTP_HOST")
	v.BindEnv("transport.smtp.port", "SMTP_PORT")
	v.BindEnv("transport.smtp.user", "SMTP_USER")
	v.BindEnv("transport.smtp.password", "SMTP_PASSWORD")
	v.BindEnv("transport.resend.api_key", "RESEND_API_KEY")

	// Dispatch
	v.BindEnv("dispatch.mode", "DISPATCH_MODE")
	v.BindEnv("dispatch.interval", "DISPATCH_INTERVAL")
	v.BindEnv("dispatch.batch_size", "DISPATCH_BATCH_SIZE")
	v.BindEnv("dispatch.max_attempts", "DISPATCH_MAX_ATTEMPTS")
	v.BindEnv("dispatch.stale_after", "DISPATCH_STALE_AFTER")
	v.BindEnv("dispatch.trigger_on_submit", "DISPATCH_TRIGGER_ON_SUBMIT")
	v.BindEnv("dispatch.fail_permanent_immediately", "DISPATCH_FAIL_PERMANENT_IMMEDIATELY")
	v.BindEnv("submission.max_recipients", "SUBMISSION_MAX_RECIPIENTS")

	// Rate limit and events
	v.BindEnv("ratelimit.enabled", "RATELIMIT_ENABLED")
	v.BindEnv("ratelimit.redis_addr", "REDIS_ADDR")
	v.BindEnv("ratelimit.redis_db", "REDIS_DB")
	v.BindEnv("ratelimit.limit", "RATELIMIT_LIMIT")
	v.BindEnv("ratelimit.window", "RATELIMIT_WINDOW")
	v.BindEnv("events.enabled", "EVENTS_ENABLED")
	v.BindEnv("events.brokers", "KAFKA_BROKERS")
	v.BindEnv("events.topic", "EVENTS_TOPIC")
	v.BindEnv("events.publish_timeout", "EVENTS_PUBLISH_TIMEOUT")
}

// GetDSN returns the MySQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Store.Driver {
	case "mysql":
		if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
			return fmt.Errorf("database host, user, and dbname are required")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	case "mongo":
		if c.Mongo.URI == "" || c.Mongo.Database == "" || c.Mongo.Collection == "" {
			return fmt.Errorf("mongo uri, database, and collection are required")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	switch c.Transport.Provider {
	case "gmail":
		g := c.Transport.Gmail
		if g.ClientID == "" || g.ClientSecret == "" || g.RefreshToken == "" || g.UserEmail == "" {
			return fmt.Errorf("Gmail OAuth2 credentials and user email are required for the gmail provider")
		}
	case "ses":
		if c.Transport.SES.Region == "" {
			return fmt.Errorf("SES region is required")
		}
		if c.Transport.DefaultFrom == "" {
			return fmt.Errorf("default from address is required for the ses provider")
		}
	case "smtp":
		if c.Transport.SMTP.Host == "" || c.Transport.SMTP.Port <= 0 {
			return fmt.Errorf("SMTP host and port are required")
		}
		if c.Transport.DefaultFrom == "" {
			return fmt.Errorf("default from address is required for the smtp provider")
		}
	case "resend":
		if c.Transport.Resend.APIKey == "" {
			return fmt.Errorf("Resend API key is required")
		}
		if c.Transport.DefaultFrom == "" {
			return fmt.Errorf("default from address is required for the resend provider")
		}
	case "log":
	default:
		return fmt.Errorf("unknown transport provider %q", c.Transport.Provider)
	}

	d := c.Dispatch
	if d.Mode != ModeTimer && d.Mode != ModeTrigger {
		return fmt.Errorf("dispatch mode must be %q or %q", ModeTimer, ModeTrigger)
	}
	if d.Mode == ModeTimer && d.Interval <= 0 {
		return fmt.Errorf("dispatch interval must be greater than 0")
	}
	if d.BatchSize <= 0 {
		return fmt.Errorf("dispatch batch size must be greater than 0")
	}
	if d.MaxAttempts <= 0 {
		return fmt.Errorf("dispatch max attempts must be greater than 0")
	}
	if d.StaleAfter < 0 {
		return fmt.Errorf("dispatch stale_after must not be negative")
	}

	if c.Submission.MaxRecipients <= 0 {
		return fmt.Errorf("submission max recipients must be greater than 0")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RedisAddr == "" {
			return fmt.Errorf("redis address is required when rate limiting is enabled")
		}
		if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit and window must be greater than 0")
		}
	}

	if c.Events.Enabled && (len(c.Events.Brokers) == 0 || strings.TrimSpace(c.Events.Topic) == "") {
		return fmt.Errorf("kafka brokers and topic are required when events are enabled")
	}
	if c.Events.PublishTimeout < 0 {
		return fmt.Errorf("events publish_timeout must not be negative")
	}

	return nil
}
