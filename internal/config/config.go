// Package config turns viper keys (flags, CONCIERGE_* env vars, an optional
// YAML file) into a typed, validated Config.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // Lambda images ship without a zoneinfo database.

	"github.com/spf13/viper"

	"concierge-agent/internal/reminder"
)

const EnvPrefix = "CONCIERGE"

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

type Config struct {
	Server       ServerConfig
	Logging      LoggingConfig
	Store        StoreConfig
	Conversation ConversationConfig
	Buffer       BufferConfig
	Dedup        DedupConfig
	AI           AIConfig
	Delivery     DeliveryConfig
	Reminder     ReminderConfig
	OptOut       OptOutConfig
	SSMPrefix    string
}

type ServerConfig struct {
	Addr          string
	WebhookSecret string
	TurnTimeout   time.Duration
}

type LoggingConfig struct {
	Level     string
	Format    string
	AddSource bool
}

type StoreConfig struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DynamoTable   string
	SQLDSN        string
}

type ConversationConfig struct {
	MaxHistory  int
	TTL         time.Duration
	ProfileTTL  time.Duration
	FallbackTTL time.Duration
}

type BufferConfig struct {
	Window time.Duration
}

type DedupConfig struct {
	TTL           time.Duration
	MaxEntries    int
	ResetInterval time.Duration
}

type AIConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	MaxTokens    int
	Temperature  float32
	Timeout      time.Duration
	SystemPrompt string
}

type DeliveryConfig struct {
	BaseURL        string
	Token          string
	MinDelay       time.Duration
	MaxDelay       time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RatePerSecond  float64
}

type ReminderConfig struct {
	Interval         time.Duration
	Timezone         string
	DayOfTime        string
	DayOfWindow      int
	LeadMinutes      int
	LeadWindow       int
	Retention        time.Duration
	DayOfTemplate    string
	LeadTimeTemplate string
}

type OptOutConfig struct {
	AckMessage      string
	ClassifierModel string
	DisableAI       bool
}

// SetDefaults registers every key with its default so env vars bind through
// AutomaticEnv.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.turn_timeout", 2*time.Minute)
	v.SetDefault("webhook.secret", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.dynamodb.table", "")
	v.SetDefault("store.sql.dsn", "")

	v.SetDefault("conversation.max_history", 20)
	v.SetDefault("conversation.ttl", 7*24*time.Hour)
	v.SetDefault("conversation.profile_ttl", 365*24*time.Hour)
	v.SetDefault("conversation.fallback_ttl", time.Duration(0))

	v.SetDefault("buffer.window", 8*time.Second)

	v.SetDefault("dedup.ttl", 10*time.Minute)
	v.SetDefault("dedup.max_entries", 10000)
	v.SetDefault("dedup.reset_interval", time.Hour)

	v.SetDefault("ai.base_url", "https://api.openai.com/v1")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.model", "gpt-4o-mini")
	v.SetDefault("ai.max_tokens", 500)
	v.SetDefault("ai.temperature", 0.7)
	v.SetDefault("ai.timeout", 30*time.Second)
	v.SetDefault("ai.system_prompt", "")

	v.SetDefault("delivery.base_url", "")
	v.SetDefault("delivery.token", "")
	v.SetDefault("delivery.min_delay", time.Second)
	v.SetDefault("delivery.max_delay", 3*time.Second)
	v.SetDefault("delivery.max_retries", 3)
	v.SetDefault("delivery.retry_base_delay", 2*time.Second)
	v.SetDefault("delivery.rate_per_second", 5.0)

	v.SetDefault("reminder.interval", time.Minute)
	v.SetDefault("reminder.timezone", "America/Mexico_City")
	v.SetDefault("reminder.day_of_time", "09:00")
	v.SetDefault("reminder.day_of_window", 3)
	v.SetDefault("reminder.lead_minutes", 45)
	v.SetDefault("reminder.lead_window", 3)
	v.SetDefault("reminder.retention", reminder.DefaultRetention)
	v.SetDefault("reminder.day_of_template", "")
	v.SetDefault("reminder.lead_time_template", "")

	v.SetDefault("optout.ack_message", "")
	v.SetDefault("optout.classifier_model", "")
	v.SetDefault("optout.disable_ai", false)

	v.SetDefault("ssm.prefix", "")
}

// Load reads every key from v and validates the result.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Addr:          strings.TrimSpace(v.GetString("server.addr")),
			WebhookSecret: v.GetString("webhook.secret"),
			TurnTimeout:   v.GetDuration("server.turn_timeout"),
		},
		Logging: LoggingConfig{
			Level:     v.GetString("logging.level"),
			Format:    v.GetString("logging.format"),
			AddSource: v.GetBool("logging.add_source"),
		},
		Store: StoreConfig{
			Backend:       strings.ToLower(strings.TrimSpace(v.GetString("store.backend"))),
			RedisAddr:     v.GetString("store.redis.addr"),
			RedisPassword: v.GetString("store.redis.password"),
			RedisDB:       v.GetInt("store.redis.db"),
			DynamoTable:   strings.TrimSpace(v.GetString("store.dynamodb.table")),
			SQLDSN:        strings.TrimSpace(v.GetString("store.sql.dsn")),
		},
		Conversation: ConversationConfig{
			MaxHistory:  v.GetInt("conversation.max_history"),
			TTL:         v.GetDuration("conversation.ttl"),
			ProfileTTL:  v.GetDuration("conversation.profile_ttl"),
			FallbackTTL: v.GetDuration("conversation.fallback_ttl"),
		},
		Buffer: BufferConfig{Window: v.GetDuration("buffer.window")},
		Dedup: DedupConfig{
			TTL:           v.GetDuration("dedup.ttl"),
			MaxEntries:    v.GetInt("dedup.max_entries"),
			ResetInterval: v.GetDuration("dedup.reset_interval"),
		},
		AI: AIConfig{
			BaseURL:      strings.TrimSpace(v.GetString("ai.base_url")),
			APIKey:       strings.TrimSpace(v.GetString("ai.api_key")),
			Model:        strings.TrimSpace(v.GetString("ai.model")),
			MaxTokens:    v.GetInt("ai.max_tokens"),
			Temperature:  float32(v.GetFloat64("ai.temperature")),
			Timeout:      v.GetDuration("ai.timeout"),
			SystemPrompt: v.GetString("ai.system_prompt"),
		},
		Delivery: DeliveryConfig{
			BaseURL:        strings.TrimSpace(v.GetString("delivery.base_url")),
			Token:          strings.TrimSpace(v.GetString("delivery.token")),
			MinDelay:       v.GetDuration("delivery.min_delay"),
			MaxDelay:       v.GetDuration("delivery.max_delay"),
			MaxRetries:     v.GetInt("delivery.max_retries"),
			RetryBaseDelay: v.GetDuration("delivery.retry_base_delay"),
			RatePerSecond:  v.GetFloat64("delivery.rate_per_second"),
		},
		Reminder: ReminderConfig{
			Interval:         v.GetDuration("reminder.interval"),
			Timezone:         strings.TrimSpace(v.GetString("reminder.timezone")),
			DayOfTime:        strings.TrimSpace(v.GetString("reminder.day_of_time")),
			DayOfWindow:      v.GetInt("reminder.day_of_window"),
			LeadMinutes:      v.GetInt("reminder.lead_minutes"),
			LeadWindow:       v.GetInt("reminder.lead_window"),
			Retention:        v.GetDuration("reminder.retention"),
			DayOfTemplate:    v.GetString("reminder.day_of_template"),
			LeadTimeTemplate: v.GetString("reminder.lead_time_template"),
		},
		OptOut: OptOutConfig{
			AckMessage:      v.GetString("optout.ack_message"),
			ClassifierModel: strings.TrimSpace(v.GetString("optout.classifier_model")),
			DisableAI:       v.GetBool("optout.disable_ai"),
		},
		SSMPrefix: strings.TrimSpace(v.GetString("ssm.prefix")),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendMemory, BackendRedis:
	case BackendDynamoDB:
		if c.Store.DynamoTable == "" {
			errs = append(errs, errors.New("store.dynamodb.table is required for the dynamodb backend"))
		}
	case BackendSQLite, BackendPostgres:
		if c.Store.SQLDSN == "" {
			errs = append(errs, fmt.Errorf("store.sql.dsn is required for the %s backend", c.Store.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend: %q", c.Store.Backend))
	}
	if c.Conversation.MaxHistory <= 0 {
		errs = append(errs, errors.New("conversation.max_history must be positive"))
	}
	if c.Conversation.FallbackTTL < 0 {
		errs = append(errs, errors.New("conversation.fallback_ttl must not be negative"))
	}
	if c.Buffer.Window <= 0 {
		errs = append(errs, errors.New("buffer.window must be positive"))
	}
	if c.Delivery.MaxDelay < c.Delivery.MinDelay {
		errs = append(errs, errors.New("delivery.max_delay must not be below delivery.min_delay"))
	}
	if c.Delivery.MaxRetries < 0 {
		errs = append(errs, errors.New("delivery.max_retries must not be negative"))
	}
	if c.Reminder.Interval <= 0 {
		errs = append(errs, errors.New("reminder.interval must be positive"))
	}
	if _, err := c.ReminderWindows(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ReminderWindows resolves the reminder zone and trigger windows.
func (c Config) ReminderWindows() (reminder.Windows, error) {
	loc, err := time.LoadLocation(c.Reminder.Timezone)
	if err != nil {
		return reminder.Windows{}, fmt.Errorf("reminder.timezone: %w", err)
	}
	minute, err := reminder.ParseTimeOfDay(c.Reminder.DayOfTime)
	if err != nil {
		return reminder.Windows{}, fmt.Errorf("reminder.day_of_time: %w", err)
	}
	if c.Reminder.DayOfWindow < 0 || c.Reminder.LeadWindow < 0 || c.Reminder.LeadMinutes <= 0 {
		return reminder.Windows{}, errors.New("reminder windows must not be negative and reminder.lead_minutes must be positive")
	}
	return reminder.Windows{
		Location:    loc,
		DayOfMinute: minute,
		DayOfWindow: c.Reminder.DayOfWindow,
		LeadMinutes: c.Reminder.LeadMinutes,
		LeadWindow:  c.Reminder.LeadWindow,
	}, nil
}
