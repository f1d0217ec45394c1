package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"finsight/internal/log"
	"finsight/internal/notify"
	"finsight/internal/scheduler"
)

type Config struct {
	// HTTP Server
	Port               string
	RateLimitPerMinute int
	DefaultTimezone    string
	LogLevel           string
	LogFormat          string
	BlockSuspicious    bool

	// Database
	SQLiteDBPath string

	// AMQP; an empty URL disables event publishing
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Insight generation
	InsightPollInterval    time.Duration
	InsightMinInterval     time.Duration
	InsightCandidateDelay  time.Duration
	InsightTypeDelay       time.Duration
	InsightBatchSize       int
	InsightRetentionDays   int
	InsightCleanupSchedule string

	// Notifications
	NotifyFlushDelay   time.Duration
	NotifyMaxBatch     int
	NotifyMaxPerHour   int
	NotifyMaxPerDay    int
	NotifyQuietEnabled bool
	NotifyQuietStart   string
	NotifyQuietEnd     string
}

func Load() *Config {
	cfg := &Config{
		Port:               getEnv("PORT", "8081"),
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
		DefaultTimezone:    getEnv("DEFAULT_TZ", "UTC"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "text"),
		BlockSuspicious:    getEnvBool("BLOCK_SUSPICIOUS_REQUESTS", false),

		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/finsight.db"),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "finsight"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "generation_outcomes"),

		InsightPollInterval:    getEnvDuration("INSIGHT_POLL_INTERVAL", 5*time.Minute),
		InsightMinInterval:     getEnvDuration("INSIGHT_MIN_INTERVAL", 30*time.Second),
		InsightCandidateDelay:  getEnvDuration("INSIGHT_CANDIDATE_DELAY", 200*time.Millisecond),
		InsightTypeDelay:       getEnvDuration("INSIGHT_TYPE_DELAY", 500*time.Millisecond),
		InsightBatchSize:       getEnvInt("INSIGHT_BATCH_SIZE", 50),
		InsightRetentionDays:   getEnvInt("INSIGHT_RETENTION_DAYS", 90),
		InsightCleanupSchedule: getEnv("INSIGHT_CLEANUP_SCHEDULE", "@daily"),

		NotifyFlushDelay:   getEnvDuration("NOTIFY_FLUSH_DELAY", notify.DefaultFlushDelay),
		NotifyMaxBatch:     getEnvInt("NOTIFY_MAX_BATCH", notify.DefaultMaxBatch),
		NotifyMaxPerHour:   getEnvInt("NOTIFY_MAX_PER_HOUR", 10),
		NotifyMaxPerDay:    getEnvInt("NOTIFY_MAX_PER_DAY", 50),
		NotifyQuietEnabled: getEnvBool("NOTIFY_QUIET_ENABLED", false),
		NotifyQuietStart:   getEnv("NOTIFY_QUIET_START", "22:00"),
		NotifyQuietEnd:     getEnv("NOTIFY_QUIET_END", "08:00"),
	}

	return cfg
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if c.RateLimitPerMinute < 1 {
		errors = append(errors, fmt.Sprintf("invalid rate limit %d: must be at least 1 request per minute", c.RateLimitPerMinute))
	}

	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		errors = append(errors, fmt.Sprintf("invalid default timezone '%s': %v", c.DefaultTimezone, err))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errors = append(errors, err.Error())
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errors = append(errors, fmt.Sprintf("invalid log format '%s': must be 'text' or 'json'", c.LogFormat))
	}

	if c.SQLiteDBPath == "" {
		errors = append(errors, "SQLite database path cannot be empty")
	} else {
		dir := filepath.Dir(c.SQLiteDBPath)
		if dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
				}
			}
		}
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	if c.InsightPollInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid insight poll interval %v: must be at least 1 second", c.InsightPollInterval))
	} else if c.InsightPollInterval > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid insight poll interval %v: must be at most 24 hours", c.InsightPollInterval))
	}
	if c.InsightMinInterval < 0 {
		errors = append(errors, fmt.Sprintf("invalid insight min interval %v: must not be negative", c.InsightMinInterval))
	}
	if c.InsightCandidateDelay < 0 || c.InsightTypeDelay < 0 {
		errors = append(errors, "insight pacing delays must not be negative")
	}
	if c.InsightBatchSize < 1 {
		errors = append(errors, fmt.Sprintf("invalid insight batch size %d: must be at least 1", c.InsightBatchSize))
	} else if c.InsightBatchSize > 1000 {
		errors = append(errors, fmt.Sprintf("invalid insight batch size %d: must be at most 1000", c.InsightBatchSize))
	}
	if c.InsightRetentionDays < 1 {
		errors = append(errors, fmt.Sprintf("invalid insight retention %d days: must be at least 1", c.InsightRetentionDays))
	}
	if strings.TrimSpace(c.InsightCleanupSchedule) == "" {
		errors = append(errors, "insight cleanup schedule cannot be empty")
	}

	if c.NotifyFlushDelay < 0 {
		errors = append(errors, fmt.Sprintf("invalid notification flush delay %v: must not be negative", c.NotifyFlushDelay))
	}
	if c.NotifyMaxBatch < 1 {
		errors = append(errors, fmt.Sprintf("invalid notification max batch %d: must be at least 1", c.NotifyMaxBatch))
	}
	if err := c.NotifySettings().Validate(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// SchedulerConfig maps the insight keys onto the scheduler's configuration.
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		PollInterval:    c.InsightPollInterval,
		MinInterval:     c.InsightMinInterval,
		CandidateDelay:  c.InsightCandidateDelay,
		TypeDelay:       c.InsightTypeDelay,
		BatchSize:       c.InsightBatchSize,
		DefaultTimezone: c.DefaultTimezone,
	}
}

// NotifySettings returns the default throttle settings for new users.
func (c *Config) NotifySettings() notify.Settings {
	s := notify.DefaultSettings()
	s.MaxPerHour = c.NotifyMaxPerHour
	s.MaxPerDay = c.NotifyMaxPerDay
	s.QuietHours = notify.QuietHours{
		Enabled: c.NotifyQuietEnabled,
		Start:   c.NotifyQuietStart,
		End:     c.NotifyQuietEnd,
	}
	s.Timezone = c.DefaultTimezone
	return s
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
