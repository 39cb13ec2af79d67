// Package config loads CareTriage settings from the environment and optional .env files.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"

	"github.com/BTreeMap/CareTriage/internal/flow"
	"github.com/BTreeMap/CareTriage/internal/store"
)

// DefaultStateDir is used when CARETRIAGE_STATE_DIR is unset.
const DefaultStateDir = "/var/lib/caretriage"

// SQLiteFileName is the database file created in the state directory when DATABASE_URL is unset.
const SQLiteFileName = "caretriage.db"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds every setting of the service.
type Config struct {
	StateDir    string `env:"CARETRIAGE_STATE_DIR" envDefault:"/var/lib/caretriage"`
	DatabaseURL string `env:"DATABASE_URL"`
	APIAddr     string `env:"API_ADDR" envDefault:":8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Timezone    string `env:"TIMEZONE" envDefault:"UTC"`

	// Engine thresholds and the confirmation window.
	Flow flow.Config

	// Safety gate
	DangerIntentThreshold float64  `env:"DANGER_INTENT_THRESHOLD" envDefault:"0.6"`
	ExtraEmergencyTerms   []string `env:"EMERGENCY_EXTRA_KEYWORDS" envSeparator:","`

	// Reminder extraction
	ReminderConfidenceThreshold float64       `env:"REMINDER_CONFIDENCE_THRESHOLD" envDefault:"0.6"`
	ReminderDedupTolerance      time.Duration `env:"REMINDER_DEDUP_TOLERANCE" envDefault:"15m"`
	DefaultReminderHour         int           `env:"DEFAULT_REMINDER_HOUR" envDefault:"9"`

	// Predictor; an empty URL runs in degraded mode.
	PredictorURL     string        `env:"PREDICTOR_URL"`
	PredictorTimeout time.Duration `env:"PREDICTOR_TIMEOUT" envDefault:"2s"`

	// OpenAI
	OpenAIAPIKey         string        `env:"OPENAI_API_KEY"`
	OpenAIModel          string        `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	OpenAIBaseURL        string        `env:"OPENAI_BASE_URL"`
	GeneratorEnabled     bool          `env:"GENERATOR_ENABLED" envDefault:"true"`
	GeneratorTimeout     time.Duration `env:"GENERATOR_TIMEOUT" envDefault:"5s"`
	GeneratorMaxTokens   int           `env:"GENERATOR_MAX_TOKENS" envDefault:"200"`
	GeneratorTemperature float64       `env:"GENERATOR_TEMPERATURE" envDefault:"0.6"`
	ValidatorEnabled     bool          `env:"VALIDATOR_ENABLED" envDefault:"false"`
	ValidatorTimeout     time.Duration `env:"VALIDATOR_TIMEOUT" envDefault:"3s"`
	ScreenEnabled        bool          `env:"CONTENT_SCREEN_ENABLED" envDefault:"false"`
	ScreenTimeout        time.Duration `env:"CONTENT_SCREEN_TIMEOUT" envDefault:"2s"`
	GenAIDebug           bool          `env:"GENAI_DEBUG" envDefault:"false"`

	// Session locking; an empty URL uses in-process locks.
	RedisURL       string        `env:"REDIS_URL"`
	SessionLockTTL time.Duration `env:"SESSION_LOCK_TTL" envDefault:"30s"`

	// Twilio; without credentials alerts are only logged.
	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string `env:"TWILIO_FROM_NUMBER"`
	TwilioChannel    string `env:"TWILIO_CHANNEL" envDefault:"sms"`

	// Workers and housekeeping
	PendingSweepSchedule string        `env:"PENDING_SWEEP_SCHEDULE" envDefault:"@every 5m"`
	DedupRetention       time.Duration `env:"DEDUP_RETENTION" envDefault:"72h"`
	JobPollInterval      time.Duration `env:"JOB_POLL_INTERVAL" envDefault:"10s"`
	OutboxPollInterval   time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"5s"`
}

// Load reads the given .env files (missing ones are skipped), then parses the environment.
// Variables already set in the environment win over .env values.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
		slog.Debug("config.Load: loaded env file", "file", f)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []string
	unit := func(name string, v float64) {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Sprintf("%s must be within [0,1], got %v", name, v))
		}
	}
	unit("DANGER_INTENT_THRESHOLD", c.DangerIntentThreshold)
	unit("REMINDER_CONFIDENCE_THRESHOLD", c.ReminderConfidenceThreshold)
	unit("REMINDER_INTENT_THRESHOLD", c.Flow.ReminderIntentThreshold)
	unit("REMINDER_KEYWORD_MAX_INTENT", c.Flow.ReminderKeywordMaxIntent)
	unit("HEALTH_INTENT_THRESHOLD", c.Flow.HealthIntentThreshold)
	unit("VALIDATOR_MIN_CONFIDENCE", c.Flow.SuggestionMinConfidence)

	if c.Flow.PendingTTL <= 0 {
		errs = append(errs, "PENDING_TTL must be positive")
	}
	if c.DefaultReminderHour < 0 || c.DefaultReminderHour > 23 {
		errs = append(errs, fmt.Sprintf("DEFAULT_REMINDER_HOUR must be within 0..23, got %d", c.DefaultReminderHour))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Sprintf("TIMEZONE %q: %v", c.Timezone, err))
	}
	if _, ok := logLevels[strings.ToLower(c.LogLevel)]; !ok {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel))
	}
	twilio := []string{c.TwilioAccountSID, c.TwilioAuthToken, c.TwilioFromNumber}
	set := 0
	for _, v := range twilio {
		if v != "" {
			set++
		}
	}
	if set != 0 && set != len(twilio) {
		errs = append(errs, "TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER must be set together")
	}
	if ch := strings.ToLower(c.TwilioChannel); ch != "sms" && ch != "whatsapp" {
		errs = append(errs, fmt.Sprintf("TWILIO_CHANNEL %q is not sms or whatsapp", c.TwilioChannel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

var logLevels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// SlogLevel returns the configured log level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	if lvl, ok := logLevels[strings.ToLower(c.LogLevel)]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// Location loads the default timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// DSN returns DATABASE_URL, or the SQLite file in the state directory.
func (c *Config) DSN() string {
	if strings.TrimSpace(c.DatabaseURL) != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.StateDir, SQLiteFileName)
}

// UsesSQLite reports whether the DSN selects the SQLite backend.
func (c *Config) UsesSQLite() bool {
	return store.DetectDSNType(c.DSN()) == "sqlite3"
}

// TwilioConfigured reports whether outbound SMS or WhatsApp is available.
func (c *Config) TwilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}

// GenAIConfigured reports whether an OpenAI key is present.
func (c *Config) GenAIConfigured() bool {
	return strings.TrimSpace(c.OpenAIAPIKey) != ""
}
