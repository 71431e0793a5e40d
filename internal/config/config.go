package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string
	LogLevel    string
	LogFormat   string

	PresenceSweepInterval       time.Duration
	PresenceRoutineThreshold    time.Duration
	PresenceAggressiveThreshold time.Duration

	MaxQueueTime              time.Duration
	EscalateUnassignedChats   bool
	QueueHardTimeout          time.Duration
	QueueCheckInterval        time.Duration
	GuestTimeout              time.Duration
	ReassignOnStaffDisconnect bool
	RecoveryWindow            time.Duration
	RecoveryBoostTTL          time.Duration

	DefaultMaxConcurrentSessions int

	CallRingTimeout time.Duration

	EventsWebhookURL    string
	EventsWebhookSecret string

	OpenAIKey   string
	OpenAIModel string
}

// Load reads .env when present, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function. Empty values fall back
// to defaults; malformed values are errors.
func FromEnv(getenv func(string) string) (*Config, error) {
	p := parser{getenv: getenv}

	cfg := &Config{
		Port:        p.str("PORT", "8080"),
		DatabaseURL: p.str("DATABASE_URL", ""),
		LogLevel:    p.str("LOG_LEVEL", "info"),
		LogFormat:   p.str("LOG_FORMAT", "json"),

		PresenceSweepInterval:       p.duration("PRESENCE_SWEEP_INTERVAL", time.Minute),
		PresenceRoutineThreshold:    p.duration("PRESENCE_ROUTINE_THRESHOLD", 5*time.Minute),
		PresenceAggressiveThreshold: p.duration("PRESENCE_AGGRESSIVE_THRESHOLD", 2*time.Minute),

		MaxQueueTime:              p.minutes("MAX_QUEUE_TIME_MINUTES", 10),
		EscalateUnassignedChats:   p.boolean("ESCALATE_UNASSIGNED_CHATS", true),
		QueueHardTimeout:          p.minutes("QUEUE_HARD_TIMEOUT_MINUTES", 60),
		QueueCheckInterval:        p.duration("QUEUE_CHECK_INTERVAL", 30*time.Second),
		GuestTimeout:              p.duration("GUEST_TIMEOUT", 10*time.Minute),
		ReassignOnStaffDisconnect: p.boolean("REASSIGN_ON_STAFF_DISCONNECT", false),
		RecoveryWindow:            time.Duration(p.integer("RECOVERY_WINDOW_HOURS", 2)) * time.Hour,
		RecoveryBoostTTL:          p.duration("RECOVERY_BOOST_TTL", 0),

		DefaultMaxConcurrentSessions: p.integer("DEFAULT_MAX_CONCURRENT_SESSIONS", 3),

		CallRingTimeout: p.duration("CALL_RING_TIMEOUT", 45*time.Second),

		EventsWebhookURL:    p.str("EVENTS_WEBHOOK_URL", ""),
		EventsWebhookSecret: p.str("EVENTS_WEBHOOK_SECRET", ""),

		OpenAIKey:   p.str("OPENAI_API_KEY", ""),
		OpenAIModel: p.str("OPENAI_MODEL", "gpt-4o-mini"),
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.PresenceSweepInterval <= 0 {
		errs = append(errs, errors.New("PRESENCE_SWEEP_INTERVAL must be positive"))
	}
	if c.PresenceAggressiveThreshold > c.PresenceRoutineThreshold {
		errs = append(errs, errors.New("PRESENCE_AGGRESSIVE_THRESHOLD must not exceed PRESENCE_ROUTINE_THRESHOLD"))
	}
	if c.QueueCheckInterval <= 0 {
		errs = append(errs, errors.New("QUEUE_CHECK_INTERVAL must be positive"))
	}
	if c.DefaultMaxConcurrentSessions < 1 {
		errs = append(errs, errors.New("DEFAULT_MAX_CONCURRENT_SESSIONS must be at least 1"))
	}
	if c.CallRingTimeout <= 0 {
		errs = append(errs, errors.New("CALL_RING_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (p *parser) integer(key string, def int) int {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) minutes(key string, def int) time.Duration {
	return time.Duration(p.integer(key, def)) * time.Minute
}

func (p *parser) boolean(key string, def bool) bool {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}
