package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissing = errors.New("missing required env var")
	ErrInvalid = errors.New("invalid env var")
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Carrier   CarrierConfig
	Model     ModelConfig
	Pipeline  PipelineConfig
	Digest    DigestConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	Driver string
	URL    string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type RateLimitConfig struct {
	Cooldown  time.Duration
	MaxPerDay int
}

type CarrierConfig struct {
	APIKey             string
	FromNumber         string
	MessagingProfileID string
	WebhookSecret      string
	BaseURL            string
}

type ModelConfig struct {
	Provider    string
	APIKey      string
	Name        string
	BaseURL     string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration

	InputCentsPerMTok  float64
	OutputCentsPerMTok float64
}

type PipelineConfig struct {
	Disabled          bool
	SendDisabled      bool
	DefaultCourse     string
	DefaultInstructor string
	BasePrompt        string
	ContentMax        int
}

type DigestConfig struct {
	Enabled  bool
	Interval time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// LoadAll reads the whole configuration from the environment. Every problem is
// reported at once; each is wrapped around ErrMissing or ErrInvalid.
func LoadAll() (*Config, error) {
	l := &loader{}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: loadDatabaseConfig(l),
		RateLimit: RateLimitConfig{
			Cooldown:  time.Duration(l.integer("RATE_COOLDOWN_SECONDS", 20)) * time.Second,
			MaxPerDay: l.integer("RATE_MAX_PER_DAY", 0),
		},
		Carrier: CarrierConfig{
			APIKey:             os.Getenv("TELNYX_API_KEY"),
			FromNumber:         os.Getenv("TELNYX_NUMBER"),
			MessagingProfileID: os.Getenv("TELNYX_MESSAGING_PROFILE_ID"),
			WebhookSecret:      os.Getenv("TELNYX_WEBHOOK_SECRET"),
			BaseURL:            getEnv("TELNYX_BASE_URL", "https://api.telnyx.com/v2"),
		},
		Pipeline: PipelineConfig{
			Disabled:          l.boolean("DISABLE_PIPELINE", false),
			SendDisabled:      l.boolean("DISABLE_SMS_SEND", false),
			DefaultCourse:     getEnv("DEFAULT_COURSE", "PHIL 101 F25"),
			DefaultInstructor: getEnv("DEFAULT_INSTRUCTOR", "Acta Instructor"),
			BasePrompt:        os.Getenv("ACTA_BASE_PROMPT"),
			ContentMax:        l.integer("CONTENT_MAX", 240),
		},
		Digest: DigestConfig{
			Enabled:  l.boolean("DIGEST_TOGGLE", false),
			Interval: time.Duration(l.integer("DIGEST_INTERVAL_SECONDS", 86400)) * time.Second,
		},
		Log: loadLogConfig(),
	}
	cfg.Redis = loadRedisConfig(l)
	cfg.Model = loadModelConfig(l)

	validate(cfg, l)
	if err := joinErrors(l.errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDatabase reads only the database and log settings, for commands that
// never talk to the carrier or the model.
func LoadDatabase() (DatabaseConfig, LogConfig, error) {
	l := &loader{}
	db := loadDatabaseConfig(l)
	validateDriver(db.Driver, l)
	return db, loadLogConfig(), joinErrors(l.errs)
}

func loadLogConfig() LogConfig {
	return LogConfig{
		Level:  getEnv("LOG_LEVEL", "info"),
		Format: getEnv("LOG_FORMAT", "json"),
	}
}

func loadDatabaseConfig(l *loader) DatabaseConfig {
	return DatabaseConfig{
		Driver: getEnv("DATABASE_DRIVER", "pgx"),
		URL:    l.require("DATABASE_URL"),
	}
}

func loadRedisConfig(l *loader) RedisConfig {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       l.integer("REDIS_DB", 0),
		TTL:      time.Duration(l.integer("REDIS_TTL_SECONDS", 86400)) * time.Second,
	}
}

func loadModelConfig(l *loader) ModelConfig {
	mc := ModelConfig{
		Provider:           strings.ToLower(getEnv("MODEL_PROVIDER", ProviderOpenAI)),
		Temperature:        l.float("MODEL_TEMPERATURE", 0.7),
		MaxTokens:          l.integer("MODEL_MAX_TOKENS", 120),
		Timeout:            time.Duration(l.integer("MODEL_TIMEOUT_SECONDS", 20)) * time.Second,
		InputCentsPerMTok:  l.float("MODEL_INPUT_CENTS_PER_MTOK", 0),
		OutputCentsPerMTok: l.float("MODEL_OUTPUT_CENTS_PER_MTOK", 0),
	}

	switch mc.Provider {
	case ProviderOpenAI:
		mc.APIKey = l.require("OPENAI_API_KEY")
		mc.Name = getEnv("OPENAI_MODEL", "gpt-4o-mini")
		mc.BaseURL = getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1")
	case ProviderGemini:
		mc.APIKey = l.require("GEMINI_API_KEY")
		mc.Name = getEnv("GEMINI_MODEL", "gemini-2.0-flash")
	default:
		l.fail(fmt.Errorf("%w: MODEL_PROVIDER must be %q or %q, got %q",
			ErrInvalid, ProviderOpenAI, ProviderGemini, mc.Provider))
	}
	return mc
}

func validate(cfg *Config, l *loader) {
	if cfg.Pipeline.ContentMax <= 0 {
		l.fail(fmt.Errorf("%w: CONTENT_MAX must be > 0", ErrInvalid))
	}
	if cfg.RateLimit.Cooldown < 0 {
		l.fail(fmt.Errorf("%w: RATE_COOLDOWN_SECONDS must be >= 0", ErrInvalid))
	}
	if cfg.RateLimit.MaxPerDay < 0 {
		l.fail(fmt.Errorf("%w: RATE_MAX_PER_DAY must be >= 0", ErrInvalid))
	}
	if cfg.Digest.Interval <= 0 {
		l.fail(fmt.Errorf("%w: DIGEST_INTERVAL_SECONDS must be > 0", ErrInvalid))
	}
	if cfg.Model.MaxTokens <= 0 {
		l.fail(fmt.Errorf("%w: MODEL_MAX_TOKENS must be > 0", ErrInvalid))
	}
	if cfg.Model.Timeout <= 0 {
		l.fail(fmt.Errorf("%w: MODEL_TIMEOUT_SECONDS must be > 0", ErrInvalid))
	}
	if cfg.Redis.Enabled && cfg.Redis.TTL <= 0 {
		l.fail(fmt.Errorf("%w: REDIS_TTL_SECONDS must be > 0", ErrInvalid))
	}
	validateDriver(cfg.Database.Driver, l)

	if !cfg.Pipeline.SendDisabled {
		if cfg.Carrier.APIKey == "" {
			l.fail(fmt.Errorf("%w: TELNYX_API_KEY", ErrMissing))
		}
		if cfg.Carrier.FromNumber == "" && cfg.Carrier.MessagingProfileID == "" {
			l.fail(fmt.Errorf("%w: TELNYX_NUMBER or TELNYX_MESSAGING_PROFILE_ID", ErrMissing))
		}
	}
}

func validateDriver(driver string, l *loader) {
	switch driver {
	case "pgx", "sqlite":
	default:
		l.fail(fmt.Errorf("%w: DATABASE_DRIVER must be pgx or sqlite, got %q", ErrInvalid, driver))
	}
}

type loader struct {
	errs []error
}

func (l *loader) fail(err error) {
	l.errs = append(l.errs, err)
}

func (l *loader) require(key string) string {
	v, err := requireEnv(key)
	if err != nil {
		l.fail(err)
	}
	return v
}

func (l *loader) integer(key string, def int) int {
	v, err := getEnvInt(key, def)
	if err != nil {
		l.fail(err)
	}
	return v
}

func (l *loader) float(key string, def float64) float64 {
	v, err := getEnvFloat(key, def)
	if err != nil {
		l.fail(err)
	}
	return v
}

func (l *loader) boolean(key string, def bool) bool {
	v, err := getEnvBool(key, def)
	if err != nil {
		l.fail(err)
	}
	return v
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%w: %s", ErrMissing, key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%w: int for %s: %s", ErrInvalid, key, v)
	}
	return i, nil
}

func getEnvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("%w: float for %s: %s", ErrInvalid, key, v)
	}
	return f, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		return def, fmt.Errorf("%w: bool for %s: %s", ErrInvalid, key, v)
	}
	return b, nil
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
