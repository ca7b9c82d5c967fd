package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database      DatabaseConfig
	Redis         RedisConfig
	CORS          CORSConfig
	Log           LogConfig
	Lifecycle     LifecycleConfig
	Earnings      EarningsConfig
	Notifications NotificationConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	AutoMigrate  bool
}

type RedisConfig struct {
	Enabled          bool
	Host             string
	Port             int
	Password         string
	DB               int
	AttendanceKeyTTL time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

const maxLookBackHours = 24

// LifecycleConfig tunes the session state machine thresholds and the batch runner.
type LifecycleConfig struct {
	Enabled             bool
	CronSchedule        string
	PreparationMinutes  int
	GraceMinutes        int
	EndingBufferMinutes int
	MaxFutureHours      int
	LookBackHours       int // at most maxLookBackHours
	RunTimeout          time.Duration
}

// EarningsConfig controls eligibility and month bucketing for teacher compensation.
type EarningsConfig struct {
	MinTeacherAttendancePercent float64
	// GraceMinutes mirrors the lifecycle grace period; it bounds the presence
	// window of sessions that ended ABSENT.
	GraceMinutes int
	Timezone     string
}

// Location resolves the settlement timezone, falling back to UTC.
func (c EarningsConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NotificationConfig configures post-commit notification fan-out.
type NotificationConfig struct {
	Workers        int
	Retries        int
	RetryDelay     time.Duration
	TelegramToken  string
	TelegramChatID string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
		AutoMigrate:  v.GetBool("DB_AUTO_MIGRATE"),
	}

	cfg.Redis = RedisConfig{
		Enabled:          v.GetBool("ENABLE_REDIS"),
		Host:             v.GetString("REDIS_HOST"),
		Port:             v.GetInt("REDIS_PORT"),
		Password:         v.GetString("REDIS_PASSWORD"),
		DB:               v.GetInt("REDIS_DB"),
		AttendanceKeyTTL: parseDuration(v.GetString("ATTENDANCE_EVENT_TTL"), 72*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Lifecycle = LifecycleConfig{
		Enabled:             v.GetBool("LIFECYCLE_ENABLED"),
		CronSchedule:        v.GetString("LIFECYCLE_CRON"),
		PreparationMinutes:  positiveInt(v.GetInt("LIFECYCLE_PREPARATION_MINUTES"), 15),
		GraceMinutes:        positiveInt(v.GetInt("LIFECYCLE_GRACE_MINUTES"), 15),
		EndingBufferMinutes: nonNegativeInt(v.GetInt("LIFECYCLE_ENDING_BUFFER_MINUTES"), 5),
		MaxFutureHours:      positiveInt(v.GetInt("LIFECYCLE_MAX_FUTURE_HOURS"), 24),
		LookBackHours:       atMost(positiveInt(v.GetInt("LIFECYCLE_LOOK_BACK_HOURS"), maxLookBackHours), maxLookBackHours),
		RunTimeout:          parseDuration(v.GetString("LIFECYCLE_RUN_TIMEOUT"), 4*time.Minute),
	}

	minAttendance := v.GetFloat64("EARNINGS_MIN_TEACHER_ATTENDANCE_PERCENT")
	if minAttendance <= 0 || minAttendance > 100 {
		minAttendance = 50
	}
	cfg.Earnings = EarningsConfig{
		MinTeacherAttendancePercent: minAttendance,
		GraceMinutes:                cfg.Lifecycle.GraceMinutes,
		Timezone:                    v.GetString("EARNINGS_TIMEZONE"),
	}

	cfg.Notifications = NotificationConfig{
		Workers:        positiveInt(v.GetInt("NOTIFY_WORKERS"), 2),
		Retries:        positiveInt(v.GetInt("NOTIFY_RETRIES"), 3),
		RetryDelay:     parseDuration(v.GetString("NOTIFY_RETRY_DELAY"), 5*time.Second),
		TelegramToken:  v.GetString("NOTIFY_TELEGRAM_TOKEN"),
		TelegramChatID: v.GetString("NOTIFY_TELEGRAM_CHAT_ID"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "session_settlement")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_AUTO_MIGRATE", true)

	v.SetDefault("ENABLE_REDIS", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("ATTENDANCE_EVENT_TTL", "72h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("LIFECYCLE_ENABLED", true)
	v.SetDefault("LIFECYCLE_CRON", "@every 1m")
	v.SetDefault("LIFECYCLE_PREPARATION_MINUTES", 15)
	v.SetDefault("LIFECYCLE_GRACE_MINUTES", 15)
	v.SetDefault("LIFECYCLE_ENDING_BUFFER_MINUTES", 5)
	v.SetDefault("LIFECYCLE_MAX_FUTURE_HOURS", 24)
	v.SetDefault("LIFECYCLE_LOOK_BACK_HOURS", 24)
	v.SetDefault("LIFECYCLE_RUN_TIMEOUT", "4m")

	v.SetDefault("EARNINGS_MIN_TEACHER_ATTENDANCE_PERCENT", 50)
	v.SetDefault("EARNINGS_TIMEZONE", "UTC")

	v.SetDefault("NOTIFY_WORKERS", 2)
	v.SetDefault("NOTIFY_RETRIES", 3)
	v.SetDefault("NOTIFY_RETRY_DELAY", "5s")
	v.SetDefault("NOTIFY_TELEGRAM_TOKEN", "")
	v.SetDefault("NOTIFY_TELEGRAM_CHAT_ID", "")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func positiveInt(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func atMost(value, limit int) int {
	if value > limit {
		return limit
	}
	return value
}

func nonNegativeInt(value, fallback int) int {
	if value < 0 {
		return fallback
	}
	return value
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
