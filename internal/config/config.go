package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DBHost         string
	DBPort         string
	DBUser         string
	DBPass         string
	DBName         string
	DBMaxOpenConns int
	DBMaxIdleConns int
	ServerPort     string
	RedisURL       string
	RedisKeyPrefix string
	Env            string

	// Salt mixed into the per-connection client ID hash.
	ClientIDSalt string
	// Zero disables the read deadline on WebSocket sessions.
	WSIdleTimeout time.Duration

	CounterValidationInterval time.Duration
	DBRetryBackoff            time.Duration

	CronThreads  string
	CronCounters string

	ImportEnabled     bool
	NatsURL           string
	NatsImportSubject string
}

func LoadConfig() Config {
	return Config{
		DBHost:         getEnv("DB_HOST", "postgres"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPass:         getEnv("DB_PASSWORD", "password"),
		DBName:         getEnv("DB_NAME", "nx_jikkyo"),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 50),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		RedisURL:       getEnv("REDIS_URL", "redis:6379"),
		RedisKeyPrefix: getEnv("REDIS_KEY_PREFIX", "nx-jikkyo"),
		Env:            getEnv("ENV", "dev"),

		ClientIDSalt:  getEnv("CLIENT_ID_SALT", ""),
		WSIdleTimeout: getEnvAsDuration("WS_IDLE_TIMEOUT", 0),

		CounterValidationInterval: getEnvAsDuration("COUNTER_VALIDATION_INTERVAL", 10*time.Minute),
		DBRetryBackoff:            getEnvAsDuration("DB_RETRY_BACKOFF", 15*time.Second),

		CronThreads:  getEnv("CRON_THREADS", "@hourly"),
		CronCounters: getEnv("CRON_COUNTERS", "@hourly"),

		ImportEnabled:     getEnvAsBool("IMPORT_ENABLED", false),
		NatsURL:           getEnv("NATS_URL", "nats://nats:4222"),
		NatsImportSubject: getEnv("NATS_IMPORT_SUBJECT", "jikkyo.import.>"),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return fallback
}

func getEnvAsInt64(key string, fallback int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if v, err := strconv.ParseInt(value, 10, 64); err == nil {
			return v
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil && d >= 0 {
			return d
		}
		// plain integers are read as seconds
		if secs := getEnvAsInt64(key, -1); secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		c.DBHost, c.DBUser, c.DBPass, c.DBName, c.DBPort,
	)
}
