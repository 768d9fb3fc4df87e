package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	Redis       RedisConfig
	RateLimit   RateLimitConfig
	Kafka       KafkaConfig
	UsageExport UsageExportConfig
	Worker      WorkerConfig
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int

	ReportCacheTTL time.Duration
}

type RateLimitConfig struct {
	Enabled        bool
	RollScopeRate  float64
	RollScopeBurst int
	BucketLockTTL  time.Duration
}

type WorkerConfig struct {
	Enabled     bool
	Interval    time.Duration
	BatchSize   int
	RunTimeout  time.Duration
	LockBuckets bool
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type UsageExportConfig struct {
	Enabled   bool
	Exporter  string
	Endpoint  string
	AuthToken string
	JobName   string
	Interval  time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "tally"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		NodeID:       getenvInt64("NODE_ID", 1),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "tally"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 20)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),
		DBAutoMigrate:     getenvBool("DATABASE_AUTO_MIGRATE", true),

		Redis: RedisConfig{
			Enabled:  getenvBool("REDIS_ENABLED", false),
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       int(getenvInt64("REDIS_DB", 0)),

			ReportCacheTTL: getenvDuration("REDIS_REPORT_CACHE_TTL", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Enabled:        getenvBool("RATE_LIMIT_ENABLED", false),
			RollScopeRate:  getenvFloat("RATE_LIMIT_ROLL_SCOPE_RATE", 1),
			RollScopeBurst: int(getenvInt64("RATE_LIMIT_ROLL_SCOPE_BURST", 10)),
			BucketLockTTL:  getenvDuration("RATE_LIMIT_BUCKET_LOCK_TTL", 30*time.Second),
		},
		Kafka: KafkaConfig{
			Enabled: getenvBool("KAFKA_ENABLED", false),
			Brokers: parseList(getenv("KAFKA_BROKERS", "localhost:9092")),
			Topic:   getenv("KAFKA_TALLY_TOPIC", "tally.summaries"),
		},
		UsageExport: UsageExportConfig{
			Enabled:   getenvBool("USAGE_EXPORT_ENABLED", false),
			Exporter:  strings.ToLower(getenv("USAGE_EXPORT_EXPORTER", "")),
			Endpoint:  strings.TrimSpace(getenv("USAGE_EXPORT_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("USAGE_EXPORT_AUTH_TOKEN", "")),
			JobName:   getenv("USAGE_EXPORT_JOB", "tally"),
			Interval:  getenvDuration("USAGE_EXPORT_INTERVAL", time.Minute),
		},
		Worker: WorkerConfig{
			Enabled:     getenvBool("TALLY_WORKER_ENABLED", true),
			Interval:    getenvDuration("TALLY_WORKER_INTERVAL", time.Minute),
			BatchSize:   int(getenvInt64("TALLY_WORKER_BATCH_SIZE", 500)),
			RunTimeout:  getenvDuration("TALLY_WORKER_RUN_TIMEOUT", 5*time.Minute),
			LockBuckets: getenvBool("TALLY_WORKER_LOCK_BUCKETS", false),
		},
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
