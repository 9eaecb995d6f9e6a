package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port          string
	AllowedOrigin string
	AppEnv        string
	LogLevel      string
	LogFormat     string

	DatabaseURL string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	PolicyCacheTTL time.Duration
	PolicyFile     string

	AuthSecret            string
	AccessTokenTTLMinutes int

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	MailFrom     string

	DocumentDir    string
	DocumentFormat string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	StripeSecretKey string

	KafkaBrokers []string
	KafkaTopic   string

	OperationTimeout time.Duration
	NotifyTimeout    time.Duration
}

// Load reads the environment. A .env file in the working directory is
// loaded first when present; real environment variables win.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Port:          getEnv("PORT", "8080"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		AppEnv:        getEnv("APP_ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     os.Getenv("LOG_FORMAT"),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisDB:        getInt("REDIS_DB", 0, 0),
		PolicyCacheTTL: time.Duration(getInt("POLICY_CACHE_TTL_SECONDS", 60, 1)) * time.Second,
		PolicyFile:     strings.TrimSpace(os.Getenv("POLICY_FILE")),

		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),

		SMTPHost:     strings.TrimSpace(os.Getenv("SMTP_HOST")),
		SMTPPort:     getInt("SMTP_PORT", 587, 1),
		SMTPUsername: os.Getenv("SMTP_USERNAME"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),
		MailFrom:     getEnv("MAIL_FROM", "no-reply@orderflow.local"),

		DocumentDir:    getEnv("DOCUMENT_DIR", os.TempDir()),
		DocumentFormat: strings.ToLower(getEnv("DOCUMENT_FORMAT", "html")),

		MinioEndpoint:  strings.TrimSpace(os.Getenv("MINIO_ENDPOINT")),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    getEnv("MINIO_BUCKET", "refund-documents"),
		MinioUseSSL:    getBool("MINIO_USE_SSL", false),

		StripeSecretKey: strings.TrimSpace(os.Getenv("STRIPE_SECRET_KEY")),

		KafkaBrokers: splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "order-workflow-events"),

		OperationTimeout: time.Duration(getInt("OPERATION_TIMEOUT_SECONDS", 10, 1)) * time.Second,
		NotifyTimeout:    time.Duration(getInt("NOTIFY_TIMEOUT_SECONDS", 15, 1)) * time.Second,
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "console"
		if cfg.AppEnv == "production" {
			cfg.LogFormat = "json"
		}
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// getInt falls back when the value is missing, malformed or below min.
func getInt(key string, fallback int, min int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || n < min {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return fallback
	}
	return b
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
