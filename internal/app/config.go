package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogMode string `env:"LOG_MODE" envDefault:"development"`
	Port    string `env:"PORT" envDefault:"8080"`

	// Database
	DBDriver         string `env:"DB_DRIVER" envDefault:"postgres"`
	PostgresHost     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort     string `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER" envDefault:"postgres"`
	PostgresPassword string `env:"POSTGRES_PASSWORD"`
	PostgresName     string `env:"POSTGRES_NAME" envDefault:"neurobridge"`
	SQLitePath       string `env:"SQLITE_PATH" envDefault:"streamcore.db"`

	// Relay. Redis connection settings are read by eventlog.RedisConfigFromEnv.
	RelayBackend      string        `env:"RELAY_BACKEND" envDefault:"memory"`
	StreamRetention   time.Duration `env:"STREAM_RETENTION" envDefault:"10m"`
	StreamIdleTimeout time.Duration `env:"STREAM_IDLE_TIMEOUT" envDefault:"5m"`
	JanitorSchedule   string        `env:"JANITOR_SCHEDULE" envDefault:"@every 1m"`

	// Turns
	PartialSaveInterval time.Duration `env:"PARTIAL_SAVE_INTERVAL" envDefault:"750ms"`
	PartialSaveBytes    int           `env:"PARTIAL_SAVE_BYTES" envDefault:"256"`
	StopTimeout         time.Duration `env:"STOP_TIMEOUT" envDefault:"10s"`
	HistoryLimit        int           `env:"HISTORY_LIMIT" envDefault:"50"`
	SSEHeartbeat        time.Duration `env:"SSE_HEARTBEAT" envDefault:"15s"`

	// LLM
	LLMProvider   string        `env:"LLM_PROVIDER" envDefault:"echo"`
	OpenAIAPIKey  string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string        `env:"OPENAI_BASE_URL"`
	OpenAIModel   string        `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	OpenAITimeout time.Duration `env:"OPENAI_TIMEOUT" envDefault:"2m"`
	EchoDelay     time.Duration `env:"ECHO_DELAY" envDefault:"40ms"`

	// Auth
	JWTSecretKey string   `env:"JWT_SECRET_KEY" envDefault:"defaultsecret"`
	CORSOrigins  []string `env:"CORS_ORIGINS" envSeparator:","`

	// Tracing
	OtelEnabled     bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OtelServiceName string  `env:"OTEL_SERVICE_NAME" envDefault:"neurobridge-stream"`
	OtelEnvironment string  `env:"OTEL_ENVIRONMENT" envDefault:"development"`
	OtelExporter    string  `env:"OTEL_EXPORTER" envDefault:"stdout"`
	OtelEndpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OtelInsecure    bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	OtelSampleRatio float64 `env:"OTEL_SAMPLE_RATIO" envDefault:"1"`
	Version         string  `env:"APP_VERSION" envDefault:"dev"`
}

// LoadConfig resolves configuration from, in order of precedence, the process
// environment, a .env file, the YAML file named by CONFIG_FILE, and the
// envDefault tags. YAML keys are the environment variable names.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := applyYAMLOverlay(path); err != nil {
			return Config{}, err
		}
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// applyYAMLOverlay exports every key of a flat YAML map that is not already
// set in the environment.
func applyYAMLOverlay(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var values map[string]string
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	for k, v := range values {
		k = strings.ToUpper(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, set := os.LookupEnv(k); set {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("apply %s: %w", k, err)
		}
	}
	return nil
}
