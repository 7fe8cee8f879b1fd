package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	OTel      OTelConfig
	Pipeline  PipelineConfig
	Scheduler SchedulerConfig
	Env       string
	LogLevel  string
	Port      string
	NodeID    int64
}

type OTelConfig struct {
	Endpoint       string
	Headers        string
	ServiceName    string
	ServiceVersion string
	SampleRatio    float64
}

// PipelineConfig wires the optional Redis request/status streams. The pipeline
// is disabled when RedisURL is empty.
type PipelineConfig struct {
	RedisURL        string
	RequestStream   string
	RequestGroup    string
	RequestDLQ      string
	Consumer        string
	StatusStream    string
	StatusMaxLen    int64
	StatusInterval  time.Duration
	MaxAttempts     int
	TraceHeaderName string
}

type SchedulerConfig struct {
	SnapshotPath string
	Seed         uint64

	NumberOfUnassignedWorkOrders int
	NumberOfRemovedWorkOrders    int
	NumberOfRemovedActivities    int
	IterationBudget              int
	IterationsPerStep            int
	Tolerance                    float64

	CrossAgentTimeout time.Duration
	StepInterval      time.Duration
	MailboxSize       int

	// SupervisorResources scopes the supervisor to these work centers. Empty
	// means every resource.
	SupervisorResources []string
}

type ServiceType string

const (
	ServiceTypeServer ServiceType = "server"
	ServiceTypeWorker ServiceType = "worker"
)

// Load loads configuration from environment variables.
// In development, it loads from service-specific .env files:
//   - .env.server when serving HTTP
//   - .env.worker when only draining the request stream
//
// Falls back to .env if service-specific file doesn't exist.
func Load(serviceType ServiceType) (Config, error) {
	if getEnv("SCHEDULER_ENV", "development") == "development" {
		envFile := fmt.Sprintf(".env.%s", serviceType)
		if err := godotenv.Load(envFile); err != nil {
			_ = godotenv.Load(".env")
		}
	}

	cfg := Config{
		Env:      getEnv("SCHEDULER_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", ""),
		Port:     getEnv("PORT", "8080"),
		NodeID:   int64(getEnvInt("NODE_ID", 1)),
		OTel: OTelConfig{
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:        getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "scheduler"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
			SampleRatio:    getEnvFloat("OTEL_TRACES_SAMPLE_RATIO", 1),
		},
		Pipeline: PipelineConfig{
			RedisURL:        getEnv("REDIS_URL", ""),
			RequestStream:   getEnv("REDIS_REQUEST_STREAM", "scheduler_requests"),
			RequestGroup:    getEnv("REDIS_CONSUMER_GROUP", "scheduler_group"),
			RequestDLQ:      getEnv("REDIS_DLQ_STREAM", "scheduler_requests_dlq"),
			Consumer:        getEnv("REDIS_CONSUMER_NAME", hostname()),
			StatusStream:    getEnv("REDIS_STATUS_STREAM", "scheduler_status"),
			StatusMaxLen:    int64(getEnvInt("REDIS_STATUS_MAXLEN", 1000)),
			StatusInterval:  getEnvDuration("STATUS_PUBLISH_INTERVAL", 30*time.Second),
			MaxAttempts:     getEnvInt("REDIS_MAX_ATTEMPTS", 3),
			TraceHeaderName: getEnv("TRACE_HEADER_NAME", "X-Trace-Id"),
		},
		Scheduler: SchedulerConfig{
			SnapshotPath:                 getEnv("SCHEDULER_SNAPSHOT", "testdata/snapshot.yaml"),
			Seed:                         uint64(getEnvInt("SCHEDULER_SEED", 1)),
			NumberOfUnassignedWorkOrders: getEnvInt("STRATEGIC_UNASSIGNED_WORK_ORDERS", 5),
			NumberOfRemovedWorkOrders:    getEnvInt("TACTICAL_REMOVED_WORK_ORDERS", 5),
			NumberOfRemovedActivities:    getEnvInt("OPERATIONAL_REMOVED_ACTIVITIES", 3),
			IterationBudget:              getEnvInt("ITERATION_BUDGET", 1000),
			IterationsPerStep:            getEnvInt("ITERATIONS_PER_STEP", 10),
			Tolerance:                    getEnvFloat("ACCEPT_TOLERANCE", 0),
			CrossAgentTimeout:            getEnvDuration("CROSS_AGENT_TIMEOUT", 2*time.Second),
			StepInterval:                 getEnvDuration("STEP_INTERVAL", time.Second),
			MailboxSize:                  getEnvInt("MAILBOX_SIZE", 64),
			SupervisorResources:          getEnvList("SUPERVISOR_RESOURCES"),
		},
	}

	if cfg.Scheduler.SnapshotPath == "" {
		return Config{}, fmt.Errorf("SCHEDULER_SNAPSHOT is required")
	}
	if cfg.LogLevel != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			return Config{}, fmt.Errorf("LOG_LEVEL: %w", err)
		}
	}
	if cfg.OTel.SampleRatio < 0 || cfg.OTel.SampleRatio > 1 {
		return Config{}, fmt.Errorf("OTEL_TRACES_SAMPLE_RATIO must be within [0, 1]")
	}
	if cfg.Pipeline.Enabled() && cfg.Pipeline.MaxAttempts <= 0 {
		return Config{}, fmt.Errorf("REDIS_MAX_ATTEMPTS must be positive")
	}

	return cfg, nil
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

func (c PipelineConfig) Enabled() bool {
	return c.RedisURL != ""
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "scheduler"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
