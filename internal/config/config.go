package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the TableMind intent engine.
type Config struct {
	Port      int
	Version   string
	DataDir   string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Auth      AuthConfig
	LLM       LLMConfig
	Backend   BackendConfig
	Pipeline  Pipeline
}

type DatabaseConfig struct {
	// URL enables the Postgres-backed audit store when set. Empty
	// means the in-memory store with file snapshots.
	URL string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type AuthConfig struct {
	// Comma-separated API keys; empty disables auth.
	APIKeys string
}

// LLMConfig configures the primary and optional backup provider slot.
type LLMConfig struct {
	Provider       string // openai, azure-openai, anthropic, ollama
	Endpoint       string
	APIKey         string
	Model          string
	BackupProvider string
	BackupEndpoint string
	BackupAPIKey   string
	BackupModel    string
	MaxTokens      int
}

// BackendConfig points at the business backend the built-in tools
// bridge to (reservations, orders, stock).
type BackendConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Pipeline holds every threshold the intent pipeline depends on.
// Components receive this struct at construction; nothing inside the
// pipeline reads the environment directly, so tests can inject
// deterministic values.
type Pipeline struct {
	// Normalizer
	TrivialConfidenceCap float64 // ceiling for very short/template input
	MinMeaningfulRunes   int     // below this the input counts as trivial
	MissingParamPenalty  float64 // required canonical parameter absent
	InconsistencyPenalty float64 // numeric/date parameter fails sanity
	ConfidenceFloor      float64 // unparseable candidates land here

	// Ambiguity resolver
	ConfidentThreshold float64 // primary below this is ambiguous
	NarrowGapThreshold float64 // top-two gap below this is ambiguous

	// Planner
	ExecutionThreshold float64 // non-PLANNING intents below this are never auto-planned

	// Step executor
	MaxAttempts      int           // technical-failure retry cap
	BackoffBase      time.Duration // attempt n waits base * 2^n
	LatencyCeilingMs int64         // cumulative tool latency → efficiency_flag LOW

	// Heartbeat/recovery
	HeartbeatDelay      time.Duration // probe fires this long after a step begins
	MaxRecoveryAttempts int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("TABLEMIND_PORT", 8080),
		Version: envStr("TABLEMIND_VERSION", "0.2.0"),
		DataDir: envStr("TABLEMIND_DATA_DIR", ""),
		Database: DatabaseConfig{
			URL: envStr("TABLEMIND_DATABASE_URL", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "tablemind-intent-engine"),
		},
		Auth: AuthConfig{
			APIKeys: envStr("TABLEMIND_API_KEYS", ""),
		},
		LLM: LLMConfig{
			Provider:       envStr("TABLEMIND_LLM_PROVIDER", "openai"),
			Endpoint:       envStr("TABLEMIND_LLM_ENDPOINT", ""),
			APIKey:         envStr("TABLEMIND_LLM_API_KEY", ""),
			Model:          envStr("TABLEMIND_LLM_MODEL", "gpt-4o-mini"),
			BackupProvider: envStr("TABLEMIND_LLM_BACKUP_PROVIDER", ""),
			BackupEndpoint: envStr("TABLEMIND_LLM_BACKUP_ENDPOINT", ""),
			BackupAPIKey:   envStr("TABLEMIND_LLM_BACKUP_API_KEY", ""),
			BackupModel:    envStr("TABLEMIND_LLM_BACKUP_MODEL", ""),
			MaxTokens:      envInt("TABLEMIND_LLM_MAX_TOKENS", 1024),
		},
		Backend: BackendConfig{
			BaseURL: envStr("TABLEMIND_BACKEND_URL", "http://localhost:3000"),
			Timeout: envDur("TABLEMIND_BACKEND_TIMEOUT", 15*time.Second),
		},
		Pipeline: DefaultPipeline(),
	}
}

// DefaultPipeline returns the pipeline thresholds, overridable from
// the environment.
func DefaultPipeline() Pipeline {
	return Pipeline{
		TrivialConfidenceCap: envFloat("TABLEMIND_TRIVIAL_CONFIDENCE_CAP", 0.5),
		MinMeaningfulRunes:   envInt("TABLEMIND_MIN_MEANINGFUL_RUNES", 12),
		MissingParamPenalty:  envFloat("TABLEMIND_MISSING_PARAM_PENALTY", 0.2),
		InconsistencyPenalty: envFloat("TABLEMIND_INCONSISTENCY_PENALTY", 0.2),
		ConfidenceFloor:      envFloat("TABLEMIND_CONFIDENCE_FLOOR", 0.05),
		ConfidentThreshold:   envFloat("TABLEMIND_CONFIDENT_THRESHOLD", 0.85),
		NarrowGapThreshold:   envFloat("TABLEMIND_NARROW_GAP_THRESHOLD", 0.1),
		ExecutionThreshold:   envFloat("TABLEMIND_EXECUTION_THRESHOLD", 0.7),
		MaxAttempts:          envInt("TABLEMIND_MAX_ATTEMPTS", 3),
		BackoffBase:          envDur("TABLEMIND_BACKOFF_BASE", time.Second),
		LatencyCeilingMs:     int64(envInt("TABLEMIND_LATENCY_CEILING_MS", 5000)),
		HeartbeatDelay:       envDur("TABLEMIND_HEARTBEAT_DELAY", 30*time.Second),
		MaxRecoveryAttempts:  envInt("TABLEMIND_MAX_RECOVERY_ATTEMPTS", 2),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
