package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all daemon configuration.
type Config struct {
	Server  ServerConfig
	Policy  PolicyConfig
	Drift   DriftConfig
	Ledger  LedgerConfig
	Sim     SimConfig
	Metrics MetricsConfig
}

// ServerConfig holds HTTP server settings for the gateway daemon.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// PolicyConfig holds rule-source settings.
type PolicyConfig struct {
	RuleSourcePath string
	CedarPath      string
	WatchChanges   bool
}

// DriftConfig holds drift-engine tuning.
type DriftConfig struct {
	Window                 int
	LearningIntents        int
	MaxResurrections       int
	ThrottlePerMinute      int
	EmbedDimension         int
	EmbedTimeout           time.Duration
	ResurrectionResetScore float64
	SuppressEmbedLearning  bool
}

// LedgerConfig holds audit-ledger settings.
type LedgerConfig struct {
	Path string // empty means in-memory
	// DemoKey switches to HMAC demo signing with the given key. Empty
	// selects a fresh Ed25519 ledger key.
	DemoKey string
	// SigningSeed is a hex-encoded 32-byte Ed25519 seed for a stable
	// ledger identity across restarts.
	SigningSeed string
}

// SimConfig holds simulator tuning.
type SimConfig struct {
	StepEpsilon    time.Duration
	StubTimeout    time.Duration
	InternalDomain string
}

// MetricsConfig holds metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  time.Duration(getEnvInt("SERVER_READ_TIMEOUT_SEC", 30)) * time.Second,
			WriteTimeout: time.Duration(getEnvInt("SERVER_WRITE_TIMEOUT_SEC", 60)) * time.Second,
		},
		Policy: PolicyConfig{
			RuleSourcePath: getEnv("POLICY_RULES_PATH", "configs/rules.yaml"),
			CedarPath:      getEnv("POLICY_CEDAR_PATH", "configs/policies.cedar"),
			WatchChanges:   getEnvBool("POLICY_WATCH", true),
		},
		Drift: DriftConfig{
			Window:                 getEnvInt("DRIFT_WINDOW", 20),
			LearningIntents:        getEnvInt("DRIFT_LEARNING_INTENTS", 20),
			MaxResurrections:       getEnvInt("DRIFT_MAX_RESURRECTIONS", 3),
			ThrottlePerMinute:      getEnvInt("DRIFT_THROTTLE_PER_MINUTE", 6),
			EmbedDimension:         getEnvInt("EMBED_DIMENSION", 128),
			EmbedTimeout:           time.Duration(getEnvInt("EMBED_TIMEOUT_MS", 2000)) * time.Millisecond,
			ResurrectionResetScore: getEnvFloat("DRIFT_RESURRECTION_RESET", 0.29),
			SuppressEmbedLearning:  getEnvBool("DRIFT_SUPPRESS_EMBED_LEARNING", true),
		},
		Ledger: LedgerConfig{
			Path:        getEnv("LEDGER_PATH", "sentinel-audit.log"),
			DemoKey:     getEnv("LEDGER_DEMO_KEY", ""),
			SigningSeed: getEnv("LEDGER_SIGNING_SEED", ""),
		},
		Sim: SimConfig{
			StepEpsilon:    time.Duration(getEnvInt("SIM_STEP_EPSILON_MS", 1000)) * time.Millisecond,
			StubTimeout:    time.Duration(getEnvInt("SIM_STUB_TIMEOUT_MS", 2000)) * time.Millisecond,
			InternalDomain: getEnv("SIM_INTERNAL_DOMAIN", "@company.com"),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
		},
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
