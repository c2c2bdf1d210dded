package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment names, in claim priority order.
const (
	EnvProd    = "prod"
	EnvStaging = "staging"
	EnvDev     = "dev"
)

// Config holds worker configuration.
type Config struct {
	Env          string
	WorkerKind   string
	DatabaseURLs map[string]string
	EnvPriority  []string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	LivenessThreshold time.Duration
	MaxAttempts       int

	RateSafeFraction float64
	RateHardRPM      int
	RateHardTPM      int
	RateWindow       time.Duration

	PrimaryAPIKey     string
	PrimaryModel      string
	PrimaryBaseURL    string
	SecondaryAPIKey   string
	SecondaryModel    string
	SecondaryBaseURL  string
	LLMTimeoutSeconds int

	RequireAllPages bool

	ObjectStoreType string
	LocalStoreDir   string
	AWSRegion       string
	S3Bucket        string
	S3Prefix        string

	OpsPort      string
	PdftoppmPath string
	RasterDPI    int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	// Best-effort load of local env files for dev convenience.
	loadEnvFiles(".env", "cmd/.env")

	env := normalizeEnv(getEnv("ENV", "dev"))

	urls := make(map[string]string)
	var priority []string
	for _, name := range []string{EnvProd, EnvStaging, EnvDev} {
		key := "DATABASE_URL_" + strings.ToUpper(name)
		if url := strings.TrimSpace(os.Getenv(key)); url != "" {
			urls[name] = url
			priority = append(priority, name)
		}
	}

	return Config{
		Env:          env,
		WorkerKind:   getEnv("WORKER_KIND", "ocr"),
		DatabaseURLs: urls,
		EnvPriority:  priority,

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		PollInterval:      getEnvDuration("POLL_INTERVAL", 10*time.Second),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		LivenessThreshold: getEnvDuration("LIVENESS_THRESHOLD", 3*time.Minute),
		MaxAttempts:       getEnvInt("MAX_ATTEMPTS", 3),

		RateSafeFraction: getEnvFloat("RATE_SAFE_FRACTION", 0.8),
		RateHardRPM:      getEnvInt("RATE_HARD_RPM", 500),
		RateHardTPM:      getEnvInt("RATE_HARD_TPM", 200000),
		RateWindow:       getEnvDuration("RATE_WINDOW", time.Minute),

		PrimaryAPIKey:     os.Getenv("LLM_PRIMARY_API_KEY"),
		PrimaryModel:      getEnv("LLM_PRIMARY_MODEL", "gpt-4o"),
		PrimaryBaseURL:    getEnv("LLM_PRIMARY_BASE_URL", "https://api.openai.com/v1"),
		SecondaryAPIKey:   os.Getenv("LLM_SECONDARY_API_KEY"),
		SecondaryModel:    getEnv("LLM_SECONDARY_MODEL", ""),
		SecondaryBaseURL:  getEnv("LLM_SECONDARY_BASE_URL", ""),
		LLMTimeoutSeconds: getEnvInt("LLM_TIMEOUT_SECONDS", 120),

		RequireAllPages: getEnvBool("PIPELINE_REQUIRE_ALL_PAGES", false),

		ObjectStoreType: normalizeStoreType(getEnv("OBJECT_STORE", "local")),
		LocalStoreDir:   getEnv("LOCAL_STORE_DIR", "./data"),
		AWSRegion:       getEnv("AWS_REGION", ""),
		S3Bucket:        getEnv("S3_BUCKET", ""),
		S3Prefix:        getEnv("S3_PREFIX", ""),

		OpsPort:      getEnv("OPS_PORT", "8090"),
		PdftoppmPath: getEnv("PDFTOPPM_PATH", "pdftoppm"),
		RasterDPI:    getEnvInt("RASTER_DPI", 300),
	}
}

// Validate reports configuration that cannot support a running worker.
func (c Config) Validate() error {
	if len(c.DatabaseURLs) == 0 {
		return fmt.Errorf("at least one of DATABASE_URL_{PROD,STAGING,DEV} is required")
	}
	if c.WorkerKind != "ocr" && c.WorkerKind != "extractor" {
		return fmt.Errorf("WORKER_KIND must be ocr or extractor, got %q", c.WorkerKind)
	}
	if c.WorkerKind == "ocr" && strings.TrimSpace(c.PrimaryAPIKey) == "" {
		return fmt.Errorf("LLM_PRIMARY_API_KEY is required for ocr workers")
	}
	if c.RateSafeFraction <= 0 || c.RateSafeFraction > 1 {
		return fmt.Errorf("RATE_SAFE_FRACTION must be in (0,1], got %v", c.RateSafeFraction)
	}
	if c.ObjectStoreType == "s3" && c.S3Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required when OBJECT_STORE=s3")
	}
	return nil
}

// SafeRPM returns the enforced requests-per-window ceiling.
func (c Config) SafeRPM() int {
	return int(float64(c.RateHardRPM) * c.RateSafeFraction)
}

// SafeTPM returns the enforced tokens-per-window ceiling.
func (c Config) SafeTPM() int {
	return int(float64(c.RateHardTPM) * c.RateSafeFraction)
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("config %s invalid int: %v", key, err)
		return def
	}
	return val
}

func getEnvFloat(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("config %s invalid float: %v", key, err)
		return def
	}
	return val
}

func getEnvBool(key string, def bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return def
	}
	return raw == "1" || raw == "true" || raw == "yes"
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("config %s invalid duration: %v", key, err)
		return def
	}
	return val
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return EnvProd
	case "staging":
		return EnvStaging
	default:
		return EnvDev
	}
}

func normalizeStoreType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "s3":
		return "s3"
	default:
		return "local"
	}
}
