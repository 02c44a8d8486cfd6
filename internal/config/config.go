package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds shared runtime configuration for the spatialization service.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string

	// DataDir is the root under which per-session artifact directories live.
	DataDir        string
	UploadMaxBytes int64

	// IRCAM Amplify provider endpoints and credentials.
	IrcamAPIURL       string
	IrcamStorageURL   string
	IrcamClientID     string
	IrcamClientSecret string

	// TokenValidity is the window a bearer token is trusted for after
	// issuance, regardless of the expiry the provider declares.
	TokenValidity time.Duration

	PollInterval    time.Duration
	PollMaxAttempts int

	SessionTTL    time.Duration
	SweepInterval time.Duration

	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RateLimitCapacity int
	RateLimitRefill   float64

	// PostgresDSN enables the audit event log when non-empty.
	PostgresDSN string

	// Optional S3 backend for the artifact store. Local disk when unset.
	ArtifactS3Bucket    string
	ArtifactS3Region    string
	ArtifactS3Endpoint  string
	ArtifactS3PathStyle bool
}

// Load reads configuration from environment variables with sane defaults for local development.
func Load() Config {
	return Config{
		Env:                 getEnv("APP_ENV", "dev"),
		HTTPPort:            getEnv("HTTP_PORT", "8080"),
		MetricsAddr:         getEnv("METRICS_ADDR", ":9090"),
		DataDir:             getEnv("DATA_DIR", "./data"),
		UploadMaxBytes:      getEnvInt64("UPLOAD_MAX_BYTES", 200*1024*1024),
		IrcamAPIURL:         getEnv("IRCAM_API_URL", "https://api.ircamamplify.io"),
		IrcamStorageURL:     getEnv("IRCAM_STORAGE_URL", "https://storage.ircamamplify.io"),
		IrcamClientID:       getEnv("IRCAM_CLIENT_ID", ""),
		IrcamClientSecret:   getEnv("IRCAM_CLIENT_SECRET", ""),
		TokenValidity:       getEnvDuration("TOKEN_VALIDITY", 30*time.Minute),
		PollInterval:        getEnvDuration("POLL_INTERVAL", 5*time.Second),
		PollMaxAttempts:     getEnvInt("POLL_MAX_ATTEMPTS", 240),
		SessionTTL:          getEnvDuration("SESSION_TTL", 15*time.Minute),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", 15*time.Minute),
		RedisAddr:           getEnv("REDIS_ADDR", ""),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		RedisDB:             getEnvInt("REDIS_DB", 0),
		RateLimitCapacity:   getEnvInt("RATE_LIMIT_CAPACITY", 10),
		RateLimitRefill:     getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 0.5),
		PostgresDSN:         getEnv("POSTGRES_DSN", ""),
		ArtifactS3Bucket:    getEnv("ARTIFACT_S3_BUCKET", ""),
		ArtifactS3Region:    getEnv("ARTIFACT_S3_REGION", "us-east-1"),
		ArtifactS3Endpoint:  getEnv("ARTIFACT_S3_ENDPOINT", ""),
		ArtifactS3PathStyle: getEnvBool("ARTIFACT_S3_PATH_STYLE", false),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
