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
	GatewayPort       string
	GatewayURL        string
	APIURL            string
	EventsURL         string
	PreviewURL        string
	CustomerID        string
	AccessToken       string
	DeepResearch      bool
	StoreDriver       string
	PostgresURL       string
	TemporalAddress   string
	TemporalTaskQueue string
	LogLevel          string
	SSE               SSEConfig
	SessionCacheSize  int
	SessionIdleTTL    time.Duration
	SessionRetention  time.Duration
	SessionSecretKey  string
	Artifact          ArtifactConfig
}

type SSEConfig struct {
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	MaxRetries       int
	NoticeInterval   time.Duration
	ConnectTimeout   time.Duration
	HeartbeatTimeout time.Duration
}

type ArtifactConfig struct {
	Enabled   bool
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Load reads the environment, after merging a local .env file when one exists.
func Load() Config {
	_ = godotenv.Load()

	gatewayPort := getEnv("GATEWAY_PORT", "8080")
	postgresURL := getEnv("POSTGRES_URL", "")
	if postgresURL == "" {
		postgresURL = buildPostgresURL()
	}
	apiURL := getEnv("ALTERNATIVELY_API_URL", "https://api.websitelm.com/v1")
	return Config{
		GatewayPort:       gatewayPort,
		GatewayURL:        getEnv("GATEWAY_URL", "http://localhost:"+gatewayPort),
		APIURL:            apiURL,
		EventsURL:         getEnv("ALTERNATIVELY_EVENTS_URL", apiURL),
		PreviewURL:        getEnv("ALTERNATIVELY_PREVIEW_URL", "https://preview.websitelm.site"),
		CustomerID:        getEnv("ALTERNATIVELY_CUSTOMER_ID", ""),
		AccessToken:       getEnv("ALTERNATIVELY_ACCESS_TOKEN", ""),
		DeepResearch:      getEnvBool("ALTERNATIVELY_DEEP_RESEARCH", false),
		StoreDriver:       getEnv("STORE_DRIVER", "postgres"),
		PostgresURL:       postgresURL,
		TemporalAddress:   getEnv("TEMPORAL_ADDRESS", "localhost:7233"),
		TemporalTaskQueue: getEnv("TEMPORAL_TASK_QUEUE", "alternatively-batches"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		SSE: SSEConfig{
			BaseDelay:        getEnvMillis("SSE_BASE_DELAY_MS", 5*time.Second),
			MaxDelay:         getEnvMillis("SSE_MAX_DELAY_MS", 60*time.Second),
			MaxRetries:       getEnvInt("SSE_MAX_RETRIES", 5),
			NoticeInterval:   getEnvMillis("SSE_NOTICE_INTERVAL_MS", 3*time.Second),
			ConnectTimeout:   getEnvMillis("SSE_CONNECT_TIMEOUT_MS", 15*time.Second),
			HeartbeatTimeout: getEnvMillis("SSE_HEARTBEAT_TIMEOUT_MS", 60*time.Second),
		},
		SessionCacheSize: getEnvInt("SESSION_CACHE_SIZE", 256),
		SessionIdleTTL:   getEnvMillis("SESSION_IDLE_TTL_MS", 30*time.Minute),
		SessionRetention: getEnvMillis("SESSION_RETENTION_MS", 7*24*time.Hour),
		SessionSecretKey: getEnv("SESSION_SECRET_KEY", ""),
		Artifact:         loadArtifactConfig(),
	}
}

func loadArtifactConfig() ArtifactConfig {
	endpoint := getEnv("ARTIFACT_S3_ENDPOINT", "")
	return ArtifactConfig{
		Enabled:   endpoint != "",
		Endpoint:  endpoint,
		Region:    getEnv("ARTIFACT_S3_REGION", "us-east-1"),
		AccessKey: getEnv("ARTIFACT_S3_ACCESS_KEY", getEnv("MINIO_ROOT_USER", "")),
		SecretKey: getEnv("ARTIFACT_S3_SECRET_KEY", getEnv("MINIO_ROOT_PASSWORD", "")),
		Bucket:    getEnv("ARTIFACT_S3_BUCKET", "alternatively-pages"),
		UseSSL:    getEnvBool("ARTIFACT_S3_USE_SSL", true),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvMillis(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil && parsed > 0 {
			return time.Duration(parsed) * time.Millisecond
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func buildPostgresURL() string {
	user := getEnv("POSTGRES_USER", "alternatively")
	password := getEnv("POSTGRES_PASSWORD", "alternatively")
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	database := getEnv("POSTGRES_DB", "alternatively")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, database)
}
