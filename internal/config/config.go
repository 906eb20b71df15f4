package config

import (
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	GinMode string

	// Broker
	RabbitHost     string
	RabbitPort     int
	RabbitUser     string
	RabbitPassword string
	RabbitVHost    string

	// Session store
	RedisURL   string
	SessionTTL time.Duration

	// Document store
	MongoURI                 string
	MongoInstitutionDBPrefix string

	// Object store
	MinioEndpoint     string
	MinioRootUser     string
	MinioRootPassword string
	MinioBucket       string
	MinioSecure       bool

	// Vector index
	QdrantHost string
	QdrantPort int
	QdrantDim  int

	// LLM
	LLMBaseURL    string
	LLMAPIKey     string
	LLMModel      string
	EmbeddingsURL string

	// Analytics
	DatabaseURL string

	// Tenant
	OrgID string

	// Worker
	WorkerPrefetch int
	HandlerTimeout time.Duration
	ShutdownGrace  time.Duration

	// Hub
	SubscriberBuffer int

	// Server
	ServerShutdownTimeoutSeconds int

	// Logging
	LogLevel  string
	LogFormat string

	// Topology overrides, loaded from the optional config file.
	Topology *TopologyConfig `yaml:"topology"`
}

// TopologyConfig allows overriding queue bindings from a config file.
// Only used in development; production uses the built-in topology.
type TopologyConfig struct {
	QueueBindings map[string][]string `yaml:"queue_bindings"`
}

var AppConfig *Config

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8000"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// Broker
		RabbitHost:     getEnvOrDefault("RABBITMQ_HOST", "rabbitmq"),
		RabbitPort:     getEnvAsInt("RABBITMQ_PORT", 5672),
		RabbitUser:     getEnvOrDefault("RABBITMQ_USER", "guest"),
		RabbitPassword: getEnvOrDefault("RABBITMQ_PASSWORD", "guest"),
		RabbitVHost:    getEnvOrDefault("RABBITMQ_VHOST", "/"),

		// Session store
		RedisURL:   getEnvOrDefault("REDIS_URL", "redis://localhost:6379/0"),
		SessionTTL: getEnvAsDuration("SESSION_TTL", time.Hour),

		// Document store
		MongoURI:                 getEnvOrDefault("MONGO_URI", "mongodb://mongo:27017"),
		MongoInstitutionDBPrefix: getEnvOrDefault("MONGO_DB_INSTITUTION_PREFIX", "institution_"),

		// Object store
		MinioEndpoint:     getEnvOrDefault("MINIO_ENDPOINT", "minio:9000"),
		MinioRootUser:     getEnvOrDefault("MINIO_ROOT_USER", "minioadmin"),
		MinioRootPassword: getEnvOrDefault("MINIO_ROOT_PASSWORD", "minioadmin"),
		MinioBucket:       getEnvOrDefault("MINIO_BUCKET", "lxp-artifacts"),
		MinioSecure:       getEnvOrDefault("MINIO_SECURE", "false") == "true",

		// Vector index
		QdrantHost: getEnvOrDefault("QDRANT_HOST", "qdrant"),
		QdrantPort: getEnvAsInt("QDRANT_PORT", 6333),
		QdrantDim:  getEnvAsInt("QDRANT_DIM", 768),

		// LLM
		LLMBaseURL:    getEnvOrDefault("LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMAPIKey:     getEnvOrDefault("LLM_API_KEY", ""),
		LLMModel:      getEnvOrDefault("LLM_MODEL", "gpt-4o-mini"),
		EmbeddingsURL: getEnvOrDefault("EMBEDDINGS_URL", ""),

		// Analytics
		DatabaseURL: getEnvOrDefault("DATABASE_URL", "postgres://localhost/lxp_analytics?sslmode=disable"),

		// Tenant
		OrgID: getEnvOrDefault("APP_ORG_ID", "demo-org"),

		// Worker
		WorkerPrefetch: getEnvAsInt("WORKER_PREFETCH", 8),
		HandlerTimeout: getEnvAsDuration("HANDLER_TIMEOUT", 300*time.Second),
		ShutdownGrace:  getEnvAsDuration("SHUTDOWN_GRACE", 30*time.Second),

		// Hub
		SubscriberBuffer: getEnvAsInt("SUBSCRIBER_BUFFER", 64),

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	// Optional config file overlay; environment variables keep precedence
	// for everything except topology overrides.
	configFilePath := getEnvOrDefault("CONFIG_FILE", "")
	if configFilePath != "" {
		configFile, err := os.Open(configFilePath)
		if err != nil {
			log.Fatalf("Failed to open config file: %v", err)
		}
		defer configFile.Close()

		if err := LoadConfigFile(configFile, AppConfig); err != nil {
			log.Fatalf("Failed to load config file: %v", err)
		}
	}

	if AppConfig.LLMAPIKey == "" {
		log.Println("Warning: LLM API key is missing. The conversation engine will run in degraded mode.")
	}

	if AppConfig.EmbeddingsURL == "" {
		log.Println("Warning: EMBEDDINGS_URL not set. Falling back to hash-based embeddings.")
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(config); err != nil {
		return err
	}

	return nil
}
