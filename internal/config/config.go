package config

import (
	"io"
	"log"
	"os"
	"strconv"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	GinMode string

	// Database
	DatabaseURL string

	// Auth
	GoogleClientID string
	JWTSecretKey   string
	JWTTTLDays     int

	// Usage quota
	DailyGenerationLimit int

	// Chat history
	HistoryPageSize int

	// Title generation
	TitleModel        string
	TitleWorkerPool   int
	TitleBufferSize   int
	TitleTimeoutSecs  int
	TitleMaxRuneCount int

	// Model catalog, loaded from the YAML config file.
	Models *ModelCatalogConfig `yaml:"models"`

	// Database Connection Pool
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Worker Pool
	RequestLogWorkerPoolSize int
	RequestLogBufferSize     int
	RequestLogTimeoutSeconds int

	// Server
	ServerShutdownTimeoutSeconds int

	// CORS
	CORSAllowedOrigins string

	// Logging
	LogLevel  string
	LogFormat string
}

var AppConfig *Config

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// Database
		DatabaseURL: getEnvOrDefault("DATABASE_URL", "postgres://localhost/chatstream?sslmode=disable"),

		// Auth
		GoogleClientID: getEnvOrDefault("GOOGLE_CLIENT_ID", ""),
		JWTSecretKey:   getEnvOrDefault("SECRET_KEY", ""),
		JWTTTLDays:     getEnvAsInt("JWT_TTL_DAYS", 30),

		// Usage quota
		DailyGenerationLimit: getEnvAsInt("DAILY_GENERATION_LIMIT", 50),

		// Chat history
		HistoryPageSize: getEnvAsInt("HISTORY_PAGE_SIZE", 10),

		// Title generation
		TitleModel:        getEnvOrDefault("TITLE_MODEL", "gpt-4o-mini"),
		TitleWorkerPool:   getEnvAsInt("TITLE_WORKER_POOL_SIZE", 5),
		TitleBufferSize:   getEnvAsInt("TITLE_BUFFER_SIZE", 500),
		TitleTimeoutSecs:  getEnvAsInt("TITLE_TIMEOUT_SECONDS", 30),
		TitleMaxRuneCount: getEnvAsInt("TITLE_MAX_RUNES", 80),

		// Database Connection Pool
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		// Worker Pool
		RequestLogWorkerPoolSize: getEnvAsInt("REQUEST_LOG_WORKER_POOL_SIZE", 20),
		RequestLogBufferSize:     getEnvAsInt("REQUEST_LOG_BUFFER_SIZE", 5000),
		RequestLogTimeoutSeconds: getEnvAsInt("REQUEST_LOG_TIMEOUT_SECONDS", 30),

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		// CORS
		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	// Load the model catalog from the configuration file. Environment
	// variables keep precedence for everything else; the file only carries
	// structured settings like the catalog.
	configFilePath := getEnvOrDefault("CONFIG_FILE", "config.yaml")
	log.Printf("Loading config file: %v", configFilePath)

	configFile, err := os.Open(configFilePath)
	if err != nil {
		log.Fatalf("Failed to open config file: %v", err)
	}
	defer configFile.Close()

	if err := LoadConfigFile(configFile, AppConfig); err != nil {
		log.Fatalf("Failed to load config file: %v", err)
	}

	if AppConfig.Models == nil {
		log.Fatal("Model catalog configuration is empty")
	}

	if AppConfig.JWTSecretKey == "" {
		log.Fatal("SECRET_KEY environment variable is required")
	}

	if AppConfig.GoogleClientID == "" {
		log.Println("Warning: Google client ID is missing. Please set GOOGLE_CLIENT_ID environment variable.")
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

func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(config); err != nil {
		return err
	}

	return nil
}
