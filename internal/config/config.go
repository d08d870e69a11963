package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string
	JWTSecret   string

	PageSize    int
	BatchWindow time.Duration
	TypingTTL   time.Duration
}

// Load reads configuration from the environment, after loading .env if one
// exists (ignored in production where there is none).
func Load() Config {
	_ = godotenv.Load()

	connString := getEnv("DATABASE_URL", "")
	if connString == "" {
		// Fallback to individual vars
		connString = "postgres://" + getEnv("POSTGRES_USER", "postgres") + ":" +
			getEnv("POSTGRES_PASSWORD", "postgres") + "@" +
			getEnv("POSTGRES_HOST", "localhost") + ":" +
			getEnv("POSTGRES_PORT", "5432") + "/" +
			getEnv("POSTGRES_DB", "chatdb") + "?sslmode=disable"
	}

	return Config{
		Port:        getEnv("PORT", "3001"),
		DatabaseURL: connString,
		JWTSecret:   getEnv("JWT_SECRET", "secret"),
		PageSize:    getEnvInt("CHAT_PAGE_SIZE", 50),
		BatchWindow: time.Duration(getEnvInt("CHAT_BATCH_WINDOW_MS", 100)) * time.Millisecond,
		TypingTTL:   time.Duration(getEnvInt("CHAT_TYPING_TTL_MS", 5000)) * time.Millisecond,
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}
