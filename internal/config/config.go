package config

import (
	"os"
	"strconv"
)

// Config holds all configuration for the gateway.
type Config struct {
	Host      string
	Port      int
	Version   string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Auth      AuthConfig
	Providers ProviderConfig
	// AllowedOrigins is a comma-separated CORS origin list. Empty means
	// mirror the request origin (local dev).
	AllowedOrigins string
}

type DatabaseConfig struct {
	// URL is a sqlite DSN such as "file:./data/app.db" or "file::memory:".
	URL string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type AuthConfig struct {
	JWTSecret string
}

type ProviderConfig struct {
	OpenAIKey    string
	AnthropicKey string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Host:    envStr("HOST", "0.0.0.0"),
		Port:    envInt("PORT", 8000),
		Version: envStr("MODELGATE_VERSION", "0.4.0"),
		Database: DatabaseConfig{
			URL: envStr("DATABASE_URL", "file:./data/app.db"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "modelgate"),
		},
		Auth: AuthConfig{
			JWTSecret: envStr("JWT_SECRET", "dev-secret-change-me"),
		},
		Providers: ProviderConfig{
			OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
			AnthropicKey: os.Getenv("ANTHROPIC_API_KEY"),
		},
		AllowedOrigins: os.Getenv("ALLOWED_ORIGINS"),
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

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
