package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"voice-bridge/backend/pkg/errors"
)

// Config holds all application configuration
type Config struct {
	// App
	Port string
	Env  string

	// Neo4j (tenants, agent configs, call records)
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string

	// Brain LLM (OpenAI-compatible, usually LiteLLM)
	LiteLLMURL string
	ModelID    string
	LLMAPIKey  string

	// Fallback speech services (OpenAI-compatible)
	OpenAIAPIKey  string
	OpenAIBaseURL string
	STTModel      string
	TTSModel      string
	TTSVoice      string // voice used when a tenant preset cannot be resolved

	// Speech engine
	EngineURL            string
	EngineAPIKey         string
	EngineLanguage       string
	EngineSampleRate     int
	EngineConnectTimeout time.Duration

	// Bridge
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	PersistTimeout       time.Duration
	BrainAssist          bool // ask the brain for replies on final transcripts

	// Telephony
	MediaStreamPath    string
	SessionMaxDuration time.Duration

	// Fallback
	FallbackIdleTimeout time.Duration
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		Env:                  getEnv("ENV", "development"),
		Neo4jURI:             getEnv("NEO4J_URI", "bolt://localhost:7687"),
		Neo4jUser:            getEnv("NEO4J_USER", "neo4j"),
		Neo4jPassword:        getEnv("NEO4J_PASSWORD", "password"),
		LiteLLMURL:           getEnv("LITELLM_URL", "http://localhost:4000"),
		ModelID:              getEnv("MODEL_ID", "openrouter/anthropic/claude-3.5-sonnet"),
		LLMAPIKey:            getEnv("LLM_API_KEY", ""),
		OpenAIAPIKey:         getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:        getEnv("OPENAI_BASE_URL", "https://api.openai.com"),
		STTModel:             getEnv("STT_MODEL", "whisper-1"),
		TTSModel:             getEnv("TTS_MODEL", "tts-1"),
		TTSVoice:             getEnv("TTS_VOICE", "nova"),
		EngineURL:            getEnv("ENGINE_URL", "wss://api.elevenlabs.io/v1/convai/conversation"),
		EngineAPIKey:         getEnv("ENGINE_API_KEY", ""),
		EngineLanguage:       getEnv("ENGINE_LANGUAGE", "de"),
		EngineSampleRate:     getEnvInt("ENGINE_SAMPLE_RATE", 16000),
		EngineConnectTimeout: getEnvMillis("ENGINE_CONNECT_TIMEOUT_MS", 10000),
		MaxReconnectAttempts: getEnvInt("MAX_RECONNECT_ATTEMPTS", 3),
		ReconnectBaseDelay:   getEnvMillis("RECONNECT_BASE_DELAY_MS", 1000),
		PersistTimeout:       getEnvMillis("PERSIST_TIMEOUT_MS", 5000),
		BrainAssist:          getEnvBool("BRAIN_ASSIST", false),
		MediaStreamPath:      getEnv("MEDIA_STREAM_PATH", "/media-stream"),
		SessionMaxDuration:   time.Duration(getEnvInt("SESSION_MAX_DURATION_MIN", 60)) * time.Minute,
		FallbackIdleTimeout:  time.Duration(getEnvInt("FALLBACK_IDLE_TIMEOUT_MIN", 30)) * time.Minute,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration values are set
func (c *Config) Validate() error {
	if c.Neo4jURI == "" {
		return errors.NewConfigMissingRequired("NEO4J_URI")
	}
	if c.Neo4jUser == "" {
		return errors.NewConfigMissingRequired("NEO4J_USER")
	}
	if c.Neo4jPassword == "" {
		return errors.NewConfigMissingRequired("NEO4J_PASSWORD")
	}
	if c.EngineURL == "" {
		return errors.NewConfigMissingRequired("ENGINE_URL")
	}
	if !strings.HasPrefix(c.EngineURL, "ws://") && !strings.HasPrefix(c.EngineURL, "wss://") {
		return fmt.Errorf("ENGINE_URL must be a ws:// or wss:// URL")
	}
	if c.EngineSampleRate <= 0 {
		return fmt.Errorf("ENGINE_SAMPLE_RATE must be positive")
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("MAX_RECONNECT_ATTEMPTS cannot be negative")
	}
	if !strings.HasPrefix(c.MediaStreamPath, "/") {
		return fmt.Errorf("MEDIA_STREAM_PATH must start with /")
	}
	// Engine and OpenAI keys are optional for local development against mocks
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvMillis(key string, defaultMillis int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMillis)) * time.Millisecond
}

func getEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultValue
}
