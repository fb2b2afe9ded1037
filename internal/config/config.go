package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrMissingAPIKey means the relay cannot open upstream sessions. The
// process still serves the REST surface; websocket attachments are refused
// with this error.
var ErrMissingAPIKey = errors.New("STEPFUN_API_KEY is not set")

// Config contains all runtime settings for the voice relay service and the
// telephony bridge.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	SessionInactivityTimeout time.Duration

	StepFunAPIKey       string
	StepFunWSBaseURL    string
	StepFunModel        string
	StepFunVoice        string
	StepFunSystemPrompt string

	ConnectTimeout    time.Duration
	ConnectAttempts   int
	ConnectRetryDelay time.Duration

	InputSampleRate  int
	OutputSampleRate int

	DatabaseURL string

	ESLAddr              string
	ESLPassword          string
	ESLReconnectInterval time.Duration
	RelayWSBaseURL       string
}

// Load reads environment variables and applies safe defaults. A .env file in
// the working directory is honored when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":3000"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "vapi"),
		AllowAnyOrigin:   false,
		StepFunAPIKey:    trimmedEnv("STEPFUN_API_KEY"),
		StepFunWSBaseURL: envOrDefault("STEPFUN_WS_BASE_URL", "wss://api.stepfun.com"),
		StepFunModel:     envOrDefault("STEPFUN_MODEL", "step-audio-2"),
		StepFunVoice:     envOrDefault("STEPFUN_VOICE", "qingchunshaonv"),
		// Fallback persona; per-session prompts come from the assistant record.
		StepFunSystemPrompt:      envOrDefault("STEPFUN_SYSTEM_PROMPT", "You are a friendly voice assistant. Answer briefly and naturally."),
		ConnectTimeout:           10 * time.Second,
		ConnectAttempts:          3,
		ConnectRetryDelay:        2 * time.Second,
		InputSampleRate:          16000,
		OutputSampleRate:         24000,
		DatabaseURL:              trimmedEnv("DATABASE_URL"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		ESLAddr:                  envOrDefault("ESL_ADDR", "127.0.0.1:8021"),
		ESLPassword:              envOrDefault("ESL_PASSWORD", "ClueCon"),
		ESLReconnectInterval:     5 * time.Second,
		RelayWSBaseURL:           envOrDefault("RELAY_WS_BASE_URL", "ws://localhost:3000"),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectTimeout, err = durationFromEnv("STEPFUN_CONNECT_TIMEOUT", cfg.ConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectAttempts, err = intFromEnv("STEPFUN_CONNECT_ATTEMPTS", cfg.ConnectAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectRetryDelay, err = durationFromEnv("STEPFUN_CONNECT_RETRY_DELAY", cfg.ConnectRetryDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.InputSampleRate, err = intFromEnv("AUDIO_INPUT_SAMPLE_RATE", cfg.InputSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.OutputSampleRate, err = intFromEnv("AUDIO_OUTPUT_SAMPLE_RATE", cfg.OutputSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.ESLReconnectInterval, err = durationFromEnv("ESL_RECONNECT_INTERVAL", cfg.ESLReconnectInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.ConnectTimeout < time.Second {
		return Config{}, fmt.Errorf("STEPFUN_CONNECT_TIMEOUT must be at least 1s")
	}
	if cfg.ConnectAttempts <= 0 {
		return Config{}, fmt.Errorf("STEPFUN_CONNECT_ATTEMPTS must be positive")
	}
	if cfg.InputSampleRate <= 0 || cfg.OutputSampleRate <= 0 {
		return Config{}, fmt.Errorf("audio sample rates must be positive")
	}
	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.ESLReconnectInterval < time.Second {
		return Config{}, fmt.Errorf("ESL_RECONNECT_INTERVAL must be at least 1s")
	}

	return cfg, nil
}

// UpstreamReady reports whether upstream credentials are configured.
func (c Config) UpstreamReady() error {
	if strings.TrimSpace(c.StepFunAPIKey) == "" {
		return ErrMissingAPIKey
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
