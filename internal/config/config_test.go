package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":3000" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":3000")
	}
	if cfg.StepFunModel != "step-audio-2" {
		t.Fatalf("StepFunModel = %q, want %q", cfg.StepFunModel, "step-audio-2")
	}
	if cfg.StepFunVoice != "qingchunshaonv" {
		t.Fatalf("StepFunVoice = %q, want %q", cfg.StepFunVoice, "qingchunshaonv")
	}
	if cfg.ConnectTimeout != 10*time.Second {
		t.Fatalf("ConnectTimeout = %v, want %v", cfg.ConnectTimeout, 10*time.Second)
	}
	if cfg.ConnectAttempts != 3 {
		t.Fatalf("ConnectAttempts = %d, want 3", cfg.ConnectAttempts)
	}
	if cfg.InputSampleRate != 16000 || cfg.OutputSampleRate != 24000 {
		t.Fatalf("sample rates = %d/%d, want 16000/24000", cfg.InputSampleRate, cfg.OutputSampleRate)
	}
	if cfg.ESLReconnectInterval != 5*time.Second {
		t.Fatalf("ESLReconnectInterval = %v, want %v", cfg.ESLReconnectInterval, 5*time.Second)
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")
	t.Setenv("STEPFUN_CONNECT_ATTEMPTS", "5")
	t.Setenv("STEPFUN_CONNECT_RETRY_DELAY", "500ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9090")
	}
	if cfg.ConnectAttempts != 5 {
		t.Fatalf("ConnectAttempts = %d, want 5", cfg.ConnectAttempts)
	}
	if cfg.ConnectRetryDelay != 500*time.Millisecond {
		t.Fatalf("ConnectRetryDelay = %v, want %v", cfg.ConnectRetryDelay, 500*time.Millisecond)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{name: "zero attempts", key: "STEPFUN_CONNECT_ATTEMPTS", value: "0"},
		{name: "bad duration", key: "STEPFUN_CONNECT_TIMEOUT", value: "soon"},
		{name: "tiny timeout", key: "STEPFUN_CONNECT_TIMEOUT", value: "10ms"},
		{name: "negative sample rate", key: "AUDIO_INPUT_SAMPLE_RATE", value: "-1"},
		{name: "short inactivity", key: "APP_SESSION_INACTIVITY_TIMEOUT", value: "1s"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%s succeeded, want error", tc.key, tc.value)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"STEPFUN_API_KEY",
		"STEPFUN_WS_BASE_URL",
		"STEPFUN_MODEL",
		"STEPFUN_VOICE",
		"STEPFUN_SYSTEM_PROMPT",
		"STEPFUN_CONNECT_TIMEOUT",
		"STEPFUN_CONNECT_ATTEMPTS",
		"STEPFUN_CONNECT_RETRY_DELAY",
		"AUDIO_INPUT_SAMPLE_RATE",
		"AUDIO_OUTPUT_SAMPLE_RATE",
		"DATABASE_URL",
		"ESL_ADDR",
		"ESL_PASSWORD",
		"ESL_RECONNECT_INTERVAL",
		"RELAY_WS_BASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
