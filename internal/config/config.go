package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the live conversation service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	// VoiceMode selects the speech ports: "remote" drives the browser over the
	// websocket, "mock" uses simulated capture and playback.
	VoiceMode     string
	MockUtterance string
	MockSpeechWPM int

	BrainMode          string
	GeminiAPIKey       string
	GeminiModel        string
	GeminiSystemPrompt string
	BrainHTTPURL       string
	CannedMinDelay     time.Duration
	CannedMaxDelay     time.Duration

	GenerateTimeout   time.Duration
	MaxMessages       int
	AnnounceInterrupt bool
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:           envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "geminilive"),
		AllowAnyOrigin:     false,
		VoiceMode:          strings.ToLower(envOrDefault("LIVE_VOICE_MODE", "remote")),
		MockUtterance:      envOrDefault("MOCK_UTTERANCE", "hello"),
		MockSpeechWPM:      180,
		BrainMode:          strings.ToLower(envOrDefault("LIVE_BRAIN_MODE", "auto")),
		GeminiAPIKey:       stringsTrimSpace("GEMINI_API_KEY"),
		GeminiModel:        envOrDefault("GEMINI_MODEL", "gemini-2.0-flash"),
		GeminiSystemPrompt: stringsTrimSpace("GEMINI_SYSTEM_PROMPT"),
		BrainHTTPURL:       stringsTrimSpace("BRAIN_HTTP_URL"),
		CannedMinDelay:     500 * time.Millisecond,
		CannedMaxDelay:     1500 * time.Millisecond,
		GenerateTimeout:    20 * time.Second,
		MaxMessages:        100,
		AnnounceInterrupt:  true,

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 5 * time.Minute,
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
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.MockSpeechWPM, err = intFromEnv("MOCK_SPEECH_WPM", cfg.MockSpeechWPM)
	if err != nil {
		return Config{}, err
	}
	cfg.CannedMinDelay, err = durationFromEnv("CANNED_MIN_DELAY", cfg.CannedMinDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.CannedMaxDelay, err = durationFromEnv("CANNED_MAX_DELAY", cfg.CannedMaxDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerateTimeout, err = durationFromEnv("LIVE_GENERATE_TIMEOUT", cfg.GenerateTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxMessages, err = intFromEnv("LIVE_MAX_MESSAGES", cfg.MaxMessages)
	if err != nil {
		return Config{}, err
	}
	cfg.AnnounceInterrupt, err = boolFromEnv("LIVE_ANNOUNCE_INTERRUPT", cfg.AnnounceInterrupt)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	switch cfg.VoiceMode {
	case "remote", "mock":
	default:
		return Config{}, fmt.Errorf("LIVE_VOICE_MODE must be remote or mock, got %q", cfg.VoiceMode)
	}
	switch cfg.BrainMode {
	case "auto", "canned", "gemini", "http":
	default:
		return Config{}, fmt.Errorf("LIVE_BRAIN_MODE must be auto, canned, gemini or http, got %q", cfg.BrainMode)
	}
	if cfg.MaxMessages <= 0 {
		return Config{}, fmt.Errorf("LIVE_MAX_MESSAGES must be positive")
	}
	if cfg.GenerateTimeout <= 0 {
		return Config{}, fmt.Errorf("LIVE_GENERATE_TIMEOUT must be positive")
	}
	if cfg.MockSpeechWPM <= 0 {
		return Config{}, fmt.Errorf("MOCK_SPEECH_WPM must be positive")
	}
	if cfg.CannedMinDelay < 0 {
		return Config{}, fmt.Errorf("CANNED_MIN_DELAY must be >= 0")
	}
	if cfg.CannedMaxDelay < cfg.CannedMinDelay {
		return Config{}, fmt.Errorf("CANNED_MAX_DELAY must be >= CANNED_MIN_DELAY")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
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
	v := stringsTrimSpace(key)
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
	v := strings.ToLower(stringsTrimSpace(key))
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
