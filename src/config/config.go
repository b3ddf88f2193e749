package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default system prompt used when SYSTEM_PROMPT is not configured.
// Supports {{key}} placeholders filled from the open message's inputVariables.
const defaultSystemPrompt = "You are a helpful voice assistant answering a phone call. " +
	"Keep your responses short and conversational."

// Config holds the complete process configuration. It is built once at
// startup (LoadFromEnv) and passed through constructors; components never
// read the environment mid-call.
type Config struct {
	// Server
	Port    int
	WSPath  string
	APIKeys []string // accepted X-API-Key values; empty list disables auth

	// Voice agent selection
	AgentProvider string // "ultravox" or "gemini"

	// Call-control audio framing
	MaxBinaryMessageSize int
	MinBinaryMessageSize int

	// Timers
	NoInputTimeout        time.Duration
	AudioBufferFlushDelay time.Duration
	DTMFCaptureTimeout    time.Duration

	// Upstream call creation
	UpstreamConnectTimeout time.Duration

	// Agent prompt, templated with the session's inputVariables
	SystemPromptTemplate string

	// UltraVox
	UltravoxAPIKey           string
	UltravoxAPIURL           string
	UltravoxModel            string
	UltravoxVoice            string
	UltravoxTemperature      float64
	UltravoxFirstSpeaker     string
	UltravoxInputSampleRate  int // rate of PCM sent upstream
	UltravoxOutputSampleRate int // rate of PCM received from upstream

	// Gemini Live
	GeminiAPIKey string
	GeminiModel  string
	GeminiVoice  string
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		Port:                     8080,
		WSPath:                   "/ws",
		AgentProvider:            "ultravox",
		MaxBinaryMessageSize:     64000,
		MinBinaryMessageSize:     1000,
		NoInputTimeout:           30 * time.Second,
		AudioBufferFlushDelay:    500 * time.Millisecond,
		DTMFCaptureTimeout:       3 * time.Second,
		UpstreamConnectTimeout:   10 * time.Second,
		SystemPromptTemplate:     defaultSystemPrompt,
		UltravoxAPIURL:           "https://api.ultravox.ai",
		UltravoxModel:            "fixie-ai/ultravox",
		UltravoxVoice:            "Mark",
		UltravoxTemperature:      0.4,
		UltravoxFirstSpeaker:     "FIRST_SPEAKER_AGENT",
		UltravoxInputSampleRate:  8000,
		UltravoxOutputSampleRate: 8000,
		GeminiModel:              "gemini-2.0-flash-live-001",
		GeminiVoice:              "Puck",
	}
}

// LoadFromEnv builds a Config from environment variables on top of defaults.
func LoadFromEnv() (*Config, error) {
	cfg := Default()

	var err error
	if cfg.Port, err = envInt("PORT", cfg.Port); err != nil {
		return nil, err
	}
	if v := os.Getenv("WS_PATH"); v != "" {
		cfg.WSPath = v
	}
	if v := os.Getenv("API_KEYS"); v != "" {
		for _, key := range strings.Split(v, ",") {
			if key = strings.TrimSpace(key); key != "" {
				cfg.APIKeys = append(cfg.APIKeys, key)
			}
		}
	}
	if v := os.Getenv("AGENT_PROVIDER"); v != "" {
		cfg.AgentProvider = strings.ToLower(v)
	}

	if cfg.MaxBinaryMessageSize, err = envInt("MAX_BINARY_MESSAGE_SIZE", cfg.MaxBinaryMessageSize); err != nil {
		return nil, err
	}
	if cfg.MinBinaryMessageSize, err = envInt("MIN_BINARY_MESSAGE_SIZE", cfg.MinBinaryMessageSize); err != nil {
		return nil, err
	}
	if cfg.MinBinaryMessageSize > cfg.MaxBinaryMessageSize {
		return nil, fmt.Errorf("MIN_BINARY_MESSAGE_SIZE (%d) exceeds MAX_BINARY_MESSAGE_SIZE (%d)",
			cfg.MinBinaryMessageSize, cfg.MaxBinaryMessageSize)
	}

	if cfg.NoInputTimeout, err = envMillis("NO_INPUT_TIMEOUT_MS", cfg.NoInputTimeout); err != nil {
		return nil, err
	}
	if cfg.AudioBufferFlushDelay, err = envMillis("AUDIO_BUFFER_FLUSH_MS", cfg.AudioBufferFlushDelay); err != nil {
		return nil, err
	}
	if cfg.DTMFCaptureTimeout, err = envMillis("DTMF_CAPTURE_TIMEOUT_MS", cfg.DTMFCaptureTimeout); err != nil {
		return nil, err
	}

	if v := os.Getenv("SYSTEM_PROMPT"); v != "" {
		cfg.SystemPromptTemplate = v
	}

	cfg.UltravoxAPIKey = os.Getenv("ULTRAVOX_API_KEY")
	if v := os.Getenv("ULTRAVOX_API_URL"); v != "" {
		cfg.UltravoxAPIURL = strings.TrimSuffix(v, "/")
	}
	if v := os.Getenv("ULTRAVOX_MODEL"); v != "" {
		cfg.UltravoxModel = v
	}
	if v := os.Getenv("ULTRAVOX_VOICE"); v != "" {
		cfg.UltravoxVoice = v
	}
	if v := os.Getenv("ULTRAVOX_TEMPERATURE"); v != "" {
		if cfg.UltravoxTemperature, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("invalid ULTRAVOX_TEMPERATURE: %w", err)
		}
	}
	if v := os.Getenv("ULTRAVOX_FIRST_SPEAKER"); v != "" {
		cfg.UltravoxFirstSpeaker = v
	}
	if cfg.UltravoxInputSampleRate, err = envInt("ULTRAVOX_INPUT_SAMPLE_RATE", cfg.UltravoxInputSampleRate); err != nil {
		return nil, err
	}
	if cfg.UltravoxOutputSampleRate, err = envInt("ULTRAVOX_OUTPUT_SAMPLE_RATE", cfg.UltravoxOutputSampleRate); err != nil {
		return nil, err
	}

	cfg.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	if v := os.Getenv("GEMINI_MODEL"); v != "" {
		cfg.GeminiModel = v
	}
	if v := os.Getenv("GEMINI_VOICE"); v != "" {
		cfg.GeminiVoice = v
	}

	return cfg, nil
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

func envMillis(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
