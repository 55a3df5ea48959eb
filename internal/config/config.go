package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the live gateway client
type Config struct {
	// Live API endpoint configuration
	LiveURL               string `envconfig:"LIVE_URL" default:"wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"`
	LiveAPIKey            string `envconfig:"LIVE_API_KEY" default:""`
	LiveModel             string `envconfig:"LIVE_MODEL" default:"gemini-2.0-flash-live-001"`
	LiveSystemInstruction string `envconfig:"LIVE_SYSTEM_INSTRUCTION" default:""`
	LiveResponseModality  string `envconfig:"LIVE_RESPONSE_MODALITY" default:"AUDIO"` // AUDIO or TEXT, never both
	LiveVoiceName         string `envconfig:"LIVE_VOICE_NAME" default:""`
	SetupTimeout          int    `envconfig:"SETUP_TIMEOUT" default:"10"` // seconds

	// Audio processing configuration
	InputSampleRate    int `envconfig:"INPUT_SAMPLE_RATE" default:"16000"`    // Rate the backend expects for microphone audio
	OutputSampleRate   int `envconfig:"OUTPUT_SAMPLE_RATE" default:"24000"`   // Rate of model audio
	PlaybackSampleRate int `envconfig:"PLAYBACK_SAMPLE_RATE" default:"48000"` // Output device rate
	CaptureQueueSize   int `envconfig:"CAPTURE_QUEUE_SIZE" default:"64"`      // Pending capture chunks before dropping

	// Video configuration
	VideoFrameIntervalMs int `envconfig:"VIDEO_FRAME_INTERVAL_MS" default:"1000"` // Backend accepts one frame per second
	VideoJPEGQuality     int `envconfig:"VIDEO_JPEG_QUALITY" default:"80"`
	VideoMaxWidth        int `envconfig:"VIDEO_MAX_WIDTH" default:"0"` // 0 keeps the source width

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"3"`
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"` // milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	MetricsPort    string `envconfig:"METRICS_PORT" default:"9090"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks field ranges that envconfig cannot express
func (c *Config) Validate() error {
	if c.LiveURL == "" {
		return fmt.Errorf("LIVE_URL is required")
	}
	if c.LiveModel == "" {
		return fmt.Errorf("LIVE_MODEL is required")
	}

	c.LiveResponseModality = strings.ToUpper(c.LiveResponseModality)
	if c.LiveResponseModality != "AUDIO" && c.LiveResponseModality != "TEXT" {
		return fmt.Errorf("LIVE_RESPONSE_MODALITY must be AUDIO or TEXT, got %q", c.LiveResponseModality)
	}

	if c.InputSampleRate <= 0 || c.OutputSampleRate <= 0 || c.PlaybackSampleRate <= 0 {
		return fmt.Errorf("sample rates must be positive")
	}
	if c.CaptureQueueSize <= 0 {
		return fmt.Errorf("CAPTURE_QUEUE_SIZE must be positive, got %d", c.CaptureQueueSize)
	}
	if c.VideoFrameIntervalMs <= 0 {
		return fmt.Errorf("VIDEO_FRAME_INTERVAL_MS must be positive, got %d", c.VideoFrameIntervalMs)
	}
	if c.VideoJPEGQuality < 1 || c.VideoJPEGQuality > 100 {
		return fmt.Errorf("VIDEO_JPEG_QUALITY must be within 1..100, got %d", c.VideoJPEGQuality)
	}

	return nil
}

// SetupTimeoutDuration returns the handshake timeout
func (c *Config) SetupTimeoutDuration() time.Duration {
	return time.Duration(c.SetupTimeout) * time.Second
}

// VideoFrameInterval returns the capture cadence for video recording
func (c *Config) VideoFrameInterval() time.Duration {
	return time.Duration(c.VideoFrameIntervalMs) * time.Millisecond
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
