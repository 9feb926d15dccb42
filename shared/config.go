package shared

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Environment variable keys
const (
	EnvKeyURL          = "VOICE_AGENT_URL"
	EnvKeyLogFile      = "VOICE_AGENT_LOG_FILE"
	EnvKeyPlaybackRate = "VOICE_AGENT_PLAYBACK_RATE"
	EnvKeySystemPrompt = "VOICE_AGENT_SYSTEM_PROMPT"
	EnvKeyUserPrompt   = "VOICE_AGENT_USER_PROMPT"
)

type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type AudioConfig struct {
	// PlaybackRate is the output device rate. The speaker is opened at it
	// and inbound audio is resampled to it.
	PlaybackRate int `yaml:"playback_rate"`
	// PlaybackBuffer is the device side buffer of the speaker.
	PlaybackBuffer time.Duration `yaml:"playback_buffer"`
	// CaptureRate asks the microphone for a rate; 0 keeps the device default.
	CaptureRate int `yaml:"capture_rate"`
	// CaptureLatency is the preferred microphone block duration.
	CaptureLatency time.Duration `yaml:"capture_latency"`
}

type SessionConfig struct {
	SystemPrompt string `yaml:"system_prompt"`
	UserPrompt   string `yaml:"user_prompt"`
}

type Config struct {
	URL     string        `yaml:"url"`
	Log     LogConfig     `yaml:"log"`
	Audio   AudioConfig   `yaml:"audio"`
	Session SessionConfig `yaml:"session"`
}

func DefaultConfig() *Config {
	return &Config{
		URL: "ws://localhost/api/v1/voice/agent",
		Log: LogConfig{
			File:       "cli/cli.log",
			MaxSizeMB:  10,
			MaxBackups: 2,
			MaxAgeDays: 3,
		},
		Audio: AudioConfig{
			PlaybackRate:   48000,
			PlaybackBuffer: 40 * time.Millisecond,
			CaptureLatency: 20 * time.Millisecond,
		},
	}
}

// LoadConfig starts from DefaultConfig, applies the YAML file at path when
// path is not empty, then applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() (err error) {
	if c.URL, err = Getenv(GetenvString, EnvKeyURL, false, c.URL); err != nil {
		return err
	}
	if c.Log.File, err = Getenv(GetenvString, EnvKeyLogFile, false, c.Log.File); err != nil {
		return err
	}
	if c.Audio.PlaybackRate, err = Getenv(GetenvInt, EnvKeyPlaybackRate, false, c.Audio.PlaybackRate); err != nil {
		return err
	}
	if c.Session.SystemPrompt, err = Getenv(GetenvString, EnvKeySystemPrompt, false, c.Session.SystemPrompt); err != nil {
		return err
	}
	if c.Session.UserPrompt, err = Getenv(GetenvString, EnvKeyUserPrompt, false, c.Session.UserPrompt); err != nil {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	if c.URL == "" {
		return ErrNoURL
	}
	if c.Audio.PlaybackRate <= 0 {
		return fmt.Errorf("playback rate %d: %w", c.Audio.PlaybackRate, ErrInvalidSampleRate)
	}
	if c.Audio.CaptureRate < 0 {
		return fmt.Errorf("capture rate %d: %w", c.Audio.CaptureRate, ErrInvalidSampleRate)
	}
	if c.Audio.CaptureLatency < 0 {
		return fmt.Errorf("capture latency must not be negative, got %s", c.Audio.CaptureLatency)
	}
	if c.Audio.PlaybackBuffer <= 0 {
		return fmt.Errorf("playback buffer must be positive, got %s", c.Audio.PlaybackBuffer)
	}
	return nil
}
