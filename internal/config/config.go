// Package config provides the configuration schema, loader, hot-reload
// watcher and provider registry for the voxrelay translation relay.
package config

import (
	"time"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s"
)

// LogLevel controls log verbosity for the relay.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for voxrelay.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Remote      ProviderEntry     `yaml:"remote"`
	Translation TranslationConfig `yaml:"translation"`
	Audio       AudioConfig       `yaml:"audio"`
	Resilience  ResilienceConfig  `yaml:"resilience"`
}

// ServerConfig holds network and logging settings for the relay server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// MaxSessions caps concurrent client sessions. Zero means unlimited.
	MaxSessions int `yaml:"max_sessions"`

	// AllowedOrigins lists host patterns accepted for cross-origin websocket
	// upgrades (path.Match syntax, e.g. "*.example.com"). Same-origin
	// requests are always accepted.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderEntry configures the remote translation provider.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai-realtime").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default realtime endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific realtime model.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// ResilienceConfig guards remote connects with a circuit breaker per
// provider and lists providers to fail over to.
type ResilienceConfig struct {
	// MaxFailures is the number of consecutive connect failures that open a
	// provider's breaker.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long an open breaker rejects connects before it
	// lets probes through.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// Fallbacks are tried in order when the primary remote cannot be reached.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// TranslationConfig is the session template sent to the remote peer when a
// client initialises a session.
type TranslationConfig struct {
	// Modalities lists the requested output modalities. Default: text, audio.
	Modalities []string `yaml:"modalities"`

	// Instructions is the free-text prompt, typically naming the target
	// language and register.
	Instructions string `yaml:"instructions"`

	// Voice is the provider voice identifier (e.g., "alloy").
	Voice string `yaml:"voice"`

	// AudioFormat names the input and output wire format. Only "pcm16" is
	// supported.
	AudioFormat string `yaml:"audio_format"`

	// TranscriptionModel enables input transcription when set (e.g., "whisper-1").
	TranscriptionModel string `yaml:"transcription_model"`

	// TurnDetection configures remote voice-activity detection. When nil,
	// server VAD with the provider defaults is used.
	TurnDetection *TurnDetectionConfig `yaml:"turn_detection"`
}

// TurnDetectionConfig holds the remote VAD parameters.
type TurnDetectionConfig struct {
	// Type selects the detector. "server_vad" or "none" (disables VAD).
	Type string `yaml:"type"`

	Threshold         float64 `yaml:"threshold"`
	PrefixPaddingMs   int     `yaml:"prefix_padding_ms"`
	SilenceDurationMs int     `yaml:"silence_duration_ms"`
}

// SessionConfig converts the template into the provider session config.
func (t TranslationConfig) SessionConfig() s2s.SessionConfig {
	cfg := s2s.SessionConfig{
		Modalities:         append([]string(nil), t.Modalities...),
		Instructions:       t.Instructions,
		Voice:              t.Voice,
		InputAudioFormat:   t.AudioFormat,
		OutputAudioFormat:  t.AudioFormat,
		TranscriptionModel: t.TranscriptionModel,
	}
	if td := t.TurnDetection; td != nil && td.Type != "none" {
		cfg.TurnDetection = &s2s.TurnDetection{
			Type:              td.Type,
			Threshold:         td.Threshold,
			PrefixPaddingMs:   td.PrefixPaddingMs,
			SilenceDurationMs: td.SilenceDurationMs,
		}
	}
	return cfg
}

// AudioConfig holds the PCM format and the framing and commit thresholds.
// All sizes are expressed as durations of audio and converted to bytes with
// [AudioConfig.Format].
type AudioConfig struct {
	SampleRate    int `yaml:"sample_rate"`
	Channels      int `yaml:"channels"`
	BitsPerSample int `yaml:"bits_per_sample"`

	// FrameDurationMs is the duration of one outbound frame. Default: 500.
	FrameDurationMs int `yaml:"frame_duration_ms"`

	// FlushFloorMs is the minimum buffered remainder flushed by the periodic
	// commit. Default: 200. Zero selects the default; use 1 for the
	// smallest floor.
	FlushFloorMs int `yaml:"flush_floor_ms"`

	// CommitFloorMs is the minimum audio sent since the last commit before a
	// commit is issued. Default: 100. Zero selects the default; use 1 for the
	// smallest floor, which commits any buffered audio.
	CommitFloorMs int `yaml:"commit_floor_ms"`

	// CommitInterval is the minimum time between periodic commits. Default: 2s.
	CommitInterval time.Duration `yaml:"commit_interval"`

	// CloseGrace is the delay between the final commit and closing the remote
	// connection. Default: 750ms.
	CloseGrace time.Duration `yaml:"close_grace"`

	// ConnectTimeout bounds dialing the remote peer and waiting for it to
	// confirm the session. Default: 10s.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Format returns the PCM format described by a.
func (a AudioConfig) Format() audio.Format {
	return audio.Format{
		SampleRate:    a.SampleRate,
		Channels:      a.Channels,
		BitsPerSample: a.BitsPerSample,
	}
}
