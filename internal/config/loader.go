package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known remote provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"openai-realtime", "gemini-live"}

// Defaults applied by [ApplyDefaults] to zero-valued fields.
const (
	DefaultListenAddr      = ":8080"
	DefaultProvider        = "openai-realtime"
	DefaultAudioFormat     = "pcm16"
	DefaultVoice           = "alloy"
	DefaultFrameDurationMs = 500
	DefaultFlushFloorMs    = 200
	DefaultCommitFloorMs   = 100
	DefaultCommitInterval  = 2 * time.Second
	DefaultCloseGrace      = 750 * time.Millisecond
	DefaultConnectTimeout  = 10 * time.Second
	DefaultMaxFailures     = 5
	DefaultResetTimeout    = 30 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields of cfg with the reference defaults:
// 24 kHz mono 16-bit PCM, 500 ms frames, a 200 ms flush floor, a 100 ms
// commit floor and a 2 s commit interval.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Remote.Name == "" {
		cfg.Remote.Name = DefaultProvider
	}

	t := &cfg.Translation
	if len(t.Modalities) == 0 {
		t.Modalities = []string{"text", "audio"}
	}
	if t.AudioFormat == "" {
		t.AudioFormat = DefaultAudioFormat
	}
	if t.Voice == "" {
		t.Voice = DefaultVoice
	}
	if t.TurnDetection == nil {
		t.TurnDetection = &TurnDetectionConfig{Type: "server_vad"}
	}
	if t.TurnDetection.Type == "server_vad" {
		if t.TurnDetection.Threshold == 0 {
			t.TurnDetection.Threshold = 0.5
		}
		if t.TurnDetection.PrefixPaddingMs == 0 {
			t.TurnDetection.PrefixPaddingMs = 300
		}
		if t.TurnDetection.SilenceDurationMs == 0 {
			t.TurnDetection.SilenceDurationMs = 500
		}
	}

	a := &cfg.Audio
	if a.SampleRate == 0 {
		a.SampleRate = 24000
	}
	if a.Channels == 0 {
		a.Channels = 1
	}
	if a.BitsPerSample == 0 {
		a.BitsPerSample = 16
	}
	if a.FrameDurationMs == 0 {
		a.FrameDurationMs = DefaultFrameDurationMs
	}
	if a.FlushFloorMs == 0 {
		a.FlushFloorMs = DefaultFlushFloorMs
	}
	if a.CommitFloorMs == 0 {
		a.CommitFloorMs = DefaultCommitFloorMs
	}
	if a.CommitInterval == 0 {
		a.CommitInterval = DefaultCommitInterval
	}
	if a.CloseGrace == 0 {
		a.CloseGrace = DefaultCloseGrace
	}
	if a.ConnectTimeout == 0 {
		a.ConnectTimeout = DefaultConnectTimeout
	}

	r := &cfg.Resilience
	if r.MaxFailures == 0 {
		r.MaxFailures = DefaultMaxFailures
	}
	if r.ResetTimeout == 0 {
		r.ResetTimeout = DefaultResetTimeout
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must not be negative", cfg.Server.MaxSessions))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Remote
	validateProviderName(cfg.Remote.Name)
	if cfg.Remote.APIKey == "" {
		slog.Warn("remote.api_key is empty; the remote provider will reject sessions unless base_url points at an unauthenticated endpoint")
	}

	// Translation
	t := cfg.Translation
	if t.AudioFormat != "" && t.AudioFormat != DefaultAudioFormat {
		errs = append(errs, fmt.Errorf("translation.audio_format %q is unsupported; only %q is relayed", t.AudioFormat, DefaultAudioFormat))
	}
	for i, m := range t.Modalities {
		if m != "text" && m != "audio" {
			errs = append(errs, fmt.Errorf("translation.modalities[%d] %q is invalid; valid values: text, audio", i, m))
		}
	}
	if td := t.TurnDetection; td != nil {
		switch td.Type {
		case "server_vad", "none", "":
		default:
			errs = append(errs, fmt.Errorf("translation.turn_detection.type %q is invalid; valid values: server_vad, none", td.Type))
		}
		if td.Threshold < 0 || td.Threshold > 1 {
			errs = append(errs, fmt.Errorf("translation.turn_detection.threshold %.2f is out of range [0, 1]", td.Threshold))
		}
		if td.PrefixPaddingMs < 0 || td.SilenceDurationMs < 0 {
			errs = append(errs, errors.New("translation.turn_detection durations must not be negative"))
		}
	}

	// Audio
	a := cfg.Audio
	if err := a.Format().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audio: %w", err))
	} else {
		f := a.Format()
		if a.FrameDurationMs <= 0 || f.BytesFor(a.FrameDurationMs) == 0 {
			errs = append(errs, fmt.Errorf("audio.frame_duration_ms %d must be positive", a.FrameDurationMs))
		}
		if a.FlushFloorMs < 0 || a.CommitFloorMs < 0 {
			errs = append(errs, errors.New("audio.flush_floor_ms and audio.commit_floor_ms must not be negative"))
		}
		if a.FlushFloorMs >= a.FrameDurationMs && a.FrameDurationMs > 0 {
			errs = append(errs, fmt.Errorf("audio.flush_floor_ms %d must be smaller than audio.frame_duration_ms %d", a.FlushFloorMs, a.FrameDurationMs))
		}
	}
	if a.CommitInterval < 0 || a.CloseGrace < 0 || a.ConnectTimeout < 0 {
		errs = append(errs, errors.New("audio.commit_interval, audio.close_grace and audio.connect_timeout must not be negative"))
	}

	// Resilience
	r := cfg.Resilience
	if r.MaxFailures < 0 || r.ResetTimeout < 0 {
		errs = append(errs, errors.New("resilience.max_failures and resilience.reset_timeout must not be negative"))
	}
	for i, fb := range r.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("resilience.fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName(fb.Name)
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidProviderNames].
func validateProviderName(name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
