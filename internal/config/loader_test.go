package config_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/voxrelay/internal/config"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string // substring; empty means valid
	}{
		{
			name:    "invalid log level",
			yaml:    "server:\n  log_level: verbose\n",
			wantErr: "log_level",
		},
		{
			name:    "negative max sessions",
			yaml:    "server:\n  max_sessions: -1\n",
			wantErr: "max_sessions",
		},
		{
			name:    "tls without key",
			yaml:    "server:\n  tls:\n    cert_file: cert.pem\n",
			wantErr: "tls",
		},
		{
			name:    "unsupported audio format",
			yaml:    "translation:\n  audio_format: g711_ulaw\n",
			wantErr: "audio_format",
		},
		{
			name:    "invalid modality",
			yaml:    "translation:\n  modalities: [video]\n",
			wantErr: "modalities",
		},
		{
			name:    "invalid turn detection type",
			yaml:    "translation:\n  turn_detection:\n    type: semantic\n",
			wantErr: "turn_detection.type",
		},
		{
			name:    "threshold out of range",
			yaml:    "translation:\n  turn_detection:\n    type: server_vad\n    threshold: 1.5\n",
			wantErr: "threshold",
		},
		{
			name:    "odd bit depth",
			yaml:    "audio:\n  bits_per_sample: 12\n",
			wantErr: "bits per sample",
		},
		{
			name:    "flush floor not below frame",
			yaml:    "audio:\n  frame_duration_ms: 200\n  flush_floor_ms: 200\n",
			wantErr: "flush_floor_ms",
		},
		{
			name:    "negative grace",
			yaml:    "audio:\n  close_grace: -1s\n",
			wantErr: "close_grace",
		},
		{
			name:    "negative breaker reset",
			yaml:    "resilience:\n  reset_timeout: -5s\n",
			wantErr: "resilience",
		},
		{
			name:    "fallback without name",
			yaml:    "resilience:\n  fallbacks:\n    - model: mini\n",
			wantErr: "fallbacks[0].name",
		},
		{
			name: "fallback provider",
			yaml: "resilience:\n  max_failures: 2\n  fallbacks:\n    - name: openai-realtime\n      model: gpt-4o-mini-realtime-preview\n",
		},
		{
			name: "turn detection disabled",
			yaml: "translation:\n  turn_detection:\n    type: none\n",
		},
		{
			name: "unknown provider only warns",
			yaml: "remote:\n  name: someone-elses-realtime\n",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error mentioning %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error should mention %q, got: %v", tc.wantErr, err)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
translation:
  audio_format: opus
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "log_level") || !strings.Contains(errStr, "audio_format") {
		t.Errorf("error should mention both failures, got: %v", err)
	}
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Audio: config.AudioConfig{FrameDurationMs: 250, CommitFloorMs: 50},
	}
	config.ApplyDefaults(cfg)
	if cfg.Audio.FrameDurationMs != 250 {
		t.Errorf("frame_duration_ms: got %d, want 250", cfg.Audio.FrameDurationMs)
	}
	if cfg.Audio.CommitFloorMs != 50 {
		t.Errorf("commit_floor_ms: got %d, want 50", cfg.Audio.CommitFloorMs)
	}
	if cfg.Audio.FlushFloorMs != config.DefaultFlushFloorMs {
		t.Errorf("flush_floor_ms: got %d, want %d", cfg.Audio.FlushFloorMs, config.DefaultFlushFloorMs)
	}
}

func TestApplyDefaults_ZeroFloorSelectsDefault(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		yaml       string
		wantCommit int
		wantFlush  int
	}{
		{"omitted", "audio:\n  sample_rate: 24000\n", config.DefaultCommitFloorMs, config.DefaultFlushFloorMs},
		{"explicit zero", "audio:\n  commit_floor_ms: 0\n  flush_floor_ms: 0\n", config.DefaultCommitFloorMs, config.DefaultFlushFloorMs},
		{"smallest floor", "audio:\n  commit_floor_ms: 1\n  flush_floor_ms: 1\n", 1, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err != nil {
				t.Fatalf("LoadFromReader: %v", err)
			}
			if cfg.Audio.CommitFloorMs != tc.wantCommit {
				t.Errorf("commit_floor_ms = %d, want %d", cfg.Audio.CommitFloorMs, tc.wantCommit)
			}
			if cfg.Audio.FlushFloorMs != tc.wantFlush {
				t.Errorf("flush_floor_ms = %d, want %d", cfg.Audio.FlushFloorMs, tc.wantFlush)
			}
		})
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	if !slices.Contains(config.ValidProviderNames, config.DefaultProvider) {
		t.Errorf("ValidProviderNames %v should contain the default provider %q", config.ValidProviderNames, config.DefaultProvider)
	}
}
