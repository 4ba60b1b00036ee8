// Command voxrelay is the main entry point for the voxrelay speech translation
// relay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/health"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/relay"
	"github.com/MrWong99/voxrelay/internal/resilience"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/voxrelay/pkg/provider/s2s/openai"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxrelay: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxrelay: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("voxrelay starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Remote provider ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, metrics, cfg.Audio.SampleRate)

	provider, err := buildRemote(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build remote provider", "provider", cfg.Remote.Name, "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	var template atomic.Pointer[s2s.SessionConfig]
	initial := cfg.Translation.SessionConfig()
	template.Store(&initial)

	watcher, err := config.NewWatcher(*configPath, func(r config.Reload) {
		if r.Diff.LogLevelChanged {
			level.Set(slogLevel(r.Diff.NewLogLevel))
			slog.Info("log level changed", "level", r.Diff.NewLogLevel)
		}
		if r.Diff.TranslationChanged {
			sc := r.New.Translation.SessionConfig()
			template.Store(&sc)
			slog.Info("translation template reloaded, applies to new sessions")
		}
		if len(r.Diff.RestartRequired) > 0 {
			slog.Warn("config changes require a restart", "settings", r.Diff.RestartRequired)
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	go watcher.Run(ctx)

	// ── HTTP server ───────────────────────────────────────────────────────────
	registry := relay.NewRegistry()
	handler := relay.NewHandler(relay.HandlerConfig{
		Provider:       provider,
		Template:       func() s2s.SessionConfig { return *template.Load() },
		Settings:       relay.SettingsFromConfig(cfg.Audio),
		Registry:       registry,
		Metrics:        metrics,
		MaxSessions:    cfg.Server.MaxSessions,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		BaseContext:    ctx,
	})

	checkers := []health.Checker{
		health.Capacity("sessions", registry.Len, cfg.Server.MaxSessions),
		health.Ping("remote", provider),
	}

	mux := http.NewServeMux()
	mux.Handle("GET /ws", handler)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /sessions", registry)
	health.New(checkers...).Register(mux)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	serveErr := make(chan error, 1)
	go func() {
		if cfg.Server.TLS != nil {
			serveErr <- srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
			return
		}
		serveErr <- srv.ListenAndServe()
	}()

	slog.Info("server ready, press Ctrl+C to shut down")

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…", "sessions", registry.Len())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	registry.StopAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}

	sessionsDone := make(chan struct{})
	go func() {
		handler.Wait()
		close(sessionsDone)
	}()
	select {
	case <-sessionsDone:
	case <-shutdownCtx.Done():
		slog.Warn("sessions still open at shutdown deadline", "sessions", registry.Len())
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the built-in remote provider factories into
// reg. sampleRate is the PCM16 rate clients stream at.
func registerBuiltinProviders(reg *config.Registry, metrics *observe.Metrics, sampleRate int) {
	onParseError := func(error) {
		metrics.ParseErrors.Add(context.Background(), 1)
	}

	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []oais2s.Option{oais2s.WithParseErrorHandler(onParseError)}
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		if u := optString(entry.Options, "api_base_url"); u != "" {
			opts = append(opts, oais2s.WithAPIBaseURL(u))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []gemini.Option{
			gemini.WithParseErrorHandler(onParseError),
			gemini.WithSampleRate(sampleRate),
		}
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		if u := optString(entry.Options, "api_base_url"); u != "" {
			opts = append(opts, gemini.WithAPIBaseURL(u))
		}
		if v := optString(entry.Options, "voice"); v != "" {
			if !slices.Contains(gemini.Voices, v) {
				return nil, fmt.Errorf("gemini-live: unknown voice %q; valid voices: %s", v, strings.Join(gemini.Voices, ", "))
			}
			opts = append(opts, gemini.WithVoice(v))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})
}

// buildRemote creates the primary remote provider and its fallbacks, each
// behind its own circuit breaker.
func buildRemote(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*resilience.Failover, error) {
	entries := append([]config.ProviderEntry{cfg.Remote}, cfg.Resilience.Fallbacks...)
	members := make([]resilience.Member, 0, len(entries))
	for i, entry := range entries {
		p, err := reg.CreateS2S(entry)
		if err != nil {
			return nil, err
		}
		name := entry.Name
		if i > 0 {
			name = fmt.Sprintf("%s (fallback %d)", entry.Name, i)
		}
		members = append(members, resilience.Member{Name: name, Provider: p})
	}
	return resilience.NewFailover(resilience.BreakerConfig{
		MaxFailures:  cfg.Resilience.MaxFailures,
		ResetTimeout: cfg.Resilience.ResetTimeout,
		OnStateChange: func(name string, _, to resilience.State) {
			metrics.RecordBreakerTransition(context.Background(), name, to.String())
		},
	}, members...), nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	settings := relay.SettingsFromConfig(cfg.Audio)

	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║          voxrelay translation relay      ║")
	fmt.Println("╚══════════════════════════════════════════╝")
	fmt.Printf("  Remote      : %s (model %s)\n", cfg.Remote.Name, orDefault(cfg.Remote.Model, "default"))
	for i, fb := range cfg.Resilience.Fallbacks {
		fmt.Printf("  Fallback %d  : %s (model %s)\n", i+1, fb.Name, orDefault(fb.Model, "default"))
	}
	fmt.Printf("  Voice       : %s\n", cfg.Translation.Voice)
	fmt.Printf("  Modalities  : %s\n", strings.Join(cfg.Translation.Modalities, ", "))
	if cfg.Translation.TranscriptionModel != "" {
		fmt.Printf("  Transcribe  : %s\n", cfg.Translation.TranscriptionModel)
	}
	fmt.Printf("  Audio       : %s, %d-byte frames\n", settings.Format, settings.FrameSize)
	fmt.Printf("  Commit      : every %s, flush ≥ %d bytes, commit ≥ %d bytes\n",
		settings.Thresholds.CommitInterval, settings.Thresholds.FlushFloor, settings.Thresholds.CommitFloor)
	if cfg.Server.MaxSessions > 0 {
		fmt.Printf("  Sessions    : up to %d\n", cfg.Server.MaxSessions)
	} else {
		fmt.Println("  Sessions    : unlimited")
	}
	scheme := "http"
	if cfg.Server.TLS != nil {
		scheme = "https"
	}
	fmt.Printf("  Listening   : %s (%s)\n", cfg.Server.ListenAddr, scheme)
	fmt.Println()
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
