package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; everything else is
// reported so the operator knows a restart is needed.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TranslationChanged is true when the session template changed. New
	// sessions pick up the new template; live sessions keep theirs.
	TranslationChanged bool

	// RestartRequired lists top-level settings that changed but only take
	// effect after a restart (e.g. "server.listen_addr", "audio", "remote").
	RestartRequired []string
}

// HasChanges reports whether d contains any change at all.
func (d ConfigDiff) HasChanges() bool {
	return d.LogLevelChanged || d.TranslationChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !reflect.DeepEqual(old.Translation, new.Translation) {
		d.TranslationChanged = true
	}

	// Settings captured at startup.
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if old.Server.MaxSessions != new.Server.MaxSessions {
		d.RestartRequired = append(d.RestartRequired, "server.max_sessions")
	}
	if !reflect.DeepEqual(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server.allowed_origins")
	}
	if !reflect.DeepEqual(old.Remote, new.Remote) {
		d.RestartRequired = append(d.RestartRequired, "remote")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if !reflect.DeepEqual(old.Resilience, new.Resilience) {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}

	return d
}
