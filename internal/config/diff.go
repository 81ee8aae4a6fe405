package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider, memory,
// and server-address changes require a restart and are intentionally absent.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PersonaChanged is true when the companion's name, description, or
	// rules changed. Applies to sessions created after the reload.
	PersonaChanged bool

	// PipelineChanged is true when a sampling temperature or the fallback
	// reply changed.
	PipelineChanged bool
}

// Any reports whether the diff contains at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.PersonaChanged || d.PipelineChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Persona.Name != new.Persona.Name ||
		old.Persona.Description != new.Persona.Description ||
		!slices.Equal(old.Persona.Rules, new.Persona.Rules) {
		d.PersonaChanged = true
	}

	if old.Pipeline != new.Pipeline {
		d.PipelineChanged = true
	}

	return d
}
