package config

import "slices"

// ConfigDiff describes what changed between two configs.
//
// Log level, turn and extraction settings can be applied without a restart:
// the log level immediately, turn and extraction settings to the next call.
// Everything else sets RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	TurnChanged       bool
	ExtractionChanged bool

	// RestartRequired lists the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.TurnChanged && !d.ExtractionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.TurnChanged = old.Turn != new.Turn
	d.ExtractionChanged = old.Extraction != new.Extraction

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.TraceSampleRatio != new.Server.TraceSampleRatio {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !providerEntryEqual(old.Providers.S2S, new.Providers.S2S) ||
		!slices.EqualFunc(old.Providers.Extraction, new.Providers.Extraction, providerEntryEqual) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if !busEqual(old.Bus, new.Bus) {
		d.RestartRequired = append(d.RestartRequired, "bus")
	}
	if old.Reconnect != new.Reconnect {
		d.RestartRequired = append(d.RestartRequired, "reconnect")
	}

	return d
}

// providerEntryEqual compares entries by their scalar fields and the string
// form of their options.
func providerEntryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || !sameOption(av, bv) {
			return false
		}
	}
	return true
}

func sameOption(a, b any) bool {
	switch av := a.(type) {
	case string, bool, int, float64:
		return av == b
	}
	// Nested maps and lists are rare enough to treat as changed.
	return false
}

func busEqual(a, b BusConfig) bool {
	return slices.Equal(a.Servers, b.Servers) &&
		a.SubjectPrefix == b.SubjectPrefix &&
		a.Token == b.Token &&
		a.ConnectTimeout == b.ConnectTimeout
}
