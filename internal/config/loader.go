package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"s2s": {"openai-realtime", "gemini-live"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

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

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result.
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

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	if cfg.Providers.S2S.Name == "" {
		errs = append(errs, errors.New("providers.s2s.name is required"))
	}
	validateProviderName("s2s", cfg.Providers.S2S.Name)
	for i, e := range cfg.Providers.Extraction {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.extraction[%d].name is required", i))
			continue
		}
		validateProviderName("llm", e.Name)
	}
	if len(cfg.Providers.Extraction) == 0 {
		slog.Warn("providers.extraction is empty; calls will run without qualification extraction")
	}

	// Audio
	if cfg.Audio.Device != "" && !cfg.Audio.Device.IsValid() {
		errs = append(errs, fmt.Errorf("audio.device %q is invalid; valid values: local, none", cfg.Audio.Device))
	}
	if cfg.Audio.CaptureRate < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_rate %d must not be negative", cfg.Audio.CaptureRate))
	}
	if cfg.Audio.PlaybackRate < 0 {
		errs = append(errs, fmt.Errorf("audio.playback_rate %d must not be negative", cfg.Audio.PlaybackRate))
	}
	if cfg.Audio.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("audio.buffer_size %d must not be negative", cfg.Audio.BufferSize))
	}

	// Turn
	if cfg.Turn.MergeThreshold < 0 || cfg.Turn.SilenceTimeout < 0 || cfg.Turn.DuplicateWindow < 0 {
		errs = append(errs, errors.New("turn durations must not be negative"))
	}
	if cfg.Turn.MinLength < 0 {
		errs = append(errs, fmt.Errorf("turn.min_length %d must not be negative", cfg.Turn.MinLength))
	}
	if s := cfg.Turn.DuplicateSimilarity; s < 0 || s > 1 {
		errs = append(errs, fmt.Errorf("turn.duplicate_similarity %.2f is out of range [0, 1]", s))
	}

	// Extraction
	if cfg.Extraction.HistoryCap < 0 {
		errs = append(errs, fmt.Errorf("extraction.history_cap %d must not be negative", cfg.Extraction.HistoryCap))
	}
	if cfg.Extraction.RateLimit < 0 || cfg.Extraction.Timeout < 0 {
		errs = append(errs, errors.New("extraction durations must not be negative"))
	}

	// Reconnect
	if cfg.Reconnect.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("reconnect.max_retries %d must not be negative", cfg.Reconnect.MaxRetries))
	}
	if cfg.Reconnect.Backoff > 0 && cfg.Reconnect.MaxBackoff > 0 && cfg.Reconnect.MaxBackoff < cfg.Reconnect.Backoff {
		errs = append(errs, fmt.Errorf("reconnect.max_backoff %s is below reconnect.backoff %s", cfg.Reconnect.MaxBackoff.Std(), cfg.Reconnect.Backoff.Std()))
	}

	if cfg.Storage.PostgresDSN == "" && cfg.Storage.SQLitePath == "" {
		slog.Warn("no storage configured; call transcripts and records will not be persisted")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
