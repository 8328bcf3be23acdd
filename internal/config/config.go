// Package config provides the configuration schema, loader, and provider registry
// for the qualivox lead qualification agent.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the qualivox server.
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

// Device selects where call audio comes from and goes to.
type Device string

const (
	// DeviceLocal captures from the default microphone (malgo) and plays
	// through the default speaker (oto).
	DeviceLocal Device = "local"

	// DeviceNone runs without local audio. Playback goes to the software
	// timeline only.
	DeviceNone Device = "none"
)

// IsValid reports whether d is a recognised device mode.
func (d Device) IsValid() bool {
	return d == DeviceLocal || d == DeviceNone
}

// Duration is a time.Duration that decodes from YAML strings like "1.5s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for qualivox.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Audio      AudioConfig      `yaml:"audio"`
	Turn       TurnConfig       `yaml:"turn"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Storage    StorageConfig    `yaml:"storage"`
	Bus        BusConfig        `yaml:"bus"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
}

// ServerConfig holds the operational HTTP endpoint and logging settings.
type ServerConfig struct {
	// ListenAddr serves /healthz, /readyz and /metrics. Empty disables the
	// HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// TraceSampleRatio is the fraction of call traces kept, in [0, 1]. Zero
	// keeps every trace.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// ProvidersConfig names the remote speech session and the extraction models.
type ProvidersConfig struct {
	// S2S is the realtime speech-to-speech session provider.
	S2S ProviderEntry `yaml:"s2s"`

	// Extraction lists completion providers for structured extraction. The
	// first entry is the primary, the rest are fallbacks in order. An empty
	// list disables extraction.
	Extraction []ProviderEntry `yaml:"extraction"`
}

// ProviderEntry is the common configuration block for any pluggable provider.
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "gemini-live").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above, such as "voice" and "instructions" for S2S.
	Options map[string]any `yaml:"options"`
}

// Option returns option key as a string. Scalars such as `max_retries: 2`
// are formatted; absent keys and nested values yield "".
func (e ProviderEntry) Option(key string) string {
	switch v := e.Options[key].(type) {
	case string:
		return v
	case int, int64, float64, bool:
		return fmt.Sprint(v)
	default:
		return ""
	}
}

// AudioConfig sets the local audio path.
type AudioConfig struct {
	// CaptureRate is the microphone sample rate. Default: 16000.
	CaptureRate int `yaml:"capture_rate"`

	// PlaybackRate is the speaker sample rate. Default: 24000.
	PlaybackRate int `yaml:"playback_rate"`

	// BufferSize is the number of samples per captured frame. Default: 1024.
	BufferSize int `yaml:"buffer_size"`

	// Device is local or none. Default: none.
	Device Device `yaml:"device"`
}

// TurnConfig tunes the turn-taking machine. Zero values take the machine's
// defaults.
type TurnConfig struct {
	MergeThreshold      Duration `yaml:"merge_threshold"`
	SilenceTimeout      Duration `yaml:"silence_timeout"`
	MinLength           int      `yaml:"min_length"`
	NoiseMarker         string   `yaml:"noise_marker"`
	DuplicateWindow     Duration `yaml:"duplicate_window"`
	DuplicateSimilarity float64  `yaml:"duplicate_similarity"`
}

// ExtractionConfig tunes the extraction coordinator.
type ExtractionConfig struct {
	HistoryCap   int      `yaml:"history_cap"`
	RateLimit    Duration `yaml:"rate_limit"`
	Timeout      Duration `yaml:"timeout"`
	IncludeAgent bool     `yaml:"include_agent"`

	// ToolName overrides the name of the qualification update tool declared
	// to the S2S model.
	ToolName string `yaml:"tool_name"`
}

// StorageConfig selects the call stores. Both may be set; writes then go to
// both.
type StorageConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	SQLitePath  string `yaml:"sqlite_path"`
}

// BusConfig enables the NATS event feed when Servers is non-empty.
type BusConfig struct {
	Servers        []string `yaml:"servers"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
	Token          string   `yaml:"token"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
}

// ReconnectConfig bounds the S2S connect retry loop.
type ReconnectConfig struct {
	MaxRetries int      `yaml:"max_retries"`
	Backoff    Duration `yaml:"backoff"`
	MaxBackoff Duration `yaml:"max_backoff"`
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultCaptureRate  = 16000
	DefaultPlaybackRate = 24000
	DefaultBufferSize   = 1024
)

// ApplyDefaults fills zero audio settings. Turn, extraction and reconnect
// zeros are left for their packages to resolve.
func ApplyDefaults(cfg *Config) {
	if cfg.Audio.CaptureRate == 0 {
		cfg.Audio.CaptureRate = DefaultCaptureRate
	}
	if cfg.Audio.PlaybackRate == 0 {
		cfg.Audio.PlaybackRate = DefaultPlaybackRate
	}
	if cfg.Audio.BufferSize == 0 {
		cfg.Audio.BufferSize = DefaultBufferSize
	}
	if cfg.Audio.Device == "" {
		cfg.Audio.Device = DeviceNone
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
}
