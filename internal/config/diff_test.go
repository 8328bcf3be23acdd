package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/qualivox/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo, ListenAddr: ":9090"},
		Providers: config.ProvidersConfig{
			S2S:        config.ProviderEntry{Name: "gemini-live", Options: map[string]any{"voice": "Puck"}},
			Extraction: []config.ProviderEntry{{Name: "openai", Model: "gpt-4o-mini"}},
		},
		Bus: config.BusConfig{Servers: []string{"nats://a:4222"}},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if !d.Empty() {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_HotReloadable(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug
	new.Turn.SilenceTimeout = config.Duration(3 * time.Second)
	new.Extraction.RateLimit = config.Duration(time.Second)

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %+v", d)
	}
	if !d.TurnChanged || !d.ExtractionChanged {
		t.Errorf("turn/extraction diff = %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":8080" }, "server"},
		{"trace sampling", func(c *config.Config) { c.Server.TraceSampleRatio = 0.1 }, "server"},
		{"s2s option", func(c *config.Config) { c.Providers.S2S.Options["voice"] = "Kore" }, "providers"},
		{"extraction fallback added", func(c *config.Config) {
			c.Providers.Extraction = append(c.Providers.Extraction, config.ProviderEntry{Name: "anthropic"})
		}, "providers"},
		{"audio device", func(c *config.Config) { c.Audio.Device = config.DeviceLocal }, "audio"},
		{"storage", func(c *config.Config) { c.Storage.SQLitePath = "calls.db" }, "storage"},
		{"bus servers", func(c *config.Config) { c.Bus.Servers = []string{"nats://b:4222"} }, "bus"},
		{"reconnect", func(c *config.Config) { c.Reconnect.MaxRetries = 3 }, "reconnect"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			new := baseConfig()
			tt.mutate(new)
			d := config.Diff(baseConfig(), new)
			if !slices.Contains(d.RestartRequired, tt.want) {
				t.Errorf("RestartRequired = %v, want %q", d.RestartRequired, tt.want)
			}
			if d.Empty() {
				t.Error("diff reported empty")
			}
		})
	}
}
