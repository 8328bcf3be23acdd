// Command qualivox runs one voice lead-qualification call against a realtime
// speech-to-speech provider and keeps the structured record up to date.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/qualivox/internal/app"
	"github.com/MrWong99/qualivox/internal/config"
	"github.com/MrWong99/qualivox/internal/observe"
	"github.com/MrWong99/qualivox/pkg/provider/llm"
	"github.com/MrWong99/qualivox/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/qualivox/pkg/provider/llm/openai"
	"github.com/MrWong99/qualivox/pkg/provider/s2s"
	geminilive "github.com/MrWong99/qualivox/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/qualivox/pkg/provider/s2s/openai"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload turn and extraction settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "qualivox: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "qualivox: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("qualivox starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		SampleRatio:    cfg.Server.TraceSampleRatio,
	}))
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := app.BuildProviders(cfg, reg, observe.DefaultMetrics(), slog.Default())
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			applyReload(application, level, old, new)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("call starting, press Ctrl+C to hang up")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("call error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// applyReload applies the hot-reloadable parts of a changed config and logs
// the sections that need a restart.
func applyReload(a *app.App, level *slog.LevelVar, old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.TurnChanged || d.ExtractionChanged {
		a.Reconfigure(new)
		slog.Info("config reloaded, applies to the next call",
			"turn", d.TurnChanged, "extraction", d.ExtractionChanged)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config change requires restart", "sections", d.RestartRequired)
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := entry.Option("organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		if t := entry.Option("timeout"); t != "" {
			d, err := time.ParseDuration(t)
			if err != nil {
				return nil, fmt.Errorf("openai: timeout option: %w", err)
			}
			opts = append(opts, oaillm.WithTimeout(d))
		}
		if r := entry.Option("max_retries"); r != "" {
			n, err := strconv.Atoi(r)
			if err != nil {
				return nil, fmt.Errorf("openai: max_retries option: %w", err)
			}
			opts = append(opts, oaillm.WithMaxRetries(n))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// Every other any-llm backend. "openai" keeps its openai-go client above.
	for _, backend := range anyllm.Backends() {
		if backend == "openai" {
			continue
		}
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" && !anyllm.Local(backend) {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// ── S2S ───────────────────────────────────────────────────────────────────
	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []oais2s.Option{oais2s.WithLogger(slog.Default())}
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []geminilive.Option{geminilive.WithLogger(slog.Default())}
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	for _, kind := range []string{"llm", "s2s"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Qualivox: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("S2S", providerValue(cfg.Providers.S2S))
	if len(cfg.Providers.Extraction) == 0 {
		printRow("Extraction", "(disabled)")
	}
	for i, e := range cfg.Providers.Extraction {
		kind := "Extraction"
		if i > 0 {
			kind = fmt.Sprintf("  fallback %d", i)
		}
		printRow(kind, providerValue(e))
	}
	printRow("Audio", string(cfg.Audio.Device))
	printRow("Postgres", enabled(cfg.Storage.PostgresDSN != ""))
	printRow("SQLite", orDisabled(cfg.Storage.SQLitePath))
	printRow("NATS", enabled(len(cfg.Bus.Servers) > 0))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerValue(e config.ProviderEntry) string {
	if e.Name == "" {
		return "(not configured)"
	}
	if e.Model != "" {
		return e.Name + " / " + e.Model
	}
	return e.Name
}

func enabled(on bool) string {
	if on {
		return "enabled"
	}
	return "(disabled)"
}

func orDisabled(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}

func printRow(kind, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

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
