package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/qualivox/internal/config"
	"github.com/MrWong99/qualivox/internal/observe"
	"github.com/MrWong99/qualivox/internal/qualify"
	"github.com/MrWong99/qualivox/internal/resilience"
)

// BuildProviders instantiates the providers named in cfg through reg. The
// extraction entries become one [resilience.ExtractorFallback]: the first is
// the primary and the rest are tried in order when it fails or its breaker is
// open. An empty extraction list leaves Providers.Extractor nil.
func BuildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics, log *slog.Logger) (Providers, error) {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	var ps Providers

	entry := cfg.Providers.S2S
	p, err := reg.CreateS2S(entry)
	if err != nil {
		return Providers{}, fmt.Errorf("app: create s2s provider %q: %w", entry.Name, err)
	}
	ps.S2S = p
	ps.S2SName = entry.Name
	log.Info("provider created", "kind", "s2s", "name", entry.Name, "model", entry.Model)

	var chain *resilience.ExtractorFallback
	fbCfg := resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
		OnStateChange: func(name string, from, to resilience.State) {
			log.Warn("extraction breaker state change", "backend", name, "from", from, "to", to)
			m.RecordBreakerTransition(context.Background(), name, to.String())
		},
	}}
	for i, e := range cfg.Providers.Extraction {
		lp, err := reg.CreateLLM(e)
		if err != nil {
			return Providers{}, fmt.Errorf("app: create extraction provider %d (%q): %w", i, e.Name, err)
		}
		ex, err := qualify.NewLLMExtractor(lp)
		if err != nil {
			return Providers{}, fmt.Errorf("app: extraction provider %d: %w", i, err)
		}
		label := backendLabel(i, e)
		if chain == nil {
			chain = resilience.NewExtractorFallback(ex, label, fbCfg)
		} else {
			chain.AddFallback(label, ex)
		}
		log.Info("provider created", "kind", "extraction", "name", e.Name, "model", e.Model, "position", i)
	}
	if chain != nil {
		ps.Extractor = chain
	}
	return ps, nil
}

// backendLabel names one extraction backend in logs and breaker metrics.
func backendLabel(i int, e config.ProviderEntry) string {
	label := e.Name
	if e.Model != "" {
		label += "/" + e.Model
	}
	return fmt.Sprintf("%d:%s", i, label)
}
