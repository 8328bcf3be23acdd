// Package app wires all qualivox subsystems into a running application.
//
// The App struct owns the process-wide resources: New opens the call stores
// and the event bus, Run serves the operational HTTP endpoints and drives one
// call on the local audio device, and Shutdown tears everything down in
// order. A [Call] owns the per-call pipeline from StartCall to End.
//
// For testing, inject test doubles via functional options (WithStore,
// WithPublisher, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/qualivox/internal/bus"
	"github.com/MrWong99/qualivox/internal/clock"
	"github.com/MrWong99/qualivox/internal/config"
	"github.com/MrWong99/qualivox/internal/health"
	"github.com/MrWong99/qualivox/internal/observe"
	"github.com/MrWong99/qualivox/internal/qualify"
	"github.com/MrWong99/qualivox/internal/store"
	"github.com/MrWong99/qualivox/internal/store/postgres"
	"github.com/MrWong99/qualivox/internal/store/sqlite"
	"github.com/MrWong99/qualivox/internal/transcript"
	"github.com/MrWong99/qualivox/pkg/provider/s2s"
)

// ErrCallActive is returned by StartCall while another call is live.
var ErrCallActive = errors.New("app: a call is already active")

// Providers holds the constructed provider values. Populated by main.go via
// the config registry.
type Providers struct {
	// S2S opens the realtime speech session. Required.
	S2S s2s.Provider

	// S2SName labels the provider in stored call rows.
	S2SName string

	// Extractor runs structured extraction. Nil disables extraction.
	Extractor qualify.Extractor
}

// Publisher is the subset of [bus.Publisher] the app uses.
type Publisher interface {
	PublishTranscript(callID string, e transcript.Entry) error
	PublishQualification(callID string, e qualify.LogEntry) error
	PublishCall(ev bus.CallEvent) error
}

// App owns all process-wide subsystem lifetimes.
type App struct {
	providers Providers
	store     store.Store
	publisher Publisher
	checkers  []health.Checker
	metrics   *observe.Metrics
	clock     clock.Clock
	log       *slog.Logger
	devices   DeviceOpener

	// closers are called in order during Shutdown.
	closers []func() error

	mu       sync.Mutex
	cfg      *config.Config
	active   *Call
	starting bool

	stopOnce sync.Once
	// draining flips at the start of Shutdown so /readyz fails first.
	draining atomic.Bool
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a call store instead of opening the configured ones.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithPublisher injects an event publisher instead of connecting to NATS.
func WithPublisher(p Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithClock replaces the wall clock in every per-call component.
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithDevices replaces the local audio device opener.
func WithDevices(d DeviceOpener) Option {
	return func(a *App) { a.devices = d }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. Configured stores are opened and migrated and
// the NATS connection is dialled unless test doubles were injected.
func New(ctx context.Context, cfg *config.Config, providers Providers, opts ...Option) (*App, error) {
	if providers.S2S == nil {
		return nil, errors.New("app: no s2s provider")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		clock:     clock.Real{},
		log:       slog.Default(),
		devices:   localDevices{},
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.log = a.log.With("component", "app")

	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initBus(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init bus: %w", err)
	}
	return a, nil
}

// initStore opens every configured backend and fans writes out to all of
// them.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		a.checkers = append(a.checkers, health.PingChecker("store", a.store))
		return nil
	}

	var backends []store.Store
	if dsn := a.cfg.Storage.PostgresDSN; dsn != "" {
		pg, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			return err
		}
		backends = append(backends, pg)
		a.log.Info("postgres store ready")
	}
	if path := a.cfg.Storage.SQLitePath; path != "" {
		lite, err := sqlite.Open(ctx, path)
		if err != nil {
			for _, b := range backends {
				_ = b.Close()
			}
			return err
		}
		backends = append(backends, lite)
		a.log.Info("sqlite store ready", "path", path)
	}

	switch len(backends) {
	case 0:
		return nil
	case 1:
		a.store = backends[0]
	default:
		a.store = store.NewFanout(backends...)
	}
	a.checkers = append(a.checkers, health.PingChecker("store", a.store))
	a.closers = append(a.closers, a.store.Close)
	return nil
}

func (a *App) initBus(ctx context.Context) error {
	if a.publisher != nil {
		return nil
	}
	if len(a.cfg.Bus.Servers) == 0 {
		return nil
	}
	p, err := bus.Connect(ctx, bus.Config{
		Servers:        a.cfg.Bus.Servers,
		SubjectPrefix:  a.cfg.Bus.SubjectPrefix,
		Token:          a.cfg.Bus.Token,
		ConnectTimeout: a.cfg.Bus.ConnectTimeout.Std(),
	}, a.log)
	if err != nil {
		return err
	}
	a.publisher = p
	a.checkers = append(a.checkers, health.ConnChecker("bus", p.Healthy))
	a.closers = append(a.closers, p.Close)
	return nil
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

// Handler returns the operational HTTP handler: /healthz, /readyz and
// /metrics, wrapped in the tracing and latency middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	health.New(a.checkers, health.WithClock(a.clock), health.WithDraining(a.draining.Load)).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on server.listen_addr (when set) and drives one call until
// ctx is cancelled or the remote session ends. The call is ended and
// persisted before Run returns.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if addr := a.Config().Server.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.log.Info("http server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer cancel()
		call, err := a.StartCall(gctx)
		if err != nil {
			return err
		}
		select {
		case <-gctx.Done():
		case <-call.Done():
		}
		endCtx, done := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer done()
		if err := call.End(endCtx); err != nil {
			a.log.Warn("call end error", "call_id", call.ID, "err", err)
		}
		return call.Err()
	})

	return g.Wait()
}

// ─── Calls ───────────────────────────────────────────────────────────────────

// Config returns the current configuration.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Reconfigure swaps the configuration used by later calls. Only the turn and
// extraction sections and the log level take effect without a restart.
func (a *App) Reconfigure(cfg *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg
}

// Active returns the live call, or nil.
func (a *App) Active() *Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

func (a *App) release(c *Call) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == c {
		a.active = nil
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends the live call, if any, then closes stores and the bus. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.draining.Store(true)
		a.log.Info("shutting down", "closers", len(a.closers))

		if c := a.Active(); c != nil {
			if err := c.End(ctx); err != nil {
				a.log.Warn("call end error", "call_id", c.ID, "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}
