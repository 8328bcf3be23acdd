package qualify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/qualivox/internal/clock"
	"github.com/MrWong99/qualivox/internal/observe"
	"github.com/MrWong99/qualivox/internal/transcript"
)

// Defaults applied for zero values in [Config].
const (
	DefaultRateLimit = 3 * time.Second
	DefaultTimeout   = 30 * time.Second
)

// Config tunes a Coordinator.
type Config struct {
	// HistoryCap bounds the conversation history. Default: 50.
	HistoryCap int

	// RateLimit is the minimum time between the starts of two passes.
	RateLimit time.Duration

	// Timeout bounds a single extraction call.
	Timeout time.Duration

	// IncludeAgent adds agent entries to the history for corroboration.
	IncludeAgent bool
}

func (c Config) withDefaults() Config {
	if c.HistoryCap <= 0 {
		c.HistoryCap = DefaultHistoryCap
	}
	if c.RateLimit <= 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Pass outcomes reported to [Hooks.OnPass].
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeDiscarded = "discarded"
)

// Skip reasons reported to [Hooks.OnSkip].
const (
	SkipDisabled    = "disabled"
	SkipInFlight    = "in_flight"
	SkipUnchanged   = "unchanged"
	SkipRateLimited = "rate_limited"
)

// Hooks observe the coordinator. Nil fields are skipped. OnSkip and OnPass
// run with the coordinator's lock held; none of the hooks may call back
// into it.
type Hooks struct {
	OnPass        func(outcome string, d time.Duration)
	OnSkip        func(reason string)
	OnFieldUpdate func(field string, source transcript.Speaker)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the wall clock used for rate limiting and log stamps.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) { co.log = l }
}

// WithLogSink registers fn to receive every appended log entry in append
// order. It may be given several times.
func WithLogSink(fn func(LogEntry)) Option {
	return func(co *Coordinator) { co.sinks = append(co.sinks, fn) }
}

// WithHooks installs observation callbacks.
func WithHooks(h Hooks) Option {
	return func(co *Coordinator) { co.hooks = h }
}

// Coordinator owns the record, its audit log and the extraction schedule of
// one call. At most one extraction pass runs at a time.
//
// All methods are safe for concurrent use.
type Coordinator struct {
	extractor Extractor
	cfg       Config
	clock     clock.Clock
	log       *slog.Logger
	sinks     []func(LogEntry)
	hooks     Hooks

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	// sinkMu orders sink delivery. It is taken before mu is released.
	sinkMu sync.Mutex

	mu        sync.Mutex
	history   *History
	record    Record
	audit     []LogEntry
	lastHash  string
	lastStart time.Time
	inFlight  bool
	dirty     bool
	cancel    context.CancelFunc
	retry     clock.Timer
	gen       uint64
	warned    bool
	closed    bool
}

// NewCoordinator returns a Coordinator using extractor. A nil extractor
// disables extraction: the coordinator warns once and never runs a pass,
// while history and [Coordinator.ApplyUpdate] keep working.
func NewCoordinator(extractor Extractor, cfg Config, opts ...Option) *Coordinator {
	cfg = cfg.withDefaults()
	ctx, stop := context.WithCancel(context.Background())
	c := &Coordinator{
		extractor: extractor,
		cfg:       cfg,
		clock:     clock.Real{},
		log:       slog.Default(),
		ctx:       ctx,
		stop:      stop,
		history:   NewHistory(cfg.HistoryCap),
		record:    NewRecord(),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("component", "qualify")
	return c
}

// Enabled reports whether an extractor is configured.
func (c *Coordinator) Enabled() bool {
	return c.extractor != nil
}

// Add records a finalized transcript entry and schedules a pass if one is
// due. System entries are ignored; agent entries only count when
// IncludeAgent is set.
func (c *Coordinator) Add(e transcript.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	switch e.Speaker {
	case transcript.User:
	case transcript.Agent:
		if !c.cfg.IncludeAgent {
			return
		}
	default:
		return
	}
	c.history.Add(e)
	c.evaluateLocked()
}

// ApplyUpdate merges fields as a trusted update, typically from a tool
// call, and returns the names of the fields that changed.
func (c *Coordinator) ApplyUpdate(fields map[string]any, source transcript.Speaker, conf Confidence) []string {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	entries := merge(&c.record, fields, c.clock.Now(), source, conf)
	c.audit = append(c.audit, entries...)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Field
	}
	c.unlockAndDeliver(entries)
	return names
}

// InFlight reports whether an extraction pass is running.
func (c *Coordinator) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Record returns a copy of the current record.
func (c *Coordinator) Record() Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record.Clone()
}

// Log returns a copy of the audit log.
func (c *Coordinator) Log() []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]LogEntry(nil), c.audit...)
}

// History returns the entries currently held for extraction.
func (c *Coordinator) History() []transcript.Entry {
	return c.history.Entries()
}

// Reset clears the history, the hash gate, the retry timer and any pass in
// flight. A cancelled pass's late result is discarded. The record and its
// log are kept.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

// Close resets the coordinator, turns every later call into a no-op and
// waits for pass goroutines to return.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.resetLocked()
	c.closed = true
	c.mu.Unlock()

	c.stop()
	c.wg.Wait()
}

func (c *Coordinator) resetLocked() {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.inFlight = false
	c.dirty = false
	c.history.Reset()
	c.lastHash = ""
	c.lastStart = time.Time{}
}

func (c *Coordinator) skip(reason string) {
	if c.hooks.OnSkip != nil {
		c.hooks.OnSkip(reason)
	}
}

// evaluateLocked applies the in-flight, hash and rate-limit gates in that
// order and starts a pass when all of them pass.
func (c *Coordinator) evaluateLocked() {
	if c.extractor == nil {
		if !c.warned {
			c.warned = true
			c.log.Warn("extraction disabled: no extractor configured")
		}
		c.skip(SkipDisabled)
		return
	}
	if c.inFlight {
		c.dirty = true
		c.skip(SkipInFlight)
		return
	}

	hash := c.history.Hash()
	if hash == "" || hash == c.lastHash {
		c.skip(SkipUnchanged)
		return
	}

	now := c.clock.Now()
	if !c.lastStart.IsZero() {
		if wait := c.cfg.RateLimit - now.Sub(c.lastStart); wait > 0 {
			if c.retry == nil {
				gen := c.gen
				c.retry = c.clock.AfterFunc(wait, func() { c.onRetry(gen) })
			}
			c.skip(SkipRateLimited)
			return
		}
	}
	c.startLocked(hash, now)
}

func (c *Coordinator) onRetry(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen {
		return
	}
	c.retry = nil
	c.evaluateLocked()
}

func (c *Coordinator) startLocked(hash string, now time.Time) {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.inFlight = true
	c.dirty = false
	c.lastStart = now

	req := Request{Lines: c.history.Lines(), Record: c.record.Map()}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.Timeout)
	c.cancel = cancel
	gen := c.gen

	c.wg.Go(func() {
		defer cancel()
		c.run(ctx, gen, hash, req)
	})
}

func (c *Coordinator) run(ctx context.Context, gen uint64, hash string, req Request) {
	ctx, span := observe.StartSpan(ctx, "qualify.extract")
	span.SetAttributes(attribute.Int("qualify.lines", len(req.Lines)))
	start := time.Now()

	result, err := c.extractor.Extract(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observe.WithTrace(ctx, c.log).Warn("extraction pass failed", "err", err)
	}
	span.End()

	c.finish(gen, hash, result, err, time.Since(start))
}

func (c *Coordinator) finish(gen uint64, hash string, result map[string]any, err error, d time.Duration) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		if c.hooks.OnPass != nil {
			c.hooks.OnPass(OutcomeDiscarded, d)
		}
		return
	}
	c.inFlight = false
	c.cancel = nil

	now := c.clock.Now()
	outcome := OutcomeOK
	var entries []LogEntry
	if err != nil {
		outcome = OutcomeError
		entries = []LogEntry{{
			Timestamp:  now,
			Source:     transcript.System,
			Confidence: Low,
			Note:       "extraction failed: " + err.Error(),
		}}
	} else {
		c.lastHash = hash
		entries = merge(&c.record, result, now, transcript.User, ParseConfidence(result[MetaConfidence]))
		c.log.Debug("extraction pass merged", "updated", len(entries), "notes", result[MetaNotes])
	}
	c.audit = append(c.audit, entries...)

	if c.dirty {
		c.dirty = false
		c.evaluateLocked()
	}

	if c.hooks.OnPass != nil {
		c.hooks.OnPass(outcome, d)
	}
	c.unlockAndDeliver(entries)
}

// unlockAndDeliver releases mu and hands entries to the hooks and sinks in
// append order.
func (c *Coordinator) unlockAndDeliver(entries []LogEntry) {
	if len(entries) == 0 {
		c.mu.Unlock()
		return
	}
	c.sinkMu.Lock()
	c.mu.Unlock()
	defer c.sinkMu.Unlock()

	for _, e := range entries {
		if e.Field != "" && c.hooks.OnFieldUpdate != nil {
			c.hooks.OnFieldUpdate(e.Field, e.Source)
		}
		for _, sink := range c.sinks {
			sink(e)
		}
	}
}
