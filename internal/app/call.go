package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/qualivox/internal/bus"
	"github.com/MrWong99/qualivox/internal/config"
	"github.com/MrWong99/qualivox/internal/qualify"
	"github.com/MrWong99/qualivox/internal/session"
	"github.com/MrWong99/qualivox/internal/store"
	"github.com/MrWong99/qualivox/internal/transcript"
	"github.com/MrWong99/qualivox/internal/turn"
	"github.com/MrWong99/qualivox/pkg/audio"
	"github.com/MrWong99/qualivox/pkg/audio/playback"
	"github.com/MrWong99/qualivox/pkg/provider/s2s"
)

// DefaultInstructions is the agent prompt used when the s2s provider entry
// sets no "instructions" option.
const DefaultInstructions = `Você é uma pré-vendedora simpática e objetiva. Conduza uma conversa curta ` +
	`para qualificar o lead: nome, empresa, cargo, segmento, número de funcionários, ` +
	`desafio principal e urgência. Faça uma pergunta por vez. Sempre que o lead ` +
	`confirmar uma informação, chame a ferramenta de qualificação com os dados.`

// frameQueue is the capacity of the encoder → pump channel. At 1024 samples
// per frame and 16 kHz it holds about four seconds of audio.
const frameQueue = 64

// persistTimeout bounds each queued store write.
const persistTimeout = 5 * time.Second

// Call is one qualification conversation. It is created by [App.StartCall]
// and lives until [Call.End].
type Call struct {
	// ID is a random UUID.
	ID string

	// StartedAt is when the session connected.
	StartedAt time.Time

	app        *App
	log        *slog.Logger
	handle     s2s.SessionHandle
	adapter    *session.Adapter
	turns      *turn.Machine
	coord      *qualify.Coordinator
	transcript *transcript.Log
	timeline   *playback.Timeline
	scheduler  *playback.Scheduler
	encoder    *audio.FrameEncoder
	frames     chan audio.OutboundMessage
	writes     *writeQueue
	mic        Microphone
	speaker    Speaker

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	err     error
	endOnce sync.Once
	endErr  error
}

// StartCall connects the S2S session with retry, wires the turn machine,
// coordinator, playback and persistence around it, records the call row and
// starts the event loop. Only one call may be live at a time.
func (a *App) StartCall(ctx context.Context) (*Call, error) {
	a.mu.Lock()
	if a.active != nil || a.starting {
		a.mu.Unlock()
		return nil, ErrCallActive
	}
	a.starting = true
	cfg := a.cfg
	a.mu.Unlock()

	c := &Call{ID: uuid.NewString(), app: a, done: make(chan struct{})}
	err := c.start(ctx, cfg)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.starting = false
	if err != nil {
		return nil, err
	}
	a.active = c
	return c, nil
}

func (c *Call) start(ctx context.Context, cfg *config.Config) error {
	a := c.app
	c.log = a.log.With("component", "call", "call_id", c.ID)

	handle, err := session.Dial(ctx, a.providers.S2S, sessionConfig(cfg), session.DialConfig{
		MaxRetries: cfg.Reconnect.MaxRetries,
		Backoff:    cfg.Reconnect.Backoff.Std(),
		MaxBackoff: cfg.Reconnect.MaxBackoff.Std(),
		Logger:     c.log,
	})
	if err != nil {
		return fmt.Errorf("app: start call: %w", err)
	}
	c.handle = handle
	c.StartedAt = a.clock.Now()

	// Persistence and the bus outlive the caller's context.
	bg := context.WithoutCancel(ctx)
	c.writes = newWriteQueue()
	go c.writes.Run(bg)

	c.coord = qualify.NewCoordinator(a.providers.Extractor, qualify.Config{
		HistoryCap:   cfg.Extraction.HistoryCap,
		RateLimit:    cfg.Extraction.RateLimit.Std(),
		Timeout:      cfg.Extraction.Timeout.Std(),
		IncludeAgent: cfg.Extraction.IncludeAgent,
	},
		qualify.WithClock(a.clock),
		qualify.WithLogger(c.log),
		qualify.WithLogSink(c.onLogEntry),
		qualify.WithHooks(qualify.Hooks{
			OnPass:        func(outcome string, d time.Duration) { a.metrics.RecordExtractionPass(bg, outcome, d) },
			OnSkip:        func(reason string) { a.metrics.RecordExtractionSkip(bg, reason) },
			OnFieldUpdate: func(field string, src transcript.Speaker) { a.metrics.RecordFieldUpdate(bg, field, src.String()) },
		}),
	)

	c.transcript = &transcript.Log{}
	c.transcript.OnAppend(c.onEntry)

	c.turns = turn.New(turnConfig(cfg.Turn), c.transcript.Append,
		turn.WithClock(a.clock),
		turn.WithLogger(c.log),
		turn.WithHooks(turn.Hooks{
			OnFinalize: func(s transcript.Speaker, r turn.Reason) { a.metrics.RecordTurnFinalized(bg, s.String(), string(r)) },
			OnDiscard:  func(_ transcript.Speaker, r turn.Reason, cause string) { a.metrics.RecordTurnDiscarded(bg, string(r), cause) },
		}),
	)

	c.timeline = playback.NewTimeline(cfg.Audio.PlaybackRate)
	c.scheduler = playback.NewScheduler(c.timeline,
		playback.WithLogger(c.log),
		playback.WithHooks(playback.Hooks{
			OnScheduled:   func(d time.Duration) { a.metrics.RecordClipScheduled(bg, d) },
			OnDecodeError: func(error) { a.metrics.DecodeErrors.Add(bg, 1) },
			OnInterrupt:   func(stopped int) { a.metrics.RecordInterrupt(bg, stopped) },
		}),
	)

	c.frames = make(chan audio.OutboundMessage, frameQueue)
	c.encoder = audio.NewFrameEncoder(cfg.Audio.BufferSize, cfg.Audio.CaptureRate, func(m audio.OutboundMessage) {
		select {
		case c.frames <- m:
			a.metrics.FramesEncoded.Add(bg, 1)
		default:
			a.metrics.FramesDropped.Add(bg, 1)
		}
	})

	toolName := cfg.Extraction.ToolName
	c.adapter = session.NewAdapter(handle, session.Sinks{
		Player:  callPlayer{c},
		Turns:   c.turns,
		Updater: c.coord,
	},
		session.WithLogger(c.log),
		session.WithToolName(toolName),
		session.WithHooks(session.Hooks{
			OnEvent:    func(k s2s.EventKind) { a.metrics.RecordSessionEvent(bg, k.String()) },
			OnToolCall: func(name, status string) { a.metrics.RecordToolCall(bg, name, status) },
		}),
	)

	if cfg.Audio.Device == config.DeviceLocal {
		if err := c.openDevices(cfg); err != nil {
			c.teardown()
			c.writes.Close()
			return err
		}
	}

	if s := a.store; s != nil {
		wctx, done := context.WithTimeout(bg, persistTimeout)
		err := s.StartCall(wctx, store.Call{ID: c.ID, Provider: a.providers.S2SName, StartedAt: c.StartedAt})
		done()
		if err != nil {
			c.log.Warn("persist call start failed", "err", err)
		}
	}
	c.publish(func(p Publisher) error {
		return p.PublishCall(bus.CallEvent{CallID: c.ID, Status: bus.CallStarted, Timestamp: c.StartedAt, Provider: a.providers.S2SName})
	})
	a.metrics.ActiveCalls.Add(bg, 1)

	if !c.coord.Enabled() {
		c.transcript.Notice("extraction disabled: no extraction provider configured")
	}

	runCtx, cancel := context.WithCancel(bg)
	c.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return c.adapter.Run(gctx)
	})
	g.Go(func() error { return c.adapter.Pump(gctx, c.frames) })
	go func() {
		err := g.Wait()
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		if err != nil {
			c.log.Warn("call loop ended", "err", err)
		}
		close(c.done)
	}()

	if c.mic != nil {
		if err := c.mic.Start(); err != nil {
			c.log.Error("microphone start failed", "err", err)
		}
	}
	c.log.Info("call started", "provider", a.providers.S2SName, "device", cfg.Audio.Device)
	return nil
}

func (c *Call) openDevices(cfg *config.Config) error {
	spk, err := c.app.devices.OpenSpeaker(c.timeline)
	if err != nil {
		return fmt.Errorf("app: open speaker: %w", err)
	}
	c.speaker = spk
	mic, err := c.app.devices.OpenMicrophone(cfg.Audio.CaptureRate, c.encoder.WriteBytes)
	if err != nil {
		return fmt.Errorf("app: open microphone: %w", err)
	}
	c.mic = mic
	return nil
}

// onEntry forwards one finalized transcript entry to the coordinator and
// queues its store write and publish. It runs under the turn machine's lock.
func (c *Call) onEntry(e transcript.Entry) {
	c.coord.Add(e)
	c.enqueue("transcript", func(ctx context.Context) {
		if s := c.app.store; s != nil {
			wctx, done := context.WithTimeout(ctx, persistTimeout)
			defer done()
			if err := s.AppendTranscript(wctx, c.ID, e); err != nil {
				c.log.Warn("persist transcript failed", "err", err)
			}
		}
		c.publish(func(p Publisher) error { return p.PublishTranscript(c.ID, e) })
	})
}

// onLogEntry queues the store write and publish of one qualification log
// entry.
func (c *Call) onLogEntry(e qualify.LogEntry) {
	c.enqueue("qualification log", func(ctx context.Context) {
		if s := c.app.store; s != nil {
			wctx, done := context.WithTimeout(ctx, persistTimeout)
			defer done()
			if err := s.AppendLog(wctx, c.ID, e); err != nil {
				c.log.Warn("persist qualification log failed", "err", err)
			}
		}
		c.publish(func(p Publisher) error { return p.PublishQualification(c.ID, e) })
	})
}

func (c *Call) enqueue(what string, job func(context.Context)) {
	if !c.writes.Push(job) {
		c.log.Warn("write after call end dropped", "kind", what)
	}
}

func (c *Call) publish(fn func(Publisher) error) {
	p := c.app.publisher
	if p == nil {
		return
	}
	if err := fn(p); err != nil {
		c.log.Warn("publish failed", "err", err)
	}
}

// Write feeds captured float32 samples to the frame encoder. The local
// microphone does this on its own; Write serves other capture sources.
func (c *Call) Write(samples []float32) {
	c.encoder.Write(samples)
}

// End tears the call down: it cancels the event loop, interrupts playback,
// finalizes any open turn, closes the turn machine, the coordinator and the
// session, waits for queued writes and finally persists the record and end
// time. No timer emits after End returns. Safe to call more than once.
func (c *Call) End(ctx context.Context) error {
	c.endOnce.Do(func() {
		a := c.app
		c.cancel()
		c.teardown()
		select {
		case <-c.done:
		case <-ctx.Done():
			c.log.Warn("call loop did not stop before deadline")
		}
		if err := c.writes.Flush(ctx); err != nil {
			c.log.Warn("queued writes not flushed before deadline", "err", err)
		}

		endedAt := a.clock.Now()
		record := c.coord.Record().Map()
		if s := a.store; s != nil {
			if err := s.EndCall(ctx, c.ID, endedAt, record); err != nil {
				c.log.Warn("persist call end failed", "err", err)
			}
		}
		c.publish(func(p Publisher) error {
			return p.PublishCall(bus.CallEvent{CallID: c.ID, Status: bus.CallEnded, Timestamp: endedAt, Record: record})
		})
		a.metrics.ActiveCalls.Add(context.WithoutCancel(ctx), -1)
		a.release(c)
		c.log.Info("call ended", "duration", endedAt.Sub(c.StartedAt), "complete", c.coord.Record().Complete())
	})
	return c.endErr
}

// teardown stops every component in the documented order. It is also the
// rollback path of a failed start.
func (c *Call) teardown() {
	var errs []error
	if c.mic != nil {
		errs = append(errs, c.mic.Close())
	}
	callPlayer{c}.Interrupt()
	// Whatever the caller said last still belongs in the transcript.
	c.turns.Interrupt()
	c.turns.Reset()
	c.turns.Close()
	c.coord.Reset()
	c.coord.Close()
	errs = append(errs, c.handle.Close())
	if c.speaker != nil {
		errs = append(errs, c.speaker.Close())
	}
	c.endErr = errors.Join(errs...)
}

// Done is closed when the event loop has stopped, either because the remote
// session ended or because End was called.
func (c *Call) Done() <-chan struct{} { return c.done }

// Err returns the event loop error once Done is closed. A remote session that
// ended cleanly or a cancelled call report nil.
func (c *Call) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Transcript returns the visible transcript so far.
func (c *Call) Transcript() []transcript.Entry { return c.transcript.Entries() }

// Record returns a snapshot of the qualification record.
func (c *Call) Record() qualify.Record { return c.coord.Record() }

// Log returns the qualification audit log.
func (c *Call) Log() []qualify.LogEntry { return c.coord.Log() }

// Timeline returns the software playback device. With a local speaker it is
// the stream the speaker pulls from.
func (c *Call) Timeline() *playback.Timeline { return c.timeline }

// callPlayer is the adapter's view of playback. Interrupt also flushes the
// sound card so a barge-in is heard immediately.
type callPlayer struct{ c *Call }

func (p callPlayer) Enqueue(pl audio.Payload) error { return p.c.scheduler.Enqueue(pl) }

func (p callPlayer) Interrupt() {
	p.c.scheduler.Interrupt()
	if p.c.speaker != nil {
		p.c.speaker.Flush()
	}
}

func sessionConfig(cfg *config.Config) s2s.SessionConfig {
	entry := cfg.Providers.S2S
	instructions := entry.Option("instructions")
	if instructions == "" {
		instructions = DefaultInstructions
	}
	return s2s.SessionConfig{
		Voice:           entry.Option("voice"),
		Instructions:    instructions,
		Tools:           []s2s.ToolDefinition{qualify.ToolDefinition(cfg.Extraction.ToolName)},
		InputSampleRate: cfg.Audio.CaptureRate,
	}
}

func turnConfig(tc config.TurnConfig) turn.Config {
	cfg := turn.DefaultConfig()
	if tc.MergeThreshold > 0 {
		cfg.MergeThreshold = tc.MergeThreshold.Std()
	}
	if tc.SilenceTimeout > 0 {
		cfg.SilenceTimeout = tc.SilenceTimeout.Std()
	}
	if tc.MinLength > 0 {
		cfg.MinLength = tc.MinLength
	}
	if tc.NoiseMarker != "" {
		cfg.NoiseMarker = tc.NoiseMarker
	}
	if tc.DuplicateWindow > 0 {
		cfg.DuplicateWindow = tc.DuplicateWindow.Std()
	}
	cfg.DuplicateSimilarity = tc.DuplicateSimilarity
	return cfg
}
