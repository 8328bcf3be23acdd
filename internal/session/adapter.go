// Package session bridges a remote speech-to-speech session with the local
// pipeline.
//
// An [Adapter] consumes the session's ordered event stream and routes each
// event to the playback scheduler or the turn machine, forwards encoder
// frames to the session, and answers the record-update tool. [Dial] opens
// the session with exponential backoff.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/qualivox/internal/qualify"
	"github.com/MrWong99/qualivox/internal/transcript"
	"github.com/MrWong99/qualivox/pkg/audio"
	"github.com/MrWong99/qualivox/pkg/provider/s2s"
)

// Player receives synthesised audio. [playback.Scheduler] implements it.
type Player interface {
	Enqueue(p audio.Payload) error
	Interrupt()
}

// Turns receives transcript fragments and turn control. [turn.Machine]
// implements it.
type Turns interface {
	AddSegment(speaker transcript.Speaker, seg transcript.Segment, endOfSpeech bool)
	TurnComplete()
	GenerationComplete()
	Interrupt()
}

// Updater applies trusted record updates. [qualify.Coordinator] implements it.
type Updater interface {
	ApplyUpdate(fields map[string]any, source transcript.Speaker, conf qualify.Confidence) []string
}

// Sinks are the destinations of inbound events. Nil sinks are skipped.
type Sinks struct {
	Player  Player
	Turns   Turns
	Updater Updater
}

// Tool call statuses reported to [Hooks.OnToolCall].
const (
	ToolOK      = "ok"
	ToolError   = "error"
	ToolUnknown = "unknown"
)

// Hooks observe the adapter. Nil fields are skipped.
type Hooks struct {
	OnEvent    func(kind s2s.EventKind)
	OnToolCall func(name, status string)
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.log = l }
}

// WithToolName sets the name of the record-update tool. Defaults to
// [qualify.DefaultToolName].
func WithToolName(name string) Option {
	return func(a *Adapter) {
		if name != "" {
			a.toolName = name
		}
	}
}

// WithHooks installs observation callbacks.
func WithHooks(h Hooks) Option {
	return func(a *Adapter) { a.hooks = h }
}

// Adapter routes one session's traffic. Run and Pump are meant to run on
// their own goroutines; the adapter holds no other mutable state.
type Adapter struct {
	handle   s2s.SessionHandle
	sinks    Sinks
	toolName string
	hooks    Hooks
	log      *slog.Logger
}

// NewAdapter returns an Adapter for handle and registers its tool handler on
// the session.
func NewAdapter(handle s2s.SessionHandle, sinks Sinks, opts ...Option) *Adapter {
	a := &Adapter{
		handle:   handle,
		sinks:    sinks,
		toolName: qualify.DefaultToolName,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	a.log = a.log.With("component", "session")
	handle.OnToolCall(a.handleTool)
	return a
}

// Run dispatches inbound events in order until the event stream closes or
// ctx is cancelled. It returns the session's terminal error, or nil on a
// clean close or cancellation.
func (a *Adapter) Run(ctx context.Context) error {
	events := a.handle.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if err := a.handle.Err(); err != nil {
					return fmt.Errorf("session: remote ended: %w", err)
				}
				return nil
			}
			a.dispatch(ev)
		}
	}
}

func (a *Adapter) dispatch(ev s2s.Event) {
	if a.hooks.OnEvent != nil {
		a.hooks.OnEvent(ev.Kind)
	}
	switch ev.Kind {
	case s2s.EventAudio:
		if a.sinks.Player != nil {
			// The scheduler logs and counts decode failures itself.
			_ = a.sinks.Player.Enqueue(ev.Audio)
		}
	case s2s.EventTranscript:
		speaker, ok := speakerOf(ev.Role)
		if !ok {
			a.log.Debug("transcript with unknown role dropped", "role", ev.Role)
			return
		}
		if a.sinks.Turns != nil {
			a.sinks.Turns.AddSegment(speaker, transcript.Segment{Text: ev.Text, IsFinal: ev.EndOfSpeech}, ev.EndOfSpeech)
		}
	case s2s.EventTurnComplete:
		if a.sinks.Turns != nil {
			a.sinks.Turns.TurnComplete()
		}
	case s2s.EventGenerationComplete:
		if a.sinks.Turns != nil {
			a.sinks.Turns.GenerationComplete()
		}
	case s2s.EventInterrupted:
		if a.sinks.Player != nil {
			a.sinks.Player.Interrupt()
		}
		if a.sinks.Turns != nil {
			a.sinks.Turns.Interrupt()
		}
	default:
		a.log.Debug("unhandled session event", "kind", ev.Kind)
	}
}

func speakerOf(r s2s.Role) (transcript.Speaker, bool) {
	switch r {
	case s2s.RoleUser:
		return transcript.User, true
	case s2s.RoleAgent:
		return transcript.Agent, true
	default:
		return 0, false
	}
}

// Pump forwards encoder messages to the session in receive order until
// frames is closed or ctx is cancelled. A closed session ends the pump
// without error; other send failures are returned.
func (a *Adapter) Pump(ctx context.Context, frames <-chan audio.OutboundMessage) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-frames:
			if !ok {
				return nil
			}
			if msg.Type != audio.MessageAudioData || len(msg.Frame.Data) == 0 {
				continue
			}
			if err := a.handle.SendAudio(msg.Frame.Data); err != nil {
				if errors.Is(err, s2s.ErrSessionClosed) {
					return nil
				}
				return fmt.Errorf("session: send audio: %w", err)
			}
		}
	}
}

type toolAck struct {
	Status  string   `json:"status"`
	Updated []string `json:"updated"`
}

func (a *Adapter) handleTool(name, args string) (string, error) {
	if name != a.toolName {
		a.log.Warn("unknown tool called", "tool", name)
		a.toolHook(name, ToolUnknown)
		return s2s.ToolError(fmt.Errorf("unknown tool %q", name)), nil
	}
	if a.sinks.Updater == nil {
		a.toolHook(name, ToolError)
		return s2s.ToolError(errors.New("record updates unavailable")), nil
	}
	fields, err := qualify.ParseToolArgs(args)
	if err != nil {
		a.log.Warn("bad tool arguments", "tool", name, "err", err)
		a.toolHook(name, ToolError)
		return s2s.ToolError(err), nil
	}

	updated := a.sinks.Updater.ApplyUpdate(fields, transcript.Agent, qualify.High)
	if updated == nil {
		updated = []string{}
	}
	a.log.Info("record updated by tool", "tool", name, "updated", updated)
	a.toolHook(name, ToolOK)

	b, err := json.Marshal(toolAck{Status: "ok", Updated: updated})
	if err != nil {
		return "", fmt.Errorf("session: encode tool ack: %w", err)
	}
	return string(b), nil
}

func (a *Adapter) toolHook(name, status string) {
	if a.hooks.OnToolCall != nil {
		a.hooks.OnToolCall(name, status)
	}
}
