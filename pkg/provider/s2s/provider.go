// Package s2s defines the Provider interface for Speech-to-Speech (S2S) backends.
//
// An S2S provider wraps a real-time voice model that accepts raw caller audio
// and answers with synthesised speech in a single, stateful session. Examples
// are Gemini Live and the OpenAI Realtime API.
//
// The central abstraction is SessionHandle: a bidirectional stream that
// accepts PCM frames and delivers a single ordered channel of provider-neutral
// [Event] values (audio clips, transcript fragments and turn control).
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MrWong99/qualivox/pkg/audio"
)

// ErrSessionClosed is returned by SessionHandle methods after Close.
var ErrSessionClosed = errors.New("s2s: session closed")

// ToolCallHandler is a callback invoked by the session whenever the model
// requests a tool call. It receives the tool name and the JSON-encoded
// arguments and returns a JSON result that the session sends back to the
// model, or an error that is reported to the model instead.
//
// The handler runs on the session's receive goroutine and must not call
// blocking session methods.
type ToolCallHandler func(name string, args string) (string, error)

// ToolDefinition declares a function the model may call.
type ToolDefinition struct {
	Name        string
	Description string

	// Parameters is a JSON Schema object describing the arguments.
	Parameters map[string]any
}

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Voice is the provider-specific prebuilt voice name. Empty selects the
	// provider default.
	Voice string

	// Instructions is the system prompt for the agent.
	Instructions string

	// Tools is the set of functions offered to the model for the whole session.
	Tools []ToolDefinition

	// InputSampleRate is the rate of the PCM16 frames passed to SendAudio.
	// Zero means 16000.
	InputSampleRate int
}

// Capabilities describes static properties of an S2S provider.
type Capabilities struct {
	// MaxSessionDuration is the provider-imposed session lifetime. Zero means
	// no documented limit.
	MaxSessionDuration time.Duration

	// OutputSampleRate is the rate of the PCM16 audio the model produces.
	OutputSampleRate int

	// Voices lists the prebuilt voice names.
	Voices []string
}

// EventKind discriminates [Event] values.
type EventKind int

const (
	// EventAudio carries one synthesised audio clip in Event.Audio.
	EventAudio EventKind = iota + 1

	// EventTranscript carries a transcript fragment for Event.Role.
	EventTranscript

	// EventTurnComplete marks the end of the model's turn.
	EventTurnComplete

	// EventGenerationComplete marks the end of text/audio generation for the
	// current turn. Playback may still be running.
	EventGenerationComplete

	// EventInterrupted reports that the caller barged in and the model dropped
	// its current response.
	EventInterrupted
)

// String returns a lowercase name for the kind.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventTranscript:
		return "transcript"
	case EventTurnComplete:
		return "turn_complete"
	case EventGenerationComplete:
		return "generation_complete"
	case EventInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Role identifies who a transcript fragment belongs to.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Event is one inbound message from the remote session.
type Event struct {
	Kind EventKind

	// Audio is set for EventAudio.
	Audio audio.Payload

	// Role and Text are set for EventTranscript.
	Role Role
	Text string

	// EndOfSpeech is set on a transcript fragment the provider marks as the
	// last one of the utterance.
	EndOfSpeech bool
}

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// Every method must return quickly. All methods must be safe for concurrent use.
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one PCM16 LE mono chunk at the negotiated input rate.
	// Returns ErrSessionClosed after Close.
	SendAudio(chunk []byte) error

	// Events returns the ordered stream of inbound events. The channel is
	// closed when the session ends; call Err afterwards to learn why.
	// Consumers must drain it promptly to avoid stalling the receive loop.
	Events() <-chan Event

	// Err returns the error that ended the session, or nil on a clean close.
	Err() error

	// OnToolCall registers the tool handler. Calling it again replaces the
	// previous handler; nil clears it.
	OnToolCall(handler ToolCallHandler)

	// Interrupt asks the model to stop its current response. Providers that
	// cannot do so return an error.
	Interrupt() error

	// Close terminates the session and closes the Events channel. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect opens a new session. The caller owns the returned handle.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}

// ToolError renders err as the JSON error object sent back to the model.
func ToolError(err error) string {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(b)
}
