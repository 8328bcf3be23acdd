// Package openai connects qualivox to the OpenAI Realtime websocket API.
//
// The session is configured for pcm16 at 24 kHz with server VAD and whisper
// input transcription. Caller frames at other rates are resampled before they
// are appended. Tool call output is returned as a function_call_output item
// followed by response.create so the model keeps talking.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/qualivox/pkg/audio"
	"github.com/MrWong99/qualivox/pkg/provider/s2s"
)

var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*session)(nil)
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// pcmRate is the only pcm16 rate the API takes and emits.
	pcmRate = 24000

	transcriptionModel = "whisper-1"
	handshakeTimeout   = 10 * time.Second
	readLimit          = 4 << 20
)

var pcmMIME = fmt.Sprintf("audio/pcm;rate=%d", pcmRate)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the realtime model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL points the provider at another websocket endpoint.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithLogger sets the logger for server error events.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.log = l
		}
	}
}

// Provider dials OpenAI Realtime sessions.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	log     *slog.Logger
}

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, model: defaultModel, baseURL: defaultBaseURL, log: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities reports the Realtime API limits.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		MaxSessionDuration: 30 * time.Minute,
		OutputSampleRate:   pcmRate,
		Voices:             []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect dials the endpoint, sends session.update and waits for
// session.updated. ctx bounds the handshake only.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	endpoint := p.baseURL + "?model=" + url.QueryEscape(p.model)

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(hctx, endpoint, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": {"Bearer " + p.apiKey},
			"OpenAI-Beta":   {"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	rate := cfg.InputSampleRate
	if rate <= 0 {
		rate = 16000
	}
	sctx, scancel := context.WithCancel(context.Background())
	s := &session{
		conn:      conn,
		events:    make(chan s2s.Event, 64),
		inputRate: rate,
		log:       p.log.With("provider", "openai-realtime"),
		ctx:       sctx,
		cancel:    scancel,
		agent:     make(map[string]*strings.Builder),
	}

	if err := s.handshake(hctx, sessionConfig(cfg)); err != nil {
		scancel()
		conn.Close(websocket.StatusPolicyViolation, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go s.receive()
	return s, nil
}

func sessionConfig(cfg s2s.SessionConfig) sessionParams {
	sp := sessionParams{
		Modalities:              []string{"audio", "text"},
		Voice:                   cfg.Voice,
		Instructions:            cfg.Instructions,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &modelRef{Model: transcriptionModel},
		TurnDetection:           &modelRef{Type: "server_vad"},
	}
	for _, t := range cfg.Tools {
		sp.Tools = append(sp.Tools, functionTool{Type: "function", Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	if len(sp.Tools) > 0 {
		sp.ToolChoice = "auto"
	}
	return sp
}

type session struct {
	conn      *websocket.Conn
	events    chan s2s.Event
	inputRate int
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handler s2s.ToolCallHandler
	err     error
	closed  bool

	// agent accumulates transcript deltas per output item. Receive loop only.
	agent map[string]*strings.Builder
}

func (s *session) handshake(ctx context.Context, sp sessionParams) error {
	if err := s.send(ctx, sessionUpdate{Type: "session.update", Session: sp}); err != nil {
		return err
	}
	for {
		ev, err := s.next(ctx)
		if err != nil {
			return err
		}
		switch ev.Type {
		case "session.updated":
			return nil
		case "error":
			if ev.Error != nil {
				return ev.Error
			}
			return errors.New("openai: session rejected")
		}
	}
}

func (s *session) send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: encode event: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// next returns the next decodable server event.
func (s *session) next(ctx context.Context) (*serverEvent, error) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		var ev serverEvent
		if json.Unmarshal(data, &ev) == nil {
			return &ev, nil
		}
	}
}

// receive owns the events channel and closes it on exit.
func (s *session) receive() {
	defer close(s.events)
	for {
		ev, err := s.next(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.fail(err)
			}
			return
		}
		if !s.dispatch(ev) {
			return
		}
	}
}

// dispatch returns false once the session context is done.
func (s *session) dispatch(ev *serverEvent) bool {
	switch ev.Type {
	case "response.audio.delta":
		if ev.Delta == "" {
			return true
		}
		return s.emit(s2s.Event{Kind: s2s.EventAudio, Audio: audio.Payload{
			Data:     []byte(ev.Delta),
			Encoding: audio.EncodingBase64,
			MIMEType: pcmMIME,
		}})

	case "response.audio_transcript.delta":
		b := s.agent[ev.ItemID]
		if b == nil {
			b = &strings.Builder{}
			s.agent[ev.ItemID] = b
		}
		b.WriteString(ev.Delta)

	case "response.audio_transcript.done":
		text := ev.Transcript
		if b := s.agent[ev.ItemID]; b != nil {
			if b.Len() > 0 {
				text = b.String()
			}
			delete(s.agent, ev.ItemID)
		}
		if text == "" {
			return true
		}
		return s.emit(s2s.Event{Kind: s2s.EventTranscript, Role: s2s.RoleAgent, Text: text, EndOfSpeech: true})

	case "conversation.item.input_audio_transcription.completed":
		if ev.Transcript == "" {
			return true
		}
		return s.emit(s2s.Event{Kind: s2s.EventTranscript, Role: s2s.RoleUser, Text: ev.Transcript, EndOfSpeech: true})

	case "input_audio_buffer.speech_started":
		// Server VAD cuts any response in flight.
		clear(s.agent)
		return s.emit(s2s.Event{Kind: s2s.EventInterrupted})

	case "response.audio.done":
		return s.emit(s2s.Event{Kind: s2s.EventGenerationComplete})

	case "response.done":
		return s.emit(s2s.Event{Kind: s2s.EventTurnComplete})

	case "response.function_call_arguments.done":
		s.callTool(ev)

	case "error":
		if ev.Error != nil {
			s.log.Warn("openai: server error", "type", ev.Error.Type, "code", ev.Error.Code, "message", ev.Error.Message)
		}
	}
	return true
}

func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) callTool(ev *serverEvent) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()

	var out string
	if h == nil {
		out = s2s.ToolError(fmt.Errorf("no handler for tool %q", ev.Name))
	} else if res, err := h(ev.Name, ev.Arguments); err != nil {
		out = s2s.ToolError(err)
	} else {
		out = res
	}

	err := s.send(s.ctx, itemCreate{
		Type: "conversation.item.create",
		Item: functionOutput{Type: "function_call_output", CallID: ev.CallID, Output: out},
	})
	if err == nil {
		err = s.send(s.ctx, bare{Type: "response.create"})
	}
	if err != nil && s.ctx.Err() == nil {
		s.log.Warn("openai: send tool output", "tool", ev.Name, "err", err)
	}
}

func (s *session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SendAudio appends one PCM16 chunk, resampled to 24 kHz when needed.
func (s *session) SendAudio(chunk []byte) error {
	if s.isClosed() {
		return s2s.ErrSessionClosed
	}
	if s.inputRate != pcmRate {
		samples, err := audio.DecodePCM16(chunk)
		if err != nil {
			return fmt.Errorf("openai: send audio: %w", err)
		}
		chunk = audio.EncodePCM16(nil, audio.ResampleLinear(samples, s.inputRate, pcmRate))
	}
	return s.send(s.ctx, audioAppend{Type: "input_audio_buffer.append", Audio: base64.StdEncoding.EncodeToString(chunk)})
}

func (s *session) Events() <-chan s2s.Event { return s.events }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) OnToolCall(h s2s.ToolCallHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Interrupt cancels the response in progress.
func (s *session) Interrupt() error {
	if s.isClosed() {
		return s2s.ErrSessionClosed
	}
	return s.send(s.ctx, bare{Type: "response.cancel"})
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
