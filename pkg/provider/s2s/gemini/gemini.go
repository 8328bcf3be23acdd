// Package gemini connects qualivox to the Gemini Live BidiGenerateContent
// websocket API.
//
// Caller audio goes out as base64 PCM16 realtime input. Model audio, both
// transcription streams and turn control come back as ordered [s2s.Event]
// values. Function calls are answered through the registered
// [s2s.ToolCallHandler].
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
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
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	servicePath    = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	outputRate = 24000

	handshakeTimeout  = 10 * time.Second
	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
	readLimit         = 4 << 20
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the Live model, without the "models/" prefix.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL points the provider at another websocket endpoint.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithLogger sets the logger for protocol warnings.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.log = l
		}
	}
}

// Provider dials Gemini Live sessions.
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

// Capabilities reports the Live API limits for audio sessions.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		MaxSessionDuration: 15 * time.Minute,
		OutputSampleRate:   outputRate,
		Voices:             []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
	}
}

// Connect dials the endpoint, sends the setup frame and waits for the server
// to acknowledge it. ctx bounds the handshake only.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	endpoint := p.baseURL + servicePath + "?key=" + url.QueryEscape(p.apiKey)

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(hctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
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
		inputMIME: fmt.Sprintf("audio/pcm;rate=%d", rate),
		log:       p.log.With("provider", "gemini"),
		ctx:       sctx,
		cancel:    scancel,
	}

	if err := s.handshake(hctx, buildSetup(p.model, cfg)); err != nil {
		scancel()
		conn.Close(websocket.StatusPolicyViolation, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go s.receive()
	go s.keepalive()
	return s, nil
}

func buildSetup(model string, cfg s2s.SessionConfig) *setup {
	st := &setup{
		Model:                    "models/" + model,
		GenerationConfig:         generationConfig{ResponseModalities: []string{"AUDIO"}},
		InputAudioTranscription:  &struct{}{},
		OutputAudioTranscription: &struct{}{},
	}
	if cfg.Instructions != "" {
		st.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}
	if cfg.Voice != "" {
		sc := &speechConfig{}
		sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName = cfg.Voice
		st.GenerationConfig.SpeechConfig = sc
	}
	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, 0, len(cfg.Tools))
		for _, t := range cfg.Tools {
			decls = append(decls, functionDeclaration{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
		}
		st.Tools = []tool{{FunctionDeclarations: decls}}
	}
	return st
}

type session struct {
	conn      *websocket.Conn
	events    chan s2s.Event
	inputMIME string
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handler s2s.ToolCallHandler
	err     error
	closed  bool
}

// handshake writes the setup frame and reads until setupComplete.
func (s *session) handshake(ctx context.Context, st *setup) error {
	if err := s.write(ctx, clientFrame{Setup: st}); err != nil {
		return err
	}
	for {
		f, err := s.read(ctx)
		if err != nil {
			return err
		}
		if f.Error != nil {
			return f.Error
		}
		if len(f.SetupComplete) > 0 {
			return nil
		}
	}
}

func (s *session) write(ctx context.Context, f clientFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("gemini: encode frame: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// read returns the next decodable frame. Undecodable frames are skipped.
func (s *session) read(ctx context.Context) (*serverFrame, error) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		var f serverFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.log.Debug("gemini: skipping undecodable frame", "err", err)
			continue
		}
		return &f, nil
	}
}

// receive owns the events channel and closes it on exit.
func (s *session) receive() {
	defer close(s.events)
	for {
		f, err := s.read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.fail(err)
			}
			return
		}
		if f.Error != nil {
			s.fail(f.Error)
			return
		}
		if f.GoAway != nil {
			s.log.Warn("gemini: server is ending the session", "time_left", f.GoAway.TimeLeft)
		}
		if f.ToolCallCancellation != nil {
			s.log.Debug("gemini: tool calls cancelled", "ids", f.ToolCallCancellation.IDs)
		}
		if f.ServerContent != nil && !s.content(f.ServerContent) {
			return
		}
		if f.ToolCall != nil {
			s.answer(f.ToolCall)
		}
	}
}

// content turns one serverContent frame into events in protocol order. Text
// parts of an audio turn are model reasoning and are not surfaced; spoken
// words arrive through outputTranscription.
func (s *session) content(sc *serverContent) bool {
	var evs []s2s.Event
	if sc.Interrupted {
		evs = append(evs, s2s.Event{Kind: s2s.EventInterrupted})
	}
	if t := sc.InputTranscription; t.present() {
		evs = append(evs, s2s.Event{Kind: s2s.EventTranscript, Role: s2s.RoleUser, Text: t.Text, EndOfSpeech: t.Finished})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			evs = append(evs, s2s.Event{Kind: s2s.EventAudio, Audio: audio.Payload{
				Data:     []byte(p.InlineData.Data),
				Encoding: audio.EncodingBase64,
				MIMEType: p.InlineData.MIMEType,
			}})
		}
	}
	if t := sc.OutputTranscription; t.present() {
		evs = append(evs, s2s.Event{Kind: s2s.EventTranscript, Role: s2s.RoleAgent, Text: t.Text, EndOfSpeech: t.Finished})
	}
	if sc.GenerationComplete {
		evs = append(evs, s2s.Event{Kind: s2s.EventGenerationComplete})
	}
	if sc.TurnComplete {
		evs = append(evs, s2s.Event{Kind: s2s.EventTurnComplete})
	}

	for _, ev := range evs {
		select {
		case s.events <- ev:
		case <-s.ctx.Done():
			return false
		}
	}
	return true
}

// answer runs the handler for every call in tc and replies with one
// toolResponse frame. Non-JSON results are wrapped as {"output": ...}.
func (s *session) answer(tc *toolCall) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()

	resp := &toolResponse{}
	for _, fc := range tc.FunctionCalls {
		args := string(fc.Args)
		if args == "" || args == "null" {
			args = "{}"
		}
		var result string
		if h == nil {
			result = s2s.ToolError(fmt.Errorf("no handler for tool %q", fc.Name))
		} else if out, err := h(fc.Name, args); err != nil {
			result = s2s.ToolError(err)
		} else {
			result = out
		}

		var obj map[string]any
		if json.Unmarshal([]byte(result), &obj) != nil || obj == nil {
			obj = map[string]any{"output": result}
		}
		resp.FunctionResponses = append(resp.FunctionResponses, functionResponse{ID: fc.ID, Name: fc.Name, Response: obj})
	}
	if len(resp.FunctionResponses) == 0 {
		return
	}
	if err := s.write(s.ctx, clientFrame{ToolResponse: resp}); err != nil && s.ctx.Err() == nil {
		s.log.Warn("gemini: send tool response", "err", err)
	}
}

func (s *session) keepalive() {
	t := time.NewTicker(keepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := s.conn.Ping(ctx); err != nil && s.ctx.Err() == nil {
				s.log.Debug("gemini: ping failed", "err", err)
			}
			cancel()
		}
	}
}

func (s *session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// SendAudio sends one PCM16 chunk as realtime input.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return s2s.ErrSessionClosed
	}
	return s.write(s.ctx, clientFrame{RealtimeInput: &realtimeInput{Audio: &blob{
		MIMEType: s.inputMIME,
		Data:     base64.StdEncoding.EncodeToString(chunk),
	}}})
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

// Interrupt is unsupported. Gemini Live detects barge-in server side and
// reports it as [s2s.EventInterrupted].
func (s *session) Interrupt() error {
	return errors.New("gemini: interrupt not supported")
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
