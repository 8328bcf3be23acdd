// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions. Use
// Session to inject inbound events and tool calls and to inspect what the
// caller sent.
//
// Example:
//
//	sess := mock.NewSession(16)
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(s2s.Event{Kind: s2s.EventTurnComplete})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/qualivox/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a fresh Session with a buffered event channel.
	Session s2s.SessionHandle

	// ConnectErrs are returned by successive Connect calls before Session is
	// handed out. Useful for exercising reconnect backoff.
	ConnectErrs []error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns the next queued error, or Session.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if len(p.ConnectErrs) > 0 {
		err := p.ConnectErrs[0]
		p.ConnectErrs = p.ConnectErrs[1:]
		return nil, err
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(64), nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Calls returns a copy of the recorded Connect calls.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

var errNoHandler = errors.New("mock: no tool handler registered")

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle. Its event channel is
// closed by Close, so consumers ranging over Events terminate.
type Session struct {
	events chan s2s.Event

	mu          sync.Mutex
	toolHandler s2s.ToolCallHandler
	closed      bool
	sent        [][]byte
	interrupts  int

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// InterruptErr, if non-nil, is returned by every Interrupt call.
	InterruptErr error

	// ErrVal is returned by Err.
	ErrVal error
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)

// NewSession returns a Session whose event channel holds buf events.
func NewSession(buf int) *Session {
	return &Session{events: make(chan s2s.Event, buf)}
}

// Emit queues an inbound event. It reports false after Close.
func (s *Session) Emit(ev s2s.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.events <- ev
	return true
}

// CallTool invokes the registered tool handler the way a provider would.
func (s *Session) CallTool(name, args string) (string, error) {
	s.mu.Lock()
	h := s.toolHandler
	s.mu.Unlock()
	if h == nil {
		return s2s.ToolError(errNoHandler), nil
	}
	return h(name, args)
}

// Sent returns copies of every chunk passed to SendAudio.
func (s *Session) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	for i, c := range s.sent {
		out[i] = append([]byte(nil), c...)
	}
	return out
}

// Interrupts returns how many times Interrupt was called.
func (s *Session) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SendAudio implements s2s.SessionHandle.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.sent = append(s.sent, append([]byte(nil), chunk...))
	return nil
}

// Events implements s2s.SessionHandle.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Err implements s2s.SessionHandle.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// OnToolCall implements s2s.SessionHandle.
func (s *Session) OnToolCall(handler s2s.ToolCallHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolHandler = handler
}

// Interrupt implements s2s.SessionHandle.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupts++
	return s.InterruptErr
}

// Close implements s2s.SessionHandle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}
