package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/qualivox/internal/session"
	"github.com/MrWong99/qualivox/pkg/provider/s2s"
	s2smock "github.com/MrWong99/qualivox/pkg/provider/s2s/mock"
)

func fastDial(retries int) session.DialConfig {
	return session.DialConfig{MaxRetries: retries, Backoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}
}

func TestDial_FirstAttempt(t *testing.T) {
	t.Parallel()
	sess := s2smock.NewSession(1)
	p := &s2smock.Provider{Session: sess}

	h, err := session.Dial(context.Background(), p, s2s.SessionConfig{Voice: "Puck"}, fastDial(3))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if h != sess {
		t.Error("Dial returned a different handle")
	}
	calls := p.Calls()
	if len(calls) != 1 || calls[0].Cfg.Voice != "Puck" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestDial_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	p := &s2smock.Provider{ConnectErrs: []error{errors.New("503"), errors.New("503"), errors.New("503")}}

	if _, err := session.Dial(context.Background(), p, s2s.SessionConfig{}, fastDial(5)); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if n := len(p.Calls()); n != 4 {
		t.Errorf("Connect called %d times, want 4", n)
	}
}

func TestDial_GivesUp(t *testing.T) {
	t.Parallel()
	down := errors.New("permanently down")
	p := &s2smock.Provider{ConnectErrs: []error{down, down, down, down}}

	_, err := session.Dial(context.Background(), p, s2s.SessionConfig{}, fastDial(2))
	if !errors.Is(err, down) {
		t.Fatalf("err = %v, want wrapped connect error", err)
	}
	if n := len(p.Calls()); n != 3 {
		t.Errorf("Connect called %d times, want 3", n)
	}
}

func TestDial_ContextCancelled(t *testing.T) {
	t.Parallel()
	p := &s2smock.Provider{ConnectErrs: []error{errors.New("503"), errors.New("503")}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := session.Dial(ctx, p, s2s.SessionConfig{}, session.DialConfig{Backoff: time.Hour})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n := len(p.Calls()); n != 0 {
		t.Errorf("Connect called %d times after cancel", n)
	}
}

func TestDial_CancelDuringBackoff(t *testing.T) {
	t.Parallel()
	p := &s2smock.Provider{ConnectErrs: []error{errors.New("503")}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := session.Dial(ctx, p, s2s.SessionConfig{}, session.DialConfig{Backoff: time.Hour})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Dial waited out the backoff instead of the context")
	}
}
