package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/qualivox/internal/clock"
)

var errTest = errors.New("test error")

func newBreaker(maxFailures, halfOpenMax int) (*CircuitBreaker, *clock.Fake) {
	clk := clock.NewFake(time.Unix(0, 0))
	return NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  maxFailures,
		ResetTimeout: 10 * time.Second,
		HalfOpenMax:  halfOpenMax,
		Clock:        clk,
	}), clk
}

func fail() error    { return errTest }
func succeed() error { return nil }

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test"})
	if cb.maxFailures != 5 || cb.resetTimeout != 30*time.Second || cb.halfOpenMax != 3 {
		t.Errorf("defaults = %d/%v/%d", cb.maxFailures, cb.resetTimeout, cb.halfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_ClosedToOpen(t *testing.T) {
	t.Parallel()
	cb, _ := newBreaker(3, 1)
	for range 3 {
		_ = cb.Execute(fail)
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("err = %v, called = %v", err, called)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	cb, _ := newBreaker(3, 1)
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	_ = cb.Execute(succeed)
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_CancellationIsNotFailure(t *testing.T) {
	t.Parallel()
	cb, _ := newBreaker(2, 1)
	for range 5 {
		_ = cb.Execute(func() error { return context.Canceled })
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenToClosed(t *testing.T) {
	t.Parallel()
	cb, clk := newBreaker(2, 2)
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)

	clk.Advance(9 * time.Second)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v before reset timeout", cb.State())
	}
	clk.Advance(time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.State())
	}

	for i := range 2 {
		if err := cb.Execute(succeed); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenToOpen(t *testing.T) {
	t.Parallel()
	cb, clk := newBreaker(2, 3)
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	clk.Advance(10 * time.Second)

	if err := cb.Execute(fail); !errors.Is(err, errTest) {
		t.Fatalf("probe err = %v", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
}

func TestCircuitBreaker_StateChangeHook(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Unix(0, 0))
	var seen []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "openai",
		MaxFailures:  1,
		ResetTimeout: time.Second,
		HalfOpenMax:  1,
		Clock:        clk,
		OnStateChange: func(name string, from, to State) {
			seen = append(seen, name+":"+from.String()+">"+to.String())
		},
	})

	_ = cb.Execute(fail)
	clk.Advance(time.Second)
	_ = cb.Execute(succeed)

	want := []string{"openai:closed>open", "openai:open>half-open", "openai:half-open>closed"}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()
	cb, _ := newBreaker(2, 1)
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("after reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
