package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/qualivox/internal/qualify"
	"github.com/MrWong99/qualivox/pkg/provider/llm"
	llmmock "github.com/MrWong99/qualivox/pkg/provider/llm/mock"
)

func newGroup() *FallbackGroup[string] {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_Order(t *testing.T) {
	t.Parallel()
	fg := newGroup()
	if got := fg.Names(); !slices.Equal(got, []string{"primary", "secondary"}) {
		t.Errorf("Names() = %v", got)
	}
	if fg.Breaker("secondary") == nil || fg.Breaker("nope") != nil {
		t.Error("Breaker lookup wrong")
	}
}

func TestFallbackGroup_Failover(t *testing.T) {
	t.Parallel()
	fg := newGroup()

	var called []string
	err := fg.Execute(context.Background(), func(v string) error {
		called = append(called, v)
		if v == "primary" {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !slices.Equal(called, []string{"primary", "secondary"}) {
		t.Errorf("called = %v", called)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	t.Parallel()
	fg := newGroup()
	err := fg.Execute(context.Background(), func(string) error { return errTest })
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping errTest", err)
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()
	fg := newGroup()
	for range 2 {
		_ = fg.Execute(context.Background(), func(v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}
	if fg.Breaker("primary").State() != StateOpen {
		t.Fatal("primary breaker should be open")
	}

	var called []string
	_ = fg.Execute(context.Background(), func(v string) error {
		called = append(called, v)
		return nil
	})
	if !slices.Equal(called, []string{"secondary"}) {
		t.Errorf("called = %v, want only secondary", called)
	}
}

func TestFallbackGroup_StopsOnCancel(t *testing.T) {
	t.Parallel()
	fg := newGroup()
	ctx, cancel := context.WithCancel(context.Background())

	var called []string
	_, err := ExecuteWithResult(ctx, fg, func(v string) (int, error) {
		called = append(called, v)
		cancel()
		return 0, context.Canceled
	})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v", err)
	}
	if len(called) != 1 {
		t.Errorf("called = %v, want primary only", called)
	}
}

func TestExtractorFallback(t *testing.T) {
	t.Parallel()
	garbled := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "não consigo"}}
	good := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `{"cargo":"CTO"}`}}
	primary, _ := qualify.NewLLMExtractor(garbled)
	secondary, _ := qualify.NewLLMExtractor(good)

	fb := NewExtractorFallback(primary, "openai", FallbackConfig{})
	fb.AddFallback("anthropic", secondary)

	out, err := fb.Extract(context.Background(), qualify.Request{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if out["cargo"] != "CTO" {
		t.Errorf("out = %v", out)
	}
	if len(garbled.Calls()) != 1 || len(good.Calls()) != 1 {
		t.Errorf("calls = %d/%d", len(garbled.Calls()), len(good.Calls()))
	}
	if got := fb.Backends(); !slices.Equal(got, []string{"openai", "anthropic"}) {
		t.Errorf("Backends() = %v", got)
	}
}

func TestExtractorFallback_AllFail(t *testing.T) {
	t.Parallel()
	down := qualify.ExtractorFunc(func(context.Context, qualify.Request) (map[string]any, error) {
		return nil, errTest
	})
	fb := NewExtractorFallback(down, "a", FallbackConfig{})
	fb.AddFallback("b", down)
	if _, err := fb.Extract(context.Background(), qualify.Request{}); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v", err)
	}
}
