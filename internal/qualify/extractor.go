package qualify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/qualivox/pkg/provider/llm"
)

// ErrNoExtractor is returned when extraction cannot be configured, usually
// because no LLM credentials are available.
var ErrNoExtractor = errors.New("qualify: no extractor configured")

// ErrMalformedOutput wraps model replies that hold no JSON object.
var ErrMalformedOutput = errors.New("qualify: malformed extractor output")

// Request is the input of one extraction pass.
type Request struct {
	// Lines is the bounded history, oldest first.
	Lines []Line

	// Record is a snapshot of the current field values.
	Record map[string]any
}

// Extractor turns a conversation into field values. The returned map holds
// one key per recognised field plus the metadata keys MetaConfidence and
// MetaNotes. Implementations must honour ctx cancellation.
type Extractor interface {
	Extract(ctx context.Context, req Request) (map[string]any, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, req Request) (map[string]any, error)

// Extract calls f.
func (f ExtractorFunc) Extract(ctx context.Context, req Request) (map[string]any, error) {
	return f(ctx, req)
}

// LLMExtractor implements Extractor with a chat-completion model in JSON
// mode.
type LLMExtractor struct {
	provider    llm.Provider
	temperature float64
	maxTokens   int
}

var _ Extractor = (*LLMExtractor)(nil)

// ExtractorOption configures an LLMExtractor.
type ExtractorOption func(*LLMExtractor)

// WithTemperature sets the sampling temperature. Default: 0.1.
func WithTemperature(t float64) ExtractorOption {
	return func(e *LLMExtractor) { e.temperature = t }
}

// WithMaxTokens caps the reply length. Default: 800.
func WithMaxTokens(n int) ExtractorOption {
	return func(e *LLMExtractor) { e.maxTokens = n }
}

// NewLLMExtractor returns an extractor backed by p. It returns
// ErrNoExtractor when p is nil.
func NewLLMExtractor(p llm.Provider, opts ...ExtractorOption) (*LLMExtractor, error) {
	if p == nil {
		return nil, ErrNoExtractor
	}
	e := &LLMExtractor{provider: p, temperature: 0.1, maxTokens: 800}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Extract implements Extractor.
func (e *LLMExtractor) Extract(ctx context.Context, req Request) (map[string]any, error) {
	resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: userPrompt(req)}},
		Temperature:  e.temperature,
		MaxTokens:    e.maxTokens,
		JSONMode:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("qualify: extract: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedOutput)
	}
	return ParseOutput(resp.Content)
}

// ParseOutput decodes the first JSON object in s. Markdown code fences and
// text around the object are tolerated.
func ParseOutput(s string) (map[string]any, error) {
	s = stripFence(strings.TrimSpace(s))
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: no JSON object in %q", ErrMalformedOutput, truncate(s, 80))
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedOutput, err)
	}
	return out, nil
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:] // language tag
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

var systemPrompt = func() string {
	var b strings.Builder
	b.WriteString("Você analisa a transcrição de uma ligação de qualificação de leads e extrai dados estruturados.\n")
	b.WriteString("Responda somente com um objeto JSON contendo as chaves abaixo. Use \"\" para informações ausentes; nunca invente valores.\n\n")
	for _, f := range Schema {
		kind := "texto"
		if f.Kind == KindInt {
			kind = "número inteiro"
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", f.Name, kind, f.Description)
	}
	fmt.Fprintf(&b, "- %s: \"alta\", \"média\" ou \"baixa\", sua confiança geral na extração\n", MetaConfidence)
	fmt.Fprintf(&b, "- %s: observações livres e curtas\n", MetaNotes)
	b.WriteString("\nConsidere apenas o que o cliente (user) afirmou; falas do agente (agent) servem só de contexto.")
	return b.String()
}()

func userPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Registro atual:\n")
	current, _ := json.Marshal(req.Record)
	b.Write(current)
	b.WriteString("\n\nTranscrição:\n")
	for _, l := range req.Lines {
		b.WriteString(l.Speaker.String())
		b.WriteString(": ")
		b.WriteString(l.Text)
		b.WriteByte('\n')
	}
	return b.String()
}
