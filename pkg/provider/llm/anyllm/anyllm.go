// Package anyllm adapts github.com/mozilla-ai/any-llm-go to [llm.Provider],
// giving the extraction chain one client for every hosted and local backend
// any-llm supports.
//
// any-llm-go has no portable JSON response mode, so CompletionRequest.JSONMode
// is honoured by appending jsonInstruction to the system prompt.
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/qualivox/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

const jsonInstruction = "Respond with a single JSON object and nothing else."

type factory func(...anyllmlib.Option) (anyllmlib.Provider, error)

var backends = map[string]factory{
	"openai":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(o...) },
	"anthropic": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(o...) },
	"gemini":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(o...) },
	"ollama":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(o...) },
	"deepseek":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return deepseek.New(o...) },
	"mistral":   func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(o...) },
	"groq":      func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(o...) },
	"llamacpp":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamacpp.New(o...) },
	"llamafile": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamafile.New(o...) },
}

// Local reports whether backend runs on a local server that takes a base URL
// instead of an API key.
func Local(backend string) bool {
	switch backend {
	case "ollama", "llamacpp", "llamafile":
		return true
	}
	return false
}

// Backends returns the supported backend names, sorted.
func Backends() []string {
	return slices.Sorted(maps.Keys(backends))
}

// Provider implements llm.Provider on top of one any-llm backend.
type Provider struct {
	name    string
	backend anyllmlib.Provider
	model   string
}

// New builds a Provider for backend (case-insensitive, see [Backends]).
// Without an API key option, any-llm falls back to the backend's usual
// environment variable, e.g. ANTHROPIC_API_KEY.
func New(backend, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if backend == "" {
		return nil, errors.New("anyllm: backend name must not be empty")
	}
	if model == "" {
		return nil, errors.New("anyllm: model must not be empty")
	}
	name := strings.ToLower(backend)
	mk, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported backend %q (supported: %s)", backend, strings.Join(Backends(), ", "))
	}
	b, err := mk(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %s backend: %w", name, err)
	}
	return &Provider{name: name, backend: b, model: model}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anyllm: no messages")
	}

	resp, err := p.backend.Completion(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s completion: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: %s returned no choices", p.name)
	}

	result := &llm.CompletionResponse{
		Content: resp.Choices[0].Message.ContentString(),
	}
	if resp.Usage != nil {
		result.Usage = llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return result, nil
}

// buildParams converts a CompletionRequest into anyllm CompletionParams.
func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message

	if system := systemPrompt(req); system != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: system,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, anyllmlib.Message{Role: m.Role, Content: m.Content})
	}

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	return params
}

func systemPrompt(req llm.CompletionRequest) string {
	if !req.JSONMode {
		return req.SystemPrompt
	}
	if req.SystemPrompt == "" {
		return jsonInstruction
	}
	return strings.TrimRight(req.SystemPrompt, "\n") + "\n\n" + jsonInstruction
}
