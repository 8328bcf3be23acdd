package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/qualivox/pkg/provider/llm"
)

func TestConvertMessage_System(t *testing.T) {
	t.Parallel()
	param, err := convertMessage(llm.Message{Role: llm.RoleSystem, Content: "Você é um extrator."})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfSystem == nil {
		t.Fatal("expected OfSystem to be set")
	}
}

func TestConvertMessage_User(t *testing.T) {
	t.Parallel()
	param, err := convertMessage(llm.Message{Role: llm.RoleUser, Content: "Olá"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfUser == nil {
		t.Fatal("expected OfUser to be set")
	}
}

func TestConvertMessage_Assistant(t *testing.T) {
	t.Parallel()
	param, err := convertMessage(llm.Message{Role: llm.RoleAssistant, Content: "{}"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfAssistant == nil {
		t.Fatal("expected OfAssistant to be set")
	}
}

func TestConvertMessage_UnknownRole(t *testing.T) {
	t.Parallel()
	if _, err := convertMessage(llm.Message{Role: "tool", Content: "x"}); err == nil {
		t.Fatal("expected error for unknown role, got nil")
	}
}

func TestNew_MissingAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestNew_MissingModel(t *testing.T) {
	t.Parallel()
	if _, err := New("sk-test", ""); err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestNew_Options(t *testing.T) {
	t.Parallel()
	_, err := New("sk-test", "gpt-4o-mini",
		WithBaseURL("https://custom.example.com"),
		WithOrganization("org-123"),
	)
	if err != nil {
		t.Fatalf("unexpected error with valid options: %v", err)
	}
}

func TestComplete_NoMessages(t *testing.T) {
	t.Parallel()
	p, err := New("sk-test", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Complete(context.Background(), llm.CompletionRequest{SystemPrompt: "x"}); err == nil {
		t.Fatal("expected error for empty messages")
	}
}

// chatServer answers /v1/chat/completions with content and records the
// decoded request body.
func chatServer(t *testing.T, status int, content string, got *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"bad request","type":"invalid_request_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 0,
			"model":   "gpt-4o-mini",
			"choices": []any{map[string]any{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestComplete_JSONMode(t *testing.T) {
	t.Parallel()
	var got map[string]any
	srv := chatServer(t, http.StatusOK, `{"nome":"João"}`, &got)

	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "Extraia os dados.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "Meu nome é João"}},
		Temperature:  0.1,
		MaxTokens:    256,
		JSONMode:     true,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != `{"nome":"João"}` {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 5 || resp.Usage.TotalTokens != 17 {
		t.Errorf("Usage = %+v", resp.Usage)
	}

	if got["model"] != "gpt-4o-mini" {
		t.Errorf("model = %v", got["model"])
	}
	rf, _ := got["response_format"].(map[string]any)
	if rf["type"] != "json_object" {
		t.Errorf("response_format = %v, want json_object", got["response_format"])
	}
	if got["max_completion_tokens"] != float64(256) {
		t.Errorf("max_completion_tokens = %v", got["max_completion_tokens"])
	}
	msgs, _ := got["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if first, _ := msgs[0].(map[string]any); first["role"] != "system" {
		t.Errorf("first message role = %v, want system", first["role"])
	}
}

func TestComplete_PlainOmitsResponseFormat(t *testing.T) {
	t.Parallel()
	var got map[string]any
	srv := chatServer(t, http.StatusOK, "ok", &got)

	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "oi"}},
	}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, ok := got["response_format"]; ok {
		t.Errorf("response_format present without JSONMode: %v", got["response_format"])
	}
	if _, ok := got["temperature"]; ok {
		t.Errorf("temperature sent although zero")
	}
}

func TestComplete_HTTPError(t *testing.T) {
	t.Parallel()
	var got map[string]any
	srv := chatServer(t, http.StatusBadRequest, "", &got)

	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "oi"}},
	}); err == nil {
		t.Fatal("expected error for 400 response")
	}
}

func TestComplete_TruncatedJSON(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "chatcmpl-2", "object": "chat.completion", "model": "gpt-4o-mini",
			"choices": []any{map[string]any{
				"index": 0, "finish_reason": "length",
				"message": map[string]any{"role": "assistant", "content": `{"empresa":"Ac`},
			}},
		})
	}))
	t.Cleanup(srv.Close)

	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	msgs := []llm.Message{{Role: llm.RoleUser, Content: "oi"}}
	if _, err := p.Complete(context.Background(), llm.CompletionRequest{Messages: msgs, JSONMode: true}); !errors.Is(err, ErrTruncated) {
		t.Errorf("JSON mode err = %v, want ErrTruncated", err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{Messages: msgs})
	if err != nil || resp.Content != `{"empresa":"Ac` {
		t.Errorf("plain mode = %+v, %v", resp, err)
	}
}

func TestComplete_RetriesOnlyWhenAsked(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		opts []Option
		want int32
	}{
		{"default", nil, 1},
		{"two retries", []Option{WithMaxRetries(2)}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				hits.Add(1)
				w.Header().Set("Retry-After-Ms", "1")
				w.WriteHeader(http.StatusServiceUnavailable)
			}))
			t.Cleanup(srv.Close)

			p, err := New("sk-test", "gpt-4o-mini", append([]Option{WithBaseURL(srv.URL + "/v1/")}, tt.opts...)...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if _, err := p.Complete(context.Background(), llm.CompletionRequest{
				Messages: []llm.Message{{Role: llm.RoleUser, Content: "oi"}},
			}); err == nil {
				t.Fatal("expected error")
			}
			if got := hits.Load(); got != tt.want {
				t.Errorf("requests = %d, want %d", got, tt.want)
			}
		})
	}
}
