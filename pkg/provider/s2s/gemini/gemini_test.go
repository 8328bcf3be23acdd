package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/qualivox/pkg/audio"
	"github.com/MrWong99/qualivox/pkg/provider/s2s"
	"github.com/MrWong99/qualivox/pkg/provider/s2s/gemini"
)

// liveServer is a scripted stand-in for the Live endpoint. It records the
// request query and setup frame, acknowledges setup unless reject is set, and
// then hands the connection to script.
type liveServer struct {
	*httptest.Server
	query  chan string
	setup  chan map[string]any
	reject map[string]any
}

func newLiveServer(t *testing.T, script func(t *testing.T, conn *websocket.Conn)) *liveServer {
	t.Helper()
	return startLiveServer(t, nil, script)
}

func startLiveServer(t *testing.T, reject map[string]any, script func(t *testing.T, conn *websocket.Conn)) *liveServer {
	t.Helper()
	ls := &liveServer{query: make(chan string, 1), setup: make(chan map[string]any, 1), reject: reject}
	ls.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ls.query <- r.URL.RawQuery
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		var frame map[string]any
		recv(t, conn, &frame)
		ls.setup <- frame
		if ls.reject != nil {
			send(t, conn, map[string]any{"error": ls.reject})
			return
		}
		send(t, conn, map[string]any{"setupComplete": map[string]any{}})
		if script != nil {
			script(t, conn)
		}
		<-conn.CloseRead(context.Background()).Done()
	}))
	t.Cleanup(ls.Close)
	return ls
}

func (ls *liveServer) provider(opts ...gemini.Option) *gemini.Provider {
	return gemini.New("test-key", append([]gemini.Option{gemini.WithBaseURL("ws" + strings.TrimPrefix(ls.URL, "http"))}, opts...)...)
}

func (ls *liveServer) dial(t *testing.T, cfg s2s.SessionConfig) s2s.SessionHandle {
	t.Helper()
	h, err := ls.provider().Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func recv(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("server read: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("server decode: %v", err)
	}
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("server write: %v", err)
	}
}

func await[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
	var zero T
	return zero
}

func nextEvent(t *testing.T, h s2s.SessionHandle) s2s.Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		if !ok {
			t.Fatal("events closed early")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return s2s.Event{}
}

func TestConnect_Setup(t *testing.T) {
	t.Parallel()
	ls := newLiveServer(t, nil)

	ls.dial(t, s2s.SessionConfig{
		Instructions: "Você é uma SDR.",
		Voice:        "Aoede",
		Tools:        []s2s.ToolDefinition{{Name: "atualizar_qualificacao", Description: "Atualiza"}},
	})

	if q := await(t, ls.query, "query"); !strings.Contains(q, "key=test-key") {
		t.Errorf("query %q lacks the api key", q)
	}
	st, _ := await(t, ls.setup, "setup")["setup"].(map[string]any)
	if st == nil {
		t.Fatal("first frame is not a setup frame")
	}
	if st["model"] != "models/gemini-2.0-flash-live-001" {
		t.Errorf("model = %v", st["model"])
	}
	for _, k := range []string{"inputAudioTranscription", "outputAudioTranscription", "systemInstruction", "tools"} {
		if _, ok := st[k]; !ok {
			t.Errorf("setup lacks %q", k)
		}
	}
	gen, _ := st["generationConfig"].(map[string]any)
	if _, ok := gen["speechConfig"]; !ok {
		t.Error("voice did not produce a speechConfig")
	}
}

func TestConnect_CustomModelNoVoice(t *testing.T) {
	t.Parallel()
	ls := newLiveServer(t, nil)
	h, err := ls.provider(gemini.WithModel("gemini-live-2.5-flash")).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	st, _ := await(t, ls.setup, "setup")["setup"].(map[string]any)
	if st["model"] != "models/gemini-live-2.5-flash" {
		t.Errorf("model = %v", st["model"])
	}
	for _, k := range []string{"systemInstruction", "tools"} {
		if _, ok := st[k]; ok {
			t.Errorf("setup carries %q without configuration", k)
		}
	}
}

func TestConnect_SetupRejected(t *testing.T) {
	t.Parallel()
	ls := startLiveServer(t, map[string]any{"code": 400, "status": "INVALID_ARGUMENT", "message": "unknown model"}, nil)

	_, err := ls.provider().Connect(context.Background(), s2s.SessionConfig{})
	if err == nil || !strings.Contains(err.Error(), "unknown model") {
		t.Fatalf("err = %v, want the server rejection", err)
	}
}

func TestConnect_CancelledContext(t *testing.T) {
	t.Parallel()
	ls := newLiveServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ls.provider().Connect(ctx, s2s.SessionConfig{}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := gemini.New("k").Capabilities()
	if caps.OutputSampleRate != 24000 || len(caps.Voices) == 0 || caps.MaxSessionDuration == 0 {
		t.Errorf("capabilities = %+v", caps)
	}
}

func TestSendAudio(t *testing.T) {
	t.Parallel()

	type input struct {
		RealtimeInput struct {
			Audio struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"audio"`
		} `json:"realtimeInput"`
	}
	got := make(chan input, 1)
	ls := newLiveServer(t, func(t *testing.T, conn *websocket.Conn) {
		var in input
		recv(t, conn, &in)
		got <- in
	})

	h := ls.dial(t, s2s.SessionConfig{InputSampleRate: 8000})
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	if err := h.SendAudio(pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	in := await(t, got, "audio frame")
	if in.RealtimeInput.Audio.MIMEType != "audio/pcm;rate=8000" {
		t.Errorf("mimeType = %q", in.RealtimeInput.Audio.MIMEType)
	}
	if data, _ := base64.StdEncoding.DecodeString(in.RealtimeInput.Audio.Data); string(data) != string(pcm) {
		t.Errorf("audio = %v, want %v", data, pcm)
	}
}

func TestSendAudio_Closed(t *testing.T) {
	t.Parallel()
	h := newLiveServer(t, nil).dial(t, s2s.SessionConfig{})
	_ = h.Close()
	if err := h.SendAudio([]byte{1, 2}); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}
}

func TestSendAudio_Concurrent(t *testing.T) {
	t.Parallel()
	ls := newLiveServer(t, func(_ *testing.T, conn *websocket.Conn) {
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	})
	h := ls.dial(t, s2s.SessionConfig{})

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 16 {
				_ = h.SendAudio([]byte{0x01, 0x02})
			}
		})
	}
	wg.Wait()
}

func TestEvents_Order(t *testing.T) {
	t.Parallel()

	clip := base64.StdEncoding.EncodeToString([]byte{0xAA, 0xBB})
	ls := newLiveServer(t, func(t *testing.T, conn *websocket.Conn) {
		send(t, conn, map[string]any{"goAway": map[string]any{"timeLeft": "30s"}})
		send(t, conn, map[string]any{"serverContent": map[string]any{
			"inputTranscription": map[string]any{"text": "Meu nome", "finished": true},
		}})
		send(t, conn, map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []map[string]any{
				{"text": "thinking..."},
				{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": clip}},
			}},
			"outputTranscription": map[string]any{"text": "Olá João"},
			"generationComplete":  true,
		}})
		send(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		send(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
	})
	h := ls.dial(t, s2s.SessionConfig{})

	ev := nextEvent(t, h)
	if ev.Kind != s2s.EventTranscript || ev.Role != s2s.RoleUser || ev.Text != "Meu nome" || !ev.EndOfSpeech {
		t.Errorf("event 1 = %+v", ev)
	}
	ev = nextEvent(t, h)
	if ev.Kind != s2s.EventAudio || ev.Audio.Encoding != audio.EncodingBase64 || string(ev.Audio.Data) != clip {
		t.Errorf("event 2 = %+v", ev)
	}
	ev = nextEvent(t, h)
	if ev.Kind != s2s.EventTranscript || ev.Role != s2s.RoleAgent || ev.Text != "Olá João" || ev.EndOfSpeech {
		t.Errorf("event 3 = %+v", ev)
	}
	for _, want := range []s2s.EventKind{s2s.EventGenerationComplete, s2s.EventTurnComplete, s2s.EventInterrupted} {
		if ev := nextEvent(t, h); ev.Kind != want {
			t.Errorf("kind = %v, want %v", ev.Kind, want)
		}
	}
}

func TestEvents_ServerErrorEndsSession(t *testing.T) {
	t.Parallel()
	ls := newLiveServer(t, func(t *testing.T, conn *websocket.Conn) {
		send(t, conn, map[string]any{"error": map[string]any{"code": 429, "status": "RESOURCE_EXHAUSTED", "message": "quota"}})
	})
	h := ls.dial(t, s2s.SessionConfig{})

	select {
	case _, open := <-h.Events():
		if open {
			t.Fatal("unexpected event")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events not closed after server error")
	}
	if err := h.Err(); err == nil || !strings.Contains(err.Error(), "quota") {
		t.Errorf("Err = %v", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()
	h := newLiveServer(t, nil).dial(t, s2s.SessionConfig{})
	for i := range 2 {
		if err := h.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i+1, err)
		}
	}
	select {
	case _, open := <-h.Events():
		if open {
			t.Error("events still open after Close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events not closed")
	}
	if err := h.Err(); err != nil {
		t.Errorf("Err after Close = %v", err)
	}
}

type toolReply struct {
	ToolResponse struct {
		FunctionResponses []struct {
			ID       string         `json:"id"`
			Name     string         `json:"name"`
			Response map[string]any `json:"response"`
		} `json:"functionResponses"`
	} `json:"toolResponse"`
}

func TestToolCall_BatchedReply(t *testing.T) {
	t.Parallel()

	ready := make(chan struct{})
	replies := make(chan toolReply, 1)
	ls := newLiveServer(t, func(t *testing.T, conn *websocket.Conn) {
		<-ready
		send(t, conn, map[string]any{"toolCall": map[string]any{"functionCalls": []map[string]any{
			{"id": "fc-1", "name": "atualizar_qualificacao", "args": map[string]any{"dados": map[string]any{"nome_completo": "João"}}},
			{"id": "fc-2", "name": "atualizar_qualificacao"},
		}}})
		var r toolReply
		recv(t, conn, &r)
		replies <- r
	})

	h := ls.dial(t, s2s.SessionConfig{})
	var mu sync.Mutex
	var calls []string
	h.OnToolCall(func(name, args string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, args)
		if len(calls) == 2 {
			return "plain text", nil
		}
		return `{"status":"ok"}`, nil
	})
	close(ready)

	r := await(t, replies, "tool response")
	frs := r.ToolResponse.FunctionResponses
	if len(frs) != 2 {
		t.Fatalf("function responses = %d, want 2 in one frame", len(frs))
	}
	if frs[0].ID != "fc-1" || frs[0].Response["status"] != "ok" {
		t.Errorf("first response = %+v", frs[0])
	}
	if frs[1].ID != "fc-2" || frs[1].Response["output"] != "plain text" {
		t.Errorf("second response = %+v", frs[1])
	}

	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(calls[0], "João") || calls[1] != "{}" {
		t.Errorf("handler args = %q", calls)
	}
}

func TestToolCall_NoHandler(t *testing.T) {
	t.Parallel()
	replies := make(chan toolReply, 1)
	ls := newLiveServer(t, func(t *testing.T, conn *websocket.Conn) {
		send(t, conn, map[string]any{"toolCall": map[string]any{"functionCalls": []map[string]any{
			{"id": "fc-9", "name": "do_thing", "args": map[string]any{}},
		}}})
		var r toolReply
		recv(t, conn, &r)
		replies <- r
	})
	ls.dial(t, s2s.SessionConfig{})

	frs := await(t, replies, "tool response").ToolResponse.FunctionResponses
	if len(frs) != 1 || frs[0].Response["error"] == nil {
		t.Errorf("reply = %+v, want an error object", frs)
	}
}

func TestInterrupt_Unsupported(t *testing.T) {
	t.Parallel()
	h := newLiveServer(t, nil).dial(t, s2s.SessionConfig{})
	if err := h.Interrupt(); err == nil {
		t.Error("Interrupt should fail for Gemini Live")
	}
}
