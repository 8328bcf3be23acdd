package transcript_test

import (
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/qualivox/internal/transcript"
)

func TestSpeaker_RoundTrip(t *testing.T) {
	t.Parallel()
	for _, s := range []transcript.Speaker{transcript.User, transcript.Agent, transcript.System} {
		got, err := transcript.ParseSpeaker(s.String())
		if err != nil {
			t.Fatalf("ParseSpeaker(%q): %v", s.String(), err)
		}
		if got != s {
			t.Errorf("ParseSpeaker(%q) = %v, want %v", s.String(), got, s)
		}
	}
	if _, err := transcript.ParseSpeaker("narrator"); err == nil {
		t.Error("expected error for unknown speaker")
	}
}

func TestNormalizeAndJoin(t *testing.T) {
	t.Parallel()
	tests := []struct {
		acc, next, want string
	}{
		{"", "Meu", "Meu"},
		{"Meu", " nome ", "Meu nome"},
		{"Meu nome", "é   João", "Meu nome é João"},
		{"Meu", "   ", "Meu"},
		{"", "\tolá\n mundo ", "olá mundo"},
	}
	for _, tt := range tests {
		if got := transcript.Join(tt.acc, tt.next); got != tt.want {
			t.Errorf("Join(%q, %q) = %q, want %q", tt.acc, tt.next, got, tt.want)
		}
	}
}

func TestEntry_Line(t *testing.T) {
	t.Parallel()
	e := transcript.Entry{Speaker: transcript.Agent, Text: "Olá!"}
	if got := e.Line(); got != "agent: Olá!" {
		t.Errorf("Line() = %q", got)
	}
}

func TestLog_AppendAndListeners(t *testing.T) {
	t.Parallel()
	var l transcript.Log

	var mu sync.Mutex
	var seen []string
	l.OnAppend(func(e transcript.Entry) {
		mu.Lock()
		seen = append(seen, e.Text)
		mu.Unlock()
	})

	l.Append(transcript.Entry{Speaker: transcript.User, Text: "oi", Timestamp: time.Now()})
	l.Notice("extração desativada")

	if l.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", l.Len())
	}
	entries := l.Entries()
	if entries[1].Speaker != transcript.System {
		t.Errorf("notice speaker = %v, want system", entries[1].Speaker)
	}
	if got := l.String(); got != "user: oi\nsystem: extração desativada" {
		t.Errorf("String() = %q", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "oi" {
		t.Errorf("listener saw %v", seen)
	}
}

func TestLog_EntriesIsCopy(t *testing.T) {
	t.Parallel()
	var l transcript.Log
	l.Append(transcript.Entry{Text: "a"})
	got := l.Entries()
	got[0].Text = "mutated"
	if l.Entries()[0].Text != "a" {
		t.Error("Entries() exposed internal storage")
	}
}

func TestLog_ConcurrentAppend(t *testing.T) {
	t.Parallel()
	var l transcript.Log
	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			l.Append(transcript.Entry{Text: "x"})
		})
	}
	wg.Wait()
	if l.Len() != 50 {
		t.Errorf("Len() = %d, want 50", l.Len())
	}
}

func TestSimilar(t *testing.T) {
	t.Parallel()
	if s := transcript.Similar("Meu nome é João", "meu  nome é joão"); s != 1 {
		t.Errorf("identical modulo case/space: got %f, want 1", s)
	}
	if s := transcript.Similar("", "abc"); s != 0 {
		t.Errorf("empty input: got %f, want 0", s)
	}
	if s := transcript.Similar("meu nome é joão", "meu nome é joao"); s < 0.9 {
		t.Errorf("near repeat: got %f, want >= 0.9", s)
	}
	if s := transcript.Similar("sim", "trabalho com logística"); s > 0.7 {
		t.Errorf("unrelated: got %f, want <= 0.7", s)
	}
}

func TestDuplicate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		prev      string
		next      string
		threshold float64
		want      bool
	}{
		{"exact", "Olá", "Olá", 0, true},
		{"case and space", "Olá  tudo bem", "olá tudo bem", 0, true},
		{"near without threshold", "meu nome é joão", "meu nome é joao", 0, false},
		{"near with threshold", "meu nome é joão", "meu nome é joao", 0.9, true},
		{"different", "sim", "não", 0.9, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := transcript.Duplicate(tt.prev, tt.next, tt.threshold); got != tt.want {
				t.Errorf("Duplicate(%q, %q, %v) = %v, want %v", tt.prev, tt.next, tt.threshold, got, tt.want)
			}
		})
	}
}
