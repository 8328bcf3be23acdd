package qualify_test

import (
	"fmt"
	"testing"

	"github.com/MrWong99/qualivox/internal/qualify"
	"github.com/MrWong99/qualivox/internal/transcript"
)

func TestHistory_EvictsOldest(t *testing.T) {
	t.Parallel()
	h := qualify.NewHistory(3)
	for i := range 5 {
		h.Add(transcript.Entry{Speaker: transcript.User, Text: fmt.Sprintf("fala %d", i)})
	}
	got := h.Entries()
	if len(got) != 3 {
		t.Fatalf("Len = %d, want 3", len(got))
	}
	if got[0].Text != "fala 2" || got[2].Text != "fala 4" {
		t.Errorf("entries = %+v", got)
	}
}

func TestHistory_DefaultCap(t *testing.T) {
	t.Parallel()
	h := qualify.NewHistory(0)
	for i := range qualify.DefaultHistoryCap + 10 {
		h.Add(transcript.Entry{Text: fmt.Sprint(i)})
	}
	if h.Len() != qualify.DefaultHistoryCap {
		t.Errorf("Len = %d, want %d", h.Len(), qualify.DefaultHistoryCap)
	}
}

func TestHistory_Hash(t *testing.T) {
	t.Parallel()
	a := qualify.NewHistory(10)
	b := qualify.NewHistory(10)
	if a.Hash() != "" {
		t.Error("empty history should hash to empty string")
	}

	a.Add(transcript.Entry{Speaker: transcript.User, Text: "sim"})
	b.Add(transcript.Entry{Speaker: transcript.User, Text: "sim"})
	if a.Hash() != b.Hash() {
		t.Error("equal histories hash differently")
	}

	b.Reset()
	b.Add(transcript.Entry{Speaker: transcript.Agent, Text: "sim"})
	if a.Hash() == b.Hash() {
		t.Error("speaker not part of the hash")
	}

	before := a.Hash()
	a.Add(transcript.Entry{Speaker: transcript.User, Text: "sim"})
	if a.Hash() == before {
		t.Error("repeated entry did not change the hash")
	}
}

func TestHistory_Lines(t *testing.T) {
	t.Parallel()
	h := qualify.NewHistory(5)
	h.Add(transcript.Entry{Speaker: transcript.Agent, Text: "Olá"})
	h.Add(transcript.Entry{Speaker: transcript.User, Text: "Oi"})
	lines := h.Lines()
	if len(lines) != 2 || lines[0].Speaker != transcript.Agent || lines[1].Text != "Oi" {
		t.Errorf("lines = %+v", lines)
	}
}
