package qualify

import (
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/qualivox/internal/transcript"
)

// Confidence is the self-reported certainty attached to a record change.
type Confidence int

const (
	Low Confidence = iota
	Medium
	High
)

// String returns "low", "medium" or "high".
func (c Confidence) String() string {
	switch c {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return fmt.Sprintf("Confidence(%d)", int(c))
	}
}

// ParseConfidence maps the extractor's label to a Confidence. Portuguese
// (alta, média, baixa) and English labels are accepted in any case.
// Anything else, including a missing value, is Medium.
func ParseConfidence(v any) Confidence {
	s, _ := v.(string)
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "alta", "high":
		return High
	case "baixa", "low":
		return Low
	default:
		return Medium
	}
}

// LogEntry is one append-only audit record. Field changes carry the old and
// new value; failure notices carry an empty Field and a Note.
type LogEntry struct {
	Timestamp  time.Time
	Field      string
	OldValue   any
	NewValue   any
	Source     transcript.Speaker
	Confidence Confidence
	Note       string
}

// String renders e for logs and the visible transcript.
func (e LogEntry) String() string {
	if e.Field == "" {
		return fmt.Sprintf("[%s/%s] %s", e.Source, e.Confidence, e.Note)
	}
	return fmt.Sprintf("[%s/%s] %s: %q → %q", e.Source, e.Confidence, e.Field,
		formatValue(e.OldValue), formatValue(e.NewValue))
}
