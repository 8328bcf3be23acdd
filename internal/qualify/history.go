package qualify

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/MrWong99/qualivox/internal/transcript"
)

// DefaultHistoryCap is the number of entries a History keeps by default.
const DefaultHistoryCap = 50

// Line is one speaker-labelled utterance handed to the extractor.
type Line struct {
	Speaker transcript.Speaker
	Text    string
}

// History is a bounded, chronological buffer of transcript entries. When
// the cap is exceeded the oldest entries are evicted.
//
// All methods are safe for concurrent use.
type History struct {
	mu      sync.RWMutex
	entries []transcript.Entry
	maxSize int
}

// NewHistory returns a History holding at most maxSize entries. A
// non-positive maxSize selects DefaultHistoryCap.
func NewHistory(maxSize int) *History {
	if maxSize <= 0 {
		maxSize = DefaultHistoryCap
	}
	return &History{
		entries: make([]transcript.Entry, 0, maxSize),
		maxSize: maxSize,
	}
}

// Add appends e, evicting the oldest entries beyond the cap.
func (h *History) Add(e transcript.Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	h.evict()
}

// Entries returns all entries oldest first.
func (h *History) Entries() []transcript.Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]transcript.Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Lines returns the history as speaker-labelled lines, oldest first.
func (h *History) Lines() []Line {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Line, len(h.entries))
	for i, e := range h.entries {
		out[i] = Line{Speaker: e.Speaker, Text: e.Text}
	}
	return out
}

// Len returns the number of entries.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Hash returns the hex SHA-256 digest of every "speaker:text" line joined
// by newlines. An empty history hashes to "".
func (h *History) Hash() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.entries) == 0 {
		return ""
	}
	sum := sha256.New()
	for _, e := range h.entries {
		sum.Write([]byte(e.Speaker.String()))
		sum.Write([]byte{':'})
		sum.Write([]byte(e.Text))
		sum.Write([]byte{'\n'})
	}
	return hex.EncodeToString(sum.Sum(nil))
}

// Reset drops every entry.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = make([]transcript.Entry, 0, h.maxSize)
}

// evict keeps the newest maxSize entries. Survivors are copied to a fresh
// backing array so evicted entries can be collected. Must be called with
// h.mu held.
func (h *History) evict() {
	if len(h.entries) <= h.maxSize {
		return
	}
	keep := h.entries[len(h.entries)-h.maxSize:]
	fresh := make([]transcript.Entry, len(keep), h.maxSize)
	copy(fresh, keep)
	h.entries = fresh
}
