// Package transcript holds the visible conversation transcript: speakers,
// raw segments delivered by the remote session, finalized entries and the
// append-only Log they are collected in.
//
// Entries are created by the turn machine (see package turn) or by the
// application for system notices. They are never mutated after creation.
package transcript

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Speaker identifies who produced an utterance.
type Speaker int

const (
	// User is the caller on the microphone.
	User Speaker = iota
	// Agent is the remote conversational model.
	Agent
	// System marks notices produced by qualivox itself.
	System
)

// String returns the lowercase label used in logs, storage and prompts.
func (s Speaker) String() string {
	switch s {
	case User:
		return "user"
	case Agent:
		return "agent"
	case System:
		return "system"
	default:
		return fmt.Sprintf("Speaker(%d)", int(s))
	}
}

// ParseSpeaker is the inverse of [Speaker.String].
func ParseSpeaker(s string) (Speaker, error) {
	switch strings.ToLower(s) {
	case "user":
		return User, nil
	case "agent":
		return Agent, nil
	case "system":
		return System, nil
	default:
		return 0, fmt.Errorf("transcript: unknown speaker %q", s)
	}
}

// Segment is one speech-to-text fragment of a turn, in arrival order.
type Segment struct {
	Text      string
	Timestamp time.Time
	IsFinal   bool
}

// Entry is a finalized utterance on the visible transcript.
type Entry struct {
	Speaker   Speaker
	Text      string
	Timestamp time.Time
}

// Line renders e as "speaker: text".
func (e Entry) Line() string {
	return e.Speaker.String() + ": " + e.Text
}

// Normalize collapses every run of whitespace in s to a single space and
// trims both ends.
func Normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Join appends next to acc with exactly one space at the boundary.
func Join(acc, next string) string {
	next = Normalize(next)
	switch {
	case next == "":
		return acc
	case acc == "":
		return next
	default:
		return acc + " " + next
	}
}

// Log is an append-only, concurrency-safe list of entries.
// The zero value is ready to use.
type Log struct {
	mu        sync.RWMutex
	entries   []Entry
	listeners []func(Entry)
}

// OnAppend registers fn to be called, in registration order, for every
// entry appended after the call. fn runs on the appending goroutine and
// outside the Log's lock.
func (l *Log) OnAppend(fn func(Entry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// Append adds e to the log and notifies listeners.
func (l *Log) Append(e Entry) {
	l.mu.Lock()
	l.entries = append(l.entries, e)
	listeners := l.listeners
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(e)
	}
}

// Notice appends a System entry stamped with the current time.
func (l *Log) Notice(text string) {
	l.Append(Entry{Speaker: System, Text: text, Timestamp: time.Now()})
}

// Entries returns a copy of all entries in append order.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// String renders the log one "speaker: text" line per entry.
func (l *Log) String() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var b strings.Builder
	for i, e := range l.entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(e.Line())
	}
	return b.String()
}
