// Package turn reconciles fragmented speech-to-text output into finalized
// transcript entries.
//
// A [Machine] keeps at most one open turn per speaker. Each turn moves
// through Idle → Accumulating → Idle:
//
//	Idle ──AddSegment──▶ Accumulating ──finalize──▶ Idle
//	                         │   ▲
//	                         └───┘ AddSegment (merge, re-arm debounce)
//
// A turn is finalized by an end-of-speech flag, by the silence debounce, by a
// gap larger than the merge threshold, by the other speaker starting to
// produce output (preemption), by an interruption, or by an explicit
// turn/generation-complete signal from the remote session.
package turn

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/qualivox/internal/clock"
	"github.com/MrWong99/qualivox/internal/transcript"
)

// Defaults applied by [DefaultConfig] and for zero durations in [Config].
const (
	DefaultMergeThreshold  = 1500 * time.Millisecond
	DefaultSilenceTimeout  = 2500 * time.Millisecond
	DefaultMinLength       = 2
	DefaultNoiseMarker     = "<noise>"
	DefaultDuplicateWindow = 10 * time.Second
)

// Config holds the tunable thresholds of a Machine.
type Config struct {
	// MergeThreshold is the largest gap between two fragments of the same
	// speaker that still joins them into one turn.
	MergeThreshold time.Duration

	// SilenceTimeout is the debounce delay after the last fragment before the
	// turn finalizes on its own.
	SilenceTimeout time.Duration

	// MinLength is the minimum number of runes a finalized text needs to be
	// emitted. Zero disables the check.
	MinLength int

	// NoiseMarker is the token the remote transcriber uses for non-speech.
	// Text made only of markers and punctuation is noise.
	NoiseMarker string

	// DuplicateWindow bounds how long after an entry an identical entry from
	// the same speaker is still suppressed.
	DuplicateWindow time.Duration

	// DuplicateSimilarity enables fuzzy duplicate suppression when positive:
	// a Jaro-Winkler score at or above it counts as a repeat.
	DuplicateSimilarity float64
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		MergeThreshold:  DefaultMergeThreshold,
		SilenceTimeout:  DefaultSilenceTimeout,
		MinLength:       DefaultMinLength,
		NoiseMarker:     DefaultNoiseMarker,
		DuplicateWindow: DefaultDuplicateWindow,
	}
}

func (c Config) withDefaults() Config {
	if c.MergeThreshold <= 0 {
		c.MergeThreshold = DefaultMergeThreshold
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = DefaultSilenceTimeout
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = DefaultDuplicateWindow
	}
	return c
}

// State is the lifecycle state of one speaker's turn.
type State int

const (
	// Idle means no text is being accumulated.
	Idle State = iota
	// Accumulating means fragments are being merged into an open turn.
	Accumulating
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Accumulating:
		return "accumulating"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Reason says why a turn was finalized.
type Reason string

const (
	ReasonEndOfSpeech        Reason = "end_of_speech"
	ReasonSilence            Reason = "silence"
	ReasonGap                Reason = "gap"
	ReasonPreempted          Reason = "preempted"
	ReasonInterrupted        Reason = "interrupted"
	ReasonTurnComplete       Reason = "turn_complete"
	ReasonGenerationComplete Reason = "generation_complete"
	ReasonExplicit           Reason = "explicit"
)

// Discard causes reported to [Hooks.OnDiscard].
const (
	DiscardEmpty     = "empty"
	DiscardNoise     = "noise"
	DiscardTooShort  = "too_short"
	DiscardDuplicate = "duplicate"
)

// Hooks observe finalization outcomes. Nil fields are skipped. Hooks run
// with the Machine's lock held and must not call back into it.
type Hooks struct {
	OnFinalize func(speaker transcript.Speaker, reason Reason)
	OnDiscard  func(speaker transcript.Speaker, reason Reason, cause string)
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.log = l }
}

// WithHooks installs observation callbacks.
func WithHooks(h Hooks) Option {
	return func(m *Machine) { m.hooks = h }
}

// turn is the transient state of one speaker's utterance.
type turn struct {
	text    string
	active  bool
	started time.Time
	last    time.Time
	timer   clock.Timer
	gen     uint64
}

// stop cancels the debounce timer and invalidates any callback already
// in flight.
func (t *turn) stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

// Machine is the turn-taking state machine for one call.
//
// All methods are safe for concurrent use. emit is called with the Machine's
// lock held, in finalization order, and must not call back into the Machine.
type Machine struct {
	cfg   Config
	emit  func(transcript.Entry)
	clock clock.Clock
	log   *slog.Logger
	hooks Hooks

	mu     sync.Mutex
	turns  map[transcript.Speaker]*turn
	last   map[transcript.Speaker]transcript.Entry
	closed bool
}

// New creates a Machine that passes every finalized entry to emit.
// Zero durations in cfg select the defaults.
func New(cfg Config, emit func(transcript.Entry), opts ...Option) *Machine {
	m := &Machine{
		cfg:   cfg.withDefaults(),
		emit:  emit,
		clock: clock.Real{},
		log:   slog.Default(),
		turns: make(map[transcript.Speaker]*turn),
		last:  make(map[transcript.Speaker]transcript.Entry),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With("component", "turn")
	return m
}

// AddSegment merges seg into speaker's turn.
//
// Empty and noise-only segments never start or extend a turn, and noise
// markers inside speech are dropped from the merged text. When
// endOfSpeech is set the turn finalizes right after the merge, even if the
// segment itself carried no text. A zero seg.Timestamp is stamped with the
// current time.
func (m *Machine) AddSegment(speaker transcript.Speaker, seg transcript.Segment, endOfSpeech bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	text := transcript.Normalize(seg.Text)
	if text == "" || m.isNoise(text) {
		if endOfSpeech {
			m.finalizeLocked(speaker, ReasonEndOfSpeech)
		}
		return
	}

	if m.cfg.NoiseMarker != "" {
		text = transcript.Normalize(replaceFold(text, m.cfg.NoiseMarker))
	}

	ts := seg.Timestamp
	if ts.IsZero() {
		ts = m.clock.Now()
	}

	for _, other := range m.openSpeakersLocked() {
		if other != speaker {
			m.finalizeLocked(other, ReasonPreempted)
		}
	}

	t := m.turnLocked(speaker)
	if t.active && ts.Sub(t.last) > m.cfg.MergeThreshold {
		m.finalizeLocked(speaker, ReasonGap)
	}

	if !t.active {
		t.active = true
		t.started = ts
	}
	t.text = transcript.Join(t.text, text)
	t.last = ts
	m.armLocked(speaker, t)

	if endOfSpeech {
		m.finalizeLocked(speaker, ReasonEndOfSpeech)
	}
}

// TurnComplete finalizes the agent's turn.
func (m *Machine) TurnComplete() {
	m.finalize(transcript.Agent, ReasonTurnComplete)
}

// GenerationComplete finalizes the agent's turn.
func (m *Machine) GenerationComplete() {
	m.finalize(transcript.Agent, ReasonGenerationComplete)
}

// Finalize closes speaker's open turn. It is a no-op when there is none.
func (m *Machine) Finalize(speaker transcript.Speaker) {
	m.finalize(speaker, ReasonExplicit)
}

// Interrupt force-finalizes every open turn and cancels their timers.
func (m *Machine) Interrupt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for _, s := range m.openSpeakersLocked() {
		m.finalizeLocked(s, ReasonInterrupted)
	}
}

// Reset drops every open turn and the duplicate history without emitting.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

// Close resets the Machine and turns every later call into a no-op. No
// timer callback emits after Close returns.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
	m.closed = true
}

// State returns the lifecycle state of speaker's turn.
func (m *Machine) State(speaker transcript.Speaker) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.turns[speaker]; ok && t.active {
		return Accumulating
	}
	return Idle
}

// Pending returns the text accumulated in speaker's open turn.
func (m *Machine) Pending(speaker transcript.Speaker) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.turns[speaker]; ok && t.active {
		return t.text
	}
	return ""
}

func (m *Machine) finalize(speaker transcript.Speaker, reason Reason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.finalizeLocked(speaker, reason)
}

func (m *Machine) turnLocked(speaker transcript.Speaker) *turn {
	t, ok := m.turns[speaker]
	if !ok {
		t = &turn{}
		m.turns[speaker] = t
	}
	return t
}

// openSpeakersLocked returns the speakers with an open turn in ascending
// order so preemption and interruption finalize deterministically.
func (m *Machine) openSpeakersLocked() []transcript.Speaker {
	var out []transcript.Speaker
	for s, t := range m.turns {
		if t.active {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return out
}

// armLocked (re)starts the silence debounce for speaker.
func (m *Machine) armLocked(speaker transcript.Speaker, t *turn) {
	t.stop()
	gen := t.gen
	t.timer = m.clock.AfterFunc(m.cfg.SilenceTimeout, func() {
		m.onSilence(speaker, gen)
	})
}

func (m *Machine) onSilence(speaker transcript.Speaker, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	t, ok := m.turns[speaker]
	if !ok || t.gen != gen || !t.active {
		return
	}
	t.timer = nil
	m.finalizeLocked(speaker, ReasonSilence)
}

// finalizeLocked closes speaker's turn, emitting an entry unless the text
// is discarded. The turn is always cleared and its timer stopped.
func (m *Machine) finalizeLocked(speaker transcript.Speaker, reason Reason) {
	t, ok := m.turns[speaker]
	if !ok || !t.active {
		return
	}
	text := strings.TrimSpace(t.text)
	t.stop()
	t.active = false
	t.text = ""

	now := m.clock.Now()
	if cause := m.discardCause(speaker, text, now); cause != "" {
		m.log.Debug("turn discarded", "speaker", speaker, "reason", reason, "cause", cause, "text", text)
		if m.hooks.OnDiscard != nil {
			m.hooks.OnDiscard(speaker, reason, cause)
		}
		return
	}

	entry := transcript.Entry{Speaker: speaker, Text: text, Timestamp: now}
	m.last[speaker] = entry
	m.log.Debug("turn finalized", "speaker", speaker, "reason", reason, "runes", utf8.RuneCountInString(text))
	if m.hooks.OnFinalize != nil {
		m.hooks.OnFinalize(speaker, reason)
	}
	if m.emit != nil {
		m.emit(entry)
	}
}

func (m *Machine) discardCause(speaker transcript.Speaker, text string, now time.Time) string {
	switch {
	case text == "":
		return DiscardEmpty
	case m.isNoise(text):
		return DiscardNoise
	case m.cfg.MinLength > 0 && utf8.RuneCountInString(text) < m.cfg.MinLength:
		return DiscardTooShort
	}
	if prev, ok := m.last[speaker]; ok &&
		now.Sub(prev.Timestamp) <= m.cfg.DuplicateWindow &&
		transcript.Duplicate(prev.Text, text, m.cfg.DuplicateSimilarity) {
		return DiscardDuplicate
	}
	return ""
}

// isNoise reports whether text holds nothing but noise markers,
// punctuation and symbols.
func (m *Machine) isNoise(text string) bool {
	if m.cfg.NoiseMarker != "" {
		text = replaceFold(text, m.cfg.NoiseMarker)
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// replaceFold removes every case-insensitive occurrence of marker from s.
func replaceFold(s, marker string) string {
	lower := strings.ToLower(s)
	lm := strings.ToLower(marker)
	if len(lower) != len(s) || len(lm) != len(marker) {
		// Case mapping changed byte lengths; fall back to exact matching.
		return strings.ReplaceAll(s, marker, "")
	}
	var b strings.Builder
	for {
		i := strings.Index(lower, lm)
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		s = s[i+len(lm):]
		lower = lower[i+len(lm):]
	}
}

func (m *Machine) resetLocked() {
	for _, t := range m.turns {
		t.stop()
		t.active = false
		t.text = ""
	}
	clear(m.last)
}
