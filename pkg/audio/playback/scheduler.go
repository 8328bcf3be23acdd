// Package playback schedules inbound speech clips back-to-back on an output
// device clock so consecutive clips play without gaps, and flushes everything
// at once when the caller barges in.
//
// The [Scheduler] is device-agnostic. [Timeline] is a pure-Go [Device] whose
// clock advances as a consumer (for example an oto player) reads rendered PCM
// from it.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/qualivox/pkg/audio"
)

// ErrDecode wraps every payload decoding failure returned by
// [Scheduler.Enqueue].
var ErrDecode = errors.New("playback: decode payload")

// Source is a handle to a scheduled clip.
type Source interface {
	// Stop silences the clip immediately. Stopping an ended source is a no-op.
	Stop()
}

// Device is an output clock that can play sample buffers at absolute times.
//
// Implementations must not invoke onEnded synchronously from Schedule or Stop.
type Device interface {
	// Now returns the current device time.
	Now() time.Duration

	// SampleRate returns the device rate in Hz. Clips are resampled to it
	// before scheduling.
	SampleRate() int

	// Schedule arranges for samples to start playing at the given device
	// time. onEnded fires once after the last sample has played.
	Schedule(samples []float32, at time.Duration, onEnded func()) Source
}

// Hooks receive scheduler events, typically to feed metrics. Nil fields are
// ignored.
type Hooks struct {
	OnScheduled   func(d time.Duration)
	OnDecodeError func(err error)
	OnInterrupt   func(stopped int)
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithLogger sets the logger used for dropped clips.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithDefaultRate sets the sample rate assumed for payloads without a rate
// parameter in their MIME type. Defaults to 24000.
func WithDefaultRate(hz int) Option {
	return func(s *Scheduler) {
		if hz > 0 {
			s.defaultRate = hz
		}
	}
}

// WithHooks installs event callbacks.
func WithHooks(h Hooks) Option {
	return func(s *Scheduler) { s.hooks = h }
}

// Scheduler queues decoded clips on a [Device] gaplessly. The playback cursor
// only moves forward, except on [Scheduler.Interrupt] which snaps it back to
// device time.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	dev         Device
	defaultRate int
	log         *slog.Logger
	hooks       Hooks

	mu     sync.Mutex
	cursor time.Duration
	live   map[uint64]Source
	nextID uint64
}

// NewScheduler creates a scheduler on dev.
func NewScheduler(dev Device, opts ...Option) *Scheduler {
	s := &Scheduler{
		dev:         dev,
		defaultRate: 24000,
		log:         slog.Default(),
		live:        make(map[uint64]Source),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue decodes p, resamples it to the device rate and schedules it right
// after the previously scheduled clip, or immediately if the device clock has
// already passed the cursor.
//
// Undecodable payloads are logged and dropped; the returned error wraps
// [ErrDecode].
func (s *Scheduler) Enqueue(p audio.Payload) error {
	samples, rate, err := audio.DecodePayload(p, s.defaultRate)
	if err != nil {
		s.log.Warn("playback: dropping clip", "err", err, "mime", p.MIMEType, "encoding", p.Encoding)
		if s.hooks.OnDecodeError != nil {
			s.hooks.OnDecodeError(err)
		}
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}

	devRate := s.dev.SampleRate()
	samples = audio.ResampleLinear(samples, rate, devRate)
	if len(samples) == 0 {
		return nil
	}
	dur := time.Duration(len(samples)) * time.Second / time.Duration(devRate)

	s.mu.Lock()
	start := max(s.cursor, s.dev.Now())
	s.cursor = start + dur
	id := s.nextID
	s.nextID++
	s.live[id] = s.dev.Schedule(samples, start, func() { s.ended(id) })
	s.mu.Unlock()

	if s.hooks.OnScheduled != nil {
		s.hooks.OnScheduled(dur)
	}
	return nil
}

// Interrupt stops every live clip and resets the cursor to device time.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	stopped := make([]Source, 0, len(s.live))
	for _, src := range s.live {
		stopped = append(stopped, src)
	}
	clear(s.live)
	s.cursor = s.dev.Now()
	s.mu.Unlock()

	for _, src := range stopped {
		src.Stop()
	}
	if s.hooks.OnInterrupt != nil {
		s.hooks.OnInterrupt(len(stopped))
	}
}

// Cursor returns the device time at which the next clip would start.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Live returns the number of clips scheduled and not yet ended.
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Idle reports whether nothing is scheduled or playing.
func (s *Scheduler) Idle() bool {
	return s.Live() == 0
}

func (s *Scheduler) ended(id uint64) {
	s.mu.Lock()
	delete(s.live, id)
	s.mu.Unlock()
}
