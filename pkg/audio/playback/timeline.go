package playback

import (
	"io"
	"sync"
	"time"

	"github.com/MrWong99/qualivox/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ Device    = (*Timeline)(nil)
	_ io.Reader = (*Timeline)(nil)
)

// Timeline is a software [Device]. Its clock is the number of samples a
// consumer has pulled through [Timeline.Read], so device time tracks what has
// actually been handed to the speaker. Scheduled clips are mixed into the
// rendered int16 LE stream; gaps render as silence and Read never blocks.
type Timeline struct {
	rate int

	mu      sync.Mutex
	pos     int64 // samples rendered
	sources []*clip
}

type clip struct {
	tl      *Timeline
	start   int64
	samples []float32
	onEnded func()
	done    bool
}

// NewTimeline creates a mono timeline at sampleRate Hz.
func NewTimeline(sampleRate int) *Timeline {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &Timeline{rate: sampleRate}
}

// SampleRate implements [Device].
func (t *Timeline) SampleRate() int { return t.rate }

// Now implements [Device].
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.toDuration(t.pos)
}

// Schedule implements [Device]. Clips scheduled in the past start at the
// current position.
func (t *Timeline) Schedule(samples []float32, at time.Duration, onEnded func()) Source {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := &clip{
		tl:      t,
		start:   max(t.toSamples(at), t.pos),
		samples: samples,
		onEnded: onEnded,
	}
	t.sources = append(t.sources, c)
	return c
}

// Pending returns the number of clips that have not finished rendering.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sources)
}

// Read renders the next len(p)/2 samples as int16 LE and advances the clock.
func (t *Timeline) Read(p []byte) (int, error) {
	n := len(p) / 2
	if n == 0 {
		return 0, nil
	}

	mix := make([]float32, n)

	t.mu.Lock()
	from, to := t.pos, t.pos+int64(n)
	var ended []func()
	kept := t.sources[:0]
	for _, c := range t.sources {
		end := c.start + int64(len(c.samples))
		if c.start < to && end > from {
			lo := max(c.start, from)
			hi := min(end, to)
			for i := lo; i < hi; i++ {
				mix[i-from] += c.samples[i-c.start]
			}
		}
		if end <= to {
			c.done = true
			if c.onEnded != nil {
				ended = append(ended, c.onEnded)
			}
			continue
		}
		kept = append(kept, c)
	}
	clear(t.sources[len(kept):])
	t.sources = kept
	t.pos = to
	t.mu.Unlock()

	audio.EncodePCM16(p[:0], mix)

	for _, fn := range ended {
		fn()
	}
	return n * 2, nil
}

// Stop implements [Source]. The clip's onEnded callback does not fire.
func (c *clip) Stop() {
	t := c.tl
	t.mu.Lock()
	defer t.mu.Unlock()

	if c.done {
		return
	}
	c.done = true
	for i, s := range t.sources {
		if s == c {
			t.sources = append(t.sources[:i], t.sources[i+1:]...)
			break
		}
	}
}

func (t *Timeline) toDuration(samples int64) time.Duration {
	return time.Duration(samples * int64(time.Second) / int64(t.rate))
}

func (t *Timeline) toSamples(d time.Duration) int64 {
	return (int64(d)*int64(t.rate) + int64(time.Second)/2) / int64(time.Second)
}
