package audio

import (
	"encoding/binary"
	"math"
	"sync"
	"time"
)

// DefaultBufferSize is the encoder window length in samples.
const DefaultBufferSize = 1024

// FrameEncoder converts a continuous stream of float32 samples into fixed-size
// PCM16 frames. Partial windows persist across calls; every full window is
// handed to the emit callback as an [OutboundMessage].
//
// The emit callback runs on the writer's goroutine and must not block. In the
// capture path the writer is the audio device callback.
//
// FrameEncoder is safe for concurrent use.
type FrameEncoder struct {
	mu         sync.Mutex
	buf        []float32
	n          int
	sampleRate int
	emitted    int64 // samples emitted so far, drives frame timestamps
	emit       func(OutboundMessage)
}

// NewFrameEncoder returns an encoder with a window of bufferSize samples at
// sampleRate Hz. A non-positive bufferSize selects [DefaultBufferSize].
func NewFrameEncoder(bufferSize, sampleRate int, emit func(OutboundMessage)) *FrameEncoder {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if emit == nil {
		emit = func(OutboundMessage) {}
	}
	return &FrameEncoder{
		buf:        make([]float32, bufferSize),
		sampleRate: sampleRate,
		emit:       emit,
	}
}

// Write consumes samples, emitting one message per filled window.
func (e *FrameEncoder) Write(samples []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for len(samples) > 0 {
		c := copy(e.buf[e.n:], samples)
		e.n += c
		samples = samples[c:]
		if e.n == len(e.buf) {
			e.emitLocked(e.buf)
			e.n = 0
		}
	}
}

// WriteBytes consumes a raw little-endian float32 capture buffer. A buffer
// whose length is not a multiple of four is malformed and ignored.
func (e *FrameEncoder) WriteBytes(b []byte) {
	if len(b) == 0 || len(b)%4 != 0 {
		return
	}
	samples := make([]float32, len(b)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	e.Write(samples)
}

// Flush emits the buffered remainder zero-padded to a full window. It is a
// no-op when nothing is buffered.
func (e *FrameEncoder) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.n == 0 {
		return
	}
	clear(e.buf[e.n:])
	e.emitLocked(e.buf)
	e.n = 0
}

// Reset drops any buffered partial window.
func (e *FrameEncoder) Reset() {
	e.mu.Lock()
	e.n = 0
	e.mu.Unlock()
}

// Buffered returns the number of samples waiting for a full window.
func (e *FrameEncoder) Buffered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.n
}

func (e *FrameEncoder) emitLocked(window []float32) {
	var ts time.Duration
	if e.sampleRate > 0 {
		ts = time.Duration(e.emitted) * time.Second / time.Duration(e.sampleRate)
	}
	e.emitted += int64(len(window))

	e.emit(OutboundMessage{
		Type: MessageAudioData,
		Frame: AudioFrame{
			Data:       EncodePCM16(make([]byte, 0, len(window)*2), window),
			SampleRate: e.sampleRate,
			Channels:   1,
			Timestamp:  ts,
		},
	})
}
