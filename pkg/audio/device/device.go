// Package device binds the audio pipeline to the local sound card: a malgo
// capture device feeding raw float32 buffers to the frame encoder, and an oto
// player pulling rendered PCM from a [playback.Timeline].
//
// Both halves need cgo or a platform audio backend, so nothing in this package
// is exercised by unit tests. Everything upstream of it runs against
// [playback.Timeline] directly.
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"

	"github.com/MrWong99/qualivox/pkg/audio/playback"
)

// speakerBufferBytes is ~100ms of 24kHz mono int16. Smaller buffers cut
// barge-in latency at the risk of underruns.
const speakerBufferBytes = 4800

// Microphone captures mono float32 samples from the default input device.
type Microphone struct {
	ctx *malgo.AllocatedContext
	dev *malgo.Device

	once sync.Once
}

// OpenMicrophone initialises the default capture device at sampleRate Hz.
// onCapture receives every raw little-endian float32 buffer on the audio
// thread and must not block.
func OpenMicrophone(sampleRate int, onCapture func([]byte)) (*Microphone, error) {
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime

	ctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("device: init audio context: %w", err)
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatF32
	devCfg.Capture.Channels = 1
	devCfg.SampleRate = uint32(sampleRate)
	devCfg.PeriodSizeInMilliseconds = 20

	dev, err := malgo.InitDevice(ctx.Context, devCfg, malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			onCapture(in)
		},
	})
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("device: init microphone: %w", err)
	}

	return &Microphone{ctx: ctx, dev: dev}, nil
}

// Start begins delivering capture buffers.
func (m *Microphone) Start() error {
	if err := m.dev.Start(); err != nil {
		return fmt.Errorf("device: start microphone: %w", err)
	}
	return nil
}

// Close stops capture and releases the device and context. Safe to call
// multiple times.
func (m *Microphone) Close() error {
	var err error
	m.once.Do(func() {
		stopErr := m.dev.Stop()
		m.dev.Uninit()
		err = errors.Join(stopErr, m.ctx.Uninit())
		m.ctx.Free()
	})
	return err
}

// Speaker plays a [playback.Timeline] through the default output device.
type Speaker struct {
	player *oto.Player
	log    *slog.Logger

	mu     sync.Mutex
	closed bool
}

// OpenSpeaker starts an oto player that continuously reads from tl. oto allows
// one context per process, so OpenSpeaker must be called at most once.
func OpenSpeaker(tl *playback.Timeline) (*Speaker, error) {
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   tl.SampleRate(),
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   speakerBufferBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("device: init speaker: %w", err)
	}
	<-ready

	p := otoCtx.NewPlayer(tl)
	p.SetBufferSize(speakerBufferBytes)
	p.Play()
	return &Speaker{player: p, log: slog.With("component", "speaker")}, nil
}

// Flush drops audio already handed to the sound card so an interruption is
// heard immediately.
func (s *Speaker) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.player.Pause()
	s.player.Reset()
	s.player.Play()
	if err := s.player.Err(); err != nil {
		s.log.Warn("speaker error after flush", "err", err)
	}
}

// Close stops playback. Safe to call multiple times.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.player.Close(); err != nil {
		return fmt.Errorf("device: close speaker: %w", err)
	}
	return nil
}
