package playback_test

import (
	"testing"
	"time"

	"github.com/MrWong99/qualivox/pkg/audio/playback"
)

func TestTimeline_ClockFollowsReads(t *testing.T) {
	t.Parallel()

	tl := playback.NewTimeline(16000)
	if tl.Now() != 0 {
		t.Fatalf("Now = %v, want 0", tl.Now())
	}
	pull(t, tl, 1600)
	if got := tl.Now(); got != 100*time.Millisecond {
		t.Errorf("Now = %v, want 100ms", got)
	}
}

func TestTimeline_RendersAtScheduledTime(t *testing.T) {
	t.Parallel()

	tl := playback.NewTimeline(1000)
	ended := make(chan struct{}, 1)
	tl.Schedule([]float32{1, 1}, 3*time.Millisecond, func() { ended <- struct{}{} })

	out := pull(t, tl, 4)
	want := []int16{0, 0, 0, 32767}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, out[i], want[i])
		}
	}
	select {
	case <-ended:
		t.Fatal("onEnded fired before the clip finished")
	default:
	}

	out = pull(t, tl, 2)
	if out[0] != 32767 || out[1] != 0 {
		t.Errorf("tail = %v", out)
	}
	select {
	case <-ended:
	default:
		t.Fatal("onEnded did not fire")
	}
}

func TestTimeline_MixesAndClamps(t *testing.T) {
	t.Parallel()

	tl := playback.NewTimeline(1000)
	tl.Schedule([]float32{0.75, 0.25}, 0, nil)
	tl.Schedule([]float32{0.75, 0.25}, 0, nil)

	out := pull(t, tl, 2)
	if out[0] != 32767 {
		t.Errorf("clamped sample = %d, want 32767", out[0])
	}
	if out[1] != 16384 {
		t.Errorf("mixed sample = %d, want 16384", out[1])
	}
}

func TestTimeline_StopSuppressesOnEnded(t *testing.T) {
	t.Parallel()

	tl := playback.NewTimeline(1000)
	fired := false
	src := tl.Schedule([]float32{1, 1, 1}, 0, func() { fired = true })
	src.Stop()
	src.Stop()

	out := pull(t, tl, 3)
	for i, v := range out {
		if v != 0 {
			t.Errorf("sample %d = %d after Stop", i, v)
		}
	}
	if fired {
		t.Error("onEnded fired for a stopped clip")
	}
}

func TestTimeline_ShortRead(t *testing.T) {
	t.Parallel()

	tl := playback.NewTimeline(1000)
	n, err := tl.Read(make([]byte, 1))
	if n != 0 || err != nil {
		t.Errorf("Read(1 byte) = %d, %v", n, err)
	}
}
