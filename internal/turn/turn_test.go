package turn_test

import (
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/qualivox/internal/clock"
	"github.com/MrWong99/qualivox/internal/transcript"
	"github.com/MrWong99/qualivox/internal/turn"
)

type recorder struct {
	mu       sync.Mutex
	entries  []transcript.Entry
	reasons  []turn.Reason
	discards []string
}

func (r *recorder) emit(e transcript.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recorder) hooks() turn.Hooks {
	return turn.Hooks{
		OnFinalize: func(_ transcript.Speaker, reason turn.Reason) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.reasons = append(r.reasons, reason)
		},
		OnDiscard: func(_ transcript.Speaker, _ turn.Reason, cause string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.discards = append(r.discards, cause)
		},
	}
}

func (r *recorder) got() []transcript.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transcript.Entry(nil), r.entries...)
}

func newMachine(t *testing.T, cfg turn.Config) (*turn.Machine, *clock.Fake, *recorder) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	rec := &recorder{}
	m := turn.New(cfg, rec.emit, turn.WithClock(clk), turn.WithHooks(rec.hooks()))
	t.Cleanup(m.Close)
	return m, clk, rec
}

func seg(text string) transcript.Segment {
	return transcript.Segment{Text: text}
}

func TestMachine_FragmentsWithEndOfSpeech(t *testing.T) {
	t.Parallel()
	m, clk, rec := newMachine(t, turn.DefaultConfig())

	m.AddSegment(transcript.User, seg("Meu"), false)
	clk.Advance(200 * time.Millisecond)
	m.AddSegment(transcript.User, seg("nome"), false)
	clk.Advance(300 * time.Millisecond)
	m.AddSegment(transcript.User, seg("é João"), true)

	got := rec.got()
	if len(got) != 1 {
		t.Fatalf("got %d entries, want 1: %+v", len(got), got)
	}
	if got[0].Speaker != transcript.User || got[0].Text != "Meu nome é João" {
		t.Errorf("entry = %+v, want {User, Meu nome é João}", got[0])
	}
	if m.State(transcript.User) != turn.Idle {
		t.Errorf("state = %v, want idle", m.State(transcript.User))
	}

	clk.Advance(10 * time.Second)
	if n := len(rec.got()); n != 1 {
		t.Errorf("stale timer emitted: %d entries", n)
	}
	if clk.Pending() != 0 {
		t.Errorf("pending timers = %d, want 0", clk.Pending())
	}
}

func TestMachine_ExplicitTimestamps(t *testing.T) {
	t.Parallel()
	m, _, rec := newMachine(t, turn.DefaultConfig())
	base := time.Unix(500, 0)

	m.AddSegment(transcript.User, transcript.Segment{Text: "Meu", Timestamp: base}, false)
	m.AddSegment(transcript.User, transcript.Segment{Text: "nome", Timestamp: base.Add(200 * time.Millisecond)}, false)
	m.AddSegment(transcript.User, transcript.Segment{Text: "é João", Timestamp: base.Add(500 * time.Millisecond), IsFinal: true}, true)

	got := rec.got()
	if len(got) != 1 || got[0].Text != "Meu nome é João" {
		t.Fatalf("entries = %+v", got)
	}
}

func TestMachine_SilenceDebounce(t *testing.T) {
	t.Parallel()
	m, clk, rec := newMachine(t, turn.DefaultConfig())

	m.AddSegment(transcript.User, seg("Trabalho"), false)
	clk.Advance(time.Second)
	m.AddSegment(transcript.User, seg("com  logística"), false)
	if m.Pending(transcript.User) != "Trabalho com logística" {
		t.Errorf("Pending = %q", m.Pending(transcript.User))
	}

	clk.Advance(2 * time.Second)
	if n := len(rec.got()); n != 0 {
		t.Fatalf("finalized before debounce elapsed: %d entries", n)
	}

	clk.Advance(600 * time.Millisecond)
	got := rec.got()
	if len(got) != 1 || got[0].Text != "Trabalho com logística" {
		t.Fatalf("entries = %+v", got)
	}
	if rec.reasons[0] != turn.ReasonSilence {
		t.Errorf("reason = %v, want silence", rec.reasons[0])
	}
}

func TestMachine_GapSplitsTurn(t *testing.T) {
	t.Parallel()
	m, clk, rec := newMachine(t, turn.DefaultConfig())

	m.AddSegment(transcript.User, seg("primeira parte"), false)
	clk.Advance(1600 * time.Millisecond)
	m.AddSegment(transcript.User, seg("segunda parte"), false)
	clk.Advance(3 * time.Second)

	got := rec.got()
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2: %+v", len(got), got)
	}
	if got[0].Text != "primeira parte" || got[1].Text != "segunda parte" {
		t.Errorf("split = %q | %q", got[0].Text, got[1].Text)
	}
	if rec.reasons[0] != turn.ReasonGap || rec.reasons[1] != turn.ReasonSilence {
		t.Errorf("reasons = %v", rec.reasons)
	}
}

func TestMachine_WithinThresholdMerges(t *testing.T) {
	t.Parallel()
	m, clk, rec := newMachine(t, turn.DefaultConfig())

	parts := []string{"a empresa", " tem ", "oitenta", "funcionários"}
	for _, p := range parts {
		m.AddSegment(transcript.User, seg(p), false)
		clk.Advance(1400 * time.Millisecond)
	}
	clk.Advance(2 * time.Second)

	got := rec.got()
	if len(got) != 1 || got[0].Text != "a empresa tem oitenta funcionários" {
		t.Fatalf("entries = %+v", got)
	}
}

func TestMachine_CrossSpeakerPreemption(t *testing.T) {
	t.Parallel()
	m, _, rec := newMachine(t, turn.DefaultConfig())

	m.AddSegment(transcript.Agent, seg("Qual é o seu"), false)
	m.AddSegment(transcript.User, seg("Desculpa"), false)

	got := rec.got()
	if len(got) != 1 || got[0].Speaker != transcript.Agent || got[0].Text != "Qual é o seu" {
		t.Fatalf("entries = %+v", got)
	}
	if rec.reasons[0] != turn.ReasonPreempted {
		t.Errorf("reason = %v, want preempted", rec.reasons[0])
	}
	if m.State(transcript.Agent) != turn.Idle || m.State(transcript.User) != turn.Accumulating {
		t.Errorf("states agent=%v user=%v", m.State(transcript.Agent), m.State(transcript.User))
	}
}

func TestMachine_NoiseDiscarded(t *testing.T) {
	t.Parallel()
	m, clk, rec := newMachine(t, turn.DefaultConfig())

	for _, s := range []string{"<noise>", "  ", "<NOISE> ...", "…"} {
		m.AddSegment(transcript.User, seg(s), false)
	}
	if m.State(transcript.User) != turn.Idle {
		t.Errorf("noise started a turn")
	}
	if clk.Pending() != 0 {
		t.Errorf("noise armed %d timers", clk.Pending())
	}
	if len(rec.got()) != 0 {
		t.Errorf("noise emitted entries")
	}
}

func TestMachine_NoiseWithEndOfSpeechFinalizesOpenTurn(t *testing.T) {
	t.Parallel()
	m, _, rec := newMachine(t, turn.DefaultConfig())

	m.AddSegment(transcript.User, seg("Sou gerente"), false)
	m.AddSegment(transcript.User, seg("<noise>"), true)

	got := rec.got()
	if len(got) != 1 || got[0].Text != "Sou gerente" {
		t.Fatalf("entries = %+v", got)
	}
}

func TestMachine_NoiseMarkerStrippedFromSpeech(t *testing.T) {
	t.Parallel()
	m, _, rec := newMachine(t, turn.DefaultConfig())

	m.AddSegment(transcript.User, seg("Sim, <noise> sou a"), false)
	m.AddSegment(transcript.User, seg("<NOISE> Maria"), true)

	got := rec.got()
	if len(got) != 1 || got[0].Text != "Sim, sou a Maria" {
		t.Fatalf("entries = %+v", got)
	}
}

func TestMachine_MinLength(t *testing.T) {
	t.Parallel()
	m, _, rec := newMachine(t, turn.DefaultConfig())

	m.AddSegment(transcript.User, seg("é"), true)
	if len(rec.got()) != 0 {
		t.Fatal("short text emitted")
	}
	if len(rec.discards) != 1 || rec.discards[0] != turn.DiscardTooShort {
		t.Errorf("discards = %v", rec.discards)
	}
}

func TestMachine_DuplicateSuppression(t *testing.T) {
	t.Parallel()
	m, clk, rec := newMachine(t, turn.DefaultConfig())

	m.AddSegment(transcript.Agent, seg("Olá, tudo bem?"), true)
	clk.Advance(time.Second)
	m.AddSegment(transcript.Agent, seg("olá,  tudo bem?"), true)
	if n := len(rec.got()); n != 1 {
		t.Fatalf("duplicate emitted: %d entries", n)
	}
	if rec.discards[0] != turn.DiscardDuplicate {
		t.Errorf("discard cause = %v", rec.discards[0])
	}

	// A different speaker may say the same thing.
	m.AddSegment(transcript.User, seg("Olá, tudo bem?"), true)
	if n := len(rec.got()); n != 2 {
		t.Fatalf("other speaker suppressed: %d entries", n)
	}

	// Outside the window the repeat is a new entry.
	clk.Advance(11 * time.Second)
	m.AddSegment(transcript.Agent, seg("Olá, tudo bem?"), true)
	if n := len(rec.got()); n != 3 {
		t.Fatalf("repeat outside window suppressed: %d entries", n)
	}
}

func TestMachine_FuzzyDuplicate(t *testing.T) {
	t.Parallel()
	cfg := turn.DefaultConfig()
	cfg.DuplicateSimilarity = 0.9
	m, _, rec := newMachine(t, cfg)

	m.AddSegment(transcript.User, seg("meu nome é joão silva"), true)
	m.AddSegment(transcript.User, seg("meu nome é joao silva"), true)
	if n := len(rec.got()); n != 1 {
		t.Fatalf("fuzzy repeat emitted: %d entries", n)
	}
}

func TestMachine_TurnAndGenerationComplete(t *testing.T) {
	t.Parallel()
	m, _, rec := newMachine(t, turn.DefaultConfig())

	m.AddSegment(transcript.Agent, seg("Perfeito, obrigado."), false)
	m.TurnComplete()
	m.AddSegment(transcript.Agent, seg("Quantos funcionários?"), false)
	m.GenerationComplete()
	m.GenerationComplete() // no open turn: no-op
	m.Finalize(transcript.User)

	got := rec.got()
	if len(got) != 2 {
		t.Fatalf("entries = %+v", got)
	}
	want := []turn.Reason{turn.ReasonTurnComplete, turn.ReasonGenerationComplete}
	for i, r := range want {
		if rec.reasons[i] != r {
			t.Errorf("reason[%d] = %v, want %v", i, rec.reasons[i], r)
		}
	}
}

func TestMachine_InterruptFinalizesAll(t *testing.T) {
	t.Parallel()
	m, clk, rec := newMachine(t, turn.DefaultConfig())

	m.AddSegment(transcript.Agent, seg("Então, o nosso plano"), false)
	m.Interrupt()
	m.AddSegment(transcript.User, seg("Espera"), false)
	m.Interrupt()

	got := rec.got()
	if len(got) != 2 {
		t.Fatalf("entries = %+v", got)
	}
	for _, r := range rec.reasons {
		if r != turn.ReasonInterrupted {
			t.Errorf("reason = %v, want interrupted", r)
		}
	}
	if clk.Pending() != 0 {
		t.Errorf("pending timers after interrupt = %d", clk.Pending())
	}
}

func TestMachine_ResetDropsWithoutEmitting(t *testing.T) {
	t.Parallel()
	m, clk, rec := newMachine(t, turn.DefaultConfig())

	m.AddSegment(transcript.User, seg("texto pendente"), false)
	m.Reset()
	clk.Advance(5 * time.Second)

	if len(rec.got()) != 0 {
		t.Fatal("Reset emitted")
	}
	if m.Pending(transcript.User) != "" {
		t.Errorf("Pending after reset = %q", m.Pending(transcript.User))
	}

	// Usable again after Reset.
	m.AddSegment(transcript.User, seg("texto novo"), true)
	if len(rec.got()) != 1 {
		t.Fatal("machine unusable after Reset")
	}
}

func TestMachine_CloseIsTerminal(t *testing.T) {
	t.Parallel()
	m, clk, rec := newMachine(t, turn.DefaultConfig())

	m.AddSegment(transcript.User, seg("texto pendente"), false)
	m.Close()
	clk.Advance(5 * time.Second)
	m.AddSegment(transcript.User, seg("depois"), true)
	m.Interrupt()
	m.TurnComplete()

	if len(rec.got()) != 0 {
		t.Fatalf("emitted after Close: %+v", rec.got())
	}
}

// leakyClock hands out timers whose Stop has no effect, so stale callbacks
// still fire.
type leakyClock struct{ *clock.Fake }

type leakyTimer struct{}

func (leakyTimer) Stop() bool { return false }

func (c leakyClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.Fake.AfterFunc(d, f)
	return leakyTimer{}
}

func TestMachine_StaleTimerIsNoop(t *testing.T) {
	t.Parallel()
	fake := clock.NewFake(time.Unix(0, 0))
	rec := &recorder{}
	m := turn.New(turn.DefaultConfig(), rec.emit, turn.WithClock(leakyClock{fake}))
	defer m.Close()

	m.AddSegment(transcript.User, seg("minha empresa"), false)
	fake.Advance(time.Second)
	m.AddSegment(transcript.User, seg("é pequena"), false)

	// First timer fires at 2.5s with a stale generation.
	fake.Advance(1600 * time.Millisecond)
	if n := len(rec.got()); n != 0 {
		t.Fatalf("stale timer finalized: %+v", rec.got())
	}

	fake.Advance(time.Second)
	got := rec.got()
	if len(got) != 1 || got[0].Text != "minha empresa é pequena" {
		t.Fatalf("entries = %+v", got)
	}
}

func TestMachine_ConcurrentSegments(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	m := turn.New(turn.DefaultConfig(), rec.emit)
	defer m.Close()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Go(func() {
			sp := transcript.User
			if i%2 == 1 {
				sp = transcript.Agent
			}
			m.AddSegment(sp, seg("fragmento"), i%5 == 0)
		})
	}
	wg.Wait()
	m.Interrupt()

	if m.State(transcript.User) != turn.Idle || m.State(transcript.Agent) != turn.Idle {
		t.Error("turn left open after Interrupt")
	}
}

func TestDefaultsForZeroConfig(t *testing.T) {
	t.Parallel()
	m, clk, rec := newMachine(t, turn.Config{})

	m.AddSegment(transcript.User, seg("x"), false)
	clk.Advance(turn.DefaultSilenceTimeout)
	// MinLength zero disables the length check.
	if got := rec.got(); len(got) != 1 || got[0].Text != "x" {
		t.Fatalf("entries = %+v", got)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	if turn.Idle.String() != "idle" || turn.Accumulating.String() != "accumulating" {
		t.Error("unexpected state names")
	}
}
