package speech

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// gatedSynth holds every utterance open until release is called.
type gatedSynth struct {
	voices  []string
	fail    error
	pcm     []byte
	mu      sync.Mutex
	reqs    []SynthRequest
	release chan struct{}

	voiceCalls atomic.Int32
}

func newGatedSynth(voices ...string) *gatedSynth {
	return &gatedSynth{voices: voices, release: make(chan struct{})}
}

func (g *gatedSynth) Voices(context.Context) ([]string, error) {
	g.voiceCalls.Add(1)
	return g.voices, nil
}

func (g *gatedSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	g.mu.Lock()
	g.reqs = append(g.reqs, req)
	g.mu.Unlock()
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-g.release:
		}
		if g.fail != nil {
			errs <- g.fail
			return
		}
		chunks <- SynthChunk{UtteranceID: req.UtteranceID, SampleRate: 16000, Channels: 1, PCM: g.pcm, Final: true}
	}()
	return chunks, errs
}

func (g *gatedSynth) requests() []SynthRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]SynthRequest(nil), g.reqs...)
}

type changeLog struct {
	mu      sync.Mutex
	changes []Change
	ch      chan Change
}

func watch(c *Controller) *changeLog {
	l := &changeLog{ch: make(chan Change, 16)}
	c.OnChange(func(ch Change) {
		l.mu.Lock()
		l.changes = append(l.changes, ch)
		l.mu.Unlock()
		l.ch <- ch
	})
	return l
}

func (l *changeLog) next(t *testing.T) Change {
	t.Helper()
	select {
	case ch := <-l.ch:
		return ch
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for speech transition")
		return Change{}
	}
}

func TestSpeakTransitionsAndCompletes(t *testing.T) {
	synth := newGatedSynth()
	c := NewController(context.Background(), synth, nil, Options{}, newLogger())
	defer c.Close()
	log := watch(c)

	st, ok := c.Speak("HI Y")
	if !ok || st.State != Speaking || st.UtteranceID == "" {
		t.Fatalf("expected speaking with an id, got %+v %v", st, ok)
	}
	if started := log.next(t); started.Status.State != Speaking || started.Utterance.Text != "HI Y" {
		t.Fatalf("unexpected start change %+v", started)
	}

	close(synth.release)
	done := log.next(t)
	if done.Status.State != Idle || done.Outcome != OutcomeCompleted {
		t.Fatalf("expected completed idle, got %+v", done)
	}
	if c.Status().State != Idle {
		t.Fatalf("expected idle, got %+v", c.Status())
	}
}

func TestSpeakWhileSpeakingIsRejected(t *testing.T) {
	synth := newGatedSynth()
	c := NewController(context.Background(), synth, nil, Options{}, newLogger())
	defer c.Close()
	log := watch(c)

	first, ok := c.Speak("first")
	if !ok {
		t.Fatal("expected first request accepted")
	}
	second, ok := c.Speak("second")
	if ok {
		t.Fatal("expected second request rejected")
	}
	if second.State != Speaking || second.UtteranceID != first.UtteranceID {
		t.Fatalf("expected original utterance unchanged, got %+v want %+v", second, first)
	}
	log.next(t)
	close(synth.release)
	log.next(t)
	if n := len(synth.requests()); n != 1 {
		t.Fatalf("expected one synth request, got %d", n)
	}
}

func TestSpeakBlankIsIgnored(t *testing.T) {
	synth := newGatedSynth()
	c := NewController(context.Background(), synth, nil, Options{}, newLogger())
	defer c.Close()
	for _, text := range []string{"", "   ", "\n\t"} {
		if st, ok := c.Speak(text); ok || st.State != Idle {
			t.Fatalf("expected %q ignored, got %+v %v", text, st, ok)
		}
	}
}

func TestSpeakUnavailable(t *testing.T) {
	c := NewController(context.Background(), nil, nil, Options{}, newLogger())
	defer c.Close()
	if _, ok := c.Speak("hello"); ok {
		t.Fatal("expected speak to be ignored without a synthesizer")
	}
	if c.Available() {
		t.Fatal("expected unavailable")
	}
}

func TestErrorReturnsToIdle(t *testing.T) {
	synth := newGatedSynth()
	synth.fail = errors.New("audio device busy")
	c := NewController(context.Background(), synth, nil, Options{}, newLogger())
	defer c.Close()
	log := watch(c)

	if _, ok := c.Speak("oops"); !ok {
		t.Fatal("expected request accepted")
	}
	log.next(t)
	close(synth.release)
	done := log.next(t)
	if done.Status.State != Idle || done.Outcome != OutcomeFailed || done.Err == nil {
		t.Fatalf("expected failed idle, got %+v", done)
	}
	if _, ok := c.Speak("again"); !ok {
		t.Fatal("expected controller speakable after an error")
	}
}

func TestCancelReturnsToIdleOnce(t *testing.T) {
	synth := newGatedSynth()
	c := NewController(context.Background(), synth, nil, Options{}, newLogger())
	defer c.Close()
	log := watch(c)

	c.Speak("long sentence")
	log.next(t)
	st := c.Cancel()
	if st.State != Idle {
		t.Fatalf("expected idle after cancel, got %+v", st)
	}
	cancelled := log.next(t)
	if cancelled.Outcome != OutcomeCancelled {
		t.Fatalf("expected cancelled outcome, got %+v", cancelled)
	}
	select {
	case extra := <-log.ch:
		t.Fatalf("unexpected extra transition %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestVoicePreferenceAndLocale(t *testing.T) {
	synth := newGatedSynth("Alex", "Microsoft David Desktop - English (United States)", "Google US English")
	c := NewController(context.Background(), synth, nil, Options{
		PreferredVoices: []string{"Google US English", "Microsoft David Desktop - English (United States)"},
	}, newLogger())
	defer c.Close()
	log := watch(c)

	c.Speak("hello")
	log.next(t)
	close(synth.release)
	log.next(t)
	reqs := synth.requests()
	if len(reqs) != 1 {
		t.Fatalf("expected one request, got %d", len(reqs))
	}
	if reqs[0].Voice != "Google US English" {
		t.Fatalf("expected preferred voice, got %q", reqs[0].Voice)
	}
	if reqs[0].Locale != "en-US" {
		t.Fatalf("expected en-US locale, got %q", reqs[0].Locale)
	}
}

func TestSelectVoiceFallback(t *testing.T) {
	if v := SelectVoice([]string{"Alex"}, []string{"Google US English"}, ""); v != "" {
		t.Fatalf("expected engine default, got %q", v)
	}
	if v := SelectVoice(nil, []string{"Google US English"}, "Daniel"); v != "Daniel" {
		t.Fatalf("expected configured default, got %q", v)
	}
}

func TestWAVSinkWritesUtterance(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewWAVSink(dir)
	if err != nil {
		t.Fatalf("new wav sink: %v", err)
	}
	synth := newGatedSynth()
	synth.pcm = make([]byte, 3200)
	c := NewController(context.Background(), synth, sink, Options{}, newLogger())
	defer c.Close()
	log := watch(c)

	st, _ := c.Speak("write me")
	log.next(t)
	close(synth.release)
	log.next(t)

	info, err := os.Stat(filepath.Join(dir, st.UtteranceID+".wav"))
	if err != nil {
		t.Fatalf("expected wav file: %v", err)
	}
	if info.Size() <= 44 {
		t.Fatalf("expected audio data beyond the header, got %d bytes", info.Size())
	}
}

func TestMockSynthCompletes(t *testing.T) {
	synth := NewMockSynth(22050, 1, []string{"Google US English"}, 5*time.Millisecond)
	c := NewController(context.Background(), synth, nil, Options{PreferredVoices: []string{"Google US English"}}, newLogger())
	defer c.Close()
	log := watch(c)
	c.Speak("mock")
	log.next(t)
	if done := log.next(t); done.Outcome != OutcomeCompleted {
		t.Fatalf("expected completion, got %+v", done)
	}
}

func TestVoiceResolvedOnceAtConstruction(t *testing.T) {
	synth := newGatedSynth("Alex", "Google US English")
	c := NewController(context.Background(), synth, nil, Options{PreferredVoices: []string{"Google US English"}}, newLogger())
	defer c.Close()
	log := watch(c)
	close(synth.release)

	for _, text := range []string{"one", "two"} {
		if _, ok := c.Speak(text); !ok {
			t.Fatalf("expected %q accepted", text)
		}
		log.next(t)
		log.next(t)
	}
	if n := synth.voiceCalls.Load(); n != 1 {
		t.Fatalf("expected voices listed once, got %d", n)
	}
	for _, req := range synth.requests() {
		if req.Voice != "Google US English" {
			t.Fatalf("expected preferred voice, got %q", req.Voice)
		}
	}
}

func TestTransitionsDeliveredInOrder(t *testing.T) {
	synth := newGatedSynth()
	c := NewController(context.Background(), synth, nil, Options{}, newLogger())
	defer c.Close()

	var mu sync.Mutex
	var changes []Change
	c.OnChange(func(ch Change) {
		mu.Lock()
		changes = append(changes, ch)
		mu.Unlock()
	})

	for i := 0; i < 200; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Speak("race")
		}()
		go func() {
			defer wg.Done()
			c.Cancel()
		}()
		wg.Wait()
		c.Cancel()
	}

	mu.Lock()
	defer mu.Unlock()
	started := make(map[string]bool)
	ended := make(map[string]bool)
	for _, ch := range changes {
		id := ch.Utterance.ID
		if ch.Outcome == "" {
			if started[id] {
				t.Fatalf("utterance %s started twice", id)
			}
			started[id] = true
			continue
		}
		if !started[id] {
			t.Fatalf("utterance %s reported %s before it started", id, ch.Outcome)
		}
		if ended[id] {
			t.Fatalf("utterance %s ended twice", id)
		}
		ended[id] = true
	}
	if len(started) == 0 || len(started) != len(ended) {
		t.Fatalf("expected every start matched by an end, got %d started %d ended", len(started), len(ended))
	}
}
