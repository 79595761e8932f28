// Package speech vocalizes the transcript through a single-slot controller:
// at most one utterance is in flight and further requests are rejected, not queued.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/fingerspell/speech"

// State of the speech channel.
type State int

const (
	Idle State = iota
	Speaking
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Speaking:
		return "speaking"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*s = Idle
	case "speaking":
		*s = Speaking
	default:
		return fmt.Errorf("unknown speech state %q", text)
	}
	return nil
}

// Status is Idle, or Speaking with the id of the live utterance.
type Status struct {
	State       State  `json:"state"`
	UtteranceID string `json:"utterance_id,omitempty"`
}

// Utterance describes one request to vocalize text.
type Utterance struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Voice     string    `json:"voice,omitempty"`
	Locale    string    `json:"locale"`
	StartedAt time.Time `json:"started_at"`
}

// Outcome of a finished utterance.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Change is reported to observers on every transition.
type Change struct {
	Status    Status
	Utterance Utterance
	Outcome   string
	Err       error
}

type Options struct {
	Locale          string
	DefaultVoice    string
	PreferredVoices []string
	Timeout         time.Duration
}

type Controller struct {
	synth  Synthesizer
	sink   Sink
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer

	utterances metric.Int64Counter

	ctx       context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
	voice     string

	// notifyMu is held while a queued change is handed to observers; it is
	// never taken with mu held.
	notifyMu sync.Mutex

	mu        sync.Mutex
	status    Status
	current   Utterance
	cancel    context.CancelFunc
	observers []func(Change)
	pending   []Change
}

// NewController wraps synth. A nil synth means speech output is unavailable:
// every Speak is ignored.
func NewController(parent context.Context, synth Synthesizer, sink Sink, opts Options, logger *slog.Logger) *Controller {
	if sink == nil {
		sink = DiscardSink{}
	}
	if opts.Locale == "" {
		opts.Locale = "en-US"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 45 * time.Second
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Controller{
		synth:     synth,
		sink:      sink,
		opts:      opts,
		logger:    logger.With(slog.String("component", "speech")),
		tracer:    otel.Tracer(instrumentationName),
		ctx:       ctx,
		cancelAll: cancel,
	}
	counter, err := otel.Meter(instrumentationName).Int64Counter("fingerspell.speech.utterances",
		metric.WithDescription("Utterances by outcome"))
	if err != nil {
		c.logger.Warn("failed to create utterance counter", slogError(err))
	}
	c.utterances = counter
	if synth != nil {
		c.voice = c.selectVoice()
	}
	return c
}

// OnChange registers fn for every state transition. Changes are delivered in
// the order they happened, without the controller lock held. fn must not
// block for long or call Speak or Cancel.
func (c *Controller) OnChange(fn func(Change)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// Status returns the current state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Available reports whether a speech-output capability is attached.
func (c *Controller) Available() bool { return c.synth != nil }

// Speak starts vocalizing text. It returns false, leaving the state untouched,
// when text is blank, output is unavailable or an utterance is already live.
func (c *Controller) Speak(text string) (Status, bool) {
	if strings.TrimSpace(text) == "" {
		return c.Status(), false
	}
	if c.synth == nil {
		c.logger.Debug("speech output unavailable, ignoring request")
		return c.Status(), false
	}
	if st := c.Status(); st.State == Speaking {
		c.logger.Debug("already speaking, ignoring request", slog.String("utterance_id", st.UtteranceID))
		return st, false
	}

	c.mu.Lock()
	if c.status.State == Speaking {
		st := c.status
		c.mu.Unlock()
		return st, false
	}
	u := Utterance{
		ID:        uuid.NewString(),
		Text:      text,
		Voice:     c.voice,
		Locale:    c.opts.Locale,
		StartedAt: time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.Timeout)
	c.status = Status{State: Speaking, UtteranceID: u.ID}
	c.current = u
	c.cancel = cancel
	st := c.status
	c.enqueueLocked(Change{Status: st, Utterance: u})
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("utterance started",
		slog.String("utterance_id", u.ID),
		slog.String("voice", u.Voice),
		slog.Int("length", len([]rune(text))))

	go c.run(ctx, cancel, u)
	c.deliver()
	return st, true
}

// Cancel aborts the live utterance, if any, and returns to Idle immediately.
func (c *Controller) Cancel() Status {
	c.mu.Lock()
	if c.status.State != Speaking {
		st := c.status
		c.mu.Unlock()
		return st
	}
	c.cancel()
	u := c.current
	c.reset()
	st := c.status
	c.enqueueLocked(Change{Status: st, Utterance: u, Outcome: OutcomeCancelled, Err: context.Canceled})
	c.mu.Unlock()

	c.record(OutcomeCancelled)
	c.deliver()
	return st
}

// Close cancels any live utterance and waits for playback goroutines.
func (c *Controller) Close() {
	c.cancelAll()
	c.wg.Wait()
}

func (c *Controller) selectVoice() string {
	ctx, cancel := context.WithTimeout(c.ctx, 2*time.Second)
	defer cancel()
	voices, err := c.synth.Voices(ctx)
	if err != nil {
		c.logger.Debug("failed to list voices", slogError(err))
		return c.opts.DefaultVoice
	}
	return SelectVoice(voices, c.opts.PreferredVoices, c.opts.DefaultVoice)
}

// SelectVoice returns the first preferred voice that is available, else fallback.
func SelectVoice(available, preferred []string, fallback string) string {
	have := make(map[string]struct{}, len(available))
	for _, v := range available {
		have[v] = struct{}{}
	}
	for _, p := range preferred {
		if _, ok := have[p]; ok {
			return p
		}
	}
	return fallback
}

func (c *Controller) run(ctx context.Context, cancel context.CancelFunc, u Utterance) {
	defer c.wg.Done()
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "speech.utterance",
		trace.WithAttributes(attribute.String("utterance.id", u.ID), attribute.String("voice", u.Voice)))
	defer span.End()

	chunks, errs := c.synth.Synthesize(ctx, SynthRequest{
		UtteranceID: u.ID,
		Text:        u.Text,
		Voice:       u.Voice,
		Locale:      u.Locale,
	})

	var runErr error
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			chunk.UtteranceID = u.ID
			if err := c.sink.Write(ctx, chunk); err != nil {
				c.logger.Warn("speech sink write failed", slogError(err))
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil && runErr == nil {
				runErr = err
			}
		case <-ctx.Done():
			runErr = ctx.Err()
			go drain(chunks, errs)
			chunks, errs = nil, nil
		}
	}

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "utterance failed")
	}
	if err := c.sink.Finish(context.WithoutCancel(ctx), u.ID, runErr); err != nil {
		c.logger.Warn("speech sink finish failed", slogError(err))
	}
	c.finish(u, runErr)
}

func (c *Controller) finish(u Utterance, runErr error) {
	c.mu.Lock()
	if c.status.UtteranceID != u.ID {
		// Cancelled or superseded; that transition was already reported.
		c.mu.Unlock()
		return
	}
	c.reset()
	st := c.status

	outcome := OutcomeCompleted
	switch {
	case runErr == nil:
		c.logger.Info("utterance finished", slog.String("utterance_id", u.ID))
	case errors.Is(runErr, context.Canceled):
		outcome = OutcomeCancelled
	default:
		outcome = OutcomeFailed
		c.logger.Warn("utterance failed", slog.String("utterance_id", u.ID), slogError(runErr))
	}
	c.enqueueLocked(Change{Status: st, Utterance: u, Outcome: outcome, Err: runErr})
	c.mu.Unlock()

	c.record(outcome)
	c.deliver()
}

// reset returns to Idle. Caller holds c.mu.
func (c *Controller) reset() {
	c.status = Status{State: Idle}
	c.current = Utterance{}
	c.cancel = nil
}

// enqueueLocked queues ch for delivery. Caller holds c.mu, so the queue is in
// transition order.
func (c *Controller) enqueueLocked(ch Change) {
	c.pending = append(c.pending, ch)
}

// deliver hands queued changes to observers one at a time. Whoever holds
// notifyMu drains changes queued by others too.
func (c *Controller) deliver() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.mu.Unlock()
			return
		}
		ch := c.pending[0]
		c.pending = c.pending[1:]
		observers := c.observers
		c.mu.Unlock()
		notify(observers, ch)
	}
}

func (c *Controller) record(outcome string) {
	if c.utterances != nil {
		c.utterances.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func notify(observers []func(Change), ch Change) {
	for _, fn := range observers {
		fn(ch)
	}
}

func drain(chunks <-chan SynthChunk, errs <-chan error) {
	for chunks != nil || errs != nil {
		select {
		case _, ok := <-chunks:
			if !ok {
				chunks = nil
			}
		case _, ok := <-errs:
			if !ok {
				errs = nil
			}
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
