// Package composer ties the feed scheduler, the transcript, the acknowledgement
// timer and the speech channel into one controller that presentation layers drive.
package composer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/fingerspell/internal/ack"
	"github.com/loqalabs/fingerspell/internal/feed"
	"github.com/loqalabs/fingerspell/internal/ingest"
	"github.com/loqalabs/fingerspell/internal/speech"
	"github.com/loqalabs/fingerspell/internal/textbuf"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/fingerspell/composer"

// Snapshot is an immutable view of everything a presentation layer renders.
type Snapshot struct {
	Transcript       textbuf.State        `json:"transcript"`
	Acknowledgement  *ack.Acknowledgement `json:"acknowledgement,omitempty"`
	IngestionEnabled bool                 `json:"ingestion_enabled"`
	Speech           speech.Status        `json:"speech"`
	Version          uint64               `json:"version"`
}

// Controller is the single entry point for symbol ingestion and user actions.
// Mutations are serialized by mu; observers are fed through subscriptions and
// never run under it.
type Controller struct {
	buffer    *textbuf.Buffer
	ack       *ack.Timer
	scheduler *ingest.Scheduler
	speech    *speech.Controller
	logger    *slog.Logger

	ingested metric.Int64Counter

	mu      sync.Mutex
	version uint64

	// toggleMu keeps read-modify-write of the ingestion flag atomic without
	// holding mu across Scheduler.SetEnabled.
	toggleMu sync.Mutex

	subs subscribers
}

// New wires the components. The ack timer is created here so its expiry can be
// reported to subscribers.
func New(scheduler *ingest.Scheduler, sp *speech.Controller, ackTTL time.Duration, logger *slog.Logger) *Controller {
	c := &Controller{
		buffer:    textbuf.New(),
		scheduler: scheduler,
		speech:    sp,
		logger:    logger.With(slog.String("component", "composer")),
	}
	c.subs.init()
	c.ack = ack.New(ackTTL, c.onAckExpired)
	sp.OnChange(c.onSpeechChange)
	c.initMetrics()
	return c
}

func (c *Controller) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error
	if c.ingested, err = meter.Int64Counter("fingerspell.symbols.ingested", metric.WithDescription("Symbols appended to the transcript")); err != nil {
		c.logger.Warn("failed to create symbol counter", slogError(err))
	}
	length, err := meter.Int64ObservableGauge("fingerspell.transcript.length",
		metric.WithDescription("Transcript length in characters"))
	if err != nil {
		c.logger.Warn("failed to create transcript gauge", slogError(err))
		return
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(length, int64(c.buffer.State().Len()))
		return nil
	}, length)
	if err != nil {
		c.logger.Warn("failed to register transcript gauge", slogError(err))
	}
}

// Start begins polling the feed.
func (c *Controller) Start(ctx context.Context) {
	c.scheduler.Start(ctx, c.OnSymbolIngested)
}

// Close stops ingestion, cancels speech and the acknowledgement, and closes
// every subscription.
func (c *Controller) Close() {
	c.scheduler.Stop()
	c.ack.Stop()
	c.speech.Close()
	c.subs.closeAll()
}

// OnSymbolIngested appends symbol to the transcript and arms the acknowledgement.
func (c *Controller) OnSymbolIngested(symbol feed.Symbol) {
	if symbol == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buffer.Append(string(symbol))
	c.ack.Arm(string(symbol))
	if c.ingested != nil {
		c.ingested.Add(context.Background(), 1)
	}
	c.logger.Debug("symbol ingested", slog.String("symbol", string(symbol)))
	c.publishLocked(Event{Kind: KindSymbol, Symbol: string(symbol)})
}

func (c *Controller) Clear() Snapshot {
	return c.edit(ActionClear, func(b *textbuf.Buffer) { b.Clear() })
}

func (c *Controller) DeleteAtCaret() Snapshot {
	return c.edit(ActionDelete, func(b *textbuf.Buffer) { b.DeleteAtCaret() })
}

func (c *Controller) DeleteSelection() Snapshot {
	return c.edit(ActionDeleteSelection, func(b *textbuf.Buffer) { b.DeleteSelection() })
}

func (c *Controller) InsertSpace() Snapshot {
	return c.edit(ActionSpace, func(b *textbuf.Buffer) { b.InsertSpace() })
}

// Insert replaces the selection with s.
func (c *Controller) Insert(s string) Snapshot {
	return c.edit(ActionInsert, func(b *textbuf.Buffer) { b.Insert(s) })
}

// Select moves the caret without changing the text.
func (c *Controller) Select(start, end int) Snapshot {
	return c.edit(ActionSelect, func(b *textbuf.Buffer) { b.Select(start, end) })
}

// EditText overwrites the transcript with text the user edited directly.
func (c *Controller) EditText(text string, start, end int) Snapshot {
	return c.edit(ActionEdit, func(b *textbuf.Buffer) { b.SetText(text, start, end) })
}

func (c *Controller) edit(action string, apply func(*textbuf.Buffer)) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	apply(c.buffer)
	return c.publishLocked(Event{Kind: KindEdit, Action: action})
}

// Speak vocalizes the current transcript. It returns false when the request
// was ignored: blank transcript, speech unavailable or already speaking.
func (c *Controller) Speak() (Snapshot, bool) {
	text := c.buffer.State().Text
	// speech.Controller reports the transition through onSpeechChange, which
	// takes mu; it must not be held here.
	_, ok := c.speech.Speak(text)
	return c.Snapshot(), ok
}

// CancelSpeech aborts the live utterance, if any.
func (c *Controller) CancelSpeech() Snapshot {
	c.speech.Cancel()
	return c.Snapshot()
}

// ToggleIngestion flips the ingestion flag.
func (c *Controller) ToggleIngestion() Snapshot {
	c.toggleMu.Lock()
	defer c.toggleMu.Unlock()
	return c.setIngestion(!c.scheduler.Enabled())
}

// SetIngestion switches ingestion on or off. Once it returns false, no poll
// issued earlier can change the transcript.
func (c *Controller) SetIngestion(enabled bool) Snapshot {
	c.toggleMu.Lock()
	defer c.toggleMu.Unlock()
	return c.setIngestion(enabled)
}

func (c *Controller) setIngestion(enabled bool) Snapshot {
	// SetEnabled waits for any in-progress delivery, which itself takes mu.
	c.scheduler.SetEnabled(enabled)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publishLocked(Event{Kind: KindIngestion})
}

// Snapshot returns the current state without mutating it.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		Transcript:       c.buffer.State(),
		IngestionEnabled: c.scheduler.Enabled(),
		Speech:           c.speech.Status(),
		Version:          c.version,
	}
	if a, ok := c.ack.Current(); ok {
		snap.Acknowledgement = &a
	}
	return snap
}

// publishLocked bumps the version and fans ev out. Caller holds mu, which
// keeps events in version order.
func (c *Controller) publishLocked(ev Event) Snapshot {
	c.version++
	snap := c.snapshotLocked()
	ev.Snapshot = snap
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	c.subs.broadcast(ev)
	return snap
}

func (c *Controller) onAckExpired(a ack.Acknowledgement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishLocked(Event{Kind: KindAcknowledgement, Symbol: a.Symbol})
}

func (c *Controller) onSpeechChange(ch speech.Change) {
	u := ch.Utterance
	ev := Event{Kind: KindSpeech, Outcome: ch.Outcome, Utterance: &u}
	if ch.Err != nil && ch.Outcome == speech.OutcomeFailed {
		ev.Error = ch.Err.Error()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishLocked(ev)
}

// Subscribe returns a channel of events and a function that ends the
// subscription. A slow reader loses its oldest events, never blocks the
// controller.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	return c.subs.add()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
