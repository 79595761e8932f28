// Package ingest polls the symbol feed on a fixed cadence.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/fingerspell/internal/feed"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/fingerspell/ingest"

// Options configure a Scheduler.
type Options struct {
	Interval    time.Duration
	PollTimeout time.Duration
	Enabled     bool
}

// Scheduler owns the ingestion on/off state and the ticker that drives polls.
// At most one poll is outstanding; a tick that finds one in flight is skipped.
type Scheduler struct {
	feed   feed.Feed
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer

	polls   metric.Int64Counter
	skipped metric.Int64Counter

	// deliverMu serializes result delivery against SetEnabled so that a
	// result is never applied once disablement has been observed.
	deliverMu sync.Mutex

	mu         sync.Mutex
	enabled    bool
	inflight   bool
	generation uint64
	ticker     *time.Ticker
	onTick     func(feed.Symbol)
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func New(f feed.Feed, opts Options, logger *slog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = opts.Interval
	}
	s := &Scheduler{
		feed:    f,
		opts:    opts,
		logger:  logger.With(slog.String("component", "ingest")),
		tracer:  otel.Tracer(instrumentationName),
		enabled: opts.Enabled,
	}
	s.initMetrics()
	return s
}

func (s *Scheduler) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error
	if s.polls, err = meter.Int64Counter("fingerspell.ingest.polls", metric.WithDescription("Feed polls issued")); err != nil {
		s.logger.Warn("failed to create poll counter", slogError(err))
	}
	if s.skipped, err = meter.Int64Counter("fingerspell.ingest.skipped", metric.WithDescription("Ticks that produced no symbol")); err != nil {
		s.logger.Warn("failed to create skip counter", slogError(err))
	}
}

// Start arms the ticker and begins polling while enabled. onTick receives every
// non-empty symbol, one at a time and in issue order.
func (s *Scheduler) Start(ctx context.Context, onTick func(feed.Symbol)) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.onTick = onTick
	s.cancel = cancel
	s.ticker = time.NewTicker(s.opts.Interval)
	if !s.enabled {
		s.ticker.Stop()
	}
	ticks := s.ticker.C
	s.mu.Unlock()

	s.logger.Info("ingestion scheduler started",
		slog.Duration("interval", s.opts.Interval),
		slog.Bool("enabled", s.Enabled()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticks:
				s.tick(ctx)
			}
		}
	}()
}

// Enabled reports whether ingestion is switched on.
func (s *Scheduler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SetEnabled arms or disarms the ticker. After SetEnabled(false) returns, no
// poll issued earlier can deliver a symbol.
func (s *Scheduler) SetEnabled(enabled bool) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled == enabled {
		return
	}
	s.enabled = enabled
	s.generation++
	if s.ticker != nil {
		if enabled {
			s.ticker.Reset(s.opts.Interval)
		} else {
			s.ticker.Stop()
		}
	}
	s.logger.Info("ingestion toggled", slog.Bool("enabled", enabled))
}

// Stop releases the ticker and waits for outstanding polls.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.generation++
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return
	}
	if s.inflight {
		s.mu.Unlock()
		s.skip(ctx, "inflight")
		return
	}
	s.inflight = true
	gen := s.generation
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.inflight = false
			s.mu.Unlock()
		}()
		s.poll(ctx, gen)
	}()
}

func (s *Scheduler) poll(ctx context.Context, gen uint64) {
	pollCtx, cancel := context.WithTimeout(ctx, s.opts.PollTimeout)
	defer cancel()
	pollCtx, span := s.tracer.Start(pollCtx, "feed.poll")
	defer span.End()

	if s.polls != nil {
		s.polls.Add(ctx, 1)
	}
	symbol, err := s.feed.Poll(pollCtx)

	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "poll failed")
		if !errors.Is(err, context.Canceled) {
			s.logger.Debug("feed poll failed", slogError(err))
		}
		s.skip(ctx, "error")
		return
	case symbol == "":
		s.skip(ctx, "empty")
		return
	}
	span.SetAttributes(attribute.String("symbol", string(symbol)))
	s.deliver(ctx, gen, symbol)
}

func (s *Scheduler) deliver(ctx context.Context, gen uint64, symbol feed.Symbol) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	live := s.enabled && s.generation == gen && ctx.Err() == nil
	onTick := s.onTick
	s.mu.Unlock()

	if !live {
		s.logger.Debug("dropping symbol from stale poll", slog.String("symbol", string(symbol)))
		s.skip(ctx, "stale")
		return
	}
	if onTick != nil {
		onTick(symbol)
	}
}

func (s *Scheduler) skip(ctx context.Context, reason string) {
	if s.skipped != nil {
		s.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
