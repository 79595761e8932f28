package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/fingerspell/internal/bridge"
	"github.com/loqalabs/fingerspell/internal/bus"
	"github.com/loqalabs/fingerspell/internal/composer"
	"github.com/loqalabs/fingerspell/internal/config"
	"github.com/loqalabs/fingerspell/internal/feed"
	"github.com/loqalabs/fingerspell/internal/gateway"
	"github.com/loqalabs/fingerspell/internal/ingest"
	"github.com/loqalabs/fingerspell/internal/journal"
	"github.com/loqalabs/fingerspell/internal/natsserver"
	"github.com/loqalabs/fingerspell/internal/presence"
	"github.com/loqalabs/fingerspell/internal/publisher"
	"github.com/loqalabs/fingerspell/internal/speech"
	"github.com/loqalabs/fingerspell/internal/tui"
)

type Option func(*Runtime)

// WithTerminalUI runs the terminal front end; quitting it stops the runtime.
func WithTerminalUI() Option {
	return func(r *Runtime) { r.terminalUI = true }
}

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	sessionID  string
	terminalUI bool

	httpServer  *http.Server
	tracerClose func(context.Context) error
	busServer   *natsserver.EmbeddedServer
	busClient   *bus.Client
	journal     *journal.Store
	publisher   *publisher.Publisher
	bridge      *bridge.Service
	presence    *presence.Registry
	composer    *composer.Controller

	addr    atomic.Value
	ready   atomic.Bool
	started chan struct{}
	wg      sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:       cfg,
		logger:    logger,
		sessionID: uuid.NewString(),
		started:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SessionID identifies this run in the journal and on the bus.
func (r *Runtime) SessionID() string { return r.sessionID }

// Started is closed once every component is running.
func (r *Runtime) Started() <-chan struct{} { return r.started }

// Addr returns the HTTP listen address once started.
func (r *Runtime) Addr() string {
	if v, ok := r.addr.Load().(string); ok {
		return v
	}
	return ""
}

// Start builds every component, runs until ctx is cancelled (or the terminal
// UI quits) and then tears everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.shutdown()

	if err := r.startBus(ctx); err != nil {
		return err
	}

	f, err := r.buildFeed()
	if err != nil {
		return err
	}
	synth, sink, err := r.buildSpeech()
	if err != nil {
		return err
	}

	scheduler := ingest.New(f, ingest.Options{
		Interval:    time.Duration(r.cfg.Ingest.IntervalMS) * time.Millisecond,
		PollTimeout: time.Duration(r.cfg.Feed.TimeoutMS) * time.Millisecond,
		Enabled:     r.cfg.Ingest.Enabled,
	}, r.logger)
	sp := speech.NewController(ctx, synth, sink, speech.Options{
		Locale:          r.cfg.Speech.Locale,
		DefaultVoice:    r.cfg.Speech.DefaultVoice,
		PreferredVoices: r.cfg.Speech.PreferredVoices,
		Timeout:         time.Duration(r.cfg.Speech.TimeoutMS) * time.Millisecond,
	}, r.logger)
	r.composer = composer.New(scheduler, sp, time.Duration(r.cfg.Ack.TTLMS)*time.Millisecond, r.logger)

	if err := r.startJournal(ctx); err != nil {
		return err
	}
	r.startPublisher(ctx)

	if r.busClient != nil {
		r.bridge = bridge.NewService(ctx, r.busClient, r.composer, r.sessionID, r.logger)
		if err := r.bridge.Start(); err != nil {
			return fmt.Errorf("failed to start bus bridge: %w", err)
		}
		if err := r.startPresence(ctx); err != nil {
			return err
		}
	}

	if r.cfg.HTTP.Enabled {
		if err := r.startHTTP(metricsHandler); err != nil {
			return err
		}
	}

	r.composer.Start(ctx)
	r.ready.Store(true)
	close(r.started)
	r.logger.Info("runtime started",
		slog.String("session_id", r.sessionID),
		slog.String("addr", r.Addr()),
		slog.String("feed", r.cfg.Feed.Mode))

	if r.terminalUI {
		if err := tui.Run(ctx, r.composer); err != nil {
			r.logger.Error("terminal ui failed", slogError(err))
		}
		cancel()
	}

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.busServer = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.busClient = client
	return nil
}

func (r *Runtime) buildFeed() (feed.Feed, error) {
	switch r.cfg.Feed.Mode {
	case "http":
		client := &http.Client{Timeout: time.Duration(r.cfg.Feed.TimeoutMS) * time.Millisecond}
		return feed.NewHTTPFeed(r.cfg.Feed.URL, r.cfg.Feed.Field, client), nil
	case "bus":
		if r.busClient == nil {
			return nil, errors.New("feed.mode=bus requires a bus connection")
		}
		return feed.NewBusFeed(r.busClient, r.cfg.Feed.Subject, r.sessionID), nil
	case "mock":
		return feed.NewMockFeed(r.cfg.Feed.Script), nil
	default:
		return nil, fmt.Errorf("unsupported feed mode %q", r.cfg.Feed.Mode)
	}
}

func (r *Runtime) buildSpeech() (speech.Synthesizer, speech.Sink, error) {
	cfg := r.cfg.Speech
	if !cfg.Enabled {
		r.logger.Info("speech output disabled")
		return nil, nil, nil
	}

	var synth speech.Synthesizer
	switch cfg.Mode {
	case "exec":
		s, err := speech.NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels, cfg.Voices)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to configure speech command: %w", err)
		}
		synth = s
	default:
		synth = speech.NewMockSynth(cfg.SampleRate, cfg.Channels, cfg.Voices, 0)
	}

	switch cfg.Sink {
	case "bus":
		if r.busClient == nil {
			return nil, nil, errors.New("speech.sink=bus requires a bus connection")
		}
		return synth, speech.NewBusSink(r.busClient, r.sessionID), nil
	case "wav":
		sink, err := speech.NewWAVSink(cfg.WAVDirectory)
		if err != nil {
			return nil, nil, err
		}
		return synth, sink, nil
	default:
		return synth, speech.DiscardSink{}, nil
	}
}

func (r *Runtime) startJournal(ctx context.Context) error {
	store, err := journal.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	r.journal = store
	if !store.Enabled() {
		return nil
	}
	if err := store.BeginSession(ctx, r.sessionID, r.cfg.RuntimeName); err != nil {
		return fmt.Errorf("failed to begin journal session: %w", err)
	}
	events, unsubscribe := r.composer.Subscribe()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer unsubscribe()
		journal.Record(ctx, store, r.sessionID, events, r.logger)
	}()
	return nil
}

func (r *Runtime) startPublisher(ctx context.Context) {
	r.publisher = publisher.New(r.cfg.Publisher, r.sessionID, r.logger)
	events, unsubscribe := r.composer.Subscribe()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer unsubscribe()
		r.publisher.Run(ctx, events)
	}()
}

func (r *Runtime) startPresence(ctx context.Context) error {
	cfg := r.cfg.Presence
	if !cfg.Enabled {
		return nil
	}
	reg, err := presence.NewRegistry(ctx, presence.Options{
		NodeID: r.sessionID,
		Role:   cfg.Role,
		Capabilities: []presence.Capability{
			{Name: "composer", Attributes: map[string]string{"runtime": r.cfg.RuntimeName}},
			{Name: "feed", Attributes: map[string]string{"mode": r.cfg.Feed.Mode}},
			{Name: "speech", Attributes: map[string]string{
				"enabled": fmt.Sprint(r.cfg.Speech.Enabled),
				"locale":  r.cfg.Speech.Locale,
			}},
		},
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond,
		HeartbeatTimeout:  time.Duration(cfg.HeartbeatTimeoutMS) * time.Millisecond,
	}, r.busClient, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start presence registry: %w", err)
	}
	r.presence = reg
	return nil
}

func (r *Runtime) startHTTP(metrics http.Handler) error {
	gw := gateway.New(r.composer, metrics, r.healthy, r.logger)
	addr := net.JoinHostPort(r.cfg.HTTP.Bind, fmt.Sprint(r.cfg.HTTP.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	r.addr.Store(ln.Addr().String())
	r.httpServer = &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slogError(err))
		}
	}()
	return nil
}

func (r *Runtime) healthy() bool {
	if !r.ready.Load() {
		return false
	}
	if r.busClient != nil && !r.busClient.Healthy() {
		return false
	}
	return r.bridge == nil || r.bridge.Healthy()
}

// shutdown releases whatever Start managed to build.
func (r *Runtime) shutdown() {
	r.ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	}
	if r.presence != nil {
		r.presence.Close()
	}
	if r.bridge != nil {
		r.bridge.Close()
	}
	if r.composer != nil {
		r.composer.Close()
	}
	r.wg.Wait()

	if r.publisher != nil {
		if err := r.publisher.Close(); err != nil {
			r.logger.Error("publisher close error", slogError(err))
		}
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Error("journal close error", slogError(err))
		}
	}
	r.busClient.Close()
	r.busServer.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
