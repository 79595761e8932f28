// Package bridge connects the composer to the message bus: remote surfaces
// send commands on compose.command and follow state on compose.snapshot.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/loqalabs/fingerspell/internal/bus"
	"github.com/loqalabs/fingerspell/internal/composer"
	"github.com/loqalabs/fingerspell/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Reply answers a command request.
type Reply struct {
	Snapshot composer.Snapshot `json:"snapshot"`
	Error    string            `json:"error,omitempty"`
}

// Update is published on compose.snapshot for every composer event.
type Update struct {
	SessionID string         `json:"session_id"`
	Event     composer.Event `json:"event"`
}

type Service struct {
	bus       *bus.Client
	composer  *composer.Controller
	sessionID string
	logger    *slog.Logger
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewService(parent context.Context, busClient *bus.Client, c *composer.Controller, sessionID string, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:       busClient,
		composer:  c,
		sessionID: sessionID,
		logger:    logger.With(slog.String("component", "bridge")),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectCommand, s.handleCommand)
	if err != nil {
		return err
	}
	s.sub = sub

	events, unsubscribe := s.composer.Subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		s.forward(events)
	}()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.sub != nil && s.bus.Healthy()
}

func (s *Service) handleCommand(msg *nats.Msg) {
	var cmd protocol.Command
	var reply Reply
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		s.logger.Warn("bridge failed to decode command", slogError(err))
		reply.Snapshot = s.composer.Snapshot()
		reply.Error = "malformed command"
	} else {
		snap, err := s.composer.Apply(cmd)
		reply.Snapshot = snap
		if err != nil {
			s.logger.Debug("bridge rejected command", slog.String("action", cmd.Action), slogError(err))
			reply.Error = err.Error()
		}
	}
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("bridge failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("bridge failed to reply", slogError(err))
	}
}

func (s *Service) forward(events <-chan composer.Event) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.bus.PublishJSON(protocol.SubjectSnapshot, Update{SessionID: s.sessionID, Event: ev}); err != nil {
				s.logger.Warn("bridge failed to publish snapshot", slogError(err))
			}
			if ev.Kind == composer.KindSymbol && ev.Snapshot.Acknowledgement != nil {
				a := ev.Snapshot.Acknowledgement
				err := s.bus.PublishJSON(protocol.SubjectAcknowledgement, protocol.Acknowledgement{
					SessionID: s.sessionID,
					Symbol:    a.Symbol,
					ExpiresAt: a.ExpiresAt,
				})
				if err != nil {
					s.logger.Warn("bridge failed to publish acknowledgement", slogError(err))
				}
			}
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
