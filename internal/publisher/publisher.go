// Package publisher streams spoken utterances to a Kafka topic so downstream
// consumers see what the user said.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/fingerspell/internal/composer"
	"github.com/loqalabs/fingerspell/internal/config"
	"github.com/loqalabs/fingerspell/internal/protocol"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes one record per started utterance. When disabled it only logs.
type Publisher struct {
	writer    messageWriter
	topic     string
	sessionID string
	log       *slog.Logger
}

func New(cfg config.PublisherConfig, sessionID string, log *slog.Logger) *Publisher {
	log = log.With(slog.String("component", "publisher"))
	p := &Publisher{topic: cfg.Topic, sessionID: sessionID, log: log}
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info("kafka disabled, using log-only mode")
		return p
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	log.Info("kafka publisher initialized",
		slog.Any("brokers", cfg.Brokers),
		slog.String("topic", cfg.Topic))
	return p
}

// Enabled reports whether records reach Kafka.
func (p *Publisher) Enabled() bool { return p.writer != nil }

// Publish writes u keyed by the session id.
func (p *Publisher) Publish(ctx context.Context, u protocol.Utterance) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal utterance: %w", err)
	}
	p.log.Debug("publishing utterance",
		slog.String("topic", p.topic),
		slog.String("utterance_id", u.UtteranceID))
	if p.writer == nil {
		return nil
	}
	msg := kafka.Message{
		Key:   []byte(u.SessionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte("utterance")},
			{Key: "locale", Value: []byte(u.Locale)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to kafka: %w", err)
	}
	return nil
}

// Run publishes every utterance that starts until events closes or ctx is done.
func (p *Publisher) Run(ctx context.Context, events <-chan composer.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != composer.KindSpeech || ev.Outcome != "" || ev.Utterance == nil {
				continue
			}
			u := ev.Utterance
			err := p.Publish(ctx, protocol.Utterance{
				SessionID:   p.sessionID,
				UtteranceID: u.ID,
				Text:        u.Text,
				Voice:       u.Voice,
				Locale:      u.Locale,
				Timestamp:   u.StartedAt,
			})
			if err != nil {
				p.log.Error("failed to publish utterance", slog.String("utterance_id", u.ID), slogError(err))
			}
		}
	}
}

func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
