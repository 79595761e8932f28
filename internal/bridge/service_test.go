package bridge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/fingerspell/internal/bus"
	"github.com/loqalabs/fingerspell/internal/composer"
	"github.com/loqalabs/fingerspell/internal/config"
	"github.com/loqalabs/fingerspell/internal/feed"
	"github.com/loqalabs/fingerspell/internal/ingest"
	"github.com/loqalabs/fingerspell/internal/natsserver"
	"github.com/loqalabs/fingerspell/internal/protocol"
	"github.com/loqalabs/fingerspell/internal/speech"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setup(t *testing.T) (*bus.Client, *composer.Controller) {
	t.Helper()
	log := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	sched := ingest.New(feed.NewMockFeed([]string{""}), ingest.Options{Interval: time.Hour}, log)
	sp := speech.NewController(context.Background(), nil, nil, speech.Options{}, log)
	c := composer.New(sched, sp, time.Second, log)
	t.Cleanup(c.Close)

	svc := NewService(context.Background(), client, c, "session-1", log)
	if err := svc.Start(); err != nil {
		t.Fatalf("start bridge: %v", err)
	}
	t.Cleanup(svc.Close)
	return client, c
}

func TestCommandRequestReply(t *testing.T) {
	client, c := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var reply Reply
	if err := client.RequestJSON(ctx, protocol.SubjectCommand, protocol.Command{Action: protocol.ActionInsert, Text: "HI"}, &reply); err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.Error != "" || reply.Snapshot.Transcript.Text != "HI" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if got := c.Snapshot().Transcript.Text; got != "HI" {
		t.Fatalf("expected composer updated, got %q", got)
	}

	reply = Reply{}
	if err := client.RequestJSON(ctx, protocol.SubjectCommand, protocol.Command{Action: "shout"}, &reply); err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.Error == "" || reply.Snapshot.Transcript.Text != "HI" {
		t.Fatalf("expected error reply with unchanged snapshot, got %+v", reply)
	}
}

func TestPublishesSnapshotsAndAcknowledgements(t *testing.T) {
	client, c := setup(t)

	snaps, err := client.Conn().SubscribeSync(protocol.SubjectSnapshot)
	if err != nil {
		t.Fatalf("subscribe snapshots: %v", err)
	}
	acks, err := client.Conn().SubscribeSync(protocol.SubjectAcknowledgement)
	if err != nil {
		t.Fatalf("subscribe acks: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	c.OnSymbolIngested("B")

	msg, err := snaps.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next snapshot: %v", err)
	}
	var update Update
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if update.SessionID != "session-1" || update.Event.Kind != composer.KindSymbol || update.Event.Snapshot.Transcript.Text != "B" {
		t.Fatalf("unexpected update %+v", update)
	}

	msg, err = acks.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next ack: %v", err)
	}
	var ack protocol.Acknowledgement
	if err := json.Unmarshal(msg.Data, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Symbol != "B" || ack.ExpiresAt.IsZero() {
		t.Fatalf("unexpected ack %+v", ack)
	}
}
