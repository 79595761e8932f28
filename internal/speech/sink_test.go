package speech

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/loqalabs/fingerspell/internal/bus"
	"github.com/loqalabs/fingerspell/internal/config"
	"github.com/loqalabs/fingerspell/internal/natsserver"
	"github.com/loqalabs/fingerspell/internal/protocol"
)

func TestBusSinkPublishesAudioAndStatus(t *testing.T) {
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

	audio, err := client.Conn().SubscribeSync(protocol.SubjectTTSAudio)
	if err != nil {
		t.Fatalf("subscribe audio: %v", err)
	}
	done, err := client.Conn().SubscribeSync(protocol.SubjectTTSDone)
	if err != nil {
		t.Fatalf("subscribe done: %v", err)
	}

	sink := NewBusSink(client, "session-1")
	ctx := context.Background()
	if err := sink.Write(ctx, SynthChunk{UtteranceID: "utt-1", SampleRate: 22050, Channels: 1, PCM: []byte{1, 2}, Final: true}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.Finish(ctx, "utt-1", errors.New("device lost")); err != nil {
		t.Fatalf("finish: %v", err)
	}

	msg, err := audio.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next audio: %v", err)
	}
	var chunk protocol.AudioChunk
	if err := json.Unmarshal(msg.Data, &chunk); err != nil {
		t.Fatalf("decode chunk: %v", err)
	}
	if chunk.SessionID != "session-1" || chunk.UtteranceID != "utt-1" || len(chunk.PCM) != 2 || !chunk.Final {
		t.Fatalf("unexpected chunk %+v", chunk)
	}

	msg, err = done.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next status: %v", err)
	}
	var status protocol.UtteranceStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Completed || status.Error != "device lost" {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestWAVSinkSkipsFailedUtterance(t *testing.T) {
	sink, err := NewWAVSink(t.TempDir())
	if err != nil {
		t.Fatalf("new wav sink: %v", err)
	}
	ctx := context.Background()
	_ = sink.Write(ctx, SynthChunk{UtteranceID: "utt-2", SampleRate: 16000, Channels: 1, PCM: make([]byte, 64)})
	if err := sink.Finish(ctx, "utt-2", context.Canceled); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, err := os.Stat(sink.Path("utt-2")); !os.IsNotExist(err) {
		t.Fatalf("expected no file for cancelled utterance, got %v", err)
	}
}
