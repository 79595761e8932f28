package speech

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/fingerspell/internal/bus"
	"github.com/loqalabs/fingerspell/internal/protocol"
)

// Sink receives the audio of an utterance. Finish is called exactly once per
// utterance, with the error that ended it, if any.
type Sink interface {
	Write(ctx context.Context, chunk SynthChunk) error
	Finish(ctx context.Context, utteranceID string, err error) error
}

// DiscardSink drops audio; useful when playback happens elsewhere.
type DiscardSink struct{}

func (DiscardSink) Write(context.Context, SynthChunk) error      { return nil }
func (DiscardSink) Finish(context.Context, string, error) error { return nil }

// BusSink publishes audio chunks and completion status on the bus.
type BusSink struct {
	client    *bus.Client
	sessionID string
}

func NewBusSink(client *bus.Client, sessionID string) *BusSink {
	return &BusSink{client: client, sessionID: sessionID}
}

func (s *BusSink) Write(_ context.Context, chunk SynthChunk) error {
	return s.client.PublishJSON(protocol.SubjectTTSAudio, protocol.AudioChunk{
		SessionID:   s.sessionID,
		UtteranceID: chunk.UtteranceID,
		SampleRate:  chunk.SampleRate,
		Channels:    chunk.Channels,
		Sequence:    chunk.Sequence,
		PCM:         chunk.PCM,
		Final:       chunk.Final,
	})
}

func (s *BusSink) Finish(_ context.Context, utteranceID string, err error) error {
	status := protocol.UtteranceStatus{
		SessionID:   s.sessionID,
		UtteranceID: utteranceID,
		Completed:   err == nil,
		Timestamp:   time.Now().UTC(),
	}
	if err != nil {
		status.Error = err.Error()
	}
	return s.client.PublishJSON(protocol.SubjectTTSDone, status)
}

// WAVSink writes each completed utterance to <dir>/<utterance id>.wav.
type WAVSink struct {
	dir string

	mu      sync.Mutex
	pending map[string]*wavBuffer
}

type wavBuffer struct {
	sampleRate int
	channels   int
	pcm        []byte
}

func NewWAVSink(dir string) (*WAVSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create wav directory: %w", err)
	}
	return &WAVSink{dir: dir, pending: make(map[string]*wavBuffer)}, nil
}

func (s *WAVSink) Write(_ context.Context, chunk SynthChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.pending[chunk.UtteranceID]
	if buf == nil {
		buf = &wavBuffer{sampleRate: chunk.SampleRate, channels: chunk.Channels}
		s.pending[chunk.UtteranceID] = buf
	}
	buf.pcm = append(buf.pcm, chunk.PCM...)
	return nil
}

func (s *WAVSink) Finish(_ context.Context, utteranceID string, err error) error {
	s.mu.Lock()
	buf := s.pending[utteranceID]
	delete(s.pending, utteranceID)
	s.mu.Unlock()

	if err != nil || buf == nil || len(buf.pcm) == 0 {
		return nil
	}
	return writeWAV(filepath.Join(s.dir, utteranceID+".wav"), buf)
}

// Path returns where an utterance is written.
func (s *WAVSink) Path(utteranceID string) string {
	return filepath.Join(s.dir, utteranceID+".wav")
}

func writeWAV(path string, buf *wavBuffer) error {
	if len(buf.pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	defer file.Close()

	samples := make([]int, len(buf.pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(buf.pcm[i*2:])))
	}
	ib := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: buf.channels, SampleRate: buf.sampleRate},
		Data:   samples,
	}

	enc := wav.NewEncoder(file, buf.sampleRate, 16, buf.channels, 1)
	if err := enc.Write(ib); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
