package speech

import (
	"context"
	"time"
)

type mockSynth struct {
	sampleRate int
	channels   int
	voices     []string
	delay      time.Duration
}

// NewMockSynth returns a synthesizer that "speaks" for delay and emits one
// silent final chunk.
func NewMockSynth(sampleRate, channels int, voices []string, delay time.Duration) Synthesizer {
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	return &mockSynth{sampleRate: sampleRate, channels: channels, voices: voices, delay: delay}
}

func (m *mockSynth) Voices(context.Context) ([]string, error) {
	return append([]string(nil), m.voices...), nil
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(m.delay):
		}
		chunks <- SynthChunk{
			UtteranceID: req.UtteranceID,
			Sequence:    0,
			SampleRate:  m.sampleRate,
			Channels:    m.channels,
			PCM:         []byte{},
			Final:       true,
		}
	}()
	return chunks, errs
}
