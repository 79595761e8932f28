package speech

import "context"

// SynthRequest contains parameters to synthesize one utterance.
type SynthRequest struct {
	UtteranceID string
	Text        string
	Voice       string
	Locale      string
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	UtteranceID string
	Sequence    int
	SampleRate  int
	Channels    int
	PCM         []byte
	Final       bool
}

// Synthesizer is the platform speech-output capability. Synthesize streams
// chunks until both channels close; cancelling ctx aborts the utterance.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
	Voices(ctx context.Context) ([]string, error)
}
