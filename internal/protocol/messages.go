package protocol

import "time"

// SymbolRequest asks a classifier on the bus for its current label.
type SymbolRequest struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// SymbolReply carries the classifier label. An empty Symbol means nothing was recognised.
type SymbolReply struct {
	Symbol     string  `json:"symbol"`
	Confidence float64 `json:"confidence,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Command is a user action sent to the composer over the bus.
type Command struct {
	Action     string `json:"action"`
	Text       string `json:"text,omitempty"`
	CaretStart int    `json:"caret_start,omitempty"`
	CaretEnd   int    `json:"caret_end,omitempty"`
	Enabled    *bool  `json:"enabled,omitempty"`
}

// Command actions understood by the bridge and the HTTP gateway.
const (
	ActionClear           = "clear"
	ActionDelete          = "delete"
	ActionDeleteSelection = "delete-selection"
	ActionSpace           = "space"
	ActionInsert          = "insert"
	ActionSelect          = "select"
	ActionEdit            = "edit"
	ActionSpeak           = "speak"
	ActionCancelSpeech    = "cancel-speech"
	ActionToggle          = "toggle"
	ActionSetIngestion    = "set-ingestion"
)

// Acknowledgement mirrors the transient "just received" signal.
type Acknowledgement struct {
	SessionID string    `json:"session_id"`
	Symbol    string    `json:"symbol"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AudioChunk carries synthesized PCM for one utterance.
type AudioChunk struct {
	SessionID   string `json:"session_id"`
	UtteranceID string `json:"utterance_id"`
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
	Sequence    int    `json:"sequence"`
	PCM         []byte `json:"pcm"`
	Final       bool   `json:"final"`
}

// UtteranceStatus is published when an utterance finishes.
type UtteranceStatus struct {
	SessionID   string    `json:"session_id"`
	UtteranceID string    `json:"utterance_id"`
	Completed   bool      `json:"completed"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Utterance is the record of spoken text sent to downstream consumers.
type Utterance struct {
	SessionID   string    `json:"session_id"`
	UtteranceID string    `json:"utterance_id"`
	Text        string    `json:"text"`
	Voice       string    `json:"voice,omitempty"`
	Locale      string    `json:"locale"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	SubjectSymbolPoll      = "feed.symbol.poll"
	SubjectCommand         = "compose.command"
	SubjectSnapshot        = "compose.snapshot"
	SubjectAcknowledgement = "compose.ack"
	SubjectTTSAudio        = "tts.audio"
	SubjectTTSDone         = "tts.done"
)
