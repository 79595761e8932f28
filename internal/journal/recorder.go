package journal

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/loqalabs/fingerspell/internal/composer"
)

// Entry kinds written by the recorder.
const (
	KindSymbol = "symbol"
	KindEdit   = "edit"
	KindSpeech = "speech"
)

type editPayload struct {
	CaretStart int  `json:"caret_start"`
	CaretEnd   int  `json:"caret_end"`
	Length     int  `json:"length"`
	Ingestion  bool `json:"ingestion_enabled"`
}

type speechPayload struct {
	Voice  string `json:"voice,omitempty"`
	Locale string `json:"locale,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Record writes events for sessionID until events is closed or ctx is done.
// Acknowledgement expiries are not journaled, and symbol labels are dropped
// when the store outlives the session.
func Record(ctx context.Context, store *Store, sessionID string, events <-chan composer.Event, log *slog.Logger) {
	log = log.With(slog.String("component", "journal"), slog.String("session_id", sessionID))
	keepSymbols := store.KeepsSymbols()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			entry, ok := entryFor(sessionID, ev, keepSymbols)
			if !ok {
				continue
			}
			if err := store.Append(ctx, entry); err != nil {
				log.Warn("failed to journal event", slog.String("kind", entry.Kind), slogError(err))
			}
		}
	}
}

func entryFor(sessionID string, ev composer.Event, keepSymbols bool) (Entry, bool) {
	e := Entry{
		SessionID: sessionID,
		Version:   ev.Snapshot.Version,
		CreatedAt: ev.At,
	}
	switch ev.Kind {
	case composer.KindSymbol:
		e.Kind = KindSymbol
		if keepSymbols {
			e.Symbol = ev.Symbol
		}
	case composer.KindEdit, composer.KindIngestion:
		e.Kind = KindEdit
		e.Action = ev.Action
		if ev.Kind == composer.KindIngestion {
			e.Action = "ingestion"
		}
		e.Payload, _ = json.Marshal(editPayload{
			CaretStart: ev.Snapshot.Transcript.CaretStart,
			CaretEnd:   ev.Snapshot.Transcript.CaretEnd,
			Length:     ev.Snapshot.Transcript.Len(),
			Ingestion:  ev.Snapshot.IngestionEnabled,
		})
	case composer.KindSpeech:
		e.Kind = KindSpeech
		e.Outcome = ev.Outcome
		if e.Outcome == "" {
			e.Outcome = "started"
		}
		p := speechPayload{Error: ev.Error}
		if ev.Utterance != nil {
			e.UtteranceID = ev.Utterance.ID
			p.Voice = ev.Utterance.Voice
			p.Locale = ev.Utterance.Locale
		}
		e.Payload, _ = json.Marshal(p)
	default:
		return Entry{}, false
	}
	return e, true
}
