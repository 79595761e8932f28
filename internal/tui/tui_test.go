package tui

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/loqalabs/fingerspell/internal/composer"
	"github.com/loqalabs/fingerspell/internal/feed"
	"github.com/loqalabs/fingerspell/internal/ingest"
	"github.com/loqalabs/fingerspell/internal/speech"
)

func newComposer(t *testing.T) *composer.Controller {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	sched := ingest.New(feed.NewMockFeed([]string{""}), ingest.Options{Interval: time.Hour}, log)
	sp := speech.NewController(context.Background(), nil, nil, speech.Options{}, log)
	c := composer.New(sched, sp, time.Second, log)
	t.Cleanup(c.Close)
	return c
}

func press(t *testing.T, m model, keys ...tea.KeyMsg) model {
	t.Helper()
	for _, k := range keys {
		next, _ := m.Update(k)
		m = next.(model)
	}
	return m
}

func runes(s string) tea.KeyMsg { return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)} }

func TestKeysEditTranscript(t *testing.T) {
	c := newComposer(t)
	m := newModel(c, make(chan composer.Event))

	m = press(t, m, runes("H"), runes("I"), tea.KeyMsg{Type: tea.KeySpace}, runes("Y"))
	if got := m.snap.Transcript.Text; got != "HI Y" {
		t.Fatalf("expected HI Y, got %q", got)
	}
	m = press(t, m, tea.KeyMsg{Type: tea.KeyBackspace})
	if got := m.snap.Transcript; got.Text != "HI " || got.CaretStart != 3 {
		t.Fatalf("unexpected state after backspace %+v", got)
	}
	m = press(t, m, tea.KeyMsg{Type: tea.KeyLeft}, tea.KeyMsg{Type: tea.KeyLeft}, tea.KeyMsg{Type: tea.KeyShiftLeft})
	if got := m.snap.Transcript; got.CaretStart != 0 || got.CaretEnd != 1 {
		t.Fatalf("expected selection of first rune, got %+v", got)
	}
	m = press(t, m, tea.KeyMsg{Type: tea.KeyDelete})
	if got := c.Snapshot().Transcript.Text; got != "I " {
		t.Fatalf("expected selection deleted, got %q", got)
	}
	m = press(t, m, tea.KeyMsg{Type: tea.KeyCtrlT})
	if !m.snap.IngestionEnabled {
		t.Fatal("expected ctrl+t to enable ingestion")
	}
	m = press(t, m, tea.KeyMsg{Type: tea.KeyCtrlL})
	if m.snap.Transcript.Text != "" {
		t.Fatalf("expected cleared transcript, got %q", m.snap.Transcript.Text)
	}
}

func TestQuitKeys(t *testing.T) {
	m := newModel(newComposer(t), make(chan composer.Event))
	for _, k := range []tea.KeyMsg{{Type: tea.KeyEsc}, {Type: tea.KeyCtrlC}} {
		_, cmd := m.Update(k)
		if cmd == nil {
			t.Fatalf("expected quit command for %s", k)
		}
		if _, ok := cmd().(tea.QuitMsg); !ok {
			t.Fatalf("expected quit for %s", k)
		}
	}
}

func TestEventsRefreshView(t *testing.T) {
	c := newComposer(t)
	events, cancel := c.Subscribe()
	defer cancel()
	m := newModel(c, events)

	c.OnSymbolIngested("A")
	msg := waitForEvent(events)()
	next, cmd := m.Update(msg)
	m = next.(model)
	if cmd == nil {
		t.Fatal("expected to keep waiting for events")
	}
	view := m.View()
	if !strings.Contains(view, "A") || !strings.Contains(view, "✓ A") {
		t.Fatalf("expected transcript and acknowledgement in view:\n%s", view)
	}
	if !strings.Contains(view, "paused") {
		t.Fatalf("expected paused ingestion in view:\n%s", view)
	}
}

func TestStaleEventIgnored(t *testing.T) {
	c := newComposer(t)
	m := newModel(c, make(chan composer.Event))
	m = press(t, m, runes("AB"))
	next, _ := m.Update(eventMsg(composer.Event{Kind: composer.KindEdit, Snapshot: composer.Snapshot{Version: 0}}))
	if got := next.(model).snap.Transcript.Text; got != "AB" {
		t.Fatalf("expected stale event ignored, got %q", got)
	}
}
