package feed

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loqalabs/fingerspell/internal/bus"
	"github.com/loqalabs/fingerspell/internal/config"
	"github.com/loqalabs/fingerspell/internal/natsserver"
	"github.com/loqalabs/fingerspell/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestHTTPFeedReadsLabel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"alphabet":"K"}`))
	}))
	defer srv.Close()

	sym, err := NewHTTPFeed(srv.URL, "", srv.Client()).Poll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sym != "K" {
		t.Fatalf("expected K, got %q", sym)
	}
}

func TestHTTPFeedEmptyLabel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"alphabet":""}`))
	}))
	defer srv.Close()

	sym, err := NewHTTPFeed(srv.URL, "alphabet", srv.Client()).Poll(context.Background())
	if err != nil || sym != "" {
		t.Fatalf("expected empty symbol without error, got %q %v", sym, err)
	}
}

func TestHTTPFeedFailures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"Failed to capture frame."}`))
		},
		"malformed": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		},
		"wrong type": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"alphabet": 3}`))
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()
			if _, err := NewHTTPFeed(srv.URL, "", srv.Client()).Poll(context.Background()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestHTTPFeedUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := NewHTTPFeed(url, "", nil).Poll(ctx); err == nil {
		t.Fatal("expected transport error")
	}
}

func TestMockFeedCycles(t *testing.T) {
	f := NewMockFeed([]string{"A", "", "B"})
	var got []Symbol
	for i := 0; i < 4; i++ {
		s, err := f.Poll(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got = append(got, s)
	}
	want := []Symbol{"A", "", "B", "A"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("poll %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestBusFeedRequestReply(t *testing.T) {
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

	sub, err := client.Conn().Subscribe(protocol.SubjectSymbolPoll, func(msg *nats.Msg) {
		var req protocol.SymbolRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return
		}
		data, _ := json.Marshal(protocol.SymbolReply{Symbol: "W"})
		_ = msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sym, err := NewBusFeed(client, "", "session-1").Poll(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if sym != "W" {
		t.Fatalf("expected W, got %q", sym)
	}
}
