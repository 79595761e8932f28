package presence

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/fingerspell/internal/bus"
	"github.com/loqalabs/fingerspell/internal/config"
	"github.com/loqalabs/fingerspell/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connect(t *testing.T) *bus.Client {
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
	return client
}

func newRegistry(t *testing.T, client *bus.Client, id, role string, caps ...Capability) *Registry {
	t.Helper()
	reg, err := NewRegistry(context.Background(), Options{
		NodeID:            id,
		Role:              role,
		Capabilities:      caps,
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  5 * time.Second,
	}, client, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(reg.Close)
	return reg
}

func TestRegistryDiscoversPeers(t *testing.T) {
	client := connect(t)
	composerNode := newRegistry(t, client, "composer-1", "composer", Capability{Name: "composer"})
	if !composerNode.Healthy() {
		t.Fatal("expected node to be healthy after announcing")
	}
	newRegistry(t, client, "classifier-1", "classifier", Capability{Name: "feed", Attributes: map[string]string{"mode": "bus"}})

	deadline := time.Now().Add(2 * time.Second)
	for {
		feeds := composerNode.Query(WithCapability("feed"))
		if len(feeds) == 1 && feeds[0].ID == "classifier-1" && feeds[0].Role == "classifier" {
			if feeds[0].Capabilities[0].Attributes["mode"] != "bus" {
				t.Fatalf("unexpected capability attributes %+v", feeds[0].Capabilities)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("composer never discovered the classifier, known: %+v", composerNode.Query(nil))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStalePeerBecomesUnhealthy(t *testing.T) {
	client := connect(t)
	reg := newRegistry(t, client, "composer-1", "composer")

	reg.updateNode("ghost", "classifier", []Capability{{Name: "feed"}}, time.Now().Add(-time.Hour))
	reg.evaluateHealth(time.Now())

	for _, n := range reg.Query(nil) {
		switch n.ID {
		case "ghost":
			if n.Healthy {
				t.Fatal("expected stale peer to be unhealthy")
			}
		case "composer-1":
			if !n.Healthy {
				t.Fatal("expected self to stay healthy")
			}
		}
	}
}
