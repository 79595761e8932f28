package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Ingest.IntervalMS != 1000 {
		t.Fatalf("expected default interval 1000ms, got %d", cfg.Ingest.IntervalMS)
	}
	if cfg.Ack.TTLMS != 800 {
		t.Fatalf("expected default ack ttl 800ms, got %d", cfg.Ack.TTLMS)
	}
	if cfg.Speech.Locale != "en-US" {
		t.Fatalf("expected default locale en-US, got %q", cfg.Speech.Locale)
	}
	if len(cfg.Speech.PreferredVoices) != 2 || cfg.Speech.PreferredVoices[0] != "Google US English" {
		t.Fatalf("unexpected preferred voices %v", cfg.Speech.PreferredVoices)
	}
	if cfg.Journal.RetentionMode != "ephemeral" {
		t.Fatalf("expected ephemeral journal by default, got %q", cfg.Journal.RetentionMode)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fingerspell.yaml")
	data := []byte(`
feed:
  mode: mock
  script: ["H", "", "I"]
ingest:
  interval_ms: 250
speech:
  mode: mock
  preferred_voices: ["Samantha"]
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Feed.Mode != "mock" || len(cfg.Feed.Script) != 3 || cfg.Feed.Script[1] != "" {
		t.Fatalf("unexpected feed config %+v", cfg.Feed)
	}
	if cfg.Ingest.IntervalMS != 250 {
		t.Fatalf("expected interval 250, got %d", cfg.Ingest.IntervalMS)
	}
	if len(cfg.Speech.PreferredVoices) != 1 || cfg.Speech.PreferredVoices[0] != "Samantha" {
		t.Fatalf("unexpected preferred voices %v", cfg.Speech.PreferredVoices)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FINGERSPELL_BUS_ENABLED", "true")
	t.Setenv("FINGERSPELL_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("FINGERSPELL_BUS_USERNAME", "alice")
	t.Setenv("FINGERSPELL_BUS_PASSWORD", "secret")
	t.Setenv("FINGERSPELL_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("FINGERSPELL_FEED_MODE", "bus")
	t.Setenv("FINGERSPELL_FEED_SUBJECT", "classifier.poll")
	t.Setenv("FINGERSPELL_INGEST_INTERVAL_MS", "500")
	t.Setenv("FINGERSPELL_INGEST_ENABLED", "false")
	t.Setenv("FINGERSPELL_ACK_TTL_MS", "1200")
	t.Setenv("FINGERSPELL_SPEECH_PREFERRED_VOICES", "Alex, Daniel")
	t.Setenv("FINGERSPELL_JOURNAL_RETENTION_MODE", "persistent")
	t.Setenv("FINGERSPELL_JOURNAL_PATH", "./tmp.db")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Feed.Mode != "bus" || cfg.Feed.Subject != "classifier.poll" {
		t.Fatalf("expected feed override, got %+v", cfg.Feed)
	}
	if cfg.Ingest.IntervalMS != 500 || cfg.Ingest.Enabled {
		t.Fatalf("expected ingest override, got %+v", cfg.Ingest)
	}
	if cfg.Ack.TTLMS != 1200 {
		t.Fatalf("expected ack ttl override")
	}
	if len(cfg.Speech.PreferredVoices) != 2 || cfg.Speech.PreferredVoices[1] != "Daniel" {
		t.Fatalf("expected preferred voices override, got %v", cfg.Speech.PreferredVoices)
	}
	if cfg.Journal.RetentionMode != "persistent" || cfg.Journal.Path != "./tmp.db" {
		t.Fatalf("expected journal override")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown feed mode":     func(c *Config) { c.Feed.Mode = "carrier-pigeon" },
		"bus feed without bus":  func(c *Config) { c.Feed.Mode = "bus" },
		"zero interval":         func(c *Config) { c.Ingest.IntervalMS = 0 },
		"zero ack ttl":          func(c *Config) { c.Ack.TTLMS = 0 },
		"exec without command":  func(c *Config) { c.Speech.Mode = "exec" },
		"wav sink without dir":  func(c *Config) { c.Speech.Sink = "wav" },
		"bad retention":         func(c *Config) { c.Journal.RetentionMode = "forever" },
		"publisher without topic": func(c *Config) {
			c.Publisher.Enabled = true
			c.Publisher.Topic = ""
		},
		"presence timeout below interval": func(c *Config) {
			c.Bus.Enabled = true
			c.Presence.HeartbeatTimeoutMS = 10
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(&cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
