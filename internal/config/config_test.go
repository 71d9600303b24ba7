package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relaytimeline/internal/timeline"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "follow.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFollow(t *testing.T) {
	t.Setenv("RELAYTIMELINE_SOURCE_TOKEN", "")
	path := writeConfig(t, `
store: sqlite:file:timelines.sqlite
source:
  url: https://gateway.example
  token: secret
interval: 45s
timeout: 5s
retention:
  keep: 200
backfill_pages: 2
timelines:
  - key: home
    platform: twitter
    page_size: 40
  - key: local
    platform: mastodon
`)
	cfg, err := LoadFollow(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Store != "sqlite:file:timelines.sqlite" {
		t.Fatalf("expected sqlite store, got %s", cfg.Store)
	}
	if cfg.Interval != 45*time.Second || cfg.Timeout != 5*time.Second {
		t.Fatalf("expected 45s/5s, got %s/%s", cfg.Interval, cfg.Timeout)
	}
	if cfg.IntervalJitter != 0.2 {
		t.Fatalf("expected default jitter 0.2, got %f", cfg.IntervalJitter)
	}
	if cfg.Retention.Keep != 200 || cfg.BackfillPages != 2 {
		t.Fatalf("unexpected retention/backfill: %+v", cfg)
	}
	if len(cfg.Timelines) != 2 {
		t.Fatalf("expected 2 timelines, got %d", len(cfg.Timelines))
	}
	if cfg.Timelines[0].Key != "home" || cfg.Timelines[0].Platform != timeline.PlatformTwitter || cfg.Timelines[0].PageSize != 40 {
		t.Fatalf("unexpected first timeline: %+v", cfg.Timelines[0])
	}
	if cfg.Source.Token != "secret" {
		t.Fatalf("expected token from file, got %q", cfg.Source.Token)
	}
}

func TestLoadFollowTokenFromEnv(t *testing.T) {
	t.Setenv("RELAYTIMELINE_SOURCE_TOKEN", "from-env")
	path := writeConfig(t, "timelines:\n  - key: home\n    platform: feed\n")
	cfg, err := LoadFollow(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Source.Token != "from-env" {
		t.Fatalf("expected env token, got %q", cfg.Source.Token)
	}
	if cfg.Store != "memory://" {
		t.Fatalf("expected default store, got %s", cfg.Store)
	}
}

func TestLoadFollowRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"no timelines":  "interval: 10s\n",
		"missing key":   "timelines:\n  - platform: feed\n",
		"duplicate key": "timelines:\n  - key: a\n    platform: feed\n  - key: a\n    platform: feed\n",
		"negative keep": "retention:\n  keep: -1\ntimelines:\n  - key: a\n    platform: feed\n",
		"bad yaml":      "timelines: [\n",
	}
	for name, body := range cases {
		if _, err := LoadFollow(writeConfig(t, body)); err == nil {
			t.Fatalf("expected error for %s", name)
		}
	}
	if _, err := LoadFollow(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestParseTimelineList(t *testing.T) {
	got, err := ParseTimelineList(" home=twitter, local=mastodon:40 ,")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 timelines, got %d", len(got))
	}
	if got[1].Key != "local" || got[1].Platform != timeline.PlatformMastodon || got[1].PageSize != 40 {
		t.Fatalf("unexpected second timeline: %+v", got[1])
	}

	for _, raw := range []string{"home", "=twitter", "home=", "home=twitter:zero"} {
		if _, err := ParseTimelineList(raw); err == nil || !strings.Contains(err.Error(), "invalid timeline") {
			t.Fatalf("expected invalid timeline error for %q, got %v", raw, err)
		}
	}
}
