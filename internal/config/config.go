package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/relaytimeline/internal/timeline"
)

// Follow is the configuration of the headless follower.
type Follow struct {
	Store          string                    `yaml:"store"`
	Source         SourceConfig              `yaml:"source"`
	Interval       time.Duration             `yaml:"interval"`
	IntervalJitter float64                   `yaml:"interval_jitter"`
	Timeout        time.Duration             `yaml:"timeout"`
	PageSize       int                       `yaml:"page_size"`
	Retention      RetentionConfig           `yaml:"retention"`
	BackfillPages  int                       `yaml:"backfill_pages"`
	Timelines      []timeline.TimelineConfig `yaml:"timelines"`
}

type SourceConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// RetentionConfig caps each timeline at Keep entries after every round.
// Zero disables trimming.
type RetentionConfig struct {
	Keep int `yaml:"keep"`
}

func Defaults() Follow {
	return Follow{
		Store:          "memory://",
		Source:         SourceConfig{URL: "http://127.0.0.1:8080"},
		Interval:       30 * time.Second,
		IntervalJitter: 0.2,
		Timeout:        15 * time.Second,
	}
}

// LoadFollow reads a YAML file over the defaults. The source token may be
// supplied by RELAYTIMELINE_SOURCE_TOKEN instead of the file.
func LoadFollow(path string) (Follow, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return Follow{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Follow{}, fmt.Errorf("parse config: %w", err)
	}
	if token := strings.TrimSpace(os.Getenv("RELAYTIMELINE_SOURCE_TOKEN")); token != "" {
		cfg.Source.Token = token
	}
	if err := cfg.Validate(); err != nil {
		return Follow{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c Follow) Validate() error {
	if len(c.Timelines) == 0 {
		return fmt.Errorf("at least one timeline is required")
	}
	seen := map[timeline.TimelineKey]struct{}{}
	for i, tl := range c.Timelines {
		key := timeline.TimelineKey(strings.TrimSpace(string(tl.Key)))
		if key == "" {
			return fmt.Errorf("timelines[%d]: key is required", i)
		}
		if strings.TrimSpace(string(tl.Platform)) == "" {
			return fmt.Errorf("timeline %s: platform is required", key)
		}
		if _, ok := seen[key]; ok {
			return fmt.Errorf("timeline %s: duplicate key", key)
		}
		seen[key] = struct{}{}
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if c.Retention.Keep < 0 {
		return fmt.Errorf("retention.keep must not be negative")
	}
	if c.BackfillPages < 0 {
		return fmt.Errorf("backfill_pages must not be negative")
	}
	return nil
}

// ParseTimelineList parses the compact env form
// "home=twitter,local=mastodon:40" where the optional suffix is the page
// size.
func ParseTimelineList(raw string) ([]timeline.TimelineConfig, error) {
	var out []timeline.TimelineConfig
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key, rest, ok := strings.Cut(item, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid timeline %q: expected key=platform", item)
		}
		platform, size, hasSize := strings.Cut(rest, ":")
		platform = strings.TrimSpace(platform)
		if platform == "" {
			return nil, fmt.Errorf("invalid timeline %q: platform is required", item)
		}
		cfg := timeline.TimelineConfig{Key: timeline.TimelineKey(key), Platform: timeline.Platform(platform)}
		if hasSize {
			pageSize, err := strconv.Atoi(strings.TrimSpace(size))
			if err != nil || pageSize <= 0 {
				return nil, fmt.Errorf("invalid timeline %q: page size must be a positive integer", item)
			}
			cfg.PageSize = pageSize
		}
		out = append(out, cfg)
	}
	return out, nil
}
