package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/agentworkforce/relaytimeline/internal/config"
	"github.com/agentworkforce/relaytimeline/internal/feedclient"
	"github.com/agentworkforce/relaytimeline/internal/telemetry"
	"github.com/agentworkforce/relaytimeline/internal/timeline"
)

func main() {
	configPath := flag.String("config", envOrDefault("RELAYTIMELINE_FOLLOW_CONFIG", "relaytimeline-follow.yaml"), "YAML follower config")
	storeDSN := flag.String("store", strings.TrimSpace(os.Getenv("RELAYTIMELINE_STORE_DSN")), "store DSN (overrides config)")
	interval := flag.Duration("interval", durationEnv("RELAYTIMELINE_FOLLOW_INTERVAL", 0), "refresh interval (overrides config)")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("RELAYTIMELINE_FOLLOW_INTERVAL_JITTER", -1), "interval jitter ratio (0.0-1.0, overrides config)")
	keep := flag.Int("keep", -1, "retention cap per timeline (overrides config)")
	traceStdout := flag.Bool("trace-stdout", false, "export spans to stdout")
	once := flag.Bool("once", false, "run one round and exit")
	flag.Parse()

	cfg, err := config.LoadFollow(*configPath)
	if err != nil {
		log.Fatalf("failed to load follower config: %v", err)
	}
	if strings.TrimSpace(*storeDSN) != "" {
		cfg.Store = *storeDSN
	}
	if *interval > 0 {
		cfg.Interval = *interval
	}
	if *intervalJitter >= 0 {
		cfg.IntervalJitter = *intervalJitter
	}
	if *keep >= 0 {
		cfg.Retention.Keep = *keep
	}
	cfg.IntervalJitter = clampJitterRatio(cfg.IntervalJitter)
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(rootCtx, telemetry.Config{ServiceName: "relaytimeline-follow", UseStdout: *traceStdout})
	if err != nil {
		log.Fatalf("failed to initialize tracing: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	store, err := timeline.BuildStoreFromDSN(cfg.Store)
	if err != nil {
		log.Fatalf("failed to open store %q: %v", cfg.Store, err)
	}
	defer store.Close()

	fetcher, err := feedclient.NewHTTPClient(cfg.Source.URL, cfg.Source.Token, &http.Client{
		Timeout:   cfg.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	})
	if err != nil {
		log.Fatalf("failed to initialize source client: %v", err)
	}
	engine, err := timeline.NewEngine(timeline.EngineOptions{
		Store:           store,
		Fetcher:         fetcher,
		Logger:          log.Default(),
		DefaultPageSize: cfg.PageSize,
	})
	if err != nil {
		log.Fatalf("failed to initialize engine: %v", err)
	}
	defer engine.Close()
	for _, tl := range cfg.Timelines {
		if err := engine.Register(tl); err != nil {
			log.Fatalf("failed to register timeline %s: %v", tl.Key, err)
		}
	}

	if watcher, ok := store.(timeline.StoreWatcher); ok && !*once {
		go func() {
			if err := watcher.Watch(rootCtx, func() { engine.Republish(rootCtx) }); err != nil {
				log.Printf("store watch stopped: %v", err)
			}
		}()
	}

	follower := &follower{engine: engine, cfg: cfg, logger: log.Default()}
	follower.backfill(rootCtx)
	follower.round(rootCtx)
	if *once {
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(cfg.Interval, cfg.IntervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("follower stopping: %v", rootCtx.Err())
			return
		case <-timer.C:
			follower.round(rootCtx)
			timer.Reset(jitteredIntervalWithSample(cfg.Interval, cfg.IntervalJitter, rng.Float64()))
		}
	}
}

type follower struct {
	engine *timeline.Engine
	cfg    config.Follow
	logger timeline.Logger
}

// round refreshes every timeline once, retrying a failed one first, and
// applies retention afterwards.
func (f *follower) round(ctx context.Context) {
	for _, tl := range f.cfg.Timelines {
		if ctx.Err() != nil {
			return
		}
		state, err := f.engine.State(tl.Key)
		if err != nil {
			f.logger.Printf("timeline %s: %v", tl.Key, err)
			continue
		}
		intent := f.engine.Refresh
		if state.Phase == timeline.PhaseFail {
			intent = f.engine.Retry
		}
		f.wait(ctx, tl.Key, intent)
		if f.cfg.Retention.Keep > 0 {
			removed, err := f.engine.Trim(ctx, tl.Key, f.cfg.Retention.Keep)
			if err != nil {
				f.logger.Printf("timeline %s: trim failed: %v", tl.Key, err)
			} else if removed > 0 {
				f.logger.Printf("timeline %s: retention removed %d entries", tl.Key, removed)
			}
		}
	}
}

// backfill loads up to BackfillPages older pages per timeline, stopping at
// the end of the timeline or on the first failure.
func (f *follower) backfill(ctx context.Context) {
	for _, tl := range f.cfg.Timelines {
		for page := 0; page < f.cfg.BackfillPages; page++ {
			outcome, ok := f.wait(ctx, tl.Key, f.engine.LoadOlder)
			if !ok || outcome.Dropped || outcome.State.Phase != timeline.PhaseIdle {
				break
			}
		}
	}
}

func (f *follower) wait(
	ctx context.Context,
	key timeline.TimelineKey,
	intent func(context.Context, timeline.TimelineKey) *timeline.Pending,
) (timeline.Outcome, bool) {
	waitCtx, cancel := context.WithTimeout(ctx, 2*f.cfg.Timeout)
	defer cancel()
	outcome, err := intent(waitCtx, key).Wait(waitCtx)
	switch {
	case errors.Is(err, context.DeadlineExceeded) && waitCtx.Err() != nil:
		f.logger.Printf("timeline %s: cycle still running after %s", key, 2*f.cfg.Timeout)
		return outcome, false
	case err != nil:
		f.logger.Printf("timeline %s: %s failed: %v", key, outcome.Direction, err)
		return outcome, false
	case outcome.Dropped:
		return outcome, true
	}
	f.logger.Printf("timeline %s: %s inserted=%d updated=%d gap=%t phase=%s",
		key, outcome.Direction, outcome.Result.InsertedCount, outcome.Result.UpdatedCount,
		outcome.Result.GapInserted, outcome.State.Phase)
	return outcome, true
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
