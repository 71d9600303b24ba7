package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/agentworkforce/relaytimeline/internal/config"
	"github.com/agentworkforce/relaytimeline/internal/feedclient"
	"github.com/agentworkforce/relaytimeline/internal/httpapi"
	"github.com/agentworkforce/relaytimeline/internal/telemetry"
	"github.com/agentworkforce/relaytimeline/internal/timeline"
)

func main() {
	addr := os.Getenv("RELAYTIMELINE_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(rootCtx, telemetry.Config{
		ServiceName: "relaytimeline",
		UseStdout:   boolEnv("RELAYTIMELINE_TRACE_STDOUT", false),
	})
	if err != nil {
		log.Fatalf("failed to initialize tracing: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	store, err := buildStoreFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize timeline store: %v", err)
	}
	defer store.Close()

	fetcher, err := feedclient.NewHTTPClient(
		os.Getenv("RELAYTIMELINE_SOURCE_URL"),
		os.Getenv("RELAYTIMELINE_SOURCE_TOKEN"),
		&http.Client{
			Timeout:   durationEnv("RELAYTIMELINE_FETCH_TIMEOUT", 15*time.Second),
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	)
	if err != nil {
		log.Fatalf("failed to initialize source client: %v", err)
	}

	engine, err := timeline.NewEngine(timeline.EngineOptions{
		Store:           store,
		Fetcher:         fetcher,
		Logger:          log.Default(),
		DefaultPageSize: intEnv("RELAYTIMELINE_PAGE_SIZE", 0),
	})
	if err != nil {
		log.Fatalf("failed to initialize engine: %v", err)
	}
	defer engine.Close()

	timelines, err := config.ParseTimelineList(os.Getenv("RELAYTIMELINE_TIMELINES"))
	if err != nil {
		log.Fatalf("invalid RELAYTIMELINE_TIMELINES: %v", err)
	}
	for _, cfg := range timelines {
		if err := engine.Register(cfg); err != nil {
			log.Fatalf("failed to register timeline %s: %v", cfg.Key, err)
		}
	}

	if watcher, ok := store.(timeline.StoreWatcher); ok {
		go func() {
			err := watcher.Watch(rootCtx, func() {
				log.Printf("timeline store changed externally, republishing snapshots")
				engine.Republish(rootCtx)
			})
			if err != nil {
				log.Printf("store watch stopped: %v", err)
			}
		}()
	}

	server := httpapi.NewServerWithConfig(engine, httpapi.ServerConfig{
		JWTSecret:         os.Getenv("RELAYTIMELINE_JWT_SECRET"),
		RateLimitMax:      intEnv("RELAYTIMELINE_RATE_LIMIT_MAX", 0),
		RateLimitWindow:   durationEnv("RELAYTIMELINE_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:      int64Env("RELAYTIMELINE_MAX_BODY_BYTES", 0),
		IntentWaitTimeout: durationEnv("RELAYTIMELINE_INTENT_WAIT_TIMEOUT", 30*time.Second),
		AllowedOrigins:    listEnv("RELAYTIMELINE_ALLOWED_ORIGINS"),
		Logger:            log.Default(),
	})
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(server, "relaytimeline.http"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-rootCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctx)
	}()

	log.Printf("relaytimeline listening on %s (%d timelines)", addr, len(timelines))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
	log.Printf("relaytimeline stopping: %v", rootCtx.Err())
}

func buildStoreFromEnv() (timeline.Store, error) {
	profileDSN, err := storeProfileDefaultFromEnv()
	if err != nil {
		return nil, err
	}
	storeDSN := strings.TrimSpace(os.Getenv("RELAYTIMELINE_STORE_DSN"))
	storeFile := strings.TrimSpace(os.Getenv("RELAYTIMELINE_STATE_FILE"))
	switch {
	case storeDSN != "":
		return timeline.BuildStoreFromDSN(storeDSN)
	case storeFile != "":
		return timeline.BuildStoreFromDSN(storeFile)
	case profileDSN != "":
		return timeline.BuildStoreFromDSN(profileDSN)
	default:
		return timeline.NewMemoryStore(), nil
	}
}

func storeProfileDefaultFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("RELAYTIMELINE_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("RELAYTIMELINE_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".relaytimeline"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("RELAYTIMELINE_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("RELAYTIMELINE_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", fmt.Errorf("RELAYTIMELINE_PRODUCTION_DSN or RELAYTIMELINE_POSTGRES_DSN is required when RELAYTIMELINE_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "timelines.json"), nil
	case "embedded", "sqlite":
		return "sqlite:file:" + filepath.Join(dataDir, "timelines.sqlite") + "?_pragma=busy_timeout(5000)", nil
	default:
		return "", fmt.Errorf("unsupported RELAYTIMELINE_BACKEND_PROFILE: %s", profile)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
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

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func listEnv(name string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(name), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
