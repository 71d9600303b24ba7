package timeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/agentworkforce/relaytimeline/internal/timeline"

// Fetcher is the network collaborator. Transport timeouts and retries are
// its business; any returned error fails the cycle.
type Fetcher interface {
	Fetch(ctx context.Context, params FetchParams) (FetchResult, error)
}

type FetcherFunc func(ctx context.Context, params FetchParams) (FetchResult, error)

func (f FetcherFunc) Fetch(ctx context.Context, params FetchParams) (FetchResult, error) {
	return f(ctx, params)
}

type Logger interface {
	Printf(format string, args ...any)
}

type TimelineConfig struct {
	Key      TimelineKey `json:"key" yaml:"key"`
	Platform Platform    `json:"platform" yaml:"platform"`
	PageSize int         `json:"pageSize,omitempty" yaml:"page_size,omitempty"`
}

type EngineOptions struct {
	Store           Store
	Fetcher         Fetcher
	Logger          Logger
	Platforms       []PlatformStrategy
	Tracer          trace.Tracer
	DefaultPageSize int
	Now             func() time.Time
}

// Engine coordinates fetch cycles for a set of timelines. Intents are
// accepted or dropped synchronously; accepted cycles run on their own
// goroutine and publish snapshots when they settle.
type Engine struct {
	store     Store
	fetcher   Fetcher
	logger    Logger
	tracer    trace.Tracer
	platforms platformTable
	cursors   *CursorManager
	merger    *Merger
	identity  *IdentityResolver
	hub       *snapshotHub
	pageSize  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	timelines map[TimelineKey]*timelineRuntime
}

type timelineRuntime struct {
	key TimelineKey

	cfg TimelineConfig

	// mu guards state, taskID and cancel.
	mu     sync.Mutex
	state  FetchState
	taskID uint64
	cancel context.CancelFunc

	// mergeMu serialises store writes for the timeline.
	mergeMu sync.Mutex
	// publishMu keeps snapshot publication in read order.
	publishMu sync.Mutex
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	pageSize := opts.DefaultPageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	merger := NewMerger(opts.Store, opts.Platforms...)
	if opts.Now != nil {
		merger.now = opts.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:     opts.Store,
		fetcher:   opts.Fetcher,
		logger:    opts.Logger,
		tracer:    tracer,
		platforms: newPlatformTable(opts.Platforms),
		cursors:   NewCursorManager(opts.Store, opts.Platforms...),
		merger:    merger,
		identity:  NewIdentityResolver(opts.Store, opts.Platforms...),
		hub:       newSnapshotHub(),
		pageSize:  pageSize,
		ctx:       ctx,
		cancel:    cancel,
		timelines: map[TimelineKey]*timelineRuntime{},
	}, nil
}

// Register adds a timeline or updates the configuration of a registered
// one. The fetch state of an existing timeline is kept.
func (e *Engine) Register(cfg TimelineConfig) error {
	cfg.Key = TimelineKey(strings.TrimSpace(string(cfg.Key)))
	if cfg.Key == "" {
		return fmt.Errorf("%w: timeline key is required", ErrInvalidInput)
	}
	cfg.Platform = normalizePlatform(cfg.Platform)
	if _, ok := e.platforms.lookup(cfg.Platform); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPlatform, cfg.Platform)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = e.pageSize
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if rt, ok := e.timelines[cfg.Key]; ok {
		rt.mu.Lock()
		rt.cfg = cfg
		rt.mu.Unlock()
		return nil
	}
	e.timelines[cfg.Key] = &timelineRuntime{key: cfg.Key, cfg: cfg, state: InitialState()}
	return nil
}

func (e *Engine) Timelines() []TimelineConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]TimelineConfig, 0, len(e.timelines))
	for _, rt := range e.timelines {
		rt.mu.Lock()
		out = append(out, rt.cfg)
		rt.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (e *Engine) Refresh(ctx context.Context, key TimelineKey) *Pending {
	return e.dispatch(ctx, key, Event{Kind: EventStart, Direction: DirectionRefresh})
}

func (e *Engine) LoadOlder(ctx context.Context, key TimelineKey) *Pending {
	return e.dispatch(ctx, key, Event{Kind: EventStart, Direction: DirectionLoadOlder})
}

func (e *Engine) Retry(ctx context.Context, key TimelineKey) *Pending {
	return e.dispatch(ctx, key, Event{Kind: EventRetry})
}

func (e *Engine) State(key TimelineKey) (FetchState, error) {
	rt, err := e.runtime(key)
	if err != nil {
		return FetchState{}, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state, nil
}

// Snapshot projects the timeline from the store as it is now.
func (e *Engine) Snapshot(ctx context.Context, key TimelineKey) (Snapshot, error) {
	rt, err := e.runtime(key)
	if err != nil {
		return Snapshot{}, err
	}
	return e.project(ctx, rt)
}

// Record returns the stored record behind ref when the timeline holds an
// entry for it. ref.LocalID is normalised like a fetched id, so a
// platform-native form is accepted. Records of other timelines are reported
// as ErrNotFound.
func (e *Engine) Record(ctx context.Context, key TimelineKey, ref RecordRef) (Record, error) {
	rt, err := e.runtime(key)
	if err != nil {
		return Record{}, err
	}
	canonical, err := e.identity.Resolve(SourceRecord{Platform: ref.Platform, ID: ref.LocalID})
	if err != nil {
		return Record{}, err
	}
	entries, err := e.store.ReadOrdered(ctx, rt.key)
	if err != nil {
		return Record{}, &PersistenceError{Timeline: key, Op: "read_ordered", Err: err}
	}
	held := false
	for _, entry := range entries {
		if !entry.IsGapMarker && entry.Record == canonical {
			held = true
			break
		}
	}
	if !held {
		return Record{}, fmt.Errorf("%w: %s in %s", ErrNotFound, canonical, key)
	}
	rec, ok, err := e.identity.Reify(ctx, canonical)
	if err != nil {
		return Record{}, &PersistenceError{Timeline: key, Op: "get_record", Err: err}
	}
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, canonical)
	}
	return rec, nil
}

// Subscribe returns a channel carrying the latest snapshot of the timeline.
// The current snapshot is delivered immediately. The returned func ends the
// subscription and closes the channel.
func (e *Engine) Subscribe(ctx context.Context, key TimelineKey) (<-chan Snapshot, func(), error) {
	rt, err := e.runtime(key)
	if err != nil {
		return nil, nil, err
	}
	if _, ok := e.hub.current(key); !ok {
		e.publish(ctx, rt)
	}
	_, ch, cancel := e.hub.subscribe(key)
	return ch, cancel, nil
}

// Republish re-projects every registered timeline. It is used after the
// store was changed by something other than this engine.
func (e *Engine) Republish(ctx context.Context) {
	e.mu.RLock()
	runtimes := make([]*timelineRuntime, 0, len(e.timelines))
	for _, rt := range e.timelines {
		runtimes = append(runtimes, rt)
	}
	e.mu.RUnlock()
	for _, rt := range runtimes {
		e.publish(ctx, rt)
	}
}

// Trim applies retention: it keeps the newest keep entries of the timeline.
// A timeline that had reached NoMore becomes Idle again when entries were
// removed, since the removed range can be fetched again.
func (e *Engine) Trim(ctx context.Context, key TimelineKey, keep int) (int, error) {
	rt, err := e.runtime(key)
	if err != nil {
		return 0, err
	}
	rt.mergeMu.Lock()
	removed, err := e.store.Trim(ctx, key, keep)
	rt.mergeMu.Unlock()
	if err != nil {
		return 0, &PersistenceError{Timeline: key, Op: "trim", Err: err}
	}
	if removed > 0 {
		rt.mu.Lock()
		if rt.state.Phase == PhaseNoMore {
			rt.state = FetchState{Phase: PhaseIdle}
		}
		rt.mu.Unlock()
		e.logf("timeline %s: trimmed %d entries", key, removed)
		e.publish(ctx, rt)
	}
	return removed, nil
}

// Close cancels in-flight cycles and waits for them to return.
func (e *Engine) Close() error {
	e.cancel()
	e.wg.Wait()
	return nil
}

func (e *Engine) runtime(key TimelineKey) (*timelineRuntime, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rt, ok := e.timelines[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTimeline, key)
	}
	return rt, nil
}

func (e *Engine) dispatch(ctx context.Context, key TimelineKey, event Event) *Pending {
	rt, err := e.runtime(key)
	if err != nil {
		return settledPending(Outcome{Err: err})
	}
	if err := e.ctx.Err(); err != nil {
		return settledPending(Outcome{Err: err})
	}

	rt.mu.Lock()
	next, effect := Transition(rt.state, event)
	if effect.Kind == EffectNone {
		state := rt.state
		rt.mu.Unlock()
		return settledPending(Outcome{Direction: event.Direction, State: state, Dropped: true})
	}
	if effect.Kind == EffectCancelAndFetch && rt.cancel != nil {
		rt.cancel()
		e.logf("timeline %s: refresh cancelled in-flight %s", key, DirectionLoadOlder)
	}
	rt.taskID++
	taskID := rt.taskID
	runCtx, cancel := context.WithCancel(e.ctx)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		runCtx = trace.ContextWithSpan(runCtx, span)
	}
	rt.cancel = cancel
	rt.state = next
	cfg := rt.cfg
	rt.mu.Unlock()

	e.publish(ctx, rt)

	pending := newPending()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.run(runCtx, rt, cfg, taskID, effect.Direction, pending)
	}()
	return pending
}

func (e *Engine) run(ctx context.Context, rt *timelineRuntime, cfg TimelineConfig, taskID uint64, direction Direction, pending *Pending) {
	ctx, span := e.tracer.Start(ctx, "timeline.cycle", trace.WithAttributes(
		attribute.String("timeline.key", string(cfg.Key)),
		attribute.String("timeline.platform", string(cfg.Platform)),
		attribute.String("timeline.direction", string(direction)),
	))

	result, err := e.cycle(ctx, rt, cfg, direction)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(
			attribute.Int("merge.inserted", result.InsertedCount),
			attribute.Int("merge.updated", result.UpdatedCount),
			attribute.Bool("merge.gap", result.GapInserted),
			attribute.Bool("merge.boundary", result.DidReachKnownBoundary),
		)
	}
	span.End()

	rt.mu.Lock()
	if rt.taskID != taskID {
		state := rt.state
		rt.mu.Unlock()
		pending.settle(Outcome{Direction: direction, State: state, Superseded: true, Err: err})
		return
	}
	rt.cancel = nil
	if e.ctx.Err() != nil {
		state := rt.state
		rt.mu.Unlock()
		pending.settle(Outcome{Direction: direction, State: state, Err: e.ctx.Err()})
		return
	}
	var event Event
	var monotonicity *MonotonicityError
	switch {
	case err == nil:
		event = Event{Kind: EventSucceeded, Direction: direction, ReachedBoundary: result.DidReachKnownBoundary}
	case errors.As(err, &monotonicity):
		event = Event{Kind: EventRejected, Direction: direction}
	default:
		event = Event{Kind: EventFailed, Direction: direction, Err: err}
	}
	rt.state, _ = Transition(rt.state, event)
	state := rt.state
	rt.mu.Unlock()

	switch {
	case monotonicity != nil:
		e.logf("timeline %s: dropped page: %v", cfg.Key, monotonicity)
		err = nil
	case err != nil:
		e.logf("timeline %s: %s failed: %v", cfg.Key, direction, err)
	}
	e.publish(ctx, rt)
	pending.settle(Outcome{Direction: direction, State: state, Result: result, Err: err})
}

func (e *Engine) cycle(ctx context.Context, rt *timelineRuntime, cfg TimelineConfig, direction Direction) (MergeResult, error) {
	params, err := e.cursors.NextRequest(ctx, cfg, direction)
	if err != nil {
		return MergeResult{}, err
	}
	fetchCtx, fetchSpan := e.tracer.Start(ctx, "timeline.fetch", trace.WithAttributes(
		attribute.String("fetch.bound_kind", string(params.BoundKind)),
		attribute.String("fetch.bound", string(params.Bound)),
		attribute.Int("fetch.limit", params.Limit),
		attribute.String("fetch.correlation_id", params.CorrelationID),
	))
	result, err := e.fetcher.Fetch(fetchCtx, params)
	if err != nil {
		fetchSpan.RecordError(err)
		fetchSpan.End()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return MergeResult{}, ctxErr
		}
		return MergeResult{}, &FetchError{Timeline: cfg.Key, Err: err}
	}
	fetchSpan.SetAttributes(attribute.Int("fetch.records", len(result.Records)))
	fetchSpan.End()
	result.Params = params

	rt.mergeMu.Lock()
	defer rt.mergeMu.Unlock()
	mergeCtx, mergeSpan := e.tracer.Start(ctx, "timeline.merge")
	defer mergeSpan.End()
	merged, err := e.merger.Merge(mergeCtx, cfg, result)
	if err != nil {
		mergeSpan.RecordError(err)
		return MergeResult{}, err
	}
	return merged, nil
}

func (e *Engine) project(ctx context.Context, rt *timelineRuntime) (Snapshot, error) {
	key := rt.key
	entries, err := e.store.ReadOrdered(ctx, key)
	if err != nil {
		return Snapshot{}, &PersistenceError{Timeline: key, Op: "read_ordered", Err: err}
	}
	rt.mu.Lock()
	state := rt.state
	rt.mu.Unlock()
	return Project(key, entries, state), nil
}

func (e *Engine) publish(ctx context.Context, rt *timelineRuntime) {
	rt.publishMu.Lock()
	defer rt.publishMu.Unlock()
	// Publication must not be skipped because the cycle that triggered it
	// was cancelled.
	snap, err := e.project(context.WithoutCancel(ctx), rt)
	if err != nil {
		e.logf("timeline %s: project snapshot: %v", rt.key, err)
		return
	}
	e.hub.publish(snap)
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}

// Outcome is how an intent settled. Dropped intents never started a cycle;
// Superseded cycles were replaced by a later intent and did not change the
// fetch state.
type Outcome struct {
	Direction  Direction
	State      FetchState
	Result     MergeResult
	Err        error
	Dropped    bool
	Superseded bool
}

// Pending tracks an intent until its cycle settles.
type Pending struct {
	done    chan struct{}
	outcome Outcome
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func settledPending(outcome Outcome) *Pending {
	p := newPending()
	p.settle(outcome)
	return p
}

func (p *Pending) settle(outcome Outcome) {
	p.outcome = outcome
	close(p.done)
}

func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Dropped reports whether the intent was dropped without starting a cycle.
// It is known as soon as the intent returns.
func (p *Pending) Dropped() bool {
	select {
	case <-p.done:
		return p.outcome.Dropped
	default:
		return false
	}
}

// Wait blocks until the cycle settles or ctx is done. The error is the
// cycle's failure, if any; rejected pages are not failures.
func (p *Pending) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-p.done:
		return p.outcome, p.outcome.Err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
