package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

type unprovenStrategy struct {
	TwitterStrategy
}

func (unprovenStrategy) ProvesAdjacency(FetchParams, FetchResult) bool { return false }

type failingApplyStore struct {
	*MemoryStore
	err error
}

func (s *failingApplyStore) Apply(ctx context.Context, batch PageBatch) error {
	return s.err
}

func sourceRecords(platform Platform, ids ...string) []SourceRecord {
	out := make([]SourceRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, SourceRecord{
			Platform: platform,
			ID:       id,
			Payload:  json.RawMessage(fmt.Sprintf(`{"id":%q}`, id)),
		})
	}
	return out
}

func requestFor(t *testing.T, store Store, cfg TimelineConfig, direction Direction, strategies ...PlatformStrategy) FetchParams {
	t.Helper()
	params, err := NewCursorManager(store, strategies...).NextRequest(context.Background(), cfg, direction)
	if err != nil {
		t.Fatalf("next request failed: %v", err)
	}
	return params
}

func mergePage(t *testing.T, m *Merger, store Store, cfg TimelineConfig, direction Direction, records []SourceRecord, boundary BoundaryCursors) MergeResult {
	t.Helper()
	params := requestFor(t, store, cfg, direction, tablePlatforms(m)...)
	result, err := m.Merge(context.Background(), cfg, FetchResult{Params: params, Records: records, Boundary: boundary})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	return result
}

func tablePlatforms(m *Merger) []PlatformStrategy {
	out := make([]PlatformStrategy, 0, len(m.platforms))
	for _, strategy := range m.platforms {
		out = append(out, strategy)
	}
	return out
}

func readIDs(t *testing.T, store Store, timeline TimelineKey) []string {
	t.Helper()
	entries, err := store.ReadOrdered(context.Background(), timeline)
	if err != nil {
		t.Fatalf("read ordered failed: %v", err)
	}
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsGapMarker {
			out = append(out, "gap")
			continue
		}
		out = append(out, entry.Record.LocalID)
	}
	return out
}

func assertIDs(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func assertStrictlyDecreasing(t *testing.T, store Store, timeline TimelineKey) {
	t.Helper()
	entries, err := store.ReadOrdered(context.Background(), timeline)
	if err != nil {
		t.Fatalf("read ordered failed: %v", err)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].SortKey >= entries[i-1].SortKey {
			t.Fatalf("expected strictly decreasing sort keys, got %d then %d", entries[i-1].SortKey, entries[i].SortKey)
		}
	}
}

func TestMergeFirstPageSeedsCursorWithoutGap(t *testing.T) {
	store := NewMemoryStore()
	merger := NewMerger(store)
	cfg := TimelineConfig{Key: "home", Platform: PlatformTwitter, PageSize: 20}

	result := mergePage(t, merger, store, cfg, DirectionLoadOlder, sourceRecords(PlatformTwitter, "30", "29", "28"), BoundaryCursors{})
	if result.InsertedCount != 3 || result.UpdatedCount != 0 {
		t.Fatalf("expected 3 inserts, got %+v", result)
	}
	if result.GapInserted {
		t.Fatalf("expected no gap on the first page")
	}
	if result.DidReachKnownBoundary {
		t.Fatalf("expected a non-empty page not to reach the boundary")
	}
	assertIDs(t, readIDs(t, store, "home"), "30", "29", "28")
	assertStrictlyDecreasing(t, store, "home")

	cursor, err := store.LoadCursor(context.Background(), "home")
	if err != nil {
		t.Fatalf("load cursor failed: %v", err)
	}
	if cursor.NewestKey != "30" || cursor.OldestKey != "28" || cursor.Generation != 1 {
		t.Fatalf("unexpected cursor: %+v", cursor)
	}
}

func TestMergeLoadOlderPlacesPageBelowExistingEntries(t *testing.T) {
	store := NewMemoryStore()
	merger := NewMerger(store)
	cfg := TimelineConfig{Key: "home", Platform: PlatformMastodon, PageSize: 20}

	mergePage(t, merger, store, cfg, DirectionLoadOlder, sourceRecords(PlatformMastodon, "30", "29", "28"), BoundaryCursors{})
	params := requestFor(t, store, cfg, DirectionLoadOlder)
	if params.BoundKind != BoundMaxExclusive || params.Bound != "28" {
		t.Fatalf("expected exclusive max_id 28, got %s %q", params.BoundKind, params.Bound)
	}
	result := mergePage(t, merger, store, cfg, DirectionLoadOlder, sourceRecords(PlatformMastodon, "27", "25"), BoundaryCursors{})
	if result.GapInserted {
		t.Fatalf("expected max_id paging to prove adjacency")
	}
	assertIDs(t, readIDs(t, store, "home"), "30", "29", "28", "27", "25")
	assertStrictlyDecreasing(t, store, "home")
}

func TestMergeEmptyPageReachesBoundary(t *testing.T) {
	store := NewMemoryStore()
	merger := NewMerger(store)
	cfg := TimelineConfig{Key: "home", Platform: PlatformMastodon}

	mergePage(t, merger, store, cfg, DirectionLoadOlder, sourceRecords(PlatformMastodon, "30"), BoundaryCursors{})
	result := mergePage(t, merger, store, cfg, DirectionLoadOlder, nil, BoundaryCursors{})
	if !result.DidReachKnownBoundary {
		t.Fatalf("expected an empty older page to reach the boundary")
	}
	result = mergePage(t, merger, store, cfg, DirectionRefresh, nil, BoundaryCursors{})
	if !result.DidReachKnownBoundary {
		t.Fatalf("expected an empty refresh page to reach the newest boundary")
	}
	if result.InsertedCount != 0 || result.GapInserted {
		t.Fatalf("expected an empty refresh to change nothing, got %+v", result)
	}
}

func TestMergeExhaustedPageReachesBoundary(t *testing.T) {
	store := NewMemoryStore()
	merger := NewMerger(store)
	cfg := TimelineConfig{Key: "home", Platform: PlatformFeed}

	result := mergePage(t, merger, store, cfg, DirectionLoadOlder, sourceRecords(PlatformFeed, "a"), BoundaryCursors{Exhausted: true})
	if !result.DidReachKnownBoundary || result.InsertedCount != 1 {
		t.Fatalf("expected insert and boundary, got %+v", result)
	}
}

func TestMergeGapCorrectnessForOlderPages(t *testing.T) {
	store := NewMemoryStore()
	merger := NewMerger(store, unprovenStrategy{})
	cfg := TimelineConfig{Key: "home", Platform: PlatformTwitter}

	mergePage(t, merger, store, cfg, DirectionLoadOlder, sourceRecords(PlatformTwitter, "30", "29", "28"), BoundaryCursors{})

	result := mergePage(t, merger, store, cfg, DirectionLoadOlder, sourceRecords(PlatformTwitter, "28", "27", "26"), BoundaryCursors{})
	if result.GapInserted {
		t.Fatalf("expected overlap with the oldest record to prove adjacency")
	}
	if result.InsertedCount != 2 || result.UpdatedCount != 1 {
		t.Fatalf("expected 2 inserts and 1 update, got %+v", result)
	}
	assertIDs(t, readIDs(t, store, "home"), "30", "29", "28", "27", "26")

	result = mergePage(t, merger, store, cfg, DirectionLoadOlder, sourceRecords(PlatformTwitter, "20", "19"), BoundaryCursors{})
	if !result.GapInserted {
		t.Fatalf("expected a gap when adjacency cannot be proven")
	}
	if result.DidReachKnownBoundary {
		t.Fatalf("expected a gap to prevent the boundary from being reached")
	}
	assertIDs(t, readIDs(t, store, "home"), "30", "29", "28", "27", "26", "gap", "20", "19")
	assertStrictlyDecreasing(t, store, "home")
}

func TestMergeRefreshSinceIDJoinsOnlyByOverlap(t *testing.T) {
	store := NewMemoryStore()
	merger := NewMerger(store)
	cfg := TimelineConfig{Key: "home", Platform: PlatformTwitter, PageSize: 20}

	mergePage(t, merger, store, cfg, DirectionLoadOlder, sourceRecords(PlatformTwitter, "30", "29"), BoundaryCursors{})

	params := requestFor(t, store, cfg, DirectionRefresh)
	if params.BoundKind != BoundSince || params.Bound != "29" {
		t.Fatalf("expected since_id one below the newest key, got %s %q", params.BoundKind, params.Bound)
	}
	// The source also holds 31..43; a short page without the newest known
	// record proves nothing.
	result, err := merger.Merge(context.Background(), cfg, FetchResult{Params: params, Records: sourceRecords(PlatformTwitter, "45", "44")})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if !result.GapInserted || result.InsertedCount != 2 {
		t.Fatalf("expected a gap above 30 for a short page without overlap, got %+v", result)
	}

	result = mergePage(t, merger, store, cfg, DirectionRefresh, sourceRecords(PlatformTwitter, "47", "46", "45"), BoundaryCursors{})
	if result.GapInserted {
		t.Fatalf("expected the page containing 45 to join without a gap")
	}
	if result.InsertedCount != 2 || result.UpdatedCount != 1 {
		t.Fatalf("expected 2 inserts and 1 update, got %+v", result)
	}
	assertIDs(t, readIDs(t, store, "home"), "47", "46", "45", "44", "gap", "30", "29")
	assertStrictlyDecreasing(t, store, "home")

	cursor, err := store.LoadCursor(context.Background(), "home")
	if err != nil {
		t.Fatalf("load cursor failed: %v", err)
	}
	if cursor.NewestKey != "47" || cursor.OldestKey != "29" {
		t.Fatalf("unexpected cursor: %+v", cursor)
	}
}

func TestMergeDedupAcrossOverlappingPages(t *testing.T) {
	store := NewMemoryStore()
	merger := NewMerger(store)
	cfg := TimelineConfig{Key: "home", Platform: PlatformFeed}

	pages := []struct {
		direction Direction
		ids       []string
	}{
		{DirectionRefresh, []string{"e", "d", "c"}},
		{DirectionLoadOlder, []string{"c", "b", "a"}},
		{DirectionRefresh, []string{"g", "f", "e", "d"}},
		{DirectionRefresh, []string{"g", "f", "e"}},
		{DirectionLoadOlder, []string{"b", "a"}},
	}
	for _, page := range pages {
		mergePage(t, merger, store, cfg, page.direction, sourceRecords(PlatformFeed, page.ids...), BoundaryCursors{})
	}
	entries, err := store.ReadOrdered(context.Background(), "home")
	if err != nil {
		t.Fatalf("read ordered failed: %v", err)
	}
	seen := map[RecordRef]bool{}
	for _, entry := range entries {
		if entry.IsGapMarker {
			continue
		}
		if seen[entry.Record] {
			t.Fatalf("expected one entry per record, found %s twice", entry.Record)
		}
		seen[entry.Record] = true
	}
	if len(seen) != 7 {
		t.Fatalf("expected 7 distinct records, got %d", len(seen))
	}
	assertStrictlyDecreasing(t, store, "home")
}

func TestMergeIdenticalPageTwiceIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	merger := NewMerger(store)
	cfg := TimelineConfig{Key: "home", Platform: PlatformTwitter}
	records := sourceRecords(PlatformTwitter, "30", "29", "28")

	mergePage(t, merger, store, cfg, DirectionRefresh, records, BoundaryCursors{})
	before, err := store.ReadOrdered(context.Background(), "home")
	if err != nil {
		t.Fatalf("read ordered failed: %v", err)
	}

	result := mergePage(t, merger, store, cfg, DirectionRefresh, records, BoundaryCursors{})
	if result.InsertedCount != 0 {
		t.Fatalf("expected no inserts on the second application, got %d", result.InsertedCount)
	}
	if result.GapInserted {
		t.Fatalf("expected no gap on the second application")
	}
	after, err := store.ReadOrdered(context.Background(), "home")
	if err != nil {
		t.Fatalf("read ordered failed: %v", err)
	}
	if len(before) != len(after) {
		t.Fatalf("expected %d entries, got %d", len(before), len(after))
	}
	for i := range before {
		if before[i].Record != after[i].Record || before[i].SortKey != after[i].SortKey {
			t.Fatalf("expected entry %d unchanged, got %+v vs %+v", i, before[i], after[i])
		}
	}
}

func TestMergeDuplicateInPageAndBoostUpdateInPlace(t *testing.T) {
	store := NewMemoryStore()
	merger := NewMerger(store)
	cfg := TimelineConfig{Key: "home", Platform: PlatformMastodon}

	records := []SourceRecord{
		{Platform: PlatformMastodon, ID: "10", Payload: json.RawMessage(`{"v":1}`)},
		{Platform: PlatformMastodon, ID: "12", ReblogOf: "10", Payload: json.RawMessage(`{"v":2}`)},
		{Platform: PlatformMastodon, ID: "9"},
	}
	result := mergePage(t, merger, store, cfg, DirectionRefresh, records, BoundaryCursors{})
	if result.InsertedCount != 2 || result.UpdatedCount != 1 {
		t.Fatalf("expected 2 inserts and 1 update, got %+v", result)
	}
	assertIDs(t, readIDs(t, store, "home"), "10", "9")

	rec, ok, err := NewIdentityResolver(store).Reify(context.Background(), RecordRef{Platform: PlatformMastodon, LocalID: "10"})
	if err != nil || !ok {
		t.Fatalf("expected record 10 to be stored, ok=%v err=%v", ok, err)
	}
	if string(rec.Payload) != `{"v":2}` {
		t.Fatalf("expected the later occurrence to win, got %s", rec.Payload)
	}
}

func TestMergeRefreshRekeysEntryNewerThanNewestKey(t *testing.T) {
	store := NewMemoryStore()
	now := time.Unix(1700000000, 0).UTC()
	seed := PageBatch{
		Timeline: "home",
		Entries: []TimelineEntry{
			{Timeline: "home", Record: RecordRef{Platform: PlatformTwitter, LocalID: "40"}, SortKey: 8, Cursor: "40", UpdatedAt: now},
			{Timeline: "home", Record: RecordRef{Platform: PlatformTwitter, LocalID: "30"}, SortKey: 6, Cursor: "30", UpdatedAt: now},
			{Timeline: "home", Record: RecordRef{Platform: PlatformTwitter, LocalID: "50"}, SortKey: 4, Cursor: "50", UpdatedAt: now},
		},
		Cursor: TimelineCursor{NewestKey: "40", OldestKey: "30", Generation: 3},
	}
	if err := store.Apply(context.Background(), seed); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	merger := NewMerger(store)
	cfg := TimelineConfig{Key: "home", Platform: PlatformTwitter}

	result := mergePage(t, merger, store, cfg, DirectionRefresh, sourceRecords(PlatformTwitter, "55", "50", "40"), BoundaryCursors{})
	if result.InsertedCount != 2 || result.UpdatedCount != 1 {
		t.Fatalf("expected 2 inserts and 1 update, got %+v", result)
	}
	assertIDs(t, readIDs(t, store, "home"), "55", "50", "40", "30")
}

func TestMergeRejectsStaleRequest(t *testing.T) {
	store := NewMemoryStore()
	merger := NewMerger(store)
	cfg := TimelineConfig{Key: "home", Platform: PlatformMastodon}

	mergePage(t, merger, store, cfg, DirectionRefresh, sourceRecords(PlatformMastodon, "30", "29"), BoundaryCursors{})
	stale := requestFor(t, store, cfg, DirectionRefresh)
	mergePage(t, merger, store, cfg, DirectionRefresh, sourceRecords(PlatformMastodon, "31"), BoundaryCursors{})
	cursorBefore, _ := store.LoadCursor(context.Background(), "home")

	_, err := merger.Merge(context.Background(), cfg, FetchResult{Params: stale, Records: sourceRecords(PlatformMastodon, "33", "32")})
	if !errors.Is(err, ErrMonotonicity) {
		t.Fatalf("expected monotonicity violation, got %v", err)
	}
	assertIDs(t, readIDs(t, store, "home"), "31", "30", "29")
	cursorAfter, _ := store.LoadCursor(context.Background(), "home")
	if cursorAfter != cursorBefore {
		t.Fatalf("expected cursor unchanged, got %+v vs %+v", cursorAfter, cursorBefore)
	}
}

func TestMergeReplayedResultIsRejectedWithoutChanges(t *testing.T) {
	store := NewMemoryStore()
	merger := NewMerger(store)
	cfg := TimelineConfig{Key: "home", Platform: PlatformMastodon}

	mergePage(t, merger, store, cfg, DirectionRefresh, sourceRecords(PlatformMastodon, "30", "29"), BoundaryCursors{})
	fetched := FetchResult{Params: requestFor(t, store, cfg, DirectionRefresh), Records: sourceRecords(PlatformMastodon, "32", "31")}
	if _, err := merger.Merge(context.Background(), cfg, fetched); err != nil {
		t.Fatalf("first merge failed: %v", err)
	}
	cursorBefore, _ := store.LoadCursor(context.Background(), "home")

	_, err := merger.Merge(context.Background(), cfg, fetched)
	var violation *MonotonicityError
	if !errors.As(err, &violation) {
		t.Fatalf("expected monotonicity error on replay, got %v", err)
	}
	if violation.Committed != "32" || violation.Observed != "30" {
		t.Fatalf("expected stale anchor 30 against 32, got %+v", violation)
	}
	assertIDs(t, readIDs(t, store, "home"), "32", "31", "30", "29")
	cursorAfter, _ := store.LoadCursor(context.Background(), "home")
	if cursorAfter != cursorBefore {
		t.Fatalf("expected cursor unchanged, got %+v vs %+v", cursorAfter, cursorBefore)
	}
}

func TestMergeRejectsOlderPageOnWrongSide(t *testing.T) {
	store := NewMemoryStore()
	merger := NewMerger(store)
	cfg := TimelineConfig{Key: "home", Platform: PlatformTwitter}

	mergePage(t, merger, store, cfg, DirectionLoadOlder, sourceRecords(PlatformTwitter, "30", "29", "28"), BoundaryCursors{})
	params := requestFor(t, store, cfg, DirectionLoadOlder)
	_, err := merger.Merge(context.Background(), cfg, FetchResult{Params: params, Records: sourceRecords(PlatformTwitter, "40", "39")})
	var violation *MonotonicityError
	if !errors.As(err, &violation) {
		t.Fatalf("expected monotonicity error, got %v", err)
	}
	if violation.Committed != "28" || violation.Observed != "39" {
		t.Fatalf("unexpected violation details: %+v", violation)
	}
	assertIDs(t, readIDs(t, store, "home"), "30", "29", "28")
}

func TestMergePersistenceFailureCommitsNothing(t *testing.T) {
	mem := NewMemoryStore()
	store := &failingApplyStore{MemoryStore: mem, err: errors.New("disk full")}
	merger := NewMerger(store)
	cfg := TimelineConfig{Key: "home", Platform: PlatformTwitter}

	params := requestFor(t, store, cfg, DirectionRefresh)
	_, err := merger.Merge(context.Background(), cfg, FetchResult{Params: params, Records: sourceRecords(PlatformTwitter, "3", "2")})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if ids := readIDs(t, mem, "home"); len(ids) != 0 {
		t.Fatalf("expected nothing persisted, got %v", ids)
	}
	cursor, _ := mem.LoadCursor(context.Background(), "home")
	if !cursor.Empty() {
		t.Fatalf("expected cursor untouched, got %+v", cursor)
	}
	// The page is retried from the same cursor.
	retry := requestFor(t, store, cfg, DirectionRefresh)
	if !retry.FirstPage || retry.Bound != params.Bound {
		t.Fatalf("expected the retry to reuse the unadvanced cursor, got %+v", retry)
	}
}

func TestMergeCancelledContextCommitsNothing(t *testing.T) {
	store := NewMemoryStore()
	merger := NewMerger(store)
	cfg := TimelineConfig{Key: "home", Platform: PlatformTwitter}

	params := requestFor(t, store, cfg, DirectionLoadOlder)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := merger.Merge(ctx, cfg, FetchResult{Params: params, Records: sourceRecords(PlatformTwitter, "3", "2")})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if ids := readIDs(t, store, "home"); len(ids) != 0 {
		t.Fatalf("expected nothing persisted, got %v", ids)
	}
}

func TestMergeUnknownPlatformRecordFailsWholePage(t *testing.T) {
	store := NewMemoryStore()
	merger := NewMerger(store)
	cfg := TimelineConfig{Key: "home", Platform: PlatformTwitter}

	params := requestFor(t, store, cfg, DirectionRefresh)
	records := []SourceRecord{{Platform: PlatformTwitter, ID: "5"}, {Platform: "myspace", ID: "1"}}
	_, err := merger.Merge(context.Background(), cfg, FetchResult{Params: params, Records: records})
	if !errors.Is(err, ErrUnknownPlatform) {
		t.Fatalf("expected unknown platform, got %v", err)
	}
	if ids := readIDs(t, store, "home"); len(ids) != 0 {
		t.Fatalf("expected nothing persisted, got %v", ids)
	}
}
