package timeline

import (
	"context"
	"fmt"
	"time"
)

// Merger reconciles fetched pages with the store. Callers must serialise
// Merge calls per timeline; the Engine does so with a per-timeline mutex.
type Merger struct {
	store     Store
	identity  *IdentityResolver
	platforms platformTable
	now       func() time.Time
}

func NewMerger(store Store, strategies ...PlatformStrategy) *Merger {
	return &Merger{
		store:     store,
		identity:  NewIdentityResolver(store, strategies...),
		platforms: newPlatformTable(strategies),
		now:       time.Now,
	}
}

type pageItem struct {
	ref    RecordRef
	source SourceRecord
	cursor Cursor
}

// Merge applies one fetched page to cfg's timeline. The page's records,
// entries and the advanced cursor are persisted in one batch; on any error
// nothing is persisted. A *MonotonicityError means the page was rejected.
// Merging a FetchResult a second time, after its first merge moved the
// cursor, is rejected as stale in the same way and changes nothing; a page
// is retried with a fresh request from the CursorManager.
func (m *Merger) Merge(ctx context.Context, cfg TimelineConfig, result FetchResult) (MergeResult, error) {
	params := result.Params
	if !params.Direction.Valid() {
		return MergeResult{}, fmt.Errorf("%w: direction %q", ErrInvalidInput, params.Direction)
	}
	strategy, ok := m.platforms.lookup(cfg.Platform)
	if !ok {
		return MergeResult{}, fmt.Errorf("%w: %q", ErrUnknownPlatform, cfg.Platform)
	}

	items := make([]pageItem, 0, len(result.Records))
	for _, src := range result.Records {
		if src.Platform == "" {
			src.Platform = cfg.Platform
		}
		ref, err := m.identity.Resolve(src)
		if err != nil {
			return MergeResult{}, err
		}
		items = append(items, pageItem{ref: ref, source: src, cursor: src.pageCursor()})
	}
	keys := pageKeys(items, result.Boundary)

	existing, err := m.store.ReadOrdered(ctx, cfg.Key)
	if err != nil {
		return MergeResult{}, &PersistenceError{Timeline: cfg.Key, Op: "read_ordered", Err: err}
	}
	current, err := m.store.LoadCursor(ctx, cfg.Key)
	if err != nil {
		return MergeResult{}, &PersistenceError{Timeline: cfg.Key, Op: "load_cursor", Err: err}
	}
	if err := checkMonotonic(strategy, current, params, keys); err != nil {
		return MergeResult{}, err
	}

	next := advanceCursor(strategy, current, params.Direction, keys)
	next.Generation = current.Generation + 1
	now := m.now().UTC()

	byID := make(map[string]TimelineEntry, len(existing))
	var boundary *TimelineEntry
	maxKey, minKey := SortKey(0), SortKey(0)
	for i, entry := range existing {
		if i == 0 || entry.SortKey > maxKey {
			maxKey = entry.SortKey
		}
		if i == 0 || entry.SortKey < minKey {
			minKey = entry.SortKey
		}
		if entry.IsGapMarker {
			continue
		}
		byID[entry.entryID()] = entry
		if params.Direction == DirectionRefresh && boundary == nil {
			e := existing[i]
			boundary = &e
		}
		if params.Direction == DirectionLoadOlder {
			e := existing[i]
			boundary = &e
		}
	}

	var (
		out      MergeResult
		records  []Record
		updated  []TimelineEntry
		inserted []pageItem
		seen     = map[RecordRef]int{}
		overlap  bool
	)
	for _, item := range items {
		if boundary != nil && item.ref == boundary.Record {
			overlap = true
		}
		rec := Record{
			Ref:       item.ref,
			Cursor:    item.cursor,
			Timestamp: item.source.Timestamp,
			Payload:   item.source.Payload,
			UpdatedAt: now,
		}
		if idx, dup := seen[item.ref]; dup {
			// Same record twice in one page: refresh the content, keep the
			// position of the first occurrence.
			records[idx] = rec
			out.UpdatedCount++
			continue
		}
		seen[item.ref] = len(records)
		records = append(records, rec)

		entryID := TimelineEntry{Record: item.ref}.entryID()
		entry, exists := byID[entryID]
		if exists && !m.rekeyOnRefresh(strategy, params.Direction, current, item.cursor) {
			entry.Timestamp = item.source.Timestamp
			entry.UpdatedAt = now
			updated = append(updated, entry)
			out.UpdatedCount++
			continue
		}
		inserted = append(inserted, item)
		out.InsertedCount++
	}

	gap := len(inserted) > 0 && boundary != nil && !overlap && !strategy.ProvesAdjacency(params, result)

	entries := make([]TimelineEntry, 0, len(updated)+len(inserted)+1)
	entries = append(entries, updated...)
	n := SortKey(len(inserted))
	for i, item := range inserted {
		var key SortKey
		if params.Direction == DirectionRefresh {
			key = maxKey + sortKeyStep*(n-SortKey(i))
		} else {
			key = minKey - sortKeyStep*SortKey(i+1)
		}
		entries = append(entries, TimelineEntry{
			Timeline:   cfg.Key,
			Record:     item.ref,
			SortKey:    key,
			SourcePage: next.Generation,
			Cursor:     item.cursor,
			Timestamp:  item.source.Timestamp,
			UpdatedAt:  now,
		})
	}
	if gap {
		key := minKey - 1
		if params.Direction == DirectionRefresh {
			key = maxKey + 1
		}
		entries = append(entries, TimelineEntry{
			Timeline:    cfg.Key,
			SortKey:     key,
			SourcePage:  next.Generation,
			IsGapMarker: true,
			UpdatedAt:   now,
		})
		out.GapInserted = true
	}
	if !gap {
		out.DidReachKnownBoundary = len(items) == 0 || result.Boundary.Exhausted
	}

	// A cancelled fetch must not commit anything.
	if err := ctx.Err(); err != nil {
		return MergeResult{}, err
	}
	batch := PageBatch{Timeline: cfg.Key, Records: records, Entries: entries, Cursor: next}
	if err := m.store.Apply(ctx, batch); err != nil {
		return MergeResult{}, &PersistenceError{Timeline: cfg.Key, Op: "apply", Err: err}
	}
	return out, nil
}

// rekeyOnRefresh reports whether an already persisted record should move to
// its fetched position: only during a refresh, and only when it is strictly
// newer than the newest key committed before this page.
func (m *Merger) rekeyOnRefresh(strategy PlatformStrategy, direction Direction, current TimelineCursor, cursor Cursor) bool {
	if direction != DirectionRefresh || current.NewestKey == "" || cursor == "" {
		return false
	}
	cmp, ok := strategy.Compare(cursor, current.NewestKey)
	return ok && cmp > 0
}

// pageKeys lists the cursors a page covers, newest first.
func pageKeys(items []pageItem, boundary BoundaryCursors) []Cursor {
	keys := make([]Cursor, 0, len(items)+2)
	if boundary.Newer != "" {
		keys = append(keys, boundary.Newer)
	}
	for _, item := range items {
		if item.cursor != "" {
			keys = append(keys, item.cursor)
		}
	}
	if boundary.Older != "" {
		keys = append(keys, boundary.Older)
	}
	return keys
}
