package timeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

const defaultPageSize = 20

// CursorManager turns committed cursors into fetch requests and advances
// them after a page is accepted.
type CursorManager struct {
	store     Store
	platforms platformTable
}

func NewCursorManager(store Store, strategies ...PlatformStrategy) *CursorManager {
	return &CursorManager{store: store, platforms: newPlatformTable(strategies)}
}

// NextRequest computes the parameters of the next fetch for direction. When
// no bound can be derived (cold start, or a refresh on a platform without
// comparable cursors) a FirstPage request is returned.
func (m *CursorManager) NextRequest(ctx context.Context, cfg TimelineConfig, direction Direction) (FetchParams, error) {
	if !direction.Valid() {
		return FetchParams{}, fmt.Errorf("%w: direction %q", ErrInvalidInput, direction)
	}
	strategy, ok := m.platforms.lookup(cfg.Platform)
	if !ok {
		return FetchParams{}, fmt.Errorf("%w: %q", ErrUnknownPlatform, cfg.Platform)
	}
	cursor, err := m.store.LoadCursor(ctx, cfg.Key)
	if err != nil {
		return FetchParams{}, &PersistenceError{Timeline: cfg.Key, Op: "load_cursor", Err: err}
	}
	return buildRequest(strategy, cfg, direction, cursor), nil
}

func buildRequest(strategy PlatformStrategy, cfg TimelineConfig, direction Direction, cursor TimelineCursor) FetchParams {
	kind, bound := strategy.Bound(direction, cursor)
	limit := cfg.PageSize
	if limit <= 0 {
		limit = defaultPageSize
	}
	return FetchParams{
		Timeline:      cfg.Key,
		Platform:      strategy.Platform(),
		Direction:     direction,
		BoundKind:     kind,
		Bound:         bound,
		Limit:         limit,
		FirstPage:     kind == BoundNone,
		CorrelationID: uuid.NewString(),
		anchor:        anchorOf(cursor, direction),
	}
}

// Commit advances the stored cursor with the keys of a page fetched in
// direction. Committing the same keys again leaves the cursor where it is.
func (m *CursorManager) Commit(ctx context.Context, cfg TimelineConfig, direction Direction, keys []Cursor) (TimelineCursor, error) {
	if len(keys) == 0 {
		return TimelineCursor{}, fmt.Errorf("%w: commit without keys", ErrInvalidInput)
	}
	strategy, ok := m.platforms.lookup(cfg.Platform)
	if !ok {
		return TimelineCursor{}, fmt.Errorf("%w: %q", ErrUnknownPlatform, cfg.Platform)
	}
	current, err := m.store.LoadCursor(ctx, cfg.Key)
	if err != nil {
		return TimelineCursor{}, &PersistenceError{Timeline: cfg.Key, Op: "load_cursor", Err: err}
	}
	next := advanceCursor(strategy, current, direction, keys)
	if next == current {
		return current, nil
	}
	next.Generation = current.Generation + 1
	if err := m.store.Apply(ctx, PageBatch{Timeline: cfg.Key, Cursor: next}); err != nil {
		return TimelineCursor{}, &PersistenceError{Timeline: cfg.Key, Op: "commit_cursor", Err: err}
	}
	return next, nil
}

func anchorOf(cursor TimelineCursor, direction Direction) Cursor {
	if direction == DirectionLoadOlder {
		return cursor.OldestKey
	}
	return cursor.NewestKey
}

// pageBounds returns the newest and oldest of keys. Platforms with opaque
// cursors fall back to delivery order: first is newest, last is oldest.
func pageBounds(strategy PlatformStrategy, keys []Cursor) (newest, oldest Cursor, comparable bool) {
	if len(keys) == 0 {
		return "", "", false
	}
	newest, oldest = keys[0], keys[len(keys)-1]
	maxKey, minKey := keys[0], keys[0]
	for _, key := range keys[1:] {
		cmp, ok := strategy.Compare(key, maxKey)
		if !ok {
			return newest, oldest, false
		}
		if cmp > 0 {
			maxKey = key
		}
		if cmp, _ = strategy.Compare(key, minKey); cmp < 0 {
			minKey = key
		}
	}
	if len(keys) == 1 {
		if _, ok := strategy.Compare(keys[0], keys[0]); !ok {
			return newest, oldest, false
		}
	}
	return maxKey, minKey, true
}

// advanceCursor moves oldestKey older on LoadOlder and newestKey newer on
// Refresh. An empty cursor is seeded from the page regardless of direction.
// Generation is left to the caller.
func advanceCursor(strategy PlatformStrategy, current TimelineCursor, direction Direction, keys []Cursor) TimelineCursor {
	newest, oldest, comparable := pageBounds(strategy, keys)
	if newest == "" && oldest == "" {
		return current
	}
	next := current
	if next.NewestKey == "" {
		next.NewestKey = newest
	} else if direction == DirectionRefresh {
		if !comparable {
			next.NewestKey = newest
		} else if cmp, ok := strategy.Compare(newest, next.NewestKey); ok && cmp > 0 {
			next.NewestKey = newest
		}
	}
	if next.OldestKey == "" {
		next.OldestKey = oldest
	} else if direction == DirectionLoadOlder {
		if !comparable {
			next.OldestKey = oldest
		} else if cmp, ok := strategy.Compare(oldest, next.OldestKey); ok && cmp < 0 {
			next.OldestKey = oldest
		}
	}
	return next
}

// checkMonotonic rejects a page that answers a request computed from a
// cursor that has since moved, or whose comparable keys lie on the wrong
// side of the committed boundary.
func checkMonotonic(strategy PlatformStrategy, current TimelineCursor, params FetchParams, keys []Cursor) error {
	committed := anchorOf(current, params.Direction)
	if params.anchor != committed {
		return &MonotonicityError{
			Timeline:  params.Timeline,
			Direction: params.Direction,
			Committed: committed,
			Observed:  params.anchor,
			Reason:    "request was computed from a stale cursor",
		}
	}
	if committed == "" {
		return nil
	}
	newest, oldest, comparable := pageBounds(strategy, keys)
	if !comparable {
		return nil
	}
	switch params.Direction {
	case DirectionRefresh:
		if cmp, _ := strategy.Compare(newest, committed); cmp < 0 {
			return &MonotonicityError{
				Timeline:  params.Timeline,
				Direction: params.Direction,
				Committed: committed,
				Observed:  newest,
				Reason:    "refresh page is older than the newest committed key",
			}
		}
	case DirectionLoadOlder:
		if cmp, _ := strategy.Compare(oldest, committed); cmp > 0 {
			return &MonotonicityError{
				Timeline:  params.Timeline,
				Direction: params.Direction,
				Committed: committed,
				Observed:  oldest,
				Reason:    "older page is newer than the oldest committed key",
			}
		}
	}
	return nil
}
