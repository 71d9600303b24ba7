package timeline

import (
	"strconv"
	"strings"
)

// PlatformStrategy holds the platform-specific cursor arithmetic. Merge
// logic stays platform agnostic and consults the strategy for ordering,
// request bounds and contiguity proofs.
type PlatformStrategy interface {
	Platform() Platform
	// NormalizeID maps a platform-native id to its canonical local form.
	NormalizeID(id string) string
	// Compare orders two cursors (newer > older). ok is false when the
	// platform's cursors are opaque.
	Compare(a, b Cursor) (cmp int, ok bool)
	// Bound computes the request bound for direction from the committed
	// cursor. An empty cursor yields BoundNone (first page).
	Bound(direction Direction, cursor TimelineCursor) (BoundKind, Cursor)
	// ProvesAdjacency reports whether result, answering params, is known to
	// continue directly from the record the request was bounded by.
	ProvesAdjacency(params FetchParams, result FetchResult) bool
}

func DefaultPlatforms() []PlatformStrategy {
	return []PlatformStrategy{
		TwitterStrategy{},
		MastodonStrategy{},
		FeedStrategy{},
	}
}

type platformTable map[Platform]PlatformStrategy

func newPlatformTable(strategies []PlatformStrategy) platformTable {
	table := platformTable{}
	for _, strategy := range DefaultPlatforms() {
		table[strategy.Platform()] = strategy
	}
	for _, strategy := range strategies {
		if strategy == nil {
			continue
		}
		table[normalizePlatform(strategy.Platform())] = strategy
	}
	return table
}

func (t platformTable) lookup(platform Platform) (PlatformStrategy, bool) {
	strategy, ok := t[normalizePlatform(platform)]
	return strategy, ok
}

func normalizePlatform(platform Platform) Platform {
	return Platform(strings.ToLower(strings.TrimSpace(string(platform))))
}

// TwitterStrategy models descending snowflake ids with an inclusive max_id
// and a since_id that returns the newest items above the bound. Refreshes ask
// for one id below the newest key so that a page without skipped records
// contains the newest known record and joins by overlap.
type TwitterStrategy struct{}

func (TwitterStrategy) Platform() Platform { return PlatformTwitter }

func (TwitterStrategy) NormalizeID(id string) string { return normalizeNumericID(id) }

func (TwitterStrategy) Compare(a, b Cursor) (int, bool) { return compareNumeric(a, b) }

func (TwitterStrategy) Bound(direction Direction, cursor TimelineCursor) (BoundKind, Cursor) {
	switch direction {
	case DirectionRefresh:
		if cursor.NewestKey == "" {
			return BoundNone, ""
		}
		if prev, ok := decrementNumeric(cursor.NewestKey); ok {
			return BoundSince, prev
		}
		return BoundSince, cursor.NewestKey
	case DirectionLoadOlder:
		if cursor.OldestKey == "" {
			return BoundNone, ""
		}
		if prev, ok := decrementNumeric(cursor.OldestKey); ok {
			return BoundMaxInclusive, prev
		}
		return BoundMaxExclusive, cursor.OldestKey
	}
	return BoundNone, ""
}

// ProvesAdjacency trusts max_id paging only. A since_id page is filtered
// after count is applied, so even a short page may have skipped records.
func (TwitterStrategy) ProvesAdjacency(params FetchParams, _ FetchResult) bool {
	switch params.BoundKind {
	case BoundMaxInclusive, BoundMaxExclusive:
		return true
	}
	return false
}

// MastodonStrategy models exclusive max_id paging and min_id refreshes,
// which return the records immediately above the bound.
type MastodonStrategy struct{}

func (MastodonStrategy) Platform() Platform { return PlatformMastodon }

func (MastodonStrategy) NormalizeID(id string) string { return normalizeNumericID(id) }

func (MastodonStrategy) Compare(a, b Cursor) (int, bool) { return compareNumeric(a, b) }

func (MastodonStrategy) Bound(direction Direction, cursor TimelineCursor) (BoundKind, Cursor) {
	switch direction {
	case DirectionRefresh:
		if cursor.NewestKey == "" {
			return BoundNone, ""
		}
		return BoundMin, cursor.NewestKey
	case DirectionLoadOlder:
		if cursor.OldestKey == "" {
			return BoundNone, ""
		}
		return BoundMaxExclusive, cursor.OldestKey
	}
	return BoundNone, ""
}

func (MastodonStrategy) ProvesAdjacency(params FetchParams, result FetchResult) bool {
	switch params.BoundKind {
	case BoundMin, BoundMaxExclusive:
		return true
	}
	return false
}

// FeedStrategy covers sources that only hand out opaque page tokens. Order
// comes from page arrival. An older page fetched with the token of the
// current oldest position continues it; refreshes are first pages and can
// only be joined to existing content by overlap.
type FeedStrategy struct{}

func (FeedStrategy) Platform() Platform { return PlatformFeed }

func (FeedStrategy) NormalizeID(id string) string { return strings.TrimSpace(id) }

func (FeedStrategy) Compare(a, b Cursor) (int, bool) { return 0, false }

func (FeedStrategy) Bound(direction Direction, cursor TimelineCursor) (BoundKind, Cursor) {
	if direction == DirectionLoadOlder && cursor.OldestKey != "" {
		return BoundPageToken, cursor.OldestKey
	}
	return BoundNone, ""
}

func (FeedStrategy) ProvesAdjacency(params FetchParams, _ FetchResult) bool {
	return params.BoundKind == BoundPageToken
}

func normalizeNumericID(id string) string {
	id = strings.TrimSpace(id)
	if !isDecimal(id) {
		return id
	}
	trimmed := strings.TrimLeft(id, "0")
	if trimmed == "" {
		return "0"
	}
	return trimmed
}

func compareNumeric(a, b Cursor) (int, bool) {
	left := normalizeNumericID(string(a))
	right := normalizeNumericID(string(b))
	if !isDecimal(left) || !isDecimal(right) {
		return 0, false
	}
	switch {
	case len(left) != len(right):
		if len(left) < len(right) {
			return -1, true
		}
		return 1, true
	case left < right:
		return -1, true
	case left > right:
		return 1, true
	}
	return 0, true
}

func decrementNumeric(c Cursor) (Cursor, bool) {
	value, err := strconv.ParseUint(normalizeNumericID(string(c)), 10, 64)
	if err != nil || value == 0 {
		return "", false
	}
	return Cursor(strconv.FormatUint(value-1, 10)), true
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
