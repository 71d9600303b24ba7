package timeline

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

type Platform string

const (
	PlatformTwitter  Platform = "twitter"
	PlatformMastodon Platform = "mastodon"
	PlatformFeed     Platform = "feed"
)

type TimelineKey string

type Cursor string

// RecordRef is the stable identity of a record across timelines. It is a
// value type; equality is by (Platform, LocalID).
type RecordRef struct {
	Platform Platform `json:"platform"`
	LocalID  string   `json:"localId"`
}

func (r RecordRef) String() string {
	return string(r.Platform) + ":" + r.LocalID
}

// SortKey orders entries within one timeline. Higher values are newer.
type SortKey int64

const sortKeyStep SortKey = 2

type Direction string

const (
	DirectionRefresh   Direction = "refresh"
	DirectionLoadOlder Direction = "load_older"
)

func (d Direction) Valid() bool {
	return d == DirectionRefresh || d == DirectionLoadOlder
}

type TimelineEntry struct {
	Timeline    TimelineKey `json:"timeline"`
	Record      RecordRef   `json:"record"`
	SortKey     SortKey     `json:"sortKey"`
	SourcePage  int64       `json:"sourcePage"`
	IsGapMarker bool        `json:"isGapMarker,omitempty"`
	Cursor      Cursor      `json:"cursor,omitempty"`
	Timestamp   time.Time   `json:"timestamp,omitempty"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// entryID is the store identity of an entry row. Gap markers have no record
// so they are keyed by their sort key.
func (e TimelineEntry) entryID() string {
	if e.IsGapMarker {
		return "gap:" + strconv.FormatInt(int64(e.SortKey), 10)
	}
	return "rec:" + e.Record.String()
}

// Record is the reified entity behind a RecordRef.
type Record struct {
	Ref       RecordRef       `json:"ref"`
	Cursor    Cursor          `json:"cursor,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type TimelineCursor struct {
	NewestKey  Cursor `json:"newestKey,omitempty"`
	OldestKey  Cursor `json:"oldestKey,omitempty"`
	Generation int64  `json:"generation"`
}

func (c TimelineCursor) Empty() bool {
	return c.NewestKey == "" && c.OldestKey == ""
}

// SourceRecord is one item as delivered by a platform, before identity
// resolution.
type SourceRecord struct {
	Platform  Platform        `json:"platform"`
	ID        string          `json:"id"`
	ReblogOf  string          `json:"reblogOf,omitempty"`
	Cursor    Cursor          `json:"cursor,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// pageCursor is the pagination position of a record. Platforms that do not
// send an explicit cursor paginate by the record id.
func (r SourceRecord) pageCursor() Cursor {
	if c := Cursor(strings.TrimSpace(string(r.Cursor))); c != "" {
		return c
	}
	return Cursor(strings.TrimSpace(r.ID))
}

type BoundaryCursors struct {
	Newer     Cursor `json:"newer,omitempty"`
	Older     Cursor `json:"older,omitempty"`
	Exhausted bool   `json:"exhausted,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

type FetchResult struct {
	Params   FetchParams
	Records  []SourceRecord
	Boundary BoundaryCursors
}

type BoundKind string

const (
	BoundNone         BoundKind = ""
	BoundSince        BoundKind = "since"
	BoundMin          BoundKind = "min"
	BoundMaxInclusive BoundKind = "max_inclusive"
	BoundMaxExclusive BoundKind = "max_exclusive"
	BoundPageToken    BoundKind = "page_token"
)

type FetchParams struct {
	Timeline      TimelineKey `json:"timeline"`
	Platform      Platform    `json:"platform"`
	Direction     Direction   `json:"direction"`
	BoundKind     BoundKind   `json:"boundKind,omitempty"`
	Bound         Cursor      `json:"bound,omitempty"`
	Limit         int         `json:"limit"`
	FirstPage     bool        `json:"firstPage,omitempty"`
	CorrelationID string      `json:"correlationId,omitempty"`

	// anchor is the committed cursor the request was computed from. It is
	// compared against the cursor at merge time to detect stale responses.
	anchor Cursor
}

type MergeResult struct {
	InsertedCount         int  `json:"insertedCount"`
	UpdatedCount          int  `json:"updatedCount"`
	GapInserted           bool `json:"gapInserted"`
	DidReachKnownBoundary bool `json:"didReachKnownBoundary"`
}
