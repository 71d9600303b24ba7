package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Store is the persistent-store collaborator. Every call is atomic; Apply
// persists a whole page (records, entries and cursor) or nothing.
type Store interface {
	ReadOrdered(ctx context.Context, timeline TimelineKey) ([]TimelineEntry, error)
	LoadCursor(ctx context.Context, timeline TimelineKey) (TimelineCursor, error)
	GetRecord(ctx context.Context, ref RecordRef) (Record, error)
	Apply(ctx context.Context, batch PageBatch) error
	Trim(ctx context.Context, timeline TimelineKey, keep int) (int, error)
	Close() error
}

// StoreWatcher is implemented by stores that can notice changes made by
// other processes (for example an external retention job).
type StoreWatcher interface {
	Watch(ctx context.Context, onChange func()) error
}

type PageBatch struct {
	Timeline TimelineKey
	Records  []Record
	Entries  []TimelineEntry
	Cursor   TimelineCursor
}

func (b PageBatch) validate() error {
	if strings.TrimSpace(string(b.Timeline)) == "" {
		return fmt.Errorf("%w: empty timeline key", ErrInvalidInput)
	}
	for _, rec := range b.Records {
		if rec.Ref.Platform == "" || rec.Ref.LocalID == "" {
			return fmt.Errorf("%w: record without identity", ErrInvalidInput)
		}
	}
	for _, entry := range b.Entries {
		if entry.Timeline != b.Timeline {
			return fmt.Errorf("%w: entry for %s in batch for %s", ErrInvalidInput, entry.Timeline, b.Timeline)
		}
		if !entry.IsGapMarker && (entry.Record.Platform == "" || entry.Record.LocalID == "") {
			return fmt.Errorf("%w: entry without record", ErrInvalidInput)
		}
	}
	return nil
}

// sortEntries orders entries newest first.
func sortEntries(entries []TimelineEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].SortKey > entries[j].SortKey
	})
}

// trimEntries returns the entries that fall outside the newest keep non-gap
// entries, plus gap markers that would be left dangling below the kept range.
func trimEntries(ordered []TimelineEntry, keep int) []TimelineEntry {
	if keep < 0 {
		keep = 0
	}
	kept := 0
	cut := len(ordered)
	for i, entry := range ordered {
		if entry.IsGapMarker {
			continue
		}
		if kept == keep {
			cut = i
			break
		}
		kept++
	}
	if cut == len(ordered) {
		return nil
	}
	// A gap directly above the cut no longer separates two ranges.
	for cut > 0 && ordered[cut-1].IsGapMarker {
		cut--
	}
	removed := make([]TimelineEntry, len(ordered)-cut)
	copy(removed, ordered[cut:])
	return removed
}

type timelineRows struct {
	Cursor  TimelineCursor           `json:"cursor"`
	Entries map[string]TimelineEntry `json:"entries"`
}

type persistedState struct {
	Timelines map[TimelineKey]*timelineRows `json:"timelines"`
	Records   map[string]Record             `json:"records"`
}

func newPersistedState() *persistedState {
	return &persistedState{
		Timelines: map[TimelineKey]*timelineRows{},
		Records:   map[string]Record{},
	}
}

func (s *persistedState) ensure() {
	if s.Timelines == nil {
		s.Timelines = map[TimelineKey]*timelineRows{}
	}
	if s.Records == nil {
		s.Records = map[string]Record{}
	}
	for _, rows := range s.Timelines {
		if rows.Entries == nil {
			rows.Entries = map[string]TimelineEntry{}
		}
	}
}

func (s *persistedState) clone() (*persistedState, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	out := newPersistedState()
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	out.ensure()
	return out, nil
}

func (s *persistedState) apply(batch PageBatch) {
	rows, ok := s.Timelines[batch.Timeline]
	if !ok {
		rows = &timelineRows{Entries: map[string]TimelineEntry{}}
		s.Timelines[batch.Timeline] = rows
	}
	for _, rec := range batch.Records {
		s.Records[rec.Ref.String()] = rec
	}
	for _, entry := range batch.Entries {
		rows.Entries[entry.entryID()] = entry
	}
	rows.Cursor = batch.Cursor
}

func (s *persistedState) ordered(timeline TimelineKey) []TimelineEntry {
	rows, ok := s.Timelines[timeline]
	if !ok {
		return nil
	}
	out := make([]TimelineEntry, 0, len(rows.Entries))
	for _, entry := range rows.Entries {
		out = append(out, entry)
	}
	sortEntries(out)
	return out
}

func (s *persistedState) trim(timeline TimelineKey, keep int) int {
	rows, ok := s.Timelines[timeline]
	if !ok {
		return 0
	}
	removed := trimEntries(s.ordered(timeline), keep)
	for _, entry := range removed {
		delete(rows.Entries, entry.entryID())
	}
	if len(removed) > 0 {
		rows.Cursor = cursorAfterTrim(rows.Cursor, s.ordered(timeline))
	}
	return len(removed)
}

// cursorAfterTrim pulls the oldest cursor back to the oldest kept entry so
// that the next LoadOlder refetches what retention removed.
func cursorAfterTrim(cursor TimelineCursor, kept []TimelineEntry) TimelineCursor {
	for i := len(kept) - 1; i >= 0; i-- {
		if kept[i].IsGapMarker || kept[i].Cursor == "" {
			continue
		}
		cursor.OldestKey = kept[i].Cursor
		return cursor
	}
	return TimelineCursor{Generation: cursor.Generation}
}

// MemoryStore keeps everything in process. Reads copy under a read lock so a
// projection never observes a half-applied page.
type MemoryStore struct {
	mu    sync.RWMutex
	state *persistedState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newPersistedState()}
}

func (s *MemoryStore) ReadOrdered(ctx context.Context, timeline TimelineKey) ([]TimelineEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ordered(timeline), nil
}

func (s *MemoryStore) LoadCursor(ctx context.Context, timeline TimelineKey) (TimelineCursor, error) {
	if err := ctx.Err(); err != nil {
		return TimelineCursor{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, ok := s.state.Timelines[timeline]
	if !ok {
		return TimelineCursor{}, nil
	}
	return rows.Cursor, nil
}

func (s *MemoryStore) GetRecord(ctx context.Context, ref RecordRef) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.state.Records[ref.String()]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Apply(ctx context.Context, batch PageBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := batch.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.apply(batch)
	return nil
}

func (s *MemoryStore) Trim(ctx context.Context, timeline TimelineKey, keep int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.trim(timeline, keep), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
