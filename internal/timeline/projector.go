package timeline

import (
	"strconv"
)

type DisplayKind string

const (
	DisplayEntry        DisplayKind = "entry"
	DisplayGapLoader    DisplayKind = "gap_loader"
	DisplayBottomLoader DisplayKind = "bottom_loader"
	DisplayNoMoreFooter DisplayKind = "no_more_footer"
)

// DisplayItem is one row of a projected timeline. Record is set for
// entries; AfterSortKey is set for gap loaders and holds the sort key of the
// entry directly above the gap.
type DisplayItem struct {
	Kind         DisplayKind `json:"kind"`
	Record       RecordRef   `json:"record,omitempty"`
	AfterSortKey SortKey     `json:"afterSortKey,omitempty"`
}

// ID is stable for the lifetime of the item and never shared by two
// different records.
func (d DisplayItem) ID() string {
	switch d.Kind {
	case DisplayEntry:
		return "entry:" + d.Record.String()
	case DisplayGapLoader:
		return "gap:" + strconv.FormatInt(int64(d.AfterSortKey), 10)
	case DisplayBottomLoader:
		return "bottom"
	case DisplayNoMoreFooter:
		return "nomore"
	}
	return string(d.Kind)
}

type Failure struct {
	Direction Direction `json:"direction"`
	Message   string    `json:"message"`
}

// Snapshot is an immutable projection of one timeline.
type Snapshot struct {
	Timeline   TimelineKey   `json:"timeline"`
	Items      []DisplayItem `json:"items"`
	Phase      Phase         `json:"phase"`
	Refreshing bool          `json:"refreshing"`
	Failure    *Failure      `json:"failure,omitempty"`
}

func (s Snapshot) Equal(other Snapshot) bool {
	if s.Timeline != other.Timeline || s.Phase != other.Phase || s.Refreshing != other.Refreshing {
		return false
	}
	if (s.Failure == nil) != (other.Failure == nil) {
		return false
	}
	if s.Failure != nil && *s.Failure != *other.Failure {
		return false
	}
	if len(s.Items) != len(other.Items) {
		return false
	}
	for i := range s.Items {
		if s.Items[i] != other.Items[i] {
			return false
		}
	}
	return true
}

// Project maps persisted entries (newest first) and the fetch state to a
// snapshot. It is a pure function of its inputs.
func Project(timeline TimelineKey, ordered []TimelineEntry, state FetchState) Snapshot {
	items := make([]DisplayItem, 0, len(ordered)+1)
	for i, entry := range ordered {
		if entry.IsGapMarker {
			if i == 0 {
				// Nothing above to load towards.
				continue
			}
			if len(items) > 0 && items[len(items)-1].Kind == DisplayGapLoader {
				continue
			}
			items = append(items, DisplayItem{Kind: DisplayGapLoader, AfterSortKey: ordered[i-1].SortKey})
			continue
		}
		items = append(items, DisplayItem{Kind: DisplayEntry, Record: entry.Record})
	}
	if sentinel, ok := trailingSentinel(state); ok {
		items = append(items, sentinel)
	}
	snap := Snapshot{
		Timeline:   timeline,
		Items:      items,
		Phase:      state.Phase,
		Refreshing: state.Loading(DirectionRefresh),
	}
	if state.Phase == PhaseFail {
		failure := &Failure{Direction: state.Direction}
		if state.Err != nil {
			failure.Message = state.Err.Error()
		}
		snap.Failure = failure
	}
	return snap
}

func trailingSentinel(state FetchState) (DisplayItem, bool) {
	phase := state.Phase
	if state.Loading(DirectionRefresh) {
		// A refresh does not change what the bottom of the list shows.
		phase = state.Resume
	}
	switch {
	case phase == PhaseIdle, phase == PhaseLoading && state.Direction == DirectionLoadOlder:
		return DisplayItem{Kind: DisplayBottomLoader}, true
	case phase == PhaseNoMore:
		return DisplayItem{Kind: DisplayNoMoreFooter}, true
	}
	return DisplayItem{}, false
}

type DiffOpKind string

const (
	DiffRemove DiffOpKind = "remove"
	DiffInsert DiffOpKind = "insert"
)

// DiffOp is one step of a patch. Removes carry indexes into the previous
// sequence and are listed from the highest index down; inserts carry
// indexes into the next sequence and are listed in ascending order.
// Applying all removes and then all inserts turns prev into next.
type DiffOp struct {
	Kind  DiffOpKind  `json:"kind"`
	Index int         `json:"index"`
	Item  DisplayItem `json:"item"`
}

// Diff computes a minimal remove/insert patch between two projections,
// matching items by ID.
func Diff(prev, next []DisplayItem) []DiffOp {
	prefix := 0
	for prefix < len(prev) && prefix < len(next) && prev[prefix].ID() == next[prefix].ID() {
		prefix++
	}
	suffix := 0
	for suffix < len(prev)-prefix && suffix < len(next)-prefix &&
		prev[len(prev)-1-suffix].ID() == next[len(next)-1-suffix].ID() {
		suffix++
	}
	a := prev[prefix : len(prev)-suffix]
	b := next[prefix : len(next)-suffix]

	// lcs[i][j] is the length of the longest common subsequence of a[i:]
	// and b[j:].
	lcs := make([][]int, len(a)+1)
	for i := range lcs {
		lcs[i] = make([]int, len(b)+1)
	}
	for i := len(a) - 1; i >= 0; i-- {
		for j := len(b) - 1; j >= 0; j-- {
			if a[i].ID() == b[j].ID() {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	var removes, inserts []DiffOp
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case i < len(a) && j < len(b) && a[i].ID() == b[j].ID():
			i++
			j++
		case j < len(b) && (i == len(a) || lcs[i][j+1] >= lcs[i+1][j]):
			inserts = append(inserts, DiffOp{Kind: DiffInsert, Index: prefix + j, Item: b[j]})
			j++
		default:
			removes = append(removes, DiffOp{Kind: DiffRemove, Index: prefix + i, Item: a[i]})
			i++
		}
	}
	ops := make([]DiffOp, 0, len(removes)+len(inserts))
	for k := len(removes) - 1; k >= 0; k-- {
		ops = append(ops, removes[k])
	}
	return append(ops, inserts...)
}

// ApplyDiff replays ops against prev. It is the consumer-side counterpart
// of Diff.
func ApplyDiff(prev []DisplayItem, ops []DiffOp) []DisplayItem {
	out := append([]DisplayItem(nil), prev...)
	for _, op := range ops {
		if op.Kind != DiffRemove || op.Index < 0 || op.Index >= len(out) {
			continue
		}
		out = append(out[:op.Index], out[op.Index+1:]...)
	}
	for _, op := range ops {
		if op.Kind != DiffInsert || op.Index < 0 || op.Index > len(out) {
			continue
		}
		out = append(out, DisplayItem{})
		copy(out[op.Index+1:], out[op.Index:])
		out[op.Index] = op.Item
	}
	return out
}
