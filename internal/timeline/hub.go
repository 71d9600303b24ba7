package timeline

import (
	"sync"

	"github.com/google/uuid"
)

// snapshotHub fans the latest snapshot of each timeline out to
// subscribers. Every subscriber channel has a buffer of one; a slow reader
// only ever sees the most recent snapshot.
type snapshotHub struct {
	mu     sync.Mutex
	latest map[TimelineKey]Snapshot
	subs   map[TimelineKey]map[string]chan Snapshot
}

func newSnapshotHub() *snapshotHub {
	return &snapshotHub{
		latest: map[TimelineKey]Snapshot{},
		subs:   map[TimelineKey]map[string]chan Snapshot{},
	}
}

// publish records snap as the latest value and notifies subscribers. It
// returns false when snap equals the previous snapshot.
func (h *snapshotHub) publish(snap Snapshot) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.latest[snap.Timeline]; ok && prev.Equal(snap) {
		return false
	}
	h.latest[snap.Timeline] = snap
	for _, ch := range h.subs[snap.Timeline] {
		offerLatest(ch, snap)
	}
	return true
}

func (h *snapshotHub) current(timeline TimelineKey) (Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap, ok := h.latest[timeline]
	return snap, ok
}

func (h *snapshotHub) subscribe(timeline TimelineKey) (string, <-chan Snapshot, func()) {
	id := uuid.NewString()
	ch := make(chan Snapshot, 1)

	h.mu.Lock()
	if h.subs[timeline] == nil {
		h.subs[timeline] = map[string]chan Snapshot{}
	}
	h.subs[timeline][id] = ch
	if snap, ok := h.latest[timeline]; ok {
		ch <- snap
	}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if subs, ok := h.subs[timeline]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(h.subs, timeline)
				}
			}
			close(ch)
		})
	}
	return id, ch, cancel
}

func (h *snapshotHub) subscriberCount(timeline TimelineKey) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[timeline])
}

func offerLatest(ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}
