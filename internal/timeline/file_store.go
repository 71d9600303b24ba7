package timeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const fileStoreWatchDebounce = 50 * time.Millisecond

// FileStore is a MemoryStore whose state is written to a JSON file after
// every mutation. A failed write rolls the in-memory state back so the file
// and the process never disagree about a page.
type FileStore struct {
	Path string

	mu        sync.RWMutex
	state     *persistedState
	lastWrite string
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &FileStore{Path: path, state: newPersistedState()}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) ReadOrdered(ctx context.Context, timeline TimelineKey) ([]TimelineEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ordered(timeline), nil
}

func (s *FileStore) LoadCursor(ctx context.Context, timeline TimelineKey) (TimelineCursor, error) {
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

func (s *FileStore) GetRecord(ctx context.Context, ref RecordRef) (Record, error) {
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

func (s *FileStore) Apply(ctx context.Context, batch PageBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := batch.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateLocked(func(state *persistedState) {
		state.apply(batch)
	})
}

func (s *FileStore) Trim(ctx context.Context, timeline TimelineKey, keep int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	err := s.mutateLocked(func(state *persistedState) {
		removed = state.trim(timeline, keep)
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *FileStore) Close() error {
	return nil
}

// Watch reloads the file when another process replaces it and calls
// onChange afterwards. Writes made by this store are ignored. Watch blocks
// until ctx is done.
func (s *FileStore) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		return err
	}
	base := filepath.Base(s.Path)

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(fileStoreWatchDebounce)
			} else {
				timer.Reset(fileStoreWatchDebounce)
			}
			timerC = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		case <-timerC:
			timerC = nil
			changed, err := s.reloadIfExternal()
			if err != nil {
				continue
			}
			if changed && onChange != nil {
				onChange()
			}
		}
	}
}

func (s *FileStore) mutateLocked(fn func(state *persistedState)) error {
	previous, err := s.state.clone()
	if err != nil {
		return err
	}
	fn(s.state)
	if err := s.saveLocked(); err != nil {
		s.state = previous
		return err
	}
	return nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	state := newPersistedState()
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, state); err != nil {
			return err
		}
	}
	state.ensure()
	s.state = state
	s.lastWrite = hashBytes(data)
	return nil
}

func (s *FileStore) reloadIfExternal() (bool, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if hashBytes(data) == s.lastWrite {
		return false, nil
	}
	state := newPersistedState()
	if err := json.Unmarshal(data, state); err != nil {
		return false, err
	}
	state.ensure()
	s.state = state
	s.lastWrite = hashBytes(data)
	return true, nil
}

func (s *FileStore) saveLocked() error {
	data, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return err
	}
	if err := writeFileAtomic(s.Path, data, 0o644); err != nil {
		return err
	}
	s.lastWrite = hashBytes(data)
	return nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
