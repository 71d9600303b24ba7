package timeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultSQLTablePrefix = "relaytimeline"
	sqlOperationTimeout   = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	name       string
	driverName string
	// numbered rewrites ? placeholders to $1..$n.
	numbered bool
	// lockTimeline takes a transaction-scoped advisory lock per timeline so
	// that writers in other processes are serialised as well.
	lockTimeline bool
	maxOpenConns int
}

// SQLStore persists entries, records and cursors in three tables. The same
// statements serve PostgreSQL and SQLite; only placeholders and locking
// differ between dialects.
type SQLStore struct {
	dsn         string
	dialect     sqlDialect
	tablePrefix string
	openDB      sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newSQLStore(dsn string, dialect sqlDialect) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLStore{
		dsn:         dsn,
		dialect:     dialect,
		tablePrefix: defaultSQLTablePrefix,
		openDB:      sql.Open,
	}, nil
}

func (s *SQLStore) recordsTable() string { return quoteIdentifier(s.tablePrefix + "_records") }
func (s *SQLStore) entriesTable() string { return quoteIdentifier(s.tablePrefix + "_entries") }
func (s *SQLStore) cursorsTable() string { return quoteIdentifier(s.tablePrefix + "_cursors") }

func (s *SQLStore) ensureReady(ctx context.Context) error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driverName, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		if s.dialect.maxOpenConns > 0 {
			db.SetMaxOpenConns(s.dialect.maxOpenConns)
		}
		initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sqlOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					record_key TEXT PRIMARY KEY,
					platform TEXT NOT NULL,
					local_id TEXT NOT NULL,
					cursor TEXT NOT NULL DEFAULT '',
					ts_ms BIGINT NOT NULL DEFAULT 0,
					payload TEXT NOT NULL DEFAULT '',
					updated_at_ms BIGINT NOT NULL DEFAULT 0
				)`, s.recordsTable()),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					timeline TEXT NOT NULL,
					entry_id TEXT NOT NULL,
					platform TEXT NOT NULL DEFAULT '',
					local_id TEXT NOT NULL DEFAULT '',
					sort_key BIGINT NOT NULL,
					source_page BIGINT NOT NULL DEFAULT 0,
					is_gap INTEGER NOT NULL DEFAULT 0,
					cursor TEXT NOT NULL DEFAULT '',
					ts_ms BIGINT NOT NULL DEFAULT 0,
					updated_at_ms BIGINT NOT NULL DEFAULT 0,
					PRIMARY KEY (timeline, entry_id)
				)`, s.entriesTable()),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (timeline, sort_key)",
				quoteIdentifier(s.tablePrefix+"_entries_sort_idx"), s.entriesTable()),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					timeline TEXT PRIMARY KEY,
					newest_key TEXT NOT NULL DEFAULT '',
					oldest_key TEXT NOT NULL DEFAULT '',
					generation BIGINT NOT NULL DEFAULT 0
				)`, s.cursorsTable()),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(initCtx, stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLStore) ReadOrdered(ctx context.Context, timeline TimelineKey) ([]TimelineEntry, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	return s.readOrdered(ctx, s.db, timeline)
}

type sqlQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) readOrdered(ctx context.Context, q sqlQueryer, timeline TimelineKey) ([]TimelineEntry, error) {
	query := s.rebind(fmt.Sprintf(`
		SELECT platform, local_id, sort_key, source_page, is_gap, cursor, ts_ms, updated_at_ms
		FROM %s WHERE timeline = ? ORDER BY sort_key DESC`, s.entriesTable()))
	rows, err := q.QueryContext(ctx, query, string(timeline))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TimelineEntry
	for rows.Next() {
		var (
			platform, localID, cursor string
			sortKey, sourcePage       int64
			isGap                     int
			tsMS, updatedMS           int64
		)
		if err := rows.Scan(&platform, &localID, &sortKey, &sourcePage, &isGap, &cursor, &tsMS, &updatedMS); err != nil {
			return nil, err
		}
		entry := TimelineEntry{
			Timeline:    timeline,
			SortKey:     SortKey(sortKey),
			SourcePage:  sourcePage,
			IsGapMarker: isGap != 0,
			Cursor:      Cursor(cursor),
			Timestamp:   fromUnixMilli(tsMS),
			UpdatedAt:   fromUnixMilli(updatedMS),
		}
		if !entry.IsGapMarker {
			entry.Record = RecordRef{Platform: Platform(platform), LocalID: localID}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLStore) LoadCursor(ctx context.Context, timeline TimelineKey) (TimelineCursor, error) {
	if err := s.ensureReady(ctx); err != nil {
		return TimelineCursor{}, err
	}
	return s.loadCursor(ctx, s.db, timeline)
}

func (s *SQLStore) loadCursor(ctx context.Context, q sqlQueryer, timeline TimelineKey) (TimelineCursor, error) {
	query := s.rebind(fmt.Sprintf("SELECT newest_key, oldest_key, generation FROM %s WHERE timeline = ?", s.cursorsTable()))
	var newest, oldest string
	var generation int64
	err := q.QueryRowContext(ctx, query, string(timeline)).Scan(&newest, &oldest, &generation)
	if errors.Is(err, sql.ErrNoRows) {
		return TimelineCursor{}, nil
	}
	if err != nil {
		return TimelineCursor{}, err
	}
	return TimelineCursor{NewestKey: Cursor(newest), OldestKey: Cursor(oldest), Generation: generation}, nil
}

func (s *SQLStore) GetRecord(ctx context.Context, ref RecordRef) (Record, error) {
	if err := s.ensureReady(ctx); err != nil {
		return Record{}, err
	}
	query := s.rebind(fmt.Sprintf("SELECT cursor, ts_ms, payload, updated_at_ms FROM %s WHERE record_key = ?", s.recordsTable()))
	var cursor, payload string
	var tsMS, updatedMS int64
	err := s.db.QueryRowContext(ctx, query, ref.String()).Scan(&cursor, &tsMS, &payload, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		Ref:       ref,
		Cursor:    Cursor(cursor),
		Timestamp: fromUnixMilli(tsMS),
		UpdatedAt: fromUnixMilli(updatedMS),
	}
	if payload != "" {
		rec.Payload = json.RawMessage(payload)
	}
	return rec, nil
}

func (s *SQLStore) Apply(ctx context.Context, batch PageBatch) error {
	if err := batch.validate(); err != nil {
		return err
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	return s.withTx(ctx, batch.Timeline, func(tx *sql.Tx) error {
		recordQuery := s.rebind(fmt.Sprintf(`
			INSERT INTO %s (record_key, platform, local_id, cursor, ts_ms, payload, updated_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (record_key) DO UPDATE SET
				cursor = excluded.cursor,
				ts_ms = excluded.ts_ms,
				payload = excluded.payload,
				updated_at_ms = excluded.updated_at_ms`, s.recordsTable()))
		for _, rec := range batch.Records {
			if _, err := tx.ExecContext(ctx, recordQuery,
				rec.Ref.String(), string(rec.Ref.Platform), rec.Ref.LocalID, string(rec.Cursor),
				toUnixMilli(rec.Timestamp), string(rec.Payload), toUnixMilli(rec.UpdatedAt)); err != nil {
				return err
			}
		}

		entryQuery := s.rebind(fmt.Sprintf(`
			INSERT INTO %s (timeline, entry_id, platform, local_id, sort_key, source_page, is_gap, cursor, ts_ms, updated_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (timeline, entry_id) DO UPDATE SET
				sort_key = excluded.sort_key,
				source_page = excluded.source_page,
				cursor = excluded.cursor,
				ts_ms = excluded.ts_ms,
				updated_at_ms = excluded.updated_at_ms`, s.entriesTable()))
		for _, entry := range batch.Entries {
			isGap := 0
			if entry.IsGapMarker {
				isGap = 1
			}
			if _, err := tx.ExecContext(ctx, entryQuery,
				string(entry.Timeline), entry.entryID(), string(entry.Record.Platform), entry.Record.LocalID,
				int64(entry.SortKey), entry.SourcePage, isGap, string(entry.Cursor),
				toUnixMilli(entry.Timestamp), toUnixMilli(entry.UpdatedAt)); err != nil {
				return err
			}
		}
		return s.saveCursor(ctx, tx, batch.Timeline, batch.Cursor)
	})
}

func (s *SQLStore) saveCursor(ctx context.Context, tx *sql.Tx, timeline TimelineKey, cursor TimelineCursor) error {
	query := s.rebind(fmt.Sprintf(`
		INSERT INTO %s (timeline, newest_key, oldest_key, generation)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (timeline) DO UPDATE SET
			newest_key = excluded.newest_key,
			oldest_key = excluded.oldest_key,
			generation = excluded.generation`, s.cursorsTable()))
	_, err := tx.ExecContext(ctx, query, string(timeline), string(cursor.NewestKey), string(cursor.OldestKey), cursor.Generation)
	return err
}

func (s *SQLStore) Trim(ctx context.Context, timeline TimelineKey, keep int) (int, error) {
	if err := s.ensureReady(ctx); err != nil {
		return 0, err
	}
	removedCount := 0
	err := s.withTx(ctx, timeline, func(tx *sql.Tx) error {
		ordered, err := s.readOrdered(ctx, tx, timeline)
		if err != nil {
			return err
		}
		removed := trimEntries(ordered, keep)
		if len(removed) == 0 {
			return nil
		}
		deleteQuery := s.rebind(fmt.Sprintf("DELETE FROM %s WHERE timeline = ? AND entry_id = ?", s.entriesTable()))
		for _, entry := range removed {
			if _, err := tx.ExecContext(ctx, deleteQuery, string(timeline), entry.entryID()); err != nil {
				return err
			}
		}
		cursor, err := s.loadCursor(ctx, tx, timeline)
		if err != nil {
			return err
		}
		removedCount = len(removed)
		return s.saveCursor(ctx, tx, timeline, cursorAfterTrim(cursor, ordered[:len(ordered)-len(removed)]))
	})
	if err != nil {
		return 0, err
	}
	return removedCount, nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) withTx(ctx context.Context, timeline TimelineKey, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if s.dialect.lockTimeline {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", timelineLockKey(s.tablePrefix, timeline)); err != nil {
			return err
		}
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// rebind rewrites ? placeholders for dialects that number their parameters.
func (s *SQLStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func toUnixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
