package timeline

import (
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const (
	sqliteDriverName = "sqlite3"
	defaultSQLiteDSN = "file:relaytimeline.sqlite?_pragma=busy_timeout(5000)"
)

// NewSQLiteStore returns a SQLStore backed by an embedded SQLite database.
// dsn is a go-sqlite3 DSN such as "file:timeline.db" or
// "file:name?mode=memory&cache=shared"; a leading "sqlite:" is accepted.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	dsn = strings.TrimPrefix(dsn, "sqlite:")
	dsn = strings.TrimPrefix(dsn, "//")
	if dsn == "" {
		dsn = defaultSQLiteDSN
	}
	return newSQLStore(dsn, sqlDialect{
		name:       "sqlite",
		driverName: sqliteDriverName,
		// A single connection keeps transactions from tripping over
		// SQLITE_BUSY and lets shared in-memory databases live as long as
		// the store.
		maxOpenConns: 1,
	})
}
