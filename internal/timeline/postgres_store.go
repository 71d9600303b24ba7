package timeline

import (
	"hash/fnv"
	"strings"

	_ "github.com/lib/pq"
)

const postgresDriverName = "postgres"

// NewPostgresStore returns a SQLStore backed by PostgreSQL. Tables are
// created lazily on first use. Apply and Trim take a transaction-scoped
// advisory lock per timeline, so their writes from different processes are
// serialised. The lock covers only those transactions: the cursor and
// entries a Merger reads before Apply are read outside it, so each timeline
// still needs a single merging writer.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	return newSQLStore(dsn, sqlDialect{
		name:         "postgres",
		driverName:   postgresDriverName,
		numbered:     true,
		lockTimeline: true,
	})
}

func timelineLockKey(tablePrefix string, timeline TimelineKey) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tablePrefix)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(string(timeline))))
	return int64(hasher.Sum64())
}
