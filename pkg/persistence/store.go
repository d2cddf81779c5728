package persistence

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/TheEterna/real-agent-sub001/pkg/turns"
)

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite3"
	DriverMySQL  = "mysql"
)

// Store is what the server needs from persistence: turn and message
// recording plus session records.
type Store interface {
	turns.Recorder
	turns.SessionStore
	Close() error
}

// TurnRecord is a persisted turn with its outcome.
type TurnRecord struct {
	turns.Turn
	Outcome     string
	Final       string
	CompletedAt int64
}

// Open returns the store for driver. An empty driver is the in-memory store.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite, "sqlite":
		return OpenSQLite(ctx, dsn)
	case DriverMySQL:
		return OpenMySQL(ctx, dsn)
	default:
		return nil, errors.Errorf("unknown store driver %q", driver)
	}
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
)
