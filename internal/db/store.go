package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ivf-companion/pkg"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrSessionNotFound is returned for unknown or already ended sessions.
var ErrSessionNotFound = errors.New("session not found")

// Store keeps conversation state for the lifetime of a session.  Nothing is
// kept once DeleteSession or DeleteIdle removes it.
type Store interface {
	CreateSession(ctx context.Context, persona string, voiceOutput bool) (*pkg.Session, error)
	GetSession(ctx context.Context, id string) (*pkg.Session, error)
	AppendTurns(ctx context.Context, id string, turns []pkg.Turn) error
	UpdateSettings(ctx context.Context, id string, voiceOutput bool, credential string) error
	DeleteSession(ctx context.Context, id string) error
	DeleteIdle(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Open returns the Store for driver.  SQL stores are pinged and migrated
// before being returned.
func Open(ctx context.Context, driver, url string, sealer *Sealer) (Store, error) {
	var dialect Dialect
	switch driver {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverPostgres:
		dialect = DialectPostgres
	case DriverSQLite:
		dialect = DialectSQLite
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
	if url == "" {
		return nil, fmt.Errorf("database url must be set for driver %q", driver)
	}
	conn, err := sql.Open(driver, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == DialectSQLite {
		// a single writer avoids SQLITE_BUSY between the sweeper and requests
		conn.SetMaxOpenConns(1)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := Migrate(ctx, conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return NewRepository(conn, dialect, sealer), nil
}
