// Package store persists run groups, runs, their logs and timing samples.
//
// Every row is owned by exactly one writer for its whole lifetime, so the only
// coordination the backing database has to provide is atomic single-row
// transactions. SQLite is the default backend; a shared PostgreSQL server is
// used when many cluster nodes record into one place.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver ("pgx")
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver (pure Go)
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	// ErrNotFound indicates a row was not located.
	ErrNotFound = errors.New("store: not found")
	// ErrGroupFinished is returned when a group already left the running state.
	ErrGroupFinished = errors.New("store: run group already finished")
	// ErrFinalized is returned when a run log already reached a terminal state.
	ErrFinalized = errors.New("store: run already finalized")
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store is a handle on the results database.
type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for begin/end timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open connects to the database and applies pending migrations.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	var (
		sqlDriver string
		dialect   goose.Dialect
	)
	switch strings.ToLower(driver) {
	case "", DriverSQLite, "sqlite3":
		driver, sqlDriver, dialect = DriverSQLite, "sqlite", goose.DialectSQLite3
		if dsn == "" {
			path, err := DefaultSQLitePath()
			if err != nil {
				return nil, err
			}
			dsn = SQLiteDSN(path)
		}
	case DriverPostgres, "pgx", "postgresql":
		driver, sqlDriver, dialect = DriverPostgres, "pgx", goose.DialectPostgres
		if dsn == "" {
			return nil, errors.New("store: postgres requires a dsn")
		}
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// A single connection keeps :memory: databases coherent and serialises
		// writers inside one process; busy_timeout covers other processes.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if err := migrate(ctx, db, dialect); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, driver: driver, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func migrate(ctx context.Context, db *sql.DB, dialect goose.Dialect) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return fmt.Errorf("configure migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver reports the backend in use.
func (s *Store) Driver() string {
	return s.driver
}

// DefaultSQLitePath is the local results database, ~/.benchrun/benchrun.db.
func DefaultSQLitePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".benchrun")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, "benchrun.db"), nil
}

// SQLiteDSN returns a DSN for path that tolerates concurrent writers.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
}

// rebind rewrites '?' placeholders into the $n form PostgreSQL expects.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) stamp() time.Time {
	return s.now().UTC()
}

// notBefore clamps end so a finished row never ends before it began.
func notBefore(end, begin time.Time) time.Time {
	if end.Before(begin) {
		return begin
	}
	return end
}

// timeLayout keeps every stored stamp the same width so text order is time
// order. RFC3339Nano trims trailing zeros and would sort "05Z" after "05.5Z".
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
