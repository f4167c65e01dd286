// Package storage implements the persistence layer on SQLite. Structured,
// indexed columns carry the fields dispatch sorts and filters on; the free
// form documents (args, metadata, summary, cmd) are stored as JSON text and
// matched in Go, since filter documents can reference arbitrary nested paths.
//
// It uses modernc.org/sqlite (pure Go, no CGO) so the server binary stays
// fully static and the tests run against a throwaway file database.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"labtasker/internal/apierr"
	"labtasker/internal/doc"
	"labtasker/internal/events"
	"labtasker/internal/logging"
)

func init() {
	// modernc registers as "sqlite", which sqlx does not know about.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// timeLayout is a fixed-width UTC format so TEXT timestamps sort
// lexicographically in creation order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Options configures an Engine.
type Options struct {
	// Path is the SQLite database file, or ":memory:".
	Path string
	// Pepper is appended to passwords before hashing. Changing it
	// invalidates every stored credential.
	Pepper string
	// BcryptCost is the bcrypt work factor; 0 means the library default.
	BcryptCost int
	// AllowUnsafe enables the raw query/update endpoints.
	AllowUnsafe bool

	Bus    *events.Bus
	Logger logging.Logger

	// Now overrides the clock. Tests use it to drive timeouts without
	// sleeping.
	Now func() time.Time
}

// Engine is the SQLite-backed store shared by the API server and the
// timeout sweeper.
type Engine struct {
	db          *sqlx.DB
	bus         *events.Bus
	log         logging.Logger
	now         func() time.Time
	pepper      string
	bcryptCost  int
	allowUnsafe bool
	authCache   *authCache
}

// Open opens (or creates) the database at opts.Path and applies the schema.
func Open(opts Options) (*Engine, error) {
	db, err := sqlx.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Path, err)
	}

	// SQLite serialises writes; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	e := &Engine{
		db:          db,
		bus:         opts.Bus,
		log:         logging.OrNop(opts.Logger),
		now:         opts.Now,
		pepper:      opts.Pepper,
		bcryptCost:  opts.BcryptCost,
		allowUnsafe: opts.AllowUnsafe,
		authCache:   newAuthCache(),
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.bus == nil {
		e.bus = events.NewBus()
	}
	if err := e.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return e, nil
}

// Close releases the underlying database handle.
func (e *Engine) Close() error { return e.db.Close() }

// Ping checks database liveness for the health endpoint.
func (e *Engine) Ping(ctx context.Context) error { return e.db.PingContext(ctx) }

// Bus returns the event bus the engine publishes transitions to.
func (e *Engine) Bus() *events.Bus { return e.bus }

// migrate applies the schema. New versions should only ADD statements here
// so existing databases keep working without a migration tool.
func (e *Engine) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queues (
			queue_id      TEXT PRIMARY KEY,
			queue_name    TEXT NOT NULL UNIQUE,
			password      TEXT NOT NULL,
			metadata      TEXT NOT NULL DEFAULT '{}',
			created_at    TEXT NOT NULL,
			last_modified TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS tasks (
			task_id           TEXT PRIMARY KEY,
			queue_id          TEXT NOT NULL,
			status            TEXT NOT NULL,
			task_name         TEXT NOT NULL DEFAULT '',
			created_at        TEXT NOT NULL,
			start_time        TEXT,
			last_heartbeat    TEXT,
			last_modified     TEXT NOT NULL,
			heartbeat_timeout INTEGER NOT NULL,
			task_timeout      INTEGER,
			max_retries       INTEGER NOT NULL,
			retries           INTEGER NOT NULL DEFAULT 0,
			priority          INTEGER NOT NULL,
			metadata          TEXT NOT NULL DEFAULT '{}',
			args              TEXT NOT NULL DEFAULT '{}',
			cmd               TEXT,
			summary           TEXT NOT NULL DEFAULT '{}',
			worker_id         TEXT
		)`,

		// Dispatch scans pending tasks in priority DESC, created_at ASC
		// order; ls scans in submission order.
		`CREATE INDEX IF NOT EXISTS idx_tasks_dispatch
			ON tasks(queue_id, status, priority DESC, created_at ASC)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created
			ON tasks(queue_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS workers (
			worker_id     TEXT PRIMARY KEY,
			queue_id      TEXT NOT NULL,
			status        TEXT NOT NULL,
			worker_name   TEXT NOT NULL DEFAULT '',
			metadata      TEXT NOT NULL DEFAULT '{}',
			retries       INTEGER NOT NULL DEFAULT 0,
			max_retries   INTEGER NOT NULL,
			created_at    TEXT NOT NULL,
			last_modified TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workers_queue
			ON workers(queue_id, created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := e.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// internal wraps a low-level failure as a 500 with a boundary-safe message.
func internal(msg string, err error) error {
	return apierr.Wrap(http.StatusInternalServerError, err, "%s", msg)
}

type txKey struct{}

// WithTx runs fn inside a transaction. Nesting is a programming error and
// fails loudly instead of deadlocking on SQLite's single write connection.
func (e *Engine) WithTx(ctx context.Context, fn func(ctx context.Context, tx *sqlx.Tx) error) error {
	if ctx.Value(txKey{}) != nil {
		return apierr.Internal("nested transaction")
	}
	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return internal("begin transaction", err)
	}
	ctx = context.WithValue(ctx, txKey{}, tx)

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			e.log.Error("rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return internal("commit transaction", err)
	}
	return nil
}

// querier is the query surface shared by *sqlx.DB and *sqlx.Tx.
type querier interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// q returns the enclosing transaction when the call runs under WithTx, the
// shared handle otherwise.
func (e *Engine) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return e.db
}

// --- JSON and time column helpers ---

func encodeDoc(d doc.Doc) (string, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", internal("encode document", err)
	}
	return string(b), nil
}

func decodeDoc(s string) (doc.Doc, error) {
	if s == "" {
		return doc.Doc{}, nil
	}
	var d doc.Doc
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return nil, internal("decode document", err)
	}
	return d, nil
}

func encodeCmd(cmd any) (sql.NullString, error) {
	if cmd == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(cmd)
	if err != nil {
		return sql.NullString{}, internal("encode cmd", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeCmd(s sql.NullString) (any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil, internal("decode cmd", err)
	}
	return v, nil
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func encodeNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: encodeTime(*t), Valid: true}
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, internal("decode timestamp", err)
	}
	return t, nil
}

func decodeNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := decodeTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func fromNullInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func fromNullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }
