package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"listing_ledger/models"
)

// ErrUniqueViolation wraps any unique-constraint failure from either driver
var ErrUniqueViolation = errors.New("unique violation")

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type dialect struct {
	name    string
	schema  string
	rebind  func(string) string
	lockKey func(ctx context.Context, q querier, key string) error
}

// queries holds every statement; it runs against the pool or a transaction
type queries struct {
	q querier
	d *dialect
}

func (s *queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := s.q.ExecContext(ctx, s.d.rebind(query), args...)
	return res, mapError(err)
}

func (s *queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := s.q.QueryContext(ctx, s.d.rebind(query), args...)
	return rows, mapError(err)
}

func (s *queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.d.rebind(query), args...)
}

// SQLStore is the ledger store over SQLite or Postgres
type SQLStore struct {
	queries
	db *sql.DB
}

// SQLTx is one store transaction. All statements of a reconciliation run here.
type SQLTx struct {
	queries
	tx *sql.Tx
}

func newSQLStore(db *sql.DB, d *dialect) (*SQLStore, error) {
	store := &SQLStore{queries: queries{q: db, d: d}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// Open picks the dialect by driver name
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return NewSQLiteStore(dsn)
	case "postgres", "pgx":
		return NewPostgresStore(ctx, dsn)
	}
	return nil, fmt.Errorf("unknown driver %q", driver)
}

func (s *SQLStore) migrate() error {
	_, err := s.db.Exec(s.d.schema)
	return err
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Dialect() string {
	return s.d.name
}

func (s *SQLStore) Begin(ctx context.Context) (*SQLTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", mapError(err))
	}
	return &SQLTx{queries: queries{q: tx, d: s.d}, tx: tx}, nil
}

// InTx runs fn in a transaction, committing on nil and rolling back otherwise
func (s *SQLStore) InTx(ctx context.Context, fn func(tx *SQLTx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (t *SQLTx) Commit() error {
	return mapError(t.tx.Commit())
}

func (t *SQLTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// LockKey serializes transactions on the same reconciliation key until commit
func (t *SQLTx) LockKey(ctx context.Context, key string) error {
	if err := t.d.lockKey(ctx, t.q, key); err != nil {
		return fmt.Errorf("lock %s: %w", key, mapError(err))
	}
	return nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrUniqueViolation, pgErr.ConstraintName)
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) &&
		(sqErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
		return fmt.Errorf("%w: %s", ErrUniqueViolation, sqErr.Error())
	}
	return err
}

// sqlTime scans timestamps from TIMESTAMPTZ columns and SQLite text alike
type sqlTime struct {
	Time  time.Time
	Valid bool
}

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	"2006-01-02",
}

func (t *sqlTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	}
	return fmt.Errorf("cannot scan %T into time", src)
}

func (t *sqlTime) parse(s string) error {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = parsed.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("cannot parse time %q", s)
}

func (t sqlTime) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

// dates are bound as YYYY-MM-DD text so Postgres parses them as DATE
func nullDate(d *models.Date) any {
	if d == nil {
		return nil
	}
	return d.String()
}
