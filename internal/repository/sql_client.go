package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// Registered drivers: "postgres" and "sqlite".
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Dialect captures the few differences between the supported SQL engines.
type Dialect struct {
	Name        string
	Driver      string
	placeholder func(n int) string
}

var (
	SQLite = Dialect{
		Name:        "sqlite",
		Driver:      "sqlite",
		placeholder: func(int) string { return "?" },
	}
	Postgres = Dialect{
		Name:        "postgres",
		Driver:      "postgres",
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	}
)

// DialectByName resolves "sqlite" or "postgres".
func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case SQLite.Name:
		return SQLite, nil
	case Postgres.Name, "postgresql":
		return Postgres, nil
	default:
		return Dialect{}, errors.Errorf("repository: unknown sql dialect %q", name)
	}
}

// bind replaces each "?" in query with the dialect's numbered placeholder.
func (d Dialect) bind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const createKVTable = `CREATE TABLE IF NOT EXISTS kv_store (
	kv_key     TEXT PRIMARY KEY,
	kv_value   TEXT NOT NULL,
	expires_at BIGINT
)`

// SQLStore implements Store on a single kv_store table. expires_at holds unix
// milliseconds, NULL for keys without expiry. Expired rows are reclaimed on
// every prefix scan.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// OpenSQL opens dsn with the dialect's driver, pings it and creates the table.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("repository: sql dsn must not be empty")
	}
	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "repository: open %s", dialect.Name)
	}
	if dialect.Name == SQLite.Name {
		// One writer avoids SQLITE_BUSY under concurrent turns.
		db.SetMaxOpenConns(1)
	}
	store, err := NewSQLStore(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps db and runs the schema migration.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	s := &SQLStore{db: db, dialect: dialect, now: time.Now}
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, createKVTable); err != nil {
		return nil, errors.Wrap(err, "repository: migrate kv_store")
	}
	return s, nil
}

// Close releases the underlying pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) nowMillis() int64 {
	return s.now().UnixMilli()
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, _, err := s.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

func (s *SQLStore) lookup(ctx context.Context, key string) (string, sql.NullInt64, error) {
	var (
		value   string
		expires sql.NullInt64
	)
	row := s.db.QueryRowContext(ctx,
		s.dialect.bind(`SELECT kv_value, expires_at FROM kv_store WHERE kv_key = ?`), key)
	if err := row.Scan(&value, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", expires, ErrNotFound
		}
		return "", expires, errors.Wrapf(err, "repository: sql get %s", key)
	}
	if expires.Valid && expires.Int64 <= s.nowMillis() {
		return "", expires, ErrNotFound
	}
	return value, expires, nil
}

func (s *SQLStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expires sql.NullInt64
	if deadline := expiresAt(s.now(), ttl); !deadline.IsZero() {
		expires = sql.NullInt64{Int64: deadline.UnixMilli(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.dialect.bind(`INSERT INTO kv_store (kv_key, kv_value, expires_at)
VALUES (?, ?, ?)
ON CONFLICT (kv_key) DO UPDATE SET kv_value = excluded.kv_value, expires_at = excluded.expires_at`),
		key, string(value), expires)
	if err != nil {
		return errors.Wrapf(err, "repository: sql set %s", key)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.bind(`DELETE FROM kv_store WHERE kv_key = ?`), key); err != nil {
		return errors.Wrapf(err, "repository: sql delete %s", key)
	}
	return nil
}

func (s *SQLStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	_, expires, err := s.lookup(ctx, key)
	if err != nil {
		return 0, err
	}
	if !expires.Valid {
		return 0, nil
	}
	return remaining(s.now(), time.UnixMilli(expires.Int64)), nil
}

func (s *SQLStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	now := s.nowMillis()
	if _, err := s.db.ExecContext(ctx,
		s.dialect.bind(`DELETE FROM kv_store WHERE expires_at IS NOT NULL AND expires_at <= ?`), now); err != nil {
		return nil, errors.Wrap(err, "repository: sql purge expired")
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.bind(`SELECT kv_key FROM kv_store
WHERE kv_key LIKE ? ESCAPE '\' AND (expires_at IS NULL OR expires_at > ?)
ORDER BY kv_key`), escapeLike(prefix)+"%", now)
	if err != nil {
		return nil, errors.Wrapf(err, "repository: sql keys %s", prefix)
	}
	defer func() { _ = rows.Close() }()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errors.Wrap(err, "repository: sql keys scan")
		}
		// SQLite's LIKE ignores ASCII case.
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "repository: sql keys rows")
	}
	return keys, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.Wrapf(err, "repository: %s ping", s.dialect.Name)
	}
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
