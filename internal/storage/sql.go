package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const resourceColumns = "resource_id, owner_group_id, last_activity_at, occupancy_count"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ephemeral_resources (
		resource_id TEXT PRIMARY KEY,
		owner_group_id TEXT NOT NULL,
		last_activity_at BIGINT NOT NULL,
		occupancy_count INTEGER NOT NULL DEFAULT 0 CHECK (occupancy_count >= 0)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ephemeral_resources_idle
		ON ephemeral_resources (occupancy_count, last_activity_at)`,
}

// SQLStore implements ResourceStore on database/sql. Every mutation is a
// single UPDATE statement, which the database applies atomically per row.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     Clock
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB, dialect Dialect, now Clock) *SQLStore {
	if now == nil {
		now = time.Now
	}
	return &SQLStore{db: db, dialect: dialect, now: now}
}

// OpenSQLStore opens and pings the configured database.
func OpenSQLStore(config *SQLConfig) (*SQLStore, error) {
	if config == nil || strings.TrimSpace(config.DSN) == "" {
		return nil, fmt.Errorf("dsn is required")
	}

	var driver string
	switch config.Dialect {
	case DialectSQLite:
		driver = "sqlite"
	case DialectPostgres:
		driver = "postgres"
	default:
		return nil, fmt.Errorf("unsupported database driver %q", config.Dialect)
	}

	db, err := sql.Open(driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	timeout := config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return NewSQLStore(db, config.Dialect, nil), nil
}

// Migrate creates the resource table and its idle-scan index.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Insert(ctx context.Context, res Resource) error {
	if res.ID == "" {
		return fmt.Errorf("resource id is required")
	}
	if res.Occupancy < 0 {
		res.Occupancy = 0
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO ephemeral_resources (`+resourceColumns+`) VALUES (?, ?, ?, ?)`),
		res.ID, res.GuildID, epoch(res.LastActivityAt), res.Occupancy,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert resource: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (Resource, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+resourceColumns+` FROM ephemeral_resources WHERE resource_id = ?`), id)
	res, err := scanResource(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Resource{}, ErrNotFound
		}
		return Resource{}, fmt.Errorf("get resource: %w", err)
	}
	return res, nil
}

func (s *SQLStore) List(ctx context.Context) ([]Resource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+resourceColumns+` FROM ephemeral_resources ORDER BY resource_id`)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()

	out := []Resource{}
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	return out, nil
}

func (s *SQLStore) IncrementOccupancy(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE ephemeral_resources
		 SET occupancy_count = occupancy_count + 1, last_activity_at = ?
		 WHERE resource_id = ?`),
		epoch(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("increment occupancy: %w", err)
	}
	return nil
}

func (s *SQLStore) DecrementOccupancy(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE ephemeral_resources
		 SET occupancy_count = CASE WHEN occupancy_count > 0 THEN occupancy_count - 1 ELSE 0 END,
		     last_activity_at = ?
		 WHERE resource_id = ?`),
		epoch(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("decrement occupancy: %w", err)
	}
	return nil
}

func (s *SQLStore) SetOccupancy(ctx context.Context, id string, count int) error {
	if count < 0 {
		return fmt.Errorf("occupancy must be non-negative, got %d", count)
	}
	// SET expressions read the pre-update row, so the CASE sees the old count.
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE ephemeral_resources
		 SET last_activity_at = CASE WHEN occupancy_count <> 0 AND ? = 0 THEN ? ELSE last_activity_at END,
		     occupancy_count = ?
		 WHERE resource_id = ?`),
		count, epoch(s.now()), count, id,
	)
	if err != nil {
		return fmt.Errorf("set occupancy: %w", err)
	}
	return nil
}

func (s *SQLStore) ScanIdleCandidates(ctx context.Context, timeout time.Duration) iter.Seq2[Resource, error] {
	return func(yield func(Resource, error) bool) {
		cutoff := epoch(s.now()) - timeoutSeconds(timeout)
		rows, err := s.db.QueryContext(ctx, s.rebind(
			`SELECT `+resourceColumns+` FROM ephemeral_resources
			 WHERE occupancy_count = 0 AND last_activity_at < ?
			 ORDER BY last_activity_at, resource_id`), cutoff)
		if err != nil {
			yield(Resource{}, fmt.Errorf("scan idle resources: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			res, err := scanResource(rows)
			if err != nil {
				yield(Resource{}, fmt.Errorf("scan resource: %w", err))
				return
			}
			if !yield(res, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Resource{}, fmt.Errorf("scan idle resources: %w", err))
		}
	}
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM ephemeral_resources WHERE resource_id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete resource: %w", err)
	}
	return nil
}

// Close releases database resources.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
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

type resourceScanner interface {
	Scan(dest ...any) error
}

func scanResource(scanner resourceScanner) (Resource, error) {
	var (
		res          Resource
		lastActivity int64
	)
	if err := scanner.Scan(&res.ID, &res.GuildID, &lastActivity, &res.Occupancy); err != nil {
		return Resource{}, err
	}
	res.LastActivityAt = fromEpoch(lastActivity)
	return res, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(err.Error(), "duplicate") ||
		strings.Contains(err.Error(), "UNIQUE constraint failed")
}
