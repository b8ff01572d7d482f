/*
Package sqlkv implements the embedded-SQL backend (spec.md §4.4): one
table per entity type in a single-file SQLite database, versioned rows,
and failover-safe schema bootstrap.

DIRECT DESCENT:
  This package is the teacher's store/sqlite/sqlite.go, generalized from
  a fixed "transactions" ledger table to one table per entity type, and
  from domain-specific columns to the generic {Key, Data, Version, ETag,
  CreatedAt, UpdatedAt} shape of spec.md §3/§4.4. The single-*sql.DB,
  single-sync.RWMutex concurrency model is unchanged.

FAILOVER:
  No schema-exists cache survives a Close/reopen: New runs the
  idempotent CREATE TABLE IF NOT EXISTS sequence on every open whenever
  CreateTableIfNotExists is set (the factory constructor defaults it
  on), so a fresh process
  that inherits the file after a crash finds the schema intact (spec.md
  §4.4).

VERSIONING:
  save is an upsert keyed on Key. An explicit version (Entity.Version()
  != 0) always wins; a zero version means "no explicit version" and the
  backend computes max(existing, incoming)+1, matching the teacher's
  SavePolicy `version = policies.version + 1` upsert clause in
  store/sqlite/sqlite.go. UpdatedAt is always refreshed to now(); CreatedAt
  is preserved across updates.
*/
package sqlkv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/kvtx/entity"
	"github.com/warp/kvtx/kv"
	"github.com/warp/kvtx/kv/log"
)

// Mode is the SQLite open mode, per spec.md §6 "SQL settings".
type Mode string

const (
	ModeReadOnly        Mode = "ReadOnly"
	ModeReadWrite       Mode = "ReadWrite"
	ModeReadWriteCreate Mode = "ReadWriteCreate"
)

// CacheMode is SQLite's shared/private cache setting.
type CacheMode string

const (
	CacheShared  CacheMode = "Shared"
	CachePrivate CacheMode = "Private"
)

// Options configures a Store, per spec.md §6 "SQL settings".
type Options struct {
	DataSource             string // path; ":memory:" for in-memory
	Mode                   Mode
	Cache                  CacheMode
	ForeignKeys            bool
	CommandTimeout         time.Duration
	CreateTableIfNotExists bool
	Schema                 string // table prefix
	EntityType             string // table name suffix

	// NewEntity constructs a fresh zero value of the stored entity type,
	// used to decode rows back into their concrete type.
	NewEntity func() entity.Entity
	Codec     entity.Codec
}

func (o *Options) setDefaults() {
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 30 * time.Second
	}
	if o.Schema == "" {
		o.Schema = "kvtx"
	}
	if o.Codec == nil {
		o.Codec = entity.DefaultCodec
	}
}

var identifierRe = regexp.MustCompile(`[^A-Za-z0-9_]`)

func sanitizeIdentifier(s string) string {
	return identifierRe.ReplaceAllString(s, "_")
}

// Store is the embedded-SQL CRUD backend.
type Store struct {
	db    *sql.DB
	mu    sync.RWMutex
	opts  Options
	table string
}

var _ kv.Provider = (*Store)(nil)
var _ kv.Closer = (*Store)(nil)

// New opens (creating if needed) a SQLite database at opts.DataSource
// and ensures the entity's table and indexes exist.
func New(opts Options) (*Store, error) {
	opts.setDefaults()
	if opts.EntityType == "" {
		return nil, errors.New("sqlkv: EntityType is required")
	}
	if opts.NewEntity == nil {
		return nil, errors.New("sqlkv: NewEntity is required")
	}

	dsn := buildDSN(opts)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlkv: open: %w", err)
	}
	db.SetMaxOpenConns(1) // single connection per instance, per spec.md §4.4

	table := sanitizeIdentifier(opts.Schema) + "_" + sanitizeIdentifier(opts.EntityType)
	s := &Store{db: db, opts: opts, table: table}

	// CreateTableIfNotExists is expected on unless a caller that manages
	// schema externally opts out explicitly; the factory constructor
	// (register.go) defaults it to true when the config key is absent.
	if opts.CreateTableIfNotExists {
		if err := s.migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlkv: migrate: %w", err)
		}
	}
	return s, nil
}

func buildDSN(opts Options) string {
	var q []string
	switch opts.Mode {
	case ModeReadOnly:
		q = append(q, "mode=ro")
	case ModeReadWrite:
		q = append(q, "mode=rw")
	default:
		q = append(q, "mode=rwc")
	}
	if opts.Cache == CacheShared {
		q = append(q, "cache=shared")
	}
	if opts.ForeignKeys {
		q = append(q, "_foreign_keys=on")
	}
	q = append(q, "_journal_mode=WAL")
	return "file:" + opts.DataSource + "?" + strings.Join(q, "&")
}

func (s *Store) migrate() error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			Key       TEXT PRIMARY KEY NOT NULL,
			Data      TEXT NOT NULL,
			Version   INTEGER NOT NULL,
			ETag      TEXT NULL,
			CreatedAt TEXT NOT NULL,
			UpdatedAt TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_version ON %[1]s(Version);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_updated_at ON %[1]s(UpdatedAt);
	`, s.table)
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	if _, ok := parent.Deadline(); ok {
		return parent, func() {}
	}
	return context.WithTimeout(parent, s.opts.CommandTimeout)
}

func (s *Store) Get(parent context.Context, key string) (entity.Entity, error) {
	ctx, cancel := s.ctx(parent)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT Data, Version, ETag FROM %s WHERE Key = ?", s.table), key)

	var data string
	var version int64
	var etag sql.NullString
	if err := row.Scan(&data, &version, &etag); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, &kv.IOError{Op: "get", Key: key, Transient: true, Cause: err}
	}

	out := s.opts.NewEntity()
	if err := s.opts.Codec.Decode([]byte(data), out); err != nil {
		return nil, kv.ErrSerialization
	}
	out.SetVersion(version)
	out.SetETag(etag.String)
	return out, nil
}

func (s *Store) GetMany(ctx context.Context, keys []string) ([]entity.Entity, error) {
	out := make([]entity.Entity, 0, len(keys))
	for _, k := range keys {
		v, err := s.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if v != nil {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *Store) GetAll(parent context.Context, predicate kv.Predicate) ([]entity.Entity, error) {
	ctx, cancel := s.ctx(parent)
	defer cancel()

	s.mu.RLock()
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT Data, Version, ETag FROM %s", s.table))
	if err != nil {
		s.mu.RUnlock()
		return nil, &kv.IOError{Op: "getAll", Key: s.table, Transient: true, Cause: err}
	}
	var snapshot []entity.Entity
	for rows.Next() {
		var data string
		var version int64
		var etag sql.NullString
		if err := rows.Scan(&data, &version, &etag); err != nil {
			rows.Close()
			s.mu.RUnlock()
			return nil, &kv.IOError{Op: "getAll", Key: s.table, Cause: err}
		}
		out := s.opts.NewEntity()
		if err := s.opts.Codec.Decode([]byte(data), out); err != nil {
			log.WithBackend("sqlkv").Warn().Str("table", s.table).Err(err).Msg("skipped row that failed to decode")
			continue // logged and skipped, per spec.md §4.3/§4.4 predicate-evaluation semantics
		}
		out.SetVersion(version)
		out.SetETag(etag.String)
		snapshot = append(snapshot, out)
	}
	rowsErr := rows.Err()
	rows.Close()
	s.mu.RUnlock()
	if rowsErr != nil {
		return nil, &kv.IOError{Op: "getAll", Key: s.table, Cause: rowsErr}
	}

	if predicate == nil {
		return snapshot, nil
	}
	out := snapshot[:0:0]
	for _, e := range snapshot {
		if predicate(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

const upsertTemplate = `
INSERT INTO %[1]s (Key, Data, Version, ETag, CreatedAt, UpdatedAt)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(Key) DO UPDATE SET
	Data = excluded.Data,
	Version = CASE WHEN excluded.Version = 0 THEN %[1]s.Version + 1 ELSE excluded.Version END,
	ETag = excluded.ETag,
	UpdatedAt = excluded.UpdatedAt
RETURNING Version
`

func (s *Store) upsert(ctx context.Context, exec execer, key string, v entity.Entity, now time.Time) error {
	data, err := s.opts.Codec.Encode(v)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(upsertTemplate, s.table)
	row := exec.QueryRowContext(ctx, query, key, string(data), v.Version(), nullable(v.ETag()), now.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	var resultVersion int64
	if err := row.Scan(&resultVersion); err != nil {
		return &kv.IOError{Op: "save", Key: key, Transient: true, Cause: err}
	}
	v.SetVersion(resultVersion)
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type execer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) Save(parent context.Context, key string, v entity.Entity) error {
	ctx, cancel := s.ctx(parent)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsert(ctx, s.db, key, v, time.Now())
}

func (s *Store) SaveMany(parent context.Context, entries map[string]entity.Entity) error {
	ctx, cancel := s.ctx(parent)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &kv.IOError{Op: "saveMany", Key: s.table, Transient: true, Cause: err}
	}
	defer sqlTx.Rollback()

	now := time.Now()
	for k, v := range entries {
		if err := s.upsert(ctx, sqlTx, k, v, now); err != nil {
			return err
		}
	}
	if err := sqlTx.Commit(); err != nil {
		return &kv.IOError{Op: "saveMany", Key: s.table, Transient: true, Cause: err}
	}
	return nil
}

func (s *Store) Delete(parent context.Context, key string) error {
	ctx, cancel := s.ctx(parent)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE Key = ?", s.table), key)
	if err != nil {
		return &kv.IOError{Op: "delete", Key: key, Transient: true, Cause: err}
	}
	return nil
}

func (s *Store) Exists(parent context.Context, key string) (bool, error) {
	ctx, cancel := s.ctx(parent)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE Key = ?", s.table), key).Scan(&n)
	if err != nil {
		return false, &kv.IOError{Op: "exists", Key: key, Transient: true, Cause: err}
	}
	return n > 0, nil
}

func (s *Store) Count(ctx context.Context, predicate kv.Predicate) (int, error) {
	if predicate == nil {
		ctx, cancel := s.ctx(ctx)
		defer cancel()
		s.mu.RLock()
		defer s.mu.RUnlock()
		var n int
		err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)).Scan(&n)
		if err != nil {
			return 0, &kv.IOError{Op: "count", Key: s.table, Transient: true, Cause: err}
		}
		return n, nil
	}
	all, err := s.GetAll(ctx, predicate)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

func (s *Store) Clear(parent context.Context) (int, error) {
	ctx, cancel := s.ctx(parent)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", s.table))
	if err != nil {
		return 0, &kv.IOError{Op: "clear", Key: s.table, Transient: true, Cause: err}
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
