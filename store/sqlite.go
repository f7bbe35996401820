package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	admission "github.com/goliatone/go-admission"
)

// SQLiteConfig describes how to open a SQLite database.
type SQLiteConfig struct {
	Path        string `yaml:"path"`
	BusyTimeout int    `yaml:"busy_timeout"`
	WALMode     bool   `yaml:"wal_mode"`
}

// OpenSQLite opens a SQLite database with a busy timeout and, optionally, WAL
// journaling. A single connection keeps writers serialized.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (*sql.DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, admission.NewError(admission.ErrInvalidConfig, "sqlite path is required", nil, nil)
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on", path, busy*1000)
	if path == ":memory:" {
		dsn = fmt.Sprintf("file::memory:?_busy_timeout=%d", busy*1000)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, storageError("open", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, storageError("ping", err)
	}
	if cfg.WALMode && path != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, storageError("enable wal", err)
		}
	}
	return db, nil
}

// SQLiteStore persists runs in a SQLite table. Timestamps used for ordering
// are stored as unix nanoseconds.
type SQLiteStore struct {
	db    *sql.DB
	table string
	now   func() time.Time

	schemaMu    sync.Mutex
	schemaReady bool
}

// NewSQLiteStore builds a store over db using table (default "runs").
func NewSQLiteStore(db *sql.DB, table string) *SQLiteStore {
	if table == "" {
		table = "runs"
	}
	return &SQLiteStore{db: db, table: table, now: time.Now}
}

const sqliteRunColumns = `id, action_ref, status, parameters, context, result, start_ts, end_ts, revision, created_at, updated_at`

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return admission.NewError(admission.ErrStoreStorage, "sqlite store not configured", nil, nil)
	}
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaReady {
		return nil
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			action_ref TEXT NOT NULL,
			status TEXT NOT NULL,
			parameters TEXT,
			context TEXT,
			result TEXT,
			start_ts INTEGER NOT NULL,
			end_ts INTEGER,
			revision INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_action_status ON %s(action_ref, status)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status_start ON %s(status, start_ts)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return storageError("ensure schema", err)
		}
	}
	s.schemaReady = true
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*admission.Run, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, sqliteRunColumns, s.table)
	run, err := scanSQLiteRun(s.db.QueryRowContext(ctx, q, strings.TrimSpace(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, storageError("get", err)
	}
	return run, nil
}

func (s *SQLiteStore) Count(ctx context.Context, filter admission.Filter) (int, error) {
	if len(filter.Parameters) == 0 {
		if err := s.ensureSchema(ctx); err != nil {
			return 0, err
		}
		where, args := sqliteWhere(filter)
		var count int
		q := fmt.Sprintf(`SELECT COUNT(1) FROM %s%s`, s.table, where)
		if err := s.db.QueryRowContext(ctx, q, args...).Scan(&count); err != nil {
			return 0, storageError("count", err)
		}
		return count, nil
	}
	runs, err := s.Query(ctx, filter, admission.OrderStartAsc, 0)
	if err != nil {
		return 0, err
	}
	return len(runs), nil
}

// Query filters by action, status and start time in SQL; parameter equality
// is evaluated on the decoded rows so that it matches the in-memory store.
func (s *SQLiteStore) Query(ctx context.Context, filter admission.Filter, order admission.Order, limit int) ([]*admission.Run, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	where, args := sqliteWhere(filter)
	direction := "ASC"
	if order == admission.OrderStartDesc {
		direction = "DESC"
	}
	q := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY start_ts %s, created_at ASC, id ASC`, sqliteRunColumns, s.table, where, direction)
	if limit > 0 && len(filter.Parameters) == 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageError("query", err)
	}
	defer rows.Close()

	out := make([]*admission.Run, 0)
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, storageError("scan", err)
		}
		if !filter.Matches(run) {
			continue
		}
		out = append(out, run)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("query", err)
	}
	return out, nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status admission.Status, expectedRevision int64, _ bool) (*admission.Run, error) {
	if !status.Valid() {
		return nil, admission.NewError(admission.ErrInvalidRun, "invalid status", nil, map[string]any{"status": string(status)})
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`UPDATE %s SET status = ?, revision = revision + 1, updated_at = ? WHERE id = ? AND revision = ?`, s.table)
	res, err := s.db.ExecContext(ctx, q, string(status), s.now().UTC().UnixNano(), id, expectedRevision)
	if err != nil {
		return nil, storageError("update status", err)
	}
	if err := s.checkApplied(ctx, res, id, expectedRevision); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) Update(ctx context.Context, run *admission.Run, _ bool) (*admission.Run, error) {
	if err := run.Validate(); err != nil {
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	params, runCtx, result, err := encodeRunMaps(run)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`UPDATE %s SET action_ref = ?, status = ?, parameters = ?, context = ?, result = ?,
		start_ts = ?, end_ts = ?, revision = revision + 1, updated_at = ?
		WHERE id = ? AND revision = ?`, s.table)
	res, err := s.db.ExecContext(ctx, q,
		run.ActionRef, string(run.Status), params, runCtx, result,
		run.StartTimestamp.UTC().UnixNano(), nullableNanos(run.EndTimestamp), s.now().UTC().UnixNano(),
		run.ID, run.Revision,
	)
	if err != nil {
		return nil, storageError("update", err)
	}
	if err := s.checkApplied(ctx, res, run.ID, run.Revision); err != nil {
		return nil, err
	}
	return s.Get(ctx, run.ID)
}

func (s *SQLiteStore) Create(ctx context.Context, run *admission.Run) (*admission.Run, error) {
	if err := run.Validate(); err != nil {
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	next := prepareCreate(run, s.now())
	params, runCtx, result, err := encodeRunMaps(next)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table, sqliteRunColumns)
	_, err = s.db.ExecContext(ctx, q,
		next.ID, next.ActionRef, string(next.Status), params, runCtx, result,
		next.StartTimestamp.UnixNano(), nullableNanos(next.EndTimestamp), next.Revision,
		next.CreatedAt.UnixNano(), next.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, conflict(next.ID, 0, 1)
		}
		return nil, storageError("create", err)
	}
	return next, nil
}

func (s *SQLiteStore) checkApplied(ctx context.Context, res sql.Result, id string, expected int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return storageError("rows affected", err)
	}
	if affected == 1 {
		return nil
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return conflict(id, expected, current.Revision)
}

func sqliteWhere(filter admission.Filter) (string, []any) {
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if filter.ActionRef != "" {
		clauses = append(clauses, "action_ref = ?")
		args = append(args, filter.ActionRef)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(status))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.StartedBefore != nil {
		clauses = append(clauses, "start_ts < ?")
		args = append(args, filter.StartedBefore.UTC().UnixNano())
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row rowScanner) (*admission.Run, error) {
	var (
		run                       admission.Run
		status                    string
		params, runCtx, result    sql.NullString
		startTS, createdTS, updTS int64
		endTS                     sql.NullInt64
	)
	if err := row.Scan(&run.ID, &run.ActionRef, &status, &params, &runCtx, &result,
		&startTS, &endTS, &run.Revision, &createdTS, &updTS); err != nil {
		return nil, err
	}
	run.Status = admission.Status(status)
	run.StartTimestamp = time.Unix(0, startTS).UTC()
	run.CreatedAt = time.Unix(0, createdTS).UTC()
	run.UpdatedAt = time.Unix(0, updTS).UTC()
	if endTS.Valid {
		end := time.Unix(0, endTS.Int64).UTC()
		run.EndTimestamp = &end
	}
	if err := decodeRunMaps(&run, params.String, runCtx.String, result.String); err != nil {
		return nil, err
	}
	return &run, nil
}

func encodeRunMaps(run *admission.Run) (string, string, string, error) {
	encode := func(field string, m map[string]any) (string, error) {
		if len(m) == 0 {
			return "", nil
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return "", admission.NewError(admission.ErrInvalidRun, "run "+field+" is not serializable", err, map[string]any{
				"run_id": run.ID,
			})
		}
		return string(raw), nil
	}
	params, err := encode("parameters", run.Parameters)
	if err != nil {
		return "", "", "", err
	}
	runCtx, err := encode("context", run.Context)
	if err != nil {
		return "", "", "", err
	}
	result, err := encode("result", run.Result)
	if err != nil {
		return "", "", "", err
	}
	return params, runCtx, result, nil
}

func decodeRunMaps(run *admission.Run, params, runCtx, result string) error {
	decode := func(raw string, dst *map[string]any) error {
		if strings.TrimSpace(raw) == "" {
			return nil
		}
		return json.Unmarshal([]byte(raw), dst)
	}
	if err := decode(params, &run.Parameters); err != nil {
		return err
	}
	if err := decode(runCtx, &run.Context); err != nil {
		return err
	}
	return decode(result, &run.Result)
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}
