package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	admission "github.com/goliatone/go-admission"
)

// PgxConn is the subset of *pgxpool.Pool the Postgres store needs.
type PgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// OpenPostgres connects a pgx pool and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, admission.NewError(admission.ErrInvalidConfig, "postgres dsn is required", nil, nil)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, storageError("connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, storageError("ping", err)
	}
	return pool, nil
}

// PostgresStore persists runs in Postgres. Parameters, context and result are
// JSONB columns.
type PostgresStore struct {
	db    PgxConn
	table string
	now   func() time.Time

	schemaMu    sync.Mutex
	schemaReady bool
}

func NewPostgresStore(db PgxConn, table string) *PostgresStore {
	if table == "" {
		table = "runs"
	}
	return &PostgresStore{db: db, table: table, now: time.Now}
}

const pgRunColumns = `id, action_ref, status, parameters, context, result, start_timestamp, end_timestamp, revision, created_at, updated_at`

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return admission.NewError(admission.ErrStoreStorage, "postgres store not configured", nil, nil)
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
			parameters JSONB,
			context JSONB,
			result JSONB,
			start_timestamp TIMESTAMPTZ NOT NULL,
			end_timestamp TIMESTAMPTZ,
			revision BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_action_status ON %s(action_ref, status)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status_start ON %s(status, start_timestamp)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return storageError("ensure schema", err)
		}
	}
	s.schemaReady = true
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*admission.Run, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, pgRunColumns, s.table)
	run, err := scanPgRun(s.db.QueryRow(ctx, q, strings.TrimSpace(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, storageError("get", err)
	}
	return run, nil
}

func (s *PostgresStore) Count(ctx context.Context, filter admission.Filter) (int, error) {
	if len(filter.Parameters) > 0 {
		runs, err := s.Query(ctx, filter, admission.OrderStartAsc, 0)
		if err != nil {
			return 0, err
		}
		return len(runs), nil
	}
	if err := s.ensureSchema(ctx); err != nil {
		return 0, err
	}
	where, args := pgWhere(filter)
	var count int
	if err := s.db.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(1) FROM %s%s`, s.table, where), args...).Scan(&count); err != nil {
		return 0, storageError("count", err)
	}
	return count, nil
}

func (s *PostgresStore) Query(ctx context.Context, filter admission.Filter, order admission.Order, limit int) ([]*admission.Run, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	where, args := pgWhere(filter)
	direction := "ASC"
	if order == admission.OrderStartDesc {
		direction = "DESC"
	}
	q := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY start_timestamp %s, created_at ASC, id ASC`, pgRunColumns, s.table, where, direction)
	if limit > 0 && len(filter.Parameters) == 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, storageError("query", err)
	}
	defer rows.Close()

	out := make([]*admission.Run, 0)
	for rows.Next() {
		run, err := scanPgRun(rows)
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

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status admission.Status, expectedRevision int64, _ bool) (*admission.Run, error) {
	if !status.Valid() {
		return nil, admission.NewError(admission.ErrInvalidRun, "invalid status", nil, map[string]any{"status": string(status)})
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`UPDATE %s SET status = $1, revision = revision + 1, updated_at = $2
		WHERE id = $3 AND revision = $4 RETURNING %s`, s.table, pgRunColumns)
	run, err := scanPgRun(s.db.QueryRow(ctx, q, string(status), s.now().UTC(), id, expectedRevision))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.missOrConflict(ctx, id, expectedRevision)
	}
	if err != nil {
		return nil, storageError("update status", err)
	}
	return run, nil
}

func (s *PostgresStore) Update(ctx context.Context, run *admission.Run, _ bool) (*admission.Run, error) {
	if err := run.Validate(); err != nil {
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	params, runCtx, result, err := encodePgMaps(run)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`UPDATE %s SET action_ref = $1, status = $2, parameters = $3, context = $4, result = $5,
		start_timestamp = $6, end_timestamp = $7, revision = revision + 1, updated_at = $8
		WHERE id = $9 AND revision = $10 RETURNING %s`, s.table, pgRunColumns)
	updated, err := scanPgRun(s.db.QueryRow(ctx, q,
		run.ActionRef, string(run.Status), params, runCtx, result,
		run.StartTimestamp.UTC(), run.EndTimestamp, s.now().UTC(),
		run.ID, run.Revision,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.missOrConflict(ctx, run.ID, run.Revision)
	}
	if err != nil {
		return nil, storageError("update", err)
	}
	return updated, nil
}

func (s *PostgresStore) Create(ctx context.Context, run *admission.Run) (*admission.Run, error) {
	if err := run.Validate(); err != nil {
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	next := prepareCreate(run, s.now())
	params, runCtx, result, err := encodePgMaps(next)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, s.table, pgRunColumns)
	_, err = s.db.Exec(ctx, q,
		next.ID, next.ActionRef, string(next.Status), params, runCtx, result,
		next.StartTimestamp, next.EndTimestamp, next.Revision, next.CreatedAt, next.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, conflict(next.ID, 0, 1)
		}
		return nil, storageError("create", err)
	}
	return next, nil
}

func (s *PostgresStore) missOrConflict(ctx context.Context, id string, expected int64) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return conflict(id, expected, current.Revision)
}

func pgWhere(filter admission.Filter) (string, []any) {
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 3)
	if filter.ActionRef != "" {
		args = append(args, filter.ActionRef)
		clauses = append(clauses, fmt.Sprintf("action_ref = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			statuses[i] = string(status)
		}
		args = append(args, statuses)
		clauses = append(clauses, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.StartedBefore != nil {
		args = append(args, filter.StartedBefore.UTC())
		clauses = append(clauses, fmt.Sprintf("start_timestamp < $%d", len(args)))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanPgRun(row pgx.Row) (*admission.Run, error) {
	var (
		run                    admission.Run
		status                 string
		params, runCtx, result []byte
		end                    *time.Time
	)
	if err := row.Scan(&run.ID, &run.ActionRef, &status, &params, &runCtx, &result,
		&run.StartTimestamp, &end, &run.Revision, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Status = admission.Status(status)
	run.StartTimestamp = run.StartTimestamp.UTC()
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	if end != nil {
		utc := end.UTC()
		run.EndTimestamp = &utc
	}
	if err := decodeRunMaps(&run, string(params), string(runCtx), string(result)); err != nil {
		return nil, err
	}
	return &run, nil
}

func encodePgMaps(run *admission.Run) (any, any, any, error) {
	encode := func(m map[string]any) (any, error) {
		if len(m) == 0 {
			return nil, nil
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return nil, admission.NewError(admission.ErrInvalidRun, "run is not serializable", err, map[string]any{
				"run_id": run.ID,
			})
		}
		return string(raw), nil
	}
	params, err := encode(run.Parameters)
	if err != nil {
		return nil, nil, nil, err
	}
	runCtx, err := encode(run.Context)
	if err != nil {
		return nil, nil, nil, err
	}
	result, err := encode(run.Result)
	if err != nil {
		return nil, nil, nil, err
	}
	return params, runCtx, result, nil
}
