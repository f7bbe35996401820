package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	admission "github.com/goliatone/go-admission"
)

// SQLiteQueue persists entries in SQLite. The AUTOINCREMENT seq column is the
// enqueue sequence; claims are conditional deletes so that two processes
// sharing the database never claim the same row.
type SQLiteQueue struct {
	db    *sql.DB
	table string
	now   func() time.Time

	schemaMu    sync.Mutex
	schemaReady bool
}

func NewSQLiteQueue(db *sql.DB, table string) *SQLiteQueue {
	if table == "" {
		table = "execution_queue"
	}
	return &SQLiteQueue{db: db, table: table, now: time.Now}
}

func (q *SQLiteQueue) ensureSchema(ctx context.Context) error {
	if q == nil || q.db == nil {
		return admission.NewError(admission.ErrQueueStorage, "sqlite queue not configured", nil, nil)
	}
	q.schemaMu.Lock()
	defer q.schemaMu.Unlock()
	if q.schemaReady {
		return nil
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL UNIQUE,
			delay_ns INTEGER NOT NULL,
			priority INTEGER NOT NULL,
			affinity TEXT,
			liveaction TEXT NOT NULL,
			start_ts INTEGER NOT NULL,
			enqueued_at INTEGER NOT NULL
		)`, q.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_order ON %s(start_ts, priority, seq)`, q.table, q.table),
	}
	for _, stmt := range stmts {
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return storageError("ensure schema", err)
		}
	}
	q.schemaReady = true
	return nil
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, run *admission.Run, delay time.Duration, priority int, affinity string) (string, error) {
	entry, err := newEntry(run, delay, priority, affinity, q.now())
	if err != nil {
		return "", err
	}
	if err := q.ensureSchema(ctx); err != nil {
		return "", err
	}
	snapshot, err := json.Marshal(entry.LiveAction)
	if err != nil {
		return "", admission.NewError(admission.ErrInvalidRun, "run snapshot is not serializable", err, map[string]any{
			"run_id": entry.ID,
		})
	}
	stmt := fmt.Sprintf(`INSERT OR REPLACE INTO %s (run_id, delay_ns, priority, affinity, liveaction, start_ts, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, q.table)
	if _, err := q.db.ExecContext(ctx, stmt,
		entry.ID, int64(entry.Delay), entry.Priority, entry.Affinity, string(snapshot),
		entry.StartTimestamp.UnixNano(), entry.EnqueuedAt.UnixNano(),
	); err != nil {
		return "", storageError("enqueue", err)
	}
	return entry.ID, nil
}

func (q *SQLiteQueue) PopNext(ctx context.Context) (*Entry, error) {
	if err := q.ensureSchema(ctx); err != nil {
		return nil, err
	}
	selectNext := fmt.Sprintf(`SELECT seq, run_id, delay_ns, priority, affinity, liveaction, start_ts, enqueued_at
		FROM %s WHERE start_ts <= ? ORDER BY start_ts ASC, priority ASC, seq ASC LIMIT 1`, q.table)
	claim := fmt.Sprintf(`DELETE FROM %s WHERE seq = ?`, q.table)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry, err := scanSQLiteEntry(q.db.QueryRowContext(ctx, selectNext, q.now().UTC().UnixNano()))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, storageError("select next", err)
		}
		res, err := q.db.ExecContext(ctx, claim, entry.Seq)
		if err != nil {
			return nil, storageError("claim", err)
		}
		if affected, _ := res.RowsAffected(); affected == 1 {
			return entry, nil
		}
		// another consumer claimed it first
	}
}

func (q *SQLiteQueue) Remove(ctx context.Context, runID string) (bool, error) {
	if err := q.ensureSchema(ctx); err != nil {
		return false, err
	}
	res, err := q.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE run_id = ?`, q.table), runID)
	if err != nil {
		return false, storageError("remove", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (q *SQLiteQueue) Contains(ctx context.Context, runID string) (bool, error) {
	if err := q.ensureSchema(ctx); err != nil {
		return false, err
	}
	var n int
	err := q.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(1) FROM %s WHERE run_id = ?`, q.table), runID).Scan(&n)
	if err != nil {
		return false, storageError("contains", err)
	}
	return n > 0, nil
}

func (q *SQLiteQueue) Len(ctx context.Context) (int, error) {
	if err := q.ensureSchema(ctx); err != nil {
		return 0, err
	}
	var n int
	if err := q.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(1) FROM %s`, q.table)).Scan(&n); err != nil {
		return 0, storageError("len", err)
	}
	return n, nil
}

func scanSQLiteEntry(row *sql.Row) (*Entry, error) {
	var (
		entry                Entry
		delay, start, queued int64
		affinity             sql.NullString
		snapshot             string
	)
	if err := row.Scan(&entry.Seq, &entry.ID, &delay, &entry.Priority, &affinity, &snapshot, &start, &queued); err != nil {
		return nil, err
	}
	entry.Delay = time.Duration(delay)
	entry.Affinity = affinity.String
	entry.StartTimestamp = time.Unix(0, start).UTC()
	entry.EnqueuedAt = time.Unix(0, queued).UTC()
	var run admission.Run
	if err := json.Unmarshal([]byte(snapshot), &run); err != nil {
		return nil, err
	}
	entry.LiveAction = &run
	return &entry, nil
}
