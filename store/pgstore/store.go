// Package pgstore provides a PostgreSQL-based repository implementation.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iansokolskyi/celery-flow/event"
	"github.com/iansokolskyi/celery-flow/graph"
	"github.com/iansokolskyi/celery-flow/query"
	"github.com/iansokolskyi/celery-flow/store"
)

// Schema is the DDL for the task snapshot table. Migrate applies it;
// operators with their own migration tooling can run it directly.
const Schema = `
CREATE TABLE IF NOT EXISTS celery_flow_tasks (
	task_id     TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL,
	retries     INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	result      JSONB,
	parent_id   TEXT NOT NULL DEFAULT '',
	root_id     TEXT NOT NULL DEFAULT '',
	group_id    TEXT NOT NULL DEFAULT '',
	chord_id    TEXT NOT NULL DEFAULT '',
	trace_id    TEXT NOT NULL DEFAULT '',
	last_seq    JSONB NOT NULL DEFAULT '{}',
	placeholder BOOLEAN NOT NULL DEFAULT FALSE,
	ord         BIGINT GENERATED ALWAYS AS IDENTITY
);
CREATE INDEX IF NOT EXISTS idx_celery_flow_tasks_parent ON celery_flow_tasks (parent_id) WHERE parent_id <> '';
CREATE INDEX IF NOT EXISTS idx_celery_flow_tasks_state ON celery_flow_tasks (state);
CREATE INDEX IF NOT EXISTS idx_celery_flow_tasks_name ON celery_flow_tasks (name);
CREATE INDEX IF NOT EXISTS idx_celery_flow_tasks_trace ON celery_flow_tasks (trace_id) WHERE trace_id <> '';
`

// Store implements store.Repository with PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new PostgreSQL repository.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the task table and indexes if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Get returns the stored snapshot for a task, including its child ids.
func (s *Store) Get(ctx context.Context, taskID string) (graph.Snapshot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+columns+`
		FROM celery_flow_tasks
		WHERE task_id = $1
	`, taskID)

	snap, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return graph.Snapshot{}, store.ErrNotFound
		}
		return graph.Snapshot{}, fmt.Errorf("query task: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT task_id FROM celery_flow_tasks
		WHERE parent_id = $1
		ORDER BY ord ASC
	`, taskID)
	if err != nil {
		return graph.Snapshot{}, fmt.Errorf("query children: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var childID string
		if err := rows.Scan(&childID); err != nil {
			return graph.Snapshot{}, fmt.Errorf("scan child id: %w", err)
		}
		snap.Children = append(snap.Children, childID)
	}
	if err := rows.Err(); err != nil {
		return graph.Snapshot{}, fmt.Errorf("iterate children: %w", err)
	}

	return snap, nil
}

// Upsert stores a snapshot. An advisory lock on the task id serializes
// concurrent writers, and stale snapshots (no applied sequence beyond the
// stored row's) are dropped so replayed persistence never rolls state back.
func (s *Store) Upsert(ctx context.Context, snap graph.Snapshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, snap.TaskID); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	var storedSeq []byte
	err = tx.QueryRow(ctx, `
		SELECT last_seq FROM celery_flow_tasks WHERE task_id = $1
	`, snap.TaskID).Scan(&storedSeq)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// first write for this task
	case err != nil:
		return fmt.Errorf("get stored sequences: %w", err)
	default:
		stored := map[string]int64{}
		if err := json.Unmarshal(storedSeq, &stored); err != nil {
			return fmt.Errorf("decode stored sequences: %w", err)
		}
		if !progressed(snap.LastSeq, stored) {
			return tx.Commit(ctx)
		}
	}

	lastSeq, err := json.Marshal(seqOrEmpty(snap.LastSeq))
	if err != nil {
		return fmt.Errorf("encode sequences: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO celery_flow_tasks
			(task_id, name, state, retries, created_at, updated_at, result,
			 parent_id, root_id, group_id, chord_id, trace_id, last_seq, placeholder)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (task_id) DO UPDATE SET
			name = EXCLUDED.name,
			state = EXCLUDED.state,
			retries = EXCLUDED.retries,
			updated_at = EXCLUDED.updated_at,
			result = EXCLUDED.result,
			parent_id = EXCLUDED.parent_id,
			root_id = EXCLUDED.root_id,
			group_id = EXCLUDED.group_id,
			chord_id = EXCLUDED.chord_id,
			trace_id = EXCLUDED.trace_id,
			last_seq = EXCLUDED.last_seq,
			placeholder = EXCLUDED.placeholder
	`, snap.TaskID, snap.Name, string(snap.State), snap.Retries, snap.CreatedAt, snap.UpdatedAt,
		nullableJSON(snap.Result), snap.ParentID, snap.RootID, snap.GroupID, snap.ChordID,
		snap.TraceID, lastSeq, snap.Placeholder)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}

	return tx.Commit(ctx)
}

// List returns a page of snapshots matching the filter plus the total
// match count, ordered by insertion. List results omit Children; use Get
// for the full adjacency of a single task.
func (s *Store) List(ctx context.Context, filter query.Filter) ([]graph.Snapshot, int64, error) {
	where, args := filterClause(filter)

	total, err := s.countWhere(ctx, where, args)
	if err != nil {
		return nil, 0, err
	}

	sql := `SELECT ` + columns + ` FROM celery_flow_tasks` + where + ` ORDER BY ord ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	snaps, err := scanSnapshots(rows)
	if err != nil {
		return nil, 0, err
	}
	return snaps, total, nil
}

// CountTasks implements query.TaskCounter.
func (s *Store) CountTasks(ctx context.Context, filter query.Filter) (int64, error) {
	where, args := filterClause(filter)
	return s.countWhere(ctx, where, args)
}

func (s *Store) countWhere(ctx context.Context, where string, args []any) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM celery_flow_tasks`+where, args...).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return total, nil
}

// Children returns snapshots of the tasks spawned by parentID, ordered by
// insertion.
func (s *Store) Children(ctx context.Context, parentID string) ([]graph.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+columns+`
		FROM celery_flow_tasks
		WHERE parent_id = $1
		ORDER BY ord ASC
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	defer rows.Close()

	return scanSnapshots(rows)
}

// QueryByTrace implements query.TraceQuerier.
func (s *Store) QueryByTrace(ctx context.Context, traceID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id FROM celery_flow_tasks
		WHERE trace_id = $1
		ORDER BY ord ASC
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("query by trace: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task ids: %w", err)
	}
	return ids, nil
}

// columns is the select list matching scanSnapshot's scan order.
const columns = `task_id, name, state, retries, created_at, updated_at, result,
	parent_id, root_id, group_id, chord_id, trace_id, last_seq, placeholder`

// filterClause builds the WHERE clause and arguments for a filter.
func filterClause(filter query.Filter) (string, []any) {
	where := ""
	var args []any
	and := func(cond string, arg any) {
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		args = append(args, arg)
		where += fmt.Sprintf(cond, len(args))
	}

	if filter.State != "" {
		and("state = $%d", string(filter.State))
	}
	if filter.Name != "" {
		and("name = $%d", filter.Name)
	}
	return where, args
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (graph.Snapshot, error) {
	var snap graph.Snapshot
	var state string
	var result, lastSeq []byte

	err := row.Scan(&snap.TaskID, &snap.Name, &state, &snap.Retries,
		&snap.CreatedAt, &snap.UpdatedAt, &result, &snap.ParentID, &snap.RootID,
		&snap.GroupID, &snap.ChordID, &snap.TraceID, &lastSeq, &snap.Placeholder)
	if err != nil {
		return graph.Snapshot{}, err
	}

	snap.State = event.TaskState(state)
	if len(result) > 0 {
		snap.Result = result
	}
	if len(lastSeq) > 0 {
		seqs := map[string]int64{}
		if err := json.Unmarshal(lastSeq, &seqs); err != nil {
			return graph.Snapshot{}, fmt.Errorf("decode sequences: %w", err)
		}
		if len(seqs) > 0 {
			snap.LastSeq = seqs
		}
	}
	return snap, nil
}

func scanSnapshots(rows pgx.Rows) ([]graph.Snapshot, error) {
	snaps := []graph.Snapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return snaps, nil
}

// progressed reports whether candidate has applied any sequence beyond
// stored.
func progressed(candidate, stored map[string]int64) bool {
	for src, seq := range candidate {
		if seq > stored[src] {
			return true
		}
	}
	return false
}

// seqOrEmpty never serializes nil, keeping the column's NOT NULL contract.
func seqOrEmpty(seqs map[string]int64) map[string]int64 {
	if seqs == nil {
		return map[string]int64{}
	}
	return seqs
}

// nullableJSON maps an empty payload to SQL NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
