package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tokligence/taskd/internal/provider"
	"github.com/tokligence/taskd/internal/task"
)

const taskColumns = `id, external_id, user_id, agent_id, generator, version, provider, output_kind, config,
	status, progress, stage, cost, error, result, webhooks, created_at, updated_at, completed_at`

const openStatuses = `status NOT IN ('completed', 'failed')`

func (s *Store) CreateTask(ctx context.Context, t task.Task) error {
	if t.ID == "" {
		return errors.New("sqlstore: task id required")
	}
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO tasks(`+taskColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, nullable(t.TaskID), t.UserID, t.AgentID, t.Generator, t.Version, t.Provider, t.OutputKind,
		jsonText{v: t.Config}, string(t.Status), t.Progress, t.Stage, t.Cost, t.Error, t.Result,
		s.d.StringList(t.Webhooks), t.CreatedAt, t.UpdatedAt, t.CompletedAt)
	return err
}

func (s *Store) GetTask(ctx context.Context, id string) (task.Task, error) {
	return s.getTask(ctx, `id = ?`, id)
}

func (s *Store) GetTaskByExternalID(ctx context.Context, externalID string) (task.Task, error) {
	if externalID == "" {
		return task.Task{}, task.ErrNotFound
	}
	return s.getTask(ctx, `external_id = ?`, externalID)
}

func (s *Store) getTask(ctx context.Context, where string, arg any) (task.Task, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+taskColumns+` FROM tasks WHERE `+where), arg)
	t, err := s.scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, task.ErrNotFound
	}
	return t, err
}

func (s *Store) ListTasks(ctx context.Context, f task.Filter) ([]task.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.TaskID != "" {
		where = append(where, "external_id = ?")
		args = append(args, f.TaskID)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, f.Until.UTC())
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []task.Task
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTask(ctx context.Context, id string, p task.Patch) (bool, error) {
	var applied bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		applied, err = s.patchTask(ctx, tx, id, p)
		return err
	})
	return applied, err
}

func (s *Store) CompleteTask(ctx context.Context, id string, p task.Patch, artifacts []task.Artifact) (bool, error) {
	var applied bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.patchTask(ctx, tx, id, p)
		if err != nil || !ok {
			return err
		}
		var owner, kind string
		err = tx.QueryRowContext(ctx, s.q(`SELECT user_id, output_kind FROM tasks WHERE id = ?`), id).Scan(&owner, &kind)
		if err != nil {
			return err
		}
		for _, a := range artifacts {
			_, err := tx.ExecContext(ctx, s.q(`
INSERT INTO artifacts(id, task_id, user_id, idx, kind, uri, text, mime_type, metadata, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				a.ID, id, owner, a.Index, a.Kind, a.URI, a.Text, a.MimeType, jsonText{v: a.Metadata}, a.CreatedAt)
			if err != nil {
				return fmt.Errorf("insert artifact: %w", err)
			}
		}
		if err := s.bumpCounters(ctx, tx, owner, provider.OutputKind(kind), int64(len(artifacts))); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (s *Store) bumpCounters(ctx context.Context, tx *sql.Tx, userID string, kind provider.OutputKind, n int64) error {
	var artifacts, concepts int64
	switch kind {
	case provider.OutputArtifact:
		artifacts = n
	case provider.OutputConcept:
		concepts = n
	}
	if artifacts == 0 && concepts == 0 {
		return nil
	}
	now := time.Now().UTC()
	_, err := tx.ExecContext(ctx, s.q(`
INSERT INTO users(id, email, role, status, artifact_count, concept_count, created_at, updated_at)
VALUES(?, '', 'user', 'active', ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	artifact_count = users.artifact_count + excluded.artifact_count,
	concept_count = users.concept_count + excluded.concept_count,
	updated_at = excluded.updated_at`), userID, artifacts, concepts, now, now)
	return err
}

// patchTask applies p while the task is open. Progress never moves
// backwards within a stage.
func (s *Store) patchTask(ctx context.Context, tx *sql.Tx, id string, p task.Patch) (bool, error) {
	now := time.Now().UTC()
	sets := []string{"updated_at = ?"}
	args := []any{now}

	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*p.Status))
		if p.Status.Terminal() {
			sets = append(sets, "completed_at = ?")
			args = append(args, now)
		}
	}
	switch {
	case p.Stage != nil && p.Progress != nil:
		sets = append(sets,
			"progress = CASE WHEN ? > stage THEN ? WHEN ? = stage AND ? > progress THEN ? ELSE progress END",
			"stage = CASE WHEN ? > stage THEN ? ELSE stage END")
		args = append(args, *p.Stage, *p.Progress, *p.Stage, *p.Progress, *p.Progress, *p.Stage, *p.Stage)
	case p.Stage != nil:
		sets = append(sets,
			"progress = CASE WHEN ? > stage THEN 0 ELSE progress END",
			"stage = CASE WHEN ? > stage THEN ? ELSE stage END")
		args = append(args, *p.Stage, *p.Stage, *p.Stage)
	case p.Progress != nil:
		sets = append(sets, "progress = CASE WHEN ? > progress THEN ? ELSE progress END")
		args = append(args, *p.Progress, *p.Progress)
	}
	if p.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *p.Error)
	}
	if p.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, *p.Result)
	}
	if p.TaskID != nil {
		sets = append(sets, "external_id = ?")
		args = append(args, nullable(*p.TaskID))
	}
	args = append(args, id)

	res, err := tx.ExecContext(ctx, s.q(`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ? AND `+openStatuses), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}
	if len(p.Outputs) > 0 {
		if err := s.appendOutputs(ctx, tx, id, p.Outputs, now); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (s *Store) appendOutputs(ctx context.Context, tx *sql.Tx, id string, outs []provider.Output, at time.Time) error {
	var seq int
	if err := tx.QueryRowContext(ctx, s.q(`SELECT COALESCE(MAX(seq), 0) FROM task_outputs WHERE task_id = ?`), id).Scan(&seq); err != nil {
		return err
	}
	for _, o := range outs {
		seq++
		_, err := tx.ExecContext(ctx, s.q(`
INSERT INTO task_outputs(task_id, seq, uri, text, mime_type, created_at)
VALUES(?, ?, ?, ?, ?, ?)`), id, seq, o.URI, o.Text, o.MimeType, at)
		if err != nil {
			return fmt.Errorf("insert output: %w", err)
		}
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM task_outputs WHERE task_id = ?`,
			`DELETE FROM artifacts WHERE task_id = ?`,
			`DELETE FROM tasks WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.q(stmt), id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ListArtifacts(ctx context.Context, taskID string) ([]task.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT id, task_id, user_id, idx, kind, uri, text, mime_type, metadata, created_at
FROM artifacts WHERE task_id = ? ORDER BY idx`), taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []task.Artifact
	for rows.Next() {
		var a task.Artifact
		if err := rows.Scan(&a.ID, &a.TaskID, &a.UserID, &a.Index, &a.Kind, &a.URI, &a.Text, &a.MimeType,
			jsonScan{dst: &a.Metadata}, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) ListOutputs(ctx context.Context, taskID string) ([]task.Output, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT task_id, seq, uri, text, mime_type, created_at
FROM task_outputs WHERE task_id = ? ORDER BY seq`), taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []task.Output
	for rows.Next() {
		var o task.Output
		if err := rows.Scan(&o.TaskID, &o.Seq, &o.URI, &o.Text, &o.MimeType, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) scanTask(r scanner) (task.Task, error) {
	var (
		t          task.Task
		externalID sql.NullString
		status     string
		completed  sql.NullTime
	)
	err := r.Scan(&t.ID, &externalID, &t.UserID, &t.AgentID, &t.Generator, &t.Version, &t.Provider, &t.OutputKind,
		jsonScan{dst: &t.Config}, &status, &t.Progress, &t.Stage, &t.Cost, &t.Error, &t.Result,
		s.d.ScanStringList(&t.Webhooks), &t.CreatedAt, &t.UpdatedAt, &completed)
	if err != nil {
		return task.Task{}, err
	}
	t.TaskID = externalID.String
	t.Status = task.Status(status)
	if completed.Valid {
		ts := completed.Time
		t.CompletedAt = &ts
	}
	return t, nil
}
