package repo

import (
	"context"
	"database/sql"

	"contextline/internal/domain"
)

const taskColumns = `id,skill_id,status,input_json,output_json,error,created_at,updated_at`

func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.SkillID, t.Status, nullable(t.InputJSON), nullableStringPtr(t.OutputJSON), nullableStringPtr(t.Error),
		t.CreatedAt, t.UpdatedAt)
	return err
}

func scanTaskRow(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var input, output, taskErr sql.NullString
	err := scan(&t.ID, &t.SkillID, &t.Status, &input, &output, &taskErr, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	if input.Valid {
		t.InputJSON = input.String
	}
	if output.Valid {
		t.OutputJSON = &output.String
	}
	if taskErr.Valid {
		t.Error = &taskErr.String
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTaskRow(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// UpdateTaskStatusIf moves a task between lifecycle states conditionally,
// so execute transitions exactly once even under concurrent calls.
func (r Repo) UpdateTaskStatusIf(ctx context.Context, tx *sql.Tx, id, fromStatus, toStatus, ts string) (bool, error) {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=? AND status=?`, toStatus, ts, id, fromStatus)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinishTask records the terminal outcome of an executed task.
func (r Repo) FinishTask(ctx context.Context, id, status string, output, taskErr *string, ts string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status=?, output_json=?, error=?, updated_at=? WHERE id=?`,
		status, nullableStringPtr(output), nullableStringPtr(taskErr), ts, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
