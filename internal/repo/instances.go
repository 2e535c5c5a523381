package repo

import (
	"context"
	"database/sql"
	"errors"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"rallypoint/internal/domain"
)

// ErrInFlight is returned by InsertInstance when the plan already has a
// pending or running instance.
var ErrInFlight = errors.New("plan already has an activation in flight")

const instanceColumns = `id,plan_id,status,current_phase,started_at,deadline_at,completed_at,errors_json`

func scanInstance(row rowScanner) (domain.ExecutionInstance, error) {
	var (
		in        domain.ExecutionInstance
		completed sql.NullString
		errs      sql.NullString
	)
	err := row.Scan(&in.ID, &in.PlanID, &in.Status, &in.CurrentPhase, &in.StartedAt, &in.DeadlineAt, &completed, &errs)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	if err != nil {
		return in, err
	}
	if completed.Valid {
		in.CompletedAt = &completed.String
	}
	if err := decodeJSON(errs, &in.Errors); err != nil {
		return in, err
	}
	return in, nil
}

// InsertInstance creates an instance in one statement. The partial unique
// index on plan_id over non-terminal rows turns a concurrent second start
// into a constraint violation, reported as ErrInFlight.
func (r Repo) InsertInstance(ctx context.Context, in domain.ExecutionInstance) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO execution_instances(id,plan_id,status,current_phase,started_at,deadline_at) VALUES (?,?,?,?,?,?)`,
		in.ID, in.PlanID, in.Status, in.CurrentPhase, in.StartedAt, in.DeadlineAt)
	if isUniqueViolation(err) {
		return ErrInFlight
	}
	return err
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func (r Repo) GetInstance(ctx context.Context, id string) (domain.ExecutionInstance, error) {
	return scanInstance(r.DB.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM execution_instances WHERE id=?`, id))
}

func (r Repo) ListInstances(ctx context.Context, planID string) ([]domain.ExecutionInstance, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+instanceColumns+` FROM execution_instances WHERE plan_id=? ORDER BY started_at DESC, id DESC`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExecutionInstance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

func (r Repo) UpdateInstancePhase(ctx context.Context, id, phase string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE execution_instances SET current_phase=? WHERE id=?`, phase, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishInstance moves a non-terminal instance to its terminal status. Finishing
// an instance that is already terminal returns ErrNotFound.
func (r Repo) FinishInstance(ctx context.Context, id, status, completedAt string, errs []string) error {
	var payload any
	if len(errs) > 0 {
		var err error
		if payload, err = encodeJSON(errs); err != nil {
			return err
		}
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE execution_instances SET status=?, completed_at=?, errors_json=?, current_phase='' WHERE id=? AND status IN ('pending','running')`,
		status, completedAt, payload, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
