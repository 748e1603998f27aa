package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"staffline/internal/domain"
)

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO provisioning_runs(id,employee_id,kind,success,category,detail,steps_json,actor_id,started_at,finished_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.EmployeeID, run.Kind, run.Success, nullable(run.Category), nullable(run.Detail), run.StepsJSON, run.ActorID, run.StartedAt, run.FinishedAt)
	return err
}

// ListRuns returns runs for an employee, or all runs when employeeID is 0, newest first.
func (r Repo) ListRuns(ctx context.Context, employeeID int64, limit int) ([]domain.Run, error) {
	query := `SELECT id,employee_id,kind,success,COALESCE(category,''),COALESCE(detail,''),steps_json,actor_id,started_at,finished_at FROM provisioning_runs`
	var args []any
	if employeeID > 0 {
		query += ` WHERE employee_id=?`
		args = append(args, employeeID)
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		var run domain.Run
		if err := rows.Scan(&run.ID, &run.EmployeeID, &run.Kind, &run.Success, &run.Category, &run.Detail, &run.StepsJSON, &run.ActorID, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// Journal stores compensation records outside of any status transaction.
type Journal struct {
	Repo Repo
}

func (j Journal) Open(ctx context.Context, c domain.Compensation) error {
	_, err := j.Repo.DB.ExecContext(ctx, `INSERT INTO compensations(id,run_id,employee_id,action,target,state,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.RunID, c.EmployeeID, c.Action, c.Target, c.State, c.CreatedAt, c.UpdatedAt)
	return err
}

func (j Journal) Settle(ctx context.Context, id, state string) error {
	res, err := j.Repo.DB.ExecContext(ctx, `UPDATE compensations SET state=?, updated_at=strftime('%Y-%m-%dT%H:%M:%SZ','now') WHERE id=?`, state, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompensationFilter narrows ListCompensations.
type CompensationFilter struct {
	EmployeeID int64
	RunID      string
	States     []string
	Limit      int
}

func (r Repo) ListCompensations(ctx context.Context, f CompensationFilter) ([]domain.Compensation, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.EmployeeID > 0 {
		clauses = append(clauses, "employee_id=?")
		args = append(args, f.EmployeeID)
	}
	if f.RunID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, f.RunID)
	}
	if len(f.States) > 0 {
		clauses = append(clauses, "state IN (?"+strings.Repeat(",?", len(f.States)-1)+")")
		for _, s := range f.States {
			args = append(args, s)
		}
	}
	query := fmt.Sprintf(`SELECT id,run_id,employee_id,action,target,state,created_at,updated_at FROM compensations WHERE %s ORDER BY created_at DESC, id`, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Compensation
	for rows.Next() {
		var c domain.Compensation
		if err := rows.Scan(&c.ID, &c.RunID, &c.EmployeeID, &c.Action, &c.Target, &c.State, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
