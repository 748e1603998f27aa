package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"staffline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict means the row exists but was not in the expected status.
	ErrStatusConflict = errors.New("status conflict")
	ErrDuplicate      = errors.New("duplicate external id")
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

const employeeColumns = `id,external_id,first_name,second_name,COALESCE(third_name,''),COALESCE(company,''),COALESCE(department,''),
COALESCE(sub_department,''),COALESCE(role,''),COALESCE(work_site,''),COALESCE(manager_external_id,''),COALESCE(phone,''),
COALESCE(birth_date,''),COALESCE(start_date,''),COALESCE(dismissal_date,''),is_engineer,is_technical,status,uploaded_at,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEmployee(s scanner) (domain.Employee, error) {
	var e domain.Employee
	var status string
	err := s.Scan(&e.ID, &e.ExternalID, &e.FirstName, &e.SecondName, &e.ThirdName, &e.Company, &e.Department,
		&e.SubDepartment, &e.Role, &e.WorkSite, &e.ManagerExternalID, &e.Phone,
		&e.BirthDate, &e.StartDate, &e.DismissalDate, &e.IsEngineer, &e.IsTechnical, &status, &e.UploadedAt, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	e.Status = domain.Status(status)
	return e, err
}

// InsertEmployee stores e and returns its id. An external id already held by a
// live record is ErrDuplicate.
func (r Repo) InsertEmployee(ctx context.Context, tx *sql.Tx, e domain.Employee) (int64, error) {
	if _, err := r.GetEmployeeByExternalID(ctx, tx, e.ExternalID); err == nil {
		return 0, ErrDuplicate
	} else if !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO employees(external_id,first_name,second_name,third_name,company,department,sub_department,
role,work_site,manager_external_id,phone,birth_date,start_date,dismissal_date,is_engineer,is_technical,status,uploaded_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ExternalID, e.FirstName, e.SecondName, nullable(e.ThirdName), nullable(e.Company), nullable(e.Department), nullable(e.SubDepartment),
		nullable(e.Role), nullable(e.WorkSite), nullable(e.ManagerExternalID), nullable(e.Phone), nullable(e.BirthDate), nullable(e.StartDate),
		nullable(e.DismissalDate), e.IsEngineer, e.IsTechnical, string(e.Status), e.UploadedAt, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, ErrDuplicate
		}
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetEmployee(ctx context.Context, tx *sql.Tx, id int64) (domain.Employee, error) {
	return scanEmployee(r.q(tx).QueryRowContext(ctx, `SELECT `+employeeColumns+` FROM employees WHERE id=? AND deleted_at IS NULL`, id))
}

func (r Repo) GetEmployeeByExternalID(ctx context.Context, tx *sql.Tx, externalID string) (domain.Employee, error) {
	return scanEmployee(r.q(tx).QueryRowContext(ctx, `SELECT `+employeeColumns+` FROM employees WHERE external_id=? AND deleted_at IS NULL`, externalID))
}

// CompareAndSetStatus moves the record from one status to another in a single
// statement. It returns ErrNotFound for a missing record and
// ErrStatusConflict when the record is not in from.
func (r Repo) CompareAndSetStatus(ctx context.Context, tx *sql.Tx, id int64, from, to domain.Status, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE employees SET status=?, updated_at=? WHERE id=? AND status=? AND deleted_at IS NULL`,
		string(to), now, id, string(from))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := r.GetEmployee(ctx, tx, id); err != nil {
		return err
	}
	return ErrStatusConflict
}

// EmployeeFilter narrows ListEmployees. Search matches names, external id and
// department. UpdatedBefore is an RFC 3339 UTC timestamp.
type EmployeeFilter struct {
	Status        domain.Status
	Search        string
	UpdatedBefore string
	Limit         int
	Cursor        int64
}

// ListEmployees returns records newest first; Cursor is the last id of the previous page.
func (r Repo) ListEmployees(ctx context.Context, f EmployeeFilter) ([]domain.Employee, error) {
	clauses := []string{"deleted_at IS NULL"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		like := "%" + s + "%"
		clauses = append(clauses, "(first_name LIKE ? OR second_name LIKE ? OR third_name LIKE ? OR external_id LIKE ? OR department LIKE ?)")
		args = append(args, like, like, like, like, like)
	}
	if f.UpdatedBefore != "" {
		clauses = append(clauses, "updated_at<?")
		args = append(args, f.UpdatedBefore)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	query := fmt.Sprintf(`SELECT %s FROM employees WHERE %s ORDER BY id DESC`, employeeColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
