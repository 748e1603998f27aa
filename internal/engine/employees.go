package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"staffline/internal/domain"
	"staffline/internal/events"
	"staffline/internal/fault"
	"staffline/internal/repo"
)

// IntakeRecord is one employee as delivered by the upstream HR system.
type IntakeRecord struct {
	ExternalID        string `json:"external_id"`
	FirstName         string `json:"first_name"`
	SecondName        string `json:"second_name"`
	ThirdName         string `json:"third_name,omitempty"`
	Company           string `json:"company,omitempty"`
	Department        string `json:"department,omitempty"`
	SubDepartment     string `json:"sub_department,omitempty"`
	Role              string `json:"role,omitempty"`
	WorkSite          string `json:"work_site,omitempty"`
	ManagerExternalID string `json:"manager_external_id,omitempty"`
	Phone             string `json:"phone,omitempty"`
	BirthDate         string `json:"birth_date,omitempty"`
	StartDate         string `json:"start_date,omitempty"`
	DismissalDate     string `json:"dismissal_date,omitempty"`
	IsEngineer        string `json:"is_engineer,omitempty" doc:"1, true, yes or technical marks an engineer"`
	State             string `json:"state,omitempty" doc:"Upstream employment state; Уволен stores the record as dismissed"`
}

type IntakeFailure struct {
	Index      int    `json:"index"`
	ExternalID string `json:"external_id"`
	Reason     string `json:"reason"`
}

type IntakeReport struct {
	Created []domain.Employee `json:"created"`
	Failed  []IntakeFailure   `json:"failed"`
}

// ParseIntake accepts one record, an array of records, or {"employees": [...]}.
func ParseIntake(body []byte) ([]IntakeRecord, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("intake body required")
	}
	switch body[0] {
	case '[':
		var recs []IntakeRecord
		if err := json.Unmarshal(body, &recs); err != nil {
			return nil, fmt.Errorf("invalid intake batch: %w", err)
		}
		return recs, nil
	case '{':
		var wrapped struct {
			Employees []IntakeRecord `json:"employees"`
		}
		if err := json.Unmarshal(body, &wrapped); err == nil && len(wrapped.Employees) > 0 {
			return wrapped.Employees, nil
		}
		var rec IntakeRecord
		if err := json.Unmarshal(body, &rec); err != nil {
			return nil, fmt.Errorf("invalid intake record: %w", err)
		}
		return []IntakeRecord{rec}, nil
	}
	return nil, errors.New("intake body must be a JSON object or array")
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "technical":
		return true
	}
	return false
}

func (rec IntakeRecord) employee(now string) (domain.Employee, error) {
	emp := domain.Employee{
		ExternalID:        strings.TrimSpace(rec.ExternalID),
		FirstName:         strings.TrimSpace(rec.FirstName),
		SecondName:        strings.TrimSpace(rec.SecondName),
		ThirdName:         strings.TrimSpace(rec.ThirdName),
		Company:           strings.TrimSpace(rec.Company),
		Department:        strings.TrimSpace(rec.Department),
		SubDepartment:     strings.TrimSpace(rec.SubDepartment),
		Role:              strings.TrimSpace(rec.Role),
		WorkSite:          strings.TrimSpace(rec.WorkSite),
		ManagerExternalID: strings.TrimSpace(rec.ManagerExternalID),
		Phone:             strings.TrimSpace(rec.Phone),
		BirthDate:         strings.TrimSpace(rec.BirthDate),
		StartDate:         strings.TrimSpace(rec.StartDate),
		DismissalDate:     strings.TrimSpace(rec.DismissalDate),
		IsEngineer:        truthy(rec.IsEngineer),
		Status:            domain.StatusPending,
		UploadedAt:        now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if strings.EqualFold(strings.TrimSpace(rec.State), "Уволен") {
		emp.Status = domain.StatusDismissed
	}
	var missing []string
	if emp.ExternalID == "" {
		missing = append(missing, "external_id")
	}
	if emp.FirstName == "" {
		missing = append(missing, "first_name")
	}
	if emp.SecondName == "" {
		missing = append(missing, "second_name")
	}
	if len(missing) > 0 {
		return emp, fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}
	return emp, nil
}

// Intake stores records from the HR system. Each record is inserted on its own
// so one bad record does not block the rest of the batch.
func (e Engine) Intake(ctx context.Context, records []IntakeRecord, actorID string) (IntakeReport, error) {
	report := IntakeReport{Created: []domain.Employee{}, Failed: []IntakeFailure{}}
	for i, rec := range records {
		emp, err := e.intakeOne(ctx, rec, actorID)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			e.logger().Warn("intake record rejected", "index", i, "external_id", rec.ExternalID, "err", err)
			report.Failed = append(report.Failed, IntakeFailure{Index: i, ExternalID: rec.ExternalID, Reason: err.Error()})
			continue
		}
		report.Created = append(report.Created, emp)
	}
	e.logger().Info("intake finished", "created", len(report.Created), "failed", len(report.Failed))
	return report, nil
}

func (e Engine) intakeOne(ctx context.Context, rec IntakeRecord, actorID string) (domain.Employee, error) {
	emp, err := rec.employee(e.timestamp())
	if err != nil {
		return emp, err
	}
	return e.insert(ctx, emp, actorID, events.EmployeeIntake)
}

func (e Engine) insert(ctx context.Context, emp domain.Employee, actorID, evtType string) (domain.Employee, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return emp, err
	}
	defer tx.Rollback()
	id, err := e.Repo.InsertEmployee(ctx, tx, emp)
	if errors.Is(err, repo.ErrDuplicate) {
		return emp, fmt.Errorf("employee with external id %s already exists", emp.ExternalID)
	}
	if err != nil {
		return emp, fmt.Errorf("insert employee: %w", err)
	}
	emp.ID = id
	payload := events.EventPayload{"external_id": emp.ExternalID, "status": emp.Status, "technical": emp.IsTechnical}
	if err := e.events().Append(ctx, tx, evtType, "employee", idString(id), actorID, payload); err != nil {
		return emp, err
	}
	if err := tx.Commit(); err != nil {
		return emp, err
	}
	return emp, nil
}

// TechnicalAccountInput describes a service account. Only Username is required.
type TechnicalAccountInput struct {
	Username    string `json:"username"`
	FirstName   string `json:"first_name,omitempty"`
	SecondName  string `json:"second_name,omitempty"`
	Company     string `json:"company,omitempty"`
	Description string `json:"description,omitempty"`
}

const (
	technicalSecondName    = "Технический"
	technicalThirdName     = "Пользователь"
	technicalCompany       = "STI"
	technicalDepartment    = "IT"
	technicalSubDepartment = "Техподдержка"
	technicalRole          = "Техническая учетная запись"
)

// CreateTechnicalAccount records a pending service account. Approving it
// provisions the account into the technical container.
func (e Engine) CreateTechnicalAccount(ctx context.Context, in TechnicalAccountInput, actorID string) (domain.Employee, error) {
	username := strings.TrimSpace(in.Username)
	if username == "" {
		return domain.Employee{}, fault.New(fault.IncompleteIdentity, "username is required")
	}
	now := e.timestamp()
	emp := domain.Employee{
		ExternalID:    username,
		FirstName:     firstNonEmpty(in.FirstName, username),
		SecondName:    firstNonEmpty(in.SecondName, technicalSecondName),
		ThirdName:     technicalThirdName,
		Company:       firstNonEmpty(in.Company, technicalCompany),
		Department:    technicalDepartment,
		SubDepartment: technicalSubDepartment,
		Role:          firstNonEmpty(in.Description, technicalRole),
		IsTechnical:   true,
		Status:        domain.StatusPending,
		UploadedAt:    now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := e.Repo.GetEmployeeByExternalID(ctx, nil, username); err == nil {
		return domain.Employee{}, fault.Rejected(fault.ReasonDuplicate, repo.ErrDuplicate,
			fmt.Sprintf("Технический пользователь с именем %s уже существует", username))
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Employee{}, err
	}
	emp, err := e.insert(ctx, emp, actorID, events.TechnicalCreated)
	if err != nil {
		return domain.Employee{}, err
	}
	e.logger().Info("technical account recorded", "employee_id", emp.ID, "username", username)
	return emp, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func (e Engine) GetEmployee(ctx context.Context, id int64) (domain.Employee, error) {
	return e.getEmployee(ctx, nil, id)
}

func (e Engine) ListEmployees(ctx context.Context, f repo.EmployeeFilter) ([]domain.Employee, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q", f.Status)
	}
	return e.Repo.ListEmployees(ctx, f)
}

// StatusReport is the operator view of a record's lifecycle state.
type StatusReport struct {
	ID      int64         `json:"id"`
	Status  domain.Status `json:"status"`
	Message string        `json:"message"`
}

func (e Engine) Status(ctx context.Context, id int64) (StatusReport, error) {
	emp, err := e.getEmployee(ctx, nil, id)
	if err != nil {
		return StatusReport{}, err
	}
	return StatusReport{ID: emp.ID, Status: emp.Status, Message: emp.Status.Message()}, nil
}

func (e Engine) Runs(ctx context.Context, employeeID int64, limit int) ([]domain.Run, error) {
	if employeeID > 0 {
		if _, err := e.getEmployee(ctx, nil, employeeID); err != nil {
			return nil, err
		}
	}
	return e.Repo.ListRuns(ctx, employeeID, limit)
}

func (e Engine) Compensations(ctx context.Context, f repo.CompensationFilter) ([]domain.Compensation, error) {
	return e.Repo.ListCompensations(ctx, f)
}
