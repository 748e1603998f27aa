package domain

// Status is the lifecycle state of an employee record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCreating  Status = "creating"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusDismissed Status = "dismissed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCreating, StatusApproved, StatusRejected, StatusDismissed:
		return true
	}
	return false
}

// Message is the operator-facing text shown for a status.
func (s Status) Message() string {
	switch s {
	case StatusPending:
		return "Заявка ожидает рассмотрения"
	case StatusCreating:
		return "Учетная запись создается"
	case StatusApproved:
		return "Учетная запись создана"
	case StatusRejected:
		return "Заявка отклонена"
	case StatusDismissed:
		return "Сотрудник уволен, учетная запись отключена"
	}
	return "Неизвестный статус"
}

type Employee struct {
	ID                int64  `json:"id"`
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
	IsEngineer        bool   `json:"is_engineer"`
	IsTechnical       bool   `json:"is_technical"`
	Status            Status `json:"status" enum:"pending,creating,approved,rejected,dismissed"`
	UploadedAt        string `json:"uploaded_at" format:"date-time"`
	CreatedAt         string `json:"created_at" format:"date-time"`
	UpdatedAt         string `json:"updated_at" format:"date-time"`
}

// EffectiveDepartment is the most specific department known for the employee.
func (e Employee) EffectiveDepartment() string {
	if e.SubDepartment != "" {
		return e.SubDepartment
	}
	return e.Department
}

// DirectoryIdentity is derived from an Employee on every provisioning attempt and never stored.
type DirectoryIdentity struct {
	LoginName          string   `json:"login_name"`
	PrincipalName      string   `json:"principal_name"`
	DisplayName        string   `json:"display_name"`
	OrganizationalUnit string   `json:"organizational_unit"`
	PlacementRule      string   `json:"placement_rule"`
	DistinguishedName  string   `json:"distinguished_name"`
	RDNTier            int      `json:"rdn_tier"`
	Groups             []string `json:"groups,omitempty"`
	Audit              []string `json:"audit,omitempty"`
}

type Run struct {
	ID         string `json:"id"`
	EmployeeID int64  `json:"employee_id"`
	Kind       string `json:"kind" enum:"provision,deprovision"`
	Success    bool   `json:"success"`
	Category   string `json:"category,omitempty"`
	Detail     string `json:"detail,omitempty"`
	StepsJSON  string `json:"steps_json"`
	ActorID    string `json:"actor_id"`
	StartedAt  string `json:"started_at" format:"date-time"`
	FinishedAt string `json:"finished_at" format:"date-time"`
}

// Compensation records a remote side effect that may need to be undone by an operator.
type Compensation struct {
	ID         string `json:"id"`
	RunID      string `json:"run_id"`
	EmployeeID int64  `json:"employee_id"`
	Action     string `json:"action"`
	Target     string `json:"target"`
	State      string `json:"state" enum:"pending,applied,released,outstanding"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

const (
	CompensationPending     = "pending"
	CompensationApplied     = "applied"
	CompensationReleased    = "released"
	CompensationOutstanding = "outstanding"
)

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash    string `json:"key_hash"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	LastUsedAt string `json:"last_used_at,omitempty"`
}

type ActorProfile struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}
