package server

import (
	"staffline/internal/admin"
	"staffline/internal/domain"
	"staffline/internal/engine"
	"staffline/internal/provision"
)

// Request payloads

type IntakeRequest struct {
	Employees []engine.IntakeRecord `json:"employees" minItems:"1"`
}

type RejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SiteRequest struct {
	Name string `json:"name" minLength:"1"`
}

type PasswordRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type PhoneRequest struct {
	ExternalID string `json:"external_id"`
	Phone      string `json:"phone"`
}

type ManagerRequest struct {
	ExternalID        string `json:"external_id"`
	ManagerExternalID string `json:"manager_external_id"`
}

type BlockRequest struct {
	ExternalID string `json:"external_id" minLength:"1"`
}

type TrainingRequest struct {
	ExternalID string `json:"external_id"`
	Training   string `json:"training" doc:"anykey, facekit or sysadmin"`
}

// Response payloads

type paginatedEmployees struct {
	Items      []domain.Employee `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    any    `json:"payload"`
}

// RunResponse is a provisioning or deprovisioning result as the API shows it.
type RunResponse struct {
	RunID    string                    `json:"run_id,omitempty"`
	Success  bool                      `json:"success"`
	Category string                    `json:"category,omitempty"`
	Detail   string                    `json:"detail,omitempty"`
	Identity *domain.DirectoryIdentity `json:"identity,omitempty"`
	Steps    []provision.StepResult    `json:"steps"`
}

type OutcomeResponse struct {
	Employee domain.Employee `json:"employee"`
	Run      RunResponse     `json:"run"`
}

type IdentityResponse struct {
	Identity   domain.DirectoryIdentity `json:"identity"`
	Attributes map[string][]string      `json:"attributes"`
}

type DirectoryChangeResponse struct {
	DN        string `json:"dn,omitempty"`
	Manager   string `json:"manager,omitempty"`
	Attribute string `json:"attribute,omitempty"`
}

type ExportResponse struct {
	Count int                  `json:"count"`
	Users []admin.ExportedUser `json:"users"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func runResponse(res provision.Result) RunResponse {
	out := RunResponse{
		RunID:    res.RunID,
		Success:  res.Success,
		Category: string(res.Category()),
		Steps:    nonNilSlice(res.Steps),
	}
	if res.Err != nil {
		out.Detail = res.Detail()
	}
	if res.Identity.DistinguishedName != "" || res.Identity.LoginName != "" {
		id := res.Identity
		out.Identity = &id
	}
	return out
}

func outcomeResponse(o engine.Outcome) OutcomeResponse {
	return OutcomeResponse{Employee: o.Employee, Run: runResponse(o.Run)}
}

func nonNilSlice[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
