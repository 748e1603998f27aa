package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types.
const (
	EmployeeIntake         = "employee.intake"
	EmployeeApproving      = "employee.approving"
	EmployeeApproved       = "employee.approved"
	EmployeeApprovalFailed = "employee.approval_failed"
	EmployeeReleased       = "employee.released"
	EmployeeRejected       = "employee.rejected"
	EmployeeDismissed      = "employee.dismissed"
	EmployeeDismissFailed  = "employee.dismissal_failed"
	TechnicalCreated       = "technical.created"
	SiteCreated            = "site.created"
	DirectoryUpdated       = "directory.updated"
	AccountBlocked         = "account.blocked"
	APIKeyCreated          = "api_key.created"
	APIKeyRevoked          = "api_key.revoked"
	RoleGranted            = "rbac.role_granted"
	RoleRevoked            = "rbac.role_revoked"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event row. tx may be nil for events that are not part of
// a status change.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	const q = `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	} else {
		_, err = w.DB.ExecContext(ctx, q, ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
