package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"staffline/internal/app"
	"staffline/internal/domain"
	"staffline/internal/engine"
	"staffline/internal/engine/auth"
	"staffline/internal/events"
	"staffline/internal/placement"
	"staffline/internal/repo"
	"staffline/internal/sites"
)

var directoryErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusBadGateway,
	http.StatusGatewayTimeout,
}

func registerSites(api huma.API, s *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-site",
		Method:        http.MethodPost,
		Path:          "/sites",
		Summary:       "Create access groups and folders for a construction site",
		Description:   "Repeatable: existing groups and folders are reported with created=false.",
		DefaultStatus: http.StatusCreated,
		Errors:        append([]int{http.StatusUnprocessableEntity}, directoryErrors...),
	}, func(ctx context.Context, input *struct {
		Body SiteRequest `json:"body"`
	}) (*struct {
		Body sites.Report `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, s, auth.PermSiteCreate)
		if err != nil {
			return nil, handleError(err)
		}
		rep, err := s.Sites.Create(ctx, input.Body.Name)
		if rep.OU != "" {
			audit(ctx, s, events.SiteCreated, "site", rep.Site, actorID, events.EventPayload{
				"ou":       rep.OU,
				"groups":   len(rep.Groups),
				"folders":  len(rep.Folders),
				"complete": err == nil,
			})
		}
		if err != nil {
			se := handleError(err)
			if ae, ok := se.(*apiError); ok && rep.OU != "" {
				if ae.Body.Details == nil {
					ae.Body.Details = map[string]any{}
				}
				ae.Body.Details["report"] = rep
			}
			return nil, se
		}
		return &struct {
			Body sites.Report `json:"body"`
		}{Body: rep}, nil
	})
}

func registerDirectory(api huma.API, s *app.Services) {
	type changeResponse struct {
		Body DirectoryChangeResponse `json:"body"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "reset-password",
		Method:      http.MethodPost,
		Path:        "/directory/password",
		Summary:     "Reset a password; the user must change it at next logon",
		Errors:      directoryErrors,
	}, func(ctx context.Context, input *struct {
		Body PasswordRequest `json:"body"`
	}) (*changeResponse, error) {
		actorID, err := requirePermission(ctx, s, auth.PermDirectoryAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		dn, err := s.Admin.ResetPassword(ctx, input.Body.Login, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		audit(ctx, s, events.DirectoryUpdated, "account", dn, actorID, events.EventPayload{"change": "password_reset"})
		return &changeResponse{Body: DirectoryChangeResponse{DN: dn}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "change-phone",
		Method:      http.MethodPost,
		Path:        "/directory/phone",
		Summary:     "Change the telephone number of an account",
		Errors:      directoryErrors,
	}, func(ctx context.Context, input *struct {
		Body PhoneRequest `json:"body"`
	}) (*changeResponse, error) {
		actorID, err := requirePermission(ctx, s, auth.PermDirectoryAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		dn, err := s.Admin.ChangePhone(ctx, input.Body.ExternalID, input.Body.Phone)
		if err != nil {
			return nil, handleError(err)
		}
		audit(ctx, s, events.DirectoryUpdated, "account", dn, actorID, events.EventPayload{
			"change":      "phone",
			"external_id": input.Body.ExternalID,
		})
		return &changeResponse{Body: DirectoryChangeResponse{DN: dn}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-manager",
		Method:      http.MethodPost,
		Path:        "/directory/manager",
		Summary:     "Assign a manager by external ids",
		Errors:      directoryErrors,
	}, func(ctx context.Context, input *struct {
		Body ManagerRequest `json:"body"`
	}) (*changeResponse, error) {
		actorID, err := requirePermission(ctx, s, auth.PermDirectoryAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		mgr, err := s.Admin.AssignManager(ctx, input.Body.ExternalID, input.Body.ManagerExternalID)
		if err != nil {
			return nil, handleError(err)
		}
		audit(ctx, s, events.DirectoryUpdated, "account", input.Body.ExternalID, actorID, events.EventPayload{
			"change":  "manager",
			"manager": mgr,
		})
		return &changeResponse{Body: DirectoryChangeResponse{Manager: mgr}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-training",
		Method:      http.MethodPost,
		Path:        "/directory/training",
		Summary:     "Record a passed training on the account",
		Errors:      directoryErrors,
	}, func(ctx context.Context, input *struct {
		Body TrainingRequest `json:"body"`
	}) (*changeResponse, error) {
		actorID, err := requirePermission(ctx, s, auth.PermDirectoryAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		attr, err := s.Admin.MarkTraining(ctx, input.Body.ExternalID, input.Body.Training)
		if err != nil {
			return nil, handleError(err)
		}
		audit(ctx, s, events.DirectoryUpdated, "account", input.Body.ExternalID, actorID, events.EventPayload{
			"change":    "training",
			"attribute": attr,
		})
		return &changeResponse{Body: DirectoryChangeResponse{Attribute: attr}}, nil
	})
}

func registerDirectoryAdmin(api huma.API, s *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "block-account",
		Method:      http.MethodPut,
		Path:        "/admin/block-complete",
		Summary:     "Disable an account by external id, remove its groups and move it to the departed container",
		Description: "Works for accounts without an employee record. The record status, if any, is not changed.",
		Errors:      append([]int{http.StatusConflict}, directoryErrors...),
	}, func(ctx context.Context, input *struct {
		Body BlockRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, s, auth.PermDirectoryAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := s.Engine.Block(ctx, input.Body.ExternalID, actorID)
		if err != nil {
			return nil, outcomeError(engine.Outcome{Run: res}, err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-ous",
		Method:      http.MethodGet,
		Path:        "/ous",
		Summary:     "List organizational units of the directory",
		Errors:      directoryErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []string `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, s, auth.PermEmployeeRead); err != nil {
			return nil, handleError(err)
		}
		ous, err := s.Admin.OUs(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: nonNilSlice(ous)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-accounts",
		Method:      http.MethodPost,
		Path:        "/admin/export-ad",
		Summary:     "Export the enabled people accounts of the directory",
		Errors:      directoryErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ExportResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, s, auth.PermDirectoryAdmin); err != nil {
			return nil, handleError(err)
		}
		users, err := s.Admin.ExportActive(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExportResponse `json:"body"`
		}{Body: ExportResponse{Count: len(users), Users: nonNilSlice(users)}}, nil
	})
}

func registerPlacement(api huma.API, s *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "resolve-placement",
		Method:      http.MethodGet,
		Path:        "/placement",
		Summary:     "Resolve the container for a work site and department",
		Errors:      []int{http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Site       string `query:"site"`
		Department string `query:"department"`
	}) (*struct {
		Body placement.Placement `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, s, auth.PermEmployeeRead); err != nil {
			return nil, handleError(err)
		}
		p, err := s.Naming.Policy.Resolve(input.Site, input.Department)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body placement.Placement `json:"body"`
		}{Body: p}, nil
	})
}

func registerAudit(api huma.API, s *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"employee,site,account,rbac"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, s, auth.PermAuditRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		cursorID, cerr := parseCursor(input.Cursor)
		if cerr != nil {
			return nil, cerr
		}
		items, err := s.Engine.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-compensations",
		Method:      http.MethodGet,
		Path:        "/compensations",
		Summary:     "List recorded remote side effects",
		Description: "state=outstanding lists what an operator still has to undo by hand.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		EmployeeID int64  `query:"employee_id"`
		RunID      string `query:"run_id"`
		State      string `query:"state" doc:"Comma separated: pending, applied, released, outstanding"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Compensation `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, s, auth.PermAuditRead); err != nil {
			return nil, handleError(err)
		}
		var states []string
		for _, st := range strings.Split(input.State, ",") {
			st = strings.TrimSpace(st)
			if st == "" {
				continue
			}
			switch st {
			case domain.CompensationPending, domain.CompensationApplied, domain.CompensationReleased, domain.CompensationOutstanding:
				states = append(states, st)
			default:
				return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown compensation state %q", st), nil)
			}
		}
		items, err := s.Engine.Compensations(ctx, repo.CompensationFilter{
			EmployeeID: input.EmployeeID,
			RunID:      input.RunID,
			States:     states,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Compensation `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}
