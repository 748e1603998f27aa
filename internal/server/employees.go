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
	"staffline/internal/repo"
)

type employeePath struct {
	ID int64 `path:"id" minimum:"1"`
}

var lifecycleErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusBadGateway,
	http.StatusGatewayTimeout,
	http.StatusInternalServerError,
}

func registerIntake(api huma.API, s *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "intake",
		Method:      http.MethodPost,
		Path:        "/intake",
		Summary:     "Record employees delivered by the HR system",
		Description: "Accepts a single record, an array, or {\"employees\": [...]}. Each record is stored or reported as failed on its own.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.IntakeReport `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, s, auth.PermEmployeeIntake)
		if err != nil {
			return nil, handleError(err)
		}
		recs, err := engine.ParseIntake(bodyBytes(ctx))
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		report, err := s.Engine.Intake(ctx, recs, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		report.Created = nonNilSlice(report.Created)
		report.Failed = nonNilSlice(report.Failed)
		return &struct {
			Body engine.IntakeReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerEmployees(api huma.API, s *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "list-employees",
		Method:      http.MethodGet,
		Path:        "/employees",
		Summary:     "List employee records",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,creating,approved,rejected,dismissed"`
		Search string `query:"search"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEmployees `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, s, auth.PermEmployeeRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		cursor, cerr := parseCursor(input.Cursor)
		if cerr != nil {
			return nil, cerr
		}
		items, err := s.Engine.ListEmployees(ctx, repo.EmployeeFilter{
			Status: domain.Status(input.Status),
			Search: input.Search,
			Limit:  limit + 1,
			Cursor: cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEmployees{Items: []domain.Employee{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEmployees `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-employee",
		Method:      http.MethodGet,
		Path:        "/employees/{id}",
		Summary:     "Get employee record",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *employeePath) (*struct {
		Body domain.Employee `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, s, auth.PermEmployeeRead); err != nil {
			return nil, handleError(err)
		}
		emp, err := s.Engine.GetEmployee(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Employee `json:"body"`
		}{Body: emp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "employee-status",
		Method:      http.MethodGet,
		Path:        "/employees/{id}/status",
		Summary:     "Lifecycle status with a human readable message",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *employeePath) (*struct {
		Body engine.StatusReport `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, s, auth.PermEmployeeRead); err != nil {
			return nil, handleError(err)
		}
		st, err := s.Engine.Status(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.StatusReport `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "employee-identity",
		Method:      http.MethodGet,
		Path:        "/employees/{id}/identity",
		Summary:     "Preview the directory identity approval would create",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *employeePath) (*struct {
		Body IdentityResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, s, auth.PermEmployeeRead); err != nil {
			return nil, handleError(err)
		}
		emp, err := s.Engine.GetEmployee(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		id, attrs, err := s.Naming.Identity(emp, s.Logger)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IdentityResponse `json:"body"`
		}{Body: IdentityResponse{Identity: id, Attributes: attrs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "employee-runs",
		Method:      http.MethodGet,
		Path:        "/employees/{id}/runs",
		Summary:     "Provisioning and deprovisioning runs of an employee",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    int64 `path:"id" minimum:"1"`
		Limit int   `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Run `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, s, auth.PermAuditRead); err != nil {
			return nil, handleError(err)
		}
		runs, err := s.Engine.Runs(ctx, input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Run `json:"body"`
		}{Body: nonNilSlice(runs)}, nil
	})
}

func registerLifecycle(api huma.API, s *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "approve-employee",
		Method:      http.MethodPut,
		Path:        "/employees/{id}/approve",
		Summary:     "Approve a pending employee and provision the account",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *employeePath) (*struct {
		Body OutcomeResponse `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, s, auth.PermEmployeeApprove)
		if err != nil {
			return nil, handleError(err)
		}
		out, err := s.Engine.Approve(ctx, input.ID, actorID)
		if err != nil {
			return nil, outcomeError(out, err)
		}
		return &struct {
			Body OutcomeResponse `json:"body"`
		}{Body: outcomeResponse(out)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-employee",
		Method:      http.MethodPut,
		Path:        "/employees/{id}/reject",
		Summary:     "Reject a pending employee",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   int64         `path:"id" minimum:"1"`
		Body RejectRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body domain.Employee `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, s, auth.PermEmployeeReject)
		if err != nil {
			return nil, handleError(err)
		}
		emp, err := s.Engine.Reject(ctx, input.ID, actorID, strings.TrimSpace(input.Body.Reason))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Employee `json:"body"`
		}{Body: emp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dismiss-employee",
		Method:      http.MethodPut,
		Path:        "/employees/{id}/dismiss",
		Summary:     "Dismiss an employee and disable the account",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *employeePath) (*struct {
		Body OutcomeResponse `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, s, auth.PermEmployeeDismiss)
		if err != nil {
			return nil, handleError(err)
		}
		out, err := s.Engine.Dismiss(ctx, input.ID, actorID)
		if err != nil {
			return nil, outcomeError(out, err)
		}
		return &struct {
			Body OutcomeResponse `json:"body"`
		}{Body: outcomeResponse(out)}, nil
	})
}

func registerTechnical(api huma.API, s *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-technical-account",
		Method:        http.MethodPost,
		Path:          "/technical-accounts",
		Summary:       "Record a technical account; approve it to provision",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body engine.TechnicalAccountInput `json:"body"`
	}) (*struct {
		Body domain.Employee `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, s, auth.PermTechnicalCreate)
		if err != nil {
			return nil, handleError(err)
		}
		emp, err := s.Engine.CreateTechnicalAccount(ctx, input.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Employee `json:"body"`
		}{Body: emp}, nil
	})
}
