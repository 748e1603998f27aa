package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"staffline/internal/repo"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Permissions checked by the API and the CLI.
const (
	PermEmployeeRead    = "employee.read"
	PermEmployeeIntake  = "employee.intake"
	PermEmployeeApprove = "employee.approve"
	PermEmployeeReject  = "employee.reject"
	PermEmployeeDismiss = "employee.dismiss"
	PermTechnicalCreate = "technical.create"
	PermSiteCreate      = "site.create"
	PermDirectoryAdmin  = "directory.admin"
	PermAuditRead       = "audit.read"
	PermRBACManage      = "rbac.manage"
)

// Service provides RBAC helpers backed by SQL.
type Service struct {
	DB *sql.DB
}

func (s Service) repo() repo.Repo { return repo.Repo{DB: s.DB} }

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	return s.repo().EnsureActor(ctx, tx, actorID, time.Now().UTC().Format(time.RFC3339))
}

func (s Service) ActorHasPermission(ctx context.Context, tx *sql.Tx, actorID, perm string) (bool, error) {
	perms, err := s.ActorPermissions(ctx, tx, actorID)
	if err != nil {
		return false, err
	}
	return slices.Contains(perms, perm), nil
}

func (s Service) ActorRoles(ctx context.Context, tx *sql.Tx, actorID string) ([]string, error) {
	return s.repo().ActorRoles(ctx, tx, actorID)
}

func (s Service) ActorPermissions(ctx context.Context, tx *sql.Tx, actorID string) ([]string, error) {
	return s.repo().ActorPermissions(ctx, tx, actorID)
}

// Require returns ForbiddenError when actorID lacks perm.
func (s Service) Require(ctx context.Context, actorID, perm string) error {
	ok, err := s.ActorHasPermission(ctx, nil, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}
