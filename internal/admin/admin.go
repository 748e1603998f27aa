// Package admin holds the directory maintenance operations used by IT staff.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"staffline/internal/directory"
	"staffline/internal/fault"
)

// ErrInvalidInput is returned for requests that cannot be sent to the directory.
var ErrInvalidInput = errors.New("invalid input")

type Service struct {
	Accounts directory.Accounts
	Timeout  time.Duration
	Logger   *slog.Logger
}

func (s Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s Service) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.Timeout > 0 {
		return context.WithTimeout(ctx, s.Timeout)
	}
	return context.WithCancel(ctx)
}

func (s Service) byExternalID(ctx context.Context, externalID string) (directory.Entry, error) {
	if strings.TrimSpace(externalID) == "" {
		return directory.Entry{}, fmt.Errorf("%w: external id is required", ErrInvalidInput)
	}
	e, ok, err := s.Accounts.FindByExternalID(ctx, externalID)
	if err != nil {
		return e, err
	}
	if !ok {
		return e, fault.Newf(fault.NotFound, "пользователь с табельным номером %s не найден", externalID)
	}
	return e, nil
}

// ResetPassword sets a new password for login and forces a change at next logon.
func (s Service) ResetPassword(ctx context.Context, login, password string) (string, error) {
	if strings.TrimSpace(login) == "" || password == "" {
		return "", fmt.Errorf("%w: login and password are required", ErrInvalidInput)
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	e, ok, err := s.Accounts.FindByLogin(ctx, login)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fault.Newf(fault.NotFound, "пользователь %s не найден", login)
	}
	if err := s.Accounts.ResetPassword(ctx, e.DN, password); err != nil {
		return "", err
	}
	s.logger().Info("password reset", "login", login, "dn", e.DN)
	return e.DN, nil
}

// ChangePhone replaces telephoneNumber of the account with externalID.
func (s Service) ChangePhone(ctx context.Context, externalID, phone string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", fmt.Errorf("%w: phone is required", ErrInvalidInput)
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	e, err := s.byExternalID(ctx, externalID)
	if err != nil {
		return "", err
	}
	if err := s.Accounts.SetAttribute(ctx, e.DN, "telephoneNumber", phone); err != nil {
		return "", err
	}
	s.logger().Info("phone changed", "external_id", externalID, "dn", e.DN)
	return e.DN, nil
}

// AssignManager sets the manager of one account to another, both by external id.
func (s Service) AssignManager(ctx context.Context, externalID, managerExternalID string) (string, error) {
	if strings.TrimSpace(managerExternalID) == "" {
		return "", fmt.Errorf("%w: manager external id is required", ErrInvalidInput)
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	e, err := s.byExternalID(ctx, externalID)
	if err != nil {
		return "", err
	}
	mgr, err := s.Accounts.AssignManager(ctx, e.DN, managerExternalID)
	if err != nil {
		return "", err
	}
	s.logger().Info("manager assigned", "external_id", externalID, "manager", mgr)
	return mgr, nil
}

// TrainingAttribute maps a completed training to the extension attribute
// that records it.
func TrainingAttribute(kind string) (string, error) {
	k := strings.ToLower(kind)
	switch {
	case strings.Contains(k, "anykey"), strings.Contains(k, "facekit"):
		return "extensionAttribute1", nil
	case strings.Contains(k, "sysadmin"):
		return "extensionAttribute2", nil
	}
	return "", fmt.Errorf("%w: unknown training %q", ErrInvalidInput, kind)
}

// MarkTraining flags the training as passed on the account with externalID
// and returns the attribute that was set.
func (s Service) MarkTraining(ctx context.Context, externalID, kind string) (string, error) {
	attr, err := TrainingAttribute(kind)
	if err != nil {
		return "", err
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	e, err := s.byExternalID(ctx, externalID)
	if err != nil {
		return "", err
	}
	if err := s.Accounts.SetAttribute(ctx, e.DN, attr, "true"); err != nil {
		return "", err
	}
	s.logger().Info("training recorded", "external_id", externalID, "attribute", attr)
	return attr, nil
}

// OUs lists the organizational units an operator can place accounts in.
func (s Service) OUs(ctx context.Context) ([]string, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	return s.Accounts.ListOUs(ctx)
}

// Display names of service and mailbox accounts that the export leaves out.
var systemAccountMarkers = []string{"Служебная учетная запись", "Microsoft", "E4E", "SystemMailbox", "HealthMailbox", "wms", "WMS"}

// ExportedUser is one enabled account in an export.
type ExportedUser struct {
	DN         string            `json:"dn"`
	Login      string            `json:"login"`
	Name       string            `json:"display_name"`
	ExternalID string            `json:"external_id,omitempty"`
	Attributes map[string]string `json:"attributes"`
}

// ExportActive lists enabled people accounts. Accounts without a display name
// and service accounts are skipped.
func (s Service) ExportActive(ctx context.Context) ([]ExportedUser, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	entries, err := s.Accounts.ActiveUsers(ctx)
	if err != nil {
		return nil, err
	}
	users := make([]ExportedUser, 0, len(entries))
	for _, e := range entries {
		name := e.Get("displayName")
		if name == "" || isSystemAccount(name) {
			continue
		}
		u := ExportedUser{DN: e.DN, Login: e.Get("sAMAccountName"), Name: name, ExternalID: e.Get("pager"), Attributes: map[string]string{}}
		for _, attr := range directory.ExportAttrs {
			if v := e.Get(attr); v != "" {
				u.Attributes[attr] = v
			}
		}
		users = append(users, u)
	}
	s.logger().Info("accounts exported", "count", len(users))
	return users, nil
}

func isSystemAccount(displayName string) bool {
	for _, m := range systemAccountMarkers {
		if strings.Contains(displayName, m) {
			return true
		}
	}
	return false
}
