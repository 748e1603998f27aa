package provision

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"staffline/internal/directory"
	"staffline/internal/domain"
	"staffline/internal/fault"
)

// Deprovisioner takes a departing employee's account out of service.
type Deprovisioner struct {
	Accounts   directory.Accounts
	Journal    Journal
	DepartedOU string
	Timeouts   Timeouts
	Logger     *slog.Logger
	Now        func() time.Time
}

// Target identifies the account to deprovision. MissingOK treats an absent
// directory entry as nothing to do.
type Target struct {
	EmployeeID int64
	ExternalID string
	MissingOK  bool
}

func (d Deprovisioner) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d Deprovisioner) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Deprovision removes group memberships, disables the account and moves it to
// the departed container. Only locating and disabling are mandatory.
func (d Deprovisioner) Deprovision(ctx context.Context, target Target) Result {
	runID := uuid.NewString()
	logger := d.logger().With("run_id", runID, "employee_id", target.EmployeeID, "external_id", target.ExternalID)
	fx := effect{journal: d.Journal, runID: runID, employeeID: target.EmployeeID, now: d.now}
	t := d.Timeouts

	var (
		mu    sync.Mutex
		entry directory.Entry
		found bool
	)
	current := func() (directory.Entry, bool) {
		mu.Lock()
		defer mu.Unlock()
		return entry, found
	}
	skip := "учетная запись в каталоге отсутствует"

	stages := []Stage{
		{{Name: "directory.locate", Mandatory: true, Timeout: t.Directory, Run: func(ctx context.Context) (string, error) {
			if strings.TrimSpace(target.ExternalID) == "" {
				return "", fault.New(fault.NotFound, "у сотрудника нет табельного номера")
			}
			e, ok, err := d.Accounts.FindByExternalID(ctx, target.ExternalID)
			if err != nil {
				return "", err
			}
			if !ok {
				if target.MissingOK {
					return skip, nil
				}
				return "", fault.Newf(fault.NotFound, "пользователь с табельным номером %s не найден в каталоге", target.ExternalID)
			}
			mu.Lock()
			entry, found = e, true
			mu.Unlock()
			return e.DN, nil
		}}},
		{{Name: "directory.groups.remove", Timeout: t.Directory, Run: func(ctx context.Context) (string, error) {
			e, ok := current()
			if !ok {
				return skip, nil
			}
			removed, err := d.Accounts.RemoveFromAllGroups(ctx, e)
			if err != nil {
				return "", fault.Wrap(fault.DependencyFailed, err, fmt.Sprintf("удален из %d групп, остальные с ошибкой: %v", len(removed), err))
			}
			return fmt.Sprintf("удален из групп: %d", len(removed)), nil
		}}},
		{{Name: "directory.disable", Mandatory: true, Timeout: t.Directory, Run: func(ctx context.Context) (string, error) {
			e, ok := current()
			if !ok {
				return skip, nil
			}
			err := fx.guard(ctx, "directory.disable", e.DN, func() (bool, error) {
				return true, d.Accounts.Disable(ctx, e.DN)
			})
			if err != nil {
				return "", err
			}
			return "учетная запись отключена", nil
		}}},
		{{Name: "directory.move", Timeout: t.Directory, Run: func(ctx context.Context) (string, error) {
			e, ok := current()
			if !ok {
				return skip, nil
			}
			if d.DepartedOU == "" {
				return "контейнер уволенных не настроен", nil
			}
			dn, err := d.Accounts.Move(ctx, e.DN, d.DepartedOU)
			if err != nil {
				return "", err
			}
			return "перемещена в " + dn, nil
		}}},
	}

	steps, err := Runner{Timeout: t.Outer, Logger: logger}.Run(ctx, stages)
	e, _ := current()
	res := Result{
		RunID:    runID,
		Success:  err == nil,
		Identity: domain.DirectoryIdentity{LoginName: e.Get("sAMAccountName"), PrincipalName: e.Get("userPrincipalName"), DistinguishedName: e.DN},
		Steps:    steps,
		Err:      err,
	}
	if err != nil {
		logger.Error("deprovisioning failed", "category", res.Category(), "detail", res.Detail())
	} else {
		logger.Info("deprovisioning finished", "dn", e.DN, "failed_steps", len(res.Failed()))
	}
	return res
}
