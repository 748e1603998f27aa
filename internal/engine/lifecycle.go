package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"staffline/internal/domain"
	"staffline/internal/events"
	"staffline/internal/fault"
	"staffline/internal/provision"
	"staffline/internal/repo"
)

// Outcome is what Approve and Dismiss report. Run is empty when the operation
// was refused before any remote call.
type Outcome struct {
	Employee domain.Employee  `json:"employee"`
	Run      provision.Result `json:"run"`
}

// Approve provisions a pending employee. The record is CREATING while the
// provisioner runs and ends APPROVED, or PENDING again when a mandatory step
// or the outer timeout failed; that error is returned.
func (e Engine) Approve(ctx context.Context, id int64, actorID string) (Outcome, error) {
	done, err := e.claim(id)
	if err != nil {
		return Outcome{}, err
	}
	defer done()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()
	if err := e.transition(ctx, tx, id, domain.StatusPending, domain.StatusCreating); err != nil {
		return Outcome{}, err
	}
	if err := e.events().Append(ctx, tx, events.EmployeeApproving, "employee", idString(id), actorID, nil); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}

	started := e.now()
	emp, err := e.getEmployee(ctx, nil, id)
	var res provision.Result
	switch {
	case err != nil:
		res = provision.Result{Err: err}
	case e.Provisioner == nil:
		res = provision.Result{Err: fault.New(fault.DependencyFailed, "provisioning is not configured")}
	default:
		res = e.Provisioner.Provision(ctx, emp)
	}

	// The record must leave CREATING even if the caller went away.
	final, ferr := e.finishApproval(context.WithoutCancel(ctx), id, actorID, started, res)
	if ferr != nil {
		e.logger().Error("approval bookkeeping failed", "employee_id", id, "err", ferr)
		return Outcome{Employee: final, Run: res}, ferr
	}
	return Outcome{Employee: final, Run: res}, res.Err
}

func (e Engine) finishApproval(ctx context.Context, id int64, actorID string, started time.Time, res provision.Result) (domain.Employee, error) {
	to, evt := domain.StatusApproved, events.EmployeeApproved
	if !res.Success {
		to, evt = domain.StatusPending, events.EmployeeApprovalFailed
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Employee{}, err
	}
	defer tx.Rollback()
	if err := e.transition(ctx, tx, id, domain.StatusCreating, to); err != nil {
		return domain.Employee{}, err
	}
	payload := events.EventPayload{"status": to, "login": res.Identity.LoginName, "dn": res.Identity.DistinguishedName}
	if res.RunID != "" {
		run, err := e.runRecord("provision", id, actorID, started, res)
		if err != nil {
			return domain.Employee{}, err
		}
		if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
			return domain.Employee{}, err
		}
		payload["run_id"] = run.ID
	}
	if res.Err != nil {
		payload["category"] = res.Category()
		payload["detail"] = res.Detail()
	}
	if failed := failedSteps(res); len(failed) > 0 {
		payload["failed_steps"] = failed
	}
	if err := e.events().Append(ctx, tx, evt, "employee", idString(id), actorID, payload); err != nil {
		return domain.Employee{}, err
	}
	emp, err := e.getEmployee(ctx, tx, id)
	if err != nil {
		return domain.Employee{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Employee{}, err
	}
	e.logger().Info("approval finished", "employee_id", id, "status", to, "run_id", res.RunID)
	return emp, nil
}

// ReleaseStale returns to PENDING every CREATING record untouched for longer
// than olderThan. A live approval never stays CREATING past the outer
// timeout, so such a record was left behind by a process that died mid-run.
func (e Engine) ReleaseStale(ctx context.Context, olderThan time.Duration) ([]int64, error) {
	cutoff := e.now().Add(-olderThan).UTC().Format(time.RFC3339)
	stale, err := e.Repo.ListEmployees(ctx, repo.EmployeeFilter{Status: domain.StatusCreating, UpdatedBefore: cutoff})
	if err != nil {
		return nil, err
	}
	var released []int64
	for _, emp := range stale {
		err := e.release(ctx, emp)
		if fault.CategoryOf(err) == fault.InvalidTransition {
			continue
		}
		if err != nil {
			return released, err
		}
		e.logger().Warn("stale approval released", "employee_id", emp.ID, "updated_at", emp.UpdatedAt)
		released = append(released, emp.ID)
	}
	return released, nil
}

func (e Engine) release(ctx context.Context, emp domain.Employee) error {
	done, err := e.claim(emp.ID)
	if err != nil {
		return err
	}
	defer done()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.transition(ctx, tx, emp.ID, domain.StatusCreating, domain.StatusPending); err != nil {
		return err
	}
	payload := events.EventPayload{"status": domain.StatusPending, "stale_since": emp.UpdatedAt}
	if err := e.events().Append(ctx, tx, events.EmployeeReleased, "employee", idString(emp.ID), SystemActor, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// Reject closes a pending request without touching the directory.
func (e Engine) Reject(ctx context.Context, id int64, actorID, reason string) (domain.Employee, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Employee{}, err
	}
	defer tx.Rollback()
	if err := e.transition(ctx, tx, id, domain.StatusPending, domain.StatusRejected); err != nil {
		return domain.Employee{}, err
	}
	if err := e.events().Append(ctx, tx, events.EmployeeRejected, "employee", idString(id), actorID, events.EventPayload{"reason": reason}); err != nil {
		return domain.Employee{}, err
	}
	emp, err := e.getEmployee(ctx, tx, id)
	if err != nil {
		return domain.Employee{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Employee{}, err
	}
	return emp, nil
}

// Dismiss deprovisions the employee's account and then marks the record
// DISMISSED. When deprovisioning fails the status is left as it was. An
// approval of the same record is refused while the dismissal runs.
func (e Engine) Dismiss(ctx context.Context, id int64, actorID string) (Outcome, error) {
	done, err := e.claim(id)
	if err != nil {
		return Outcome{}, err
	}
	defer done()
	emp, err := e.getEmployee(ctx, nil, id)
	if err != nil {
		return Outcome{}, err
	}
	from := emp.Status
	if err := ensureStatusTransition(from, domain.StatusDismissed); err != nil {
		return Outcome{Employee: emp}, err
	}
	if e.Deprovisioner == nil {
		return Outcome{Employee: emp}, fault.New(fault.DependencyFailed, "deprovisioning is not configured")
	}

	started := e.now()
	res := e.Deprovisioner.Deprovision(ctx, provision.Target{
		EmployeeID: emp.ID,
		ExternalID: emp.ExternalID,
		// A pending request may never have reached the directory.
		MissingOK: from == domain.StatusPending,
	})
	ctx = context.WithoutCancel(ctx)
	run, err := e.runRecord("deprovision", id, actorID, started, res)
	if err != nil {
		return Outcome{Employee: emp, Run: res}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{Employee: emp, Run: res}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return Outcome{Employee: emp, Run: res}, err
	}
	payload := events.EventPayload{"run_id": run.ID, "from": from, "dn": res.Identity.DistinguishedName}
	if failed := failedSteps(res); len(failed) > 0 {
		payload["failed_steps"] = failed
	}
	if !res.Success {
		payload["category"] = res.Category()
		payload["detail"] = res.Detail()
		if err := e.events().Append(ctx, tx, events.EmployeeDismissFailed, "employee", idString(id), actorID, payload); err != nil {
			return Outcome{Employee: emp, Run: res}, err
		}
		if err := tx.Commit(); err != nil {
			return Outcome{Employee: emp, Run: res}, err
		}
		e.logger().Warn("dismissal failed, status unchanged", "employee_id", id, "status", from, "category", res.Category())
		return Outcome{Employee: emp, Run: res}, res.Err
	}

	terr := e.transition(ctx, tx, id, from, domain.StatusDismissed)
	if fault.CategoryOf(terr) == fault.InvalidTransition {
		// The record moved while the account was being disabled; keep the run.
		payload["category"] = fault.InvalidTransition
		payload["detail"] = terr.Error()
		if err := e.events().Append(ctx, tx, events.EmployeeDismissFailed, "employee", idString(id), actorID, payload); err != nil {
			return Outcome{Employee: emp, Run: res}, err
		}
		if err := tx.Commit(); err != nil {
			return Outcome{Employee: emp, Run: res}, err
		}
		return Outcome{Employee: emp, Run: res}, terr
	}
	if terr != nil {
		return Outcome{Employee: emp, Run: res}, terr
	}
	if err := e.events().Append(ctx, tx, events.EmployeeDismissed, "employee", idString(id), actorID, payload); err != nil {
		return Outcome{Employee: emp, Run: res}, err
	}
	emp, err = e.getEmployee(ctx, tx, id)
	if err != nil {
		return Outcome{Employee: emp, Run: res}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{Employee: emp, Run: res}, err
	}
	e.logger().Info("employee dismissed", "employee_id", id, "from", from, "run_id", run.ID)
	return Outcome{Employee: emp, Run: res}, nil
}

// Block deprovisions the account carrying externalID without changing any
// employee status. It serves accounts that have no record here or whose
// record is already closed. The run is stored when a record exists.
func (e Engine) Block(ctx context.Context, externalID, actorID string) (provision.Result, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return provision.Result{}, fault.New(fault.NotFound, "external id is required")
	}
	if e.Deprovisioner == nil {
		return provision.Result{}, fault.New(fault.DependencyFailed, "deprovisioning is not configured")
	}
	target := provision.Target{ExternalID: externalID}
	emp, err := e.Repo.GetEmployeeByExternalID(ctx, nil, externalID)
	switch {
	case err == nil:
		done, cerr := e.claim(emp.ID)
		if cerr != nil {
			return provision.Result{}, cerr
		}
		defer done()
		target.EmployeeID = emp.ID
	case !errors.Is(err, repo.ErrNotFound):
		return provision.Result{}, err
	}

	started := e.now()
	res := e.Deprovisioner.Deprovision(ctx, target)
	ctx = context.WithoutCancel(ctx)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	payload := events.EventPayload{"run_id": res.RunID, "dn": res.Identity.DistinguishedName, "success": res.Success}
	if target.EmployeeID != 0 {
		run, err := e.runRecord("deprovision", target.EmployeeID, actorID, started, res)
		if err != nil {
			return res, err
		}
		if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
			return res, err
		}
		payload["employee_id"] = target.EmployeeID
	}
	if failed := failedSteps(res); len(failed) > 0 {
		payload["failed_steps"] = failed
	}
	if res.Err != nil {
		payload["category"] = res.Category()
		payload["detail"] = res.Detail()
	}
	if err := e.events().Append(ctx, tx, events.AccountBlocked, "account", externalID, actorID, payload); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	e.logger().Info("account blocked", "external_id", externalID, "success", res.Success, "run_id", res.RunID)
	return res, res.Err
}
