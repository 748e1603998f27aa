package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"staffline/internal/config"
	"staffline/internal/domain"
	"staffline/internal/events"
	"staffline/internal/fault"
	"staffline/internal/provision"
	"staffline/internal/repo"
)

// Provisioner creates the directory account, mailbox and notifications for an employee.
type Provisioner interface {
	Provision(ctx context.Context, e domain.Employee) provision.Result
}

// Deprovisioner takes an employee's account out of service.
type Deprovisioner interface {
	Deprovision(ctx context.Context, target provision.Target) provision.Result
}

// SystemActor is recorded on events the engine raises on its own.
const SystemActor = "staffline"

type Engine struct {
	DB            *sql.DB
	Repo          repo.Repo
	Events        events.Writer
	Config        *config.Config
	Provisioner   Provisioner
	Deprovisioner Deprovisioner
	Logger        *slog.Logger
	Now           func() time.Time

	running *inFlight
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Now:     time.Now,
		running: &inFlight{ids: map[int64]bool{}},
	}
}

// inFlight marks records with an approval or dismissal running in this
// process. Status CAS alone cannot cover a dismissal of a PENDING record,
// which talks to the directory before its status changes.
type inFlight struct {
	mu  sync.Mutex
	ids map[int64]bool
}

func (f *inFlight) claim(id int64) bool {
	if f == nil {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ids[id] {
		return false
	}
	f.ids[id] = true
	return true
}

func (f *inFlight) release(id int64) {
	if f == nil {
		return
	}
	f.mu.Lock()
	delete(f.ids, id)
	f.mu.Unlock()
}

func (e Engine) claim(id int64) (func(), error) {
	if !e.running.claim(id) {
		return nil, fault.Newf(fault.InvalidTransition, "employee %d has an operation in progress", id)
	}
	return func() { e.running.release(id) }, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// ensureStatusTransition is the single table of legal lifecycle moves.
func ensureStatusTransition(from, to domain.Status) error {
	switch from {
	case domain.StatusPending:
		if to == domain.StatusCreating || to == domain.StatusRejected || to == domain.StatusDismissed {
			return nil
		}
	case domain.StatusCreating:
		if to == domain.StatusApproved || to == domain.StatusPending {
			return nil
		}
	case domain.StatusApproved:
		if to == domain.StatusDismissed {
			return nil
		}
	}
	return fault.Newf(fault.InvalidTransition, "invalid employee status transition %s -> %s", from, to)
}

// transition moves employee id from one status to another inside tx. The
// compare-and-set is what makes concurrent operations on one record exclusive.
func (e Engine) transition(ctx context.Context, tx *sql.Tx, id int64, from, to domain.Status) error {
	if err := ensureStatusTransition(from, to); err != nil {
		return err
	}
	err := e.Repo.CompareAndSetStatus(ctx, tx, id, from, to, e.timestamp())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrNotFound):
		return notFound(id)
	case errors.Is(err, repo.ErrStatusConflict):
		cur, gerr := e.Repo.GetEmployee(ctx, tx, id)
		if gerr != nil {
			return gerr
		}
		return fault.Newf(fault.InvalidTransition, "invalid employee status transition %s -> %s", cur.Status, to)
	}
	return err
}

func notFound(id int64) error {
	return fault.Newf(fault.NotFound, "employee %d not found", id)
}

func (e Engine) getEmployee(ctx context.Context, tx *sql.Tx, id int64) (domain.Employee, error) {
	emp, err := e.Repo.GetEmployee(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return emp, notFound(id)
	}
	return emp, err
}

func (e Engine) runRecord(kind string, employeeID int64, actorID string, started time.Time, res provision.Result) (domain.Run, error) {
	steps := res.Steps
	if steps == nil {
		steps = []provision.StepResult{}
	}
	data, err := json.Marshal(steps)
	if err != nil {
		return domain.Run{}, fmt.Errorf("marshal steps: %w", err)
	}
	run := domain.Run{
		ID:         res.RunID,
		EmployeeID: employeeID,
		Kind:       kind,
		Success:    res.Success,
		StepsJSON:  string(data),
		ActorID:    actorID,
		StartedAt:  started.UTC().Format(time.RFC3339),
		FinishedAt: e.timestamp(),
	}
	if res.Err != nil {
		run.Category = string(res.Category())
		run.Detail = res.Detail()
	}
	return run, nil
}

func failedSteps(res provision.Result) []string {
	var names []string
	for _, s := range res.Failed() {
		names = append(names, s.Name)
	}
	return names
}

func idString(id int64) string {
	return fmt.Sprintf("%d", id)
}
