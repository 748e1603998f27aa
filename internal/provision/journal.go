package provision

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"staffline/internal/domain"
	"staffline/internal/fault"
)

// Journal stores compensation records: what an external side effect would
// take to undo, written before the effect is attempted.
type Journal interface {
	Open(ctx context.Context, c domain.Compensation) error
	Settle(ctx context.Context, id, state string) error
}

// MemoryJournal is a Journal kept in memory.
type MemoryJournal struct {
	mu      sync.Mutex
	records []domain.Compensation
}

func (j *MemoryJournal) Open(_ context.Context, c domain.Compensation) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, c)
	return nil
}

func (j *MemoryJournal) Settle(_ context.Context, id, state string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := range j.records {
		if j.records[i].ID == id {
			j.records[i].State = state
			j.records[i].UpdatedAt = time.Now().UTC().Format(time.RFC3339)
			return nil
		}
	}
	return errors.New("compensation not found")
}

func (j *MemoryJournal) Records() []domain.Compensation {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]domain.Compensation(nil), j.records...)
}

// effect is a side effect guarded by a compensation record.
type effect struct {
	journal    Journal
	runID      string
	employeeID int64
	now        func() time.Time
}

// guard records action on target as pending, runs fn and settles the record:
// applied when fn reports a change that would need undoing, released when it
// changed nothing, outstanding when the outcome is unknown.
func (e effect) guard(ctx context.Context, action, target string, fn func() (changed bool, err error)) error {
	if e.journal == nil {
		_, err := fn()
		return err
	}
	ts := e.now().UTC().Format(time.RFC3339)
	rec := domain.Compensation{
		ID:         uuid.NewString(),
		RunID:      e.runID,
		EmployeeID: e.employeeID,
		Action:     action,
		Target:     target,
		State:      domain.CompensationPending,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
	// The record outlives ctx: it must be written even when the step is cut short.
	bg := context.WithoutCancel(ctx)
	if err := e.journal.Open(bg, rec); err != nil {
		return fault.Wrap(fault.DependencyFailed, err, "не удалось записать компенсационную запись")
	}
	changed, err := fn()
	state := domain.CompensationReleased
	switch {
	case err != nil && fault.CategoryOf(err) == fault.DirectoryRejected:
		state = domain.CompensationReleased
	case err != nil:
		state = domain.CompensationOutstanding
	case changed:
		state = domain.CompensationApplied
	}
	if serr := e.journal.Settle(bg, rec.ID, state); serr != nil && err == nil {
		return fault.Wrap(fault.DependencyFailed, serr, "не удалось обновить компенсационную запись")
	}
	return err
}
