// Package provision drives the multi-step directory, mailbox and notification
// work behind approving and dismissing an employee.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"staffline/internal/fault"
)

// Step is one unit of work. A failed mandatory step ends the run; a failed
// best-effort step is recorded and the run continues.
type Step struct {
	Name      string
	Mandatory bool
	Timeout   time.Duration
	Run       func(ctx context.Context) (detail string, err error)
}

// Stage groups steps that run concurrently. Stages run in order.
type Stage []Step

// StepResult is the outcome of one step.
type StepResult struct {
	Name       string         `json:"name"`
	Mandatory  bool           `json:"mandatory"`
	OK         bool           `json:"ok"`
	Category   fault.Category `json:"category,omitempty"`
	Detail     string         `json:"detail,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// Runner executes stages under an outer timeout. The outer timeout is a hard
// bound: when it fires Run returns at once with the results gathered so far.
type Runner struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

type recorder struct {
	mu      sync.Mutex
	results []StepResult
}

func (r *recorder) add(res StepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *recorder) snapshot() []StepResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StepResult(nil), r.results...)
}

func (r Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Run executes stages and returns every step result together with the error
// of the first failed mandatory step, or an outer-timeout error.
func (r Runner) Run(ctx context.Context, stages []Stage) ([]StepResult, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rec := &recorder{}
	done := make(chan error, 1)
	go func() { done <- r.runStages(ctx, stages, rec) }()

	select {
	case err := <-done:
		return rec.snapshot(), err
	case <-ctx.Done():
		cause := ctx.Err()
		r.logger().Warn("run abandoned", "err", cause, "completed_steps", len(rec.snapshot()))
		if errors.Is(cause, context.DeadlineExceeded) {
			return rec.snapshot(), &fault.Error{
				Category: fault.DependencyTimeout,
				Stage:    "outer",
				Detail:   fmt.Sprintf("операция не завершилась за %s", r.Timeout),
				Err:      cause,
			}
		}
		return rec.snapshot(), fault.WithStage("outer", cause)
	}
}

func (r Runner) runStages(ctx context.Context, stages []Stage, rec *recorder) error {
	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, step := range stage {
			g.Go(func() error {
				res, err := r.runStep(gctx, step)
				rec.add(res)
				if err != nil && step.Mandatory {
					return err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

type stepOutcome struct {
	detail string
	err    error
}

// runStep abandons the step when its timeout fires, even if Run ignores ctx.
func (r Runner) runStep(ctx context.Context, step Step) (StepResult, error) {
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}
	start := time.Now()
	out := make(chan stepOutcome, 1)
	go func() {
		detail, err := step.Run(ctx)
		out <- stepOutcome{detail: detail, err: err}
	}()

	var o stepOutcome
	select {
	case o = <-out:
	case <-ctx.Done():
		o = stepOutcome{err: ctx.Err()}
	}

	res := StepResult{
		Name:       step.Name,
		Mandatory:  step.Mandatory,
		OK:         o.err == nil,
		Detail:     o.detail,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if o.err != nil {
		fe := fault.WithStage(step.Name, o.err)
		res.Category = fe.Category
		res.Detail = Describe(fe)
		r.logger().Warn("step failed", "step", step.Name, "mandatory", step.Mandatory, "category", fe.Category, "err", o.err)
		return res, fe
	}
	r.logger().Info("step completed", "step", step.Name, "detail", o.detail, "duration_ms", res.DurationMS)
	return res, nil
}

// Describe renders the human-readable part of an error for operators.
func Describe(err error) string {
	var fe *fault.Error
	if errors.As(err, &fe) {
		if fe.Detail != "" {
			return fe.Detail
		}
		if fe.Err != nil {
			return fe.Err.Error()
		}
		return string(fe.Category)
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
