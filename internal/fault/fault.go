// Package fault defines the error categories reported by lifecycle operations.
package fault

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Category string

const (
	NotFound            Category = "not_found"
	InvalidTransition   Category = "invalid_transition"
	UnresolvedPlacement Category = "unresolved_placement"
	IncompleteIdentity  Category = "incomplete_identity"
	DirectoryRejected   Category = "directory_rejected"
	DependencyTimeout   Category = "dependency_timeout"
	DependencyFailed    Category = "dependency_failed"
)

// Reason refines DirectoryRejected.
type Reason string

const (
	ReasonDuplicate          Reason = "duplicate"
	ReasonMissingContainer   Reason = "missing_container"
	ReasonInsufficientRights Reason = "insufficient_rights"
	ReasonOther              Reason = "other"
)

// Error is a categorized failure. Stage names the step that produced it.
type Error struct {
	Category Category
	Reason   Reason
	Stage    string
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Stage != "" {
		b.WriteString(e.Stage)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Category))
	if e.Reason != "" {
		b.WriteString(" (")
		b.WriteString(string(e.Reason))
		b.WriteString(")")
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil && (e.Detail == "" || !strings.Contains(e.Detail, e.Err.Error())) {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by category and, when set, by reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Category != e.Category {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

func New(c Category, detail string) *Error {
	return &Error{Category: c, Detail: detail}
}

func Newf(c Category, format string, args ...any) *Error {
	return &Error{Category: c, Detail: fmt.Sprintf(format, args...)}
}

func Wrap(c Category, err error, detail string) *Error {
	return &Error{Category: c, Detail: detail, Err: err}
}

func Rejected(reason Reason, err error, detail string) *Error {
	return &Error{Category: DirectoryRejected, Reason: reason, Detail: detail, Err: err}
}

// WithStage returns err as an *Error carrying stage. Uncategorized errors become
// DependencyTimeout when caused by a deadline, otherwise DependencyFailed.
func WithStage(stage string, err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		cp := *fe
		if cp.Stage == "" {
			cp.Stage = stage
		}
		return &cp
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Category: DependencyTimeout, Stage: stage, Detail: "timed out", Err: err}
	}
	return &Error{Category: DependencyFailed, Stage: stage, Err: err}
}

// CategoryOf returns the category of err, or "" when err is not categorized.
func CategoryOf(err error) Category {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category
	}
	return ""
}

// ReasonOf returns the directory rejection reason of err, if any.
func ReasonOf(err error) Reason {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return ""
}

// Sentinels usable with errors.Is.
var (
	ErrNotFound            = &Error{Category: NotFound}
	ErrInvalidTransition   = &Error{Category: InvalidTransition}
	ErrUnresolvedPlacement = &Error{Category: UnresolvedPlacement}
	ErrIncompleteIdentity  = &Error{Category: IncompleteIdentity}
	ErrDirectoryRejected   = &Error{Category: DirectoryRejected}
	ErrDuplicate           = &Error{Category: DirectoryRejected, Reason: ReasonDuplicate}
	ErrDependencyTimeout   = &Error{Category: DependencyTimeout}
	ErrDependencyFailed    = &Error{Category: DependencyFailed}
)
