package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-ldap/ldap/v3"

	"staffline/internal/fault"
)

// Result codes the service reacts to.
const (
	CodeNoSuchObject             uint16 = ldap.LDAPResultNoSuchObject
	CodeAttributeOrValueExists   uint16 = ldap.LDAPResultAttributeOrValueExists
	CodeInvalidDNSyntax          uint16 = ldap.LDAPResultInvalidDNSyntax
	CodeInsufficientAccessRights uint16 = ldap.LDAPResultInsufficientAccessRights
	CodeUnwillingToPerform       uint16 = ldap.LDAPResultUnwillingToPerform
	CodeEntryAlreadyExists       uint16 = ldap.LDAPResultEntryAlreadyExists
	CodeConstraintViolation      uint16 = ldap.LDAPResultConstraintViolation
	CodeNetwork                  uint16 = ldap.ErrorNetwork
)

// ResultError is a failure reported by the directory with its result code.
type ResultError struct {
	Op          string
	DN          string
	Code        uint16
	Description string
}

func (e *ResultError) Error() string {
	msg := fmt.Sprintf("%s %s: result code %d", e.Op, e.DN, e.Code)
	if e.Description != "" {
		msg += " (" + e.Description + ")"
	}
	return msg
}

// Reason maps the result code to a rejection reason.
func (e *ResultError) Reason() fault.Reason {
	switch e.Code {
	case CodeEntryAlreadyExists, CodeAttributeOrValueExists:
		return fault.ReasonDuplicate
	case CodeNoSuchObject:
		return fault.ReasonMissingContainer
	case CodeInsufficientAccessRights:
		return fault.ReasonInsufficientRights
	}
	return fault.ReasonOther
}

// Humanize returns operator-facing text for the reason.
func (e *ResultError) Humanize() string {
	switch e.Reason() {
	case fault.ReasonDuplicate:
		return "объект уже существует в каталоге"
	case fault.ReasonMissingContainer:
		return "контейнер (OU) не найден в каталоге"
	case fault.ReasonInsufficientRights:
		return "недостаточно прав у служебной учетной записи"
	}
	if e.Description != "" {
		return e.Description
	}
	return fmt.Sprintf("каталог вернул код %d", e.Code)
}

func newResultError(op, dn string, code uint16, desc string) *ResultError {
	return &ResultError{Op: op, DN: dn, Code: code, Description: desc}
}

// IsCode reports whether err carries the directory result code.
func IsCode(err error, code uint16) bool {
	var re *ResultError
	return errors.As(err, &re) && re.Code == code
}

// Classify turns a gateway error into a categorized fault.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.DependencyTimeout, err, "directory did not answer in time")
	}
	var re *ResultError
	if errors.As(err, &re) {
		if re.Code == CodeNetwork {
			return fault.Wrap(fault.DependencyFailed, err, "directory unreachable")
		}
		return fault.Rejected(re.Reason(), err, re.Humanize())
	}
	return fault.Wrap(fault.DependencyFailed, err, "directory request failed")
}
