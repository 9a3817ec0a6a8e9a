package policy

import (
	"errors"
	"fmt"
)

// Code represents the failure taxonomy shared by the policy engine, the vault
// ledger and the service boundary
type Code string

const (
	CodeDuplicateConstraint Code = "DUPLICATE_CONSTRAINT"
	CodeNotFound            Code = "NOT_FOUND"
	CodePolicyViolation     Code = "POLICY_VIOLATION"
	CodeAlreadyRebalancing  Code = "ALREADY_REBALANCING"
	CodeNotRebalancing      Code = "NOT_REBALANCING"
	CodeInvalidTotal        Code = "INVALID_TOTAL"
	CodeInvalidAddress      Code = "INVALID_ADDRESS"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeInvalidLimits       Code = "INVALID_LIMITS"
	CodeOverflow            Code = "OVERFLOW"
	CodeInvalidArgument     Code = "INVALID_ARGUMENT"
)

// Error contains detailed failure information
type Error struct {
	Code         Code
	ConstraintID string
	Message      string
	Details      map[string]interface{}
}

func (e *Error) Error() string {
	if e.ConstraintID != "" {
		return fmt.Sprintf("[%s] %s (constraint=%s)", e.Code, e.Message, e.ConstraintID)
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Is matches any *Error carrying the same code, so callers can compare
// against the sentinels below with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrDuplicateConstraint = &Error{Code: CodeDuplicateConstraint}
	ErrNotFound            = &Error{Code: CodeNotFound}
	ErrPolicyViolation     = &Error{Code: CodePolicyViolation}
	ErrAlreadyRebalancing  = &Error{Code: CodeAlreadyRebalancing}
	ErrNotRebalancing      = &Error{Code: CodeNotRebalancing}
	ErrInvalidTotal        = &Error{Code: CodeInvalidTotal}
	ErrInvalidAddress      = &Error{Code: CodeInvalidAddress}
	ErrUnauthorized        = &Error{Code: CodeUnauthorized}
	ErrInsufficientBalance = &Error{Code: CodeInsufficientBalance}
	ErrInvalidLimits       = &Error{Code: CodeInvalidLimits}
	ErrOverflow            = &Error{Code: CodeOverflow}
	ErrInvalidArgument     = &Error{Code: CodeInvalidArgument}
)

// Errorf builds an *Error with a formatted message
func Errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code of err, or "" when err is not an *Error
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
