// Package builder holds the error taxonomy shared by the generation,
// validation and deployment stages.
package builder

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeClassificationAmbiguous ErrorCode = "classification-ambiguous"
	CodeGenerationMalformed     ErrorCode = "generation-malformed"
	CodeGenerationRuleViolation ErrorCode = "generation-rule-violation"
	CodeGenerationExhausted     ErrorCode = "generation-exhausted"
	CodeDeployBuildFailed       ErrorCode = "deploy-build-failed"
	CodeDeployRouteFailed       ErrorCode = "deploy-route-failed"
	CodeProviderTimeout         ErrorCode = "provider-timeout"
	CodeConcurrentModification  ErrorCode = "concurrent-modification-rejected"
	CodeStopped                 ErrorCode = "stopped"
	CodeInternal                ErrorCode = "internal"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrBusy            = errors.New("session is busy")
	ErrTerminal        = errors.New("session is terminal")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrForbidden       = errors.New("forbidden")
	// ErrStopped is returned by a stage that observed the cancel flag.
	ErrStopped = errors.New("session stopped")
)

// Error tags a cause with a taxonomy code.
type Error struct {
	Code ErrorCode
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(code ErrorCode, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// CodeOf returns the taxonomy code carried by err, or CodeInternal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrStopped) {
		return CodeStopped
	}
	var be *Error
	if errors.As(err, &be) && be != nil {
		return be.Code
	}
	if errors.Is(err, ErrBusy) {
		return CodeConcurrentModification
	}
	return CodeInternal
}
