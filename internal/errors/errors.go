package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess     Code = 0
	CodeInternal    Code = 1
	CodeUsage       Code = 2
	CodeRateLimited Code = 11
	// CodeUnavailable covers transport and planner failures (network failure).
	CodeUnavailable Code = 12
	CodeUnsupported Code = 13
	// CodeStale marks a transaction whose recent blockhash can no longer land.
	CodeStale   Code = 14
	CodeBlocked Code = 16

	CodeActionPlan    Code = 20
	CodeActionSim     Code = 21
	CodeActionTimeout Code = 22
	CodeSigner        Code = 23
	CodeUserRejected  Code = 24
	CodeSlippage      Code = 25
	CodeBusy          Code = 26
	// CodeTxFailed is a transaction that executed on-chain and failed.
	CodeTxFailed Code = 27
)

// Error is a typed CLI error that carries a stable error code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	cliErr, ok := As(err)
	return ok && cliErr.Code == code
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	if cliErr, ok := As(err); ok {
		return int(cliErr.Code)
	}
	return int(CodeInternal)
}
