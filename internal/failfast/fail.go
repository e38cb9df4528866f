// Package failfast holds the deployment error taxonomy. Every step of a
// deployment attempt is fatal on its first error; the Kind attached to that
// error decides how the attempt ends and what the process exits with.
package failfast

import (
	"errors"
	"fmt"
)

type Kind string

const (
	ArtifactInvalid          Kind = "ArtifactInvalid"
	ExtractionFailed         Kind = "ExtractionFailed"
	BackupFailed             Kind = "BackupFailed"
	DeployVerificationFailed Kind = "DeployVerificationFailed"
	DependencyInstallFailed  Kind = "DependencyInstallFailed"
	ProcessStartFailed       Kind = "ProcessStartFailed"
	HealthCheckTimeout       Kind = "HealthCheckTimeout"
	RollbackUnavailable      Kind = "RollbackUnavailable"
	RollbackFailed           Kind = "RollbackFailed"
	LockHeld                 Kind = "LockHeld"
	InvalidConfig            Kind = "InvalidConfig"
)

// Error is a classified failure of one deployment step.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same Kind, so callers can write
// errors.Is(err, failfast.New(failfast.BackupFailed, "", nil)) or use KindOf.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// New classifies err under kind. op names the failing operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the outermost Kind in the chain, or "" when err is not
// classified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Has reports whether any error in the chain carries kind.
func Has(err error, kind Kind) bool {
	return errors.Is(err, &Error{Kind: kind})
}

// ExitCode maps a run result to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}
