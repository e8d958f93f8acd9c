// Package errs defines the error taxonomy shared by the kernel compiler packages.
package errs

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Common errors.
var (
	ErrReleased      = errors.New("array has been released")
	ErrNoDevice      = errors.New("array has no device memory")
	ErrQueueClosed   = errors.New("execution queue is closed")
	ErrUnknownOp     = errors.New("unknown operation")
	ErrOpaqueKernel  = errors.New("operation has no symbolic form")
	ErrEmptyGroup    = errors.New("fusion group is empty")
	ErrNotFinalValue = errors.New("value is not produced by the graph")
)

// UnsupportedBackendError reports a backend name that is not recognized.
type UnsupportedBackendError struct {
	Backend string
}

// Error implements the error interface.
func (e *UnsupportedBackendError) Error() string {
	return fmt.Sprintf("unsupported backend %q (want \"device\" or \"cpu-parallel\")", e.Backend)
}

// CompilationError reports generated kernel source that failed to build.
// It is never retried: the operation definition has to change.
type CompilationError struct {
	Kernel     string // Kernel entry name.
	Source     string // Generated source text.
	Diagnostic string // Backend build log.
}

// Error implements the error interface.
func (e *CompilationError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "compile %s: %s", e.Kernel, e.Diagnostic)
	if e.Source != "" {
		sb.WriteString("\n--- generated source ---\n")
		sb.WriteString(e.Source)
	}
	return sb.String()
}

// SignatureMismatchError reports arguments inconsistent with an operation's
// declared arity or rank expectations. Raised before any generation work.
type SignatureMismatchError struct {
	Op      string
	Details string
}

// Error implements the error interface.
func (e *SignatureMismatchError) Error() string {
	return fmt.Sprintf("signature mismatch for %s: %s", e.Op, e.Details)
}

// InvariantViolation reports a broken internal dirty-flag or ownership invariant.
// It is an internal-consistency fault and is not user-recoverable.
type InvariantViolation struct {
	Invariant string
	Details   string
}

// Error implements the error interface.
func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation (%s): %s", e.Invariant, e.Details)
}

// Mismatch builds a SignatureMismatchError with a stack trace attached.
func Mismatch(op, format string, args ...any) error {
	return errors.WithStack(&SignatureMismatchError{Op: op, Details: fmt.Sprintf(format, args...)})
}

// Violation builds an InvariantViolation with a stack trace attached.
func Violation(invariant, format string, args ...any) error {
	return errors.WithStack(&InvariantViolation{Invariant: invariant, Details: fmt.Sprintf(format, args...)})
}

// Unsupported builds an UnsupportedBackendError with a stack trace attached.
func Unsupported(name string) error {
	return errors.WithStack(&UnsupportedBackendError{Backend: name})
}

// Compilation builds a CompilationError with a stack trace attached.
func Compilation(kernel, source, format string, args ...any) error {
	return errors.WithStack(&CompilationError{
		Kernel:     kernel,
		Source:     source,
		Diagnostic: fmt.Sprintf(format, args...),
	})
}

// IsCompilation reports whether err wraps a CompilationError.
func IsCompilation(err error) bool {
	var ce *CompilationError
	return errors.As(err, &ce)
}

// IsMismatch reports whether err wraps a SignatureMismatchError.
func IsMismatch(err error) bool {
	var se *SignatureMismatchError
	return errors.As(err, &se)
}

// IsViolation reports whether err wraps an InvariantViolation.
func IsViolation(err error) bool {
	var iv *InvariantViolation
	return errors.As(err, &iv)
}

// IsUnsupported reports whether err wraps an UnsupportedBackendError.
func IsUnsupported(err error) bool {
	var ub *UnsupportedBackendError
	return errors.As(err, &ub)
}
