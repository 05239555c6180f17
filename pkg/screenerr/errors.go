// Package screenerr defines the error taxonomy shared by the screening
// pipeline.
//
// Errors fall into three classes:
//   - TransientAdapterError: an external collaborator failed in a way that
//     may succeed on retry (timeouts, throttling, unavailable servers).
//   - ValidationError: an input or output failed a sanity check. The unit
//     is excluded and never retried.
//   - LedgerCorruptionError: the checkpoint ledger is inconsistent. The run
//     halts.
package screenerr

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification with errors.Is.
var (
	// ErrTransient marks failures that may succeed on retry.
	ErrTransient = errors.New("transient adapter failure")

	// ErrValidation marks inputs or outputs that failed a sanity check.
	ErrValidation = errors.New("validation failed")

	// ErrLedgerCorruption marks an inconsistent checkpoint ledger.
	ErrLedgerCorruption = errors.New("ledger corruption")

	// ErrOutOfDomain indicates the stability oracle cannot score a composition.
	ErrOutOfDomain = errors.New("composition outside oracle domain")
)

// TransientAdapterError wraps a retryable failure from an external adapter.
type TransientAdapterError struct {
	// Op is the adapter operation that failed (e.g., "predict", "generate").
	Op string

	// Err is the underlying error.
	Err error
}

func (e *TransientAdapterError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, ErrTransient)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrTransient, e.Err)
}

func (e *TransientAdapterError) Unwrap() []error {
	return []error{ErrTransient, e.Err}
}

// ValidationError describes a unit that was excluded by a sanity check.
type ValidationError struct {
	// Reason is a short machine-readable code (e.g., "overlapping_atoms").
	Reason string

	// Err carries optional detail.
	Err error
}

func (e *ValidationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%v: %s: %v", ErrValidation, e.Reason, e.Err)
}

func (e *ValidationError) Unwrap() []error {
	return []error{ErrValidation, e.Err}
}

// LedgerCorruptionError reports an inconsistent ledger. It is fatal to the run.
type LedgerCorruptionError struct {
	// Detail describes the inconsistency.
	Detail string

	// Err is the underlying error, if any.
	Err error
}

func (e *LedgerCorruptionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s", ErrLedgerCorruption, e.Detail)
	}
	return fmt.Sprintf("%v: %s: %v", ErrLedgerCorruption, e.Detail, e.Err)
}

func (e *LedgerCorruptionError) Unwrap() []error {
	return []error{ErrLedgerCorruption, e.Err}
}

// Transient wraps err as a TransientAdapterError for op.
func Transient(op string, err error) error {
	return &TransientAdapterError{Op: op, Err: err}
}

// Validation builds a ValidationError with the given reason.
func Validation(reason string, err error) error {
	return &ValidationError{Reason: reason, Err: err}
}

// Corruption builds a LedgerCorruptionError.
func Corruption(detail string, err error) error {
	return &LedgerCorruptionError{Detail: detail, Err: err}
}

// IsTransient returns true if the error may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsValidation returns true if the error is a sanity-check rejection.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsLedgerCorruption returns true if the error indicates ledger corruption.
func IsLedgerCorruption(err error) bool {
	return errors.Is(err, ErrLedgerCorruption)
}

// IsOutOfDomain returns true if the oracle declined to score a composition.
func IsOutOfDomain(err error) bool {
	return errors.Is(err, ErrOutOfDomain)
}

// ValidationReason extracts the reason code from a ValidationError chain.
// Returns "" when err carries no ValidationError.
func ValidationReason(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return ""
}
