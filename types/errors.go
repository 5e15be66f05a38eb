/*
Copyright © 2025 Joseph Goksu josephgoksu@gmail.com
*/
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind identifies one of the closed set of engine error variants.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindConcurrency
	KindTransaction
	KindStorage
	KindBulkOperation
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConcurrency:
		return "concurrency"
	case KindTransaction:
		return "transaction"
	case KindStorage:
		return "storage"
	case KindBulkOperation:
		return "bulk_operation"
	default:
		return "unknown"
	}
}

// Error is implemented only by the variants in this file.
type Error interface {
	error
	Kind() Kind
	Code() string
	sealed()
}

// Severity of a validation finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Violation codes returned by the validator.
const (
	CodeMissingDependency      = "MISSING_DEPENDENCY"
	CodeSelfDependency         = "SELF_DEPENDENCY"
	CodeCircularDependency     = "CIRCULAR_DEPENDENCY"
	CodeCycleCheckInconclusive = "CYCLE_CHECK_INCONCLUSIVE"
	CodeInvalidDependencyState = "INVALID_DEPENDENCY_STATE"
	CodeParentNotFound         = "PARENT_NOT_FOUND"
	CodeSelfParent             = "SELF_PARENT"
	CodeParentTerminal         = "PARENT_TERMINAL"
	CodeHierarchyCycle         = "HIERARCHY_CYCLE"
	CodeMaxDepthExceeded       = "MAX_DEPTH_EXCEEDED"
	CodeMaxChildrenExceeded    = "MAX_CHILDREN_EXCEEDED"
	CodeInvalidField           = "INVALID_FIELD"
	CodeHasChildren            = "HAS_CHILDREN"
	CodeHasDependents          = "HAS_DEPENDENTS"
)

// Violation is one structured validator finding.
type Violation struct {
	Code     string   `json:"code"`
	Identity string   `json:"identity"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	// Related holds identities involved in the finding (cycle path, missing deps).
	Related []string `json:"related,omitempty"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s [%s]: %s", v.Code, v.Identity, v.Message)
}

// ValidationError is returned when input violates graph or hierarchy rules.
// It is never retried automatically.
type ValidationError struct {
	ErrCode    string
	Message    string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	if len(e.Violations) <= 1 {
		return fmt.Sprintf("%s: %s", e.ErrCode, e.Message)
	}
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("%s: %s (%s)", e.ErrCode, e.Message, strings.Join(parts, "; "))
}

func (e *ValidationError) Kind() Kind   { return KindValidation }
func (e *ValidationError) Code() string { return e.ErrCode }
func (e *ValidationError) sealed()      {}

func (e *ValidationError) MarshalJSON() ([]byte, error) {
	violations := e.Violations
	if violations == nil {
		violations = []Violation{}
	}
	return json.Marshal(struct {
		Kind       string      `json:"kind"`
		Code       string      `json:"code"`
		Message    string      `json:"message"`
		Violations []Violation `json:"violations"`
	}{KindValidation.String(), e.ErrCode, e.Message, violations})
}

// NewValidationError builds a single-violation error.
func NewValidationError(code, identity, message string) *ValidationError {
	return &ValidationError{
		ErrCode: code,
		Message: message,
		Violations: []Violation{{
			Code:     code,
			Identity: identity,
			Message:  message,
			Severity: SeverityError,
		}},
	}
}

// ValidationErrorFrom returns nil when no violation has error severity.
// Warnings are carried along so callers can still surface them.
func ValidationErrorFrom(violations []Violation) *ValidationError {
	var first *Violation
	for i := range violations {
		if violations[i].Severity == SeverityError {
			first = &violations[i]
			break
		}
	}
	if first == nil {
		return nil
	}
	return &ValidationError{
		ErrCode:    first.Code,
		Message:    first.Message,
		Violations: violations,
	}
}

// ConcurrencyError reports an optimistic-concurrency version mismatch.
type ConcurrencyError struct {
	Identity string
	Expected int64
	Actual   int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, stored %d", e.Identity, e.Expected, e.Actual)
}

func (e *ConcurrencyError) Kind() Kind   { return KindConcurrency }
func (e *ConcurrencyError) Code() string { return "VERSION_CONFLICT" }
func (e *ConcurrencyError) sealed()      {}

func (e *ConcurrencyError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind     string `json:"kind"`
		Code     string `json:"code"`
		Identity string `json:"identity"`
		Expected int64  `json:"expected"`
		Actual   int64  `json:"actual"`
	}{KindConcurrency.String(), e.Code(), e.Identity, e.Expected, e.Actual})
}

// TransactionError wraps a commit or rollback failure. RollbackErr is set when
// the implicit rollback after a failed commit also failed.
type TransactionError struct {
	Op          string
	Err         error
	RollbackErr error
}

func (e *TransactionError) Error() string {
	if e.RollbackErr != nil {
		return fmt.Sprintf("transaction %s: %v (rollback: %v)", e.Op, e.Err, e.RollbackErr)
	}
	return fmt.Sprintf("transaction %s: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() []error {
	var errs []error
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.RollbackErr != nil {
		errs = append(errs, e.RollbackErr)
	}
	return errs
}

func (e *TransactionError) Kind() Kind   { return KindTransaction }
func (e *TransactionError) Code() string { return "TRANSACTION_FAILED" }
func (e *TransactionError) sealed()      {}

func (e *TransactionError) MarshalJSON() ([]byte, error) {
	var rollback string
	if e.RollbackErr != nil {
		rollback = e.RollbackErr.Error()
	}
	return json.Marshal(struct {
		Kind        string `json:"kind"`
		Code        string `json:"code"`
		Op          string `json:"op"`
		Message     string `json:"message"`
		RollbackErr string `json:"rollbackError,omitempty"`
	}{KindTransaction.String(), e.Code(), e.Op, errString(e.Err), rollback})
}

// StorageError wraps a Storage Port failure.
type StorageError struct {
	Op        string
	Identity  string
	Transient bool
	Err       error
}

func (e *StorageError) Error() string {
	if e.Identity != "" {
		return fmt.Sprintf("storage %s %s: %v", e.Op, e.Identity, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
func (e *StorageError) Kind() Kind    { return KindStorage }
func (e *StorageError) sealed()       {}

func (e *StorageError) Code() string {
	if e.Transient {
		return "STORAGE_TRANSIENT"
	}
	return "STORAGE_PERMANENT"
}

func (e *StorageError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind      string `json:"kind"`
		Code      string `json:"code"`
		Op        string `json:"op"`
		Identity  string `json:"identity,omitempty"`
		Transient bool   `json:"transient"`
		Message   string `json:"message"`
	}{KindStorage.String(), e.Code(), e.Op, e.Identity, e.Transient, errString(e.Err)})
}

// ItemError is the failure of one item inside a bulk operation.
type ItemError struct {
	Identity string `json:"identity"`
	Outcome  string `json:"outcome"`
	Attempts int    `json:"attempts"`
	Err      error  `json:"-"`
}

// BulkOperationError reports partial success of a bulk call.
type BulkOperationError struct {
	Processed int
	Failed    int
	Items     []ItemError
}

func (e *BulkOperationError) Error() string {
	return fmt.Sprintf("bulk operation: %d processed, %d failed", e.Processed, e.Failed)
}

func (e *BulkOperationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Items))
	for _, it := range e.Items {
		if it.Err != nil {
			errs = append(errs, it.Err)
		}
	}
	return errs
}

func (e *BulkOperationError) Kind() Kind   { return KindBulkOperation }
func (e *BulkOperationError) Code() string { return "BULK_PARTIAL_FAILURE" }
func (e *BulkOperationError) sealed()      {}

func (e *BulkOperationError) MarshalJSON() ([]byte, error) {
	type item struct {
		Identity string `json:"identity"`
		Outcome  string `json:"outcome"`
		Attempts int    `json:"attempts"`
		Message  string `json:"message,omitempty"`
	}
	items := make([]item, 0, len(e.Items))
	for _, it := range e.Items {
		items = append(items, item{it.Identity, it.Outcome, it.Attempts, errString(it.Err)})
	}
	return json.Marshal(struct {
		Kind      string `json:"kind"`
		Code      string `json:"code"`
		Processed int    `json:"processed"`
		Failed    int    `json:"failed"`
		Items     []item `json:"items"`
	}{KindBulkOperation.String(), e.Code(), e.Processed, e.Failed, items})
}

// KindOf returns the kind of the first engine error found in err's chain.
func KindOf(err error) Kind {
	var e Error
	if errors.As(err, &e) {
		return e.Kind()
	}
	return KindUnknown
}

// IsTransient reports whether err is a storage failure worth retrying.
func IsTransient(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Transient
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
