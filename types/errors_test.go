package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", errors.New("x"), KindUnknown},
		{"validation", NewValidationError(CodeSelfDependency, "a", "self"), KindValidation},
		{"wrapped concurrency", fmt.Errorf("update: %w", &ConcurrencyError{Identity: "a"}), KindConcurrency},
		{"transaction", &TransactionError{Op: "commit", Err: errors.New("disk")}, KindTransaction},
		{"storage", &StorageError{Op: "get", Err: errors.New("io")}, KindStorage},
		{"bulk", &BulkOperationError{}, KindBulkOperation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
	assert.Equal(t, "bulk_operation", KindBulkOperation.String())
	assert.Equal(t, "unknown", Kind(99).String())
}

func TestIsTransient(t *testing.T) {
	busy := &StorageError{Op: "save", Identity: "a", Transient: true, Err: errors.New("database is locked")}
	assert.True(t, IsTransient(fmt.Errorf("flush: %w", busy)))
	assert.False(t, IsTransient(&StorageError{Op: "save", Err: errors.New("constraint")}))
	assert.False(t, IsTransient(NewValidationError(CodeMissingDependency, "a", "missing")))
	assert.Equal(t, "STORAGE_TRANSIENT", busy.Code())
	assert.Equal(t, "storage save a: database is locked", busy.Error())
}

func TestValidationErrorFrom(t *testing.T) {
	warn := Violation{Code: CodeCycleCheckInconclusive, Identity: "a", Message: "too deep", Severity: SeverityWarning}
	assert.Nil(t, ValidationErrorFrom(nil))
	assert.Nil(t, ValidationErrorFrom([]Violation{warn}), "warnings alone are not an error")

	miss := Violation{Code: CodeMissingDependency, Identity: "b", Message: "dependency x of b does not exist", Severity: SeverityError}
	err := ValidationErrorFrom([]Violation{warn, miss})
	require.NotNil(t, err)
	assert.Equal(t, CodeMissingDependency, err.Code())
	assert.Len(t, err.Violations, 2, "warnings ride along")
	assert.Contains(t, err.Error(), "CYCLE_CHECK_INCONCLUSIVE [a]: too deep")
}

func TestTransactionError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	rb := errors.New("restore failed")
	err := &TransactionError{Op: "commit", Err: cause, RollbackErr: rb}
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, rb)

	onlyRollback := &TransactionError{Op: "rollback", RollbackErr: rb}
	assert.ErrorIs(t, onlyRollback, rb)
}

func TestBulkOperationError(t *testing.T) {
	cause := &StorageError{Op: "create", Identity: "b", Err: errors.New("io")}
	err := &BulkOperationError{
		Processed: 1,
		Failed:    1,
		Items: []ItemError{
			{Identity: "b", Outcome: "FAILED", Attempts: 3, Err: cause},
			{Identity: "c", Outcome: "BLOCKED"},
		},
	}
	assert.Equal(t, "bulk operation: 1 processed, 1 failed", err.Error())
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "b", se.Identity)
}

func TestMarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		err  Error
		want map[string]any
	}{
		{
			name: "validation",
			err:  NewValidationError(CodeHasChildren, "p", "task p has 2 descendants"),
			want: map[string]any{"kind": "validation", "code": CodeHasChildren},
		},
		{
			name: "concurrency",
			err:  &ConcurrencyError{Identity: "a", Expected: 1, Actual: 2},
			want: map[string]any{"kind": "concurrency", "code": "VERSION_CONFLICT", "identity": "a", "expected": float64(1), "actual": float64(2)},
		},
		{
			name: "storage",
			err:  &StorageError{Op: "get", Identity: "a", Transient: true, Err: errors.New("busy")},
			want: map[string]any{"kind": "storage", "code": "STORAGE_TRANSIENT", "transient": true, "message": "busy"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.err)
			require.NoError(t, err)
			var got map[string]any
			require.NoError(t, json.Unmarshal(raw, &got))
			for k, v := range tt.want {
				assert.Equal(t, v, got[k], k)
			}
		})
	}

	raw, err := json.Marshal(&ValidationError{ErrCode: CodeInvalidField, Message: "bad"})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"violations":[]`)
}
