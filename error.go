package uow

import (
	"errors"
	"fmt"
)

type ErrorCode int

const (
	Unknown ErrorCode = iota
	// UserMisuse is caller misuse, e.g. deleting a transient object under strict mode
	// or calling into a closed execution context.
	UserMisuse
	ObjectNotFound
	ManagedElsewhere
	OptimisticConflict
	LifecycleTransitionFailure
	// Fatal marks unrecoverable failures (e.g. missing class metadata). Callers should not retry.
	Fatal
	StoreFailure
	CacheFailure
)

// Error is the custom error carried by all public operations.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	return fmt.Errorf("error code: %d, user data: %v, details: %w", e.Code, e.UserData, e.Err).Error()
}

func (e Error) Unwrap() error {
	return e.Err
}

// ConflictError is an optimistic-lock conflict on a single identity.
type ConflictError struct {
	ID       Identity
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("optimistic conflict on %s, expected version %d, found %d", e.ID, e.Expected, e.Actual)
}

// UserError returns a UserMisuse coded error.
func UserError(format string, args ...any) error {
	return Error{
		Code: UserMisuse,
		Err:  fmt.Errorf(format, args...),
	}
}

func NotFoundError(id Identity) error {
	return Error{
		Code:     ObjectNotFound,
		Err:      fmt.Errorf("object with identity %s does not exist", id),
		UserData: id,
	}
}

func ManagedElsewhereError(id Identity) error {
	return Error{
		Code:     ManagedElsewhere,
		Err:      fmt.Errorf("object with identity %s is managed by a different execution context", id),
		UserData: id,
	}
}

// FatalError wraps err as unrecoverable.
func FatalError(err error) error {
	if IsFatal(err) {
		return err
	}
	return Error{
		Code: Fatal,
		Err:  err,
	}
}

// NewOptimisticConflictError aggregates conflicts into one error. UserData holds the failed identities.
func NewOptimisticConflictError(conflicts []error) error {
	if len(conflicts) == 0 {
		return nil
	}
	ids := make([]Identity, 0, len(conflicts))
	for _, c := range conflicts {
		var ce *ConflictError
		if errors.As(c, &ce) {
			ids = append(ids, ce.ID)
		}
	}
	return Error{
		Code:     OptimisticConflict,
		Err:      errors.Join(conflicts...),
		UserData: ids,
	}
}

// NewLifecycleTransitionError aggregates failures raised by post-commit or post-rollback
// transitions across handles.
func NewLifecycleTransitionError(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return Error{
		Code: LifecycleTransitionFailure,
		Err:  errors.Join(errs...),
	}
}

// ItemError ties a batch element failure to its position and identity.
type ItemError struct {
	Index int
	ID    Identity
	Err   error
}

func (e *ItemError) Error() string {
	if e.ID.IsZero() {
		return fmt.Sprintf("item %d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("item %d (%s): %v", e.Index, e.ID, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// NewBatchError aggregates per-item failures. If any item failed fatally, the aggregate is Fatal.
func NewBatchError(items []*ItemError) error {
	if len(items) == 0 {
		return nil
	}
	code := UserMisuse
	errs := make([]error, len(items))
	for i, it := range items {
		errs[i] = it
		if IsFatal(it.Err) {
			code = Fatal
		}
	}
	if len(items) == 1 && code != Fatal {
		var e Error
		if errors.As(items[0].Err, &e) {
			code = e.Code
		}
	}
	return Error{
		Code:     code,
		Err:      errors.Join(errs...),
		UserData: items,
	}
}

// BatchItems returns the per-item failures of a batch aggregate, nil when err is not one.
func BatchItems(err error) []*ItemError {
	var e Error
	if errors.As(err, &e) {
		if items, ok := e.UserData.([]*ItemError); ok {
			return items
		}
	}
	return nil
}

func hasCode(err error, code ErrorCode) bool {
	var e Error
	if errors.As(err, &e) {
		if e.Code == code {
			return true
		}
		// Batch aggregates hide the item codes one level down.
		if items, ok := e.UserData.([]*ItemError); ok {
			for _, it := range items {
				if hasCode(it.Err, code) {
					return true
				}
			}
		}
	}
	return false
}

func IsNotFound(err error) bool {
	return hasCode(err, ObjectNotFound)
}

func IsFatal(err error) bool {
	return hasCode(err, Fatal)
}

func IsUserError(err error) bool {
	return hasCode(err, UserMisuse)
}

func IsManagedElsewhere(err error) bool {
	return hasCode(err, ManagedElsewhere)
}

// IsConflict reports whether err is (or wraps) an optimistic conflict.
func IsConflict(err error) bool {
	if hasCode(err, OptimisticConflict) {
		return true
	}
	var ce *ConflictError
	return errors.As(err, &ce)
}

// FailedIdentities lists the identities named by an optimistic conflict error.
func FailedIdentities(err error) []Identity {
	var e Error
	if errors.As(err, &e) && e.Code == OptimisticConflict {
		if ids, ok := e.UserData.([]Identity); ok {
			return ids
		}
	}
	var ce *ConflictError
	if errors.As(err, &ce) {
		return []Identity{ce.ID}
	}
	return nil
}
