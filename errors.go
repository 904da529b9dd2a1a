package guard

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is matched by every *PermissionDeniedError.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrInvalidScopeConfiguration is matched by every *InvalidScopeError.
	ErrInvalidScopeConfiguration = errors.New("invalid scope configuration")
	// ErrActorUnresolved means the current actor could not be determined.
	// It is a hard failure, not a denial.
	ErrActorUnresolved = errors.New("actor could not be resolved")

	ErrHierarchyCycle        = errors.New("organization hierarchy contains a cycle")
	ErrDuplicateOrganization = errors.New("duplicate organization code")
	ErrNoHierarchy           = errors.New("organization hierarchy is not configured")
)

// PermissionDeniedError describes why an evaluation was refused
type PermissionDeniedError struct {
	Username string
	Group    string
	Feature  FeatureCode
	Action   ActionCode
	Reason   string
}

func (e *PermissionDeniedError) Error() string {
	if e.Group == "" {
		return fmt.Sprintf("permission denied for %s on %s/%s: %s", e.Username, e.Feature, e.Action, e.Reason)
	}
	return fmt.Sprintf("permission denied for %s on %s/%s in group %s: %s", e.Username, e.Feature, e.Action, e.Group, e.Reason)
}

func (e *PermissionDeniedError) Is(target error) bool {
	return target == ErrPermissionDenied
}

// InvalidScopeError reports a row scope that cannot be turned into a predicate.
// It signals a caller or configuration defect and is never retried.
type InvalidScopeError struct {
	Scope  RowScope
	Reason string
	Err    error
}

func (e *InvalidScopeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s scope: %s: %v", e.Scope, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid %s scope: %s", e.Scope, e.Reason)
}

func (e *InvalidScopeError) Is(target error) bool {
	return target == ErrInvalidScopeConfiguration
}

func (e *InvalidScopeError) Unwrap() error { return e.Err }

func invalidScope(scope RowScope, reason string, err error) error {
	return &InvalidScopeError{Scope: scope, Reason: reason, Err: err}
}

// IsPermissionDenied is shorthand for errors.Is(err, ErrPermissionDenied).
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}
