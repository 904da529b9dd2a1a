package guard

import (
	"fmt"
	"strings"
)

// FeatureCode identifies a protectable resource class
type FeatureCode string

const (
	FeatureOrganization    FeatureCode = "ORGANIZATION"
	FeatureDraft           FeatureCode = "DRAFT"
	FeatureAuditLog        FeatureCode = "AUDIT_LOG"
	FeatureEmployee        FeatureCode = "EMPLOYEE"
	FeaturePermissionGroup FeatureCode = "PERMISSION_GROUP"
	FeatureApprovalLine    FeatureCode = "APPROVAL_LINE"
)

var features = []FeatureCode{
	FeatureOrganization,
	FeatureDraft,
	FeatureAuditLog,
	FeatureEmployee,
	FeaturePermissionGroup,
	FeatureApprovalLine,
}

// Features returns the closed list of feature codes.
func Features() []FeatureCode {
	return append([]FeatureCode(nil), features...)
}

func (f FeatureCode) Valid() bool {
	for _, known := range features {
		if f == known {
			return true
		}
	}
	return false
}

func (f FeatureCode) String() string { return string(f) }

// ParseFeature accepts a feature code in any letter case.
func ParseFeature(s string) (FeatureCode, error) {
	f := FeatureCode(strings.ToUpper(strings.TrimSpace(s)))
	if !f.Valid() {
		return "", fmt.Errorf("unknown feature code: %q", s)
	}
	return f, nil
}

// ActionCode identifies an operation performed on a feature
type ActionCode string

const (
	ActionCreate   ActionCode = "CREATE"
	ActionRead     ActionCode = "READ"
	ActionUpdate   ActionCode = "UPDATE"
	ActionDelete   ActionCode = "DELETE"
	ActionApprove  ActionCode = "APPROVE"
	ActionExport   ActionCode = "EXPORT"
	ActionUnmask   ActionCode = "UNMASK"
	ActionDownload ActionCode = "DOWNLOAD"

	// workflow variants
	ActionSubmit   ActionCode = "SUBMIT"
	ActionReject   ActionCode = "REJECT"
	ActionWithdraw ActionCode = "WITHDRAW"
)

var actions = []ActionCode{
	ActionCreate,
	ActionRead,
	ActionUpdate,
	ActionDelete,
	ActionApprove,
	ActionExport,
	ActionUnmask,
	ActionDownload,
	ActionSubmit,
	ActionReject,
	ActionWithdraw,
}

// Actions returns the closed list of action codes.
func Actions() []ActionCode {
	return append([]ActionCode(nil), actions...)
}

func (a ActionCode) Valid() bool {
	for _, known := range actions {
		if a == known {
			return true
		}
	}
	return false
}

func (a ActionCode) String() string { return string(a) }

// IsDataFetch reports whether the action reads data.
func (a ActionCode) IsDataFetch() bool {
	switch a {
	case ActionRead, ActionExport, ActionDownload, ActionUnmask:
		return true
	}
	return false
}

// CanUnmask is true only for ActionUnmask.
func (a ActionCode) CanUnmask() bool {
	return a == ActionUnmask
}

// Satisfies reports whether a holder of action a meets the required action.
// The empty requirement is always met and UNMASK meets every requirement.
func (a ActionCode) Satisfies(required ActionCode) bool {
	if required == "" || a == required {
		return true
	}
	return a.CanUnmask()
}

// ParseAction accepts an action code in any letter case.
func ParseAction(s string) (ActionCode, error) {
	a := ActionCode(strings.ToUpper(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("unknown action code: %q", s)
	}
	return a, nil
}
