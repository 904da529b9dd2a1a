package guard

import (
	"fmt"
	"sort"
	"strings"
)

// PermissionAssignment grants one action on one feature. Condition is an
// optional row-condition expression layered on top of the resolved row scope.
type PermissionAssignment struct {
	Feature   FeatureCode `json:"feature" yaml:"feature"`
	Action    ActionCode  `json:"action" yaml:"action"`
	Condition string      `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// NewPermissionAssignment trims the condition; a blank condition becomes absent.
func NewPermissionAssignment(feature FeatureCode, action ActionCode, condition string) PermissionAssignment {
	return PermissionAssignment{
		Feature:   feature,
		Action:    action,
		Condition: strings.TrimSpace(condition),
	}
}

// HasCondition reports whether a row condition is attached.
func (a PermissionAssignment) HasCondition() bool {
	return a.Condition != ""
}

func (a PermissionAssignment) key() assignmentKey {
	return assignmentKey{feature: a.Feature, action: a.Action}
}

type assignmentKey struct {
	feature FeatureCode
	action  ActionCode
}

// FieldMaskRule redacts every field carrying Tag unless the current action
// satisfies UnmaskAction.
type FieldMaskRule struct {
	Tag              string     `json:"tag" yaml:"tag"`
	MaskTemplate     string     `json:"mask_template" yaml:"mask_template"`
	UnmaskAction     ActionCode `json:"unmask_action,omitempty" yaml:"unmask_action,omitempty"`
	AppliesByDefault bool       `json:"applies_by_default" yaml:"applies_by_default"`
}

// PermissionGroup bundles assignments and mask rules under one code.
// Instances are read-mostly and shared through the group cache; do not mutate
// them after construction.
type PermissionGroup struct {
	Code        string
	Name        string
	assignments map[assignmentKey]PermissionAssignment
	maskRules   map[string]FieldMaskRule
}

// NewPermissionGroup validates uniqueness of assignments per (feature, action)
// and of mask rules per tag.
func NewPermissionGroup(code, name string, assignments []PermissionAssignment, rules []FieldMaskRule) (*PermissionGroup, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("permission group code is required")
	}
	g := &PermissionGroup{
		Code:        code,
		Name:        name,
		assignments: make(map[assignmentKey]PermissionAssignment, len(assignments)),
		maskRules:   make(map[string]FieldMaskRule, len(rules)),
	}
	for _, a := range assignments {
		a = NewPermissionAssignment(a.Feature, a.Action, a.Condition)
		if !a.Feature.Valid() || !a.Action.Valid() {
			return nil, fmt.Errorf("group %s: invalid assignment %s/%s", code, a.Feature, a.Action)
		}
		if _, dup := g.assignments[a.key()]; dup {
			return nil, fmt.Errorf("group %s: duplicate assignment %s/%s", code, a.Feature, a.Action)
		}
		g.assignments[a.key()] = a
	}
	for _, r := range rules {
		if r.Tag == "" {
			return nil, fmt.Errorf("group %s: mask rule without tag", code)
		}
		if _, dup := g.maskRules[r.Tag]; dup {
			return nil, fmt.Errorf("group %s: duplicate mask rule for tag %s", code, r.Tag)
		}
		g.maskRules[r.Tag] = r
	}
	return g, nil
}

// AssignmentFor returns the single assignment for (feature, action), if any.
func (g *PermissionGroup) AssignmentFor(feature FeatureCode, action ActionCode) (PermissionAssignment, bool) {
	if g == nil {
		return PermissionAssignment{}, false
	}
	a, ok := g.assignments[assignmentKey{feature: feature, action: action}]
	return a, ok
}

// Assignments returns the assignments ordered by feature then action.
func (g *PermissionGroup) Assignments() []PermissionAssignment {
	out := make([]PermissionAssignment, 0, len(g.assignments))
	for _, a := range g.assignments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Feature != out[j].Feature {
			return out[i].Feature < out[j].Feature
		}
		return out[i].Action < out[j].Action
	})
	return out
}

// MaskRules returns a copy of the tag-keyed mask rules.
func (g *PermissionGroup) MaskRules() map[string]FieldMaskRule {
	out := make(map[string]FieldMaskRule, len(g.maskRules))
	for tag, r := range g.maskRules {
		out[tag] = r
	}
	return out
}

// MaskRuleList returns the mask rules ordered by tag.
func (g *PermissionGroup) MaskRuleList() []FieldMaskRule {
	out := make([]FieldMaskRule, 0, len(g.maskRules))
	for _, r := range g.maskRules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}
