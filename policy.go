package guard

import (
	"context"
	"sort"
)

// OrganizationDefaultGroupProvider maps an organization to its default
// permission group. ok is false when the organization has none.
type OrganizationDefaultGroupProvider interface {
	DefaultGroupFor(ctx context.Context, orgCode string) (groupCode string, ok bool, err error)
}

// PermissionGroupStore loads permission groups by code.
type PermissionGroupStore interface {
	ByCode(ctx context.Context, code string) (*PermissionGroup, bool, error)
}

// RowAccessPolicyProvider resolves the row scope for a grant. orgGroupCodes
// is the actor's organization followed by its ancestors, nearest first.
type RowAccessPolicyProvider interface {
	Resolve(ctx context.Context, feature FeatureCode, action ActionCode, groupCode string, orgGroupCodes []string) (RowScope, bool, error)
}

// RowAccessPolicy is one row of the row-access policy table. Empty Action,
// GroupCode or OrgGroupCode match anything.
type RowAccessPolicy struct {
	ID           string      `json:"id,omitempty" yaml:"id,omitempty"`
	Feature      FeatureCode `json:"feature" yaml:"feature"`
	Action       ActionCode  `json:"action,omitempty" yaml:"action,omitempty"`
	GroupCode    string      `json:"group_code,omitempty" yaml:"group_code,omitempty"`
	OrgGroupCode string      `json:"org_group_code,omitempty" yaml:"org_group_code,omitempty"`
	Scope        RowScope    `json:"scope" yaml:"scope"`
	Priority     int         `json:"priority" yaml:"priority"`
}

// SelectRowScope picks the winning policy: highest priority, then the one
// bound to the nearest organization, then group-specific over wildcard.
func SelectRowScope(policies []RowAccessPolicy, feature FeatureCode, action ActionCode, groupCode string, orgGroupCodes []string) (RowScope, bool) {
	distance := make(map[string]int, len(orgGroupCodes))
	for i, c := range orgGroupCodes {
		if _, seen := distance[c]; !seen {
			distance[c] = i
		}
	}
	type candidate struct {
		p    RowAccessPolicy
		dist int
	}
	var matches []candidate
	for _, p := range policies {
		if p.Feature != feature || !p.Scope.Valid() {
			continue
		}
		if p.Action != "" && p.Action != action {
			continue
		}
		if p.GroupCode != "" && p.GroupCode != groupCode {
			continue
		}
		dist := len(orgGroupCodes)
		if p.OrgGroupCode != "" {
			d, ok := distance[p.OrgGroupCode]
			if !ok {
				continue
			}
			dist = d
		}
		matches = append(matches, candidate{p: p, dist: dist})
	}
	if len(matches) == 0 {
		return "", false
	}
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.p.Priority != b.p.Priority {
			return a.p.Priority > b.p.Priority
		}
		if a.dist != b.dist {
			return a.dist < b.dist
		}
		return a.p.GroupCode != "" && b.p.GroupCode == ""
	})
	return matches[0].p.Scope, true
}
