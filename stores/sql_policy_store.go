package stores

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/oarkflow/squealx"

	"github.com/oarkflow/guard"
)

// SQLRowAccessPolicyProvider resolves row scopes from the row_access_policies
// table. All rows for the feature are loaded and ranked in memory.
type SQLRowAccessPolicyProvider struct {
	db *squealx.DB
}

func NewSQLRowAccessPolicyProvider(db *squealx.DB) *SQLRowAccessPolicyProvider {
	return &SQLRowAccessPolicyProvider{db: db}
}

func (s *SQLRowAccessPolicyProvider) Resolve(ctx context.Context, feature guard.FeatureCode, action guard.ActionCode, groupCode string, orgGroupCodes []string) (guard.RowScope, bool, error) {
	policies, err := s.ListByFeature(ctx, feature)
	if err != nil {
		return "", false, err
	}
	scope, ok := guard.SelectRowScope(policies, feature, action, groupCode, orgGroupCodes)
	return scope, ok, nil
}

func (s *SQLRowAccessPolicyProvider) ListByFeature(ctx context.Context, feature guard.FeatureCode) ([]guard.RowAccessPolicy, error) {
	q := `SELECT id, feature, action, group_code, org_group_code, scope, priority FROM row_access_policies WHERE feature = :feature`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"feature": string(feature)})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]guard.RowAccessPolicy, 0)
	for r.Next() {
		var id, feat, action, group, org, scope string
		var priority int
		if err := r.Scan(&id, &feat, &action, &group, &org, &scope, &priority); err != nil {
			return nil, err
		}
		out = append(out, guard.RowAccessPolicy{
			ID:           id,
			Feature:      guard.FeatureCode(feat),
			Action:       guard.ActionCode(action),
			GroupCode:    group,
			OrgGroupCode: org,
			Scope:        guard.RowScope(scope),
			Priority:     priority,
		})
	}
	return out, nil
}

// Save inserts or replaces a policy, assigning an id when it has none.
func (s *SQLRowAccessPolicyProvider) Save(ctx context.Context, p guard.RowAccessPolicy) (string, error) {
	if !p.Scope.Valid() {
		return "", fmt.Errorf("row policy: invalid scope %q", p.Scope)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := s.Delete(ctx, p.ID); err != nil {
		return "", err
	}
	q := `INSERT INTO row_access_policies(id, feature, action, group_code, org_group_code, scope, priority) VALUES(:id, :feature, :action, :group_code, :org_group_code, :scope, :priority)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":             p.ID,
		"feature":        string(p.Feature),
		"action":         string(p.Action),
		"group_code":     p.GroupCode,
		"org_group_code": p.OrgGroupCode,
		"scope":          string(p.Scope),
		"priority":       p.Priority,
	})
	if err != nil {
		return "", fmt.Errorf("insert row policy %s: %w", p.ID, err)
	}
	return p.ID, nil
}

func (s *SQLRowAccessPolicyProvider) Delete(ctx context.Context, id string) error {
	_, err := s.db.NamedExecContext(ctx, `DELETE FROM row_access_policies WHERE id = :id`, map[string]any{"id": id})
	return err
}

// SQLDefaultGroupProvider maps organizations to default permission groups.
type SQLDefaultGroupProvider struct {
	db *squealx.DB
}

func NewSQLDefaultGroupProvider(db *squealx.DB) *SQLDefaultGroupProvider {
	return &SQLDefaultGroupProvider{db: db}
}

func (s *SQLDefaultGroupProvider) DefaultGroupFor(ctx context.Context, orgCode string) (string, bool, error) {
	q := `SELECT group_code FROM org_default_groups WHERE organization_code = :org`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"org": orgCode})
	if err != nil {
		return "", false, err
	}
	defer r.Close()
	if !r.Next() {
		return "", false, nil
	}
	var group string
	if err := r.Scan(&group); err != nil {
		return "", false, err
	}
	return group, group != "", nil
}

func (s *SQLDefaultGroupProvider) SetDefault(ctx context.Context, orgCode, groupCode string) error {
	if _, err := s.db.NamedExecContext(ctx, `DELETE FROM org_default_groups WHERE organization_code = :org`, map[string]any{"org": orgCode}); err != nil {
		return err
	}
	if groupCode == "" {
		return nil
	}
	q := `INSERT INTO org_default_groups(organization_code, group_code) VALUES(:org, :group_code)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"org": orgCode, "group_code": groupCode})
	return err
}
