package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/guard"
)

// SQLPermissionGroupStore persists permission groups in SQL (squealx).
// Assignments and mask rules live in child tables keyed by group code.
type SQLPermissionGroupStore struct {
	db       *squealx.DB
	notifier Notifier
}

func NewSQLPermissionGroupStore(db *squealx.DB) *SQLPermissionGroupStore {
	return &SQLPermissionGroupStore{db: db}
}

// WithNotifier makes Save and Delete publish a group invalidation.
func (s *SQLPermissionGroupStore) WithNotifier(n Notifier) *SQLPermissionGroupStore {
	s.notifier = n
	return s
}

func (s *SQLPermissionGroupStore) ByCode(ctx context.Context, code string) (*guard.PermissionGroup, bool, error) {
	r, err := s.db.NamedQueryContext(ctx, `SELECT code, name FROM permission_groups WHERE code = :code`, map[string]any{"code": code})
	if err != nil {
		return nil, false, err
	}
	if !r.Next() {
		r.Close()
		return nil, false, nil
	}
	var gcode, name string
	if err := r.Scan(&gcode, &name); err != nil {
		r.Close()
		return nil, false, err
	}
	r.Close()

	assignments, err := s.assignments(ctx, code)
	if err != nil {
		return nil, false, err
	}
	rules, err := s.maskRules(ctx, code)
	if err != nil {
		return nil, false, err
	}
	g, err := guard.NewPermissionGroup(gcode, name, assignments, rules)
	if err != nil {
		return nil, false, fmt.Errorf("stored group %s is invalid: %w", code, err)
	}
	return g, true, nil
}

func (s *SQLPermissionGroupStore) assignments(ctx context.Context, code string) ([]guard.PermissionAssignment, error) {
	q := `SELECT feature, action, condition_text FROM permission_assignments WHERE group_code = :code ORDER BY feature, action`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"code": code})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]guard.PermissionAssignment, 0)
	for r.Next() {
		var feature, action, cond string
		if err := r.Scan(&feature, &action, &cond); err != nil {
			return nil, err
		}
		out = append(out, guard.NewPermissionAssignment(guard.FeatureCode(feature), guard.ActionCode(action), cond))
	}
	return out, nil
}

func (s *SQLPermissionGroupStore) maskRules(ctx context.Context, code string) ([]guard.FieldMaskRule, error) {
	q := `SELECT tag, mask_template, unmask_action, applies_by_default FROM field_mask_rules WHERE group_code = :code ORDER BY tag`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"code": code})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]guard.FieldMaskRule, 0)
	for r.Next() {
		var tag, tmpl, unmask string
		var byDefault int
		if err := r.Scan(&tag, &tmpl, &unmask, &byDefault); err != nil {
			return nil, err
		}
		out = append(out, guard.FieldMaskRule{
			Tag:              tag,
			MaskTemplate:     tmpl,
			UnmaskAction:     guard.ActionCode(unmask),
			AppliesByDefault: byDefault != 0,
		})
	}
	return out, nil
}

// Save replaces the stored group with g.
func (s *SQLPermissionGroupStore) Save(ctx context.Context, g *guard.PermissionGroup) error {
	if err := s.delete(ctx, g.Code); err != nil {
		return err
	}
	q := `INSERT INTO permission_groups(code, name, updated_at) VALUES(:code, :name, :updated_at)`
	if _, err := s.db.NamedExecContext(ctx, q, map[string]any{"code": g.Code, "name": g.Name, "updated_at": sqlTimeOrNil(time.Now())}); err != nil {
		return fmt.Errorf("insert group %s: %w", g.Code, err)
	}
	for _, a := range g.Assignments() {
		q := `INSERT INTO permission_assignments(group_code, feature, action, condition_text) VALUES(:group_code, :feature, :action, :condition_text)`
		if _, err := s.db.NamedExecContext(ctx, q, map[string]any{
			"group_code":     g.Code,
			"feature":        string(a.Feature),
			"action":         string(a.Action),
			"condition_text": a.Condition,
		}); err != nil {
			return fmt.Errorf("insert assignment %s/%s: %w", a.Feature, a.Action, err)
		}
	}
	for _, rule := range g.MaskRuleList() {
		q := `INSERT INTO field_mask_rules(group_code, tag, mask_template, unmask_action, applies_by_default) VALUES(:group_code, :tag, :mask_template, :unmask_action, :applies_by_default)`
		if _, err := s.db.NamedExecContext(ctx, q, map[string]any{
			"group_code":         g.Code,
			"tag":                rule.Tag,
			"mask_template":      rule.MaskTemplate,
			"unmask_action":      string(rule.UnmaskAction),
			"applies_by_default": boolToInt(rule.AppliesByDefault),
		}); err != nil {
			return fmt.Errorf("insert mask rule %s: %w", rule.Tag, err)
		}
	}
	return notify(ctx, s.notifier, guard.InvalidationEvent{Kind: guard.InvalidatePermissionGroup, Code: g.Code})
}

func (s *SQLPermissionGroupStore) Delete(ctx context.Context, code string) error {
	if err := s.delete(ctx, code); err != nil {
		return err
	}
	return notify(ctx, s.notifier, guard.InvalidationEvent{Kind: guard.InvalidatePermissionGroup, Code: code})
}

func (s *SQLPermissionGroupStore) delete(ctx context.Context, code string) error {
	for _, q := range []string{
		`DELETE FROM permission_assignments WHERE group_code = :code`,
		`DELETE FROM field_mask_rules WHERE group_code = :code`,
		`DELETE FROM permission_groups WHERE code = :code`,
	} {
		if _, err := s.db.NamedExecContext(ctx, q, map[string]any{"code": code}); err != nil {
			return fmt.Errorf("delete group %s: %w", code, err)
		}
	}
	return nil
}

// Codes lists stored group codes in order.
func (s *SQLPermissionGroupStore) Codes(ctx context.Context) ([]string, error) {
	r, err := s.db.NamedQueryContext(ctx, `SELECT code FROM permission_groups ORDER BY code`, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]string, 0)
	for r.Next() {
		var code string
		if err := r.Scan(&code); err != nil {
			return nil, err
		}
		out = append(out, code)
	}
	return out, nil
}
