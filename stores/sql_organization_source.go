package stores

import (
	"context"
	"fmt"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/guard"
)

// SQLOrganizationSource reads and writes the flat organization table.
type SQLOrganizationSource struct {
	db       *squealx.DB
	notifier Notifier
}

func NewSQLOrganizationSource(db *squealx.DB) *SQLOrganizationSource {
	return &SQLOrganizationSource{db: db}
}

// WithNotifier makes Save and Delete publish a hierarchy invalidation.
func (s *SQLOrganizationSource) WithNotifier(n Notifier) *SQLOrganizationSource {
	s.notifier = n
	return s
}

func (s *SQLOrganizationSource) AllNodes(ctx context.Context) ([]guard.OrganizationNode, error) {
	q := `SELECT code, parent_code, display_name, status, effective_from, effective_to FROM organizations`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]guard.OrganizationNode, 0)
	for r.Next() {
		var code, parent, name, status string
		var fromRaw, toRaw any
		if err := r.Scan(&code, &parent, &name, &status, &fromRaw, &toRaw); err != nil {
			return nil, err
		}
		out = append(out, guard.OrganizationNode{
			Code:        code,
			ParentCode:  parent,
			DisplayName: name,
			Status:      guard.OrganizationStatus(status),
			Effective:   guard.EffectiveRange{From: scanTime(fromRaw), To: scanTime(toRaw)},
		})
	}
	return out, nil
}

// Save inserts or replaces one organization record.
func (s *SQLOrganizationSource) Save(ctx context.Context, n guard.OrganizationNode) error {
	if n.Code == "" {
		return fmt.Errorf("organization code is required")
	}
	if n.Status == "" {
		n.Status = guard.OrganizationActive
	}
	if _, err := s.db.NamedExecContext(ctx, `DELETE FROM organizations WHERE code = :code`, map[string]any{"code": n.Code}); err != nil {
		return err
	}
	q := `INSERT INTO organizations(code, parent_code, display_name, status, effective_from, effective_to) VALUES(:code, :parent_code, :display_name, :status, :effective_from, :effective_to)`
	if _, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"code":           n.Code,
		"parent_code":    n.ParentCode,
		"display_name":   n.DisplayName,
		"status":         string(n.Status),
		"effective_from": sqlTimeOrNil(n.Effective.From),
		"effective_to":   sqlTimeOrNil(n.Effective.To),
	}); err != nil {
		return fmt.Errorf("insert organization %s: %w", n.Code, err)
	}
	return notify(ctx, s.notifier, guard.InvalidationEvent{Kind: guard.InvalidateHierarchy})
}

func (s *SQLOrganizationSource) Delete(ctx context.Context, code string) error {
	if _, err := s.db.NamedExecContext(ctx, `DELETE FROM organizations WHERE code = :code`, map[string]any{"code": code}); err != nil {
		return err
	}
	return notify(ctx, s.notifier, guard.InvalidationEvent{Kind: guard.InvalidateHierarchy})
}
