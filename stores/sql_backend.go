package stores

import (
	"context"
	"fmt"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/guard"
)

// SQLBackend bundles the SQL stores over one database.
type SQLBackend struct {
	Groups        *SQLPermissionGroupStore
	Organizations *SQLOrganizationSource
	RowPolicies   *SQLRowAccessPolicyProvider
	DefaultGroups *SQLDefaultGroupProvider
	Audit         *SQLAuditSink
}

// NewSQLBackend migrates db and returns stores over it.
func NewSQLBackend(db *squealx.DB) (*SQLBackend, error) {
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return &SQLBackend{
		Groups:        NewSQLPermissionGroupStore(db),
		Organizations: NewSQLOrganizationSource(db),
		RowPolicies:   NewSQLRowAccessPolicyProvider(db),
		DefaultGroups: NewSQLDefaultGroupProvider(db),
		Audit:         NewSQLAuditSink(db),
	}, nil
}

// Seed writes the organizations, groups, policies and defaults of cfg.
func (b *SQLBackend) Seed(ctx context.Context, cfg *guard.Config) error {
	groups, err := cfg.PermissionGroups()
	if err != nil {
		return err
	}
	for _, n := range cfg.Organizations {
		if err := b.Organizations.Save(ctx, n); err != nil {
			return err
		}
	}
	for _, g := range groups {
		if err := b.Groups.Save(ctx, g); err != nil {
			return err
		}
	}
	for _, p := range cfg.RowPolicies {
		if _, err := b.RowPolicies.Save(ctx, p); err != nil {
			return fmt.Errorf("seed row policy: %w", err)
		}
	}
	for org, group := range cfg.DefaultGroups {
		if err := b.DefaultGroups.SetDefault(ctx, org, group); err != nil {
			return err
		}
	}
	return nil
}

func (b *SQLBackend) WithNotifier(n Notifier) *SQLBackend {
	b.Groups.WithNotifier(n)
	b.Organizations.WithNotifier(n)
	return b
}

func (b *SQLBackend) Deps() guard.EngineDeps {
	return guard.EngineDeps{
		DefaultGroups: b.DefaultGroups,
		Groups:        b.Groups,
		RowPolicies:   b.RowPolicies,
		Organizations: b.Organizations,
		Audit:         b.Audit,
	}
}
