package stores

import (
	"context"
	"errors"
	"testing"

	"github.com/oarkflow/guard"
)

func auditConfig() *guard.Config {
	return guard.NewConfigBuilder().
		AddOrganization("HQ", "Head office", "").
		AddOrganization("BR01", "Branch 1", "HQ").
		AddOrganization("BR01-A", "", "BR01").
		AddOrganization("BR01-B", "", "BR01").
		AddOrganization("BR02", "Branch 2", "HQ").
		AddGroup(guard.NewPermissionGroupBuilder("AUDIT").
			Grant(guard.FeatureOrganization, guard.ActionRead).
			Mask("phone", "***-****", guard.ActionUnmask).
			MustBuild()).
		AddRowPolicy(guard.RowAccessPolicy{Feature: guard.FeatureOrganization, GroupCode: "AUDIT", Scope: guard.ScopeOrg}).
		DefaultGroup("BR01", "AUDIT").
		Build()
}

func TestMemoryBackendEndToEnd(t *testing.T) {
	ctx := context.Background()
	backend, err := NewMemoryBackend(auditConfig())
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	engine, err := guard.NewEngine(backend.Deps())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	defer engine.Close()
	backend.WithNotifier(NotifierFunc(engine.HandleInvalidation))

	actx := guard.WithActor(ctx, guard.Actor{Username: "auditor", OrganizationCode: "BR01"})
	visible := func() map[string]bool {
		out := map[string]bool{}
		err := engine.Enforce(actx, guard.OperationMeta{Feature: guard.FeatureOrganization, Action: guard.ActionRead}, func(ctx context.Context) error {
			p, err := engine.CurrentPredicate(ctx, nil)
			if err != nil {
				return err
			}
			for _, code := range []string{"HQ", "BR01", "BR01-A", "BR01-B", "BR01-C", "BR02"} {
				out[code] = p(guard.Row{"organization_code": code})
			}
			return nil
		})
		if err != nil {
			t.Fatalf("enforce: %v", err)
		}
		return out
	}

	got := visible()
	if !got["BR01"] || !got["BR01-A"] || !got["BR01-B"] || got["BR02"] || got["HQ"] {
		t.Fatalf("expected the BR01 subtree only, got %v", got)
	}

	if err := backend.Organizations.Save(ctx, guard.NewOrganizationBuilder("BR01-C").Parent("BR01").Build()); err != nil {
		t.Fatalf("add organization: %v", err)
	}
	if got := visible(); !got["BR01-C"] {
		t.Fatalf("new branch must be visible after hierarchy invalidation")
	}

	recs := backend.Audit.Records()
	if len(recs) != 2 || !recs[0].Granted || recs[0].RowScope != "ORG" {
		t.Fatalf("expected two granted audit records, got %+v", recs)
	}

	if err := backend.Groups.Save(ctx, guard.NewPermissionGroupBuilder("AUDIT").MustBuild()); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	err = engine.Enforce(actx, guard.OperationMeta{Feature: guard.FeatureOrganization, Action: guard.ActionRead}, func(context.Context) error {
		t.Fatalf("body must not run after revocation")
		return nil
	})
	if !guard.IsPermissionDenied(err) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	recs = backend.Audit.Records()
	if last := recs[len(recs)-1]; last.Granted || last.Username != "auditor" {
		t.Fatalf("expected denial record, got %+v", last)
	}
}

func TestMemoryStores(t *testing.T) {
	ctx := context.Background()
	orgs := NewMemoryOrganizationSource(guard.OrganizationNode{Code: "HQ"})
	if err := orgs.Save(ctx, guard.OrganizationNode{}); err == nil {
		t.Fatalf("expected error for empty code")
	}
	boom := errors.New("boom")
	orgs.SetError(boom)
	if _, err := orgs.AllNodes(ctx); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}

	policies := NewMemoryRowPolicyProvider()
	id, err := policies.Save(ctx, guard.RowAccessPolicy{Feature: guard.FeatureDraft, Scope: guard.ScopeAll})
	if err != nil || id == "" {
		t.Fatalf("save: id=%q err=%v", id, err)
	}
	if s, ok, _ := policies.Resolve(ctx, guard.FeatureDraft, guard.ActionRead, "ANY", nil); !ok || s != guard.ScopeAll {
		t.Fatalf("expected ALL, got %s", s)
	}
	_ = policies.Delete(ctx, id)
	if _, ok, _ := policies.Resolve(ctx, guard.FeatureDraft, guard.ActionRead, "ANY", nil); ok {
		t.Fatalf("expected no policy after delete")
	}

	rm := NewMemoryHierarchyReadModel()
	snap, err := guard.NewOrganizationTreeSnapshot([]guard.OrganizationNode{{Code: "HQ"}, {Code: "BR01", ParentCode: "HQ"}})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	_ = rm.Publish(ctx, snap)
	if codes, ok := rm.DescendantCodes(ctx, "HQ"); !ok || len(codes) != 2 {
		t.Fatalf("expected HQ expansion, got %v", codes)
	}

	groups := NewMemoryGroupStore()
	_ = groups.Save(ctx, guard.NewPermissionGroupBuilder("B").MustBuild())
	_ = groups.Save(ctx, guard.NewPermissionGroupBuilder("A").MustBuild())
	if codes, _ := groups.Codes(ctx); len(codes) != 2 || codes[0] != "A" {
		t.Fatalf("expected sorted codes, got %v", codes)
	}
}
