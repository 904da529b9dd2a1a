package stores

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/guard"
	"github.com/oarkflow/guard/logger"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisDefaultGroupProvider(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	p := NewRedisDefaultGroupProvider(client)

	if _, ok, err := p.DefaultGroupFor(ctx, "BR01"); ok || err != nil {
		t.Fatalf("expected miss, ok=%v err=%v", ok, err)
	}
	if err := p.SetDefault(ctx, "BR01", "AUDIT"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if g, ok, err := p.DefaultGroupFor(ctx, "BR01"); !ok || err != nil || g != "AUDIT" {
		t.Fatalf("expected AUDIT, got %q ok=%v err=%v", g, ok, err)
	}
	if err := p.SetDefault(ctx, "BR01", ""); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := p.DefaultGroupFor(ctx, "BR01"); ok {
		t.Fatalf("expected cleared default")
	}
}

func TestRedisHierarchyReadModel(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	l := logger.NewMemoryLogger()
	rm := NewRedisHierarchyReadModel(client, l)

	snap, err := guard.NewOrganizationTreeSnapshot([]guard.OrganizationNode{
		{Code: "HQ"},
		{Code: "BR01", ParentCode: "HQ"},
		{Code: "BR01-A", ParentCode: "BR01"},
		{Code: "BR02", ParentCode: "HQ"},
	})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := rm.Publish(ctx, snap); err != nil {
		t.Fatalf("publish: %v", err)
	}
	codes, ok := rm.DescendantCodes(ctx, "BR01")
	if !ok || !reflect.DeepEqual(codes, []string{"BR01", "BR01-A"}) {
		t.Fatalf("expected BR01 subtree, got %v ok=%v", codes, ok)
	}
	if _, ok := rm.DescendantCodes(ctx, "BR99"); ok {
		t.Fatalf("expected miss for unknown organization")
	}

	// no hierarchy index: ORG expansion is served by the read model alone
	resolver := guard.NewRowScopeResolver(nil, guard.WithReadModel(rm))
	p, err := resolver.ToPredicate(ctx, guard.ScopeOrg, guard.ScopeContext{OrganizationCode: "BR01"}, nil)
	if err != nil {
		t.Fatalf("predicate: %v", err)
	}
	if !p(guard.Row{"organization_code": "BR01-A"}) || p(guard.Row{"organization_code": "BR02"}) {
		t.Fatalf("read model expansion not applied")
	}

	client.Close()
	if _, ok := rm.DescendantCodes(ctx, "BR01"); ok {
		t.Fatalf("expected miss when redis is unavailable")
	}
	if !l.Contains("error", "hierarchy read model lookup failed") {
		t.Fatalf("expected lookup failure to be logged")
	}
}

func TestRedisReadModelDropsRemovedOrganizations(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	rm := NewRedisHierarchyReadModel(client, nil)

	full, err := guard.NewOrganizationTreeSnapshot([]guard.OrganizationNode{
		{Code: "HQ"},
		{Code: "BR01", ParentCode: "HQ"},
		{Code: "BR01-A", ParentCode: "BR01"},
	})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := rm.Publish(ctx, full); err != nil {
		t.Fatalf("publish: %v", err)
	}
	pruned, err := guard.NewOrganizationTreeSnapshot([]guard.OrganizationNode{{Code: "HQ"}})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := rm.Publish(ctx, pruned); err != nil {
		t.Fatalf("republish: %v", err)
	}
	for _, code := range []string{"BR01", "BR01-A"} {
		if codes, ok := rm.DescendantCodes(ctx, code); ok {
			t.Fatalf("%s must be gone after republish, got %v", code, codes)
		}
		if mr.Exists("guard:org:desc:" + code) {
			t.Fatalf("stale key left for %s", code)
		}
	}
	if codes, ok := rm.DescendantCodes(ctx, "HQ"); !ok || !reflect.DeepEqual(codes, []string{"HQ"}) {
		t.Fatalf("expected HQ only, got %v ok=%v", codes, ok)
	}
}

func TestEngineRepublishesHierarchyReadModel(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	rm := NewRedisHierarchyReadModel(client, nil)

	backend, err := NewMemoryBackend(auditConfig())
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	engine, err := guard.NewEngine(backend.Deps(), guard.WithHierarchyReadModel(rm))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	defer engine.Close()
	backend.WithNotifier(NotifierFunc(engine.HandleInvalidation))

	if err := engine.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	codes, ok := rm.DescendantCodes(ctx, "BR01")
	if !ok || !reflect.DeepEqual(codes, []string{"BR01", "BR01-A", "BR01-B"}) {
		t.Fatalf("expected BR01 subtree after refresh, got %v ok=%v", codes, ok)
	}

	if err := backend.Organizations.Delete(ctx, "BR01-A"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	codes, ok = rm.DescendantCodes(ctx, "BR01")
	if !ok || !reflect.DeepEqual(codes, []string{"BR01", "BR01-B"}) {
		t.Fatalf("read model not republished after invalidation, got %v ok=%v", codes, ok)
	}
	if _, ok := rm.DescendantCodes(ctx, "BR01-A"); ok {
		t.Fatalf("deleted organization still in read model")
	}
}

func TestEngineHierarchyReadModelNeedsOrganizations(t *testing.T) {
	_, client := newTestRedis(t)
	_, err := guard.NewEngine(guard.EngineDeps{Groups: NewMemoryGroupStore()}, guard.WithHierarchyReadModel(NewRedisHierarchyReadModel(client, nil)))
	if err == nil {
		t.Fatalf("expected an error without an organization source")
	}
}

func TestRedisInvalidationBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, client := newTestRedis(t)

	backend, err := NewMemoryBackend(guard.NewConfigBuilder().
		AddOrganization("BR01", "", "").
		AddGroup(guard.NewPermissionGroupBuilder("AUDIT").Grant(guard.FeatureDraft, guard.ActionRead).MustBuild()).
		DefaultGroup("BR01", "AUDIT").
		Build())
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	engine, err := guard.NewEngine(backend.Deps())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	defer engine.Close()

	bus := NewRedisInvalidationBus(client, "", nil)
	if err := bus.Subscribe(ctx, engine.HandleInvalidation); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	backend.WithNotifier(bus)

	actx := guard.WithActor(ctx, guard.Actor{Username: "kim", OrganizationCode: "BR01"})
	if _, err := engine.Evaluate(actx, guard.FeatureDraft, guard.ActionRead); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	revoked := guard.NewPermissionGroupBuilder("AUDIT").Grant(guard.FeatureDraft, guard.ActionCreate).MustBuild()
	if err := backend.Groups.Save(ctx, revoked); err != nil {
		t.Fatalf("save: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		_, err := engine.Evaluate(actx, guard.FeatureDraft, guard.ActionRead)
		if guard.IsPermissionDenied(err) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("invalidation never reached the engine, last err=%v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
