package guard

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func orgRows(codes ...string) []Row {
	rows := make([]Row, len(codes))
	for i, c := range codes {
		rows[i] = Row{"id": i, "organization_code": c}
	}
	return rows
}

func visibleOrgs(rows []Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i], _ = r["organization_code"].(string)
	}
	return out
}

func TestOwnScopeMatchesOnlyActorOrg(t *testing.T) {
	r := NewRowScopeResolver(nil)
	p, err := r.ToPredicate(context.Background(), ScopeOwn, ScopeContext{OrganizationCode: "BR01"}, nil)
	if err != nil {
		t.Fatalf("predicate: %v", err)
	}
	rows := append(orgRows("BR01", "BR01-A", "BR02", "BR01"), Row{"id": 9}, Row{"organization_code": 7})
	got := visibleOrgs(p.Filter(rows))
	if !reflect.DeepEqual(got, []string{"BR01", "BR01"}) {
		t.Fatalf("expected only BR01 rows, got %v", got)
	}
	if _, err := r.ToPredicate(context.Background(), ScopeOwn, ScopeContext{}, nil); !errors.Is(err, ErrInvalidScopeConfiguration) {
		t.Fatalf("expected invalid scope without org, got %v", err)
	}
}

func TestOrgScopeMatchesDescendants(t *testing.T) {
	h := newTestIndex(t, branchTree())
	r := NewRowScopeResolver(h)
	p, err := r.ToPredicate(context.Background(), ScopeOrg, ScopeContext{OrganizationCode: "BR01"}, nil)
	if err != nil {
		t.Fatalf("predicate: %v", err)
	}
	got := visibleOrgs(p.Filter(orgRows("HQ", "BR01", "BR01-A", "BR01-A-1", "BR01-B", "BR02")))
	want := []string{"BR01", "BR01-A", "BR01-A-1", "BR01-B"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	if _, err := r.ToPredicate(context.Background(), ScopeOrg, ScopeContext{OrganizationCode: "NOPE"}, nil); !errors.Is(err, ErrInvalidScopeConfiguration) {
		t.Fatalf("expected invalid scope for unknown org, got %v", err)
	}
	noTree := NewRowScopeResolver(nil)
	_, err = noTree.ToPredicate(context.Background(), ScopeOrg, ScopeContext{OrganizationCode: "BR01"}, nil)
	if !errors.Is(err, ErrInvalidScopeConfiguration) || !errors.Is(err, ErrNoHierarchy) {
		t.Fatalf("expected invalid scope wrapping ErrNoHierarchy, got %v", err)
	}
}

type branchCode string

type stringerCode struct{ code string }

func (s stringerCode) String() string { return s.code }

func TestOrgScopeMatchesNamedCodeTypes(t *testing.T) {
	h := newTestIndex(t, branchTree())
	r := NewRowScopeResolver(h)
	p, err := r.ToPredicate(context.Background(), ScopeOrg, ScopeContext{OrganizationCode: "BR01"}, nil)
	if err != nil {
		t.Fatalf("predicate: %v", err)
	}
	rows := []Row{
		{"organization_code": branchCode("BR01-A")},
		{"organization_code": stringerCode{"BR01-B"}},
		{"organization_code": branchCode("BR02")},
		{"organization_code": 7},
		{"organization_code": nil},
	}
	if got := len(p.Filter(rows)); got != 2 {
		t.Fatalf("expected the two BR01 subtree rows, got %d", got)
	}
}

type stubReadModel map[string][]string

func (s stubReadModel) DescendantCodes(_ context.Context, code string) ([]string, bool) {
	c, ok := s[code]
	return c, ok
}

func TestOrgScopePrefersReadModel(t *testing.T) {
	h := newTestIndex(t, branchTree())
	r := NewRowScopeResolver(h, WithReadModel(stubReadModel{"BR01": {"BR01", "BR01-B"}}))
	p, err := r.ToPredicate(context.Background(), ScopeOrg, ScopeContext{OrganizationCode: "BR01"}, nil)
	if err != nil {
		t.Fatalf("predicate: %v", err)
	}
	if got := visibleOrgs(p.Filter(orgRows("BR01", "BR01-A", "BR01-B"))); !reflect.DeepEqual(got, []string{"BR01", "BR01-B"}) {
		t.Fatalf("expected read model expansion, got %v", got)
	}
	// the read model cannot resurrect an organization the snapshot dropped
	stale := NewRowScopeResolver(h, WithReadModel(stubReadModel{"GONE": {"GONE", "BR01"}}))
	if _, err := stale.ToPredicate(context.Background(), ScopeOrg, ScopeContext{OrganizationCode: "GONE"}, nil); !errors.Is(err, ErrInvalidScopeConfiguration) {
		t.Fatalf("expected invalid scope for an organization missing from the snapshot, got %v", err)
	}
	// miss falls back to the snapshot
	p, err = r.ToPredicate(context.Background(), ScopeOrg, ScopeContext{OrganizationCode: "BR01-A"}, nil)
	if err != nil {
		t.Fatalf("predicate: %v", err)
	}
	if got := visibleOrgs(p.Filter(orgRows("BR01-A", "BR01-A-1", "BR02"))); !reflect.DeepEqual(got, []string{"BR01-A", "BR01-A-1"}) {
		t.Fatalf("expected snapshot expansion, got %v", got)
	}
}

func TestAllScopeMatchesEverything(t *testing.T) {
	r := NewRowScopeResolver(nil)
	p, err := r.ToPredicate(context.Background(), ScopeAll, ScopeContext{}, nil)
	if err != nil {
		t.Fatalf("predicate: %v", err)
	}
	rows := append(orgRows("A", "B"), Row{}, nil)
	if got := p.Filter(rows); len(got) != len(rows) {
		t.Fatalf("ALL must keep every row, kept %d of %d", len(got), len(rows))
	}
}

func TestCustomScope(t *testing.T) {
	ctx := context.Background()
	r := NewRowScopeResolver(nil)
	if _, err := r.ToPredicate(ctx, ScopeCustom, ScopeContext{OrganizationCode: "A"}, nil); !errors.Is(err, ErrInvalidScopeConfiguration) {
		t.Fatalf("expected invalid scope without predicate, got %v", err)
	}
	even := Predicate(func(row Row) bool {
		id, _ := row["id"].(int)
		return id%2 == 0
	})
	p, err := r.ToPredicate(ctx, ScopeCustom, ScopeContext{}, even)
	if err != nil {
		t.Fatalf("predicate: %v", err)
	}
	if got := len(p.Filter(orgRows("A", "B", "C"))); got != 2 {
		t.Fatalf("expected 2 even rows, got %d", got)
	}
	p, err = r.ToPredicate(ctx, ScopeCustom, ScopeContext{Condition: `organization_code != "A"`}, even)
	if err != nil {
		t.Fatalf("predicate: %v", err)
	}
	if got := visibleOrgs(p.Filter(orgRows("A", "B", "C"))); !reflect.DeepEqual(got, []string{"C"}) {
		t.Fatalf("expected custom and condition combined, got %v", got)
	}
	p, err = r.ToPredicate(ctx, ScopeCustom, ScopeContext{Condition: `organization_code == "B"`}, nil)
	if err != nil {
		t.Fatalf("condition alone should serve CUSTOM: %v", err)
	}
	if got := visibleOrgs(p.Filter(orgRows("A", "B"))); !reflect.DeepEqual(got, []string{"B"}) {
		t.Fatalf("expected B, got %v", got)
	}
	if _, err := r.ToPredicate(ctx, RowScope("TEAM"), ScopeContext{}, even); !errors.Is(err, ErrInvalidScopeConfiguration) {
		t.Fatalf("expected invalid scope for unknown scope, got %v", err)
	}
}

func TestConditionNarrowsEveryScope(t *testing.T) {
	r := NewRowScopeResolver(nil)
	sc := ScopeContext{
		OrganizationCode: "A",
		Condition:        `owner == actor.username`,
		Actor:            Row{"actor.username": "kim"},
	}
	rows := []Row{
		{"organization_code": "A", "owner": "kim"},
		{"organization_code": "A", "owner": "lee"},
		{"organization_code": "B", "owner": "kim"},
		{"organization_code": "A"},
	}
	own, err := r.ToPredicate(context.Background(), ScopeOwn, sc, nil)
	if err != nil {
		t.Fatalf("predicate: %v", err)
	}
	if got := own.Filter(rows); len(got) != 1 || got[0]["owner"] != "kim" || got[0]["organization_code"] != "A" {
		t.Fatalf("unexpected OWN result %v", got)
	}
	all, err := r.ToPredicate(context.Background(), ScopeAll, sc, nil)
	if err != nil {
		t.Fatalf("predicate: %v", err)
	}
	if got := all.Filter(rows); len(got) != 2 {
		t.Fatalf("expected 2 rows owned by kim, got %v", got)
	}
	bad := sc
	bad.Condition = `owner ==`
	if _, err := r.ToPredicate(context.Background(), ScopeAll, bad, nil); !errors.Is(err, ErrInvalidScopeConfiguration) {
		t.Fatalf("expected invalid scope for unparsable condition, got %v", err)
	}
}

func TestResolveFilter(t *testing.T) {
	ctx := context.Background()
	h := newTestIndex(t, branchTree())
	r := NewRowScopeResolver(h, WithOrgAttribute("branch"))

	d := NewDecision("kim", "BR01", "AUDIT", FeatureOrganization, ActionRead, ScopeOrg, "", nil)
	f, err := r.ResolveFilter(ctx, d, nil)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if f.Clause != "branch IN (:org_0, :org_1, :org_2, :org_3)" || f.Args["org_0"] != "BR01" || f.Args["org_3"] != "BR01-B" {
		t.Fatalf("unexpected filter %q %v", f.Clause, f.Args)
	}
	if q := f.Apply("SELECT * FROM t WHERE deleted = 0"); !strings.HasSuffix(q, "AND (branch IN (:org_0, :org_1, :org_2, :org_3))") {
		t.Fatalf("unexpected query %q", q)
	}

	d = NewDecision("kim", "BR02", "AUDIT", FeatureOrganization, ActionRead, ScopeOwn, `status == "OPEN"`, nil)
	f, err = r.ResolveFilter(ctx, d, nil)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if f.Where() != " WHERE branch = :org_0" || f.Residual == nil {
		t.Fatalf("unexpected OWN filter %q", f.Where())
	}
	kept := f.Keep([]Row{{"status": "OPEN"}, {"status": "CLOSED"}})
	if len(kept) != 1 {
		t.Fatalf("residual must drop the closed row, kept %v", kept)
	}

	d = NewDecision("kim", "BR02", "AUDIT", FeatureOrganization, ActionRead, ScopeAll, "", nil)
	f, err = r.ResolveFilter(ctx, d, nil)
	if err != nil || !f.Unrestricted() || f.Apply("SELECT 1") != "SELECT 1" {
		t.Fatalf("ALL must be unrestricted: %v", err)
	}

	bad := NewRowScopeResolver(h, WithOrgAttribute("branch; DROP TABLE x"))
	if _, err := bad.ResolveFilter(ctx, d, nil); !errors.Is(err, ErrInvalidScopeConfiguration) {
		t.Fatalf("expected invalid column rejection, got %v", err)
	}
	if _, err := r.ResolveFilter(ctx, nil, nil); !errors.Is(err, ErrInvalidScopeConfiguration) {
		t.Fatalf("expected error for nil decision, got %v", err)
	}
}

func TestParseRowScope(t *testing.T) {
	s, err := ParseRowScope("org")
	if err != nil || s != ScopeOrg {
		t.Fatalf("expected ORG, got %q (%v)", s, err)
	}
	if _, err := ParseRowScope("TEAM"); err == nil {
		t.Fatalf("expected error for unknown scope")
	}
}
