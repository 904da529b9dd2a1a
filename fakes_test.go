package guard

import (
	"context"
	"errors"
	"sync"
)

type fakeGroups struct {
	mu     sync.Mutex
	groups map[string]*PermissionGroup
	loads  map[string]int
	err    error
}

func newFakeGroups(groups ...*PermissionGroup) *fakeGroups {
	f := &fakeGroups{groups: map[string]*PermissionGroup{}, loads: map[string]int{}}
	for _, g := range groups {
		f.groups[g.Code] = g
	}
	return f
}

func (f *fakeGroups) ByCode(_ context.Context, code string) (*PermissionGroup, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads[code]++
	if f.err != nil {
		return nil, false, f.err
	}
	g, ok := f.groups[code]
	return g, ok, nil
}

func (f *fakeGroups) put(g *PermissionGroup) {
	f.mu.Lock()
	f.groups[g.Code] = g
	f.mu.Unlock()
}

func (f *fakeGroups) loadCount(code string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads[code]
}

// blockingGroups reads from the wrapped store, then holds the first load
// until release is closed.
type blockingGroups struct {
	*fakeGroups
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingGroups(groups ...*PermissionGroup) *blockingGroups {
	return &blockingGroups{fakeGroups: newFakeGroups(groups...), entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingGroups) ByCode(ctx context.Context, code string) (*PermissionGroup, bool, error) {
	g, ok, err := b.fakeGroups.ByCode(ctx, code)
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.entered)
		<-b.release
	}
	return g, ok, err
}

type fakeDefaults map[string]string

func (f fakeDefaults) DefaultGroupFor(_ context.Context, org string) (string, bool, error) {
	g, ok := f[org]
	return g, ok, nil
}

type fakePolicies []RowAccessPolicy

func (f fakePolicies) Resolve(_ context.Context, feature FeatureCode, action ActionCode, group string, orgs []string) (RowScope, bool, error) {
	s, ok := SelectRowScope(f, feature, action, group, orgs)
	return s, ok, nil
}

type fakeOrgs struct {
	mu    sync.Mutex
	nodes []OrganizationNode
	err   error
}

func (f *fakeOrgs) AllNodes(context.Context) ([]OrganizationNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]OrganizationNode(nil), f.nodes...), nil
}

func (f *fakeOrgs) set(nodes []OrganizationNode, err error) {
	f.mu.Lock()
	f.nodes, f.err = nodes, err
	f.mu.Unlock()
}

// blockingOrgs reads from the wrapped source, then holds the first call
// until release is closed.
type blockingOrgs struct {
	*fakeOrgs
	entered chan struct{}
	release chan struct{}
	mu      sync.Mutex
	n       int
}

func newBlockingOrgs(nodes []OrganizationNode) *blockingOrgs {
	return &blockingOrgs{fakeOrgs: &fakeOrgs{nodes: nodes}, entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingOrgs) AllNodes(ctx context.Context) ([]OrganizationNode, error) {
	nodes, err := b.fakeOrgs.AllNodes(ctx)
	b.mu.Lock()
	b.n++
	first := b.n == 1
	b.mu.Unlock()
	if first {
		close(b.entered)
		<-b.release
	}
	return nodes, err
}

func (b *blockingOrgs) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

type auditCall struct {
	granted bool
	d       *Decision
	cause   error
}

type fakeAudit struct {
	mu    sync.Mutex
	calls []auditCall
	fail  error
	panic bool
}

func (f *fakeAudit) RecordGranted(_ context.Context, d *Decision) error {
	return f.add(auditCall{granted: true, d: d})
}

func (f *fakeAudit) RecordDenied(_ context.Context, d *Decision, cause error) error {
	return f.add(auditCall{d: d, cause: cause})
}

func (f *fakeAudit) add(c auditCall) error {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	fail, p := f.fail, f.panic
	f.mu.Unlock()
	if p {
		panic("audit backend exploded")
	}
	return fail
}

func (f *fakeAudit) snapshot() []auditCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]auditCall(nil), f.calls...)
}

var errBoom = errors.New("boom")

// branchTree is HQ > BR01 > BR01-A > BR01-A-1, plus BR01-B and BR02.
func branchTree() []OrganizationNode {
	return []OrganizationNode{
		NewOrganizationBuilder("HQ").Name("Head office").Build(),
		NewOrganizationBuilder("BR01").Parent("HQ").Build(),
		NewOrganizationBuilder("BR01-B").Parent("BR01").Build(),
		NewOrganizationBuilder("BR01-A").Parent("BR01").Build(),
		NewOrganizationBuilder("BR01-A-1").Parent("BR01-A").Build(),
		NewOrganizationBuilder("BR02").Parent("HQ").Build(),
	}
}

func newTestIndex(t interface{ Fatalf(string, ...any) }, nodes []OrganizationNode) *OrganizationHierarchyIndex {
	h := NewOrganizationHierarchyIndex(&fakeOrgs{nodes: nodes}, nil)
	if _, err := h.Refresh(context.Background()); err != nil {
		t.Fatalf("build hierarchy: %v", err)
	}
	return h
}
