package stores

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/oarkflow/guard"
)

// MemoryGroupStore keeps permission groups in-memory for testing/demo
type MemoryGroupStore struct {
	mu       sync.RWMutex
	groups   map[string]*guard.PermissionGroup
	notifier Notifier
}

func NewMemoryGroupStore(groups ...*guard.PermissionGroup) *MemoryGroupStore {
	s := &MemoryGroupStore{groups: make(map[string]*guard.PermissionGroup)}
	for _, g := range groups {
		s.groups[g.Code] = g
	}
	return s
}

func (s *MemoryGroupStore) ByCode(_ context.Context, code string) (*guard.PermissionGroup, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[code]
	return g, ok, nil
}

// Save replaces the group and publishes an invalidation for it.
func (s *MemoryGroupStore) Save(ctx context.Context, g *guard.PermissionGroup) error {
	s.mu.Lock()
	s.groups[g.Code] = g
	s.mu.Unlock()
	return notify(ctx, s.notifier, guard.InvalidationEvent{Kind: guard.InvalidatePermissionGroup, Code: g.Code})
}

func (s *MemoryGroupStore) Delete(ctx context.Context, code string) error {
	s.mu.Lock()
	delete(s.groups, code)
	s.mu.Unlock()
	return notify(ctx, s.notifier, guard.InvalidationEvent{Kind: guard.InvalidatePermissionGroup, Code: code})
}

func (s *MemoryGroupStore) Codes(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.groups))
	for code := range s.groups {
		out = append(out, code)
	}
	sort.Strings(out)
	return out, nil
}

// MemoryOrganizationSource is a flat organization list. SetError makes
// AllNodes fail, for exercising refresh failures.
type MemoryOrganizationSource struct {
	mu       sync.RWMutex
	nodes    map[string]guard.OrganizationNode
	err      error
	notifier Notifier
}

func NewMemoryOrganizationSource(nodes ...guard.OrganizationNode) *MemoryOrganizationSource {
	s := &MemoryOrganizationSource{nodes: make(map[string]guard.OrganizationNode)}
	for _, n := range nodes {
		s.nodes[n.Code] = n
	}
	return s
}

func (s *MemoryOrganizationSource) AllNodes(context.Context) ([]guard.OrganizationNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]guard.OrganizationNode, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *MemoryOrganizationSource) Save(ctx context.Context, n guard.OrganizationNode) error {
	if n.Code == "" {
		return errors.New("organization code is required")
	}
	s.mu.Lock()
	s.nodes[n.Code] = n
	s.mu.Unlock()
	return notify(ctx, s.notifier, guard.InvalidationEvent{Kind: guard.InvalidateHierarchy})
}

func (s *MemoryOrganizationSource) Delete(ctx context.Context, code string) error {
	s.mu.Lock()
	delete(s.nodes, code)
	s.mu.Unlock()
	return notify(ctx, s.notifier, guard.InvalidationEvent{Kind: guard.InvalidateHierarchy})
}

func (s *MemoryOrganizationSource) SetError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// MemoryRowPolicyProvider ranks an in-memory policy table.
type MemoryRowPolicyProvider struct {
	mu       sync.RWMutex
	policies map[string]guard.RowAccessPolicy
}

func NewMemoryRowPolicyProvider(policies ...guard.RowAccessPolicy) *MemoryRowPolicyProvider {
	s := &MemoryRowPolicyProvider{policies: make(map[string]guard.RowAccessPolicy)}
	for _, p := range policies {
		_, _ = s.Save(context.Background(), p)
	}
	return s
}

func (s *MemoryRowPolicyProvider) Resolve(_ context.Context, feature guard.FeatureCode, action guard.ActionCode, groupCode string, orgGroupCodes []string) (guard.RowScope, bool, error) {
	s.mu.RLock()
	list := make([]guard.RowAccessPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		list = append(list, p)
	}
	s.mu.RUnlock()
	scope, ok := guard.SelectRowScope(list, feature, action, groupCode, orgGroupCodes)
	return scope, ok, nil
}

func (s *MemoryRowPolicyProvider) Save(_ context.Context, p guard.RowAccessPolicy) (string, error) {
	if !p.Scope.Valid() {
		return "", fmt.Errorf("row policy: invalid scope %q", p.Scope)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	s.mu.Lock()
	s.policies[p.ID] = p
	s.mu.Unlock()
	return p.ID, nil
}

func (s *MemoryRowPolicyProvider) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.policies, id)
	s.mu.Unlock()
	return nil
}

type MemoryDefaultGroupProvider struct {
	mu       sync.RWMutex
	defaults map[string]string
}

func NewMemoryDefaultGroupProvider(defaults map[string]string) *MemoryDefaultGroupProvider {
	m := make(map[string]string, len(defaults))
	for k, v := range defaults {
		m[k] = v
	}
	return &MemoryDefaultGroupProvider{defaults: m}
}

func (s *MemoryDefaultGroupProvider) DefaultGroupFor(_ context.Context, orgCode string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.defaults[orgCode]
	return g, ok && g != "", nil
}

func (s *MemoryDefaultGroupProvider) SetDefault(_ context.Context, orgCode, groupCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if groupCode == "" {
		delete(s.defaults, orgCode)
		return nil
	}
	s.defaults[orgCode] = groupCode
	return nil
}

// MemoryAuditSink records audit signals. A non-nil Fail error is returned
// from every call after the record is kept.
type MemoryAuditSink struct {
	mu      sync.Mutex
	records []guard.AuditRecord
	Fail    error
}

func NewMemoryAuditSink() *MemoryAuditSink { return &MemoryAuditSink{} }

func (s *MemoryAuditSink) RecordGranted(_ context.Context, d *guard.Decision) error {
	return s.add(guard.NewAuditRecord(d, true, nil))
}

func (s *MemoryAuditSink) RecordDenied(_ context.Context, d *guard.Decision, cause error) error {
	return s.add(guard.NewAuditRecord(d, false, cause))
}

func (s *MemoryAuditSink) add(rec guard.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return s.Fail
}

func (s *MemoryAuditSink) Records() []guard.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]guard.AuditRecord(nil), s.records...)
}

// MemoryHierarchyReadModel is a precomputed ORG expansion table.
type MemoryHierarchyReadModel struct {
	mu    sync.RWMutex
	codes map[string][]string
}

func NewMemoryHierarchyReadModel() *MemoryHierarchyReadModel {
	return &MemoryHierarchyReadModel{codes: make(map[string][]string)}
}

func (m *MemoryHierarchyReadModel) DescendantCodes(_ context.Context, code string) ([]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.codes[code]
	if !ok {
		return nil, false
	}
	return append([]string(nil), c...), true
}

// Publish replaces the table with the expansions of snap.
func (m *MemoryHierarchyReadModel) Publish(_ context.Context, snap *guard.OrganizationTreeSnapshot) error {
	codes := make(map[string][]string, snap.Len())
	for _, n := range snap.Flatten() {
		codes[n.Code] = snap.DescendantCodes(n.Code)
	}
	m.mu.Lock()
	m.codes = codes
	m.mu.Unlock()
	return nil
}

// MemoryBackend bundles the in-memory stores seeded from a Config.
type MemoryBackend struct {
	Groups        *MemoryGroupStore
	Organizations *MemoryOrganizationSource
	RowPolicies   *MemoryRowPolicyProvider
	DefaultGroups *MemoryDefaultGroupProvider
	Audit         *MemoryAuditSink
}

func NewMemoryBackend(cfg *guard.Config) (*MemoryBackend, error) {
	groups, err := cfg.PermissionGroups()
	if err != nil {
		return nil, err
	}
	b := &MemoryBackend{
		Groups:        NewMemoryGroupStore(groups...),
		Organizations: NewMemoryOrganizationSource(cfg.Organizations...),
		RowPolicies:   NewMemoryRowPolicyProvider(),
		DefaultGroups: NewMemoryDefaultGroupProvider(cfg.DefaultGroups),
		Audit:         NewMemoryAuditSink(),
	}
	for _, p := range cfg.RowPolicies {
		if _, err := b.RowPolicies.Save(context.Background(), p); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// WithNotifier makes group and organization mutations publish invalidations.
func (b *MemoryBackend) WithNotifier(n Notifier) *MemoryBackend {
	b.Groups.notifier = n
	b.Organizations.notifier = n
	return b
}

// Deps returns EngineDeps backed by b. Actors is left for the caller.
func (b *MemoryBackend) Deps() guard.EngineDeps {
	return guard.EngineDeps{
		DefaultGroups: b.DefaultGroups,
		Groups:        b.Groups,
		RowPolicies:   b.RowPolicies,
		Organizations: b.Organizations,
		Audit:         b.Audit,
	}
}
