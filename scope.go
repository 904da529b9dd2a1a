package guard

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/oarkflow/guard/logger"
)

// RowScope is the breadth of rows an actor may see
type RowScope string

const (
	ScopeOwn    RowScope = "OWN"
	ScopeOrg    RowScope = "ORG"
	ScopeAll    RowScope = "ALL"
	ScopeCustom RowScope = "CUSTOM"
)

func (s RowScope) Valid() bool {
	switch s {
	case ScopeOwn, ScopeOrg, ScopeAll, ScopeCustom:
		return true
	}
	return false
}

func (s RowScope) String() string { return string(s) }

// ParseRowScope accepts a scope name in any letter case.
func ParseRowScope(s string) (RowScope, error) {
	rs := RowScope(strings.ToUpper(strings.TrimSpace(s)))
	if !rs.Valid() {
		return "", fmt.Errorf("unknown row scope: %q", s)
	}
	return rs, nil
}

// Predicate decides whether a single row is visible.
type Predicate func(row Row) bool

// And combines two predicates; a nil side is ignored.
func (p Predicate) And(q Predicate) Predicate {
	switch {
	case p == nil:
		return q
	case q == nil:
		return p
	}
	return func(row Row) bool { return p(row) && q(row) }
}

// Filter applies the predicate to rows and returns the visible ones in order.
func (p Predicate) Filter(rows []Row) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if p == nil || p(r) {
			out = append(out, r)
		}
	}
	return out
}

func allowAll(Row) bool { return true }

// ScopeContext is the per-evaluation input to scope resolution.
type ScopeContext struct {
	OrganizationCode string
	// Condition is the assignment's row condition, ANDed onto every scope.
	Condition string
	// Actor is consulted by the condition before the row itself.
	Actor AttributeBag
}

// RowScopeResolver turns a RowScope into a row predicate or a query filter.
type RowScopeResolver struct {
	hierarchy    *OrganizationHierarchyIndex
	readModel    HierarchyReadModel
	orgAttribute string
	logger       logger.Logger
}

type ResolverOption func(*RowScopeResolver)

// WithOrgAttribute sets the row attribute (and SQL column) holding the
// owning organization code. Defaults to organization_code.
func WithOrgAttribute(name string) ResolverOption {
	return func(r *RowScopeResolver) {
		if name != "" {
			r.orgAttribute = name
		}
	}
}

// WithReadModel enables a precomputed ORG expansion source.
func WithReadModel(m HierarchyReadModel) ResolverOption {
	return func(r *RowScopeResolver) { r.readModel = m }
}

func WithResolverLogger(l logger.Logger) ResolverOption {
	return func(r *RowScopeResolver) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRowScopeResolver(hierarchy *OrganizationHierarchyIndex, opts ...ResolverOption) *RowScopeResolver {
	r := &RowScopeResolver{
		hierarchy:    hierarchy,
		orgAttribute: "organization_code",
		logger:       logger.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OrgAttribute is the row attribute compared by OWN and ORG.
func (r *RowScopeResolver) OrgAttribute() string { return r.orgAttribute }

// ToPredicate builds the predicate for scope. custom is required for CUSTOM
// unless sc carries a condition; when both exist they are ANDed.
func (r *RowScopeResolver) ToPredicate(ctx context.Context, scope RowScope, sc ScopeContext, custom Predicate) (Predicate, error) {
	cond, err := r.conditionPredicate(scope, sc)
	if err != nil {
		return nil, err
	}
	switch scope {
	case ScopeAll:
		if cond != nil {
			return cond, nil
		}
		return allowAll, nil
	case ScopeOwn:
		if sc.OrganizationCode == "" {
			return nil, invalidScope(scope, "organization code is required", nil)
		}
		return r.matchCodes([]string{sc.OrganizationCode}).And(cond), nil
	case ScopeOrg:
		codes, err := r.orgCodes(ctx, sc.OrganizationCode)
		if err != nil {
			return nil, err
		}
		return r.matchCodes(codes).And(cond), nil
	case ScopeCustom:
		if custom == nil && cond == nil {
			return nil, invalidScope(scope, "a custom predicate or row condition is required", nil)
		}
		return custom.And(cond), nil
	}
	return nil, invalidScope(scope, "unknown row scope", nil)
}

// ResolvePredicate builds the predicate for a decision's scope and condition.
func (r *RowScopeResolver) ResolvePredicate(ctx context.Context, d *Decision, custom Predicate) (Predicate, error) {
	if d == nil {
		return nil, invalidScope("", "no decision", nil)
	}
	return r.ToPredicate(ctx, d.RowScope, d.scopeContext(), custom)
}

// ResolveFilter renders a decision's scope as a named-parameter WHERE clause.
// The row condition and any custom predicate stay in the filter's Residual,
// to be applied to fetched rows.
func (r *RowScopeResolver) ResolveFilter(ctx context.Context, d *Decision, custom Predicate) (*Filter, error) {
	if d == nil {
		return nil, invalidScope("", "no decision", nil)
	}
	sc := d.scopeContext()
	cond, err := r.conditionPredicate(d.RowScope, sc)
	if err != nil {
		return nil, err
	}
	if !validColumn(r.orgAttribute) {
		return nil, invalidScope(d.RowScope, fmt.Sprintf("organization attribute %q is not a column name", r.orgAttribute), nil)
	}
	f := &Filter{Args: map[string]any{}}
	switch d.RowScope {
	case ScopeAll:
		f.Residual = cond
	case ScopeOwn:
		if sc.OrganizationCode == "" {
			return nil, invalidScope(d.RowScope, "organization code is required", nil)
		}
		f.in(r.orgAttribute, []string{sc.OrganizationCode})
		f.Residual = cond
	case ScopeOrg:
		codes, err := r.orgCodes(ctx, sc.OrganizationCode)
		if err != nil {
			return nil, err
		}
		f.in(r.orgAttribute, codes)
		f.Residual = cond
	case ScopeCustom:
		if custom == nil && cond == nil {
			return nil, invalidScope(d.RowScope, "a custom predicate or row condition is required", nil)
		}
		f.Residual = custom.And(cond)
	default:
		return nil, invalidScope(d.RowScope, "unknown row scope", nil)
	}
	return f, nil
}

func (r *RowScopeResolver) conditionPredicate(scope RowScope, sc ScopeContext) (Predicate, error) {
	if strings.TrimSpace(sc.Condition) == "" {
		return nil, nil
	}
	expr, err := CompileCondition(sc.Condition)
	if err != nil {
		return nil, invalidScope(scope, fmt.Sprintf("row condition %q does not parse", sc.Condition), err)
	}
	actor := sc.Actor
	return func(row Row) bool {
		return expr.Evaluate(layeredBag{actor, row})
	}, nil
}

func (r *RowScopeResolver) matchCodes(codes []string) Predicate {
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	attr := r.orgAttribute
	return func(row Row) bool {
		v, ok := codeValue(row[attr])
		if !ok {
			return false
		}
		_, hit := set[v]
		return hit
	}
}

// codeValue reads an organization code stored as a string, a named string
// type or a fmt.Stringer.
func codeValue(v any) (string, bool) {
	switch c := v.(type) {
	case nil:
		return "", false
	case string:
		return c, true
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.String {
		return rv.String(), true
	}
	if st, ok := v.(fmt.Stringer); ok {
		return st.String(), true
	}
	return "", false
}

// orgCodes expands code to itself plus descendants, preferring the read model.
func (r *RowScopeResolver) orgCodes(ctx context.Context, code string) ([]string, error) {
	if code == "" {
		return nil, invalidScope(ScopeOrg, "organization code is required", nil)
	}
	var snap *OrganizationTreeSnapshot
	snapErr := ErrNoHierarchy
	if r.hierarchy != nil {
		snap, snapErr = r.hierarchy.Snapshot(ctx)
	}
	if snap != nil && !snap.Contains(code) {
		return nil, invalidScope(ScopeOrg, fmt.Sprintf("organization %s is not in the hierarchy", code), nil)
	}
	if r.readModel != nil {
		if codes, ok := r.readModel.DescendantCodes(ctx, code); ok && len(codes) > 0 {
			return codes, nil
		}
		r.logger.Debug("hierarchy read model miss", "organization", code)
	}
	if r.hierarchy == nil {
		return nil, invalidScope(ScopeOrg, "no organization hierarchy", ErrNoHierarchy)
	}
	if snap == nil {
		return nil, invalidScope(ScopeOrg, "organization hierarchy unavailable", snapErr)
	}
	return snap.DescendantCodes(code), nil
}
