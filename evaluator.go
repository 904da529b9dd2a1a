package guard

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"

	"github.com/oarkflow/guard/logger"
)

// CacheConfig sizes the permission-group cache.
type CacheConfig struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	TTL         time.Duration
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{NumCounters: 1e4, MaxCost: 1 << 20, BufferItems: 64, TTL: 5 * time.Minute}
}

// Evaluator turns (actor, feature, action) into a Decision.
type Evaluator struct {
	actors       ActorResolver
	defaults     OrganizationDefaultGroupProvider
	groups       PermissionGroupStore
	policies     RowAccessPolicyProvider
	hierarchy    *OrganizationHierarchyIndex
	cache        *ristretto.Cache
	cacheTTL     time.Duration
	sf           singleflight.Group
	mu           sync.Mutex // guards gen and orders cache writes against evictions
	gen          uint64
	defaultScope RowScope
	logger       logger.Logger
	metrics      *Metrics
}

type EvaluatorDeps struct {
	Actors    ActorResolver
	Defaults  OrganizationDefaultGroupProvider
	Groups    PermissionGroupStore
	Policies  RowAccessPolicyProvider
	Hierarchy *OrganizationHierarchyIndex
}

func NewEvaluator(deps EvaluatorDeps, cc CacheConfig, defaultScope RowScope, l logger.Logger) (*Evaluator, error) {
	if deps.Actors == nil {
		return nil, errors.New("evaluator: actor resolver is required")
	}
	if deps.Groups == nil {
		return nil, errors.New("evaluator: permission group store is required")
	}
	if defaultScope == "" {
		defaultScope = ScopeOwn
	}
	if !defaultScope.Valid() {
		return nil, fmt.Errorf("evaluator: invalid default row scope %q", defaultScope)
	}
	def := DefaultCacheConfig()
	if cc.NumCounters <= 0 {
		cc.NumCounters = def.NumCounters
	}
	if cc.MaxCost <= 0 {
		cc.MaxCost = def.MaxCost
	}
	if cc.BufferItems <= 0 {
		cc.BufferItems = def.BufferItems
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cc.NumCounters,
		MaxCost:     cc.MaxCost,
		BufferItems: cc.BufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluator: group cache: %w", err)
	}
	if l == nil {
		l = logger.NewNullLogger()
	}
	return &Evaluator{
		actors:       deps.Actors,
		defaults:     deps.Defaults,
		groups:       deps.Groups,
		policies:     deps.Policies,
		hierarchy:    deps.Hierarchy,
		cache:        cache,
		cacheTTL:     cc.TTL,
		defaultScope: defaultScope,
		logger:       l,
	}, nil
}

// Evaluate returns the decision for the current actor, or a
// *PermissionDeniedError when no grant exists.
func (e *Evaluator) Evaluate(ctx context.Context, feature FeatureCode, action ActionCode) (*Decision, error) {
	start := time.Now()
	d, err := e.evaluate(ctx, feature, action)
	e.metrics.observeDecision(feature, action, err, time.Since(start))
	return d, err
}

func (e *Evaluator) evaluate(ctx context.Context, feature FeatureCode, action ActionCode) (*Decision, error) {
	actor, err := e.actors.CurrentActor(ctx)
	if err != nil {
		if errors.Is(err, ErrActorUnresolved) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrActorUnresolved, err)
	}
	deny := func(group, reason string) error {
		e.logger.Debug("permission denied", "username", actor.Username, "group", group,
			"feature", string(feature), "action", string(action), "reason", reason)
		return &PermissionDeniedError{Username: actor.Username, Group: group, Feature: feature, Action: action, Reason: reason}
	}
	if !feature.Valid() || !action.Valid() {
		return nil, deny("", "unknown feature or action")
	}

	groupCode, err := e.groupCodeFor(ctx, actor)
	if err != nil {
		return nil, err
	}
	if groupCode == "" {
		return nil, deny("", fmt.Sprintf("no permission group for organization %q", actor.OrganizationCode))
	}

	group, err := e.group(ctx, groupCode)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, deny(groupCode, "permission group not found")
	}
	assignment, ok := group.AssignmentFor(feature, action)
	if !ok {
		return nil, deny(groupCode, fmt.Sprintf("no assignment for %s/%s", feature, action))
	}

	scope, err := e.rowScope(ctx, feature, action, groupCode, actor.OrganizationCode)
	if err != nil {
		return nil, err
	}
	d := NewDecision(actor.Username, actor.OrganizationCode, groupCode, feature, action, scope, assignment.Condition, group.maskRules)
	e.logger.Debug("permission granted", "username", actor.Username, "group", groupCode,
		"feature", string(feature), "action", string(action), "scope", string(scope))
	return d, nil
}

func (e *Evaluator) groupCodeFor(ctx context.Context, actor Actor) (string, error) {
	if actor.GroupCode != "" {
		return actor.GroupCode, nil
	}
	if e.defaults == nil || actor.OrganizationCode == "" {
		return "", nil
	}
	code, ok, err := e.defaults.DefaultGroupFor(ctx, actor.OrganizationCode)
	if err != nil {
		return "", fmt.Errorf("default group for %s: %w", actor.OrganizationCode, err)
	}
	if !ok {
		return "", nil
	}
	return code, nil
}

func (e *Evaluator) rowScope(ctx context.Context, feature FeatureCode, action ActionCode, groupCode, orgCode string) (RowScope, error) {
	if e.policies == nil {
		return e.defaultScope, nil
	}
	scope, ok, err := e.policies.Resolve(ctx, feature, action, groupCode, e.orgGroupCodes(ctx, orgCode))
	if err != nil {
		return "", fmt.Errorf("row access policy for %s/%s: %w", feature, action, err)
	}
	if !ok {
		return e.defaultScope, nil
	}
	return scope, nil
}

// orgGroupCodes is orgCode followed by its ancestors, nearest first.
func (e *Evaluator) orgGroupCodes(ctx context.Context, orgCode string) []string {
	if orgCode == "" {
		return nil
	}
	codes := []string{orgCode}
	if e.hierarchy == nil {
		return codes
	}
	snap, err := e.hierarchy.Snapshot(ctx)
	if err != nil {
		e.logger.Debug("hierarchy unavailable for policy lookup", "organization", orgCode, "error", err.Error())
		return codes
	}
	for _, a := range snap.Ancestors(orgCode) {
		codes = append(codes, a.Code)
	}
	return codes
}

// group returns the cached group, loading it once per code on a miss. An
// absent group yields (nil, nil) and is not cached.
func (e *Evaluator) group(ctx context.Context, code string) (*PermissionGroup, error) {
	if v, ok := e.cache.Get(code); ok {
		e.metrics.groupCache(true)
		return v.(*PermissionGroup), nil
	}
	e.metrics.groupCache(false)
	e.mu.Lock()
	gen := e.gen
	e.mu.Unlock()
	// loads started before an eviction are never joined after it
	v, err, _ := e.sf.Do(strconv.FormatUint(gen, 10)+"/"+code, func() (any, error) {
		g, ok, err := e.groups.ByCode(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("load permission group %s: %w", code, err)
		}
		if !ok || g == nil {
			return (*PermissionGroup)(nil), nil
		}
		e.store(gen, code, g)
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*PermissionGroup), nil
}

// store caches g unless an eviction happened since the load began.
func (e *Evaluator) store(gen uint64, code string, g *PermissionGroup) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		e.logger.Debug("discarding permission group loaded before eviction", "group", code)
		return
	}
	cost := int64(1 + len(g.assignments) + len(g.maskRules))
	if e.cacheTTL > 0 {
		e.cache.SetWithTTL(code, g, cost, e.cacheTTL)
	} else {
		e.cache.Set(code, g, cost)
	}
	e.cache.Wait()
}

// InvalidateGroup evicts one group from the cache. Loads already in flight
// still answer their callers but no longer populate the cache.
func (e *Evaluator) InvalidateGroup(code string) {
	e.mu.Lock()
	e.gen++
	e.cache.Del(code)
	e.cache.Wait()
	e.mu.Unlock()
	e.logger.Debug("permission group evicted", "group", code)
}

// InvalidateAllGroups empties the group cache.
func (e *Evaluator) InvalidateAllGroups() {
	e.mu.Lock()
	e.gen++
	e.cache.Clear()
	e.mu.Unlock()
	e.logger.Debug("permission group cache cleared")
}

// Close releases the cache's background goroutines.
func (e *Evaluator) Close() {
	e.cache.Close()
}

// EvaluationRequest is one (feature, action) pair in a batch.
type EvaluationRequest struct {
	Feature FeatureCode `json:"feature"`
	Action  ActionCode  `json:"action"`
}

// EvaluationResult carries either a decision or the error for one request.
type EvaluationResult struct {
	Request  EvaluationRequest
	Decision *Decision
	Err      error
}

// EvaluateBatch evaluates each request for the current actor. A denial for
// one request does not stop the others; an unresolved actor stops all.
func (e *Evaluator) EvaluateBatch(ctx context.Context, requests []EvaluationRequest) ([]EvaluationResult, error) {
	results := make([]EvaluationResult, len(requests))
	for i, req := range requests {
		d, err := e.Evaluate(ctx, req.Feature, req.Action)
		if errors.Is(err, ErrActorUnresolved) {
			return nil, err
		}
		results[i] = EvaluationResult{Request: req, Decision: d, Err: err}
	}
	return results, nil
}
