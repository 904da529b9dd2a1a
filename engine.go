package guard

import (
	"context"
	"errors"
	"fmt"

	"github.com/oarkflow/guard/logger"
)

// EngineDeps are the collaborators the engine consumes.
type EngineDeps struct {
	Actors        ActorResolver
	DefaultGroups OrganizationDefaultGroupProvider
	Groups        PermissionGroupStore
	RowPolicies   RowAccessPolicyProvider
	Organizations OrganizationSource
	Audit         AuditSink
}

// Engine wires evaluation, scoping, masking, enforcement and propagation.
type Engine struct {
	evaluator *Evaluator
	resolver  *RowScopeResolver
	hierarchy *OrganizationHierarchyIndex
	enforcer  *Enforcer
	audit     AuditSink
	async     *AsyncAuditSink
	pool      *WorkerPool
	logger    logger.Logger
	metrics   *Metrics

	cacheConfig  CacheConfig
	defaultScope RowScope
	resolverOpts []ResolverOption
	readModel    PublishedReadModel
	registry     *Registry
	auditQueue   int
	workers      int
	workerQueue  int
}

type EngineOption func(*Engine) error

func WithCacheConfig(cc CacheConfig) EngineOption {
	return func(e *Engine) error {
		e.cacheConfig = cc
		return nil
	}
}

// WithDefaultRowScope sets the scope used when no row-access policy matches.
func WithDefaultRowScope(s RowScope) EngineOption {
	return func(e *Engine) error {
		if !s.Valid() {
			return fmt.Errorf("invalid default row scope %q", s)
		}
		e.defaultScope = s
		return nil
	}
}

func WithResolverOptions(opts ...ResolverOption) EngineOption {
	return func(e *Engine) error {
		e.resolverOpts = append(e.resolverOpts, opts...)
		return nil
	}
}

func WithRegistry(r *Registry) EngineOption {
	return func(e *Engine) error {
		e.registry = r
		return nil
	}
}

// WithAsyncAudit puts a queue of the given size in front of the audit sink.
func WithAsyncAudit(queue int) EngineOption {
	return func(e *Engine) error {
		e.auditQueue = queue
		return nil
	}
}

// WithHierarchyReadModel serves ORG expansions from m and republishes m
// after every snapshot rebuild. It needs an organization source.
func WithHierarchyReadModel(m PublishedReadModel) EngineOption {
	return func(e *Engine) error {
		e.readModel = m
		return nil
	}
}

// WithMetrics records decisions, group cache lookups and snapshot rebuilds
// on m.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

// WithWorkers starts a worker pool used by Engine.Go.
func WithWorkers(workers, queue int) EngineOption {
	return func(e *Engine) error {
		if workers <= 0 {
			return fmt.Errorf("worker count must be positive, got %d", workers)
		}
		e.workers = workers
		e.workerQueue = queue
		return nil
	}
}

func NewEngine(deps EngineDeps, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		cacheConfig:  DefaultCacheConfig(),
		defaultScope: ScopeOwn,
		logger:       logger.NewNullLogger(),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if deps.Actors == nil {
		deps.Actors = ContextActorResolver{}
	}
	if deps.Organizations != nil {
		e.hierarchy = NewOrganizationHierarchyIndex(deps.Organizations, e.logger)
		e.hierarchy.metrics = e.metrics
	}
	if e.readModel != nil {
		if e.hierarchy == nil {
			return nil, errors.New("hierarchy read model requires an organization source")
		}
		m := e.readModel
		e.hierarchy.OnRebuild(func(ctx context.Context, snap *OrganizationTreeSnapshot) {
			if err := m.Publish(ctx, snap); err != nil {
				e.logger.Error("hierarchy read model publish failed", "error", err.Error())
			}
		})
		e.resolverOpts = append(e.resolverOpts, WithReadModel(m))
	}
	ev, err := NewEvaluator(EvaluatorDeps{
		Actors:    deps.Actors,
		Defaults:  deps.DefaultGroups,
		Groups:    deps.Groups,
		Policies:  deps.RowPolicies,
		Hierarchy: e.hierarchy,
	}, e.cacheConfig, e.defaultScope, e.logger)
	if err != nil {
		return nil, err
	}
	ev.metrics = e.metrics
	e.evaluator = ev
	e.resolver = NewRowScopeResolver(e.hierarchy, append([]ResolverOption{WithResolverLogger(e.logger)}, e.resolverOpts...)...)

	e.audit = deps.Audit
	if e.audit != nil && e.auditQueue > 0 {
		e.async = NewAsyncAuditSink(e.audit, e.auditQueue, e.logger)
		e.audit = e.async
		if err := e.metrics.watchAuditDrops(e.async); err != nil {
			e.async.Close()
			e.evaluator.Close()
			return nil, fmt.Errorf("register audit metrics: %w", err)
		}
	}
	e.enforcer = NewEnforcer(e.evaluator, e.audit, e.registry, e.logger)
	if e.workers > 0 {
		e.pool = NewWorkerPool(context.Background(), e.workers, e.workerQueue, e.logger)
	}
	return e, nil
}

func (e *Engine) Evaluator() *Evaluator                  { return e.evaluator }
func (e *Engine) Resolver() *RowScopeResolver            { return e.resolver }
func (e *Engine) Hierarchy() *OrganizationHierarchyIndex { return e.hierarchy }
func (e *Engine) Enforcer() *Enforcer                    { return e.enforcer }
func (e *Engine) Registry() *Registry                    { return e.enforcer.Registry() }

// Evaluate computes the decision for the actor in ctx.
func (e *Engine) Evaluate(ctx context.Context, feature FeatureCode, action ActionCode) (*Decision, error) {
	return e.evaluator.Evaluate(ctx, feature, action)
}

func (e *Engine) EvaluateBatch(ctx context.Context, requests []EvaluationRequest) ([]EvaluationResult, error) {
	return e.evaluator.EvaluateBatch(ctx, requests)
}

func (e *Engine) ResolvePredicate(ctx context.Context, d *Decision, custom Predicate) (Predicate, error) {
	return e.resolver.ResolvePredicate(ctx, d, custom)
}

func (e *Engine) ResolveFilter(ctx context.Context, d *Decision, custom Predicate) (*Filter, error) {
	return e.resolver.ResolveFilter(ctx, d, custom)
}

// CurrentPredicate resolves the predicate for the decision installed in ctx.
func (e *Engine) CurrentPredicate(ctx context.Context, custom Predicate) (Predicate, error) {
	d, ok := CurrentDecision(ctx)
	if !ok {
		return nil, invalidScope("", "no decision installed", nil)
	}
	return e.resolver.ResolvePredicate(ctx, d, custom)
}

func (e *Engine) MaskValue(d *Decision, tag string, raw any) any {
	return MaskValue(d, tag, raw)
}

func (e *Engine) Enforce(ctx context.Context, meta OperationMeta, body func(ctx context.Context) error) error {
	return e.enforcer.Enforce(ctx, meta, body)
}

func (e *Engine) EnforceOperation(ctx context.Context, id string, body func(ctx context.Context) error) error {
	return e.enforcer.EnforceOperation(ctx, id, body)
}

// Go runs task asynchronously with the decision currently installed in ctx.
// It uses the worker pool when one is configured, otherwise a new goroutine
// with its own slot. The returned channel receives the task's result.
func (e *Engine) Go(ctx context.Context, task Task) (<-chan error, error) {
	if e.pool != nil {
		return e.pool.Go(ctx, task)
	}
	wrapped := WrapTask(ctx, task)
	done := make(chan error, 1)
	execCtx, _ := WithDecisionContext(context.WithoutCancel(ctx))
	go func() {
		done <- runTask(execCtx, wrapped)
	}()
	return done, nil
}

// Refresh rebuilds the organization snapshot.
func (e *Engine) Refresh(ctx context.Context) error {
	if e.hierarchy == nil {
		return ErrNoHierarchy
	}
	_, err := e.hierarchy.Refresh(ctx)
	return err
}

// InvalidationKind names what an administrative update changed
type InvalidationKind string

const (
	InvalidatePermissionGroup InvalidationKind = "permission_group"
	InvalidateAllGroups       InvalidationKind = "all_groups"
	InvalidateHierarchy       InvalidationKind = "hierarchy"
)

// InvalidationEvent is the push signal sent after an administrative update.
type InvalidationEvent struct {
	Kind InvalidationKind `json:"kind"`
	Code string           `json:"code,omitempty"`
}

// HandleInvalidation evicts or rebuilds the cache the event names. A failed
// hierarchy rebuild leaves the previous snapshot in place and is returned.
func (e *Engine) HandleInvalidation(ctx context.Context, ev InvalidationEvent) error {
	e.logger.Info("invalidation received", "kind", string(ev.Kind), "code", ev.Code)
	switch ev.Kind {
	case InvalidatePermissionGroup:
		if ev.Code == "" {
			return errors.New("permission group invalidation without code")
		}
		e.evaluator.InvalidateGroup(ev.Code)
	case InvalidateAllGroups:
		e.evaluator.InvalidateAllGroups()
	case InvalidateHierarchy:
		return e.Refresh(ctx)
	default:
		return fmt.Errorf("unknown invalidation kind %q", ev.Kind)
	}
	return nil
}

// Close drains the audit queue, stops workers and releases the cache.
func (e *Engine) Close() {
	if e.pool != nil {
		e.pool.Stop()
	}
	if e.async != nil {
		e.async.Close()
	}
	e.evaluator.Close()
}
