package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/oarkflow/guard/logger"
)

var ErrUnknownOperation = errors.New("operation has no access metadata")

// OperationMeta is the access requirement declared for an operation.
type OperationMeta struct {
	Feature       FeatureCode `json:"feature" yaml:"feature"`
	Action        ActionCode  `json:"action" yaml:"action"`
	AuditDisabled bool        `json:"audit_disabled,omitempty" yaml:"audit_disabled,omitempty"`
}

// Registry maps operation identifiers of the form "Type.Method" to metadata.
// A type-level entry covers every method of the type; a method-level entry
// wins over it, inheriting only the feature when its own is empty.
type Registry struct {
	mu      sync.RWMutex
	types   map[string]OperationMeta
	methods map[string]OperationMeta
}

func NewRegistry() *Registry {
	return &Registry{
		types:   map[string]OperationMeta{},
		methods: map[string]OperationMeta{},
	}
}

func (r *Registry) RegisterType(typeName string, meta OperationMeta) *Registry {
	r.mu.Lock()
	r.types[typeName] = meta
	r.mu.Unlock()
	return r
}

// RegisterMethod registers metadata for "Type.Method".
func (r *Registry) RegisterMethod(id string, meta OperationMeta) *Registry {
	r.mu.Lock()
	r.methods[id] = meta
	r.mu.Unlock()
	return r
}

func (r *Registry) Lookup(id string) (OperationMeta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	typeName := id
	if i := strings.LastIndex(id, "."); i >= 0 {
		typeName = id[:i]
	}
	typeMeta, hasType := r.types[typeName]
	if m, ok := r.methods[id]; ok {
		if m.Feature == "" && hasType {
			m.Feature = typeMeta.Feature
		}
		return m, m.Feature != "" && m.Action != ""
	}
	return typeMeta, hasType && typeMeta.Feature != "" && typeMeta.Action != ""
}

// Operations lists the registered method identifiers.
func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.methods))
	for id := range r.methods {
		out = append(out, id)
	}
	return out
}

// DecisionEvaluator is the part of the evaluator the enforcer needs.
type DecisionEvaluator interface {
	Evaluate(ctx context.Context, feature FeatureCode, action ActionCode) (*Decision, error)
}

// Enforcer guards an operation body with evaluation, decision installation
// and audit signals.
type Enforcer struct {
	evaluator DecisionEvaluator
	audit     AuditSink
	registry  *Registry
	logger    logger.Logger
}

func NewEnforcer(ev DecisionEvaluator, audit AuditSink, registry *Registry, l logger.Logger) *Enforcer {
	if registry == nil {
		registry = NewRegistry()
	}
	if l == nil {
		l = logger.NewNullLogger()
	}
	return &Enforcer{evaluator: ev, audit: audit, registry: registry, logger: l}
}

func (e *Enforcer) Registry() *Registry { return e.registry }

// Enforce evaluates meta, signals granted, then runs body with the decision
// installed. Evaluation failure, a body error or a body panic signals denied;
// the panic is re-raised after the signal. The decision slot is restored on
// every path.
func (e *Enforcer) Enforce(ctx context.Context, meta OperationMeta, body func(ctx context.Context) error) error {
	d, err := e.evaluator.Evaluate(ctx, meta.Feature, meta.Action)
	if err != nil {
		if !meta.AuditDisabled {
			e.recordDenied(ctx, nil, err)
		}
		return err
	}
	if !meta.AuditDisabled {
		e.recordGranted(ctx, d)
	}
	completed := false
	defer func() {
		if completed {
			return
		}
		r := recover()
		if r == nil {
			return
		}
		if !meta.AuditDisabled {
			e.recordDenied(ctx, d, fmt.Errorf("operation panicked: %v", r))
		}
		panic(r)
	}()
	err = RunWithDecision(ctx, d, body)
	completed = true
	if err != nil && !meta.AuditDisabled {
		e.recordDenied(ctx, d, err)
	}
	return err
}

// EnforceOperation is Enforce with metadata looked up by identifier.
func (e *Enforcer) EnforceOperation(ctx context.Context, id string, body func(ctx context.Context) error) error {
	meta, ok := e.registry.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOperation, id)
	}
	return e.Enforce(ctx, meta, body)
}

func (e *Enforcer) recordGranted(ctx context.Context, d *Decision) {
	if e.audit == nil {
		return
	}
	defer e.swallow("granted")
	if err := e.audit.RecordGranted(ctx, d); err != nil {
		e.logger.Error("audit granted signal failed", "error", err.Error())
	}
}

func (e *Enforcer) recordDenied(ctx context.Context, d *Decision, cause error) {
	if e.audit == nil {
		return
	}
	defer e.swallow("denied")
	if err := e.audit.RecordDenied(ctx, d, cause); err != nil {
		e.logger.Error("audit denied signal failed", "error", err.Error())
	}
}

func (e *Enforcer) swallow(kind string) {
	if r := recover(); r != nil {
		e.logger.Error("audit sink panicked", "signal", kind, "panic", fmt.Sprint(r))
	}
}
