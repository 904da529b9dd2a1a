package guard

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"
)

// Decision is the immutable result of one evaluation.
type Decision struct {
	Username            string      `json:"username"`
	OrganizationCode    string      `json:"organization_code"`
	PermissionGroupCode string      `json:"permission_group_code"`
	Feature             FeatureCode `json:"feature"`
	Action              ActionCode  `json:"action"`
	RowScope            RowScope    `json:"row_scope"`
	Condition           string      `json:"condition,omitempty"`
	IssuedAt            time.Time   `json:"issued_at"`

	maskRules map[string]FieldMaskRule
}

// NewDecision assembles a decision directly, e.g. for a system actor that
// impersonates through RunWithDecision. rules is copied.
func NewDecision(username, orgCode, groupCode string, feature FeatureCode, action ActionCode, scope RowScope, condition string, rules map[string]FieldMaskRule) *Decision {
	d := &Decision{
		Username:            username,
		OrganizationCode:    orgCode,
		PermissionGroupCode: groupCode,
		Feature:             feature,
		Action:              action,
		RowScope:            scope,
		Condition:           condition,
		IssuedAt:            time.Now(),
		maskRules:           make(map[string]FieldMaskRule, len(rules)),
	}
	for k, v := range rules {
		d.maskRules[k] = v
	}
	return d
}

// MaskRule returns the rule for tag, if any.
func (d *Decision) MaskRule(tag string) (FieldMaskRule, bool) {
	if d == nil {
		return FieldMaskRule{}, false
	}
	r, ok := d.maskRules[tag]
	return r, ok
}

// MaskRules returns a copy of the tag-keyed rules.
func (d *Decision) MaskRules() map[string]FieldMaskRule {
	out := make(map[string]FieldMaskRule, len(d.maskRules))
	for k, v := range d.maskRules {
		out[k] = v
	}
	return out
}

// MaskTags lists the tags carrying a rule, sorted.
func (d *Decision) MaskTags() []string {
	tags := make([]string, 0, len(d.maskRules))
	for t := range d.maskRules {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

func (d *Decision) String() string {
	return fmt.Sprintf("%s@%s[%s] %s/%s scope=%s", d.Username, d.OrganizationCode, d.PermissionGroupCode, d.Feature, d.Action, d.RowScope)
}

func (d *Decision) scopeContext() ScopeContext {
	return ScopeContext{
		OrganizationCode: d.OrganizationCode,
		Condition:        d.Condition,
		Actor: Row{
			"actor.username":          d.Username,
			"actor.organization_code": d.OrganizationCode,
			"actor.group_code":        d.PermissionGroupCode,
		},
	}
}

// DecisionContext is the current-decision slot of one unit of work. A slot
// belongs to a single owner; values move between units by copy, never by
// sharing the slot.
type DecisionContext struct {
	cur atomic.Pointer[Decision]
}

func NewDecisionContext() *DecisionContext { return &DecisionContext{} }

func (c *DecisionContext) Set(d *Decision) { c.cur.Store(d) }

func (c *DecisionContext) Current() (*Decision, bool) {
	d := c.cur.Load()
	return d, d != nil
}

func (c *DecisionContext) Clear() { c.cur.Store(nil) }

// RunWith runs fn with d installed and restores the previous value on every
// exit path, panics included.
func (c *DecisionContext) RunWith(d *Decision, fn func() error) error {
	prev := c.cur.Swap(d)
	defer c.cur.Store(prev)
	return fn()
}

type decisionContextKey struct{}

// WithDecisionContext returns a child context owning a fresh, empty slot.
func WithDecisionContext(ctx context.Context) (context.Context, *DecisionContext) {
	dc := NewDecisionContext()
	return context.WithValue(ctx, decisionContextKey{}, dc), dc
}

// DecisionContextFrom returns the slot carried by ctx.
func DecisionContextFrom(ctx context.Context) (*DecisionContext, bool) {
	if ctx == nil {
		return nil, false
	}
	dc, ok := ctx.Value(decisionContextKey{}).(*DecisionContext)
	return dc, ok && dc != nil
}

// CurrentDecision returns the decision installed in ctx's slot.
func CurrentDecision(ctx context.Context) (*Decision, bool) {
	dc, ok := DecisionContextFrom(ctx)
	if !ok {
		return nil, false
	}
	return dc.Current()
}

// RunWithDecision runs fn with d installed in ctx's slot, creating a slot if
// ctx has none. The previous value is restored afterwards.
func RunWithDecision(ctx context.Context, d *Decision, fn func(ctx context.Context) error) error {
	dc, ok := DecisionContextFrom(ctx)
	if !ok {
		ctx, dc = WithDecisionContext(ctx)
	}
	return dc.RunWith(d, func() error { return fn(ctx) })
}

// Task is a unit of work handed to an executor.
type Task func(ctx context.Context) error

// WrapTask captures the decision installed in ctx now and reinstalls it in
// the executing unit's slot when the task runs, restoring that slot after.
// The executor passes its own context; a context without a slot gets one.
func WrapTask(ctx context.Context, task Task) Task {
	captured, _ := CurrentDecision(ctx)
	return func(execCtx context.Context) error {
		return RunWithDecision(execCtx, captured, task)
	}
}
