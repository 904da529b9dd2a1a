package guard

import (
	"fmt"
	"strconv"
	"strings"
)

// ConfigBuilder provides fluent API for building configurations
type ConfigBuilder struct {
	cfg *Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		cfg: &Config{
			Version:       1,
			DefaultGroups: map[string]string{},
			Engine: EngineConfig{
				GroupCacheTTL:   300000,
				DefaultRowScope: ScopeOwn,
				OrgAttribute:    "organization_code",
				AuditQueueSize:  1024,
			},
		},
	}
}

func (b *ConfigBuilder) Version(v uint16) *ConfigBuilder {
	b.cfg.Version = v
	return b
}

func (b *ConfigBuilder) AddOrganization(code, name, parent string) *ConfigBuilder {
	b.cfg.Organizations = append(b.cfg.Organizations, OrganizationNode{
		Code: code, DisplayName: name, ParentCode: parent, Status: OrganizationActive,
	})
	return b
}

// AddGroup records a group built with PermissionGroupBuilder.
func (b *ConfigBuilder) AddGroup(g *PermissionGroup) *ConfigBuilder {
	b.cfg.Groups = append(b.cfg.Groups, GroupConfig{
		Code:        g.Code,
		Name:        g.Name,
		Assignments: g.Assignments(),
		MaskRules:   g.MaskRuleList(),
	})
	return b
}

func (b *ConfigBuilder) AddRowPolicy(p RowAccessPolicy) *ConfigBuilder {
	b.cfg.RowPolicies = append(b.cfg.RowPolicies, p)
	return b
}

func (b *ConfigBuilder) DefaultGroup(orgCode, groupCode string) *ConfigBuilder {
	b.cfg.DefaultGroups[orgCode] = groupCode
	return b
}

func (b *ConfigBuilder) AddOperation(id string, feature FeatureCode, action ActionCode) *ConfigBuilder {
	b.cfg.Operations = append(b.cfg.Operations, OperationConfig{ID: id, Feature: feature, Action: action})
	return b
}

func (b *ConfigBuilder) AddRoute(pattern, operation string) *ConfigBuilder {
	b.cfg.Routes = append(b.cfg.Routes, RouteConfig{Pattern: pattern, Operation: operation})
	return b
}

func (b *ConfigBuilder) EngineSettings(fn func(*EngineConfig)) *ConfigBuilder {
	fn(&b.cfg.Engine)
	return b
}

func (b *ConfigBuilder) Build() *Config {
	return b.cfg
}

func (b *ConfigBuilder) ToYAML() ([]byte, error) {
	return b.cfg.ToYAML()
}

func (b *ConfigBuilder) ToJSON() ([]byte, error) {
	return b.cfg.ToJSON()
}

// ConditionBuilder composes row-condition source text.
type ConditionBuilder struct {
	expr string
}

func NewCondition() *ConditionBuilder {
	return &ConditionBuilder{}
}

func (c *ConditionBuilder) Eq(field string, value any) *ConditionBuilder {
	c.expr = fmt.Sprintf("%s == %s", field, literal(value))
	return c
}

func (c *ConditionBuilder) Ne(field string, value any) *ConditionBuilder {
	c.expr = fmt.Sprintf("%s != %s", field, literal(value))
	return c
}

func (c *ConditionBuilder) In(field string, values ...any) *ConditionBuilder {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = literal(v)
	}
	c.expr = fmt.Sprintf("%s in [%s]", field, strings.Join(parts, ", "))
	return c
}

func (c *ConditionBuilder) Gte(field string, value any) *ConditionBuilder {
	c.expr = fmt.Sprintf("%s >= %s", field, literal(value))
	return c
}

// EqField compares two attributes, e.g. owner == actor.username.
func (c *ConditionBuilder) EqField(field, other string) *ConditionBuilder {
	c.expr = fmt.Sprintf("%s == %s", field, other)
	return c
}

func (c *ConditionBuilder) And(other *ConditionBuilder) *ConditionBuilder {
	c.expr = fmt.Sprintf("(%s) and (%s)", c.expr, other.expr)
	return c
}

func (c *ConditionBuilder) Or(other *ConditionBuilder) *ConditionBuilder {
	c.expr = fmt.Sprintf("(%s) or (%s)", c.expr, other.expr)
	return c
}

func (c *ConditionBuilder) Not() *ConditionBuilder {
	c.expr = fmt.Sprintf("not (%s)", c.expr)
	return c
}

// String returns the condition source.
func (c *ConditionBuilder) String() string {
	return c.expr
}

// Build parses the composed condition.
func (c *ConditionBuilder) Build() (Expr, error) {
	return ParseCondition(c.expr)
}

func literal(v any) string {
	switch x := v.(type) {
	case string:
		return strconv.Quote(x)
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return strconv.Quote(fmt.Sprint(v))
}
