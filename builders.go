package guard

// Builders provide a fluent API for creating permission groups and organization nodes

// PermissionGroupBuilder builds a PermissionGroup
type PermissionGroupBuilder struct {
	code        string
	name        string
	assignments []PermissionAssignment
	rules       []FieldMaskRule
}

func NewPermissionGroupBuilder(code string) *PermissionGroupBuilder {
	return &PermissionGroupBuilder{code: code}
}

func (b *PermissionGroupBuilder) Name(n string) *PermissionGroupBuilder { b.name = n; return b }
func (b *PermissionGroupBuilder) Grant(feature FeatureCode, actions ...ActionCode) *PermissionGroupBuilder {
	for _, a := range actions {
		b.assignments = append(b.assignments, NewPermissionAssignment(feature, a, ""))
	}
	return b
}
func (b *PermissionGroupBuilder) GrantWhere(feature FeatureCode, action ActionCode, condition string) *PermissionGroupBuilder {
	b.assignments = append(b.assignments, NewPermissionAssignment(feature, action, condition))
	return b
}
func (b *PermissionGroupBuilder) Mask(tag, template string, unmask ActionCode) *PermissionGroupBuilder {
	b.rules = append(b.rules, FieldMaskRule{Tag: tag, MaskTemplate: template, UnmaskAction: unmask, AppliesByDefault: true})
	return b
}
func (b *PermissionGroupBuilder) MaskOnRequest(tag, template string, unmask ActionCode) *PermissionGroupBuilder {
	b.rules = append(b.rules, FieldMaskRule{Tag: tag, MaskTemplate: template, UnmaskAction: unmask})
	return b
}
func (b *PermissionGroupBuilder) Build() (*PermissionGroup, error) {
	return NewPermissionGroup(b.code, b.name, b.assignments, b.rules)
}

// MustBuild panics on invalid input; intended for fixtures and tests.
func (b *PermissionGroupBuilder) MustBuild() *PermissionGroup {
	g, err := b.Build()
	if err != nil {
		panic(err)
	}
	return g
}

// OrganizationBuilder builds an OrganizationNode
type OrganizationBuilder struct {
	n OrganizationNode
}

func NewOrganizationBuilder(code string) *OrganizationBuilder {
	return &OrganizationBuilder{n: OrganizationNode{Code: code, Status: OrganizationActive}}
}
func (b *OrganizationBuilder) Parent(code string) *OrganizationBuilder { b.n.ParentCode = code; return b }
func (b *OrganizationBuilder) Name(n string) *OrganizationBuilder      { b.n.DisplayName = n; return b }
func (b *OrganizationBuilder) Status(s OrganizationStatus) *OrganizationBuilder {
	b.n.Status = s
	return b
}
func (b *OrganizationBuilder) Effective(r EffectiveRange) *OrganizationBuilder {
	b.n.Effective = r
	return b
}
func (b *OrganizationBuilder) Build() OrganizationNode { return b.n }
