package guard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete guard configuration: engine settings plus seed data
// for the in-memory backend.
type Config struct {
	Version       uint16             `json:"version" yaml:"version"`
	Engine        EngineConfig       `json:"engine" yaml:"engine"`
	Organizations []OrganizationNode `json:"organizations" yaml:"organizations"`
	Groups        []GroupConfig      `json:"groups" yaml:"groups"`
	RowPolicies   []RowAccessPolicy  `json:"row_policies" yaml:"row_policies"`
	// DefaultGroups maps organization code to its default group code.
	DefaultGroups map[string]string  `json:"default_groups" yaml:"default_groups"`
	Operations    []OperationConfig  `json:"operations" yaml:"operations"`
	Routes        []RouteConfig      `json:"routes" yaml:"routes"`
}

type GroupConfig struct {
	Code        string                 `json:"code" yaml:"code"`
	Name        string                 `json:"name" yaml:"name"`
	Assignments []PermissionAssignment `json:"assignments" yaml:"assignments"`
	MaskRules   []FieldMaskRule        `json:"mask_rules,omitempty" yaml:"mask_rules,omitempty"`
}

// OperationConfig registers metadata for a type ("DraftService") or a
// method ("DraftService.Approve").
type OperationConfig struct {
	ID            string      `json:"id" yaml:"id"`
	Feature       FeatureCode `json:"feature,omitempty" yaml:"feature,omitempty"`
	Action        ActionCode  `json:"action,omitempty" yaml:"action,omitempty"`
	AuditDisabled bool        `json:"audit_disabled,omitempty" yaml:"audit_disabled,omitempty"`
}

// RouteConfig binds an HTTP pattern ("GET /drafts/:id") to an operation id.
type RouteConfig struct {
	Pattern   string `json:"pattern" yaml:"pattern"`
	Operation string `json:"operation" yaml:"operation"`
}

type EngineConfig struct {
	GroupCacheTTL       int64    `json:"group_cache_ttl_ms" yaml:"group_cache_ttl_ms"`
	RistrettoNumCounter int64    `json:"ristretto_num_counter" yaml:"ristretto_num_counter"`
	RistrettoMaxCost    int64    `json:"ristretto_max_cost" yaml:"ristretto_max_cost"`
	RistrettoBuffer     int64    `json:"ristretto_buffer" yaml:"ristretto_buffer"`
	DefaultRowScope     RowScope `json:"default_row_scope" yaml:"default_row_scope"`
	OrgAttribute        string   `json:"org_attribute" yaml:"org_attribute"`
	AuditQueueSize      int      `json:"audit_queue_size" yaml:"audit_queue_size"`
	WorkerCount         int      `json:"worker_count" yaml:"worker_count"`
	WorkerQueueSize     int      `json:"worker_queue_size" yaml:"worker_queue_size"`
}

// CacheConfig converts the ristretto settings; zero fields fall back to
// DefaultCacheConfig.
func (c EngineConfig) CacheConfig() CacheConfig {
	cc := DefaultCacheConfig()
	if c.RistrettoNumCounter > 0 {
		cc.NumCounters = c.RistrettoNumCounter
	}
	if c.RistrettoMaxCost > 0 {
		cc.MaxCost = c.RistrettoMaxCost
	}
	if c.RistrettoBuffer > 0 {
		cc.BufferItems = c.RistrettoBuffer
	}
	if c.GroupCacheTTL > 0 {
		cc.TTL = time.Duration(c.GroupCacheTTL) * time.Millisecond
	}
	return cc
}

// Options translates the settings into engine options.
func (c EngineConfig) Options() []EngineOption {
	opts := []EngineOption{WithCacheConfig(c.CacheConfig())}
	if c.DefaultRowScope != "" {
		opts = append(opts, WithDefaultRowScope(c.DefaultRowScope))
	}
	if c.OrgAttribute != "" {
		opts = append(opts, WithResolverOptions(WithOrgAttribute(c.OrgAttribute)))
	}
	if c.AuditQueueSize > 0 {
		opts = append(opts, WithAsyncAudit(c.AuditQueueSize))
	}
	if c.WorkerCount > 0 {
		opts = append(opts, WithWorkers(c.WorkerCount, c.WorkerQueueSize))
	}
	return opts
}

// ConfigLoader loads configuration from various formats
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile picks the format from the file extension; anything that is not
// .json is read as YAML.
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return l.LoadJSON(data)
	}
	return l.LoadYAML(data)
}

// ToYAML exports config to YAML
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// PermissionGroups builds the configured groups.
func (c *Config) PermissionGroups() ([]*PermissionGroup, error) {
	out := make([]*PermissionGroup, 0, len(c.Groups))
	seen := map[string]bool{}
	for _, gc := range c.Groups {
		if seen[gc.Code] {
			return nil, fmt.Errorf("duplicate permission group %s", gc.Code)
		}
		seen[gc.Code] = true
		g, err := NewPermissionGroup(gc.Code, gc.Name, gc.Assignments, gc.MaskRules)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

// Registry builds an operation registry from the configured operations.
func (c *Config) Registry() (*Registry, error) {
	r := NewRegistry()
	for _, op := range c.Operations {
		if op.ID == "" {
			return nil, fmt.Errorf("operation without id")
		}
		if op.Feature != "" && !op.Feature.Valid() {
			return nil, fmt.Errorf("operation %s: unknown feature %s", op.ID, op.Feature)
		}
		if op.Action != "" && !op.Action.Valid() {
			return nil, fmt.Errorf("operation %s: unknown action %s", op.ID, op.Action)
		}
		meta := OperationMeta{Feature: op.Feature, Action: op.Action, AuditDisabled: op.AuditDisabled}
		if strings.Contains(op.ID, ".") {
			r.RegisterMethod(op.ID, meta)
		} else {
			r.RegisterType(op.ID, meta)
		}
	}
	return r, nil
}

// Validate checks the seed data for consistency: groups build, the hierarchy
// has no cycles or duplicates, policies and default groups reference known
// codes, and every condition parses.
func (c *Config) Validate() error {
	groups, err := c.PermissionGroups()
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(groups))
	for _, g := range groups {
		known[g.Code] = true
		for _, a := range g.Assignments() {
			if a.HasCondition() {
				if _, err := ParseCondition(a.Condition); err != nil {
					return fmt.Errorf("group %s %s/%s condition: %w", g.Code, a.Feature, a.Action, err)
				}
			}
		}
	}
	snap, err := NewOrganizationTreeSnapshot(c.Organizations)
	if err != nil {
		return err
	}
	for org, group := range c.DefaultGroups {
		if !snap.Contains(org) {
			return fmt.Errorf("default group for unknown organization %s", org)
		}
		if !known[group] {
			return fmt.Errorf("organization %s defaults to unknown group %s", org, group)
		}
	}
	for i, p := range c.RowPolicies {
		if !p.Feature.Valid() {
			return fmt.Errorf("row policy %d: unknown feature %s", i, p.Feature)
		}
		if p.Action != "" && !p.Action.Valid() {
			return fmt.Errorf("row policy %d: unknown action %s", i, p.Action)
		}
		if !p.Scope.Valid() {
			return fmt.Errorf("row policy %d: unknown scope %s", i, p.Scope)
		}
		if p.GroupCode != "" && !known[p.GroupCode] {
			return fmt.Errorf("row policy %d: unknown group %s", i, p.GroupCode)
		}
		if p.OrgGroupCode != "" && !snap.Contains(p.OrgGroupCode) {
			return fmt.Errorf("row policy %d: unknown organization %s", i, p.OrgGroupCode)
		}
	}
	if _, err := c.Registry(); err != nil {
		return err
	}
	if c.Engine.DefaultRowScope != "" && !c.Engine.DefaultRowScope.Valid() {
		return fmt.Errorf("engine: unknown default row scope %s", c.Engine.DefaultRowScope)
	}
	return nil
}
