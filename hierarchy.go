package guard

import (
	"fmt"
	"sort"
	"time"
)

// OrganizationStatus is the lifecycle state of an organization record
type OrganizationStatus string

const (
	OrganizationActive   OrganizationStatus = "ACTIVE"
	OrganizationInactive OrganizationStatus = "INACTIVE"
)

// EffectiveRange bounds when an organization record is in force. Zero values
// mean open-ended.
type EffectiveRange struct {
	From time.Time `json:"from,omitempty" yaml:"from,omitempty"`
	To   time.Time `json:"to,omitempty" yaml:"to,omitempty"`
}

// Contains reports whether t falls inside the range (inclusive).
func (r EffectiveRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// OrganizationNode is one flat organization record. An empty ParentCode marks a root.
type OrganizationNode struct {
	Code        string             `json:"code" yaml:"code"`
	ParentCode  string             `json:"parent_code,omitempty" yaml:"parent_code,omitempty"`
	DisplayName string             `json:"display_name" yaml:"display_name"`
	Status      OrganizationStatus `json:"status,omitempty" yaml:"status,omitempty"`
	Effective   EffectiveRange     `json:"effective,omitempty" yaml:"effective,omitempty"`
}

// IsRoot reports whether the node has no parent.
func (n OrganizationNode) IsRoot() bool { return n.ParentCode == "" }

// OrganizationTreeSnapshot is an immutable forest built from a flat node list.
// Children are ordered by code so traversals are deterministic.
type OrganizationTreeSnapshot struct {
	nodes    map[string]OrganizationNode
	children map[string][]string
	roots    []string
	builtAt  time.Time
}

// NewOrganizationTreeSnapshot indexes nodes by code and children by parent
// code. Duplicate codes and parent cycles are rejected. A node whose parent is
// not part of the list is treated as a root.
func NewOrganizationTreeSnapshot(nodes []OrganizationNode) (*OrganizationTreeSnapshot, error) {
	s := &OrganizationTreeSnapshot{
		nodes:    make(map[string]OrganizationNode, len(nodes)),
		children: make(map[string][]string),
		builtAt:  time.Now(),
	}
	for _, n := range nodes {
		if n.Code == "" {
			return nil, fmt.Errorf("organization without code (parent %q)", n.ParentCode)
		}
		if _, dup := s.nodes[n.Code]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateOrganization, n.Code)
		}
		s.nodes[n.Code] = n
	}
	for code, n := range s.nodes {
		if _, ok := s.nodes[n.ParentCode]; n.ParentCode == "" || !ok {
			s.roots = append(s.roots, code)
			continue
		}
		s.children[n.ParentCode] = append(s.children[n.ParentCode], code)
	}
	sort.Strings(s.roots)
	for parent := range s.children {
		sort.Strings(s.children[parent])
	}
	if err := s.checkCycles(); err != nil {
		return nil, err
	}
	return s, nil
}

// checkCycles walks every parent chain; a chain that revisits a code never
// reaches a root.
func (s *OrganizationTreeSnapshot) checkCycles() error {
	clean := make(map[string]bool, len(s.nodes))
	for code := range s.nodes {
		seen := map[string]bool{}
		cur := code
		for {
			if clean[cur] {
				break
			}
			if seen[cur] {
				return fmt.Errorf("%w: at %s", ErrHierarchyCycle, cur)
			}
			seen[cur] = true
			n, ok := s.nodes[cur]
			if !ok || n.ParentCode == "" {
				break
			}
			if _, ok := s.nodes[n.ParentCode]; !ok {
				break
			}
			cur = n.ParentCode
		}
		for c := range seen {
			clean[c] = true
		}
	}
	return nil
}

func (s *OrganizationTreeSnapshot) Len() int { return len(s.nodes) }

// BuiltAt is the time the snapshot was constructed.
func (s *OrganizationTreeSnapshot) BuiltAt() time.Time { return s.builtAt }

func (s *OrganizationTreeSnapshot) Contains(code string) bool {
	_, ok := s.nodes[code]
	return ok
}

func (s *OrganizationTreeSnapshot) Node(code string) (OrganizationNode, bool) {
	n, ok := s.nodes[code]
	return n, ok
}

// Roots returns root nodes ordered by code.
func (s *OrganizationTreeSnapshot) Roots() []OrganizationNode {
	out := make([]OrganizationNode, 0, len(s.roots))
	for _, c := range s.roots {
		out = append(out, s.nodes[c])
	}
	return out
}

// Flatten returns every node in pre-order, roots in code order.
func (s *OrganizationTreeSnapshot) Flatten() []OrganizationNode {
	out := make([]OrganizationNode, 0, len(s.nodes))
	for _, root := range s.roots {
		out = s.walk(root, out)
	}
	return out
}

// DescendantsIncluding returns code and its whole subtree in pre-order, root
// first and children in code order. Unknown codes yield an empty slice.
func (s *OrganizationTreeSnapshot) DescendantsIncluding(code string) []OrganizationNode {
	if _, ok := s.nodes[code]; !ok {
		return []OrganizationNode{}
	}
	return s.walk(code, make([]OrganizationNode, 0, 8))
}

// DescendantCodes is DescendantsIncluding flattened to codes.
func (s *OrganizationTreeSnapshot) DescendantCodes(code string) []string {
	nodes := s.DescendantsIncluding(code)
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Code
	}
	return out
}

func (s *OrganizationTreeSnapshot) walk(code string, out []OrganizationNode) []OrganizationNode {
	out = append(out, s.nodes[code])
	for _, child := range s.children[code] {
		out = s.walk(child, out)
	}
	return out
}

// Ancestors walks parent pointers to the root, nearest parent first. Roots and
// unknown codes yield an empty slice.
func (s *OrganizationTreeSnapshot) Ancestors(code string) []OrganizationNode {
	out := []OrganizationNode{}
	n, ok := s.nodes[code]
	if !ok {
		return out
	}
	for n.ParentCode != "" {
		parent, ok := s.nodes[n.ParentCode]
		if !ok {
			break
		}
		out = append(out, parent)
		n = parent
	}
	return out
}

// IsAncestor reports whether ancestor is code itself or one of its ancestors.
func (s *OrganizationTreeSnapshot) IsAncestor(ancestor, code string) bool {
	if ancestor == code {
		return s.Contains(code)
	}
	for _, a := range s.Ancestors(code) {
		if a.Code == ancestor {
			return true
		}
	}
	return false
}
