package guard

import (
	"cmp"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strings"
)

// AttributeBag is the flat, read-only attribute view an expression evaluates
// against. Missing and nil attributes both report ok == false.
type AttributeBag interface {
	Attribute(name string) (any, bool)
}

// Row is one data record keyed by attribute name.
type Row map[string]any

func (r Row) Attribute(name string) (any, bool) {
	v, ok := r[name]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// layeredBag resolves names against each layer in order; first hit wins.
type layeredBag []AttributeBag

func (l layeredBag) Attribute(name string) (any, bool) {
	for _, b := range l {
		if b == nil {
			continue
		}
		if v, ok := b.Attribute(name); ok {
			return v, true
		}
	}
	return nil, false
}

// truth is the three-valued result of a sub-expression. unknown comes from an
// unresolved attribute or a type mismatch and is never promoted to true.
type truth uint8

const (
	unknown truth = iota
	falsy
	truthy
)

func truthOf(b bool) truth {
	if b {
		return truthy
	}
	return falsy
}

// Expr is a parsed row condition
type Expr interface {
	Evaluate(bag AttributeBag) bool
	String() string
	eval(bag AttributeBag) truth
}

// Operand is either a literal or an attribute reference.
type Operand interface {
	resolve(bag AttributeBag) (any, bool)
	String() string
}

type Literal struct{ Value any }

func (l Literal) resolve(AttributeBag) (any, bool) { return normalize(l.Value) }

func (l Literal) String() string {
	if s, ok := l.Value.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprint(l.Value)
}

type Ref struct{ Name string }

func (r Ref) resolve(bag AttributeBag) (any, bool) {
	if bag == nil {
		return nil, false
	}
	v, ok := bag.Attribute(r.Name)
	if !ok {
		return nil, false
	}
	return normalize(v)
}

func (r Ref) String() string { return r.Name }

// AndExpr represents logical AND
type AndExpr struct{ Left, Right Expr }

func (e *AndExpr) eval(bag AttributeBag) truth {
	l := e.Left.eval(bag)
	if l == falsy {
		return falsy
	}
	r := e.Right.eval(bag)
	if r == falsy {
		return falsy
	}
	if l == truthy && r == truthy {
		return truthy
	}
	return unknown
}

func (e *AndExpr) Evaluate(bag AttributeBag) bool { return e.eval(bag) == truthy }
func (e *AndExpr) String() string                 { return fmt.Sprintf("(%s and %s)", e.Left, e.Right) }

// OrExpr represents logical OR
type OrExpr struct{ Left, Right Expr }

func (e *OrExpr) eval(bag AttributeBag) truth {
	l := e.Left.eval(bag)
	if l == truthy {
		return truthy
	}
	r := e.Right.eval(bag)
	if r == truthy {
		return truthy
	}
	if l == falsy && r == falsy {
		return falsy
	}
	return unknown
}

func (e *OrExpr) Evaluate(bag AttributeBag) bool { return e.eval(bag) == truthy }
func (e *OrExpr) String() string                 { return fmt.Sprintf("(%s or %s)", e.Left, e.Right) }

// NotExpr negates a known result; unknown stays unknown.
type NotExpr struct{ Inner Expr }

func (e *NotExpr) eval(bag AttributeBag) truth {
	switch e.Inner.eval(bag) {
	case truthy:
		return falsy
	case falsy:
		return truthy
	}
	return unknown
}

func (e *NotExpr) Evaluate(bag AttributeBag) bool { return e.eval(bag) == truthy }
func (e *NotExpr) String() string                 { return fmt.Sprintf("not %s", e.Inner) }

// CompareExpr is a binary comparison between two operands.
type CompareExpr struct {
	Op    string
	Left  Operand
	Right Operand
}

func (e *CompareExpr) eval(bag AttributeBag) truth {
	l, ok := e.Left.resolve(bag)
	if !ok {
		return unknown
	}
	r, ok := e.Right.resolve(bag)
	if !ok {
		return unknown
	}
	c, ok := compare(l, r)
	if !ok {
		return unknown
	}
	switch e.Op {
	case "==":
		return truthOf(c == 0)
	case "!=":
		return truthOf(c != 0)
	}
	// ordering is undefined on booleans
	if _, isBool := l.(bool); isBool {
		return unknown
	}
	switch e.Op {
	case "<":
		return truthOf(c < 0)
	case "<=":
		return truthOf(c <= 0)
	case ">":
		return truthOf(c > 0)
	case ">=":
		return truthOf(c >= 0)
	}
	return unknown
}

func (e *CompareExpr) Evaluate(bag AttributeBag) bool { return e.eval(bag) == truthy }
func (e *CompareExpr) String() string {
	return fmt.Sprintf("%s %s %s", e.Left, e.Op, e.Right)
}

// InExpr represents membership in a literal list, or in a list-valued
// attribute when Source is set.
type InExpr struct {
	Field  Operand
	Values []Operand
	Source *Ref
}

func (e *InExpr) eval(bag AttributeBag) truth {
	v, ok := e.Field.resolve(bag)
	if !ok {
		return unknown
	}
	candidates := e.Values
	if e.Source != nil {
		if bag == nil {
			return unknown
		}
		raw, ok := bag.Attribute(e.Source.Name)
		if !ok {
			return unknown
		}
		list, ok := toList(raw)
		if !ok {
			return unknown
		}
		candidates = list
	}
	sawKnown := false
	for _, c := range candidates {
		cv, ok := c.resolve(bag)
		if !ok {
			continue
		}
		cmp, ok := compare(v, cv)
		if !ok {
			continue
		}
		sawKnown = true
		if cmp == 0 {
			return truthy
		}
	}
	if !sawKnown && len(candidates) > 0 {
		return unknown
	}
	return falsy
}

func (e *InExpr) Evaluate(bag AttributeBag) bool { return e.eval(bag) == truthy }
func (e *InExpr) String() string {
	if e.Source != nil {
		return fmt.Sprintf("%s in %s", e.Field, e.Source.Name)
	}
	parts := make([]string, len(e.Values))
	for i, v := range e.Values {
		parts[i] = v.String()
	}
	return fmt.Sprintf("%s in [%s]", e.Field, strings.Join(parts, ", "))
}

// TruthExpr tests a boolean operand on its own, e.g. "active" or "true".
type TruthExpr struct{ Value Operand }

func (e *TruthExpr) eval(bag AttributeBag) truth {
	v, ok := e.Value.resolve(bag)
	if !ok {
		return unknown
	}
	b, ok := v.(bool)
	if !ok {
		return unknown
	}
	return truthOf(b)
}

func (e *TruthExpr) Evaluate(bag AttributeBag) bool { return e.eval(bag) == truthy }
func (e *TruthExpr) String() string                 { return e.Value.String() }

// normalize folds scalars into string, bool, int64, uint64 or float64.
// Named types are folded by their underlying kind. Non-scalars are rejected.
func normalize(v any) (any, bool) {
	switch n := v.(type) {
	case nil:
		return nil, false
	case string, bool, int64, uint64, float64:
		return n, true
	case int:
		return int64(n), true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), true
	case reflect.Bool:
		return rv.Bool(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint(), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	if st, ok := v.(fmt.Stringer); ok {
		return st.String(), true
	}
	return nil, false
}

func toList(v any) ([]Operand, bool) {
	switch l := v.(type) {
	case []string:
		out := make([]Operand, len(l))
		for i, s := range l {
			out[i] = Literal{Value: s}
		}
		return out, true
	case []any:
		out := make([]Operand, 0, len(l))
		for _, item := range l {
			if n, ok := normalize(item); ok {
				out = append(out, Literal{Value: n})
			}
		}
		return out, true
	}
	return nil, false
}

// compare orders two normalized scalars. Numbers of any kind compare by
// exact value; ok is false on any other kind mismatch.
func compare(a, b any) (int, bool) {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if av == bv {
			return 0, true
		}
		return 1, true
	}
	switch av := a.(type) {
	case int64:
		if bv, ok := b.(int64); ok {
			return cmp.Compare(av, bv), true
		}
	case uint64:
		if bv, ok := b.(uint64); ok {
			return cmp.Compare(av, bv), true
		}
	case float64:
		if bv, ok := b.(float64); ok {
			if math.IsNaN(av) || math.IsNaN(bv) {
				return 0, false
			}
			return cmp.Compare(av, bv), true
		}
	}
	x, ok := exactNumber(a)
	if !ok {
		return 0, false
	}
	y, ok := exactNumber(b)
	if !ok {
		return 0, false
	}
	return x.Cmp(y), true
}

func exactNumber(v any) (*big.Float, bool) {
	switch n := v.(type) {
	case int64:
		return new(big.Float).SetInt64(n), true
	case uint64:
		return new(big.Float).SetUint64(n), true
	case float64:
		if math.IsNaN(n) {
			return nil, false
		}
		return new(big.Float).SetFloat64(n), true
	}
	return nil, false
}
