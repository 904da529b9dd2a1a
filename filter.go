package guard

import (
	"fmt"
	"regexp"
	"strings"
)

// Filter is a query-side rendition of a row scope. Clause uses named
// parameters (:org_0) bound from Args, ready for squealx named queries.
// An empty Clause means no restriction. Residual, when set, must still be
// applied to each fetched row.
type Filter struct {
	Clause   string
	Args     map[string]any
	Residual Predicate
}

func (f *Filter) in(column string, codes []string) {
	names := make([]string, len(codes))
	for i, c := range codes {
		name := fmt.Sprintf("org_%d", i)
		names[i] = ":" + name
		f.Args[name] = c
	}
	if len(names) == 1 {
		f.Clause = fmt.Sprintf("%s = %s", column, names[0])
		return
	}
	f.Clause = fmt.Sprintf("%s IN (%s)", column, strings.Join(names, ", "))
}

// Unrestricted reports whether the filter neither narrows the query nor the rows.
func (f *Filter) Unrestricted() bool {
	return f.Clause == "" && f.Residual == nil
}

// Where returns " WHERE <clause>" or an empty string.
func (f *Filter) Where() string {
	if f.Clause == "" {
		return ""
	}
	return " WHERE " + f.Clause
}

var (
	whereKeyword = regexp.MustCompile(`(?i)\bWHERE\b`)
	tailClause   = regexp.MustCompile(`(?i)\b(GROUP\s+BY|HAVING|ORDER\s+BY|LIMIT|OFFSET|FOR\s+UPDATE)\b`)
)

// Apply adds the clause to a single-level SELECT. An existing WHERE is
// parenthesized and ANDed with the clause; the clause goes ahead of any
// GROUP BY, HAVING, ORDER BY or LIMIT. Queries with subqueries or UNIONs
// should place Where() and Args themselves.
func (f *Filter) Apply(query string) string {
	if f.Clause == "" {
		return query
	}
	head, tail := query, ""
	if loc := tailClause.FindStringIndex(query); loc != nil {
		head, tail = query[:loc[0]], " "+query[loc[0]:]
	}
	head = strings.TrimRight(head, " \t\r\n")
	if loc := whereKeyword.FindStringIndex(head); loc != nil {
		cond := strings.TrimSpace(head[loc[1]:])
		return head[:loc[1]] + " (" + cond + ") AND (" + f.Clause + ")" + tail
	}
	return head + f.Where() + tail
}

// Keep applies the residual predicate to fetched rows.
func (f *Filter) Keep(rows []Row) []Row {
	if f.Residual == nil {
		return rows
	}
	return f.Residual.Filter(rows)
}

func validColumn(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case i > 0 && ((r >= '0' && r <= '9') || r == '.'):
		default:
			return false
		}
	}
	return true
}
