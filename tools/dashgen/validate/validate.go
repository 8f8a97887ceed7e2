// Package validate checks generated dashboards and rules: every PromQL
// expression must parse and reference only known metrics.
package validate

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/grafana/grafana-foundation-sdk/go/dashboard"
	"github.com/prometheus/prometheus/promql/parser"

	"github.com/donaldgifford/market-ledger/tools/dashgen/rules"
)

// Result collects validation findings. Errors fail generation; warnings
// are reported but tolerated.
type Result struct {
	Errors   []string
	Warnings []string
}

// Ok reports whether no errors were found.
func (r Result) Ok() bool {
	return len(r.Errors) == 0
}

func (r *Result) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Expr parses one PromQL expression and checks its metric names.
func Expr(expr string, known map[string]bool) Result {
	var r Result
	checkExpr(&r, "expr", expr, known)
	return r
}

// Dashboard validates every query target in the dashboard.
func Dashboard(dash dashboard.Dashboard, known map[string]bool) Result {
	var r Result

	raw, err := json.Marshal(dash)
	if err != nil {
		r.errorf("marshaling dashboard: %v", err)
		return r
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		r.errorf("decoding dashboard: %v", err)
		return r
	}

	exprs := collectExprs(doc, "", nil)
	if len(exprs) == 0 {
		r.Warnings = append(r.Warnings, "dashboard has no query targets")
	}
	for _, e := range exprs {
		checkExpr(&r, e.panel, e.expr, known)
	}
	return r
}

// Rules validates every rule expression in cr.
func Rules(cr rules.PrometheusRule, known map[string]bool) Result {
	var r Result
	for _, g := range cr.Spec.Groups {
		for _, rule := range g.Rules {
			name := rule.Name()
			if name == "" {
				r.errorf("%s: rule without record or alert name", g.Name)
				continue
			}
			checkExpr(&r, name, rule.Expr, known)
		}
	}
	return r
}

type panelExpr struct {
	panel string
	expr  string
}

// collectExprs walks the decoded dashboard JSON and returns every target
// expression with the title of the panel holding it.
func collectExprs(node any, title string, out []panelExpr) []panelExpr {
	switch v := node.(type) {
	case map[string]any:
		if t, ok := v["title"].(string); ok {
			title = t
		}
		if targets, ok := v["targets"].([]any); ok {
			for _, target := range targets {
				m, ok := target.(map[string]any)
				if !ok {
					continue
				}
				if e, ok := m["expr"].(string); ok {
					out = append(out, panelExpr{panel: title, expr: e})
				}
			}
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			if k != "targets" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = collectExprs(v[k], title, out)
		}
	case []any:
		for _, item := range v {
			out = collectExprs(item, title, out)
		}
	}
	return out
}

func checkExpr(r *Result, where, expr string, known map[string]bool) {
	if expr == "" {
		r.errorf("%s: empty expression", where)
		return
	}

	parsed, err := parser.ParseExpr(expr)
	if err != nil {
		r.errorf("%s: parsing %q: %v", where, expr, err)
		return
	}

	parser.Inspect(parsed, func(node parser.Node, _ []parser.Node) error {
		vs, ok := node.(*parser.VectorSelector)
		if !ok || vs.Name == "" {
			return nil
		}
		if !known[vs.Name] {
			r.errorf("%s: unknown metric %q", where, vs.Name)
		}
		return nil
	})
}
