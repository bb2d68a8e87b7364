package evaluation

import (
	"sort"
	"strings"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
)

// referencedFields returns the context paths an expression reads and that must
// be present for it to evaluate meaningfully. Function names, let-bound
// variables, optional chains (a?.b) and the left side of ?? are excluded.
func referencedFields(expression string) ([][]string, error) {
	tree, err := parser.Parse(expression)
	if err != nil {
		return nil, err
	}
	v := &fieldCollector{
		paths:     map[string][]string{},
		callees:   map[string]struct{}{},
		declared:  map[string]struct{}{},
		optional:  map[string]struct{}{},
		coalesced: map[string]struct{}{},
	}
	ast.Walk(&tree.Node, v)
	return v.result(), nil
}

type fieldCollector struct {
	paths     map[string][]string
	callees   map[string]struct{}
	declared  map[string]struct{}
	optional  map[string]struct{}
	coalesced map[string]struct{}
}

func (v *fieldCollector) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.IdentifierNode:
		if !strings.HasPrefix(n.Value, "$") {
			v.paths[n.Value] = []string{n.Value}
		}
	case *ast.MemberNode:
		path, optional, ok := memberPath(n)
		if !ok {
			return
		}
		if optional {
			v.optional[path[0]] = struct{}{}
			return
		}
		v.paths[strings.Join(path, ".")] = path
	case *ast.CallNode:
		if id, ok := n.Callee.(*ast.IdentifierNode); ok {
			v.callees[id.Value] = struct{}{}
		}
	case *ast.VariableDeclaratorNode:
		v.declared[n.Name] = struct{}{}
	case *ast.BinaryNode:
		if n.Operator == "??" {
			if path, _, ok := pathOf(n.Left); ok {
				v.coalesced[strings.Join(path, ".")] = struct{}{}
			}
		}
	}
}

func (v *fieldCollector) result() [][]string {
	keys := make([]string, 0, len(v.paths))
	for k, p := range v.paths {
		root := p[0]
		if _, skip := v.callees[k]; skip && len(p) == 1 {
			continue
		}
		if _, skip := v.declared[root]; skip {
			continue
		}
		if _, skip := v.optional[root]; skip {
			continue
		}
		if _, skip := v.coalesced[k]; skip {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, v.paths[k])
	}
	return out
}

func pathOf(n ast.Node) ([]string, bool, bool) {
	switch t := n.(type) {
	case *ast.IdentifierNode:
		return []string{t.Value}, false, true
	case *ast.MemberNode:
		return memberPath(t)
	case *ast.ChainNode:
		return pathOf(t.Node)
	default:
		return nil, false, false
	}
}

// memberPath flattens a.b.c (string properties only) into its segments.
func memberPath(n *ast.MemberNode) ([]string, bool, bool) {
	if n.Method {
		return nil, false, false
	}
	prop, ok := n.Property.(*ast.StringNode)
	if !ok {
		return nil, false, false
	}
	base, optional, ok := pathOf(n.Node)
	if !ok {
		return nil, false, false
	}
	return append(base, prop.Value), optional || n.Optional, true
}
