package expr

import "math/big"

// Node is a read-only view of an arena node, used by solver backends.
type Node struct {
	Kind     Kind
	Width    uint16
	Aux      uint16
	Name     string
	Value    *big.Int
	Args     []ID
	Patterns []ID
}

func (a *Arena) Node(id ID) Node {
	n := a.node(id)
	return Node{
		Kind:     n.kind,
		Width:    n.width,
		Aux:      n.aux,
		Name:     n.name,
		Value:    n.value,
		Args:     n.args,
		Patterns: n.pats,
	}
}

// Var describes a free variable.
type Var struct {
	Name       string
	Sort       Sort
	Width      uint16
	KeyWidth   uint16
	IsFunction bool
}

// FreeVars lists the variables and uninterpreted functions the terms depend
// on, in first-visit order. Quantified variables are excluded.
func FreeVars(terms ...Term) []Var {
	var out []Var
	seen := make(map[string]bool)
	visited := make(map[ID]bool)
	for _, t := range terms {
		if t == nil || t.IsNull() {
			continue
		}
		a := t.Arena()
		bound := make(map[ID]bool)
		stack := []ID{t.ID()}
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited[id] {
				continue
			}
			visited[id] = true
			n := a.node(id)
			switch n.kind {
			case KindBVVar:
				if !bound[id] && !seen[n.name] {
					seen[n.name] = true
					out = append(out, Var{Name: n.name, Sort: SortBV, Width: n.width})
				}
			case KindBoolVar:
				if !seen[n.name] {
					seen[n.name] = true
					out = append(out, Var{Name: n.name, Sort: SortBool})
				}
			case KindArrayVar:
				if !seen[n.name] {
					seen[n.name] = true
					out = append(out, Var{Name: n.name, Sort: SortArray, Width: n.width, KeyWidth: n.aux})
				}
			case KindBVApply:
				if !seen[n.name] {
					seen[n.name] = true
					out = append(out, Var{Name: n.name, Sort: SortBV, Width: n.width, IsFunction: true})
				}
			case KindForall:
				for _, v := range n.args[1:] {
					bound[v] = true
				}
			}
			for i := len(n.args) - 1; i >= 0; i-- {
				stack = append(stack, n.args[i])
			}
		}
	}
	return out
}
