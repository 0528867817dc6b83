package invariant

import (
	"strings"

	"bvcheck/internal/cpustate"
	"bvcheck/internal/expr"
	"bvcheck/internal/memory"
	"bvcheck/internal/symstate"
)

type Conjunction struct {
	Invariants []Invariant
}

func NewConjunction(invs ...Invariant) *Conjunction {
	return &Conjunction{Invariants: invs}
}

func (c *Conjunction) Add(inv Invariant) *Conjunction {
	c.Invariants = append(c.Invariants, inv)
	return c
}

func (c *Conjunction) Remove(i int) {
	c.Invariants = append(c.Invariants[:i:i], c.Invariants[i+1:]...)
}

func (c *Conjunction) Len() int { return len(c.Invariants) }

func (c *Conjunction) At(i int) Invariant { return c.Invariants[i] }

// Clone copies the list of parts; the parts are shared.
func (c *Conjunction) Clone() *Conjunction {
	return &Conjunction{Invariants: append([]Invariant(nil), c.Invariants...)}
}

func (c *Conjunction) Formula(target, rewrite *symstate.SymState, number *int) (expr.Bool, error) {
	res := target.Arena().True()
	for _, inv := range c.Invariants {
		f, err := inv.Formula(target, rewrite, number)
		if err != nil {
			return expr.Bool{}, err
		}
		res = res.And(f)
		*number++
	}
	return res, nil
}

func (c *Conjunction) Check(target, rewrite *cpustate.CpuState) bool {
	for _, inv := range c.Invariants {
		if !inv.Check(target, rewrite) {
			return false
		}
	}
	return true
}

func (c *Conjunction) DereferenceMap(target, rewrite *cpustate.CpuState, number *int, out memory.DereferenceMap) {
	for _, inv := range c.Invariants {
		inv.DereferenceMap(target, rewrite, number, out)
		*number++
	}
}

func (c *Conjunction) String() string {
	return join(c.Invariants, " ^ ", "true")
}

type Disjunction struct {
	Invariants []Invariant
}

func NewDisjunction(invs ...Invariant) *Disjunction {
	return &Disjunction{Invariants: invs}
}

func (d *Disjunction) Add(inv Invariant) *Disjunction {
	d.Invariants = append(d.Invariants, inv)
	return d
}

func (d *Disjunction) Formula(target, rewrite *symstate.SymState, number *int) (expr.Bool, error) {
	res := target.Arena().False()
	for _, inv := range d.Invariants {
		f, err := inv.Formula(target, rewrite, number)
		if err != nil {
			return expr.Bool{}, err
		}
		res = res.Or(f)
		*number++
	}
	return res, nil
}

func (d *Disjunction) Check(target, rewrite *cpustate.CpuState) bool {
	for _, inv := range d.Invariants {
		if inv.Check(target, rewrite) {
			return true
		}
	}
	return false
}

func (d *Disjunction) DereferenceMap(target, rewrite *cpustate.CpuState, number *int, out memory.DereferenceMap) {
	for _, inv := range d.Invariants {
		inv.DereferenceMap(target, rewrite, number, out)
		*number++
	}
}

func (d *Disjunction) String() string {
	return join(d.Invariants, " v ", "false")
}

type Implication struct {
	Premise, Conclusion Invariant
}

func (i *Implication) Formula(target, rewrite *symstate.SymState, number *int) (expr.Bool, error) {
	p, err := i.Premise.Formula(target, rewrite, number)
	if err != nil {
		return expr.Bool{}, err
	}
	*number++
	q, err := i.Conclusion.Formula(target, rewrite, number)
	if err != nil {
		return expr.Bool{}, err
	}
	*number++
	return p.Implies(q), nil
}

func (i *Implication) Check(target, rewrite *cpustate.CpuState) bool {
	return !i.Premise.Check(target, rewrite) || i.Conclusion.Check(target, rewrite)
}

func (i *Implication) DereferenceMap(target, rewrite *cpustate.CpuState, number *int, out memory.DereferenceMap) {
	i.Premise.DereferenceMap(target, rewrite, number, out)
	*number++
	i.Conclusion.DereferenceMap(target, rewrite, number, out)
	*number++
}

func (i *Implication) String() string {
	return "(" + i.Premise.String() + " -> " + i.Conclusion.String() + ")"
}

func join(invs []Invariant, sep, empty string) string {
	switch len(invs) {
	case 0:
		return empty
	case 1:
		return invs[0].String()
	}
	parts := make([]string, len(invs))
	for i, inv := range invs {
		parts[i] = inv.String()
	}
	return "( " + strings.Join(parts, sep) + " )"
}
