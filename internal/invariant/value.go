package invariant

import (
	"fmt"

	"bvcheck/internal/cpustate"
	"bvcheck/internal/expr"
	"bvcheck/internal/memory"
	"bvcheck/internal/symstate"
	"bvcheck/internal/x64"
)

// Nonzero says a register view is nonzero, or zero when Negate is set.
type Nonzero struct {
	Reg       x64.Register
	IsRewrite bool
	Negate    bool
}

func (n *Nonzero) Formula(target, rewrite *symstate.SymState, _ *int) (expr.Bool, error) {
	v := pick(n.IsRewrite, target, rewrite).Reg(n.Reg)
	zero := v.Eq(target.Arena().BVConst(0, n.Reg.Width))
	if n.Negate {
		return zero, nil
	}
	return zero.Not(), nil
}

func (n *Nonzero) Check(target, rewrite *cpustate.CpuState) bool {
	v := pick(n.IsRewrite, target, rewrite).GP[n.Reg.Reg]
	if n.Reg.Width < 64 {
		v &= 1<<n.Reg.Width - 1
	}
	return (v == 0) == n.Negate
}

func (n *Nonzero) DereferenceMap(_, _ *cpustate.CpuState, _ *int, _ memory.DereferenceMap) {}

func (n *Nonzero) String() string {
	op := " != 0"
	if n.Negate {
		op = " == 0"
	}
	return prime("%"+n.Reg.String(), n.IsRewrite) + op
}

// MemoryNull says the Width bits at Mem are zero, or nonzero unless IsNull.
type MemoryNull struct {
	Mem       x64.Mem
	Width     uint16
	IsRewrite bool
	IsNull    bool
}

func (m *MemoryNull) Formula(target, rewrite *symstate.SymState, number *int) (expr.Bool, error) {
	return withDeref(target, rewrite, *number, func() expr.Bool {
		s := pick(m.IsRewrite, target, rewrite)
		zero := s.Load(m.Mem, m.Width).Eq(s.Arena().BVConst(0, m.Width))
		if m.IsNull {
			return zero
		}
		return zero.Not()
	}), nil
}

func (m *MemoryNull) Check(target, rewrite *cpustate.CpuState) bool {
	cs := pick(m.IsRewrite, target, rewrite)
	v, ok := cs.Read(m.Mem.Address(&cs.GP), int(m.Width/8))
	if !ok {
		return false
	}
	return (v == 0) == m.IsNull
}

func (m *MemoryNull) DereferenceMap(target, rewrite *cpustate.CpuState, number *int, out memory.DereferenceMap) {
	cs := pick(m.IsRewrite, target, rewrite)
	di := memory.DereferenceInfo{IsRewrite: m.IsRewrite, IsInvariant: true, InvariantNumber: *number}
	out[di] = m.Mem.Address(&cs.GP)
}

func (m *MemoryNull) String() string {
	op := " != 0"
	if m.IsNull {
		op = " == 0"
	}
	return prime(fmt.Sprintf("%s[%d]", m.Mem, m.Width/8), m.IsRewrite) + op
}
