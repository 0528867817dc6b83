// Package invariant holds the relations between a target and a rewrite state
// that obligations assume and prove.
package invariant

import (
	"bvcheck/internal/cpustate"
	"bvcheck/internal/expr"
	"bvcheck/internal/memory"
	"bvcheck/internal/symstate"
)

// Invariant relates a target state to a rewrite state. Memory accesses an
// invariant makes are tagged with an invariant number; composite invariants
// advance *number after each part so that Formula and DereferenceMap agree on
// the numbering.
type Invariant interface {
	Formula(target, rewrite *symstate.SymState, number *int) (expr.Bool, error)
	Check(target, rewrite *cpustate.CpuState) bool
	// DereferenceMap records the concrete addresses the invariant's memory
	// accesses touch in the given states.
	DereferenceMap(target, rewrite *cpustate.CpuState, number *int, out memory.DereferenceMap)
	String() string
}

// withDeref tags the accesses f makes with invariant number n.
func withDeref(target, rewrite *symstate.SymState, n int, f func() expr.Bool) expr.Bool {
	oldT, oldR := target.Deref, rewrite.Deref
	defer func() {
		target.Deref, rewrite.Deref = oldT, oldR
	}()
	target.Deref = memory.DereferenceInfo{IsInvariant: true, InvariantNumber: n}
	rewrite.Deref = memory.DereferenceInfo{IsRewrite: true, IsInvariant: true, InvariantNumber: n}
	return f()
}

func pick[T any](isRewrite bool, target, rewrite T) T {
	if isRewrite {
		return rewrite
	}
	return target
}

func prime(s string, isRewrite bool) string {
	if isRewrite {
		return s + "'"
	}
	return s
}

type True struct{}

func (True) Formula(target, _ *symstate.SymState, _ *int) (expr.Bool, error) {
	return target.Arena().True(), nil
}

func (True) Check(_, _ *cpustate.CpuState) bool { return true }

func (True) DereferenceMap(_, _ *cpustate.CpuState, _ *int, _ memory.DereferenceMap) {}

func (True) String() string { return "true" }

type False struct{}

func (False) Formula(target, _ *symstate.SymState, _ *int) (expr.Bool, error) {
	return target.Arena().False(), nil
}

func (False) Check(_, _ *cpustate.CpuState) bool { return false }

func (False) DereferenceMap(_, _ *cpustate.CpuState, _ *int, _ memory.DereferenceMap) {}

func (False) String() string { return "false" }
