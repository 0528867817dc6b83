// Package symstate holds the symbolic machine state that handlers update.
package symstate

import (
	"fmt"

	"bvcheck/internal/expr"
	"bvcheck/internal/memory"
	"bvcheck/internal/x64"
)

// SymState maps registers and flags to terms. Variables are named
// <reg>_<suffix>, so two states with the same suffix share variables.
type SymState struct {
	a      *expr.Arena
	suffix string

	GP     [x64.NumRegs]expr.BV
	Flags  [x64.NumFlags]expr.Bool
	Memory memory.Memory

	SigSegv expr.Bool
	SigFpe  expr.Bool
	SigBus  expr.Bool

	// Deref names the site of the memory accesses made next.
	Deref memory.DereferenceInfo

	constraints []expr.Bool
}

// New returns a state whose registers and flags are fresh variables and
// which has not faulted.
func New(a *expr.Arena, suffix string, mem memory.Memory) *SymState {
	s := &SymState{a: a, suffix: suffix, Memory: mem}
	for r := x64.Reg(0); r < x64.NumRegs; r++ {
		s.GP[r] = a.BVVar(fmt.Sprintf("%s_%s", r, suffix), 64)
	}
	for f := x64.Flag(0); f < x64.NumFlags; f++ {
		s.Flags[f] = a.BoolVar(fmt.Sprintf("%s_%s", f, suffix))
	}
	s.SigSegv, s.SigFpe, s.SigBus = a.False(), a.False(), a.False()
	return s
}

// NewVars returns a state where the fault flags are variables too. Used to
// name the final state so a model can report it.
func NewVars(a *expr.Arena, suffix string) *SymState {
	s := New(a, suffix, nil)
	s.SigSegv = a.BoolVar("sigsegv_" + suffix)
	s.SigFpe = a.BoolVar("sigfpe_" + suffix)
	s.SigBus = a.BoolVar("sigbus_" + suffix)
	return s
}

func (s *SymState) Arena() *expr.Arena { return s.a }

func (s *SymState) Suffix() string { return s.suffix }

func (s *SymState) Constraints() []expr.Bool {
	return s.constraints
}

func (s *SymState) AddConstraint(b expr.Bool) {
	s.constraints = append(s.constraints, b)
}

// Reg reads the low r.Width bits of a register.
func (s *SymState) Reg(r x64.Register) expr.BV {
	return s.GP[r.Reg].Extract(r.Width-1, 0)
}

// SetReg writes a register view. 32-bit writes clear the upper half; 8 and
// 16-bit writes keep it.
func (s *SymState) SetReg(r x64.Register, v expr.BV) {
	switch r.Width {
	case 64:
		s.GP[r.Reg] = v
	case 32:
		s.GP[r.Reg] = v.ZeroExtend(64)
	default:
		s.GP[r.Reg] = s.GP[r.Reg].Extract(63, r.Width).Concat(v)
	}
}

// Address computes the 64-bit effective address of a memory operand.
func (s *SymState) Address(m x64.Mem) expr.BV {
	addr := s.a.BVConstInt(m.Disp, 64)
	if m.HasBase {
		addr = s.GP[m.Base].Add(addr)
	}
	if m.HasIndex {
		idx := s.GP[m.Index]
		if m.Scale > 1 {
			idx = idx.Mul(s.a.BVConst(uint64(m.Scale), 64))
		}
		addr = addr.Add(idx)
	}
	return addr
}

func (s *SymState) Load(m x64.Mem, width uint16) expr.BV {
	v, fault := s.Memory.Read(s.Address(m), width, s.Deref)
	s.SigSegv = s.SigSegv.Or(fault)
	return v
}

func (s *SymState) Store(m x64.Mem, width uint16, v expr.BV) {
	fault := s.Memory.Write(s.Address(m), v, width, s.Deref)
	s.SigSegv = s.SigSegv.Or(fault)
}

// Read evaluates an operand at width bits. Immediates are sign extended.
func (s *SymState) Read(op x64.Operand, width uint16) expr.BV {
	switch op.Kind {
	case x64.OperandImm:
		return s.a.BVConstInt(op.Imm, width)
	case x64.OperandReg:
		return s.Reg(op.Reg)
	case x64.OperandMem:
		return s.Load(op.Mem, width)
	}
	panic(fmt.Sprintf("symstate: cannot read operand %s", op))
}

func (s *SymState) Write(op x64.Operand, v expr.BV) {
	switch op.Kind {
	case x64.OperandReg:
		s.SetReg(op.Reg, v)
	case x64.OperandMem:
		s.Store(op.Mem, v.Width(), v)
	default:
		panic(fmt.Sprintf("symstate: cannot write operand %s", op))
	}
}

// EqualityConstraints states that the registers and flags in rs and the
// fault flags of s and other agree.
func (s *SymState) EqualityConstraints(other *SymState, rs x64.RegSet) []expr.Bool {
	var out []expr.Bool
	for _, r := range rs.Regs() {
		out = append(out, s.GP[r].Eq(other.GP[r]))
	}
	for _, f := range rs.Flags() {
		out = append(out, s.Flags[f].Iff(other.Flags[f]))
	}
	out = append(out,
		s.SigSegv.Iff(other.SigSegv),
		s.SigFpe.Iff(other.SigFpe),
		s.SigBus.Iff(other.SigBus),
	)
	return out
}
