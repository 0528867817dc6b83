package handler

import (
	"github.com/pkg/errors"

	"bvcheck/internal/expr"
	"bvcheck/internal/symstate"
	"bvcheck/internal/x64"
)

// ConditionPredicate is the formula under which a jcc with condition c jumps.
func ConditionPredicate(c x64.Cond, s *symstate.SymState) expr.Bool {
	cf, zf, sf, of := s.Flags[x64.CF], s.Flags[x64.ZF], s.Flags[x64.SF], s.Flags[x64.OF]
	switch c {
	case x64.CondE:
		return zf
	case x64.CondNE:
		return zf.Not()
	case x64.CondL:
		return sf.Xor(of)
	case x64.CondLE:
		return zf.Or(sf.Xor(of))
	case x64.CondG:
		return zf.Not().And(sf.Iff(of))
	case x64.CondGE:
		return sf.Iff(of)
	case x64.CondB:
		return cf
	case x64.CondBE:
		return cf.Or(zf)
	case x64.CondA:
		return cf.Not().And(zf.Not())
	case x64.CondAE:
		return cf.Not()
	case x64.CondS:
		return sf
	case x64.CondNS:
		return sf.Not()
	case x64.CondO:
		return of
	case x64.CondNO:
		return of.Not()
	}
	panic("handler: jump without condition")
}

// Filter runs an instruction against a state and returns constraints that
// must hold for the execution to be allowed.
type Filter interface {
	Apply(instr *x64.Instruction, s *symstate.SymState) ([]expr.Bool, error)
}

// DefaultFilter only builds the circuit.
type DefaultFilter struct {
	Handler Handler
}

func NewDefaultFilter(h Handler) *DefaultFilter {
	return &DefaultFilter{Handler: h}
}

func (f *DefaultFilter) Apply(instr *x64.Instruction, s *symstate.SymState) ([]expr.Bool, error) {
	if err := f.Handler.BuildCircuit(instr, s); err != nil {
		return nil, err
	}
	return nil, nil
}

// NaclFilter additionally requires sandboxed addressing: the index register
// of every memory operand holds a 32-bit value and the base, when present,
// is %r15 or a stack register.
type NaclFilter struct {
	DefaultFilter
}

func NewNaclFilter(h Handler) *NaclFilter {
	return &NaclFilter{DefaultFilter{Handler: h}}
}

func (f *NaclFilter) Apply(instr *x64.Instruction, s *symstate.SymState) ([]expr.Bool, error) {
	var extra []expr.Bool
	if m, ok := instr.MemOperand(); ok {
		if m.HasBase && m.Base != x64.R15 && m.Base != x64.RSP && m.Base != x64.RBP {
			return nil, errors.Errorf("%s: base register must be %%r15 or a stack register", instr)
		}
		if m.HasIndex {
			a := s.Arena()
			high := s.GP[m.Index].Extract(63, 32)
			extra = append(extra, high.Eq(a.BVConst(0, 32)))
		}
	}
	if _, err := f.DefaultFilter.Apply(instr, s); err != nil {
		return nil, err
	}
	return extra, nil
}
