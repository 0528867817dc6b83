package invariant

import (
	"bvcheck/internal/cfg"
	"bvcheck/internal/cpustate"
	"bvcheck/internal/expr"
	"bvcheck/internal/handler"
	"bvcheck/internal/memory"
	"bvcheck/internal/symstate"
	"bvcheck/internal/x64"
)

// Flag holds when a conditional jump on Cond goes the way Taken says.
type Flag struct {
	Cond      x64.Cond
	Taken     bool
	IsRewrite bool
}

func (f *Flag) Formula(target, rewrite *symstate.SymState, _ *int) (expr.Bool, error) {
	p := handler.ConditionPredicate(f.Cond, pick(f.IsRewrite, target, rewrite))
	if !f.Taken {
		p = p.Not()
	}
	return p, nil
}

func (f *Flag) Check(target, rewrite *cpustate.CpuState) bool {
	cs := pick(f.IsRewrite, target, rewrite)
	return f.Cond.Eval(cs.Flags[x64.CF], cs.Flags[x64.ZF], cs.Flags[x64.SF], cs.Flags[x64.OF]) == f.Taken
}

func (f *Flag) DereferenceMap(_, _ *cpustate.CpuState, _ *int, _ memory.DereferenceMap) {}

func (f *Flag) String() string {
	s := prime("j"+f.Cond.String(), f.IsRewrite)
	if !f.Taken {
		return "!" + s
	}
	return s
}

// JumpInvariant describes how path p leaves its last block: a Flag when the
// block ends in a conditional jump with two successors, True otherwise.
func JumpInvariant(c *cfg.Cfg, p cfg.Path, end cfg.BlockID, isRewrite bool) Invariant {
	if len(p) == 0 {
		return True{}
	}
	last := len(p) - 1
	instr, ok := c.LastInstruction(p[last])
	if !ok || !instr.IsCondJump() {
		return True{}
	}
	switch cfg.JumpTypeAt(c, p, last, end) {
	case cfg.JumpTaken:
		return &Flag{Cond: instr.Cond, Taken: true, IsRewrite: isRewrite}
	case cfg.FallThrough:
		return &Flag{Cond: instr.Cond, Taken: false, IsRewrite: isRewrite}
	}
	return True{}
}

// FlagSet pins a single status flag.
type FlagSet struct {
	Flag      x64.Flag
	IsRewrite bool
	Invert    bool
}

func (f *FlagSet) Formula(target, rewrite *symstate.SymState, _ *int) (expr.Bool, error) {
	v := pick(f.IsRewrite, target, rewrite).Flags[f.Flag]
	if f.Invert {
		return v.Not(), nil
	}
	return v, nil
}

func (f *FlagSet) Check(target, rewrite *cpustate.CpuState) bool {
	return pick(f.IsRewrite, target, rewrite).Flags[f.Flag] != f.Invert
}

func (f *FlagSet) DereferenceMap(_, _ *cpustate.CpuState, _ *int, _ memory.DereferenceMap) {}

func (f *FlagSet) String() string {
	s := prime("%"+f.Flag.String(), f.IsRewrite)
	if f.Invert {
		return "!" + s
	}
	return s
}
