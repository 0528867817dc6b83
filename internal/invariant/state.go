package invariant

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"bvcheck/internal/cpustate"
	"bvcheck/internal/expr"
	"bvcheck/internal/memory"
	"bvcheck/internal/symstate"
	"bvcheck/internal/x64"
)

// StateEquality says the registers and flags in Regs agree and both states
// end with the same signal.
type StateEquality struct {
	Regs x64.RegSet
}

func NewStateEquality(rs x64.RegSet) *StateEquality {
	return &StateEquality{Regs: rs}
}

func (s *StateEquality) Formula(target, rewrite *symstate.SymState, _ *int) (expr.Bool, error) {
	return target.Arena().All(target.EqualityConstraints(rewrite, s.Regs)...), nil
}

func (s *StateEquality) Check(target, rewrite *cpustate.CpuState) bool {
	if target.Code != rewrite.Code {
		return false
	}
	for _, r := range s.Regs.Regs() {
		if target.GP[r] != rewrite.GP[r] {
			return false
		}
	}
	for _, f := range s.Regs.Flags() {
		if target.Flags[f] != rewrite.Flags[f] {
			return false
		}
	}
	return true
}

func (s *StateEquality) DereferenceMap(_, _ *cpustate.CpuState, _ *int, _ memory.DereferenceMap) {}

func (s *StateEquality) String() string {
	return fmt.Sprintf("state%s = state%s'", s.Regs, s.Regs)
}

// Location is a memory operand evaluated in the target or rewrite state.
type Location struct {
	Mem       x64.Mem
	Size      int
	IsRewrite bool
}

func (l Location) String() string {
	return prime(fmt.Sprintf("%s[%d]", l.Mem, l.Size), l.IsRewrite)
}

// MemoryEquality says both memories agree outside the excluded locations.
// Excluded locations are not expressible by the memory models themselves;
// the checker makes ghost writes to them before the formula is built.
type MemoryEquality struct {
	Excluded []Location
}

func NewMemoryEquality(excluded ...Location) *MemoryEquality {
	return &MemoryEquality{Excluded: excluded}
}

func (m *MemoryEquality) Formula(target, rewrite *symstate.SymState, _ *int) (expr.Bool, error) {
	if target.Memory == nil || rewrite.Memory == nil {
		return expr.Bool{}, errors.New("memory equality over states without memory")
	}
	return target.Memory.EqualityConstraint(rewrite.Memory)
}

// ExcludedAddresses lists the address of every excluded byte.
func (m *MemoryEquality) ExcludedAddresses(target, rewrite *symstate.SymState) []expr.BV {
	var out []expr.BV
	for _, l := range m.Excluded {
		base := pick(l.IsRewrite, target, rewrite).Address(l.Mem)
		for i := 0; i < l.Size; i++ {
			out = append(out, base.AddConst(int64(i)))
		}
	}
	return out
}

func (m *MemoryEquality) excluded(target, rewrite *cpustate.CpuState) map[uint64]bool {
	res := make(map[uint64]bool)
	for _, l := range m.Excluded {
		base := l.Mem.Address(&pick(l.IsRewrite, target, rewrite).GP)
		for i := 0; i < l.Size; i++ {
			res[base+uint64(i)] = true
		}
	}
	return res
}

func (m *MemoryEquality) Check(target, rewrite *cpustate.CpuState) bool {
	skip := m.excluded(target, rewrite)
	agree := func(x, y *cpustate.CpuState) bool {
		for addr, b := range x.ValidBytes() {
			if skip[addr] {
				continue
			}
			if ob, ok := y.ReadByte(addr); !ok || ob != b {
				return false
			}
		}
		return true
	}
	return agree(target, rewrite) && agree(rewrite, target)
}

func (m *MemoryEquality) DereferenceMap(_, _ *cpustate.CpuState, _ *int, _ memory.DereferenceMap) {}

func (m *MemoryEquality) String() string {
	if len(m.Excluded) == 0 {
		return "mem = mem'"
	}
	parts := make([]string, len(m.Excluded))
	for i, l := range m.Excluded {
		parts[i] = l.String()
	}
	return "mem = mem' except {" + strings.Join(parts, ", ") + "}"
}
