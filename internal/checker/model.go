package checker

import (
	"fmt"
	"math/big"

	"github.com/benbjohnson/immutable"
	"github.com/pkg/errors"

	"bvcheck/internal/cpustate"
	"bvcheck/internal/expr"
	"bvcheck/internal/memory"
	"bvcheck/internal/smt"
	"bvcheck/internal/x64"
)

// modelReader evaluates terms under the last model of a solver. Variables
// are fetched from the solver the first time a term mentions them.
type modelReader struct {
	s   smt.Solver
	val *expr.Valuation
}

func newModelReader(s smt.Solver) *modelReader {
	return &modelReader{s: s, val: expr.NewValuation()}
}

func (m *modelReader) bind(terms ...expr.Term) error {
	for _, v := range expr.FreeVars(terms...) {
		switch {
		case v.IsFunction:
			continue
		case v.Sort == expr.SortBV:
			if _, ok := m.val.BV[v.Name]; ok {
				continue
			}
			x, err := m.s.ModelBV(v.Name, v.Width)
			if err != nil {
				return err
			}
			m.val.BV[v.Name] = x
		case v.Sort == expr.SortBool:
			if _, ok := m.val.Bool[v.Name]; ok {
				continue
			}
			b, err := m.s.ModelBool(v.Name)
			if err != nil {
				return err
			}
			m.val.Bool[v.Name] = b
		}
	}
	return nil
}

func (m *modelReader) value(x expr.BV) (*big.Int, error) {
	if err := m.bind(x); err != nil {
		return nil, err
	}
	return m.val.EvalBV(x)
}

func (m *modelReader) u64(x expr.BV) (uint64, error) {
	v, err := m.value(x)
	if err != nil {
		return 0, err
	}
	return v.Uint64(), nil
}

// state reads registers, flags and, when withSignal is set, the fault
// flags of the state named by suffix.
func (m *modelReader) state(suffix string, withSignal bool) (*cpustate.CpuState, error) {
	cs := cpustate.New()
	for r := x64.Reg(0); r < x64.NumRegs; r++ {
		v, err := m.s.ModelBV(fmt.Sprintf("%s_%s", r, suffix), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "model of %%%s", r)
		}
		cs.GP[r] = v.Uint64()
	}
	for f := x64.Flag(0); f < x64.NumFlags; f++ {
		b, err := m.s.ModelBool(fmt.Sprintf("%s_%s", f, suffix))
		if err != nil {
			return nil, errors.Wrapf(err, "model of %%%s", f)
		}
		cs.Flags[f] = b
	}
	if !withSignal {
		return cs, nil
	}
	for _, sig := range []struct {
		name string
		code cpustate.ErrorCode
	}{{"sigsegv", cpustate.SigSegv}, {"sigfpe", cpustate.SigFpe}, {"sigbus", cpustate.SigBus}} {
		b, err := m.s.ModelBool(sig.name + "_" + suffix)
		if err != nil {
			return nil, err
		}
		if b {
			cs.Code = sig.code
			break
		}
	}
	return cs, nil
}

// addresses lists every byte address the accesses touch.
func (m *modelReader) addresses(accesses ...[]memory.Access) ([]*big.Int, error) {
	seen := make(map[uint64]bool)
	var keys []*big.Int
	for _, list := range accesses {
		for _, ac := range list {
			base, err := m.u64(ac.Address)
			if err != nil {
				return nil, err
			}
			for i := 0; i < ac.Bytes(); i++ {
				addr := base + uint64(i)
				if seen[addr] {
					continue
				}
				seen[addr] = true
				keys = append(keys, new(big.Int).SetUint64(addr))
			}
		}
	}
	return keys, nil
}

// heap reads arr at keys into a byte map.
func (m *modelReader) heap(arr expr.Array, keys []*big.Int) (*immutable.SortedMap, error) {
	bytes := cpustate.NewByteMap()
	if arr.IsNull() {
		return bytes, nil
	}
	av, err := m.s.ModelArray(arr.Name(), 64, 8, keys)
	if err != nil {
		return nil, errors.Wrapf(err, "model of %s", arr.Name())
	}
	for _, k := range keys {
		bytes = bytes.Set(k.Uint64(), byte(av.Get(k).Uint64()))
	}
	return bytes, nil
}

func byteOf(v *big.Int, i int) byte {
	return byte(new(big.Int).Rsh(v, uint(8*i)).Uint64())
}

// cegStates is a counterexample: start and end state of each side.
type cegStates struct {
	target, rewrite           *cpustate.CpuState
	targetFinal, rewriteFinal *cpustate.CpuState
}

// extract reads a counterexample out of the last model.
func extract(a *expr.Arena, s smt.Solver, tmem, rmem memory.Memory) (*cegStates, error) {
	m := newModelReader(s)
	var (
		ceg cegStates
		err error
	)
	if ceg.target, err = m.state("1_INIT", false); err != nil {
		return nil, err
	}
	if ceg.rewrite, err = m.state("2_INIT", false); err != nil {
		return nil, err
	}
	if ceg.targetFinal, err = m.state("1_FINAL", true); err != nil {
		return nil, err
	}
	if ceg.rewriteFinal, err = m.state("2_FINAL", true); err != nil {
		return nil, err
	}

	sides := []struct {
		mem          memory.Memory
		start, final *cpustate.CpuState
	}{
		{tmem, ceg.target, ceg.targetFinal},
		{rmem, ceg.rewrite, ceg.rewriteFinal},
	}
	switch tmem.(type) {
	case memory.Heaped:
		keys, err := m.addresses(tmem.AccessList(), rmem.AccessList())
		if err != nil {
			return nil, err
		}
		for _, side := range sides {
			h := side.mem.(memory.Heaped)
			start, err := m.heap(h.Start(), keys)
			if err != nil {
				return nil, err
			}
			final, err := m.heap(h.Final(), keys)
			if err != nil {
				return nil, err
			}
			side.start.Segments = cpustate.MemoryFromMap(start)
			side.final.Segments = cpustate.MemoryFromMap(final)
		}
	case *memory.Cell:
		for _, side := range sides {
			start, final, err := m.cells(a, side.mem.(*memory.Cell))
			if err != nil {
				return nil, err
			}
			side.start.Segments = cpustate.MemoryFromMap(start)
			side.final.Segments = cpustate.MemoryFromMap(final)
		}
	case *memory.Trivial:
		for _, side := range sides {
			start, final, err := m.firstTouch(side.mem.AccessList())
			if err != nil {
				return nil, err
			}
			side.start.Segments = cpustate.MemoryFromMap(start)
			side.final.Segments = cpustate.MemoryFromMap(final)
		}
	default:
		return nil, errors.Errorf("cannot extract %s memory", tmem.Type())
	}
	return &ceg, nil
}

func (m *modelReader) cells(a *expr.Arena, mem *memory.Cell) (start, final *immutable.SortedMap, err error) {
	start, final = cpustate.NewByteMap(), cpustate.NewByteMap()
	for _, i := range mem.Cells() {
		base, err := m.u64(memory.CellBase(a, i))
		if err != nil {
			return nil, nil, err
		}
		init, err := m.value(mem.Initial(i))
		if err != nil {
			return nil, nil, err
		}
		cur, err := m.value(mem.Value(i))
		if err != nil {
			return nil, nil, err
		}
		for b := 0; b < mem.Size(i); b++ {
			start = start.Set(base+uint64(b), byteOf(init, b))
			final = final.Set(base+uint64(b), byteOf(cur, b))
		}
	}
	return start, final, nil
}

// firstTouch rebuilds memory from an unmodeled access list: a byte's start
// value is what the first read of it saw, unless a write came first.
func (m *modelReader) firstTouch(accesses []memory.Access) (start, final *immutable.SortedMap, err error) {
	start, final = cpustate.NewByteMap(), cpustate.NewByteMap()
	touched := make(map[uint64]bool)
	for _, ac := range accesses {
		addr, err := m.u64(ac.Address)
		if err != nil {
			return nil, nil, err
		}
		v, err := m.value(ac.Value)
		if err != nil {
			return nil, nil, err
		}
		for i := 0; i < ac.Bytes(); i++ {
			a := addr + uint64(i)
			if !touched[a] {
				touched[a] = true
				if !ac.Write {
					start = start.Set(a, byteOf(v, i))
				} else {
					start = start.Set(a, byte(0))
				}
			}
			if ac.Write {
				final = final.Set(a, byteOf(v, i))
			} else if _, ok := final.Get(a); !ok {
				final = final.Set(a, byteOf(v, i))
			}
		}
	}
	return start, final, nil
}
