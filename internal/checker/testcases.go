package checker

import (
	"github.com/pkg/errors"

	"bvcheck/internal/cpustate"
	"bvcheck/internal/expr"
	"bvcheck/internal/memory"
	"bvcheck/internal/sandbox"
	"bvcheck/internal/symstate"
)

// synthesize finds a testcase from a model of the assumption alone, then
// lets StateGen add whatever memory both paths need to run.
func (j *job) synthesize() (Testcase, error) {
	a := j.a
	tm, rm := memory.NewFlat(a, "mem_1_SYN"), memory.NewFlat(a, "mem_2_SYN")
	t := symstate.New(a, "1_SYN", tm)
	r := symstate.New(a, "2_SYN", rm)
	n := 0
	f, err := j.ob.Assume.Formula(t, r, &n)
	if err != nil {
		return Testcase{}, err
	}
	sat, err := j.Solver.IsSat(j.ctx, concat(t.Constraints(), r.Constraints(), tm.Constraints(), rm.Constraints(), []expr.Bool{f}))
	if err != nil {
		return Testcase{}, errors.Wrap(err, "solving the assumption")
	}
	if !sat {
		return Testcase{}, errors.New("assumption is unsatisfiable")
	}

	m := newModelReader(j.Solver)
	tc, err := m.state("1_SYN", false)
	if err != nil {
		return Testcase{}, err
	}
	rc, err := m.state("2_SYN", false)
	if err != nil {
		return Testcase{}, err
	}
	keys, err := m.addresses(tm.AccessList(), rm.AccessList())
	if err != nil {
		return Testcase{}, err
	}
	for _, side := range []struct {
		mem *memory.Flat
		cs  *cpustate.CpuState
	}{{tm, tc}, {rm, rc}} {
		bytes, err := m.heap(side.mem.Start(), keys)
		if err != nil {
			return Testcase{}, err
		}
		side.cs.Segments = cpustate.MemoryFromMap(bytes)
	}

	gen := sandbox.NewStateGen(j.Seed)
	if err := gen.Get(tc, j.tlines, true); err != nil {
		return Testcase{}, errors.Wrap(err, "target")
	}
	if err := gen.Get(rc, j.rlines, true); err != nil {
		return Testcase{}, errors.Wrap(err, "rewrite")
	}
	syncMemory(tc, rc)
	j.entry.Debug("synthesized a testcase")
	return Testcase{Target: tc, Rewrite: rc}, nil
}

// syncMemory makes each state's valid bytes valid in the other, copying
// contents. Bytes valid on both sides are left alone.
func syncMemory(x, y *cpustate.CpuState) {
	xb, yb := x.ValidBytes(), y.ValidBytes()
	toX := make(map[uint64]byte)
	toY := make(map[uint64]byte)
	for addr, b := range xb {
		if _, ok := yb[addr]; !ok {
			toY[addr] = b
		}
	}
	for addr, b := range yb {
		if _, ok := xb[addr]; !ok {
			toX[addr] = b
		}
	}
	x.SetBytes(toX)
	y.SetBytes(toY)
}

// derefMaps records, for every testcase that runs both paths cleanly, the
// address each dereference site touches. Sites are numbered the way encode
// numbers them.
func (j *job) derefMaps(testcases []Testcase) []memory.DereferenceMap {
	var out []memory.DereferenceMap
	for k, tc := range testcases {
		dm := make(memory.DereferenceMap)
		n := 0
		if j.assumeMem != nil {
			for _, l := range j.assumeMem.Excluded {
				cs := tc.Target
				if l.IsRewrite {
					cs = tc.Rewrite
				}
				dm[memory.DereferenceInfo{IsRewrite: l.IsRewrite, IsInvariant: true, InvariantNumber: n}] = l.Mem.Address(&cs.GP)
				n++
			}
		}
		j.assumeRest.DereferenceMap(tc.Target, tc.Rewrite, &n, dm)
		n++

		tdm, tres, err := sandbox.TraceDereferences(j.tlines, false, tc.Target)
		if err != nil || tres.Output.Code != cpustate.Normal || tres.Diverged {
			j.entry.Debugf("testcase %d does not run the target path", k)
			continue
		}
		rdm, rres, err := sandbox.TraceDereferences(j.rlines, true, tc.Rewrite)
		if err != nil || rres.Output.Code != cpustate.Normal || rres.Diverged {
			j.entry.Debugf("testcase %d does not run the rewrite path", k)
			continue
		}
		for di, addr := range tdm {
			dm[di] = addr
		}
		for di, addr := range rdm {
			dm[di] = addr
		}
		j.proveRest.DereferenceMap(tres.Output, rres.Output, &n, dm)
		out = append(out, dm)
	}
	return out
}
