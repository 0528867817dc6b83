package checker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"bvcheck/internal/cfg"
	"bvcheck/internal/cpustate"
	"bvcheck/internal/expr"
	"bvcheck/internal/handler"
	"bvcheck/internal/invariant"
	"bvcheck/internal/memory"
	"bvcheck/internal/sandbox"
	"bvcheck/internal/smt"
	"bvcheck/internal/symstate"
	"bvcheck/internal/x64"
)

type phase int

const (
	phaseInit phase = iota
	phaseCircuitBuilt
	phaseSolved
	phaseCegValidated
	phaseDone
	phaseError
)

var phaseNames = [...]string{"INIT", "CIRCUIT_BUILT", "SOLVED", "CEG_VALIDATED", "DONE", "ERROR"}

func (p phase) String() string {
	return phaseNames[p]
}

// SmtChecker decides obligations in process with a single solver. It is not
// safe for concurrent use; AsyncChecker gives every worker its own.
type SmtChecker struct {
	Solver   smt.Solver
	Filter   handler.Filter
	Strategy memory.Type
	// CheckCounterexamples replays every model on the sandbox.
	CheckCounterexamples bool
	// Unsound skips the ARM non-overlap proof.
	Unsound bool
	// Stop is polled by the ARM engine; setting it abandons the check.
	Stop *atomic.Bool
	// Seed drives testcase synthesis.
	Seed int64
}

func NewSmtChecker(s smt.Solver, f handler.Filter, strategy memory.Type) *SmtChecker {
	return &SmtChecker{
		Solver:               s,
		Filter:               f,
		Strategy:             strategy,
		CheckCounterexamples: true,
		Stop:                 new(atomic.Bool),
	}
}

// Check runs ob and calls cb before returning.
func (c *SmtChecker) Check(ctx context.Context, ob *Obligation, cb Callback) {
	cb(c.Run(ctx, ob))
}

func (c *SmtChecker) BlockUntilComplete() {}

// Run decides ob. Failures are reported in the result, never returned.
func (c *SmtChecker) Run(ctx context.Context, ob *Obligation) (res *Result) {
	a := expr.NewArena()
	defer a.Release()

	j := &job{
		SmtChecker: c,
		ctx:        ctx,
		ob:         ob,
		a:          a,
		start:      time.Now(),
		res:        &Result{Solver: c.Solver.Name(), Strategy: c.Strategy, Optional: ob.Optional},
		entry: log.WithFields(log.Fields{
			"P":        ob.P.String(),
			"Q":        ob.Q.String(),
			"strategy": c.Strategy.String(),
		}),
	}
	defer func() {
		if r := recover(); r != nil {
			j.fail(errors.Errorf("%v", r))
		}
		res = j.res
	}()
	j.run()
	return j.res
}

// job is the state of one obligation check.
type job struct {
	*SmtChecker
	ctx   context.Context
	ob    *Obligation
	a     *expr.Arena
	start time.Time
	res   *Result
	entry *log.Entry
	phase phase

	tlines, rlines []cfg.Line

	assumeMem  *invariant.MemoryEquality
	assumeRest *invariant.Conjunction
	proveMem   *invariant.MemoryEquality
	proveRest  *invariant.Conjunction
}

// encoding is the constraint set of one obligation, split by origin.
type encoding struct {
	t, r       *symstate.SymState
	tmem, rmem memory.Memory

	assume   []expr.Bool
	circuit  []expr.Bool
	final    []expr.Bool
	memory   []expr.Bool
	proveNeg expr.Bool
}

func (j *job) enter(p phase) {
	j.phase = p
	j.entry.WithField("phase", p.String()).Debug("obligation")
}

func (j *job) fail(err error) {
	j.res.HasError = true
	j.res.Verified = false
	j.res.ErrorMessage = err.Error()
	if j.res.GenTime == 0 {
		j.res.GenTime = time.Since(j.start)
	}
	j.entry.Warnf("obligation failed in %s: %v", j.phase, err)
	j.enter(phaseError)
}

func (j *job) verified(comment string) {
	j.res.Verified = true
	if comment != "" {
		j.res.Comments = comment
	}
	j.enter(phaseDone)
}

func concat(lists ...[]expr.Bool) []expr.Bool {
	var out []expr.Bool
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}

// splitMemoryEquality separates the first memory equality of a conjunction
// from the rest. inv is not modified.
func splitMemoryEquality(inv invariant.Invariant) (*invariant.MemoryEquality, *invariant.Conjunction) {
	var conj *invariant.Conjunction
	switch v := inv.(type) {
	case *invariant.MemoryEquality:
		return v, invariant.NewConjunction()
	case *invariant.Conjunction:
		conj = v.Clone()
	default:
		return nil, invariant.NewConjunction(inv)
	}
	for i := 0; i < conj.Len(); i++ {
		if me, ok := conj.At(i).(*invariant.MemoryEquality); ok {
			conj.Remove(i)
			return me, conj
		}
	}
	return nil, conj
}

func (j *job) run() {
	j.enter(phaseInit)
	ob := j.ob
	if err := j.ctx.Err(); err != nil {
		j.fail(err)
		return
	}
	if err := cfg.Feasible(ob.Target, ob.P, ob.TargetEnd); err != nil {
		j.fail(errors.Wrap(err, "target"))
		return
	}
	if err := cfg.Feasible(ob.Rewrite, ob.Q, ob.RewriteEnd); err != nil {
		j.fail(errors.Wrap(err, "rewrite"))
		return
	}
	j.tlines = cfg.Unroll(ob.Target, ob.P, ob.TargetEnd)
	j.rlines = cfg.Unroll(ob.Rewrite, ob.Q, ob.RewriteEnd)
	j.assumeMem, j.assumeRest = splitMemoryEquality(ob.Assume)
	j.proveMem, j.proveRest = splitMemoryEquality(ob.Prove)

	var (
		e   *encoding
		err error
	)
	if j.Strategy == memory.TypeCell {
		e, err = j.buildCell()
	} else {
		e, err = j.build()
	}
	if err != nil {
		j.fail(err)
		return
	}
	if e == nil {
		return
	}

	goal, err := j.memoryGoal(e)
	if err != nil {
		j.fail(err)
		return
	}
	constraints := concat(e.assume, e.circuit, e.final, e.memory, []expr.Bool{goal.Or(e.proveNeg)})
	j.enter(phaseCircuitBuilt)

	smtStart := time.Now()
	j.res.GenTime = smtStart.Sub(j.start)
	sat, err := j.Solver.IsSat(j.ctx, constraints)
	j.res.SmtTime = time.Since(smtStart)
	if err != nil {
		j.fail(errors.Wrap(err, "solver"))
		return
	}
	j.enter(phaseSolved)
	if !sat {
		j.verified("")
		return
	}

	ceg, err := extract(j.a, j.Solver, e.tmem, e.rmem)
	if err != nil {
		j.entry.Warnf("counterexample extraction: %v", err)
		j.res.Spurious = true
		j.res.Comments = "counterexample extraction failed: " + err.Error()
		j.enter(phaseDone)
		return
	}
	j.res.TargetCeg, j.res.RewriteCeg = ceg.target, ceg.rewrite
	j.res.TargetFinalCeg, j.res.RewriteFinalCeg = ceg.targetFinal, ceg.rewriteFinal

	genuine := true
	if j.CheckCounterexamples {
		genuine = j.validate(ceg)
		j.enter(phaseCegValidated)
	}
	j.res.HasCeg = genuine
	j.res.Spurious = !genuine
	j.enter(phaseDone)
}

// build encodes the obligation over flat, ARM or trivial memory.
func (j *job) build() (*encoding, error) {
	var tmem, rmem memory.Memory
	switch j.Strategy {
	case memory.TypeFlat:
		tmem, rmem = memory.NewFlat(j.a, "mem_1_INIT"), memory.NewFlat(j.a, "mem_2_INIT")
	case memory.TypeARM:
		tarm, rarm := memory.NewARM(j.a, "mem_1_INIT", j.Stop), memory.NewARM(j.a, "mem_2_INIT", j.Stop)
		tarm.Unsound, rarm.Unsound = j.Unsound, j.Unsound
		tmem, rmem = tarm, rarm
	case memory.TypeTrivial:
		tmem, rmem = memory.NewTrivial(j.a, "mem_1_INIT"), memory.NewTrivial(j.a, "mem_2_INIT")
	default:
		return nil, errors.Errorf("unknown memory model %s", j.Strategy)
	}

	e, err := j.encode(tmem, rmem)
	if err != nil {
		return nil, err
	}
	if len(j.ob.Testcases) == 0 {
		if done, err := j.shortCircuit(e); done || err != nil {
			return nil, err
		}
	}

	switch tm := tmem.(type) {
	case *memory.Flat:
		rm := rmem.(*memory.Flat)
		tm.Finalize("mem_1_FINAL")
		rm.Finalize("mem_2_FINAL")
		e.memory = concat(tm.Constraints(), rm.Constraints())

	case *memory.ARM:
		rm := rmem.(*memory.ARM)
		testcases := j.ob.Testcases
		if len(testcases) == 0 {
			tc, err := j.synthesize()
			if err != nil {
				j.entry.Debugf("no testcase for address range modeling: %v", err)
			} else {
				testcases = []Testcase{tc}
			}
		}
		samples := j.derefMaps(testcases)
		tm.Finalize("mem_1_FINAL")
		rm.Finalize("mem_2_FINAL")
		sat, err := tm.GenerateConstraints(j.ctx, j.Solver, rm, concat(e.assume, e.circuit), samples)
		if err != nil {
			return nil, errors.Wrap(err, "address range modeling")
		}
		if !sat {
			j.res.GenTime = time.Since(j.start)
			j.verified("assumption unsatisfiable on this path pair")
			return nil, nil
		}
		e.memory = concat(tm.Constraints(), rm.Constraints())
	}
	return e, nil
}

// buildCell encodes the obligation over cell memory. The cell layout comes
// from concrete runs, so a trivial dry run first collects the access sizes.
func (j *job) buildCell() (*encoding, error) {
	dry, err := j.encode(memory.NewTrivial(j.a, "dry_1"), memory.NewTrivial(j.a, "dry_2"))
	if err != nil {
		return nil, err
	}
	if len(j.ob.Testcases) == 0 {
		if done, err := j.shortCircuit(dry); done || err != nil {
			return nil, err
		}
	}
	sizes := make(map[memory.DereferenceInfo]int)
	for _, list := range [][]memory.Access{dry.tmem.AccessList(), dry.rmem.AccessList()} {
		for _, ac := range list {
			if ac.Bytes() > sizes[ac.Deref] {
				sizes[ac.Deref] = ac.Bytes()
			}
		}
	}

	samples := j.derefMaps(j.ob.Testcases)
	if len(samples) == 0 {
		tc, err := j.synthesize()
		if err != nil {
			return nil, errors.Wrap(err, "cell memory needs a testcase")
		}
		if samples = j.derefMaps([]Testcase{tc}); len(samples) == 0 {
			return nil, errors.New("cell memory needs a testcase that follows both paths")
		}
	}
	layout, err := memory.MineCells(sizes, samples)
	if err != nil {
		return nil, errors.Wrap(err, "mining cells")
	}
	j.entry.Debugf("cell layout:\n%s", layout)

	tm := memory.NewCell(j.a, "mem_1_INIT", layout, false)
	rm := memory.NewCell(j.a, "mem_2_INIT", layout, true)
	tm.EqualizeCells(rm)
	e, err := j.encode(tm, rm)
	if err != nil {
		return nil, err
	}
	e.memory = concat(tm.Constraints(), rm.Constraints(), []expr.Bool{tm.AliasingFormula(), rm.AliasingFormula()})
	return e, nil
}

// encode builds both circuits over the given memories. Memory model
// constraints are left to the caller.
func (j *job) encode(tmem, rmem memory.Memory) (*encoding, error) {
	a := j.a
	t := symstate.New(a, "1_INIT", tmem)
	r := symstate.New(a, "2_INIT", rmem)
	e := &encoding{t: t, r: r, tmem: tmem, rmem: rmem}

	n := 0
	if j.assumeMem != nil {
		f, err := j.assumeMem.Formula(t, r, &n)
		switch {
		case err != nil && errors.Is(err, memory.ErrUnsupported) && tmem.Type() == memory.TypeTrivial:
			// dropping it only weakens the assumption
		case err != nil:
			return nil, errors.Wrap(err, "assumption")
		default:
			e.assume = append(e.assume, f)
		}
		for _, l := range j.assumeMem.Excluded {
			if l.Size < 1 || l.Size > 8 {
				return nil, errors.Errorf("excluded location %s: size must be 1 to 8 bytes", l)
			}
			s := t
			if l.IsRewrite {
				s = r
			}
			s.Deref = memory.DereferenceInfo{IsRewrite: l.IsRewrite, IsInvariant: true, InvariantNumber: n}
			w := uint16(8 * l.Size)
			s.Store(l.Mem, w, a.TmpBV(w))
			s.Deref = memory.DereferenceInfo{}
			n++
		}
	}
	f, err := j.assumeRest.Formula(t, r, &n)
	if err != nil {
		return nil, errors.Wrap(err, "assumption")
	}
	e.assume = append(e.assume, f)
	n++

	if err := j.circuit(e, t, j.tlines, len(j.ob.P), false); err != nil {
		return nil, errors.Wrap(err, "target")
	}
	if err := j.circuit(e, r, j.rlines, len(j.ob.Q), true); err != nil {
		return nil, errors.Wrap(err, "rewrite")
	}

	var dummy int
	for _, inv := range []invariant.Invariant{
		invariant.JumpInvariant(j.ob.Target, j.ob.P, j.ob.TargetEnd, false),
		invariant.JumpInvariant(j.ob.Rewrite, j.ob.Q, j.ob.RewriteEnd, true),
	} {
		f, err := inv.Formula(t, r, &dummy)
		if err != nil {
			return nil, err
		}
		e.circuit = append(e.circuit, f)
	}
	e.circuit = append(e.circuit, t.Constraints()...)
	e.circuit = append(e.circuit, r.Constraints()...)

	tf := symstate.NewVars(a, "1_FINAL")
	rf := symstate.NewVars(a, "2_FINAL")
	e.final = concat(tf.EqualityConstraints(t, x64.AllRegs()), rf.EqualityConstraints(r, x64.AllRegs()))

	p, err := j.proveRest.Formula(t, r, &n)
	if err != nil {
		return nil, errors.Wrap(err, "property")
	}
	e.proveNeg = p.Not()
	return e, nil
}

// circuit runs lines through the filter and pins the direction of every
// conditional jump except the one leaving the last block.
func (j *job) circuit(e *encoding, s *symstate.SymState, lines []cfg.Line, blocks int, isRewrite bool) error {
	for i := range lines {
		line := &lines[i]
		s.Deref = memory.DereferenceInfo{IsRewrite: isRewrite, LineNumber: line.Number}
		extra, err := j.Filter.Apply(&line.Instr, s)
		if err != nil {
			return errors.Wrapf(err, "line %d", line.Number)
		}
		e.circuit = append(e.circuit, extra...)
		if line.Instr.IsCondJump() && line.Jump != cfg.JumpNone && line.PathIndex != blocks-1 {
			pred := handler.ConditionPredicate(line.Instr.Cond, s)
			if line.Jump == cfg.FallThrough {
				pred = pred.Not()
			}
			e.circuit = append(e.circuit, pred)
		}
	}
	s.Deref = memory.DereferenceInfo{}
	return nil
}

// shortCircuit checks the path pair is feasible at all before memory is
// modeled. Unmodeled memory only admits more executions, so unsat here
// proves the obligation.
func (j *job) shortCircuit(e *encoding) (bool, error) {
	start := time.Now()
	sat, err := j.Solver.IsSat(j.ctx, concat(e.assume, e.circuit))
	if err != nil {
		j.entry.Debugf("short circuit check: %v", err)
		return false, nil
	}
	if sat {
		j.entry.Debug("couldn't take the short circuit without memory")
		return false, nil
	}
	j.res.GenTime = start.Sub(j.start)
	j.res.SmtTime = time.Since(start)
	j.verified("No memory short circuit")
	return true, nil
}

// memoryGoal is the condition under which the final memories violate the
// memory equality to prove.
func (j *job) memoryGoal(e *encoding) (expr.Bool, error) {
	a := j.a
	if j.proveMem == nil {
		return a.False(), nil
	}
	excluded := j.proveMem.ExcludedAddresses(e.t, e.r)
	th, tok := e.tmem.(memory.Heaped)
	rh, rok := e.rmem.(memory.Heaped)
	if tok && rok {
		tf, rf := th.Final(), rh.Final()
		if tf.IsNull() || rf.IsNull() {
			return expr.Bool{}, errors.New("final heap missing")
		}
		if len(excluded) == 0 {
			return tf.Eq(rf).Not(), nil
		}
		bad := a.TmpBV(64)
		conds := make([]expr.Bool, 0, len(excluded)+1)
		for _, x := range excluded {
			conds = append(conds, x.Ne(bad))
		}
		conds = append(conds, tf.Select(bad).Ne(rf.Select(bad)))
		return a.All(conds...), nil
	}
	if len(excluded) > 0 {
		return expr.Bool{}, errors.Errorf("%s memory cannot exclude locations", e.tmem.Type())
	}
	eq, err := e.tmem.EqualityConstraint(e.rmem)
	if err != nil {
		return expr.Bool{}, errors.Wrap(err, "property")
	}
	return eq.Not(), nil
}

// validate replays a counterexample. It is genuine when both sides run to
// the predicted end states, the start states meet the assumption and the
// end states break the property.
func (j *job) validate(ceg *cegStates) bool {
	outT, ok := j.replay("target", j.tlines, ceg.target, ceg.targetFinal)
	if !ok {
		return false
	}
	outR, ok := j.replay("rewrite", j.rlines, ceg.rewrite, ceg.rewriteFinal)
	if !ok {
		return false
	}
	if !j.ob.Assume.Check(ceg.target, ceg.rewrite) {
		j.entry.Debugf("counterexample does not meet %s", j.ob.Assume)
		return false
	}
	if j.ob.Prove.Check(outT, outR) {
		j.entry.Debugf("counterexample satisfies %s", j.ob.Prove)
		return false
	}
	return true
}

func (j *job) replay(name string, lines []cfg.Line, start, expected *cpustate.CpuState) (*cpustate.CpuState, bool) {
	sb := sandbox.NewSandbox()
	sb.InsertInput(start)
	res, err := sb.RunLines(lines, 0)
	if err != nil {
		j.entry.Debugf("replaying %s: %v", name, err)
		return nil, false
	}
	out := res.Output
	if out.Code != cpustate.Normal || res.Diverged {
		j.entry.Debugf("counterexample fails in sandbox for %s (%s, diverged %v)", name, out.Code, res.Diverged)
		if log.IsLevelEnabled(log.DebugLevel) {
			j.entry.Debugf("start state:\n%s", spew.Sdump(start))
		}
		return nil, false
	}
	if !expected.Equal(out, x64.AllRegs()) {
		j.entry.Debugf("counterexample differs in sandbox for %s:\n%s", name, cpustate.Diff(expected, out, x64.AllRegs()))
		return nil, false
	}
	return out, true
}
