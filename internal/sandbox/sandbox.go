// Package sandbox runs programs of the supported x64 subset on concrete
// states and generates inputs that run without faulting.
package sandbox

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"bvcheck/internal/cfg"
	"bvcheck/internal/cpustate"
	"bvcheck/internal/memory"
)

const DefaultMaxSteps = 10000

// BeforeFunc observes the state right before line executes.
type BeforeFunc func(line cfg.Line, cs *cpustate.CpuState)

type Result struct {
	Output *cpustate.CpuState
	// blocks visited, for runs over a whole cfg
	Path cfg.Path
	// a conditional jump went the other way than the line map says
	Diverged bool
	// line number of the faulting access, -1 when none
	FaultLine int
	FaultAddr uint64
	FaultSize int
	Steps     int
}

type Sandbox struct {
	MaxSteps int

	inputs  []*cpustate.CpuState
	results []*Result
	before  []BeforeFunc
}

func NewSandbox() *Sandbox {
	return &Sandbox{MaxSteps: DefaultMaxSteps}
}

// InsertInput queues a copy of cs.
func (sb *Sandbox) InsertInput(cs *cpustate.CpuState) {
	sb.inputs = append(sb.inputs, cs.Clone())
	sb.results = append(sb.results, nil)
}

func (sb *Sandbox) NumInputs() int {
	return len(sb.inputs)
}

func (sb *Sandbox) ClearInputs() {
	sb.inputs = nil
	sb.results = nil
}

func (sb *Sandbox) InsertBefore(f BeforeFunc) {
	sb.before = append(sb.before, f)
}

func (sb *Sandbox) ClearCallbacks() {
	sb.before = nil
}

// Output returns the result of the last run on input i.
func (sb *Sandbox) Output(i int) *Result {
	if i < 0 || i >= len(sb.results) {
		return nil
	}
	return sb.results[i]
}

func (sb *Sandbox) input(i int) (*cpustate.CpuState, error) {
	if i < 0 || i >= len(sb.inputs) {
		return nil, errors.Errorf("no input %d", i)
	}
	return sb.inputs[i].Clone(), nil
}

func (sb *Sandbox) maxSteps() int {
	if sb.MaxSteps <= 0 {
		return DefaultMaxSteps
	}
	return sb.MaxSteps
}

// execute runs one line and reports whether a jump is taken. A fault ends
// the run with SIGSEGV.
func (sb *Sandbox) execute(line cfg.Line, m *machine, res *Result) (bool, bool) {
	for _, f := range sb.before {
		f(line, m.cs)
	}
	taken := m.step(&line.Instr)
	res.Steps++
	if m.fault != nil {
		m.cs.Code = cpustate.SigSegv
		res.FaultLine = line.Number
		res.FaultAddr = m.fault.addr
		res.FaultSize = m.fault.size
		return taken, false
	}
	return taken, true
}

// RunCfg executes c from its entry on input i and records the block path.
func (sb *Sandbox) RunCfg(c *cfg.Cfg, i int) (*Result, error) {
	cs, err := sb.input(i)
	if err != nil {
		return nil, err
	}
	m := &machine{cs: cs}
	res := &Result{Output: cs, FaultLine: -1}
	sb.results[i] = res

	id := c.Entry()
	for id != cfg.Exit {
		res.Path = append(res.Path, id)
		b := c.Block(id)
		next := b.Succs[0]
		for idx := b.Start; idx < b.End; idx++ {
			if res.Steps >= sb.maxSteps() {
				cs.Code = cpustate.SigAlrm
				return res, nil
			}
			instr := c.Code[idx]
			if instr.IsLabel() || instr.IsNop() {
				continue
			}
			if instr.IsReturn() {
				next = cfg.Exit
				break
			}
			line := cfg.Line{Instr: instr, Number: res.Steps, Index: idx, Block: id, PathIndex: len(res.Path) - 1}
			taken, ok := sb.execute(line, m, res)
			if !ok {
				return res, nil
			}
			if taken {
				target, found := c.LabelBlock(instr.Target())
				if !found {
					return nil, errors.Errorf("undefined label %s", instr.Target())
				}
				next = target
			}
		}
		id = next
	}
	return res, nil
}

// RunLines executes an unrolled path on input i. Conditional jumps are
// evaluated and compared against the direction each line records.
func (sb *Sandbox) RunLines(lines []cfg.Line, i int) (*Result, error) {
	cs, err := sb.input(i)
	if err != nil {
		return nil, err
	}
	m := &machine{cs: cs}
	res := &Result{Output: cs, FaultLine: -1}
	sb.results[i] = res

	for _, line := range lines {
		if res.Steps >= sb.maxSteps() {
			cs.Code = cpustate.SigAlrm
			return res, nil
		}
		taken, ok := sb.execute(line, m, res)
		if !ok {
			return res, nil
		}
		if line.Instr.IsCondJump() && line.Jump != cfg.JumpNone {
			if taken != (line.Jump == cfg.JumpTaken) {
				log.Debugf("sandbox: line %d (%s) diverges from %s", line.Number, line.Instr.String(), line.Jump)
				res.Diverged = true
			}
		}
	}
	return res, nil
}

// TraceDereferences runs lines on in and records the address every memory
// operand touches, keyed by its dereference site.
func TraceDereferences(lines []cfg.Line, isRewrite bool, in *cpustate.CpuState) (memory.DereferenceMap, *Result, error) {
	dm := make(memory.DereferenceMap)
	sb := NewSandbox()
	sb.InsertInput(in)
	sb.InsertBefore(func(line cfg.Line, cs *cpustate.CpuState) {
		if mem, ok := line.Instr.MemOperand(); ok {
			di := memory.DereferenceInfo{IsRewrite: isRewrite, LineNumber: line.Number}
			dm[di] = mem.Address(&cs.GP)
		}
	})
	res, err := sb.RunLines(lines, 0)
	if err != nil {
		return nil, nil, err
	}
	return dm, res, nil
}
