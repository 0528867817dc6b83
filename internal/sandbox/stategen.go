package sandbox

import (
	"math/rand"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"bvcheck/internal/cfg"
	"bvcheck/internal/cpustate"
	"bvcheck/internal/x64"
)

var ErrNoState = errors.New("could not generate a fault free state")

const (
	DefaultMaxAttempts = 16
	DefaultMaxMemory   = 1 << 16
	DefaultStackSize   = 256
)

// StateGen produces inputs on which code runs without faulting. It patches
// the memory layout of a state by allocating every range an access faults
// on, and falls back to a fresh random state when patching fails.
type StateGen struct {
	MaxAttempts int
	// bytes of valid memory a state may hold
	MaxMemory int
	StackSize int

	rand *rand.Rand
}

func NewStateGen(seed int64) *StateGen {
	return &StateGen{
		MaxAttempts: DefaultMaxAttempts,
		MaxMemory:   DefaultMaxMemory,
		StackSize:   DefaultStackSize,
		rand:        rand.New(rand.NewSource(seed)),
	}
}

// Randomize gives cs random registers and flags and a random stack right
// below a high %rsp.
func (g *StateGen) Randomize(cs *cpustate.CpuState) {
	for r := range cs.GP {
		cs.GP[r] = g.rand.Uint64()
	}
	for f := range cs.Flags {
		cs.Flags[f] = g.rand.Intn(2) == 1
	}
	rsp := g.rand.Uint64() &^ 0xff00_0000_0000_00ff
	rsp |= uint64(g.rand.Intn(250)+1) << 56
	cs.GP[x64.RSP] = rsp
	cs.Code = cpustate.Normal
	cs.Segments = nil
	g.allocate(cs, rsp-uint64(g.StackSize), g.StackSize)
}

// allocate maps [addr, addr+size) and fills bytes that were not valid yet
// with random values.
func (g *StateGen) allocate(cs *cpustate.CpuState, addr uint64, size int) {
	fresh := make(map[uint64]bool)
	for i := 0; i < size; i++ {
		if _, ok := cs.ReadByte(addr + uint64(i)); !ok {
			fresh[addr+uint64(i)] = true
		}
	}
	cs.Allocate(addr, size)
	for a := range fresh {
		cs.Write(a, 1, uint64(g.rand.Intn(256)))
	}
}

// fix allocates the range the run faulted on.
func (g *StateGen) fix(cs *cpustate.CpuState, res *Result) bool {
	if res.Output.Code != cpustate.SigSegv || res.FaultSize == 0 {
		return false
	}
	if res.FaultAddr+uint64(res.FaultSize) < res.FaultAddr {
		return false
	}
	if len(cs.ValidBytes())+res.FaultSize > g.MaxMemory {
		return false
	}
	if cs.IsValid(res.FaultAddr, res.FaultSize) {
		return false
	}
	g.allocate(cs, res.FaultAddr, res.FaultSize)
	return true
}

func (g *StateGen) get(cs *cpustate.CpuState, noRandomize bool, budget int, run func(sb *Sandbox) (*Result, error)) error {
	if !noRandomize {
		g.Randomize(cs)
	}
	fixes := 0
	for attempt := 0; attempt < g.MaxAttempts; {
		sb := NewSandbox()
		sb.InsertInput(cs)
		res, err := run(sb)
		if err != nil {
			return err
		}
		if res.Output.Code == cpustate.Normal {
			return nil
		}
		if fixes < budget && g.fix(cs, res) {
			fixes++
			continue
		}
		attempt++
		if noRandomize {
			return errors.Wrapf(ErrNoState, "run ends with %s at line %d", res.Output.Code, res.FaultLine)
		}
		log.Debugf("stategen: attempt %d ends with %s, starting over", attempt, res.Output.Code)
		g.Randomize(cs)
		fixes = 0
	}
	return errors.Wrapf(ErrNoState, "max attempts (%d) exceeded", g.MaxAttempts)
}

// Get makes cs run lines without faulting. With noRandomize the registers
// of cs are kept and only memory is added.
func (g *StateGen) Get(cs *cpustate.CpuState, lines []cfg.Line, noRandomize bool) error {
	return g.get(cs, noRandomize, 4*len(lines)+16, func(sb *Sandbox) (*Result, error) {
		return sb.RunLines(lines, 0)
	})
}

// GetCfg is Get for a whole program.
func (g *StateGen) GetCfg(cs *cpustate.CpuState, c *cfg.Cfg, noRandomize bool) error {
	return g.get(cs, noRandomize, 4*len(c.Code)+16, func(sb *Sandbox) (*Result, error) {
		return sb.RunCfg(c, 0)
	})
}
