package validator

import (
	log "github.com/sirupsen/logrus"

	"bvcheck/internal/cfg"
	"bvcheck/internal/checker"
	"bvcheck/internal/cpustate"
	"bvcheck/internal/sandbox"
)

type pathKey struct {
	p, q string
}

// learned maps each pair of paths to the testcases that run along it.
type learned map[pathKey][]*cpustate.CpuState

func (l learned) pair(p, q cfg.Path) []checker.Testcase {
	var out []checker.Testcase
	for _, cs := range l[pathKey{p.String(), q.String()}] {
		out = append(out, checker.Testcase{Target: cs.Clone(), Rewrite: cs.Clone()})
	}
	return out
}

// learn runs random inputs through both programs and records the path each
// takes. Inputs that fault, or whose paths leave the bound, are dropped.
func (v *Validator) learn(target, rewrite *cfg.Cfg) learned {
	out := make(learned)
	gen := sandbox.NewStateGen(v.opts.Seed)
	kept := 0
	for i := 0; i < v.opts.Testcases; i++ {
		cs := cpustate.New()
		if err := gen.GetCfg(cs, target, false); err != nil {
			log.Debugf("testcase %d: %v", i, err)
			continue
		}
		// the rewrite may need memory the target never touched
		if err := gen.GetCfg(cs, rewrite, true); err != nil {
			log.Debugf("testcase %d: %v", i, err)
			continue
		}
		p, ok := v.pathOf(target, cs)
		if !ok {
			continue
		}
		q, ok := v.pathOf(rewrite, cs)
		if !ok {
			continue
		}
		key := pathKey{p.String(), q.String()}
		out[key] = append(out[key], cs)
		kept++
	}
	log.Debugf("learned paths from %d of %d testcases", kept, v.opts.Testcases)
	return out
}

func (v *Validator) pathOf(c *cfg.Cfg, cs *cpustate.CpuState) (cfg.Path, bool) {
	sb := sandbox.NewSandbox()
	sb.InsertInput(cs)
	res, err := sb.RunCfg(c, 0)
	if err != nil || res.Output.Code != cpustate.Normal {
		return nil, false
	}
	counts := make(map[cfg.BlockID]int)
	for _, b := range res.Path {
		counts[b]++
		if counts[b] > v.opts.Bound {
			return nil, false
		}
	}
	return res.Path, true
}
