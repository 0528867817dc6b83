// Package validator checks that a rewrite computes what a target computes on
// every pair of bounded paths through the two programs.
package validator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"bvcheck/internal/cfg"
	"bvcheck/internal/checker"
	"bvcheck/internal/handler"
	"bvcheck/internal/invariant"
	"bvcheck/internal/memory"
	"bvcheck/internal/smt"
	"bvcheck/internal/x64"
)

// ErrRejected marks programs the validator refuses to compare.
var ErrRejected = errors.New("programs rejected")

type Options struct {
	Bound      int
	Strategies []memory.Type
	Solver     string
	Timeout    time.Duration
	Workers    int
	// random testcases used to learn which paths run
	Testcases int
	Seed      int64
	Nacl      bool
	// model multiplication with uninterpreted functions
	UninterpretedMul     bool
	CheckCounterexamples bool
}

func DefaultOptions() Options {
	return Options{
		Bound:                2,
		Strategies:           []memory.Type{memory.TypeFlat, memory.TypeARM},
		Solver:               "yices",
		Timeout:              time.Minute,
		Workers:              4,
		Testcases:            16,
		Seed:                 1,
		CheckCounterexamples: true,
	}
}

// PairResult holds the attempts made on one path pair, one per strategy
// tried, in order.
type PairResult struct {
	P, Q     cfg.Path
	Attempts []*checker.Result
}

// Final is the last attempt, the one that decides the pair.
func (pr *PairResult) Final() *checker.Result {
	if len(pr.Attempts) == 0 {
		return nil
	}
	return pr.Attempts[len(pr.Attempts)-1]
}

type Verdict struct {
	Verified bool
	// first genuine counterexample in pair order, nil when none
	Counterexample *checker.Result
	HasError       bool
	ErrorMessage   string
	Pairs          []*PairResult
	Elapsed        time.Duration
}

// Hook observes each path pair once it is decided. Hooks may run
// concurrently.
type Hook func(*PairResult)

type Validator struct {
	opts    Options
	handler handler.Handler
	hooks   []Hook
}

func New(opts Options) *Validator {
	h := handler.NewSimpleHandler()
	h.UninterpretedMul = opts.UninterpretedMul
	if opts.Bound < 1 {
		opts.Bound = 1
	}
	if len(opts.Strategies) == 0 {
		opts.Strategies = DefaultOptions().Strategies
	}
	if opts.Workers > 1 && (opts.Solver == "" || opts.Solver == "yices") {
		log.Warnf("yices runs one query at a time across all %d workers; use z3 for parallel solving", opts.Workers)
	}
	return &Validator{opts: opts, handler: h}
}

func (v *Validator) AddHook(h Hook) {
	v.hooks = append(v.hooks, h)
}

func (v *Validator) filter() handler.Filter {
	if v.opts.Nacl {
		return handler.NewNaclFilter(v.handler)
	}
	return handler.NewDefaultFilter(v.handler)
}

// background rejects programs with unsupported instructions or mismatched
// interfaces.
func (v *Validator) background(target, rewrite *cfg.Cfg) error {
	for _, side := range []struct {
		name string
		c    *cfg.Cfg
	}{{"target", target}, {"rewrite", rewrite}} {
		for i := range side.c.Code {
			instr := &side.c.Code[i]
			if instr.IsLabel() || instr.IsJump() || instr.IsReturn() {
				continue
			}
			if !v.handler.Supported(instr) {
				return errors.Wrapf(ErrRejected, "%s: instruction %s is unsupported", side.name, instr)
			}
		}
	}
	if !target.DefIns.Equal(rewrite.DefIns) {
		return errors.Wrapf(ErrRejected, "target def-ins %s do not match rewrite def-ins %s", target.DefIns, rewrite.DefIns)
	}
	if !target.LiveOuts.Equal(rewrite.LiveOuts) {
		return errors.Wrapf(ErrRejected, "target live-outs %s do not match rewrite live-outs %s", target.LiveOuts, rewrite.LiveOuts)
	}
	return nil
}

// Verify checks every pair of bounded paths. The returned error is set only
// when the programs are rejected up front or ctx ends; problems on a pair are
// reported in the verdict.
func (v *Validator) Verify(ctx context.Context, target, rewrite *cfg.Cfg) (*Verdict, error) {
	start := time.Now()
	if err := v.background(target, rewrite); err != nil {
		return nil, err
	}

	tpaths := cfg.EnumeratePaths(target, v.opts.Bound)
	rpaths := cfg.EnumeratePaths(rewrite, v.opts.Bound)
	log.Infof("bound %d: %d target paths, %d rewrite paths", v.opts.Bound, len(tpaths), len(rpaths))

	learned := v.learn(target, rewrite)

	assume := invariant.NewConjunction(invariant.NewStateEquality(target.DefIns), invariant.NewMemoryEquality())
	prove := invariant.NewConjunction(invariant.NewStateEquality(target.LiveOuts), invariant.NewMemoryEquality())

	verdict := &Verdict{Pairs: make([]*PairResult, 0, len(tpaths)*len(rpaths))}
	var obs []*checker.Obligation
	for _, p := range tpaths {
		for _, q := range rpaths {
			obs = append(obs, &checker.Obligation{
				Target:     target,
				Rewrite:    rewrite,
				TargetEnd:  cfg.Exit,
				RewriteEnd: cfg.Exit,
				P:          p,
				Q:          q,
				Assume:     assume,
				Prove:      prove,
				Testcases:  learned.pair(p, q),
			})
			verdict.Pairs = append(verdict.Pairs, &PairResult{P: p, Q: q})
		}
	}

	chain, err := v.checkers()
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, ac := range chain {
			_ = ac.Close()
		}
	}()
	stop := context.AfterFunc(ctx, func() {
		for _, ac := range chain {
			ac.Stop()
		}
	})
	defer stop()

	var (
		mu     sync.Mutex
		submit func(k, i int)
	)
	// a pair that gets no verdict under strategy k moves on to checker k+1
	submit = func(k, i int) {
		chain[k].Check(ctx, obs[i], func(res *checker.Result) {
			pr := verdict.Pairs[i]
			mu.Lock()
			pr.Attempts = append(pr.Attempts, res)
			mu.Unlock()
			if (res.HasError || res.Spurious) && k+1 < len(chain) && ctx.Err() == nil {
				log.WithFields(log.Fields{"P": pr.P, "Q": pr.Q}).
					Infof("%s gave no verdict (%s), trying the next strategy", res.Strategy, summary(res))
				submit(k+1, i)
				return
			}
			for _, h := range v.hooks {
				h(pr)
			}
		})
	}
	for i := range obs {
		submit(0, i)
	}
	// checker k+1 only receives work from the callbacks of checker k
	for _, ac := range chain {
		ac.BlockUntilComplete()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	verdict.Verified = true
	for _, pr := range verdict.Pairs {
		res := pr.Final()
		if res.Verified {
			continue
		}
		verdict.Verified = false
		if res.HasCeg && verdict.Counterexample == nil {
			verdict.Counterexample = res
		}
		if res.HasError && !verdict.HasError {
			verdict.HasError = true
			verdict.ErrorMessage = fmt.Sprintf("pair %s/%s: %s", pr.P, pr.Q, res.ErrorMessage)
		}
	}
	verdict.Elapsed = time.Since(start)
	log.Infof("checked %d path pairs in %s, verified: %t", len(verdict.Pairs), verdict.Elapsed, verdict.Verified)
	return verdict, nil
}

// checkers builds one queued checker per strategy, each with its own
// workers and solvers.
func (v *Validator) checkers() ([]*checker.AsyncChecker, error) {
	var chain []*checker.AsyncChecker
	for _, strategy := range v.opts.Strategies {
		strategy := strategy
		ac, err := checker.NewAsyncChecker(v.opts.Workers, func() (*checker.SmtChecker, error) {
			s, err := smt.New(v.opts.Solver)
			if err != nil {
				return nil, err
			}
			if v.opts.Timeout > 0 {
				s.SetTimeout(v.opts.Timeout)
			}
			c := checker.NewSmtChecker(s, v.filter(), strategy)
			c.CheckCounterexamples = v.opts.CheckCounterexamples
			c.Seed = v.opts.Seed
			return c, nil
		})
		if err != nil {
			for _, ac := range chain {
				_ = ac.Close()
			}
			return nil, errors.Wrapf(err, "%s checker", strategy)
		}
		chain = append(chain, ac)
	}
	return chain, nil
}

func summary(res *checker.Result) string {
	if res.HasError {
		return "error: " + res.ErrorMessage
	}
	return "spurious counterexample"
}

// SameInterface builds both cfgs with one set of def-ins and live-outs.
func SameInterface(target, rewrite x64.Code, defIns, liveOuts x64.RegSet) (*cfg.Cfg, *cfg.Cfg, error) {
	tc, err := cfg.New(target, defIns, liveOuts)
	if err != nil {
		return nil, nil, errors.Wrap(err, "target")
	}
	rc, err := cfg.New(rewrite, defIns, liveOuts)
	if err != nil {
		return nil, nil, errors.Wrap(err, "rewrite")
	}
	return tc, rc, nil
}
