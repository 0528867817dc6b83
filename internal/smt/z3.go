package smt

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/aclements/go-z3/z3"
	"github.com/pkg/errors"

	"bvcheck/internal/expr"
)

// Z3 is a Solver backed by z3. Each instance owns its own z3 context.
type Z3 struct {
	timeout time.Duration
	cfg     *z3.Config
	ctx     *z3.Context
	solver  *z3.Solver
	model   *z3.Model
	bvs     map[string]z3.BV
	bools   map[string]z3.Bool
	arrays  map[string]z3.Array
	funcs   map[string]z3.FuncDecl
}

func NewZ3() *Z3 {
	cfg := z3.NewContextConfig()
	ctx := z3.NewContext(cfg)
	return &Z3{
		timeout: DefaultTimeout,
		cfg:     cfg,
		ctx:     ctx,
		solver:  z3.NewSolver(ctx),
	}
}

func (s *Z3) Name() string {
	return "z3"
}

func (s *Z3) SetTimeout(d time.Duration) {
	s.timeout = d
}

func (s *Z3) Close() {
	s.model = nil
}

func (s *Z3) IsSat(ctx context.Context, constraints []expr.Bool) (bool, error) {
	s.solver.Reset()
	s.model = nil
	s.bvs = make(map[string]z3.BV)
	s.bools = make(map[string]z3.Bool)
	s.arrays = make(map[string]z3.Array)
	s.funcs = make(map[string]z3.FuncDecl)

	for _, c := range constraints {
		if c.IsNull() {
			continue
		}
		tr := &z3Translator{s: s, a: c.Arena(), cache: make(map[expr.ID]z3.Value)}
		v, err := tr.translate(c.ID())
		if err != nil {
			return false, errors.Wrap(err, "translate constraint")
		}
		s.solver.Assert(v.(z3.Bool))
	}

	var (
		sat bool
		err error
	)
	withTimeout(ctx, s.timeout, func() {
		sat, err = s.solver.Check()
	}, func() {
		s.ctx.Interrupt()
	})
	if err != nil {
		if strings.Contains(err.Error(), "canceled") || strings.Contains(err.Error(), "timeout") {
			return false, ErrTimeout
		}
		return false, errors.Wrap(ErrUnknown, err.Error())
	}
	if sat {
		s.model = s.solver.Model()
		if s.model == nil {
			return false, ErrNoModel
		}
	}
	return sat, nil
}

func parseZ3Const(v z3.Value) (*big.Int, error) {
	text := v.String()
	res := new(big.Int)
	var ok bool
	switch {
	case strings.HasPrefix(text, "#x"):
		_, ok = res.SetString(text[2:], 16)
	case strings.HasPrefix(text, "#b"):
		_, ok = res.SetString(text[2:], 2)
	}
	if !ok {
		return nil, errors.Errorf("z3: not a constant: %s", text)
	}
	return res, nil
}

func (s *Z3) ModelBV(name string, width uint16) (*big.Int, error) {
	if s.model == nil {
		return nil, ErrNoModel
	}
	v, ok := s.bvs[name]
	if !ok {
		return big.NewInt(0), nil
	}
	return parseZ3Const(s.model.Eval(v, true))
}

func (s *Z3) ModelBool(name string) (bool, error) {
	if s.model == nil {
		return false, ErrNoModel
	}
	v, ok := s.bools[name]
	if !ok {
		return false, nil
	}
	return s.model.Eval(v, true).String() == "true", nil
}

func (s *Z3) ModelArray(name string, keyWidth, valueWidth uint16, keys []*big.Int) (*expr.ArrayValue, error) {
	if s.model == nil {
		return nil, ErrNoModel
	}
	arr, ok := s.arrays[name]
	if !ok {
		return expr.NewArrayValue(big.NewInt(0)), nil
	}
	read := func(key *big.Int) (*big.Int, error) {
		k := s.ctx.FromBigInt(key, s.ctx.BVSort(int(keyWidth)))
		return parseZ3Const(s.model.Eval(arr.Select(k), true))
	}
	def, err := read(probeKey(keys, keyWidth))
	if err != nil {
		return nil, err
	}
	res := expr.NewArrayValue(def)
	for _, k := range keys {
		v, err := read(k)
		if err != nil {
			return nil, err
		}
		res.Set(k, v)
	}
	return res, nil
}

type z3Translator struct {
	s     *Z3
	a     *expr.Arena
	cache map[expr.ID]z3.Value
}

func (tr *z3Translator) bvSort(width uint16) z3.Sort {
	return tr.s.ctx.BVSort(int(width))
}

func (tr *z3Translator) translate(id expr.ID) (z3.Value, error) {
	if v, ok := tr.cache[id]; ok {
		return v, nil
	}
	n := tr.a.Node(id)
	if n.Kind == expr.KindForall {
		return nil, errors.New("z3: quantified formulas are not supported")
	}

	args := make([]z3.Value, len(n.Args))
	for i, arg := range n.Args {
		v, err := tr.translate(arg)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	bv := func(i int) z3.BV { return args[i].(z3.BV) }
	bl := func(i int) z3.Bool { return args[i].(z3.Bool) }
	ctx := tr.s.ctx

	var result z3.Value
	switch n.Kind {
	case expr.KindBVConst:
		result = ctx.FromBigInt(n.Value, tr.bvSort(n.Width))
	case expr.KindBVVar:
		v, ok := tr.s.bvs[n.Name]
		if !ok {
			v = ctx.Const(n.Name, tr.bvSort(n.Width)).(z3.BV)
			tr.s.bvs[n.Name] = v
		}
		result = v
	case expr.KindBoolVar:
		v, ok := tr.s.bools[n.Name]
		if !ok {
			v = ctx.Const(n.Name, ctx.BoolSort()).(z3.Bool)
			tr.s.bools[n.Name] = v
		}
		result = v
	case expr.KindArrayVar:
		v, ok := tr.s.arrays[n.Name]
		if !ok {
			v = ctx.Const(n.Name, ctx.ArraySort(tr.bvSort(n.Aux), tr.bvSort(n.Width))).(z3.Array)
			tr.s.arrays[n.Name] = v
		}
		result = v
	case expr.KindBVApply:
		f, ok := tr.s.funcs[n.Name]
		if !ok {
			dom := make([]z3.Sort, len(n.Args))
			for i, arg := range n.Args {
				dom[i] = tr.bvSort(tr.a.Node(arg).Width)
			}
			f = ctx.FuncDecl(n.Name, dom, tr.bvSort(n.Width))
			tr.s.funcs[n.Name] = f
		}
		result = f.Apply(args...)
	case expr.KindBoolConst:
		result = ctx.FromBool(n.Value.Sign() != 0)
	case expr.KindBVExtract:
		result = bv(0).Extract(int(n.Aux+n.Width-1), int(n.Aux))
	case expr.KindBVConcat:
		result = bv(0).Concat(bv(1))
	case expr.KindBVZeroExt:
		result = bv(0).ZeroExtend(int(n.Width - tr.a.Node(n.Args[0]).Width))
	case expr.KindBVSignExt:
		result = bv(0).SignExtend(int(n.Width - tr.a.Node(n.Args[0]).Width))
	case expr.KindBVNot:
		result = bv(0).Not()
	case expr.KindBVNeg:
		result = bv(0).Neg()
	case expr.KindBVAdd:
		result = bv(0).Add(bv(1))
	case expr.KindBVSub:
		result = bv(0).Sub(bv(1))
	case expr.KindBVMul:
		result = bv(0).Mul(bv(1))
	case expr.KindBVUDiv:
		result = bv(0).UDiv(bv(1))
	case expr.KindBVSDiv:
		result = bv(0).SDiv(bv(1))
	case expr.KindBVURem:
		result = bv(0).URem(bv(1))
	case expr.KindBVSRem:
		result = bv(0).SRem(bv(1))
	case expr.KindBVAnd:
		result = bv(0).And(bv(1))
	case expr.KindBVOr:
		result = bv(0).Or(bv(1))
	case expr.KindBVXor:
		result = bv(0).Xor(bv(1))
	case expr.KindBVShl:
		result = bv(0).Lsh(bv(1))
	case expr.KindBVLshr:
		result = bv(0).URsh(bv(1))
	case expr.KindBVAshr:
		result = bv(0).SRsh(bv(1))
	case expr.KindBVIte, expr.KindBoolIte:
		result = bl(0).IfThenElse(args[1], args[2])
	case expr.KindBVSelect:
		result = args[0].(z3.Array).Select(args[1])
	case expr.KindArrayStore:
		result = args[0].(z3.Array).Store(args[1], args[2])
	case expr.KindBoolNot:
		result = bl(0).Not()
	case expr.KindBoolAnd:
		result = bl(0).And(bl(1))
	case expr.KindBoolOr:
		result = bl(0).Or(bl(1))
	case expr.KindBoolXor:
		result = bl(0).Xor(bl(1))
	case expr.KindBoolImplies:
		result = bl(0).Implies(bl(1))
	case expr.KindBoolIff:
		result = bl(0).Iff(bl(1))
	case expr.KindBVEq:
		result = bv(0).Eq(bv(1))
	case expr.KindBVULt:
		result = bv(0).ULT(bv(1))
	case expr.KindBVULe:
		result = bv(0).ULE(bv(1))
	case expr.KindBVUGt:
		result = bv(0).UGT(bv(1))
	case expr.KindBVUGe:
		result = bv(0).UGE(bv(1))
	case expr.KindBVSLt:
		result = bv(0).SLT(bv(1))
	case expr.KindBVSLe:
		result = bv(0).SLE(bv(1))
	case expr.KindBVSGt:
		result = bv(0).SGT(bv(1))
	case expr.KindBVSGe:
		result = bv(0).SGE(bv(1))
	case expr.KindArrayEq:
		result = args[0].(z3.Array).Eq(args[1].(z3.Array))
	default:
		return nil, errors.Errorf("z3: unsupported node %s", n.Kind)
	}
	tr.cache[id] = result
	return result, nil
}
