package smt

import (
	"context"
	"math/big"
	"sync"
	"time"

	yices2 "github.com/ianamason/yices2_go_bindings/yices_api"
	"github.com/pkg/errors"

	"bvcheck/internal/expr"
)

// yices keeps one process-wide term table, so every call into the library
// goes through this lock.
var yicesMu sync.Mutex

// Yices is a Solver backed by yices2. yices2.Init must have been called.
type Yices struct {
	timeout  time.Duration
	ctx      yices2.ContextT
	hasCtx   bool
	model    *yices2.ModelT
	bvs      map[string]yices2.TermT
	bools    map[string]yices2.TermT
	arrays   map[string]yices2.TermT
	funcs    map[string]yices2.TermT
	typeMemo map[uint32]yices2.TypeT
}

func NewYices() *Yices {
	return &Yices{
		timeout:  DefaultTimeout,
		typeMemo: make(map[uint32]yices2.TypeT),
	}
}

func (y *Yices) Name() string {
	return "yices"
}

func (y *Yices) SetTimeout(d time.Duration) {
	y.timeout = d
}

func (y *Yices) release() {
	if y.model != nil {
		yices2.CloseModel(y.model)
		y.model = nil
	}
	if y.hasCtx {
		yices2.CloseContext(&y.ctx)
		y.hasCtx = false
	}
}

func (y *Yices) Close() {
	yicesMu.Lock()
	defer yicesMu.Unlock()
	y.release()
}

func (y *Yices) IsSat(ctx context.Context, constraints []expr.Bool) (bool, error) {
	yicesMu.Lock()
	defer yicesMu.Unlock()

	y.release()
	y.bvs = make(map[string]yices2.TermT)
	y.bools = make(map[string]yices2.TermT)
	y.arrays = make(map[string]yices2.TermT)
	y.funcs = make(map[string]yices2.TermT)

	terms := make([]yices2.TermT, 0, len(constraints))
	for _, c := range constraints {
		if c.IsNull() {
			continue
		}
		tr := &yicesTranslator{y: y, a: c.Arena(), cache: make(map[expr.ID]yices2.TermT)}
		term, err := tr.translate(c.ID())
		if err != nil {
			return false, errors.Wrap(err, "translate constraint")
		}
		terms = append(terms, term)
	}

	yices2.InitContext(yices2.ConfigT{}, &y.ctx)
	y.hasCtx = true
	if errcode := yices2.AssertFormulas(y.ctx, terms); errcode < 0 {
		return false, errors.Errorf("yices assert: %s", yices2.ErrorString())
	}

	var status yices2.SmtStatusT
	withTimeout(ctx, y.timeout, func() {
		status = yices2.CheckContext(y.ctx, yices2.ParamT{})
	}, func() {
		yices2.StopSearch(y.ctx)
	})

	switch status {
	case yices2.StatusSat:
		y.model = yices2.GetModel(y.ctx, 1)
		if y.model == nil {
			return false, errors.Wrap(ErrNoModel, yices2.ErrorString())
		}
		return true, nil
	case yices2.StatusUnsat:
		return false, nil
	case yices2.StatusInterrupted:
		return false, ErrTimeout
	case yices2.StatusError:
		return false, errors.Errorf("yices check: %s", yices2.ErrorString())
	}
	return false, ErrUnknown
}

func (y *Yices) ModelBV(name string, width uint16) (*big.Int, error) {
	yicesMu.Lock()
	defer yicesMu.Unlock()
	if y.model == nil {
		return nil, ErrNoModel
	}
	term, ok := y.bvs[name]
	if !ok {
		return big.NewInt(0), nil
	}
	return y.bvValue(term, width)
}

func (y *Yices) ModelBool(name string) (bool, error) {
	yicesMu.Lock()
	defer yicesMu.Unlock()
	if y.model == nil {
		return false, ErrNoModel
	}
	term, ok := y.bools[name]
	if !ok {
		return false, nil
	}
	var val int32
	if errcode := yices2.GetBoolValue(*y.model, term, &val); errcode != 0 {
		return false, errors.Errorf("yices bool value %s: %s", name, yices2.ErrorString())
	}
	return val != 0, nil
}

func (y *Yices) ModelArray(name string, keyWidth, valueWidth uint16, keys []*big.Int) (*expr.ArrayValue, error) {
	yicesMu.Lock()
	defer yicesMu.Unlock()
	if y.model == nil {
		return nil, ErrNoModel
	}
	fun, ok := y.arrays[name]
	if !ok {
		return expr.NewArrayValue(big.NewInt(0)), nil
	}
	read := func(key *big.Int) (*big.Int, error) {
		app := yices2.Application1(fun, bvConst(key, keyWidth))
		return y.bvValue(app, valueWidth)
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

func (y *Yices) bvValue(term yices2.TermT, width uint16) (*big.Int, error) {
	bits := make([]int32, width)
	if errcode := yices2.GetBvValue(*y.model, term, bits); errcode != 0 {
		return nil, errors.Errorf("yices bv value: %s", yices2.ErrorString())
	}
	return fromBits(bits), nil
}

func (y *Yices) bvType(width uint16) yices2.TypeT {
	if t, ok := y.typeMemo[uint32(width)]; ok {
		return t
	}
	t := yices2.BvType(uint32(width))
	y.typeMemo[uint32(width)] = t
	return t
}

// bvConst builds a constant from the little-endian bit array yices expects.
func bvConst(v *big.Int, width uint16) yices2.TermT {
	bits := make([]int32, width)
	for i := range bits {
		bits[i] = int32(v.Bit(i))
	}
	return yices2.BvconstFromArray(bits)
}

func fromBits(bits []int32) *big.Int {
	res := new(big.Int)
	for i := len(bits) - 1; i >= 0; i-- {
		res.Lsh(res, 1)
		if bits[i] == 1 {
			res.SetBit(res, 0, 1)
		}
	}
	return res
}

type yicesTranslator struct {
	y     *Yices
	a     *expr.Arena
	cache map[expr.ID]yices2.TermT
}

func (tr *yicesTranslator) translate(id expr.ID) (yices2.TermT, error) {
	if t, ok := tr.cache[id]; ok {
		return t, nil
	}
	n := tr.a.Node(id)

	if n.Kind == expr.KindForall {
		vars := make([]yices2.TermT, 0, len(n.Args)-1)
		for _, v := range n.Args[1:] {
			vn := tr.a.Node(v)
			bound := yices2.NewVariable(tr.y.bvType(vn.Width))
			tr.cache[v] = bound
			vars = append(vars, bound)
		}
		body, err := tr.translate(n.Args[0])
		if err != nil {
			return yices2.NullTerm, err
		}
		t := yices2.Forall(vars, body)
		tr.cache[id] = t
		return t, nil
	}

	args := make([]yices2.TermT, len(n.Args))
	for i, arg := range n.Args {
		t, err := tr.translate(arg)
		if err != nil {
			return yices2.NullTerm, err
		}
		args[i] = t
	}

	var t yices2.TermT
	switch n.Kind {
	case expr.KindBVConst:
		t = bvConst(n.Value, n.Width)
	case expr.KindBVVar:
		t = tr.variable(tr.y.bvs, n.Name, tr.y.bvType(n.Width))
	case expr.KindBoolVar:
		t = tr.variable(tr.y.bools, n.Name, yices2.BoolType())
	case expr.KindArrayVar:
		t = tr.variable(tr.y.arrays, n.Name, yices2.FunctionType1(tr.y.bvType(n.Aux), tr.y.bvType(n.Width)))
	case expr.KindBVApply:
		fun, ok := tr.y.funcs[n.Name]
		if !ok {
			dom := make([]yices2.TypeT, len(n.Args))
			for i, arg := range n.Args {
				dom[i] = tr.y.bvType(tr.a.Node(arg).Width)
			}
			fun = yices2.NewUninterpretedTerm(yices2.FunctionType(dom, tr.y.bvType(n.Width)))
			yices2.SetTermName(fun, n.Name)
			tr.y.funcs[n.Name] = fun
		}
		t = yices2.Application(fun, args)
	case expr.KindBoolConst:
		if n.Value.Sign() != 0 {
			t = yices2.True()
		} else {
			t = yices2.False()
		}
	case expr.KindBVExtract:
		t = yices2.Bvextract(args[0], uint32(n.Aux), uint32(n.Aux+n.Width-1))
	case expr.KindBVConcat:
		t = yices2.Bvconcat2(args[0], args[1])
	case expr.KindBVZeroExt:
		t = yices2.ZeroExtend(args[0], uint32(n.Width-tr.a.Node(n.Args[0]).Width))
	case expr.KindBVSignExt:
		t = yices2.SignExtend(args[0], uint32(n.Width-tr.a.Node(n.Args[0]).Width))
	case expr.KindBVNot:
		t = yices2.Bvnot(args[0])
	case expr.KindBVNeg:
		t = yices2.Bvneg(args[0])
	case expr.KindBVAdd:
		t = yices2.Bvadd(args[0], args[1])
	case expr.KindBVSub:
		t = yices2.Bvsub(args[0], args[1])
	case expr.KindBVMul:
		t = yices2.Bvmul(args[0], args[1])
	case expr.KindBVUDiv:
		t = yices2.Bvdiv(args[0], args[1])
	case expr.KindBVSDiv:
		t = yices2.Bvsdiv(args[0], args[1])
	case expr.KindBVURem:
		t = yices2.Bvrem(args[0], args[1])
	case expr.KindBVSRem:
		t = yices2.Bvsrem(args[0], args[1])
	case expr.KindBVAnd:
		t = yices2.Bvand2(args[0], args[1])
	case expr.KindBVOr:
		t = yices2.Bvor2(args[0], args[1])
	case expr.KindBVXor:
		t = yices2.Bvxor2(args[0], args[1])
	case expr.KindBVShl:
		t = yices2.Bvshl(args[0], args[1])
	case expr.KindBVLshr:
		t = yices2.Bvlshr(args[0], args[1])
	case expr.KindBVAshr:
		t = yices2.Bvashr(args[0], args[1])
	case expr.KindBVIte, expr.KindBoolIte:
		t = yices2.Ite(args[0], args[1], args[2])
	case expr.KindBVSelect:
		t = yices2.Application1(args[0], args[1])
	case expr.KindArrayStore:
		t = yices2.Update1(args[0], args[1], args[2])
	case expr.KindBoolNot:
		t = yices2.Not(args[0])
	case expr.KindBoolAnd:
		t = yices2.And2(args[0], args[1])
	case expr.KindBoolOr:
		t = yices2.Or2(args[0], args[1])
	case expr.KindBoolXor:
		t = yices2.Xor2(args[0], args[1])
	case expr.KindBoolImplies:
		t = yices2.Implies(args[0], args[1])
	case expr.KindBoolIff:
		t = yices2.Iff(args[0], args[1])
	case expr.KindBVEq:
		t = yices2.BveqAtom(args[0], args[1])
	case expr.KindBVULt:
		t = yices2.BvltAtom(args[0], args[1])
	case expr.KindBVULe:
		t = yices2.BvleAtom(args[0], args[1])
	case expr.KindBVUGt:
		t = yices2.BvgtAtom(args[0], args[1])
	case expr.KindBVUGe:
		t = yices2.BvgeAtom(args[0], args[1])
	case expr.KindBVSLt:
		t = yices2.BvsltAtom(args[0], args[1])
	case expr.KindBVSLe:
		t = yices2.BvsleAtom(args[0], args[1])
	case expr.KindBVSGt:
		t = yices2.BvsgtAtom(args[0], args[1])
	case expr.KindBVSGe:
		t = yices2.BvsgeAtom(args[0], args[1])
	case expr.KindArrayEq:
		t = yices2.Eq(args[0], args[1])
	default:
		return yices2.NullTerm, errors.Errorf("yices: unsupported node %s", n.Kind)
	}
	if t == yices2.NullTerm {
		return yices2.NullTerm, errors.Errorf("yices %s: %s", n.Kind, yices2.ErrorString())
	}
	tr.cache[id] = t
	return t, nil
}

func (tr *yicesTranslator) variable(vars map[string]yices2.TermT, name string, typ yices2.TypeT) yices2.TermT {
	if t, ok := vars[name]; ok {
		return t
	}
	t := yices2.NewUninterpretedTerm(typ)
	yices2.SetTermName(t, name)
	vars[name] = t
	return t
}
