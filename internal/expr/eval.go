package expr

import (
	"math/big"

	"github.com/pkg/errors"
)

var ErrUnbound = errors.New("unbound variable")

// ArrayValue is a concrete array: explicit entries over a default value.
type ArrayValue struct {
	Default *big.Int
	Entries map[string]*big.Int
}

func NewArrayValue(def *big.Int) *ArrayValue {
	return &ArrayValue{
		Default: def,
		Entries: make(map[string]*big.Int),
	}
}

func (av *ArrayValue) Get(key *big.Int) *big.Int {
	if v, ok := av.Entries[key.Text(16)]; ok {
		return v
	}
	if av.Default == nil {
		return big.NewInt(0)
	}
	return av.Default
}

func (av *ArrayValue) Set(key, value *big.Int) {
	av.Entries[key.Text(16)] = value
}

func (av *ArrayValue) clone() *ArrayValue {
	res := NewArrayValue(av.Default)
	for k, v := range av.Entries {
		res.Entries[k] = v
	}
	return res
}

// Valuation assigns concrete values to variables.
type Valuation struct {
	BV     map[string]*big.Int
	Bool   map[string]bool
	Arrays map[string]*ArrayValue
}

func NewValuation() *Valuation {
	return &Valuation{
		BV:     make(map[string]*big.Int),
		Bool:   make(map[string]bool),
		Arrays: make(map[string]*ArrayValue),
	}
}

func (v *Valuation) SetBV(name string, value uint64) {
	v.BV[name] = new(big.Int).SetUint64(value)
}

func (v *Valuation) EvalBV(x BV) (*big.Int, error) {
	if x.IsNull() {
		return nil, errors.New("evaluating null term")
	}
	e := evaluator{v: v, a: x.a, cache: make(map[ID]interface{})}
	res, err := e.eval(x.id)
	if err != nil {
		return nil, err
	}
	return res.(*big.Int), nil
}

func (v *Valuation) EvalBool(x Bool) (bool, error) {
	if x.IsNull() {
		return false, errors.New("evaluating null term")
	}
	e := evaluator{v: v, a: x.a, cache: make(map[ID]interface{})}
	res, err := e.eval(x.id)
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

func (v *Valuation) EvalArray(x Array) (*ArrayValue, error) {
	if x.IsNull() {
		return nil, errors.New("evaluating null term")
	}
	e := evaluator{v: v, a: x.a, cache: make(map[ID]interface{})}
	res, err := e.eval(x.id)
	if err != nil {
		return nil, err
	}
	return res.(*ArrayValue), nil
}

type evaluator struct {
	v     *Valuation
	a     *Arena
	cache map[ID]interface{}
}

func toSigned(x *big.Int, width uint16) *big.Int {
	if x.Bit(int(width)-1) == 0 {
		return x
	}
	return new(big.Int).Sub(x, new(big.Int).Lsh(big.NewInt(1), uint(width)))
}

func (e *evaluator) eval(id ID) (interface{}, error) {
	if res, ok := e.cache[id]; ok {
		return res, nil
	}
	n := e.a.node(id)
	args := make([]interface{}, len(n.args))
	if n.kind != KindForall {
		for i, arg := range n.args {
			res, err := e.eval(arg)
			if err != nil {
				return nil, err
			}
			args[i] = res
		}
	}
	res, err := e.apply(n, args)
	if err != nil {
		return nil, err
	}
	e.cache[id] = res
	return res, nil
}

func (e *evaluator) apply(n *node, args []interface{}) (interface{}, error) {
	bv := func(i int) *big.Int { return args[i].(*big.Int) }
	bl := func(i int) bool { return args[i].(bool) }
	w := n.width
	switch n.kind {
	case KindBVConst:
		return n.value, nil
	case KindBVVar:
		val, ok := e.v.BV[n.name]
		if !ok {
			return nil, errors.Wrapf(ErrUnbound, "%s", n.name)
		}
		return truncate(val, w), nil
	case KindBoolConst:
		return n.value.Sign() != 0, nil
	case KindBoolVar:
		val, ok := e.v.Bool[n.name]
		if !ok {
			return nil, errors.Wrapf(ErrUnbound, "%s", n.name)
		}
		return val, nil
	case KindArrayVar:
		val, ok := e.v.Arrays[n.name]
		if !ok {
			return nil, errors.Wrapf(ErrUnbound, "%s", n.name)
		}
		return val, nil
	case KindBVApply:
		return nil, errors.Errorf("cannot evaluate uninterpreted function %s", n.name)
	case KindForall:
		return nil, errors.New("cannot evaluate quantified formula")

	case KindBVExtract:
		return truncate(new(big.Int).Rsh(bv(0), uint(n.aux)), w), nil
	case KindBVConcat:
		lowWidth := e.a.node(n.args[1]).width
		res := new(big.Int).Lsh(bv(0), uint(lowWidth))
		return res.Or(res, bv(1)), nil
	case KindBVZeroExt:
		return bv(0), nil
	case KindBVSignExt:
		return truncate(toSigned(bv(0), e.a.node(n.args[0]).width), w), nil
	case KindBVNot:
		return new(big.Int).Xor(bv(0), mask(w)), nil
	case KindBVNeg:
		return truncate(new(big.Int).Neg(bv(0)), w), nil
	case KindBVAdd:
		return truncate(new(big.Int).Add(bv(0), bv(1)), w), nil
	case KindBVSub:
		return truncate(new(big.Int).Sub(bv(0), bv(1)), w), nil
	case KindBVMul:
		return truncate(new(big.Int).Mul(bv(0), bv(1)), w), nil
	case KindBVUDiv:
		if bv(1).Sign() == 0 {
			return mask(w), nil
		}
		return new(big.Int).Quo(bv(0), bv(1)), nil
	case KindBVURem:
		if bv(1).Sign() == 0 {
			return bv(0), nil
		}
		return new(big.Int).Rem(bv(0), bv(1)), nil
	case KindBVSDiv:
		x, y := toSigned(bv(0), w), toSigned(bv(1), w)
		if y.Sign() == 0 {
			if x.Sign() < 0 {
				return big.NewInt(1), nil
			}
			return mask(w), nil
		}
		return truncate(new(big.Int).Quo(x, y), w), nil
	case KindBVSRem:
		x, y := toSigned(bv(0), w), toSigned(bv(1), w)
		if y.Sign() == 0 {
			return bv(0), nil
		}
		return truncate(new(big.Int).Rem(x, y), w), nil
	case KindBVAnd:
		return new(big.Int).And(bv(0), bv(1)), nil
	case KindBVOr:
		return new(big.Int).Or(bv(0), bv(1)), nil
	case KindBVXor:
		return new(big.Int).Xor(bv(0), bv(1)), nil
	case KindBVShl:
		if bv(1).Cmp(big.NewInt(int64(w))) >= 0 {
			return big.NewInt(0), nil
		}
		return truncate(new(big.Int).Lsh(bv(0), uint(bv(1).Uint64())), w), nil
	case KindBVLshr:
		if bv(1).Cmp(big.NewInt(int64(w))) >= 0 {
			return big.NewInt(0), nil
		}
		return new(big.Int).Rsh(bv(0), uint(bv(1).Uint64())), nil
	case KindBVAshr:
		shift := uint(w)
		if bv(1).Cmp(big.NewInt(int64(w))) < 0 {
			shift = uint(bv(1).Uint64())
		}
		return truncate(new(big.Int).Rsh(toSigned(bv(0), w), shift), w), nil
	case KindBVIte, KindBoolIte:
		if bl(0) {
			return args[1], nil
		}
		return args[2], nil
	case KindBVSelect:
		return args[0].(*ArrayValue).Get(bv(1)), nil

	case KindBoolNot:
		return !bl(0), nil
	case KindBoolAnd:
		return bl(0) && bl(1), nil
	case KindBoolOr:
		return bl(0) || bl(1), nil
	case KindBoolXor:
		return bl(0) != bl(1), nil
	case KindBoolImplies:
		return !bl(0) || bl(1), nil
	case KindBoolIff:
		return bl(0) == bl(1), nil
	case KindBVEq:
		return bv(0).Cmp(bv(1)) == 0, nil
	case KindBVULt:
		return bv(0).Cmp(bv(1)) < 0, nil
	case KindBVULe:
		return bv(0).Cmp(bv(1)) <= 0, nil
	case KindBVUGt:
		return bv(0).Cmp(bv(1)) > 0, nil
	case KindBVUGe:
		return bv(0).Cmp(bv(1)) >= 0, nil
	}

	if n.kind >= KindBVSLt && n.kind <= KindBVSGe {
		width := e.a.node(n.args[0]).width
		c := toSigned(bv(0), width).Cmp(toSigned(bv(1), width))
		switch n.kind {
		case KindBVSLt:
			return c < 0, nil
		case KindBVSLe:
			return c <= 0, nil
		case KindBVSGt:
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	}

	switch n.kind {
	case KindArrayEq:
		return arraysEqual(args[0].(*ArrayValue), args[1].(*ArrayValue)), nil
	case KindArrayStore:
		res := args[0].(*ArrayValue).clone()
		res.Set(bv(1), bv(2))
		return res, nil
	}
	return nil, errors.Errorf("cannot evaluate %s", n.kind)
}

func arraysEqual(x, y *ArrayValue) bool {
	def := func(av *ArrayValue) *big.Int {
		if av.Default == nil {
			return big.NewInt(0)
		}
		return av.Default
	}
	if def(x).Cmp(def(y)) != 0 {
		return false
	}
	for k, v := range x.Entries {
		other, ok := y.Entries[k]
		if !ok {
			other = def(y)
		}
		if v.Cmp(other) != 0 {
			return false
		}
	}
	for k, v := range y.Entries {
		if _, ok := x.Entries[k]; !ok && v.Cmp(def(x)) != 0 {
			return false
		}
	}
	return true
}
