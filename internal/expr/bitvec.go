package expr

import (
	"fmt"
	"math/big"
)

// BV is a bitvector term. The zero value is the null term.
type BV struct {
	a  *Arena
	id ID
}

func (a *Arena) BVConst(value uint64, width uint16) BV {
	return a.BVConstBig(new(big.Int).SetUint64(value), width)
}

func (a *Arena) BVConstInt(value int64, width uint16) BV {
	v := big.NewInt(value)
	if value < 0 {
		v.Add(v, new(big.Int).Lsh(big.NewInt(1), uint(width)))
	}
	return a.BVConstBig(v, width)
}

func (a *Arena) BVConstBig(value *big.Int, width uint16) BV {
	if width == 0 {
		panic("expr: zero width bitvector")
	}
	return BV{a, a.add(node{kind: KindBVConst, width: width, value: truncate(value, width)})}
}

func (a *Arena) BVVar(name string, width uint16) BV {
	if width == 0 {
		panic("expr: zero width bitvector")
	}
	return BV{a, a.add(node{kind: KindBVVar, width: width, name: name})}
}

// TmpBV returns a fresh variable. Names are deterministic per arena.
func (a *Arena) TmpBV(width uint16) BV {
	return a.BVVar(a.nextTmp("TMP_BV"), width)
}

func (a *Arena) BVIte(cond Bool, then, els BV) BV {
	mustSame(a, cond.a)
	mustSame(cond.a, then.a)
	mustSame(then.a, els.a)
	if then.Width() != els.Width() {
		panic(fmt.Sprintf("expr: ite width mismatch %d vs %d", then.Width(), els.Width()))
	}
	if cond.IsTrue() {
		return then
	}
	if cond.IsFalse() {
		return els
	}
	return BV{a, a.add(node{kind: KindBVIte, width: then.Width(), args: []ID{cond.id, then.id, els.id}})}
}

// Apply is an application of the uninterpreted function name.
func (a *Arena) Apply(name string, width uint16, args ...BV) BV {
	ids := make([]ID, len(args))
	for i, arg := range args {
		mustSame(a, arg.a)
		ids[i] = arg.id
	}
	return BV{a, a.add(node{kind: KindBVApply, width: width, name: name, args: ids})}
}

func (x BV) Arena() *Arena { return x.a }
func (x BV) ID() ID        { return x.id }
func (x BV) IsNull() bool  { return x.a == nil || x.id == 0 }

func (x BV) Kind() Kind {
	if x.IsNull() {
		return KindNone
	}
	return x.a.node(x.id).kind
}

func (x BV) Width() uint16 {
	if x.IsNull() {
		return 0
	}
	return x.a.node(x.id).width
}

func (x BV) Hash() uint64 {
	if x.IsNull() {
		return 0
	}
	return x.a.node(x.id).hash
}

// Name returns the name of a variable or applied function.
func (x BV) Name() string {
	if x.IsNull() {
		return ""
	}
	return x.a.node(x.id).name
}

func (x BV) IsConst() bool {
	return x.Kind() == KindBVConst
}

func (x BV) IsVar() bool {
	return x.Kind() == KindBVVar
}

func (x BV) Const() (*big.Int, bool) {
	if !x.IsConst() {
		return nil, false
	}
	return new(big.Int).Set(x.a.node(x.id).value), true
}

func (x BV) Uint64() (uint64, bool) {
	v, ok := x.Const()
	if !ok || !v.IsUint64() {
		return 0, false
	}
	return v.Uint64(), true
}

// Arg returns the i-th operand as a bitvector.
func (x BV) Arg(i int) BV {
	return BV{x.a, x.a.node(x.id).args[i]}
}

func (x BV) binary(k Kind, y BV) BV {
	mustSame(x.a, y.a)
	if x.Width() != y.Width() {
		panic(fmt.Sprintf("expr: %s width mismatch %d vs %d", k, x.Width(), y.Width()))
	}
	return BV{x.a, x.a.add(node{kind: k, width: x.Width(), args: []ID{x.id, y.id}})}
}

func (x BV) unary(k Kind) BV {
	return BV{x.a, x.a.add(node{kind: k, width: x.Width(), args: []ID{x.id}})}
}

func (x BV) Add(y BV) BV {
	if a, ok := x.Const(); ok {
		if b, ok := y.Const(); ok {
			return x.a.BVConstBig(a.Add(a, b), x.Width())
		}
		if a.Sign() == 0 {
			return y
		}
	}
	if b, ok := y.Const(); ok && b.Sign() == 0 {
		return x
	}
	return x.binary(KindBVAdd, y)
}

func (x BV) AddConst(n int64) BV {
	return x.Add(x.a.BVConstInt(n, x.Width()))
}

func (x BV) Sub(y BV) BV {
	if a, ok := x.Const(); ok {
		if b, ok := y.Const(); ok {
			return x.a.BVConstBig(a.Sub(a, b), x.Width())
		}
	}
	return x.binary(KindBVSub, y)
}

func (x BV) Mul(y BV) BV  { return x.binary(KindBVMul, y) }
func (x BV) UDiv(y BV) BV { return x.binary(KindBVUDiv, y) }
func (x BV) SDiv(y BV) BV { return x.binary(KindBVSDiv, y) }
func (x BV) URem(y BV) BV { return x.binary(KindBVURem, y) }
func (x BV) SRem(y BV) BV { return x.binary(KindBVSRem, y) }
func (x BV) And(y BV) BV  { return x.binary(KindBVAnd, y) }
func (x BV) Or(y BV) BV   { return x.binary(KindBVOr, y) }
func (x BV) Xor(y BV) BV  { return x.binary(KindBVXor, y) }
func (x BV) Shl(y BV) BV  { return x.binary(KindBVShl, y) }
func (x BV) Lshr(y BV) BV { return x.binary(KindBVLshr, y) }
func (x BV) Ashr(y BV) BV { return x.binary(KindBVAshr, y) }
func (x BV) Not() BV      { return x.unary(KindBVNot) }
func (x BV) Neg() BV      { return x.unary(KindBVNeg) }

// Concat places x in the high bits and y in the low bits.
func (x BV) Concat(y BV) BV {
	mustSame(x.a, y.a)
	w := uint32(x.Width()) + uint32(y.Width())
	if w > 0xffff {
		panic("expr: concat too wide")
	}
	if a, ok := x.Const(); ok {
		if b, ok := y.Const(); ok {
			a.Lsh(a, uint(y.Width()))
			return x.a.BVConstBig(a.Or(a, b), uint16(w))
		}
	}
	return BV{x.a, x.a.add(node{kind: KindBVConcat, width: uint16(w), args: []ID{x.id, y.id}})}
}

// Extract returns bits hi..lo inclusive.
func (x BV) Extract(hi, lo uint16) BV {
	if hi < lo || hi >= x.Width() {
		panic(fmt.Sprintf("expr: bad extract [%d:%d] of width %d", hi, lo, x.Width()))
	}
	if lo == 0 && hi == x.Width()-1 {
		return x
	}
	w := hi - lo + 1
	if v, ok := x.Const(); ok {
		return x.a.BVConstBig(v.Rsh(v, uint(lo)), w)
	}
	return BV{x.a, x.a.add(node{kind: KindBVExtract, width: w, aux: lo, args: []ID{x.id}})}
}

// Byte returns the i-th least significant byte.
func (x BV) Byte(i uint16) BV {
	return x.Extract(8*i+7, 8*i)
}

// ZeroExtend widens x to width bits.
func (x BV) ZeroExtend(width uint16) BV {
	if width == x.Width() {
		return x
	}
	if width < x.Width() {
		panic("expr: zero extend narrows")
	}
	if v, ok := x.Const(); ok {
		return x.a.BVConstBig(v, width)
	}
	return BV{x.a, x.a.add(node{kind: KindBVZeroExt, width: width, args: []ID{x.id}})}
}

// SignExtend widens x to width bits.
func (x BV) SignExtend(width uint16) BV {
	if width == x.Width() {
		return x
	}
	if width < x.Width() {
		panic("expr: sign extend narrows")
	}
	return BV{x.a, x.a.add(node{kind: KindBVSignExt, width: width, args: []ID{x.id}})}
}

func (x BV) compare(k Kind, y BV) Bool {
	mustSame(x.a, y.a)
	if x.Width() != y.Width() {
		panic(fmt.Sprintf("expr: %s width mismatch %d vs %d", k, x.Width(), y.Width()))
	}
	return Bool{x.a, x.a.add(node{kind: k, args: []ID{x.id, y.id}})}
}

func (x BV) Eq(y BV) Bool {
	if a, ok := x.Const(); ok {
		if b, ok := y.Const(); ok && x.Width() == y.Width() {
			return x.a.BoolConst(a.Cmp(b) == 0)
		}
	}
	if x.id == y.id && x.a == y.a {
		return x.a.True()
	}
	return x.compare(KindBVEq, y)
}

func (x BV) Ne(y BV) Bool  { return x.Eq(y).Not() }
func (x BV) ULt(y BV) Bool { return x.compare(KindBVULt, y) }
func (x BV) ULe(y BV) Bool { return x.compare(KindBVULe, y) }
func (x BV) UGt(y BV) Bool { return x.compare(KindBVUGt, y) }
func (x BV) UGe(y BV) Bool { return x.compare(KindBVUGe, y) }
func (x BV) SLt(y BV) Bool { return x.compare(KindBVSLt, y) }
func (x BV) SLe(y BV) Bool { return x.compare(KindBVSLe, y) }
func (x BV) SGt(y BV) Bool { return x.compare(KindBVSGt, y) }
func (x BV) SGe(y BV) Bool { return x.compare(KindBVSGe, y) }

func (x BV) String() string {
	return render(x.a, x.id)
}
