package expr

import "math/big"

// Bool is a boolean term. The zero value is the null term.
type Bool struct {
	a  *Arena
	id ID
}

func (a *Arena) True() Bool {
	return a.BoolConst(true)
}

func (a *Arena) False() Bool {
	return a.BoolConst(false)
}

func (a *Arena) BoolConst(value bool) Bool {
	v := big.NewInt(0)
	if value {
		v.SetInt64(1)
	}
	return Bool{a, a.add(node{kind: KindBoolConst, value: v})}
}

func (a *Arena) BoolVar(name string) Bool {
	return Bool{a, a.add(node{kind: KindBoolVar, name: name})}
}

func (a *Arena) TmpBool() Bool {
	return a.BoolVar(a.nextTmp("TMP_BOOL"))
}

// All is the conjunction of terms; the empty conjunction is true.
func (a *Arena) All(terms ...Bool) Bool {
	res := a.True()
	for _, t := range terms {
		res = res.And(t)
	}
	return res
}

// Any is the disjunction of terms; the empty disjunction is false.
func (a *Arena) Any(terms ...Bool) Bool {
	res := a.False()
	for _, t := range terms {
		res = res.Or(t)
	}
	return res
}

// Forall quantifies body over vars. Patterns are instantiation hints.
func (a *Arena) Forall(vars []BV, body Bool, patterns ...BV) Bool {
	mustSame(a, body.a)
	args := make([]ID, 0, len(vars)+1)
	args = append(args, body.id)
	for _, v := range vars {
		if !v.IsVar() {
			panic("expr: quantified term is not a variable")
		}
		args = append(args, v.id)
	}
	pats := make([]ID, len(patterns))
	for i, p := range patterns {
		pats[i] = p.id
	}
	return Bool{a, a.add(node{kind: KindForall, args: args, pats: pats})}
}

func (x Bool) Arena() *Arena { return x.a }
func (x Bool) ID() ID        { return x.id }
func (x Bool) IsNull() bool  { return x.a == nil || x.id == 0 }

func (x Bool) Kind() Kind {
	if x.IsNull() {
		return KindNone
	}
	return x.a.node(x.id).kind
}

func (x Bool) Hash() uint64 {
	if x.IsNull() {
		return 0
	}
	return x.a.node(x.id).hash
}

func (x Bool) Name() string {
	if x.IsNull() {
		return ""
	}
	return x.a.node(x.id).name
}

func (x Bool) IsTrue() bool {
	return x.Kind() == KindBoolConst && x.a.node(x.id).value.Sign() != 0
}

func (x Bool) IsFalse() bool {
	return x.Kind() == KindBoolConst && x.a.node(x.id).value.Sign() == 0
}

func (x Bool) binary(k Kind, y Bool) Bool {
	mustSame(x.a, y.a)
	return Bool{x.a, x.a.add(node{kind: k, args: []ID{x.id, y.id}})}
}

func (x Bool) And(y Bool) Bool {
	switch {
	case x.IsFalse() || y.IsTrue():
		return x
	case y.IsFalse() || x.IsTrue():
		return y
	}
	return x.binary(KindBoolAnd, y)
}

func (x Bool) Or(y Bool) Bool {
	switch {
	case x.IsTrue() || y.IsFalse():
		return x
	case y.IsTrue() || x.IsFalse():
		return y
	}
	return x.binary(KindBoolOr, y)
}

func (x Bool) Xor(y Bool) Bool {
	if x.IsFalse() {
		return y
	}
	if y.IsFalse() {
		return x
	}
	return x.binary(KindBoolXor, y)
}

func (x Bool) Implies(y Bool) Bool {
	if x.IsTrue() {
		return y
	}
	if x.IsFalse() || y.IsTrue() {
		return x.a.True()
	}
	return x.binary(KindBoolImplies, y)
}

func (x Bool) Iff(y Bool) Bool {
	return x.binary(KindBoolIff, y)
}

func (x Bool) Not() Bool {
	switch {
	case x.IsTrue():
		return x.a.False()
	case x.IsFalse():
		return x.a.True()
	case x.Kind() == KindBoolNot:
		return Bool{x.a, x.a.node(x.id).args[0]}
	}
	return Bool{x.a, x.a.add(node{kind: KindBoolNot, args: []ID{x.id}})}
}

// Ite selects between two booleans.
func (x Bool) Ite(then, els Bool) Bool {
	mustSame(x.a, then.a)
	mustSame(then.a, els.a)
	if x.IsTrue() {
		return then
	}
	if x.IsFalse() {
		return els
	}
	return Bool{x.a, x.a.add(node{kind: KindBoolIte, args: []ID{x.id, then.id, els.id}})}
}

// ToBV encodes the boolean as a bitvector of the given width (0 or 1).
func (x Bool) ToBV(width uint16) BV {
	return x.a.BVIte(x, x.a.BVConst(1, width), x.a.BVConst(0, width))
}

func (x Bool) String() string {
	return render(x.a, x.id)
}
