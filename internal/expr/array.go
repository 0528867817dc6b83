package expr

import "fmt"

// Array maps bitvectors of KeyWidth to bitvectors of ValueWidth.
type Array struct {
	a  *Arena
	id ID
}

func (a *Arena) ArrayVar(name string, keyWidth, valueWidth uint16) Array {
	return Array{a, a.add(node{kind: KindArrayVar, width: valueWidth, aux: keyWidth, name: name})}
}

func (a *Arena) TmpArray(keyWidth, valueWidth uint16) Array {
	return a.ArrayVar(a.nextTmp("TMP_ARRAY"), keyWidth, valueWidth)
}

func (x Array) Arena() *Arena { return x.a }
func (x Array) ID() ID        { return x.id }
func (x Array) IsNull() bool  { return x.a == nil || x.id == 0 }

func (x Array) Kind() Kind {
	if x.IsNull() {
		return KindNone
	}
	return x.a.node(x.id).kind
}

func (x Array) Hash() uint64 {
	if x.IsNull() {
		return 0
	}
	return x.a.node(x.id).hash
}

func (x Array) Name() string {
	if x.IsNull() {
		return ""
	}
	return x.a.node(x.id).name
}

func (x Array) KeyWidth() uint16 {
	if x.IsNull() {
		return 0
	}
	return x.a.node(x.id).aux
}

func (x Array) ValueWidth() uint16 {
	if x.IsNull() {
		return 0
	}
	return x.a.node(x.id).width
}

func (x Array) checkKey(key BV) {
	mustSame(x.a, key.a)
	if key.Width() != x.KeyWidth() {
		panic(fmt.Sprintf("expr: array key width %d, want %d", key.Width(), x.KeyWidth()))
	}
}

func (x Array) Select(key BV) BV {
	x.checkKey(key)
	return BV{x.a, x.a.add(node{kind: KindBVSelect, width: x.ValueWidth(), args: []ID{x.id, key.id}})}
}

func (x Array) Store(key, value BV) Array {
	x.checkKey(key)
	if value.Width() != x.ValueWidth() {
		panic(fmt.Sprintf("expr: array value width %d, want %d", value.Width(), x.ValueWidth()))
	}
	n := node{kind: KindArrayStore, width: x.ValueWidth(), aux: x.KeyWidth(), args: []ID{x.id, key.id, value.id}}
	return Array{x.a, x.a.add(n)}
}

func (x Array) Eq(y Array) Bool {
	mustSame(x.a, y.a)
	if x.KeyWidth() != y.KeyWidth() || x.ValueWidth() != y.ValueWidth() {
		panic("expr: array sort mismatch")
	}
	if x.id == y.id {
		return x.a.True()
	}
	return Bool{x.a, x.a.add(node{kind: KindArrayEq, args: []ID{x.id, y.id}})}
}

func (x Array) String() string {
	return render(x.a, x.id)
}
