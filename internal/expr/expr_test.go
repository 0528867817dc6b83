package expr

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_StructuralEquality(t *testing.T) {
	a := NewArena()
	b := NewArena()

	build := func(ar *Arena) BV {
		x := ar.BVVar("rax_1_INIT", 64)
		y := ar.BVVar("rbx_1_INIT", 64)
		return x.Add(y).Extract(31, 0).ZeroExtend(64)
	}

	x1 := build(a)
	x2 := build(a)
	x3 := build(b)
	assert.NotEqual(t, x1.ID(), x2.ID())
	assert.True(t, x1.Equals(x2))
	assert.True(t, x1.Equals(x3))
	assert.Equal(t, x1.Hash(), x3.Hash())

	other := b.BVVar("rax_1_INIT", 64).Sub(b.BVVar("rbx_1_INIT", 64)).Extract(31, 0).ZeroExtend(64)
	assert.False(t, x1.Equals(other))

	wide := b.BVVar("rax_1_INIT", 32)
	assert.False(t, a.BVVar("rax_1_INIT", 64).Equals(wide))
}

func Test_NullTerm(t *testing.T) {
	a := NewArena()
	var null BV
	assert.True(t, null.IsNull())
	assert.True(t, null.Equals(BV{}))
	assert.False(t, null.Equals(a.BVConst(0, 8)))
	assert.False(t, a.BVConst(0, 8).Equals(null))
	assert.Equal(t, "<null>", null.String())
}

func Test_Print(t *testing.T) {
	a := NewArena()
	x := a.BVVar("x", 8)
	e := x.Add(a.BVConst(5, 8)).ULt(x).And(a.BoolVar("p").Not())
	assert.Equal(t, "(and (bvult (bvadd x (_ bv5 8)) x) (not p))", e.String())

	arr := a.ArrayVar("heap", 64, 8)
	k := a.BVVar("k", 64)
	s := arr.Store(k, x).Select(k)
	assert.Equal(t, "(select (store heap k x) k)", s.String())
	assert.Equal(t, "((_ extract 7 4) x)", x.Extract(7, 4).String())
	assert.Equal(t, "((_ zero_extend 8) x)", x.ZeroExtend(16).String())

	// printing is deterministic across arenas
	b := NewArena()
	y := b.BVVar("x", 8)
	e2 := y.Add(b.BVConst(5, 8)).ULt(y).And(b.BoolVar("p").Not())
	assert.Equal(t, e.String(), e2.String())
}

func Test_ConstantFolding(t *testing.T) {
	a := NewArena()
	c := a.BVConst(0x1234, 16)
	lo, ok := c.Extract(7, 0).Uint64()
	require.True(t, ok)
	assert.Equal(t, uint64(0x34), lo)

	cat, ok := a.BVConst(0xab, 8).Concat(a.BVConst(0xcd, 8)).Uint64()
	require.True(t, ok)
	assert.Equal(t, uint64(0xabcd), cat)

	sum, ok := a.BVConst(0xff, 8).Add(a.BVConst(2, 8)).Uint64()
	require.True(t, ok)
	assert.Equal(t, uint64(1), sum)

	p := a.BoolVar("p")
	assert.True(t, p.And(a.True()).Equals(p))
	assert.True(t, p.And(a.False()).IsFalse())
	assert.True(t, p.Or(a.True()).IsTrue())
	assert.True(t, p.Not().Not().Equals(p))

	neg := a.BVConstInt(-1, 8)
	v, _ := neg.Uint64()
	assert.Equal(t, uint64(0xff), v)
}

func Test_Eval(t *testing.T) {
	a := NewArena()
	x := a.BVVar("x", 8)
	y := a.BVVar("y", 8)
	val := NewValuation()
	val.SetBV("x", 0xf0)
	val.SetBV("y", 0x20)

	cases := []struct {
		term BV
		want uint64
	}{
		{x.Add(y), 0x10},
		{x.Sub(y), 0xd0},
		{x.Mul(y), 0x00},
		{x.UDiv(y), 0x07},
		{x.URem(y), 0x10},
		{x.SDiv(y), 0x00},
		{x.SRem(y), 0xf0},
		{x.And(y), 0x20},
		{x.Or(y), 0xf0},
		{x.Xor(y), 0xd0},
		{x.Not(), 0x0f},
		{x.Neg(), 0x10},
		{x.Shl(a.BVConst(2, 8)), 0xc0},
		{x.Lshr(a.BVConst(4, 8)), 0x0f},
		{x.Ashr(a.BVConst(4, 8)), 0xff},
		{x.Ashr(a.BVConst(200, 8)), 0xff},
		{x.Shl(a.BVConst(8, 8)), 0x00},
		{x.UDiv(a.BVConst(0, 8)), 0xff},
		{x.URem(a.BVConst(0, 8)), 0xf0},
		{x.SDiv(a.BVConst(0, 8)), 0x01},
		{x.SignExtend(16).Extract(15, 8), 0xff},
		{x.ZeroExtend(16).Extract(15, 8), 0x00},
		{x.Concat(y).Extract(11, 4), 0x02},
		{a.BVIte(x.ULt(y), x, y), 0x20},
		{a.BVIte(x.SLt(y), x, y), 0xf0},
	}
	for _, c := range cases {
		got, err := val.EvalBV(c.term)
		require.NoError(t, err, c.term.String())
		assert.Equal(t, c.want, got.Uint64(), c.term.String())
	}

	_, err := val.EvalBV(a.BVVar("z", 8))
	assert.Error(t, err)
}

func Test_EvalArray(t *testing.T) {
	a := NewArena()
	heap := a.ArrayVar("heap", 64, 8)
	k := a.BVVar("k", 64)
	val := NewValuation()
	val.SetBV("k", 0x1000)
	av := NewArrayValue(big.NewInt(7))
	av.Set(big.NewInt(0x1001), big.NewInt(9))
	val.Arrays["heap"] = av

	got, err := val.EvalBV(heap.Select(k))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.Uint64())

	got, err = val.EvalBV(heap.Select(k.AddConst(1)))
	require.NoError(t, err)
	assert.Equal(t, uint64(9), got.Uint64())

	updated := heap.Store(k, a.BVConst(3, 8))
	got, err = val.EvalBV(updated.Select(k))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Uint64())

	eq, err := val.EvalBool(updated.Eq(heap))
	require.NoError(t, err)
	assert.False(t, eq)

	eq, err = val.EvalBool(heap.Store(k, heap.Select(k)).Eq(heap))
	require.NoError(t, err)
	assert.True(t, eq)
}

func Test_FreeVars(t *testing.T) {
	a := NewArena()
	x := a.BVVar("x", 64)
	q := a.BVVar("q", 64)
	heap := a.ArrayVar("heap", 64, 8)
	body := heap.Select(q).Eq(a.BVConst(0, 8))
	f := a.Forall([]BV{q}, body).And(x.Eq(a.BVConst(1, 64)))

	vars := FreeVars(f)
	names := make([]string, 0, len(vars))
	for _, v := range vars {
		names = append(names, v.Name)
	}
	assert.ElementsMatch(t, []string{"heap", "x"}, names)
}

func Test_ReleasedArenaPanics(t *testing.T) {
	a := NewArena()
	x := a.BVVar("x", 8)
	a.Release()
	assert.True(t, a.Released())
	assert.Panics(t, func() { x.Add(x) })
}

func Test_MixedArenasPanic(t *testing.T) {
	a := NewArena()
	b := NewArena()
	assert.Panics(t, func() { a.BVVar("x", 8).Add(b.BVVar("x", 8)) })
}
