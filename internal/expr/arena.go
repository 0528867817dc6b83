// Package expr implements the symbolic expression language used to describe
// machine states: fixed-width bitvectors, booleans and arrays from bitvectors
// to bitvectors. Nodes live in an Arena owned by one verification run.
package expr

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/cespare/xxhash/v2"
)

// ID indexes a node inside its Arena. Zero is the null node.
type ID uint32

type Kind uint8

const (
	KindNone Kind = iota

	// bitvector sort
	KindBVConst
	KindBVVar
	KindBVExtract
	KindBVConcat
	KindBVZeroExt
	KindBVSignExt
	KindBVNot
	KindBVNeg
	KindBVAdd
	KindBVSub
	KindBVMul
	KindBVUDiv
	KindBVSDiv
	KindBVURem
	KindBVSRem
	KindBVAnd
	KindBVOr
	KindBVXor
	KindBVShl
	KindBVLshr
	KindBVAshr
	KindBVIte
	KindBVSelect
	KindBVApply

	// boolean sort
	KindBoolConst
	KindBoolVar
	KindBoolNot
	KindBoolAnd
	KindBoolOr
	KindBoolXor
	KindBoolImplies
	KindBoolIff
	KindBoolIte
	KindBVEq
	KindBVULt
	KindBVULe
	KindBVUGt
	KindBVUGe
	KindBVSLt
	KindBVSLe
	KindBVSGt
	KindBVSGe
	KindArrayEq
	KindForall

	// array sort
	KindArrayVar
	KindArrayStore
)

type Sort uint8

const (
	SortNone Sort = iota
	SortBV
	SortBool
	SortArray
)

func (k Kind) Sort() Sort {
	switch {
	case k >= KindBVConst && k <= KindBVApply:
		return SortBV
	case k >= KindBoolConst && k <= KindForall:
		return SortBool
	case k >= KindArrayVar && k <= KindArrayStore:
		return SortArray
	}
	return SortNone
}

var kindNames = map[Kind]string{
	KindBVExtract:   "extract",
	KindBVConcat:    "concat",
	KindBVZeroExt:   "zero_extend",
	KindBVSignExt:   "sign_extend",
	KindBVNot:       "bvnot",
	KindBVNeg:       "bvneg",
	KindBVAdd:       "bvadd",
	KindBVSub:       "bvsub",
	KindBVMul:       "bvmul",
	KindBVUDiv:      "bvudiv",
	KindBVSDiv:      "bvsdiv",
	KindBVURem:      "bvurem",
	KindBVSRem:      "bvsrem",
	KindBVAnd:       "bvand",
	KindBVOr:        "bvor",
	KindBVXor:       "bvxor",
	KindBVShl:       "bvshl",
	KindBVLshr:      "bvlshr",
	KindBVAshr:      "bvashr",
	KindBVIte:       "ite",
	KindBVSelect:    "select",
	KindBoolNot:     "not",
	KindBoolAnd:     "and",
	KindBoolOr:      "or",
	KindBoolXor:     "xor",
	KindBoolImplies: "=>",
	KindBoolIff:     "iff",
	KindBoolIte:     "ite",
	KindBVEq:        "=",
	KindBVULt:       "bvult",
	KindBVULe:       "bvule",
	KindBVUGt:       "bvugt",
	KindBVUGe:       "bvuge",
	KindBVSLt:       "bvslt",
	KindBVSLe:       "bvsle",
	KindBVSGt:       "bvsgt",
	KindBVSGe:       "bvsge",
	KindArrayEq:     "=",
	KindForall:      "forall",
	KindArrayStore:  "store",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

type node struct {
	kind Kind
	// width of a bitvector, or the value width of an array
	width uint16
	// key width of an array; low bit for extract
	aux   uint16
	name  string
	value *big.Int
	args  []ID
	pats  []ID
	hash  uint64
}

// Arena owns every node built during one verification run. Terms from
// different arenas may be compared but never combined.
type Arena struct {
	nodes []node
	tmp   uint64
}

func NewArena() *Arena {
	return &Arena{
		nodes: make([]node, 1, 1024),
	}
}

// Release drops every node. Terms of a released arena must not be used.
func (a *Arena) Release() {
	a.nodes = nil
}

func (a *Arena) Len() int {
	if len(a.nodes) == 0 {
		return 0
	}
	return len(a.nodes) - 1
}

func (a *Arena) Released() bool {
	return a.nodes == nil
}

func (a *Arena) node(id ID) *node {
	return &a.nodes[id]
}

func (a *Arena) add(n node) ID {
	if a.nodes == nil {
		panic("expr: arena released")
	}
	n.hash = a.hashNode(&n)
	a.nodes = append(a.nodes, n)
	return ID(len(a.nodes) - 1)
}

func (a *Arena) hashNode(n *node) uint64 {
	h := xxhash.New()
	var buf [8]byte
	buf[0] = byte(n.kind)
	binary.LittleEndian.PutUint16(buf[1:], n.width)
	binary.LittleEndian.PutUint16(buf[3:], n.aux)
	_, _ = h.Write(buf[:5])
	if n.name != "" {
		_, _ = h.WriteString(n.name)
	}
	if n.value != nil {
		_, _ = h.Write(n.value.Bytes())
	}
	for _, arg := range n.args {
		binary.LittleEndian.PutUint64(buf[:], a.nodes[arg].hash)
		_, _ = h.Write(buf[:])
	}
	for _, pat := range n.pats {
		binary.LittleEndian.PutUint64(buf[:], a.nodes[pat].hash)
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

func (a *Arena) nextTmp(prefix string) string {
	a.tmp++
	return fmt.Sprintf("%s_%d", prefix, a.tmp)
}

func mask(width uint16) *big.Int {
	m := new(big.Int).Lsh(big.NewInt(1), uint(width))
	return m.Sub(m, big.NewInt(1))
}

func truncate(v *big.Int, width uint16) *big.Int {
	return new(big.Int).And(v, mask(width))
}

// Term is implemented by BV, Bool and Array.
type Term interface {
	Arena() *Arena
	ID() ID
	IsNull() bool
	Kind() Kind
	Hash() uint64
	String() string
}

func mustSame(a, b *Arena) {
	if a != b {
		panic("expr: terms from different arenas")
	}
}
