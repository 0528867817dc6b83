package memory

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"bvcheck/internal/expr"
)

// CellAccess places one dereference site inside a cell.
type CellAccess struct {
	Cell   int
	Offset int
	// bytes
	Size int
}

// CellLayout partitions the memory touched by both programs into cells that
// are assumed not to overlap. It is computed before any circuit is built.
type CellLayout struct {
	Lines map[DereferenceInfo]CellAccess
	// bytes per cell
	Sizes []int
}

func (l *CellLayout) String() string {
	var keys []DereferenceInfo
	for di := range l.Lines {
		keys = append(keys, di)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	s := ""
	for i, size := range l.Sizes {
		s += fmt.Sprintf("cell %d: %d bytes\n", i, size)
	}
	for _, di := range keys {
		ca := l.Lines[di]
		s += fmt.Sprintf("  %s -> cell %d +%d (%d bytes)\n", di, ca.Cell, ca.Offset, ca.Size)
	}
	return s
}

// CellBase is the start address of cell i, shared by both sides.
func CellBase(a *expr.Arena, i int) expr.BV {
	return a.BVVar(fmt.Sprintf("cell%d_addr", i), 64)
}

// Cell models memory as a set of disjoint cells, each one bitvector wide
// enough for the whole cell, plus a secret cell standing for everything the
// programs never touch.
type Cell struct {
	a      *expr.Arena
	name   string
	layout *CellLayout

	values        map[int]expr.BV
	unconstrained map[int]bool
	secret        expr.BV

	constraints []expr.Bool
	accesses    []Access
}

// NewCell instantiates the cells that the given side accesses.
func NewCell(a *expr.Arena, name string, layout *CellLayout, isRewrite bool) *Cell {
	m := &Cell{
		a:             a,
		name:          name,
		layout:        layout,
		values:        make(map[int]expr.BV),
		unconstrained: make(map[int]bool),
		secret:        a.BVVar(name+"_secret", 64),
	}
	for di, ca := range layout.Lines {
		if di.IsRewrite != isRewrite {
			continue
		}
		if _, ok := m.values[ca.Cell]; !ok {
			m.values[ca.Cell] = m.cellVar(ca.Cell)
		}
	}
	return m
}

func (m *Cell) cellVar(i int) expr.BV {
	return m.a.BVVar(fmt.Sprintf("%s_cell%d", m.name, i), uint16(8*m.layout.Sizes[i]))
}

func (m *Cell) Type() Type { return TypeCell }

// Cells lists the instantiated cell ids in order.
func (m *Cell) Cells() []int {
	ids := make([]int, 0, len(m.values))
	for id := range m.values {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Value is the current contents of cell i.
func (m *Cell) Value(i int) expr.BV {
	return m.values[i]
}

// Initial is the contents of cell i before any write.
func (m *Cell) Initial(i int) expr.BV {
	return m.cellVar(i)
}

// Size is the width of cell i in bytes.
func (m *Cell) Size(i int) int {
	return m.layout.Sizes[i]
}

func (m *Cell) Unconstrained(i int) bool {
	return m.unconstrained[i]
}

func (m *Cell) lookup(di DereferenceInfo, size uint16) (CellAccess, expr.BV) {
	checkSize(size)
	ca, ok := m.layout.Lines[di]
	if !ok {
		panic(fmt.Sprintf("cell memory: no cell for %s", di))
	}
	if ca.Offset < 0 || ca.Offset+int(size)/8 > m.layout.Sizes[ca.Cell] {
		panic(fmt.Sprintf("cell memory: %s does not fit cell %d", di, ca.Cell))
	}
	v, ok := m.values[ca.Cell]
	if !ok {
		v = m.cellVar(ca.Cell)
		m.values[ca.Cell] = v
	}
	return ca, v
}

func (m *Cell) bindAddress(addr expr.BV, ca CellAccess) {
	m.constraints = append(m.constraints, addr.Eq(CellBase(m.a, ca.Cell).AddConst(int64(ca.Offset))))
}

func (m *Cell) Read(addr expr.BV, size uint16, di DereferenceInfo) (expr.BV, expr.Bool) {
	ca, cell := m.lookup(di, size)
	m.bindAddress(addr, ca)
	lo := uint16(8 * ca.Offset)
	v := m.a.BVVar(fmt.Sprintf("%s_r%d", m.name, len(m.accesses)), size)
	m.constraints = append(m.constraints, v.Eq(cell.Extract(lo+size-1, lo)))
	m.accesses = append(m.accesses, Access{
		Address: addr, Value: v, Size: size, Deref: di, Cell: ca.Cell, CellOffset: ca.Offset,
	})
	return v, m.a.False()
}

func (m *Cell) Write(addr, value expr.BV, size uint16, di DereferenceInfo) expr.Bool {
	ca, cell := m.lookup(di, size)
	m.bindAddress(addr, ca)
	lo := uint16(8 * ca.Offset)
	hi := lo + size
	updated := value
	if lo > 0 {
		updated = updated.Concat(cell.Extract(lo-1, 0))
	}
	if hi < cell.Width() {
		updated = cell.Extract(cell.Width()-1, hi).Concat(updated)
	}
	next := m.a.BVVar(fmt.Sprintf("%s_cell%d_w%d", m.name, ca.Cell, len(m.accesses)), cell.Width())
	m.constraints = append(m.constraints, next.Eq(updated))
	m.values[ca.Cell] = next
	m.accesses = append(m.accesses, Access{
		Address: addr, Value: value, Size: size, Write: true, Deref: di, Cell: ca.Cell, CellOffset: ca.Offset,
	})
	return m.a.False()
}

func (m *Cell) Constraints() []expr.Bool {
	return m.constraints
}

func (m *Cell) AccessList() []Access {
	return m.accesses
}

// EqualizeCells gives both memories the same set of cells. Cells only one
// side touches appear on the other side as unconstrained values.
func (m *Cell) EqualizeCells(other *Cell) {
	for id := range other.values {
		if _, ok := m.values[id]; !ok {
			m.values[id] = m.cellVar(id)
			m.unconstrained[id] = true
		}
	}
	for id := range m.values {
		if _, ok := other.values[id]; !ok {
			other.values[id] = other.cellVar(id)
			other.unconstrained[id] = true
		}
	}
}

func (m *Cell) cellsEqual(o *Cell) (expr.Bool, error) {
	res := m.a.True()
	for _, id := range m.Cells() {
		ov, ok := o.values[id]
		if !ok {
			return expr.Bool{}, errors.Errorf("cell %d missing on one side; call EqualizeCells first", id)
		}
		res = res.And(m.values[id].Eq(ov))
	}
	if len(o.values) != len(m.values) {
		return expr.Bool{}, errors.New("cell sets differ; call EqualizeCells first")
	}
	return res, nil
}

// EqualityConstraint compares every cell and the secret cell. Without the
// secret cell two programs that never touch memory would have equal memory
// whatever the rest of it holds.
func (m *Cell) EqualityConstraint(other Memory) (expr.Bool, error) {
	o, ok := other.(*Cell)
	if !ok {
		return expr.Bool{}, errors.Wrapf(ErrUnsupported, "cell memory compared with %s", other.Type())
	}
	cells, err := m.cellsEqual(o)
	if err != nil {
		return expr.Bool{}, err
	}
	return cells.And(m.secret.Eq(o.secret)), nil
}

// AliasingFormula keeps every cell inside the usable address space and
// apart from every other cell. Pairs where both cells are unconstrained on
// this side are left to the other side's formula.
func (m *Cell) AliasingFormula() expr.Bool {
	ids := m.Cells()
	res := m.a.True()
	for _, i := range ids {
		size := uint64(m.layout.Sizes[i])
		base := CellBase(m.a, i)
		res = res.And(base.UGe(m.a.BVConst(0x40, 64)))
		res = res.And(base.ULe(m.a.BVConst(-size-0x3f, 64)))
	}
	for x, i := range ids {
		for _, j := range ids[x+1:] {
			if m.unconstrained[i] && m.unconstrained[j] {
				continue
			}
			bi, bj := CellBase(m.a, i), CellBase(m.a, j)
			iEnd := bi.AddConst(int64(m.layout.Sizes[i]))
			jEnd := bj.AddConst(int64(m.layout.Sizes[j]))
			res = res.And(iEnd.ULe(bj).Or(jEnd.ULe(bi)))
		}
	}
	return res
}
