package memory

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"bvcheck/internal/expr"
	"bvcheck/internal/smt"
	"bvcheck/internal/strategy"
)

var ErrStopped = errors.New("stop requested")

// maxCellSpan bounds the distance between two accesses placed in one cell.
const maxCellSpan = 1 << 12

// ARM (address range modeling) records accesses while circuits are built and
// only afterwards decides how memory is modeled: accesses at provably fixed
// distances share a cell, and cells that provably never overlap are simulated
// independently.
type ARM struct {
	a     *expr.Arena
	name  string
	start expr.Array
	final expr.Array
	stop  *atomic.Bool

	// Unsound skips the non-overlap proof and always simulates cells
	// independently.
	Unsound bool

	accesses    []Access
	constraints []expr.Bool

	// set by GenerateConstraints
	all      []Access
	cells    []*armCell
	disjoint bool
	queries  int
}

type armCell struct {
	index  int
	anchor int
	base   expr.BV
	size   int64
	minOff int64
	maxOff int64
	// contiguous byte ranges [lo, hi) covered by accesses
	runs [][2]int64

	// simulation state per side, 0 for this memory, 1 for the other
	cache   [2]expr.BV
	version [2]int
	dirty   [2]bool
}

type edge struct {
	to   int
	diff int64
}

func NewARM(a *expr.Arena, name string, stop *atomic.Bool) *ARM {
	if stop == nil {
		stop = new(atomic.Bool)
	}
	return &ARM{a: a, name: name, start: a.ArrayVar(name, 64, 8), stop: stop}
}

func (m *ARM) Type() Type { return TypeARM }

func (m *ARM) Start() expr.Array { return m.start }
func (m *ARM) Final() expr.Array { return m.final }

func (m *ARM) Finalize(name string) {
	m.final = m.a.ArrayVar(name, 64, 8)
}

func (m *ARM) heap() expr.Array {
	if m.final.IsNull() {
		return m.start
	}
	return m.final
}

func (m *ARM) Write(addr, value expr.BV, size uint16, di DereferenceInfo) expr.Bool {
	checkSize(size)
	m.accesses = append(m.accesses, Access{Address: addr, Value: value, Size: size, Write: true, Deref: di})
	return m.a.False()
}

// Read returns a variable that GenerateConstraints later binds.
func (m *ARM) Read(addr expr.BV, size uint16, di DereferenceInfo) (expr.BV, expr.Bool) {
	checkSize(size)
	v := m.a.BVVar(fmt.Sprintf("%s_r%d", m.name, len(m.accesses)), size)
	m.accesses = append(m.accesses, Access{Address: addr, Value: v, Size: size, Deref: di})
	return v, m.a.False()
}

func (m *ARM) Constraints() []expr.Bool {
	return m.constraints
}

func (m *ARM) AccessList() []Access {
	return m.accesses
}

func (m *ARM) EqualityConstraint(other Memory) (expr.Bool, error) {
	o, ok := other.(*ARM)
	if !ok {
		return expr.Bool{}, errors.Wrapf(ErrUnsupported, "arm memory compared with %s", other.Type())
	}
	return m.heap().Eq(o.heap()), nil
}

// Accesses lists the accesses of both memories, this one first, with cell
// assignments. Valid after GenerateConstraints.
func (m *ARM) Accesses() []Access {
	return m.all
}

// CellSizes lists the size in bytes of every cell. Valid after
// GenerateConstraints.
func (m *ARM) CellSizes() []int64 {
	sizes := make([]int64, len(m.cells))
	for i, c := range m.cells {
		sizes[i] = c.size
	}
	return sizes
}

// Disjoint reports whether the cells were simulated independently.
func (m *ARM) Disjoint() bool {
	return m.disjoint
}

// Queries counts solver calls made by GenerateConstraints.
func (m *ARM) Queries() int {
	return m.queries
}

func (m *ARM) stopped() error {
	if m.stop.Load() {
		return ErrStopped
	}
	return nil
}

// GenerateConstraints models the accesses of m and other. initial is the
// assumption both programs start under; samples map dereference sites to the
// addresses they touched in concrete runs and may be empty. It returns false
// when initial is unsatisfiable, in which case nothing needs to be modeled.
// Constraints are added to both memories.
func (m *ARM) GenerateConstraints(ctx context.Context, s smt.Solver, other *ARM, initial []expr.Bool, samples []DereferenceMap) (bool, error) {
	sat, err := s.IsSat(ctx, initial)
	m.queries++
	if err == nil && !sat {
		return false, nil
	}
	if err != nil {
		log.Debugf("arm: initial check failed: %v", err)
	}

	m.all = m.all[:0]
	for _, ac := range m.accesses {
		ac.IsOther = false
		m.all = append(m.all, ac)
	}
	for _, ac := range other.accesses {
		ac.IsOther = true
		m.all = append(m.all, ac)
	}

	adj, err := m.discoverOffsets(ctx, s, initial, samples)
	if err != nil {
		return false, err
	}
	if err := m.enumerateCells(adj); err != nil {
		return false, err
	}

	m.disjoint = len(m.cells) <= 1 || m.Unsound
	if !m.disjoint {
		if m.disjoint, err = m.proveDisjoint(ctx, s, initial); err != nil {
			return false, err
		}
	}
	log.Debugf("arm: %d accesses, %d cells, disjoint %v, %d queries", len(m.all), len(m.cells), m.disjoint, m.queries)

	if m.disjoint {
		m.independentHeaps(other)
	} else if err := m.simulate(other); err != nil {
		return false, err
	}
	return true, nil
}

// prove reports whether initial implies goal. Solver failures count as
// "not proved".
func (m *ARM) prove(ctx context.Context, s smt.Solver, initial []expr.Bool, goal expr.Bool) bool {
	if goal.IsTrue() {
		return true
	}
	query := make([]expr.Bool, 0, len(initial)+1)
	query = append(query, initial...)
	query = append(query, goal.Not())
	m.queries++
	sat, err := s.IsSat(ctx, query)
	if err != nil {
		log.Debugf("arm: query failed: %v", err)
		return false
	}
	return !sat
}

// sampleDiff returns address(j) - address(i) when every sample agrees on it.
func (m *ARM) sampleDiff(i, j int, samples []DereferenceMap) (diff int64, known, consistent bool) {
	di, dj := m.all[i].Deref, m.all[j].Deref
	for k, sample := range samples {
		ai, ok1 := sample[di]
		aj, ok2 := sample[dj]
		if !ok1 || !ok2 {
			return 0, false, false
		}
		d := int64(aj - ai)
		if k == 0 {
			diff = d
		} else if d != diff {
			return 0, true, false
		}
	}
	return diff, len(samples) > 0, true
}

func (m *ARM) discoverOffsets(ctx context.Context, s smt.Solver, initial []expr.Bool, samples []DereferenceMap) ([][]edge, error) {
	n := len(m.all)
	uf := newUnionFind(n)
	adj := make([][]edge, n)
	link := func(i, j int, diff int64) {
		adj[i] = append(adj[i], edge{j, diff})
		adj[j] = append(adj[j], edge{i, -diff})
		uf.union(i, j, diff)
	}

	for j := 0; j < n; j++ {
		tried := make(map[int]bool)
		for i := 0; i < j; i++ {
			if err := m.stopped(); err != nil {
				return nil, err
			}
			if uf.same(i, j) {
				continue
			}
			ai, aj := m.all[i].Address, m.all[j].Address
			if ai.Equals(aj) {
				link(i, j, 0)
				continue
			}

			diff, known, consistent := m.sampleDiff(i, j, samples)
			if known {
				// one member of each component is enough with data
				root, _ := uf.find(i)
				if tried[root] {
					continue
				}
				tried[root] = true
				if !consistent || diff > maxCellSpan || diff < -maxCellSpan {
					continue
				}
				if m.prove(ctx, s, initial, ai.AddConst(diff).Eq(aj)) {
					link(i, j, diff)
				}
				continue
			}

			candidates := []int64{0, int64(m.all[i].Bytes()), -int64(m.all[j].Bytes())}
			for _, d := range candidates {
				if m.prove(ctx, s, initial, ai.AddConst(d).Eq(aj)) {
					link(i, j, d)
					break
				}
			}
		}
	}
	return adj, nil
}

// enumerateCells flood fills the offset graph from every unassigned access.
func (m *ARM) enumerateCells(adj [][]edge) error {
	n := len(m.all)
	assigned := make([]bool, n)
	offset := make([]int64, n)
	m.cells = m.cells[:0]

	for root := 0; root < n; root++ {
		if assigned[root] {
			continue
		}
		c := &armCell{index: len(m.cells), anchor: root}
		m.cells = append(m.cells, c)
		assigned[root] = true
		offset[root] = 0
		c.minOff, c.maxOff = 0, int64(m.all[root].Bytes())

		work := strategy.NewBFS[int]()
		_ = work.Push(root)
		var members []int
		for work.HasNext() {
			if err := m.stopped(); err != nil {
				return err
			}
			u, _ := work.Pop()
			members = append(members, u)
			m.all[u].Cell = c.index
			if offset[u] < c.minOff {
				c.minOff = offset[u]
			}
			if end := offset[u] + int64(m.all[u].Bytes()); end > c.maxOff {
				c.maxOff = end
			}
			for _, e := range adj[u] {
				if assigned[e.to] {
					continue
				}
				assigned[e.to] = true
				offset[e.to] = offset[u] + e.diff
				_ = work.Push(e.to)
			}
		}

		c.size = c.maxOff - c.minOff
		if 8*c.size > 0xfff0 {
			return errors.Errorf("cell %d spans %d bytes", c.index, c.size)
		}
		c.base = m.all[root].Address.AddConst(c.minOff)
		for _, u := range members {
			m.all[u].CellOffset = int(offset[u] - c.minOff)
		}
		c.runs = runsOf(m.all, members)
	}
	return nil
}

// runsOf merges the byte ranges of members into maximal contiguous runs.
func runsOf(all []Access, members []int) [][2]int64 {
	ranges := make([][2]int64, 0, len(members))
	for _, u := range members {
		lo := int64(all[u].CellOffset)
		ranges = append(ranges, [2]int64{lo, lo + int64(all[u].Bytes())})
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i][0] < ranges[j][0] })
	uf := newUnionFind(len(ranges))
	maxEnd := int64(0)
	for i, r := range ranges {
		if i > 0 && r[0] <= maxEnd {
			uf.union(i-1, i, 0)
		}
		if i == 0 || r[1] > maxEnd {
			maxEnd = r[1]
		}
	}
	var runs [][2]int64
	index := make(map[int]int)
	for i, r := range ranges {
		root, _ := uf.find(i)
		k, ok := index[root]
		if !ok {
			index[root] = len(runs)
			runs = append(runs, r)
			continue
		}
		if r[1] > runs[k][1] {
			runs[k][1] = r[1]
		}
	}
	return runs
}

func (m *ARM) proveDisjoint(ctx context.Context, s smt.Solver, initial []expr.Bool) (bool, error) {
	for x, ci := range m.cells {
		for _, cj := range m.cells[x+1:] {
			for _, ri := range ci.runs {
				for _, rj := range cj.runs {
					if err := m.stopped(); err != nil {
						return false, err
					}
					iLo, iHi := ci.base.AddConst(ri[0]), ci.base.AddConst(ri[1]-1)
					jLo, jHi := cj.base.AddConst(rj[0]), cj.base.AddConst(rj[1]-1)
					apart := iHi.ULt(jLo).Or(jHi.ULt(iLo))
					if !m.prove(ctx, s, initial, apart) {
						log.Debugf("arm: cells %d and %d may overlap", ci.index, cj.index)
						return false, nil
					}
				}
			}
		}
	}
	return true, nil
}

func (m *ARM) side(ac Access, other *ARM) (*ARM, int) {
	if ac.IsOther {
		return other, 1
	}
	return m, 0
}

// touched lists the byte offsets of c covered by some access.
func (c *armCell) touched() []int64 {
	var offs []int64
	for _, r := range c.runs {
		for o := r[0]; o < r[1]; o++ {
			offs = append(offs, o)
		}
	}
	return offs
}

// independentHeaps gives every touched byte its own variable. Each side's
// start heap is a fresh base array updated with those bytes; the final heap
// is the same base updated with the bytes left after all accesses.
func (m *ARM) independentHeaps(other *ARM) {
	type key struct {
		cell int
		off  int64
	}
	for k, mem := range []*ARM{m, other} {
		base := m.a.ArrayVar(fmt.Sprintf("%s_base", mem.name), 64, 8)
		current := make(map[key]expr.BV)
		start := base
		for _, c := range m.cells {
			for _, off := range c.touched() {
				b := m.a.BVVar(fmt.Sprintf("%s_c%d_b%d", mem.name, c.index, off), 8)
				current[key{c.index, off}] = b
				start = start.Store(c.base.AddConst(off), b)
			}
		}
		mem.constraints = append(mem.constraints, mem.start.Eq(start))

		for _, ac := range m.all {
			if ac.IsOther != (k == 1) {
				continue
			}
			c := m.cells[ac.Cell]
			for i := 0; i < ac.Bytes(); i++ {
				kk := key{c.index, int64(ac.CellOffset + i)}
				if ac.Write {
					current[kk] = ac.Value.Byte(uint16(i))
					continue
				}
				mem.constraints = append(mem.constraints, ac.Value.Byte(uint16(i)).Eq(current[kk]))
			}
		}

		if !mem.final.IsNull() {
			final := base
			for _, c := range m.cells {
				for _, off := range c.touched() {
					final = final.Store(c.base.AddConst(off), current[key{c.index, off}])
				}
			}
			mem.constraints = append(mem.constraints, mem.final.Eq(final))
		}
	}
}

func (m *ARM) loadCell(heap expr.Array, c *armCell) expr.BV {
	return readBytes(heap, c.base, uint16(8*c.size))
}

func (m *ARM) storeCell(heap expr.Array, c *armCell, v expr.BV) expr.Array {
	for i := int64(0); i < c.size; i++ {
		heap = heap.Store(c.base.AddConst(i), v.Byte(uint16(i)))
	}
	return heap
}

// simulate replays all accesses against per-side heaps through per-cell
// caches. Before a cell is touched every other dirty cell is written back;
// the cell is reloaded only when its side's heap changed since it was
// cached. At most one cell per side is dirty at any time.
func (m *ARM) simulate(other *ARM) error {
	var heaps [2]expr.Array
	var versions [2]int
	heaps[0], heaps[1] = m.start, other.start
	for _, c := range m.cells {
		c.version = [2]int{-1, -1}
		c.dirty = [2]bool{}
	}

	flush := func(k int, except int) {
		for _, d := range m.cells {
			if d.index == except || !d.dirty[k] {
				continue
			}
			heaps[k] = m.storeCell(heaps[k], d, d.cache[k])
			versions[k]++
			d.dirty[k] = false
			d.version[k] = versions[k]
		}
	}

	for _, ac := range m.all {
		if err := m.stopped(); err != nil {
			return err
		}
		mem, k := m.side(ac, other)
		c := m.cells[ac.Cell]
		flush(k, c.index)
		if c.version[k] != versions[k] {
			c.cache[k] = m.loadCell(heaps[k], c)
			c.version[k] = versions[k]
		}

		lo := uint16(8 * ac.CellOffset)
		hi := lo + ac.Size
		if !ac.Write {
			mem.constraints = append(mem.constraints, ac.Value.Eq(c.cache[k].Extract(hi-1, lo)))
			continue
		}
		width := c.cache[k].Width()
		updated := ac.Value
		if lo > 0 {
			updated = updated.Concat(c.cache[k].Extract(lo-1, 0))
		}
		if hi < width {
			updated = c.cache[k].Extract(width-1, hi).Concat(updated)
		}
		next := m.a.BVVar(fmt.Sprintf("%s_cache%d_%d", mem.name, c.index, len(mem.constraints)), width)
		mem.constraints = append(mem.constraints, next.Eq(updated))
		c.cache[k] = next
		c.dirty[k] = true
	}

	for k, mem := range []*ARM{m, other} {
		flush(k, -1)
		if !mem.final.IsNull() {
			mem.constraints = append(mem.constraints, mem.final.Eq(heaps[k]))
		}
	}
	return nil
}
