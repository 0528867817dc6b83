package memory

// unionFind partitions 0..n-1. Each union records the offset between the
// two elements so that every member knows its distance to the root.
type unionFind struct {
	parent []int
	// offset[i] is the address of i minus the address of parent[i]
	offset []int64
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), offset: make([]int64, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

// find returns the root of i and the offset of i from the root.
func (uf *unionFind) find(i int) (int, int64) {
	root := i
	var off int64
	for uf.parent[root] != root {
		off += uf.offset[root]
		root = uf.parent[root]
	}
	// path compression
	cur, curOff := i, off
	for uf.parent[cur] != cur {
		next, nextOff := uf.parent[cur], curOff-uf.offset[cur]
		uf.parent[cur], uf.offset[cur] = root, curOff
		cur, curOff = next, nextOff
	}
	return root, off
}

func (uf *unionFind) same(i, j int) bool {
	ri, _ := uf.find(i)
	rj, _ := uf.find(j)
	return ri == rj
}

// union records address(j) = address(i) + diff.
func (uf *unionFind) union(i, j int, diff int64) {
	ri, oi := uf.find(i)
	rj, oj := uf.find(j)
	if ri == rj {
		return
	}
	// address(rj) = address(j) - oj = address(i) + diff - oj = address(ri) + oi + diff - oj
	uf.parent[rj] = ri
	uf.offset[rj] = oi + diff - oj
}

func (uf *unionFind) roots() []int {
	var out []int
	for i := range uf.parent {
		if r, _ := uf.find(i); r == i {
			out = append(out, i)
		}
	}
	return out
}
