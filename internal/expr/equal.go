package expr

type idPair struct {
	x, y ID
}

// Equals reports structural equality. Null only equals null.
func (x BV) Equals(y BV) bool {
	return equalTerms(x.a, x.id, y.a, y.id)
}

func (x Bool) Equals(y Bool) bool {
	return equalTerms(x.a, x.id, y.a, y.id)
}

func (x Array) Equals(y Array) bool {
	return equalTerms(x.a, x.id, y.a, y.id)
}

// Equal compares two terms of any sort.
func Equal(x, y Term) bool {
	if x == nil || y == nil {
		return x == nil && y == nil
	}
	return equalTerms(x.Arena(), x.ID(), y.Arena(), y.ID())
}

func equalTerms(xa *Arena, x ID, ya *Arena, y ID) bool {
	xnull := xa == nil || x == 0
	ynull := ya == nil || y == 0
	if xnull || ynull {
		return xnull && ynull
	}
	memo := make(map[idPair]bool)
	return equalNodes(xa, x, ya, y, memo)
}

func equalNodes(xa *Arena, x ID, ya *Arena, y ID, memo map[idPair]bool) bool {
	if xa == ya && x == y {
		return true
	}
	key := idPair{x, y}
	if eq, ok := memo[key]; ok {
		return eq
	}
	nx, ny := xa.node(x), ya.node(y)
	eq := shallowEqual(nx, ny)
	for i := 0; eq && i < len(nx.args); i++ {
		eq = equalNodes(xa, nx.args[i], ya, ny.args[i], memo)
	}
	for i := 0; eq && i < len(nx.pats); i++ {
		eq = equalNodes(xa, nx.pats[i], ya, ny.pats[i], memo)
	}
	memo[key] = eq
	return eq
}

func shallowEqual(nx, ny *node) bool {
	if nx.hash != ny.hash || nx.kind != ny.kind || nx.width != ny.width || nx.aux != ny.aux {
		return false
	}
	if nx.name != ny.name || len(nx.args) != len(ny.args) || len(nx.pats) != len(ny.pats) {
		return false
	}
	if (nx.value == nil) != (ny.value == nil) {
		return false
	}
	return nx.value == nil || nx.value.Cmp(ny.value) == 0
}
