package resolver

// unionFind tracks connectivity groups of product ids
type unionFind struct {
	parent map[string]string
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[string]string)}
}

func (u *unionFind) add(id string) {
	if _, ok := u.parent[id]; !ok {
		u.parent[id] = id
	}
}

func (u *unionFind) find(id string) string {
	for u.parent[id] != id {
		u.parent[id] = u.parent[u.parent[id]]
		id = u.parent[id]
	}
	return id
}

func (u *unionFind) union(a, b string) {
	u.add(a)
	u.add(b)
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}

// sets returns the groups in the order their first member appears in order
func (u *unionFind) sets(order []string) [][]string {
	index := make(map[string]int)
	var sets [][]string
	for _, id := range order {
		root := u.find(id)
		i, ok := index[root]
		if !ok {
			i = len(sets)
			index[root] = i
			sets = append(sets, nil)
		}
		sets[i] = append(sets[i], id)
	}
	return sets
}
