package memory

// unionFind merges conflict sets into connected components over memory
// ids. Recall builds one per request, so there is no locking; insertion
// order is tracked to keep component output deterministic.
type unionFind struct {
	parent map[string]string
	order  []string
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[string]string)}
}

// add registers an id as its own component if it is not already known.
func (u *unionFind) add(id string) {
	if _, ok := u.parent[id]; ok {
		return
	}
	u.parent[id] = id
	u.order = append(u.order, id)
}

// find returns the root of id's component, compressing the path walked.
func (u *unionFind) find(id string) string {
	root := id
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for u.parent[id] != root {
		u.parent[id], id = root, u.parent[id]
	}
	return root
}

// union merges the components containing a and b, registering either id
// if unseen.
func (u *unionFind) union(a, b string) {
	u.add(a)
	u.add(b)
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}

// components returns every component as a slice of member ids. Components
// appear in the insertion order of their earliest member, and members
// within a component in their own insertion order.
func (u *unionFind) components() [][]string {
	byRoot := make(map[string][]string)
	var roots []string
	for _, id := range u.order {
		root := u.find(id)
		if _, ok := byRoot[root]; !ok {
			roots = append(roots, root)
		}
		byRoot[root] = append(byRoot[root], id)
	}

	out := make([][]string, 0, len(roots))
	for _, root := range roots {
		out = append(out, byRoot[root])
	}
	return out
}
