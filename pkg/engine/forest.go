package engine

import (
	"fmt"
	"sort"
	"strings"
)

// ForestNode is one resource in a Forest with its resolved containment edges.
type ForestNode struct {
	Resource *Resource
	Parent   ResourceID

	// Children is sorted by (sequence, id).
	Children []ResourceID

	// Depth is the distance from the node's root.
	Depth int
}

// Forest is the set of containment trees built from a flat resource set.
// Nodes are addressed by id; edges are plain id references.
type Forest struct {
	nodes map[ResourceID]*ForestNode
	roots []ResourceID
}

// BuildForest builds a forest from the resources' containment edges. Edges
// to resources outside the input set are ignored, so any subset of the
// registry forms a valid forest. The result is deterministic for a given set.
func BuildForest(resources []*Resource) (*Forest, error) {
	f := &Forest{nodes: make(map[ResourceID]*ForestNode, len(resources))}

	for _, res := range resources {
		if res == nil {
			continue
		}
		if _, exists := f.nodes[res.ID]; exists {
			return nil, NewPermanentError("duplicate resource in forest input", nil).
				WithCode(ErrCodeDuplicateID).
				WithResource(res.ID)
		}
		f.nodes[res.ID] = &ForestNode{Resource: res.Clone()}
	}

	if err := f.linkEdges(); err != nil {
		return nil, err
	}
	if err := f.detectCycles(); err != nil {
		return nil, err
	}
	if err := f.checkLevels(); err != nil {
		return nil, err
	}

	for _, id := range f.sortedIDs() {
		node := f.nodes[id]
		if node.Parent == 0 {
			f.roots = append(f.roots, id)
		}
		f.sortBySequence(node.Children)
	}
	f.sortBySequence(f.roots)
	f.computeDepths()

	return f, nil
}

// linkEdges resolves parent->child edges from both Children lists and
// ParentID back-references.
func (f *Forest) linkEdges() error {
	link := func(parentID, childID ResourceID) error {
		child, ok := f.nodes[childID]
		if !ok {
			return nil
		}
		if _, ok := f.nodes[parentID]; !ok {
			return nil
		}
		if child.Parent == parentID {
			return nil
		}
		if child.Parent != 0 {
			return invalidSpec("resource %d has two parents: %d and %d",
				childID, child.Parent, parentID).WithResource(childID)
		}
		child.Parent = parentID
		f.nodes[parentID].Children = append(f.nodes[parentID].Children, childID)
		return nil
	}

	for _, id := range f.sortedIDs() {
		res := f.nodes[id].Resource
		for _, childID := range res.Children {
			if err := link(id, childID); err != nil {
				return err
			}
		}
	}
	for _, id := range f.sortedIDs() {
		res := f.nodes[id].Resource
		if res.ParentID != 0 {
			if err := link(res.ParentID, id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *Forest) detectCycles() error {
	visited := make(map[ResourceID]bool)
	recStack := make(map[ResourceID]bool)

	for _, id := range f.sortedIDs() {
		if visited[id] {
			continue
		}
		if cycle := f.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
			return NewPermanentError(
				fmt.Sprintf("containment cycle detected: %s", formatCycle(cycle)), nil).
				WithCode(ErrCodeCycleDetected).
				WithResource(cycle[0])
		}
	}
	return nil
}

func (f *Forest) detectCyclesUtil(
	id ResourceID,
	visited map[ResourceID]bool,
	recStack map[ResourceID]bool,
	path []ResourceID,
) []ResourceID {
	visited[id] = true
	recStack[id] = true
	path = append(path, id)

	for _, child := range f.nodes[id].Children {
		if !visited[child] {
			if cycle := f.detectCyclesUtil(child, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[child] {
			for i, p := range path {
				if p == child {
					return append(append([]ResourceID(nil), path[i:]...), child)
				}
			}
		}
	}

	recStack[id] = false
	return nil
}

func (f *Forest) checkLevels() error {
	for _, id := range f.sortedIDs() {
		node := f.nodes[id]
		for _, childID := range node.Children {
			child := f.nodes[childID]
			if node.Resource.Level >= child.Resource.Level {
				return NewPermanentError(
					fmt.Sprintf("parent %d level %d is not lower than child %d level %d",
						id, node.Resource.Level, childID, child.Resource.Level), nil).
					WithCode(ErrCodeLevelViolation).
					WithResource(childID)
			}
		}
	}
	return nil
}

func (f *Forest) computeDepths() {
	queue := append([]ResourceID(nil), f.roots...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		node := f.nodes[id]
		for _, childID := range node.Children {
			f.nodes[childID].Depth = node.Depth + 1
			queue = append(queue, childID)
		}
	}
}

func (f *Forest) sortBySequence(ids []ResourceID) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := f.nodes[ids[i]].Resource, f.nodes[ids[j]].Resource
		if a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		return a.ID < b.ID
	})
}

func (f *Forest) sortedIDs() []ResourceID {
	ids := make([]ResourceID, 0, len(f.nodes))
	for id := range f.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of resources in the forest.
func (f *Forest) Len() int {
	return len(f.nodes)
}

// Roots returns the root ids sorted by (sequence, id).
func (f *Forest) Roots() []ResourceID {
	return append([]ResourceID(nil), f.roots...)
}

// Node returns the node for a resource.
func (f *Forest) Node(id ResourceID) (*ForestNode, bool) {
	n, ok := f.nodes[id]
	return n, ok
}

// Resource returns the resource snapshot held by the forest.
func (f *Forest) Resource(id ResourceID) (*Resource, bool) {
	n, ok := f.nodes[id]
	if !ok {
		return nil, false
	}
	return n.Resource, true
}

// Resources returns every resource ordered by id.
func (f *Forest) Resources() []*Resource {
	out := make([]*Resource, 0, len(f.nodes))
	for _, id := range f.sortedIDs() {
		out = append(out, f.nodes[id].Resource)
	}
	return out
}

// Parent returns the parent id within the forest, zero for roots.
func (f *Forest) Parent(id ResourceID) ResourceID {
	if n, ok := f.nodes[id]; ok {
		return n.Parent
	}
	return 0
}

// Children returns the children of a resource sorted by (sequence, id).
func (f *Forest) Children(id ResourceID) []ResourceID {
	if n, ok := f.nodes[id]; ok {
		return append([]ResourceID(nil), n.Children...)
	}
	return nil
}

// Ancestors returns the parent chain of a resource, nearest first.
func (f *Forest) Ancestors(id ResourceID) []ResourceID {
	var out []ResourceID
	for p := f.Parent(id); p != 0; p = f.Parent(p) {
		out = append(out, p)
	}
	return out
}

// Descendants returns every transitive child of a resource in breadth-first order.
func (f *Forest) Descendants(id ResourceID) []ResourceID {
	var out []ResourceID
	queue := f.Children(id)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		out = append(out, next)
		queue = append(queue, f.nodes[next].Children...)
	}
	return out
}

// OrderingClasses partitions a sibling group into classes of equal sequence
// number, ascending. parent zero selects the roots.
func (f *Forest) OrderingClasses(parent ResourceID) [][]ResourceID {
	siblings := f.roots
	if parent != 0 {
		n, ok := f.nodes[parent]
		if !ok {
			return nil
		}
		siblings = n.Children
	}

	var classes [][]ResourceID
	for i, id := range siblings {
		seq := f.nodes[id].Resource.Sequence
		if i == 0 || seq != f.nodes[siblings[i-1]].Resource.Sequence {
			classes = append(classes, nil)
		}
		classes[len(classes)-1] = append(classes[len(classes)-1], id)
	}
	return classes
}

// Select returns the sub-forest made of the given resources and all of their
// descendants. Unknown ids fail with ErrCodeNotFound.
func (f *Forest) Select(ids ...ResourceID) (*Forest, error) {
	picked := make(map[ResourceID]bool)
	for _, id := range ids {
		if _, ok := f.nodes[id]; !ok {
			return nil, notFound(id)
		}
		picked[id] = true
		for _, d := range f.Descendants(id) {
			picked[d] = true
		}
	}
	resources := make([]*Resource, 0, len(picked))
	for _, id := range f.sortedIDs() {
		if picked[id] {
			resources = append(resources, f.nodes[id].Resource)
		}
	}
	return BuildForest(resources)
}

// ToDOT renders the forest in Graphviz DOT format, one cluster per tree.
func (f *Forest) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Forest {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, root := range f.roots {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_tree_%d {\n", root))
		sb.WriteString(fmt.Sprintf("    label=%q;\n", f.nodes[root].Resource.Name))
		sb.WriteString("    style=dashed;\n")

		members := append([]ResourceID{root}, f.Descendants(root)...)
		for _, id := range members {
			res := f.nodes[id].Resource
			label := fmt.Sprintf("%s\\n%s seq=%d", res.Name, res.Status, res.Sequence)
			sb.WriteString(fmt.Sprintf("    \"%d\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, label, statusColor(res.Status)))
		}
		sb.WriteString("  }\n\n")
	}

	for _, id := range f.sortedIDs() {
		for _, child := range f.nodes[id].Children {
			sb.WriteString(fmt.Sprintf("  \"%d\" -> \"%d\";\n", id, child))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func formatCycle(cycle []ResourceID) string {
	parts := make([]string, len(cycle))
	for i, id := range cycle {
		parts[i] = id.String()
	}
	return strings.Join(parts, " -> ")
}

func statusColor(s ResourceStatus) string {
	switch s {
	case StatusPrepared, StatusUsing:
		return "lightgreen"
	case StatusException:
		return "lightcoral"
	case StatusDeployed, StatusRevoking:
		return "lightyellow"
	case StatusUnavailable, StatusDeleted:
		return "lightgray"
	default:
		return "lightblue"
	}
}
