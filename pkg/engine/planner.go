package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Stage is a set of resources that can be deployed or revoked concurrently.
type Stage struct {
	// Index is the stage position in deploy order. Reversed plans keep the
	// original indexes so stages can be matched across directions.
	Index int `json:"index"`

	// Resources is sorted by id.
	Resources []ResourceID `json:"resources"`
}

// Plan is an ordered sequence of stages derived from a forest.
type Plan struct {
	ID        string    `json:"id"`
	Reversed  bool      `json:"reversed"`
	Stages    []Stage   `json:"stages"`
	CreatedAt time.Time `json:"created_at"`
}

// Len returns the number of resources across all stages.
func (p *Plan) Len() int {
	n := 0
	for _, s := range p.Stages {
		n += len(s.Resources)
	}
	return n
}

// StageOf returns the stage index of a resource.
func (p *Plan) StageOf(id ResourceID) (int, bool) {
	for _, s := range p.Stages {
		for _, r := range s.Resources {
			if r == id {
				return s.Index, true
			}
		}
	}
	return 0, false
}

// Reverse returns a copy of the plan with stages in last-to-first order.
func (p *Plan) Reverse() *Plan {
	out := &Plan{
		ID:        p.ID,
		Reversed:  !p.Reversed,
		Stages:    make([]Stage, len(p.Stages)),
		CreatedAt: p.CreatedAt,
	}
	for i, s := range p.Stages {
		out.Stages[len(p.Stages)-1-i] = Stage{
			Index:     s.Index,
			Resources: append([]ResourceID(nil), s.Resources...),
		}
	}
	return out
}

// String renders the plan as "[0: 1 2] [1: 3]".
func (p *Plan) String() string {
	parts := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		ids := make([]string, len(s.Resources))
		for j, id := range s.Resources {
			ids[j] = id.String()
		}
		parts[i] = fmt.Sprintf("[%d: %s]", s.Index, strings.Join(ids, " "))
	}
	return strings.Join(parts, " ")
}

// ToDOT renders the plan with one cluster per stage and containment edges.
func (p *Plan) ToDOT(forest *Forest) string {
	var sb strings.Builder

	sb.WriteString("digraph Plan {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, stage := range p.Stages {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_stage_%d {\n", stage.Index))
		sb.WriteString(fmt.Sprintf("    label=\"Stage %d\";\n", stage.Index))
		sb.WriteString("    style=dashed;\n")
		for _, id := range stage.Resources {
			label := id.String()
			color := statusColor(StatusCreated)
			if res, ok := forest.Resource(id); ok {
				label = fmt.Sprintf("%s\\n%s", res.Name, res.Type)
				color = statusColor(res.Status)
			}
			sb.WriteString(fmt.Sprintf("    \"%d\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, label, color))
		}
		sb.WriteString("  }\n\n")
	}

	for _, res := range forest.Resources() {
		for _, child := range forest.Children(res.ID) {
			if p.Reversed {
				sb.WriteString(fmt.Sprintf("  \"%d\" -> \"%d\";\n", child, res.ID))
			} else {
				sb.WriteString(fmt.Sprintf("  \"%d\" -> \"%d\";\n", res.ID, child))
			}
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// Planner converts forests into stage plans.
//
// A root in ordering class k lands in stage k. A child in ordering class k
// of a parent placed in stage p lands in stage p+1+k. Stages from different
// trees with the same index are merged, which yields a breadth-first walk
// where same-depth nodes are further grouped by sequence number. Nothing in
// the walk assumes a fixed tree depth.
type Planner struct{}

// NewPlanner creates a planner.
func NewPlanner() *Planner {
	return &Planner{}
}

// BuildPlan builds the deploy-order plan for a forest.
func (p *Planner) BuildPlan(forest *Forest) (*Plan, error) {
	if forest == nil {
		return nil, invalidSpec("forest is nil")
	}

	stageOf := make(map[ResourceID]int, forest.Len())
	var assign func(parent ResourceID, base int)
	assign = func(parent ResourceID, base int) {
		for k, class := range forest.OrderingClasses(parent) {
			for _, id := range class {
				stageOf[id] = base + k
				assign(id, base+k+1)
			}
		}
	}
	assign(0, 0)

	buckets := make(map[int][]ResourceID)
	for id, s := range stageOf {
		buckets[s] = append(buckets[s], id)
	}
	indexes := make([]int, 0, len(buckets))
	for s := range buckets {
		indexes = append(indexes, s)
	}
	sort.Ints(indexes)

	plan := &Plan{
		ID:        uuid.New().String(),
		Stages:    make([]Stage, 0, len(indexes)),
		CreatedAt: time.Now(),
	}
	for i, s := range indexes {
		ids := buckets[s]
		sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
		plan.Stages = append(plan.Stages, Stage{Index: i, Resources: ids})
	}

	if err := p.ValidatePlan(plan, forest); err != nil {
		return nil, err
	}
	return plan, nil
}

// ValidatePlan checks the ordering guarantees of a deploy-order plan: every
// resource is placed once, children come strictly after their parent, and
// within a sibling group stage order follows sequence order.
func (p *Planner) ValidatePlan(plan *Plan, forest *Forest) error {
	if plan.Reversed {
		plan = plan.Reverse()
	}

	placed := make(map[ResourceID]int, forest.Len())
	for _, stage := range plan.Stages {
		for _, id := range stage.Resources {
			if _, dup := placed[id]; dup {
				return NewPermanentError("resource placed in two stages", nil).
					WithCode(ErrCodeInternal).WithResource(id)
			}
			placed[id] = stage.Index
		}
	}
	if len(placed) != forest.Len() {
		return NewPermanentError(
			fmt.Sprintf("plan covers %d of %d resources", len(placed), forest.Len()), nil).
			WithCode(ErrCodeInternal)
	}

	for _, res := range forest.Resources() {
		if parent := forest.Parent(res.ID); parent != 0 && placed[parent] >= placed[res.ID] {
			return NewPermanentError("child is not staged after its parent", nil).
				WithCode(ErrCodeInternal).WithResource(res.ID)
		}
	}

	groups := append([]ResourceID{0}, sortedKeys(placed)...)
	for _, parent := range groups {
		classes := forest.OrderingClasses(parent)
		for k, class := range classes {
			for _, id := range class {
				if placed[id] != placed[class[0]] {
					return NewPermanentError("equal sequence siblings split across stages", nil).
						WithCode(ErrCodeInternal).WithResource(id)
				}
			}
			if k > 0 && placed[classes[k-1][0]] >= placed[class[0]] {
				return NewPermanentError("sibling classes out of order", nil).
					WithCode(ErrCodeInternal).WithResource(class[0])
			}
		}
	}
	return nil
}

func sortedKeys(m map[ResourceID]int) []ResourceID {
	keys := make([]ResourceID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
