package engine

import (
	"math/rand"
	"strings"
	"testing"
)

func mustPlan(t *testing.T, resources ...*Resource) (*Plan, *Forest) {
	t.Helper()
	forest, err := BuildForest(resources)
	if err != nil {
		t.Fatalf("BuildForest failed: %v", err)
	}
	plan, err := NewPlanner().BuildPlan(forest)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}
	return plan, forest
}

func assertStages(t *testing.T, plan *Plan, want [][]ResourceID) {
	t.Helper()
	if len(plan.Stages) != len(want) {
		t.Fatalf("expected %d stages, got %s", len(want), plan)
	}
	for i, stage := range plan.Stages {
		if len(stage.Resources) != len(want[i]) {
			t.Fatalf("stage %d: expected %v, got %s", i, want[i], plan)
		}
		for j := range want[i] {
			if stage.Resources[j] != want[i][j] {
				t.Fatalf("stage %d: expected %v, got %s", i, want[i], plan)
			}
		}
	}
}

func TestPlanner_OSWithOrderedApps(t *testing.T) {
	// OS1 contains App1 (seq 1) and App2 (seq 2).
	plan, _ := mustPlan(t, res(1, 0, 1, 2, 3), res(2, 1, 1), res(3, 1, 2))
	assertStages(t, plan, [][]ResourceID{{1}, {2}, {3}})
}

func TestPlanner_EqualSequenceRootsShareStage(t *testing.T) {
	plan, _ := mustPlan(t, res(1, 0, 1), res(2, 0, 1))
	assertStages(t, plan, [][]ResourceID{{1, 2}})
}

func TestPlanner_MergesStagesAcrossTrees(t *testing.T) {
	// Two OS roots with the same sequence, each with one app.
	plan, _ := mustPlan(t,
		res(1, 0, 0, 3), res(2, 0, 0, 4),
		res(3, 1, 0), res(4, 1, 0),
	)
	assertStages(t, plan, [][]ResourceID{{1, 2}, {3, 4}})
}

func TestPlanner_RootClassesAndChildren(t *testing.T) {
	// Root 1 (seq 0) has a child; root 2 (seq 1) starts after root 1's class.
	plan, _ := mustPlan(t, res(1, 0, 0, 3), res(2, 0, 1), res(3, 1, 0))
	assertStages(t, plan, [][]ResourceID{{1}, {2, 3}})
}

func TestPlanner_DepthGeneric(t *testing.T) {
	plan, _ := mustPlan(t,
		res(1, 0, 0, 2),
		res(2, 1, 0, 3),
		res(3, 2, 0, 4),
		res(4, 3, 0),
	)
	assertStages(t, plan, [][]ResourceID{{1}, {2}, {3}, {4}})
}

func TestPlanner_Reverse(t *testing.T) {
	plan, _ := mustPlan(t, res(1, 0, 1, 2, 3), res(2, 1, 1), res(3, 1, 2))
	reversed := plan.Reverse()

	if !reversed.Reversed {
		t.Error("expected Reversed flag")
	}
	assertStages(t, reversed, [][]ResourceID{{3}, {2}, {1}})
	if reversed.Stages[0].Index != 2 || reversed.Stages[2].Index != 0 {
		t.Errorf("reversed plan must keep original stage indexes, got %s", reversed)
	}
	if plan.Stages[0].Resources[0] != 1 {
		t.Error("Reverse mutated the original plan")
	}
}

func TestPlanner_EmptyForest(t *testing.T) {
	plan, _ := mustPlan(t)
	if len(plan.Stages) != 0 || plan.Len() != 0 {
		t.Errorf("expected empty plan, got %s", plan)
	}
}

// randomForest builds a depth-bounded forest with random sibling sequences.
func randomForest(rng *rand.Rand, maxDepth int) []*Resource {
	var out []*Resource
	next := ResourceID(1)
	var grow func(level int) ResourceID
	grow = func(level int) ResourceID {
		r := res(next, level, rng.Intn(3))
		next++
		out = append(out, r)
		if level < maxDepth {
			for i := rng.Intn(4); i > 0; i-- {
				r.Children = append(r.Children, grow(level+1+rng.Intn(2)))
			}
		}
		if len(r.Children) > 0 {
			r.Form = FormComposite
		}
		return r.ID
	}
	for i := rng.Intn(4) + 1; i > 0; i-- {
		grow(rng.Intn(2))
	}
	return out
}

func TestPlanner_OrderingProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for iter := 0; iter < 200; iter++ {
		resources := randomForest(rng, 4)
		plan, forest := mustPlan(t, resources...)

		if plan.Len() != len(resources) {
			t.Fatalf("iteration %d: plan covers %d of %d resources", iter, plan.Len(), len(resources))
		}

		for _, r := range resources {
			stage, ok := plan.StageOf(r.ID)
			if !ok {
				t.Fatalf("iteration %d: resource %d not planned", iter, r.ID)
			}
			if parent := forest.Parent(r.ID); parent != 0 {
				parentStage, _ := plan.StageOf(parent)
				if stage <= parentStage {
					t.Fatalf("iteration %d: child %d stage %d not after parent %d stage %d",
						iter, r.ID, stage, parent, parentStage)
				}
			}
		}

		groups := append([]ResourceID{0}, forestIDs(forest)...)
		for _, parent := range groups {
			var siblings []ResourceID
			if parent == 0 {
				siblings = forest.Roots()
			} else {
				siblings = forest.Children(parent)
			}
			for _, a := range siblings {
				for _, b := range siblings {
					ra, _ := forest.Resource(a)
					rb, _ := forest.Resource(b)
					sa, _ := plan.StageOf(a)
					sb, _ := plan.StageOf(b)
					if ra.Sequence == rb.Sequence && sa != sb {
						t.Fatalf("iteration %d: equal-sequence siblings %d and %d in stages %d and %d",
							iter, a, b, sa, sb)
					}
					if ra.Sequence < rb.Sequence && sa >= sb {
						t.Fatalf("iteration %d: sibling %d (seq %d) not before %d (seq %d)",
							iter, a, ra.Sequence, b, rb.Sequence)
					}
				}
			}
		}
	}
}

func forestIDs(f *Forest) []ResourceID {
	var ids []ResourceID
	for _, r := range f.Resources() {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestPlan_ToDOT(t *testing.T) {
	plan, forest := mustPlan(t, res(1, 0, 0, 2), res(2, 1, 0))
	dot := plan.ToDOT(forest)
	if dot == "" {
		t.Fatal("empty DOT output")
	}
	for _, want := range []string{"cluster_stage_0", "cluster_stage_1"} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT output missing %q", want)
		}
	}
}
