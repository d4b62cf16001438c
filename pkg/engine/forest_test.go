package engine

import (
	"errors"
	"strings"
	"testing"
)

func res(id ResourceID, level, seq int, children ...ResourceID) *Resource {
	form := FormSingle
	if len(children) > 0 {
		form = FormComposite
	}
	return &Resource{
		ID:       id,
		Name:     "r" + id.String(),
		Type:     ResourceTypeApp,
		Form:     form,
		Level:    level,
		Sequence: seq,
		Children: children,
		Status:   StatusCreated,
	}
}

func TestBuildForest_Basic(t *testing.T) {
	forest, err := BuildForest([]*Resource{
		res(1, 0, 1, 2, 3),
		res(2, 1, 2),
		res(3, 1, 1),
		res(4, 0, 0),
	})
	if err != nil {
		t.Fatalf("BuildForest failed: %v", err)
	}

	roots := forest.Roots()
	if len(roots) != 2 || roots[0] != 4 || roots[1] != 1 {
		t.Errorf("expected roots [4 1] ordered by sequence, got %v", roots)
	}
	children := forest.Children(1)
	if len(children) != 2 || children[0] != 3 || children[1] != 2 {
		t.Errorf("expected children [3 2] ordered by sequence, got %v", children)
	}
	if forest.Parent(2) != 1 {
		t.Errorf("expected parent 1, got %d", forest.Parent(2))
	}
	node, _ := forest.Node(2)
	if node.Depth != 1 {
		t.Errorf("expected depth 1, got %d", node.Depth)
	}
}

func TestBuildForest_LevelViolation(t *testing.T) {
	_, err := BuildForest([]*Resource{
		res(1, 1, 0, 2),
		res(2, 1, 0),
	})
	if !errors.Is(err, ErrLevelViolation) {
		t.Fatalf("expected LEVEL_VIOLATION, got %v", err)
	}
	var engErr *EngineError
	if errors.As(err, &engErr) && engErr.Resource != 2 {
		t.Errorf("expected violation reported on child 2, got %d", engErr.Resource)
	}
}

func TestBuildForest_CycleDetected(t *testing.T) {
	_, err := BuildForest([]*Resource{
		res(1, 0, 0, 2),
		res(2, 1, 0, 3),
		res(3, 2, 0, 1),
	})
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected CYCLE_DETECTED, got %v", err)
	}
	if !strings.Contains(err.Error(), "1 -> 2 -> 3 -> 1") {
		t.Errorf("expected cycle path in message, got %q", err.Error())
	}
}

func TestBuildForest_SelfContainment(t *testing.T) {
	_, err := BuildForest([]*Resource{res(1, 0, 0, 1)})
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected CYCLE_DETECTED, got %v", err)
	}
}

func TestBuildForest_TwoParents(t *testing.T) {
	_, err := BuildForest([]*Resource{
		res(1, 0, 0, 3),
		res(2, 0, 0, 3),
		res(3, 1, 0),
	})
	if !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("expected INVALID_SPEC, got %v", err)
	}
}

func TestBuildForest_IgnoresEdgesOutsideInput(t *testing.T) {
	child := res(2, 1, 0)
	child.ParentID = 1
	forest, err := BuildForest([]*Resource{child})
	if err != nil {
		t.Fatalf("BuildForest failed: %v", err)
	}
	if roots := forest.Roots(); len(roots) != 1 || roots[0] != 2 {
		t.Errorf("expected orphan to become a root, got %v", roots)
	}
}

func TestBuildForest_ParentIDBackReference(t *testing.T) {
	child := res(2, 1, 0)
	child.ParentID = 1
	parent := res(1, 0, 0)
	parent.Form = FormComposite

	forest, err := BuildForest([]*Resource{parent, child})
	if err != nil {
		t.Fatalf("BuildForest failed: %v", err)
	}
	if forest.Parent(2) != 1 {
		t.Errorf("expected back-reference edge, got parent %d", forest.Parent(2))
	}
}

func TestBuildForest_Deterministic(t *testing.T) {
	input := []*Resource{res(5, 0, 2), res(3, 0, 1), res(1, 0, 1, 2), res(2, 1, 0)}
	reversed := []*Resource{input[3], input[2], input[1], input[0]}

	a, err := BuildForest(input)
	if err != nil {
		t.Fatal(err)
	}
	b, err := BuildForest(reversed)
	if err != nil {
		t.Fatal(err)
	}
	if a.ToDOT() != b.ToDOT() {
		t.Error("forest depends on input order")
	}
}

func TestForest_OrderingClasses(t *testing.T) {
	forest, err := BuildForest([]*Resource{
		res(1, 0, 0, 2, 3, 4, 5),
		res(2, 1, 1), res(3, 1, 1), res(4, 1, 2), res(5, 1, 0),
	})
	if err != nil {
		t.Fatal(err)
	}

	classes := forest.OrderingClasses(1)
	if len(classes) != 3 {
		t.Fatalf("expected 3 classes, got %v", classes)
	}
	if len(classes[0]) != 1 || classes[0][0] != 5 {
		t.Errorf("class 0: expected [5], got %v", classes[0])
	}
	if len(classes[1]) != 2 || classes[1][0] != 2 || classes[1][1] != 3 {
		t.Errorf("class 1: expected [2 3], got %v", classes[1])
	}
	if len(classes[2]) != 1 || classes[2][0] != 4 {
		t.Errorf("class 2: expected [4], got %v", classes[2])
	}
}

func TestForest_DescendantsAndSelect(t *testing.T) {
	forest, err := BuildForest([]*Resource{
		res(1, 0, 0, 2),
		res(2, 1, 0, 3),
		res(3, 2, 0),
		res(4, 0, 1),
	})
	if err != nil {
		t.Fatal(err)
	}

	desc := forest.Descendants(1)
	if len(desc) != 2 || desc[0] != 2 || desc[1] != 3 {
		t.Errorf("expected descendants [2 3], got %v", desc)
	}
	if anc := forest.Ancestors(3); len(anc) != 2 || anc[0] != 2 || anc[1] != 1 {
		t.Errorf("expected ancestors [2 1], got %v", anc)
	}

	sub, err := forest.Select(2)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sub.Len() != 2 {
		t.Errorf("expected 2 resources in sub-forest, got %d", sub.Len())
	}
	if roots := sub.Roots(); len(roots) != 1 || roots[0] != 2 {
		t.Errorf("expected sub-forest root 2, got %v", roots)
	}

	if _, err := forest.Select(9); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestForest_ToDOT(t *testing.T) {
	forest, err := BuildForest([]*Resource{res(1, 0, 0, 2), res(2, 1, 0)})
	if err != nil {
		t.Fatal(err)
	}
	dot := forest.ToDOT()

	for _, want := range []string{"digraph Forest", "cluster_tree_1", "\"1\" -> \"2\""} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT output missing %q:\n%s", want, dot)
		}
	}
}
