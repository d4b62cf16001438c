package config

import (
	"context"
	"fmt"
	"sort"

	"github.com/rangekeeper/rangekeeper/pkg/engine"
)

// SceneLabel is the label Apply puts on every resource of a scene.
const SceneLabel = "rangekeeper.io/scene"

// Validate checks the structure of the scene: unique keys, known parents,
// acyclic containment, explicit forms that match usage, and levels that
// grow from parent to child.
func (s *Scene) Validate() error {
	var problems ValidationErrors
	add := func(key, format string, args ...interface{}) {
		problems = append(problems, ValidationError{
			File:    s.Source,
			Path:    "resources." + key,
			Message: fmt.Sprintf(format, args...),
		})
	}

	byKey := make(map[string]*SceneResource, len(s.Resources))
	for i := range s.Resources {
		res := &s.Resources[i]
		if _, dup := byKey[res.Key]; dup {
			add(res.Key, "duplicate resource key")
			continue
		}
		byKey[res.Key] = res
	}

	hasChildren := make(map[string]bool)
	for _, res := range s.Resources {
		if res.Parent == "" {
			continue
		}
		parent, ok := byKey[res.Parent]
		switch {
		case !ok:
			add(res.Key, "parent %q is not declared", res.Parent)
		case res.Parent == res.Key:
			add(res.Key, "resource cannot contain itself")
		default:
			hasChildren[res.Parent] = true
			if parent.Level >= res.Level {
				add(res.Key, "level %d must be greater than parent level %d", res.Level, parent.Level)
			}
		}
	}

	for key := range hasChildren {
		if byKey[key].Form == engine.FormSingle {
			add(key, "single resource cannot have children")
		}
	}

	// walking up from every resource must end at a root
	for _, res := range s.Resources {
		seen := map[string]bool{res.Key: true}
		for cur := byKey[res.Key]; cur != nil && cur.Parent != ""; {
			next, ok := byKey[cur.Parent]
			if !ok {
				break
			}
			if seen[next.Key] {
				add(res.Key, "containment cycle through %q", next.Key)
				break
			}
			seen[next.Key] = true
			cur = next
		}
	}

	if len(problems) > 0 {
		return problems
	}
	return nil
}

// Order returns the resources parent first. Siblings are ordered by
// sequence and then by declaration order.
func (s *Scene) Order() []SceneResource {
	children := make(map[string][]SceneResource)
	var roots []SceneResource
	for _, res := range s.Resources {
		if res.Parent == "" {
			roots = append(roots, res)
		} else {
			children[res.Parent] = append(children[res.Parent], res)
		}
	}

	bySequence := func(list []SceneResource) {
		sort.SliceStable(list, func(i, j int) bool { return list[i].Sequence < list[j].Sequence })
	}

	ordered := make([]SceneResource, 0, len(s.Resources))
	var visit func(list []SceneResource)
	visit = func(list []SceneResource) {
		bySequence(list)
		for _, res := range list {
			ordered = append(ordered, res)
			visit(children[res.Key])
		}
	}
	visit(roots)

	return ordered
}

// Spec builds the registry input for a scene resource. parentID is the id
// already assigned to its parent.
func (s *Scene) Spec(res SceneResource, parentID engine.ResourceID) engine.ResourceSpec {
	form := res.Form
	if form == "" {
		form = engine.FormSingle
		for _, other := range s.Resources {
			if other.Parent == res.Key {
				form = engine.FormComposite
				break
			}
		}
	}

	labels := make(map[string]string, len(res.Labels)+1)
	for k, v := range res.Labels {
		labels[k] = v
	}
	labels[SceneLabel] = s.Name

	attrs := make(map[string]string, len(res.Attributes))
	for k, v := range res.Attributes {
		attrs[k] = v
	}

	return engine.ResourceSpec{
		Name:        res.Name,
		Description: res.Description,
		Type:        res.Type,
		Form:        form,
		Level:       res.Level,
		Sequence:    res.Sequence,
		ParentID:    parentID,
		Labels:      labels,
		Attributes:  attrs,
	}
}

// Apply creates the scene's resources in the registry, parents before
// children. It returns the ids assigned so far keyed by resource key, also
// when a creation fails part way.
func (s *Scene) Apply(ctx context.Context, reg *engine.Registry) (map[string]engine.ResourceID, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	ids := make(map[string]engine.ResourceID, len(s.Resources))
	for _, res := range s.Order() {
		var parentID engine.ResourceID
		if res.Parent != "" {
			parentID = ids[res.Parent]
		}

		created, err := reg.Create(ctx, s.Spec(res, parentID))
		if err != nil {
			return ids, fmt.Errorf("scene %s: resource %s: %w", s.Name, res.Key, err)
		}
		ids[res.Key] = created.ID
	}

	return ids, nil
}
