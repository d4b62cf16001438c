package config

import (
	"context"
	"testing"

	"github.com/rangekeeper/rangekeeper/pkg/engine"
)

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	for _, name := range []string{"resource", "scene"} {
		schema, ok := sr.GetSchema(name)
		if !ok {
			t.Fatalf("built-in schema %s not found", name)
		}
		if schema.Err() != nil {
			t.Errorf("built-in schema %s has errors: %v", name, schema.Err())
		}
	}

	if got := sr.ListSchemas(); len(got) != 2 || got[0] != "resource" || got[1] != "scene" {
		t.Errorf("unexpected schema list: %v", got)
	}
}

func TestSchemaRegistry_RegisterSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	custom := `
#Host: {
	address: string
	port:    int & >0 & <65536
}
`
	if err := sr.RegisterSchema("host", custom, "#Host"); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}
	if err := sr.RegisterSchema("broken", "#X: {", "#X"); err == nil {
		t.Error("expected compile error")
	}
	if err := sr.RegisterSchema("nodef", custom, "#Missing"); err == nil {
		t.Error("expected error for missing definition")
	}

	ctx := context.Background()
	type host struct {
		Address string `json:"address"`
		Port    int    `json:"port"`
	}
	if err := sr.ValidateAgainstSchema(ctx, "host", host{Address: "10.0.0.1", Port: 22}); err != nil {
		t.Errorf("expected valid host, got %v", err)
	}
	if err := sr.ValidateAgainstSchema(ctx, "host", host{Address: "10.0.0.1", Port: 70000}); err == nil {
		t.Error("expected port range violation")
	}
	if err := sr.ValidateAgainstSchema(ctx, "unknown", host{}); err == nil {
		t.Error("expected error for unknown schema")
	}
}

func TestSchemaRegistry_ValidateScene(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	valid := &Scene{
		Name: "lab",
		Resources: []SceneResource{
			{Key: "os", Name: "debian", Type: engine.ResourceTypeOS},
		},
	}
	if err := sr.ValidateScene(ctx, valid); err != nil {
		t.Errorf("expected valid scene, got %v", err)
	}

	empty := &Scene{Name: "lab"}
	if err := sr.ValidateScene(ctx, empty); err == nil {
		t.Error("expected error for scene without resources")
	}

	badKey := &Scene{
		Name:      "lab",
		Resources: []SceneResource{{Key: "has space", Name: "x", Type: engine.ResourceTypeOS}},
	}
	if err := sr.ValidateScene(ctx, badKey); err == nil {
		t.Error("expected error for invalid key")
	}
}
