package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rangekeeper/rangekeeper/pkg/engine"
)

// Scene is a named set of resources declared together. Resources refer to
// their parent by local key; ids are assigned when the scene is applied.
type Scene struct {
	Name        string          `json:"name" yaml:"name" validate:"required"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Resources   []SceneResource `json:"resources" yaml:"resources" validate:"required,min=1,dive"`

	// Source is the file the scene was loaded from.
	Source string `json:"-" yaml:"-"`
}

// SceneResource declares one resource of a scene.
type SceneResource struct {
	// Key identifies the resource within the scene.
	Key string `json:"key" yaml:"key" validate:"required"`

	Name        string              `json:"name" yaml:"name" validate:"required"`
	Description string              `json:"description,omitempty" yaml:"description,omitempty"`
	Type        engine.ResourceType `json:"type" yaml:"type" validate:"required,oneof=os db app profiler"`

	// Form defaults to composite when other resources name this one as
	// parent and to single otherwise.
	Form engine.ResourceForm `json:"form,omitempty" yaml:"form,omitempty" validate:"omitempty,oneof=single composite"`

	Level    int `json:"level" yaml:"level" validate:"gte=0"`
	Sequence int `json:"sequence" yaml:"sequence" validate:"gte=0"`

	// Parent is the key of the containing resource.
	Parent string `json:"parent,omitempty" yaml:"parent,omitempty"`

	Labels     map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// ValidationError is a single problem found in a configuration source.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem of a source.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.String()
	}
	return strings.Join(msgs, "; ")
}

// StarlarkResult represents the result of a Starlark script execution.
type StarlarkResult struct {
	// Output contains the exported globals of the script.
	Output map[string]interface{} `json:"output"`

	ExecutionTime time.Duration `json:"execution_time"`
}
