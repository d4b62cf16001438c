package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// SceneParser reads scene files written in CUE or YAML.
type SceneParser struct {
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewSceneParser creates a new scene parser.
func NewSceneParser() *SceneParser {
	return &SceneParser{
		schemas:   NewSchemaRegistry(),
		validator: validator.New(),
	}
}

// Schemas returns the schema registry used for validation.
func (p *SceneParser) Schemas() *SchemaRegistry {
	return p.schemas
}

// ParseFile loads a scene from a .cue, .yaml, .yml or .json file, or from a
// directory holding a single CUE package.
func (p *SceneParser) ParseFile(path string) (*Scene, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat scene %s: %w", path, err)
	}
	if info.IsDir() {
		return p.parseDirectory(path)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scene %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return p.ParseCUE(path, content)
	case ".yaml", ".yml", ".json":
		return p.ParseYAML(path, content)
	default:
		return nil, fmt.Errorf("unsupported scene format: %s", path)
	}
}

// ParseCUE parses a scene from CUE source. Resources may be given as a list
// or as a struct keyed by resource key.
func (p *SceneParser) ParseCUE(filename string, src []byte) (*Scene, error) {
	val := p.schemas.ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	return p.extractScene(val, filename)
}

func (p *SceneParser) parseDirectory(dir string) (*Scene, error) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, ValidationErrors{{File: dir, Message: "no CUE files found"}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return nil, convertCUEErrors(inst.Err)
	}

	val := p.schemas.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	return p.extractScene(val, dir)
}

func (p *SceneParser) extractScene(val cue.Value, source string) (*Scene, error) {
	scene := &Scene{Source: source}
	var problems ValidationErrors

	nameVal := val.LookupPath(cue.ParsePath("name"))
	if name, err := nameVal.String(); err == nil {
		scene.Name = name
	} else {
		problems = append(problems, ValidationError{File: source, Path: "name", Message: "scene name must be a string"})
	}
	if desc, err := val.LookupPath(cue.ParsePath("description")).String(); err == nil {
		scene.Description = desc
	}

	resourcesVal := val.LookupPath(cue.ParsePath("resources"))
	switch resourcesVal.Kind() {
	case cue.StructKind:
		iter, err := resourcesVal.Fields()
		if err != nil {
			return nil, convertCUEErrors(err)
		}
		for iter.Next() {
			key := iter.Selector().Unquoted()
			elem := iter.Value()
			if !elem.LookupPath(cue.ParsePath("key")).Exists() {
				elem = elem.FillPath(cue.ParsePath("key"), key)
			}
			res, errs := p.extractResource("resources."+key, elem)
			problems = append(problems, errs...)
			scene.Resources = append(scene.Resources, res)
		}

	case cue.ListKind:
		list, err := resourcesVal.List()
		if err != nil {
			return nil, convertCUEErrors(err)
		}
		for idx := 0; list.Next(); idx++ {
			res, errs := p.extractResource(fmt.Sprintf("resources[%d]", idx), list.Value())
			problems = append(problems, errs...)
			scene.Resources = append(scene.Resources, res)
		}

	default:
		problems = append(problems, ValidationError{File: source, Path: "resources", Message: "resources must be a list or a struct"})
	}

	if len(problems) > 0 {
		return nil, problems
	}
	return p.finish(scene)
}

func (p *SceneParser) extractResource(path string, val cue.Value) (SceneResource, ValidationErrors) {
	var res SceneResource

	unified, err := p.schemas.Unify("resource", val)
	if err != nil {
		errs := convertCUEErrors(err)
		for i := range errs {
			if errs[i].Path == "" {
				errs[i].Path = path
			}
		}
		return res, errs
	}

	if err := unified.Decode(&res); err != nil {
		return res, ValidationErrors{{Path: path, Message: fmt.Sprintf("failed to decode resource: %v", err)}}
	}
	return res, nil
}

// ParseYAML parses a scene from YAML (or JSON) and validates it against the
// same schema as CUE scenes.
func (p *SceneParser) ParseYAML(filename string, src []byte) (*Scene, error) {
	var scene Scene

	dec := yaml.NewDecoder(bytes.NewReader(src))
	dec.KnownFields(true)
	if err := dec.Decode(&scene); err != nil {
		return nil, ValidationErrors{{File: filename, Message: err.Error()}}
	}
	scene.Source = filename

	if err := p.schemas.ValidateScene(context.Background(), &scene); err != nil {
		var problems ValidationErrors
		if asProblems(err, &problems) {
			for i := range problems {
				problems[i].File = filename
			}
			return nil, problems
		}
		return nil, err
	}

	return p.finish(&scene)
}

func asProblems(err error, target *ValidationErrors) bool {
	v, ok := err.(ValidationErrors)
	if ok {
		*target = v
	}
	return ok
}

// finish runs the struct tag checks and the structural checks.
func (p *SceneParser) finish(scene *Scene) (*Scene, error) {
	if err := p.validator.Struct(scene); err != nil {
		return nil, ValidationErrors{{File: scene.Source, Message: err.Error()}}
	}
	if err := scene.Validate(); err != nil {
		return nil, err
	}
	return scene, nil
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors

	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}

	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}

// FindScenes returns the scene files under dir.
func FindScenes(dir string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".cue", ".yaml", ".yml":
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return files, nil
}
