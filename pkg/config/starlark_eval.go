package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/rangekeeper/rangekeeper/pkg/engine"
)

// StarlarkEvaluator executes Starlark scripts with a time bound.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &StarlarkEvaluator{
		timeout: timeout,
	}
}

// Evaluate executes script with input bound as predeclared names and
// returns its exported globals.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, filename, script string, input map[string]interface{}) (*StarlarkResult, error) {
	startTime := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  filename,
		Print: func(*starlark.Thread, string) {},
	}

	// Cancel makes the interpreter fail at its next step.
	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(evalCtx.Err().Error())
	})
	defer stop()

	predeclared := starlark.StringDict{
		"struct":   starlarkstruct.Default,
		"parse_kv": starlark.NewBuiltin("parse_kv", builtinParseKV),
	}
	for key, val := range input {
		starlarkVal, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = starlarkVal
	}

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if err != nil {
		if ctxErr := evalCtx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("starlark execution of %s interrupted: %w", filename, ctxErr)
		}
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	output := make(map[string]interface{})
	for name, val := range globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		// functions are helpers, not results
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}

	return &StarlarkResult{
		Output:        output,
		ExecutionTime: time.Since(startTime),
	}, nil
}

// ProbeRule interprets the output of a probe command. The script sees
// exit_code, stdout, stderr, name, type and attributes, and must set the
// global healthy to a bool. An optional detail string explains the verdict.
type ProbeRule struct {
	Name   string
	script string
	eval   *StarlarkEvaluator
}

// NewProbeRule creates a rule from source.
func NewProbeRule(name, script string, timeout time.Duration) *ProbeRule {
	return &ProbeRule{Name: name, script: script, eval: NewStarlarkEvaluator(timeout)}
}

// LoadProbeRule reads a rule from a .star file.
func LoadProbeRule(path string, timeout time.Duration) (*ProbeRule, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read probe rule: %w", err)
	}
	return NewProbeRule(path, string(content), timeout), nil
}

// ProbeInput is what a probe command produced.
type ProbeInput struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Evaluate runs the rule for res and returns the resulting health signal.
func (r *ProbeRule) Evaluate(ctx context.Context, res *engine.Resource, in ProbeInput) (engine.HealthSignal, error) {
	attrs := make(map[string]interface{}, len(res.Attributes))
	for k, v := range res.Attributes {
		attrs[k] = v
	}

	result, err := r.eval.Evaluate(ctx, r.Name, r.script, map[string]interface{}{
		"exit_code":  in.ExitCode,
		"stdout":     in.Stdout,
		"stderr":     in.Stderr,
		"name":       res.Name,
		"type":       string(res.Type),
		"attributes": attrs,
	})
	if err != nil {
		return engine.HealthSignal{}, err
	}

	healthy, ok := result.Output["healthy"].(bool)
	if !ok {
		return engine.HealthSignal{}, fmt.Errorf("probe rule %s must set healthy to a bool", r.Name)
	}

	signal := engine.HealthSignal{Healthy: healthy, ObservedAt: time.Now()}
	if detail, ok := result.Output["detail"].(string); ok {
		signal.Detail = detail
	} else if !healthy {
		signal.Detail = fmt.Sprintf("probe rule %s reported unhealthy", r.Name)
	}
	return signal, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goItem, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

// builtinParseKV parses "key=value" (or "key: value") lines into a dict.
// Lines without a separator are ignored.
func builtinParseKV(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var text string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &text); err != nil {
		return nil, err
	}

	dict := starlark.NewDict(8)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		idx := strings.IndexAny(line, "=:")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if err := dict.SetKey(starlark.String(key), starlark.String(value)); err != nil {
			return nil, err
		}
	}
	return dict, nil
}
