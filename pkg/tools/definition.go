package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
)

// ToolSpec is the immutable description of a tool as presented to the model.
type ToolSpec struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Category    string             `json:"category,omitempty"`
	InputSchema *jsonschema.Schema `json:"input_schema"`
}

// Executor runs a tool with raw JSON arguments.
type Executor interface {
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

type ExecutorFunc func(ctx context.Context, args json.RawMessage) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	return f(ctx, args)
}

// Tool pairs a spec with its executor.
type Tool struct {
	Spec     ToolSpec
	Executor Executor
	// SkipApproval exempts the tool from REQUIRE_APPROVAL gating.
	SkipApproval bool
}

type ToolOption func(*Tool)

func WithCategory(category string) ToolOption {
	return func(t *Tool) {
		t.Spec.Category = category
	}
}

func WithSkipApproval() ToolOption {
	return func(t *Tool) {
		t.SkipApproval = true
	}
}

func NewTool(spec ToolSpec, executor Executor, options ...ToolOption) *Tool {
	if spec.InputSchema == nil {
		spec.InputSchema = &jsonschema.Schema{Type: "object"}
	}
	t := &Tool{Spec: spec, Executor: executor}
	for _, o := range options {
		o(t)
	}
	return t
}

var contextType = reflect.TypeOf((*context.Context)(nil)).Elem()

// NewToolFromFunc builds a tool from a Go function. Supported signatures:
//
//	func(Input) (Result, error)
//	func(context.Context, Input) (Result, error)
//
// The input schema is reflected from Input.
func NewToolFromFunc(name, description string, fn interface{}, options ...ToolOption) (*Tool, error) {
	funcType := reflect.TypeOf(fn)
	if funcType == nil || funcType.Kind() != reflect.Func {
		return nil, errors.New("provided value is not a function")
	}
	if funcType.NumOut() == 0 || funcType.NumOut() > 2 {
		return nil, errors.New("function must return (result) or (result, error)")
	}
	if funcType.NumOut() == 2 {
		errorType := reflect.TypeOf((*error)(nil)).Elem()
		if !funcType.Out(1).Implements(errorType) {
			return nil, errors.New("second return value must be an error")
		}
	}

	var inputType reflect.Type
	withContext := false
	switch funcType.NumIn() {
	case 0:
	case 1:
		if funcType.In(0) == contextType {
			withContext = true
		} else {
			inputType = funcType.In(0)
		}
	case 2:
		if funcType.In(0) != contextType {
			return nil, errors.New("two-arg tool function must be (context.Context, Input)")
		}
		withContext = true
		inputType = funcType.In(1)
	default:
		return nil, errors.New("function must take (Input) or (context.Context, Input)")
	}

	schema := &jsonschema.Schema{Type: "object"}
	if inputType != nil {
		reflector := jsonschema.Reflector{DoNotReference: true}
		schema = reflector.Reflect(reflect.New(inputType).Elem().Interface())
		if schema.Type == "" && schema.Ref == "" {
			schema.Type = "object"
		}
	}

	fnValue := reflect.ValueOf(fn)
	exec := ExecutorFunc(func(ctx context.Context, args json.RawMessage) (any, error) {
		in := make([]reflect.Value, 0, 2)
		if withContext {
			in = append(in, reflect.ValueOf(ctx))
		}
		if inputType != nil {
			input := reflect.New(inputType)
			if len(args) > 0 {
				if err := json.Unmarshal(args, input.Interface()); err != nil {
					return nil, errors.Wrap(err, "failed to unmarshal arguments")
				}
			}
			in = append(in, input.Elem())
		}
		return extractResults(fnValue.Call(in))
	})

	return NewTool(ToolSpec{
		Name:        name,
		Description: description,
		InputSchema: schema,
	}, exec, options...), nil
}

func extractResults(results []reflect.Value) (any, error) {
	switch len(results) {
	case 1:
		return results[0].Interface(), nil
	case 2:
		result := results[0].Interface()
		if results[1].IsNil() {
			return result, nil
		}
		if err, ok := results[1].Interface().(error); ok {
			return result, err
		}
		return result, fmt.Errorf("unexpected error type: %T", results[1].Interface())
	default:
		return nil, fmt.Errorf("unexpected number of return values: %d", len(results))
	}
}
