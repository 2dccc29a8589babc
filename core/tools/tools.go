// Package tools describes the functions the dialogue service may ask the
// device to run, and routes those calls to their implementations.
package tools

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/invopop/jsonschema"
)

type Definition struct {
	Name        string
	Description string
	// Parameters is the JSON schema of the call arguments.
	Parameters *jsonschema.Schema
}

// NewDefinition reflects the argument schema from T.
func NewDefinition[T any](name, description string) Definition {
	reflector := jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	schema := reflector.ReflectFromType(reflect.TypeOf((*T)(nil)).Elem())
	schema.Version = ""
	schema.ID = ""

	return Definition{Name: name, Description: description, Parameters: schema}
}

type Call struct {
	ID        string
	Name      string
	Arguments string
}

type Tool interface {
	Definition() Definition
	Call(ctx context.Context, arguments string) (string, error)
}

// Handler is what the conversation loop relays function calls to.
type Handler interface {
	Definitions() []Definition
	Call(ctx context.Context, call Call) (string, error)
}

type Registry struct {
	tools map[string]Tool
}

func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: map[string]Tool{}}
	for _, tool := range tools {
		r.tools[tool.Definition().Name] = tool
	}
	return r
}

// Definitions returns the registered tools sorted by name.
func (r *Registry) Definitions() []Definition {
	definitions := make([]Definition, 0, len(r.tools))
	for _, tool := range r.tools {
		definitions = append(definitions, tool.Definition())
	}
	sort.Slice(definitions, func(i, j int) bool { return definitions[i].Name < definitions[j].Name })
	return definitions
}

func (r *Registry) Call(ctx context.Context, call Call) (string, error) {
	tool, ok := r.tools[call.Name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}

	ctx, span := tracer.Start(ctx, "execute tool")
	defer span.End()

	result, err := tool.Call(ctx, call.Arguments)
	if err != nil {
		err = fmt.Errorf("failed to execute tool %q: %w", call.Name, err)
		span.RecordError(err)
		return "", err
	}
	return result, nil
}
