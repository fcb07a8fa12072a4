package core

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/perfqa/perfhub/internal/resource"
)

// ParamType enumerates the JSON types a tool parameter may declare.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
)

// Param describes one named tool parameter.
type Param struct {
	Name        string
	Type        ParamType
	Required    bool
	Description string
}

// Handler executes one tool call. It receives the validated arguments and an
// Invocation holding the backend handles the tool declared in Needs.
type Handler func(ctx context.Context, inv *Invocation, args map[string]any) (any, error)

// Descriptor is the immutable registration record for one tool.
type Descriptor struct {
	Name        string
	Description string
	Params      []Param
	Needs       []resource.Kind
	Handler     Handler
}

// Registry holds tool descriptors. All registration happens at startup;
// after that the registry is read-only and safe for concurrent lookups.
type Registry struct {
	byName map[string]*Descriptor
	order  []*Descriptor
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Descriptor)}
}

// Register adds a descriptor. Duplicate names and malformed descriptors are
// startup bugs, so registration fails fast.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if d.Handler == nil {
		return fmt.Errorf("tool %s: handler must not be nil", d.Name)
	}
	if _, exists := r.byName[d.Name]; exists {
		return fmt.Errorf("tool %s: already registered", d.Name)
	}
	seen := make(map[string]bool, len(d.Params))
	for _, p := range d.Params {
		if p.Name == "" {
			return fmt.Errorf("tool %s: parameter name must not be empty", d.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("tool %s: duplicate parameter %q", d.Name, p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeArray, TypeObject:
		default:
			return fmt.Errorf("tool %s: parameter %q has unknown type %q", d.Name, p.Name, p.Type)
		}
	}
	for _, kind := range d.Needs {
		if !kind.Valid() {
			return fmt.Errorf("tool %s: unknown resource kind %q", d.Name, kind)
		}
	}
	stored := d
	r.byName[d.Name] = &stored
	r.order = append(r.order, &stored)
	return nil
}

// MustRegister is Register for static tool tables in main.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Lookup returns the descriptor for name, or an UnknownToolError.
func (r *Registry) Lookup(name string) (*Descriptor, error) {
	d, ok := r.byName[name]
	if !ok {
		return nil, &UnknownToolError{Tool: name}
	}
	return d, nil
}

// Descriptors returns all registered tools in registration order.
func (r *Registry) Descriptors() []*Descriptor {
	out := make([]*Descriptor, len(r.order))
	copy(out, r.order)
	return out
}

// RawSchema renders the tool's parameters as a JSON Schema object, the shape
// MCP clients expect for tool input schemas.
func (d *Descriptor) RawSchema() json.RawMessage {
	props := make(map[string]any, len(d.Params))
	var required []string
	for _, p := range d.Params {
		prop := map[string]any{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	sort.Strings(required)
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("tool %s: schema marshal: %v", d.Name, err))
	}
	return raw
}

// ValidateArgs checks the call arguments against the declared parameters:
// required present, no unknown names, JSON types matching. Numbers arriving
// as float64 are accepted for integer parameters when integral.
func (d *Descriptor) ValidateArgs(args map[string]any) error {
	byName := make(map[string]Param, len(d.Params))
	for _, p := range d.Params {
		byName[p.Name] = p
	}
	for name := range args {
		if _, ok := byName[name]; !ok {
			return &InvalidParametersError{Tool: d.Name, Reason: fmt.Sprintf("unknown parameter %q", name)}
		}
	}
	for _, p := range d.Params {
		v, ok := args[p.Name]
		if !ok || v == nil {
			if p.Required {
				return &InvalidParametersError{Tool: d.Name, Reason: fmt.Sprintf("missing required parameter %q", p.Name)}
			}
			continue
		}
		if err := checkType(p, v); err != nil {
			return &InvalidParametersError{Tool: d.Name, Reason: err.Error()}
		}
	}
	return nil
}

func checkType(p Param, v any) error {
	switch p.Type {
	case TypeString:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("parameter %q must be a string", p.Name)
		}
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("parameter %q must be a boolean", p.Name)
		}
	case TypeNumber:
		switch v.(type) {
		case float64, int, int64:
		default:
			return fmt.Errorf("parameter %q must be a number", p.Name)
		}
	case TypeInteger:
		switch n := v.(type) {
		case int, int64:
		case float64:
			if n != math.Trunc(n) {
				return fmt.Errorf("parameter %q must be an integer", p.Name)
			}
		default:
			return fmt.Errorf("parameter %q must be an integer", p.Name)
		}
	case TypeArray:
		if _, ok := v.([]any); !ok {
			return fmt.Errorf("parameter %q must be an array", p.Name)
		}
	case TypeObject:
		if _, ok := v.(map[string]any); !ok {
			return fmt.Errorf("parameter %q must be an object", p.Name)
		}
	}
	return nil
}
