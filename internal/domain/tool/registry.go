package tool

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrToolExecutorAlreadyRegistered = errors.New("tool executor already registered")
	ErrToolExecutorNotRegistered     = errors.New("tool executor not registered")
	ErrToolValidationFailed          = errors.New("tool params validation failed")
)

// Definition is a tool's static descriptor — name, description, and a
// JSON-schema-shaped parameter contract — handed to the LLM as its
// tool-calling surface. The registry is populated once at startup; there is
// no per-workspace or per-tenant scoping.
type Definition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

type registration struct {
	def      Definition
	executor ToolExecutor
}

// ToolRegistry is a static, in-memory name -> executor map.
type ToolRegistry struct {
	entries map[string]registration
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{entries: make(map[string]registration)}
}

// Register binds a tool's definition to its executor. Returns
// ErrToolExecutorAlreadyRegistered if the name is already taken.
func (r *ToolRegistry) Register(def Definition, executor ToolExecutor) error {
	name := strings.TrimSpace(def.Name)
	if name == "" || executor == nil {
		return ErrToolExecutorNotRegistered
	}
	if _, exists := r.entries[name]; exists {
		return ErrToolExecutorAlreadyRegistered
	}
	r.entries[name] = registration{def: def, executor: executor}
	return nil
}

func (r *ToolRegistry) Get(name string) (ToolExecutor, error) {
	reg, ok := r.entries[name]
	if !ok {
		return nil, ErrToolExecutorNotRegistered
	}
	return reg.executor, nil
}

// Definitions returns every registered tool's descriptor, for building the
// LLM's tool-calling prompt surface.
func (r *ToolRegistry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.entries))
	for _, reg := range r.entries {
		defs = append(defs, reg.def)
	}
	return defs
}

// ValidateParams checks a tool call's arguments against the registered
// tool's minimal JSON schema (required fields present, no unknown fields
// when additionalProperties is false).
func (r *ToolRegistry) ValidateParams(name string, params json.RawMessage) error {
	reg, ok := r.entries[name]
	if !ok {
		return ErrToolExecutorNotRegistered
	}

	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}

	var input map[string]any
	if err := json.Unmarshal(params, &input); err != nil {
		return fmt.Errorf("%w: params must be a json object", ErrToolValidationFailed)
	}

	return validateAgainstMinimalSchema(input, reg.def.InputSchema)
}

func validateAgainstMinimalSchema(input, schema map[string]any) error {
	requiredKeys := extractStringSlice(schema["required"])
	for _, key := range requiredKeys {
		if _, ok := input[key]; !ok {
			return fmt.Errorf("%w: missing required field %q", ErrToolValidationFailed, key)
		}
	}

	allowAdditional := true
	if v, ok := schema["additionalProperties"].(bool); ok {
		allowAdditional = v
	}

	allowedProps := map[string]struct{}{}
	if props, ok := schema["properties"].(map[string]any); ok {
		for key := range props {
			allowedProps[key] = struct{}{}
		}
	}

	if !allowAdditional {
		for key := range input {
			if _, ok := allowedProps[key]; !ok {
				return fmt.Errorf("%w: unknown field %q", ErrToolValidationFailed, key)
			}
		}
	}

	return nil
}

func extractStringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		s, ok := item.(string)
		if ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
