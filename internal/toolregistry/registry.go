// Package toolregistry implements the Tool Registry (SPEC_FULL.md §4.C): a
// manifest-driven tool catalogue, JSON-schema argument validation, and
// dispatch to either a concrete handler or a "not implemented" stub.
package toolregistry

import (
	"encoding/json"
	"fmt"
	"sync"

	"okcvm/internal/okcerr"
	"okcvm/pkg/tool"

	"github.com/xeipuuv/gojsonschema"
)

// Registry holds the tool catalogue loaded from a manifest plus whatever
// concrete handlers have been registered for it. Tools present in the
// manifest but never registered dispatch to a stub that reports
// "not implemented", the same pattern factories use for unimplemented
// execution modes.
type Registry struct {
	mu       sync.RWMutex
	specs    map[string]tool.Spec
	handlers map[string]tool.Handler
	order    []string
}

// New constructs an empty registry. Use LoadManifest to populate the
// catalogue, then Register for each concrete implementation.
func New() *Registry {
	return &Registry{
		specs:    make(map[string]tool.Spec),
		handlers: make(map[string]tool.Handler),
	}
}

// ManifestEntry is one row of the on-disk tool catalogue file.
type ManifestEntry struct {
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	InputSchema       json.RawMessage `json:"input_schema"`
	RequiresWorkspace bool            `json:"requires_workspace"`
}

// LoadManifest populates the catalogue from a decoded list of manifest
// entries. Called once at startup with the file named by
// config.Config.ToolManifestPath.
func (r *Registry) LoadManifest(entries []ManifestEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range entries {
		if e.Name == "" {
			return fmt.Errorf("manifest entry missing name")
		}
		if len(e.InputSchema) > 0 {
			if _, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(e.InputSchema)); err != nil {
				return fmt.Errorf("tool %s: invalid input schema: %w", e.Name, err)
			}
		}
		if _, exists := r.specs[e.Name]; !exists {
			r.order = append(r.order, e.Name)
		}
		r.specs[e.Name] = tool.Spec{
			Name:              e.Name,
			Description:       e.Description,
			InputSchema:       e.InputSchema,
			RequiresWorkspace: e.RequiresWorkspace,
		}
	}
	return nil
}

// Register wires a concrete handler to a manifest entry that already
// exists. Calling Register for a name absent from the manifest is a
// programmer error and panics — callers only ever register tools they know
// the catalogue expects.
func (r *Registry) Register(name string, h tool.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.specs[name]; !ok {
		panic(fmt.Sprintf("toolregistry: Register called for unmanifested tool %q", name))
	}
	r.handlers[name] = h
}

// List returns every tool in the catalogue, manifest order, for
// AsLLMTools-style consumption by the Virtual Machine.
func (r *Registry) List() []tool.Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]tool.Spec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.specs[name])
	}
	return out
}

// Get returns one tool's spec.
func (r *Registry) Get(name string) (tool.Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	return spec, ok
}

// Call validates input against the tool's schema and dispatches to its
// handler, or to a stub if no concrete handler was registered.
func (r *Registry) Call(cc tool.CallContext, name string, input json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	spec, known := r.specs[name]
	handler, hasHandler := r.handlers[name]
	r.mu.RUnlock()

	if !known {
		return nil, &okcerr.UnknownToolError{Name: name}
	}

	if err := validateInput(spec, input); err != nil {
		return nil, err
	}

	if !hasHandler {
		return stub(name)
	}

	return handler(cc, input)
}

func validateInput(spec tool.Spec, input json.RawMessage) error {
	if len(spec.InputSchema) == 0 {
		return nil
	}
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}

	schemaLoader := gojsonschema.NewBytesLoader(spec.InputSchema)
	docLoader := gojsonschema.NewBytesLoader(input)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return &okcerr.ToolInputInvalidError{Tool: spec.Name, Detail: err.Error()}
	}
	if !result.Valid() {
		var detail string
		for i, e := range result.Errors() {
			if i > 0 {
				detail += "; "
			}
			detail += e.String()
		}
		return &okcerr.ToolInputInvalidError{Tool: spec.Name, Detail: detail}
	}
	return nil
}

func stub(name string) (json.RawMessage, error) {
	return nil, &okcerr.ToolExecError{
		Tool: name,
		Err:  fmt.Errorf("%s is not implemented in this deployment", name),
	}
}
