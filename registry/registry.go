// Package registry provides the block and event type registry for
// FlowScope. It maps editor type tags to metadata (PathSim class name,
// declared parameters, port cardinality bounds, category) used by the
// compiler, the mutation layer, the server API, and the UI palette.
package registry

import "sync"

// BlockTypeDef describes a registered block type.
type BlockTypeDef struct {
	Type        string   `json:"type"`
	Category    string   `json:"category"` // "sources", "operations", "dynamic", "recording", "structure"
	DisplayName string   `json:"display_name"`
	Description string   `json:"description"`
	ClassName   string   `json:"class_name"` // PathSim class, e.g. "Integrator"
	Module      string   `json:"module"`     // Python module, e.g. "pathsim.blocks"
	Params      []string `json:"params"`     // declared constructor parameters, emission order
	MinInputs   int      `json:"min_inputs"`
	MaxInputs   int      `json:"max_inputs"` // -1 for unbounded
	MinOutputs  int      `json:"min_outputs"`
	MaxOutputs  int      `json:"max_outputs"` // -1 for unbounded
}

// EventTypeDef describes a registered event type.
type EventTypeDef struct {
	Type        string   `json:"type"`
	DisplayName string   `json:"display_name"`
	Description string   `json:"description"`
	ClassName   string   `json:"class_name"` // PathSim class, e.g. "Schedule"
	Module      string   `json:"module"`     // e.g. "pathsim.events"
	Params      []string `json:"params"`
}

var (
	global     *Registry
	globalOnce sync.Once
)

// Global returns the singleton registry instance. On first call it
// initializes the registry and auto-registers all built-in PathSim types.
func Global() *Registry {
	globalOnce.Do(func() {
		global = New()
		registerBuiltins(global)
	})
	return global
}

// Registry holds all known block and event types.
type Registry struct {
	mu         sync.RWMutex
	blocks     map[string]BlockTypeDef
	events     map[string]EventTypeDef
	blockOrder []string // preserves registration order
	eventOrder []string
}

// New creates an empty registry. Tests use this with fixture types; normal
// callers use Global.
func New() *Registry {
	return &Registry{
		blocks: make(map[string]BlockTypeDef),
		events: make(map[string]EventTypeDef),
	}
}

// RegisterBlock adds a block type definition. An existing type with the
// same name is overwritten.
func (r *Registry) RegisterBlock(def BlockTypeDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.blocks[def.Type]; !exists {
		r.blockOrder = append(r.blockOrder, def.Type)
	}
	r.blocks[def.Type] = def
}

// RegisterEvent adds an event type definition.
func (r *Registry) RegisterEvent(def EventTypeDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.events[def.Type]; !exists {
		r.eventOrder = append(r.eventOrder, def.Type)
	}
	r.events[def.Type] = def
}

// Block returns a block type definition by type tag.
func (r *Registry) Block(typeName string) (BlockTypeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.blocks[typeName]
	return def, ok
}

// Event returns an event type definition by type tag.
func (r *Registry) Event(typeName string) (EventTypeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.events[typeName]
	return def, ok
}

// HasBlock returns true if the block type tag is registered.
func (r *Registry) HasBlock(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.blocks[typeName]
	return ok
}

// Blocks returns all registered block types in registration order.
// The server exposes this catalog through GET /api/block-types.
func (r *Registry) Blocks() []BlockTypeDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]BlockTypeDef, 0, len(r.blockOrder))
	for _, name := range r.blockOrder {
		result = append(result, r.blocks[name])
	}
	return result
}

// Events returns all registered event types in registration order.
func (r *Registry) Events() []EventTypeDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]EventTypeDef, 0, len(r.eventOrder))
	for _, name := range r.eventOrder {
		result = append(result, r.events[name])
	}
	return result
}

// Len returns the number of registered block types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.blocks)
}
