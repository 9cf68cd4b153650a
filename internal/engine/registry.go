package engine

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/leadstitch/flowline/pkg/schema"
)

// Block is a single typed unit of work within a workflow node.
//
// A block may return a *BlockResult for explicit status control, or any bare
// value which is treated as a completed output. Errors must be returned, not
// recorded in the result; the core executor captures them.
type Block interface {
	Execute(ctx context.Context, config map[string]any, input any, ec *Context) (any, error)
}

// BlockResult is the explicit result shape a block may return.
type BlockResult struct {
	Status schema.NodeStatus `json:"status"`
	Output any               `json:"output,omitempty"`
	// Port names the output stream for sourcePort-qualified edges.
	// Empty means the default port.
	Port string `json:"port,omitempty"`
}

// BlockFactory constructs a fresh executor instance for a node.
type BlockFactory func() Block

// BlockMetadata describes a block type's static identity: capability flags
// are a property of the type, not the instance.
type BlockMetadata struct {
	Type        string `json:"type"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`

	// MockCapable marks blocks that run meaningfully without live external
	// calls; demo/test runs flag live-only blocks at validation time.
	MockCapable bool `json:"mockCapable"`

	// Cacheable marks blocks whose results may be served from the result
	// cache. Pure input/output and side-effect blocks are not cacheable.
	Cacheable bool `json:"cacheable"`

	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// Registry maps block-type identifiers to executor factories and metadata.
// Registration uniqueness is enforced at registration time, not call time.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]BlockFactory
	metadata  map[string]BlockMetadata
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]BlockFactory),
		metadata:  make(map[string]BlockMetadata),
	}
}

// Register adds a block type. Returns an error on duplicate registration —
// never a silent overwrite.
func (r *Registry) Register(blockType string, factory BlockFactory, meta BlockMetadata) error {
	if blockType == "" {
		return schema.NewError(schema.ErrCodeValidation, "block type is empty")
	}
	if factory == nil {
		return schema.NewError(schema.ErrCodeValidation, "block factory is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[blockType]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "block type %q already registered", blockType)
	}

	meta.Type = blockType
	r.factories[blockType] = factory
	r.metadata[blockType] = meta
	return nil
}

// Create instantiates an executor for the type. Unknown types return nil,
// never an error: the caller decides how fatal that is.
func (r *Registry) Create(blockType string) Block {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[blockType]
	if !ok {
		return nil
	}
	return factory()
}

// Has checks whether a block type is registered.
func (r *Registry) Has(blockType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[blockType]
	return ok
}

// List returns all registered block types, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// GetMetadata returns a block type's metadata.
func (r *Registry) GetMetadata(blockType string) (BlockMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.metadata[blockType]
	return meta, ok
}

// MockCapable reports whether a block type supports mock execution.
func (r *Registry) MockCapable(blockType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metadata[blockType].MockCapable
}

// Cacheable reports whether a block type's results may be cached.
func (r *Registry) Cacheable(blockType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metadata[blockType].Cacheable
}
