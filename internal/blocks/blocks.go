// Package blocks provides the built-in block library: the typed units of
// work a workflow node can reference. Each block implements engine.Block
// and registers with capability metadata so validation and caching can
// reason about block types without instantiating them.
package blocks

import (
	"encoding/json"
	"log/slog"

	"github.com/leadstitch/flowline/internal/engine"
	"github.com/leadstitch/flowline/internal/expressions"
)

// Deps carries the shared collaborators blocks need. Zero-value fields fall
// back to safe defaults at registration time.
type Deps struct {
	Logger       *slog.Logger
	Interpolator *expressions.Interpolator
	CEL          *expressions.CELEngine
	JQ           *expressions.GoJQEngine
	Expr         *expressions.ExprEngine
	Breakers     *engine.CircuitBreakerRegistry
	// Orchestrator runs nested workflows for the subworkflow block.
	// Nil disables subworkflow registration.
	Orchestrator *engine.Orchestrator
	HTTP         HTTPConfig
}

// RegisterBuiltins registers the standard block library. Registration stops
// at the first error so a duplicate type is never silently shadowed.
func RegisterBuiltins(reg *engine.Registry, deps Deps) error {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Interpolator == nil {
		deps.Interpolator = expressions.NewInterpolator(deps.Logger)
	}
	if deps.JQ == nil {
		deps.JQ = expressions.NewGoJQEngine()
	}
	if deps.Breakers == nil {
		deps.Breakers = engine.NewCircuitBreakerRegistry(engine.DefaultCircuitBreakerConfig())
	}

	type entry struct {
		factory engine.BlockFactory
		meta    engine.BlockMetadata
	}
	entries := map[string]entry{
		"input": {
			factory: func() engine.Block { return &InputBlock{} },
			meta: engine.BlockMetadata{
				Name:        "Input",
				Description: "Seeds the run with the initial input, optionally layered over defaults.",
				Category:    "core",
				MockCapable: true,
			},
		},
		"transform": {
			factory: func() engine.Block {
				return &TransformBlock{interp: deps.Interpolator, jq: deps.JQ}
			},
			meta: engine.BlockMetadata{
				Name:        "Transform",
				Description: "Reshapes data via field mapping, object templates, or jq programs.",
				Category:    "core",
				MockCapable: true,
				Cacheable:   true,
			},
		},
		"branch": {
			factory: func() engine.Block { return &BranchBlock{cel: deps.CEL} },
			meta: engine.BlockMetadata{
				Name:        "Branch",
				Description: "Evaluates conditions and routes flow to a named output port.",
				Category:    "core",
				MockCapable: true,
			},
		},
		"http": {
			factory: func() engine.Block {
				return NewHTTPBlock(deps.HTTP, deps.Breakers, deps.Logger)
			},
			meta: engine.BlockMetadata{
				Name:        "HTTP Request",
				Description: "Calls an external HTTP endpoint with retry and circuit breaking.",
				Category:    "integration",
				MockCapable: true, // demo and test modes serve configured fixtures
				Cacheable:   true,
			},
		},
		"delay": {
			factory: func() engine.Block { return &DelayBlock{} },
			meta: engine.BlockMetadata{
				Name:        "Delay",
				Description: "Pauses the flow for a configured duration.",
				Category:    "core",
				MockCapable: true,
			},
		},
		"output": {
			factory: func() engine.Block { return &OutputBlock{interp: deps.Interpolator} },
			meta: engine.BlockMetadata{
				Name:        "Output",
				Description: "Shapes the run's final output from upstream results.",
				Category:    "core",
				MockCapable: true,
			},
		},
	}

	if deps.Orchestrator != nil {
		entries["subworkflow"] = entry{
			factory: func() engine.Block {
				return &SubworkflowBlock{orch: deps.Orchestrator}
			},
			meta: engine.BlockMetadata{
				Name:        "Subworkflow",
				Description: "Runs a nested workflow in a child context.",
				Category:    "composition",
				MockCapable: true,
			},
		}
	}

	for _, blockType := range []string{"input", "transform", "branch", "http", "delay", "output", "subworkflow"} {
		e, ok := entries[blockType]
		if !ok {
			continue
		}
		if err := reg.Register(blockType, e.factory, e.meta); err != nil {
			return err
		}
	}
	return nil
}

// Param helpers shared across block files.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func mapParam(m map[string]any, key string) map[string]any {
	v, ok := m[key]
	if !ok {
		return nil
	}
	mm, _ := v.(map[string]any)
	return mm
}

func stringMapParam(m map[string]any, key string) map[string]string {
	raw := mapParam(m, key)
	if raw == nil {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
