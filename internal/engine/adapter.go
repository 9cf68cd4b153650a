package engine

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/leadstitch/flowline/internal/expressions"
	"github.com/leadstitch/flowline/pkg/schema"
)

// AdapterApplier transforms source node outputs along edges before they are
// merged into downstream inputs.
type AdapterApplier struct {
	interp *expressions.Interpolator
	expr   expressions.Engine
}

// NewAdapterApplier wires an applier with the given interpolator and
// expression engine. The engine evaluates "expr" adapters; nil disables them.
func NewAdapterApplier(interp *expressions.Interpolator, engine expressions.Engine) *AdapterApplier {
	return &AdapterApplier{interp: interp, expr: engine}
}

// Apply transforms sourceOutput per the adapter. A nil adapter passes the
// output through unchanged. scope templates are evaluated with the source
// output as the input namespace, so {{field}} and {{input.field}} both reach
// into the source output while {{nodes.x}} still resolves.
func (a *AdapterApplier) Apply(ctx context.Context, adapter *schema.EdgeAdapter, sourceOutput any, scope *expressions.Scope) (any, error) {
	if adapter == nil {
		return sourceOutput, nil
	}

	edgeScope := &expressions.Scope{Input: sourceOutput}
	if scope != nil {
		edgeScope.Variables = scope.Variables
		edgeScope.Secrets = scope.Secrets
		edgeScope.Env = scope.Env
		edgeScope.Nodes = scope.Nodes
		edgeScope.Workflow = scope.Workflow
	}

	switch adapter.Type {
	case schema.AdapterMap:
		return a.applyMap(ctx, adapter.Map, sourceOutput, edgeScope), nil
	case schema.AdapterTemplate:
		return a.applyTemplate(ctx, adapter.Template, edgeScope), nil
	case schema.AdapterExpr:
		return a.applyExpr(ctx, adapter.Expr, sourceOutput, edgeScope)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown adapter type %q", adapter.Type)
	}
}

// applyMap builds an object from {targetField: sourcePath}. Each value is a
// plain dot-path into the source output, or a {{...}} template.
func (a *AdapterApplier) applyMap(ctx context.Context, mapping map[string]string, sourceOutput any, scope *expressions.Scope) map[string]any {
	out := make(map[string]any, len(mapping))
	for field, path := range mapping {
		if expressions.HasTemplate(path) {
			out[field] = coerceTemplateResult(a.interp.Interpolate(ctx, path, scope), path)
			continue
		}
		out[field] = LookupPath(sourceOutput, path)
	}
	return out
}

func (a *AdapterApplier) applyTemplate(ctx context.Context, templates map[string]string, scope *expressions.Scope) map[string]any {
	out := make(map[string]any, len(templates))
	for field, tmpl := range templates {
		out[field] = coerceTemplateResult(a.interp.Interpolate(ctx, tmpl, scope), tmpl)
	}
	return out
}

func (a *AdapterApplier) applyExpr(ctx context.Context, expression string, sourceOutput any, scope *expressions.Scope) (any, error) {
	if a.expr == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "expr adapters are not enabled")
	}
	data := map[string]any{
		"output": sourceOutput,
		"context": map[string]any{
			"variables": scope.Variables,
			"nodes":     scope.Nodes,
			"workflow":  scope.Workflow,
		},
	}
	out, err := a.expr.Evaluate(ctx, expression, data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"adapter expression failed: %s", err.Error()).WithCause(err)
	}
	return out, nil
}

// ValidateAdapter checks that the adapter carries the fields its declared
// type requires.
func ValidateAdapter(adapter *schema.EdgeAdapter) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if adapter == nil {
		return result
	}
	switch adapter.Type {
	case schema.AdapterMap:
		if len(adapter.Map) == 0 {
			result.AddError("adapter.map", schema.TagStructure, "map adapter requires a non-empty map")
		}
	case schema.AdapterTemplate:
		if len(adapter.Template) == 0 {
			result.AddError("adapter.template", schema.TagStructure, "template adapter requires a non-empty template map")
		}
	case schema.AdapterExpr:
		if strings.TrimSpace(adapter.Expr) == "" {
			result.AddError("adapter.expr", schema.TagStructure, "expr adapter requires a non-empty expression")
		}
	case "":
		result.AddError("adapter.type", schema.TagStructure, "adapter type is required")
	default:
		result.AddError("adapter.type", schema.TagStructure, "unknown adapter type: "+string(adapter.Type))
	}
	return result
}

// numericLiteral matches plain decimal numbers. Strings with grouping
// separators or leading zeros ("1,234", "007") are deliberately excluded.
var numericLiteral = regexp.MustCompile(`^-?(0|[1-9][0-9]*)(\.[0-9]+)?$`)

// coerceTemplateResult converts mixed-template string results that look like
// a clean number into a float. Exact single-placeholder results keep their
// original type and are never re-coerced.
func coerceTemplateResult(val any, template string) any {
	s, ok := val.(string)
	if !ok {
		return val
	}
	if trimmed := strings.TrimSpace(template); strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") && strings.Count(trimmed, "{{") == 1 {
		// Single placeholder: the interpolator already returned the raw value.
		return val
	}
	if strings.ContainsAny(s, " \t") || !numericLiteral.MatchString(s) {
		return val
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return val
	}
	return f
}

// LookupPath walks a dot-separated path into nested maps and slices.
// An empty path returns the value itself; a miss returns nil.
func LookupPath(v any, path string) any {
	if path == "" {
		return v
	}
	current := v
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			val, ok := node[part]
			if !ok {
				return nil
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil
			}
			current = node[idx]
		default:
			return nil
		}
	}
	return current
}
