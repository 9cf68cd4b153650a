package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	openMarker  = "{{"
	closeMarker = "}}"
)

// Interpolator resolves {{namespace.path}} template tokens against a Scope.
//
// Resolution is deliberately forgiving: an unresolvable path yields an
// undefined value (empty string when embedded in a larger string), and a
// malformed token is kept verbatim so one bad template cannot corrupt an
// entire config object. Neither case returns an error to the caller.
type Interpolator struct {
	logger *slog.Logger
}

// NewInterpolator creates an Interpolator. A nil logger disables warnings.
func NewInterpolator(logger *slog.Logger) *Interpolator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Interpolator{logger: logger}
}

// undefined marks a path that resolved to nothing. Distinct from a literal
// nil value so callers can format it as an empty string.
type undefined struct{}

// Interpolate resolves a template. A template that is exactly one placeholder
// returns the underlying typed value (maps and slices preserved); anything
// else returns a string with each token substituted inline, objects
// JSON-stringified and undefined paths formatted as "".
func (ip *Interpolator) Interpolate(ctx context.Context, template string, scope *Scope) any {
	if expr, ok := singlePlaceholder(template); ok {
		val, keep := ip.resolveToken(ctx, expr, scope)
		if keep {
			return template
		}
		if _, isUndef := val.(undefined); isUndef {
			return nil
		}
		return val
	}
	return ip.InterpolateString(ctx, template, scope)
}

// InterpolateString resolves all tokens in a template into a flat string.
func (ip *Interpolator) InterpolateString(ctx context.Context, template string, scope *Scope) string {
	if !strings.Contains(template, openMarker) {
		return template
	}

	var b strings.Builder
	b.Grow(len(template))

	rest := template
	for {
		start := strings.Index(rest, openMarker)
		if start == -1 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])

		end := strings.Index(rest[start:], closeMarker)
		if end == -1 {
			// Unterminated token: keep the remainder verbatim.
			ip.logger.WarnContext(ctx, "unterminated template token", "template", template)
			b.WriteString(rest[start:])
			break
		}
		end += start

		token := rest[start : end+len(closeMarker)]
		expr := strings.TrimSpace(rest[start+len(openMarker) : end])

		val, keep := ip.resolveToken(ctx, expr, scope)
		if keep {
			b.WriteString(token)
		} else {
			b.WriteString(formatInline(val))
		}

		rest = rest[end+len(closeMarker):]
	}

	return b.String()
}

// InterpolateObject walks a decoded JSON value and interpolates every string
// in place of itself. Non-string scalars pass through unchanged.
func (ip *Interpolator) InterpolateObject(ctx context.Context, value any, scope *Scope) any {
	switch v := value.(type) {
	case string:
		return ip.Interpolate(ctx, v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = ip.InterpolateObject(ctx, item, scope)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = ip.InterpolateObject(ctx, item, scope)
		}
		return out
	default:
		return value
	}
}

// InterpolateConfig interpolates a raw JSON config blob and returns the
// resolved structure as a map. A nil or empty blob yields an empty map.
func (ip *Interpolator) InterpolateConfig(ctx context.Context, raw json.RawMessage, scope *Scope) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var cfg map[string]any
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	resolved, _ := ip.InterpolateObject(ctx, any(cfg), scope).(map[string]any)
	if resolved == nil {
		resolved = map[string]any{}
	}
	return resolved, nil
}

// resolveToken resolves one token expression. The second return value is true
// when the original {{...}} text must be kept verbatim (malformed token).
func (ip *Interpolator) resolveToken(ctx context.Context, expr string, scope *Scope) (any, bool) {
	if expr == "" {
		ip.logger.WarnContext(ctx, "empty template token")
		return nil, true
	}
	if strings.Contains(expr, openMarker) {
		ip.logger.WarnContext(ctx, "nested template token", "expression", expr)
		return nil, true
	}

	// Reserved token: current timestamp.
	if expr == "now" {
		return time.Now().UTC().Format(time.RFC3339), false
	}

	if scope == nil {
		return undefined{}, false
	}

	parts := strings.Split(expr, ".")
	namespace := parts[0]
	path := parts[1:]

	switch namespace {
	case "input":
		return traverse(scope.Input, path), false
	case "variables", "var":
		return traverse(anyMap(scope.Variables), path), false
	case "secrets":
		return traverse(stringMap(scope.Secrets), path), false
	case "env":
		return traverse(stringMap(scope.Env), path), false
	case "workflow":
		return traverse(anyMap(scope.Workflow), path), false
	case "nodes":
		if len(path) == 0 {
			return undefined{}, false
		}
		// A node that has not executed yet resolves to undefined, not an error.
		out, ok := scope.NodeOutput(path[0])
		if !ok {
			return undefined{}, false
		}
		return traverse(out, path[1:]), false
	default:
		// Unknown namespace defaults to input: {{user.name}} == {{input.user.name}}.
		return traverse(scope.Input, parts), false
	}
}

// traverse walks a dot-path into nested maps and slices. Any miss yields
// undefined rather than an error.
func traverse(root any, path []string) any {
	current := root
	for _, seg := range path {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				return undefined{}
			}
			current = val
		case map[string]string:
			val, ok := v[seg]
			if !ok {
				return undefined{}
			}
			current = val
		default:
			return undefined{}
		}
	}
	if current == nil {
		return undefined{}
	}
	return current
}

// ExtractVariables returns every token expression in left-to-right order.
func ExtractVariables(template string) []string {
	var out []string
	rest := template
	for {
		start := strings.Index(rest, openMarker)
		if start == -1 {
			break
		}
		end := strings.Index(rest[start:], closeMarker)
		if end == -1 {
			break
		}
		end += start
		expr := strings.TrimSpace(rest[start+len(openMarker) : end])
		if expr != "" {
			out = append(out, expr)
		}
		rest = rest[end+len(closeMarker):]
	}
	return out
}

// HasTemplate reports whether a string contains any {{...}} token.
func HasTemplate(s string) bool {
	return strings.Contains(s, openMarker)
}

// singlePlaceholder reports whether the template is exactly one {{...}} token
// and returns its inner expression.
func singlePlaceholder(template string) (string, bool) {
	t := strings.TrimSpace(template)
	if !strings.HasPrefix(t, openMarker) || !strings.HasSuffix(t, closeMarker) {
		return "", false
	}
	inner := t[len(openMarker) : len(t)-len(closeMarker)]
	if strings.Contains(inner, closeMarker) || strings.Contains(inner, openMarker) {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

// formatInline converts a resolved value into its in-string representation.
// Undefined values become empty strings; structured values are JSON-encoded.
func formatInline(val any) string {
	switch v := val.(type) {
	case undefined:
		return ""
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return formatFloat(v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.Number:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// formatFloat renders a float without a trailing ".0" for integral values.
func formatFloat(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%v", f)
}

func anyMap(m map[string]any) any {
	if m == nil {
		return undefined{}
	}
	return m
}

func stringMap(m map[string]string) any {
	if m == nil {
		return undefined{}
	}
	return m
}
