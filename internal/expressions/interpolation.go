package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cast"

	"github.com/rendis/autoflow/pkg/schema"
)

// Interpolator resolves ${{ namespace.path }} references in step config
// strings, e.g. "Hi ${{ entity.firstName }}".
//
// In lenient mode a missing field renders as the empty string (nil when the
// reference is a whole value); strict mode reports it as an error. Unknown
// namespaces and malformed tokens are always errors.
type Interpolator struct {
	strict bool
}

// NewInterpolator creates an Interpolator.
func NewInterpolator(strict bool) *Interpolator {
	return &Interpolator{strict: strict}
}

// Render substitutes every reference in tmpl with the string form of its value.
func (interp *Interpolator) Render(tmpl string, scope *Scope) (string, error) {
	if !strings.Contains(tmpl, "${{") {
		return tmpl, nil
	}

	var result strings.Builder
	result.Grow(len(tmpl))

	i := 0
	for i < len(tmpl) {
		idx := strings.Index(tmpl[i:], "${{")
		if idx == -1 {
			result.WriteString(tmpl[i:])
			break
		}
		result.WriteString(tmpl[i : i+idx])

		ref, next, err := nextToken(tmpl, i+idx)
		if err != nil {
			return "", err
		}
		val, err := interp.resolve(ref, scope)
		if err != nil {
			return "", err
		}
		result.WriteString(stringify(val))
		i = next
	}
	return result.String(), nil
}

// RenderValue walks a decoded JSON value and renders every string in it. A
// string consisting of exactly one reference is replaced by the referenced
// value itself, keeping its type.
func (interp *Interpolator) RenderValue(v any, scope *Scope) (any, error) {
	switch val := v.(type) {
	case string:
		if ref, ok := wholeToken(val); ok {
			return interp.resolve(ref, scope)
		}
		return interp.Render(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := interp.RenderValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := interp.RenderValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// RenderStrings renders every value of m.
func (interp *Interpolator) RenderStrings(m map[string]string, scope *Scope) (map[string]string, error) {
	out := make(map[string]string, len(m))
	for k, v := range m {
		r, err := interp.Render(v, scope)
		if err != nil {
			return nil, err
		}
		out[k] = r
	}
	return out, nil
}

// nextToken parses the reference starting at pos (which points at "${{").
func nextToken(s string, pos int) (string, int, error) {
	start := pos + 3
	end := strings.Index(s[start:], "}}")
	if end == -1 {
		return "", 0, schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
	}
	end += start

	ref := strings.TrimSpace(s[start:end])
	if strings.Contains(ref, "${{") {
		return "", 0, schema.NewError(schema.ErrCodeInterpolation,
			"nested interpolation not allowed: ${{...}} cannot contain ${{")
	}
	if ref == "" {
		return "", 0, schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
	}
	return ref, end + 2, nil
}

func wholeToken(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "${{") || !strings.HasSuffix(t, "}}") {
		return "", false
	}
	ref, next, err := nextToken(t, 0)
	if err != nil || next != len(t) {
		return "", false
	}
	return ref, true
}

func (interp *Interpolator) resolve(ref string, scope *Scope) (any, error) {
	parts := strings.SplitN(ref, ".", 2)
	ns, ok := scope.namespace(parts[0])
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", parts[0], ref, strings.Join(Namespaces, ", ")).
			WithDetails(map[string]any{"expression": ref, "available_namespaces": Namespaces})
	}
	if len(parts) == 1 || parts[1] == "" {
		return ns, nil
	}

	// Direct key lookup first so keys containing dots resolve.
	if val, ok := ns[parts[1]]; ok {
		return val, nil
	}
	val, err := traversePath(ns, parts[1], ref)
	if err != nil {
		if interp.strict {
			return nil, err
		}
		return nil, nil
	}
	return val, nil
}

// traversePath navigates nested maps using a dot-delimited path.
func traversePath(root any, path, ref string) (any, error) {
	current := root
	for i, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q at position %d", ref, i).
				WithDetails(map[string]any{"expression": ref})
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, ref, current).
				WithDetails(map[string]any{"expression": ref})
		}
		val, ok := m[seg]
		if !ok {
			keys := mapKeys(m)
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"field %q not found in %q; available: [%s]", seg, ref, strings.Join(keys, ", ")).
				WithDetails(map[string]any{"expression": ref, "available_fields": keys})
		}
		current = val
	}
	return current, nil
}

// stringify renders a resolved value for embedding inside a string.
func stringify(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	default:
		if s, err := cast.ToStringE(v); err == nil {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasInterpolation reports whether s contains any ${{...}} reference.
func HasInterpolation(s string) bool {
	return strings.Contains(s, "${{")
}
