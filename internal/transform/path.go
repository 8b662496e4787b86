package transform

import (
	"strings"

	"github.com/routeguard/routeguard/internal/routererr"
)

// Dotted-path helpers over generic JSON bodies. Paths address nested maps
// ("model", "options.max_tokens"); traversal through a non-map value is a
// rule configuration error.

func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, routererr.New(routererr.KindTransformation, "empty field path")
	}
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if p == "" {
			return nil, routererr.Newf(routererr.KindTransformation, "malformed field path %q", path)
		}
	}
	return parts, nil
}

// getPath returns the value at path, reporting whether it exists.
func getPath(body map[string]any, path string) (any, bool, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, false, err
	}

	current := body
	for i, part := range parts {
		value, ok := current[part]
		if !ok {
			return nil, false, nil
		}
		if i == len(parts)-1 {
			return value, true, nil
		}
		next, ok := value.(map[string]any)
		if !ok {
			return nil, false, routererr.Newf(routererr.KindTransformation,
				"field path %q traverses non-object at %q", path, part)
		}
		current = next
	}
	return nil, false, nil
}

// setPath writes value at path, creating intermediate objects as needed.
func setPath(body map[string]any, path string, value any) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}

	current := body
	for i, part := range parts {
		if i == len(parts)-1 {
			current[part] = value
			return nil
		}
		next, ok := current[part]
		if !ok {
			created := make(map[string]any)
			current[part] = created
			current = created
			continue
		}
		nested, ok := next.(map[string]any)
		if !ok {
			return routererr.Newf(routererr.KindTransformation,
				"field path %q traverses non-object at %q", path, part)
		}
		current = nested
	}
	return nil
}

// deletePath removes the value at path. Missing paths are a no-op.
func deletePath(body map[string]any, path string) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}

	current := body
	for i, part := range parts {
		if i == len(parts)-1 {
			delete(current, part)
			return nil
		}
		next, ok := current[part]
		if !ok {
			return nil
		}
		nested, ok := next.(map[string]any)
		if !ok {
			return routererr.Newf(routererr.KindTransformation,
				"field path %q traverses non-object at %q", path, part)
		}
		current = nested
	}
	return nil
}

// cloneBody deep-copies a JSON body so rule application stays pure in its
// input.
func cloneBody(body map[string]any) map[string]any {
	if body == nil {
		return nil
	}
	out := make(map[string]any, len(body))
	for k, v := range body {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneBody(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// asFloat extracts a numeric value from a decoded JSON body.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
