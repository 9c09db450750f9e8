package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// maxIncludeDepth bounds $include nesting.
const maxIncludeDepth = 10

// loadWithIncludes reads a JSON5 file and resolves its $include directives.
// $include accepts a string or an array of strings, each a path relative to
// the including file. Included documents are deep-merged first (in order),
// then the including document's own keys are merged on top (later wins).
// seen carries the absolute paths on the current include chain for cycle
// detection.
func loadWithIncludes(path string, seen []string, depth int) (map[string]any, error) {
	if depth > maxIncludeDepth {
		return nil, fmt.Errorf("config: include depth exceeds %d at %s", maxIncludeDepth, path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	for _, p := range seen {
		if p == abs {
			return nil, fmt.Errorf("config: circular include: %s", abs)
		}
	}
	seen = append(seen, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	doc, err := parseJSON5(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	includes, err := includePaths(doc["$include"])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	delete(doc, "$include")
	if len(includes) == 0 {
		return doc, nil
	}

	base := map[string]any{}
	dir := filepath.Dir(abs)
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(dir, inc)
		}
		sub, err := loadWithIncludes(inc, seen, depth+1)
		if err != nil {
			return nil, err
		}
		base = deepMerge(base, sub)
	}
	return deepMerge(base, doc), nil
}

func includePaths(v any) ([]string, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{val}, nil
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("$include entries must be strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("$include must be a string or array, got %T", v)
	}
}

// deepMerge merges overlay into base and returns the result. Maps merge
// recursively; any other value (including arrays) replaces.
func deepMerge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		ov, overlayIsMap := v.(map[string]any)
		bv, baseIsMap := out[k].(map[string]any)
		if overlayIsMap && baseIsMap {
			out[k] = deepMerge(bv, ov)
			continue
		}
		out[k] = v
	}
	return out
}
