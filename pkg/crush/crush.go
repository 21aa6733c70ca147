// Package crush flattens nested documents into dot-path leaf maps and
// reconstructs them. The upsert pipeline merges documents in flattened form
// so that an incoming partial update overlays the persisted document leaf by
// leaf instead of replacing whole sub-objects.
package crush

import (
	"sort"
	"strconv"
	"strings"
)

// Flatten converts a nested document into a map of dot-path -> leaf value.
// Arrays of scalars are kept whole as a single leaf at their path; arrays
// containing objects are indexed (path.0, path.1, ...). Prefixes listed in
// excludePrefixes drop the matching top-level keys and any nested path under
// them.
func Flatten(data map[string]any, excludePrefixes ...string) map[string]any {
	out := make(map[string]any)
	flattenInto(out, "", data)

	if len(excludePrefixes) == 0 {
		return out
	}

	for path := range out {
		for _, prefix := range excludePrefixes {
			if path == prefix || strings.HasPrefix(path, prefix+".") {
				delete(out, path)
				break
			}
		}
	}
	return out
}

func flattenInto(out map[string]any, prefix string, value any) {
	switch v := value.(type) {
	case map[string]any:
		if len(v) == 0 && prefix != "" {
			out[prefix] = v
			return
		}
		for key, child := range v {
			path := key
			if prefix != "" {
				path = prefix + "." + key
			}
			flattenInto(out, path, child)
		}
	case []any:
		if containsObject(v) {
			for i, child := range v {
				flattenInto(out, prefix+"."+strconv.Itoa(i), child)
			}
			return
		}
		out[prefix] = v
	default:
		out[prefix] = v
	}
}

func containsObject(arr []any) bool {
	for _, v := range arr {
		switch v.(type) {
		case map[string]any, []any:
			return true
		}
	}
	return false
}

// Construct rebuilds a nested document from a flattened dot-path map.
// Numeric path segments produce array elements.
func Construct(flat map[string]any) map[string]any {
	root := make(map[string]any)

	// Deterministic insertion order keeps array construction stable.
	paths := make([]string, 0, len(flat))
	for path := range flat {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		setPath(root, strings.Split(path, "."), flat[path])
	}
	return normalizeArrays(root).(map[string]any)
}

func setPath(node map[string]any, segments []string, value any) {
	if len(segments) == 1 {
		node[segments[0]] = value
		return
	}

	child, ok := node[segments[0]].(map[string]any)
	if !ok {
		child = make(map[string]any)
		node[segments[0]] = child
	}
	setPath(child, segments[1:], value)
}

// normalizeArrays converts maps whose keys are all consecutive integers
// starting at zero back into slices.
func normalizeArrays(value any) any {
	m, ok := value.(map[string]any)
	if !ok {
		return value
	}

	for key, child := range m {
		m[key] = normalizeArrays(child)
	}

	if len(m) == 0 {
		return m
	}

	indexes := make([]int, 0, len(m))
	for key := range m {
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 {
			return m
		}
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for want, got := range indexes {
		if want != got {
			return m
		}
	}

	arr := make([]any, len(indexes))
	for _, i := range indexes {
		arr[i] = m[strconv.Itoa(i)]
	}
	return arr
}

// Merge overlays the given flattened maps left to right; later maps win on
// conflicting paths.
func Merge(maps ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, m := range maps {
		for path, value := range m {
			out[path] = value
		}
	}
	return out
}
