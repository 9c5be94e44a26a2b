package offline

// store values are json-like trees:
// `map[string]any`, `[]any`, and scalars (string, bool, numbers, nil)
// maps and lists are copied on the way into and out of the store,
// so callers never share mutable state with the store

type Value = any

// `[]map[string]any` is normalized to `[]any`
func CloneValue(value Value) Value {
	switch v := value.(type) {
	case map[string]any:
		c := make(map[string]any, len(v))
		for key, child := range v {
			c[key] = CloneValue(child)
		}
		return c
	case []any:
		c := make([]any, len(v))
		for i, child := range v {
			c[i] = CloneValue(child)
		}
		return c
	case []map[string]any:
		c := make([]any, len(v))
		for i, child := range v {
			c[i] = CloneValue(child)
		}
		return c
	case []string:
		c := make([]any, len(v))
		for i, child := range v {
			c[i] = child
		}
		return c
	default:
		return v
	}
}

// copies the value and drops nil fields from every map in the tree
// lists keep their nil elements
func RemoveNullValues(value Value) Value {
	switch v := CloneValue(value).(type) {
	case map[string]any:
		return removeNullFields(v)
	case []any:
		for i, child := range v {
			if m, ok := child.(map[string]any); ok {
				v[i] = removeNullFields(m)
			}
		}
		return v
	default:
		return v
	}
}

// `m` must already be a private copy
func removeNullFields(m map[string]any) map[string]any {
	for key, child := range m {
		switch c := child.(type) {
		case nil:
			delete(m, key)
		case map[string]any:
			m[key] = removeNullFields(c)
		case []any:
			for i, e := range c {
				if em, ok := e.(map[string]any); ok {
					c[i] = removeNullFields(em)
				}
			}
		}
	}
	return m
}

// recursive merge of `source` into `target`, returning a new value
// - nested maps merge field by field
// - a nil field in `source` removes the field
// - lists and scalars in `source` replace the target wholesale (last writer wins)
func MergeValue(target Value, source Value) Value {
	sourceMap, ok := source.(map[string]any)
	if !ok {
		return RemoveNullValues(source)
	}
	targetMap, ok := target.(map[string]any)
	if !ok {
		return RemoveNullValues(sourceMap)
	}
	merged := CloneValue(targetMap).(map[string]any)
	for key, sourceChild := range sourceMap {
		if sourceChild == nil {
			delete(merged, key)
			continue
		}
		if _, ok := sourceChild.(map[string]any); ok {
			merged[key] = MergeValue(merged[key], sourceChild)
		} else {
			merged[key] = RemoveNullValues(sourceChild)
		}
	}
	return merged
}
