package offline

import (
	"fmt"
)

type PatchOp int

const (
	// recursive merge into the existing value. See `MergeValue`
	PatchOpMerge PatchOp = iota
	// overwrite the existing value. A nil value removes the key
	PatchOpReplace
	// remove all keys except `Preserve`. `Key` and `Value` are ignored
	PatchOpClear
)

func (self PatchOp) String() string {
	switch self {
	case PatchOpMerge:
		return "merge"
	case PatchOpReplace:
		return "replace"
	case PatchOpClear:
		return "clear"
	default:
		return fmt.Sprintf("op(%d)", int(self))
	}
}

func ParsePatchOp(op string) (PatchOp, error) {
	switch op {
	case "merge":
		return PatchOpMerge, nil
	case "replace":
		return PatchOpReplace, nil
	case "clear":
		return PatchOpClear, nil
	default:
		return PatchOpMerge, fmt.Errorf("unknown patch op %q", op)
	}
}

type Patch struct {
	Key   string
	Op    PatchOp
	Value Value
	// clear only. Evaluated against the store when the patch is applied
	Preserve []string
}

func MergePatch(key string, value Value) Patch {
	return Patch{
		Key:   key,
		Op:    PatchOpMerge,
		Value: value,
	}
}

func ReplacePatch(key string, value Value) Patch {
	return Patch{
		Key:   key,
		Op:    PatchOpReplace,
		Value: value,
	}
}

func ClearPatch(preserve ...string) Patch {
	return Patch{
		Op:       PatchOpClear,
		Preserve: preserve,
	}
}

func (self Patch) String() string {
	if self.Op == PatchOpClear {
		return fmt.Sprintf("clear(preserve=%v)", self.Preserve)
	}
	return fmt.Sprintf("%s(%s)", self.Op, self.Key)
}

func clonePatches(patches []Patch) []Patch {
	if patches == nil {
		return nil
	}
	clonedPatches := make([]Patch, len(patches))
	for i, patch := range patches {
		clonedPatches[i] = Patch{
			Key:      patch.Key,
			Op:       patch.Op,
			Value:    CloneValue(patch.Value),
			Preserve: append([]string(nil), patch.Preserve...),
		}
	}
	return clonedPatches
}

// json-like form used on the wire and on disk
func patchMap(patch Patch) map[string]any {
	m := map[string]any{
		"op": patch.Op.String(),
	}
	if patch.Op == PatchOpClear {
		m["preserve"] = CloneValue(patch.Preserve)
	} else {
		m["key"] = patch.Key
		m["value"] = CloneValue(patch.Value)
	}
	return m
}

func patchFromMap(m map[string]any) (Patch, error) {
	opName, _ := m["op"].(string)
	op, err := ParsePatchOp(opName)
	if err != nil {
		return Patch{}, err
	}
	if op == PatchOpClear {
		preserve := []string{}
		if values, ok := m["preserve"].([]any); ok {
			for _, value := range values {
				if key, ok := value.(string); ok {
					preserve = append(preserve, key)
				}
			}
		}
		return ClearPatch(preserve...), nil
	}
	key, ok := m["key"].(string)
	if !ok {
		return Patch{}, fmt.Errorf("%s patch missing key", op)
	}
	return Patch{
		Key:   key,
		Op:    op,
		Value: CloneValue(m["value"]),
	}, nil
}
