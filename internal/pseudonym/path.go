package pseudonym

import (
	"fmt"
	"strconv"
	"strings"
)

// pathSegment is one step of a parsed JSON path: a map key, optionally
// followed by array indices.
type pathSegment struct {
	key     string
	indices []int
}

// parsePath splits "a.b[0].c" into segments. Keys produced by the walk never
// contain dots or brackets, so the grammar is unambiguous.
func parsePath(path string) ([]pathSegment, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}
	var segments []pathSegment
	for _, raw := range strings.Split(path, ".") {
		seg := pathSegment{}
		key := raw
		for {
			open := strings.IndexByte(key, '[')
			if open < 0 {
				break
			}
			closing := strings.IndexByte(key[open:], ']')
			if closing < 0 {
				return nil, fmt.Errorf("unbalanced bracket in path %q", path)
			}
			idx, err := strconv.Atoi(key[open+1 : open+closing])
			if err != nil {
				return nil, fmt.Errorf("bad index in path %q: %w", path, err)
			}
			seg.indices = append(seg.indices, idx)
			key = key[:open] + key[open+closing+1:]
		}
		seg.key = key
		segments = append(segments, seg)
	}
	return segments, nil
}

// setPath writes value at the given path inside a decoded JSON tree.
// Fails when the path does not resolve to an existing location.
func setPath(root map[string]any, path string, value any) error {
	segments, err := parsePath(path)
	if err != nil {
		return err
	}

	var parentMap map[string]any = root
	var parentSlice []any
	var inSlice bool
	var sliceIdx int
	var current any = root

	for si, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return fmt.Errorf("path %q: segment %q is not an object", path, seg.key)
		}
		child, exists := m[seg.key]
		if !exists {
			return fmt.Errorf("path %q: key %q missing", path, seg.key)
		}

		parentMap, inSlice = m, false
		lastKey := seg.key
		current = child

		for _, idx := range seg.indices {
			arr, ok := current.([]any)
			if !ok {
				return fmt.Errorf("path %q: %q is not an array", path, seg.key)
			}
			if idx < 0 || idx >= len(arr) {
				return fmt.Errorf("path %q: index %d out of range", path, idx)
			}
			parentSlice, sliceIdx, inSlice = arr, idx, true
			current = arr[idx]
		}

		if si == len(segments)-1 {
			if inSlice {
				parentSlice[sliceIdx] = value
			} else {
				parentMap[lastKey] = value
			}
			return nil
		}
	}
	return fmt.Errorf("path %q did not resolve", path)
}
