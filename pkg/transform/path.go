package transform

import (
	"fmt"
	"strconv"
	"strings"
)

// fieldValue resolves a dotted path like "payload.items[0].sku" against a
// field map. A leading dot is accepted for jq familiarity. Missing keys and
// out-of-range indexes return errors so callers can tell "absent" from a
// field that is genuinely nil.
func fieldValue(fields map[string]any, path string) (any, error) {
	if fields == nil || path == "" {
		return nil, fmt.Errorf("empty field path")
	}
	path = strings.TrimPrefix(path, ".")

	var current any = fields
	for _, key := range strings.Split(path, ".") {
		if key == "" {
			continue
		}

		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected object at path segment %q", key)
		}

		name, index, indexed := cutIndex(key)
		value, exists := m[name]
		if !exists {
			return nil, fmt.Errorf("field %q not found", name)
		}
		if !indexed {
			current = value
			continue
		}

		arr, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("expected array at field %q", name)
		}
		if index < 0 || index >= len(arr) {
			return nil, fmt.Errorf("index %d out of range for field %q", index, name)
		}
		current = arr[index]
	}
	return current, nil
}

// cutIndex splits "items[2]" into ("items", 2, true); plain keys pass through.
func cutIndex(key string) (string, int, bool) {
	open := strings.IndexByte(key, '[')
	if open == -1 || !strings.HasSuffix(key, "]") {
		return key, 0, false
	}
	idx, err := strconv.Atoi(key[open+1 : len(key)-1])
	if err != nil {
		return key, 0, false
	}
	return key[:open], idx, true
}
