package docstore

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// Update sets one field of a document. Dotted field names address nested objects.
type Update struct {
	Field string
	Value any
}

type increment struct {
	by int64
}

type serverTimestamp struct{}

// ServerTimestamp, used as an Update value, is replaced by the engine's commit time.
var ServerTimestamp = serverTimestamp{}

// Increment, used as an Update value, adds n to the current numeric field value.
// A missing field counts as zero.
func Increment(n int64) any {
	return increment{by: n}
}

// Set is shorthand for an Update literal.
func Set(field string, value any) Update {
	return Update{Field: field, Value: value}
}

// ApplyUpdates applies field updates to a JSON object and returns the new body.
// Engines call it while committing so increments see the committed value.
func ApplyUpdates(data []byte, updates []Update, now time.Time) ([]byte, error) {
	doc, err := decodeObject(data)
	if err != nil {
		return nil, err
	}

	for _, u := range updates {
		if u.Field == "" {
			return nil, fmt.Errorf("update with empty field name")
		}

		path := strings.Split(u.Field, ".")
		parent, err := walk(doc, path[:len(path)-1], true)
		if err != nil {
			return nil, fmt.Errorf("update %q: %w", u.Field, err)
		}
		leaf := path[len(path)-1]

		switch v := u.Value.(type) {
		case increment:
			current, err := asInt64(parent[leaf])
			if err != nil {
				return nil, fmt.Errorf("increment %q: %w", u.Field, err)
			}
			parent[leaf] = current + v.by

		case serverTimestamp:
			parent[leaf] = now.UTC()

		default:
			parent[leaf] = v
		}
	}

	return json.Marshal(doc)
}

func decodeObject(data []byte) (map[string]any, error) {
	doc := map[string]any{}
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}

	return doc, nil
}

func walk(doc map[string]any, path []string, create bool) (map[string]any, error) {
	current := doc
	for _, segment := range path {
		next, ok := current[segment]
		if !ok || next == nil {
			if !create {
				return nil, nil
			}
			child := map[string]any{}
			current[segment] = child
			current = child
			continue
		}

		child, ok := next.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("field %q is not an object", segment)
		}
		current = child
	}

	return current, nil
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case interface{ Int64() (int64, error) }:
		return n.Int64()
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("value %v is not an integer", n)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("value of type %T is not numeric", v)
	}
}
