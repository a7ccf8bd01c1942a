package docstore

import (
	"bytes"
	"strings"
)

// Filter is an equality predicate on one (possibly dotted) field.
type Filter struct {
	Field string
	Value any
}

// Where builds a Filter.
func Where(field string, value any) Filter {
	return Filter{Field: field, Value: value}
}

// Matches reports whether the JSON document satisfies every filter.
// Values compare by their JSON encoding, so a string-typed enum matches its
// stored string and an int matches a stored number.
func Matches(data []byte, filters []Filter) (bool, error) {
	if len(filters) == 0 {
		return true, nil
	}

	doc, err := decodeObject(data)
	if err != nil {
		return false, err
	}

	for _, f := range filters {
		path := strings.Split(f.Field, ".")
		parent, err := walk(doc, path[:len(path)-1], false)
		if err != nil || parent == nil {
			return false, nil //nolint:nilerr // a non-object parent simply does not match
		}

		actual, ok := parent[path[len(path)-1]]
		if !ok {
			return false, nil
		}

		want, err := json.Marshal(f.Value)
		if err != nil {
			return false, err
		}
		got, err := json.Marshal(actual)
		if err != nil {
			return false, err
		}

		if !bytes.Equal(want, got) {
			return false, nil
		}
	}

	return true, nil
}
