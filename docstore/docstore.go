// Package docstore is a small document-store abstraction in the spirit of a
// cloud document database: JSON documents addressed by a collection path and
// an id, equality queries over one collection, and atomic multi-document
// transactions with optimistic concurrency.
//
// Reads made inside a transaction remember the version they saw. On commit the
// engine re-checks every remembered version and applies the buffered writes in
// one atomic unit, or fails with ErrConflict. Store.RunTransaction retries
// conflicts with fresh reads a bounded number of times.
package docstore

import (
	"errors"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var (
	// ErrNotFound is returned when an update targets a missing document.
	ErrNotFound = errors.New("document not found")

	// ErrAlreadyExists is returned when a create targets an existing document.
	ErrAlreadyExists = errors.New("document already exists")

	// ErrConflict is returned when a document read in a transaction changed before commit.
	ErrConflict = errors.New("transaction conflict")

	// ErrReadAfterWrite is returned when a transaction reads after it has buffered a write.
	ErrReadAfterWrite = errors.New("transaction reads must happen before writes")

	// ErrInvalidRef is returned for an empty collection path or document id.
	ErrInvalidRef = errors.New("collection path and document id must not be empty")

	// ErrNilBackend is returned when New is called without an engine.
	ErrNilBackend = errors.New("backend must not be nil")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Ref addresses a single document.
type Ref struct {
	Collection string
	ID         string
}

// Doc builds a Ref.
func Doc(collection, id string) Ref {
	return Ref{Collection: collection, ID: id}
}

// Collection joins path segments, e.g. Collection("members", id, "fines").
func Collection(segments ...string) string {
	return strings.Join(segments, "/")
}

// Path returns "collection/id".
func (r Ref) Path() string {
	return r.Collection + "/" + r.ID
}

// Validate checks that both parts of the reference are set.
func (r Ref) Validate() error {
	if r.Collection == "" || r.ID == "" || strings.Contains(r.ID, "/") {
		return ErrInvalidRef
	}

	return nil
}

// Snapshot is a document as read at one point in time.
// A snapshot of a missing document has Version 0 and no data.
type Snapshot struct {
	Ref        Ref
	Version    int64
	CreateTime time.Time
	UpdateTime time.Time
	Data       []byte
}

// Exists reports whether the document existed when it was read.
func (s *Snapshot) Exists() bool {
	return s != nil && s.Version > 0
}

// DataTo decodes the document body into v.
func (s *Snapshot) DataTo(v any) error {
	if !s.Exists() {
		return ErrNotFound
	}

	return json.Unmarshal(s.Data, v)
}

// Marshal encodes v the way documents are stored.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
