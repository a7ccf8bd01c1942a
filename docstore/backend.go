package docstore

import "context"

// WriteKind enumerates the buffered write operations of a transaction.
type WriteKind int

const (
	// WriteCreate inserts a document and fails with ErrAlreadyExists if it exists.
	WriteCreate WriteKind = iota
	// WriteSet inserts or replaces a document.
	WriteSet
	// WriteUpdate applies field updates and fails with ErrNotFound if the document is missing.
	WriteUpdate
	// WriteDelete removes a document; deleting a missing document is not an error.
	WriteDelete
)

func (k WriteKind) String() string {
	switch k {
	case WriteCreate:
		return "create"
	case WriteSet:
		return "set"
	case WriteUpdate:
		return "update"
	case WriteDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Write is one buffered mutation.
type Write struct {
	Kind    WriteKind
	Ref     Ref
	Data    []byte
	Updates []Update
}

// Precondition pins the version a transaction read. Version 0 means the
// document must still be absent.
type Precondition struct {
	Ref     Ref
	Version int64
}

// Backend is a storage engine under a Store.
//
// Load returns a snapshot with Version 0 for a missing document.
// List returns the documents of one collection ordered by id.
// Commit checks every precondition and applies all writes atomically, in
// order, or applies nothing. It returns ErrConflict when a precondition fails
// or the engine detects a concurrent writer.
type Backend interface {
	Load(ctx context.Context, ref Ref) (*Snapshot, error)
	List(ctx context.Context, collection string) ([]*Snapshot, error)
	Commit(ctx context.Context, preconditions []Precondition, writes []Write) error
	Close() error
}
