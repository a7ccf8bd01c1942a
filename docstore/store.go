package docstore

import (
	"context"
	"fmt"
	"sort"
)

const (
	logMsgTxRetry      = "transaction conflict, retrying with fresh reads"
	logMsgTxExhausted  = "transaction conflict, attempts exhausted"
	logMsgTxCommitted  = "transaction committed"
	logAttrAttempts    = "attempts"
	logAttrWrites      = "writes"
	logAttrReads       = "reads"
	logAttrError       = "error"
	logAttrCollection  = "collection"
	logAttrResultCount = "result_count"
)

// Logger interface for store diagnostics. *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Store is the document store used by the application code.
type Store struct {
	backend      Backend
	logger       Logger
	retryOptions []RetryOption
}

// Option defines a functional option for configuring Store.
type Option func(*Store) error

// WithLogger sets the logger for the Store.
func WithLogger(logger Logger) Option {
	return func(s *Store) error {
		s.logger = logger
		return nil
	}
}

// WithRetryOptions sets the conflict retry policy of RunTransaction.
func WithRetryOptions(opts ...RetryOption) Option {
	return func(s *Store) error {
		s.retryOptions = opts
		return nil
	}
}

// New wraps an engine.
func New(backend Backend, options ...Option) (*Store, error) {
	if backend == nil {
		return nil, ErrNilBackend
	}

	s := &Store{backend: backend}
	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Close closes the engine.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Get reads one document. Check Exists on the result; a missing document is not an error.
func (s *Store) Get(ctx context.Context, ref Ref) (*Snapshot, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	return s.backend.Load(ctx, ref)
}

// Query returns the documents of a collection matching every filter, ordered by id.
func (s *Store) Query(ctx context.Context, collection string, filters ...Filter) ([]*Snapshot, error) {
	snaps, err := query(ctx, s.backend, collection, filters)
	if err != nil {
		return nil, err
	}

	s.debug("query completed", logAttrCollection, collection, logAttrResultCount, len(snaps))

	return snaps, nil
}

// RunTransaction runs fn and commits its buffered writes atomically. When the
// commit conflicts, fn runs again with a fresh Tx, up to the retry policy's
// attempt limit; the final conflict is returned wrapped in ErrConflict.
// Any other error returned by fn aborts without retry and without writing.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	result, err := RetryWithExponentialBackoff(ctx, func(ctx context.Context) error {
		tx := &Tx{backend: s.backend, reads: map[string]Precondition{}}
		if err := fn(ctx, tx); err != nil {
			return err
		}

		if len(tx.writes) == 0 {
			return nil
		}

		if err := s.backend.Commit(ctx, tx.preconditions(), tx.writes); err != nil {
			s.debug(logMsgTxRetry, logAttrError, err.Error())
			return err
		}

		s.debug(logMsgTxCommitted, logAttrReads, len(tx.reads), logAttrWrites, len(tx.writes))

		return nil
	}, s.retryOptions...)

	if result.Exhausted {
		if s.logger != nil {
			s.logger.Warn(logMsgTxExhausted, logAttrAttempts, result.Attempts, logAttrError, err.Error())
		}

		return fmt.Errorf("%w after %d attempts", err, result.Attempts)
	}

	return err
}

func (s *Store) debug(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}

func query(ctx context.Context, backend Backend, collection string, filters []Filter) ([]*Snapshot, error) {
	if collection == "" {
		return nil, ErrInvalidRef
	}

	all, err := backend.List(ctx, collection)
	if err != nil {
		return nil, err
	}

	matched := make([]*Snapshot, 0, len(all))
	for _, snap := range all {
		ok, err := Matches(snap.Data, filters)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", snap.Ref.Path(), err)
		}
		if ok {
			matched = append(matched, snap)
		}
	}

	return matched, nil
}

// Tx buffers the writes of one transaction attempt and records the versions it read.
// It is not safe for concurrent use.
type Tx struct {
	backend Backend
	reads   map[string]Precondition
	writes  []Write
}

// Get reads a document and pins its version for commit.
func (tx *Tx) Get(ctx context.Context, ref Ref) (*Snapshot, error) {
	if err := tx.beforeRead(); err != nil {
		return nil, err
	}
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	snap, err := tx.backend.Load(ctx, ref)
	if err != nil {
		return nil, err
	}
	tx.pin(snap)

	return snap, nil
}

// Query reads a collection and pins the version of every returned document.
// Documents inserted concurrently into the collection are not detected.
func (tx *Tx) Query(ctx context.Context, collection string, filters ...Filter) ([]*Snapshot, error) {
	if err := tx.beforeRead(); err != nil {
		return nil, err
	}

	snaps, err := query(ctx, tx.backend, collection, filters)
	if err != nil {
		return nil, err
	}
	for _, snap := range snaps {
		tx.pin(snap)
	}

	return snaps, nil
}

// Create buffers the creation of a new document.
func (tx *Tx) Create(ref Ref, v any) error {
	return tx.bufferData(WriteCreate, ref, v)
}

// Set buffers a create-or-replace.
func (tx *Tx) Set(ref Ref, v any) error {
	return tx.bufferData(WriteSet, ref, v)
}

// Update buffers field updates of an existing document.
func (tx *Tx) Update(ref Ref, updates ...Update) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	if len(updates) == 0 {
		return nil
	}

	tx.writes = append(tx.writes, Write{Kind: WriteUpdate, Ref: ref, Updates: updates})

	return nil
}

// Delete buffers a delete.
func (tx *Tx) Delete(ref Ref) error {
	if err := ref.Validate(); err != nil {
		return err
	}

	tx.writes = append(tx.writes, Write{Kind: WriteDelete, Ref: ref})

	return nil
}

func (tx *Tx) bufferData(kind WriteKind, ref Ref, v any) error {
	if err := ref.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ref.Path(), err)
	}

	tx.writes = append(tx.writes, Write{Kind: kind, Ref: ref, Data: data})

	return nil
}

func (tx *Tx) beforeRead() error {
	if len(tx.writes) > 0 {
		return ErrReadAfterWrite
	}

	return nil
}

func (tx *Tx) pin(snap *Snapshot) {
	path := snap.Ref.Path()
	if _, seen := tx.reads[path]; seen {
		return
	}

	tx.reads[path] = Precondition{Ref: snap.Ref, Version: snap.Version}
}

func (tx *Tx) preconditions() []Precondition {
	out := make([]Precondition, 0, len(tx.reads))
	for _, p := range tx.reads {
		out = append(out, p)
	}

	// stable lock order for engines that lock rows
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.Path() < out[j].Ref.Path() })

	return out
}
