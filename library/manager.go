package library

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"library-circulation/docstore"
	"library-circulation/docstore/boltstore"
	"library-circulation/docstore/sqlstore"
)

// DriverBolt selects the embedded bolt engine in Open.
const DriverBolt = "bolt"

// Logger is the structured logger used by the manager. *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// LibraryManager is the circulation service: catalog, members, the inventory
// ledger, loans, the request queue and fines, all on top of one document store.
type LibraryManager struct {
	store  *docstore.Store
	logger Logger
	now    func() time.Time
	fines  FinePolicy
	ledger Ledger
}

// Option defines a functional option for configuring LibraryManager.
type Option func(*LibraryManager) error

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(lm *LibraryManager) error {
		if logger != nil {
			lm.logger = logger
		}
		return nil
	}
}

// WithClock replaces time.Now for request, issue, return and payment timestamps.
func WithClock(now func() time.Time) Option {
	return func(lm *LibraryManager) error {
		lm.now = now
		return nil
	}
}

// WithFinePolicy replaces DefaultFinePolicy.
func WithFinePolicy(p FinePolicy) Option {
	return func(lm *LibraryManager) error {
		if err := p.Validate(); err != nil {
			return err
		}
		lm.fines = p
		return nil
	}
}

func configure(options []Option) (*LibraryManager, error) {
	lm := &LibraryManager{
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
		fines:  DefaultFinePolicy(),
	}

	for _, option := range options {
		if err := option(lm); err != nil {
			return nil, err
		}
	}
	lm.ledger = Ledger{now: lm.clock}

	return lm, nil
}

// NewLibraryManager wraps an open store.
func NewLibraryManager(store *docstore.Store, options ...Option) (*LibraryManager, error) {
	if store == nil {
		return nil, errors.New("store must not be nil")
	}

	lm, err := configure(options)
	if err != nil {
		return nil, err
	}
	lm.store = store

	return lm, nil
}

// StoreConfig selects and tunes the storage engine for Open.
type StoreConfig struct {
	// Driver is sqlite3, pgx, postgres or bolt.
	Driver string
	// DSN is a file path for sqlite3 and bolt, a connection string otherwise.
	DSN string
	// TxAttempts bounds conflict retries, first attempt included.
	TxAttempts int
}

// Open opens the configured engine and returns a manager that owns it.
func Open(ctx context.Context, cfg StoreConfig, options ...Option) (*LibraryManager, error) {
	lm, err := configure(options)
	if err != nil {
		return nil, err
	}

	var backend docstore.Backend
	switch cfg.Driver {
	case DriverBolt:
		backend, err = boltstore.Open(cfg.DSN)
	case sqlstore.DriverSQLite, "":
		backend, err = sqlstore.OpenSQLite(ctx, cfg.DSN, sqlstore.WithLogger(lm.logger))
	default:
		backend, err = sqlstore.Open(ctx, cfg.Driver, cfg.DSN, sqlstore.WithLogger(lm.logger))
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}

	storeOptions := []docstore.Option{docstore.WithLogger(lm.logger)}
	if cfg.TxAttempts > 0 {
		storeOptions = append(storeOptions, docstore.WithRetryOptions(docstore.WithMaxAttempts(cfg.TxAttempts)))
	}

	lm.store, err = docstore.New(backend, storeOptions...)
	if err != nil {
		backend.Close()
		return nil, err
	}

	lm.logger.Info("store opened", "driver", cfg.Driver)

	return lm, nil
}

// Close closes the underlying store.
func (lm *LibraryManager) Close() error { return lm.store.Close() }

// Ping checks that the store answers reads.
func (lm *LibraryManager) Ping(ctx context.Context) error {
	_, err := lm.store.Get(ctx, docstore.Doc(colBooks, "ping"))
	return err
}

// FinePolicy returns the policy fines are assessed with.
func (lm *LibraryManager) FinePolicy() FinePolicy { return lm.fines }

// ------------------ Transaction helpers ------------------

// run executes fn as one store transaction. A conflict that outlived the
// retries becomes a ConcurrencyError; everything else passes through.
func (lm *LibraryManager) run(ctx context.Context, op string, fn func(ctx context.Context, tx *docstore.Tx) error) error {
	err := lm.store.RunTransaction(ctx, fn)
	if err == nil {
		return nil
	}

	if errors.Is(err, docstore.ErrConflict) {
		lm.logger.Warn("giving up on contended transaction", "op", op, "error", err)
		return &ConcurrencyError{Operation: op, Err: err}
	}

	return err
}

func (lm *LibraryManager) clock() time.Time {
	return lm.now().UTC()
}

// reader is satisfied by both *docstore.Store and *docstore.Tx.
type reader interface {
	Get(ctx context.Context, ref docstore.Ref) (*docstore.Snapshot, error)
	Query(ctx context.Context, collection string, filters ...docstore.Filter) ([]*docstore.Snapshot, error)
}

func getDoc[T any](ctx context.Context, r reader, ref docstore.Ref) (*T, error) {
	snap, err := r.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !snap.Exists() {
		return nil, nil
	}

	v := new(T)
	if err := snap.DataTo(v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ref.Path(), err)
	}

	return v, nil
}

func queryDocs[T any](ctx context.Context, r reader, collection string, filters ...docstore.Filter) ([]T, error) {
	snaps, err := r.Query(ctx, collection, filters...)
	if err != nil {
		return nil, err
	}

	out := make([]T, 0, len(snaps))
	for _, snap := range snaps {
		var v T
		if err := snap.DataTo(&v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", snap.Ref.Path(), err)
		}
		out = append(out, v)
	}

	return out, nil
}

func checkID(field, id string) error {
	if strings.TrimSpace(id) == "" || strings.Contains(id, "/") {
		return invalid(field, "must be a non-empty id without '/'")
	}
	return nil
}

func (lm *LibraryManager) loadBook(ctx context.Context, r reader, bookID string) (*Book, error) {
	if err := checkID("bookId", bookID); err != nil {
		return nil, err
	}

	book, err := getDoc[Book](ctx, r, bookRef(bookID))
	if err != nil {
		return nil, err
	}
	if book == nil || book.Deleted {
		return nil, notFound("book", bookID)
	}

	return book, nil
}

func (lm *LibraryManager) loadMember(ctx context.Context, r reader, memberID string) (*Member, error) {
	if err := checkID("memberId", memberID); err != nil {
		return nil, err
	}

	member, err := getDoc[Member](ctx, r, memberRef(memberID))
	if err != nil {
		return nil, err
	}
	if member == nil {
		return nil, notFound("member", memberID)
	}

	return member, nil
}

func (lm *LibraryManager) loadStaff(ctx context.Context, r reader, librarianID string) (*Member, error) {
	if err := checkID("librarianId", librarianID); err != nil {
		return nil, err
	}

	staff, err := lm.loadMember(ctx, r, librarianID)
	if err != nil {
		return nil, err
	}
	if !staff.Role.IsStaff() {
		return nil, invalid("librarianId", fmt.Sprintf("member %s is not library staff", librarianID))
	}

	return staff, nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
