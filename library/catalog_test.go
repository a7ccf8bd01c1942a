package library

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"library-circulation/docstore"
)

func TestNormalizeISBN(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "9780306406157", want: "9780306406157"},
		{in: "978-0-306-40615-7", want: "9780306406157"},
		{in: "0-306-40615-2", want: "9780306406157"},
		{in: "080442957x", want: "9780804429573"},
		{in: "９７８０３０６４０６１５７", want: "9780306406157"},
		{in: "9780306406158", wantErr: true},
		{in: "0306406153", wantErr: true},
		{in: "X306406152", wantErr: true},
		{in: "12345", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeISBN(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAddBookValidation(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t)

	tests := []struct {
		name  string
		in    NewBook
		field string
	}{
		{"bad isbn", NewBook{ISBN: "123", Title: "T", Author: "A"}, "isbn"},
		{"no title", NewBook{ISBN: "9780306406157", Author: "A"}, "title"},
		{"no author", NewBook{ISBN: "9780306406157", Title: "T"}, "author"},
		{"negative copies", NewBook{ISBN: "9780306406157", Title: "T", Author: "A", Copies: -1}, "copies"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mgr.AddBook(ctx, tt.in)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	books, err := mgr.Books(ctx)
	require.NoError(t, err)
	assert.Empty(t, books)
}

func TestDuplicateISBN(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t)
	first := addBook(t, mgr, "9780141036144", 1)

	// the ISBN-10 form of the same book
	_, err := mgr.AddBook(ctx, NewBook{ISBN: "0141036141", Title: "1984", Author: "Orwell", Copies: 2})
	require.ErrorIs(t, err, ErrAlreadyExists)

	var dup *DuplicateError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "9780141036144", dup.Key)
	assert.Equal(t, CodeAlreadyExists, ErrorCode(err))

	found, err := mgr.BookByISBN(ctx, "0-14-103614-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)
}

func TestConcurrentAddSameISBN(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManagerWith(t, "sqlite3", 10)

	const workers = 5
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := mgr.AddBook(ctx, NewBook{ISBN: "9780451524935", Title: "1984", Author: "Orwell", Copies: 1})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		if !errors.Is(err, ErrAlreadyExists) && !errors.Is(err, ErrConcurrentModification) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)

	books, err := mgr.Books(ctx)
	require.NoError(t, err)
	assert.Len(t, books, 1)
}

func TestSearchBooks(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t)

	for _, in := range []NewBook{
		{ISBN: "9780547928227", Title: "The Hobbit", Author: "J.R.R. Tolkien", Genre: "Fantasy", Copies: 1},
		{ISBN: "9780451524935", Title: "Nineteen Eighty-Four", Author: "George Orwell", Genre: "Dystopia", Copies: 1},
		{ISBN: "9780140449136", Title: "Crime and Punishment", Author: "Fyodor Dostoevsky", Genre: "Classics", Copies: 1},
	} {
		_, err := mgr.AddBook(ctx, in)
		require.NoError(t, err)
	}

	res, err := mgr.SearchBooks(ctx, "HOBBIT")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "The Hobbit", res[0].Title)

	res, err = mgr.SearchBooks(ctx, "orwell")
	require.NoError(t, err)
	require.Len(t, res, 1)

	res, err = mgr.SearchBooks(ctx, "978014")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "Crime and Punishment", res[0].Title)

	res, err = mgr.SearchBooks(ctx, "")
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, "Crime and Punishment", res[0].Title)
}

func TestUpdateBook(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t)
	book := addBook(t, mgr, "9780306406157", 2)

	title := "Understanding Computers"
	year := 1992
	updated, err := mgr.UpdateBook(ctx, book.ID, BookPatch{
		Title:           &title,
		PublicationYear: &year,
		Location:        &Location{Floor: "3", Shelf: "C1"},
	})
	require.NoError(t, err)
	assert.Equal(t, title, updated.Title)
	assert.Equal(t, 1992, updated.PublicationYear)
	assert.Equal(t, Location{Floor: "3", Shelf: "C1"}, updated.Location)
	assert.Equal(t, book.ISBN, updated.ISBN)
	assert.Equal(t, book.Counts, updated.Counts)

	empty := " "
	_, err = mgr.UpdateBook(ctx, book.ID, BookPatch{Author: &empty})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = mgr.UpdateBook(ctx, "missing", BookPatch{Title: &title})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCopyAdjustments(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t)
	book := addBook(t, mgr, "9780306406157", 2)
	alice := addMember(t, mgr, "alice", RoleMember)

	b, err := mgr.AddCopies(ctx, book.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, Counts{Total: 5, Unreserved: 5}, b.Counts)

	_, err = mgr.RequestBook(ctx, book.ID, alice.ID)
	require.NoError(t, err)

	_, err = mgr.RemoveCopies(ctx, book.ID, 5)
	require.ErrorIs(t, err, ErrOutOfStock)
	requireCounts(t, mgr, book.ID, Counts{Total: 5, Reserved: 1, Unreserved: 4})

	b, err = mgr.RemoveCopies(ctx, book.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, Counts{Total: 1, Reserved: 1}, b.Counts)
	requireCounts(t, mgr, book.ID, Counts{Total: 1, Reserved: 1})

	_, err = mgr.AddCopies(ctx, book.ID, 0)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRemoveBook(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t)
	book := addBook(t, mgr, "9780306406157", 1)
	alice := addMember(t, mgr, "alice", RoleMember)

	_, err := mgr.RequestBook(ctx, book.ID, alice.ID)
	require.NoError(t, err)

	err = mgr.RemoveBook(ctx, book.ID)
	require.ErrorIs(t, err, ErrInvalidStateTransition)

	_, err = mgr.CancelRequest(ctx, book.ID, alice.ID)
	require.NoError(t, err)
	require.NoError(t, mgr.RemoveBook(ctx, book.ID))

	_, err = mgr.Book(ctx, book.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = mgr.RequestBook(ctx, book.ID, alice.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	books, err := mgr.Books(ctx)
	require.NoError(t, err)
	assert.Empty(t, books)

	// the ISBN can be catalogued again
	again := addBook(t, mgr, "9780306406157", 1)
	assert.NotEqual(t, book.ID, again.ID)
}

func TestAuditFindsDrift(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t)
	book := addBook(t, mgr, "9780306406157", 2)

	findings, err := mgr.Audit(ctx)
	require.NoError(t, err)
	assert.Empty(t, findings)

	// corrupt the counts behind the ledger's back
	require.NoError(t, mgr.store.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
		return tx.Update(bookRef(book.ID), docstore.Set("reservedCount", 1))
	}))

	findings, err = mgr.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, book.ID, findings[0].BookID)
	assert.Len(t, findings[0].Problems, 2)
}
