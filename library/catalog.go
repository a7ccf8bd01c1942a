package library

import (
	"context"
	"sort"
	"strings"

	"golang.org/x/text/cases"

	"library-circulation/docstore"
)

// NewBook is the input for AddBook.
type NewBook struct {
	ISBN            string   `json:"isbn"`
	Title           string   `json:"title"`
	Author          string   `json:"author"`
	Genre           string   `json:"genre"`
	Languages       []string `json:"languages"`
	PublicationYear int      `json:"publicationYear"`
	Description     string   `json:"description"`
	CoverImage      string   `json:"coverImage"`
	Location        Location `json:"location"`
	Copies          int64    `json:"copies"`
}

// BookPatch changes catalog metadata. Nil fields are left alone; counts and
// ISBN cannot be patched.
type BookPatch struct {
	Title           *string   `json:"title"`
	Author          *string   `json:"author"`
	Genre           *string   `json:"genre"`
	Languages       *[]string `json:"languages"`
	PublicationYear *int      `json:"publicationYear"`
	Description     *string   `json:"description"`
	CoverImage      *string   `json:"coverImage"`
	Location        *Location `json:"location"`
}

// ------------------ Book helpers ------------------

// AddBook catalogs a new title with all copies unreserved. The ISBN must not
// be in use by another catalogued book.
func (lm *LibraryManager) AddBook(ctx context.Context, in NewBook) (*Book, error) {
	isbn, err := NormalizeISBN(in.ISBN)
	if err != nil {
		return nil, err
	}
	title := strings.TrimSpace(in.Title)
	author := strings.TrimSpace(in.Author)
	if title == "" {
		return nil, invalid("title", "cannot be empty")
	}
	if author == "" {
		return nil, invalid("author", "cannot be empty")
	}
	if in.Copies < 0 {
		return nil, invalid("copies", "must not be negative")
	}
	if in.PublicationYear < 0 {
		return nil, invalid("publicationYear", "must not be negative")
	}

	now := lm.clock()
	book := &Book{
		ID:              newID(),
		ISBN:            isbn,
		Title:           title,
		Author:          author,
		Genre:           strings.TrimSpace(in.Genre),
		Languages:       in.Languages,
		PublicationYear: in.PublicationYear,
		Description:     in.Description,
		CoverImage:      in.CoverImage,
		Location:        in.Location,
		Counts:          Counts{Total: in.Copies, Unreserved: in.Copies},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = lm.run(ctx, "add book", func(ctx context.Context, tx *docstore.Tx) error {
		// The index read and the create below commit together, so two
		// concurrent adds of one ISBN cannot both succeed.
		taken, err := getDoc[indexEntry](ctx, tx, docstore.Doc(colISBNs, isbn))
		if err != nil {
			return err
		}
		if taken != nil {
			return &DuplicateError{Entity: "isbn", Key: isbn, Err: ErrAlreadyExists}
		}

		if err := tx.Create(bookRef(book.ID), book); err != nil {
			return err
		}
		return tx.Create(docstore.Doc(colISBNs, isbn), indexEntry{OwnerID: book.ID})
	})
	if err != nil {
		return nil, err
	}

	lm.logger.Info("book added", "book_id", book.ID, "isbn", isbn, "copies", in.Copies)

	return book, nil
}

// Book returns a catalogued book.
func (lm *LibraryManager) Book(ctx context.Context, bookID string) (*Book, error) {
	return lm.loadBook(ctx, lm.store, bookID)
}

// BookByISBN looks a book up by either ISBN form.
func (lm *LibraryManager) BookByISBN(ctx context.Context, raw string) (*Book, error) {
	isbn, err := NormalizeISBN(raw)
	if err != nil {
		return nil, err
	}

	idx, err := getDoc[indexEntry](ctx, lm.store, docstore.Doc(colISBNs, isbn))
	if err != nil {
		return nil, err
	}
	if idx == nil {
		return nil, notFound("isbn", isbn)
	}

	return lm.Book(ctx, idx.OwnerID)
}

// Books lists the catalog ordered by title.
func (lm *LibraryManager) Books(ctx context.Context) ([]Book, error) {
	all, err := queryDocs[Book](ctx, lm.store, colBooks)
	if err != nil {
		return nil, err
	}

	books := all[:0]
	for _, b := range all {
		if !b.Deleted {
			books = append(books, b)
		}
	}

	sort.SliceStable(books, func(i, j int) bool {
		if books[i].Title != books[j].Title {
			return books[i].Title < books[j].Title
		}
		return books[i].ID < books[j].ID
	})

	return books, nil
}

// SearchBooks returns books whose title, author, genre or ISBN contains q, ignoring case.
func (lm *LibraryManager) SearchBooks(ctx context.Context, q string) ([]Book, error) {
	books, err := lm.Books(ctx)
	if err != nil {
		return nil, err
	}

	fold := cases.Fold()
	needle := fold.String(strings.TrimSpace(q))
	if needle == "" {
		return books, nil
	}

	matched := make([]Book, 0, len(books))
	for _, b := range books {
		for _, field := range []string{b.Title, b.Author, b.Genre, b.ISBN} {
			if strings.Contains(fold.String(field), needle) {
				matched = append(matched, b)
				break
			}
		}
	}

	return matched, nil
}

// UpdateBook applies a metadata patch and returns the updated book.
func (lm *LibraryManager) UpdateBook(ctx context.Context, bookID string, patch BookPatch) (*Book, error) {
	var updates []docstore.Update

	if patch.Title != nil {
		if strings.TrimSpace(*patch.Title) == "" {
			return nil, invalid("title", "cannot be empty")
		}
		updates = append(updates, docstore.Set("title", strings.TrimSpace(*patch.Title)))
	}
	if patch.Author != nil {
		if strings.TrimSpace(*patch.Author) == "" {
			return nil, invalid("author", "cannot be empty")
		}
		updates = append(updates, docstore.Set("author", strings.TrimSpace(*patch.Author)))
	}
	if patch.Genre != nil {
		updates = append(updates, docstore.Set("genre", strings.TrimSpace(*patch.Genre)))
	}
	if patch.Languages != nil {
		updates = append(updates, docstore.Set("languages", *patch.Languages))
	}
	if patch.PublicationYear != nil {
		if *patch.PublicationYear < 0 {
			return nil, invalid("publicationYear", "must not be negative")
		}
		updates = append(updates, docstore.Set("publicationYear", *patch.PublicationYear))
	}
	if patch.Description != nil {
		updates = append(updates, docstore.Set("description", *patch.Description))
	}
	if patch.CoverImage != nil {
		updates = append(updates, docstore.Set("coverImage", *patch.CoverImage))
	}
	if patch.Location != nil {
		updates = append(updates,
			docstore.Set("location.floor", patch.Location.Floor),
			docstore.Set("location.shelf", patch.Location.Shelf))
	}

	err := lm.run(ctx, "update book", func(ctx context.Context, tx *docstore.Tx) error {
		if _, err := lm.loadBook(ctx, tx, bookID); err != nil {
			return err
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Update(bookRef(bookID), append(updates, docstore.Set("updatedAt", docstore.ServerTimestamp))...)
	})
	if err != nil {
		return nil, err
	}

	lm.logger.Info("book updated", "book_id", bookID, "fields", len(updates))

	return lm.Book(ctx, bookID)
}

// AddCopies puts n more copies of the book on the shelf.
func (lm *LibraryManager) AddCopies(ctx context.Context, bookID string, n int64) (*Book, error) {
	return lm.adjustCopies(ctx, "add copies", bookID, n, lm.ledger.AddCopies)
}

// RemoveCopies withdraws n unreserved copies of the book.
func (lm *LibraryManager) RemoveCopies(ctx context.Context, bookID string, n int64) (*Book, error) {
	return lm.adjustCopies(ctx, "remove copies", bookID, n, lm.ledger.RemoveCopies)
}

func (lm *LibraryManager) adjustCopies(ctx context.Context, op, bookID string, n int64,
	fn func(tx *docstore.Tx, book *Book, n int64) error) (*Book, error) {
	var book *Book

	err := lm.run(ctx, op, func(ctx context.Context, tx *docstore.Tx) error {
		var err error
		book, err = lm.loadBook(ctx, tx, bookID)
		if err != nil {
			return err
		}
		return fn(tx, book, n)
	})
	if err != nil {
		return nil, err
	}

	lm.logger.Info("copies adjusted", "op", op, "book_id", bookID, "n", n, "total", book.Total)

	return book, nil
}

// RemoveBook soft-deletes a book with no reserved or issued copies and frees its ISBN.
func (lm *LibraryManager) RemoveBook(ctx context.Context, bookID string) error {
	err := lm.run(ctx, "remove book", func(ctx context.Context, tx *docstore.Tx) error {
		book, err := lm.loadBook(ctx, tx, bookID)
		if err != nil {
			return err
		}
		if book.Reserved > 0 || book.Issued > 0 {
			return &InventoryError{BookID: bookID, Operation: "remove book", Counts: book.Counts, Err: ErrInvalidStateTransition}
		}

		if err := tx.Update(bookRef(bookID),
			docstore.Set("deleted", true),
			docstore.Set("updatedAt", docstore.ServerTimestamp),
		); err != nil {
			return err
		}
		return tx.Delete(docstore.Doc(colISBNs, book.ISBN))
	})
	if err != nil {
		return err
	}

	lm.logger.Info("book removed", "book_id", bookID)

	return nil
}
