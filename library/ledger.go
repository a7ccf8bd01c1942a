package library

import (
	"time"

	"library-circulation/docstore"
)

const (
	colBooks   = "books"
	colISBNs   = "isbns"
	colEmails  = "emails"
	colMembers = "members"

	subCirculation = "circulation"
	subHistory     = "history"
	subFines       = "fines"
	subRequests    = "requests"
	subLoans       = "loans"
)

func bookRef(bookID string) docstore.Ref { return docstore.Doc(colBooks, bookID) }

func memberRef(memberID string) docstore.Ref { return docstore.Doc(colMembers, memberID) }

func activeRef(memberID, bookID string) docstore.Ref {
	return docstore.Doc(docstore.Collection(colMembers, memberID, subCirculation), bookID)
}

func historyRef(memberID, loanID string) docstore.Ref {
	return docstore.Doc(docstore.Collection(colMembers, memberID, subHistory), loanID)
}

func fineRef(memberID, loanID string) docstore.Ref {
	return docstore.Doc(docstore.Collection(colMembers, memberID, subFines), loanID)
}

func requestRef(bookID, memberID string) docstore.Ref {
	return docstore.Doc(docstore.Collection(colBooks, bookID, subRequests), memberID)
}

func loanRef(bookID, memberID string) docstore.Ref {
	return docstore.Doc(docstore.Collection(colBooks, bookID, subLoans), memberID)
}

// Valid reports whether the counts are non-negative and sum to Total.
func (c Counts) Valid() bool {
	return c.Total >= 0 && c.Reserved >= 0 && c.Issued >= 0 && c.Unreserved >= 0 &&
		c.Reserved+c.Issued+c.Unreserved == c.Total
}

// Reserve moves one copy from unreserved to reserved.
func (c Counts) Reserve() (Counts, error) {
	if c.Unreserved == 0 {
		return c, ErrOutOfStock
	}
	c.Unreserved--
	c.Reserved++
	return c, nil
}

// CancelReservation moves one copy from reserved back to unreserved.
func (c Counts) CancelReservation() (Counts, error) {
	if c.Reserved == 0 {
		return c, ErrInvalidStateTransition
	}
	c.Reserved--
	c.Unreserved++
	return c, nil
}

// Issue moves one copy to issued, from reserved when promoting a reservation
// and from unreserved otherwise.
func (c Counts) Issue(fromReserved bool) (Counts, error) {
	if fromReserved {
		if c.Reserved == 0 {
			return c, ErrInvalidStateTransition
		}
		c.Reserved--
		c.Issued++
		return c, nil
	}

	if c.Unreserved == 0 {
		return c, ErrOutOfStock
	}
	c.Unreserved--
	c.Issued++
	return c, nil
}

// Return moves one copy from issued back to unreserved.
func (c Counts) Return() (Counts, error) {
	if c.Issued == 0 {
		return c, ErrInvalidStateTransition
	}
	c.Issued--
	c.Unreserved++
	return c, nil
}

// AddCopies adds n new copies to the shelf.
func (c Counts) AddCopies(n int64) (Counts, error) {
	if n <= 0 {
		return c, invalid("copies", "must be positive")
	}
	c.Total += n
	c.Unreserved += n
	return c, nil
}

// RemoveCopies withdraws n copies; only unreserved copies can go.
func (c Counts) RemoveCopies(n int64) (Counts, error) {
	if n <= 0 {
		return c, invalid("copies", "must be positive")
	}
	if c.Unreserved < n {
		return c, ErrOutOfStock
	}
	c.Total -= n
	c.Unreserved -= n
	return c, nil
}

// Ledger is the only writer of a book's count fields. Every method expects the
// book to have been read through tx, so the commit fails if another
// transaction moved the counts in the meantime. On success the in-memory book
// carries the new counts and update time.
type Ledger struct {
	now func() time.Time
}

// Reserve moves one unreserved copy to reserved.
func (l Ledger) Reserve(tx *docstore.Tx, book *Book) error {
	return l.adjust(tx, book, "reserve", func(c Counts) (Counts, error) { return c.Reserve() })
}

// CancelReservation moves one reserved copy back to unreserved.
func (l Ledger) CancelReservation(tx *docstore.Tx, book *Book) error {
	return l.adjust(tx, book, "cancel reservation", func(c Counts) (Counts, error) { return c.CancelReservation() })
}

// Issue hands out a reserved copy when fromReserved is set, an unreserved one otherwise.
func (l Ledger) Issue(tx *docstore.Tx, book *Book, fromReserved bool) error {
	return l.adjust(tx, book, "issue", func(c Counts) (Counts, error) { return c.Issue(fromReserved) })
}

// ReturnCopy puts an issued copy back on the shelf as unreserved.
func (l Ledger) ReturnCopy(tx *docstore.Tx, book *Book) error {
	return l.adjust(tx, book, "return", func(c Counts) (Counts, error) { return c.Return() })
}

// AddCopies adds n unreserved copies.
func (l Ledger) AddCopies(tx *docstore.Tx, book *Book, n int64) error {
	return l.adjust(tx, book, "add copies", func(c Counts) (Counts, error) { return c.AddCopies(n) })
}

// RemoveCopies withdraws n unreserved copies.
func (l Ledger) RemoveCopies(tx *docstore.Tx, book *Book, n int64) error {
	return l.adjust(tx, book, "remove copies", func(c Counts) (Counts, error) { return c.RemoveCopies(n) })
}

func (l Ledger) adjust(tx *docstore.Tx, book *Book, op string, fn func(Counts) (Counts, error)) error {
	next, err := fn(book.Counts)
	if err != nil {
		if ErrorCode(err) == CodeValidation {
			return err
		}
		return &InventoryError{BookID: book.ID, Operation: op, Counts: book.Counts, Err: err}
	}

	updates := []docstore.Update{docstore.Set("updatedAt", docstore.ServerTimestamp)}
	for _, d := range []struct {
		field string
		delta int64
	}{
		{"totalCount", next.Total - book.Counts.Total},
		{"reservedCount", next.Reserved - book.Counts.Reserved},
		{"issuedCount", next.Issued - book.Counts.Issued},
		{"unreservedCount", next.Unreserved - book.Counts.Unreserved},
	} {
		if d.delta != 0 {
			updates = append(updates, docstore.Set(d.field, docstore.Increment(d.delta)))
		}
	}

	if err := tx.Update(bookRef(book.ID), updates...); err != nil {
		return err
	}

	book.Counts = next
	if l.now != nil {
		book.UpdatedAt = l.now()
	}

	return nil
}
