package library

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"library-circulation/docstore"
)

// ErrFineAlreadyPaid is returned by PayFine when every fine for the book is settled.
var ErrFineAlreadyPaid = fmt.Errorf("fine already paid: %w", ErrInvalidStateTransition)

// Outcome is the state after a circulation operation. Fine is set by Issue,
// Return and PayFine.
type Outcome struct {
	Record *CirculationRecord `json:"record,omitempty"`
	Book   *Book              `json:"book,omitempty"`
	Fine   *Fine              `json:"fine,omitempty"`
}

func (lm *LibraryManager) loadActive(ctx context.Context, r reader, memberID, bookID string) (*CirculationRecord, error) {
	return getDoc[CirculationRecord](ctx, r, activeRef(memberID, bookID))
}

func stateOf(rec *CirculationRecord) Status {
	if rec == nil {
		return StatusNone
	}
	return rec.Status
}

// ------------------ Request / cancel ------------------

// RequestBook reserves a copy of the book for the member.
func (lm *LibraryManager) RequestBook(ctx context.Context, bookID, memberID string) (*Outcome, error) {
	var out *Outcome

	err := lm.run(ctx, "request", func(ctx context.Context, tx *docstore.Tx) error {
		book, err := lm.loadBook(ctx, tx, bookID)
		if err != nil {
			return err
		}
		if _, err := lm.loadMember(ctx, tx, memberID); err != nil {
			return err
		}

		// The active record lives at a fixed key, so reading it here and
		// creating it below conflicts with any concurrent request.
		rec, err := lm.loadActive(ctx, tx, memberID, bookID)
		if err != nil {
			return err
		}
		switch stateOf(rec) {
		case StatusRequested:
			return &DuplicateError{Entity: "request", Key: memberID + "/" + bookID, Err: ErrAlreadyRequested}
		case StatusIssued:
			return &DuplicateError{Entity: "loan", Key: memberID + "/" + bookID, Err: ErrAlreadyIssued}
		}

		if err := lm.ledger.Reserve(tx, book); err != nil {
			return err
		}

		now := lm.clock()
		rec = &CirculationRecord{
			LoanID:      newID(),
			BookID:      bookID,
			MemberID:    memberID,
			BookTitle:   book.Title,
			Status:      StatusRequested,
			RequestedAt: &now,
		}
		if err := tx.Create(activeRef(memberID, bookID), rec); err != nil {
			return err
		}
		if err := tx.Create(requestRef(bookID, memberID), QueueEntry{
			BookID:      bookID,
			MemberID:    memberID,
			LoanID:      rec.LoanID,
			RequestedAt: now,
		}); err != nil {
			return err
		}

		out = &Outcome{Record: rec, Book: book}
		return nil
	})
	if err != nil {
		return nil, err
	}

	lm.logger.Info("book requested", "book_id", bookID, "member_id", memberID, "loan_id", out.Record.LoanID)

	return out, nil
}

// CancelRequest withdraws the member's pending request and releases the reserved copy.
func (lm *LibraryManager) CancelRequest(ctx context.Context, bookID, memberID string) (*Outcome, error) {
	var out *Outcome

	err := lm.run(ctx, "cancel", func(ctx context.Context, tx *docstore.Tx) error {
		book, err := lm.loadBook(ctx, tx, bookID)
		if err != nil {
			return err
		}
		if _, err := lm.loadMember(ctx, tx, memberID); err != nil {
			return err
		}

		rec, err := lm.loadActive(ctx, tx, memberID, bookID)
		if err != nil {
			return err
		}
		if current := stateOf(rec); !current.CanTransition(StatusCancelled) {
			return &StateError{BookID: bookID, MemberID: memberID, Current: current, Attempted: StatusCancelled}
		}

		if err := lm.ledger.CancelReservation(tx, book); err != nil {
			return err
		}

		now := lm.clock()
		rec.Status = StatusCancelled
		rec.CancelledAt = &now

		if err := lm.archive(tx, rec); err != nil {
			return err
		}
		if err := tx.Delete(requestRef(bookID, memberID)); err != nil {
			return err
		}

		out = &Outcome{Record: rec, Book: book}
		return nil
	})
	if err != nil {
		return nil, err
	}

	lm.logger.Info("request cancelled", "book_id", bookID, "member_id", memberID, "loan_id", out.Record.LoanID)

	return out, nil
}

// archive moves a terminal record from the active slot to history.
func (lm *LibraryManager) archive(tx *docstore.Tx, rec *CirculationRecord) error {
	if err := tx.Delete(activeRef(rec.MemberID, rec.BookID)); err != nil {
		return err
	}
	return tx.Create(historyRef(rec.MemberID, rec.LoanID), rec)
}

// ------------------ Issue / return ------------------

// IssueBook lends a copy to the member. A pending request is promoted;
// without one the copy is issued straight from unreserved stock.
// Librarians may serve members in any order.
func (lm *LibraryManager) IssueBook(ctx context.Context, bookID, memberID, librarianID string) (*Outcome, error) {
	var out *Outcome

	err := lm.run(ctx, "issue", func(ctx context.Context, tx *docstore.Tx) error {
		var err error
		out, err = lm.issueInTx(ctx, tx, bookID, memberID, librarianID)
		return err
	})
	if err != nil {
		return nil, err
	}

	lm.logger.Info("book issued",
		"book_id", bookID, "member_id", memberID, "librarian_id", librarianID, "loan_id", out.Record.LoanID)

	return out, nil
}

func (lm *LibraryManager) issueInTx(ctx context.Context, tx *docstore.Tx, bookID, memberID, librarianID string) (*Outcome, error) {
	book, err := lm.loadBook(ctx, tx, bookID)
	if err != nil {
		return nil, err
	}
	if _, err := lm.loadMember(ctx, tx, memberID); err != nil {
		return nil, err
	}
	if _, err := lm.loadStaff(ctx, tx, librarianID); err != nil {
		return nil, err
	}

	rec, err := lm.loadActive(ctx, tx, memberID, bookID)
	if err != nil {
		return nil, err
	}
	current := stateOf(rec)
	if !current.CanTransition(StatusIssued) {
		return nil, &StateError{BookID: bookID, MemberID: memberID, Current: current, Attempted: StatusIssued}
	}

	fromReserved := current == StatusRequested
	if err := lm.ledger.Issue(tx, book, fromReserved); err != nil {
		return nil, err
	}

	now := lm.clock()
	if rec == nil {
		rec = &CirculationRecord{
			LoanID:    newID(),
			BookID:    bookID,
			MemberID:  memberID,
			BookTitle: book.Title,
		}
	}
	rec.Status = StatusIssued
	rec.IssuedAt = &now
	rec.IssuedBy = librarianID

	if err := tx.Set(activeRef(memberID, bookID), rec); err != nil {
		return nil, err
	}
	if fromReserved {
		if err := tx.Delete(requestRef(bookID, memberID)); err != nil {
			return nil, err
		}
	}
	if err := tx.Create(loanRef(bookID, memberID), loanEntry{
		BookID:   bookID,
		MemberID: memberID,
		LoanID:   rec.LoanID,
		IssuedAt: now,
	}); err != nil {
		return nil, err
	}

	fine := &Fine{
		LoanID:    rec.LoanID,
		BookID:    bookID,
		MemberID:  memberID,
		BookTitle: book.Title,
		IssuedAt:  now,
		Amount:    decimal.Zero,
	}
	if err := tx.Create(fineRef(memberID, rec.LoanID), fine); err != nil {
		return nil, err
	}

	return &Outcome{Record: rec, Book: book, Fine: fine}, nil
}

// ReturnBook takes the member's copy back, archives the loan and freezes its
// fine at the return time.
func (lm *LibraryManager) ReturnBook(ctx context.Context, bookID, memberID, librarianID string) (*Outcome, error) {
	var out *Outcome

	err := lm.run(ctx, "return", func(ctx context.Context, tx *docstore.Tx) error {
		book, err := lm.loadBook(ctx, tx, bookID)
		if err != nil {
			return err
		}
		if _, err := lm.loadMember(ctx, tx, memberID); err != nil {
			return err
		}
		if _, err := lm.loadStaff(ctx, tx, librarianID); err != nil {
			return err
		}

		rec, err := lm.loadActive(ctx, tx, memberID, bookID)
		if err != nil {
			return err
		}
		if current := stateOf(rec); !current.CanTransition(StatusReturned) {
			return &StateError{BookID: bookID, MemberID: memberID, Current: current, Attempted: StatusReturned}
		}

		fine, err := getDoc[Fine](ctx, tx, fineRef(memberID, rec.LoanID))
		if err != nil {
			return err
		}

		if err := lm.ledger.ReturnCopy(tx, book); err != nil {
			return err
		}

		now := lm.clock()
		rec.Status = StatusReturned
		rec.ReturnedAt = &now
		rec.ReturnedBy = librarianID

		if err := lm.archive(tx, rec); err != nil {
			return err
		}
		if err := tx.Delete(loanRef(bookID, memberID)); err != nil {
			return err
		}

		if fine == nil {
			fine = &Fine{
				LoanID:    rec.LoanID,
				BookID:    bookID,
				MemberID:  memberID,
				BookTitle: rec.BookTitle,
				IssuedAt:  *rec.IssuedAt,
			}
		}
		fine.ReturnedAt = &now
		lm.fines.assess(fine, now)
		if err := tx.Set(fineRef(memberID, rec.LoanID), fine); err != nil {
			return err
		}

		out = &Outcome{Record: rec, Book: book, Fine: fine}
		return nil
	})
	if err != nil {
		return nil, err
	}

	lm.logger.Info("book returned",
		"book_id", bookID, "member_id", memberID, "librarian_id", librarianID,
		"loan_id", out.Record.LoanID, "fine", out.Fine.Amount.StringFixed(2))

	return out, nil
}

// ------------------ Fines ------------------

// PayFine settles the member's oldest unpaid fine for the book at its current amount.
func (lm *LibraryManager) PayFine(ctx context.Context, memberID, bookID string) (*Fine, error) {
	if err := checkID("bookId", bookID); err != nil {
		return nil, err
	}

	var paid *Fine

	err := lm.run(ctx, "pay fine", func(ctx context.Context, tx *docstore.Tx) error {
		if _, err := lm.loadMember(ctx, tx, memberID); err != nil {
			return err
		}

		fines, err := queryDocs[Fine](ctx, tx, docstore.Collection(colMembers, memberID, subFines), docstore.Where("bookId", bookID))
		if err != nil {
			return err
		}
		if len(fines) == 0 {
			return notFound("fine", memberID+"/"+bookID)
		}

		sortFines(fines)
		var target *Fine
		for i := range fines {
			if !fines[i].IsPaid {
				target = &fines[i]
				break
			}
		}
		if target == nil {
			return fmt.Errorf("member %s book %s: %w", memberID, bookID, ErrFineAlreadyPaid)
		}

		now := lm.clock()
		lm.fines.assess(target, now)
		target.IsPaid = true
		target.PaidAt = &now

		if err := tx.Set(fineRef(memberID, target.LoanID), target); err != nil {
			return err
		}

		paid = target
		return nil
	})
	if err != nil {
		return nil, err
	}

	lm.logger.Info("fine paid",
		"member_id", memberID, "book_id", bookID, "loan_id", paid.LoanID, "amount", paid.Amount.StringFixed(2))

	return paid, nil
}

// Fines lists the member's fines, oldest first, with unpaid amounts assessed as of now.
func (lm *LibraryManager) Fines(ctx context.Context, memberID string) ([]Fine, error) {
	if _, err := lm.loadMember(ctx, lm.store, memberID); err != nil {
		return nil, err
	}

	fines, err := queryDocs[Fine](ctx, lm.store, docstore.Collection(colMembers, memberID, subFines))
	if err != nil {
		return nil, err
	}

	now := lm.clock()
	for i := range fines {
		lm.fines.assess(&fines[i], now)
	}
	sortFines(fines)

	return fines, nil
}

// OutstandingBalance sums the member's unpaid fines as of now.
func (lm *LibraryManager) OutstandingBalance(ctx context.Context, memberID string) (decimal.Decimal, error) {
	fines, err := lm.Fines(ctx, memberID)
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, f := range fines {
		if !f.IsPaid {
			total = total.Add(f.Amount)
		}
	}

	return total, nil
}

func sortFines(fines []Fine) {
	sort.SliceStable(fines, func(i, j int) bool {
		if !fines[i].IssuedAt.Equal(fines[j].IssuedAt) {
			return fines[i].IssuedAt.Before(fines[j].IssuedAt)
		}
		return fines[i].LoanID < fines[j].LoanID
	})
}

// ------------------ Reads ------------------

// CirculationState returns the pair's current state and its active record, if any.
func (lm *LibraryManager) CirculationState(ctx context.Context, bookID, memberID string) (Status, *CirculationRecord, error) {
	if err := checkID("bookId", bookID); err != nil {
		return "", nil, err
	}
	if err := checkID("memberId", memberID); err != nil {
		return "", nil, err
	}

	rec, err := lm.loadActive(ctx, lm.store, memberID, bookID)
	if err != nil {
		return "", nil, err
	}

	return stateOf(rec), rec, nil
}

// ActiveRecords lists the member's requested and issued books.
func (lm *LibraryManager) ActiveRecords(ctx context.Context, memberID string) ([]CirculationRecord, error) {
	return lm.memberRecords(ctx, memberID, subCirculation, func(r CirculationRecord) time.Time {
		if r.IssuedAt != nil {
			return *r.IssuedAt
		}
		return deref(r.RequestedAt)
	})
}

// History lists the member's returned and cancelled loans, oldest first.
func (lm *LibraryManager) History(ctx context.Context, memberID string) ([]CirculationRecord, error) {
	return lm.memberRecords(ctx, memberID, subHistory, func(r CirculationRecord) time.Time {
		if r.ReturnedAt != nil {
			return *r.ReturnedAt
		}
		return deref(r.CancelledAt)
	})
}

func (lm *LibraryManager) memberRecords(ctx context.Context, memberID, sub string, key func(CirculationRecord) time.Time) ([]CirculationRecord, error) {
	if _, err := lm.loadMember(ctx, lm.store, memberID); err != nil {
		return nil, err
	}

	records, err := queryDocs[CirculationRecord](ctx, lm.store, docstore.Collection(colMembers, memberID, sub))
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		return key(records[i]).Before(key(records[j]))
	})

	return records, nil
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
