package library

import (
	"context"
	"sort"

	"library-circulation/docstore"
)

func requestsOf(bookID string) string {
	return docstore.Collection(colBooks, bookID, subRequests)
}

// sortQueue orders entries oldest first; ties go to the lower member id.
func sortQueue(entries []QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].RequestedAt.Equal(entries[j].RequestedAt) {
			return entries[i].RequestedAt.Before(entries[j].RequestedAt)
		}
		return entries[i].MemberID < entries[j].MemberID
	})
}

func (lm *LibraryManager) queue(ctx context.Context, r reader, bookID string) ([]QueueEntry, error) {
	if _, err := lm.loadBook(ctx, r, bookID); err != nil {
		return nil, err
	}

	entries, err := queryDocs[QueueEntry](ctx, r, requestsOf(bookID))
	if err != nil {
		return nil, err
	}
	sortQueue(entries)

	return entries, nil
}

// Queue returns the book's pending requests in FIFO order.
func (lm *LibraryManager) Queue(ctx context.Context, bookID string) ([]QueueEntry, error) {
	return lm.queue(ctx, lm.store, bookID)
}

// NextInQueue returns the oldest pending request for the book.
func (lm *LibraryManager) NextInQueue(ctx context.Context, bookID string) (*QueueEntry, error) {
	entries, err := lm.Queue(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, notFound("pending request for book", bookID)
	}

	return &entries[0], nil
}

// QueuePosition returns the member's 1-based place in the book's queue.
func (lm *LibraryManager) QueuePosition(ctx context.Context, bookID, memberID string) (int, error) {
	entries, err := lm.Queue(ctx, bookID)
	if err != nil {
		return 0, err
	}

	for i, e := range entries {
		if e.MemberID == memberID {
			return i + 1, nil
		}
	}

	return 0, notFound("request", memberID+"/"+bookID)
}

// IssueNext issues the book to the member at the head of its queue.
func (lm *LibraryManager) IssueNext(ctx context.Context, bookID, librarianID string) (*Outcome, error) {
	var out *Outcome

	err := lm.run(ctx, "issue next", func(ctx context.Context, tx *docstore.Tx) error {
		entries, err := lm.queue(ctx, tx, bookID)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return notFound("pending request for book", bookID)
		}

		out, err = lm.issueInTx(ctx, tx, bookID, entries[0].MemberID, librarianID)
		return err
	})
	if err != nil {
		return nil, err
	}

	lm.logger.Info("book issued from queue",
		"book_id", bookID, "member_id", out.Record.MemberID, "librarian_id", librarianID, "loan_id", out.Record.LoanID)

	return out, nil
}
