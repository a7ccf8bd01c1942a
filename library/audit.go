package library

import (
	"context"
	"fmt"

	"library-circulation/docstore"
)

// AuditFinding describes a book whose counts disagree with its records.
type AuditFinding struct {
	BookID   string   `json:"bookId"`
	Title    string   `json:"title"`
	Counts   Counts   `json:"counts"`
	Requests int      `json:"pendingRequests"`
	Loans    int      `json:"activeLoans"`
	Problems []string `json:"problems"`
}

// Audit checks every catalogued book: the counts must satisfy the sum
// invariant, reservedCount must equal the pending requests and issuedCount
// the active loans. It returns only books with problems.
func (lm *LibraryManager) Audit(ctx context.Context) ([]AuditFinding, error) {
	books, err := lm.Books(ctx)
	if err != nil {
		return nil, err
	}

	var findings []AuditFinding
	for _, b := range books {
		requests, err := lm.store.Query(ctx, requestsOf(b.ID))
		if err != nil {
			return nil, err
		}
		loans, err := lm.store.Query(ctx, docstore.Collection(colBooks, b.ID, subLoans))
		if err != nil {
			return nil, err
		}

		f := AuditFinding{BookID: b.ID, Title: b.Title, Counts: b.Counts, Requests: len(requests), Loans: len(loans)}
		if !b.Counts.Valid() {
			f.Problems = append(f.Problems, fmt.Sprintf("counts do not sum: %d + %d + %d != %d",
				b.Reserved, b.Issued, b.Unreserved, b.Total))
		}
		if int64(f.Requests) != b.Reserved {
			f.Problems = append(f.Problems, fmt.Sprintf("reservedCount %d but %d pending requests", b.Reserved, f.Requests))
		}
		if int64(f.Loans) != b.Issued {
			f.Problems = append(f.Problems, fmt.Sprintf("issuedCount %d but %d active loans", b.Issued, f.Loans))
		}

		if len(f.Problems) > 0 {
			lm.logger.Warn("inventory audit finding", "book_id", b.ID, "problems", len(f.Problems))
			findings = append(findings, f)
		}
	}

	lm.logger.Info("inventory audit finished", "books", len(books), "findings", len(findings))

	return findings, nil
}
