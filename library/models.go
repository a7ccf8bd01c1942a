package library

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role is a member's role in the library.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleLibrarian Role = "librarian"
	RoleMember    Role = "member"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleLibrarian, RoleMember:
		return true
	}
	return false
}

// IsStaff reports whether the role may issue and receive books.
func (r Role) IsStaff() bool {
	return r == RoleAdmin || r == RoleLibrarian
}

// Location is where the physical copies are shelved.
type Location struct {
	Floor string `json:"floor"`
	Shelf string `json:"shelf"`
}

// Counts are a book's copy counts. Reserved + Issued + Unreserved always equals Total.
type Counts struct {
	Total      int64 `json:"totalCount"`
	Reserved   int64 `json:"reservedCount"`
	Issued     int64 `json:"issuedCount"`
	Unreserved int64 `json:"unreservedCount"`
}

// Book represents a catalog entry and its current availability.
type Book struct {
	ID              string    `json:"id"`
	ISBN            string    `json:"isbn"`
	Title           string    `json:"title"`
	Author          string    `json:"author"`
	Genre           string    `json:"genre,omitempty"`
	Languages       []string  `json:"languages,omitempty"`
	PublicationYear int       `json:"publicationYear,omitempty"`
	Description     string    `json:"description,omitempty"`
	CoverImage      string    `json:"coverImage,omitempty"`
	Location        Location  `json:"location"`
	Counts
	Deleted   bool      `json:"deleted,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Member represents a registered library patron or staff member.
type Member struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Phone        string    `json:"phone,omitempty"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
	PasswordHash string    `json:"passwordHash,omitempty"`
}

// Status is the circulation state of a (book, member) pair.
type Status string

const (
	StatusNone      Status = "NONE"
	StatusRequested Status = "REQUESTED"
	StatusIssued    Status = "ISSUED"
	StatusReturned  Status = "RETURNED"
	StatusCancelled Status = "CANCELLED"
)

var transitions = map[Status][]Status{
	StatusNone:      {StatusRequested, StatusIssued},
	StatusRequested: {StatusIssued, StatusCancelled},
	StatusIssued:    {StatusReturned},
}

// CanTransition reports whether a record may move from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends a loan.
func (s Status) Terminal() bool {
	return s == StatusReturned || s == StatusCancelled
}

// CirculationRecord tracks one loan from request to return or cancellation.
type CirculationRecord struct {
	LoanID      string     `json:"loanId"`
	BookID      string     `json:"bookId"`
	MemberID    string     `json:"memberId"`
	BookTitle   string     `json:"bookTitle"`
	Status      Status     `json:"status"`
	RequestedAt *time.Time `json:"requestedTimestamp,omitempty"`
	IssuedAt    *time.Time `json:"issuedTimestamp,omitempty"`
	ReturnedAt  *time.Time `json:"returnedTimestamp,omitempty"`
	CancelledAt *time.Time `json:"cancelledTimestamp,omitempty"`
	IssuedBy    string     `json:"issuedBy,omitempty"`
	ReturnedBy  string     `json:"returnedBy,omitempty"`
}

// Fine is the overdue charge for one loan. DaysOverdue and Amount are
// recomputed on read until the fine is paid.
type Fine struct {
	LoanID      string          `json:"loanId"`
	BookID      string          `json:"bookId"`
	MemberID    string          `json:"memberId"`
	BookTitle   string          `json:"bookTitle"`
	IssuedAt    time.Time       `json:"issuedTimestamp"`
	ReturnedAt  *time.Time      `json:"returnedTimestamp,omitempty"`
	DaysOverdue int64           `json:"daysOverdue"`
	Amount      decimal.Decimal `json:"fineAmount"`
	IsPaid      bool            `json:"isPaid"`
	PaidAt      *time.Time      `json:"paidTimestamp,omitempty"`
}

// QueueEntry is one pending reservation in a book's request queue.
type QueueEntry struct {
	BookID      string    `json:"bookId"`
	MemberID    string    `json:"memberId"`
	LoanID      string    `json:"loanId"`
	RequestedAt time.Time `json:"requestedTimestamp"`
}

// loanEntry indexes an issued copy under its book.
type loanEntry struct {
	BookID   string    `json:"bookId"`
	MemberID string    `json:"memberId"`
	LoanID   string    `json:"loanId"`
	IssuedAt time.Time `json:"issuedTimestamp"`
}

// indexEntry reserves a unique business key (ISBN, email).
type indexEntry struct {
	OwnerID string `json:"ownerId"`
}
