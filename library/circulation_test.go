package library

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCompleteLoanWorkflow walks one loan from request to paid fine.
func TestCompleteLoanWorkflow(t *testing.T) {
	for _, engine := range engines {
		t.Run(engine, func(t *testing.T) {
			ctx := context.Background()
			mgr, clock := newManagerWith(t, engine, 0)

			book := addBook(t, mgr, "9780306406157", 5)
			alice := addMember(t, mgr, "alice", RoleMember)
			lib := addMember(t, mgr, "lib", RoleLibrarian)
			requireCounts(t, mgr, book.ID, Counts{Total: 5, Unreserved: 5})

			// request
			out, err := mgr.RequestBook(ctx, book.ID, alice.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusRequested, out.Record.Status)
			assert.Equal(t, Counts{Total: 5, Reserved: 1, Unreserved: 4}, out.Book.Counts)
			requireCounts(t, mgr, book.ID, Counts{Total: 5, Reserved: 1, Unreserved: 4})

			// issue
			out, err = mgr.IssueBook(ctx, book.ID, alice.ID, lib.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusIssued, out.Record.Status)
			require.NotNil(t, out.Record.IssuedAt)
			assert.Equal(t, lib.ID, out.Record.IssuedBy)
			require.NotNil(t, out.Fine)
			assert.False(t, out.Fine.IsPaid)
			assert.True(t, out.Fine.Amount.IsZero())
			requireCounts(t, mgr, book.ID, Counts{Total: 5, Issued: 1, Unreserved: 4})
			issuedAt := *out.Record.IssuedAt
			loanID := out.Record.LoanID

			queue, err := mgr.Queue(ctx, book.ID)
			require.NoError(t, err)
			assert.Empty(t, queue)

			// ten days later
			days, amount := mgr.FinePolicy().Calculate(issuedAt, issuedAt.Add(10*day))
			assert.Equal(t, int64(10), days)
			assert.Equal(t, "3.00", amount.StringFixed(2))

			clock.Advance(10 * day)
			fines, err := mgr.Fines(ctx, alice.ID)
			require.NoError(t, err)
			require.Len(t, fines, 1)
			assert.Equal(t, "3.00", fines[0].Amount.StringFixed(2))

			// return freezes the fine
			out, err = mgr.ReturnBook(ctx, book.ID, alice.ID, lib.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusReturned, out.Record.Status)
			assert.Equal(t, "3.00", out.Fine.Amount.StringFixed(2))
			requireCounts(t, mgr, book.ID, Counts{Total: 5, Unreserved: 5})

			history, err := mgr.History(ctx, alice.ID)
			require.NoError(t, err)
			require.Len(t, history, 1)
			assert.Equal(t, StatusReturned, history[0].Status)
			assert.Equal(t, loanID, history[0].LoanID)

			active, err := mgr.ActiveRecords(ctx, alice.ID)
			require.NoError(t, err)
			assert.Empty(t, active)

			state, _, err := mgr.CirculationState(ctx, book.ID, alice.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusNone, state)

			clock.Advance(5 * day)
			fines, err = mgr.Fines(ctx, alice.ID)
			require.NoError(t, err)
			assert.Equal(t, "3.00", fines[0].Amount.StringFixed(2))
			assert.Equal(t, int64(10), fines[0].DaysOverdue)

			// pay
			paid, err := mgr.PayFine(ctx, alice.ID, book.ID)
			require.NoError(t, err)
			assert.True(t, paid.IsPaid)
			assert.NotNil(t, paid.PaidAt)
			assert.Equal(t, "3.00", paid.Amount.StringFixed(2))

			clock.Advance(30 * day)
			balance, err := mgr.OutstandingBalance(ctx, alice.ID)
			require.NoError(t, err)
			assert.True(t, balance.IsZero())

			fines, err = mgr.Fines(ctx, alice.ID)
			require.NoError(t, err)
			assert.True(t, fines[0].IsPaid)
			assert.Equal(t, "3.00", fines[0].Amount.StringFixed(2))

			findings, err := mgr.Audit(ctx)
			require.NoError(t, err)
			assert.Empty(t, findings)
		})
	}
}

func TestReturnWithoutIssueFails(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t)
	book := addBook(t, mgr, "9780306406157", 2)
	alice := addMember(t, mgr, "alice", RoleMember)
	lib := addMember(t, mgr, "lib", RoleLibrarian)

	_, err := mgr.RequestBook(ctx, book.ID, alice.ID)
	require.NoError(t, err)
	before := Counts{Total: 2, Reserved: 1, Unreserved: 1}

	_, err = mgr.ReturnBook(ctx, book.ID, alice.ID, lib.ID)
	require.ErrorIs(t, err, ErrInvalidStateTransition)

	var stateErr *StateError
	require.True(t, errors.As(err, &stateErr))
	assert.Equal(t, StatusRequested, stateErr.Current)
	assert.Equal(t, StatusReturned, stateErr.Attempted)
	assert.Equal(t, CodeInvalidStateTransition, ErrorCode(err))

	requireCounts(t, mgr, book.ID, before)
}

func TestRequestOutOfStock(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t)
	book := addBook(t, mgr, "9780306406157", 1)
	alice := addMember(t, mgr, "alice", RoleMember)
	bob := addMember(t, mgr, "bob", RoleMember)

	_, err := mgr.RequestBook(ctx, book.ID, alice.ID)
	require.NoError(t, err)

	_, err = mgr.RequestBook(ctx, book.ID, bob.ID)
	require.ErrorIs(t, err, ErrOutOfStock)

	var invErr *InventoryError
	require.True(t, errors.As(err, &invErr))
	assert.Equal(t, "reserve", invErr.Operation)
	assert.Equal(t, CodeOutOfStock, ErrorCode(err))

	requireCounts(t, mgr, book.ID, Counts{Total: 1, Reserved: 1})

	state, _, err := mgr.CirculationState(ctx, book.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNone, state)
}

func TestDuplicateRequests(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t)
	book := addBook(t, mgr, "9780306406157", 3)
	alice := addMember(t, mgr, "alice", RoleMember)
	lib := addMember(t, mgr, "lib", RoleLibrarian)

	_, err := mgr.RequestBook(ctx, book.ID, alice.ID)
	require.NoError(t, err)

	_, err = mgr.RequestBook(ctx, book.ID, alice.ID)
	require.ErrorIs(t, err, ErrAlreadyRequested)
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.Equal(t, CodeAlreadyRequested, ErrorCode(err))

	_, err = mgr.IssueBook(ctx, book.ID, alice.ID, lib.ID)
	require.NoError(t, err)

	_, err = mgr.RequestBook(ctx, book.ID, alice.ID)
	require.ErrorIs(t, err, ErrAlreadyIssued)
	assert.Equal(t, CodeAlreadyIssued, ErrorCode(err))

	_, err = mgr.IssueBook(ctx, book.ID, alice.ID, lib.ID)
	require.ErrorIs(t, err, ErrInvalidStateTransition)

	requireCounts(t, mgr, book.ID, Counts{Total: 3, Issued: 1, Unreserved: 2})
}

func TestCancelRoundTrip(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t)
	book := addBook(t, mgr, "9780306406157", 2)
	alice := addMember(t, mgr, "alice", RoleMember)

	_, err := mgr.CancelRequest(ctx, book.ID, alice.ID)
	require.ErrorIs(t, err, ErrInvalidStateTransition)

	_, err = mgr.RequestBook(ctx, book.ID, alice.ID)
	require.NoError(t, err)

	out, err := mgr.CancelRequest(ctx, book.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, out.Record.Status)
	assert.NotNil(t, out.Record.CancelledAt)
	requireCounts(t, mgr, book.ID, Counts{Total: 2, Unreserved: 2})

	history, err := mgr.History(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, StatusCancelled, history[0].Status)

	queue, err := mgr.Queue(ctx, book.ID)
	require.NoError(t, err)
	assert.Empty(t, queue)

	// the pair is free again
	_, err = mgr.RequestBook(ctx, book.ID, alice.ID)
	require.NoError(t, err)
}

func TestDirectIssue(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t)
	book := addBook(t, mgr, "9780306406157", 1)
	alice := addMember(t, mgr, "alice", RoleMember)
	bob := addMember(t, mgr, "bob", RoleMember)
	lib := addMember(t, mgr, "lib", RoleAdmin)

	out, err := mgr.IssueBook(ctx, book.ID, alice.ID, lib.ID)
	require.NoError(t, err)
	assert.Nil(t, out.Record.RequestedAt)
	requireCounts(t, mgr, book.ID, Counts{Total: 1, Issued: 1})

	_, err = mgr.IssueBook(ctx, book.ID, bob.ID, lib.ID)
	require.ErrorIs(t, err, ErrOutOfStock)
	requireCounts(t, mgr, book.ID, Counts{Total: 1, Issued: 1})
}

func TestIssueRequiresStaff(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t)
	book := addBook(t, mgr, "9780306406157", 1)
	alice := addMember(t, mgr, "alice", RoleMember)
	bob := addMember(t, mgr, "bob", RoleMember)

	_, err := mgr.IssueBook(ctx, book.ID, alice.ID, bob.ID)
	require.ErrorIs(t, err, ErrValidation)

	_, err = mgr.IssueBook(ctx, book.ID, alice.ID, "nobody")
	require.ErrorIs(t, err, ErrNotFound)

	requireCounts(t, mgr, book.ID, Counts{Total: 1, Unreserved: 1})
}

func TestUnknownBookAndMember(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t)
	book := addBook(t, mgr, "9780306406157", 1)
	alice := addMember(t, mgr, "alice", RoleMember)

	_, err := mgr.RequestBook(ctx, "missing", alice.ID)
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "book", nf.Entity)

	_, err = mgr.RequestBook(ctx, book.ID, "missing")
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "member", nf.Entity)

	_, err = mgr.RequestBook(ctx, "", alice.ID)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = mgr.Fines(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	requireCounts(t, mgr, book.ID, Counts{Total: 1, Unreserved: 1})
}

func TestPayFineErrors(t *testing.T) {
	ctx := context.Background()
	mgr, clock := newManager(t)
	book := addBook(t, mgr, "9780306406157", 1)
	alice := addMember(t, mgr, "alice", RoleMember)
	lib := addMember(t, mgr, "lib", RoleLibrarian)

	_, err := mgr.PayFine(ctx, alice.ID, book.ID)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = mgr.IssueBook(ctx, book.ID, alice.ID, lib.ID)
	require.NoError(t, err)
	clock.Advance(9 * day)
	_, err = mgr.ReturnBook(ctx, book.ID, alice.ID, lib.ID)
	require.NoError(t, err)

	paid, err := mgr.PayFine(ctx, alice.ID, book.ID)
	require.NoError(t, err)
	assert.Equal(t, "2.00", paid.Amount.StringFixed(2))

	_, err = mgr.PayFine(ctx, alice.ID, book.ID)
	require.ErrorIs(t, err, ErrFineAlreadyPaid)
	assert.Equal(t, CodeInvalidStateTransition, ErrorCode(err))
}

func TestFinesPerLoan(t *testing.T) {
	ctx := context.Background()
	mgr, clock := newManager(t)
	book := addBook(t, mgr, "9780306406157", 1)
	alice := addMember(t, mgr, "alice", RoleMember)
	lib := addMember(t, mgr, "lib", RoleLibrarian)

	// two loans of the same book keep separate fines
	for _, d := range []int{10, 12} {
		_, err := mgr.IssueBook(ctx, book.ID, alice.ID, lib.ID)
		require.NoError(t, err)
		clock.Advance(time.Duration(d) * day)
		_, err = mgr.ReturnBook(ctx, book.ID, alice.ID, lib.ID)
		require.NoError(t, err)
	}

	fines, err := mgr.Fines(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, fines, 2)
	assert.Equal(t, "3.00", fines[0].Amount.StringFixed(2))
	assert.Equal(t, "5.00", fines[1].Amount.StringFixed(2))

	balance, err := mgr.OutstandingBalance(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(8)))

	// oldest unpaid first
	paid, err := mgr.PayFine(ctx, alice.ID, book.ID)
	require.NoError(t, err)
	assert.Equal(t, fines[0].LoanID, paid.LoanID)

	history, err := mgr.History(ctx, alice.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

// TestConcurrentRequests fires more requests than copies at one book.
func TestConcurrentRequests(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManagerWith(t, "sqlite3", 10)
	book := addBook(t, mgr, "9780306406157", 3)

	const members = 8
	ids := make([]string, members)
	for i := range ids {
		ids[i] = addMember(t, mgr, fmt.Sprintf("member%d", i), RoleMember).ID
	}

	var wg sync.WaitGroup
	errs := make(chan error, members)
	for _, id := range ids {
		wg.Add(1)
		go func(memberID string) {
			defer wg.Done()
			_, err := mgr.RequestBook(ctx, book.ID, memberID)
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrOutOfStock), errors.Is(err, ErrConcurrentModification):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.LessOrEqual(t, succeeded, 3)
	assert.Positive(t, succeeded)

	b, err := mgr.Book(ctx, book.ID)
	require.NoError(t, err)
	assert.True(t, b.Counts.Valid())
	assert.Equal(t, int64(succeeded), b.Reserved)

	queue, err := mgr.Queue(ctx, book.ID)
	require.NoError(t, err)
	assert.Len(t, queue, succeeded)

	findings, err := mgr.Audit(ctx)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

// TestConcurrentDuplicateRequest races one member against themselves.
func TestConcurrentDuplicateRequest(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManagerWith(t, DriverBolt, 10)
	book := addBook(t, mgr, "9780306406157", 5)
	alice := addMember(t, mgr, "alice", RoleMember)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := mgr.RequestBook(ctx, book.ID, alice.ID)
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
		if !errors.Is(err, ErrAlreadyRequested) && !errors.Is(err, ErrConcurrentModification) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	requireCounts(t, mgr, book.ID, Counts{Total: 5, Reserved: 1, Unreserved: 4})
}
