package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"library-circulation/library"
)

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// memberName falls back to the id when the member cannot be loaded.
func memberName(ctx context.Context, mgr *library.LibraryManager, memberID string) string {
	if m, err := mgr.Member(ctx, memberID); err == nil {
		return m.Name
	}
	return memberID
}

func (a *app) reserveCmd() *cobra.Command {
	var memberID string

	cmd := &cobra.Command{
		Use:   "reserve <book-id>",
		Short: "Request a copy of a book (member password required)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, mgr *library.LibraryManager) error {
				member, err := authenticateUser(ctx, mgr, memberID)
				if err != nil {
					return fmt.Errorf("authentication failed: %w", err)
				}

				out, err := mgr.RequestBook(ctx, args[0], member.ID)
				if err != nil {
					return fmt.Errorf("reserving book: %w", err)
				}
				fmt.Fprintf(a.out, "Book '%s' reserved for %s\n", out.Book.Title, member.Name)

				// Show current position in queue
				if pos, err := mgr.QueuePosition(ctx, out.Book.ID, member.ID); err == nil {
					fmt.Fprintf(a.out, "Position in queue: %d\n", pos)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&memberID, "member", "", "member id")
	_ = cmd.MarkFlagRequired("member")

	return cmd
}

func (a *app) cancelCmd() *cobra.Command {
	var memberID string

	cmd := &cobra.Command{
		Use:   "cancel <book-id>",
		Short: "Cancel a pending request (member password required)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, mgr *library.LibraryManager) error {
				member, err := authenticateUser(ctx, mgr, memberID)
				if err != nil {
					return fmt.Errorf("authentication failed: %w", err)
				}

				out, err := mgr.CancelRequest(ctx, args[0], member.ID)
				if err != nil {
					return fmt.Errorf("cancelling request: %w", err)
				}

				fmt.Fprintf(a.out, "Request for '%s' by %s cancelled\n", out.Book.Title, member.Name)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&memberID, "member", "", "member id")
	_ = cmd.MarkFlagRequired("member")

	return cmd
}

// staffFlags binds the member and librarian flags shared by issue and return.
func staffFlags(cmd *cobra.Command, memberID, librarianID *string) {
	cmd.Flags().StringVar(memberID, "member", "", "member id")
	cmd.Flags().StringVar(librarianID, "librarian", "", "librarian id")
	_ = cmd.MarkFlagRequired("member")
	_ = cmd.MarkFlagRequired("librarian")
}

func (a *app) issueCmd() *cobra.Command {
	var memberID, librarianID string

	cmd := &cobra.Command{
		Use:   "issue <book-id>",
		Short: "Hand a copy to a member (librarian password required)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, mgr *library.LibraryManager) error {
				if _, err := authenticateUser(ctx, mgr, librarianID); err != nil {
					return fmt.Errorf("authentication failed: %w", err)
				}

				out, err := mgr.IssueBook(ctx, args[0], memberID, librarianID)
				if err != nil {
					return fmt.Errorf("issuing book: %w", err)
				}

				fmt.Fprintf(a.out, "Book '%s' issued to %s (loan %s)\n",
					out.Book.Title, memberName(ctx, mgr, memberID), out.Record.LoanID)
				return nil
			})
		},
	}

	staffFlags(cmd, &memberID, &librarianID)

	return cmd
}

func (a *app) returnCmd() *cobra.Command {
	var memberID, librarianID string

	cmd := &cobra.Command{
		Use:   "return <book-id>",
		Short: "Take back a member's copy (librarian password required)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, mgr *library.LibraryManager) error {
				if _, err := authenticateUser(ctx, mgr, librarianID); err != nil {
					return fmt.Errorf("authentication failed: %w", err)
				}

				out, err := mgr.ReturnBook(ctx, args[0], memberID, librarianID)
				if err != nil {
					return fmt.Errorf("returning book: %w", err)
				}

				fmt.Fprintf(a.out, "Book '%s' returned by %s\n", out.Book.Title, memberName(ctx, mgr, memberID))
				if out.Fine != nil && out.Fine.Amount.IsPositive() {
					fmt.Fprintf(a.out, "Overdue by %d day(s): fine $%s\n", out.Fine.DaysOverdue, out.Fine.Amount.StringFixed(2))
				}

				if next, err := mgr.NextInQueue(ctx, out.Book.ID); err == nil {
					fmt.Fprintf(a.out, "Next in queue: %s\n", memberName(ctx, mgr, next.MemberID))
				}
				return nil
			})
		},
	}

	staffFlags(cmd, &memberID, &librarianID)

	return cmd
}

func (a *app) queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue <book-id>",
		Short: "Show a book's request queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, mgr *library.LibraryManager) error {
				book, err := mgr.Book(ctx, args[0])
				if err != nil {
					return err
				}
				queue, err := mgr.Queue(ctx, book.ID)
				if err != nil {
					return err
				}

				fmt.Fprintf(a.out, "Requests for '%s' by %s:\n", book.Title, book.Author)
				a.printQueue(ctx, mgr, queue)
				return nil
			})
		},
	}

	cmd.AddCommand(a.issueNextCmd())

	return cmd
}

func (a *app) printQueue(ctx context.Context, mgr *library.LibraryManager, queue []library.QueueEntry) {
	if len(queue) == 0 {
		fmt.Fprintln(a.out, "No requests for this book.")
		return
	}

	fmt.Fprintf(a.out, "%-10s %-36s %-30s %s\n", "Position", "Member ID", "Name", "Requested")
	fmt.Fprintln(a.out, strings.Repeat("-", 100))
	for i, e := range queue {
		fmt.Fprintf(a.out, "%-10d %-36s %-30s %s\n",
			i+1, e.MemberID, truncateString(memberName(ctx, mgr, e.MemberID), 30), formatTime(&e.RequestedAt))
	}
}

func (a *app) issueNextCmd() *cobra.Command {
	var librarianID string

	cmd := &cobra.Command{
		Use:   "issue-next <book-id>",
		Short: "Issue the book to the oldest request (librarian password required)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, mgr *library.LibraryManager) error {
				if _, err := authenticateUser(ctx, mgr, librarianID); err != nil {
					return fmt.Errorf("authentication failed: %w", err)
				}

				out, err := mgr.IssueNext(ctx, args[0], librarianID)
				if err != nil {
					return fmt.Errorf("issuing next request: %w", err)
				}

				fmt.Fprintf(a.out, "Book '%s' issued to %s (loan %s)\n",
					out.Book.Title, memberName(ctx, mgr, out.Record.MemberID), out.Record.LoanID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&librarianID, "librarian", "", "librarian id")
	_ = cmd.MarkFlagRequired("librarian")

	return cmd
}

func (a *app) finesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fines <member-id>",
		Short: "List a member's fines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, mgr *library.LibraryManager) error {
				fines, err := mgr.Fines(ctx, args[0])
				if err != nil {
					return err
				}
				if len(fines) == 0 {
					fmt.Fprintln(a.out, "No fines.")
					return nil
				}

				fmt.Fprintf(a.out, "%-36s %-30s %-16s %5s %9s %-6s\n", "Book ID", "Title", "Issued", "Days", "Amount", "Paid")
				fmt.Fprintln(a.out, strings.Repeat("-", 110))

				outstanding := decimal.Zero
				for _, f := range fines {
					paid := "No"
					if f.IsPaid {
						paid = "Yes"
					} else {
						outstanding = outstanding.Add(f.Amount)
					}
					fmt.Fprintf(a.out, "%-36s %-30s %-16s %5d %9s %-6s\n",
						f.BookID, truncateString(f.BookTitle, 30), formatTime(&f.IssuedAt),
						f.DaysOverdue, "$"+f.Amount.StringFixed(2), paid)
				}

				fmt.Fprintf(a.out, "\nOutstanding: $%s\n", outstanding.StringFixed(2))
				return nil
			})
		},
	}
}

func (a *app) payCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pay <member-id> <book-id>",
		Short: "Pay the member's oldest unpaid fine for a book",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, mgr *library.LibraryManager) error {
				fine, err := mgr.PayFine(ctx, args[0], args[1])
				if err != nil {
					return fmt.Errorf("paying fine: %w", err)
				}

				fmt.Fprintf(a.out, "Paid $%s for '%s' (%d day(s) overdue)\n",
					fine.Amount.StringFixed(2), fine.BookTitle, fine.DaysOverdue)
				return nil
			})
		},
	}
}

func (a *app) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <member-id>",
		Short: "List a member's returned and cancelled records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, mgr *library.LibraryManager) error {
				records, err := mgr.History(ctx, args[0])
				if err != nil {
					return err
				}
				if len(records) == 0 {
					fmt.Fprintln(a.out, "No history.")
					return nil
				}

				fmt.Fprintf(a.out, "%-30s %-10s %-16s %-16s %-16s\n", "Title", "Status", "Requested", "Issued", "Closed")
				fmt.Fprintln(a.out, strings.Repeat("-", 92))
				for _, r := range records {
					closed := r.ReturnedAt
					if r.Status == library.StatusCancelled {
						closed = r.CancelledAt
					}
					fmt.Fprintf(a.out, "%-30s %-10s %-16s %-16s %-16s\n",
						truncateString(r.BookTitle, 30), r.Status,
						formatTime(r.RequestedAt), formatTime(r.IssuedAt), formatTime(closed))
				}
				return nil
			})
		},
	}
}

func (a *app) auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Check every book's counts against its queue and loans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, mgr *library.LibraryManager) error {
				findings, err := mgr.Audit(ctx)
				if err != nil {
					return err
				}
				if len(findings) == 0 {
					fmt.Fprintln(a.out, "Inventory is consistent.")
					return nil
				}

				for _, f := range findings {
					fmt.Fprintf(a.out, "%s '%s': %s\n", f.BookID, f.Title, strings.Join(f.Problems, "; "))
				}
				return fmt.Errorf("%d book(s) failed the audit", len(findings))
			})
		},
	}
}
