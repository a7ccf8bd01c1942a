package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"library-circulation/library"
)

func (a *app) memberCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Manage members and staff",
	}

	cmd.AddCommand(
		a.memberAddCmd(),
		a.memberListCmd(),
		a.memberShowCmd(),
		a.memberResetPasswordCmd(),
	)

	return cmd
}

func (a *app) memberAddCmd() *cobra.Command {
	var (
		in         library.NewMember
		role       string
		noPassword bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a member",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Role = library.Role(role)

			if !noPassword {
				password, err := promptPassword(fmt.Sprintf("Enter password for %s: ", in.Name))
				if err != nil {
					return fmt.Errorf("reading password: %w", err)
				}
				if password == "" {
					return errors.New("password cannot be empty")
				}
				in.Password = password
			}

			return a.withManager(cmd, func(ctx context.Context, mgr *library.LibraryManager) error {
				m, err := mgr.AddMember(ctx, in)
				if err != nil {
					return fmt.Errorf("adding member: %w", err)
				}

				fmt.Fprintf(a.out, "Added %s '%s' with ID %s\n", m.Role, m.Name, m.ID)
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&in.Name, "name", "", "full name")
	f.StringVar(&in.Email, "email", "", "email address")
	f.StringVar(&in.Phone, "phone", "", "phone number")
	f.StringVar(&role, "role", string(library.RoleMember), "admin, librarian or member")
	f.BoolVar(&noPassword, "no-password", false, "register without credentials")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func (a *app) memberListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List members",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, mgr *library.LibraryManager) error {
				members, err := mgr.Members(ctx)
				if err != nil {
					return err
				}
				if len(members) == 0 {
					fmt.Fprintln(a.out, "No members registered.")
					return nil
				}

				fmt.Fprintf(a.out, "%-36s %-25s %-30s %-10s\n", "ID", "Name", "Email", "Role")
				fmt.Fprintln(a.out, strings.Repeat("-", 104))
				for _, m := range members {
					fmt.Fprintf(a.out, "%-36s %-25s %-30s %-10s\n",
						m.ID, truncateString(m.Name, 25), truncateString(m.Email, 30), m.Role)
				}
				return nil
			})
		},
	}
}

func (a *app) memberShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <member-id>",
		Short: "Show a member with their active records and balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, mgr *library.LibraryManager) error {
				m, err := mgr.Member(ctx, args[0])
				if err != nil {
					return err
				}
				records, err := mgr.ActiveRecords(ctx, m.ID)
				if err != nil {
					return err
				}
				balance, err := mgr.OutstandingBalance(ctx, m.ID)
				if err != nil {
					return err
				}

				fmt.Fprintf(a.out, "%s <%s> (%s)\n", m.Name, m.Email, m.Role)
				fmt.Fprintf(a.out, "  ID:          %s\n", m.ID)
				fmt.Fprintf(a.out, "  Outstanding: $%s\n", balance.StringFixed(2))

				if len(records) == 0 {
					fmt.Fprintln(a.out, "  No active requests or loans.")
					return nil
				}

				fmt.Fprintf(a.out, "\n%-36s %-30s %-10s %s\n", "Book ID", "Title", "Status", "Since")
				fmt.Fprintln(a.out, strings.Repeat("-", 100))
				for _, r := range records {
					since := r.RequestedAt
					if r.Status == library.StatusIssued {
						since = r.IssuedAt
					}
					fmt.Fprintf(a.out, "%-36s %-30s %-10s %s\n",
						r.BookID, truncateString(r.BookTitle, 30), r.Status, formatTime(since))
				}
				return nil
			})
		},
	}
}

func (a *app) memberResetPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-password <member-id>",
		Short: "Set a new password for a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, mgr *library.LibraryManager) error {
				// Verify member exists and get their name
				m, err := mgr.Member(ctx, args[0])
				if err != nil {
					return err
				}

				password, err := promptPassword(fmt.Sprintf("Enter new password for %s (ID: %s): ", m.Name, m.ID))
				if err != nil {
					return fmt.Errorf("reading password: %w", err)
				}
				if password == "" {
					return errors.New("password cannot be empty")
				}

				if err := mgr.ResetPassword(ctx, m.ID, password); err != nil {
					return fmt.Errorf("resetting password: %w", err)
				}

				fmt.Fprintf(a.out, "Password successfully reset for %s (ID: %s)\n", m.Name, m.ID)
				return nil
			})
		},
	}
}
