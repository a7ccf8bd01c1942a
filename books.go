package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"library-circulation/library"
)

func (a *app) bookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "book",
		Short: "Manage the catalog",
	}

	cmd.AddCommand(
		a.bookAddCmd(),
		a.bookListCmd(),
		a.bookShowCmd(),
		a.bookSearchCmd(),
		a.bookUpdateCmd(),
		a.bookCopiesCmd(),
		a.bookRemoveCmd(),
	)

	return cmd
}

func (a *app) bookAddCmd() *cobra.Command {
	var in library.NewBook

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Catalog a new book",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, mgr *library.LibraryManager) error {
				book, err := mgr.AddBook(ctx, in)
				if err != nil {
					return fmt.Errorf("adding book: %w", err)
				}

				fmt.Fprintf(a.out, "Added '%s' (ISBN %s) with ID %s\n", book.Title, book.ISBN, book.ID)
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&in.ISBN, "isbn", "", "ISBN-10 or ISBN-13")
	f.StringVar(&in.Title, "title", "", "title")
	f.StringVar(&in.Author, "author", "", "author")
	f.StringVar(&in.Genre, "genre", "", "genre")
	f.StringSliceVar(&in.Languages, "language", nil, "language, repeatable")
	f.IntVar(&in.PublicationYear, "year", 0, "publication year")
	f.StringVar(&in.Description, "description", "", "description")
	f.StringVar(&in.CoverImage, "cover", "", "cover image URL")
	f.StringVar(&in.Location.Floor, "floor", "", "floor")
	f.StringVar(&in.Location.Shelf, "shelf", "", "shelf")
	f.Int64Var(&in.Copies, "copies", 1, "number of copies")
	_ = cmd.MarkFlagRequired("isbn")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("author")

	return cmd
}

func (a *app) bookListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all books with their copy counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, mgr *library.LibraryManager) error {
				books, err := mgr.Books(ctx)
				if err != nil {
					return err
				}
				if len(books) == 0 {
					fmt.Fprintln(a.out, "No books in library.")
					return nil
				}

				a.printBooks(books)
				return nil
			})
		},
	}
}

func (a *app) bookSearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Search titles, authors, genres and ISBNs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")

			return a.withManager(cmd, func(ctx context.Context, mgr *library.LibraryManager) error {
				books, err := mgr.SearchBooks(ctx, query)
				if err != nil {
					return err
				}
				if len(books) == 0 {
					fmt.Fprintf(a.out, "No books found matching '%s'.\n", query)
					return nil
				}

				fmt.Fprintf(a.out, "Found %d book(s) matching '%s':\n", len(books), query)
				a.printBooks(books)
				return nil
			})
		},
	}
}

func (a *app) printBooks(books []library.Book) {
	fmt.Fprintf(a.out, "%-36s %-13s %-30s %-20s %6s %6s %6s %6s\n",
		"ID", "ISBN", "Title", "Author", "Total", "Rsvd", "Issued", "Free")
	fmt.Fprintln(a.out, strings.Repeat("-", 132))

	for _, b := range books {
		fmt.Fprintf(a.out, "%-36s %-13s %-30s %-20s %6d %6d %6d %6d\n",
			b.ID,
			b.ISBN,
			truncateString(b.Title, 30),
			truncateString(b.Author, 20),
			b.Total, b.Reserved, b.Issued, b.Unreserved)
	}
}

func (a *app) bookShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <book-id>",
		Short: "Show one book and its request queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, mgr *library.LibraryManager) error {
				book, err := mgr.Book(ctx, args[0])
				if err != nil {
					return err
				}

				fmt.Fprintf(a.out, "%s by %s\n", book.Title, book.Author)
				fmt.Fprintf(a.out, "  ID:        %s\n", book.ID)
				fmt.Fprintf(a.out, "  ISBN:      %s\n", book.ISBN)
				if book.Genre != "" {
					fmt.Fprintf(a.out, "  Genre:     %s\n", book.Genre)
				}
				if book.PublicationYear != 0 {
					fmt.Fprintf(a.out, "  Published: %d\n", book.PublicationYear)
				}
				fmt.Fprintf(a.out, "  Location:  floor %s, shelf %s\n", book.Location.Floor, book.Location.Shelf)
				fmt.Fprintf(a.out, "  Copies:    %d total, %d reserved, %d issued, %d unreserved\n",
					book.Total, book.Reserved, book.Issued, book.Unreserved)

				queue, err := mgr.Queue(ctx, book.ID)
				if err != nil {
					return err
				}
				a.printQueue(ctx, mgr, queue)
				return nil
			})
		},
	}
}

func (a *app) bookUpdateCmd() *cobra.Command {
	var (
		title, author, genre, description, cover, floor, shelf string
		year                                                   int
		languages                                              []string
	)

	cmd := &cobra.Command{
		Use:   "update <book-id>",
		Short: "Change catalog metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch library.BookPatch
			changed := cmd.Flags().Changed

			if changed("title") {
				patch.Title = &title
			}
			if changed("author") {
				patch.Author = &author
			}
			if changed("genre") {
				patch.Genre = &genre
			}
			if changed("description") {
				patch.Description = &description
			}
			if changed("cover") {
				patch.CoverImage = &cover
			}
			if changed("year") {
				patch.PublicationYear = &year
			}
			if changed("language") {
				patch.Languages = &languages
			}

			return a.withManager(cmd, func(ctx context.Context, mgr *library.LibraryManager) error {
				if changed("floor") || changed("shelf") {
					book, err := mgr.Book(ctx, args[0])
					if err != nil {
						return err
					}
					loc := book.Location
					if changed("floor") {
						loc.Floor = floor
					}
					if changed("shelf") {
						loc.Shelf = shelf
					}
					patch.Location = &loc
				}

				book, err := mgr.UpdateBook(ctx, args[0], patch)
				if err != nil {
					return fmt.Errorf("updating book: %w", err)
				}

				fmt.Fprintf(a.out, "Updated '%s'\n", book.Title)
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&title, "title", "", "title")
	f.StringVar(&author, "author", "", "author")
	f.StringVar(&genre, "genre", "", "genre")
	f.StringVar(&description, "description", "", "description")
	f.StringVar(&cover, "cover", "", "cover image URL")
	f.IntVar(&year, "year", 0, "publication year")
	f.StringSliceVar(&languages, "language", nil, "language, repeatable")
	f.StringVar(&floor, "floor", "", "floor")
	f.StringVar(&shelf, "shelf", "", "shelf")

	return cmd
}

func (a *app) bookCopiesCmd() *cobra.Command {
	var add, remove int64

	cmd := &cobra.Command{
		Use:   "copies <book-id>",
		Short: "Add or withdraw physical copies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (add == 0) == (remove == 0) {
				return errors.New("exactly one of --add or --remove is required")
			}

			return a.withManager(cmd, func(ctx context.Context, mgr *library.LibraryManager) error {
				var (
					book *library.Book
					err  error
				)
				if add != 0 {
					book, err = mgr.AddCopies(ctx, args[0], add)
				} else {
					book, err = mgr.RemoveCopies(ctx, args[0], remove)
				}
				if err != nil {
					return err
				}

				fmt.Fprintf(a.out, "'%s' now has %d copies (%d unreserved)\n", book.Title, book.Total, book.Unreserved)
				return nil
			})
		},
	}

	cmd.Flags().Int64Var(&add, "add", 0, "copies to add")
	cmd.Flags().Int64Var(&remove, "remove", 0, "unreserved copies to withdraw")

	return cmd
}

func (a *app) bookRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <book-id>",
		Short: "Remove a book with no reserved or issued copies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, mgr *library.LibraryManager) error {
				if err := mgr.RemoveBook(ctx, args[0]); err != nil {
					return err
				}

				fmt.Fprintf(a.out, "Removed book %s\n", args[0])
				return nil
			})
		},
	}
}
