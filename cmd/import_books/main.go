package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"library-circulation/config"
	"library-circulation/library"
)

// columns every catalog CSV must carry; the rest are optional.
var requiredColumns = []string{"isbn", "title", "author"}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newImportCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newImportCmd() *cobra.Command {
	var envFile, driver, dsn string

	cmd := &cobra.Command{
		Use:   "import_books <catalog.csv>",
		Short: "Import books from a CSV catalog",
		Long: `Import books from a CSV file with a header row. Columns:
isbn, title, author (required); genre, year, copies, floor, shelf,
languages (semicolon separated), description, cover (optional).
Rows whose ISBN is already catalogued are skipped.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			if driver != "" {
				cfg.Driver = driver
			}
			if dsn != "" {
				cfg.DSN = dsn
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			mgr, err := library.Open(cmd.Context(), cfg.Store(),
				library.WithLogger(cfg.Logger(cmd.ErrOrStderr())),
				library.WithFinePolicy(cfg.FinePolicy()),
			)
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer mgr.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Importing books from %s...\n", args[0])

			res, err := importCSV(cmd.Context(), mgr, f, out)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "\nImport complete!\n")
			fmt.Fprintf(out, "Successfully imported: %d books\n", res.imported)
			fmt.Fprintf(out, "Skipped (already catalogued): %d\n", res.skipped)
			fmt.Fprintf(out, "Errors: %d\n", res.failed)

			if res.failed > 0 {
				return fmt.Errorf("%d row(s) failed to import", res.failed)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&envFile, "env-file", ".env", "dotenv file to load before the environment")
	f.StringVar(&driver, "driver", "", "storage driver (overrides LIBRARY_DB_DRIVER)")
	f.StringVar(&dsn, "dsn", "", "database file or connection string (overrides LIBRARY_DB_DSN)")

	return cmd
}

type importResult struct {
	imported, skipped, failed int
}

// importCSV adds one book per data row. A bad row is reported and counted;
// a malformed file or a store failure stops the import.
func importCSV(ctx context.Context, mgr *library.LibraryManager, r io.Reader, out io.Writer) (importResult, error) {
	var res importResult

	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return res, fmt.Errorf("reading header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			return res, fmt.Errorf("missing column %q", col)
		}
	}

	line := 1
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return res, fmt.Errorf("line %d: %w", line, err)
		}

		get := func(col string) string {
			if i, ok := index[col]; ok && i < len(row) {
				return strings.TrimSpace(row[i])
			}
			return ""
		}

		in, err := parseRow(get)
		if err != nil {
			fmt.Fprintf(out, "line %d: ERROR - %v\n", line, err)
			res.failed++
			continue
		}

		fmt.Fprintf(out, "Importing: %s by %s... ", in.Title, in.Author)

		book, err := mgr.AddBook(ctx, in)
		switch {
		case errors.Is(err, library.ErrAlreadyExists):
			fmt.Fprintln(out, "SKIPPED (already catalogued)")
			res.skipped++
		case errors.Is(err, library.ErrValidation):
			fmt.Fprintf(out, "ERROR - %v\n", err)
			res.failed++
		case err != nil:
			fmt.Fprintln(out, "ERROR")
			return res, fmt.Errorf("line %d: %w", line, err)
		default:
			fmt.Fprintf(out, "SUCCESS (ID: %s)\n", book.ID)
			res.imported++
		}
	}

	return res, nil
}

func parseRow(get func(string) string) (library.NewBook, error) {
	in := library.NewBook{
		ISBN:        get("isbn"),
		Title:       get("title"),
		Author:      get("author"),
		Genre:       get("genre"),
		Description: get("description"),
		CoverImage:  get("cover"),
		Location:    library.Location{Floor: get("floor"), Shelf: get("shelf")},
		Copies:      1,
	}

	if v := get("year"); v != "" {
		year, err := strconv.Atoi(v)
		if err != nil {
			return in, fmt.Errorf("year %q: %w", v, err)
		}
		in.PublicationYear = year
	}
	if v := get("copies"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return in, fmt.Errorf("copies %q: %w", v, err)
		}
		in.Copies = n
	}
	for _, lang := range strings.Split(get("languages"), ";") {
		if lang = strings.TrimSpace(lang); lang != "" {
			in.Languages = append(in.Languages, lang)
		}
	}

	return in, nil
}
