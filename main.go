package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"library-circulation/config"
	"library-circulation/library"
)

// readPassword securely reads a password with masking
func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	fmt.Fprintln(os.Stderr) // Add newline after password input
	return strings.TrimSpace(string(bytePassword)), nil
}

// promptPassword is swapped out in tests.
var promptPassword = readPassword

// app carries the settings resolved by the root command to its children.
type app struct {
	envFile string
	driver  string
	dsn     string

	cfg config.Config
	out io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "library",
		Short:         "Library circulation: catalog, members, loans, queues and fines",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.envFile)
			if err != nil {
				return err
			}
			if a.driver != "" {
				cfg.Driver = a.driver
			}
			if a.dsn != "" {
				cfg.DSN = a.dsn
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			a.cfg = cfg
			a.out = cmd.OutOrStdout()
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.envFile, "env-file", ".env", "dotenv file to load before the environment")
	flags.StringVar(&a.driver, "driver", "", "storage driver: sqlite3, pgx, postgres or bolt (overrides LIBRARY_DB_DRIVER)")
	flags.StringVar(&a.dsn, "dsn", "", "database file or connection string (overrides LIBRARY_DB_DSN)")

	root.AddCommand(
		a.serveCmd(),
		a.bookCmd(),
		a.memberCmd(),
		a.reserveCmd(),
		a.cancelCmd(),
		a.issueCmd(),
		a.returnCmd(),
		a.queueCmd(),
		a.finesCmd(),
		a.payCmd(),
		a.historyCmd(),
		a.auditCmd(),
	)

	return root
}

// open opens the configured store. CLI runs log warnings and above to stderr
// so table output stays clean.
func (a *app) open(ctx context.Context, logger library.Logger) (*library.LibraryManager, error) {
	if logger == nil {
		cfg := a.cfg
		cfg.LogLevel = max(cfg.LogLevel, slog.LevelWarn)
		logger = cfg.Logger(os.Stderr)
	}

	mgr, err := library.Open(ctx, a.cfg.Store(),
		library.WithLogger(logger),
		library.WithFinePolicy(a.cfg.FinePolicy()),
	)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	return mgr, nil
}

// withManager opens the store for the duration of fn.
func (a *app) withManager(cmd *cobra.Command, fn func(ctx context.Context, mgr *library.LibraryManager) error) error {
	ctx := cmd.Context()
	mgr, err := a.open(ctx, nil)
	if err != nil {
		return err
	}
	defer mgr.Close()

	return fn(ctx, mgr)
}

// authenticateUser prompts for and verifies the member's password
func authenticateUser(ctx context.Context, mgr *library.LibraryManager, memberID string) (*library.Member, error) {
	password, err := promptPassword("Enter your password: ")
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}

	return mgr.Authenticate(ctx, memberID, password)
}

func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
