package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/quistapp/keygate/internal/license"
	"github.com/quistapp/keygate/internal/logging"
	"github.com/quistapp/keygate/internal/model"
	"github.com/quistapp/keygate/internal/store"
)

var (
	databaseURL string
	keyPrefix   string
	Version     = "dev"
)

// keyStore is the slice of the store used by the offline commands.
type keyStore interface {
	license.Store
	Migrate(ctx context.Context) error
	ListLicenses(ctx context.Context) ([]model.License, error)
	ResetLicense(ctx context.Context, id int64) error
	ResetLicenseByCode(ctx context.Context, code string) error
	ToggleBan(ctx context.Context, id int64) (bool, error)
	SetActive(ctx context.Context, id int64, active bool) (bool, error)
	DeleteLicense(ctx context.Context, id int64) error
	PurgeUsage(ctx context.Context) (int64, error)
	PurgeUsageBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// openStore is swapped in tests.
var openStore = func(ctx context.Context) (keyStore, func(), error) {
	if databaseURL == "" {
		return nil, nil, fmt.Errorf("database url required (--database-url or KEYGATE_DATABASE_URL)")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping db: %w", err)
	}
	return store.New(pool), pool.Close, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "keyctl",
		Short:         "keyctl - offline license key administration",
		Long:          "Issue and manage license keys directly against the keygate database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", os.Getenv("KEYGATE_DATABASE_URL"), "Postgres connection string")
	rootCmd.PersistentFlags().StringVar(&keyPrefix, "prefix", envOr("KEYGATE_KEY_PREFIX", license.DefaultPrefix), "Key code prefix")

	rootCmd.AddCommand(
		migrateCmd(),
		issueCmd(),
		listCmd(),
		resetCmd(),
		resetByCodeCmd(),
		banCmd(),
		activeCmd(),
		deleteCmd(),
		purgeLogsCmd(),
		versionCmd(),
	)
	return rootCmd
}

// withStore opens the store for the duration of fn.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, st keyStore) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st, closeFn, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, st)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, st keyStore) error {
				if err := st.Migrate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
				return nil
			})
		},
	}
}

func issueCmd() *cobra.Command {
	var (
		count int
		days  int
		label string
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a batch of new keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, st keyStore) error {
				logger := logging.New("warn", "console", cmd.ErrOrStderr())
				gw := license.NewGateway(st, license.NewCodeGenerator(keyPrefix), logger)
				codes, err := gw.Issue(ctx, license.IssueRequest{Count: count, DurationDays: days, Label: label})
				if err != nil {
					return err
				}
				for _, c := range codes {
					fmt.Fprintln(cmd.OutOrStdout(), c)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of keys (1-100)")
	cmd.Flags().IntVarP(&days, "days", "d", 30, "Validity in days after activation (1-3650)")
	cmd.Flags().StringVarP(&label, "label", "l", "", "Free-form label")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, st keyStore) error {
				list, err := st.ListLicenses(ctx)
				if err != nil {
					return err
				}
				printLicenses(cmd.OutOrStdout(), list, time.Now())
				return nil
			})
		},
	}
}

func printLicenses(out io.Writer, list []model.License, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKEY\tSTATE\tDAYS\tHWID\tEXPIRES\tLABEL")
	for _, lic := range list {
		hwid := "-"
		if lic.HWID != nil {
			hwid = *lic.HWID
		}
		expires := "-"
		if lic.ExpiresAt != nil {
			expires = lic.ExpiresAt.UTC().Format("2006-01-02")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
			lic.ID, lic.Code, lic.State(now), lic.DurationDays, hwid, expires, lic.Label)
	}
	w.Flush()
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset [id]",
		Short: "Clear the machine binding and expiry of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, st keyStore) error {
				if err := st.ResetLicense(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "key %d reset\n", id)
				return nil
			})
		},
	}
}

func resetByCodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-by-code [code]",
		Short: "Clear the machine binding of a key by its code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code := license.NormalizeCode(args[0])
			return withStore(cmd, func(ctx context.Context, st keyStore) error {
				if err := st.ResetLicenseByCode(ctx, code); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "key %s reset\n", code)
				return nil
			})
		},
	}
}

func banCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ban [id]",
		Short: "Toggle the ban flag of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, st keyStore) error {
				banned, err := st.ToggleBan(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "key %d banned=%t\n", id, banned)
				return nil
			})
		},
	}
}

func activeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "active [id] [true|false]",
		Short: "Enable or disable a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			active, err := strconv.ParseBool(args[1])
			if err != nil {
				return fmt.Errorf("active must be true or false: %w", err)
			}
			return withStore(cmd, func(ctx context.Context, st keyStore) error {
				got, err := st.SetActive(ctx, id, active)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "key %d active=%t\n", id, got)
				return nil
			})
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete [id]",
		Aliases: []string{"rm"},
		Short:   "Delete a key with its history and saved config",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, st keyStore) error {
				if err := st.DeleteLicense(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "key %d deleted\n", id)
				return nil
			})
		},
	}
}

func purgeLogsCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge-logs",
		Short: "Delete validation history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, st keyStore) error {
				var (
					n   int64
					err error
				)
				if olderThan > 0 {
					n, err = st.PurgeUsageBefore(ctx, time.Now().UTC().Add(-olderThan))
				} else {
					n, err = st.PurgeUsage(ctx)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Only delete entries older than this (e.g. 720h); all when zero")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "keyctl %s\n", Version)
		},
	}
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("id must be a positive integer, got %q", raw)
	}
	return id, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
