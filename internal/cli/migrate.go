package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/archive"
)

func newMigrateCmd(root *rootOptions) *cobra.Command {
	var (
		path       string
		statusOnly bool
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Report and apply archive schema migrations",
		Example: `  tapedeck migrate --status
  tapedeck migrate --archive crawl.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("archive") {
				path = root.cfg.Archive.Path
			}
			return runMigrate(cmd.Context(), cmd.OutOrStdout(), path, statusOnly)
		},
	}

	cmd.Flags().StringVar(&path, "archive", "tapedeck.db", "archive file")
	cmd.Flags().BoolVar(&statusOnly, "status", false, "only report, do not migrate")

	return cmd
}

func runMigrate(ctx context.Context, out io.Writer, path string, statusOnly bool) error {
	a, err := archive.Open(ctx, path, archive.WithoutMigrate())
	switch {
	case errors.Is(err, archive.ErrIncompatible):
		defer a.Close()
		printMigrations(out, a.Migrations())
		return err
	case errors.Is(err, archive.ErrNeedsMigration):
	case err != nil:
		return err
	}
	defer a.Close()

	m := a.Migrations()
	printMigrations(out, m)
	if statusOnly || !m.NeedsMigrations() {
		return nil
	}
	if err := m.Migrate(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "archive is up to date")
	return nil
}

func printMigrations(w io.Writer, m *archive.MigrationManager) {
	for _, am := range m.Applied() {
		fmt.Fprintf(w, "applied  %03d %s\n", am.ID, am.Name)
	}
	for _, pm := range m.Pending() {
		fmt.Fprintf(w, "pending  %03d %s\n", pm.ID, pm.Name)
	}
}
