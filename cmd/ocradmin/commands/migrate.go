package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ocr-gateway/ocr-gateway/internal/db"
)

func newMigrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply (default) or roll back the key and usage schema",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}
			return opts.withStore(func(s *store) error {
				driver := s.cfg.Database.Driver
				if err := db.RunMigrations(s.db, driver, direction); err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				version, dirty, err := db.GetMigrationVersion(s.db, driver)
				if err != nil {
					return err
				}
				success(cmd.OutOrStdout(), "Migrations applied (%s); schema version %d (dirty: %v)", direction, version, dirty)
				return nil
			})
		},
	}
}
