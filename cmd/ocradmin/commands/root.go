package commands

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ocr-gateway/ocr-gateway/internal/config"
	"github.com/ocr-gateway/ocr-gateway/internal/db"
	"github.com/ocr-gateway/ocr-gateway/internal/db/repositories"
)

// store bundles the database handle and repositories a command works against.
type store struct {
	cfg   *config.Config
	db    *sql.DB
	keys  *repositories.APIKeyRepository
	usage *repositories.UsageLogRepository
}

func (s *store) Close() error {
	return s.db.Close()
}

// openStore connects to the database named by the gateway configuration.
// Tests replace it to point commands at a mock.
var openStore = func(cfgPath string) (*store, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	database, err := db.Connect(cfg.Database.Driver, cfg.Database.GetDSN(),
		cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &store{
		cfg:   cfg,
		db:    database,
		keys:  repositories.NewAPIKeyRepository(database),
		usage: repositories.NewUsageLogRepository(database),
	}, nil
}

// options holds the persistent flags shared by every subcommand.
type options struct {
	cfgFile string
	noColor bool
}

// withStore opens the store for the duration of fn.
func (o *options) withStore(fn func(s *store) error) error {
	path := o.cfgFile
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	s, err := openStore(path)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "ocradmin",
		Short: "Manage OCR gateway API keys and usage records",
		Long: `ocradmin operates on the gateway's key and usage store. It reads the
same configuration file and OCR_ environment variables as the server, so it
can run next to a live deployment.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.noColor {
				color.NoColor = true
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.cfgFile, "config", "c", "", "config file path (default: $CONFIG_PATH or ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(newKeysCmd(opts))
	rootCmd.AddCommand(newUsageCmd(opts))
	rootCmd.AddCommand(newMigrateCmd(opts))

	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}
