package cli

import (
	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/config"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/logging"
)

// rootOptions carries the loaded configuration to subcommands.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg config.Config
}

// NewRootCmd creates the root tapedeck command.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{cfg: config.Default()}

	root := &cobra.Command{
		Use:   "tapedeck",
		Short: "Record, replay and crawl the web offline",
		Long: `Tapedeck sits between a browsing surface and the network. It records
every request and response into a local archive, replays them later without
a connection, and crawls sites at a bounded page rate.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (YAML or JSON)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "log format (text, json)")

	root.AddCommand(
		newServeCmd(opts),
		newCrawlCmd(opts),
		newFetchCmd(opts),
		newSearchCmd(opts),
		newMigrateCmd(opts),
		newConfigCmd(),
	)

	return root
}

// load reads the config file and environment, lets explicit flags win and
// installs the logger.
func (o *rootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}
	if _, err := logging.Setup(cfg.Log); err != nil {
		return err
	}
	o.cfg = cfg
	return nil
}
