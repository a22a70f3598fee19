package main

import (
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/autoflow/internal/logging"
)

// cli carries state shared by every subcommand.
type cli struct {
	configPath string
	viper      *viper.Viper
	cfg        Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{viper: viper.New()}

	root := &cobra.Command{
		Use:           "autoflow",
		Short:         "CRM automation workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.viper.BindPFlag("log.level", cmd.Flags().Lookup("log-level")); err != nil {
				return err
			}
			if err := c.viper.BindPFlag("db_path", cmd.Flags().Lookup("db")); err != nil {
				return err
			}
			cfg, err := loadConfig(c.viper, c.configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
			slog.SetDefault(c.logger)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", "", "config file (default ./autoflow.yaml or ~/.autoflow/autoflow.yaml)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("db", "", "database path or libSQL URL")

	root.AddCommand(
		newServeCmd(c),
		newEmitCmd(c),
		newMigrateCmd(c),
		newImportCmd(c),
		newDiagramCmd(c),
		newVersionCmd(),
	)
	return root
}
