package commands

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/username/cryptotax/src/config"
	"github.com/username/cryptotax/src/logger"
)

// NewRootCommand builds the cryptotax command tree.
func NewRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cryptotax",
		Short: "Crypto exchange ingestion and FIFO capital gains reporting",
		Long: `cryptotax pulls trade, deposit and withdrawal history from Binance, Coinbase
and WhiteBit, values every record in the reporting currency and computes
realized gains with FIFO lot matching.`,
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				if err := os.Setenv("CONFIG_PATH", configPath); err != nil {
					return err
				}
			}
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			// stdout carries report output, so logs go to stderr.
			logger.InitLoggerTo(cmd.ErrOrStderr(), cfg.LogLevel)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (overrides CONFIG_PATH)")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newReportCommand())
	cmd.AddCommand(newTestConnectionCommand())
	cmd.AddCommand(newProvidersCommand())

	return cmd
}
