package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/username/cryptotax/src/config"
	"github.com/username/cryptotax/src/exchanges"
)

func newTestConnectionCommand() *cobra.Command {
	var provider string

	cmd := &cobra.Command{
		Use:   "test-connection",
		Short: "Check exchange credentials with one read-only request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			provider = strings.ToLower(strings.TrimSpace(provider))
			creds := credentialsFromEnv(os.Getenv, provider)
			if creds.Empty() {
				return fmt.Errorf("no credentials for %s: set CRYPTOTAX_API_KEY and CRYPTOTAX_API_SECRET", provider)
			}

			adapter, err := exchanges.GetAdapter(provider, exchanges.OptionsFromConfig(config.Cfg, provider))
			if err != nil {
				return err
			}
			ok, err := adapter.TestConnection(cmd.Context(), creds)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: connected=%t\n", provider, ok)
			return nil
		},
	}

	cmd.Flags().StringVarP(&provider, "provider", "p", "", "Exchange to test (binance, coinbase, whitebit)")
	cmd.MarkFlagRequired("provider")
	return cmd
}

func newProvidersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List supported exchanges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, p := range exchanges.Providers() {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}
