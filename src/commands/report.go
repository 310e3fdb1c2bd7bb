package commands

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/username/cryptotax/src/config"
	"github.com/username/cryptotax/src/models"
	"github.com/username/cryptotax/src/services"
)

func newReportCommand() *cobra.Command {
	var (
		providers []string
		year      int
		format    string
		output    string
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Fetch exchange history and print the capital gains report for a fiscal year",
		Long: `Fetch exchange history and print the capital gains report for a fiscal year.

Credentials are read from the environment, per provider first and then shared:
  CRYPTOTAX_<PROVIDER>_API_KEY / CRYPTOTAX_API_KEY
  CRYPTOTAX_<PROVIDER>_API_SECRET / CRYPTOTAX_API_SECRET
  CRYPTOTAX_<PROVIDER>_PASSPHRASE / CRYPTOTAX_PASSPHRASE`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := services.ReportRequest{FiscalYear: year}
			for _, p := range providers {
				p = strings.ToLower(strings.TrimSpace(p))
				req.Accounts = append(req.Accounts, services.AccountRequest{
					Provider:    p,
					Credentials: credentialsFromEnv(os.Getenv, p),
				})
			}
			if err := req.Validate(); err != nil {
				return err
			}

			a, err := newApp(config.Cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			progress := func(ev services.ProgressEvent) {
				printProgress(cmd.ErrOrStderr(), ev)
			}
			result, err := a.taxService.GenerateReport(cmd.Context(), req, progress)
			if err != nil {
				return fmt.Errorf("report failed (%s): %w", services.ErrorCode(err), err)
			}

			out := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			return writeReport(out, result, format)
		},
	}

	cmd.Flags().StringSliceVarP(&providers, "provider", "p", nil, "Exchange to include (binance, coinbase, whitebit); repeatable")
	cmd.Flags().IntVarP(&year, "year", "y", time.Now().UTC().Year()-1, "Fiscal year (UTC calendar year)")
	cmd.Flags().StringVarP(&format, "format", "f", FormatText, "Output format: text, json or yaml")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the report to a file instead of stdout")
	cmd.MarkFlagRequired("provider")

	return cmd
}

// credentialsFromEnv reads provider-scoped variables, falling back to the shared ones.
func credentialsFromEnv(getenv func(string) string, provider string) models.Credentials {
	prefix := "CRYPTOTAX_" + strings.ToUpper(provider) + "_"
	read := func(name string) string {
		if v := getenv(prefix + name); v != "" {
			return v
		}
		return getenv("CRYPTOTAX_" + name)
	}
	return models.Credentials{
		APIKey:     read("API_KEY"),
		APISecret:  read("API_SECRET"),
		Passphrase: read("PASSPHRASE"),
	}
}

func printProgress(w io.Writer, ev services.ProgressEvent) {
	line := fmt.Sprintf("[%3d%%] %s", ev.Percent, ev.Stage)
	if ev.Provider != "" {
		line += " " + ev.Provider
	}
	if ev.Message != "" {
		line += ": " + ev.Message
	}
	fmt.Fprintln(w, line)
}
