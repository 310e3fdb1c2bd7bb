package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
	"github.com/username/cryptotax/src/models"
	"gopkg.in/yaml.v3"
)

const (
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatText = "text"
)

// writeReport renders result in the requested format.
func writeReport(w io.Writer, result *models.TaxCalculationResult, format string) error {
	switch format {
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	case FormatYAML:
		return writeYAML(w, result)
	case FormatText:
		return writeText(w, result)
	default:
		return fmt.Errorf("unknown format %q (want json, yaml or text)", format)
	}
}

// writeYAML goes through the JSON encoding so decimals and field names match the API.
func writeYAML(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return err
	}
	blockStyle(&node)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return err
	}
	return enc.Close()
}

// blockStyle clears the flow and quoting styles the JSON input carries. String
// scalars that would read back as another type, such as decimal amounts, stay quoted.
func blockStyle(n *yaml.Node) {
	if n.Kind != yaml.ScalarNode || n.Tag != "!!str" || readsAsString(n.Value) {
		n.Style = 0
	}
	for _, c := range n.Content {
		blockStyle(c)
	}
}

func readsAsString(v string) bool {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(v), &doc); err != nil || len(doc.Content) != 1 {
		return false
	}
	c := doc.Content[0]
	return c.Kind == yaml.ScalarNode && c.Tag == "!!str" && c.Value == v
}

func writeText(w io.Writer, r *models.TaxCalculationResult) error {
	cur := r.ReportingCurrency
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "Fiscal year %d (%s)\n", r.FiscalYear, cur)
	fmt.Fprintf(tw, "Transactions in year:\t%d\n\n", r.TransactionsInYear)

	fmt.Fprintln(tw, "DISPOSED\tASSET\tQUANTITY\tACQUIRED\tDAYS\tCOST/UNIT\tPROCEEDS/UNIT\tGAIN\t")
	for _, ev := range r.CapitalGainEvents {
		mark := ""
		if ev.PriceEstimated {
			mark = " *"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s%s\t\n",
			ev.DisposalDate.Format("2006-01-02"), ev.Asset, ev.Quantity.String(),
			ev.AcquisitionDate.Format("2006-01-02"), ev.HoldingPeriodDays,
			formatMoney(ev.UnitCost, cur), formatMoney(ev.UnitProceeds, cur), formatMoney(ev.Gain, cur), mark)
	}

	s := r.Summary
	fmt.Fprintln(tw)
	fmt.Fprintf(tw, "Total gains:\t%s\n", formatMoney(s.TotalGains, cur))
	fmt.Fprintf(tw, "Total losses:\t%s\n", formatMoney(s.TotalLosses, cur))
	fmt.Fprintf(tw, "Net result:\t%s\n", formatMoney(s.NetResult, cur))
	fmt.Fprintf(tw, "Fees:\t%s\n", formatMoney(s.TotalFees, cur))
	fmt.Fprintf(tw, "Short-term net:\t%s\n", formatMoney(s.ShortTermNet, cur))
	fmt.Fprintf(tw, "Long-term net:\t%s\n", formatMoney(s.LongTermNet, cur))

	if len(r.Holdings) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "HOLDING\tQUANTITY\tAVG COST\tTOTAL COST\t")
		for _, h := range r.Holdings {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t\n", h.Asset, h.Quantity.String(), formatMoney(h.AverageCost, cur), formatMoney(h.TotalCost, cur))
		}
	}

	if len(r.Warnings) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "WARNING: disposals exceeding recorded holdings")
		for _, u := range r.Warnings {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t\n", u.Date.Format("2006-01-02"), u.Asset, u.Quantity.String(), u.TransactionID)
		}
	}
	return tw.Flush()
}

// formatMoney renders amount with the currency's symbol and minor units.
func formatMoney(amount decimal.Decimal, currency string) string {
	cur := money.GetCurrency(currency)
	if cur == nil {
		return amount.StringFixed(2) + " " + currency
	}
	factor := decimal.New(1, int32(cur.Fraction))
	minor := amount.Mul(factor).Round(0)
	return money.New(minor.IntPart(), currency).Display()
}
