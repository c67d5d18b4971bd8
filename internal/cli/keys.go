package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/csvmerge/internal/core"
)

func newKeysCmd() *cobra.Command {
	var (
		fields []string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "keys TABLE",
		Short: "Show the unique constraints and reconciliation key of a table",
		Long: `List the unique constraints of TABLE and the key a load of --fields would
match rows on. A constraint counts only when every one of its columns is
among the loaded fields. Nothing is changed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.service.Keys(cmd.Context(), args[0], fields)
			if err != nil {
				return err
			}
			return printKeys(cmd.OutOrStdout(), report, asJSON)
		},
	}

	cmd.Flags().StringSliceVar(&fields, "fields", nil, "fields the file would carry (default: all columns)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")

	return cmd
}

func printKeys(w io.Writer, report *core.KeyReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	_, _ = fmt.Fprintf(w, "Table:  %s\n", report.Table)
	_, _ = fmt.Fprintf(w, "Fields: %s\n\n", strings.Join(report.Fields, ", "))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "CONSTRAINT\tCOLUMNS\tPRIMARY")
	for _, c := range report.Constraints {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%t\n", c.Name, strings.Join(c.Columns, ", "), c.Primary)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(report.Key) == 0 {
		_, _ = fmt.Fprintln(w, "\nKey: none (loads insert only)")
		return nil
	}
	_, _ = fmt.Fprintf(w, "\nKey: %s\n", strings.Join(report.Key, ", "))
	return nil
}
