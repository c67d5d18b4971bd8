package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/csvmerge/internal/core"
)

// LoadOptions holds options for the load command.
type LoadOptions struct {
	Fields     []string
	Delimiter  string
	Header     bool
	NoReplace  bool
	RequireKey bool
	JSON       bool
}

func newLoadCmd() *cobra.Command {
	opts := &LoadOptions{}

	cmd := &cobra.Command{
		Use:   "load TABLE FILE",
		Short: "Load a delimited file into a table",
		Long: `Load FILE into TABLE, updating rows that match on the table's unique
constraints and inserting the rest.

FILE is a local path or an s3://, gs:// or az:// URI. Files ending in .gz or
.zst are decompressed. Loads that fail on a serialization conflict are
retried with exponential backoff (LOAD_RETRY_ATTEMPTS, LOAD_RETRY_BACKOFF).`,
		Example: `  # Load a headerless comma separated file
  csvmerge load public.stock stock.csv --fields isbn,price,stock

  # Pipe delimited with a header, keep existing rows on conflict
  csvmerge load stock s3://imports/stock.psv.gz --delimiter '|' --header --no-replace`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(cmd, args[0], args[1], opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Fields, "fields", nil, "destination columns in file order (default: all columns)")
	cmd.Flags().StringVarP(&opts.Delimiter, "delimiter", "d", "", "field separator (default: LOAD_DELIMITER)")
	cmd.Flags().BoolVar(&opts.Header, "header", false, "skip the first line")
	cmd.Flags().BoolVar(&opts.NoReplace, "no-replace", false, "leave existing rows unchanged when keys match")
	cmd.Flags().BoolVar(&opts.RequireKey, "require-key", false, "fail instead of inserting only when no key is found")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print the result as JSON")

	return cmd
}

func runLoad(cmd *cobra.Command, table, file string, opts *LoadOptions) error {
	cfg, err := getConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	req := a.service.NewRequest(table, file)
	opts.apply(cmd, &req)

	res, err := loadWithRetry(ctx, a.service.Load, req, cfg.Load.RetryAttempts, cfg.Load.RetryBackoff)
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), res, opts.JSON)
}

// apply copies flags the user set onto req, leaving config defaults in place
// for the rest.
func (o *LoadOptions) apply(cmd *cobra.Command, req *core.Request) {
	flags := cmd.Flags()
	if len(o.Fields) > 0 {
		req.Fields = o.Fields
	}
	if flags.Changed("delimiter") {
		req.Delimiter = o.Delimiter
	}
	if flags.Changed("header") {
		req.HasHeader = o.Header
	}
	if flags.Changed("no-replace") {
		req.ReplaceDuplicates = !o.NoReplace
	}
	if flags.Changed("require-key") {
		req.RequireKey = o.RequireKey
	}
}

type loadFunc func(ctx context.Context, req core.Request) (*core.Result, error)

// loadWithRetry runs load, retrying only failures core.IsRetryable accepts.
// attempts is the number of retries after the first try.
func loadWithRetry(ctx context.Context, load loadFunc, req core.Request, attempts int, base time.Duration) (*core.Result, error) {
	if attempts < 0 {
		attempts = 0
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	backoff := retry.WithMaxRetries(uint64(attempts), retry.NewExponential(base))

	var res *core.Result
	try := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		try++
		r, err := load(ctx, req)
		if err != nil {
			if core.IsRetryable(err) {
				slog.Warn("load failed, retrying", "table", req.Table, "attempt", try, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func printResult(w io.Writer, res *core.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	key := "(none, insert only)"
	if len(res.Key) > 0 {
		key = strings.Join(res.Key, ", ")
	}
	_, _ = fmt.Fprintf(w, "Loaded %s in %s\n", res.Table, res.Duration.Round(time.Millisecond))
	_, _ = fmt.Fprintf(w, "  key:      %s\n", key)
	_, _ = fmt.Fprintf(w, "  staged:   %d\n", res.RowsStaged)
	_, _ = fmt.Fprintf(w, "  updated:  %d\n", res.RowsUpdated)
	_, _ = fmt.Fprintf(w, "  inserted: %d\n", res.RowsInserted)
	if res.Checksum != "" {
		_, _ = fmt.Fprintf(w, "  checksum: %s\n", res.Checksum)
	}
	for _, warn := range res.Warnings {
		_, _ = fmt.Fprintf(w, "  warning:  %s\n", warn)
	}
	return nil
}
