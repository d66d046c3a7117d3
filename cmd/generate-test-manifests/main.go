// Command generate-test-manifests writes sample Delta and Iceberg tables to
// a directory. The tables carry the conditions the analyzer reports on:
// small files, removed files still in storage, orphans, schema changes and
// deletion vectors.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/TFMV/drainage/metrics"
)

func main() {
	opts := defaultOptions()

	cmd := &cobra.Command{
		Use:   "generate-test-manifests",
		Short: "Write sample lakehouse tables for local analysis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tables, err := generate(afero.NewOsFs(), opts)
			if err != nil {
				return err
			}
			for _, t := range tables {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", t.format, t.location)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.outDir, "out", opts.outDir, "output directory")
	cmd.Flags().StringSliceVar(&opts.formats, "format", opts.formats, "formats to generate: delta, iceberg")
	cmd.Flags().IntVar(&opts.files, "files", opts.files, "data files per table")
	cmd.Flags().Float64Var(&opts.smallRatio, "small-ratio", opts.smallRatio, "fraction of data files below 16 MiB")
	cmd.Flags().Int64Var(&opts.seed, "seed", opts.seed, "random seed for file sizes")
	cmd.Flags().StringVar(&opts.start, "start", opts.start, "date of the first commit (YYYY-MM-DD, default 30 days ago)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultOptions() *options {
	return &options{
		outDir:     "testdata/tables",
		formats:    []string{"delta", "iceberg"},
		files:      24,
		smallRatio: 0.6,
		seed:       42,
		unit:       metrics.MiB,
	}
}

func (o *options) startTime() (time.Time, error) {
	if o.start == "" {
		return time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -30), nil
	}
	t, err := time.Parse(time.DateOnly, o.start)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --start %q: %w", o.start, err)
	}
	return t, nil
}
