package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TFMV/drainage/analyzer"
)

var detectCmd = &cobra.Command{
	Use:   "detect <table-path>...",
	Short: "Print the format of each table",
	Long: `Detect checks each table root for a Delta transaction log or Iceberg
metadata and prints the format found. Paths containing both are reported
as ambiguous.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDetect,
}

var detectOpts = &analyzeOptions{}

func init() {
	rootCmd.AddCommand(detectCmd)
	addStorageFlags(detectCmd, detectOpts)
}

func runDetect(cmd *cobra.Command, args []string) error {
	s, ok := sessionFrom(cmd.Context())
	if !ok {
		return fmt.Errorf("command was not initialized")
	}
	applyFlags(s.cfg, detectOpts)
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	opts := append(s.cfg.AnalyzerOptions(), analyzer.WithLogger(s.logger))

	for _, arg := range args {
		path, err := resolvePath(s.cfg, arg)
		if err != nil {
			return err
		}
		format, err := analyzer.Detect(cmd.Context(), path, opts...)
		if err != nil {
			return fmt.Errorf("failed to detect %s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", path, format)
	}
	return nil
}
