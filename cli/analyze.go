package cli

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/TFMV/drainage/analyzer"
	"github.com/TFMV/drainage/config"
	"github.com/TFMV/drainage/display"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <table-path>...",
	Short: "Analyze the health of one or more tables",
	Long: `Analyze reads table metadata and the storage listing of each table and
prints a health report.

Paths are table roots: s3://bucket/prefix, s3a://..., gs://..., or
file:///absolute/path. A path without a scheme is resolved against
storage.filesystem.root_path, or the working directory.

Examples:
  # Detect the format and print a report
  drainage analyze s3://lake/warehouse/events

  # Force the format and emit JSON
  drainage analyze s3://lake/warehouse/orders --type iceberg --format json

  # Fail in CI when a table scores below 0.7
  drainage analyze ./tables/events --fail-below 0.7`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAnalyze,
}

type analyzeOptions struct {
	tableType    string
	format       string
	region       string
	endpoint     string
	accessKey    string
	secretKey    string
	sessionToken string
	pathStyle    bool
	concurrency  int
	timeout      time.Duration
	failBelow    float64
}

var analyzeOpts = &analyzeOptions{}

func init() {
	rootCmd.AddCommand(analyzeCmd)

	analyzeCmd.Flags().StringVar(&analyzeOpts.tableType, "type", "", "table format: delta or iceberg (default: detect)")
	analyzeCmd.Flags().StringVar(&analyzeOpts.format, "format", "", "output format: table, text, json, markdown (default from config)")
	addStorageFlags(analyzeCmd, analyzeOpts)
	analyzeCmd.Flags().IntVar(&analyzeOpts.concurrency, "concurrency", 0, "parallel metadata fetches per table (default from config)")
	analyzeCmd.Flags().DurationVar(&analyzeOpts.timeout, "timeout", 0, "per-request storage timeout (default from config)")
	analyzeCmd.Flags().Float64Var(&analyzeOpts.failBelow, "fail-below", 0, "exit with status 2 when a health score is below this value")
}

func addStorageFlags(cmd *cobra.Command, o *analyzeOptions) {
	cmd.Flags().StringVar(&o.region, "region", "", "storage region")
	cmd.Flags().StringVar(&o.endpoint, "endpoint", "", "S3 compatible endpoint, host:port or URL")
	cmd.Flags().StringVar(&o.accessKey, "access-key", "", "access key id")
	cmd.Flags().StringVar(&o.secretKey, "secret-key", "", "secret access key")
	cmd.Flags().StringVar(&o.sessionToken, "session-token", "", "session token for temporary credentials")
	cmd.Flags().BoolVar(&o.pathStyle, "path-style", false, "use path style bucket addressing")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	s, ok := sessionFrom(cmd.Context())
	if !ok {
		return fmt.Errorf("command was not initialized")
	}
	applyFlags(s.cfg, analyzeOpts)
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	format, err := display.ParseFormat(s.cfg.Display.Format)
	if err != nil {
		return err
	}
	opts := append(s.cfg.AnalyzerOptions(), analyzer.WithLogger(s.logger))

	var unhealthy []string
	for _, arg := range args {
		path, err := resolvePath(s.cfg, arg)
		if err != nil {
			return err
		}

		r, err := analyzer.AnalyzeTable(cmd.Context(), path, analyzeOpts.tableType, opts...)
		if err != nil {
			return fmt.Errorf("failed to analyze %s: %w", path, err)
		}
		if err := s.display.Report(r, format); err != nil {
			return err
		}
		if analyzeOpts.failBelow > 0 && r.HealthScore < analyzeOpts.failBelow {
			unhealthy = append(unhealthy, fmt.Sprintf("%s (%.2f)", r.TablePath, r.HealthScore))
		}
	}

	if len(unhealthy) > 0 {
		return fmt.Errorf("%w %.2f: %s", ErrUnhealthy, analyzeOpts.failBelow, strings.Join(unhealthy, ", "))
	}
	return nil
}

// applyFlags overrides configuration values with flags that were set.
func applyFlags(cfg *config.Config, o *analyzeOptions) {
	if o.format != "" {
		cfg.Display.Format = o.format
	}
	if o.concurrency > 0 {
		cfg.Analysis.Concurrency = o.concurrency
	}
	if o.timeout > 0 {
		cfg.Analysis.RequestTimeout = o.timeout
	}

	if o.region == "" && o.endpoint == "" && o.accessKey == "" && o.secretKey == "" && o.sessionToken == "" && !o.pathStyle {
		return
	}
	if cfg.Storage.S3 == nil {
		cfg.Storage.S3 = &config.S3Config{}
	}
	s3 := cfg.Storage.S3
	if o.region != "" {
		s3.Region = o.region
	}
	if o.endpoint != "" {
		s3.Endpoint = o.endpoint
	}
	if o.accessKey != "" {
		s3.AccessKeyID = o.accessKey
	}
	if o.secretKey != "" {
		s3.SecretAccessKey = o.secretKey
	}
	if o.sessionToken != "" {
		s3.SessionToken = o.sessionToken
	}
	if o.pathStyle {
		s3.PathStyle = true
	}
}

// resolvePath turns a scheme-less argument into a file:// location.
func resolvePath(cfg *config.Config, arg string) (string, error) {
	if strings.Contains(arg, "://") {
		return arg, nil
	}

	p := arg
	if !filepath.IsAbs(p) && cfg.Storage.Type == "filesystem" && cfg.Storage.FileSystem != nil {
		p = filepath.Join(cfg.Storage.FileSystem.RootPath, p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", arg, err)
	}
	return "file://" + filepath.ToSlash(abs), nil
}
