package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/TFMV/drainage/config"
	"github.com/TFMV/drainage/display"
	"github.com/TFMV/drainage/logging"
)

// Version is set at build time.
var Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "drainage",
	Short: "Health analysis for Delta Lake and Apache Iceberg tables",
	Long: `Drainage audits lakehouse tables stored in object storage.

It reads the Delta transaction log or the Iceberg metadata tree, compares
the files the table references with the files actually stored, and reports
metrics, a health score and recommendations. Tables are never modified.`,
	Version:           Version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

type rootOptions struct {
	configPath string
	logLevel   string
	color      string
	verbose    bool
}

var rootOpts = &rootOptions{}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootOpts.configPath, "config", "", "path to a "+config.FileName+" file (default: search the working directory and its parents)")
	rootCmd.PersistentFlags().StringVar(&rootOpts.logLevel, "log-level", "", "log level: debug, info, warn, error (default from config)")
	rootCmd.PersistentFlags().StringVar(&rootOpts.color, "color", "", "color output: auto, always, never (default from config)")
	rootCmd.PersistentFlags().BoolVarP(&rootOpts.verbose, "verbose", "v", false, "verbose output (same as --log-level debug)")
}

// Execute runs the root command
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with ctx, printing a description of
// any error before returning it.
func ExecuteContext(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		display.New(rootCmd.OutOrStdout(), display.WithErrorWriter(rootCmd.ErrOrStderr())).
			Error("%s", describeError(err))
	}
	return err
}

// session is the per-invocation state shared by subcommands.
type session struct {
	cfg        *config.Config
	configPath string
	logger     zerolog.Logger
	display    *display.Display
}

type sessionKey struct{}

func sessionFrom(ctx context.Context) (*session, bool) {
	if ctx == nil {
		return nil, false
	}
	s, ok := ctx.Value(sessionKey{}).(*session)
	return s, ok
}

// setup loads configuration, applies global flags and builds the logger
// and display used by every subcommand.
func setup(cmd *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig(rootOpts.configPath)
	if err != nil {
		return err
	}

	if rootOpts.logLevel != "" {
		cfg.Logging.Level = rootOpts.logLevel
	}
	if rootOpts.verbose {
		cfg.Logging.Level = "debug"
	}
	if rootOpts.color != "" {
		cfg.Display.Color = rootOpts.color
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	mode, err := display.ParseColorMode(cfg.Display.Color)
	if err != nil {
		return err
	}
	useColor := mode == display.ColorAlways
	if mode == display.ColorAuto {
		useColor = terminalColor()
	}

	s := &session{
		cfg:        cfg,
		configPath: path,
		logger: logging.New(logging.Config{
			Level:  cfg.Logging.Level,
			Output: cmd.ErrOrStderr(),
			Pretty: cfg.Logging.Pretty,
		}),
		display: display.New(cmd.OutOrStdout(),
			display.WithErrorWriter(cmd.ErrOrStderr()),
			display.WithColor(useColor),
		),
	}
	if path != "" {
		s.logger.Debug().Str("path", path).Msg("using configuration")
	}

	ctx := context.WithValue(cmd.Context(), sessionKey{}, s)
	ctx = display.WithDisplay(ctx, s.display)
	cmd.SetContext(ctx)
	return nil
}

// loadConfig reads an explicit file, or the nearest .drainage.yml, or
// falls back to defaults when none exists.
func loadConfig(explicit string) (*config.Config, string, error) {
	if explicit != "" {
		cfg, err := config.ReadConfig(explicit)
		if err != nil {
			return nil, "", err
		}
		return cfg, explicit, nil
	}

	path, cfg, err := config.FindConfig()
	switch {
	case errors.Is(err, config.ErrNotFound):
		return config.Default(), "", nil
	case err != nil:
		return nil, "", err
	}
	return cfg, path, nil
}

// terminalColor is replaced in tests.
var terminalColor = func() bool {
	return display.DetectCapabilities(os.Stdout).SupportsColor
}
