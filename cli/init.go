package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/TFMV/drainage/config"
)

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Write a " + config.FileName + " configuration file",
	Long: `Initialize writes a ` + config.FileName + ` file with default analysis settings.

Commands run in the directory, or any directory below it, pick the file up
automatically. If no directory is specified, the current directory is used.

Examples:
  drainage init --storage s3 --region eu-west-1
  drainage init ./audits --storage filesystem --root-path /data/lake`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

type initOptions struct {
	name     string
	storage  string
	region   string
	endpoint string
	rootPath string
	force    bool
}

var initOpts = &initOptions{storage: "s3"}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(&initOpts.name, "name", "", "project name (default: directory name)")
	initCmd.Flags().StringVar(&initOpts.storage, "storage", "s3", "storage type (s3|filesystem)")
	initCmd.Flags().StringVar(&initOpts.region, "region", "", "storage region")
	initCmd.Flags().StringVar(&initOpts.endpoint, "endpoint", "", "S3 compatible endpoint")
	initCmd.Flags().StringVar(&initOpts.rootPath, "root-path", "", "root directory for filesystem storage")
	initCmd.Flags().BoolVar(&initOpts.force, "force", false, "overwrite an existing configuration file")
}

func runInit(cmd *cobra.Command, args []string) error {
	var out io.Writer = os.Stdout
	if cmd != nil {
		out = cmd.OutOrStdout()
	}

	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}

	absPath, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		if err := os.MkdirAll(absPath, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", absPath, err)
		}
		fmt.Fprintf(out, "Created directory: %s\n", absPath)
	}

	configPath := filepath.Join(absPath, config.FileName)
	if _, err := os.Stat(configPath); err == nil && !initOpts.force {
		return fmt.Errorf("directory already contains %s (use --force to overwrite)", config.FileName)
	}

	cfg := config.Default()
	cfg.Name = initOpts.name
	if cfg.Name == "" {
		cfg.Name = filepath.Base(absPath)
	}
	cfg.Storage.Type = initOpts.storage

	switch cfg.Storage.Type {
	case "s3":
		if initOpts.region != "" || initOpts.endpoint != "" {
			cfg.Storage.S3 = &config.S3Config{Region: initOpts.region, Endpoint: initOpts.endpoint}
		}
	case "filesystem":
		root := initOpts.rootPath
		if root == "" {
			root = absPath
		}
		root, err = filepath.Abs(root)
		if err != nil {
			return fmt.Errorf("failed to resolve root path: %w", err)
		}
		cfg.Storage.FileSystem = &config.FileSystemConfig{RootPath: root}
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.WriteConfig(configPath, cfg); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}

	fmt.Fprintf(out, "✅ Wrote %s\n", configPath)
	fmt.Fprintf(out, "   Storage: %s\n", cfg.Storage.Type)
	fmt.Fprintf(out, "\nNext steps:\n")
	fmt.Fprintf(out, "   drainage analyze <table-path>\n")

	return nil
}
