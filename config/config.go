package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/TFMV/drainage/analyzer"
	"github.com/TFMV/drainage/fs"
	"github.com/TFMV/drainage/lakehouse"
	"github.com/TFMV/drainage/metrics"
)

// FileName is the configuration file looked up by FindConfig.
const FileName = ".drainage.yml"

// ErrNotFound is returned by FindConfig when no file exists up to the root.
var ErrNotFound = errors.New("no " + FileName + " found in current directory or parents")

// Config represents the drainage configuration
type Config struct {
	Name     string         `yaml:"name"`
	Version  string         `yaml:"version,omitempty"`
	Storage  StorageConfig  `yaml:"storage"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Logging  LoggingConfig  `yaml:"logging"`
	Display  DisplayConfig  `yaml:"display"`
}

// StorageConfig holds storage-specific configuration
type StorageConfig struct {
	Type       string            `yaml:"type"`
	S3         *S3Config         `yaml:"s3,omitempty"`
	FileSystem *FileSystemConfig `yaml:"filesystem,omitempty"`
}

// S3Config holds S3-compatible storage configuration. It is also used for
// GCS through its S3 interoperability API.
type S3Config struct {
	Region          string `yaml:"region,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	SessionToken    string `yaml:"session_token,omitempty"`
	UseSSL          *bool  `yaml:"use_ssl,omitempty"`
	PathStyle       bool   `yaml:"path_style,omitempty"`
}

// FileSystemConfig holds local filesystem storage configuration
type FileSystemConfig struct {
	RootPath string `yaml:"root_path"`
}

// AnalysisConfig tunes how tables are read and scored.
type AnalysisConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	SmallFileBytes    int64         `yaml:"small_file_bytes,omitempty"`
	TargetFileBytes   int64         `yaml:"target_file_bytes,omitempty"`
}

// LoggingConfig controls the CLI logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// DisplayConfig controls report rendering.
type DisplayConfig struct {
	Format string `yaml:"format"` // table, text, json or markdown
	Color  string `yaml:"color"`  // auto, always or never
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	retry := fs.DefaultRetryPolicy()
	return &Config{
		Name:    "drainage",
		Version: "1",
		Storage: StorageConfig{Type: "s3"},
		Analysis: AnalysisConfig{
			Concurrency:       analyzer.DefaultConcurrency,
			RequestTimeout:    retry.Timeout,
			RetryAttempts:     retry.MaxAttempts,
			RetryInitialDelay: retry.InitialBackoff,
			RetryMaxDelay:     retry.MaxBackoff,
		},
		Logging: LoggingConfig{Level: "info", Pretty: true},
		Display: DisplayConfig{Format: "table", Color: "auto"},
	}
}

// Validate checks the configuration for values the analysis cannot use.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Type {
	case "", "s3", "filesystem":
	default:
		errs = append(errs, &lakehouse.ValidationError{Field: "storage.type", Message: "must be s3 or filesystem", Value: c.Storage.Type})
	}
	if s3 := c.Storage.S3; s3 != nil {
		if err := lakehouse.ValidateRegion(s3.Region); err != nil {
			errs = append(errs, err)
		}
		if (s3.AccessKeyID == "") != (s3.SecretAccessKey == "") {
			errs = append(errs, &lakehouse.ValidationError{Field: "storage.s3", Message: "access_key_id and secret_access_key must be given together"})
		}
	}
	if c.Storage.Type == "filesystem" && (c.Storage.FileSystem == nil || c.Storage.FileSystem.RootPath == "") {
		errs = append(errs, &lakehouse.ValidationError{Field: "storage.filesystem.root_path", Message: "required for filesystem storage"})
	}

	a := c.Analysis
	if a.Concurrency < 0 || a.RetryAttempts < 0 || a.RequestsPerSecond < 0 {
		errs = append(errs, &lakehouse.ValidationError{Field: "analysis", Message: "concurrency, retry_attempts and requests_per_second must not be negative"})
	}
	if a.RequestTimeout < 0 || a.RetryInitialDelay < 0 || a.RetryMaxDelay < 0 {
		errs = append(errs, &lakehouse.ValidationError{Field: "analysis", Message: "durations must not be negative"})
	}

	if c.Logging.Level != "" {
		if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
			errs = append(errs, &lakehouse.ValidationError{Field: "logging.level", Message: "unknown level", Value: c.Logging.Level})
		}
	}
	switch c.Display.Format {
	case "", "table", "text", "json", "markdown":
	default:
		errs = append(errs, &lakehouse.ValidationError{Field: "display.format", Message: "must be table, text, json or markdown", Value: c.Display.Format})
	}
	switch c.Display.Color {
	case "", "auto", "always", "never":
	default:
		errs = append(errs, &lakehouse.ValidationError{Field: "display.color", Message: "must be auto, always or never", Value: c.Display.Color})
	}
	return errors.Join(errs...)
}

// RetryPolicy converts the analysis settings into a storage retry policy.
func (c *Config) RetryPolicy() fs.RetryPolicy {
	return fs.RetryPolicy{
		MaxAttempts:       c.Analysis.RetryAttempts,
		InitialBackoff:    c.Analysis.RetryInitialDelay,
		MaxBackoff:        c.Analysis.RetryMaxDelay,
		Timeout:           c.Analysis.RequestTimeout,
		RequestsPerSecond: c.Analysis.RequestsPerSecond,
	}
}

// EngineConfig returns metric thresholds. Unset values keep the defaults.
func (c *Config) EngineConfig() metrics.Config {
	return metrics.Config{
		SmallFileThreshold: c.Analysis.SmallFileBytes,
		TargetFileSize:     c.Analysis.TargetFileBytes,
	}
}

// AnalyzerOptions translates the configuration into analyzer options.
func (c *Config) AnalyzerOptions() []analyzer.Option {
	opts := []analyzer.Option{
		analyzer.WithConcurrency(c.Analysis.Concurrency),
		analyzer.WithRetryPolicy(c.RetryPolicy()),
		analyzer.WithEngineConfig(c.EngineConfig()),
	}
	if s3 := c.Storage.S3; s3 != nil {
		opts = append(opts,
			analyzer.WithRegion(s3.Region),
			analyzer.WithPathStyle(s3.PathStyle),
		)
		if s3.AccessKeyID != "" {
			opts = append(opts,
				analyzer.WithCredentials(s3.AccessKeyID, s3.SecretAccessKey),
				analyzer.WithSessionToken(s3.SessionToken),
			)
		}
		if endpoint := s3.endpointURL(); endpoint != "" {
			opts = append(opts, analyzer.WithEndpoint(endpoint))
		}
	}
	return opts
}

func (s *S3Config) endpointURL() string {
	if s.Endpoint == "" || strings.Contains(s.Endpoint, "://") || s.UseSSL == nil {
		return s.Endpoint
	}
	if *s.UseSSL {
		return "https://" + s.Endpoint
	}
	return "http://" + s.Endpoint
}

// WriteConfig writes a configuration to a YAML file
func WriteConfig(path string, cfg *Config) error {
	return WriteConfigFs(afero.NewOsFs(), path, cfg)
}

// WriteConfigFs writes a configuration to a YAML file on fsys.
func WriteConfigFs(fsys afero.Fs, path string, cfg *Config) error {
	if cfg.Version == "" {
		cfg.Version = "1"
	}

	file, err := fsys.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := yaml.NewEncoder(file)
	encoder.SetIndent(2)
	defer encoder.Close()

	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// ReadConfig reads a configuration from a YAML file. Keys missing from the
// file keep their default values.
func ReadConfig(path string) (*Config, error) {
	return ReadConfigFs(afero.NewOsFs(), path)
}

// ReadConfigFs reads a configuration from a YAML file on fsys.
func ReadConfigFs(fsys afero.Fs, path string) (*Config, error) {
	file, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	cfg := Default()
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	return cfg, nil
}

// FindConfig searches for a .drainage.yml file in the current directory or parents
func FindConfig() (string, *Config, error) {
	currentDir, err := os.Getwd()
	if err != nil {
		return "", nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	return FindConfigFrom(afero.NewOsFs(), currentDir)
}

// FindConfigFrom searches fsys for .drainage.yml starting at dir.
func FindConfigFrom(fsys afero.Fs, dir string) (string, *Config, error) {
	configPath, err := findConfigFile(fsys, dir)
	if err != nil {
		return "", nil, err
	}

	cfg, err := ReadConfigFs(fsys, configPath)
	if err != nil {
		return "", nil, err
	}

	return configPath, cfg, nil
}

// findConfigFile searches for .drainage.yml starting from the given directory
func findConfigFile(fsys afero.Fs, startDir string) (string, error) {
	currentDir := filepath.Clean(startDir)

	for {
		configPath := filepath.Join(currentDir, FileName)
		if _, err := fsys.Stat(configPath); err == nil {
			return configPath, nil
		}

		parentDir := filepath.Dir(currentDir)
		if parentDir == currentDir {
			break
		}
		currentDir = parentDir
	}

	return "", ErrNotFound
}
