package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Oracle providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// Record source types.
const (
	SourceSheets = "sheets"
	SourceCSV    = "csv"
)

// Config is the whole run configuration. It is built once at start-up and
// handed to every component; nothing reads configuration from globals.
type Config struct {
	RunID     string        `yaml:"run_id"`
	OutputDir string        `yaml:"output_dir"`
	Oracle    OracleConfig  `yaml:"oracle"`
	Worker    WorkerConfig  `yaml:"worker"`
	Source    SourceConfig  `yaml:"source"`
	Sheets    SheetsConfig  `yaml:"sheets"`
	Logging   LoggingConfig `yaml:"logging"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// OracleConfig holds settings for the classification oracle.
type OracleConfig struct {
	Provider    string        `yaml:"provider"` // anthropic, gemini
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	MaxRetries  int           `yaml:"max_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	Timeout     time.Duration `yaml:"timeout"`
	BaseURL     string        `yaml:"base_url"`
}

// WorkerConfig holds worker pool settings.
type WorkerConfig struct {
	WorkerCount       int `yaml:"worker_count"`
	MaxTasksPerWorker int `yaml:"max_tasks_per_worker"` // 0 = never recycle
}

// SourceConfig selects where records are read from.
type SourceConfig struct {
	Type string `yaml:"type"` // sheets, csv
	Path string `yaml:"path"` // csv only
}

// SheetsConfig holds Google Sheets settings used for input and mirroring.
type SheetsConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	SpreadsheetID   string `yaml:"spreadsheet_id"`
	InputSheet      string `yaml:"input_sheet"`
	OutputSheet     string `yaml:"output_sheet"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	File  string `yaml:"file"`  // optional second sink, "" = stdout only
}

// MetricsConfig controls the Prometheus endpoint exposed while a run is active.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		OutputDir: "outputs",
		Oracle: OracleConfig{
			Provider:    ProviderAnthropic,
			Model:       "claude-3-5-sonnet-20241022",
			Temperature: 0,
			MaxTokens:   8000,
			MaxRetries:  5,
			RetryDelay:  2 * time.Second,
			Timeout:     5 * time.Minute,
		},
		Worker: WorkerConfig{
			WorkerCount:       7,
			MaxTasksPerWorker: 5,
		},
		Source: SourceConfig{Type: SourceSheets},
		Sheets: SheetsConfig{
			InputSheet:  "Inputs",
			OutputSheet: "Outputs",
		},
		Logging: LoggingConfig{Level: "info", File: "key_phrase_mapper.log"},
		Metrics: MetricsConfig{Port: 9090},
	}
}

// OutputPath is where the mapping CSV for this run is written.
func (c Config) OutputPath() string {
	return filepath.Join(c.OutputDir, c.RunID+"-mapping-output.csv")
}

// JournalPath is where the run journal for this run is written.
func (c Config) JournalPath() string {
	return filepath.Join(c.OutputDir, c.RunID+"-journal.jsonl")
}

// SummaryPath is where the end-of-run summary for this run is written.
func (c Config) SummaryPath() string {
	return filepath.Join(c.OutputDir, c.RunID+"-summary.json")
}

// MirrorEnabled reports whether results should be copied to the output sheet.
func (c Config) MirrorEnabled() bool {
	return c.Sheets.SpreadsheetID != "" && c.Sheets.OutputSheet != ""
}

// Validate reports configuration that would make a run fail immediately.
func (c Config) Validate() error {
	var errs []error

	if c.RunID == "" {
		errs = append(errs, errors.New("run_id is empty"))
	}
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output_dir is empty"))
	}

	switch c.Oracle.Provider {
	case ProviderAnthropic, ProviderGemini:
	default:
		errs = append(errs, fmt.Errorf("unknown oracle provider %q", c.Oracle.Provider))
	}
	if c.Oracle.APIKey == "" {
		errs = append(errs, errors.New("oracle api_key is not set"))
	}
	if c.Oracle.Model == "" {
		errs = append(errs, errors.New("oracle model is not set"))
	}
	if c.Oracle.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("oracle max_retries must be >= 1, got %d", c.Oracle.MaxRetries))
	}
	if c.Worker.WorkerCount < 1 {
		errs = append(errs, fmt.Errorf("worker_count must be >= 1, got %d", c.Worker.WorkerCount))
	}

	switch c.Source.Type {
	case SourceSheets:
		if c.Sheets.SpreadsheetID == "" || c.Sheets.InputSheet == "" {
			errs = append(errs, errors.New("sheets source needs spreadsheet_id and input_sheet"))
		}
	case SourceCSV:
		if c.Source.Path == "" {
			errs = append(errs, errors.New("csv source needs a path"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source type %q", c.Source.Type))
	}

	if (c.Source.Type == SourceSheets || c.MirrorEnabled()) && c.Sheets.CredentialsFile == "" {
		errs = append(errs, errors.New("sheets credentials_file is not set"))
	}

	return errors.Join(errs...)
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.Oracle.APIKey != "" {
		c.Oracle.APIKey = "****"
	}
	return c
}
