package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load builds the run configuration.
//
// Order: defaults, then the YAML file at path (skipped when path is ""),
// then environment variables. A .env file in the working directory is loaded
// into the environment first; variables already set win over .env values.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		// Expand ${VAR} references so secrets can stay in the environment
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}

	if cfg.RunID == "" {
		cfg.RunID = strconv.FormatInt(time.Now().Unix(), 10)
	}

	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

// applyEnv overlays environment variables onto cfg.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}

	str(&cfg.RunID, "MAPPER_RUN_ID")
	str(&cfg.OutputDir, "MAPPER_OUTPUT_DIR")
	str(&cfg.Oracle.Provider, "MAPPER_ORACLE_PROVIDER")
	str(&cfg.Oracle.Model, "MAPPER_ORACLE_MODEL")
	str(&cfg.Oracle.BaseURL, "MAPPER_ORACLE_BASE_URL")
	str(&cfg.Source.Type, "MAPPER_SOURCE_TYPE")
	str(&cfg.Source.Path, "MAPPER_SOURCE_PATH")
	str(&cfg.Sheets.CredentialsFile, "MAPPER_SHEETS_CREDENTIALS", "GOOGLE_APPLICATION_CREDENTIALS")
	str(&cfg.Sheets.SpreadsheetID, "MAPPER_SPREADSHEET_ID")
	str(&cfg.Sheets.InputSheet, "MAPPER_INPUT_SHEET")
	str(&cfg.Sheets.OutputSheet, "MAPPER_OUTPUT_SHEET")
	str(&cfg.Logging.Level, "MAPPER_LOG_LEVEL")

	// Provider-specific key names are accepted as a fallback.
	switch cfg.Oracle.Provider {
	case ProviderGemini:
		str(&cfg.Oracle.APIKey, "MAPPER_ORACLE_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY")
	default:
		str(&cfg.Oracle.APIKey, "MAPPER_ORACLE_API_KEY", "ANTHROPIC_API_KEY")
	}

	if v, ok := lookup("MAPPER_ORACLE_TEMPERATURE"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid MAPPER_ORACLE_TEMPERATURE %q: %w", v, err)
		}
		cfg.Oracle.Temperature = f
	}
	if v, ok := lookup("MAPPER_WORKER_COUNT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MAPPER_WORKER_COUNT %q: %w", v, err)
		}
		cfg.Worker.WorkerCount = n
	}
	if v, ok := lookup("MAPPER_ORACLE_MAX_RETRIES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MAPPER_ORACLE_MAX_RETRIES %q: %w", v, err)
		}
		cfg.Oracle.MaxRetries = n
	}

	return nil
}
