// ============================================================================
// Phrase-Mapper CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and inspecting mapping batches
//
// Command Structure:
//   phrase-mapper                  # Root command
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   ├── run                        # Run one batch
//   ├── status                     # Print the resolved configuration (secrets redacted)
//   │   │                          # and the summary of the last run with that run_id
//   │   └── --run-id              # Run whose summary to show
//   ├── failed                     # List dropped jobs from a run journal
//   │   ├── --run-id              # Run whose journal to read
//   │   ├── --journal             # Explicit journal path
//   │   └── --csv                 # Also write the failed inputs as a re-runnable CSV
//   ├── --version
//   └── --help
//
// run Command:
//   1. Load config (defaults -> YAML -> .env -> environment) and validate it
//   2. Build the logger (stdout + optional log file) and make it the default
//   3. Start the metrics endpoint (if enabled)
//   4. Build source, oracle and mirror from the config
//   5. Run the controller until the batch finishes or SIGINT/SIGTERM arrives
//
//   Examples:
//     ./phrase-mapper run
//     ./phrase-mapper run -c configs/prod.yaml
//
// failed Command:
//   Reads <output_dir>/<run_id>-journal.jsonl and prints every job whose last
//   status is not succeeded. With --csv the inputs are written in the source
//   column layout so the failed objectives can be re-run with source.type=csv.
//
// Error Handling:
//   Any error returned from a command makes main exit with status 1.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/phrase-mapper/internal/config"
	"github.com/ChuLiYu/phrase-mapper/internal/controller"
	"github.com/ChuLiYu/phrase-mapper/internal/logging"
	"github.com/ChuLiYu/phrase-mapper/internal/metrics"
	"github.com/ChuLiYu/phrase-mapper/internal/oracle"
	"github.com/ChuLiYu/phrase-mapper/internal/sheets"
	"github.com/ChuLiYu/phrase-mapper/internal/snapshot"
	"github.com/ChuLiYu/phrase-mapper/internal/source"
	"github.com/ChuLiYu/phrase-mapper/internal/storage/journal"
	"github.com/ChuLiYu/phrase-mapper/internal/storage/sink"
	"github.com/ChuLiYu/phrase-mapper/pkg/types"
)

const defaultConfigPath = "configs/default.yaml"

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "phrase-mapper",
		Short: "Phrase-Mapper: map key phrases to substandards with an LLM",
		Long: `Phrase-Mapper reads learning objectives, asks an LLM to assign each key
phrase to a substandard, and collects the validated mappings into one CSV:
- bounded worker pool with per-job retry
- append-only output shared by all workers
- optional Google Sheets input and mirror
- run journal for re-running dropped jobs`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigPath, "config file path")

	rootCmd.AddCommand(buildRunCommand(&configFile))
	rootCmd.AddCommand(buildStatusCommand(&configFile))
	rootCmd.AddCommand(buildFailedCommand(&configFile))

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start one mapping batch",
		Long:  "Load every learning objective, map its key phrases and write the results",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			logger, closeLog, err := logging.Open(cfg.Logging.Level, cfg.Logging.File)
			if err != nil {
				return err
			}
			defer closeLog()
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runMapper(ctx, cfg, logger)
		},
	}
}

// runMapper wires every component from cfg and runs one batch.
func runMapper(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	start := time.Now()
	logger.Info("starting mapping run",
		slog.String("run_id", cfg.RunID),
		slog.String("provider", cfg.Oracle.Provider),
		slog.String("model", cfg.Oracle.Model),
		slog.String("source", cfg.Source.Type))

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	if cfg.Metrics.Enabled {
		srv, err := metrics.StartServer(cfg.Metrics.Port, reg, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var sheetsClient *sheets.Client
	if cfg.Source.Type == config.SourceSheets || cfg.MirrorEnabled() {
		var err error
		sheetsClient, err = sheets.New(ctx, cfg.Sheets.CredentialsFile, cfg.Sheets.SpreadsheetID, logger)
		if err != nil {
			return fmt.Errorf("%w: %w", controller.ErrFatalSetup, err)
		}
	}

	var src source.Source
	switch cfg.Source.Type {
	case config.SourceCSV:
		src = source.NewCSVSource(cfg.Source.Path)
	default:
		src = sheetsClient.Source(cfg.Sheets.InputSheet)
	}

	client, err := oracle.New(ctx, cfg.Oracle, logger)
	if err != nil {
		return fmt.Errorf("%w: %w", controller.ErrFatalSetup, err)
	}

	opts := []controller.Option{
		controller.WithLogger(logger),
		controller.WithMetrics(collector),
	}
	if cfg.MirrorEnabled() {
		opts = append(opts, controller.WithMirror(sheetsClient.Mirror(cfg.Sheets.OutputSheet)))
	}

	err = controller.New(cfg, src, client, opts...).Run(ctx)
	logger.Info("total execution time", slog.Duration("elapsed", time.Since(start)))
	return err
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(configFile *string) *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the resolved configuration status",
		Long: `Print the configuration a run would use, with secrets redacted, and any validation problems.
An empty run_id resolves to the current time, so pass --run-id to see an earlier run's summary.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if runID != "" {
				cfg.RunID = runID
			}
			return showStatus(cmd.OutOrStdout(), *configFile, cfg)
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "run id whose summary to show (overrides run_id)")

	return cmd
}

func showStatus(w io.Writer, configFile string, cfg config.Config) error {
	out, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	fmt.Fprintf(w, "# config file: %s\n", configFile)
	fmt.Fprintf(w, "# output:      %s\n", cfg.OutputPath())
	fmt.Fprintf(w, "# journal:     %s\n", cfg.JournalPath())
	fmt.Fprintf(w, "# mirror:      %s\n", strconv.FormatBool(cfg.MirrorEnabled()))
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(w, "# problems:\n")
		for _, line := range strings.Split(err.Error(), "\n") {
			fmt.Fprintf(w, "#   - %s\n", line)
		}
	} else {
		fmt.Fprintf(w, "# problems:    none\n")
	}
	if last, err := snapshot.NewManager(cfg.SummaryPath()).Load(); err == nil {
		fmt.Fprintf(w, "# last run:    finished %s, %d job(s), %d row(s) written, %d mirrored\n",
			last.FinishedAt.Format(time.RFC3339), last.Jobs, last.RowsWritten, last.Mirrored)
		for _, status := range []types.JobStatus{
			types.StatusSucceeded,
			types.StatusDroppedOracle,
			types.StatusDroppedValidation,
			types.StatusWriteFailed,
			types.StatusPending,
		} {
			if n := last.Statuses[status]; n > 0 {
				fmt.Fprintf(w, "#   %-20s %d\n", status, n)
			}
		}
	}
	_, err = w.Write(out)
	return err
}

// ============================================================================
// failed
// ============================================================================

func buildFailedCommand(configFile *string) *cobra.Command {
	var runID, journalPath, csvPath string

	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List jobs dropped by a run",
		Long:  "Read a run journal and list every job whose last status is not succeeded",
		RunE: func(cmd *cobra.Command, args []string) error {
			if journalPath == "" {
				if runID == "" {
					return errors.New("either --run-id or --journal is required")
				}
				cfg, err := config.Load(*configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				cfg.RunID = runID
				journalPath = cfg.JournalPath()
			}
			return listFailed(cmd.OutOrStdout(), journalPath, csvPath)
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "run id whose journal to read")
	cmd.Flags().StringVar(&journalPath, "journal", "", "explicit journal file path")
	cmd.Flags().StringVar(&csvPath, "csv", "", "write the failed inputs to this CSV for a re-run")

	return cmd
}

func listFailed(w io.Writer, journalPath, csvPath string) error {
	failed, err := journal.Failed(journalPath)
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROW\tOBJECTIVE\tSTATUS\tATTEMPTS\tERROR")
	for _, e := range failed {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", e.Row, e.ObjectiveID, e.Status, e.Attempts, e.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d failed job(s)\n", len(failed))

	if csvPath == "" || len(failed) == 0 {
		return nil
	}
	return writeRerunCSV(csvPath, failed)
}

// writeRerunCSV writes failed inputs in the source column layout.
func writeRerunCSV(path string, failed []journal.Event) error {
	out, err := sink.Open(path, []string{types.ColumnObjective, types.ColumnSubstandards, types.ColumnKeyPhrases}, nil)
	if err != nil {
		return fmt.Errorf("failed to open re-run file: %w", err)
	}
	defer out.Close()

	for _, e := range failed {
		if e.Job == nil {
			continue
		}
		subs, err := types.MarshalCompact(nonNil(e.Job.Substandards))
		if err != nil {
			return err
		}
		phrases, err := types.MarshalCompact(nonNil(e.Job.KeyPhrases))
		if err != nil {
			return err
		}
		if err := out.AppendRow([]string{e.Job.ObjectiveID, string(subs), string(phrases)}); err != nil {
			return fmt.Errorf("failed to write re-run file: %w", err)
		}
	}
	return out.Close()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
