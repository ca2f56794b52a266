package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/johndauphine/crm-pg-loader/internal/config"
	"github.com/johndauphine/crm-pg-loader/internal/exitcodes"
	"github.com/johndauphine/crm-pg-loader/internal/loader"
	"github.com/johndauphine/crm-pg-loader/internal/logging"
	"github.com/johndauphine/crm-pg-loader/internal/orchestrator"
	"github.com/johndauphine/crm-pg-loader/internal/progress"
	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "crmload",
		Usage:   "Incremental CRM to PostgreSQL warehouse loader",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "state-file",
				Usage: "Use YAML state file instead of SQLite (for Airflow/headless)",
			},
			&cli.StringFlag{
				Name:  "run-id",
				Usage: "Explicit run ID (for Airflow, default: auto-generated)",
			},
			&cli.BoolFlag{
				Name:  "output-json",
				Usage: "Output JSON result to stdout on completion (logs go to stderr)",
			},
			&cli.StringFlag{
				Name:  "output-file",
				Usage: "Write JSON result to file on completion",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return err
			}
			logging.SetLevel(level)

			if c.String("log-format") == "json" {
				logging.SetFormat("json")
			}

			// Keep stdout clean for the JSON result
			if jsonRequested(c) {
				logging.SetOutput(os.Stderr)
			}

			return nil
		},
		Action: func(c *cli.Context) error {
			return cli.ShowAppHelp(c)
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Load entities from the CRM API into the warehouse",
				Action: runLoad,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "update",
						Usage: "Incremental load: only records modified since the last completed pass",
					},
					&cli.StringSliceFlag{
						Name:  "entity",
						Usage: "Restrict to an entity type plus its dependencies (repeatable)",
					},
					&cli.StringFlag{
						Name:  "id",
						Usage: "Load a single record by id (requires exactly one --entity)",
					},
					&cli.BoolFlag{
						Name:  "skip-reprocess",
						Usage: "Skip the error ledger sweep after loading",
					},
					&cli.StringFlag{
						Name:  "state-file",
						Usage: "Use YAML state file instead of SQLite (for Airflow/headless)",
					},
				},
			},
			{
				Name:   "reprocess",
				Usage:  "Sweep the error ledger, replaying entries whose missing references now exist",
				Action: runReprocess,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "entity",
						Usage: "Only replay ledger entries of this entity type",
					},
					&cli.StringFlag{
						Name:  "state-file",
						Usage: "Use YAML state file instead of SQLite (for Airflow/headless)",
					},
				},
			},
			{
				Name:   "status",
				Usage:  "Show checkpoints, last run, and unresolved error counts",
				Action: showStatus,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output status as JSON",
					},
					&cli.StringFlag{
						Name:  "state-file",
						Usage: "Use YAML state file instead of SQLite (for Airflow/headless)",
					},
				},
			},
			{
				Name:   "history",
				Usage:  "List past load runs, or view details of a specific run",
				Action: showHistory,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "run",
						Usage: "Show details for a specific run ID",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output history as JSON",
					},
					&cli.StringFlag{
						Name:  "state-file",
						Usage: "Use YAML state file instead of SQLite (for Airflow/headless)",
					},
				},
			},
			{
				Name:   "errors",
				Usage:  "Inspect and retry error ledger entries",
				Action: listErrors,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "entity",
						Usage: "Only show entries of this entity type",
					},
					&cli.BoolFlag{
						Name:  "all",
						Usage: "Include resolved entries",
					},
					&cli.StringFlag{
						Name:  "state-file",
						Usage: "Use YAML state file instead of SQLite (for Airflow/headless)",
					},
				},
				Subcommands: []*cli.Command{
					{
						Name:   "show",
						Usage:  "Dump one ledger entry with its stored payload",
						Action: showError,
						Flags: []cli.Flag{
							&cli.Int64Flag{
								Name:     "id",
								Required: true,
								Usage:    "Ledger entry ID",
							},
							&cli.StringFlag{
								Name:  "state-file",
								Usage: "Use YAML state file instead of SQLite (for Airflow/headless)",
							},
						},
					},
					{
						Name:   "retry",
						Usage:  "Replay one ledger entry regardless of its kind",
						Action: retryError,
						Flags: []cli.Flag{
							&cli.Int64Flag{
								Name:     "id",
								Required: true,
								Usage:    "Ledger entry ID",
							},
							&cli.StringFlag{
								Name:  "state-file",
								Usage: "Use YAML state file instead of SQLite (for Airflow/headless)",
							},
						},
					},
				},
			},
			{
				Name:  "checkpoint",
				Usage: "Manage per-entity checkpoints",
				Subcommands: []*cli.Command{
					{
						Name:   "reset",
						Usage:  "Clear an entity's checkpoint so the next run reloads it from scratch",
						Action: resetCheckpoint,
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "entity",
								Required: true,
								Usage:    "Entity type to reset",
							},
							&cli.StringFlag{
								Name:  "state-file",
								Usage: "Use YAML state file instead of SQLite (for Airflow/headless)",
							},
						},
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitcodes.FromError(err))
	}
}

func runLoad(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted. Saving checkpoint...")
		cancel()
	}()

	orch, err := orchestrator.New(ctx, cfg, orchestratorOptions(c))
	if err != nil {
		return err
	}
	defer orch.Close()

	// Single-record load
	if id := c.String("id"); id != "" {
		entityTypes := c.StringSlice("entity")
		if len(entityTypes) != 1 {
			return exitcodes.NewExitError(
				fmt.Errorf("--id requires exactly one --entity"), exitcodes.ConfigError)
		}
		outcome, err := orch.LoadOne(ctx, entityTypes[0], id)
		if err != nil {
			return err
		}
		if jsonRequested(c) {
			if err := outputJSON(c, outcome); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to output JSON: %v\n", err)
			}
		}
		return nil
	}

	opts := orchestrator.RunOptions{
		EntityTypes:   c.StringSlice("entity"),
		SkipReprocess: c.Bool("skip-reprocess"),
	}
	if c.Bool("update") {
		opts.Mode = loader.ModeIncremental
	}

	summary, runErr := orch.Run(ctx, opts)

	if summary != nil && jsonRequested(c) {
		if err := outputJSON(c, summary); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to output JSON: %v\n", err)
		}
	}

	if runErr != nil {
		return runErr
	}
	if summary.Unresolved > 0 {
		return exitcodes.NewExitError(
			fmt.Errorf("run %s completed with %d unresolved errors", summary.RunID, summary.Unresolved),
			exitcodes.UnresolvedErrors)
	}
	return nil
}

func runReprocess(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted. Saving checkpoint...")
		cancel()
	}()

	orch, err := orchestrator.New(ctx, cfg, orchestratorOptions(c))
	if err != nil {
		return err
	}
	defer orch.Close()

	result, err := orch.Reprocess(ctx, c.String("entity"))
	if err != nil {
		return err
	}
	if jsonRequested(c) {
		if err := outputJSON(c, result); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to output JSON: %v\n", err)
		}
	}
	return nil
}

func showStatus(c *cli.Context) error {
	orch, ctx, err := newOrchestrator(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	if c.Bool("json") {
		result, err := orch.Status(ctx)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling status: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	return orch.ShowStatus(ctx)
}

func showHistory(c *cli.Context) error {
	orch, _, err := newOrchestrator(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	if runID := c.String("run"); runID != "" {
		if c.Bool("json") {
			details, err := orch.RunDetails(runID)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(details, "", "  ")
			if err != nil {
				return fmt.Errorf("marshaling run details: %w", err)
			}
			fmt.Println(string(data))
			return nil
		}
		return orch.ShowRunDetails(runID)
	}

	if c.Bool("json") {
		runs, err := orch.History()
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling history: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	return orch.ShowHistory()
}

func listErrors(c *cli.Context) error {
	orch, _, err := newOrchestrator(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	return orch.ShowErrors(c.String("entity"), c.Bool("all"))
}

func showError(c *cli.Context) error {
	orch, _, err := newOrchestrator(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	return orch.ShowErrorDetail(c.Int64("id"))
}

func retryError(c *cli.Context) error {
	orch, ctx, err := newOrchestrator(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	id := c.Int64("id")
	if err := orch.RetryError(ctx, id); err != nil {
		return err
	}
	fmt.Printf("Resolved ledger entry %d\n", id)
	return nil
}

func resetCheckpoint(c *cli.Context) error {
	orch, _, err := newOrchestrator(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	entityType := c.String("entity")
	if err := orch.ResetCheckpoint(entityType); err != nil {
		return err
	}
	fmt.Printf("Reset %s checkpoint; the next run reloads it from scratch\n", entityType)
	return nil
}

// newOrchestrator loads config and builds an orchestrator for short-lived
// commands that need no signal handling.
func newOrchestrator(c *cli.Context) (*orchestrator.Orchestrator, context.Context, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}
	ctx := context.Background()
	orch, err := orchestrator.New(ctx, cfg, orchestratorOptions(c))
	if err != nil {
		return nil, nil, err
	}
	return orch, ctx, nil
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	configPath := c.String("config")
	if _, err := os.Stat(configPath); os.IsNotExist(err) && !c.IsSet("config") {
		return nil, exitcodes.NewExitError(
			fmt.Errorf("configuration file not found: %s", configPath), exitcodes.ConfigError)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, exitcodes.NewExitError(fmt.Errorf("loading config: %w", err), exitcodes.ConfigError)
	}
	return cfg, nil
}

func orchestratorOptions(c *cli.Context) orchestrator.Options {
	opts := orchestrator.Options{
		RunID:     c.String("run-id"),
		StateFile: getStateFile(c),
	}
	// Progress bars and JSON results don't mix; emit throttled
	// machine-readable progress lines on stderr instead.
	if jsonRequested(c) {
		opts.Reporter = progress.NewJSONReporter(os.Stderr, 5*time.Second)
		opts.NoProgress = true
	}
	return opts
}

func jsonRequested(c *cli.Context) bool {
	return c.Bool("output-json") || c.String("output-file") != ""
}

// getStateFile returns the state file path from the context.
// Checks both command-level and global flags.
func getStateFile(c *cli.Context) string {
	for _, ctx := range c.Lineage() {
		if ctx == nil {
			continue
		}
		if sf := ctx.String("state-file"); sf != "" {
			return sf
		}
	}
	return ""
}

// outputJSON writes the result as JSON to stdout and/or a file
func outputJSON(c *cli.Context, result any) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}

	if c.Bool("output-json") {
		fmt.Println(string(data))
	}

	if outputFile := c.String("output-file"); outputFile != "" {
		if err := os.WriteFile(outputFile, data, 0600); err != nil {
			return fmt.Errorf("writing output file: %w", err)
		}
	}

	return nil
}
