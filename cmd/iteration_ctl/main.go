package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eval-hub/iteration-hub/internal/abstractions"
	"github.com/eval-hub/iteration-hub/internal/adapters"
	"github.com/eval-hub/iteration-hub/internal/config"
	"github.com/eval-hub/iteration-hub/internal/logging"
	"github.com/eval-hub/iteration-hub/internal/pipeline"
	"github.com/eval-hub/iteration-hub/internal/seed"
	"github.com/eval-hub/iteration-hub/internal/storage"
	"github.com/eval-hub/iteration-hub/internal/validation"
	"github.com/eval-hub/iteration-hub/pkg/api"
)

var (
	// Version can be set during the compilation
	Version string = "0.0.1"
	// Build is set during the compilation
	Build string
	// BuildDate is set during the compilation
	BuildDate string
)

var rootCmd = &cobra.Command{
	Use:   "iteration-ctl",
	Short: "Iteration hub CLI",
	Long: `iteration-ctl seeds experiments and runs prompt iterations against the configured storage.
- seed: store an experiment, its first prompt version and the project catalogue from a YAML file.
- run: execute one iteration in process and wait until it is ready for review.
- show: print an iteration with its model runs.
- budget: print the spend of an experiment.
- accept: turn a refinement suggestion into the next prompt version.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ITERATION_CTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("config-dir", "", "directory holding config.yaml")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level")
	_ = viper.BindPFlag("config-dir", rootCmd.PersistentFlags().Lookup("config-dir"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(budgetCmd())
	rootCmd.AddCommand(acceptCmd())
}

// env is what every command needs from the service configuration.
type env struct {
	conf    *config.Config
	storage abstractions.Storage
	logger  *slog.Logger
}

func withEnv(ctx context.Context, fn func(context.Context, *env) error) error {
	logger, logShutdown, err := logging.NewLogger(viper.GetString("log-level"))
	if err != nil {
		return err
	}
	defer func() {
		_ = logShutdown()
	}()
	var dirs []string
	if dir := viper.GetString("config-dir"); dir != "" {
		dirs = append(dirs, dir)
	}
	conf, err := config.LoadConfig(logger, Version, Build, BuildDate, dirs...)
	if err != nil {
		return err
	}
	store, err := storage.NewStorage(conf.Database, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, &env{conf: conf, storage: store.WithContext(ctx), logger: logger})
}

func seedCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Store an experiment from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
				validate, err := validation.NewValidator()
				if err != nil {
					return err
				}
				file, err := seed.Parse(ctx, data, validate, e.logger)
				if err != nil {
					return err
				}
				result, err := seed.Apply(e.storage, file)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(result)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Kind", "Name", "ID"})
				tw.AppendRow(table.Row{"project", "", result.ProjectID})
				tw.AppendRow(table.Row{"experiment", file.Experiment.Name, result.ExperimentID})
				tw.AppendRow(table.Row{"prompt version", "1", result.PromptVersionID})
				appendNamed(tw, "model config", result.ModelConfigIDs)
				appendNamed(tw, "judge", result.JudgeConfigIDs)
				appendNamed(tw, "dataset", result.DatasetIDs)
				tw.AppendFooter(table.Row{"cases", "", result.Cases})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "seed file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runCmd() *cobra.Command {
	var experimentID, promptVersionID string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one iteration and wait for it to settle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
				validate, err := validation.NewValidator()
				if err != nil {
					return err
				}
				// a single process, the lease table is not needed
				e.conf.Orchestrator.Locker = pipeline.LockerMemory
				engine := pipeline.New(e.conf, e.storage, adapters.NewProvider(e.conf.Providers, e.logger), validate, e.logger)
				engineCtx, stop := context.WithCancel(ctx)
				defer stop()
				engine.Start(engineCtx)
				defer engine.Stop()

				iterationID, err := engine.Orchestrator.StartIteration(ctx, experimentID, promptVersionID)
				if err != nil {
					return err
				}
				engine.Wait()
				return printIteration(e.storage, iterationID)
			})
		},
	}
	cmd.Flags().StringVar(&experimentID, "experiment", "", "experiment id")
	cmd.Flags().StringVar(&promptVersionID, "prompt-version", "", "prompt version id")
	_ = cmd.MarkFlagRequired("experiment")
	_ = cmd.MarkFlagRequired("prompt-version")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <iteration-id>",
		Short: "Show an iteration and its model runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
				return printIteration(e.storage, args[0])
			})
		},
	}
}

func budgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "budget <experiment-id>",
		Short: "Show the spend of an experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
				validate, err := validation.NewValidator()
				if err != nil {
					return err
				}
				engine := pipeline.New(e.conf, e.storage, adapters.NewProvider(e.conf.Providers, e.logger), validate, e.logger)
				status, err := engine.Budget.GetBudgetStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(status)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"", "Used", "Limit", "Share"})
				tw.AppendRow(table.Row{"cost (USD)", fmt.Sprintf("%.4f", status.TotalCost), optional(status.MaxBudgetUSD, "%.4f"), optional(status.PercentBudgetUsed, "%.0f%%", 100)})
				tw.AppendRow(table.Row{"tokens", status.TotalTokens, optional(status.MaxTotalTokens, "%d"), optional(status.PercentTokenUsed, "%.0f%%", 100)})
				tw.Render()
				return nil
			})
		},
	}
}

func acceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <suggestion-id>",
		Short: "Store the prompt of a refinement suggestion as the next prompt version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
				suggestion, err := e.storage.GetRefinementSuggestion(args[0])
				if err != nil {
					return err
				}
				source, err := e.storage.GetPromptVersion(suggestion.PromptVersionID)
				if err != nil {
					return err
				}
				next := &api.PromptVersion{
					ExperimentID: source.ExperimentID,
					Version:      source.Version + 1,
					Text:         suggestion.ResultingPrompt,
				}
				if err := e.storage.CreatePromptVersion(next); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(next)
				}
				fmt.Printf("prompt version %d stored as %s\n", next.Version, next.ID)
				return nil
			})
		},
	}
}

func printIteration(store abstractions.Storage, iterationID string) error {
	iteration, err := store.GetIteration(iterationID)
	if err != nil {
		return err
	}
	runs, err := store.GetModelRuns(iterationID)
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(struct {
			Iteration *api.Iteration `json:"iteration"`
			Runs      []api.ModelRun `json:"runs"`
		}{iteration, runs})
	}

	summary := table.NewWriter()
	summary.SetOutputMirror(os.Stdout)
	summary.AppendRow(table.Row{"Iteration", fmt.Sprintf("%s (#%d)", iteration.ID, iteration.Number)})
	summary.AppendRow(table.Row{"Status", iteration.Status})
	summary.AppendRow(table.Row{"Composite score", optional(iteration.Metrics.CompositeScore, "%.3f")})
	summary.AppendRow(table.Row{"Tokens", iteration.TotalTokens})
	summary.AppendRow(table.Row{"Cost (USD)", fmt.Sprintf("%.4f", iteration.TotalCost)})
	if iteration.Metrics.StopReason != nil {
		summary.AppendRow(table.Row{"Stop reason", *iteration.Metrics.StopReason})
	}
	if iteration.Metrics.LatestSuggestionID != nil {
		summary.AppendRow(table.Row{"Suggestion", *iteration.Metrics.LatestSuggestionID})
	}
	summary.Render()

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Run", "Model config", "Dataset", "Status", "Tokens", "Cost", "Error"})
	for _, run := range runs {
		tw.AppendRow(table.Row{run.ID, run.ModelConfigID, run.DatasetID, run.Status, run.TokensUsed, fmt.Sprintf("%.4f", run.Cost), run.Error})
	}
	tw.Render()
	return nil
}

func appendNamed(tw table.Writer, kind string, ids map[string]string) {
	names := make([]string, 0, len(ids))
	for name := range ids {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		tw.AppendRow(table.Row{kind, name, ids[name]})
	}
}

// optional formats an optional number, scale multiplies floats before formatting.
func optional[T int64 | float64](v *T, format string, scale ...float64) string {
	if v == nil {
		return "-"
	}
	if f, ok := any(*v).(float64); ok && len(scale) > 0 {
		return fmt.Sprintf(format, f*scale[0])
	}
	return fmt.Sprintf(format, *v)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
