package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gradual/internal/config"
	"gradual/internal/engine"
	"gradual/internal/logger"
	"gradual/internal/metrics"
	"gradual/internal/progress"
	"gradual/internal/work"
	"gradual/internal/work/builtin"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "gradual",
	Short: "Resumable batch execution engine for large relational maintenance work",
	Long: `gradual breaks large data and schema maintenance work into small,
resumable slices executed over time under an operator-controlled budget.
Enqueue work, then run the scheduler daemon; pause, cancel and retry at
any time without losing progress.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("database", "./gradual.db", "engine database file")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug/info/warn/error)")
	rootCmd.PersistentFlags().String("shard", "", "only schedule migrations for this shard")

	runCmd.Flags().String("metrics-addr", ":9200", "metrics listen address")
	runCmd.Flags().String("scheduler-name", "default", "scheduler lock scope")
	runCmd.Flags().Int("max-concurrency", 4, "maximum concurrently running migrations")
	runCmd.Flags().Int("tick-interval-ms", 2000, "scheduler tick interval in milliseconds")
	runCmd.Flags().Int("max-slice-duration-ms", 300000, "worst-case slice duration before a migration counts as stuck")
	runCmd.Flags().Int64("batch-size", 1000, "slice width in keys/items")
	runCmd.Flags().Int("max-attempts", 5, "default attempt budget per migration")
	runCmd.Flags().Int("pace-ms", 100, "default delay between slices in milliseconds")

	enqueueCmd.Flags().String("args", "{}", "descriptor arguments as JSON")
	enqueueCmd.Flags().String("target-shard", "", "shard tag for the migration")
	enqueueCmd.Flags().StringSlice("fan-out", nil, "fan work out into one child per shard")
	enqueueCmd.Flags().Int("max-attempts", 0, "attempt budget (0 = configured default)")
	enqueueCmd.Flags().Int("pace-ms", 0, "delay between slices in milliseconds (0 = configured default)")

	rootCmd.AddCommand(runCmd, enqueueCmd, listCmd, showCmd,
		pauseCmd, resumeCmd, cancelCmd, retryCmd)
}

// setup loads config, builds the logger and assembles an engine with
// the built-in descriptors registered.
func setup(cmd *cobra.Command, opts ...engine.Option) (*engine.Engine, *config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	registry := work.NewRegistry()
	if err := builtin.Register(registry); err != nil {
		return nil, nil, nil, err
	}
	eng, err := engine.New(cfg, registry, log, opts...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create engine: %w", err)
	}
	return eng, cfg, log, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		collector := metrics.New()
		eng, cfg, log, err := setup(cmd, engine.WithCollector(collector))
		if err != nil {
			return err
		}
		defer log.Sync()
		defer eng.Close()

		go func() {
			if err := collector.StartServer(cfg.MetricsAddr); err != nil {
				log.Error("Failed to start metrics server", zap.Error(err))
			}
		}()

		ctx, cancel := context.WithCancel(context.Background())
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigChan
			log.Info("Received shutdown signal, gracefully stopping...")
			cancel()
		}()

		return eng.Loop(ctx)
	},
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue NAME",
	Short: "Enqueue a migration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()
		defer eng.Close()

		rawArgs, _ := cmd.Flags().GetString("args")
		shard, _ := cmd.Flags().GetString("target-shard")
		shards, _ := cmd.Flags().GetStringSlice("fan-out")
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
		paceMs, _ := cmd.Flags().GetInt("pace-ms")

		m, err := eng.Enqueue(cmd.Context(), engine.EnqueueRequest{
			Name:        args[0],
			Args:        json.RawMessage(rawArgs),
			Shard:       shard,
			Shards:      shards,
			MaxAttempts: maxAttempts,
			Pace:        time.Duration(paceMs) * time.Millisecond,
		})
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\t%s\n", m.ID, m.Name, m.Status)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List migrations in creation order",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()
		defer eng.Close()

		ms, err := eng.List(cmd.Context())
		if err != nil {
			return err
		}
		for _, m := range ms {
			fmt.Printf("%s\t%-12s\t%s\tshard=%s\t%d%%\tattempts=%d/%d\n",
				m.ID, m.Status, m.Name, m.Shard,
				m.ProgressPercent(), m.Attempts, m.MaxAttempts)
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show one migration with progress and slice history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()
		defer eng.Close()

		ctx := cmd.Context()
		m, err := eng.Get(ctx, args[0])
		if err != nil {
			return err
		}
		snap := progress.Compute(m, time.Now())

		fmt.Printf("id:        %s\n", m.ID)
		fmt.Printf("name:      %s\n", m.Name)
		fmt.Printf("status:    %s\n", m.Status)
		if m.Shard != "" {
			fmt.Printf("shard:     %s\n", m.Shard)
		}
		fmt.Printf("cursor:    %s\n", m.Cursor)
		if snap.Known {
			fmt.Printf("progress:  %d%% (%d/%d)\n", snap.Percent, snap.Processed, snap.Total)
		} else {
			fmt.Printf("progress:  %d items (total unknown)\n", snap.Processed)
		}
		fmt.Printf("rate:      %s\n", progress.FormatRate(snap.Rate))
		if snap.ETA > 0 {
			fmt.Printf("eta:       %s\n", progress.FormatDuration(snap.ETA))
		}
		fmt.Printf("attempts:  %d/%d\n", m.Attempts, m.MaxAttempts)
		if m.ErrorMessage != "" {
			fmt.Printf("error:     [%s] %s\n", m.ErrorKind, m.ErrorMessage)
		}

		slices, err := eng.Slices(ctx, m.ID)
		if err != nil {
			return err
		}
		if len(slices) > 0 {
			fmt.Println("slices:")
			for _, s := range slices {
				fmt.Printf("  [%d, %d]\t%s\tattempts=%d\n", s.Low, s.High, s.Status, s.Attempts)
			}
		}
		return nil
	},
}

func operatorCmd(use, short string, action func(*engine.Engine, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, _, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer log.Sync()
			defer eng.Close()
			return action(eng, cmd.Context(), args[0])
		},
	}
}

var pauseCmd = operatorCmd("pause ID", "Request a cooperative pause",
	func(e *engine.Engine, ctx context.Context, id string) error { return e.Pause(ctx, id) })

var resumeCmd = operatorCmd("resume ID", "Return a paused migration to the runnable pool",
	func(e *engine.Engine, ctx context.Context, id string) error { return e.Resume(ctx, id) })

var cancelCmd = operatorCmd("cancel ID", "Request a cooperative cancel",
	func(e *engine.Engine, ctx context.Context, id string) error { return e.Cancel(ctx, id) })

var retryCmd = operatorCmd("retry ID", "Retry a failed migration from its last cursor",
	func(e *engine.Engine, ctx context.Context, id string) error { return e.Retry(ctx, id) })

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
