// Command procsupd runs the process supervisor standalone: it wires every
// core component together and either serves until signaled or runs a
// one-shot retention cleanup.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arrowops/procsupd/internal/config"
	"github.com/arrowops/procsupd/internal/errorsink"
	"github.com/arrowops/procsupd/internal/group"
	"github.com/arrowops/procsupd/internal/health"
	"github.com/arrowops/procsupd/internal/logger"
	"github.com/arrowops/procsupd/internal/logsink"
	"github.com/arrowops/procsupd/internal/metrics"
	"github.com/arrowops/procsupd/internal/model"
	"github.com/arrowops/procsupd/internal/store"
	"github.com/arrowops/procsupd/internal/supervisor"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "procsupd",
		Short: "Embedded process supervisor",
	}
	root.AddCommand(newServeCmd(), newCleanupCmd(), newGroupCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var metricsInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), metricsInterval)
		},
	}
	cmd.Flags().DurationVar(&metricsInterval, "metrics-interval", 10*time.Second, "resource sampling interval")
	return cmd
}

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete logs/metrics older than the retention window and resolved errors older than it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx := cmd.Context()
			st, err := store.Open(ctx, cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()
			return st.Cleanup(ctx, cfg.LogRetentionDays)
		},
	}
}

// newGroupCmd exposes the store-only slice of GroupOrchestrator (create, add,
// remove, delete, status) as one-shot subcommands. startGroup/stopGroup are
// deliberately not exposed here: they drive a live Supervisor's in-memory
// process handles, which only exist inside a running `serve` process — a
// separate CLI invocation has no handles to act on and no IPC channel to the
// running daemon (that control plane is the RPC adapter, out of scope here).
func newGroupCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "group",
		Short: "Manage group metadata and membership",
	}

	var description, startupOrder string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a named group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, closeFn, err := openOrchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			var order []string
			if startupOrder != "" {
				order = strings.Split(startupOrder, ",")
			}
			g, err := o.CreateGroup(cmd.Context(), args[0], description, order)
			if err != nil {
				return err
			}
			return printJSON(g)
		},
	}
	create.Flags().StringVar(&description, "description", "", "group description")
	create.Flags().StringVar(&startupOrder, "startup-order", "", "comma-separated process ids")

	add := &cobra.Command{
		Use:   "add <process-id> <group-id>",
		Short: "Assign a process to a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, closeFn, err := openOrchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			return o.AddToGroup(cmd.Context(), args[0], args[1])
		},
	}

	remove := &cobra.Command{
		Use:   "remove <process-id>",
		Short: "Clear a process's group assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, closeFn, err := openOrchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			return o.RemoveFromGroup(cmd.Context(), args[0])
		},
	}

	del := &cobra.Command{
		Use:   "delete <group-id>",
		Short: "Delete an empty group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, closeFn, err := openOrchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			return o.DeleteGroup(cmd.Context(), args[0])
		},
	}

	status := &cobra.Command{
		Use:   "status <group-id>",
		Short: "Show aggregate member status for a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, closeFn, err := openOrchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			st, err := o.GetGroupStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}

	root.AddCommand(create, add, remove, del, status)
	return root
}

// openOrchestrator opens the store and a Supervisor with no started
// processes, just to satisfy group.New's constructor. Of the Orchestrator
// methods the group subcommands call, only AddToGroup and RemoveFromGroup
// touch it, through UpdateGroupID, which is a no-op for ids this fresh
// Supervisor never started.
func openOrchestrator(ctx context.Context) (*group.Orchestrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	st, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	logs := logsink.New(st, time.Second)
	errs := errorsink.New(st)
	sup := supervisor.New(cfg, st, logs, errs, nil)
	o := group.New(sup, st)
	closeFn := func() {
		logs.Close()
		_ = st.Close()
	}
	return o, closeFn, nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

// runServe constructs every core component, reconciles on-disk state left
// over from a prior run, and blocks until SIGINT/SIGTERM.
func runServe(ctx context.Context, metricsInterval time.Duration) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level := logLevelToSlog(cfg.LogLevel)
	slog.SetDefault(slog.New(logger.NewColorTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	st, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	logs := logsink.New(st, time.Second)
	defer logs.Close()

	errs := errorsink.New(st)

	sup := supervisor.New(cfg, st, logs, errs, nil)
	if err := sup.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	prober := health.New(sup, cfg)
	sup.SetHealthRegistrar(prober)

	metricsCollector := metrics.New(st, sup)
	metricsCtx, cancelMetrics := context.WithCancel(ctx)
	metricsCollector.Start(metricsCtx, metricsInterval)

	slog.Info("procsupd serving", "database", cfg.DatabasePath, "max_processes", cfg.MaxProcesses)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	cancelMetrics()
	metricsCollector.Stop()
	prober.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown did not complete cleanly", "error", err)
	}
	return nil
}

func logLevelToSlog(level model.LogLevel) slog.Level {
	switch level {
	case model.LevelDebug:
		return slog.LevelDebug
	case model.LevelWarn:
		return slog.LevelWarn
	case model.LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
