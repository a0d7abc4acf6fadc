// Command housekeeperd runs the housekeeping and configuration-reload
// core: the background scheduler, the configuration reload engine, the
// admin HTTP surface, and the Sieve-script manager.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"housekeeperd/internal/adminapi"
	"housekeeperd/internal/corestate"
	"housekeeperd/internal/housekeeper"
	"housekeeperd/internal/logging"
	"housekeeperd/internal/reload"
	"housekeeperd/internal/sievecompile"
	"housekeeperd/internal/storekv"
)

var version = "dev"

func main() {
	// Base handler allows all levels; per-component filtering happens in
	// the ComponentFilterHandler.
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "housekeeperd",
		Short: "Housekeeping and configuration-reload core",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debugComponents, _ := cmd.Flags().GetStringSlice("debug")
			for _, component := range debugComponents {
				filterHandler.SetLevel(component, slog.LevelDebug)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().String("db", "housekeeperd.db", "path to the bbolt state database")
	rootCmd.PersistentFlags().StringSlice("debug", nil, "components to log at debug level (e.g. housekeeper,reload)")

	rootCmd.AddCommand(
		newServeCmd(logger),
		newReloadCmd(),
		newSieveCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run:   func(cmd *cobra.Command, args []string) { fmt.Println(version) },
		},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openStore(cmd *cobra.Command) (*storekv.Bolt, error) {
	dbPath, _ := cmd.Flags().GetString("db")
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return nil, err
	}
	return storekv.OpenBolt(abs)
}

func newServeCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, reload engine, and admin HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			watchPath, _ := cmd.Flags().GetString("watch")

			store, err := openStore(cmd)
			if err != nil {
				return fmt.Errorf("open state database: %w", err)
			}
			defer store.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, store, addr, watchPath)
		},
	}
	cmd.Flags().String("addr", ":8080", "admin HTTP listen address")
	cmd.Flags().String("watch", "", "path to a config file to watch for changes and auto-reload")
	return cmd
}

func run(ctx context.Context, logger *slog.Logger, store *storekv.Bolt, addr, watchPath string) error {
	core := corestate.NewCore(&corestate.Snapshot{})
	versions := &corestate.Versions{}
	events := make(chan housekeeper.Event, 16)

	engine := reload.New(reload.Config{
		Core:     core,
		Versions: versions,
		Store:    store,
		Logger:   logger,
		Events:   events,
	})

	if _, err := engine.Reload(ctx, false); err != nil {
		logger.Warn("initial reload did not produce a usable configuration", "error", err)
	}

	sched := housekeeper.NewScheduler(housekeeper.Config{
		Core:     core,
		Versions: versions,
		Logger:   logger,
		Events:   events,
		Reload:   engine.ReloadSnapshot,
	})
	sched.Bootstrap(ctx)

	var schedDone = make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(schedDone)
	}()

	if watchPath != "" {
		watcher := reload.NewWatcher(engine, logger)
		go func() {
			if err := watcher.Watch(ctx, watchPath); err != nil {
				logger.Error("config watcher stopped", "error", err)
			}
		}()
	}

	admin := adminapi.New(ctx, adminapi.Config{Engine: engine, Logger: logger})
	srv := &http.Server{Addr: addr, Handler: admin, ReadHeaderTimeout: 10 * time.Second}

	srvErr := make(chan error, 1)
	go func() {
		logger.Info("admin http surface listening", "addr", addr)
		srvErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("admin http server error", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin http shutdown error", "error", err)
	}

	select {
	case events <- housekeeper.Exit{}:
	default:
	}
	<-schedDone
	return nil
}

func newReloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Trigger a one-shot reload against the state database",
		RunE: func(cmd *cobra.Command, args []string) error {
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			core := corestate.NewCore(&corestate.Snapshot{})
			engine := reload.New(reload.Config{Core: core, Versions: &corestate.Versions{}, Store: store, Logger: logging.Discard()})

			report, err := engine.Reload(context.Background(), dryRun)
			if err != nil {
				return err
			}
			for _, w := range report.Config.Warnings {
				fmt.Println("warning:", w)
			}
			for _, e := range report.Config.Errors {
				fmt.Println("error:", e)
			}
			if !report.Config.OK() {
				return fmt.Errorf("reload produced %d error(s)", len(report.Config.Errors))
			}
			fmt.Println("reload ok")
			return nil
		},
	}
	cmd.Flags().Bool("dry-run", false, "validate without swapping the live configuration")
	return cmd
}

func newSieveCompiler() sievecompile.Compiler { return sievecompile.New() }
