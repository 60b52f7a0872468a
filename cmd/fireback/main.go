// fireback is a backup and restore sidecar for a personal finance stack:
// it snapshots the database and uploads volumes into portable archives,
// persists them locally and to S3-compatible storage, applies retention,
// and can rebuild a fresh deployment from the newest archive.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fireflyops/fireback/internal/backup"
	"github.com/fireflyops/fireback/internal/config"
	"github.com/fireflyops/fireback/internal/health"
	"github.com/fireflyops/fireback/internal/restore"
	"github.com/fireflyops/fireback/internal/runlock"
	"github.com/fireflyops/fireback/internal/scheduler"
	"github.com/fireflyops/fireback/internal/storage"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

const (
	exitOK      = 0
	exitFatal   = 1
	exitWarning = 2
)

var (
	cfgFile string
	debug   bool
)

func main() {
	os.Exit(run())
}

func run() int {
	exitCode := exitOK

	rootCmd := &cobra.Command{
		Use:           "fireback",
		Short:         "Backup and restore sidecar for Firefly III deployments",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "/etc/fireback/config.yaml", "path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(
		backupCmd(&exitCode),
		restoreCmd(&exitCode),
		bootstrapCmd(&exitCode),
		listCmd(),
		healthCmd(&exitCode),
		daemonCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if exitCode == exitOK {
			exitCode = exitFatal
		}
	}
	return exitCode
}

func setupLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()
}

func loadApp(ctx context.Context) (*app, error) {
	logger := setupLogger()
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return buildApp(ctx, cfg, logger)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// signalContext returns a context cancelled on SIGINT/SIGTERM. The first
// signal requests a graceful wind-down between steps; in-flight steps run to
// completion.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func backupCmd(exitCode *int) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Run one backup now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.backup.RunOnce(ctx)
			if err != nil {
				if errors.Is(err, runlock.ErrBusy) {
					return fmt.Errorf("another run is in progress: %w", err)
				}
				return err
			}
			printJSON(result)
			if len(result.Warnings) > 0 {
				*exitCode = exitWarning
			}
			return nil
		},
	}
}

func restoreCmd(exitCode *int) *cobra.Command {
	var volumesOnly bool
	cmd := &cobra.Command{
		Use:   "restore <archive-name|latest>",
		Short: "Restore an archive, replacing the live volumes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			mode := restore.ModeFull
			if volumesOnly {
				mode = restore.ModeVolumesOnly
			}
			result, err := a.restore.Run(ctx, args[0], mode)
			if err != nil {
				if errors.Is(err, restore.ErrNoBackupAvailable) {
					return fmt.Errorf("no matching archive in any configured location")
				}
				return err
			}
			printJSON(result)
			if len(result.Warnings) > 0 {
				*exitCode = exitWarning
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&volumesOnly, "volumes-only", false, "replace volumes only, leaving service stop/start to an external orchestrator")
	return cmd
}

func bootstrapCmd(exitCode *int) *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Seed a fresh deployment from the newest archive if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.bootstrap().Run(ctx)
			if err != nil {
				return err
			}
			if result == nil {
				fmt.Println("bootstrap: nothing to do")
				return nil
			}
			printJSON(result)
			if len(result.Warnings) > 0 {
				*exitCode = exitWarning
			}
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archives or run history",
	}

	var remote bool
	backups := &cobra.Command{
		Use:   "backups",
		Short: "List stored archives, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			var objects []storage.Object
			if remote {
				if a.remote == nil {
					return fmt.Errorf("no remote store configured")
				}
				objects, err = a.remote.List(ctx)
			} else {
				objects, err = a.local.List()
			}
			if err != nil {
				return err
			}
			printJSON(objects)
			return nil
		},
	}
	backups.Flags().BoolVar(&remote, "remote", false, "list the remote store instead of the local directory")

	var limit int
	runs := &cobra.Command{
		Use:   "runs",
		Short: "List recorded backup and restore runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			entries, err := a.hist.List(ctx, limit)
			if err != nil {
				return err
			}
			printJSON(entries)
			return nil
		},
	}
	runs.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to show")

	cmd.AddCommand(backups, runs)
	return cmd
}

func healthCmd(exitCode *int) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check remote reachability and local disk headroom",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			result := a.health.Check(ctx)
			printJSON(result)
			if result.Status != health.StatusHealthy {
				*exitCode = exitWarning
			}
			return nil
		},
	}
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the scheduling loop until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			sched := scheduler.New(scheduler.Config{
				BackupCron:    a.cfg.Schedule.BackupCron,
				RetentionCron: a.cfg.Schedule.RetentionCron,
				HealthCron:    a.cfg.Schedule.HealthCron,
			}, scheduler.Jobs{
				Backup: func(ctx context.Context) error {
					_, err := a.backup.RunOnce(ctx)
					var fatal *backup.FatalError
					if errors.As(err, &fatal) {
						a.logger.Error().Err(fatal).Msg("scheduled backup failed")
						return nil // keep the loop alive, the failure is recorded
					}
					return err
				},
				RetentionSweep: func(ctx context.Context) error {
					_, err := a.backup.SweepRetention(ctx)
					return err
				},
				HealthCheck: func(ctx context.Context) error {
					a.health.Check(ctx)
					return nil
				},
			}, a.logger)

			if err := sched.Start(ctx); err != nil {
				return err
			}
			defer sched.Stop()

			if a.cfg.MetricsAddr != "" {
				go serveMetrics(a, a.cfg.MetricsAddr)
			}

			a.logger.Info().Str("version", Version).Msg("daemon running")
			<-ctx.Done()
			a.logger.Info().Msg("shutting down")
			return nil
		},
	}
}

func serveMetrics(a *app, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		result := a.health.Check(r.Context())
		if result.Status != health.StatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(result)
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Error().Err(err).Msg("metrics server stopped")
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fireback %s\n  commit: %s\n  built:  %s\n", Version, Commit, BuildDate)
		},
	}
}
