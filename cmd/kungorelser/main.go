// Command kungorelser discovers official announcements in Post- och
// Inrikes Tidningar: it serves the HTTP/MCP API with the scheduler, and
// runs one-off searches, runs and watch-list edits from the shell.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/isakskogstad/LoopDesk-sub005/kungorelser"
	"github.com/isakskogstad/LoopDesk-sub005/observability"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath string
	envFile    string
	jsonOut    bool

	cfg      *kungorelser.Config
	logger   *slog.Logger
	closeLog func() error
	svc      *kungorelser.Service
)

var rootCmd = &cobra.Command{
	Use:   "kungorelser",
	Short: "Discover gazette announcements about watched companies",
	Long: `kungorelser scrapes Post- och Inrikes Tidningar for announcements
(bankruptcies, liquidations, registrations) about companies, stores them and
serves them over HTTP and MCP.

Configuration comes from --config (YAML), then the environment (.env is
loaded when present).`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}
		return setup(cmd.Context())
	},
	PersistentPostRunE: func(*cobra.Command, []string) error {
		return teardown()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print JSON instead of tables")

	rootCmd.AddCommand(serveCmd, tickCmd)
	addCommands(rootCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		teardown()
		os.Exit(1)
	}
}

func setup(ctx context.Context) error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg = &kungorelser.Config{}
	if configPath != "" {
		c, err := kungorelser.LoadConfigFile(configPath)
		if err != nil {
			return err
		}
		cfg = c
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}

	var err error
	logger, closeLog, err = observability.SetupLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	svc, err = kungorelser.New(ctx, cfg, logger)
	return err
}

func teardown() error {
	var errs []error
	if svc != nil {
		errs = append(errs, svc.Close())
		svc = nil
	}
	if closeLog != nil {
		errs = append(errs, closeLog())
		closeLog = nil
	}
	return errors.Join(errs...)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP and MCP API and run the scheduler",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		svc.Start(ctx)

		srv := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           svc.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		errc := make(chan error, 1)
		go func() {
			logger.Info("server starting", "addr", cfg.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
			close(errc)
		}()

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
		logger.Info("server stopped")
		return nil
	},
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Recover a stale run and start a scheduled run when one is due",
	Long: `tick is the cron entry point for hosts without a resident server: it
starts the scheduled run if due and waits for it to finish.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		started, err := svc.Tick(cmd.Context())
		if err != nil {
			return err
		}
		if !started {
			fmt.Println("no run due")
			return nil
		}
		return svc.Wait(cmd.Context())
	},
}
