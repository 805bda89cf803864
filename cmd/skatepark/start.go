package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fentz26/skatepark/internal/audit"
	"github.com/fentz26/skatepark/internal/builder"
	"github.com/fentz26/skatepark/internal/config"
	"github.com/fentz26/skatepark/internal/connectors/localexec"
	"github.com/fentz26/skatepark/internal/controlplane"
	"github.com/fentz26/skatepark/internal/log"
	"github.com/fentz26/skatepark/internal/scheduler"
	"github.com/fentz26/skatepark/internal/store"
)

// shutdownTimeout bounds the HTTP drain on exit.
const shutdownTimeout = 30 * time.Second

var (
	configPath string
	listenAddr string
	auditDB    string
	pythonBin  string
	maxRuns    int
	logFormat  string
	verbose    bool
)

var startCmd = &cobra.Command{
	Use:     "start",
	Aliases: []string{"daemon"},
	Short:   "Start the skatepark supervisor",
	Long: `Starts the supervisor, which serves the HTTP API, builds structures and
owns every child process it launches. Children are terminated on exit.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&configPath, "config", filepath.Join(config.Dir(), "config.yaml"), "Path to config file")
	startCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	startCmd.Flags().StringVar(&auditDB, "audit-db", "", "Path to the audit journal; \"off\" disables it")
	startCmd.Flags().StringVar(&pythonBin, "python", "", "Base Python interpreter used to create environments")
	startCmd.Flags().IntVar(&maxRuns, "max-runs", 0, "Maximum concurrent active runs (0 keeps config value)")
	startCmd.Flags().StringVar(&logFormat, "log-format", "", "Log format: json or text")
	startCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// loadStartConfig reads the config file and applies flag overrides.
func loadStartConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = listenAddr
	}
	if flags.Changed("audit-db") {
		cfg.AuditDB = auditDB
		if auditDB == "off" {
			cfg.AuditDB = ""
		}
	}
	if flags.Changed("python") {
		cfg.Python = pythonBin
	}
	if flags.Changed("max-runs") {
		cfg.MaxConcurrentRuns = maxRuns
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = logFormat
	}
	if flags.Changed("verbose") {
		cfg.Verbose = verbose
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadStartConfig(cmd)
	if err != nil {
		return err
	}

	logger := log.New(cfg.Verbose, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting skatepark supervisor", slog.String("version", controlplane.Version))

	var pdr *audit.PDRWriter
	if cfg.AuditDB != "" {
		journal, err := audit.Open(cfg.AuditDB)
		if err != nil {
			return err
		}
		defer func() {
			if err := journal.Close(); err != nil {
				logger.Error("audit journal close error", slog.Any("error", err))
			}
		}()
		pdr = audit.NewPDRWriter(journal, logger)
	}

	python, err := builder.DetectPython(cfg.Python)
	if err != nil {
		logger.Warn("no python interpreter found; builds will fail until one is installed", slog.Any("error", err))
		python = cfg.Python
	}

	// Initialize components
	connector := localexec.New()
	st := store.New()
	service := controlplane.NewService(st, pdr, builder.New(connector, python), connector, controlplane.Options{
		BaseURL:           cfg.BaseURL(),
		SettleDelay:       cfg.SettleDelay,
		LaunchTimeout:     cfg.LaunchTimeout,
		BuildTimeout:      cfg.BuildTimeout,
		KillGrace:         cfg.KillGrace,
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
		Logger:            logger,
	})
	server := controlplane.NewServer(service, cfg.Listen)

	sched := scheduler.New(service, st, &scheduler.Config{
		Interval:  cfg.ReconcileInterval,
		GlobalMax: cfg.MaxConcurrentRuns,
	}, logger)
	server.SetScheduler(sched)

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}

	sched.Start()
	defer sched.Stop()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	// Children do not outlive their supervisor.
	for _, id := range st.ActiveRunIDs() {
		if _, cerr := service.CancelRun(context.Background(), id); cerr != nil {
			logger.Warn("cancel on shutdown failed", slog.String("run_id", id), slog.Any("error", cerr))
		}
	}

	if err != nil {
		logger.Error("server error", slog.Any("error", err))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
