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

	"github.com/fentz26/coderelay/internal/agents"
	"github.com/fentz26/coderelay/internal/audit"
	"github.com/fentz26/coderelay/internal/config"
	"github.com/fentz26/coderelay/internal/connectors/aider"
	"github.com/fentz26/coderelay/internal/connectors/localexec"
	"github.com/fentz26/coderelay/internal/controlplane"
	"github.com/fentz26/coderelay/internal/pipeline"
	"github.com/fentz26/coderelay/internal/store"
	"github.com/fentz26/coderelay/internal/upload"
	"github.com/fentz26/coderelay/internal/workspace"
	"github.com/spf13/cobra"
)

// writeMargin is added to the generation timeout for the HTTP write deadline.
const writeMargin = time.Minute

var (
	listenAddr string
	dbPath     string
	envFile    string
	workDir    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coderelay API server",
	Long: `Starts the HTTP API. Settings come from the environment and an optional
.env file (PORT, DEFAULT_MODEL, AIDER_BIN, GENERATION_TIMEOUT, BACKEND_URL,
UPLOAD_PATH, ARTIFACT_S3_*). Flags override the file.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (default :$PORT)")
	serveCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (default ~/.coderelay/coderelay.db)")
	serveCmd.Flags().StringVar(&envFile, "env", ".env", "Path to an env file, ignored when missing")
	serveCmd.Flags().StringVar(&workDir, "workdir", "", "Workspace used when a request names no directory (default current directory)")
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newUploader builds the configured archive uploader, nil when uploads are off.
func newUploader(cfg config.UploadConfig) (upload.Uploader, error) {
	switch cfg.Backend {
	case config.BackendHTTP:
		return upload.NewHTTPUploader(cfg.BackendURL, cfg.Path, nil), nil
	case config.BackendS3:
		u, err := upload.NewS3Uploader(upload.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
			UseSSL:    cfg.S3.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		return u, nil
	case config.BackendNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown upload backend %q", cfg.Backend)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	addr := cfg.Addr()
	if listenAddr != "" {
		addr = listenAddr
	}

	logger := newLogger(cfg.Debug)
	slog.SetDefault(logger)
	logger.Info("starting coderelay", slog.String("version", controlplane.Version))

	// Initialize store
	s, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer s.Close()

	if n, err := s.FailInterruptedRuns(); err != nil {
		logger.Warn("failed to close interrupted runs", slog.Any("error", err))
	} else if n > 0 {
		logger.Info("marked interrupted runs as failed", slog.Int64("count", n))
	}

	pdr := audit.NewPDRWriter(s)

	guard, err := workspace.NewGuard(workDir, logger)
	if err != nil {
		return err
	}

	exec := localexec.New(cfg.AiderBin)
	agent := aider.New(cfg.AiderBin, exec, logger)

	var svc *controlplane.Service

	var submitter pipeline.Submitter
	var dispatcher *upload.Dispatcher
	uploader, err := newUploader(cfg.Upload)
	if err != nil {
		return err
	}
	if uploader != nil {
		dcfg := upload.DefaultDispatcherConfig()
		dcfg.Workers = cfg.Upload.Workers
		dispatcher = upload.NewDispatcher(uploader, dcfg, logger, func(job upload.Job, err error) {
			svc.UploadDone(job, err)
		})
		submitter = dispatcher
		logger.Info("archive uploads enabled", slog.String("backend", uploader.Name()))
	}

	runner := pipeline.NewRunner(guard, agent, submitter, pipeline.Config{
		DefaultModel: cfg.DefaultModel,
		Timeout:      cfg.GenerationTimeout,
	}, logger)

	detector := agents.NewDetector(cfg.AiderBin)
	svc = controlplane.NewService(s, pdr, runner, detector, logger)
	server := controlplane.NewServer(svc, addr, cfg.GenerationTimeout+writeMargin, logger)

	if dispatcher != nil {
		dispatcher.Start()
		server.SetUploads(dispatcher)
	}

	if a := detector.Detect(cmd.Context()); !a.Online() {
		logger.Warn("agent binary not found, requests will fail until it is installed", slog.String("bin", cfg.AiderBin))
	}

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// Channel to receive server errors
	serverErr := make(chan error, 1)

	// Start server in goroutine
	go func() {
		err := server.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", slog.Any("error", err))
			return err
		}
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", slog.Any("error", err))
	}

	if dispatcher != nil {
		logger.Info("draining upload queue")
		if err := dispatcher.Stop(shutdownCtx); err != nil {
			logger.Error("upload drain incomplete", slog.Any("error", err))
		}
	}

	logger.Info("shutdown complete")
	return nil
}
