package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/stdkeep/internal/access"
	"github.com/kalambet/stdkeep/internal/api"
	"github.com/kalambet/stdkeep/internal/config"
	"github.com/kalambet/stdkeep/internal/refresh"
	"github.com/kalambet/stdkeep/internal/research"
	"github.com/kalambet/stdkeep/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the stdkeep server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running stdkeep server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stdkeep system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "stdkeep.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func parseDurationOr(value string, fallback time.Duration, name string) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("invalid duration, using default", "key", name, "value", value, "default", fallback, "error", err)
		return fallback
	}
	return d
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "stdkeep version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	apiToken, err := config.EnsureAPIToken()
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("stdkeep is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("stdkeep is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage and reconcile refresh state left behind by a crash.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()
	if flagsCleared, tasksRequeued, err := store.RecoverRefreshState(time.Now()); err != nil {
		return fmt.Errorf("recovering refresh state: %w", err)
	} else if flagsCleared > 0 || tasksRequeued > 0 {
		slog.Warn("recovered refresh state from previous run",
			"flags_cleared", flagsCleared, "tasks_requeued", tasksRequeued)
	}

	// Check the research service; refreshes degrade gracefully without it.
	researcher := research.New(cfg.Research.BaseURL)
	if !researcher.IsRunning(ctx) {
		slog.Warn("research service not reachable, refreshes will fail until it is up",
			"base_url", cfg.Research.BaseURL)
	}

	// Build the refresh engine.
	attemptTimeout := parseDurationOr(cfg.Refresh.AttemptTimeout, 60*time.Second, "refresh.attempt_timeout")
	coord := refresh.NewCoordinator(store, researcher, refresh.Options{
		Enabled:         cfg.AutoRefresh.Enabled,
		Threshold:       time.Duration(cfg.AutoRefresh.ThresholdSecs) * time.Second,
		AttemptTimeout:  attemptTimeout,
		MaxAttempts:     cfg.Refresh.MaxAttempts,
		RetryDelay:      parseDurationOr(cfg.Refresh.RetryDelay, 5*time.Second, "refresh.retry_delay"),
		Backoff:         cfg.Refresh.Backoff,
		JoinWaitTimeout: parseDurationOr(cfg.Refresh.JoinWaitTimeout, attemptTimeout, "refresh.join_wait_timeout"),
	})
	queue := refresh.NewQueue(store, coord, cfg.Refresh.Workers, 0)
	facade := access.New(store, coord, queue, cfg.AutoRefresh.Mode)

	// Start queue workers.
	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		if err := queue.Run(ctx); err != nil {
			slog.Error("refresh queue stopped", "error", err)
		}
	}()

	// Build HTTP handler and server.
	handler := api.NewHandler(api.Deps{
		Store:  store,
		Facade: facade,
		Queue:  queue,
		Token:  apiToken,
	})
	topRouter := chi.NewRouter()
	topRouter.Mount("/", handler)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: topRouter,
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:  store,
		Facade: facade,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "stdkeep listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Let in-flight refresh attempts finish before closing storage.
	select {
	case <-queueDone:
	case <-time.After(10 * time.Second):
		slog.Warn("refresh queue did not drain in time")
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("stdkeep is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop stdkeep (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to stdkeep (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	serverUp := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			serverUp = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	// Check the research service.
	researchResp, err := client.Get(strings.TrimRight(cfg.Research.BaseURL, "/") + "/health")
	if err != nil {
		printStatus("Research service", "not running")
	} else {
		researchResp.Body.Close()
		printStatus("Research service", "running at %s", cfg.Research.BaseURL)
	}

	printStatus("Mode", "%s", cfg.AutoRefresh.Mode)
	printStatus("Auto-refresh", "%v", cfg.AutoRefresh.Enabled)
	printStatus("Staleness threshold", "%s", time.Duration(cfg.AutoRefresh.ThresholdSecs)*time.Second)
	printStatus("Workers", "%d", cfg.Refresh.Workers)

	if serverUp {
		if apiClient, err := newAPIClient(); err == nil {
			if qResp, err := apiClient.get("/queue/status"); err == nil {
				var qs struct {
					Depth     int   `json:"depth"`
					Active    int   `json:"active"`
					Successes int64 `json:"successes"`
					Failures  int64 `json:"failures"`
				}
				if decodeOrError(qResp, &qs) == nil {
					printStatus("Queue", "depth=%d active=%d ok=%d failed=%d",
						qs.Depth, qs.Active, qs.Successes, qs.Failures)
				}
			}
			if sResp, err := apiClient.get("/standards?limit=100"); err == nil {
				var standards []json.RawMessage
				if decodeOrError(sResp, &standards) == nil {
					printStatus("Standards", "%s", countLabel(len(standards), 100))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
