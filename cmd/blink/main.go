// Blink run coordinator: serves the run API, drives chat execution loops
// against agent deployments and fans their output out to viewers.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/codespacesh/blink-sub003/pkg/agent"
	"github.com/codespacesh/blink-sub003/pkg/api"
	"github.com/codespacesh/blink-sub003/pkg/cleanup"
	"github.com/codespacesh/blink-sub003/pkg/config"
	"github.com/codespacesh/blink-sub003/pkg/database"
	"github.com/codespacesh/blink-sub003/pkg/events"
	"github.com/codespacesh/blink-sub003/pkg/runs"
	"github.com/codespacesh/blink-sub003/pkg/services"
	"github.com/codespacesh/blink-sub003/pkg/session"
	"github.com/codespacesh/blink-sub003/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	grpcHealthPort := getEnv("GRPC_HEALTH_PORT", "8081")
	podID := resolvePodID()

	slog.Info("Starting Blink",
		"version", version.Full(),
		"http_port", httpPort,
		"grpc_health_port", grpcHealthPort,
		"pod_id", podID,
		"config_dir", *configDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	runService := services.NewRunService(dbClient.DB())
	wakeService := services.NewWakeService(dbClient.DB())

	// 3. Steps this pod claimed before restarting can never finish.
	if err := cleanup.CleanupStartupOrphans(ctx, runService, podID, cfg.Retention.OrphanReason); err != nil {
		slog.Error("Failed to cleanup startup orphans", "error", err)
		// Non-fatal
	}

	// 4. Execution
	stepRunner := agent.NewStepRunner(runService, agent.Config{
		PodID:             podID,
		HeartbeatInterval: cfg.Runs.HeartbeatInterval,
		RequestTimeout:    cfg.Agents.RequestTimeout,
	})
	host := session.NewHost(cfg.Streaming, stepRunner, wakeService, podID)
	go host.Run(ctx)
	slog.Info("Session host started", "mode", cfg.Streaming.HostingMode)

	reconciler := runs.NewReconciler(runService, cfg.Runs.StallThreshold)

	// 5. Cross-pod control
	controlPublisher := events.NewControlPublisher(dbClient.DB(), podID)
	notifyListener := events.NewNotifyListener(dbConfig.DSN(), podID, events.HostHandler(host))
	if err := notifyListener.Start(ctx); err != nil {
		slog.Error("Failed to start NotifyListener", "error", err)
		os.Exit(1)
	}

	// 6. Background sweeps
	cleanupService := cleanup.NewService(cfg.Runs, cfg.Retention, runService, wakeService)
	if err := cleanupService.Start(ctx); err != nil {
		slog.Error("Failed to start cleanup service", "error", err)
		os.Exit(1)
	}

	// 7. HTTP and gRPC health servers
	httpServer := api.NewServer(cfg, dbClient, reconciler, host, runService)
	httpServer.SetControlPublisher(controlPublisher)

	grpcHealth := api.NewGRPCHealthServer(func(ctx context.Context) error {
		_, err := database.Health(ctx, dbClient.DB())
		return err
	}, 10*time.Second)
	go grpcHealth.Run(ctx)

	errCh := make(chan error, 2)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	lis, err := net.Listen("tcp", ":"+grpcHealthPort)
	if err != nil {
		slog.Error("Failed to listen for gRPC health", "port", grpcHealthPort, "error", err)
		os.Exit(1)
	}
	go func() {
		slog.Info("gRPC health server listening", "addr", lis.Addr().String())
		if err := grpcHealth.Serve(lis); err != nil {
			slog.Error("gRPC health server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Blink started successfully", "pod_id", podID)

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown. The host goes first so open streams end and
	// running steps are marked interrupted before the servers drain.
	hostCtx, hostCancel := context.WithTimeout(context.Background(), cfg.Runs.GracefulShutdownTimeout)
	defer hostCancel()
	if err := host.Shutdown(hostCtx); err != nil {
		slog.Warn("Shutdown timeout exceeded, unfinished steps will be healed as stalled", "error", err)
	} else {
		slog.Info("Session host stopped gracefully")
	}

	cleanupService.Stop()

	httpShutdownCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	grpcHealth.Shutdown(httpShutdownCtx)

	cancel()
	listenerCtx, listenerCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer listenerCancel()
	notifyListener.Stop(listenerCtx)

	slog.Info("Shutdown complete")
}
