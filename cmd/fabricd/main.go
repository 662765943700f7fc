// Command fabricd runs one module's event fabric: outbox publishing, inbox
// dispatch and replay, and the health surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"

	"github.com/regmesh/regmesh/internal/app/fabric"
	"github.com/regmesh/regmesh/internal/infra/config"
	"github.com/regmesh/regmesh/internal/infra/persistence/migrations"
	"github.com/regmesh/regmesh/internal/infra/telemetry"
)

const (
	defaultConfigPath     = "config/fabric.yaml"
	fabricLoggerPrefix    = "fabricd "
	startupTimeout        = 30 * time.Second
	shutdownTimeout       = 30 * time.Second
	healthShutdownTimeout = 5 * time.Second
	telemetryStopTimeout  = 5 * time.Second
	healthReadHeaderWait  = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stdout, fabricLoggerPrefix, log.LstdFlags|log.Lmicroseconds)

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s module=%s bus=%s",
		cfg.Environment, cfg.Module, cfg.Bus.Kind)

	_, telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
		Environment:  string(cfg.Environment),
		Insecure:     cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	if cfg.Telemetry.OTLPEndpoint != "" {
		logger.Printf("telemetry initialized: endpoint=%s service=%s",
			cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	} else {
		logger.Print("telemetry disabled")
	}

	if cfg.Database.RunMigrations {
		migrateCtx, migrateCancel := context.WithTimeout(ctx, startupTimeout)
		if err := applyMigrations(migrateCtx, cfg, logger); err != nil {
			migrateCancel()
			logger.Fatalf("apply migrations: %v", err)
		}
		migrateCancel()
	}

	startCtx, startCancel := context.WithTimeout(ctx, startupTimeout)
	runtime, err := fabric.New(startCtx, cfg, logger)
	startCancel()
	if err != nil {
		logger.Fatalf("initialise fabric: %v", err)
	}

	if err := runtime.Start(ctx); err != nil {
		logger.Fatalf("start fabric: %v", err)
	}

	var lifecycle conc.WaitGroup
	healthServer := newHealthServer(cfg.Health.Addr, runtime)
	startHealthServer(&lifecycle, logger, healthServer)
	logger.Printf("health endpoint listening on %s", cfg.Health.Addr)

	logger.Print("fabricd started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, healthServer, &lifecycle, runtime, telemetryShutdown)
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to fabric configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// loadConfig falls back to defaults when neither the flag nor the default
// file is present, so a bare `fabricd` still boots against localhost.
func loadConfig(flagPath string) (config.AppConfig, error) {
	if flagPath != "" {
		return config.Load(flagPath)
	}
	candidate := filepath.Clean(defaultConfigPath)
	if _, err := os.Stat(candidate); err == nil {
		return config.Load(candidate)
	}
	return config.LoadOrDefault("")
}

// applyMigrations prefers the on-disk directory and falls back to the
// migrations embedded in the binary when the directory is absent.
func applyMigrations(ctx context.Context, cfg config.AppConfig, logger *log.Logger) error {
	if _, err := os.Stat(cfg.Database.MigrationsDir); err == nil {
		return migrations.Apply(ctx, cfg.Database.DSN, cfg.Database.MigrationsDir, logger)
	}
	logger.Printf("migrations directory %s not found, using embedded migrations", cfg.Database.MigrationsDir)
	return migrations.ApplyEmbedded(ctx, cfg.Database.DSN, logger)
}

func newHealthServer(addr string, runtime *fabric.Runtime) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status, err := runtime.Health(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: healthReadHeaderWait,
	}
}

func startHealthServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("health server: %v", err)
		}
	})
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, healthServer *http.Server, lifecycle *conc.WaitGroup, runtime *fabric.Runtime, telemetryShutdown func(context.Context) error) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	shutdownStep("stopping health server", healthShutdownTimeout, healthServer.Shutdown)

	shutdownStep("stopping fabric runtime", shutdownTimeout, func(stepCtx context.Context) error {
		runtime.Shutdown(stepCtx)
		return nil
	})

	shutdownStep("waiting for lifecycle goroutines", healthShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
		}
	})

	if telemetryShutdown != nil {
		shutdownStep("shutting down telemetry", telemetryStopTimeout, telemetryShutdown)
	}
}
