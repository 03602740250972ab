// Command shmbroker runs the shared-memory broker control plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/shmbroker/internal/app/broker"
	"github.com/coachpo/shmbroker/internal/app/buffers"
	"github.com/coachpo/shmbroker/internal/app/service"
	"github.com/coachpo/shmbroker/internal/infra/config"
	httpserver "github.com/coachpo/shmbroker/internal/infra/server/http"
	"github.com/coachpo/shmbroker/internal/infra/shm"
	"github.com/coachpo/shmbroker/internal/infra/telemetry"
	"github.com/coachpo/shmbroker/internal/observability"
)

const (
	defaultConfigPath            = "config/broker.yaml"
	brokerLoggerPrefix           = "shmbroker "
	shutdownTimeout              = 30 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout     = 10 * time.Second
	bufferReleaseTimeout         = 5 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
)

func main() {
	cfgPathFlag, addrFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newBrokerLogger()

	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	if addrFlag != "" {
		appCfg.Server.Addr = addrFlag
	}
	logger.Printf("configuration initialised: env=%s, addr=%s, segments=%s, releasePolicy=%s",
		appCfg.Environment, appCfg.Server.Addr, appCfg.Segments.Dir, appCfg.Broker.ReleasePolicy)

	level, err := observability.ParseLevel(appCfg.Logging.Level)
	if err != nil {
		logger.Fatalf("logging: %v", err)
	}
	observability.SetLogger(observability.NewStdLogger(os.Stdout, brokerLoggerPrefix, level))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	svc := buildService(appCfg)

	var lifecycle conc.WaitGroup
	serveCtx, serveCancel := context.WithCancel(context.Background())
	defer serveCancel()
	apiServer := buildAPIServer(serveCtx, appCfg, svc)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("control API listening on %s", apiServer.Addr)

	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:      apiServer,
		serveCancel: serveCancel,
		lifecycle:   &lifecycle,
		service:     svc,
		telemetry:   telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() (string, string) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to broker configuration file (default: %s)", defaultConfigPath))
	addr := flag.String("addr", "", "Listen address, overrides server.addr")
	flag.Parse()
	return *cfgPath, *addr
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newBrokerLogger() *log.Logger {
	return log.New(os.Stdout, brokerLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.Enabled = cfg.Enabled

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func buildService(cfg config.AppConfig) *service.Service {
	segments := shm.NewAllocator(cfg.Segments.Dir)
	bufferRegistry := buffers.NewRegistry(buffers.Config{Prefix: cfg.Segments.Prefix}, segments)
	topicRegistry := broker.NewRegistry(broker.RegistryConfig{FanoutWorkers: cfg.Broker.FanoutWorkerCount()})
	return service.New(service.Config{
		DropByDefault:    cfg.Broker.DropByDefault,
		ReleaseOnCollect: cfg.Broker.ReleasePolicy == config.ReleaseOnCollect,
	}, bufferRegistry, topicRegistry)
}

// buildAPIServer ties request contexts to serveCtx so shutdown can abort
// blocked pulls, which rewinds their cursors.
func buildAPIServer(serveCtx context.Context, cfg config.AppConfig, svc *service.Service) *http.Server {
	handler := httpserver.NewHandler(svc, httpserver.Options{
		RateLimit:          cfg.Server.RateLimit,
		RateBurst:          cfg.Server.RateBurst,
		StreamPollInterval: cfg.Broker.StreamPollInterval,
	})
	return &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return serveCtx },
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("control server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server      *http.Server
	serveCancel context.CancelFunc
	lifecycle   *conc.WaitGroup
	service     *service.Service
	telemetry   *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
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

	logger.Print("shutdown: aborting in-flight requests")
	if cfg.serveCancel != nil {
		cfg.serveCancel()
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", controlServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.service != nil {
		shutdownStep("destroying shared buffers", bufferReleaseTimeout, func(context.Context) error {
			return cfg.service.Close()
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
