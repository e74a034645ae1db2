package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/stageflow/bus"
	"github.com/c360studio/stageflow/config"
	"github.com/c360studio/stageflow/definition"
	"github.com/c360studio/stageflow/orchestrator"
	"github.com/c360studio/stageflow/storage"
)

// App wires the orchestrator together: NATS (embedded or external), the bus
// gateway, KV storage, the definition engine, and the service itself.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsConn       *nats.Conn

	gateway *bus.Gateway
	store   *storage.KVStore
	engine  *definition.Engine
	service *orchestrator.Service

	fileRepo      *definition.FileRepository
	metricsServer *http.Server
}

// NewApp creates an application instance from loaded configuration.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}
}

// Start initializes and starts all components.
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	gateway, err := bus.New(a.natsConn, bus.Config{
		MaxDeliver:     a.cfg.Bus.MaxDeliver,
		AckWait:        a.cfg.Bus.AckWait,
		PublishRetries: a.cfg.Bus.PublishRetries,
		PublishBackoff: a.cfg.Bus.PublishBackoff,
		FetchTimeout:   a.cfg.Bus.FetchTimeout,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("create bus gateway: %w", err)
	}
	a.gateway = gateway

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	store, err := storage.NewKVStore(ctx, js)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	a.store = store

	if err := a.startDefinitions(ctx); err != nil {
		return err
	}

	service, err := orchestrator.New(orchestrator.Deps{
		NC:          a.natsConn,
		Gateway:     gateway,
		Workflows:   store.Workflows(),
		Tasks:       store.Tasks(),
		Definitions: a.engine,
	}, orchestrator.Config{
		AgentTypes:        a.cfg.Orchestrator.AgentTypes,
		SweepInterval:     a.cfg.Orchestrator.SweepInterval,
		TransitionRetries: a.cfg.Orchestrator.TransitionRetries,
		DedupSize:         a.cfg.Orchestrator.DedupSize,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}
	a.service = service

	if err := service.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	a.startMetrics()
	return nil
}

func (a *App) startNATS() error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("Connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
		return nil
	}

	a.logger.Info("Starting embedded NATS server")
	opts := &server.Options{
		Port:      -1, // Random available port
		JetStream: true,
		StoreDir:  a.cfg.NATS.StoreDir,
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return fmt.Errorf("embedded NATS server failed to start")
	}
	a.embeddedServer = ns

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return fmt.Errorf("connect to embedded NATS: %w", err)
	}
	a.natsConn = conn
	return nil
}

// startDefinitions builds the definition engine. A configured directory of
// YAML files takes precedence over the KV definitions bucket; with neither,
// the built-in fallbacks still answer every lookup.
func (a *App) startDefinitions(ctx context.Context) error {
	var repo definition.Repository = a.store.Definitions()

	if a.cfg.Definitions.Dir != "" {
		fileRepo, err := definition.NewFileRepository(a.cfg.Definitions.Dir, a.logger)
		if err != nil {
			return fmt.Errorf("load definitions dir: %w", err)
		}
		a.fileRepo = fileRepo
		repo = fileRepo
	}

	a.engine = definition.NewEngine(repo, definition.NewCache(), a.logger)

	if a.fileRepo != nil && a.cfg.Definitions.Watch {
		go func() {
			if err := a.fileRepo.Watch(ctx, a.engine); err != nil {
				a.logger.Warn("Definitions watcher exited", "error", err)
			}
		}()
	}
	return nil
}

func (a *App) startMetrics() {
	if a.cfg.Metrics.Addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metricsServer = &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux}

	go func() {
		a.logger.Info("Metrics endpoint listening", "addr", a.cfg.Metrics.Addr)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("Metrics server failed", "error", err)
		}
	}()
}

// Service exposes the orchestrator for control operations.
func (a *App) Service() *orchestrator.Service {
	return a.service
}

// Shutdown gracefully stops all components in reverse start order.
func (a *App) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}

	if a.service != nil {
		if err := a.service.Stop(); err != nil {
			a.logger.Warn("Orchestrator stop failed", "error", err)
		}
	}

	if a.gateway != nil {
		a.gateway.Close()
	}
	if a.natsConn != nil {
		a.natsConn.Close()
	}

	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
}
