package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/helicondb/helicon/internal/client"
	"github.com/helicondb/helicon/internal/config"
	"github.com/helicondb/helicon/internal/gossip"
	"github.com/helicondb/helicon/internal/handler"
	"github.com/helicondb/helicon/internal/health"
	"github.com/helicondb/helicon/internal/locator"
	"github.com/helicondb/helicon/internal/metrics"
	"github.com/helicondb/helicon/internal/model"
	"github.com/helicondb/helicon/internal/server"
	"github.com/helicondb/helicon/internal/service"
	"github.com/helicondb/helicon/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "./config.yaml"
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	localEndpoint := model.NodeID(cfg.Server.AdvertiseAddr)
	logger.Info("Configuration loaded",
		zap.String("endpoint", string(localEndpoint)),
		zap.String("datacenter", cfg.Topology.Datacenter),
		zap.String("rack", cfg.Topology.Rack),
		zap.Int("num_tokens", cfg.Topology.NumTokens))

	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		logger.Fatal("Failed to create data directory", zap.Error(err))
	}

	sysStore, err := store.Open(cfg.Storage.DataDir, logger)
	if err != nil {
		logger.Fatal("Failed to open system store", zap.Error(err))
	}
	defer sysStore.Close()

	hostID, err := sysStore.HostID()
	if err != nil {
		logger.Fatal("Failed to read host id", zap.Error(err))
	}
	if hostID == "" {
		hostID = model.HostID(uuid.NewString())
		if err := sysStore.SetHostID(hostID); err != nil {
			logger.Fatal("Failed to persist host id", zap.Error(err))
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(registry, string(localEndpoint))

	stm := service.NewSharedTokenMetadata(cfg.Topology.Shards, logger)
	for _, ks := range cfg.Keyspaces {
		var strategy locator.ReplicationStrategy
		if ks.Strategy == "network_topology" {
			strategy = locator.NetworkTopologyStrategy{ReplicationFactors: ks.DCReplicationFactors}
		} else {
			strategy = locator.SimpleStrategy{ReplicationFactor: ks.ReplicationFactor}
		}
		if err := stm.RegisterKeyspace(context.Background(), locator.Keyspace{Name: ks.Name, Strategy: strategy}); err != nil {
			logger.Fatal("Failed to register keyspace", zap.String("keyspace", ks.Name), zap.Error(err))
		}
	}

	gossiper := gossip.NewService(&cfg.Gossip, localEndpoint, logger.Named("gossip"))

	stateHandler := service.NewStateChangeHandler(stm, gossiper, sysStore, nil, m, logger.Named("topology"))
	gossiper.Subscribe(stateHandler)

	opsRegistry := service.NewNodeOpsRegistry(cfg.Topology.NodeOpsWatchdogTimeout, m, logger.Named("nodeops"))
	mover := service.NopRangeMover{}
	nodeOpsSvc := service.NewNodeOpsService(&cfg.Topology, opsRegistry, stm, gossiper, sysStore, mover, logger.Named("nodeops"))

	opsClient := client.NewHTTPNodeOpsClient(cfg.Server.WriteTimeout, logger.Named("nodeops_client"))
	group0 := service.NewLocalGroup0(hostID, logger.Named("group0"))

	topoSvc := service.NewTopologyService(cfg, stm, gossiper, sysStore, stateHandler, opsRegistry, opsClient, group0, mover, m, logger.Named("topology"))
	stateHandler.SetReplicaRestorer(topoSvc)

	checker := health.NewHealthChecker(cfg.Storage.DataDir, gossiper, topoSvc, logger.Named("health"))

	handlers := handler.NewHandlers(topoSvc, nodeOpsSvc, logger.Named("handler"))
	httpServer := server.NewServer(cfg, handlers, checker, m, logger.Named("server"))

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(cfg.Metrics, registry, logger.Named("metrics"))
		if err := metricsServer.Start(); err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}

	if err := gossiper.Start(); err != nil {
		logger.Fatal("Failed to start gossip", zap.Error(err))
	}

	// The node-ops endpoint must be reachable before we join: peers
	// contact us during our own bootstrap.
	httpServer.StartAsync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go checker.Start(ctx)

	go func() {
		if err := topoSvc.JoinTokenRing(ctx); err != nil {
			logger.Fatal("Failed to join token ring", zap.Error(err))
		}
		logger.Info("Node joined the token ring",
			zap.String("host_id", string(hostID)),
			zap.String("mode", string(topoSvc.Mode())))
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("Shutting down gracefully", zap.String("signal", sig.String()))
	checker.SetReadiness(false)
	cancel()

	shutdownCtx := context.Background()
	if err := topoSvc.Drain(shutdownCtx); err != nil {
		logger.Warn("Drain on shutdown failed", zap.Error(err))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error("Metrics server shutdown failed", zap.Error(err))
		}
	}
	if err := gossiper.Shutdown(); err != nil {
		logger.Error("Gossip shutdown failed", zap.Error(err))
	}
}

// initLogger builds the zap logger from the logging configuration.
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = level
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.Level = level
	}
	return zapCfg.Build()
}
