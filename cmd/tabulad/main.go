package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"tabula/internal/cluster"
	"tabula/internal/config"
	"tabula/internal/coordinator"
	"tabula/internal/observability/metrics"
	"tabula/internal/observability/tracing"
	grpcserver "tabula/internal/server/grpc"
)

func main() {
	configPath := flag.String("config", "configs/server.example.yaml", "path to server config")
	flag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	store, err := coordinator.OpenStore(filepath.Join(cfg.DataDir, "coordinator"))
	if err != nil {
		log.Fatalf("failed to open coordinator store: %v", err)
	}
	state, err := store.LoadState()
	if err != nil {
		log.Fatalf("failed to load contracts: %v", err)
	}
	history, err := store.LoadHistory()
	if err != nil {
		log.Fatalf("failed to load branch history: %v", err)
	}

	coord := coordinator.New(state, history, nil)
	table, err := store.LoadTable()
	if err != nil {
		log.Fatalf("failed to load table: %v", err)
	}
	if table == nil {
		table = cfg.TableConfig()
	}
	if table != nil {
		if err := coord.AdoptTable(table); err != nil {
			log.Fatalf("invalid table configuration: %v", err)
		}
	}

	mgr, err := cluster.NewManager(cfg.ClusterOptions(), coord, store, nil)
	if err != nil {
		log.Fatalf("failed to create cluster manager: %v", err)
	}
	coord.SetPublisher(mgr)

	if err := mgr.Start(); err != nil {
		log.Fatalf("failed to start cluster manager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	shutdownTracing, err := tracing.Setup(ctx, cfg.TracingOptions())
	if err != nil {
		log.Fatalf("failed to set up tracing: %v", err)
	}

	grpcSrv := grpcserver.NewDefault(cfg.GRPCConfig(), mgr)
	if err := grpcSrv.Start(ctx); err != nil {
		log.Fatalf("failed to start grpc server: %v", err)
	}

	if cfg.Metrics.Enabled {
		collector := metrics.NewCoordinatorCollector(nil, "")
		if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil {
			log.Fatalf("failed to start metrics server: %v", err)
		}
		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					collector.Observe(coord.Diagnostics())
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cancel()
	grpcSrv.Stop()
	if err := mgr.Stop(); err != nil {
		log.Printf("cluster manager stop error: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("tracing shutdown error: %v", err)
	}
}
