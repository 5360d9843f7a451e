package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"fleethub/internal/config"
	"fleethub/internal/fleet"
	"fleethub/internal/httpapi"
	"fleethub/internal/hub"
	"fleethub/internal/observability"
	"fleethub/internal/orchestrator"
	"fleethub/internal/protocol"
	"fleethub/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	st, storeMode, err := store.New(ctx, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		log.Fatalf("store init failed: %v", err)
	}
	defer st.Close()
	log.Printf("task store: %s", storeMode)

	registry := fleet.NewRegistry(cfg.HeartbeatTimeout)
	registry.SetStore(st)
	if devices, err := st.ListDevices(ctx); err != nil {
		log.Printf("device restore failed: %v", err)
	} else if len(devices) > 0 {
		registry.Restore(devices)
		log.Printf("restored %d devices", len(devices))
	}

	broadcaster := hub.NewBroadcaster(cfg.OutboundBuffer, metrics)

	// A device flipping offline is broadcast to its user's other sessions so
	// device lists stay current without polling.
	registry.SetOfflineHook(func(d fleet.Device) {
		metrics.OnlineDevices.Set(float64(registry.OnlineCount()))
		broadcaster.Broadcast(d.UserID, protocol.NewDeviceMutation(protocol.ActionUpdated, d.ID, d))
	})

	orch := orchestrator.New(st, registry, broadcaster, metrics, cfg.CancelAckWindow)

	api := httpapi.New(cfg, orch, registry, broadcaster, metrics, storeMode)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	registry.StartSweeper(runCtx, cfg.SweepInterval)
	orch.StartJanitor(runCtx, cfg.JanitorInterval)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
