package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ashterm/ashcore/internal/bridge"
	"github.com/ashterm/ashcore/internal/config"
	"github.com/ashterm/ashcore/internal/connerr"
	"github.com/ashterm/ashcore/internal/history"
	"github.com/ashterm/ashcore/internal/logging"
	"github.com/ashterm/ashcore/internal/session"
)

func main() {
	config.Load()
	logging.Init()

	store, err := history.Open(config.Cfg.DatabasePath)
	if err != nil {
		log.Fatalf("history store init: %v", err)
	}
	defer store.Close()

	registry := session.NewRegistry(session.Config{
		ConnectTimeout:     config.Duration(config.Cfg.ConnectTimeout, 10*time.Second),
		KeepaliveInterval:  config.Duration(config.Cfg.KeepaliveInterval, 5*time.Second),
		KeepaliveThreshold: config.Cfg.KeepaliveThreshold,
		PostConnectDelay:   config.Duration(config.Cfg.PostConnectDelay, session.DefaultPostConnectDelay),
	})

	reconnector := session.NewReconnector(registry, store, session.ReconnectConfig{
		Enabled:     config.Cfg.ReconnectEnabled,
		MaxAttempts: config.Cfg.ReconnectAttempts,
		Interval:    config.Duration(config.Cfg.ReconnectInterval, time.Second),
	})
	reconnector.OnExhausted = func(sessionID string, report connerr.Report) {
		log.Printf("[main] session %s gave up reconnecting: %s", sessionID, report.Message)
	}

	groups, err := session.LoadGroups(config.Cfg.GroupsPath)
	if err != nil {
		log.Printf("WARNING: group file load failed: %v", err)
	}
	log.Printf("[main] loaded %d connection groups", len(groups))

	gate := bridge.NewGate(nil, config.Duration(config.Cfg.ApprovalTimeout, bridge.DefaultPromptTimeout))

	srv := bridge.NewServer(bridge.Config{
		Host:        config.Cfg.BridgeHost,
		Port:        config.Cfg.BridgePort,
		ExecTimeout: config.Duration(config.Cfg.ExecTimeout, bridge.DefaultExecTimeout),
	}, registry, gate)
	if err := srv.Start(); err != nil {
		log.Fatalf("bridge start: %v", err)
	}

	// Nightly history pruning.
	retention := time.Duration(config.Cfg.HistoryRetentionDays) * 24 * time.Hour
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@daily", func() {
		if n, err := store.Prune(retention); err != nil {
			log.Printf("[main] history prune failed: %v", err)
		} else if n > 0 {
			log.Printf("[main] pruned %d stale history entries", n)
		}
	}); err != nil {
		log.Fatalf("prune job: %v", err)
	}
	scheduler.Start()

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	scheduler.Stop()

	for _, s := range registry.ListAll() {
		if err := registry.DestroySession(s.ID); err != nil {
			log.Printf("[main] destroy session %s: %v", s.ID, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
