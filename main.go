package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"tradesync-core/internal/api"
	"tradesync-core/internal/engine"
	"tradesync-core/internal/events"
	"tradesync-core/internal/monitor"
	"tradesync-core/internal/normalize"
	"tradesync-core/internal/persist"
	"tradesync-core/internal/queue"
	"tradesync-core/internal/stream"
	"tradesync-core/pkg/config"
	"tradesync-core/pkg/crypto"
	"tradesync-core/pkg/db"
	"tradesync-core/pkg/exchanges/binance"
	"tradesync-core/pkg/exchanges/bitget"
	"tradesync-core/pkg/exchanges/bybit"
	"tradesync-core/pkg/exchanges/coinbase"
	"tradesync-core/pkg/exchanges/common"
	"tradesync-core/pkg/exchanges/gateio"
	"tradesync-core/pkg/exchanges/huobi"
	"tradesync-core/pkg/exchanges/kraken"
	"tradesync-core/pkg/exchanges/kucoin"
	"tradesync-core/pkg/exchanges/mexc"
	"tradesync-core/pkg/exchanges/okx"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Main] config: %v", err)
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("[Main] create data dir: %v", err)
		}
	}
	store, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("[Main] open database: %v", err)
	}
	defer store.Close()
	if err := db.ApplyMigrations(store); err != nil {
		log.Fatalf("[Main] migrations: %v", err)
	}
	log.Printf("[Main] database ready at %s", cfg.DBPath)

	vault, err := crypto.NewVault(cfg.VaultSecret)
	if err != nil {
		log.Fatalf("[Main] vault: %v", err)
	}

	registry := buildRegistry(cfg.RateLimits)
	log.Printf("[Main] %d exchange adapters registered", len(registry.Names()))

	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()

	recordStore := queue.NewRecordStore()
	workers := queue.NewWorkerRegistry(recordStore, cfg.HeartbeatInterval)
	jobs := queue.New(recordStore, workers, bus)

	streams := stream.NewManager(bus)

	syncEngine := engine.New(engine.Config{
		Vault:      vault,
		Registry:   registry,
		Store:      store,
		Normalizer: normalize.New(),
		Persister:  persist.New(store),
		Jobs:       jobs,
		Streams:    streams,
		Bus:        bus,
		Lookback:   time.Duration(cfg.LookbackDays) * 24 * time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go monitor.Watch(ctx, metrics, bus)

	for i := 0; i < cfg.Workers; i++ {
		id := fmt.Sprintf("worker-%d", i+1)
		workers.Register(id, cfg.WorkerMaxJobs)
		go heartbeat(ctx, workers, id, cfg.HeartbeatInterval)
	}
	jobs.Start(ctx)
	defer jobs.Stop()
	log.Printf("[Main] job queue running with %d workers", cfg.Workers)

	server := api.NewServer(bus, store, syncEngine, jobs, registry, metrics, cfg.JWTSecret)
	go func() {
		log.Printf("[Main] API listening on :%s", cfg.Port)
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("[Main] API server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("[Main] shutting down")
	cancel()
}

// buildRegistry wires every supported exchange adapter with its REST
// request budget.
func buildRegistry(perMin map[string]int) *common.Registry {
	budgets := common.NewBudgetSet(perMin)
	registry := common.NewRegistry()
	registry.Register(binance.New(budgets.For("binance")))
	registry.Register(coinbase.New(budgets.For("coinbase")))
	registry.Register(kraken.New(budgets.For("kraken")))
	registry.Register(kucoin.New(budgets.For("kucoin")))
	registry.Register(bybit.New(budgets.For("bybit")))
	registry.Register(okx.New(budgets.For("okx")))
	registry.Register(bitget.New(budgets.For("bitget")))
	registry.Register(huobi.New(budgets.For("huobi")))
	registry.Register(gateio.New(budgets.For("gateio")))
	registry.Register(mexc.New(budgets.For("mexc")))
	return registry
}

func heartbeat(ctx context.Context, workers *queue.WorkerRegistry, id string, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			workers.SetOffline(id)
			return
		case <-ticker.C:
			workers.Heartbeat(id)
		}
	}
}
