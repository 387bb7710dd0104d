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

	"github.com/Mopra/exit1.dev-sub001/internal/alert"
	"github.com/Mopra/exit1.dev-sub001/internal/config"
	"github.com/Mopra/exit1.dev-sub001/internal/mutation"
	"github.com/Mopra/exit1.dev-sub001/internal/probe"
	"github.com/Mopra/exit1.dev-sub001/internal/region"
	"github.com/Mopra/exit1.dev-sub001/internal/resolver"
	"github.com/Mopra/exit1.dev-sub001/internal/sched"
	"github.com/Mopra/exit1.dev-sub001/internal/store"
	"github.com/Mopra/exit1.dev-sub001/internal/telemetry"
	"github.com/Mopra/exit1.dev-sub001/internal/warehouse"
)

func main() {
	// 1. Load and validate environment config
	cfg, err := config.LoadEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	if cfg.AdminToken != "" && config.IsWeakToken(cfg.AdminToken) {
		log.Println("[checkd] warning: CHECKD_ADMIN_TOKEN is weak, consider a longer random value")
	}

	regions, err := region.LoadSet(cfg.RegionsFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	for _, code := range cfg.Regions {
		if !region.IsValid(code) {
			fmt.Fprintf(os.Stderr, "fatal: unknown region %q in CHECKD_REGIONS\n", code)
			os.Exit(1)
		}
	}

	// 2. Open the control-plane store
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: create state dir: %v\n", err)
		os.Exit(1)
	}
	db, err := store.OpenDB(filepath.Join(cfg.StateDir, "checkd.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := store.Migrate(db); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	repo := store.NewRepo(db)
	locks := store.NewLockRepo(db)

	// 3. Open the telemetry warehouse
	wh := warehouse.NewRepo(cfg.WarehouseDir, int64(cfg.WarehouseDBMaxMB)<<20, cfg.WarehouseDBRetainCount)
	if err := wh.Open(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	defer wh.Close()

	// 4. Metadata resolver with GeoIP
	geo := resolver.NewGeoService(cfg.MMDBPath, cfg.MMDBRefreshSchedule)
	if err := geo.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	res := resolver.New(cfg, geo)

	// 5. Sinks, gate, probe engine, scheduler
	buf := telemetry.NewBuffer(cfg, wh)
	buf.Start()

	batcher := mutation.NewBatcher(repo, cfg.MutationFlushInterval)
	batcher.Start()

	settings := alert.NewFileSettings(filepath.Join(cfg.StateDir, "alert_settings.json"))
	gate := alert.NewGate(cfg, settings, alert.NewWebhookNotifier(cfg.UserAgent))

	engine := probe.NewEngine(probe.EngineConfig{UserAgent: cfg.UserAgent})

	scheduler := sched.New(cfg, regions, repo, locks, engine, res, buf, batcher, gate)
	loop := sched.NewLoop(scheduler, cfg.Regions)
	loop.Start()
	log.Printf("[checkd] serving regions %v", cfg.Regions)

	// 6. Graceful shutdown, reverse dependency order
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("[checkd] received signal %s, shutting down...", sig)

	loop.Stop()

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	batcher.Stop(drainCtx)
	buf.Stop(drainCtx)

	res.Close()
	geo.Stop()
	log.Println("[checkd] stopped")
}
