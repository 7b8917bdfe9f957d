package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mtzanidakis/dispatch/internal/agent"
	"github.com/mtzanidakis/dispatch/internal/bus"
	"github.com/mtzanidakis/dispatch/internal/config"
	"github.com/mtzanidakis/dispatch/internal/natsbus"
	"github.com/mtzanidakis/dispatch/internal/registry"
	"github.com/mtzanidakis/dispatch/internal/resource"
	"github.com/mtzanidakis/dispatch/internal/router"
	"github.com/mtzanidakis/dispatch/internal/scheduler"
	"github.com/mtzanidakis/dispatch/internal/store"
	"github.com/mtzanidakis/dispatch/internal/web"
)

// daemon holds what a SIGHUP reload needs to reach.
type daemon struct {
	cfg   *config.Config
	orch  *agent.Orchestrator
	sched *scheduler.Scheduler

	allocRetention   atomic.Int64
	journalRetention atomic.Int64
}

func (d *daemon) allocationRetention() time.Duration {
	return time.Duration(d.allocRetention.Load())
}

func (d *daemon) storeRetention() time.Duration {
	return time.Duration(d.journalRetention.Load())
}

func (d *daemon) setRetention(res config.ResourceConfig, st config.StoreConfig) {
	d.allocRetention.Store(int64(res.Retention))
	d.journalRetention.Store(int64(st.Retention))
}

func thresholds(th config.ThresholdsConfig) router.Thresholds {
	return router.Thresholds{Simple: th.Simple, Moderate: th.Moderate, Complex: th.Complex}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.LogLevel)

	slog.Info("starting dispatch", "version", version, "workers", cfg.WorkerNames())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite journal
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	reg := registry.New(db, cfg.Workers)
	if err := reg.Sync(); err != nil {
		return fmt.Errorf("sync worker registry: %w", err)
	}

	// Embedded NATS
	nb, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer nb.Close()
	slog.Info("nats started", "addr", nb.Addr())

	client, err := natsbus.NewClient(nb)
	if err != nil {
		return fmt.Errorf("nats client: %w", err)
	}
	defer client.Close()

	var scorer router.Scorer = router.HeuristicScorer{}
	if cfg.Router.Scorer == "nats" {
		scorer = agent.NewNATSScorer(client, cfg.Router.ScorerTimeout, router.HeuristicScorer{})
	}
	rtr, err := router.New(router.Config{
		Workers:         reg.Names(),
		Thresholds:      thresholds(cfg.Router.Thresholds),
		RecentDecisions: cfg.Router.RecentDecisions,
	}, scorer)
	if err != nil {
		return fmt.Errorf("init router: %w", err)
	}

	rm := resource.NewManager(resource.Config{
		Workers:           reg.Names(),
		MaxQueuePerWorker: cfg.Resource.MaxQueuePerWorker,
	})
	b := bus.New(bus.Config{
		MaxLogSize:       cfg.Bus.MaxLogSize,
		DefaultTTL:       cfg.Bus.DefaultTTL,
		RequestRetention: cfg.Bus.RequestRetention,
	})

	orch, err := agent.NewOrchestrator(rtr, rm, b)
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}
	journal := agent.NewJournal(db)
	journal.Attach(b)
	go journal.Run(ctx)

	gw := agent.NewGateway(orch, client)
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	d := &daemon{cfg: cfg, orch: orch}
	d.setRetention(cfg.Resource, cfg.Store)

	// Maintenance
	d.sched, err = scheduler.New(db, client, cfg.Maintenance,
		scheduler.AllocationCleanup(rm, d.allocationRetention),
		scheduler.BusEvict(b),
		scheduler.RecordPurge(orch, d.allocationRetention),
		scheduler.JournalPurge(db, d.storeRetention),
		scheduler.Gauges(rm, b),
	)
	if err != nil {
		cancel()
		gw.Stop()
		<-journal.Done()
		return fmt.Errorf("init scheduler: %w", err)
	}
	go d.sched.Start(ctx)

	// Web UI
	if cfg.Web.Enabled {
		srv := web.NewServer(db, client, orch, reg, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			d.reload()
			continue
		}
		slog.Info("shutting down", "signal", sig)
		break
	}

	cancel()
	gw.Stop()
	<-journal.Done()
	return nil
}

func (d *daemon) reload() {
	newCfg, err := config.Load()
	if err != nil {
		slog.Error("config reload failed", "error", err)
		return
	}
	d.apply(newCfg)
}

// apply pushes the reloadable parts of newCfg into the running components.
func (d *daemon) apply(newCfg *config.Config) {
	diff := config.Diff(d.cfg, newCfg)
	for _, field := range diff.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}
	if !diff.HasChanges() {
		slog.Info("config reloaded, nothing to apply")
		return
	}

	if diff.ThresholdsChanged {
		if err := d.orch.Router().SetThresholds(thresholds(diff.NewThresholds)); err != nil {
			slog.Error("thresholds not applied", "error", err)
		} else {
			slog.Info("thresholds updated", "thresholds", diff.NewThresholds)
		}
	}
	if diff.QueueLimitChanged {
		d.orch.Resources().SetMaxQueuePerWorker(diff.NewQueueLimit)
		slog.Info("queue limit updated", "max_queue_per_worker", diff.NewQueueLimit)
	}
	if diff.RetentionChanged {
		d.setRetention(diff.NewResource, diff.NewStore)
		slog.Info("retention updated", "allocations", diff.NewResource.Retention, "journal", diff.NewStore.Retention)
	}
	if diff.MaintenanceChanged && d.sched != nil {
		if err := d.sched.UpdateConfig(diff.NewMaintenance); err != nil {
			slog.Error("maintenance schedule not applied", "error", err)
		}
	}
	if diff.LogLevelChanged {
		if lvl, err := config.ParseLogLevel(diff.NewLogLevel); err == nil {
			logLevel.Set(lvl)
			slog.Info("log level updated", "level", lvl)
		}
	}

	d.cfg = newCfg
}
