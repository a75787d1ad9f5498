// The manager process runs ingress, the dependency manager, the result
// recorder, the reconciler, and the dead-letter reaper over shared storage
// and broker connections. The RPC adapter (out of tree) calls into the
// ingress service.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskmesh/taskmesh/pkg/cache"
	"github.com/taskmesh/taskmesh/pkg/cancellation"
	"github.com/taskmesh/taskmesh/pkg/config"
	"github.com/taskmesh/taskmesh/pkg/dependency"
	"github.com/taskmesh/taskmesh/pkg/events"
	"github.com/taskmesh/taskmesh/pkg/ingress"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/results"
	"github.com/taskmesh/taskmesh/pkg/scheduler"
	"github.com/taskmesh/taskmesh/pkg/storage"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := observability.NewLogger("manager")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", map[string]interface{}{"error": err.Error()})
	}

	metrics := observability.NewPrometheusMetrics("taskmesh")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize task store", map[string]interface{}{"error": err.Error()})
	}
	defer func() { _ = store.Close() }()

	broker, err := queue.NewManager(cfg.NATS.URL, "manager", logger.WithPrefix("queue"))
	if err != nil {
		logger.Fatal("Failed to connect to broker", map[string]interface{}{"error": err.Error()})
	}
	defer broker.Close()

	if err := broker.Initialize(ctx); err != nil {
		logger.Fatal("Failed to initialize streams", map[string]interface{}{"error": err.Error()})
	}

	cancelMgr := cancellation.NewManager()
	depMgr := dependency.NewManager(store, broker, broker, logger.WithPrefix("dependency"), metrics)
	if err := depMgr.Rebuild(ctx); err != nil {
		logger.Error("Failed to rebuild dependency index", map[string]interface{}{"error": err.Error()})
	}

	// Scheduler personality is a deploy-time choice
	var sched scheduler.Scheduler
	if cfg.Scheduler.Kind == "advanced" {
		sched = scheduler.NewAdvancedScheduler(scheduler.Config{
			EnableWorkStealing:   cfg.Scheduler.EnableWorkStealing,
			StealThreshold:       cfg.Scheduler.StealThreshold,
			MaxLoadImbalance:     cfg.Scheduler.MaxLoadImbalance,
			WorkerTimeoutSeconds: cfg.Scheduler.WorkerTimeoutSeconds,
		}, logger.WithPrefix("scheduler"))
	} else {
		sched = scheduler.NewFairScheduler()
	}
	driver := scheduler.NewDriver(sched, store, broker, broker, time.Second,
		logger.WithPrefix("scheduler"))
	go func() {
		if err := driver.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Scheduler driver stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	// Worker lifecycle events keep the scheduler's registry current
	workerSub, err := broker.SubscribeEvents(events.SubjectWorkerEvents + ".*")
	if err != nil {
		logger.Fatal("Failed to subscribe to worker events", map[string]interface{}{"error": err.Error()})
	}
	go func() {
		for {
			envelope, err := workerSub.Next(ctx)
			if err != nil {
				return
			}
			if envelope != nil {
				driver.HandleWorkerEvent(envelope)
			}
		}
	}()

	validator := ingress.NewValidator()
	svc := ingress.NewService(validator, store, broker, broker, depMgr, cancelMgr, broker,
		logger.WithPrefix("ingress"), metrics)
	svc.SetScheduler(driver)
	// svc is the surface the RPC adapter (out of tree) calls into; nothing
	// in this process consumes it directly
	_ = svc

	// Dependency listener: completions on the bus release waiters
	eventSub, err := broker.SubscribeEvents(dependency.SubscribeSubjects())
	if err != nil {
		logger.Fatal("Failed to subscribe to task events", map[string]interface{}{"error": err.Error()})
	}
	listener := dependency.NewListener(depMgr, eventSub, logger.WithPrefix("dependency"))
	go func() {
		if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Dependency listener stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	// Status listener: Started events mark tasks running
	statusSub, err := broker.SubscribeEvents(events.SubjectTaskStarted)
	if err != nil {
		logger.Fatal("Failed to subscribe to started events", map[string]interface{}{"error": err.Error()})
	}
	statusListener := results.NewStatusListener(statusSub, store, logger.WithPrefix("status"))
	go func() {
		if err := statusListener.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Status listener stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	// Result recorder: the single writer of terminal state
	resultConsumer, err := broker.CreateResultConsumer(ctx, time.Second)
	if err != nil {
		logger.Fatal("Failed to create result consumer", map[string]interface{}{"error": err.Error()})
	}
	recorder := results.NewRecorder(resultConsumer, store, broker, logger.WithPrefix("results"), metrics)
	go func() {
		if err := recorder.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Result recorder stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	// Reconciler heals the enqueue/status-update crash window
	reconciler := dependency.NewReconciler(depMgr, store, cfg.Manager.ReconcileInterval,
		logger.WithPrefix("reconciler"))
	go func() {
		if err := reconciler.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Reconciler stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	// Reaper fails delivery-exhausted tasks
	reaper := dependency.NewReaper(broker, store, logger.WithPrefix("reaper"))
	go func() {
		if err := reaper.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Reaper stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	// Periodic result retention cleanup
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-cfg.Manager.ResultRetention)
				if removed, err := store.CleanupResults(ctx, cutoff); err != nil {
					logger.Error("Result cleanup failed", map[string]interface{}{"error": err.Error()})
				} else if removed > 0 {
					logger.Info("Cleaned up old results", map[string]interface{}{"removed": removed})
				}
			}
		}
	}()

	logger.Info("Manager running", nil)
	<-ctx.Done()
	logger.Info("Manager shutting down", nil)
}

func buildStore(ctx context.Context, cfg *config.Config, logger observability.Logger) (storage.Store, error) {
	pg, err := storage.NewPostgresStore(ctx, storage.PostgresConfig{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ArgsCodec:       cfg.Database.ArgsCodec,
	}, logger.WithPrefix("storage"))
	if err != nil {
		return nil, err
	}

	var layer cache.Cache
	if cfg.Redis.Enabled {
		redisCfg := cache.DefaultRedisConfig()
		redisCfg.Address = cfg.Redis.Address
		redisCfg.Username = cfg.Redis.Username
		redisCfg.Password = cfg.Redis.Password
		redisCfg.Database = cfg.Redis.Database
		layer, err = cache.NewRedisCache(redisCfg)
		if err != nil {
			return nil, err
		}
	} else {
		layer, err = cache.NewMemoryCache(0)
		if err != nil {
			return nil, err
		}
	}

	return storage.NewCachedStore(pg, layer, logger.WithPrefix("storage")), nil
}
