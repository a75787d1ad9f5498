// The worker process pulls work items from the broker, executes them
// through the method registry, and publishes results and lifecycle events.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/cancellation"
	"github.com/taskmesh/taskmesh/pkg/config"
	"github.com/taskmesh/taskmesh/pkg/events"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := observability.NewLogger("worker")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", map[string]interface{}{"error": err.Error()})
	}

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}
	logger = logger.With(map[string]interface{}{"worker_id": workerID})

	metrics := observability.NewPrometheusMetrics("taskmesh_worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker, err := queue.NewManager(cfg.NATS.URL, workerID, logger.WithPrefix("queue"))
	if err != nil {
		logger.Fatal("Failed to connect to broker", map[string]interface{}{"error": err.Error()})
	}
	defer broker.Close()

	if err := broker.Initialize(ctx); err != nil {
		logger.Fatal("Failed to initialize streams", map[string]interface{}{"error": err.Error()})
	}

	consumer, err := broker.CreateTaskConsumer(ctx, workerID,
		cfg.Worker.MaxConcurrentTasks, cfg.Worker.BatchSize, cfg.Worker.FetchTimeout)
	if err != nil {
		logger.Fatal("Failed to create task consumer", map[string]interface{}{"error": err.Error()})
	}

	registry := worker.NewRegistry()
	worker.RegisterBuiltins(registry)

	cancelMgr := cancellation.NewManager()

	execConfig := worker.DefaultConfig(workerID)
	execConfig.MaxConcurrentTasks = cfg.Worker.MaxConcurrentTasks
	execConfig.BatchSize = cfg.Worker.BatchSize
	execConfig.PauseDelay = cfg.Worker.PauseDelay
	execConfig.HeartbeatInterval = cfg.Worker.HeartbeatInterval

	executor := worker.NewExecutor(execConfig, consumer, registry, cancelMgr,
		broker, broker, logger, metrics)

	// Cancel requests from the manager arrive on the control subject; feed
	// them into the local token map so in-flight handlers observe them
	cancelSub, err := broker.SubscribeRaw(events.SubjectTaskCancelRequest)
	if err != nil {
		logger.Fatal("Failed to subscribe to cancel requests", map[string]interface{}{"error": err.Error()})
	}
	go func() {
		for {
			data, err := cancelSub.Next(ctx)
			if err != nil {
				return
			}
			var req queue.CancelRequest
			if err := json.Unmarshal(data, &req); err != nil {
				logger.Warn("Skipping malformed cancel request", map[string]interface{}{
					"error": err.Error(),
				})
				continue
			}
			executor.HandleCancelEvent(req.TaskID, req.Reason)
		}
	}()

	if err := executor.Run(ctx); err != nil {
		logger.Error("Executor stopped with error", map[string]interface{}{"error": err.Error()})
	}
}
