package bootstrap

import (
	"context"
	"time"

	"verifier_server/adapter/in/worker"
	"verifier_server/adapter/out/messaging"
	"verifier_server/config"
	"verifier_server/pkg/logger"
)

// Worker consumes detached run dispatches from the Redis stream and
// executes them on the engine.
type Worker struct {
	consumer *messaging.Consumer
	deps     *Dependencies
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewWorker(cfg *config.Config) (*Worker, func(), error) {
	logger.Init(logger.Config{
		Level:   logger.LevelInfo,
		Service: "verifier-worker",
	})

	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		return nil, nil, err
	}

	handler := worker.NewRunHandler(deps.JobRepo, deps.Engine)

	consumer := messaging.NewConsumer(deps.Redis, &messaging.ConsumerConfig{
		Group:        "bulk-workers",
		Consumer:     cfg.WorkerID,
		Streams:      []string{messaging.StreamBulkRun},
		Handler:      handler,
		Logger:       deps.ZLog,
		BatchSize:    int64(cfg.ConsumerBatch),
		BlockTimeout: time.Duration(cfg.ConsumerBlockMS) * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())

	return &Worker{
		consumer: consumer,
		deps:     deps,
		ctx:      ctx,
		cancel:   cancel,
	}, cleanup, nil
}

// Run blocks consuming until Stop is called.
func (w *Worker) Run() error {
	logger.Info("Worker started: consumer=%s", w.deps.Config.WorkerID)
	return w.consumer.Run(w.ctx)
}

// Stop cancels the consume loop.
func (w *Worker) Stop() {
	w.cancel()
}
