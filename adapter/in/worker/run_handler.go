// Package worker wires dispatched validation runs from the message
// stream into the execution engine.
package worker

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"verifier_server/adapter/out/messaging"
	"verifier_server/core/domain"
	"verifier_server/core/port/out"
	"verifier_server/core/service/bulk"
	"verifier_server/pkg/logger"
)

// RunHandler consumes bulk:run messages and executes the runs.
type RunHandler struct {
	jobs   out.JobRepository
	engine *bulk.Engine
	log    *logger.Logger
}

func NewRunHandler(jobs out.JobRepository, engine *bulk.Engine) *RunHandler {
	return &RunHandler{
		jobs:   jobs,
		engine: engine,
		log:    logger.Default().WithField("component", "run_handler"),
	}
}

var _ messaging.MessageHandler = (*RunHandler)(nil)

// Handle executes one dispatched run. Returning an error leaves the
// message pending for reclaim, so only retryable failures propagate.
func (h *RunHandler) Handle(ctx context.Context, stream string, data []byte) error {
	if stream != messaging.StreamBulkRun {
		h.log.WithField("stream", stream).Warn("message on unexpected stream, acking")
		return nil
	}

	var msg messaging.RunMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.log.WithError(err).Warn("malformed run message, acking")
		return nil
	}

	log := h.log.WithJob(msg.JobID)

	job, err := h.jobs.Get(ctx, msg.JobID)
	if err != nil {
		return fmt.Errorf("load dispatched job: %w", err)
	}
	if job.State != domain.StateRunning {
		// Stale dispatch: the job was canceled or finished elsewhere.
		log.WithField("state", string(job.State)).Info("skipping dispatch for non-running job")
		return nil
	}

	log.Info("executing dispatched run")
	if err := h.engine.ExecuteRun(ctx, job); err != nil {
		// The engine already drove the job to a terminal state; the
		// message must not be retried against a finished job.
		log.WithError(err).Error("dispatched run reported error")
	}
	return nil
}
