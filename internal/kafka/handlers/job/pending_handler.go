package job

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/gidorah/image-processing-service-api/internal/model"
)

// pool defines the interface for dispatching pending jobs to workers.
type pool interface {
	Submit(ctx context.Context, id uuid.UUID) error
}

// PendingHandler handles Kafka messages announcing pending jobs and
// hands them to the worker pool. Claiming happens inside the worker,
// so a redelivered message for a finished job is a harmless no-op.
type PendingHandler struct {
	pool pool
}

// NewPendingHandler creates a new handler backed by the given pool.
func NewPendingHandler(p pool) *PendingHandler {
	return &PendingHandler{pool: p}
}

// Handle decodes a pending-job notification and submits it to the pool.
func (h *PendingHandler) Handle(ctx context.Context, msg kafka.Message) error {
	var n model.JobNotification
	if err := json.Unmarshal(msg.Value, &n); err != nil {
		return fmt.Errorf("unmarshal notification: %w", err)
	}

	if err := h.pool.Submit(ctx, n.JobID); err != nil {
		return fmt.Errorf("submit job: %w", err)
	}

	return nil
}
