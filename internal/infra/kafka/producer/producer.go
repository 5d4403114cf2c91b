package producer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	wbfkafka "github.com/wb-go/wbf/kafka"
	"github.com/wb-go/wbf/retry"

	"github.com/gidorah/image-processing-service-api/internal/config"
	"github.com/gidorah/image-processing-service-api/internal/model"
)

// Producer publishes pending-job notifications to Kafka. Delivery is
// at-least-once; the job claim is idempotent so duplicates are harmless.
type Producer struct {
	Client   *wbfkafka.Producer
	strategy retry.Strategy
	cfg      *config.Kafka
}

// New creates a new Producer.
// - cfg: Kafka configuration struct
// - s: retry strategy
func New(cfg *config.Kafka, s retry.Strategy) *Producer {
	p := wbfkafka.NewProducer(cfg.Brokers, cfg.Topic)

	return &Producer{
		Client:   p,
		cfg:      cfg,
		strategy: s,
	}
}

// NotifyPending serializes the notification to JSON and sends it with
// retries. The job ID is the message key for partitioning and ordering.
func (p *Producer) NotifyPending(ctx context.Context, jobID uuid.UUID) error {
	data, err := json.Marshal(model.JobNotification{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %v", err)
	}

	key := []byte(jobID.String())

	if err = p.Client.SendWithRetry(ctx, p.strategy, key, data); err != nil {
		return fmt.Errorf("failed to send notification: %v", err)
	}

	return nil
}
