package job

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/gidorah/image-processing-service-api/internal/model"
)

type fakePool struct {
	ids []uuid.UUID
}

func (p *fakePool) Submit(_ context.Context, id uuid.UUID) error {
	p.ids = append(p.ids, id)
	return nil
}

func TestHandle(t *testing.T) {
	p := &fakePool{}
	h := NewPendingHandler(p)

	jobID := uuid.New()
	value, err := json.Marshal(model.JobNotification{JobID: jobID})
	if err != nil {
		t.Fatalf("marshal notification: %v", err)
	}

	if err := h.Handle(context.Background(), kafka.Message{Value: value}); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(p.ids) != 1 || p.ids[0] != jobID {
		t.Errorf("submitted jobs: got %v, want [%s]", p.ids, jobID)
	}
}

func TestHandle_BadPayload(t *testing.T) {
	p := &fakePool{}
	h := NewPendingHandler(p)

	if err := h.Handle(context.Background(), kafka.Message{Value: []byte("{bad json")}); err == nil {
		t.Error("expected error for malformed notification")
	}
	if len(p.ids) != 0 {
		t.Errorf("submitted jobs: got %v, want none", p.ids)
	}
}
