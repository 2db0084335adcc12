package collab

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/quorumdesk/txcoordinator/internal/services/reconcile"
	"github.com/quorumdesk/txcoordinator/pkg/logger"
)

// WebhookPublisher delivers batched status events to a webhook endpoint.
// Delivery is fire-and-forget; a failed post is logged and dropped, the
// next reconciliation pass regenerates anything the consumer missed.
type WebhookPublisher struct {
	client *client
	log    *logger.Logger
}

// NewWebhookPublisher builds a publisher against the given webhook URL.
func NewWebhookPublisher(webhookURL, apiKey string, httpClient *http.Client, log *logger.Logger) *WebhookPublisher {
	if log == nil {
		log = logger.NewDefault("publisher")
	}
	return &WebhookPublisher{client: newClient(webhookURL, apiKey, httpClient), log: log}
}

type statusUpdateBatch struct {
	BatchID   string                  `json:"batch_id"`
	EmittedAt time.Time               `json:"emitted_at"`
	Events    []reconcile.StatusEvent `json:"events"`
}

// EmitStatusUpdate posts the batch as one request.
func (p *WebhookPublisher) EmitStatusUpdate(ctx context.Context, events []reconcile.StatusEvent) {
	if len(events) == 0 {
		return
	}
	batch := statusUpdateBatch{
		BatchID:   uuid.NewString(),
		EmittedAt: time.Now().UTC(),
		Events:    events,
	}
	if err := p.client.postJSON(ctx, "", batch, nil); err != nil {
		p.log.WithError(err).
			WithField("events", len(events)).
			Error("status update delivery failed")
	}
}

// LogPublisher writes status events to the log. Used when no webhook is
// configured.
type LogPublisher struct {
	Log *logger.Logger
}

// EmitStatusUpdate logs one line per batch.
func (p LogPublisher) EmitStatusUpdate(_ context.Context, events []reconcile.StatusEvent) {
	log := p.Log
	if log == nil {
		log = logger.NewDefault("publisher")
	}
	ids := make([]int64, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.EntityID)
	}
	log.WithField("entity_ids", ids).Info("status update")
}
