// Package reconcile cross-checks locally pending transactions against the
// mirror node in time-windowed passes and sweeps expired transactions.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/quorumdesk/txcoordinator/internal/domain/transaction"
	"github.com/quorumdesk/txcoordinator/internal/storage"
	"github.com/quorumdesk/txcoordinator/pkg/logger"
)

// StatusProcessor performs the actual mirror node status cross-check and
// returns the new status for every transaction that changed.
type StatusProcessor interface {
	ProcessStatuses(ctx context.Context, txs []transaction.Transaction) (map[int64]transaction.Status, error)
}

// StatusEvent notifies downstream consumers that a transaction changed.
type StatusEvent struct {
	EntityID       int64                  `json:"entity_id"`
	AdditionalData map[string]interface{} `json:"additional_data,omitempty"`
}

// Publisher delivers status update notifications. One call covers one
// logical change set; implementations are fire-and-forget.
type Publisher interface {
	EmitStatusUpdate(ctx context.Context, events []StatusEvent)
}

// Service reconciles transaction status against the mirror node.
type Service struct {
	store     storage.TransactionStore
	processor StatusProcessor
	publisher Publisher
	log       *logger.Logger
	now       func() time.Time
}

// New constructs the reconciliation service.
func New(store storage.TransactionStore, processor StatusProcessor, publisher Publisher, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("reconcile")
	}
	return &Service{
		store:     store,
		processor: processor,
		publisher: publisher,
		log:       log,
		now:       time.Now,
	}
}

// WithClock stubs the clock in tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// UpdateTransactions loads pending transactions with valid start in
// [from, to) (everything after from when to is zero), delegates the status
// cross-check, persists the changed statuses as one batch, emits one
// batched event for the changed subset, and returns every candidate for
// downstream scheduling with the new statuses applied.
func (s *Service) UpdateTransactions(ctx context.Context, from, to time.Time) ([]transaction.Transaction, error) {
	candidates, err := s.store.ListPending(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("list pending transactions: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	changed, err := s.processor.ProcessStatuses(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("process transaction statuses: %w", err)
	}

	if len(changed) > 0 {
		// Persist before announcing: consumers must never hear about a
		// status the store does not hold, and an unpersisted EXECUTED
		// would be swept to EXPIRED later.
		if err := s.store.UpdateStatuses(ctx, changed, s.now()); err != nil {
			return nil, fmt.Errorf("update transaction statuses: %w", err)
		}

		events := make([]StatusEvent, 0, len(changed))
		for i := range candidates {
			if newStatus, ok := changed[candidates[i].ID]; ok {
				candidates[i].Status = newStatus
				events = append(events, StatusEvent{
					EntityID:       candidates[i].ID,
					AdditionalData: map[string]interface{}{"status": string(newStatus)},
				})
			}
		}
		s.publisher.EmitStatusUpdate(ctx, events)
		s.log.WithField("candidates", len(candidates)).
			WithField("changed", len(events)).
			Info("transaction statuses reconciled")
	}

	return candidates, nil
}

// ExpireStale marks every expirable transaction whose valid start is more
// than the expiry window in the past as EXPIRED, in one atomic update, and
// emits a single batched event for all expired IDs. This is the terminal
// safety net keeping nothing pending past its usable window.
func (s *Service) ExpireStale(ctx context.Context) ([]int64, error) {
	threshold := s.now().Add(-transaction.ExpireAfter)
	ids, err := s.store.ExpireStale(ctx, threshold)
	if err != nil {
		return nil, fmt.Errorf("expire stale transactions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	events := make([]StatusEvent, 0, len(ids))
	for _, id := range ids {
		events = append(events, StatusEvent{
			EntityID:       id,
			AdditionalData: map[string]interface{}{"status": string(transaction.StatusExpired)},
		})
	}
	s.publisher.EmitStatusUpdate(ctx, events)
	s.log.WithField("expired", len(ids)).Info("stale transactions expired")
	return ids, nil
}
