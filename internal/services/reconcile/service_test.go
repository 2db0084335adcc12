package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quorumdesk/txcoordinator/internal/domain/transaction"
	"github.com/quorumdesk/txcoordinator/internal/storage"
)

type stubProcessor struct {
	changed map[int64]transaction.Status
	seen    []transaction.Transaction
}

func (p *stubProcessor) ProcessStatuses(_ context.Context, txs []transaction.Transaction) (map[int64]transaction.Status, error) {
	p.seen = txs
	return p.changed, nil
}

type captivePublisher struct {
	mu      sync.Mutex
	batches [][]StatusEvent
}

func (c *captivePublisher) EmitStatusUpdate(_ context.Context, events []StatusEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	batch := make([]StatusEvent, len(events))
	copy(batch, events)
	c.batches = append(c.batches, batch)
}

func (c *captivePublisher) batchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func TestUpdateTransactionsEmitsOnlyChanged(t *testing.T) {
	store := storage.NewMemory()
	now := time.Now()

	changedTx := store.PutTransaction(transaction.Transaction{
		Status:     transaction.StatusWaitingForExecution,
		ValidStart: now.Add(-time.Minute),
	})
	unchangedTx := store.PutTransaction(transaction.Transaction{
		Status:     transaction.StatusWaitingForSignatures,
		ValidStart: now.Add(-30 * time.Second),
	})

	processor := &stubProcessor{changed: map[int64]transaction.Status{changedTx.ID: transaction.StatusExecuted}}
	publisher := &captivePublisher{}
	svc := New(store, processor, publisher, nil)

	got, err := svc.UpdateTransactions(context.Background(), now.Add(-3*time.Minute), now)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	// Both candidates come back, changed or not.
	if len(got) != 2 {
		t.Fatalf("candidates = %d, want 2", len(got))
	}
	if got[0].ID != changedTx.ID || got[1].ID != unchangedTx.ID {
		t.Fatalf("candidates not ordered by valid start: %v, %v", got[0].ID, got[1].ID)
	}

	if publisher.batchCount() != 1 {
		t.Fatalf("batches = %d, want exactly one", publisher.batchCount())
	}
	batch := publisher.batches[0]
	if len(batch) != 1 || batch[0].EntityID != changedTx.ID {
		t.Fatalf("batch = %#v, want only the changed transaction", batch)
	}
}

func TestUpdateTransactionsPersistsChangedStatuses(t *testing.T) {
	store := storage.NewMemory()
	now := time.Now()

	committed := store.PutTransaction(transaction.Transaction{
		Status:     transaction.StatusWaitingForExecution,
		ValidStart: now.Add(-time.Minute),
	})

	processor := &stubProcessor{changed: map[int64]transaction.Status{committed.ID: transaction.StatusExecuted}}
	publisher := &captivePublisher{}
	svc := New(store, processor, publisher, nil)

	got, err := svc.UpdateTransactions(context.Background(), now.Add(-3*time.Minute), now)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	// The new status must be written back, not just announced.
	stored, _ := store.GetTransaction(committed.ID)
	if stored.Status != transaction.StatusExecuted {
		t.Fatalf("stored status = %s, want EXECUTED", stored.Status)
	}
	// Returned candidates carry the new status so the scheduler never
	// arms timers for a transaction that just went terminal.
	if len(got) != 1 || got[0].Status != transaction.StatusExecuted {
		t.Fatalf("candidates = %#v, want the executed transaction", got)
	}

	// A later expiry sweep must leave the executed transaction alone.
	svc.WithClock(func() time.Time { return now.Add(4 * time.Minute) })
	ids, err := svc.ExpireStale(context.Background())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expired = %v, executed transaction must not be swept", ids)
	}
	if stored, _ := store.GetTransaction(committed.ID); stored.Status != transaction.StatusExecuted {
		t.Fatalf("stored status = %s after sweep, want EXECUTED", stored.Status)
	}
}

func TestUpdateTransactionsNoChangesNoEvent(t *testing.T) {
	store := storage.NewMemory()
	now := time.Now()
	store.PutTransaction(transaction.Transaction{
		Status:     transaction.StatusWaitingForExecution,
		ValidStart: now.Add(-time.Minute),
	})

	publisher := &captivePublisher{}
	svc := New(store, &stubProcessor{}, publisher, nil)

	if _, err := svc.UpdateTransactions(context.Background(), now.Add(-3*time.Minute), now); err != nil {
		t.Fatalf("update: %v", err)
	}
	if publisher.batchCount() != 0 {
		t.Fatal("no event must be emitted when nothing changed")
	}
}

func TestUpdateTransactionsWindowBounds(t *testing.T) {
	store := storage.NewMemory()
	now := time.Now()

	inside := store.PutTransaction(transaction.Transaction{
		Status:     transaction.StatusWaitingForExecution,
		ValidStart: now.Add(time.Hour),
	})
	store.PutTransaction(transaction.Transaction{
		Status:     transaction.StatusWaitingForExecution,
		ValidStart: now.Add(25 * time.Hour),
	})
	store.PutTransaction(transaction.Transaction{
		Status:     transaction.StatusExecuted,
		ValidStart: now.Add(time.Hour),
	})

	svc := New(store, &stubProcessor{}, &captivePublisher{}, nil)
	got, err := svc.UpdateTransactions(context.Background(), now, now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(got) != 1 || got[0].ID != inside.ID {
		t.Fatalf("candidates = %#v, want only the in-window pending transaction", got)
	}
}

func TestExpireStaleBatchesOneEvent(t *testing.T) {
	store := storage.NewMemory()
	now := time.Now()

	var staleIDs []int64
	for i := 0; i < 3; i++ {
		tx := store.PutTransaction(transaction.Transaction{
			Status:     transaction.StatusWaitingForSignatures,
			ValidStart: now.Add(-10 * time.Minute),
		})
		staleIDs = append(staleIDs, tx.ID)
	}
	fresh := store.PutTransaction(transaction.Transaction{
		Status:     transaction.StatusWaitingForSignatures,
		ValidStart: now.Add(-time.Minute),
	})

	publisher := &captivePublisher{}
	svc := New(store, &stubProcessor{}, publisher, nil)

	ids, err := svc.ExpireStale(context.Background())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expired = %v, want the 3 stale transactions", ids)
	}

	for _, id := range staleIDs {
		tx, _ := store.GetTransaction(id)
		if tx.Status != transaction.StatusExpired {
			t.Fatalf("transaction %d status = %s, want EXPIRED", id, tx.Status)
		}
	}
	if tx, _ := store.GetTransaction(fresh.ID); tx.Status != transaction.StatusWaitingForSignatures {
		t.Fatal("fresh transaction must not be expired")
	}

	if publisher.batchCount() != 1 {
		t.Fatalf("batches = %d, want one batched event for all expired IDs", publisher.batchCount())
	}
	if len(publisher.batches[0]) != 3 {
		t.Fatalf("batch size = %d, want 3", len(publisher.batches[0]))
	}
}

func TestExpireStaleNothingToDo(t *testing.T) {
	store := storage.NewMemory()
	publisher := &captivePublisher{}
	svc := New(store, &stubProcessor{}, publisher, nil)

	ids, err := svc.ExpireStale(context.Background())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(ids) != 0 || publisher.batchCount() != 0 {
		t.Fatal("nothing stale must mean no update and no event")
	}
}
