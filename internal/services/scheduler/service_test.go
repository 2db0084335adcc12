package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quorumdesk/txcoordinator/internal/domain/cache"
	"github.com/quorumdesk/txcoordinator/internal/domain/transaction"
	"github.com/quorumdesk/txcoordinator/internal/services/reconcile"
	"github.com/quorumdesk/txcoordinator/internal/storage"
)

type stubReconciler struct {
	candidates []transaction.Transaction
	expired    []int64
}

func (r *stubReconciler) UpdateTransactions(_ context.Context, _, _ time.Time) ([]transaction.Transaction, error) {
	return r.candidates, nil
}

func (r *stubReconciler) ExpireStale(_ context.Context) ([]int64, error) {
	return r.expired, nil
}

type stubKeys struct{}

func (stubKeys) GetAccountInfoForTransaction(_ context.Context, _ *transaction.Transaction, _ string) (*cache.Account, error) {
	return nil, nil
}

func (stubKeys) GetNodeInfoForTransaction(_ context.Context, _ *transaction.Transaction, _ int64) (*cache.Node, error) {
	return nil, nil
}

type stubCollator struct {
	mu sync.Mutex
	// oversize lists transaction IDs whose payload cannot be shrunk.
	oversize map[int64]bool
	err      error
	calls    []int64
}

func (c *stubCollator) SmartCollate(_ context.Context, tx *transaction.Transaction, _ KeySource) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, tx.ID)
	if c.err != nil {
		return nil, c.err
	}
	if c.oversize[tx.ID] {
		return nil, nil
	}
	return append([]byte("collated:"), tx.TransactionBytes...), nil
}

func (c *stubCollator) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type captureExecutor struct {
	mu     sync.Mutex
	singles []transaction.Transaction
	groups  []transaction.Group
}

func (e *captureExecutor) ExecuteTransaction(_ context.Context, tx *transaction.Transaction) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.singles = append(e.singles, *tx)
	return nil
}

func (e *captureExecutor) ExecuteGroup(_ context.Context, g *transaction.Group) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.groups = append(e.groups, *g)
	return nil
}

func (e *captureExecutor) singleCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.singles)
}

func (e *captureExecutor) groupCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.groups)
}

type capturePublisher struct {
	mu      sync.Mutex
	batches [][]reconcile.StatusEvent
}

func (p *capturePublisher) EmitStatusUpdate(_ context.Context, events []reconcile.StatusEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	batch := make([]reconcile.StatusEvent, len(events))
	copy(batch, events)
	p.batches = append(p.batches, batch)
}

func (p *capturePublisher) batchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

type schedulerFixture struct {
	store     *storage.Memory
	collator  *stubCollator
	executor  *captureExecutor
	publisher *capturePublisher
	svc       *Service
}

// fastConfig keeps timers in the millisecond range so timer-driven chains
// complete within a test run.
func fastConfig() Config {
	return Config{
		CollateLeadTime:  5 * time.Millisecond,
		ExecuteDelay:     5 * time.Millisecond,
		StartupDelay:     time.Hour,
		ExecutableWindow: 3 * time.Minute,
	}
}

func newFixture(t *testing.T) *schedulerFixture {
	t.Helper()
	f := &schedulerFixture{
		store:     storage.NewMemory(),
		collator:  &stubCollator{oversize: map[int64]bool{}},
		executor:  &captureExecutor{},
		publisher: &capturePublisher{},
	}
	f.svc = New(f.store, &stubReconciler{}, stubKeys{}, f.collator, f.executor, f.publisher, fastConfig(), nil)
	t.Cleanup(f.svc.timers.cancelAll)
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPrepareCollatesAndExecutesSingle(t *testing.T) {
	f := newFixture(t)
	tx := f.store.PutTransaction(transaction.Transaction{
		Status:           transaction.StatusWaitingForExecution,
		ValidStart:       time.Now().Add(-time.Second),
		TransactionBytes: []byte("payload"),
	})

	f.svc.PrepareTransactions(context.Background(), []transaction.Transaction{mustGet(t, f.store, tx.ID)})

	waitFor(t, "execution", func() bool { return f.executor.singleCount() == 1 })
	got := f.executor.singles[0]
	if got.ID != tx.ID {
		t.Fatalf("executed transaction %d, want %d", got.ID, tx.ID)
	}
	if string(got.TransactionBytes) != "collated:payload" {
		t.Fatalf("executor received bytes %q, want collated payload", got.TransactionBytes)
	}

	// The stored row keeps the original payload; the shrink lives only in
	// the execution copy.
	stored, _ := f.store.GetTransaction(tx.ID)
	if string(stored.TransactionBytes) != "payload" {
		t.Fatalf("stored bytes mutated to %q", stored.TransactionBytes)
	}
}

func TestPrepareIsIdempotentWhileTimerArmed(t *testing.T) {
	f := newFixture(t)
	tx := f.store.PutTransaction(transaction.Transaction{
		Status:     transaction.StatusWaitingForExecution,
		ValidStart: time.Now().Add(-time.Second),
	})
	// A long lead time keeps the collate timer armed across both passes.
	f.svc.cfg.CollateLeadTime = -time.Hour

	row := mustGet(t, f.store, tx.ID)
	f.svc.PrepareTransactions(context.Background(), []transaction.Transaction{row})
	if !f.svc.TimerExists(collateTimerName(tx.ID)) {
		t.Fatal("collate timer not armed")
	}
	f.svc.PrepareTransactions(context.Background(), []transaction.Transaction{row})

	f.svc.timers.mu.Lock()
	live := len(f.svc.timers.timers)
	f.svc.timers.mu.Unlock()
	if live != 1 {
		t.Fatalf("got %d live timers after duplicate prepare, want 1", live)
	}
	if f.collator.callCount() != 0 {
		t.Fatalf("collator ran %d times before the timer fired", f.collator.callCount())
	}
}

func TestPrepareSkipsIneligibleCandidates(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	rows := []transaction.Transaction{
		f.store.PutTransaction(transaction.Transaction{Status: transaction.StatusExecuted, ValidStart: now.Add(-time.Second)}),
		f.store.PutTransaction(transaction.Transaction{Status: transaction.StatusWaitingForSignatures, ValidStart: now.Add(-time.Second)}),
		f.store.PutTransaction(transaction.Transaction{Status: transaction.StatusWaitingForExecution, ValidStart: now.Add(time.Minute)}),
		f.store.PutTransaction(transaction.Transaction{Status: transaction.StatusWaitingForExecution, ValidStart: now.Add(-10 * time.Minute)}),
	}
	for i := range rows {
		rows[i] = mustGet(t, f.store, rows[i].ID)
	}

	f.svc.PrepareTransactions(context.Background(), rows)

	f.svc.timers.mu.Lock()
	live := len(f.svc.timers.timers)
	f.svc.timers.mu.Unlock()
	if live != 0 {
		t.Fatalf("got %d timers for ineligible candidates, want 0", live)
	}
}

func TestAtomicGroupExecutesAsUnit(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	tx1 := f.store.PutTransaction(transaction.Transaction{
		Status: transaction.StatusWaitingForExecution, ValidStart: now.Add(-2 * time.Second), TransactionBytes: []byte("a"),
	})
	tx2 := f.store.PutTransaction(transaction.Transaction{
		Status: transaction.StatusWaitingForExecution, ValidStart: now.Add(-time.Second), TransactionBytes: []byte("b"),
	})
	g := f.store.PutGroup(transaction.Group{
		Atomic: true,
		Items: []transaction.GroupItem{
			{TransactionID: tx1.ID, Seq: 0},
			{TransactionID: tx2.ID, Seq: 1},
		},
	})

	// Both members show up as candidates; the group must be scheduled once.
	f.svc.PrepareTransactions(context.Background(), []transaction.Transaction{
		mustGet(t, f.store, tx1.ID), mustGet(t, f.store, tx2.ID),
	})

	waitFor(t, "group execution", func() bool { return f.executor.groupCount() == 1 })
	if f.executor.groupCount() != 1 {
		t.Fatalf("group executed %d times, want 1", f.executor.groupCount())
	}
	executed := f.executor.groups[0]
	if executed.ID != g.ID {
		t.Fatalf("executed group %d, want %d", executed.ID, g.ID)
	}
	for _, item := range executed.Items {
		if item.Transaction == nil {
			t.Fatalf("item %d missing transaction", item.TransactionID)
		}
		if string(item.Transaction.TransactionBytes[:9]) != "collated:" {
			t.Fatalf("item %d executed with uncollated bytes %q", item.TransactionID, item.Transaction.TransactionBytes)
		}
	}
	if f.executor.singleCount() != 0 {
		t.Fatalf("group members also executed individually: %d", f.executor.singleCount())
	}
}

func TestGroupWithMissingMemberRowStillExecutes(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	tx := f.store.PutTransaction(transaction.Transaction{
		Status: transaction.StatusWaitingForExecution, ValidStart: now.Add(-time.Second), TransactionBytes: []byte("a"),
	})
	// The second item points at a transaction row that no longer exists;
	// the group load leaves its Transaction nil.
	f.store.PutGroup(transaction.Group{
		Atomic: true,
		Items: []transaction.GroupItem{
			{TransactionID: tx.ID, Seq: 0},
			{TransactionID: tx.ID + 1000, Seq: 1},
		},
	})

	f.svc.PrepareTransactions(context.Background(), []transaction.Transaction{mustGet(t, f.store, tx.ID)})

	waitFor(t, "group execution", func() bool { return f.executor.groupCount() == 1 })
	if got := f.collator.callCount(); got != 1 {
		t.Fatalf("collator ran %d times, want 1 for the surviving member", got)
	}
	executed := f.executor.groups[0]
	for _, item := range executed.Items {
		if item.TransactionID == tx.ID && item.Transaction == nil {
			t.Fatal("surviving member lost its transaction row")
		}
	}
}

func TestAtomicGroupOversizeFailsEveryMember(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	tx1 := f.store.PutTransaction(transaction.Transaction{
		Status: transaction.StatusWaitingForExecution, ValidStart: now.Add(-2 * time.Second),
	})
	tx2 := f.store.PutTransaction(transaction.Transaction{
		Status: transaction.StatusWaitingForExecution, ValidStart: now.Add(-time.Second),
	})
	f.store.PutGroup(transaction.Group{
		Atomic: true,
		Items: []transaction.GroupItem{
			{TransactionID: tx1.ID, Seq: 0},
			{TransactionID: tx2.ID, Seq: 1},
		},
	})
	f.collator.oversize[tx2.ID] = true

	f.svc.PrepareTransactions(context.Background(), []transaction.Transaction{mustGet(t, f.store, tx1.ID)})

	waitFor(t, "oversize abort", func() bool { return f.publisher.batchCount() == 1 })
	if len(f.publisher.batches[0]) != 2 {
		t.Fatalf("got %d events in abort batch, want 2", len(f.publisher.batches[0]))
	}
	for _, id := range []int64{tx1.ID, tx2.ID} {
		stored, _ := f.store.GetTransaction(id)
		if stored.Status != transaction.StatusFailed {
			t.Fatalf("transaction %d status %s, want FAILED", id, stored.Status)
		}
		if stored.StatusCode == nil || *stored.StatusCode != transaction.StatusCodeTransactionOversize {
			t.Fatalf("transaction %d missing oversize status code", id)
		}
	}

	time.Sleep(50 * time.Millisecond)
	if f.executor.groupCount() != 0 || f.executor.singleCount() != 0 {
		t.Fatal("aborted group still executed")
	}
}

func TestManualTransactionNeverExecutes(t *testing.T) {
	f := newFixture(t)
	tx := f.store.PutTransaction(transaction.Transaction{
		Status:     transaction.StatusWaitingForExecution,
		ValidStart: time.Now().Add(-time.Second),
		IsManual:   true,
	})

	f.svc.PrepareTransactions(context.Background(), []transaction.Transaction{mustGet(t, f.store, tx.ID)})

	waitFor(t, "collation", func() bool { return f.collator.callCount() == 1 })
	time.Sleep(50 * time.Millisecond)
	if f.executor.singleCount() != 0 {
		t.Fatal("manual transaction was executed")
	}
	if f.svc.TimerExists(executionTimerName(tx.ID)) {
		t.Fatal("execution timer armed for manual transaction")
	}
}

func TestCollationErrorLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	tx := f.store.PutTransaction(transaction.Transaction{
		Status:     transaction.StatusWaitingForExecution,
		ValidStart: time.Now().Add(-time.Second),
	})
	f.collator.err = context.DeadlineExceeded

	f.svc.PrepareTransactions(context.Background(), []transaction.Transaction{mustGet(t, f.store, tx.ID)})

	waitFor(t, "collation attempt", func() bool { return f.collator.callCount() == 1 })
	time.Sleep(50 * time.Millisecond)
	stored, _ := f.store.GetTransaction(tx.ID)
	if stored.Status != transaction.StatusWaitingForExecution {
		t.Fatalf("status changed to %s after collation error", stored.Status)
	}
	if f.publisher.batchCount() != 0 {
		t.Fatal("events published after collation error")
	}
	// The timer name was released, so a later poll pass can retry.
	if f.svc.TimerExists(collateTimerName(tx.ID)) {
		t.Fatal("collate timer still registered after callback")
	}
}

func TestLadderWindows(t *testing.T) {
	f := newFixture(t)
	now := time.Now()

	from, to := f.svc.window("week-ahead", now)
	if !from.Equal(now.Add(7*24*time.Hour)) || !to.IsZero() {
		t.Fatalf("week-ahead window [%v, %v]", from, to)
	}
	from, to = f.svc.window("executable", now)
	if !from.Equal(now.Add(-3*time.Minute)) || !to.Equal(now.Add(3*time.Minute)) {
		t.Fatalf("executable window [%v, %v]", from, to)
	}

	// Adjacent rungs tile without gaps.
	rungs := []string{"day-ahead", "hour-ahead", "ten-minutes", "three-minutes"}
	prevFrom := now.Add(7 * 24 * time.Hour)
	for _, rung := range rungs {
		from, to = f.svc.window(rung, now)
		if !to.Equal(prevFrom) {
			t.Fatalf("rung %s upper bound %v does not meet %v", rung, to, prevFrom)
		}
		prevFrom = from
	}
	if !prevFrom.Equal(now.Add(3*time.Minute)) {
		t.Fatalf("ladder bottom %v does not meet the executable window", prevFrom)
	}
}

func mustGet(t *testing.T, store *storage.Memory, id int64) transaction.Transaction {
	t.Helper()
	tx, ok := store.GetTransaction(id)
	if !ok {
		t.Fatalf("transaction %d not stored", id)
	}
	return tx
}
