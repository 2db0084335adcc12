// Package scheduler drives the transaction execution lifecycle: a cron
// ladder reconciles status at shrinking horizons as valid start approaches,
// and per-transaction timers collate the payload just before the valid
// window opens and fire exactly one execution attempt per unit.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quorumdesk/txcoordinator/internal/domain/cache"
	"github.com/quorumdesk/txcoordinator/internal/domain/transaction"
	"github.com/quorumdesk/txcoordinator/internal/metrics"
	"github.com/quorumdesk/txcoordinator/internal/services/reconcile"
	"github.com/quorumdesk/txcoordinator/internal/storage"
	"github.com/quorumdesk/txcoordinator/pkg/logger"
)

// Executor submits an execution unit to the ledger. It is expected to
// update final status itself and to no-op gracefully on a transaction that
// went terminal between scheduling and firing.
type Executor interface {
	ExecuteTransaction(ctx context.Context, tx *transaction.Transaction) error
	ExecuteGroup(ctx context.Context, g *transaction.Group) error
}

// KeySource resolves signer key requirements during collation. Implemented
// by the account cache service.
type KeySource interface {
	GetAccountInfoForTransaction(ctx context.Context, tx *transaction.Transaction, accountID string) (*cache.Account, error)
	GetNodeInfoForTransaction(ctx context.Context, tx *transaction.Transaction, nodeID int64) (*cache.Node, error)
}

// Collator shrinks a transaction's signed payload under the size limit.
// A nil payload with nil error means the payload is irreducibly oversized.
type Collator interface {
	SmartCollate(ctx context.Context, tx *transaction.Transaction, keys KeySource) ([]byte, error)
}

// Reconciler is the status reconciliation service the ladder invokes.
type Reconciler interface {
	UpdateTransactions(ctx context.Context, from, to time.Time) ([]transaction.Transaction, error)
	ExpireStale(ctx context.Context) ([]int64, error)
}

// Publisher delivers batched status update notifications.
type Publisher interface {
	EmitStatusUpdate(ctx context.Context, events []reconcile.StatusEvent)
}

// Config tunes the scheduler's timing.
type Config struct {
	// CollateLeadTime is how long before valid start collation fires.
	CollateLeadTime time.Duration
	// ExecuteDelay is how long after valid start execution fires.
	ExecuteDelay time.Duration
	// StartupDelay is the one-shot full pass delay after Start.
	StartupDelay time.Duration
	// ExecutableWindow is how far into the past a transaction is still
	// schedulable.
	ExecutableWindow time.Duration
}

// DefaultConfig returns the production timing.
func DefaultConfig() Config {
	return Config{
		CollateLeadTime:  10 * time.Second,
		ExecuteDelay:     5 * time.Second,
		StartupDelay:     6 * time.Second,
		ExecutableWindow: 3 * time.Minute,
	}
}

// Service is the transaction/group scheduler.
type Service struct {
	store      storage.TransactionStore
	reconciler Reconciler
	keys       KeySource
	collator   Collator
	executor   Executor
	publisher  Publisher
	timers     *timerRegistry
	cron       *cron.Cron
	met        *metrics.Metrics
	log        *logger.Logger
	cfg        Config
	now        func() time.Time

	ctx        context.Context
	cancel     context.CancelFunc
	startTimer *time.Timer
}

// Option customizes the service.
type Option func(*Service)

// WithClock stubs the clock in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.met = m }
}

// New constructs the scheduler.
func New(store storage.TransactionStore, reconciler Reconciler, keys KeySource, collator Collator, executor Executor, publisher Publisher, cfg Config, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	def := DefaultConfig()
	if cfg.CollateLeadTime <= 0 {
		cfg.CollateLeadTime = def.CollateLeadTime
	}
	if cfg.ExecuteDelay <= 0 {
		cfg.ExecuteDelay = def.ExecuteDelay
	}
	if cfg.StartupDelay <= 0 {
		cfg.StartupDelay = def.StartupDelay
	}
	if cfg.ExecutableWindow <= 0 {
		cfg.ExecutableWindow = def.ExecutableWindow
	}
	s := &Service{
		store:      store,
		reconciler: reconciler,
		keys:       keys,
		collator:   collator,
		executor:   executor,
		publisher:  publisher,
		timers:     newTimerRegistry(),
		cron:       cron.New(),
		log:        log,
		cfg:        cfg,
		now:        time.Now,
		ctx:        context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ladder is the recurring reconciliation schedule. Each rung covers a
// narrower window, polled more often, as valid start approaches. The rungs
// overlap on purpose; the timer registry is what prevents duplicates.
var ladder = []struct {
	rung     string
	schedule string
}{
	{"week-ahead", "@every 24h"},
	{"day-ahead", "@every 24h"},
	{"hour-ahead", "@every 30m"},
	{"ten-minutes", "@every 10m"},
	{"three-minutes", "@every 30s"},
	{"executable", "@every 10s"},
}

// Start arms the cron ladder, the expiry sweep, and the one-shot startup
// pass. It does not block.
func (s *Service) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	for _, rung := range ladder {
		rung := rung
		if _, err := s.cron.AddFunc(rung.schedule, func() { s.runRung(rung.rung) }); err != nil {
			return fmt.Errorf("schedule rung %s: %w", rung.rung, err)
		}
	}
	if _, err := s.cron.AddFunc("@every 10s", s.runExpiry); err != nil {
		return fmt.Errorf("schedule expiry sweep: %w", err)
	}

	s.startTimer = time.AfterFunc(s.cfg.StartupDelay, func() {
		for _, rung := range ladder {
			s.runRung(rung.rung)
		}
		s.runExpiry()
	})

	s.cron.Start()
	s.log.Info("transaction scheduler started")
	return nil
}

// Stop halts the ladder and cancels every armed timer.
func (s *Service) Stop() {
	if s.startTimer != nil {
		s.startTimer.Stop()
	}
	s.cron.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	s.timers.cancelAll()
	s.log.Info("transaction scheduler stopped")
}

// window returns the reconciliation bounds for a ladder rung relative to
// now. A zero "to" means unbounded.
func (s *Service) window(rung string, now time.Time) (time.Time, time.Time) {
	switch rung {
	case "week-ahead":
		return now.Add(7 * 24 * time.Hour), time.Time{}
	case "day-ahead":
		return now.Add(24 * time.Hour), now.Add(7 * 24 * time.Hour)
	case "hour-ahead":
		return now.Add(time.Hour), now.Add(24 * time.Hour)
	case "ten-minutes":
		return now.Add(10 * time.Minute), now.Add(time.Hour)
	case "three-minutes":
		return now.Add(s.cfg.ExecutableWindow), now.Add(10 * time.Minute)
	default: // executable
		return now.Add(-s.cfg.ExecutableWindow), now.Add(s.cfg.ExecutableWindow)
	}
}

func (s *Service) runRung(rung string) {
	now := s.now()
	from, to := s.window(rung, now)

	candidates, err := s.reconciler.UpdateTransactions(s.ctx, from, to)
	if err != nil {
		s.log.WithError(err).WithField("rung", rung).Error("reconciliation pass failed")
		return
	}
	if s.met != nil {
		s.met.ReconcilePasses.WithLabelValues(rung).Inc()
	}
	if rung == "executable" {
		s.PrepareTransactions(s.ctx, candidates)
	}
}

func (s *Service) runExpiry() {
	if ids, err := s.reconciler.ExpireStale(s.ctx); err != nil {
		s.log.WithError(err).Error("expiry sweep failed")
	} else if s.met != nil && len(ids) > 0 {
		s.met.ExpiredTotal.Add(float64(len(ids)))
	}
}

// preparedUnit pairs a scheduling node with its resolved execution unit so
// units can be armed in total node order.
type preparedUnit struct {
	node transaction.Node
	unit transaction.ExecutionUnit
}

// PrepareTransactions schedules collation for every executable candidate:
// WAITING_FOR_EXECUTION, valid start within [now-window, now], not already
// scheduled. Group membership is decided from the eager-loaded relation;
// atomic or sequential groups are handled once per group via the first
// encountered item, everything else schedules independently.
func (s *Service) PrepareTransactions(ctx context.Context, candidates []transaction.Transaction) {
	now := s.now()
	earliest := now.Add(-s.cfg.ExecutableWindow)

	seenGroups := make(map[int64]struct{})
	var prepared []preparedUnit

	for i := range candidates {
		tx := &candidates[i]
		if tx.Status != transaction.StatusWaitingForExecution {
			continue
		}
		if tx.ValidStart.Before(earliest) || tx.ValidStart.After(now) {
			continue
		}

		if g := unitGroup(tx); g != nil {
			if _, ok := seenGroups[g.ID]; ok {
				continue
			}
			seenGroups[g.ID] = struct{}{}
			if s.timers.exists(groupCollateTimerName(g.ID)) || s.timers.exists(groupExecutionTimerName(g.ID)) {
				continue
			}
			full, err := s.store.GetGroup(ctx, g.ID)
			if err != nil {
				s.log.WithError(err).WithField("group_id", g.ID).Error("failed to load group for scheduling")
				continue
			}
			if full == nil {
				continue
			}
			unit := transaction.ExecutionUnit{Group: full}
			prepared = append(prepared, preparedUnit{
				node: transaction.Node{Kind: transaction.NodeGroup, GroupID: g.ID, ValidStart: unit.ValidStart()},
				unit: unit,
			})
			continue
		}

		if s.timers.exists(collateTimerName(tx.ID)) || s.timers.exists(executionTimerName(tx.ID)) {
			continue
		}
		txCopy := *tx
		prepared = append(prepared, preparedUnit{
			node: transaction.Node{Kind: transaction.NodeSingle, TransactionID: tx.ID, ValidStart: tx.ValidStart},
			unit: transaction.ExecutionUnit{Single: &txCopy},
		})
	}

	sort.Slice(prepared, func(i, j int) bool {
		return transaction.CompareNodes(prepared[i].node, prepared[j].node) < 0
	})

	for _, p := range prepared {
		s.scheduleCollate(p.unit)
	}
}

// unitGroup returns the group a transaction executes with as a unit, nil
// for independent scheduling. Decided from already-loaded relation data;
// the hot path must not query per transaction.
func unitGroup(tx *transaction.Transaction) *transaction.Group {
	if tx.GroupItem == nil || tx.GroupItem.Group == nil {
		return nil
	}
	if !tx.GroupItem.Group.ExecutesAsUnit() {
		return nil
	}
	return tx.GroupItem.Group
}

// scheduleCollate arms the collate timer for a unit at valid start minus
// the lead time, clamped to fire immediately when already past. Idempotent
// per timer name.
func (s *Service) scheduleCollate(unit transaction.ExecutionUnit) {
	var name string
	if unit.Group != nil {
		name = groupCollateTimerName(unit.Group.ID)
	} else {
		name = collateTimerName(unit.Single.ID)
	}

	delay := unit.ValidStart().Add(-s.cfg.CollateLeadTime).Sub(s.now())
	if !s.timers.scheduleOnce(name, delay, func() { s.runCollate(unit) }) {
		return
	}
	if s.met != nil {
		s.met.TimersArmed.WithLabelValues("collate").Inc()
	}
	s.log.WithField("timer", name).
		WithField("delay", delay.String()).
		Info("collate timer armed")
}

// runCollate is the collate timer callback. Errors are logged, never
// propagated: a timer callback has no caller to throw to; the registry
// entry was already released by the registry so a later poll pass can
// rediscover the transaction.
func (s *Service) runCollate(unit transaction.ExecutionUnit) {
	if unit.Group != nil {
		s.collateGroup(s.ctx, unit.Group)
		return
	}
	s.collateSingle(s.ctx, unit.Single)
}

// collateGroup collates every item in valid start order. One irreducibly
// oversized item fails the whole group: every item is marked FAILED with
// the oversize code in one update, one batched event goes out, and no
// execution is scheduled. Collated bytes are held in memory only; a
// persisted shrink would make dropped signatures unrecoverable on retry.
// Items whose transaction row is gone are skipped.
func (s *Service) collateGroup(ctx context.Context, g *transaction.Group) {
	items := make([]transaction.GroupItem, 0, len(g.Items))
	for _, item := range g.Items {
		if item.Transaction == nil {
			s.log.WithField("group_id", g.ID).
				WithField("transaction_id", item.TransactionID).
				Warn("group item without transaction row, skipping")
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Transaction.ValidStart.Before(items[j].Transaction.ValidStart)
	})

	collated := make(map[int64][]byte, len(items))
	for _, item := range items {
		tx := item.Transaction
		payload, err := s.collator.SmartCollate(ctx, tx, s.keys)
		if err != nil {
			s.log.WithError(err).
				WithField("group_id", g.ID).
				WithField("transaction_id", tx.ID).
				Error("group collation failed")
			return
		}
		if payload == nil {
			ids := make([]int64, 0, len(items))
			for _, it := range items {
				ids = append(ids, it.TransactionID)
			}
			if s.failOversized(ctx, ids) {
				s.log.WithField("group_id", g.ID).
					WithField("transactions", len(ids)).
					Warn("group aborted: payload irreducibly oversized")
			}
			return
		}
		collated[tx.ID] = payload
	}

	s.scheduleGroupExecution(g, collated)
}

// failOversized marks the given transactions FAILED with the oversize
// status code in one update and emits one batched event.
func (s *Service) failOversized(ctx context.Context, ids []int64) bool {
	now := s.now()
	events := make([]reconcile.StatusEvent, 0, len(ids))
	for _, id := range ids {
		events = append(events, reconcile.StatusEvent{
			EntityID: id,
			AdditionalData: map[string]interface{}{
				"status":      string(transaction.StatusFailed),
				"status_code": transaction.StatusCodeTransactionOversize,
			},
		})
	}
	if err := s.store.MarkFailed(ctx, ids, transaction.StatusCodeTransactionOversize, now); err != nil {
		s.log.WithError(err).Error("failed to mark oversized transactions")
		return false
	}
	s.publisher.EmitStatusUpdate(ctx, events)
	if s.met != nil {
		s.met.OversizeFailures.Add(float64(len(ids)))
	}
	return true
}

func (s *Service) scheduleGroupExecution(g *transaction.Group, collated map[int64][]byte) {
	name := groupExecutionTimerName(g.ID)
	unit := transaction.ExecutionUnit{Group: g}
	delay := unit.ValidStart().Add(s.cfg.ExecuteDelay).Sub(s.now())

	armed := s.timers.scheduleOnce(name, delay, func() {
		// Hand the executor a copy carrying the in-memory collated
		// bytes; the stored rows keep the full payload.
		exec := *g
		exec.Items = make([]transaction.GroupItem, len(g.Items))
		copy(exec.Items, g.Items)
		for i := range exec.Items {
			if exec.Items[i].Transaction == nil {
				continue
			}
			txCopy := *exec.Items[i].Transaction
			if payload, ok := collated[txCopy.ID]; ok {
				txCopy.TransactionBytes = payload
			}
			exec.Items[i].Transaction = &txCopy
		}
		if err := s.executor.ExecuteGroup(s.ctx, &exec); err != nil {
			s.log.WithError(err).WithField("group_id", g.ID).Error("group execution failed")
			s.countExecution("group", "error")
			return
		}
		s.countExecution("group", "ok")
	})
	if !armed {
		return
	}
	if s.met != nil {
		s.met.TimersArmed.WithLabelValues("execute").Inc()
	}
	s.log.WithField("timer", name).Info("group execution timer armed")
}

// collateSingle collates one independent transaction. Manual transactions
// still collate, so a reviewer sees the final bytes, but never arm the
// execution timer.
func (s *Service) collateSingle(ctx context.Context, tx *transaction.Transaction) {
	payload, err := s.collator.SmartCollate(ctx, tx, s.keys)
	if err != nil {
		s.log.WithError(err).WithField("transaction_id", tx.ID).Error("collation failed")
		return
	}
	if payload == nil {
		if s.failOversized(ctx, []int64{tx.ID}) {
			s.log.WithField("transaction_id", tx.ID).
				Warn("transaction failed: payload irreducibly oversized")
		}
		return
	}
	if tx.IsManual {
		s.log.WithField("transaction_id", tx.ID).Info("manual transaction collated, execution left to operator")
		return
	}

	name := executionTimerName(tx.ID)
	delay := tx.ValidStart.Add(s.cfg.ExecuteDelay).Sub(s.now())
	armed := s.timers.scheduleOnce(name, delay, func() {
		exec := *tx
		exec.TransactionBytes = payload
		if err := s.executor.ExecuteTransaction(s.ctx, &exec); err != nil {
			s.log.WithError(err).WithField("transaction_id", tx.ID).Error("execution failed")
			s.countExecution("single", "error")
			return
		}
		s.countExecution("single", "ok")
	})
	if !armed {
		return
	}
	if s.met != nil {
		s.met.TimersArmed.WithLabelValues("execute").Inc()
	}
	s.log.WithField("timer", name).Info("execution timer armed")
}

func (s *Service) countExecution(kind, outcome string) {
	if s.met != nil {
		s.met.Executions.WithLabelValues(kind, outcome).Inc()
	}
}

// TimerExists reports whether a named timer is currently armed. Exposed
// for observability endpoints and tests.
func (s *Service) TimerExists(name string) bool {
	return s.timers.exists(name)
}
