// Package transaction defines the transaction and group aggregates the
// coordinator schedules and executes.
package transaction

import "time"

// Status is the lifecycle status of a transaction.
type Status string

const (
	StatusNew                  Status = "NEW"
	StatusRejected             Status = "REJECTED"
	StatusWaitingForSignatures Status = "WAITING_FOR_SIGNATURES"
	StatusWaitingForExecution  Status = "WAITING_FOR_EXECUTION"
	StatusExecuted             Status = "EXECUTED"
	StatusFailed               Status = "FAILED"
	StatusExpired              Status = "EXPIRED"
	StatusCanceled             Status = "CANCELED"
)

// Pending reports whether the status still allows reconciliation.
func (s Status) Pending() bool {
	return s == StatusWaitingForSignatures || s == StatusWaitingForExecution
}

// Expirable reports whether a transaction in this status may still be
// swept to EXPIRED once its valid-start window has passed.
func (s Status) Expirable() bool {
	switch s {
	case StatusNew, StatusRejected, StatusWaitingForSignatures, StatusWaitingForExecution:
		return true
	}
	return false
}

// StatusCodeTransactionOversize is the ledger response code recorded when
// collation cannot shrink a payload under the size limit.
const StatusCodeTransactionOversize = 6

// ExpireAfter is how far past its valid start a transaction stays usable.
const ExpireAfter = 3 * time.Minute

// Transaction is a pending ledger transaction awaiting signatures and
// execution. The coordinator references it; ownership of the row lives in
// the persistence layer.
type Transaction struct {
	ID            int64      `db:"id"`
	TransactionID string     `db:"transaction_id"`
	ValidStart    time.Time  `db:"valid_start"`
	Status        Status     `db:"status"`
	StatusCode    *int       `db:"status_code"`
	IsManual      bool       `db:"is_manual"`
	MirrorNetwork string     `db:"mirror_network"`
	CreatorKeyID  int64      `db:"creator_key_id"`
	ExecutedAt    *time.Time `db:"executed_at"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`

	// TransactionBytes is the signed payload as persisted. Collation may
	// produce a smaller body held only in memory; the shrink is never
	// written back so dropped signatures survive a retry.
	TransactionBytes []byte `db:"transaction_bytes"`

	// GroupItem is the eager-loaded group membership, nil for independent
	// transactions.
	GroupItem *GroupItem `db:"-"`
}

// Expired reports whether the transaction's usable window has closed.
func (t *Transaction) Expired(now time.Time) bool {
	return t.ValidStart.Before(now.Add(-ExpireAfter))
}

// Group is an ordered collection of transactions executed together.
type Group struct {
	ID         int64     `db:"id"`
	Atomic     bool      `db:"atomic"`
	Sequential bool      `db:"sequential"`
	CreatedAt  time.Time `db:"created_at"`

	// Items is ordered by sequence, then valid start.
	Items []GroupItem `db:"-"`
}

// ExecutesAsUnit reports whether the group executes as a single unit
// rather than item by item.
func (g *Group) ExecutesAsUnit() bool {
	return g.Atomic || g.Sequential
}

// GroupItem links one transaction into a group at a position.
type GroupItem struct {
	TransactionID int64 `db:"transaction_id"`
	GroupID       int64 `db:"group_id"`
	Seq           int   `db:"seq"`

	Transaction *Transaction `db:"-"`
	Group       *Group       `db:"-"`
}

// ExecutionUnit is the scheduling unit decided once during preparation:
// either one independent transaction or a whole atomic/sequential group.
// Downstream collate and execute phases never re-inspect group flags.
type ExecutionUnit struct {
	Single *Transaction
	Group  *Group
}

// ValidStart returns the anchor timestamp for the unit's timers. For a
// group that is the earliest item's valid start.
func (u ExecutionUnit) ValidStart() time.Time {
	if u.Group != nil {
		var earliest time.Time
		for _, item := range u.Group.Items {
			if item.Transaction == nil {
				continue
			}
			if earliest.IsZero() || item.Transaction.ValidStart.Before(earliest) {
				earliest = item.Transaction.ValidStart
			}
		}
		return earliest
	}
	return u.Single.ValidStart
}
