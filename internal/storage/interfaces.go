// Package storage defines the persistence interfaces the coordinator
// depends on, an in-memory implementation for tests, and database-backed
// implementations for production.
package storage

import (
	"context"
	"time"

	"github.com/quorumdesk/txcoordinator/internal/domain/cache"
	"github.com/quorumdesk/txcoordinator/internal/domain/transaction"
)

// TransactionStore reads and updates transaction aggregates. Multi-row
// updates (MarkFailed, ExpireStale) are applied as one atomic unit so the
// caller can emit exactly one batched event per change set.
type TransactionStore interface {
	// ListPending returns WAITING_FOR_SIGNATURES and WAITING_FOR_EXECUTION
	// transactions with valid start in [from, to), ordered by valid start
	// ascending, with creator key and group relations eager-loaded. A zero
	// to means "everything after from".
	ListPending(ctx context.Context, from, to time.Time) ([]transaction.Transaction, error)

	// GetGroup loads a group with its items in order, each item carrying
	// its transaction.
	GetGroup(ctx context.Context, id int64) (*transaction.Group, error)

	// MarkFailed atomically moves the transactions to FAILED with the given
	// status code and execution timestamp.
	MarkFailed(ctx context.Context, ids []int64, statusCode int, executedAt time.Time) error

	// UpdateStatuses atomically applies the given status changes, stamping
	// updated_at. Unknown IDs are ignored.
	UpdateStatuses(ctx context.Context, statuses map[int64]transaction.Status, updatedAt time.Time) error

	// ExpireStale atomically marks every NEW, REJECTED or WAITING_*
	// transaction with valid start before the threshold as EXPIRED and
	// returns the affected IDs.
	ExpireStale(ctx context.Context, threshold time.Time) ([]int64, error)
}

// AccountCacheStore persists cached account key material with claim-guarded
// conditional updates. Plain unconditional writes to claimed fields are
// never exposed.
type AccountCacheStore interface {
	// GetAccount returns the cached row or nil when absent.
	GetAccount(ctx context.Context, key cache.AccountKey) (*cache.Account, error)

	// TryClaimAccount atomically claims the row for refresh, creating it if
	// absent. The claim is granted when no token is held or the held claim
	// was taken before reclaimBefore. Returns the row and whether the claim
	// was won.
	TryClaimAccount(ctx context.Context, key cache.AccountKey, token string, now, reclaimBefore time.Time) (*cache.Account, bool, error)

	// SaveAndReleaseAccount writes the row's data fields and clears the
	// refresh token in one conditional update guarded by the token.
	// Returns false when the token no longer matches; the caller must not
	// assume its writes landed.
	SaveAndReleaseAccount(ctx context.Context, acct *cache.Account, token string) (bool, error)

	// ReleaseAccountClaim clears the refresh token if it matches, leaving
	// data fields untouched.
	ReleaseAccountClaim(ctx context.Context, key cache.AccountKey, token string) error

	// InsertAccountKeys records flattened public keys for signer matching.
	// Duplicates are ignored.
	InsertAccountKeys(ctx context.Context, rowID int64, keys []string) error

	// LinkTransactionAccount associates a transaction with the cached row.
	// Duplicates are ignored.
	LinkTransactionAccount(ctx context.Context, transactionID, rowID int64) error

	// ListStaleAccounts returns rows last updated before olderThan, oldest
	// first, for background refresh sweeps.
	ListStaleAccounts(ctx context.Context, olderThan time.Time, limit int) ([]cache.Account, error)
}

// NodeCacheStore is the consensus-node counterpart of AccountCacheStore.
type NodeCacheStore interface {
	GetNode(ctx context.Context, key cache.NodeKey) (*cache.Node, error)
	TryClaimNode(ctx context.Context, key cache.NodeKey, token string, now, reclaimBefore time.Time) (*cache.Node, bool, error)
	SaveAndReleaseNode(ctx context.Context, node *cache.Node, token string) (bool, error)
	ReleaseNodeClaim(ctx context.Context, key cache.NodeKey, token string) error
	InsertNodeKeys(ctx context.Context, rowID int64, keys []string) error
	LinkTransactionNode(ctx context.Context, transactionID, rowID int64) error
	ListStaleNodes(ctx context.Context, olderThan time.Time, limit int) ([]cache.Node, error)
}
