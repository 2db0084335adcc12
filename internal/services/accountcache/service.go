// Package accountcache resolves signer key material for transactions from
// cached mirror node data, refreshing rows under the claim coordinator so
// concurrent replicas never double-fetch.
package accountcache

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quorumdesk/txcoordinator/internal/claim"
	"github.com/quorumdesk/txcoordinator/internal/domain/cache"
	"github.com/quorumdesk/txcoordinator/internal/domain/transaction"
	"github.com/quorumdesk/txcoordinator/internal/mirror"
	"github.com/quorumdesk/txcoordinator/internal/storage"
	"github.com/quorumdesk/txcoordinator/pkg/logger"
)

// ErrInvalidAccountID marks a malformed shard.realm.num identifier. This is
// a client error and is never retried.
var ErrInvalidAccountID = errors.New("invalid account id")

var accountIDPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// MirrorClient is the subset of the mirror node client the service needs.
type MirrorClient interface {
	FetchAccountInfo(ctx context.Context, accountID, network, etag string) (*mirror.AccountInfo, string, error)
	FetchNodeInfo(ctx context.Context, nodeID int64, network, etag string) (*mirror.NodeInfo, string, error)
}

const (
	// DefaultStaleness is how long a cached row is served without a
	// network call.
	DefaultStaleness = 10 * time.Second
	// DefaultReclaimWindow is how old a refresh claim must be before
	// another process may take it over.
	DefaultReclaimWindow = 2 * time.Minute
)

// Service is the account/node cache use of the claim coordinator.
type Service struct {
	accounts storage.AccountCacheStore
	nodes    storage.NodeCacheStore
	mirror   MirrorClient
	coord    *claim.Coordinator
	log      *logger.Logger

	staleness time.Duration
	reclaim   time.Duration
	now       func() time.Time
}

// Option customizes the service.
type Option func(*Service)

// WithStaleness overrides the cache freshness threshold.
func WithStaleness(d time.Duration) Option {
	return func(s *Service) { s.staleness = d }
}

// WithReclaimWindow overrides the claim reclaim window.
func WithReclaimWindow(d time.Duration) Option {
	return func(s *Service) { s.reclaim = d }
}

// WithClock stubs the clock in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New constructs the cache service.
func New(accounts storage.AccountCacheStore, nodes storage.NodeCacheStore, mc MirrorClient, coord *claim.Coordinator, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("accountcache")
	}
	if coord == nil {
		coord = claim.NewCoordinator()
	}
	s := &Service{
		accounts:  accounts,
		nodes:     nodes,
		mirror:    mc,
		coord:     coord,
		log:       log,
		staleness: DefaultStaleness,
		reclaim:   DefaultReclaimWindow,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetAccountInfoForTransaction returns key material for a signer account,
// serving the cache when fresh and refreshing it under a claim otherwise.
// A nil row with nil error means the data is temporarily unknown (another
// replica owns the refresh); callers must not block on it.
func (s *Service) GetAccountInfoForTransaction(ctx context.Context, tx *transaction.Transaction, accountID string) (*cache.Account, error) {
	if !accountIDPattern.MatchString(accountID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAccountID, accountID)
	}

	key := cache.AccountKey{AccountID: accountID, MirrorNetwork: tx.MirrorNetwork}
	row, err := s.accounts.GetAccount(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read cached account: %w", err)
	}
	if row.Complete() && row.Fresh(s.now(), s.staleness) {
		if err := s.accounts.LinkTransactionAccount(ctx, tx.ID, row.ID); err != nil {
			return nil, fmt.Errorf("link account cache: %w", err)
		}
		return row, nil
	}

	claimed, token, err := claim.Acquire(ctx, s.coord, s.reclaim,
		func(ctx context.Context, token string, reclaimBefore time.Time) (*cache.Account, bool, error) {
			return s.accounts.TryClaimAccount(ctx, key, token, s.now(), reclaimBefore)
		})
	if err != nil {
		if errors.Is(err, claim.ErrClaimTimeout) {
			// Another replica owns the refresh. Hand back whatever we
			// have; nil means temporarily unknown.
			if row.Complete() {
				if err := s.accounts.LinkTransactionAccount(ctx, tx.ID, row.ID); err != nil {
					return nil, fmt.Errorf("link account cache: %w", err)
				}
				return row, nil
			}
			return nil, nil
		}
		return nil, err
	}

	refreshed, err := s.refreshClaimedAccount(ctx, claimed, token)
	if err != nil {
		return nil, err
	}
	if err := s.accounts.LinkTransactionAccount(ctx, tx.ID, refreshed.ID); err != nil {
		return nil, fmt.Errorf("link account cache: %w", err)
	}
	return refreshed, nil
}

// RefreshAccount refreshes one cached account row without linking it to a
// transaction. Used by background sweeps.
func (s *Service) RefreshAccount(ctx context.Context, row cache.Account) error {
	key := cache.AccountKey{AccountID: row.AccountID, MirrorNetwork: row.MirrorNetwork}
	claimed, token, err := claim.Acquire(ctx, s.coord, s.reclaim,
		func(ctx context.Context, token string, reclaimBefore time.Time) (*cache.Account, bool, error) {
			return s.accounts.TryClaimAccount(ctx, key, token, s.now(), reclaimBefore)
		})
	if err != nil {
		return err
	}
	_, err = s.refreshClaimedAccount(ctx, claimed, token)
	return err
}

// refreshClaimedAccount fetches from the mirror node while holding the
// claim. The claim is always released: atomically with the save on success,
// explicitly on not-modified, and explicitly before returning any error so
// it can never be left dangling.
func (s *Service) refreshClaimedAccount(ctx context.Context, claimed *cache.Account, token string) (*cache.Account, error) {
	key := cache.AccountKey{AccountID: claimed.AccountID, MirrorNetwork: claimed.MirrorNetwork}

	info, etag, err := s.mirror.FetchAccountInfo(ctx, claimed.AccountID, claimed.MirrorNetwork, claimed.ETag)
	if err != nil {
		_ = s.accounts.ReleaseAccountClaim(ctx, key, token)
		return nil, fmt.Errorf("refresh account %s: %w", claimed.AccountID, err)
	}

	if info == nil {
		// Not modified upstream; keep the stored data as-is.
		if err := s.accounts.ReleaseAccountClaim(ctx, key, token); err != nil {
			return nil, fmt.Errorf("release claim: %w", err)
		}
		return claimed, nil
	}

	claimed.EncodedKey = info.EncodedKey
	claimed.PublicKeys = info.PublicKeys
	claimed.Receiver = info.ReceiverSigRequired
	claimed.ETag = etag
	claimed.UpdatedAt = s.now()

	ok, err := s.accounts.SaveAndReleaseAccount(ctx, claimed, token)
	if err != nil {
		_ = s.accounts.ReleaseAccountClaim(ctx, key, token)
		return nil, fmt.Errorf("save account %s: %w", claimed.AccountID, err)
	}
	if !ok {
		// Claim was lost to another owner; our write did not land and
		// nobody relies on it having landed. The fetched value is still
		// fresh enough to hand back.
		s.log.WithField("account_id", claimed.AccountID).Warn("refresh claim lost before save")
		return claimed, nil
	}
	if err := s.accounts.InsertAccountKeys(ctx, claimed.ID, info.PublicKeys); err != nil {
		return nil, fmt.Errorf("insert account keys: %w", err)
	}
	return claimed, nil
}

// GetNodeInfoForTransaction is the consensus-node counterpart of
// GetAccountInfoForTransaction.
func (s *Service) GetNodeInfoForTransaction(ctx context.Context, tx *transaction.Transaction, nodeID int64) (*cache.Node, error) {
	if nodeID < 0 {
		return nil, fmt.Errorf("%w: node %d", ErrInvalidAccountID, nodeID)
	}

	key := cache.NodeKey{NodeID: nodeID, MirrorNetwork: tx.MirrorNetwork}
	row, err := s.nodes.GetNode(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read cached node: %w", err)
	}
	if row.Complete() && row.Fresh(s.now(), s.staleness) {
		if err := s.nodes.LinkTransactionNode(ctx, tx.ID, row.ID); err != nil {
			return nil, fmt.Errorf("link node cache: %w", err)
		}
		return row, nil
	}

	claimed, token, err := claim.Acquire(ctx, s.coord, s.reclaim,
		func(ctx context.Context, token string, reclaimBefore time.Time) (*cache.Node, bool, error) {
			return s.nodes.TryClaimNode(ctx, key, token, s.now(), reclaimBefore)
		})
	if err != nil {
		if errors.Is(err, claim.ErrClaimTimeout) {
			if row.Complete() {
				if err := s.nodes.LinkTransactionNode(ctx, tx.ID, row.ID); err != nil {
					return nil, fmt.Errorf("link node cache: %w", err)
				}
				return row, nil
			}
			return nil, nil
		}
		return nil, err
	}

	refreshed, err := s.refreshClaimedNode(ctx, claimed, token)
	if err != nil {
		return nil, err
	}
	if err := s.nodes.LinkTransactionNode(ctx, tx.ID, refreshed.ID); err != nil {
		return nil, fmt.Errorf("link node cache: %w", err)
	}
	return refreshed, nil
}

func (s *Service) refreshClaimedNode(ctx context.Context, claimed *cache.Node, token string) (*cache.Node, error) {
	key := cache.NodeKey{NodeID: claimed.NodeID, MirrorNetwork: claimed.MirrorNetwork}

	info, etag, err := s.mirror.FetchNodeInfo(ctx, claimed.NodeID, claimed.MirrorNetwork, claimed.ETag)
	if err != nil {
		_ = s.nodes.ReleaseNodeClaim(ctx, key, token)
		return nil, fmt.Errorf("refresh node %d: %w", claimed.NodeID, err)
	}

	if info == nil {
		if err := s.nodes.ReleaseNodeClaim(ctx, key, token); err != nil {
			return nil, fmt.Errorf("release claim: %w", err)
		}
		return claimed, nil
	}

	claimed.AdminKey = info.AdminKey
	claimed.PublicKeys = info.PublicKeys
	claimed.ETag = etag
	claimed.UpdatedAt = s.now()

	ok, err := s.nodes.SaveAndReleaseNode(ctx, claimed, token)
	if err != nil {
		_ = s.nodes.ReleaseNodeClaim(ctx, key, token)
		return nil, fmt.Errorf("save node %d: %w", claimed.NodeID, err)
	}
	if !ok {
		s.log.WithField("node_id", claimed.NodeID).Warn("refresh claim lost before save")
		return claimed, nil
	}
	if err := s.nodes.InsertNodeKeys(ctx, claimed.ID, info.PublicKeys); err != nil {
		return nil, fmt.Errorf("insert node keys: %w", err)
	}
	return claimed, nil
}

// RefreshStaleAccounts sweeps account rows whose data is older than
// olderThan and refreshes them concurrently. Claim losses and timeouts are
// logged and skipped; only store and upstream failures are returned.
func (s *Service) RefreshStaleAccounts(ctx context.Context, olderThan time.Duration, limit int) error {
	rows, err := s.accounts.ListStaleAccounts(ctx, s.now().Add(-olderThan), limit)
	if err != nil {
		return fmt.Errorf("list stale accounts: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, row := range rows {
		row := row
		g.Go(func() error {
			if err := s.RefreshAccount(ctx, row); err != nil {
				if errors.Is(err, claim.ErrClaimTimeout) || errors.Is(err, mirror.ErrCircuitOpen) {
					s.log.WithError(err).WithField("account_id", row.AccountID).Warn("skipping account refresh")
					return nil
				}
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
