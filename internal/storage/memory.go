package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quorumdesk/txcoordinator/internal/domain/cache"
	"github.com/quorumdesk/txcoordinator/internal/domain/transaction"
)

// Memory is a thread-safe in-memory implementation of the storage
// interfaces. It is intended for tests and prototyping and deliberately
// keeps the implementation simple.
type Memory struct {
	mu           sync.RWMutex
	nextID       int64
	transactions map[int64]*transaction.Transaction
	groups       map[int64]*transaction.Group
	accounts     map[cache.AccountKey]*cache.Account
	nodes        map[cache.NodeKey]*cache.Node
	accountLinks map[int64]map[int64]struct{}
	nodeLinks    map[int64]map[int64]struct{}
}

var _ TransactionStore = (*Memory)(nil)
var _ AccountCacheStore = (*Memory)(nil)
var _ NodeCacheStore = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		nextID:       1,
		transactions: make(map[int64]*transaction.Transaction),
		groups:       make(map[int64]*transaction.Group),
		accounts:     make(map[cache.AccountKey]*cache.Account),
		nodes:        make(map[cache.NodeKey]*cache.Node),
		accountLinks: make(map[int64]map[int64]struct{}),
		nodeLinks:    make(map[int64]map[int64]struct{}),
	}
}

func (m *Memory) nextIDLocked() int64 {
	id := m.nextID
	m.nextID++
	return id
}

// PutTransaction seeds or replaces a transaction row.
func (m *Memory) PutTransaction(tx transaction.Transaction) transaction.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.ID == 0 {
		tx.ID = m.nextIDLocked()
	}
	copied := tx
	m.transactions[tx.ID] = &copied
	return tx
}

// PutGroup seeds a group and wires its items to the stored transactions.
func (m *Memory) PutGroup(g transaction.Group) transaction.Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.ID == 0 {
		g.ID = m.nextIDLocked()
	}
	copied := g
	m.groups[g.ID] = &copied
	for i := range copied.Items {
		copied.Items[i].GroupID = g.ID
		if tx, ok := m.transactions[copied.Items[i].TransactionID]; ok {
			item := copied.Items[i]
			item.Group = &copied
			tx.GroupItem = &item
		}
	}
	return g
}

// GetTransaction returns a copy of a stored transaction, for tests.
func (m *Memory) GetTransaction(id int64) (transaction.Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[id]
	if !ok {
		return transaction.Transaction{}, false
	}
	return *tx, true
}

// TransactionStore --------------------------------------------------------

func (m *Memory) ListPending(_ context.Context, from, to time.Time) ([]transaction.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []transaction.Transaction
	for _, tx := range m.transactions {
		if !tx.Status.Pending() {
			continue
		}
		if tx.ValidStart.Before(from) {
			continue
		}
		if !to.IsZero() && !tx.ValidStart.Before(to) {
			continue
		}
		out = append(out, *tx)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ValidStart.Before(out[j].ValidStart)
	})
	return out, nil
}

func (m *Memory) GetGroup(_ context.Context, id int64) (*transaction.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[id]
	if !ok {
		return nil, nil
	}
	out := *g
	out.Items = make([]transaction.GroupItem, len(g.Items))
	copy(out.Items, g.Items)
	sort.Slice(out.Items, func(i, j int) bool { return out.Items[i].Seq < out.Items[j].Seq })
	for i := range out.Items {
		if tx, ok := m.transactions[out.Items[i].TransactionID]; ok {
			copied := *tx
			out.Items[i].Transaction = &copied
		}
	}
	return &out, nil
}

func (m *Memory) MarkFailed(_ context.Context, ids []int64, statusCode int, executedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		tx, ok := m.transactions[id]
		if !ok {
			continue
		}
		code := statusCode
		at := executedAt
		tx.Status = transaction.StatusFailed
		tx.StatusCode = &code
		tx.ExecutedAt = &at
		tx.UpdatedAt = at
	}
	return nil
}

func (m *Memory) UpdateStatuses(_ context.Context, statuses map[int64]transaction.Status, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, status := range statuses {
		tx, ok := m.transactions[id]
		if !ok {
			continue
		}
		tx.Status = status
		tx.UpdatedAt = updatedAt
	}
	return nil
}

func (m *Memory) ExpireStale(_ context.Context, threshold time.Time) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []int64
	for id, tx := range m.transactions {
		if tx.Status.Expirable() && tx.ValidStart.Before(threshold) {
			tx.Status = transaction.StatusExpired
			expired = append(expired, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	return expired, nil
}

// AccountCacheStore -------------------------------------------------------

func (m *Memory) GetAccount(_ context.Context, key cache.AccountKey) (*cache.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.accounts[key]
	if !ok {
		return nil, nil
	}
	out := *row
	return &out, nil
}

func (m *Memory) TryClaimAccount(_ context.Context, key cache.AccountKey, token string, now, reclaimBefore time.Time) (*cache.Account, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.accounts[key]
	if !ok {
		row = &cache.Account{
			ID:            m.nextIDLocked(),
			AccountID:     key.AccountID,
			MirrorNetwork: key.MirrorNetwork,
		}
		m.accounts[key] = row
	}
	if row.RefreshToken != "" && !row.ClaimedAt.Before(reclaimBefore) {
		out := *row
		return &out, false, nil
	}
	row.RefreshToken = token
	row.ClaimedAt = now
	out := *row
	return &out, true, nil
}

func (m *Memory) SaveAndReleaseAccount(_ context.Context, acct *cache.Account, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := cache.AccountKey{AccountID: acct.AccountID, MirrorNetwork: acct.MirrorNetwork}
	row, ok := m.accounts[key]
	if !ok || row.RefreshToken != token {
		return false, nil
	}
	row.EncodedKey = acct.EncodedKey
	row.PublicKeys = append([]string(nil), acct.PublicKeys...)
	row.ETag = acct.ETag
	row.Receiver = acct.Receiver
	row.UpdatedAt = acct.UpdatedAt
	row.RefreshToken = ""
	row.ClaimedAt = time.Time{}
	return true, nil
}

func (m *Memory) ReleaseAccountClaim(_ context.Context, key cache.AccountKey, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if row, ok := m.accounts[key]; ok && row.RefreshToken == token {
		row.RefreshToken = ""
		row.ClaimedAt = time.Time{}
	}
	return nil
}

func (m *Memory) InsertAccountKeys(_ context.Context, rowID int64, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range m.accounts {
		if row.ID != rowID {
			continue
		}
		row.PublicKeys = mergeKeys(row.PublicKeys, keys)
		return nil
	}
	return nil
}

func (m *Memory) LinkTransactionAccount(_ context.Context, transactionID, rowID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	links, ok := m.accountLinks[transactionID]
	if !ok {
		links = make(map[int64]struct{})
		m.accountLinks[transactionID] = links
	}
	links[rowID] = struct{}{}
	return nil
}

func (m *Memory) ListStaleAccounts(_ context.Context, olderThan time.Time, limit int) ([]cache.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []cache.Account
	for _, row := range m.accounts {
		if row.UpdatedAt.Before(olderThan) {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AccountLinkCount reports how many cache rows a transaction is linked to,
// for tests.
func (m *Memory) AccountLinkCount(transactionID int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accountLinks[transactionID])
}

// NodeCacheStore ----------------------------------------------------------

func (m *Memory) GetNode(_ context.Context, key cache.NodeKey) (*cache.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.nodes[key]
	if !ok {
		return nil, nil
	}
	out := *row
	return &out, nil
}

func (m *Memory) TryClaimNode(_ context.Context, key cache.NodeKey, token string, now, reclaimBefore time.Time) (*cache.Node, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.nodes[key]
	if !ok {
		row = &cache.Node{
			ID:            m.nextIDLocked(),
			NodeID:        key.NodeID,
			MirrorNetwork: key.MirrorNetwork,
		}
		m.nodes[key] = row
	}
	if row.RefreshToken != "" && !row.ClaimedAt.Before(reclaimBefore) {
		out := *row
		return &out, false, nil
	}
	row.RefreshToken = token
	row.ClaimedAt = now
	out := *row
	return &out, true, nil
}

func (m *Memory) SaveAndReleaseNode(_ context.Context, node *cache.Node, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := cache.NodeKey{NodeID: node.NodeID, MirrorNetwork: node.MirrorNetwork}
	row, ok := m.nodes[key]
	if !ok || row.RefreshToken != token {
		return false, nil
	}
	row.AdminKey = node.AdminKey
	row.PublicKeys = append([]string(nil), node.PublicKeys...)
	row.ETag = node.ETag
	row.UpdatedAt = node.UpdatedAt
	row.RefreshToken = ""
	row.ClaimedAt = time.Time{}
	return true, nil
}

func (m *Memory) ReleaseNodeClaim(_ context.Context, key cache.NodeKey, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if row, ok := m.nodes[key]; ok && row.RefreshToken == token {
		row.RefreshToken = ""
		row.ClaimedAt = time.Time{}
	}
	return nil
}

func (m *Memory) InsertNodeKeys(_ context.Context, rowID int64, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range m.nodes {
		if row.ID != rowID {
			continue
		}
		row.PublicKeys = mergeKeys(row.PublicKeys, keys)
		return nil
	}
	return nil
}

func (m *Memory) LinkTransactionNode(_ context.Context, transactionID, rowID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	links, ok := m.nodeLinks[transactionID]
	if !ok {
		links = make(map[int64]struct{})
		m.nodeLinks[transactionID] = links
	}
	links[rowID] = struct{}{}
	return nil
}

func (m *Memory) ListStaleNodes(_ context.Context, olderThan time.Time, limit int) ([]cache.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []cache.Node
	for _, row := range m.nodes {
		if row.UpdatedAt.Before(olderThan) {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func mergeKeys(existing, extra []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, k := range existing {
		seen[k] = struct{}{}
	}
	for _, k := range extra {
		if _, ok := seen[k]; !ok {
			existing = append(existing, k)
			seen[k] = struct{}{}
		}
	}
	return existing
}
