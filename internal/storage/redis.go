package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quorumdesk/txcoordinator/internal/domain/cache"
)

// Redis implements the account and node cache stores on a shared Redis
// instance. Rows are JSON values; claim transitions run as Lua scripts so
// the check-and-set is atomic across coordinator processes. Transactions
// themselves stay in the relational store.
type Redis struct {
	client *redis.Client
}

var _ AccountCacheStore = (*Redis)(nil)
var _ NodeCacheStore = (*Redis)(nil)

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func accountRowKey(key cache.AccountKey) string {
	return "txcoord:account:row:" + key.MirrorNetwork + ":" + key.AccountID
}

func nodeRowKey(key cache.NodeKey) string {
	return "txcoord:node:row:" + key.MirrorNetwork + ":" + strconv.FormatInt(key.NodeID, 10)
}

// claimScript claims a row for refresh. KEYS[1] is the row, ARGV[1] the
// token, ARGV[2] claimed-at (unix nanos), ARGV[3] the reclaim cutoff.
// Returns {json, claimed}.
var claimScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return {false, 0}
end
local row = cjson.decode(raw)
local held = row['refresh_token'] or ''
local at = tonumber(row['claimed_at_ns']) or 0
if held == '' or at < tonumber(ARGV[3]) then
	row['refresh_token'] = ARGV[1]
	row['claimed_at_ns'] = tonumber(ARGV[2])
	raw = cjson.encode(row)
	redis.call('SET', KEYS[1], raw)
	return {raw, 1}
end
return {raw, 0}
`)

// releaseScript writes ARGV[2] and clears the claim when the held token
// matches ARGV[1]. With ARGV[2] empty only the claim is cleared. Returns 1
// on a token match.
var releaseScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return 0
end
local row = cjson.decode(raw)
if (row['refresh_token'] or '') ~= ARGV[1] then
	return 0
end
if ARGV[2] ~= '' then
	row = cjson.decode(ARGV[2])
end
row['refresh_token'] = ''
row['claimed_at_ns'] = 0
redis.call('SET', KEYS[1], cjson.encode(row))
return 1
`)

// accountRow is the Redis representation of a cached account. Claim time
// rides as unix nanos so the Lua scripts can compare it numerically.
type accountRow struct {
	ID            int64    `json:"id"`
	AccountID     string   `json:"account_id"`
	MirrorNetwork string   `json:"mirror_network"`
	RefreshToken  string   `json:"refresh_token"`
	ClaimedAtNS   int64    `json:"claimed_at_ns"`
	EncodedKey    string   `json:"encoded_key"`
	PublicKeys    []string `json:"public_keys"`
	ETag          string   `json:"etag"`
	Receiver      bool     `json:"receiver_sig_required"`
	UpdatedAtNS   int64    `json:"updated_at_ns"`
}

func (r accountRow) toDomain() *cache.Account {
	return &cache.Account{
		ID:            r.ID,
		AccountID:     r.AccountID,
		MirrorNetwork: r.MirrorNetwork,
		RefreshToken:  r.RefreshToken,
		ClaimedAt:     time.Unix(0, r.ClaimedAtNS),
		EncodedKey:    r.EncodedKey,
		PublicKeys:    r.PublicKeys,
		ETag:          r.ETag,
		Receiver:      r.Receiver,
		UpdatedAt:     time.Unix(0, r.UpdatedAtNS),
	}
}

func accountToRow(a *cache.Account) accountRow {
	return accountRow{
		ID:            a.ID,
		AccountID:     a.AccountID,
		MirrorNetwork: a.MirrorNetwork,
		RefreshToken:  a.RefreshToken,
		ClaimedAtNS:   a.ClaimedAt.UnixNano(),
		EncodedKey:    a.EncodedKey,
		PublicKeys:    a.PublicKeys,
		ETag:          a.ETag,
		Receiver:      a.Receiver,
		UpdatedAtNS:   a.UpdatedAt.UnixNano(),
	}
}

func (s *Redis) GetAccount(ctx context.Context, key cache.AccountKey) (*cache.Account, error) {
	raw, err := s.client.Get(ctx, accountRowKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account row: %w", err)
	}
	var row accountRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("decode account row: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Redis) TryClaimAccount(ctx context.Context, key cache.AccountKey, token string, now, reclaimBefore time.Time) (*cache.Account, bool, error) {
	rowKey := accountRowKey(key)

	// Seed the row if absent so the claim script has something to work on.
	id, err := s.client.Incr(ctx, "txcoord:account:seq").Result()
	if err != nil {
		return nil, false, fmt.Errorf("allocate account id: %w", err)
	}
	seed, err := json.Marshal(accountRow{ID: id, AccountID: key.AccountID, MirrorNetwork: key.MirrorNetwork})
	if err != nil {
		return nil, false, err
	}
	if err := s.client.SetNX(ctx, rowKey, seed, 0).Err(); err != nil {
		return nil, false, fmt.Errorf("seed account row: %w", err)
	}

	res, err := claimScript.Run(ctx, s.client, []string{rowKey},
		token, now.UnixNano(), reclaimBefore.UnixNano()).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("claim account row: %w", err)
	}
	raw, _ := res[0].(string)
	claimed, _ := res[1].(int64)

	var row accountRow
	if err := json.Unmarshal([]byte(raw), &row); err != nil {
		return nil, false, fmt.Errorf("decode claimed account row: %w", err)
	}
	return row.toDomain(), claimed == 1, nil
}

func (s *Redis) SaveAndReleaseAccount(ctx context.Context, acct *cache.Account, token string) (bool, error) {
	row := accountToRow(acct)
	row.RefreshToken = ""
	row.ClaimedAtNS = 0
	payload, err := json.Marshal(row)
	if err != nil {
		return false, err
	}
	key := cache.AccountKey{AccountID: acct.AccountID, MirrorNetwork: acct.MirrorNetwork}
	ok, err := releaseScript.Run(ctx, s.client, []string{accountRowKey(key)}, token, string(payload)).Int()
	if err != nil {
		return false, fmt.Errorf("save account row: %w", err)
	}
	return ok == 1, nil
}

func (s *Redis) ReleaseAccountClaim(ctx context.Context, key cache.AccountKey, token string) error {
	err := releaseScript.Run(ctx, s.client, []string{accountRowKey(key)}, token, "").Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("release account claim: %w", err)
	}
	return nil
}

func (s *Redis) InsertAccountKeys(ctx context.Context, rowID int64, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	members := make([]interface{}, len(keys))
	for i, k := range keys {
		members[i] = k
	}
	setKey := fmt.Sprintf("txcoord:account:%d:keys", rowID)
	if err := s.client.SAdd(ctx, setKey, members...).Err(); err != nil {
		return fmt.Errorf("insert account keys: %w", err)
	}
	return nil
}

func (s *Redis) LinkTransactionAccount(ctx context.Context, transactionID, rowID int64) error {
	setKey := fmt.Sprintf("txcoord:tx:%d:accounts", transactionID)
	if err := s.client.SAdd(ctx, setKey, rowID).Err(); err != nil {
		return fmt.Errorf("link transaction account: %w", err)
	}
	return nil
}

func (s *Redis) ListStaleAccounts(ctx context.Context, olderThan time.Time, limit int) ([]cache.Account, error) {
	var out []cache.Account
	iter := s.client.Scan(ctx, 0, "txcoord:account:row:*", 0).Iterator()
	for iter.Next(ctx) {
		if len(out) >= limit {
			break
		}
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var row accountRow
		if err := json.Unmarshal(raw, &row); err != nil {
			continue
		}
		if row.AccountID == "" {
			continue
		}
		if time.Unix(0, row.UpdatedAtNS).Before(olderThan) {
			out = append(out, *row.toDomain())
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan stale accounts: %w", err)
	}
	return out, nil
}

// nodeRow is the Redis representation of a cached consensus node.
type nodeRow struct {
	ID            int64    `json:"id"`
	NodeID        int64    `json:"node_id"`
	MirrorNetwork string   `json:"mirror_network"`
	RefreshToken  string   `json:"refresh_token"`
	ClaimedAtNS   int64    `json:"claimed_at_ns"`
	AdminKey      string   `json:"admin_key"`
	PublicKeys    []string `json:"public_keys"`
	ETag          string   `json:"etag"`
	UpdatedAtNS   int64    `json:"updated_at_ns"`
}

func (r nodeRow) toDomain() *cache.Node {
	return &cache.Node{
		ID:            r.ID,
		NodeID:        r.NodeID,
		MirrorNetwork: r.MirrorNetwork,
		RefreshToken:  r.RefreshToken,
		ClaimedAt:     time.Unix(0, r.ClaimedAtNS),
		AdminKey:      r.AdminKey,
		PublicKeys:    r.PublicKeys,
		ETag:          r.ETag,
		UpdatedAt:     time.Unix(0, r.UpdatedAtNS),
	}
}

func (s *Redis) GetNode(ctx context.Context, key cache.NodeKey) (*cache.Node, error) {
	raw, err := s.client.Get(ctx, nodeRowKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get node row: %w", err)
	}
	var row nodeRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("decode node row: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Redis) TryClaimNode(ctx context.Context, key cache.NodeKey, token string, now, reclaimBefore time.Time) (*cache.Node, bool, error) {
	rowKey := nodeRowKey(key)

	id, err := s.client.Incr(ctx, "txcoord:node:seq").Result()
	if err != nil {
		return nil, false, fmt.Errorf("allocate node id: %w", err)
	}
	seed, err := json.Marshal(nodeRow{ID: id, NodeID: key.NodeID, MirrorNetwork: key.MirrorNetwork})
	if err != nil {
		return nil, false, err
	}
	if err := s.client.SetNX(ctx, rowKey, seed, 0).Err(); err != nil {
		return nil, false, fmt.Errorf("seed node row: %w", err)
	}

	res, err := claimScript.Run(ctx, s.client, []string{rowKey},
		token, now.UnixNano(), reclaimBefore.UnixNano()).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("claim node row: %w", err)
	}
	raw, _ := res[0].(string)
	claimed, _ := res[1].(int64)

	var row nodeRow
	if err := json.Unmarshal([]byte(raw), &row); err != nil {
		return nil, false, fmt.Errorf("decode claimed node row: %w", err)
	}
	return row.toDomain(), claimed == 1, nil
}

func (s *Redis) SaveAndReleaseNode(ctx context.Context, node *cache.Node, token string) (bool, error) {
	row := nodeRow{
		ID:            node.ID,
		NodeID:        node.NodeID,
		MirrorNetwork: node.MirrorNetwork,
		AdminKey:      node.AdminKey,
		PublicKeys:    node.PublicKeys,
		ETag:          node.ETag,
		UpdatedAtNS:   node.UpdatedAt.UnixNano(),
	}
	payload, err := json.Marshal(row)
	if err != nil {
		return false, err
	}
	key := cache.NodeKey{NodeID: node.NodeID, MirrorNetwork: node.MirrorNetwork}
	ok, err := releaseScript.Run(ctx, s.client, []string{nodeRowKey(key)}, token, string(payload)).Int()
	if err != nil {
		return false, fmt.Errorf("save node row: %w", err)
	}
	return ok == 1, nil
}

func (s *Redis) ReleaseNodeClaim(ctx context.Context, key cache.NodeKey, token string) error {
	err := releaseScript.Run(ctx, s.client, []string{nodeRowKey(key)}, token, "").Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("release node claim: %w", err)
	}
	return nil
}

func (s *Redis) InsertNodeKeys(ctx context.Context, rowID int64, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	members := make([]interface{}, len(keys))
	for i, k := range keys {
		members[i] = k
	}
	setKey := fmt.Sprintf("txcoord:node:%d:keys", rowID)
	if err := s.client.SAdd(ctx, setKey, members...).Err(); err != nil {
		return fmt.Errorf("insert node keys: %w", err)
	}
	return nil
}

func (s *Redis) LinkTransactionNode(ctx context.Context, transactionID, rowID int64) error {
	setKey := fmt.Sprintf("txcoord:tx:%d:nodes", transactionID)
	if err := s.client.SAdd(ctx, setKey, rowID).Err(); err != nil {
		return fmt.Errorf("link transaction node: %w", err)
	}
	return nil
}

func (s *Redis) ListStaleNodes(ctx context.Context, olderThan time.Time, limit int) ([]cache.Node, error) {
	var out []cache.Node
	iter := s.client.Scan(ctx, 0, "txcoord:node:row:*", 0).Iterator()
	for iter.Next(ctx) {
		if len(out) >= limit {
			break
		}
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var row nodeRow
		if err := json.Unmarshal(raw, &row); err != nil {
			continue
		}
		if row.MirrorNetwork == "" {
			continue
		}
		if time.Unix(0, row.UpdatedAtNS).Before(olderThan) {
			out = append(out, *row.toDomain())
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan stale nodes: %w", err)
	}
	return out, nil
}
