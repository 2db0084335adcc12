package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/quorumdesk/txcoordinator/internal/domain/cache"
	"github.com/quorumdesk/txcoordinator/internal/domain/transaction"
)

// Postgres implements the storage interfaces backed by PostgreSQL. Claim
// semantics rely on conditional UPDATEs guarded by the refresh token, so
// correctness holds across multiple coordinator processes sharing one
// database.
type Postgres struct {
	db *sqlx.DB
}

var _ TransactionStore = (*Postgres)(nil)
var _ AccountCacheStore = (*Postgres)(nil)
var _ NodeCacheStore = (*Postgres)(nil)

// NewPostgres wraps an existing database handle.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres connects to the given DSN and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Postgres) Close() error {
	return s.db.Close()
}

// schema is the coordinator's table set. Claim columns default to the
// released state so a freshly inserted row is immediately claimable.
const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	id                BIGSERIAL PRIMARY KEY,
	transaction_id    TEXT NOT NULL,
	valid_start       TIMESTAMPTZ NOT NULL,
	status            TEXT NOT NULL,
	status_code       INT,
	is_manual         BOOLEAN NOT NULL DEFAULT FALSE,
	mirror_network    TEXT NOT NULL DEFAULT '',
	creator_key_id    BIGINT NOT NULL DEFAULT 0,
	transaction_bytes BYTEA,
	executed_at       TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_transactions_status_valid_start
	ON transactions (status, valid_start);

CREATE TABLE IF NOT EXISTS transaction_groups (
	id         BIGSERIAL PRIMARY KEY,
	atomic     BOOLEAN NOT NULL DEFAULT FALSE,
	sequential BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transaction_group_items (
	transaction_id BIGINT NOT NULL REFERENCES transactions (id),
	group_id       BIGINT NOT NULL REFERENCES transaction_groups (id),
	seq            INT NOT NULL DEFAULT 0,
	PRIMARY KEY (transaction_id, group_id)
);

CREATE TABLE IF NOT EXISTS account_info (
	id                    BIGSERIAL PRIMARY KEY,
	account_id            TEXT NOT NULL,
	mirror_network        TEXT NOT NULL,
	refresh_token         TEXT NOT NULL DEFAULT '',
	claimed_at            TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
	encoded_key           TEXT NOT NULL DEFAULT '',
	etag                  TEXT NOT NULL DEFAULT '',
	receiver_sig_required BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
	UNIQUE (account_id, mirror_network)
);

CREATE TABLE IF NOT EXISTS account_info_keys (
	account_info_id BIGINT NOT NULL REFERENCES account_info (id),
	public_key      TEXT NOT NULL,
	PRIMARY KEY (account_info_id, public_key)
);

CREATE TABLE IF NOT EXISTS transaction_accounts (
	transaction_id  BIGINT NOT NULL REFERENCES transactions (id),
	account_info_id BIGINT NOT NULL REFERENCES account_info (id),
	PRIMARY KEY (transaction_id, account_info_id)
);

CREATE TABLE IF NOT EXISTS node_info (
	id             BIGSERIAL PRIMARY KEY,
	node_id        BIGINT NOT NULL,
	mirror_network TEXT NOT NULL,
	refresh_token  TEXT NOT NULL DEFAULT '',
	claimed_at     TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
	admin_key      TEXT NOT NULL DEFAULT '',
	etag           TEXT NOT NULL DEFAULT '',
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
	UNIQUE (node_id, mirror_network)
);

CREATE TABLE IF NOT EXISTS node_info_keys (
	node_info_id BIGINT NOT NULL REFERENCES node_info (id),
	public_key   TEXT NOT NULL,
	PRIMARY KEY (node_info_id, public_key)
);

CREATE TABLE IF NOT EXISTS transaction_nodes (
	transaction_id BIGINT NOT NULL REFERENCES transactions (id),
	node_info_id   BIGINT NOT NULL REFERENCES node_info (id),
	PRIMARY KEY (transaction_id, node_info_id)
);
`

// EnsureSchema creates the coordinator tables when they do not exist.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const transactionColumns = `
	id, transaction_id, valid_start, status, status_code, is_manual,
	mirror_network, creator_key_id, transaction_bytes, executed_at,
	created_at, updated_at
`

// TransactionStore --------------------------------------------------------

func (s *Postgres) ListPending(ctx context.Context, from, to time.Time) ([]transaction.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status IN ($1, $2) AND valid_start >= $3
	`
	args := []interface{}{
		transaction.StatusWaitingForSignatures,
		transaction.StatusWaitingForExecution,
		from,
	}
	if !to.IsZero() {
		query += ` AND valid_start < $4`
		args = append(args, to)
	}
	query += ` ORDER BY valid_start`

	var txs []transaction.Transaction
	if err := s.db.SelectContext(ctx, &txs, query, args...); err != nil {
		return nil, err
	}
	if err := s.attachGroupMembership(ctx, txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// attachGroupMembership eager-loads group relations for the listed
// transactions so downstream scheduling never queries per row.
func (s *Postgres) attachGroupMembership(ctx context.Context, txs []transaction.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(txs))
	byID := make(map[int64]*transaction.Transaction, len(txs))
	for i := range txs {
		ids = append(ids, txs[i].ID)
		byID[txs[i].ID] = &txs[i]
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT i.transaction_id, i.group_id, i.seq, g.atomic, g.sequential, g.created_at
		FROM transaction_group_items i
		JOIN transaction_groups g ON g.id = i.group_id
		WHERE i.transaction_id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return err
	}
	defer rows.Close()

	groups := make(map[int64]*transaction.Group)
	for rows.Next() {
		var item transaction.GroupItem
		var g transaction.Group
		if err := rows.Scan(&item.TransactionID, &item.GroupID, &item.Seq, &g.Atomic, &g.Sequential, &g.CreatedAt); err != nil {
			return err
		}
		g.ID = item.GroupID
		shared, ok := groups[g.ID]
		if !ok {
			copied := g
			shared = &copied
			groups[g.ID] = shared
		}
		item.Group = shared
		if tx, ok := byID[item.TransactionID]; ok {
			attached := item
			tx.GroupItem = &attached
		}
	}
	return rows.Err()
}

func (s *Postgres) GetGroup(ctx context.Context, id int64) (*transaction.Group, error) {
	var g transaction.Group
	err := s.db.GetContext(ctx, &g, `
		SELECT id, atomic, sequential, created_at
		FROM transaction_groups
		WHERE id = $1
	`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT i.transaction_id, i.seq,
		       t.id, t.transaction_id, t.valid_start, t.status, t.status_code,
		       t.is_manual, t.mirror_network, t.creator_key_id,
		       t.transaction_bytes, t.executed_at, t.created_at, t.updated_at
		FROM transaction_group_items i
		JOIN transactions t ON t.id = i.transaction_id
		WHERE i.group_id = $1
		ORDER BY i.seq, t.valid_start
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item transaction.GroupItem
		var tx transaction.Transaction
		if err := rows.Scan(
			&item.TransactionID, &item.Seq,
			&tx.ID, &tx.TransactionID, &tx.ValidStart, &tx.Status, &tx.StatusCode,
			&tx.IsManual, &tx.MirrorNetwork, &tx.CreatorKeyID, &tx.TransactionBytes,
			&tx.ExecutedAt, &tx.CreatedAt, &tx.UpdatedAt,
		); err != nil {
			return nil, err
		}
		item.GroupID = g.ID
		item.Group = &g
		item.Transaction = &tx
		g.Items = append(g.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *Postgres) MarkFailed(ctx context.Context, ids []int64, statusCode int, executedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1, status_code = $2, executed_at = $3, updated_at = $3
		WHERE id = ANY($4)
	`, transaction.StatusFailed, statusCode, executedAt, pq.Array(ids))
	return err
}

func (s *Postgres) UpdateStatuses(ctx context.Context, statuses map[int64]transaction.Status, updatedAt time.Time) error {
	if len(statuses) == 0 {
		return nil
	}
	dbtx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	for id, status := range statuses {
		if _, err := dbtx.ExecContext(ctx, `
			UPDATE transactions
			SET status = $1, updated_at = $2
			WHERE id = $3
		`, status, updatedAt, id); err != nil {
			dbtx.Rollback()
			return err
		}
	}
	return dbtx.Commit()
}

func (s *Postgres) ExpireStale(ctx context.Context, threshold time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE transactions
		SET status = $1, updated_at = now()
		WHERE status = ANY($2) AND valid_start < $3
		RETURNING id
	`, transaction.StatusExpired, pq.Array([]string{
		string(transaction.StatusNew),
		string(transaction.StatusRejected),
		string(transaction.StatusWaitingForSignatures),
		string(transaction.StatusWaitingForExecution),
	}), threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AccountCacheStore -------------------------------------------------------

const accountColumns = `
	id, account_id, mirror_network, refresh_token, claimed_at, encoded_key,
	etag, receiver_sig_required, updated_at
`

func (s *Postgres) GetAccount(ctx context.Context, key cache.AccountKey) (*cache.Account, error) {
	var acct cache.Account
	err := s.db.GetContext(ctx, &acct, `
		SELECT `+accountColumns+`
		FROM account_info
		WHERE account_id = $1 AND mirror_network = $2
	`, key.AccountID, key.MirrorNetwork)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadAccountKeys(ctx, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

func (s *Postgres) loadAccountKeys(ctx context.Context, acct *cache.Account) error {
	return s.db.SelectContext(ctx, &acct.PublicKeys, `
		SELECT public_key FROM account_info_keys WHERE account_info_id = $1 ORDER BY public_key
	`, acct.ID)
}

func (s *Postgres) TryClaimAccount(ctx context.Context, key cache.AccountKey, token string, now, reclaimBefore time.Time) (*cache.Account, bool, error) {
	// Insert-if-absent then a conditional claim; both statements are
	// individually atomic, and the UPDATE's WHERE clause is the actual
	// arbiter, so two racing processes cannot both win.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account_info (account_id, mirror_network)
		VALUES ($1, $2)
		ON CONFLICT (account_id, mirror_network) DO NOTHING
	`, key.AccountID, key.MirrorNetwork)
	if err != nil {
		return nil, false, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE account_info
		SET refresh_token = $1, claimed_at = $2
		WHERE account_id = $3 AND mirror_network = $4
		  AND (refresh_token = '' OR claimed_at < $5)
	`, token, now, key.AccountID, key.MirrorNetwork, reclaimBefore)
	if err != nil {
		return nil, false, err
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	acct, err := s.GetAccount(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return acct, claimed == 1, nil
}

func (s *Postgres) SaveAndReleaseAccount(ctx context.Context, acct *cache.Account, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE account_info
		SET encoded_key = $1, etag = $2, receiver_sig_required = $3,
		    updated_at = $4, refresh_token = '', claimed_at = 'epoch'
		WHERE account_id = $5 AND mirror_network = $6 AND refresh_token = $7
	`, acct.EncodedKey, acct.ETag, acct.Receiver, acct.UpdatedAt,
		acct.AccountID, acct.MirrorNetwork, token)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (s *Postgres) ReleaseAccountClaim(ctx context.Context, key cache.AccountKey, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE account_info
		SET refresh_token = '', claimed_at = 'epoch'
		WHERE account_id = $1 AND mirror_network = $2 AND refresh_token = $3
	`, key.AccountID, key.MirrorNetwork, token)
	return err
}

func (s *Postgres) InsertAccountKeys(ctx context.Context, rowID int64, keys []string) error {
	for _, key := range keys {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO account_info_keys (account_info_id, public_key)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, rowID, key)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Postgres) LinkTransactionAccount(ctx context.Context, transactionID, rowID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transaction_accounts (transaction_id, account_info_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, transactionID, rowID)
	return err
}

func (s *Postgres) ListStaleAccounts(ctx context.Context, olderThan time.Time, limit int) ([]cache.Account, error) {
	var accts []cache.Account
	err := s.db.SelectContext(ctx, &accts, `
		SELECT `+accountColumns+`
		FROM account_info
		WHERE updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, olderThan, limit)
	return accts, err
}

// NodeCacheStore ----------------------------------------------------------

const nodeColumns = `
	id, node_id, mirror_network, refresh_token, claimed_at, admin_key, etag,
	updated_at
`

func (s *Postgres) GetNode(ctx context.Context, key cache.NodeKey) (*cache.Node, error) {
	var node cache.Node
	err := s.db.GetContext(ctx, &node, `
		SELECT `+nodeColumns+`
		FROM node_info
		WHERE node_id = $1 AND mirror_network = $2
	`, key.NodeID, key.MirrorNetwork)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.db.SelectContext(ctx, &node.PublicKeys, `
		SELECT public_key FROM node_info_keys WHERE node_info_id = $1 ORDER BY public_key
	`, node.ID); err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *Postgres) TryClaimNode(ctx context.Context, key cache.NodeKey, token string, now, reclaimBefore time.Time) (*cache.Node, bool, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_info (node_id, mirror_network)
		VALUES ($1, $2)
		ON CONFLICT (node_id, mirror_network) DO NOTHING
	`, key.NodeID, key.MirrorNetwork)
	if err != nil {
		return nil, false, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE node_info
		SET refresh_token = $1, claimed_at = $2
		WHERE node_id = $3 AND mirror_network = $4
		  AND (refresh_token = '' OR claimed_at < $5)
	`, token, now, key.NodeID, key.MirrorNetwork, reclaimBefore)
	if err != nil {
		return nil, false, err
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	node, err := s.GetNode(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return node, claimed == 1, nil
}

func (s *Postgres) SaveAndReleaseNode(ctx context.Context, node *cache.Node, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE node_info
		SET admin_key = $1, etag = $2, updated_at = $3,
		    refresh_token = '', claimed_at = 'epoch'
		WHERE node_id = $4 AND mirror_network = $5 AND refresh_token = $6
	`, node.AdminKey, node.ETag, node.UpdatedAt,
		node.NodeID, node.MirrorNetwork, token)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (s *Postgres) ReleaseNodeClaim(ctx context.Context, key cache.NodeKey, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE node_info
		SET refresh_token = '', claimed_at = 'epoch'
		WHERE node_id = $1 AND mirror_network = $2 AND refresh_token = $3
	`, key.NodeID, key.MirrorNetwork, token)
	return err
}

func (s *Postgres) InsertNodeKeys(ctx context.Context, rowID int64, keys []string) error {
	for _, key := range keys {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO node_info_keys (node_info_id, public_key)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, rowID, key)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Postgres) LinkTransactionNode(ctx context.Context, transactionID, rowID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transaction_nodes (transaction_id, node_info_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, transactionID, rowID)
	return err
}

func (s *Postgres) ListStaleNodes(ctx context.Context, olderThan time.Time, limit int) ([]cache.Node, error) {
	var nodes []cache.Node
	err := s.db.SelectContext(ctx, &nodes, `
		SELECT `+nodeColumns+`
		FROM node_info
		WHERE updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, olderThan, limit)
	return nodes, err
}
