// Package cache defines the externally-sourced account and node rows the
// coordinator refreshes from the mirror node.
package cache

import "time"

// AccountKey identifies a cached account row per mirror network.
type AccountKey struct {
	AccountID     string `db:"account_id"`
	MirrorNetwork string `db:"mirror_network"`
}

// NodeKey identifies a cached consensus-node row per mirror network.
type NodeKey struct {
	NodeID        int64  `db:"node_id"`
	MirrorNetwork string `db:"mirror_network"`
}

// Account is cached public-key material for a ledger account. At most one
// process holds a non-empty RefreshToken at a time; a token older than the
// reclaim window is abandoned and may be taken over.
type Account struct {
	ID            int64     `db:"id"`
	AccountID     string    `db:"account_id"`
	MirrorNetwork string    `db:"mirror_network"`
	RefreshToken  string    `db:"refresh_token"`
	ClaimedAt     time.Time `db:"claimed_at"`
	EncodedKey    string    `db:"encoded_key"`
	PublicKeys    []string  `db:"-"`
	ETag          string    `db:"etag"`
	Receiver      bool      `db:"receiver_sig_required"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// Complete reports whether the row carries usable key material.
func (a *Account) Complete() bool {
	return a != nil && a.EncodedKey != ""
}

// Fresh reports whether the row was updated within the staleness threshold.
func (a *Account) Fresh(now time.Time, within time.Duration) bool {
	return a != nil && now.Sub(a.UpdatedAt) < within
}

// Node is cached admin-key material for a consensus node.
type Node struct {
	ID            int64     `db:"id"`
	NodeID        int64     `db:"node_id"`
	MirrorNetwork string    `db:"mirror_network"`
	RefreshToken  string    `db:"refresh_token"`
	ClaimedAt     time.Time `db:"claimed_at"`
	AdminKey      string    `db:"admin_key"`
	PublicKeys    []string  `db:"-"`
	ETag          string    `db:"etag"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// Complete reports whether the row carries usable key material.
func (n *Node) Complete() bool {
	return n != nil && n.AdminKey != ""
}

// Fresh reports whether the row was updated within the staleness threshold.
func (n *Node) Fresh(now time.Time, within time.Duration) bool {
	return n != nil && now.Sub(n.UpdatedAt) < within
}
