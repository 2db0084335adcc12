package accountcache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quorumdesk/txcoordinator/internal/claim"
	"github.com/quorumdesk/txcoordinator/internal/domain/cache"
	"github.com/quorumdesk/txcoordinator/internal/domain/transaction"
	"github.com/quorumdesk/txcoordinator/internal/mirror"
	"github.com/quorumdesk/txcoordinator/internal/storage"
)

type fakeMirror struct {
	accountCalls int32
	nodeCalls    int32
	accountInfo  *mirror.AccountInfo
	nodeInfo     *mirror.NodeInfo
	etag         string
	err          error
	// notModified makes the fake answer nil info with the caller's etag.
	notModified bool
}

func (f *fakeMirror) FetchAccountInfo(_ context.Context, accountID, network, etag string) (*mirror.AccountInfo, string, error) {
	atomic.AddInt32(&f.accountCalls, 1)
	if f.err != nil {
		return nil, "", f.err
	}
	if f.notModified {
		return nil, etag, nil
	}
	return f.accountInfo, f.etag, nil
}

func (f *fakeMirror) FetchNodeInfo(_ context.Context, nodeID int64, network, etag string) (*mirror.NodeInfo, string, error) {
	atomic.AddInt32(&f.nodeCalls, 1)
	if f.err != nil {
		return nil, "", f.err
	}
	if f.notModified {
		return nil, etag, nil
	}
	return f.nodeInfo, f.etag, nil
}

func fastCoordinator() *claim.Coordinator {
	return &claim.Coordinator{PollInterval: time.Millisecond, MaxAttempts: 2}
}

func testTx() *transaction.Transaction {
	return &transaction.Transaction{ID: 77, MirrorNetwork: "testnet", Status: transaction.StatusWaitingForExecution}
}

func TestInvalidAccountIDFailsFast(t *testing.T) {
	store := storage.NewMemory()
	mc := &fakeMirror{}
	svc := New(store, store, mc, fastCoordinator(), nil)

	_, err := svc.GetAccountInfoForTransaction(context.Background(), testTx(), "not-an-id")
	if !errors.Is(err, ErrInvalidAccountID) {
		t.Fatalf("err = %v, want ErrInvalidAccountID", err)
	}
	if atomic.LoadInt32(&mc.accountCalls) != 0 {
		t.Fatal("invalid input must not reach the mirror node")
	}
}

func TestFetchThenServeFromCacheWithinFreshnessWindow(t *testing.T) {
	store := storage.NewMemory()
	mc := &fakeMirror{
		accountInfo: &mirror.AccountInfo{
			AccountID:  "0.0.5",
			EncodedKey: "pubkey",
			PublicKeys: []string{"pubkey"},
		},
		etag: `"v1"`,
	}
	svc := New(store, store, mc, fastCoordinator(), nil)
	tx := testTx()

	first, err := svc.GetAccountInfoForTransaction(context.Background(), tx, "0.0.5")
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	if first == nil || first.EncodedKey != "pubkey" || first.ETag != `"v1"` {
		t.Fatalf("unexpected row: %#v", first)
	}

	second, err := svc.GetAccountInfoForTransaction(context.Background(), tx, "0.0.5")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if second == nil || second.EncodedKey != "pubkey" {
		t.Fatalf("unexpected cached row: %#v", second)
	}
	if got := atomic.LoadInt32(&mc.accountCalls); got != 1 {
		t.Fatalf("mirror calls = %d, want 1 (fresh cache must not refetch)", got)
	}
	if store.AccountLinkCount(tx.ID) != 1 {
		t.Fatal("transaction should be linked to the cache row exactly once")
	}
}

func TestClaimHeldElsewhereFallsBackToCache(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	key := cache.AccountKey{AccountID: "0.0.5", MirrorNetwork: "testnet"}

	// Seed a complete but stale row and give its claim to another owner.
	row, _, err := store.TryClaimAccount(ctx, key, "seed", time.Now(), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	row.EncodedKey = "cached-key"
	row.UpdatedAt = time.Now().Add(-time.Minute)
	if ok, err := store.SaveAndReleaseAccount(ctx, row, "seed"); err != nil || !ok {
		t.Fatalf("seed save: ok=%v err=%v", ok, err)
	}
	if _, won, err := store.TryClaimAccount(ctx, key, "other-owner", time.Now(), time.Now().Add(-2*time.Minute)); err != nil || !won {
		t.Fatalf("seed other claim: won=%v err=%v", won, err)
	}

	mc := &fakeMirror{}
	svc := New(store, store, mc, fastCoordinator(), nil)

	got, err := svc.GetAccountInfoForTransaction(ctx, testTx(), "0.0.5")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.EncodedKey != "cached-key" {
		t.Fatalf("row = %#v, want stale cached value", got)
	}
	if atomic.LoadInt32(&mc.accountCalls) != 0 {
		t.Fatal("claim loser must not call the mirror node")
	}
}

func TestClaimHeldElsewhereWithoutCacheReturnsNil(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	key := cache.AccountKey{AccountID: "0.0.6", MirrorNetwork: "testnet"}

	if _, won, err := store.TryClaimAccount(ctx, key, "other-owner", time.Now(), time.Now().Add(-2*time.Minute)); err != nil || !won {
		t.Fatalf("seed claim: won=%v err=%v", won, err)
	}

	svc := New(store, store, &fakeMirror{}, fastCoordinator(), nil)
	got, err := svc.GetAccountInfoForTransaction(ctx, testTx(), "0.0.6")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("row = %#v, want nil for temporarily unknown", got)
	}
}

func TestNotModifiedReleasesClaimAndKeepsData(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	key := cache.AccountKey{AccountID: "0.0.7", MirrorNetwork: "testnet"}

	row, _, err := store.TryClaimAccount(ctx, key, "seed", time.Now(), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	row.EncodedKey = "existing-key"
	row.ETag = `"v7"`
	row.UpdatedAt = time.Now().Add(-time.Minute)
	if ok, err := store.SaveAndReleaseAccount(ctx, row, "seed"); err != nil || !ok {
		t.Fatalf("seed save: ok=%v err=%v", ok, err)
	}

	mc := &fakeMirror{notModified: true}
	svc := New(store, store, mc, fastCoordinator(), nil)

	got, err := svc.GetAccountInfoForTransaction(ctx, testTx(), "0.0.7")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.EncodedKey != "existing-key" {
		t.Fatalf("row = %#v, want existing data preserved", got)
	}

	after, err := store.GetAccount(ctx, key)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if after.RefreshToken != "" {
		t.Fatal("claim must be released after a not-modified response")
	}
	if after.EncodedKey != "existing-key" || after.ETag != `"v7"` {
		t.Fatalf("row = %#v, want data untouched", after)
	}
}

func TestFetchErrorReleasesClaim(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	mc := &fakeMirror{err: &mirror.ServiceUnavailableError{StatusCode: 503, Network: "testnet"}}
	svc := New(store, store, mc, fastCoordinator(), nil)

	_, err := svc.GetAccountInfoForTransaction(ctx, testTx(), "0.0.8")
	var unavailable *mirror.ServiceUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("err = %v, want ServiceUnavailableError", err)
	}

	after, err := store.GetAccount(ctx, cache.AccountKey{AccountID: "0.0.8", MirrorNetwork: "testnet"})
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if after == nil {
		t.Fatal("claim row should have been created")
	}
	if after.RefreshToken != "" {
		t.Fatal("claim must be released after a fetch failure")
	}
}

func TestGetNodeInfoForTransaction(t *testing.T) {
	store := storage.NewMemory()
	mc := &fakeMirror{
		nodeInfo: &mirror.NodeInfo{NodeID: 3, AdminKey: "adminkey", PublicKeys: []string{"adminkey"}},
		etag:     `"n1"`,
	}
	svc := New(store, store, mc, fastCoordinator(), nil)

	got, err := svc.GetNodeInfoForTransaction(context.Background(), testTx(), 3)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.AdminKey != "adminkey" {
		t.Fatalf("row = %#v", got)
	}

	// Second call inside the freshness window is served from cache.
	if _, err := svc.GetNodeInfoForTransaction(context.Background(), testTx(), 3); err != nil {
		t.Fatalf("second get: %v", err)
	}
	if atomic.LoadInt32(&mc.nodeCalls) != 1 {
		t.Fatalf("node calls = %d, want 1", mc.nodeCalls)
	}
}

func TestRefreshStaleAccountsSweep(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()

	for _, id := range []string{"0.0.1", "0.0.2", "0.0.3"} {
		key := cache.AccountKey{AccountID: id, MirrorNetwork: "testnet"}
		row, _, err := store.TryClaimAccount(ctx, key, "seed", time.Now(), time.Now().Add(-time.Hour))
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
		row.EncodedKey = "old-key"
		row.UpdatedAt = time.Now().Add(-time.Hour)
		if ok, err := store.SaveAndReleaseAccount(ctx, row, "seed"); err != nil || !ok {
			t.Fatalf("seed save: ok=%v err=%v", ok, err)
		}
	}

	mc := &fakeMirror{
		accountInfo: &mirror.AccountInfo{EncodedKey: "new-key", PublicKeys: []string{"new-key"}},
		etag:        `"v2"`,
	}
	svc := New(store, store, mc, fastCoordinator(), nil)

	if err := svc.RefreshStaleAccounts(ctx, 30*time.Minute, 10); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := atomic.LoadInt32(&mc.accountCalls); got != 3 {
		t.Fatalf("mirror calls = %d, want 3", got)
	}
	for _, id := range []string{"0.0.1", "0.0.2", "0.0.3"} {
		row, err := store.GetAccount(ctx, cache.AccountKey{AccountID: id, MirrorNetwork: "testnet"})
		if err != nil {
			t.Fatalf("read back: %v", err)
		}
		if row.EncodedKey != "new-key" || row.RefreshToken != "" {
			t.Fatalf("row %s = %#v, want refreshed and released", id, row)
		}
	}
}
