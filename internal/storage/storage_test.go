package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/askari/internal/config"
	"github.com/jkaninda/askari/internal/policy"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := &config.Config{DataDir: t.TempDir()}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := Open(cfg, logger)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_OpenAndPing(t *testing.T) {
	store := openTestStore(t)
	if store.Driver() != DriverSQLite {
		t.Errorf("driver = %q, want sqlite", store.Driver())
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestStore_SharedRepository(t *testing.T) {
	store := openTestStore(t)
	if store.Policies() != store.Policies() {
		t.Fatal("Policies must return the same repository instance")
	}
}

func TestPolicyRepository_UpsertAndGet(t *testing.T) {
	repo := openTestStore(t).Policies()
	ctx := context.Background()

	p := &policy.Policy{
		UID:         10140,
		PackageName: "com.example.terminal",
		Decision:    policy.DecisionAllow,
		ExpiresAt:   0,
	}
	if err := repo.Upsert(ctx, p); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := repo.Get(ctx, 10140)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Decision != policy.DecisionAllow {
		t.Errorf("decision = %v, want allow", got.Decision)
	}
	if got.PackageName != "com.example.terminal" {
		t.Errorf("package = %q", got.PackageName)
	}

	// Replace with a deny; the row is keyed by UID.
	p.Decision = policy.DecisionDeny
	if err := repo.Upsert(ctx, p); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	got, err = repo.Get(ctx, 10140)
	if err != nil {
		t.Fatalf("Get after replace: %v", err)
	}
	if got.Decision != policy.DecisionDeny {
		t.Errorf("decision = %v, want deny after replace", got.Decision)
	}

	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("row count = %d, want 1 after replace", len(list))
	}
}

func TestPolicyRepository_GetMissing(t *testing.T) {
	repo := openTestStore(t).Policies()
	if _, err := repo.Get(context.Background(), 404); !errors.Is(err, policy.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPolicyRepository_AskNotCacheable(t *testing.T) {
	repo := openTestStore(t).Policies()
	err := repo.Upsert(context.Background(), &policy.Policy{UID: 1, Decision: policy.DecisionAsk})
	if !errors.Is(err, policy.ErrNotCacheable) {
		t.Fatalf("expected ErrNotCacheable, got %v", err)
	}
}

func TestPolicyRepository_LazyExpiry(t *testing.T) {
	repo := openTestStore(t).Policies()
	ctx := context.Background()

	stale := &policy.Policy{
		UID:         2000,
		PackageName: "com.example.old",
		Decision:    policy.DecisionAllow,
		ExpiresAt:   time.Now().Add(-time.Minute).Unix(),
	}
	if err := repo.Upsert(ctx, stale); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// A stale row reads as absent even before any purge runs.
	if _, err := repo.Get(ctx, 2000); !errors.Is(err, policy.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for stale row, got %v", err)
	}

	// The row itself is still there until purged.
	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("row count = %d, want 1 before purge", len(list))
	}

	if err := repo.PurgeExpired(ctx); err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	list, err = repo.List(ctx)
	if err != nil {
		t.Fatalf("List after purge: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("row count = %d, want 0 after purge", len(list))
	}
}

func TestPolicyRepository_PurgeKeepsForever(t *testing.T) {
	repo := openTestStore(t).Policies()
	ctx := context.Background()

	forever := &policy.Policy{UID: 1, PackageName: "a", Decision: policy.DecisionAllow, ExpiresAt: 0}
	live := &policy.Policy{UID: 2, PackageName: "b", Decision: policy.DecisionDeny, ExpiresAt: time.Now().Add(time.Hour).Unix()}
	stale := &policy.Policy{UID: 3, PackageName: "c", Decision: policy.DecisionAllow, ExpiresAt: time.Now().Add(-time.Hour).Unix()}
	for _, p := range []*policy.Policy{forever, live, stale} {
		if err := repo.Upsert(ctx, p); err != nil {
			t.Fatalf("Upsert uid %d: %v", p.UID, err)
		}
	}

	if err := repo.PurgeExpired(ctx); err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}

	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("row count = %d, want 2", len(list))
	}
	// List is ordered by UID.
	if list[0].UID != 1 || list[1].UID != 2 {
		t.Errorf("surviving uids = %d, %d", list[0].UID, list[1].UID)
	}
}

func TestPolicyRepository_Revoke(t *testing.T) {
	repo := openTestStore(t).Policies()
	ctx := context.Background()

	if err := repo.Upsert(ctx, &policy.Policy{UID: 7, PackageName: "x", Decision: policy.DecisionAllow}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := repo.Revoke(ctx, 7); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := repo.Get(ctx, 7); !errors.Is(err, policy.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after revoke, got %v", err)
	}

	// Revoking a missing row is not an error.
	if err := repo.Revoke(ctx, 7); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
}

func TestPolicyRepository_ClearAll(t *testing.T) {
	repo := openTestStore(t).Policies()
	ctx := context.Background()

	for uid := int64(1); uid <= 3; uid++ {
		p := &policy.Policy{UID: uid, PackageName: fmt.Sprintf("pkg%d", uid), Decision: policy.DecisionAllow}
		if err := repo.Upsert(ctx, p); err != nil {
			t.Fatalf("Upsert uid %d: %v", uid, err)
		}
	}

	if err := repo.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("row count = %d, want 0", len(list))
	}
}

func TestPolicyRepository_ConcurrentDistinctUIDs(t *testing.T) {
	repo := openTestStore(t).Policies()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(uid int64) {
			defer wg.Done()
			p := &policy.Policy{UID: uid, PackageName: fmt.Sprintf("pkg%d", uid), Decision: policy.DecisionAllow}
			if err := repo.Upsert(ctx, p); err != nil {
				errs <- err
			}
		}(int64(i + 100))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent upsert: %v", err)
	}

	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 20 {
		t.Errorf("row count = %d, want 20", len(list))
	}
}
