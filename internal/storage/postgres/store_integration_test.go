package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/onnwee/gatekeep/internal/security"
)

// startPostgres spins up a throwaway PostgreSQL container and applies the
// security schema. Skips the test when Docker is not available.
func startPostgres(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("gatekeep"),
		tcpostgres.WithUsername("gatekeep"),
		tcpostgres.WithPassword("gatekeep"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("could not start postgres container (docker unavailable?): %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	db, err := Open(openCtx, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema, err := os.ReadFile(filepath.Join("..", "..", "..", "migrations", "000001_security_schema.up.sql"))
	if err != nil {
		t.Fatalf("read schema migration: %v", err)
	}
	if _, err := db.ExecContext(ctx, string(schema)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return db
}

func TestStore_EventsAndSuspicious(t *testing.T) {
	db := startPostgres(t)
	store := NewStore(db, nil)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	events := []*security.SecurityEvent{
		{
			Identifier:  "id-a",
			Type:        security.EventInjectionAttempt,
			Severity:    security.SeverityCritical,
			Description: `{"path":"/api/user"}`,
			WasBlocked:  true,
			ActionTaken: "request rejected",
			Timestamp:   now.Add(-2 * time.Minute),
		},
		{
			Identifier:  "id-b",
			Type:        security.EventRateLimitExceeded,
			Severity:    security.SeverityMedium,
			Description: `{"path":"/api"}`,
			Timestamp:   now.Add(-1 * time.Minute),
		},
		{
			Identifier:  "id-a",
			Type:        security.EventSuspiciousPattern,
			Severity:    security.SeverityHigh,
			Description: `{"path":"/api/comment"}`,
			Timestamp:   now,
		},
	}
	for _, e := range events {
		if err := store.AppendEvent(ctx, e); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
		if e.ID == "" {
			t.Fatal("AppendEvent did not assign an ID")
		}
	}

	all, err := store.ListEvents(ctx, "", 0, 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].Type != security.EventSuspiciousPattern {
		t.Errorf("expected newest event first, got %s", all[0].Type)
	}

	forA, err := store.ListEvents(ctx, "id-a", 10, 0)
	if err != nil {
		t.Fatalf("ListEvents(id-a): %v", err)
	}
	if len(forA) != 2 {
		t.Fatalf("expected 2 events for id-a, got %d", len(forA))
	}

	paged, err := store.ListEvents(ctx, "", 1, 1)
	if err != nil {
		t.Fatalf("ListEvents paged: %v", err)
	}
	if len(paged) != 1 || paged[0].Type != security.EventRateLimitExceeded {
		t.Errorf("unexpected page contents: %+v", paged)
	}

	suspicious := []*security.SuspiciousActivity{
		{Identifier: "id-a", ActivityType: security.EventInjectionAttempt, RiskLevel: 9, Description: "{}", Timestamp: now.Add(-2 * time.Minute)},
		{Identifier: "id-a", ActivityType: security.EventSuspiciousPattern, RiskLevel: 5, Description: "{}", Timestamp: now},
		{Identifier: "id-b", ActivityType: security.EventRateLimitExceeded, RiskLevel: 3, Description: "{}", Timestamp: now.Add(-1 * time.Minute)},
	}
	for _, a := range suspicious {
		if err := store.AppendSuspicious(ctx, a); err != nil {
			t.Fatalf("AppendSuspicious: %v", err)
		}
	}

	count, err := store.CountSuspiciousSince(ctx, "id-a", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountSuspiciousSince: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 suspicious for id-a, got %d", count)
	}

	count, err = store.CountSuspiciousSince(ctx, "id-a", now.Add(-90*time.Second))
	if err != nil {
		t.Fatalf("CountSuspiciousSince(window): %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 suspicious in narrower window, got %d", count)
	}

	aggs, err := store.AggregateSuspiciousSince(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("AggregateSuspiciousSince: %v", err)
	}
	if len(aggs) != 2 {
		t.Fatalf("expected 2 aggregates, got %d", len(aggs))
	}
	if aggs[0].Identifier != "id-a" || aggs[0].Count != 2 || aggs[0].MaxRiskLevel != 9 {
		t.Errorf("unexpected id-a aggregate: %+v", aggs[0])
	}
	if aggs[1].Identifier != "id-b" || aggs[1].Count != 1 || aggs[1].MaxRiskLevel != 3 {
		t.Errorf("unexpected id-b aggregate: %+v", aggs[1])
	}

	listed, err := store.ListSuspicious(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListSuspicious: %v", err)
	}
	if len(listed) != 2 || listed[0].RiskLevel != 5 {
		t.Errorf("unexpected suspicious listing: %+v", listed)
	}
}

func TestStore_BlockLifecycle(t *testing.T) {
	db := startPostgres(t)
	store := NewStore(db, nil)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	expires := now.Add(24 * time.Hour)
	record := &security.BlockRecord{
		Identifier:   "blocked-id",
		Reason:       "repeated injection attempts",
		BlockType:    security.BlockTypeTemporary,
		Severity:     security.SeverityHigh,
		ExpiresAt:    &expires,
		AttemptCount: 1,
		LastAttempt:  now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.CreateBlock(ctx, record); err != nil {
		t.Fatalf("CreateBlock: %v", err)
	}
	if record.ID == "" {
		t.Fatal("CreateBlock did not assign an ID")
	}

	dup := *record
	dup.ID = ""
	if err := store.CreateBlock(ctx, &dup); !errors.Is(err, security.ErrAlreadyBlocked) {
		t.Fatalf("expected ErrAlreadyBlocked, got %v", err)
	}

	active, err := store.GetActiveBlock(ctx, "blocked-id")
	if err != nil {
		t.Fatalf("GetActiveBlock: %v", err)
	}
	if active == nil || active.ID != record.ID {
		t.Fatalf("expected active block %q, got %+v", record.ID, active)
	}
	if active.ExpiresAt == nil || !active.ExpiresAt.Equal(expires) {
		t.Errorf("expires_at did not round-trip: %v", active.ExpiresAt)
	}

	ids, err := store.ActiveBlockedIdentifiers(ctx)
	if err != nil {
		t.Fatalf("ActiveBlockedIdentifiers: %v", err)
	}
	if len(ids) != 1 || ids[0] != "blocked-id" {
		t.Errorf("unexpected active identifiers: %v", ids)
	}

	if err := store.DeleteBlock(ctx, "blocked-id"); err != nil {
		t.Fatalf("DeleteBlock: %v", err)
	}
	if err := store.DeleteBlock(ctx, "blocked-id"); !errors.Is(err, security.ErrNotBlocked) {
		t.Fatalf("expected ErrNotBlocked on second delete, got %v", err)
	}

	active, err = store.GetActiveBlock(ctx, "blocked-id")
	if err != nil {
		t.Fatalf("GetActiveBlock after delete: %v", err)
	}
	if active != nil {
		t.Errorf("expected no active block after delete, got %+v", active)
	}

	// The removed record stays in the listing history.
	blocks, err := store.ListBlocks(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListBlocks: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("expected 1 historical block, got %d", len(blocks))
	}
}

func TestStore_CreateBlockRetiresExpired(t *testing.T) {
	db := startPostgres(t)
	store := NewStore(db, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	expired := now.Add(-time.Hour)
	first := &security.BlockRecord{
		Identifier:   "flapping-id",
		Reason:       "first offense",
		BlockType:    security.BlockTypeTemporary,
		Severity:     security.SeverityMedium,
		ExpiresAt:    &expired,
		AttemptCount: 1,
		LastAttempt:  now.Add(-2 * time.Hour),
		CreatedAt:    now.Add(-2 * time.Hour),
		UpdatedAt:    now.Add(-2 * time.Hour),
	}
	if err := store.CreateBlock(ctx, first); err != nil {
		t.Fatalf("CreateBlock(expired): %v", err)
	}

	second := &security.BlockRecord{
		Identifier:   "flapping-id",
		Reason:       "second offense",
		BlockType:    security.BlockTypePermanent,
		Severity:     security.SeverityCritical,
		AttemptCount: 1,
		LastAttempt:  now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.CreateBlock(ctx, second); err != nil {
		t.Fatalf("CreateBlock after expiry should succeed, got %v", err)
	}

	active, err := store.GetActiveBlock(ctx, "flapping-id")
	if err != nil {
		t.Fatalf("GetActiveBlock: %v", err)
	}
	if active == nil || active.Reason != "second offense" {
		t.Fatalf("expected the new block to be active, got %+v", active)
	}
	if active.ExpiresAt != nil {
		t.Errorf("permanent block should have nil expires_at, got %v", active.ExpiresAt)
	}
}

func TestStore_GetStats(t *testing.T) {
	db := startPostgres(t)
	store := NewStore(db, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, e := range []*security.SecurityEvent{
		{Identifier: "id-a", Type: security.EventInjectionAttempt, Severity: security.SeverityCritical, Description: "{}", Timestamp: now},
		{Identifier: "id-a", Type: security.EventSuspiciousPattern, Severity: security.SeverityHigh, Description: "{}", Timestamp: now},
		{Identifier: "id-b", Type: security.EventRateLimitExceeded, Severity: security.SeverityMedium, Description: "{}", Timestamp: now},
	} {
		if err := store.AppendEvent(ctx, e); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	for _, a := range []*security.SuspiciousActivity{
		{Identifier: "id-a", ActivityType: security.EventInjectionAttempt, RiskLevel: 9, Description: "{}", Timestamp: now},
		{Identifier: "id-a", ActivityType: security.EventInjectionAttempt, RiskLevel: 7, Description: "{}", Timestamp: now},
		{Identifier: "id-b", ActivityType: security.EventRateLimitExceeded, RiskLevel: 3, Description: "{}", Timestamp: now.Add(-48 * time.Hour)},
	} {
		if err := store.AppendSuspicious(ctx, a); err != nil {
			t.Fatalf("AppendSuspicious: %v", err)
		}
	}

	if err := store.CreateBlock(ctx, &security.BlockRecord{
		Identifier:   "id-a",
		Reason:       "escalated",
		BlockType:    security.BlockTypePermanent,
		Severity:     security.SeverityCritical,
		AttemptCount: 1,
		LastAttempt:  now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		t.Fatalf("CreateBlock: %v", err)
	}

	stats, err := store.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.TotalEvents != 3 {
		t.Errorf("TotalEvents = %d, want 3", stats.TotalEvents)
	}
	if stats.TotalSuspicious != 3 {
		t.Errorf("TotalSuspicious = %d, want 3", stats.TotalSuspicious)
	}
	if stats.SuspiciousLast24h != 2 {
		t.Errorf("SuspiciousLast24h = %d, want 2", stats.SuspiciousLast24h)
	}
	if stats.TotalBlocks != 1 || stats.ActiveBlocks != 1 {
		t.Errorf("blocks = %d/%d, want 1/1", stats.TotalBlocks, stats.ActiveBlocks)
	}
	if stats.AttackTypes[string(security.EventInjectionAttempt)] != 2 {
		t.Errorf("AttackTypes = %v", stats.AttackTypes)
	}
	if stats.SeverityDistribution[string(security.SeverityCritical)] != 1 {
		t.Errorf("SeverityDistribution = %v", stats.SeverityDistribution)
	}
}
