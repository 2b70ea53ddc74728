package security

import (
	"context"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		details Details
		want    Severity
	}{
		{
			name:    "injection is high",
			details: InjectionDetails{Patterns: []string{"UNION SELECT"}},
			want:    SeverityHigh,
		},
		{
			name:    "unauthorized admin attempt is critical",
			details: UnauthorizedDetails{AdminAttempt: true},
			want:    SeverityCritical,
		},
		{
			name:    "unauthorized non-admin is medium",
			details: UnauthorizedDetails{},
			want:    SeverityMedium,
		},
		{
			name:    "destructive pattern is critical",
			details: PatternDetails{Patterns: []string{"DROP TABLE"}},
			want:    SeverityCritical,
		},
		{
			name:    "delete pattern is critical",
			details: PatternDetails{Patterns: []string{"DELETE FROM"}},
			want:    SeverityCritical,
		},
		{
			name:    "many patterns is high",
			details: PatternDetails{Patterns: []string{"1=1", "OR 1=1", "<script>"}},
			want:    SeverityHigh,
		},
		{
			name:    "few patterns is medium",
			details: PatternDetails{Patterns: []string{"<script>"}},
			want:    SeverityMedium,
		},
		{
			name:    "rate limit is low",
			details: RateLimitDetails{},
			want:    SeverityLow,
		},
		{
			name:    "blocked attempt is low",
			details: BlockedAttemptDetails{},
			want:    SeverityLow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.details); got != tt.want {
				t.Errorf("Classify = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEventLoggerAsyncWrite(t *testing.T) {
	store := NewMemoryStore()
	l := NewEventLogger(store, discardLogger(), nil, 16)

	l.Log("id-a", RateLimitDetails{RequestInfo: RequestInfo{Path: "/x", Method: "GET"}}, EventOptions{WasBlocked: true, ActionTaken: "rate_limited"})
	l.Close()

	events, err := store.ListEvents(context.Background(), "id-a", 0, 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	e := events[0]
	if e.Type != EventRateLimitExceeded {
		t.Errorf("Type = %q, want %q", e.Type, EventRateLimitExceeded)
	}
	if e.Severity != SeverityLow {
		t.Errorf("Severity = %q, want low", e.Severity)
	}
	if !e.WasBlocked || e.ActionTaken != "rate_limited" {
		t.Errorf("options not carried: blocked=%v action=%q", e.WasBlocked, e.ActionTaken)
	}
	if e.Description == "" || e.Description == "{}" {
		t.Errorf("Description = %q, want detail JSON", e.Description)
	}

	// Rate limiting is not a probing event type; no suspicious record.
	if n, _ := store.CountSuspiciousSince(context.Background(), "id-a", time.Time{}); n != 0 {
		t.Errorf("suspicious records = %d, want 0", n)
	}
}

func TestEventLoggerDerivesSuspiciousActivity(t *testing.T) {
	store := NewMemoryStore()
	l := NewEventLogger(store, discardLogger(), nil, 16)
	ctx := context.Background()

	tests := []struct {
		details  Details
		wantRisk int
	}{
		{InjectionDetails{Patterns: []string{"UNION SELECT"}}, 9},
		{UnauthorizedDetails{AdminAttempt: true}, 7},
		{PatternDetails{Patterns: []string{"<script>"}}, 5},
	}
	for _, tt := range tests {
		if err := l.LogSync(ctx, "id-a", tt.details, EventOptions{}); err != nil {
			t.Fatalf("LogSync: %v", err)
		}
	}

	records, err := store.ListSuspicious(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ListSuspicious: %v", err)
	}
	if len(records) != len(tests) {
		t.Fatalf("suspicious records = %d, want %d", len(records), len(tests))
	}
	// Newest first: reverse of insertion order.
	for i, r := range records {
		want := tests[len(tests)-1-i].wantRisk
		if r.RiskLevel != want {
			t.Errorf("record %d risk = %d, want %d", i, r.RiskLevel, want)
		}
		if r.Identifier != "id-a" {
			t.Errorf("record %d identifier = %q", i, r.Identifier)
		}
	}
}

func TestEventLoggerDropsWhenQueueFull(t *testing.T) {
	store := &blockingStore{MemoryStore: NewMemoryStore(), gate: make(chan struct{})}
	l := NewEventLogger(store, discardLogger(), nil, 1)

	// First event occupies the worker, second fills the queue, third must
	// be dropped without blocking.
	l.Log("id-a", RateLimitDetails{}, EventOptions{})
	l.Log("id-a", RateLimitDetails{}, EventOptions{})

	done := make(chan struct{})
	go func() {
		l.Log("id-a", RateLimitDetails{}, EventOptions{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Log blocked on a full queue")
	}

	close(store.gate)
	l.Close()
}

// blockingStore stalls AppendEvent until its gate closes, to back up the
// event queue in tests.
type blockingStore struct {
	*MemoryStore
	gate chan struct{}
}

func (s *blockingStore) AppendEvent(ctx context.Context, event *SecurityEvent) error {
	<-s.gate
	return s.MemoryStore.AppendEvent(ctx, event)
}
