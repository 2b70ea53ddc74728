package security

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrAlreadyBlocked is returned when an active block already exists for
	// the identifier.
	ErrAlreadyBlocked = errors.New("identifier is already blocked")

	// ErrNotBlocked is returned when no active block exists for the
	// identifier.
	ErrNotBlocked = errors.New("identifier is not blocked")
)

// SuspiciousAggregate is one row of the per-identifier rollup consumed by
// the sweeper.
type SuspiciousAggregate struct {
	Identifier   string
	Count        int
	MaxRiskLevel int
}

// Stats is the operator-facing rollup of security activity.
type Stats struct {
	TotalEvents          int            `json:"total_events"`
	TotalSuspicious      int            `json:"total_suspicious"`
	SuspiciousLast24h    int            `json:"suspicious_last_24h"`
	TotalBlocks          int            `json:"total_blocks"`
	ActiveBlocks         int            `json:"active_blocks"`
	AttackTypes          map[string]int `json:"attack_types"`
	SeverityDistribution map[string]int `json:"severity_distribution"`
}

// Store is the durable persistence boundary for the gateway. It does not
// care whether the backend is relational, document, or embedded, only that
// the filters below are available.
type Store interface {
	// AppendEvent persists a security event. Append-only.
	AppendEvent(ctx context.Context, event *SecurityEvent) error

	// AppendSuspicious persists a suspicious-activity record. Append-only.
	AppendSuspicious(ctx context.Context, activity *SuspiciousActivity) error

	// CountSuspiciousSince returns the number of suspicious-activity
	// records for the identifier with a timestamp after the given time.
	CountSuspiciousSince(ctx context.Context, id string, since time.Time) (int, error)

	// AggregateSuspiciousSince groups suspicious activity after the given
	// time by identifier, returning count and max risk level per group.
	AggregateSuspiciousSince(ctx context.Context, since time.Time) ([]SuspiciousAggregate, error)

	// CreateBlock persists a block record. Returns ErrAlreadyBlocked when
	// an active record already exists for the identifier.
	CreateBlock(ctx context.Context, record *BlockRecord) error

	// GetActiveBlock returns the active block record for the identifier,
	// or nil when there is none.
	GetActiveBlock(ctx context.Context, id string) (*BlockRecord, error)

	// DeleteBlock removes the active block record for the identifier.
	// Returns ErrNotBlocked when there is none.
	DeleteBlock(ctx context.Context, id string) error

	// ActiveBlockedIdentifiers lists the identifiers with an active block,
	// for block-cache refreshes.
	ActiveBlockedIdentifiers(ctx context.Context) ([]string, error)

	// ListEvents returns events for the identifier, newest first.
	// An empty identifier matches all events.
	ListEvents(ctx context.Context, id string, limit, offset int) ([]*SecurityEvent, error)

	// ListSuspicious returns suspicious activity, newest first.
	ListSuspicious(ctx context.Context, limit, offset int) ([]*SuspiciousActivity, error)

	// ListBlocks returns block records, newest first, including expired
	// and removed-from-active ones where the backend retains them.
	ListBlocks(ctx context.Context, limit, offset int) ([]*BlockRecord, error)

	// GetStats computes the operator stats rollup.
	GetStats(ctx context.Context) (*Stats, error)
}

// MemoryStore is an in-memory Store used for tests, development, and
// single-instance deployments without a database. Thread-safe via RWMutex.
type MemoryStore struct {
	mu         sync.RWMutex
	events     []*SecurityEvent
	suspicious []*SuspiciousActivity
	blocks     map[string]*BlockRecord // identifier -> active block
	allBlocks  []*BlockRecord
	now        func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blocks: make(map[string]*BlockRecord),
		now:    time.Now,
	}
}

// AppendEvent implements Store.
func (s *MemoryStore) AppendEvent(_ context.Context, event *SecurityEvent) error {
	c := *event
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	s.mu.Lock()
	s.events = append(s.events, &c)
	s.mu.Unlock()
	return nil
}

// AppendSuspicious implements Store.
func (s *MemoryStore) AppendSuspicious(_ context.Context, activity *SuspiciousActivity) error {
	c := *activity
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	s.mu.Lock()
	s.suspicious = append(s.suspicious, &c)
	s.mu.Unlock()
	return nil
}

// CountSuspiciousSince implements Store.
func (s *MemoryStore) CountSuspiciousSince(_ context.Context, id string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, a := range s.suspicious {
		if a.Identifier == id && a.Timestamp.After(since) {
			count++
		}
	}
	return count, nil
}

// AggregateSuspiciousSince implements Store.
func (s *MemoryStore) AggregateSuspiciousSince(_ context.Context, since time.Time) ([]SuspiciousAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := make(map[string]*SuspiciousAggregate)
	for _, a := range s.suspicious {
		if !a.Timestamp.After(since) {
			continue
		}
		agg, ok := byID[a.Identifier]
		if !ok {
			agg = &SuspiciousAggregate{Identifier: a.Identifier}
			byID[a.Identifier] = agg
		}
		agg.Count++
		if a.RiskLevel > agg.MaxRiskLevel {
			agg.MaxRiskLevel = a.RiskLevel
		}
	}

	result := make([]SuspiciousAggregate, 0, len(byID))
	for _, agg := range byID {
		result = append(result, *agg)
	}
	// Deterministic order for tests and logs.
	sort.Slice(result, func(i, j int) bool { return result[i].Identifier < result[j].Identifier })
	return result, nil
}

// CreateBlock implements Store.
func (s *MemoryStore) CreateBlock(_ context.Context, record *BlockRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.blocks[record.Identifier]; ok && existing.Active(s.now()) {
		return ErrAlreadyBlocked
	}

	c := *record
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	s.blocks[c.Identifier] = &c
	s.allBlocks = append(s.allBlocks, &c)
	return nil
}

// GetActiveBlock implements Store.
func (s *MemoryStore) GetActiveBlock(_ context.Context, id string) (*BlockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.blocks[id]
	if !ok || !record.Active(s.now()) {
		return nil, nil
	}
	c := *record
	return &c, nil
}

// DeleteBlock implements Store.
func (s *MemoryStore) DeleteBlock(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.blocks[id]
	if !ok || !record.Active(s.now()) {
		return ErrNotBlocked
	}
	delete(s.blocks, id)
	return nil
}

// ActiveBlockedIdentifiers implements Store.
func (s *MemoryStore) ActiveBlockedIdentifiers(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	ids := make([]string, 0, len(s.blocks))
	for id, record := range s.blocks {
		if record.Active(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ListEvents implements Store.
func (s *MemoryStore) ListEvents(_ context.Context, id string, limit, offset int) ([]*SecurityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*SecurityEvent
	skipped := 0
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if id != "" && e.Identifier != id {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		c := *e
		results = append(results, &c)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

// ListSuspicious implements Store.
func (s *MemoryStore) ListSuspicious(_ context.Context, limit, offset int) ([]*SuspiciousActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*SuspiciousActivity
	skipped := 0
	for i := len(s.suspicious) - 1; i >= 0; i-- {
		if skipped < offset {
			skipped++
			continue
		}
		c := *s.suspicious[i]
		results = append(results, &c)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

// ListBlocks implements Store.
func (s *MemoryStore) ListBlocks(_ context.Context, limit, offset int) ([]*BlockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*BlockRecord
	skipped := 0
	for i := len(s.allBlocks) - 1; i >= 0; i-- {
		if skipped < offset {
			skipped++
			continue
		}
		c := *s.allBlocks[i]
		results = append(results, &c)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

// GetStats implements Store.
func (s *MemoryStore) GetStats(_ context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	stats := &Stats{
		TotalEvents:          len(s.events),
		TotalSuspicious:      len(s.suspicious),
		TotalBlocks:          len(s.allBlocks),
		AttackTypes:          make(map[string]int),
		SeverityDistribution: make(map[string]int),
	}

	dayAgo := now.Add(-24 * time.Hour)
	for _, a := range s.suspicious {
		if a.Timestamp.After(dayAgo) {
			stats.SuspiciousLast24h++
			stats.AttackTypes[string(a.ActivityType)]++
		}
	}
	for _, e := range s.events {
		stats.SeverityDistribution[string(e.Severity)]++
	}
	for _, record := range s.blocks {
		if record.Active(now) {
			stats.ActiveBlocks++
		}
	}
	return stats, nil
}
