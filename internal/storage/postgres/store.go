package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/onnwee/gatekeep/internal/security"
	"github.com/onnwee/gatekeep/internal/tracing"
)

// uniqueViolation is the PostgreSQL error code for unique constraint violations.
const uniqueViolation = "23505"

// Store implements security.Store on PostgreSQL. Block removal is soft:
// rows gain a removed_at timestamp so the block history survives for
// listings and stats.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

var _ security.Store = (*Store)(nil)

// AppendEvent implements security.Store.
func (s *Store) AppendEvent(ctx context.Context, event *security.SecurityEvent) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, "security_events", tracing.DBOperationInsert)
	defer func() { end(err) }()

	id := event.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO security_events (id, identifier, event_type, severity, description, was_blocked, action_taken, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, event.Identifier, event.Type, event.Severity, event.Description,
		event.WasBlocked, event.ActionTaken, event.Timestamp)
	if err != nil {
		return fmt.Errorf("insert security event: %w", err)
	}
	event.ID = id
	return nil
}

// AppendSuspicious implements security.Store.
func (s *Store) AppendSuspicious(ctx context.Context, activity *security.SuspiciousActivity) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, "suspicious_activities", tracing.DBOperationInsert)
	defer func() { end(err) }()

	id := activity.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO suspicious_activities (id, identifier, activity_type, risk_level, description, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, activity.Identifier, activity.ActivityType, activity.RiskLevel,
		activity.Description, activity.Timestamp)
	if err != nil {
		return fmt.Errorf("insert suspicious activity: %w", err)
	}
	activity.ID = id
	return nil
}

// CountSuspiciousSince implements security.Store.
func (s *Store) CountSuspiciousSince(ctx context.Context, id string, since time.Time) (count int, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "suspicious_activities", tracing.DBOperationQuery)
	defer func() { end(err) }()

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM suspicious_activities
		WHERE identifier = $1 AND timestamp > $2`,
		id, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count suspicious activity: %w", err)
	}
	return count, nil
}

// AggregateSuspiciousSince implements security.Store.
func (s *Store) AggregateSuspiciousSince(ctx context.Context, since time.Time) (aggs []security.SuspiciousAggregate, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "suspicious_activities", tracing.DBOperationQuery)
	defer func() { end(err) }()

	rows, err := s.db.QueryContext(ctx, `
		SELECT identifier, COUNT(*), MAX(risk_level)
		FROM suspicious_activities
		WHERE timestamp > $1
		GROUP BY identifier
		ORDER BY identifier`,
		since)
	if err != nil {
		return nil, fmt.Errorf("aggregate suspicious activity: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var agg security.SuspiciousAggregate
		if err = rows.Scan(&agg.Identifier, &agg.Count, &agg.MaxRiskLevel); err != nil {
			return nil, fmt.Errorf("scan suspicious aggregate: %w", err)
		}
		aggs = append(aggs, agg)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate suspicious aggregates: %w", err)
	}
	return aggs, nil
}

// CreateBlock implements security.Store. An expired block that was never
// removed is retired in the same transaction so the identifier can be
// blocked again.
func (s *Store) CreateBlock(ctx context.Context, record *security.BlockRecord) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, "blocked_identifiers", tracing.DBOperationInsert)
	defer func() { end(err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin block transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("block transaction rollback failed", slog.String("error", rbErr.Error()))
		}
	}()

	_, err = tx.ExecContext(ctx, `
		UPDATE blocked_identifiers
		SET removed_at = NOW(), updated_at = NOW()
		WHERE identifier = $1 AND removed_at IS NULL
		  AND expires_at IS NOT NULL AND expires_at <= NOW()`,
		record.Identifier)
	if err != nil {
		return fmt.Errorf("retire expired block: %w", err)
	}

	id := record.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO blocked_identifiers (id, identifier, reason, block_type, severity, expires_at, attempt_count, last_attempt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, record.Identifier, record.Reason, record.BlockType, record.Severity,
		record.ExpiresAt, record.AttemptCount, record.LastAttempt,
		record.CreatedAt, record.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return security.ErrAlreadyBlocked
		}
		return fmt.Errorf("insert block: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit block transaction: %w", err)
	}
	record.ID = id
	return nil
}

// GetActiveBlock implements security.Store.
func (s *Store) GetActiveBlock(ctx context.Context, id string) (record *security.BlockRecord, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "blocked_identifiers", tracing.DBOperationQuery)
	defer func() { end(err) }()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, identifier, reason, block_type, severity, expires_at, attempt_count, last_attempt, created_at, updated_at
		FROM blocked_identifiers
		WHERE identifier = $1 AND removed_at IS NULL
		  AND (expires_at IS NULL OR expires_at > NOW())`,
		id)

	record, err = scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active block: %w", err)
	}
	return record, nil
}

// DeleteBlock implements security.Store.
func (s *Store) DeleteBlock(ctx context.Context, id string) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, "blocked_identifiers", tracing.DBOperationUpdate)
	defer func() { end(err) }()

	res, err := s.db.ExecContext(ctx, `
		UPDATE blocked_identifiers
		SET removed_at = NOW(), updated_at = NOW()
		WHERE identifier = $1 AND removed_at IS NULL
		  AND (expires_at IS NULL OR expires_at > NOW())`,
		id)
	if err != nil {
		return fmt.Errorf("remove block: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove block rows affected: %w", err)
	}
	if affected == 0 {
		return security.ErrNotBlocked
	}
	return nil
}

// ActiveBlockedIdentifiers implements security.Store.
func (s *Store) ActiveBlockedIdentifiers(ctx context.Context) (ids []string, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "blocked_identifiers", tracing.DBOperationQuery)
	defer func() { end(err) }()

	rows, err := s.db.QueryContext(ctx, `
		SELECT identifier FROM blocked_identifiers
		WHERE removed_at IS NULL AND (expires_at IS NULL OR expires_at > NOW())`)
	if err != nil {
		return nil, fmt.Errorf("list active blocked identifiers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan blocked identifier: %w", err)
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocked identifiers: %w", err)
	}
	return ids, nil
}

// ListEvents implements security.Store.
func (s *Store) ListEvents(ctx context.Context, id string, limit, offset int) (events []*security.SecurityEvent, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "security_events", tracing.DBOperationQuery)
	defer func() { end(err) }()

	query := `
		SELECT id, identifier, event_type, severity, description, was_blocked, action_taken, timestamp
		FROM security_events`
	args := []any{}
	if id != "" {
		query += ` WHERE identifier = $1`
		args = append(args, id)
	}
	query += ` ORDER BY timestamp DESC, id DESC` + pageClause(&args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list security events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e := &security.SecurityEvent{}
		if err = rows.Scan(&e.ID, &e.Identifier, &e.Type, &e.Severity,
			&e.Description, &e.WasBlocked, &e.ActionTaken, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan security event: %w", err)
		}
		events = append(events, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security events: %w", err)
	}
	return events, nil
}

// ListSuspicious implements security.Store.
func (s *Store) ListSuspicious(ctx context.Context, limit, offset int) (activities []*security.SuspiciousActivity, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "suspicious_activities", tracing.DBOperationQuery)
	defer func() { end(err) }()

	args := []any{}
	query := `
		SELECT id, identifier, activity_type, risk_level, description, timestamp
		FROM suspicious_activities
		ORDER BY timestamp DESC, id DESC` + pageClause(&args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list suspicious activities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		a := &security.SuspiciousActivity{}
		if err = rows.Scan(&a.ID, &a.Identifier, &a.ActivityType, &a.RiskLevel,
			&a.Description, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scan suspicious activity: %w", err)
		}
		activities = append(activities, a)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate suspicious activities: %w", err)
	}
	return activities, nil
}

// ListBlocks implements security.Store.
func (s *Store) ListBlocks(ctx context.Context, limit, offset int) (records []*security.BlockRecord, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "blocked_identifiers", tracing.DBOperationQuery)
	defer func() { end(err) }()

	args := []any{}
	query := `
		SELECT id, identifier, reason, block_type, severity, expires_at, attempt_count, last_attempt, created_at, updated_at
		FROM blocked_identifiers
		ORDER BY created_at DESC, id DESC` + pageClause(&args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		record, scanErr := scanBlock(rows)
		if scanErr != nil {
			err = scanErr
			return nil, fmt.Errorf("scan block: %w", err)
		}
		records = append(records, record)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return records, nil
}

// GetStats implements security.Store.
func (s *Store) GetStats(ctx context.Context) (stats *security.Stats, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "security_events", tracing.DBOperationQuery)
	defer func() { end(err) }()

	stats = &security.Stats{
		AttackTypes:          make(map[string]int),
		SeverityDistribution: make(map[string]int),
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM security_events),
			(SELECT COUNT(*) FROM suspicious_activities),
			(SELECT COUNT(*) FROM suspicious_activities WHERE timestamp > NOW() - INTERVAL '24 hours'),
			(SELECT COUNT(*) FROM blocked_identifiers),
			(SELECT COUNT(*) FROM blocked_identifiers
				WHERE removed_at IS NULL AND (expires_at IS NULL OR expires_at > NOW()))`).
		Scan(&stats.TotalEvents, &stats.TotalSuspicious, &stats.SuspiciousLast24h,
			&stats.TotalBlocks, &stats.ActiveBlocks)
	if err != nil {
		return nil, fmt.Errorf("stats counters: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT activity_type, COUNT(*)
		FROM suspicious_activities
		WHERE timestamp > NOW() - INTERVAL '24 hours'
		GROUP BY activity_type`)
	if err != nil {
		return nil, fmt.Errorf("stats attack types: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var attackType string
		var count int
		if err = rows.Scan(&attackType, &count); err != nil {
			return nil, fmt.Errorf("scan attack type: %w", err)
		}
		stats.AttackTypes[attackType] = count
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attack types: %w", err)
	}

	sevRows, err := s.db.QueryContext(ctx, `
		SELECT severity, COUNT(*) FROM security_events GROUP BY severity`)
	if err != nil {
		return nil, fmt.Errorf("stats severity distribution: %w", err)
	}
	defer sevRows.Close()
	for sevRows.Next() {
		var severity string
		var count int
		if err = sevRows.Scan(&severity, &count); err != nil {
			return nil, fmt.Errorf("scan severity: %w", err)
		}
		stats.SeverityDistribution[severity] = count
	}
	if err = sevRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate severities: %w", err)
	}

	return stats, nil
}

// pageClause appends LIMIT/OFFSET placeholders to args and returns the SQL
// fragment. A non-positive limit means unlimited, matching the in-memory
// store.
func pageClause(args *[]any, limit, offset int) string {
	clause := ""
	if limit > 0 {
		*args = append(*args, limit)
		clause += fmt.Sprintf(" LIMIT $%d", len(*args))
	}
	if offset > 0 {
		*args = append(*args, offset)
		clause += fmt.Sprintf(" OFFSET $%d", len(*args))
	}
	return clause
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlock(row rowScanner) (*security.BlockRecord, error) {
	record := &security.BlockRecord{}
	var expiresAt sql.NullTime
	err := row.Scan(&record.ID, &record.Identifier, &record.Reason,
		&record.BlockType, &record.Severity, &expiresAt,
		&record.AttemptCount, &record.LastAttempt,
		&record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		record.ExpiresAt = &t
	}
	return record, nil
}
