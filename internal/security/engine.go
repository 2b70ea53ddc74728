package security

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// blockWriteTimeout bounds the store write for block and unblock
// operations. Hard decisions must complete before the response goes out,
// so these writes are synchronous but short.
const blockWriteTimeout = 5 * time.Second

// Engine creates and removes block records, keeping the block cache and
// the event log consistent with the store. Safe under concurrent
// invocation for the same identifier: the store enforces at most one
// active record per identifier, and cache updates are synchronous with the
// committed state.
type Engine struct {
	store   Store
	cache   *BlockCache
	events  *EventLogger
	logger  *slog.Logger
	metrics *Metrics
}

// NewEngine creates a blocking engine. metrics may be nil.
func NewEngine(store Store, cache *BlockCache, events *EventLogger, logger *slog.Logger, metrics *Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   store,
		cache:   cache,
		events:  events,
		logger:  logger,
		metrics: metrics,
	}
}

// Block denies access for the hashed identifier. durationHours of 0 means
// a permanent block; anything else expires after that many hours. Returns
// ErrAlreadyBlocked when an active block exists, leaving the existing
// record untouched.
func (e *Engine) Block(ctx context.Context, id, reason string, durationHours int) error {
	return e.block(ctx, id, reason, durationHours, "manual")
}

// AutoBlock is Block invoked by the gateway or the sweeper rather than an
// operator; it differs only in metric labeling.
func (e *Engine) AutoBlock(ctx context.Context, id, reason string, durationHours int) error {
	return e.block(ctx, id, reason, durationHours, "automatic")
}

func (e *Engine) block(ctx context.Context, id, reason string, durationHours int, origin string) error {
	ctx, cancel := context.WithTimeout(ctx, blockWriteTimeout)
	defer cancel()

	now := time.Now().UTC()
	record := &BlockRecord{
		Identifier:   id,
		Reason:       reason,
		BlockType:    BlockTypeTemporary,
		Severity:     SeverityHigh,
		AttemptCount: 1,
		LastAttempt:  now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if durationHours == 0 {
		record.BlockType = BlockTypePermanent
	} else {
		expires := now.Add(time.Duration(durationHours) * time.Hour)
		record.ExpiresAt = &expires
	}

	if err := e.store.CreateBlock(ctx, record); err != nil {
		if errors.Is(err, ErrAlreadyBlocked) {
			return ErrAlreadyBlocked
		}
		e.logger.Error("failed to persist block record", "error", err)
		return err
	}

	e.cache.Add(id)
	if e.metrics != nil {
		e.metrics.IncBlock("block", origin)
	}

	e.events.Log(id, BlockActionDetails{
		Reason:        reason,
		DurationHours: durationHours,
	}, EventOptions{WasBlocked: true, ActionTaken: "blocked"})

	e.logger.Info("identifier blocked",
		"identifier", id,
		"duration_hours", durationHours,
		"origin", origin)
	return nil
}

// Unblock removes the active block for the hashed identifier. Returns
// ErrNotBlocked when there is none; the cache entry is cleared either way
// so cache and store cannot disagree on the unblocked state.
func (e *Engine) Unblock(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, blockWriteTimeout)
	defer cancel()

	err := e.store.DeleteBlock(ctx, id)
	e.cache.Remove(id)
	if err != nil {
		if errors.Is(err, ErrNotBlocked) {
			return ErrNotBlocked
		}
		e.logger.Error("failed to remove block record", "error", err)
		return err
	}

	if e.metrics != nil {
		e.metrics.IncBlock("unblock", "manual")
	}

	e.events.Log(id, UnblockActionDetails{}, EventOptions{ActionTaken: "unblocked"})
	e.logger.Info("identifier unblocked", "identifier", id)
	return nil
}

// IsBlocked reports whether the identifier is currently blocked, serving
// from the cache.
func (e *Engine) IsBlocked(id string) bool {
	return e.cache.IsBlocked(id)
}
