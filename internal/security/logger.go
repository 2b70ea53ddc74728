package security

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Risk levels assigned to the probing event types when deriving
// suspicious-activity records.
const (
	riskInjection    = 9
	riskUnauthorized = 7
	riskPattern      = 5
)

// DefaultEventQueueSize is the capacity of the async event write queue.
const DefaultEventQueueSize = 1024

// eventWriteTimeout bounds each store write made by the queue worker.
const eventWriteTimeout = 5 * time.Second

// Classify computes event severity from the fixed classification table.
// The type switch over detail structs gives compile-time coverage of every
// event variant.
func Classify(d Details) Severity {
	switch v := d.(type) {
	case InjectionDetails, *InjectionDetails:
		return SeverityHigh
	case UnauthorizedDetails:
		if v.AdminAttempt {
			return SeverityCritical
		}
		return SeverityMedium
	case *UnauthorizedDetails:
		if v.AdminAttempt {
			return SeverityCritical
		}
		return SeverityMedium
	case PatternDetails:
		return classifyPatterns(v.Patterns)
	case *PatternDetails:
		return classifyPatterns(v.Patterns)
	default:
		return SeverityLow
	}
}

// classifyPatterns applies the SUSPICIOUS_PATTERN severity rules:
// destructive keywords are critical, more than two matches are high,
// anything else is medium.
func classifyPatterns(patterns []string) Severity {
	if IsDestructive(patterns) {
		return SeverityCritical
	}
	if len(patterns) > 2 {
		return SeverityHigh
	}
	return SeverityMedium
}

// riskLevelFor returns the suspicious-activity risk level for probing
// event types, or 0 for event types that do not produce one.
func riskLevelFor(t EventType) int {
	switch t {
	case EventInjectionAttempt:
		return riskInjection
	case EventUnauthorizedAccess:
		return riskUnauthorized
	case EventSuspiciousPattern:
		return riskPattern
	default:
		return 0
	}
}

// EventLogger writes security events, and suspicious-activity records for
// probing event types, to the store. Writes happen on a single worker
// goroutine fed by a bounded queue so the request path never waits on the
// store; when the queue is full the event is dropped with a local log
// line. Availability of the main application takes priority over
// completeness of the audit trail.
type EventLogger struct {
	store   Store
	logger  *slog.Logger
	metrics *Metrics
	notify  func(*SecurityEvent)

	queue chan *SecurityEvent
	wg    sync.WaitGroup

	closeOnce sync.Once
}

// Notify registers a callback invoked for every event after it is
// persisted, on the worker goroutine for queued events. Used by the live
// event feed. Must be set before the first event is logged.
func (l *EventLogger) Notify(fn func(*SecurityEvent)) {
	l.notify = fn
}

// EventOptions carries the optional fields of a security event.
type EventOptions struct {
	WasBlocked  bool
	ActionTaken string
}

// NewEventLogger creates an event logger and starts its queue worker.
// queueSize <= 0 falls back to DefaultEventQueueSize. Call Close to drain
// the queue on shutdown. metrics may be nil.
func NewEventLogger(store Store, logger *slog.Logger, metrics *Metrics, queueSize int) *EventLogger {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultEventQueueSize
	}

	l := &EventLogger{
		store:   store,
		logger:  logger,
		metrics: metrics,
		queue:   make(chan *SecurityEvent, queueSize),
	}

	l.wg.Add(1)
	go l.run()
	return l
}

// Log enqueues a security event for the hashed identifier. Never blocks
// and never returns an error to the caller: a full queue drops the event.
func (l *EventLogger) Log(id string, details Details, opts EventOptions) {
	severity := Classify(details)
	event := &SecurityEvent{
		ID:          uuid.New().String(),
		Identifier:  id,
		Type:        details.Kind(),
		Severity:    severity,
		Description: describe(details),
		Details:     details,
		WasBlocked:  opts.WasBlocked,
		ActionTaken: opts.ActionTaken,
		Timestamp:   time.Now().UTC(),
	}

	if l.metrics != nil {
		l.metrics.IncEvent(event.Type, event.Severity)
	}

	select {
	case l.queue <- event:
	default:
		if l.metrics != nil {
			l.metrics.IncQueueDropped()
		}
		l.logger.Warn("security event queue full, dropping event",
			"event_type", event.Type,
			"identifier", event.Identifier)
	}
}

// LogSync writes a security event to the store immediately, bypassing the
// queue. Used where the caller needs the record durable before continuing,
// such as the sweeper and the attack simulator.
func (l *EventLogger) LogSync(ctx context.Context, id string, details Details, opts EventOptions) error {
	severity := Classify(details)
	event := &SecurityEvent{
		ID:          uuid.New().String(),
		Identifier:  id,
		Type:        details.Kind(),
		Severity:    severity,
		Description: describe(details),
		Details:     details,
		WasBlocked:  opts.WasBlocked,
		ActionTaken: opts.ActionTaken,
		Timestamp:   time.Now().UTC(),
	}
	if l.metrics != nil {
		l.metrics.IncEvent(event.Type, event.Severity)
	}
	return l.persist(ctx, event)
}

// Close stops accepting events and drains the queue. Safe to call more
// than once.
func (l *EventLogger) Close() {
	l.closeOnce.Do(func() {
		close(l.queue)
		l.wg.Wait()
	})
}

// run is the queue worker loop.
func (l *EventLogger) run() {
	defer l.wg.Done()
	for event := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), eventWriteTimeout)
		if err := l.persist(ctx, event); err != nil {
			l.logger.Error("failed to persist security event",
				"event_type", event.Type,
				"identifier", event.Identifier,
				"error", err)
		}
		cancel()
	}
}

// persist writes the event, and the derived suspicious-activity record for
// probing event types, to the store.
func (l *EventLogger) persist(ctx context.Context, event *SecurityEvent) error {
	if err := l.store.AppendEvent(ctx, event); err != nil {
		return err
	}
	if l.notify != nil {
		l.notify(event)
	}

	risk := riskLevelFor(event.Type)
	if risk == 0 {
		return nil
	}

	activity := &SuspiciousActivity{
		ID:           uuid.New().String(),
		Identifier:   event.Identifier,
		ActivityType: event.Type,
		RiskLevel:    risk,
		Description:  event.Description,
		Evidence:     event.Details,
		Timestamp:    event.Timestamp,
	}
	if err := l.store.AppendSuspicious(ctx, activity); err != nil {
		return err
	}
	if l.metrics != nil {
		l.metrics.IncSuspicious()
	}
	return nil
}
