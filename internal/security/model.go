// Package security implements the request security gateway: identifier
// hashing, rate limiting, pattern detection, IP blocking, security event
// logging, and automatic threat escalation.
package security

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of security event being recorded.
type EventType string

// Security event types.
const (
	EventBlockedIPAttempt      EventType = "BLOCKED_IP_ATTEMPT"
	EventRateLimitExceeded     EventType = "RATE_LIMIT_EXCEEDED"
	EventSuspiciousPattern     EventType = "SUSPICIOUS_PATTERN"
	EventIPBlocked             EventType = "IP_BLOCKED"
	EventIPUnblocked           EventType = "IP_UNBLOCKED"
	EventManualBlock           EventType = "MANUAL_BLOCK"
	EventManualUnblock         EventType = "MANUAL_UNBLOCK"
	EventInjectionAttempt      EventType = "INJECTION_ATTEMPT"
	EventUnauthorizedAccess    EventType = "UNAUTHORIZED_ACCESS"
	EventTestAttackSimulation  EventType = "TEST_ATTACK_SIMULATION"
)

// Severity classifies the impact of a security event.
type Severity string

// Severity levels, ordered from least to most severe.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// BlockType distinguishes expiring blocks from permanent ones.
type BlockType string

// Block types.
const (
	BlockTypeTemporary BlockType = "temporary"
	BlockTypePermanent BlockType = "permanent"
)

// Details carries the event-type-specific metadata for a security event.
// Each event type has its own detail struct so the severity classification
// in Classify covers every variant at compile time.
type Details interface {
	// Kind returns the event type this detail struct belongs to.
	Kind() EventType
}

// RequestInfo describes the HTTP request that triggered an event.
// Embedded by detail structs for request-originated events.
type RequestInfo struct {
	Path      string `json:"path"`
	Method    string `json:"method"`
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// BlockedAttemptDetails records a request from an already-blocked identifier.
type BlockedAttemptDetails struct {
	RequestInfo
}

// Kind implements Details.
func (BlockedAttemptDetails) Kind() EventType { return EventBlockedIPAttempt }

// RateLimitDetails records a request rejected by the rate limiter.
type RateLimitDetails struct {
	RequestInfo
}

// Kind implements Details.
func (RateLimitDetails) Kind() EventType { return EventRateLimitExceeded }

// PatternDetails records suspicious substrings found in a request.
type PatternDetails struct {
	RequestInfo
	Patterns []string `json:"patterns"`
}

// Kind implements Details.
func (PatternDetails) Kind() EventType { return EventSuspiciousPattern }

// InjectionDetails records a confirmed injection attempt.
type InjectionDetails struct {
	RequestInfo
	Patterns []string `json:"patterns"`
}

// Kind implements Details.
func (InjectionDetails) Kind() EventType { return EventInjectionAttempt }

// UnauthorizedDetails records an access attempt without sufficient privileges.
type UnauthorizedDetails struct {
	RequestInfo
	AdminAttempt bool `json:"admin_attempt"`
}

// Kind implements Details.
func (UnauthorizedDetails) Kind() EventType { return EventUnauthorizedAccess }

// BlockActionDetails records an identifier being blocked by the engine.
type BlockActionDetails struct {
	Reason        string `json:"reason"`
	DurationHours int    `json:"duration_hours"`
}

// Kind implements Details.
func (BlockActionDetails) Kind() EventType { return EventIPBlocked }

// UnblockActionDetails records an identifier being unblocked by the engine.
type UnblockActionDetails struct{}

// Kind implements Details.
func (UnblockActionDetails) Kind() EventType { return EventIPUnblocked }

// ManualBlockDetails records an operator-initiated block.
type ManualBlockDetails struct {
	Reason        string `json:"reason"`
	DurationHours int    `json:"duration_hours"`
	ActorID       string `json:"actor_id,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
}

// Kind implements Details.
func (ManualBlockDetails) Kind() EventType { return EventManualBlock }

// ManualUnblockDetails records an operator-initiated unblock.
type ManualUnblockDetails struct {
	Reason    string `json:"reason"`
	ActorID   string `json:"actor_id,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Kind implements Details.
func (ManualUnblockDetails) Kind() EventType { return EventManualUnblock }

// SimulationDetails records a synthetic attack generated via the test endpoint.
type SimulationDetails struct {
	TargetIdentifier string `json:"target_identifier"`
	AttackType       string `json:"attack_type"`
	Count            int    `json:"count"`
	SimulatedBy      string `json:"simulated_by,omitempty"`
}

// Kind implements Details.
func (SimulationDetails) Kind() EventType { return EventTestAttackSimulation }

// SecurityEvent is an append-only audit record of a security-relevant
// occurrence. Identifier is always a hashed identifier, never a raw IP.
type SecurityEvent struct {
	ID          string
	Identifier  string
	Type        EventType
	Severity    Severity
	Description string
	Details     Details
	WasBlocked  bool
	ActionTaken string
	Timestamp   time.Time
}

// SuspiciousActivity is the derived record written for event types that
// indicate active probing. Consumed by the sweeper for escalation.
type SuspiciousActivity struct {
	ID           string
	Identifier   string
	ActivityType EventType
	RiskLevel    int
	Description  string
	Evidence     Details
	Timestamp    time.Time
}

// BlockRecord marks an identifier as denied access. At most one active
// record exists per identifier; ExpiresAt is nil for permanent blocks.
type BlockRecord struct {
	ID           string
	Identifier   string
	Reason       string
	BlockType    BlockType
	Severity     Severity
	ExpiresAt    *time.Time
	AttemptCount int
	LastAttempt  time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Active reports whether the block is still in force at the given time.
func (b *BlockRecord) Active(now time.Time) bool {
	return b.ExpiresAt == nil || b.ExpiresAt.After(now)
}

// describe renders detail structs as the JSON description stored alongside
// events. Marshal failures degrade to an empty object rather than erroring,
// since the description is informational.
func describe(d Details) string {
	if d == nil {
		return "{}"
	}
	data, err := json.Marshal(d)
	if err != nil {
		return "{}"
	}
	return string(data)
}
