// Package api provides HTTP handlers for the gatekeep operator API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/gatekeep/internal/archive"
	"github.com/onnwee/gatekeep/internal/middleware"
	"github.com/onnwee/gatekeep/internal/security"
	"github.com/onnwee/gatekeep/internal/validate"
)

const (
	// defaultPageSize is the page size for list endpoints when the client
	// does not specify one.
	defaultPageSize = 20

	// maxPageSize caps the page size for list endpoints.
	maxPageSize = 100

	// defaultLogLimit is the number of log entries returned for an
	// identifier when the client does not specify a limit.
	defaultLogLimit = 100

	// defaultSimulationCount is the number of synthetic events generated
	// per simulation request when count is omitted.
	defaultSimulationCount = 5

	// maxSimulationCount caps synthetic event generation per request.
	maxSimulationCount = 100
)

// attackProfile describes the synthetic events generated for one attack type.
type attackProfile struct {
	patterns []string
	path     string
}

// attackProfiles maps simulation attack types to the request shape their
// synthetic events mimic.
var attackProfiles = map[string]attackProfile{
	"sql-injection": {
		patterns: []string{"SELECT *", "UNION SELECT", "1=1"},
		path:     "/api/user",
	},
	"xss": {
		patterns: []string{"<script>", "javascript:", "document.cookie"},
		path:     "/api/comment",
	},
	"brute-force": {
		patterns: []string{},
		path:     "/api/auth/login",
	},
	"ddos": {
		patterns: []string{},
		path:     "/api",
	},
}

// SecurityHandlers holds dependencies for the security operator endpoints.
type SecurityHandlers struct {
	store    security.Store
	engine   *security.Engine
	hasher   *security.Hasher
	tokens   *security.TokenService
	events   *security.EventLogger
	uploader *archive.Uploader

	simulationEnabled bool
}

// SecurityHandlersConfig configures the security handlers. Uploader is
// optional; export uploads return an error when it is absent.
type SecurityHandlersConfig struct {
	Store             security.Store
	Engine            *security.Engine
	Hasher            *security.Hasher
	Tokens            *security.TokenService
	Events            *security.EventLogger
	Uploader          *archive.Uploader
	SimulationEnabled bool
}

// NewSecurityHandlers creates a new SecurityHandlers instance.
func NewSecurityHandlers(config SecurityHandlersConfig) *SecurityHandlers {
	return &SecurityHandlers{
		store:             config.Store,
		engine:            config.Engine,
		hasher:            config.Hasher,
		tokens:            config.Tokens,
		events:            config.Events,
		uploader:          config.Uploader,
		simulationEnabled: config.SimulationEnabled,
	}
}

// identify normalizes operator-supplied identifiers. Operators may paste
// either a raw value (an IP) or a hashed identifier copied from another
// endpoint's response; already-hashed input is used as-is.
func (h *SecurityHandlers) identify(raw string) string {
	if validate.IsHashedIdentifier(raw) {
		return raw
	}
	return h.hasher.Hash(raw)
}

// securityEventResponse is the operator-facing rendering of a security event.
type securityEventResponse struct {
	ID          string `json:"id"`
	Identifier  string `json:"identifier"`
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	WasBlocked  bool   `json:"was_blocked"`
	ActionTaken string `json:"action_taken,omitempty"`
	Timestamp   string `json:"timestamp"`
}

func toEventResponse(e *security.SecurityEvent) securityEventResponse {
	return securityEventResponse{
		ID:          e.ID,
		Identifier:  e.Identifier,
		Type:        string(e.Type),
		Severity:    string(e.Severity),
		Description: e.Description,
		WasBlocked:  e.WasBlocked,
		ActionTaken: e.ActionTaken,
		Timestamp:   e.Timestamp.UTC().Format(time.RFC3339),
	}
}

// suspiciousActivityResponse is the operator-facing rendering of a
// suspicious-activity record.
type suspiciousActivityResponse struct {
	ID           string `json:"id"`
	Identifier   string `json:"identifier"`
	ActivityType string `json:"activity_type"`
	RiskLevel    int    `json:"risk_level"`
	Description  string `json:"description"`
	Timestamp    string `json:"timestamp"`
}

// blockRecordResponse is the operator-facing rendering of a block record.
type blockRecordResponse struct {
	ID           string  `json:"id"`
	Identifier   string  `json:"identifier"`
	Reason       string  `json:"reason"`
	BlockType    string  `json:"block_type"`
	Severity     string  `json:"severity"`
	ExpiresAt    *string `json:"expires_at,omitempty"`
	AttemptCount int     `json:"attempt_count"`
	CreatedAt    string  `json:"created_at"`
}

func toBlockResponse(b *security.BlockRecord) blockRecordResponse {
	resp := blockRecordResponse{
		ID:           b.ID,
		Identifier:   b.Identifier,
		Reason:       b.Reason,
		BlockType:    string(b.BlockType),
		Severity:     string(b.Severity),
		AttemptCount: b.AttemptCount,
		CreatedAt:    b.CreatedAt.UTC().Format(time.RFC3339),
	}
	if b.ExpiresAt != nil {
		s := b.ExpiresAt.UTC().Format(time.RFC3339)
		resp.ExpiresAt = &s
	}
	return resp
}

// parsePagination reads page/limit query parameters with defaults and caps.
func parsePagination(r *http.Request) (limit, offset int) {
	page := 1
	if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && p > 0 {
		page = p
	}
	limit = defaultPageSize
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return limit, (page - 1) * limit
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// GetStats handles GET /security/stats - the operator activity rollup.
func (h *SecurityHandlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to compute security stats", "error", err)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to compute security stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListSuspiciousActivities handles GET /security/suspicious-activities.
// Supports page/limit query parameters, newest first.
func (h *SecurityHandlers) ListSuspiciousActivities(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)

	activities, err := h.store.ListSuspicious(r.Context(), limit, offset)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to list suspicious activities", "error", err)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to list suspicious activities")
		return
	}

	resp := make([]suspiciousActivityResponse, 0, len(activities))
	for _, a := range activities {
		resp = append(resp, suspiciousActivityResponse{
			ID:           a.ID,
			Identifier:   a.Identifier,
			ActivityType: string(a.ActivityType),
			RiskLevel:    a.RiskLevel,
			Description:  a.Description,
			Timestamp:    a.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListBlockedIdentifiers handles GET /security/blocked-ips.
// Supports page/limit query parameters, newest first. Expired and removed
// blocks are included where the store retains them.
func (h *SecurityHandlers) ListBlockedIdentifiers(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)

	blocks, err := h.store.ListBlocks(r.Context(), limit, offset)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to list blocks", "error", err)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to list blocked identifiers")
		return
	}

	resp := make([]blockRecordResponse, 0, len(blocks))
	for _, b := range blocks {
		resp = append(resp, toBlockResponse(b))
	}
	writeJSON(w, http.StatusOK, resp)
}

// blockRequest is the body for POST /security/block-ip.
type blockRequest struct {
	IP            string `json:"ip"`
	Reason        string `json:"reason"`
	DurationHours int    `json:"duration_hours"`
}

// BlockIdentifier handles POST /security/block-ip - manual operator block.
// duration_hours of 0 creates a permanent block.
func (h *SecurityHandlers) BlockIdentifier(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid request body")
		return
	}
	target, err := validate.BlockTarget(req.IP)
	if err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "ip must be an IP address or hashed identifier")
		return
	}
	reason, err := validate.Reason(req.Reason)
	if err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "reason is required and must be at most 500 characters")
		return
	}
	if err := validate.DurationHours(req.DurationHours); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "duration_hours must be between 0 and 8760")
		return
	}

	id := h.identify(target)
	if err := h.engine.Block(r.Context(), id, reason, req.DurationHours); err != nil {
		if errors.Is(err, security.ErrAlreadyBlocked) {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeAlreadyBlocked)
			WriteError(w, ctx, http.StatusConflict, ErrCodeAlreadyBlocked, "This identifier is already blocked")
			return
		}
		slog.ErrorContext(r.Context(), "failed to block identifier", "error", err, "identifier", id)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to block identifier")
		return
	}

	// Record who issued the block alongside the engine's own block event.
	h.events.Log(id, security.ManualBlockDetails{
		Reason:        reason,
		DurationHours: req.DurationHours,
		ActorID:       middleware.GetActor(r.Context()),
		UserAgent:     r.UserAgent(),
	}, security.EventOptions{WasBlocked: true, ActionTaken: "manual block"})

	writeJSON(w, http.StatusOK, map[string]string{
		"message":    "Identifier blocked",
		"identifier": id,
	})
}

// unblockRequest is the body for POST /security/unblock-ip.
type unblockRequest struct {
	IP string `json:"ip"`
}

// UnblockIdentifier handles POST /security/unblock-ip.
func (h *SecurityHandlers) UnblockIdentifier(w http.ResponseWriter, r *http.Request) {
	var req unblockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid request body")
		return
	}
	target, err := validate.BlockTarget(req.IP)
	if err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "ip must be an IP address or hashed identifier")
		return
	}

	id := h.identify(target)
	if err := h.engine.Unblock(r.Context(), id); err != nil {
		if errors.Is(err, security.ErrNotBlocked) {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeNotBlocked)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeNotBlocked, "No active block for this identifier")
			return
		}
		slog.ErrorContext(r.Context(), "failed to unblock identifier", "error", err, "identifier", id)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to unblock identifier")
		return
	}

	h.events.Log(id, security.ManualUnblockDetails{
		Reason:    "manual unblock by operator",
		ActorID:   middleware.GetActor(r.Context()),
		UserAgent: r.UserAgent(),
	}, security.EventOptions{ActionTaken: "manual unblock"})

	writeJSON(w, http.StatusOK, map[string]string{
		"message":    "Identifier unblocked",
		"identifier": id,
	})
}

// GetSecurityLogs handles GET /security/logs/{identifier} - the event
// history of one identifier, newest first.
func (h *SecurityHandlers) GetSecurityLogs(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Path, "/security/logs/")
	if raw == "" || strings.Contains(raw, "/") {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Identifier is required")
		return
	}

	limit := defaultLogLimit
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}
	offset := 0
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o > 0 {
		offset = o
	}

	id := h.identify(raw)
	events, err := h.store.ListEvents(r.Context(), id, limit, offset)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to list security logs", "error", err, "identifier", id)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to list security logs")
		return
	}

	resp := make([]securityEventResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, toEventResponse(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

// generateTokenRequest is the body for POST /security/generate-token.
type generateTokenRequest struct {
	UserID  int64  `json:"user_id"`
	Purpose string `json:"purpose"`
}

// GenerateToken handles POST /security/generate-token - issues a
// self-contained security token bound to a user and purpose.
func (h *SecurityHandlers) GenerateToken(w http.ResponseWriter, r *http.Request) {
	var req generateTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid request body")
		return
	}
	purpose, err := validate.TokenPurpose(req.Purpose)
	if err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "purpose is required")
		return
	}
	if req.UserID <= 0 {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "user_id is required")
		return
	}

	token, err := h.tokens.Issue(req.UserID, purpose)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to issue security token", "error", err)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to generate token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// verifyTokenRequest is the body for POST /security/verify-token.
type verifyTokenRequest struct {
	Token   string `json:"token"`
	Purpose string `json:"purpose"`
}

// verifyTokenResponse is the result of a token verification. UserID is
// only present for valid tokens.
type verifyTokenResponse struct {
	Valid  bool  `json:"valid"`
	UserID int64 `json:"user_id,omitempty"`
}

// VerifyToken handles POST /security/verify-token. Invalid tokens get a
// 200 with valid=false; the caller learns nothing about why.
func (h *SecurityHandlers) VerifyToken(w http.ResponseWriter, r *http.Request) {
	var req verifyTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid request body")
		return
	}
	if req.Token == "" || req.Purpose == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "token and purpose are required")
		return
	}

	result := h.tokens.Verify(req.Token, req.Purpose)
	if !result.Valid {
		writeJSON(w, http.StatusOK, verifyTokenResponse{Valid: false})
		return
	}
	writeJSON(w, http.StatusOK, verifyTokenResponse{Valid: true, UserID: result.UserID})
}

// simulateAttackRequest is the body for POST /security/test-simulate-attack.
type simulateAttackRequest struct {
	IP         string `json:"ip"`
	AttackType string `json:"attack_type"`
	Count      int    `json:"count"`
}

// SimulateAttack handles POST /security/test-simulate-attack. Synthesizes
// suspicious-pattern events against a target identifier so escalation can
// be exercised end to end. Disabled unless simulation is enabled in config.
func (h *SecurityHandlers) SimulateAttack(w http.ResponseWriter, r *http.Request) {
	if !h.simulationEnabled {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeSimulationDisabled)
		WriteError(w, ctx, http.StatusForbidden, ErrCodeSimulationDisabled, "Attack simulation is disabled")
		return
	}

	var req simulateAttackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid request body")
		return
	}
	if req.IP == "" || req.AttackType == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "ip and attack_type are required")
		return
	}

	count := req.Count
	if count <= 0 {
		count = defaultSimulationCount
	}
	if count > maxSimulationCount {
		count = maxSimulationCount
	}

	profile, ok := attackProfiles[req.AttackType]
	if !ok {
		profile = attackProfile{patterns: []string{}, path: "/api"}
	}

	targetID := h.identify(req.IP)
	callerID := h.identify(security.ClientIP(r))

	simulatedBy := middleware.GetActor(r.Context())
	if simulatedBy == "" {
		simulatedBy = "test-endpoint"
	}

	// Record who ran the simulation before generating the synthetic events.
	if err := h.events.LogSync(r.Context(), callerID, security.SimulationDetails{
		TargetIdentifier: targetID,
		AttackType:       req.AttackType,
		Count:            count,
		SimulatedBy:      simulatedBy,
	}, security.EventOptions{}); err != nil {
		slog.ErrorContext(r.Context(), "failed to record simulation", "error", err)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to record simulation")
		return
	}

	now := time.Now().UnixMilli()
	for i := 0; i < count; i++ {
		err := h.events.LogSync(r.Context(), targetID, security.PatternDetails{
			RequestInfo: security.RequestInfo{
				Path:      profile.path,
				Method:    http.MethodPost,
				UserAgent: "Hacker-Toolkit/1.0",
				RequestID: fmt.Sprintf("simulated-%d-%d", now, i),
			},
			Patterns: profile.patterns,
		}, security.EventOptions{})
		if err != nil {
			slog.ErrorContext(r.Context(), "failed to write simulated event", "error", err, "iteration", i)
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
			WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to write simulated events")
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":    fmt.Sprintf("Simulated %d %s attacks against the target identifier", count, req.AttackType),
		"identifier": targetID,
		"count":      count,
	})
}

// exportRequest is the body for POST /security/export.
type exportRequest struct {
	Format     string `json:"format"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	Identifier string `json:"identifier,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Upload     bool   `json:"upload,omitempty"`
}

// Export handles POST /security/export - renders the event history as CSV
// or JSON, either returned inline or uploaded to the configured archive
// bucket when upload is set.
func (h *SecurityHandlers) Export(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid request body")
		return
	}

	normalized, err := validate.ExportFormat(req.Format)
	if err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeUnsupportedFormat)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeUnsupportedFormat, "format must be csv or json")
		return
	}
	format := archive.Format(normalized)

	opts := archive.ExportOptions{Format: format, Limit: req.Limit}
	if req.Identifier != "" {
		opts.Identifier = h.identify(req.Identifier)
	}
	if req.From != "" {
		from, err := time.Parse(time.RFC3339, req.From)
		if err != nil {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "from must be RFC 3339")
			return
		}
		opts.From = from
	}
	if req.To != "" {
		to, err := time.Parse(time.RFC3339, req.To)
		if err != nil {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "to must be RFC 3339")
			return
		}
		opts.To = to
	}

	data, err := archive.Export(r.Context(), h.store, opts)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to export security events", "error", err)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to export security events")
		return
	}

	if req.Upload {
		if h.uploader == nil {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeArchiveUnavailable)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeArchiveUnavailable, "Archive storage is not configured")
			return
		}
		key, err := h.uploader.Upload(r.Context(), data, format)
		if err != nil {
			slog.ErrorContext(r.Context(), "failed to upload export", "error", err)
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
			WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to upload export")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"bucket":     h.uploader.BucketName(),
			"object_key": key,
		})
		return
	}

	contentType := "application/json"
	if format == archive.FormatCSV {
		contentType = "text/csv"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=security-events.%s", format))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(r.Context(), "failed to write export response", "error", err)
	}
}
