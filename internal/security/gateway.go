package security

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// escalationTimeout bounds the synchronous store work on the request path:
// the pattern-event write and the suspicious-count lookup. A slow store
// fails open rather than stalling traffic.
const escalationTimeout = 2 * time.Second

// escalationBlockHours is the block duration applied when the gateway
// escalates an identifier past the suspicious-activity threshold. The
// sweeper applies longer risk-tiered durations on its own pass.
const escalationBlockHours = 24

const (
	cspStrict  = "default-src 'self'; script-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data:; frame-ancestors 'none'"
	cspRelaxed = "default-src 'self'; script-src 'self' 'unsafe-inline' 'unsafe-eval'; style-src 'self' 'unsafe-inline'; img-src 'self' data: blob:"
)

// GatewayConfig carries the collaborators and tuning for the gateway
// middleware. Store and Hasher are required; nil optional fields disable
// the corresponding check.
type GatewayConfig struct {
	Hasher   *Hasher
	Cache    *BlockCache
	Limiter  Limiter
	Detector *Detector
	Events   *EventLogger
	Store    Store
	Engine   *Engine
	Metrics  *Metrics
	Logger   *slog.Logger

	// AutoBlockThreshold is the suspicious-activity count at which a
	// request is escalated and denied. <= 0 uses DefaultAutoBlockThreshold.
	AutoBlockThreshold int

	// RelaxedCSPPaths lists exact request paths that receive the relaxed
	// Content-Security-Policy instead of the strict default.
	RelaxedCSPPaths []string

	// StampSecret keys the X-Security-Signature response header. Empty
	// disables response stamping.
	StampSecret string

	// ExemptPathPrefixes lists request path prefixes that bypass the
	// gateway checks entirely. The operator surface lives here so an
	// admin quoting attack traffic in a block reason is not scanned and
	// escalated as an offender themselves.
	ExemptPathPrefixes []string
}

// Gateway is the request security middleware. Per request it checks the
// block cache, the rate limiter, and the pattern detector, blocks
// identifiers whose accumulated suspicious activity crosses the
// threshold, and stamps security headers on every response including
// denials.
type Gateway struct {
	hasher    *Hasher
	cache     *BlockCache
	limiter   Limiter
	detector  *Detector
	events    *EventLogger
	store     Store
	engine    *Engine
	metrics   *Metrics
	logger    *slog.Logger
	threshold int
	relaxed   map[string]struct{}
	exempt    []string
	stampKey  []byte
	now       func() time.Time
}

// NewGateway builds a gateway from the config.
func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	threshold := cfg.AutoBlockThreshold
	if threshold <= 0 {
		threshold = DefaultAutoBlockThreshold
	}
	relaxed := make(map[string]struct{}, len(cfg.RelaxedCSPPaths))
	for _, p := range cfg.RelaxedCSPPaths {
		relaxed[p] = struct{}{}
	}
	var stampKey []byte
	if cfg.StampSecret != "" {
		stampKey = []byte(cfg.StampSecret)
	}
	return &Gateway{
		hasher:    cfg.Hasher,
		cache:     cfg.Cache,
		limiter:   cfg.Limiter,
		detector:  cfg.Detector,
		events:    cfg.Events,
		store:     cfg.Store,
		engine:    cfg.Engine,
		metrics:   cfg.Metrics,
		logger:    logger,
		threshold: threshold,
		relaxed:   relaxed,
		exempt:    cfg.ExemptPathPrefixes,
		stampKey:  stampKey,
		now:       time.Now,
	}
}

// Middleware returns the gateway as a standard middleware.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.applyHeaders(w, r)

		if g.exemptPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ip := ClientIP(r)
		id := g.hasher.Hash(ip)
		info := RequestInfo{
			Path:      r.URL.Path,
			Method:    r.Method,
			UserAgent: r.UserAgent(),
		}

		if g.cache != nil && g.cache.IsBlocked(id) {
			g.deny(w, http.StatusForbidden, "request blocked")
			g.count(DecisionBlocked)
			if g.events != nil {
				g.events.Log(id, BlockedAttemptDetails{RequestInfo: info}, EventOptions{WasBlocked: true})
			}
			return
		}

		if g.limiter != nil && !g.limiter.Allow(r.Context(), id) {
			g.deny(w, http.StatusTooManyRequests, "rate limit exceeded")
			g.count(DecisionRateLimited)
			if g.events != nil {
				g.events.Log(id, RateLimitDetails{RequestInfo: info}, EventOptions{WasBlocked: true, ActionTaken: "rate_limited"})
			}
			return
		}

		if g.detector != nil {
			if patterns := g.detector.Detect(r); len(patterns) > 0 {
				g.recordPatterns(r.Context(), id, info, patterns)
				if g.escalate(r.Context(), id) {
					g.autoBlock(r.Context(), id)
					g.deny(w, http.StatusForbidden, "request blocked")
					g.count(DecisionEscalated)
					return
				}
			}
		}

		g.count(DecisionPass)
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) exemptPath(path string) bool {
	for _, prefix := range g.exempt {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// recordPatterns persists the pattern event synchronously so the current
// request's own suspicious activity is visible to the escalation count
// that follows. A store failure is logged and otherwise ignored; the
// escalation lookup fails open on the same store anyway.
func (g *Gateway) recordPatterns(ctx context.Context, id string, info RequestInfo, patterns []string) {
	if g.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, escalationTimeout)
	defer cancel()
	if err := g.events.LogSync(ctx, id, PatternDetails{RequestInfo: info, Patterns: patterns}, EventOptions{}); err != nil {
		g.logger.Warn("failed to record pattern event", "identifier", id, "error", err)
	}
}

// autoBlock engages the blocking engine for an escalated identifier so the
// denial outlives this request. ErrAlreadyBlocked means a concurrent
// request got there first.
func (g *Gateway) autoBlock(ctx context.Context, id string) {
	if g.engine == nil {
		return
	}
	err := g.engine.AutoBlock(ctx, id, "suspicious activity threshold exceeded", escalationBlockHours)
	if err != nil && !errors.Is(err, ErrAlreadyBlocked) {
		g.logger.Error("failed to block escalated identifier", "identifier", id, "error", err)
	}
}

// escalate reports whether the identifier has crossed the suspicious
// activity threshold. Store errors fail open.
func (g *Gateway) escalate(ctx context.Context, identifier string) bool {
	if g.store == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, escalationTimeout)
	defer cancel()

	n, err := g.store.CountSuspiciousSince(ctx, identifier, g.now().Add(-suspiciousLookback))
	if err != nil {
		g.logger.Warn("suspicious count lookup failed, allowing request", "error", err)
		return false
	}
	return n >= g.threshold
}

func (g *Gateway) applyHeaders(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")

	if _, ok := g.relaxed[r.URL.Path]; ok {
		h.Set("Content-Security-Policy", cspRelaxed)
	} else {
		h.Set("Content-Security-Policy", cspStrict)
	}

	if g.stampKey != nil {
		ts := strconv.FormatInt(g.now().UnixMilli(), 10)
		mac := hmac.New(sha256.New, g.stampKey)
		mac.Write([]byte(ts))
		h.Set("X-Security-Timestamp", ts)
		h.Set("X-Security-Signature", hex.EncodeToString(mac.Sum(nil)))
	}
}

func (g *Gateway) deny(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    http.StatusText(status),
			"message": message,
		},
	})
}

func (g *Gateway) count(decision string) {
	if g.metrics != nil {
		g.metrics.IncDecision(decision)
	}
}

// ClientIP extracts the originating client address, preferring the first
// entry of X-Forwarded-For, then X-Real-IP, then the connection address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
