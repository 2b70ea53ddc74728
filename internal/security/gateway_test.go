package security

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type gatewayFixture struct {
	gateway *Gateway
	hasher  *Hasher
	store   *MemoryStore
	cache   *BlockCache
	events  *EventLogger
	handler http.Handler
}

func newGatewayFixture(t *testing.T, mutate func(*GatewayConfig)) *gatewayFixture {
	t.Helper()

	store := NewMemoryStore()
	hasher := NewHasher("hash-secret")
	cache := NewBlockCache(store, time.Hour, discardLogger())
	events := NewEventLogger(store, discardLogger(), nil, 64)
	t.Cleanup(events.Close)
	engine := NewEngine(store, cache, events, discardLogger(), nil)

	cfg := GatewayConfig{
		Hasher:   hasher,
		Cache:    cache,
		Limiter:  NewSlidingWindowLimiter(RateLimitConfig{MaxRequests: 100, Window: time.Minute}),
		Detector: NewDetector(nil),
		Events:   events,
		Store:    store,
		Engine:   engine,
		Logger:   discardLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	g := NewGateway(cfg)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return &gatewayFixture{
		gateway: g,
		hasher:  hasher,
		store:   store,
		cache:   cache,
		events:  events,
		handler: g.Middleware(next),
	}
}

func (f *gatewayFixture) get(path, remoteIP string) *httptest.ResponseRecorder {
	r := httptest.NewRequest("GET", path, nil)
	r.RemoteAddr = remoteIP + ":54321"
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	return w
}

func TestGatewayPassesCleanRequest(t *testing.T) {
	f := newGatewayFixture(t, nil)
	w := f.get("/posts", "203.0.113.7")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "ok" {
		t.Errorf("body = %q, want ok", w.Body.String())
	}
}

func TestGatewayDeniesBlockedIdentifier(t *testing.T) {
	f := newGatewayFixture(t, nil)
	f.cache.Add(f.hasher.Hash("203.0.113.7"))

	w := f.get("/posts", "203.0.113.7")
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if !strings.Contains(w.Body.String(), "error") {
		t.Errorf("denial body is not the error envelope: %q", w.Body.String())
	}

	// Other identifiers are unaffected.
	if w := f.get("/posts", "203.0.113.8"); w.Code != http.StatusOK {
		t.Errorf("unblocked IP got status %d", w.Code)
	}

	f.events.Close()
	logged, _ := f.store.ListEvents(context.Background(), f.hasher.Hash("203.0.113.7"), 0, 0)
	if len(logged) != 1 || logged[0].Type != EventBlockedIPAttempt {
		t.Errorf("blocked attempt not logged: %v", logged)
	}
}

func TestGatewayRateLimits(t *testing.T) {
	f := newGatewayFixture(t, func(cfg *GatewayConfig) {
		cfg.Limiter = NewSlidingWindowLimiter(RateLimitConfig{MaxRequests: 3, Window: time.Minute})
	})

	for i := 0; i < 3; i++ {
		if w := f.get("/posts", "203.0.113.7"); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, w.Code)
		}
	}
	w := f.get("/posts", "203.0.113.7")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
}

func TestGatewayLogsSuspiciousPatterns(t *testing.T) {
	f := newGatewayFixture(t, nil)

	w := f.get("/search?q=1%20UNION%20SELECT%20password", "203.0.113.7")
	// Patterns alone log and pass; blocking waits for accumulation.
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	f.events.Close()
	id := f.hasher.Hash("203.0.113.7")
	n, err := f.store.CountSuspiciousSince(context.Background(), id, time.Time{})
	if err != nil {
		t.Fatalf("CountSuspiciousSince: %v", err)
	}
	if n != 1 {
		t.Errorf("suspicious records = %d, want 1", n)
	}
}

func TestGatewayEscalatesRepeatOffender(t *testing.T) {
	f := newGatewayFixture(t, func(cfg *GatewayConfig) {
		cfg.AutoBlockThreshold = 3
	})

	id := f.hasher.Hash("203.0.113.7")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.store.AppendSuspicious(ctx, &SuspiciousActivity{
			Identifier:   id,
			ActivityType: EventSuspiciousPattern,
			RiskLevel:    5,
			Timestamp:    time.Now(),
		})
	}

	w := f.get("/search?q=1%20UNION%20SELECT%20password", "203.0.113.7")
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 after escalation", w.Code)
	}

	// Escalation engages the engine: the block is durable, not a
	// one-request denial.
	record, err := f.store.GetActiveBlock(ctx, id)
	if err != nil {
		t.Fatalf("GetActiveBlock: %v", err)
	}
	if record == nil {
		t.Fatal("no block record created by escalation")
	}
	if record.ExpiresAt == nil {
		t.Error("escalation block is permanent, want a 24h expiry")
	}
	if !f.cache.IsBlocked(id) {
		t.Error("escalated identifier missing from the block cache")
	}

	// A clean follow-up request from the same identifier is denied.
	if w := f.get("/posts", "203.0.113.7"); w.Code != http.StatusForbidden {
		t.Errorf("clean follow-up request status = %d, want 403", w.Code)
	}

	f.events.Close()
	logged, _ := f.store.ListEvents(ctx, id, 0, 0)
	var sawBlock bool
	for _, ev := range logged {
		if ev.Type == EventIPBlocked {
			sawBlock = true
		}
	}
	if !sawBlock {
		t.Error("escalation did not log an IP_BLOCKED event")
	}
}

func TestGatewayEscalationCountsCurrentRequest(t *testing.T) {
	f := newGatewayFixture(t, func(cfg *GatewayConfig) {
		cfg.AutoBlockThreshold = 3
	})

	// Pattern events are persisted before the threshold check, so the
	// request that reaches the threshold is itself rejected.
	for i := 0; i < 2; i++ {
		if w := f.get("/search?q=1%20UNION%20SELECT%20password", "203.0.113.7"); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200 below threshold", i+1, w.Code)
		}
	}
	w := f.get("/search?q=1%20UNION%20SELECT%20password", "203.0.113.7")
	if w.Code != http.StatusForbidden {
		t.Fatalf("threshold-crossing request status = %d, want 403", w.Code)
	}

	record, err := f.store.GetActiveBlock(context.Background(), f.hasher.Hash("203.0.113.7"))
	if err != nil {
		t.Fatalf("GetActiveBlock: %v", err)
	}
	if record == nil {
		t.Fatal("threshold-crossing request did not create a block")
	}
}

func TestGatewayExemptPathsBypassChecks(t *testing.T) {
	f := newGatewayFixture(t, func(cfg *GatewayConfig) {
		cfg.ExemptPathPrefixes = []string{"/security/"}
	})

	// Attack-looking traffic on an exempt path passes without being
	// recorded against the caller.
	w := f.get("/security/logs/1%20UNION%20SELECT", "203.0.113.7")
	if w.Code != http.StatusOK {
		t.Fatalf("exempt path status = %d, want 200", w.Code)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing on exempt path")
	}

	id := f.hasher.Hash("203.0.113.7")
	n, err := f.store.CountSuspiciousSince(context.Background(), id, time.Time{})
	if err != nil {
		t.Fatalf("CountSuspiciousSince: %v", err)
	}
	if n != 0 {
		t.Errorf("exempt path recorded %d suspicious activities, want 0", n)
	}

	// A blocked identifier still reaches the operator surface.
	f.cache.Add(id)
	if w := f.get("/security/blocked-ips", "203.0.113.7"); w.Code != http.StatusOK {
		t.Errorf("blocked identifier on exempt path got status %d, want 200", w.Code)
	}
	if w := f.get("/posts", "203.0.113.7"); w.Code != http.StatusForbidden {
		t.Errorf("blocked identifier on non-exempt path got status %d, want 403", w.Code)
	}
}

func TestGatewaySecurityHeaders(t *testing.T) {
	f := newGatewayFixture(t, func(cfg *GatewayConfig) {
		cfg.RelaxedCSPPaths = []string{"/sandbox"}
	})

	w := f.get("/posts", "203.0.113.7")
	h := w.Header()
	if got := h.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := h.Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
	if got := h.Get("Referrer-Policy"); got != "strict-origin-when-cross-origin" {
		t.Errorf("Referrer-Policy = %q", got)
	}
	if got := h.Get("Content-Security-Policy"); !strings.Contains(got, "frame-ancestors 'none'") {
		t.Errorf("default CSP not strict: %q", got)
	}

	relaxed := f.get("/sandbox", "203.0.113.7")
	if got := relaxed.Header().Get("Content-Security-Policy"); !strings.Contains(got, "'unsafe-eval'") {
		t.Errorf("relaxed path did not get the relaxed CSP: %q", got)
	}
}

func TestGatewayHeadersPresentOnDenial(t *testing.T) {
	f := newGatewayFixture(t, nil)
	f.cache.Add(f.hasher.Hash("203.0.113.7"))

	w := f.get("/posts", "203.0.113.7")
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing on denial response")
	}
}

func TestGatewayResponseStamp(t *testing.T) {
	f := newGatewayFixture(t, func(cfg *GatewayConfig) {
		cfg.StampSecret = "stamp-secret"
	})

	w := f.get("/posts", "203.0.113.7")
	ts := w.Header().Get("X-Security-Timestamp")
	sig := w.Header().Get("X-Security-Signature")
	if ts == "" || sig == "" {
		t.Fatal("stamp headers missing")
	}

	mac := hmac.New(sha256.New, []byte("stamp-secret"))
	mac.Write([]byte(ts))
	if want := hex.EncodeToString(mac.Sum(nil)); sig != want {
		t.Errorf("signature = %q, want %q", sig, want)
	}
}

func TestGatewayNoStampWithoutSecret(t *testing.T) {
	f := newGatewayFixture(t, nil)
	w := f.get("/posts", "203.0.113.7")
	if w.Header().Get("X-Security-Timestamp") != "" {
		t.Error("stamp emitted without a configured secret")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "remote addr only",
			remoteAddr: "203.0.113.7:54321",
			want:       "203.0.113.7",
		},
		{
			name:       "forwarded for wins",
			remoteAddr: "10.0.0.1:443",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.2"},
			want:       "203.0.113.7",
		},
		{
			name:       "real ip fallback",
			remoteAddr: "10.0.0.1:443",
			headers:    map[string]string{"X-Real-IP": "203.0.113.9"},
			want:       "203.0.113.9",
		},
		{
			name:       "unparseable remote addr passes through",
			remoteAddr: "bad-addr",
			want:       "bad-addr",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := ClientIP(r); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
