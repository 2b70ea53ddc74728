package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval is the default period between threat sweeps.
const DefaultSweepInterval = 5 * time.Minute

// DefaultSweepTimeout is the default timeout for a single sweep.
const DefaultSweepTimeout = 30 * time.Second

// DefaultAutoBlockThreshold is the number of suspicious activities inside
// the trailing 24 hours that triggers an automatic block.
const DefaultAutoBlockThreshold = 5

// suspiciousLookback is the aggregation window the sweeper examines.
const suspiciousLookback = 24 * time.Hour

// JobMetrics provides centralized background job metrics tracking.
type JobMetrics interface {
	IncJobsTotal(jobType, status string)
	ObserveJobDuration(jobType string, seconds float64)
	IncJobErrors(jobType, errorType string)
}

// SweeperConfig configures the automatic threat sweeper.
type SweeperConfig struct {
	// Interval is the duration between sweeps.
	Interval time.Duration
	// Threshold is the suspicious-activity count at which an identifier is
	// auto-blocked.
	Threshold int
	// Timeout for each sweep.
	Timeout time.Duration
	// Logger for sweep activity.
	Logger *slog.Logger
	// JobMetrics for centralized background job tracking.
	JobMetrics JobMetrics
}

// Sweeper periodically aggregates recent suspicious activity and
// auto-escalates blocks using risk-tiered durations. It runs as a single
// background goroutine; ticks never overlap because the loop processes one
// sweep at a time, and a failed sweep only means eligible identifiers are
// blocked on the next tick instead.
type Sweeper struct {
	config SweeperConfig
	store  Store
	engine *Engine

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSweeper creates an automatic threat sweeper.
func NewSweeper(config SweeperConfig, store Store, engine *Engine) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = DefaultSweepInterval
	}
	if config.Threshold <= 0 {
		config.Threshold = DefaultAutoBlockThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultSweepTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Sweeper{
		config: config,
		store:  store,
		engine: engine,
	}
}

// Start begins the periodic sweep job. Returns immediately; the job runs
// in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop signals the sweeper to stop and waits for it to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the sweeper is currently running.
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SweepNow runs one sweep immediately without waiting for the ticker.
// Useful for tests and for forcing escalation after simulated traffic.
func (s *Sweeper) SweepNow(ctx context.Context) {
	s.sweep(ctx)
}

// run is the main loop.
func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.config.Logger.Info("threat sweeper stopping due to context cancellation")
			return
		case <-s.stopCh:
			s.config.Logger.Info("threat sweeper stopping due to stop signal")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// BlockDurationForRisk returns the auto-block duration tier for the given
// maximum risk level.
func BlockDurationForRisk(maxRisk int) int {
	switch {
	case maxRisk >= 9:
		return 168
	case maxRisk >= 7:
		return 72
	case maxRisk >= 5:
		return 48
	default:
		return 24
	}
}

// sweep runs one aggregation-and-escalation pass. One identifier's failure
// must not abort the rest of the sweep.
func (s *Sweeper) sweep(parentCtx context.Context) {
	ctx, cancel := context.WithTimeout(parentCtx, s.config.Timeout)
	defer cancel()

	startTime := time.Now()

	aggregates, err := s.store.AggregateSuspiciousSince(ctx, startTime.Add(-suspiciousLookback))
	if err != nil {
		s.config.Logger.Error("threat sweep aggregation failed", "error", err)
		if s.config.JobMetrics != nil {
			s.config.JobMetrics.IncJobErrors("threat_sweep", "aggregation_error")
			s.config.JobMetrics.IncJobsTotal("threat_sweep", "failure")
		}
		return
	}

	var blocked, skipped, failed int
	for _, agg := range aggregates {
		select {
		case <-ctx.Done():
			s.config.Logger.Error("threat sweep timeout exceeded",
				"processed", blocked+skipped+failed,
				"total", len(aggregates))
			if s.config.JobMetrics != nil {
				s.config.JobMetrics.IncJobErrors("threat_sweep", "timeout")
			}
			s.finish(startTime, blocked, failed)
			return
		default:
		}

		if agg.Count < s.config.Threshold {
			skipped++
			continue
		}
		if s.engine.IsBlocked(agg.Identifier) {
			skipped++
			continue
		}

		hours := BlockDurationForRisk(agg.MaxRiskLevel)
		reason := fmt.Sprintf("automatic block: %d suspicious activities detected", agg.Count)
		if err := s.engine.AutoBlock(ctx, agg.Identifier, reason, hours); err != nil {
			if errors.Is(err, ErrAlreadyBlocked) {
				skipped++
				continue
			}
			failed++
			s.config.Logger.Error("failed to auto-block identifier",
				"identifier", agg.Identifier,
				"error", err)
			if s.config.JobMetrics != nil {
				s.config.JobMetrics.IncJobErrors("threat_sweep", "block_error")
			}
			continue
		}

		blocked++
		s.config.Logger.Info("identifier auto-blocked",
			"identifier", agg.Identifier,
			"suspicious_count", agg.Count,
			"max_risk_level", agg.MaxRiskLevel,
			"block_hours", hours)
	}

	s.finish(startTime, blocked, failed)
}

// finish records sweep completion metrics and the summary log line.
func (s *Sweeper) finish(startTime time.Time, blocked, failed int) {
	duration := time.Since(startTime).Seconds()

	status := "success"
	if failed > 0 {
		status = "failure"
	}
	if s.config.JobMetrics != nil {
		s.config.JobMetrics.IncJobsTotal("threat_sweep", status)
		s.config.JobMetrics.ObserveJobDuration("threat_sweep", duration)
	}

	s.config.Logger.Info("threat sweep completed",
		"duration_seconds", duration,
		"blocked", blocked,
		"failed", failed)
}
