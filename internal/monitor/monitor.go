// Package monitor runs periodic integrity verification over a trust ledger.
//
// A chain break is a one-way condition: once a stored record is mutated the
// chain stays broken until an operator intervenes. The monitor's job is to
// shrink the window between tampering and detection, not to repair anything.
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sonate-protocol/sonate/internal/ledger"
)

// Config holds monitor configuration.
type Config struct {
	CheckInterval time.Duration
	// AlertThreshold is how many consecutive failed passes trigger the
	// alert callback. 1 alerts on the first break.
	AlertThreshold int
}

// AlertFunc is called when the chain has failed verification
// AlertThreshold times in a row.
type AlertFunc func(ctx context.Context, result ledger.ChainVerificationResult)

// MetricsRecordFunc is an optional callback for recording verification
// pass results.
type MetricsRecordFunc func(valid bool)

// Monitor periodically re-verifies the full chain.
type Monitor struct {
	ledger    ledger.Ledger
	cfg       Config
	onAlert   AlertFunc
	onMetrics MetricsRecordFunc
	logger    *zap.Logger

	mu        sync.Mutex
	failCount int
	last      ledger.ChainVerificationResult
}

// New creates a Monitor over the given ledger.
func New(l ledger.Ledger, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.AlertThreshold == 0 {
		cfg.AlertThreshold = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		ledger: l,
		cfg:    cfg,
		logger: logger,
	}
}

// OnAlert registers the alert callback.
func (m *Monitor) OnAlert(fn AlertFunc) { m.onAlert = fn }

// OnMetrics registers the metrics callback.
func (m *Monitor) OnMetrics(fn MetricsRecordFunc) { m.onMetrics = fn }

// Run verifies the chain on the configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	m.logger.Info("integrity monitor started",
		zap.Duration("interval", m.cfg.CheckInterval))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("integrity monitor stopped")
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single verification pass.
func (m *Monitor) RunOnce(ctx context.Context) ledger.ChainVerificationResult {
	result, err := m.ledger.VerifyChain(ctx)
	if err != nil {
		m.logger.Error("chain verification pass failed", zap.Error(err))
		return result
	}

	if m.onMetrics != nil {
		m.onMetrics(result.Valid)
	}

	m.mu.Lock()
	m.last = result
	if result.Valid {
		m.failCount = 0
	} else {
		m.failCount++
	}
	fails := m.failCount
	m.mu.Unlock()

	if result.Valid {
		m.logger.Debug("chain verified",
			zap.Int("records", result.TotalRecords))
		return result
	}

	m.logger.Error("chain integrity FAILED",
		zap.String("broken_at", result.BrokenAt),
		zap.Strings("issues", result.Issues),
		zap.Int("consecutive_failures", fails),
	)
	if m.onAlert != nil && fails >= m.cfg.AlertThreshold {
		m.onAlert(ctx, result)
	}
	return result
}

// Last returns the most recent pass result.
func (m *Monitor) Last() ledger.ChainVerificationResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
