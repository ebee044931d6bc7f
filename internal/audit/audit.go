// Package audit layers an event taxonomy and query/statistics surface over
// the trust ledger. Every audit event becomes an immutable signed record in
// the underlying chain; the package itself holds no mutable event state.
package audit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sonate-protocol/sonate/internal/ledger"
)

// Category groups audit events by subsystem.
type Category string

const (
	CategorySecurity   Category = "security"
	CategoryEvaluation Category = "evaluation"
	CategoryAccess     Category = "access"
	CategorySystem     Category = "system"
)

// Result records the outcome of the audited action.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Event describes one audited action before it is sealed into the ledger.
type Event struct {
	Category Category
	Action   string
	Actor    string
	Result   Result
	Details  map[string]any
}

// Statistics summarises the audit log and its chain state.
type Statistics struct {
	TotalRecords int            `json:"total_records"`
	ByCategory   map[string]int `json:"by_category"`
	ByActor      map[string]int `json:"by_actor"`
	ByResult     map[string]int `json:"by_result"`
	ChainValid   bool           `json:"chain_valid"`
}

// Archiver receives records that have aged past the retention horizon.
// Archival copies records out to long-term storage; the chain itself never
// drops records, since removing one would break every later link.
type Archiver interface {
	Archive(ctx context.Context, records []*ledger.Record) error
}

// System is the audit orchestration layer: it seals events into the ledger
// and answers queries over them.
type System struct {
	ledger    ledger.Ledger
	archiver  Archiver
	retention time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures a System.
type Option func(*System)

// WithArchiver installs the retention collaborator. Without one, Archive
// is a no-op.
func WithArchiver(a Archiver, retention time.Duration) Option {
	return func(s *System) {
		s.archiver = a
		s.retention = retention
	}
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *System) { s.now = now }
}

// NewSystem creates an audit System over the given ledger.
func NewSystem(l ledger.Ledger, logger *zap.Logger, opts ...Option) *System {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &System{
		ledger: l,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Log seals an event into the ledger and returns the stored record.
func (s *System) Log(ctx context.Context, e Event) (*ledger.Record, error) {
	if e.Category == "" || e.Action == "" || e.Result == "" {
		return nil, fmt.Errorf("audit event missing required fields: %+v", e)
	}
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}

	rec, err := s.ledger.Append(ctx, map[string]any{
		"category": string(e.Category),
		"action":   e.Action,
		"actor":    e.Actor,
		"result":   string(e.Result),
		"details":  details,
	})
	if err != nil {
		return nil, fmt.Errorf("append audit event: %w", err)
	}

	s.logger.Info("audit event",
		zap.String("id", rec.ID),
		zap.String("category", string(e.Category)),
		zap.String("action", e.Action),
		zap.String("actor", e.Actor),
		zap.String("result", string(e.Result)),
	)
	return rec, nil
}

// Get returns the audit record with the given id, or ledger.ErrNotFound.
func (s *System) Get(ctx context.Context, id string) (*ledger.Record, error) {
	return s.ledger.Get(ctx, id)
}

// Query returns audit records matching the filter, in append order.
func (s *System) Query(ctx context.Context, f ledger.Filter) ([]*ledger.Record, error) {
	return s.ledger.Query(ctx, f)
}

// Verify re-verifies a single audit record.
func (s *System) Verify(ctx context.Context, id string) (ledger.VerificationResult, error) {
	return s.ledger.VerifyRecord(ctx, id)
}

// VerifyChain walks the full audit chain.
func (s *System) VerifyChain(ctx context.Context) (ledger.ChainVerificationResult, error) {
	return s.ledger.VerifyChain(ctx)
}

// Export captures the audit log as a snapshot.
func (s *System) Export(ctx context.Context) (*ledger.Snapshot, error) {
	return s.ledger.Export(ctx)
}

// Import loads audit records from a snapshot of a compatible ledger.
func (s *System) Import(ctx context.Context, snap *ledger.Snapshot) (*ledger.ImportResult, error) {
	return s.ledger.Import(ctx, snap)
}

// Statistics aggregates event counts and the current chain state.
func (s *System) Statistics(ctx context.Context) (*Statistics, error) {
	records, err := s.ledger.Query(ctx, ledger.Filter{})
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	chain, err := s.ledger.VerifyChain(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify chain: %w", err)
	}

	stats := &Statistics{
		TotalRecords: len(records),
		ByCategory:   map[string]int{},
		ByActor:      map[string]int{},
		ByResult:     map[string]int{},
		ChainValid:   chain.Valid,
	}
	for _, rec := range records {
		if v, ok := rec.Payload["category"].(string); ok && v != "" {
			stats.ByCategory[v]++
		}
		if v, ok := rec.Payload["actor"].(string); ok && v != "" {
			stats.ByActor[v]++
		}
		if v, ok := rec.Payload["result"].(string); ok && v != "" {
			stats.ByResult[v]++
		}
	}
	return stats, nil
}

// Archive hands records older than the retention horizon to the archiver.
// Records stay in the chain; archival is a copy, not a deletion.
func (s *System) Archive(ctx context.Context) (int, error) {
	if s.archiver == nil || s.retention <= 0 {
		return 0, nil
	}

	horizon := s.now().Add(-s.retention).UnixMilli()
	old, err := s.ledger.Query(ctx, ledger.Filter{To: horizon})
	if err != nil {
		return 0, fmt.Errorf("query records for archival: %w", err)
	}
	if len(old) == 0 {
		return 0, nil
	}
	if err := s.archiver.Archive(ctx, old); err != nil {
		return 0, fmt.Errorf("archive records: %w", err)
	}

	s.logger.Info("audit records archived", zap.Int("count", len(old)))
	return len(old), nil
}
