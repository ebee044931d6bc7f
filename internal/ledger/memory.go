package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sonate-protocol/sonate/internal/signing"
)

// MemoryLedger is an in-memory, thread-safe Ledger implementation. It is the
// reference implementation of the chain semantics and is used for testing
// and single-process deployments; durable persistence belongs to an external
// sink such as PostgresLedger.
type MemoryLedger struct {
	mu      sync.RWMutex
	name    string
	genesis string
	keys    signing.KeyPair
	now     func() time.Time
	logger  *zap.Logger

	records []*Record
	byID    map[string]int // id -> index into records
}

// Option configures a MemoryLedger.
type Option func(*MemoryLedger)

// WithClock injects a clock, letting tests control record timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *MemoryLedger) { l.now = now }
}

// New creates an empty MemoryLedger. The genesis anchor is derived from
// name and is fixed for the ledger's lifetime; the key pair signs every
// appended record and verifies them afterwards.
func New(name string, keys signing.KeyPair, logger *zap.Logger, opts ...Option) *MemoryLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &MemoryLedger{
		name:    name,
		genesis: GenesisHash(name),
		keys:    keys,
		now:     time.Now,
		logger:  logger,
		byID:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// GenesisHash implements Ledger.
func (l *MemoryLedger) GenesisHash() string {
	return l.genesis
}

// Append implements Ledger.
func (l *MemoryLedger) Append(_ context.Context, payload map[string]any) (*Record, error) {
	return l.append(payload, ModePlain, "", "")
}

// AppendBound implements Ledger.
func (l *MemoryLedger) AppendBound(_ context.Context, payload map[string]any, sessionID, sessionNonce string) (*Record, error) {
	return l.append(payload, ModeBound, sessionID, sessionNonce)
}

func (l *MemoryLedger) append(payload map[string]any, mode SigningMode, sessionID, sessionNonce string) (*Record, error) {
	// Hash before taking the lock: canonicalization is the slow part and
	// needs no ledger state. Hashing also vets the payload (cycles,
	// non-serializable values), so the clone below only ever sees values
	// it can walk. The clone is deep: the caller mutating the payload or
	// anything nested in it afterwards cannot alter the stored record.
	selfHash, err := SelfHash(payload)
	if err != nil {
		return nil, err
	}
	payload = clonePayload(payload)

	l.mu.Lock()
	defer l.mu.Unlock()

	prevIntegrity := l.genesis
	var prevTimestamp int64
	if n := len(l.records); n > 0 {
		tip := l.records[n-1]
		prevIntegrity = tip.IntegrityHash
		prevTimestamp = tip.Timestamp
	}

	rec := &Record{
		ID:           uuid.NewString(),
		Seq:          len(l.records) + 1,
		Timestamp:    l.now().UTC().UnixMilli(),
		Payload:      payload,
		PreviousHash: prevIntegrity,
		SelfHash:     selfHash,
		SigningMode:  mode,
		SessionID:    sessionID,
		SessionNonce: sessionNonce,
	}

	if rec.Signature, err = signing.Sign(SignedMessage(rec), l.keys); err != nil {
		return nil, err
	}
	if rec.IntegrityHash, err = IntegrityHash(rec); err != nil {
		return nil, err
	}
	link := ChainLinkHash(rec.IntegrityHash, prevIntegrity, prevTimestamp)
	if rec.ChainSignature, err = signing.Sign([]byte(link), l.keys); err != nil {
		return nil, err
	}

	l.records = append(l.records, rec)
	l.byID[rec.ID] = len(l.records) - 1

	l.logger.Debug("record appended",
		zap.String("id", rec.ID),
		zap.Int("seq", rec.Seq),
		zap.String("mode", string(mode)),
	)
	return rec, nil
}

// Get implements Ledger.
func (l *MemoryLedger) Get(_ context.Context, id string) (*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return l.records[idx], nil
}

// Len implements Ledger.
func (l *MemoryLedger) Len(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records), nil
}

// Root implements Ledger.
func (l *MemoryLedger) Root(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.records) == 0 {
		return l.genesis, nil
	}
	return l.records[len(l.records)-1].IntegrityHash, nil
}

// VerifyRecord implements Ledger.
func (l *MemoryLedger) VerifyRecord(_ context.Context, id string) (VerificationResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	idx, ok := l.byID[id]
	if !ok {
		return VerificationResult{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	rec := l.records[idx]
	prevIntegrity := l.genesis
	var prevTimestamp int64
	if idx > 0 {
		prev := l.records[idx-1]
		prevIntegrity = prev.IntegrityHash
		prevTimestamp = prev.Timestamp
	}
	return verifyRecord(rec, prevIntegrity, prevTimestamp, l.keys.Public), nil
}

// VerifyChain implements Ledger. It walks a read snapshot of the sequence,
// so an append that lands during verification is simply not seen by this
// pass.
func (l *MemoryLedger) VerifyChain(_ context.Context) (ChainVerificationResult, error) {
	l.mu.RLock()
	snapshot := l.records[:len(l.records):len(l.records)]
	l.mu.RUnlock()

	return verifyChainRecords(snapshot, l.genesis, l.keys.Public), nil
}

// Export implements Ledger.
func (l *MemoryLedger) Export(_ context.Context) (*Snapshot, error) {
	l.mu.RLock()
	records := make([]*Record, len(l.records))
	copy(records, l.records)
	l.mu.RUnlock()

	chain := verifyChainRecords(records, l.genesis, l.keys.Public)
	return &Snapshot{
		Records:     records,
		GenesisHash: l.genesis,
		ExportedAt:  l.now().UTC().UnixMilli(),
		Integrity: SnapshotIntegrity{
			Valid:  chain.Valid,
			Issues: chain.Issues,
		},
	}, nil
}

// Import implements Ledger.
func (l *MemoryLedger) Import(_ context.Context, snap *Snapshot) (*ImportResult, error) {
	result := &ImportResult{Issues: []string{}}
	if snap == nil {
		result.Issues = append(result.Issues, "nil snapshot")
		return result, nil
	}
	if snap.GenesisHash != l.genesis {
		result.Issues = append(result.Issues, "genesis hash mismatch")
		return result, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, rec := range snap.Records {
		if _, exists := l.byID[rec.ID]; exists {
			result.Issues = append(result.Issues, fmt.Sprintf("skipped %s: duplicate id", rec.ID))
			continue
		}
		if err := checkRecordHashes(rec); err != nil {
			result.Issues = append(result.Issues, fmt.Sprintf("skipped %s: %v", rec.ID, err))
			continue
		}
		l.records = append(l.records, rec)
		l.byID[rec.ID] = len(l.records) - 1
		result.ImportedCount++
	}

	result.Success = true
	l.logger.Info("snapshot imported",
		zap.Int("imported", result.ImportedCount),
		zap.Int("skipped", len(result.Issues)),
	)
	return result, nil
}

// clonePayload deep-copies a payload. Maps and slices are rebuilt
// recursively; other composite values are rebuilt through encoding/json
// with number preservation. Scalars are immutable and pass through.
func clonePayload(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return clonePayload(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case nil, bool, string, json.Number,
		float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return t
	default:
		// Typed slices, typed maps, structs. If the value won't marshal,
		// canonicalization of the payload fails anyway; returning it
		// unchanged keeps that error path intact.
		b, err := json.Marshal(t)
		if err != nil {
			return t
		}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		var c any
		if err := dec.Decode(&c); err != nil {
			return t
		}
		return c
	}
}

// Query implements Ledger.
func (l *MemoryLedger) Query(_ context.Context, f Filter) ([]*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var matched []*Record
	for _, rec := range l.records {
		if f.Matches(rec) {
			matched = append(matched, rec)
		}
	}
	return matched, nil
}
