package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/sonate-protocol/sonate/internal/signing"
)

// advisoryLockKey is a stable PostgreSQL advisory lock key used to serialise
// concurrent Append calls. The value is arbitrary but must be consistent
// across all instances writing to the same ledger.
const advisoryLockKey = int64(7_804_221_119)

const recordColumns = `id, seq, ts, payload, previous_hash, self_hash, signature,
	integrity_hash, chain_signature, signing_mode, session_id, session_nonce`

// PostgresLedger persists the hash chain to PostgreSQL. It implements the
// Ledger interface and shares all chain semantics with MemoryLedger; only
// the storage differs.
type PostgresLedger struct {
	pool    *pgxpool.Pool
	name    string
	genesis string
	keys    signing.KeyPair
	now     func() time.Time
	logger  *zap.Logger
}

// NewPostgresLedger creates a PostgresLedger backed by the given pool. The
// trust_records table must exist (see migrations/).
func NewPostgresLedger(pool *pgxpool.Pool, name string, keys signing.KeyPair, logger *zap.Logger) *PostgresLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresLedger{
		pool:    pool,
		name:    name,
		genesis: GenesisHash(name),
		keys:    keys,
		now:     time.Now,
		logger:  logger,
	}
}

// GenesisHash implements Ledger.
func (l *PostgresLedger) GenesisHash() string {
	return l.genesis
}

// Append implements Ledger.
func (l *PostgresLedger) Append(ctx context.Context, payload map[string]any) (*Record, error) {
	return l.append(ctx, payload, ModePlain, "", "")
}

// AppendBound implements Ledger.
func (l *PostgresLedger) AppendBound(ctx context.Context, payload map[string]any, sessionID, sessionNonce string) (*Record, error) {
	return l.append(ctx, payload, ModeBound, sessionID, sessionNonce)
}

// append acquires a PostgreSQL advisory lock, reads the chain tail, signs
// and chain-binds the new record, and inserts it — all within a single
// transaction, so concurrent writers cannot race on the tail.
func (l *PostgresLedger) append(ctx context.Context, payload map[string]any, mode SigningMode, sessionID, sessionNonce string) (*Record, error) {
	selfHash, err := SelfHash(payload)
	if err != nil {
		return nil, err
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	// Read the current tail of the chain. An empty table chains from the
	// genesis anchor.
	prevSeq := 0
	prevIntegrity := l.genesis
	var prevTimestamp int64
	err = tx.QueryRow(ctx,
		"SELECT seq, integrity_hash, ts FROM trust_records ORDER BY seq DESC LIMIT 1",
	).Scan(&prevSeq, &prevIntegrity, &prevTimestamp)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("read ledger tail: %w", err)
	}

	rec := &Record{
		ID:           uuid.NewString(),
		Seq:          prevSeq + 1,
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

	if err := insertRecord(ctx, tx, rec, payloadJSON); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}

	l.logger.Debug("record appended",
		zap.String("id", rec.ID),
		zap.Int("seq", rec.Seq),
		zap.String("mode", string(mode)),
	)
	return rec, nil
}

func insertRecord(ctx context.Context, tx pgx.Tx, rec *Record, payloadJSON []byte) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO trust_records
		 (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, rec.Seq, rec.Timestamp, payloadJSON,
		rec.PreviousHash, rec.SelfHash, rec.Signature,
		rec.IntegrityHash, rec.ChainSignature, string(rec.SigningMode),
		nullableString(rec.SessionID), nullableString(rec.SessionNonce),
	); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	rec := &Record{}
	var payloadJSON []byte
	var mode string
	var sessionID, sessionNonce *string
	if err := row.Scan(
		&rec.ID, &rec.Seq, &rec.Timestamp, &payloadJSON,
		&rec.PreviousHash, &rec.SelfHash, &rec.Signature,
		&rec.IntegrityHash, &rec.ChainSignature, &mode,
		&sessionID, &sessionNonce,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payloadJSON, &rec.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	rec.SigningMode = SigningMode(mode)
	if sessionID != nil {
		rec.SessionID = *sessionID
	}
	if sessionNonce != nil {
		rec.SessionNonce = *sessionNonce
	}
	return rec, nil
}

// Get implements Ledger.
func (l *PostgresLedger) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := scanRecord(l.pool.QueryRow(ctx,
		"SELECT "+recordColumns+" FROM trust_records WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	return rec, nil
}

// Len implements Ledger.
func (l *PostgresLedger) Len(ctx context.Context) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM trust_records").Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Root implements Ledger.
func (l *PostgresLedger) Root(ctx context.Context) (string, error) {
	var hash string
	err := l.pool.QueryRow(ctx,
		"SELECT integrity_hash FROM trust_records ORDER BY seq DESC LIMIT 1",
	).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return l.genesis, nil
	}
	if err != nil {
		return "", fmt.Errorf("get ledger root: %w", err)
	}
	return hash, nil
}

// VerifyRecord implements Ledger.
func (l *PostgresLedger) VerifyRecord(ctx context.Context, id string) (VerificationResult, error) {
	rec, err := l.Get(ctx, id)
	if err != nil {
		return VerificationResult{}, err
	}

	prevIntegrity := l.genesis
	var prevTimestamp int64
	if rec.Seq > 1 {
		// seq has no unique constraint (imports keep snapshot seq values),
		// so pin the lookup to the earliest row with that seq. A duplicate
		// seq never verifies as a predecessor anyway: the chain link was
		// signed against exactly one row's integrity hash.
		err := l.pool.QueryRow(ctx,
			"SELECT integrity_hash, ts FROM trust_records WHERE seq = $1 ORDER BY ts ASC LIMIT 1", rec.Seq-1,
		).Scan(&prevIntegrity, &prevTimestamp)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return VerificationResult{}, fmt.Errorf("read predecessor of %s: %w", id, err)
		}
	}
	return verifyRecord(rec, prevIntegrity, prevTimestamp, l.keys.Public), nil
}

// VerifyChain implements Ledger. It streams all rows ordered by seq and
// validates the hash chain. O(n) in ledger length; may be slow for very
// large ledgers.
func (l *PostgresLedger) VerifyChain(ctx context.Context) (ChainVerificationResult, error) {
	records, err := l.allRecords(ctx)
	if err != nil {
		return ChainVerificationResult{}, err
	}
	return verifyChainRecords(records, l.genesis, l.keys.Public), nil
}

// Export implements Ledger.
func (l *PostgresLedger) Export(ctx context.Context) (*Snapshot, error) {
	records, err := l.allRecords(ctx)
	if err != nil {
		return nil, err
	}
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
func (l *PostgresLedger) Import(ctx context.Context, snap *Snapshot) (*ImportResult, error) {
	result := &ImportResult{Issues: []string{}}
	if snap == nil {
		result.Issues = append(result.Issues, "nil snapshot")
		return result, nil
	}
	if snap.GenesisHash != l.genesis {
		result.Issues = append(result.Issues, "genesis hash mismatch")
		return result, nil
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	for _, rec := range snap.Records {
		if err := checkRecordHashes(rec); err != nil {
			result.Issues = append(result.Issues, fmt.Sprintf("skipped %s: %v", rec.ID, err))
			continue
		}
		payloadJSON, err := json.Marshal(rec.Payload)
		if err != nil {
			result.Issues = append(result.Issues, fmt.Sprintf("skipped %s: marshal payload: %v", rec.ID, err))
			continue
		}
		tag, err := tx.Exec(ctx,
			`INSERT INTO trust_records
			 (`+recordColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 ON CONFLICT (id) DO NOTHING`,
			rec.ID, rec.Seq, rec.Timestamp, payloadJSON,
			rec.PreviousHash, rec.SelfHash, rec.Signature,
			rec.IntegrityHash, rec.ChainSignature, string(rec.SigningMode),
			nullableString(rec.SessionID), nullableString(rec.SessionNonce),
		)
		if err != nil {
			result.Issues = append(result.Issues, fmt.Sprintf("skipped %s: insert: %v", rec.ID, err))
			continue
		}
		if tag.RowsAffected() == 0 {
			result.Issues = append(result.Issues, fmt.Sprintf("skipped %s: duplicate id", rec.ID))
			continue
		}
		result.ImportedCount++
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit import tx: %w", err)
	}
	result.Success = true

	l.logger.Info("snapshot imported",
		zap.Int("imported", result.ImportedCount),
		zap.Int("skipped", len(result.Issues)),
	)
	return result, nil
}

// Query implements Ledger. Category, actor, and result filters match against
// the JSONB payload fields of the same name.
func (l *PostgresLedger) Query(ctx context.Context, f Filter) ([]*Record, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if f.Category != "" {
		where = append(where, "payload->>'category' = "+arg(f.Category))
	}
	if f.Actor != "" {
		where = append(where, "payload->>'actor' = "+arg(f.Actor))
	}
	if f.Result != "" {
		where = append(where, "payload->>'result' = "+arg(f.Result))
	}
	if f.From != 0 {
		where = append(where, "ts >= "+arg(f.From))
	}
	if f.To != 0 {
		where = append(where, "ts <= "+arg(f.To))
	}

	q := "SELECT " + recordColumns + " FROM trust_records"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq ASC"

	rows, err := l.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (l *PostgresLedger) allRecords(ctx context.Context) ([]*Record, error) {
	rows, err := l.pool.Query(ctx,
		"SELECT "+recordColumns+" FROM trust_records ORDER BY seq ASC")
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
