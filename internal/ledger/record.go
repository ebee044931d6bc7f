package ledger

import "errors"

// SigningMode identifies which message a record's signature covers. A
// verifier must know the mode to rebuild the signed message; leaving it
// implicit would make "valid" ambiguous.
type SigningMode string

const (
	// ModePlain means the signature covers the self hash alone.
	ModePlain SigningMode = "plain"
	// ModeBound means the signature covers
	// SHA-256(self_hash ‖ session_id ‖ session_nonce), giving the record
	// replay resistance within a session.
	ModeBound SigningMode = "bound"
)

var (
	// ErrNotFound is returned for lookups against an unknown record id.
	ErrNotFound = errors.New("ledger: record not found")
	// ErrIntegrity is returned when a recomputed hash does not match the
	// stored one outside of the verify-family result paths.
	ErrIntegrity = errors.New("ledger: integrity check failed")
)

// Record is a signed, chain-bound audit record. Once appended it is
// immutable; changing any field invalidates SelfHash, IntegrityHash,
// Signature, or ChainSignature deterministically.
//
// Seq is the ledger-internal append sequence and is the canonical ordering
// key. Timestamp is caller-visible metadata only and never drives chaining.
type Record struct {
	ID             string         `json:"id"`
	Seq            int            `json:"seq"`
	Timestamp      int64          `json:"timestamp"` // Unix milliseconds
	Payload        map[string]any `json:"payload"`
	PreviousHash   string         `json:"previous_hash"`
	SelfHash       string         `json:"self_hash"`
	Signature      string         `json:"signature"`
	IntegrityHash  string         `json:"integrity_hash"`
	ChainSignature string         `json:"chain_signature"`
	SigningMode    SigningMode    `json:"signing_mode"`
	SessionID      string         `json:"session_id,omitempty"`
	SessionNonce   string         `json:"session_nonce,omitempty"`
}

// VerificationResult reports the outcome of verifying a single record.
// Data problems never surface as errors; they surface here.
type VerificationResult struct {
	Valid          bool   `json:"valid"`
	Reason         string `json:"reason,omitempty"`
	SignatureValid bool   `json:"signature_valid"`
	IntegrityValid bool   `json:"integrity_valid"`
	ChainValid     bool   `json:"chain_valid"`
}

// ChainVerificationResult reports the outcome of walking the full chain.
type ChainVerificationResult struct {
	Valid        bool     `json:"valid"`
	BrokenAt     string   `json:"broken_at,omitempty"`
	TotalRecords int      `json:"total_records"`
	Issues       []string `json:"issues"`
}

// Snapshot is the exported form of a ledger, suitable for transport between
// processes or for offline verification.
type Snapshot struct {
	Records     []*Record         `json:"records"`
	GenesisHash string            `json:"genesis_hash"`
	ExportedAt  int64             `json:"exported_at"`
	Integrity   SnapshotIntegrity `json:"integrity"`
}

// SnapshotIntegrity records the chain state at export time.
type SnapshotIntegrity struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues"`
}

// ImportResult reports a snapshot import. Imports are partial-tolerant:
// individual bad records are skipped and listed in Issues, but a genesis
// mismatch rejects the whole snapshot.
type ImportResult struct {
	Success       bool     `json:"success"`
	ImportedCount int      `json:"imported_count"`
	Issues        []string `json:"issues"`
}

// Filter selects records for Query. Zero values match everything.
// Category, Actor, and Result match the payload fields of the same name;
// From and To bound Timestamp inclusively (0 means unbounded).
type Filter struct {
	Category string
	Actor    string
	Result   string
	From     int64
	To       int64
}

// Matches reports whether r satisfies the filter.
func (f Filter) Matches(r *Record) bool {
	if f.Category != "" && payloadString(r, "category") != f.Category {
		return false
	}
	if f.Actor != "" && payloadString(r, "actor") != f.Actor {
		return false
	}
	if f.Result != "" && payloadString(r, "result") != f.Result {
		return false
	}
	if f.From != 0 && r.Timestamp < f.From {
		return false
	}
	if f.To != 0 && r.Timestamp > f.To {
		return false
	}
	return true
}

func payloadString(r *Record, key string) string {
	s, _ := r.Payload[key].(string)
	return s
}
