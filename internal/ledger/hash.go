package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/sonate-protocol/sonate/internal/canonical"
)

// GenesisHash derives a ledger's genesis anchor from its name. Every ledger
// has exactly one anchor for its lifetime; the first appended record's
// PreviousHash must equal it.
func GenesisHash(name string) string {
	return sha256Hex([]byte(name))
}

// SelfHash computes the hash over the semantic payload alone. It exists to
// give the signature a fixed-size message and is independent of storage
// metadata (id, seq, timestamp).
func SelfHash(payload map[string]any) (string, error) {
	b, err := canonical.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	return sha256Hex(b), nil
}

// IntegrityHash computes the hash over the fully materialized record,
// excluding IntegrityHash itself and ChainSignature (which is derived from
// it). Any post-signing mutation of the stored form changes this value.
func IntegrityHash(r *Record) (string, error) {
	b, err := canonical.Marshal(integrityFields(r))
	if err != nil {
		return "", fmt.Errorf("canonicalize record: %w", err)
	}
	return sha256Hex(b), nil
}

// integrityFields builds the canonical view of the stored record. Absent
// optional fields are rendered as explicit nulls so that omission and null
// can never hash to the same bytes as a present value.
func integrityFields(r *Record) map[string]any {
	return map[string]any{
		"id":            r.ID,
		"seq":           int64(r.Seq),
		"timestamp":     r.Timestamp,
		"payload":       r.Payload,
		"previous_hash": r.PreviousHash,
		"self_hash":     r.SelfHash,
		"signature":     r.Signature,
		"signing_mode":  string(r.SigningMode),
		"session_id":    nullableString(r.SessionID),
		"session_nonce": nullableString(r.SessionNonce),
	}
}

// ChainLinkHash binds a record to its predecessor independent of physical
// storage order. For the first record the previous integrity hash is the
// genesis anchor and the previous timestamp is zero.
func ChainLinkHash(integrityHash, prevIntegrityHash string, prevTimestamp int64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d", integrityHash, prevIntegrityHash, prevTimestamp)
	return hex.EncodeToString(h.Sum(nil))
}

// SignedMessage rebuilds the exact message a record's Signature covers,
// according to its signing mode.
func SignedMessage(r *Record) []byte {
	if r.SigningMode == ModeBound {
		return []byte(sha256Hex([]byte(r.SelfHash + r.SessionID + r.SessionNonce)))
	}
	return []byte(r.SelfHash)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
