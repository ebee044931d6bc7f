// Package ledger implements the append-only, hash-chained record store at
// the heart of the trust receipt system.
//
// Every appended record carries two independent hashes: a self hash over the
// semantic payload (the message the signature covers) and an integrity hash
// over the fully materialized record (the tamper-evidence value the chain
// links through). Records are signed with Ed25519 and bound to their
// predecessor by a chain signature, so mutation, reordering, or deletion of
// any stored record is detectable.
//
// The chain anchors to a genesis hash derived from the ledger name. Append
// order — a ledger-internal monotonic sequence — is the source of chaining
// truth; record timestamps are descriptive metadata only.
//
// Two implementations of the Ledger interface are provided:
//   - MemoryLedger: in-process, for testing and single-process deployments.
//   - PostgresLedger: durable, for production use.
package ledger

import "context"

// Ledger is the append-only signed record store.
type Ledger interface {
	// Append creates, signs, chain-binds, and stores a record for payload.
	// Concurrent calls are serialised internally; append order is the
	// canonical chain order.
	Append(ctx context.Context, payload map[string]any) (*Record, error)

	// AppendBound is Append with session-scoped signing: the signature
	// covers SHA-256(self_hash ‖ sessionID ‖ sessionNonce) and the record
	// is tagged ModeBound.
	AppendBound(ctx context.Context, payload map[string]any, sessionID, sessionNonce string) (*Record, error)

	// Get returns the stored record with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// Len returns the number of stored records.
	Len(ctx context.Context) (int, error)

	// Root returns the integrity hash of the chain tip, or the genesis
	// hash for an empty ledger.
	Root(ctx context.Context) (string, error)

	// VerifyRecord re-verifies a single stored record in O(1). Data
	// problems are reported in the result, never as an error; an unknown
	// id returns ErrNotFound.
	VerifyRecord(ctx context.Context, id string) (VerificationResult, error)

	// VerifyChain walks a read snapshot of the sequence in append order
	// and stops at the first break.
	VerifyChain(ctx context.Context) (ChainVerificationResult, error)

	// Export captures the full ledger as a transportable snapshot.
	Export(ctx context.Context) (*Snapshot, error)

	// Import loads records from a snapshot taken from a ledger with the
	// same genesis anchor. Records failing their own hash checks are
	// skipped and reported; a foreign genesis rejects the whole snapshot.
	Import(ctx context.Context, snap *Snapshot) (*ImportResult, error)

	// Query returns stored records matching the filter, in append order.
	Query(ctx context.Context, f Filter) ([]*Record, error)

	// GenesisHash returns the ledger's fixed genesis anchor.
	GenesisHash() string
}
