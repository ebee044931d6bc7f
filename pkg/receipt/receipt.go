package receipt

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sonate-protocol/sonate/internal/canonical"
	"github.com/sonate-protocol/sonate/internal/ledger"
	"github.com/sonate-protocol/sonate/internal/signing"
)

// Version identifies the receipt payload schema.
const Version = "1.0"

// ErrNoKey is returned when verification is attempted with no public key
// configured at all. Unlike bad data, this is a setup problem and fails fast.
var ErrNoKey = errors.New("receipt: no public key configured")

// Scorer evaluates an interaction and returns named scores in [0, 1].
// Scoring heuristics live outside this package; the receipt only records
// their output.
type Scorer func(input, output any) map[string]float64

// Input describes one interaction to attest.
type Input struct {
	SessionID string
	Prompt    any
	Response  any

	// AgentID overrides the manager's default agent id.
	AgentID string
	// Scores overrides the manager's scorer for this receipt.
	Scores map[string]float64
	// Metadata is carried verbatim in the receipt payload.
	Metadata map[string]any
	// IncludeContent embeds the raw prompt/response alongside their
	// hashes. Off by default: hashes alone keep receipts publishable.
	IncludeContent bool
	// SessionNonce, when set, switches to session-bound signing mode.
	SessionNonce string
}

// Manager composes canonicalization, hashing, signing, and the chain ledger
// into the receipt lifecycle. Construct one per signing identity; there is
// no package-level instance.
type Manager struct {
	keys    signing.KeyPair
	sink    ledger.Ledger
	scorer  Scorer
	agentID string
	clock   func() time.Time
	logger  *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithScorer installs the default scorer applied when Input.Scores is nil.
func WithScorer(s Scorer) Option {
	return func(m *Manager) { m.scorer = s }
}

// WithDefaultAgentID sets the agent id used when Input.AgentID is empty.
func WithDefaultAgentID(id string) Option {
	return func(m *Manager) { m.agentID = id }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.clock = now }
}

// NewManager creates a receipt Manager writing to sink with keys.
func NewManager(keys signing.KeyPair, sink ledger.Ledger, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		keys:   keys,
		sink:   sink,
		clock:  time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create builds, signs, chain-binds, and stores a receipt for the given
// interaction, returning the stored record.
func (m *Manager) Create(ctx context.Context, in Input) (*ledger.Record, error) {
	payload, err := m.buildPayload(in)
	if err != nil {
		return nil, err
	}

	var rec *ledger.Record
	if in.SessionNonce != "" {
		rec, err = m.sink.AppendBound(ctx, payload, in.SessionID, in.SessionNonce)
	} else {
		rec, err = m.sink.Append(ctx, payload)
	}
	if err != nil {
		return nil, err
	}

	m.logger.Debug("receipt created",
		zap.String("id", rec.ID),
		zap.String("session_id", in.SessionID),
		zap.String("mode", string(rec.SigningMode)),
	)
	return rec, nil
}

// Wrap runs fn, attributes its output to the interaction, scores it, and
// emits a receipt. The producer's result is returned unchanged alongside
// the stored record. If fn fails no receipt is created.
func (m *Manager) Wrap(ctx context.Context, fn func(context.Context) (any, error), in Input) (any, *ledger.Record, error) {
	out, err := fn(ctx)
	if err != nil {
		return nil, nil, err
	}

	in.Response = out
	if in.Scores == nil && m.scorer != nil {
		in.Scores = m.scorer(in.Prompt, out)
	}

	rec, err := m.Create(ctx, in)
	if err != nil {
		return nil, nil, err
	}
	return out, rec, nil
}

// NewSessionNonce returns a fresh nonce for session-bound receipts.
func NewSessionNonce() string {
	return uuid.NewString()
}

// Verify checks a receipt held by this manager's signing identity.
func (m *Manager) Verify(rec *ledger.Record, previous *ledger.Record) (ledger.VerificationResult, error) {
	return Verify(rec, m.keys.Public, previous)
}

func (m *Manager) buildPayload(in Input) (map[string]any, error) {
	promptHash, err := contentHash(in.Prompt)
	if err != nil {
		return nil, fmt.Errorf("hash prompt: %w", err)
	}
	responseHash, err := contentHash(in.Response)
	if err != nil {
		return nil, fmt.Errorf("hash response: %w", err)
	}

	agentID := in.AgentID
	if agentID == "" {
		agentID = m.agentID
	}
	scores := in.Scores
	if scores == nil {
		scores = map[string]float64{}
	}
	metadata := in.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	payload := map[string]any{
		"version":       Version,
		"category":      "receipt",
		"session_id":    in.SessionID,
		"agent_id":      nullable(agentID),
		"prompt_hash":   promptHash,
		"response_hash": responseHash,
		"scores":        scoresToAny(scores),
		"metadata":      metadata,
	}
	if in.IncludeContent {
		payload["prompt_content"] = in.Prompt
		payload["response_content"] = in.Response
	}
	return payload, nil
}

// contentHash hashes arbitrary content through canonical JSON, so
// semantically equal prompts always hash alike. Nil content hashes to the
// digest of "null", never to an empty string.
func contentHash(content any) (string, error) {
	b, err := canonical.Marshal(content)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scoresToAny(scores map[string]float64) map[string]any {
	out := make(map[string]any, len(scores))
	for k, v := range scores {
		out[k] = v
	}
	return out
}

// Verify re-verifies a single receipt against a public key, optionally
// checking its chain binding to an explicit previous record (for chains
// managed outside a ledger instance). Data problems are reported in the
// result; the only error is a missing key.
func Verify(rec *ledger.Record, pub ed25519.PublicKey, previous *ledger.Record) (ledger.VerificationResult, error) {
	if len(pub) == 0 {
		return ledger.VerificationResult{}, ErrNoKey
	}

	res := ledger.VerificationResult{
		SignatureValid: true,
		IntegrityValid: true,
		ChainValid:     true,
	}
	fail := func(field *bool, reason string) {
		*field = false
		if res.Reason == "" {
			res.Reason = reason
		}
	}

	selfHash, err := ledger.SelfHash(rec.Payload)
	switch {
	case err != nil:
		fail(&res.IntegrityValid, fmt.Sprintf("payload not canonicalizable: %v", err))
	case selfHash != rec.SelfHash:
		fail(&res.IntegrityValid, "self hash mismatch")
	}

	integrityHash, err := ledger.IntegrityHash(rec)
	switch {
	case err != nil:
		fail(&res.IntegrityValid, fmt.Sprintf("record not canonicalizable: %v", err))
	case integrityHash != rec.IntegrityHash:
		fail(&res.IntegrityValid, "integrity hash mismatch")
	}

	if !signing.Verify(rec.Signature, ledger.SignedMessage(rec), pub) {
		fail(&res.SignatureValid, "signature invalid")
	}

	if previous != nil {
		if rec.PreviousHash != previous.IntegrityHash {
			fail(&res.ChainValid, "previous hash mismatch")
		}
		link := ledger.ChainLinkHash(rec.IntegrityHash, previous.IntegrityHash, previous.Timestamp)
		if !signing.Verify(rec.ChainSignature, []byte(link), pub) {
			fail(&res.ChainValid, "chain signature invalid")
		}
	}

	res.Valid = res.SignatureValid && res.IntegrityValid && res.ChainValid
	return res, nil
}

// VerifySequence verifies a receipt chain held outside any ledger, e.g.
// receipts collected across processes. Each record is verified on its own
// and, from the second record on, against its predecessor. The first
// record's inbound link is not checked: cross-process chains may start
// mid-stream.
func VerifySequence(records []*ledger.Record, pub ed25519.PublicKey) (ledger.ChainVerificationResult, error) {
	if len(pub) == 0 {
		return ledger.ChainVerificationResult{}, ErrNoKey
	}

	result := ledger.ChainVerificationResult{
		Valid:        true,
		TotalRecords: len(records),
		Issues:       []string{},
	}
	for i, rec := range records {
		var prev *ledger.Record
		if i > 0 {
			prev = records[i-1]
		}
		res, err := Verify(rec, pub, prev)
		if err != nil {
			return ledger.ChainVerificationResult{}, err
		}
		if !res.Valid {
			result.Valid = false
			result.BrokenAt = rec.ID
			result.Issues = append(result.Issues, fmt.Sprintf("%s: %s", rec.ID, res.Reason))
			return result, nil
		}
	}
	return result, nil
}
