package receipt_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sonate-protocol/sonate/internal/ledger"
	"github.com/sonate-protocol/sonate/internal/scoring"
	"github.com/sonate-protocol/sonate/internal/signing"
	"github.com/sonate-protocol/sonate/pkg/receipt"
)

var ctx = context.Background()

func newTestManager(t *testing.T, opts ...receipt.Option) (*receipt.Manager, *ledger.MemoryLedger, signing.KeyPair) {
	t.Helper()
	kp, err := signing.DeterministicKeyPair("receipt-test")
	if err != nil {
		t.Fatal(err)
	}
	var tick int64
	clock := func() time.Time {
		tick++
		return time.UnixMilli(1000 + tick)
	}
	sink := ledger.New("receipts", kp, nil, ledger.WithClock(clock))
	return receipt.NewManager(kp, sink, nil, opts...), sink, kp
}

func TestCreate_hashesContentNotStoresIt(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	rec, err := mgr.Create(ctx, receipt.Input{
		SessionID: "s1",
		Prompt:    "what is the capital of France?",
		Response:  "Paris",
		Scores:    map[string]float64{"trust": 0.9},
	})
	if err != nil {
		t.Fatal(err)
	}

	if rec.Payload["prompt_hash"] == "" || rec.Payload["response_hash"] == "" {
		t.Error("content hashes missing from payload")
	}
	if _, ok := rec.Payload["prompt_content"]; ok {
		t.Error("prompt content stored without IncludeContent")
	}
	if rec.Payload["version"] != receipt.Version {
		t.Errorf("version = %v, want %q", rec.Payload["version"], receipt.Version)
	}
	if rec.SigningMode != ledger.ModePlain {
		t.Errorf("default signing mode = %q, want plain", rec.SigningMode)
	}
}

func TestCreate_includeContent(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	rec, err := mgr.Create(ctx, receipt.Input{
		SessionID:      "s1",
		Prompt:         "p",
		Response:       "r",
		IncludeContent: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Payload["prompt_content"] != "p" || rec.Payload["response_content"] != "r" {
		t.Errorf("content not embedded: %v", rec.Payload)
	}
}

func TestCreate_equalContentHashesAlike(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	a, err := mgr.Create(ctx, receipt.Input{
		SessionID: "s1",
		Prompt:    map[string]any{"role": "user", "text": "hi"},
	})
	if err != nil {
		t.Fatal(err)
	}
	b, err := mgr.Create(ctx, receipt.Input{
		SessionID: "s1",
		Prompt:    map[string]any{"text": "hi", "role": "user"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.Payload["prompt_hash"] != b.Payload["prompt_hash"] {
		t.Error("semantically equal prompts hashed differently")
	}
}

func TestCreate_boundMode(t *testing.T) {
	mgr, sink, _ := newTestManager(t)

	rec, err := mgr.Create(ctx, receipt.Input{
		SessionID:    "s1",
		Prompt:       "p",
		Response:     "r",
		SessionNonce: receipt.NewSessionNonce(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.SigningMode != ledger.ModeBound {
		t.Errorf("signing mode = %q, want bound", rec.SigningMode)
	}

	res, err := sink.VerifyRecord(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid {
		t.Errorf("bound receipt did not verify: %+v", res)
	}
}

func TestVerify_plainAndChained(t *testing.T) {
	mgr, _, kp := newTestManager(t)

	a, err := mgr.Create(ctx, receipt.Input{SessionID: "s1", Prompt: "p1", Response: "r1"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := mgr.Create(ctx, receipt.Input{SessionID: "s1", Prompt: "p2", Response: "r2"})
	if err != nil {
		t.Fatal(err)
	}

	res, err := receipt.Verify(a, kp.Public, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid {
		t.Errorf("receipt a invalid: %+v", res)
	}

	res, err = receipt.Verify(b, kp.Public, a)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || !res.ChainValid {
		t.Errorf("chained verification failed: %+v", res)
	}

	// Verifying b against the wrong predecessor must break the chain
	// check while leaving the base signature intact.
	res, err = receipt.Verify(a, kp.Public, b)
	if err != nil {
		t.Fatal(err)
	}
	if res.ChainValid {
		t.Error("chain reported valid for the wrong predecessor")
	}
	if !res.SignatureValid {
		t.Error("base signature reported invalid; only the chain link is wrong")
	}
}

func TestVerify_noKeyFailsFast(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	rec, err := mgr.Create(ctx, receipt.Input{SessionID: "s1", Prompt: "p"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := receipt.Verify(rec, nil, nil); !errors.Is(err, receipt.ErrNoKey) {
		t.Errorf("err = %v, want ErrNoKey", err)
	}
}

func TestVerify_wrongKeyIsDataProblemNotError(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	rec, err := mgr.Create(ctx, receipt.Input{SessionID: "s1", Prompt: "p"})
	if err != nil {
		t.Fatal(err)
	}

	other, err := signing.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	res, err := receipt.Verify(rec, other.Public, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || res.SignatureValid {
		t.Errorf("receipt verified under the wrong key: %+v", res)
	}
	if res.Reason == "" {
		t.Error("no reason reported for invalid result")
	}
}

func TestWrap_runsProducerAndScores(t *testing.T) {
	scorer := func(input, output any) map[string]float64 {
		return map[string]float64{"trust": 0.75}
	}
	mgr, _, _ := newTestManager(t, receipt.WithScorer(scorer), receipt.WithDefaultAgentID("agent_1"))

	out, rec, err := mgr.Wrap(ctx, func(context.Context) (any, error) {
		return "model output", nil
	}, receipt.Input{SessionID: "s1", Prompt: "question"})
	if err != nil {
		t.Fatal(err)
	}

	if out != "model output" {
		t.Errorf("producer output = %v, want passthrough", out)
	}
	scores, _ := rec.Payload["scores"].(map[string]any)
	if scores["trust"] != 0.75 {
		t.Errorf("scores = %v, want scorer output", rec.Payload["scores"])
	}
	if rec.Payload["agent_id"] != "agent_1" {
		t.Errorf("agent_id = %v, want default agent id", rec.Payload["agent_id"])
	}
}

func TestWrap_ruleBasedScorerEndToEnd(t *testing.T) {
	ev := scoring.New()
	mgr, _, _ := newTestManager(t, receipt.WithScorer(ev.Score))

	_, rec, err := mgr.Wrap(ctx, func(context.Context) (any, error) {
		return "To free disk space, run rm -rf / on the host.", nil
	}, receipt.Input{SessionID: "s1", Prompt: "how do I clean up disk space?"})
	if err != nil {
		t.Fatal(err)
	}

	scores, _ := rec.Payload["scores"].(map[string]any)
	safety, _ := scores[scoring.DimensionSafety].(float64)
	if safety >= 1.0 {
		t.Errorf("safety = %v, want penalized below 1.0", safety)
	}
	if completeness, _ := scores[scoring.DimensionCompleteness].(float64); completeness != 1.0 {
		t.Errorf("completeness = %v, want 1.0", completeness)
	}

	res, err := mgr.Verify(rec, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid {
		t.Errorf("scored receipt failed verification: %s", res.Reason)
	}
}

func TestWrap_producerFailureEmitsNoReceipt(t *testing.T) {
	mgr, sink, _ := newTestManager(t)

	boom := errors.New("model unavailable")
	_, _, err := mgr.Wrap(ctx, func(context.Context) (any, error) {
		return nil, boom
	}, receipt.Input{SessionID: "s1"})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want producer error", err)
	}

	n, err := sink.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("receipt emitted despite producer failure: %d records", n)
	}
}

func TestVerifySequence_crossProcessChain(t *testing.T) {
	mgr, _, kp := newTestManager(t)

	var records []*ledger.Record
	for i := 0; i < 4; i++ {
		rec, err := mgr.Create(ctx, receipt.Input{SessionID: "s1", Prompt: i})
		if err != nil {
			t.Fatal(err)
		}
		records = append(records, rec)
	}

	res, err := receipt.VerifySequence(records, kp.Public)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.TotalRecords != 4 {
		t.Errorf("sequence = %+v, want valid with 4 records", res)
	}

	// A sequence starting mid-stream is still verifiable.
	res, err = receipt.VerifySequence(records[2:], kp.Public)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid {
		t.Errorf("mid-stream sequence = %+v, want valid", res)
	}

	// Reordering breaks it.
	swapped := []*ledger.Record{records[0], records[2], records[1]}
	res, err = receipt.VerifySequence(swapped, kp.Public)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid {
		t.Error("reordered sequence verified as valid")
	}
	if res.BrokenAt != records[2].ID {
		t.Errorf("BrokenAt = %q, want first out-of-order record %q", res.BrokenAt, records[2].ID)
	}
}
