// Package receipt is the SONATE trust receipt SDK.
//
// A trust receipt is a signed, chain-bound record attesting to one evaluated
// interaction — typically an AI prompt/response pair plus its evaluation
// scores. The receipt stores hashes of the prompt and response (the content
// itself only when explicitly requested), so receipts can be published
// without leaking conversation data.
//
// # Creating receipts
//
// Construct a Manager with a signing key pair and a ledger sink, then emit
// receipts per interaction:
//
//	kp, _ := signing.GenerateKeyPair()
//	sink := ledger.New("receipts", kp, logger)
//	mgr := receipt.NewManager(kp, sink, logger,
//	    receipt.WithDefaultAgentID("agent_7"),
//	)
//
//	rec, err := mgr.Create(ctx, receipt.Input{
//	    SessionID: "session-41",
//	    Prompt:    prompt,
//	    Response:  response,
//	    Scores:    map[string]float64{"trust": 0.91},
//	})
//
// # Wrapping a model call
//
// Wrap runs the producer, hashes its input and output, applies the injected
// scorer, and emits the receipt in one step:
//
//	out, rec, err := mgr.Wrap(ctx, callModel, receipt.Input{
//	    SessionID: "session-41",
//	    Prompt:    prompt,
//	})
//
// # Session-bound signing
//
// Setting SessionNonce switches the receipt to bound signing mode: the
// signature covers SHA-256(self_hash ‖ session_id ‖ session_nonce) instead
// of the self hash alone, which ties the receipt to one session and resists
// cross-session replay. The mode is recorded on the receipt so verifiers
// always know which message the signature covers.
//
// # Verifying
//
// Verification is side-effect-free and never errors on bad data — results
// carry a reason instead:
//
//	res, err := receipt.Verify(rec, pub, previous)
//	if !res.Valid {
//	    log.Println("rejected:", res.Reason)
//	}
package receipt
