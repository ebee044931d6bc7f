package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sonate-protocol/sonate/internal/httpapi"
	"github.com/sonate-protocol/sonate/internal/ledger"
	"github.com/sonate-protocol/sonate/internal/signing"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sonate",
	Short: "SONATE trust ledger CLI",
	Long: `sonate is the command-line companion to receiptd.

It generates signing keys, mints admin tokens, and verifies or inspects
exported ledger snapshots offline, without talking to a running service.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(versionCmd)
}

// ── keygen ───────────────────────────────────────────────────────────────────

var keygenSeed string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an Ed25519 signing key pair",
	Long: `Generate an Ed25519 key pair and print both halves hex-encoded.

With --seed the key is derived deterministically from the seed string, which
is useful for reproducible test fixtures. Never use --seed for production
keys.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var kp signing.KeyPair
		var err error
		if keygenSeed != "" {
			kp, err = signing.DeterministicKeyPair(keygenSeed)
		} else {
			kp, err = signing.GenerateKeyPair()
		}
		if err != nil {
			return err
		}
		fmt.Printf("public_key:  %s\n", kp.PublicKeyHex())
		fmt.Printf("private_key: %s\n", kp.PrivateKeyHex())
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenSeed, "seed", "", "Derive the key deterministically from this seed (testing only)")
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenSecret string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an admin token for receiptd's import endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenSecret == "" {
			tokenSecret = os.Getenv("SONATE_ADMIN_SECRET")
		}
		if tokenSecret == "" {
			return errors.New("no secret: pass --secret or set SONATE_ADMIN_SECRET")
		}
		tok, err := httpapi.MintAdminToken(tokenSecret, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "HMAC secret shared with receiptd (or SONATE_ADMIN_SECRET)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyPubKey string

var verifyCmd = &cobra.Command{
	Use:   "verify <snapshot.json>",
	Short: "Verify an exported ledger snapshot offline",
	Long: `Verify re-checks every hash, signature, and chain link in an exported
snapshot. It needs no network access: the snapshot plus the ledger's public
key is enough to prove or disprove integrity.

  sonate verify --pubkey <hex> export.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := readSnapshot(args[0])
		if err != nil {
			return err
		}
		pub, err := signing.ParsePublicKeyHex(verifyPubKey)
		if err != nil {
			return fmt.Errorf("parse --pubkey: %w", err)
		}

		result := ledger.VerifySnapshot(snap, pub)
		if result.Valid {
			fmt.Printf("OK: %d records verified, chain intact\n", result.TotalRecords)
			return nil
		}
		fmt.Printf("FAILED: chain broken at record %s\n", result.BrokenAt)
		for _, issue := range result.Issues {
			fmt.Printf("  - %s\n", issue)
		}
		os.Exit(1)
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyPubKey, "pubkey", "", "Hex-encoded Ed25519 public key of the ledger (required)")
	_ = verifyCmd.MarkFlagRequired("pubkey")
}

// ── inspect ──────────────────────────────────────────────────────────────────

var inspectCmd = &cobra.Command{
	Use:   "inspect <snapshot.json>",
	Short: "Print a summary of an exported ledger snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := readSnapshot(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Genesis:     %s\n", snap.GenesisHash)
		fmt.Printf("Exported at: %s\n", time.UnixMilli(snap.ExportedAt).UTC().Format(time.RFC3339))
		fmt.Printf("Records:     %d\n", len(snap.Records))
		fmt.Printf("Integrity:   valid=%v\n", snap.Integrity.Valid)
		for _, issue := range snap.Integrity.Issues {
			fmt.Printf("  - %s\n", issue)
		}
		if len(snap.Records) == 0 {
			return nil
		}

		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tID\tTIMESTAMP\tCATEGORY\tMODE")
		for _, r := range snap.Records {
			category, _ := r.Payload["category"].(string)
			ts := time.UnixMilli(r.Timestamp).UTC().Format(time.RFC3339)
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", r.Seq, r.ID, ts, category, r.SigningMode)
		}
		return w.Flush()
	},
}

func readSnapshot(path string) (*ledger.Snapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap ledger.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return &snap, nil
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the sonate CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sonate %s\n", version)
	},
}
