package audit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sonate-protocol/sonate/internal/audit"
	"github.com/sonate-protocol/sonate/internal/ledger"
	"github.com/sonate-protocol/sonate/internal/signing"
)

var ctx = context.Background()

type captureArchiver struct {
	archived []*ledger.Record
	fail     error
}

func (a *captureArchiver) Archive(_ context.Context, records []*ledger.Record) error {
	if a.fail != nil {
		return a.fail
	}
	a.archived = append(a.archived, records...)
	return nil
}

func newTestSystem(t *testing.T, opts ...audit.Option) *audit.System {
	t.Helper()
	kp, err := signing.DeterministicKeyPair("audit-test")
	if err != nil {
		t.Fatal(err)
	}
	var tick int64
	clock := func() time.Time {
		tick++
		return time.UnixMilli(1_000_000 + tick*1000)
	}
	l := ledger.New("audit", kp, nil, ledger.WithClock(clock))
	opts = append(opts, audit.WithClock(clock))
	return audit.NewSystem(l, nil, opts...)
}

func TestLog_sealsEventIntoChain(t *testing.T) {
	s := newTestSystem(t)

	rec, err := s.Log(ctx, audit.Event{
		Category: audit.CategorySecurity,
		Action:   "login",
		Actor:    "alice",
		Result:   audit.ResultSuccess,
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Payload["category"] != "security" || rec.Payload["actor"] != "alice" {
		t.Errorf("payload = %v", rec.Payload)
	}

	res, err := s.Verify(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid {
		t.Errorf("logged event does not verify: %+v", res)
	}
}

func TestLog_rejectsIncompleteEvents(t *testing.T) {
	s := newTestSystem(t)
	if _, err := s.Log(ctx, audit.Event{Action: "login"}); err == nil {
		t.Error("event without category/result accepted")
	}
}

func TestGet_unknownID(t *testing.T) {
	s := newTestSystem(t)
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestQuery_byCategoryAndActor(t *testing.T) {
	s := newTestSystem(t)
	events := []audit.Event{
		{Category: audit.CategorySecurity, Action: "login", Actor: "alice", Result: audit.ResultSuccess},
		{Category: audit.CategorySecurity, Action: "login", Actor: "bob", Result: audit.ResultFailure},
		{Category: audit.CategoryEvaluation, Action: "score", Actor: "alice", Result: audit.ResultSuccess},
	}
	for _, e := range events {
		if _, err := s.Log(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Query(ctx, ledger.Filter{Category: "security"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("security events = %d, want 2", len(got))
	}

	got, err = s.Query(ctx, ledger.Filter{Actor: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("alice events = %d, want 2", len(got))
	}
}

func TestStatistics_aggregates(t *testing.T) {
	s := newTestSystem(t)
	events := []audit.Event{
		{Category: audit.CategorySecurity, Action: "login", Actor: "alice", Result: audit.ResultSuccess},
		{Category: audit.CategorySecurity, Action: "login", Actor: "bob", Result: audit.ResultFailure},
		{Category: audit.CategorySystem, Action: "export", Actor: "alice", Result: audit.ResultSuccess},
	}
	for _, e := range events {
		if _, err := s.Log(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := s.Statistics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalRecords != 3 {
		t.Errorf("TotalRecords = %d, want 3", stats.TotalRecords)
	}
	if stats.ByCategory["security"] != 2 || stats.ByCategory["system"] != 1 {
		t.Errorf("ByCategory = %v", stats.ByCategory)
	}
	if stats.ByActor["alice"] != 2 {
		t.Errorf("ByActor = %v", stats.ByActor)
	}
	if stats.ByResult["failure"] != 1 {
		t.Errorf("ByResult = %v", stats.ByResult)
	}
	if !stats.ChainValid {
		t.Error("honest chain reported invalid")
	}
}

func TestArchive_respectsRetentionHorizon(t *testing.T) {
	arch := &captureArchiver{}
	// Clock ticks one second per call; a 2.5s retention leaves the most
	// recent events in place.
	s := newTestSystem(t, audit.WithArchiver(arch, 2500*time.Millisecond))

	for i := 0; i < 4; i++ {
		if _, err := s.Log(ctx, audit.Event{
			Category: audit.CategorySystem, Action: "tick", Actor: "system", Result: audit.ResultSuccess,
		}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.Archive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 || n == 4 {
		t.Errorf("archived %d of 4 records, want a strict subset past the horizon", n)
	}
	if len(arch.archived) != n {
		t.Errorf("archiver received %d records, reported %d", len(arch.archived), n)
	}

	// Archival copies records out; the chain keeps them all.
	stats, err := s.Statistics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalRecords != 4 {
		t.Errorf("chain lost records after archival: %d", stats.TotalRecords)
	}
}

func TestArchive_withoutArchiverIsNoop(t *testing.T) {
	s := newTestSystem(t)
	n, err := s.Archive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("archived %d records without an archiver", n)
	}
}

func TestExportImport_roundTrip(t *testing.T) {
	src := newTestSystem(t)
	for i := 0; i < 3; i++ {
		if _, err := src.Log(ctx, audit.Event{
			Category: audit.CategoryAccess, Action: "read", Actor: "alice", Result: audit.ResultSuccess,
		}); err != nil {
			t.Fatal(err)
		}
	}

	snap, err := src.Export(ctx)
	if err != nil {
		t.Fatal(err)
	}

	dst := newTestSystem(t)
	res, err := dst.Import(ctx, snap)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.ImportedCount != 3 {
		t.Errorf("import = %+v, want 3 records", res)
	}

	chain, err := dst.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !chain.Valid {
		t.Errorf("imported chain invalid: %+v", chain)
	}
}
