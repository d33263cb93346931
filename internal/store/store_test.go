package store

import (
	"crypto/sha256"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEnrollment(packID string) *Enrollment {
	return &Enrollment{
		PackID:            packID,
		CreatedAt:         time.Now().UnixNano(),
		FingerprintDigest: sha256.Sum256([]byte(packID)),
		Confidence:        "high",
	}
}

func TestRecordAndFetchEnrollment(t *testing.T) {
	s := testStore(t)
	id, err := s.RecordEnrollment(testEnrollment("pack-a"))
	if err != nil {
		t.Fatalf("record enrollment: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero id")
	}

	e, err := s.ActiveEnrollment()
	if err != nil {
		t.Fatalf("active enrollment: %v", err)
	}
	if e.PackID != "pack-a" || e.Status != StatusActive {
		t.Fatalf("unexpected enrollment: %+v", e)
	}
	if e.FingerprintDigest != sha256.Sum256([]byte("pack-a")) {
		t.Fatal("fingerprint digest not round-tripped")
	}
}

func TestReEnrollmentSupersedes(t *testing.T) {
	s := testStore(t)
	if _, err := s.RecordEnrollment(testEnrollment("pack-a")); err != nil {
		t.Fatalf("first enrollment: %v", err)
	}
	if _, err := s.RecordEnrollment(testEnrollment("pack-b")); err != nil {
		t.Fatalf("second enrollment: %v", err)
	}

	e, err := s.ActiveEnrollment()
	if err != nil {
		t.Fatalf("active enrollment: %v", err)
	}
	if e.PackID != "pack-b" {
		t.Fatalf("active pack = %q, want pack-b", e.PackID)
	}
}

func TestRevokeEnrollment(t *testing.T) {
	s := testStore(t)
	if _, err := s.RecordEnrollment(testEnrollment("pack-a")); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if err := s.RevokeEnrollment("pack-a"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := s.ActiveEnrollment(); !errors.Is(err, ErrNoEnrollment) {
		t.Fatalf("active after revoke = %v, want ErrNoEnrollment", err)
	}
	if err := s.RevokeEnrollment("no-such-pack"); !errors.Is(err, ErrNoEnrollment) {
		t.Fatalf("revoke unknown = %v, want ErrNoEnrollment", err)
	}
}

func TestNoActiveEnrollment(t *testing.T) {
	s := testStore(t)
	if _, err := s.ActiveEnrollment(); !errors.Is(err, ErrNoEnrollment) {
		t.Fatalf("empty store = %v, want ErrNoEnrollment", err)
	}
}

func TestAuthEventChain(t *testing.T) {
	s := testStore(t)

	events := []*AuthEvent{
		{TimestampNs: 100, PackID: "pack-a", Outcome: OutcomeFailure, Reason: ReasonFactorMismatch},
		{TimestampNs: 200, PackID: "pack-a", Outcome: OutcomeSuccess, Reason: ReasonNone},
		{TimestampNs: 300, PackID: "pack-a", Outcome: OutcomeFailure, Reason: ReasonPackTampered},
	}
	for i, e := range events {
		if _, err := s.RecordAuthEvent(e); err != nil {
			t.Fatalf("record event %d: %v", i, err)
		}
	}

	// First record chains from the zero hash.
	if events[0].PrevHash != ([32]byte{}) {
		t.Fatal("first event should link to zero hash")
	}
	if events[1].PrevHash != events[0].RecordHash {
		t.Fatal("second event does not link to first")
	}

	count, err := s.VerifyChain()
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if count != 3 {
		t.Fatalf("verified %d records, want 3", count)
	}
}

func TestVerifyChainDetectsEdit(t *testing.T) {
	s := testStore(t)
	for i := int64(1); i <= 3; i++ {
		e := &AuthEvent{TimestampNs: i * 100, PackID: "pack-a", Outcome: OutcomeSuccess}
		if _, err := s.RecordAuthEvent(e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	if _, err := s.db.Exec(`UPDATE auth_events SET outcome = ? WHERE id = 2`, OutcomeFailure); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if _, err := s.VerifyChain(); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("verify after edit = %v, want ErrChainBroken", err)
	}
}

func TestVerifyChainDetectsDeletion(t *testing.T) {
	s := testStore(t)
	for i := int64(1); i <= 3; i++ {
		e := &AuthEvent{TimestampNs: i * 100, PackID: "pack-a", Outcome: OutcomeSuccess}
		if _, err := s.RecordAuthEvent(e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	if _, err := s.db.Exec(`DELETE FROM auth_events WHERE id = 2`); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.VerifyChain(); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("verify after delete = %v, want ErrChainBroken", err)
	}
}

func TestRecentAuthEvents(t *testing.T) {
	s := testStore(t)
	for i := int64(1); i <= 5; i++ {
		e := &AuthEvent{TimestampNs: i * 100, PackID: "pack-a", Outcome: OutcomeSuccess}
		if _, err := s.RecordAuthEvent(e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	events, err := s.RecentAuthEvents(3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].TimestampNs != 500 {
		t.Fatalf("newest first: got %d, want 500", events[0].TimestampNs)
	}
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "records.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.RecordEnrollment(testEnrollment("pack-a")); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if _, err := s.RecordAuthEvent(&AuthEvent{TimestampNs: 1, PackID: "pack-a", Outcome: OutcomeSuccess}); err != nil {
		t.Fatalf("record event: %v", err)
	}
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	if _, err := s2.ActiveEnrollment(); err != nil {
		t.Fatalf("active after reopen: %v", err)
	}
	count, err := s2.VerifyChain()
	if err != nil || count != 1 {
		t.Fatalf("chain after reopen: count=%d err=%v", count, err)
	}
}
