package unlock

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"testing"

	"chaoskey/internal/bundle"
	"chaoskey/internal/device"
	"chaoskey/internal/integrity"
	"chaoskey/internal/scan"
	"chaoskey/internal/vault"
)

func testDigest(input string) scan.TagDigest {
	return scan.TagDigest(sha256.Sum256([]byte(input)))
}

var testFP = device.Fingerprint(sha256.Sum256([]byte("unlock-test-device")))

func testPack(t *testing.T) (*bundle.Pack, *bundle.Enrollment) {
	t.Helper()
	e := &bundle.Enrollment{
		TagDigest:   testDigest("tag-one"),
		Ambient:     bytes.Repeat([]byte{0x42, 0x99}, 128),
		Fingerprint: testFP,
		Confidence:  device.ConfidenceHigh,
		ChaosValue:  vault.ChaosValue{0xDE, 0xAD, 0x10, 0x04},
		WorkFactor:  10,
	}
	p, err := e.Build()
	if err != nil {
		t.Fatalf("build pack: %v", err)
	}
	return p, e
}

func TestFullUnlock(t *testing.T) {
	p, e := testPack(t)
	s := NewSession(p, nil)

	if got := s.State(); got != StateLocked {
		t.Fatalf("initial state = %v, want locked", got)
	}
	if err := s.AmbientUnlock(testDigest("tag-one")); err != nil {
		t.Fatalf("ambient unlock: %v", err)
	}
	if got := s.State(); got != StateAmbientUnlocked {
		t.Fatalf("state after stage one = %v", got)
	}

	buf, err := s.Assemble(testDigest("tag-two"), testFP)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	defer buf.Destroy()
	if got := s.State(); got != StateAssembled {
		t.Fatalf("state after assembly = %v", got)
	}

	composite := buf.Bytes()
	wantLen := scan.DigestSize + sha256.Size + device.FingerprintSize + vault.ValueSize
	if len(composite) != wantLen {
		t.Fatalf("composite length = %d, want %d", len(composite), wantLen)
	}

	d2 := testDigest("tag-two")
	ambientDigest := sha256.Sum256(e.Ambient)
	if !bytes.Equal(composite[:scan.DigestSize], d2[:]) {
		t.Fatal("composite does not start with second tag digest")
	}
	if !bytes.Equal(composite[scan.DigestSize:scan.DigestSize+sha256.Size], ambientDigest[:]) {
		t.Fatal("composite ambient digest mismatch")
	}
	if !bytes.Equal(composite[wantLen-vault.ValueSize:], e.ChaosValue[:]) {
		t.Fatal("composite does not end with chaos value")
	}
}

func TestIdenticalScansPermitted(t *testing.T) {
	p, _ := testPack(t)
	s := NewSession(p, nil)
	if err := s.AmbientUnlock(testDigest("tag-one")); err != nil {
		t.Fatalf("ambient unlock: %v", err)
	}
	buf, err := s.Assemble(testDigest("tag-one"), testFP)
	if err != nil {
		t.Fatalf("assemble with identical scan: %v", err)
	}
	buf.Destroy()
}

func TestWrongTagLatchesFailure(t *testing.T) {
	p, _ := testPack(t)
	s := NewSession(p, nil)

	err := s.AmbientUnlock(testDigest("wrong"))
	if !errors.Is(err, bundle.ErrFactorMismatch) {
		t.Fatalf("wrong tag = %v, want ErrFactorMismatch", err)
	}
	if got := s.State(); got != StateFailed {
		t.Fatalf("state after wrong tag = %v, want failed", got)
	}

	// Dead session: the right tag no longer helps.
	if err := s.AmbientUnlock(testDigest("tag-one")); !errors.Is(err, ErrConsumed) {
		t.Fatalf("retry on failed session = %v, want ErrConsumed", err)
	}
	if _, err := s.Assemble(testDigest("tag-one"), testFP); !errors.Is(err, ErrConsumed) {
		t.Fatalf("assemble on failed session = %v, want ErrConsumed", err)
	}
}

func TestTamperedPackFailsBeforeDecryption(t *testing.T) {
	p, _ := testPack(t)
	p.Metadata.ChaosCommitment = p.Metadata.AmbientHMAC

	s := NewSession(p, nil)
	err := s.AmbientUnlock(testDigest("tag-one"))
	if !errors.Is(err, integrity.ErrTampered) {
		t.Fatalf("tampered pack = %v, want ErrTampered", err)
	}
	if got := s.State(); got != StateFailed {
		t.Fatalf("state = %v, want failed", got)
	}
}

func TestAssembleBeforeUnlock(t *testing.T) {
	p, _ := testPack(t)
	s := NewSession(p, nil)
	if _, err := s.Assemble(testDigest("tag-two"), testFP); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("assemble while locked = %v, want ErrInvalidState", err)
	}
}

func TestSessionSingleShot(t *testing.T) {
	p, _ := testPack(t)
	s := NewSession(p, nil)
	if err := s.AmbientUnlock(testDigest("tag-one")); err != nil {
		t.Fatalf("ambient unlock: %v", err)
	}
	buf, err := s.Assemble(testDigest("tag-two"), testFP)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	buf.Destroy()

	if _, err := s.Assemble(testDigest("tag-two"), testFP); !errors.Is(err, ErrConsumed) {
		t.Fatalf("second assemble = %v, want ErrConsumed", err)
	}
	if err := s.AmbientUnlock(testDigest("tag-one")); !errors.Is(err, ErrConsumed) {
		t.Fatalf("unlock after assembly = %v, want ErrConsumed", err)
	}
}

func TestAssembleMissingFactor(t *testing.T) {
	p, _ := testPack(t)
	s := NewSession(p, nil)
	if err := s.AmbientUnlock(testDigest("tag-one")); err != nil {
		t.Fatalf("ambient unlock: %v", err)
	}
	if _, err := s.Assemble(scan.TagDigest{}, testFP); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("zero digest = %v, want ErrInvalidState", err)
	}
	if got := s.State(); got != StateFailed {
		t.Fatalf("state = %v, want failed", got)
	}
}

func TestAbort(t *testing.T) {
	p, _ := testPack(t)
	s := NewSession(p, nil)
	if err := s.AmbientUnlock(testDigest("tag-one")); err != nil {
		t.Fatalf("ambient unlock: %v", err)
	}
	s.Abort()
	if got := s.State(); got != StateFailed {
		t.Fatalf("state after abort = %v, want failed", got)
	}

	// Abort after success leaves the session assembled.
	p2, _ := testPack(t)
	s2 := NewSession(p2, nil)
	if err := s2.AmbientUnlock(testDigest("tag-one")); err != nil {
		t.Fatalf("ambient unlock: %v", err)
	}
	buf, err := s2.Assemble(testDigest("tag-two"), testFP)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	buf.Destroy()
	s2.Abort()
	if got := s2.State(); got != StateAssembled {
		t.Fatalf("state after post-success abort = %v, want assembled", got)
	}
}

func TestStateStrings(t *testing.T) {
	cases := map[State]string{
		StateLocked:          "locked",
		StateAmbientUnlocked: "ambient_unlocked",
		StateAssembled:       "assembled",
		StateFailed:          "failed",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
