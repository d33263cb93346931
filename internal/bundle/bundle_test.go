package bundle

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"chaoskey/internal/device"
	"chaoskey/internal/integrity"
	"chaoskey/internal/scan"
	"chaoskey/internal/vault"
)

// testWorkFactor keeps age scrypt cheap in tests.
const testWorkFactor = 10

func testDigest(t *testing.T, input string) scan.TagDigest {
	t.Helper()
	return scan.TagDigest(sha256.Sum256([]byte(input)))
}

func testFingerprint() device.Fingerprint {
	return device.Fingerprint(sha256.Sum256([]byte("test-device")))
}

func testEnrollment(t *testing.T) *Enrollment {
	t.Helper()
	return &Enrollment{
		TagDigest:   testDigest(t, "tag-one"),
		Ambient:     bytes.Repeat([]byte{0xA5, 0x17, 0x3C}, 64),
		Fingerprint: testFingerprint(),
		Confidence:  device.ConfidenceHigh,
		ChaosValue:  vault.ChaosValue{0x13, 0x37, 0xBE, 0xEF},
		WorkFactor:  testWorkFactor,
	}
}

func TestBuildAndOpen(t *testing.T) {
	e := testEnrollment(t)
	p, err := e.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if p.PackVersion != PackVersion {
		t.Fatalf("pack version = %q, want %q", p.PackVersion, PackVersion)
	}
	if err := p.VerifyIntegrity(); err != nil {
		t.Fatalf("fresh pack failed integrity: %v", err)
	}
	if err := p.VerifyFingerprint(testFingerprint()); err != nil {
		t.Fatalf("fingerprint: %v", err)
	}

	payload, err := p.Open(testDigest(t, "tag-one"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer payload.Wipe()
	if payload.ChaosValue != e.ChaosValue {
		t.Fatal("recovered chaos value does not match enrolled value")
	}
	if !bytes.Equal(payload.Ambient, e.Ambient) {
		t.Fatal("recovered ambient does not match enrolled capture")
	}
}

func TestOpenWrongTag(t *testing.T) {
	p, err := testEnrollment(t).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := p.Open(testDigest(t, "wrong-tag")); !errors.Is(err, ErrFactorMismatch) {
		t.Fatalf("open with wrong tag = %v, want ErrFactorMismatch", err)
	}
}

func TestOpenTamperedCommitment(t *testing.T) {
	p, err := testEnrollment(t).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	p.Metadata.ChaosCommitment = chaosCommitment(vault.ChaosValue{9, 9, 9, 9}, testFingerprint())
	if _, err := p.Open(testDigest(t, "tag-one")); !errors.Is(err, ErrFactorMismatch) {
		t.Fatalf("open with forged commitment = %v, want ErrFactorMismatch", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	p, err := testEnrollment(t).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	path := filepath.Join(t.TempDir(), DefaultPackName)
	if err := Save(p, path, false); err != nil {
		t.Fatalf("save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if got := info.Mode().Perm(); got != 0600 {
		t.Fatalf("pack mode = %o, want 0600", got)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := loaded.VerifyIntegrity(); err != nil {
		t.Fatalf("loaded pack failed integrity: %v", err)
	}
	if loaded.Metadata.ChaosCommitment != p.Metadata.ChaosCommitment {
		t.Fatal("commitment changed across save/load")
	}
	payload, err := loaded.Open(testDigest(t, "tag-one"))
	if err != nil {
		t.Fatalf("open after load: %v", err)
	}
	payload.Wipe()
}

func TestSaveRefusesOverwrite(t *testing.T) {
	p, err := testEnrollment(t).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	path := filepath.Join(t.TempDir(), DefaultPackName)
	if err := Save(p, path, false); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := Save(p, path, false); !errors.Is(err, ErrPackExists) {
		t.Fatalf("second save = %v, want ErrPackExists", err)
	}
	if err := Save(p, path, true); err != nil {
		t.Fatalf("explicit overwrite: %v", err)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if !errors.Is(err, ErrPackMissing) {
		t.Fatalf("load missing = %v, want ErrPackMissing", err)
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"not json":       "{{{",
		"empty object":   "{}",
		"missing seal":   `{"pack_version":"3","pack_metadata":{"created_at":"2026-01-01T00:00:00Z","hardware_fingerprint":"` + p64hex() + `","fingerprint_confidence":"high","ambient_blob":"YWJj","ambient_hmac":"` + p64hex() + `","chaos_commitment":"` + p64hex() + `"}}`,
		"bad confidence": `{"pack_version":"3","pack_metadata":{"created_at":"2026-01-01T00:00:00Z","hardware_fingerprint":"` + p64hex() + `","fingerprint_confidence":"maybe","ambient_blob":"YWJj","ambient_hmac":"` + p64hex() + `","chaos_commitment":"` + p64hex() + `"},"integrity":{"length":1,"sha256":"` + p64hex() + `","sha512":"` + p64hex() + p64hex() + `","keyed_blake3":"` + p64hex() + `","created_at":"2026-01-01T00:00:00Z","version":1}}`,
	}
	for name, doc := range cases {
		path := filepath.Join(dir, name+".json")
		if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if _, err := Load(path); !errors.Is(err, ErrPackInvalid) {
			t.Errorf("%s: load = %v, want ErrPackInvalid", name, err)
		}
	}
}

// p64hex returns 64 hex characters for schema-shaped test documents.
func p64hex() string {
	return "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
}

func TestLoadRejectsOldVersion(t *testing.T) {
	p, err := testEnrollment(t).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	p.PackVersion = "2"

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), DefaultPackName)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); !errors.Is(err, ErrPackVersion) {
		t.Fatalf("load v2 = %v, want ErrPackVersion", err)
	}
}

func TestIntegrityDetectsFieldTamper(t *testing.T) {
	p, err := testEnrollment(t).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	tampered := *p
	tampered.Metadata.ChaosCommitment = p64hex()
	if err := tampered.VerifyIntegrity(); !errors.Is(err, integrity.ErrTampered) {
		t.Fatalf("tampered commitment = %v, want ErrTampered", err)
	}

	tampered = *p
	tampered.Metadata.HardwareFingerprint = p64hex()
	if err := tampered.VerifyIntegrity(); !errors.Is(err, integrity.ErrTampered) {
		t.Fatalf("swapped fingerprint = %v, want ErrTampered", err)
	}
}

func TestVerifyFingerprintMismatch(t *testing.T) {
	p, err := testEnrollment(t).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	other := device.Fingerprint(sha256.Sum256([]byte("different-device")))
	if err := p.VerifyFingerprint(other); !errors.Is(err, ErrFingerprint) {
		t.Fatalf("mismatched fingerprint = %v, want ErrFingerprint", err)
	}
}

func TestBuildRejectsLowConfidence(t *testing.T) {
	e := testEnrollment(t)
	e.Confidence = device.ConfidenceLow
	e.RejectLowConfidence = true
	if _, err := e.Build(); !errors.Is(err, device.ErrLowConfidence) {
		t.Fatalf("build = %v, want ErrLowConfidence", err)
	}

	e.RejectLowConfidence = false
	if _, err := e.Build(); err != nil {
		t.Fatalf("low confidence without rejection: %v", err)
	}
}

func TestBuildValidation(t *testing.T) {
	e := testEnrollment(t)
	e.TagDigest = scan.TagDigest{}
	if _, err := e.Build(); !errors.Is(err, ErrNoTag) {
		t.Fatalf("zero tag = %v, want ErrNoTag", err)
	}

	e = testEnrollment(t)
	e.Ambient = nil
	if _, err := e.Build(); !errors.Is(err, ErrNoAmbient) {
		t.Fatalf("no ambient = %v, want ErrNoAmbient", err)
	}

	e = testEnrollment(t)
	e.Fingerprint = device.Fingerprint{}
	if _, err := e.Build(); !errors.Is(err, ErrNoFingerprint) {
		t.Fatalf("zero fingerprint = %v, want ErrNoFingerprint", err)
	}
}
