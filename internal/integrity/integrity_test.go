package integrity

import (
	"bytes"
	"errors"
	"testing"
)

var testKey = bytes.Repeat([]byte{0x42}, KeySize)

func TestSealAndVerify(t *testing.T) {
	data := []byte("pack payload bytes")
	seal, err := NewSeal(data, testKey)
	if err != nil {
		t.Fatalf("NewSeal failed: %v", err)
	}
	if err := seal.Verify(data, testKey); err != nil {
		t.Errorf("Verify failed on untouched data: %v", err)
	}
}

func TestVerifyDetectsModification(t *testing.T) {
	data := []byte("pack payload bytes")
	seal, err := NewSeal(data, testKey)
	if err != nil {
		t.Fatalf("NewSeal failed: %v", err)
	}

	tampered := append([]byte(nil), data...)
	tampered[3] ^= 0x01
	if err := seal.Verify(tampered, testKey); !errors.Is(err, ErrTampered) {
		t.Errorf("got %v, want ErrTampered", err)
	}
}

func TestVerifyDetectsLengthChange(t *testing.T) {
	data := []byte("pack payload bytes")
	seal, err := NewSeal(data, testKey)
	if err != nil {
		t.Fatalf("NewSeal failed: %v", err)
	}
	if err := seal.Verify(append(data, 0x00), testKey); !errors.Is(err, ErrTampered) {
		t.Errorf("got %v, want ErrTampered on appended byte", err)
	}
	if err := seal.Verify(data[:len(data)-1], testKey); !errors.Is(err, ErrTampered) {
		t.Errorf("got %v, want ErrTampered on truncation", err)
	}
}

func TestVerifyWrongKey(t *testing.T) {
	data := []byte("pack payload bytes")
	seal, err := NewSeal(data, testKey)
	if err != nil {
		t.Fatalf("NewSeal failed: %v", err)
	}

	wrong := bytes.Repeat([]byte{0x43}, KeySize)
	if err := seal.Verify(data, wrong); !errors.Is(err, ErrTampered) {
		t.Errorf("got %v, want ErrTampered with wrong key", err)
	}
}

func TestVerifyRecomputedDigestsStillFail(t *testing.T) {
	// An attacker who modifies data and recomputes the unkeyed hashes
	// is still caught by the keyed component.
	tampered := []byte("attacker payload")
	seal, err := NewSeal(tampered, bytes.Repeat([]byte{0x99}, KeySize))
	if err != nil {
		t.Fatalf("NewSeal failed: %v", err)
	}
	if err := seal.Verify(tampered, testKey); !errors.Is(err, ErrTampered) {
		t.Errorf("got %v, want ErrTampered for attacker-recomputed seal", err)
	}
}

func TestVerifyFailsClosed(t *testing.T) {
	data := []byte("x")

	var nilSeal *Seal
	if err := nilSeal.Verify(data, testKey); !errors.Is(err, ErrSealMissing) {
		t.Errorf("nil seal: got %v, want ErrSealMissing", err)
	}

	empty := &Seal{Version: 1}
	if err := empty.Verify(data, testKey); !errors.Is(err, ErrSealMissing) {
		t.Errorf("empty seal: got %v, want ErrSealMissing", err)
	}

	good, _ := NewSeal(data, testKey)
	good.SHA512 = "zz-not-hex"
	if err := good.Verify(data, testKey); !errors.Is(err, ErrSealMalformed) {
		t.Errorf("malformed hex: got %v, want ErrSealMalformed", err)
	}

	good2, _ := NewSeal(data, testKey)
	good2.Version = 99
	if err := good2.Verify(data, testKey); !errors.Is(err, ErrSealMalformed) {
		t.Errorf("unknown version: got %v, want ErrSealMalformed", err)
	}
}

func TestVerifyDetectsTimestampTamper(t *testing.T) {
	data := []byte("pack payload bytes")
	seal, err := NewSeal(data, testKey)
	if err != nil {
		t.Fatalf("NewSeal failed: %v", err)
	}
	seal.CreatedAt = "1999-01-01T00:00:00Z"
	if err := seal.Verify(data, testKey); !errors.Is(err, ErrTampered) {
		t.Errorf("got %v, want ErrTampered on timestamp change", err)
	}
}

func TestKeySizeEnforced(t *testing.T) {
	if _, err := NewSeal([]byte("x"), []byte("short")); !errors.Is(err, ErrKeySize) {
		t.Errorf("got %v, want ErrKeySize", err)
	}
	seal, _ := NewSeal([]byte("x"), testKey)
	if err := seal.Verify([]byte("x"), []byte("short")); !errors.Is(err, ErrKeySize) {
		t.Errorf("got %v, want ErrKeySize on verify", err)
	}
}

func TestSealEmptyPayload(t *testing.T) {
	seal, err := NewSeal(nil, testKey)
	if err != nil {
		t.Fatalf("NewSeal of empty payload failed: %v", err)
	}
	if err := seal.Verify(nil, testKey); err != nil {
		t.Errorf("Verify of empty payload failed: %v", err)
	}
	if err := seal.Verify([]byte("a"), testKey); !errors.Is(err, ErrTampered) {
		t.Errorf("got %v, want ErrTampered", err)
	}
}
