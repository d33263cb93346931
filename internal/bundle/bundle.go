// Package bundle reads and writes the sealed authentication pack
// stored on the enrolled removable device.
//
// The pack is a JSON file validated against an embedded schema before
// any field is trusted. Its sensitive payload (ambient capture plus the
// enrolled chaos value) lives in an age envelope that only the first
// tag scan can open; everything outside the envelope is either a digest
// or a commitment, so the file discloses nothing about the factors.
package bundle

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"chaoskey/internal/device"
	"chaoskey/internal/integrity"
)

// Bundle errors
var (
	ErrPackMissing = errors.New("bundle: pack file does not exist")
	ErrPackInvalid = errors.New("bundle: pack file does not match schema")
	ErrPackVersion = errors.New("bundle: unsupported pack version")
	ErrFingerprint = errors.New("bundle: hardware fingerprint mismatch")
	ErrPackExists  = errors.New("bundle: pack already exists")
)

// PackVersion is the only format version this build reads or writes.
// Older packs are rejected outright rather than partially parsed.
const PackVersion = "3"

// DefaultPackName is the pack file name on the enrolled device.
const DefaultPackName = "chaoskey_auth_pack.json"

//go:embed pack_schema.json
var packSchema string

var compiledSchema = jsonschema.MustCompileString("pack_schema.json", packSchema)

// Metadata is the public portion of the pack. Every field is a digest,
// commitment, or ciphertext; none is reversible to factor material.
type Metadata struct {
	CreatedAt             time.Time `json:"created_at"`
	HardwareFingerprint   string    `json:"hardware_fingerprint"`
	FingerprintConfidence string    `json:"fingerprint_confidence"`
	AmbientBlob           string    `json:"ambient_blob"`
	AmbientHMAC           string    `json:"ambient_hmac"`
	ChaosCommitment       string    `json:"chaos_commitment"`
}

// Pack is the persisted authentication bundle.
type Pack struct {
	PackVersion string          `json:"pack_version"`
	Metadata    Metadata        `json:"pack_metadata"`
	Integrity   *integrity.Seal `json:"integrity"`
}

// canonicalBody is the deterministic CBOR record the integrity seal
// covers. Field numbers are part of the format.
type canonicalBody struct {
	PackVersion           string `cbor:"1,keyasint"`
	CreatedAt             string `cbor:"2,keyasint"`
	HardwareFingerprint   string `cbor:"3,keyasint"`
	FingerprintConfidence string `cbor:"4,keyasint"`
	AmbientBlob           string `cbor:"5,keyasint"`
	AmbientHMAC           string `cbor:"6,keyasint"`
	ChaosCommitment       string `cbor:"7,keyasint"`
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// CanonicalBytes returns the deterministic serialization of the pack
// body for sealing and verification.
func (p *Pack) CanonicalBytes() ([]byte, error) {
	body := canonicalBody{
		PackVersion:           p.PackVersion,
		CreatedAt:             p.Metadata.CreatedAt.UTC().Format(time.RFC3339Nano),
		HardwareFingerprint:   p.Metadata.HardwareFingerprint,
		FingerprintConfidence: p.Metadata.FingerprintConfidence,
		AmbientBlob:           p.Metadata.AmbientBlob,
		AmbientHMAC:           p.Metadata.AmbientHMAC,
		ChaosCommitment:       p.Metadata.ChaosCommitment,
	}
	data, err := encMode.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("bundle: canonical encode: %w", err)
	}
	return data, nil
}

// integrityKey derives the keyed-hash key from the pack's device
// binding. It is recomputable by any verifier holding the pack, which
// is intentional: the keyed component ties the seal to the fingerprint
// field, so swapping the fingerprint invalidates the seal.
func integrityKey(hardwareFingerprint string) []byte {
	sum := sha256.Sum256([]byte("chaoskey-pack-integrity-v1\n" + hardwareFingerprint))
	return sum[:]
}

// Seal computes and attaches the integrity seal.
func (p *Pack) Seal() error {
	body, err := p.CanonicalBytes()
	if err != nil {
		return err
	}
	seal, err := integrity.NewSeal(body, integrityKey(p.Metadata.HardwareFingerprint))
	if err != nil {
		return err
	}
	p.Integrity = seal
	return nil
}

// VerifyIntegrity checks the seal over the canonical body. Fail closed:
// a pack that does not verify must never reach the unlock protocol.
func (p *Pack) VerifyIntegrity() error {
	body, err := p.CanonicalBytes()
	if err != nil {
		return err
	}
	return p.Integrity.Verify(body, integrityKey(p.Metadata.HardwareFingerprint))
}

// VerifyFingerprint checks the pack's device binding against an
// observed fingerprint.
func (p *Pack) VerifyFingerprint(fp device.Fingerprint) error {
	want, err := hex.DecodeString(p.Metadata.HardwareFingerprint)
	if err != nil || len(want) != device.FingerprintSize {
		return ErrPackInvalid
	}
	if !bytes.Equal(want, fp[:]) {
		return ErrFingerprint
	}
	return nil
}

// Load reads, schema-validates, and decodes a pack file. Validation
// runs on the raw document before any typed decode.
func Load(path string) (*Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrPackMissing
		}
		return nil, fmt.Errorf("bundle: read %s: %w", path, err)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPackInvalid, err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPackInvalid, err)
	}

	var p Pack
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPackInvalid, err)
	}
	if p.PackVersion != PackVersion {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrPackVersion, p.PackVersion, PackVersion)
	}
	return &p, nil
}

// Save writes the pack atomically with restrictive permissions.
// Overwrite must be explicit; accidental re-enrollment destroys the
// old binding.
func Save(p *Pack, path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return ErrPackExists
		}
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("bundle: encode: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("bundle: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".pack.tmp-*")
	if err != nil {
		return fmt.Errorf("bundle: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("bundle: chmod: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("bundle: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("bundle: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("bundle: close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("bundle: rename: %w", err)
	}
	return nil
}
