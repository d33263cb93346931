package bundle

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"chaoskey/internal/device"
	"chaoskey/internal/scan"
	"chaoskey/internal/vault"
)

// Enrollment errors
var (
	ErrNoAmbient     = errors.New("bundle: ambient capture required")
	ErrNoTag         = errors.New("bundle: tag digest required")
	ErrNoFingerprint = errors.New("bundle: hardware fingerprint required")
)

// Enrollment carries everything needed to build a sealed pack. The
// chaos value must already have been consumed from the vault; building
// a pack never reads the vault itself.
type Enrollment struct {
	TagDigest   scan.TagDigest
	Ambient     []byte
	Fingerprint device.Fingerprint
	Confidence  device.Confidence
	ChaosValue  vault.ChaosValue

	// RejectLowConfidence refuses enrollment on a device that could
	// not be fingerprinted from stable attributes.
	RejectLowConfidence bool

	// WorkFactor overrides the age scrypt cost (log2 N). Zero keeps
	// the library default.
	WorkFactor int
}

// chaosCommitment binds the enrolled chaos value to the device without
// revealing it: SHA-256(value || fingerprint).
func chaosCommitment(value vault.ChaosValue, fp device.Fingerprint) string {
	h := sha256.New()
	h.Write(value[:])
	h.Write(fp[:])
	return hex.EncodeToString(h.Sum(nil))
}

// Build seals the enrollment into a pack. The caller remains
// responsible for wiping the enrollment's ambient bytes and chaos
// value afterwards.
func (e *Enrollment) Build() (*Pack, error) {
	if e.TagDigest.IsZero() {
		return nil, ErrNoTag
	}
	if len(e.Ambient) == 0 {
		return nil, ErrNoAmbient
	}
	if e.Fingerprint.IsZero() {
		return nil, ErrNoFingerprint
	}
	if e.RejectLowConfidence && e.Confidence == device.ConfidenceLow {
		return nil, fmt.Errorf("%w: %s", device.ErrLowConfidence, e.Confidence)
	}

	payload := &Payload{ChaosValue: e.ChaosValue, Ambient: e.Ambient}
	blob, macHex, err := sealEnvelope(e.TagDigest, payload, e.WorkFactor)
	if err != nil {
		return nil, err
	}

	p := &Pack{
		PackVersion: PackVersion,
		Metadata: Metadata{
			CreatedAt:             time.Now().UTC(),
			HardwareFingerprint:   hex.EncodeToString(e.Fingerprint[:]),
			FingerprintConfidence: e.Confidence.String(),
			AmbientBlob:           blob,
			AmbientHMAC:           macHex,
			ChaosCommitment:       chaosCommitment(e.ChaosValue, e.Fingerprint),
		},
	}
	if err := p.Seal(); err != nil {
		return nil, err
	}
	return p, nil
}

// Open unlocks the pack's envelope with the stage-1 tag digest and
// verifies the recovered chaos value against the pack's commitment.
// Callers must wipe the returned payload.
func (p *Pack) Open(d scan.TagDigest) (*Payload, error) {
	payload, err := openEnvelope(d, p.Metadata.AmbientBlob, p.Metadata.AmbientHMAC)
	if err != nil {
		return nil, err
	}

	fpBytes, err := hex.DecodeString(p.Metadata.HardwareFingerprint)
	if err != nil || len(fpBytes) != device.FingerprintSize {
		payload.Wipe()
		return nil, ErrPackInvalid
	}
	var fp device.Fingerprint
	copy(fp[:], fpBytes)

	want := chaosCommitment(payload.ChaosValue, fp)
	if !hmac.Equal([]byte(want), []byte(p.Metadata.ChaosCommitment)) {
		payload.Wipe()
		return nil, ErrFactorMismatch
	}
	return payload, nil
}
