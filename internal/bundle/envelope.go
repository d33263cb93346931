package bundle

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"

	"chaoskey/internal/scan"
	"chaoskey/internal/securemem"
	"chaoskey/internal/vault"
)

// Envelope errors. Decrypt failure and HMAC mismatch are reported as
// the same error so neither can be used as an oracle for which factor
// was wrong.
var (
	ErrFactorMismatch = errors.New("bundle: ambient unlock failed")
	ErrPayloadShort   = errors.New("bundle: sealed payload truncated")
)

// Payload is the plaintext inside the age envelope: the enrolled chaos
// value followed by the raw ambient capture.
type Payload struct {
	ChaosValue vault.ChaosValue
	Ambient    []byte
}

// Wipe destroys the payload contents.
func (p *Payload) Wipe() {
	p.ChaosValue.Wipe()
	securemem.Wipe(p.Ambient)
	p.Ambient = nil
}

// AmbientDigest returns SHA-256 of the ambient capture for composite
// assembly.
func (p *Payload) AmbientDigest() [32]byte {
	return sha256.Sum256(p.Ambient)
}

// stagePassphrase renders the first scan's digest as the age scrypt
// passphrase. The digest is already irreversible; the rendering is just
// a stable text form.
func stagePassphrase(d scan.TagDigest) string {
	return hex.EncodeToString(d[:])
}

// ambientMAC computes the envelope's verification tag: HMAC-SHA256
// keyed by the stage-1 digest over the plaintext. Checking it proves
// the right tag opened the right blob; age decryption succeeding alone
// is not trusted.
func ambientMAC(d scan.TagDigest, plaintext []byte) []byte {
	mac := hmac.New(sha256.New, d[:])
	mac.Write(plaintext)
	return mac.Sum(nil)
}

// sealEnvelope encrypts the payload under the stage-1 digest and
// returns the base64 ciphertext plus the hex HMAC of the plaintext.
func sealEnvelope(d scan.TagDigest, payload *Payload, workFactor int) (blob, macHex string, err error) {
	plaintext := make([]byte, 0, vault.ValueSize+len(payload.Ambient))
	plaintext = append(plaintext, payload.ChaosValue[:]...)
	plaintext = append(plaintext, payload.Ambient...)
	defer securemem.Wipe(plaintext)

	recipient, err := age.NewScryptRecipient(stagePassphrase(d))
	if err != nil {
		return "", "", fmt.Errorf("bundle: scrypt recipient: %w", err)
	}
	if workFactor > 0 {
		recipient.SetWorkFactor(workFactor)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return "", "", fmt.Errorf("bundle: encrypt: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", "", fmt.Errorf("bundle: encrypt write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", "", fmt.Errorf("bundle: encrypt close: %w", err)
	}

	mac := ambientMAC(d, plaintext)
	return base64.StdEncoding.EncodeToString(buf.Bytes()), hex.EncodeToString(mac), nil
}

// openEnvelope decrypts the ambient blob with the stage-1 digest and
// verifies the stored HMAC. Every failure path returns
// ErrFactorMismatch and wipes whatever was recovered.
func openEnvelope(d scan.TagDigest, blob, macHex string) (*Payload, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, ErrFactorMismatch
	}
	wantMAC, err := hex.DecodeString(macHex)
	if err != nil || len(wantMAC) != sha256.Size {
		return nil, ErrFactorMismatch
	}

	identity, err := age.NewScryptIdentity(stagePassphrase(d))
	if err != nil {
		return nil, ErrFactorMismatch
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, ErrFactorMismatch
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		securemem.Wipe(plaintext)
		return nil, ErrFactorMismatch
	}

	if !hmac.Equal(ambientMAC(d, plaintext), wantMAC) {
		securemem.Wipe(plaintext)
		return nil, ErrFactorMismatch
	}
	if len(plaintext) <= vault.ValueSize {
		securemem.Wipe(plaintext)
		return nil, ErrPayloadShort
	}

	payload := &Payload{}
	copy(payload.ChaosValue[:], plaintext[:vault.ValueSize])
	payload.Ambient = append([]byte(nil), plaintext[vault.ValueSize:]...)
	securemem.Wipe(plaintext)
	return payload, nil
}
