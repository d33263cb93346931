// Package integrity seals data against tampering with a composite of
// independent digests. Verification fails closed: any mismatch, missing
// field, or malformed seal rejects the data.
package integrity

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
)

// Integrity errors
var (
	ErrSealMissing   = errors.New("integrity: seal missing or incomplete")
	ErrSealMalformed = errors.New("integrity: seal malformed")
	ErrTampered      = errors.New("integrity: verification failed")
	ErrKeySize       = errors.New("integrity: key must be 32 bytes")
)

// KeySize is the required size of the keyed-hash key.
const KeySize = 32

// Seal is the composite integrity commitment over a byte payload.
// Two plain digests plus the exact length are bound together by a keyed
// BLAKE3 over the digest record itself, so a tamperer who recomputes
// the plain digests still fails without the key.
type Seal struct {
	Length    int    `json:"length"`
	SHA256    string `json:"sha256"`
	SHA512    string `json:"sha512"`
	Keyed     string `json:"keyed_blake3"`
	CreatedAt string `json:"created_at"`
	Version   int    `json:"version"`
}

const sealVersion = 1

// NewSeal computes the composite seal for data at the current time.
func NewSeal(data, key []byte) (*Seal, error) {
	return newSealAt(data, key, time.Now().UTC().Format(time.RFC3339))
}

func newSealAt(data, key []byte, createdAt string) (*Seal, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}

	sum256 := sha256.Sum256(data)
	sum512 := sha512.Sum512(data)
	s := &Seal{
		Length:    len(data),
		SHA256:    hex.EncodeToString(sum256[:]),
		SHA512:    hex.EncodeToString(sum512[:]),
		CreatedAt: createdAt,
		Version:   sealVersion,
	}

	keyed, err := keyedDigest(s.composite(), key)
	if err != nil {
		return nil, err
	}
	s.Keyed = hex.EncodeToString(keyed)
	return s, nil
}

// composite is the record the keyed component commits to.
func (s *Seal) composite() []byte {
	return []byte(s.SHA256 + "|" + s.SHA512 + "|" + strconv.Itoa(s.Length) + "|" + s.CreatedAt)
}

// Verify checks data against the seal. All components must match; the
// first failure is not reported in detail to avoid oracle behavior.
func (s *Seal) Verify(data, key []byte) error {
	if s == nil {
		return ErrSealMissing
	}
	if len(key) != KeySize {
		return ErrKeySize
	}
	if s.SHA256 == "" || s.SHA512 == "" || s.Keyed == "" {
		return ErrSealMissing
	}
	if s.Version != sealVersion {
		return fmt.Errorf("%w: unknown version %d", ErrSealMalformed, s.Version)
	}

	want256, err := hex.DecodeString(s.SHA256)
	if err != nil || len(want256) != sha256.Size {
		return ErrSealMalformed
	}
	want512, err := hex.DecodeString(s.SHA512)
	if err != nil || len(want512) != sha512.Size {
		return ErrSealMalformed
	}
	wantKeyed, err := hex.DecodeString(s.Keyed)
	if err != nil || len(wantKeyed) != blake3DigestSize {
		return ErrSealMalformed
	}

	recomputed, err := newSealAt(data, key, s.CreatedAt)
	if err != nil {
		return err
	}
	gotKeyed, err := hex.DecodeString(recomputed.Keyed)
	if err != nil {
		return ErrSealMalformed
	}

	sum256 := sha256.Sum256(data)
	sum512 := sha512.Sum512(data)

	// Evaluate every component before deciding so the comparison count
	// does not depend on which one failed.
	ok := len(data) == s.Length
	ok = hmac.Equal(sum256[:], want256) && ok
	ok = hmac.Equal(sum512[:], want512) && ok
	ok = hmac.Equal(gotKeyed, wantKeyed) && ok

	if !ok {
		return ErrTampered
	}
	return nil
}

const blake3DigestSize = 32

// keyedDigest computes the keyed BLAKE3 component.
func keyedDigest(data, key []byte) ([]byte, error) {
	h, err := blake3.NewKeyed(key)
	if err != nil {
		return nil, fmt.Errorf("integrity: keyed hash init: %w", err)
	}
	h.Write(data)
	return h.Sum(nil), nil
}
