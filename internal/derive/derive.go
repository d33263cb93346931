// Package derive turns an assembled factor composite into usable
// credentials. Derivation is deterministic: the same factors always
// yield the same key pair or passphrase, so nothing derived ever needs
// to be stored.
package derive

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/ssh"

	"chaoskey/internal/securemem"
)

// Derive errors
var (
	ErrUnknownPurpose = errors.New("derive: unknown purpose")
	ErrEmptyComposite = errors.New("derive: empty factor composite")
	ErrZeroized       = errors.New("derive: material already zeroized")
	ErrWrongPurpose   = errors.New("derive: operation does not match purpose")
)

// Purpose selects the derivation domain. Different purposes use
// different salts, so an SSH key and a vault passphrase derived from
// the same factors share no relationship.
type Purpose string

const (
	PurposeSSH   Purpose = "ssh"
	PurposeVault Purpose = "vault"
)

// Derivation parameters.
const (
	iterations = 100000
	seedSize   = 32

	sshSalt   = "SSH_KEY_DERIVATION_SALT"
	vaultSalt = "VAULT_UNLOCK_DERIVATION_SALT"

	passphraseInfo = "chaoskey-vault-passphrase-v1"
	passphraseLen  = 32
)

func saltFor(purpose Purpose) ([]byte, error) {
	switch purpose {
	case PurposeSSH:
		return []byte(sshSalt), nil
	case PurposeVault:
		return []byte(vaultSalt), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPurpose, purpose)
	}
}

// Material holds derived credentials. Callers must Zeroize it as soon
// as the credential has been handed off.
type Material struct {
	purpose    Purpose
	seed       *securemem.Buffer
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	passphrase *securemem.Buffer
}

// Derive stretches the factor composite into credentials for the given
// purpose. The composite is not consumed; the caller wipes it.
func Derive(composite []byte, purpose Purpose) (*Material, error) {
	if len(composite) == 0 {
		return nil, ErrEmptyComposite
	}
	salt, err := saltFor(purpose)
	if err != nil {
		return nil, err
	}

	seed := pbkdf2.Key(composite, salt, iterations, seedSize, sha256.New)
	m := &Material{
		purpose: purpose,
		seed:    securemem.FromBytes(seed),
	}

	switch purpose {
	case PurposeSSH:
		m.privateKey = ed25519.NewKeyFromSeed(m.seed.Bytes())
		m.publicKey = m.privateKey.Public().(ed25519.PublicKey)

	case PurposeVault:
		pass := make([]byte, passphraseLen)
		r := hkdf.New(sha256.New, m.seed.Bytes(), salt, []byte(passphraseInfo))
		if _, err := io.ReadFull(r, pass); err != nil {
			m.Zeroize()
			securemem.Wipe(pass)
			return nil, fmt.Errorf("derive: passphrase expansion: %w", err)
		}
		m.passphrase = securemem.FromBytes(pass)
	}

	return m, nil
}

// Purpose returns the derivation domain of the material.
func (m *Material) Purpose() Purpose { return m.purpose }

// PublicKey returns the derived public key. The public key is the one
// piece of material safe to display.
func (m *Material) PublicKey() (ed25519.PublicKey, error) {
	if m.purpose != PurposeSSH {
		return nil, ErrWrongPurpose
	}
	if m.publicKey == nil {
		return nil, ErrZeroized
	}
	return m.publicKey, nil
}

// OpenSSHPrivateKey serializes the private key in OpenSSH PEM format.
func (m *Material) OpenSSHPrivateKey(comment string) ([]byte, error) {
	if m.purpose != PurposeSSH {
		return nil, ErrWrongPurpose
	}
	if m.privateKey == nil {
		return nil, ErrZeroized
	}
	block, err := ssh.MarshalPrivateKey(m.privateKey, comment)
	if err != nil {
		return nil, fmt.Errorf("derive: marshal private key: %w", err)
	}
	return pem.EncodeToMemory(block), nil
}

// AuthorizedKey returns the public key in authorized_keys format.
func (m *Material) AuthorizedKey() (string, error) {
	pub, err := m.PublicKey()
	if err != nil {
		return "", err
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("derive: ssh public key: %w", err)
	}
	return string(ssh.MarshalAuthorizedKey(sshPub)), nil
}

// Passphrase renders the derived vault passphrase as base64url. The
// caller must not log or persist it.
func (m *Material) Passphrase() (string, error) {
	if m.purpose != PurposeVault {
		return "", ErrWrongPurpose
	}
	if m.passphrase == nil {
		return "", ErrZeroized
	}
	return base64.RawURLEncoding.EncodeToString(m.passphrase.Bytes()), nil
}

// Zeroize wipes the seed, private key, and passphrase. Safe to call
// more than once.
func (m *Material) Zeroize() {
	if m.seed != nil {
		m.seed.Destroy()
		m.seed = nil
	}
	if m.privateKey != nil {
		securemem.Wipe(m.privateKey)
		m.privateKey = nil
	}
	if m.passphrase != nil {
		m.passphrase.Destroy()
		m.passphrase = nil
	}
	m.publicKey = nil
}

// String keeps material out of format verbs.
func (m *Material) String() string { return "derived[REDACTED]" }
