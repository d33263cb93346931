// Package unlock runs the two-stage factor assembly protocol.
//
// A session walks a strict one-way state machine: Locked, then
// AmbientUnlocked after the first tag scan opens the pack's envelope,
// then Assembled once the second scan completes the composite. Any
// failure latches the Failed state and the session is dead; a fresh
// authentication attempt needs a fresh session. Nothing recovered
// mid-protocol survives the session.
package unlock

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"chaoskey/internal/bundle"
	"chaoskey/internal/device"
	"chaoskey/internal/scan"
	"chaoskey/internal/securemem"
	"chaoskey/internal/vault"
)

// Unlock errors
var (
	ErrInvalidState = errors.New("unlock: operation not valid in current state")
	ErrConsumed     = errors.New("unlock: session already finished")
	ErrNotAssembled = errors.New("unlock: composite not assembled")
)

// State is a session's position in the unlock protocol.
type State int

const (
	StateLocked State = iota
	StateAmbientUnlocked
	StateAssembled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateLocked:
		return "locked"
	case StateAmbientUnlocked:
		return "ambient_unlocked"
	case StateAssembled:
		return "assembled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is a single-shot run of the unlock protocol over one pack.
type Session struct {
	mu      sync.Mutex
	state   State
	pack    *bundle.Pack
	payload *bundle.Payload
	logger  *slog.Logger
}

// NewSession starts a locked session over the given pack.
func NewSession(pack *bundle.Pack, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{state: StateLocked, pack: pack, logger: logger}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// fail latches the terminal failure state and destroys any material
// recovered so far.
func (s *Session) fail() {
	if s.payload != nil {
		s.payload.Wipe()
		s.payload = nil
	}
	s.state = StateFailed
}

// AmbientUnlock is stage one: the first tag scan opens the pack's
// envelope. The pack's integrity seal is checked before any
// decryption is attempted; a tampered pack fails without touching the
// envelope. A wrong tag and a corrupt envelope report identically.
func (s *Session) AmbientUnlock(d scan.TagDigest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateLocked:
	case StateFailed, StateAssembled:
		return ErrConsumed
	default:
		return fmt.Errorf("%w: %s", ErrInvalidState, s.state)
	}

	if err := s.pack.VerifyIntegrity(); err != nil {
		s.fail()
		s.logger.Warn("pack integrity check failed", "error", err)
		return err
	}

	payload, err := s.pack.Open(d)
	if err != nil {
		s.fail()
		s.logger.Warn("ambient unlock failed")
		return err
	}

	s.payload = payload
	s.state = StateAmbientUnlocked
	s.logger.Debug("ambient unlocked")
	return nil
}

// Assemble is stage two: the second tag scan joins the recovered
// factors into the composite secret. The second scan may equal the
// first; the protocol only requires that both scans happen. Assembly
// consumes the session either way.
//
// Composite layout: tag digest two, then SHA-256 of the ambient
// capture, then the hardware fingerprint, then the chaos value.
func (s *Session) Assemble(d scan.TagDigest, fp device.Fingerprint) (*securemem.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateAmbientUnlocked:
	case StateFailed, StateAssembled:
		return nil, ErrConsumed
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, s.state)
	}

	if d.IsZero() || fp.IsZero() {
		s.fail()
		return nil, fmt.Errorf("%w: missing factor", ErrInvalidState)
	}

	ambientDigest := s.payload.AmbientDigest()
	composite := make([]byte, 0, scan.DigestSize+len(ambientDigest)+device.FingerprintSize+vault.ValueSize)
	composite = append(composite, d[:]...)
	composite = append(composite, ambientDigest[:]...)
	composite = append(composite, fp[:]...)
	composite = append(composite, s.payload.ChaosValue[:]...)
	securemem.Wipe(ambientDigest[:])

	s.payload.Wipe()
	s.payload = nil
	s.state = StateAssembled
	s.logger.Debug("composite assembled")
	return securemem.FromBytes(composite), nil
}

// Abort destroys any recovered material and latches the failure state.
// Safe to defer; aborting a finished session is a no-op.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAssembled {
		return
	}
	s.fail()
}
