//go:build linux

package entropy

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

// TPMSource draws entropy from a hardware TPM 2.0 random number
// generator via /dev/tpmrm0 or /dev/tpm0.
type TPMSource struct {
	mu         sync.Mutex
	devicePath string
	transport  transport.TPMCloser
	counters   sourceCounters
}

// NewTPMSource creates a TPM entropy source for the given device path.
// The device is opened lazily on first Collect.
func NewTPMSource(devicePath string) *TPMSource {
	return &TPMSource{devicePath: devicePath}
}

func (s *TPMSource) Type() SourceType { return SourceTPM }
func (s *TPMSource) Name() string     { return "TPM 2.0 RNG" }

func (s *TPMSource) Available() bool {
	if s.devicePath == "" {
		return false
	}
	_, err := os.Stat(s.devicePath)
	return err == nil
}

func (s *TPMSource) Collect(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.openLocked(); err != nil {
		s.counters.recordError(err)
		return nil, err
	}

	// GetRandom caps at the hash digest size per call on most parts, so
	// accumulate in chunks.
	out := make([]byte, 0, 64)
	for len(out) < 64 {
		cmd := tpm2.GetRandom{BytesRequested: 32}
		rsp, err := cmd.Execute(s.transport)
		if err != nil {
			s.counters.recordError(fmt.Errorf("tpm getrandom: %w", err))
			s.closeLocked()
			return nil, fmt.Errorf("%w: %v", ErrSourceFailed, err)
		}
		if len(rsp.RandomBytes.Buffer) == 0 {
			s.counters.recordError(ErrShortCapture)
			return nil, ErrShortCapture
		}
		out = append(out, rsp.RandomBytes.Buffer...)
	}

	s.counters.recordSuccess(len(out))
	return out, nil
}

func (s *TPMSource) Stats() SourceStats {
	return s.counters.stats(SourceTPM, s.Name(), s.Available())
}

// Close releases the TPM device.
func (s *TPMSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *TPMSource) openLocked() error {
	if s.transport != nil {
		return nil
	}
	if s.devicePath == "" {
		return ErrSourceNotAvail
	}
	t, err := transport.OpenTPM(s.devicePath)
	if err != nil {
		return fmt.Errorf("entropy: open %s: %w", s.devicePath, err)
	}
	s.transport = t
	return nil
}

func (s *TPMSource) closeLocked() error {
	if s.transport == nil {
		return nil
	}
	err := s.transport.Close()
	s.transport = nil
	return err
}
