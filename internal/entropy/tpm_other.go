//go:build !linux

package entropy

import "context"

// TPMSource is unavailable on this platform.
type TPMSource struct {
	counters sourceCounters
}

func NewTPMSource(_ string) *TPMSource { return &TPMSource{} }

func (s *TPMSource) Type() SourceType { return SourceTPM }
func (s *TPMSource) Name() string     { return "TPM 2.0 RNG" }
func (s *TPMSource) Available() bool  { return false }

func (s *TPMSource) Collect(_ context.Context) ([]byte, error) {
	return nil, ErrSourceNotAvail
}

func (s *TPMSource) Stats() SourceStats {
	return s.counters.stats(SourceTPM, s.Name(), false)
}

func (s *TPMSource) Close() error { return nil }
