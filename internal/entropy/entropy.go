// Package entropy collects ambient environmental noise for chaos value
// generation.
//
// This file implements:
//   - Entropy source abstraction with per-source statistics
//   - A pool that folds contributions together with SHA-512
//   - Quality scoring and degraded-mode tracking
//
// Security model:
//   - Multiple independent sources are combined; compromise of any single
//     source does not break the output
//   - OS randomness is always folded in, so the pool is never weaker than
//     the platform CSPRNG
//   - A pool fed only by the OS source is marked degraded and the mark
//     propagates to everything generated from it
package entropy

import (
	"context"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Entropy errors
var (
	ErrSourceFailed    = errors.New("entropy: source failed")
	ErrSourceNotAvail  = errors.New("entropy: source not available")
	ErrNoSources       = errors.New("entropy: no sources available")
	ErrPoolNotReady    = errors.New("entropy: pool has not collected yet")
	ErrQualityTooLow   = errors.New("entropy: pool quality below minimum")
)

// SourceType identifies the type of entropy source.
type SourceType int

const (
	SourceOS SourceType = iota
	SourceRF
	SourceAudio
	SourceJitter
	SourceTPM
)

// String returns a human-readable name for the source type.
func (t SourceType) String() string {
	switch t {
	case SourceOS:
		return "OS Random"
	case SourceRF:
		return "RF Spectrum"
	case SourceAudio:
		return "Audio Noise"
	case SourceJitter:
		return "CPU Jitter"
	case SourceTPM:
		return "TPM"
	default:
		return "Unknown"
	}
}

// Ambient reports whether the source samples the physical environment.
// Only ambient sources count toward pool quality; the OS source is a
// floor, not a contribution.
func (t SourceType) Ambient() bool {
	switch t {
	case SourceRF, SourceAudio, SourceJitter, SourceTPM:
		return true
	default:
		return false
	}
}

// Source is an interface for entropy sources.
type Source interface {
	// Type returns the source type.
	Type() SourceType

	// Name returns the source name.
	Name() string

	// Collect returns entropy bytes. The returned slice is mixed into
	// the pool and wiped by the caller.
	Collect(ctx context.Context) ([]byte, error)

	// Available returns whether the source is currently usable.
	Available() bool

	// Stats returns statistics about the source.
	Stats() SourceStats
}

// SourceStats contains statistics about an entropy source.
type SourceStats struct {
	Type           SourceType `json:"type"`
	Name           string     `json:"name"`
	Available      bool       `json:"available"`
	BytesCollected uint64     `json:"bytes_collected"`
	Errors         uint64     `json:"errors"`
	LastError      string     `json:"last_error,omitempty"`
	LastSuccess    time.Time  `json:"last_success"`
}

// sourceCounters is embedded by concrete sources for bookkeeping.
type sourceCounters struct {
	bytesCollected uint64
	errCount       uint64
	lastError      string
	lastSuccess    time.Time
}

func (c *sourceCounters) recordSuccess(n int) {
	atomic.AddUint64(&c.bytesCollected, uint64(n))
	c.lastSuccess = time.Now()
}

func (c *sourceCounters) recordError(err error) {
	atomic.AddUint64(&c.errCount, 1)
	c.lastError = err.Error()
}

func (c *sourceCounters) stats(t SourceType, name string, available bool) SourceStats {
	return SourceStats{
		Type:           t,
		Name:           name,
		Available:      available,
		BytesCollected: atomic.LoadUint64(&c.bytesCollected),
		Errors:         atomic.LoadUint64(&c.errCount),
		LastError:      c.lastError,
		LastSuccess:    c.lastSuccess,
	}
}

// Pool accumulates ambient noise and folds it into a 64-byte state.
type Pool struct {
	mu sync.Mutex

	sources []Source

	state     [sha512.Size]byte
	written   uint64
	read      uint64
	collected bool

	ambientOK    int
	ambientTotal int
	diversity    float64
}

// NewPool creates an empty pool. Sources are added with AddSource and
// folded in with Collect.
func NewPool() *Pool {
	return &Pool{}
}

// AddSource adds an entropy source to the pool.
func (p *Pool) AddSource(source Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sources = append(p.sources, source)
}

// Collect gathers entropy from every available source and folds it into
// the pool state. OS randomness is always folded in last so the pool is
// never weaker than the platform CSPRNG. Collect succeeds even when all
// ambient sources fail; callers decide via Quality and Degraded whether
// the result is acceptable.
func (p *Pool) Collect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.sources) == 0 {
		return ErrNoSources
	}

	p.ambientOK = 0
	p.ambientTotal = 0
	var sampled []byte

	for _, source := range p.sources {
		if source.Type().Ambient() {
			p.ambientTotal++
		}
		if !source.Available() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		contrib, err := source.Collect(ctx)
		if err != nil || len(contrib) == 0 {
			continue
		}
		if source.Type().Ambient() {
			p.ambientOK++
			sampled = append(sampled, contrib...)
		}
		p.fold(contrib)
		wipe(contrib)
	}

	// OS floor, folded unconditionally.
	osRand := make([]byte, 64)
	if _, err := rand.Read(osRand); err != nil {
		return err
	}
	p.fold(osRand)
	wipe(osRand)

	p.diversity = byteDiversity(sampled)
	wipe(sampled)
	p.collected = true
	return nil
}

// fold mixes a contribution into the pool state. Caller holds the lock.
func (p *Pool) fold(data []byte) {
	h := sha512.New()
	h.Write(p.state[:])
	h.Write(data)
	binary.Write(h, binary.BigEndian, time.Now().UnixNano())
	binary.Write(h, binary.BigEndian, p.written)
	copy(p.state[:], h.Sum(nil))
	p.written += uint64(len(data))
}

// Bytes generates n output bytes from the pool in counter mode. The
// pool state ratchets forward after every block so output cannot be
// rewound.
func (p *Pool) Bytes(n int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.collected {
		return nil, ErrPoolNotReady
	}

	output := make([]byte, n)
	h := sha512.New()

	for i := 0; i < n; i += sha512.Size {
		h.Reset()
		h.Write(p.state[:])
		binary.Write(h, binary.BigEndian, p.read)
		binary.Write(h, binary.BigEndian, uint64(i))
		block := h.Sum(nil)

		remaining := n - i
		if remaining > sha512.Size {
			remaining = sha512.Size
		}
		copy(output[i:], block[:remaining])
		p.read++

		// Ratchet
		h.Reset()
		h.Write(p.state[:])
		h.Write(block)
		copy(p.state[:], h.Sum(nil))
		wipe(block)
	}

	return output, nil
}

// Quality returns a score in [0,1] combining the fraction of ambient
// sources that contributed and the byte diversity of their samples.
func (p *Pool) Quality() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.collected || p.ambientTotal == 0 {
		return 0
	}
	sourceRatio := float64(p.ambientOK) / float64(p.ambientTotal)
	return 0.5*sourceRatio + 0.5*p.diversity
}

// Degraded reports whether the last collection ran without any ambient
// source, leaving only the OS floor.
func (p *Pool) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.collected && p.ambientOK == 0
}

// HealthReport returns the statistics of all sources.
func (p *Pool) HealthReport() []SourceStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make([]SourceStats, 0, len(p.sources))
	for _, source := range p.sources {
		stats = append(stats, source.Stats())
	}
	return stats
}

// byteDiversity estimates sample diversity as the fraction of distinct
// byte values seen, scaled so that 256 distinct values scores 1.0.
func byteDiversity(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var seen [256]bool
	distinct := 0
	for _, b := range data {
		if !seen[b] {
			seen[b] = true
			distinct++
		}
	}
	max := len(data)
	if max > 256 {
		max = 256
	}
	return float64(distinct) / float64(max)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
