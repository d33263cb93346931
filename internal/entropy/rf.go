package entropy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sync/atomic"
)

// RF errors
var (
	ErrTunerClosed  = errors.New("entropy: tuner closed")
	ErrBandSkipped  = errors.New("entropy: band outside tuner range")
	ErrShortCapture = errors.New("entropy: short capture")
)

// SampleSource captures raw interleaved 8-bit IQ samples from a tuner.
// Implementations wrap an SDR device; tests inject synthetic captures.
type SampleSource interface {
	// Tune sets the center frequency in Hz.
	Tune(freqHz uint32) error

	// Read captures n IQ pairs and returns 2n interleaved bytes.
	Read(n int) ([]byte, error)

	// MaxFreqHz returns the highest frequency the tuner can reach.
	MaxFreqHz() uint32

	// Close releases the device.
	Close() error
}

// RFSource sweeps a set of frequency bands and extracts entropy from
// magnitude and phase differentials of the received noise floor. Bands
// above the tuner's range are skipped rather than failed, so a standard
// tuner still produces output from the sub-GHz bands.
type RFSource struct {
	sampleSource   SampleSource
	bands          []float64
	samplesPerBand int
	bandsSampled   uint64
	bandsSkipped   uint64
	counters       sourceCounters
}

// NewRFSource creates an RF entropy source over the given tuner. Bands
// are center frequencies in MHz.
func NewRFSource(ss SampleSource, bandsMHz []float64, samplesPerBand int) *RFSource {
	return &RFSource{
		sampleSource:   ss,
		bands:          bandsMHz,
		samplesPerBand: samplesPerBand,
	}
}

func (r *RFSource) Type() SourceType { return SourceRF }
func (r *RFSource) Name() string     { return "RF Spectrum Sweep" }

func (r *RFSource) Available() bool {
	return r.sampleSource != nil
}

// Collect sweeps every reachable band and concatenates the extracted
// bytes. A band that fails to tune or capture is skipped; Collect only
// fails when no band produced anything.
func (r *RFSource) Collect(ctx context.Context) ([]byte, error) {
	if r.sampleSource == nil {
		return nil, ErrSourceNotAvail
	}

	var out []byte
	maxHz := r.sampleSource.MaxFreqHz()

	for _, bandMHz := range r.bands {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		freqHz := uint32(math.Round(bandMHz * 1e6))
		if freqHz > maxHz {
			atomic.AddUint64(&r.bandsSkipped, 1)
			continue
		}

		if err := r.sampleSource.Tune(freqHz); err != nil {
			r.counters.recordError(fmt.Errorf("tune %.2f MHz: %w", bandMHz, err))
			continue
		}
		raw, err := r.sampleSource.Read(r.samplesPerBand)
		if err != nil {
			r.counters.recordError(fmt.Errorf("read %.2f MHz: %w", bandMHz, err))
			continue
		}

		bits := extractBits(raw)
		out = append(out, bits...)
		atomic.AddUint64(&r.bandsSampled, 1)
	}

	if len(out) == 0 {
		return nil, ErrSourceFailed
	}
	r.counters.recordSuccess(len(out))
	return out, nil
}

func (r *RFSource) Stats() SourceStats {
	return r.counters.stats(SourceRF, r.Name(), r.Available())
}

// BandsSampled returns how many bands produced data over the source's
// lifetime.
func (r *RFSource) BandsSampled() uint64 {
	return atomic.LoadUint64(&r.bandsSampled)
}

// BandsSkipped returns how many bands were outside the tuner's range.
func (r *RFSource) BandsSkipped() uint64 {
	return atomic.LoadUint64(&r.bandsSkipped)
}

// extractBits turns interleaved 8-bit IQ samples into packed bytes.
// Each consecutive sample pair contributes two bits: one from the
// magnitude differential, one from the phase differential. Differential
// extraction discards the DC bias of the receiver and keeps only the
// sample-to-sample noise.
func extractBits(raw []byte) []byte {
	pairs := len(raw) / 2
	if pairs < 2 {
		return nil
	}

	samples := make([]complex128, pairs)
	for i := 0; i < pairs; i++ {
		re := float64(raw[2*i]) - 127.5
		im := float64(raw[2*i+1]) - 127.5
		samples[i] = complex(re, im)
	}

	var (
		out  []byte
		cur  byte
		nbit int
	)
	push := func(bit byte) {
		cur = cur<<1 | bit
		nbit++
		if nbit == 8 {
			out = append(out, cur)
			cur, nbit = 0, 0
		}
	}

	prevMag := cmplx.Abs(samples[0])
	prevPhase := cmplx.Phase(samples[0])
	for _, s := range samples[1:] {
		mag := cmplx.Abs(s)
		phase := cmplx.Phase(s)

		if mag > prevMag {
			push(1)
		} else {
			push(0)
		}
		if math.Abs(phase-prevPhase) > math.Pi/2 {
			push(1)
		} else {
			push(0)
		}
		prevMag, prevPhase = mag, phase
	}
	return out
}
