package entropy

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"runtime"
	"time"
)

// OSSource reads from the operating system CSPRNG. It is the floor the
// pool never drops below, not an ambient contribution.
type OSSource struct {
	counters sourceCounters
}

// NewOSSource creates an OS entropy source.
func NewOSSource() *OSSource { return &OSSource{} }

func (s *OSSource) Type() SourceType { return SourceOS }
func (s *OSSource) Name() string     { return "OS CSPRNG" }
func (s *OSSource) Available() bool  { return true }

func (s *OSSource) Collect(_ context.Context) ([]byte, error) {
	buf := make([]byte, 64)
	if _, err := rand.Read(buf); err != nil {
		s.counters.recordError(err)
		return nil, err
	}
	s.counters.recordSuccess(len(buf))
	return buf, nil
}

func (s *OSSource) Stats() SourceStats {
	return s.counters.stats(SourceOS, s.Name(), true)
}

// JitterSource extracts entropy from CPU execution timing variations.
// Memory access patterns, cache misses, and scheduler noise make the
// low bits of back-to-back timestamps unpredictable.
type JitterSource struct {
	rounds   int
	counters sourceCounters
}

// NewJitterSource creates a CPU jitter entropy source.
func NewJitterSource() *JitterSource {
	return &JitterSource{rounds: 512}
}

func (s *JitterSource) Type() SourceType { return SourceJitter }
func (s *JitterSource) Name() string     { return "CPU Timing Jitter" }
func (s *JitterSource) Available() bool  { return true }

func (s *JitterSource) Collect(ctx context.Context) ([]byte, error) {
	out := make([]byte, 0, s.rounds/4)
	var cur byte
	nbit := 0

	// Memory to churn between timestamps.
	scratch := make([]byte, 4096)

	for i := 0; i < s.rounds; i++ {
		if i%128 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		t1 := time.Now().UnixNano()

		// Variable-latency work between the two reads.
		idx := int(t1) & (len(scratch) - 1)
		scratch[idx] ^= byte(t1)
		if i%64 == 0 {
			runtime.Gosched()
		}

		t2 := time.Now().UnixNano()
		delta := t2 - t1

		cur = cur<<2 | byte(delta&0x03)
		nbit += 2
		if nbit == 8 {
			out = append(out, cur)
			cur, nbit = 0, 0
		}
	}

	// Fold in a final timestamp so repeated runs never align.
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(time.Now().UnixNano()))
	out = append(out, ts[:]...)

	s.counters.recordSuccess(len(out))
	return out, nil
}

func (s *JitterSource) Stats() SourceStats {
	return s.counters.stats(SourceJitter, s.Name(), true)
}

// AudioCapture records environmental audio. Implementations wrap a
// capture device; tests inject recordings.
type AudioCapture interface {
	// Capture records for the given duration and returns raw PCM bytes.
	Capture(ctx context.Context, d time.Duration) ([]byte, error)
}

// AudioSource extracts entropy from ambient acoustic noise. Only the
// low-order bits of each sample are kept; the signal content is
// discarded along with the raw recording.
type AudioSource struct {
	capture  AudioCapture
	duration time.Duration
	counters sourceCounters
}

// NewAudioSource creates an audio entropy source over a capture device.
func NewAudioSource(capture AudioCapture, duration time.Duration) *AudioSource {
	return &AudioSource{capture: capture, duration: duration}
}

func (s *AudioSource) Type() SourceType { return SourceAudio }
func (s *AudioSource) Name() string     { return "Ambient Audio" }

func (s *AudioSource) Available() bool {
	return s.capture != nil
}

func (s *AudioSource) Collect(ctx context.Context) ([]byte, error) {
	if s.capture == nil {
		return nil, ErrSourceNotAvail
	}

	pcm, err := s.capture.Capture(ctx, s.duration)
	if err != nil {
		s.counters.recordError(err)
		return nil, err
	}
	if len(pcm) == 0 {
		s.counters.recordError(ErrShortCapture)
		return nil, ErrShortCapture
	}

	// Keep two low bits per sample byte, pack four samples per output
	// byte, then wipe the recording.
	out := make([]byte, 0, len(pcm)/4+1)
	var cur byte
	nbit := 0
	for _, b := range pcm {
		cur = cur<<2 | b&0x03
		nbit += 2
		if nbit == 8 {
			out = append(out, cur)
			cur, nbit = 0, 0
		}
	}
	wipe(pcm)

	s.counters.recordSuccess(len(out))
	return out, nil
}

func (s *AudioSource) Stats() SourceStats {
	return s.counters.stats(SourceAudio, s.Name(), s.Available())
}
