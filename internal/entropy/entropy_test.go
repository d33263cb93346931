package entropy

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"chaoskey/internal/config"
)

// fakeSource returns canned bytes.
type fakeSource struct {
	typ      SourceType
	data     []byte
	err      error
	counters sourceCounters
}

func (f *fakeSource) Type() SourceType { return f.typ }
func (f *fakeSource) Name() string     { return "fake" }
func (f *fakeSource) Available() bool  { return true }

func (f *fakeSource) Collect(_ context.Context) ([]byte, error) {
	if f.err != nil {
		f.counters.recordError(f.err)
		return nil, f.err
	}
	out := append([]byte(nil), f.data...)
	f.counters.recordSuccess(len(out))
	return out, nil
}

func (f *fakeSource) Stats() SourceStats {
	return f.counters.stats(f.typ, f.Name(), true)
}

// fakeTuner produces pseudo-random IQ captures.
type fakeTuner struct {
	maxHz  uint32
	rng    *rand.Rand
	tuned  []uint32
	reads  int
	tuneErr error
}

func (f *fakeTuner) Tune(freqHz uint32) error {
	if f.tuneErr != nil {
		return f.tuneErr
	}
	f.tuned = append(f.tuned, freqHz)
	return nil
}

func (f *fakeTuner) Read(n int) ([]byte, error) {
	f.reads++
	buf := make([]byte, 2*n)
	f.rng.Read(buf)
	return buf, nil
}

func (f *fakeTuner) MaxFreqHz() uint32 { return f.maxHz }
func (f *fakeTuner) Close() error      { return nil }

func newFakeTuner(maxHz uint32) *fakeTuner {
	return &fakeTuner{maxHz: maxHz, rng: rand.New(rand.NewSource(42))}
}

func TestPoolRequiresCollect(t *testing.T) {
	p := NewPool()
	p.AddSource(NewOSSource())

	if _, err := p.Bytes(32); !errors.Is(err, ErrPoolNotReady) {
		t.Errorf("Bytes before Collect: got %v, want ErrPoolNotReady", err)
	}
}

func TestPoolCollectAndBytes(t *testing.T) {
	p := NewPool()
	p.AddSource(&fakeSource{typ: SourceRF, data: []byte("rf noise sample data")})
	p.AddSource(NewOSSource())

	if err := p.Collect(context.Background()); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	a, err := p.Bytes(128)
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	if len(a) != 128 {
		t.Errorf("got %d bytes, want 128", len(a))
	}

	b, err := p.Bytes(128)
	if err != nil {
		t.Fatalf("second Bytes failed: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("consecutive reads returned identical output")
	}
}

func TestPoolNoSources(t *testing.T) {
	p := NewPool()
	if err := p.Collect(context.Background()); !errors.Is(err, ErrNoSources) {
		t.Errorf("got %v, want ErrNoSources", err)
	}
}

func TestPoolDegraded(t *testing.T) {
	p := NewPool()
	p.AddSource(NewOSSource())
	if err := p.Collect(context.Background()); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if !p.Degraded() {
		t.Error("pool with only the OS source should be degraded")
	}
	if q := p.Quality(); q != 0 {
		t.Errorf("degraded pool quality = %v, want 0", q)
	}
}

func TestPoolAmbientFailureDegrades(t *testing.T) {
	p := NewPool()
	p.AddSource(&fakeSource{typ: SourceRF, err: ErrSourceFailed})
	p.AddSource(NewOSSource())

	if err := p.Collect(context.Background()); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if !p.Degraded() {
		t.Error("pool whose only ambient source failed should be degraded")
	}
}

func TestPoolQuality(t *testing.T) {
	diverse := make([]byte, 256)
	for i := range diverse {
		diverse[i] = byte(i)
	}

	p := NewPool()
	p.AddSource(&fakeSource{typ: SourceRF, data: diverse})
	p.AddSource(NewOSSource())

	if err := p.Collect(context.Background()); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if q := p.Quality(); q < 0.9 {
		t.Errorf("quality = %v, want >= 0.9 for full diversity and all sources up", q)
	}
	if p.Degraded() {
		t.Error("pool with contributing ambient source marked degraded")
	}
}

func TestPoolCancelled(t *testing.T) {
	p := NewPool()
	p.AddSource(NewOSSource())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Collect(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestByteDiversity(t *testing.T) {
	if d := byteDiversity(nil); d != 0 {
		t.Errorf("empty diversity = %v, want 0", d)
	}
	if d := byteDiversity(bytes.Repeat([]byte{0xAA}, 100)); d >= 0.05 {
		t.Errorf("constant diversity = %v, want near 0", d)
	}
	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}
	if d := byteDiversity(all); d != 1.0 {
		t.Errorf("full diversity = %v, want 1.0", d)
	}
}

func TestRFSourceSweep(t *testing.T) {
	tuner := newFakeTuner(1_766_000_000)
	bands := []float64{433.92, 915.0, 868.0, 315.0, 40.68}
	src := NewRFSource(tuner, bands, 4096)

	out, err := src.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(out) == 0 {
		t.Fatal("no output from sweep")
	}
	if src.BandsSampled() != 5 {
		t.Errorf("bands sampled = %d, want 5", src.BandsSampled())
	}
	if src.BandsSkipped() != 0 {
		t.Errorf("bands skipped = %d, want 0", src.BandsSkipped())
	}
	if len(tuner.tuned) != 5 || tuner.tuned[0] != 433_920_000 {
		t.Errorf("unexpected tune sequence: %v", tuner.tuned)
	}
}

func TestRFSourceSkipsOutOfRangeBands(t *testing.T) {
	tuner := newFakeTuner(1_766_000_000)
	bands := []float64{433.92, 2437.0}
	src := NewRFSource(tuner, bands, 4096)

	if _, err := src.Collect(context.Background()); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if src.BandsSkipped() != 1 {
		t.Errorf("bands skipped = %d, want 1", src.BandsSkipped())
	}
}

func TestRFSourceAllBandsFail(t *testing.T) {
	tuner := newFakeTuner(1_766_000_000)
	tuner.tuneErr = errors.New("device busy")
	src := NewRFSource(tuner, []float64{433.92}, 4096)

	if _, err := src.Collect(context.Background()); !errors.Is(err, ErrSourceFailed) {
		t.Errorf("got %v, want ErrSourceFailed", err)
	}
}

func TestRFSourceNilTuner(t *testing.T) {
	src := NewRFSource(nil, []float64{433.92}, 4096)
	if src.Available() {
		t.Error("source without tuner reported available")
	}
	if _, err := src.Collect(context.Background()); !errors.Is(err, ErrSourceNotAvail) {
		t.Errorf("got %v, want ErrSourceNotAvail", err)
	}
}

func TestExtractBits(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	raw := make([]byte, 8192)
	rng.Read(raw)

	bits := extractBits(raw)
	if len(bits) == 0 {
		t.Fatal("no bits extracted")
	}
	// 4096 pairs yield 4095 sample transitions, two bits each.
	wantBytes := (4095 * 2) / 8
	if len(bits) != wantBytes {
		t.Errorf("got %d bytes, want %d", len(bits), wantBytes)
	}
	if d := byteDiversity(bits); d < 0.3 {
		t.Errorf("extracted bit diversity = %v, want >= 0.3", d)
	}
}

func TestExtractBitsShortInput(t *testing.T) {
	if got := extractBits([]byte{1, 2}); got != nil {
		t.Errorf("single pair should yield nil, got %v", got)
	}
}

func TestJitterSource(t *testing.T) {
	src := NewJitterSource()
	out, err := src.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(out) < 64 {
		t.Errorf("got %d bytes, want >= 64", len(out))
	}
	if src.Stats().BytesCollected == 0 {
		t.Error("stats not updated")
	}
}

type fakeAudio struct {
	pcm []byte
	err error
}

func (f *fakeAudio) Capture(_ context.Context, _ time.Duration) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return append([]byte(nil), f.pcm...), nil
}

func TestAudioSource(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	pcm := make([]byte, 1024)
	rng.Read(pcm)

	src := NewAudioSource(&fakeAudio{pcm: pcm}, 500*time.Millisecond)
	out, err := src.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(out) != 256 {
		t.Errorf("got %d bytes, want 256 (two bits per sample)", len(out))
	}
}

func TestAudioSourceEmptyCapture(t *testing.T) {
	src := NewAudioSource(&fakeAudio{}, 500*time.Millisecond)
	if _, err := src.Collect(context.Background()); !errors.Is(err, ErrShortCapture) {
		t.Errorf("got %v, want ErrShortCapture", err)
	}
}

func TestOSSource(t *testing.T) {
	src := NewOSSource()
	a, err := src.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	b, _ := src.Collect(context.Background())
	if bytes.Equal(a, b) {
		t.Error("OS source returned identical output twice")
	}
}

func TestCollectorSeed(t *testing.T) {
	cfg := config.DefaultConfig().Entropy
	cfg.TPMEnabled = false

	rng := rand.New(rand.NewSource(9))
	pcm := make([]byte, 2048)
	rng.Read(pcm)

	c := NewCollector(cfg, nil,
		WithSampleSource(newFakeTuner(1_766_000_000)),
		WithAudioCapture(&fakeAudio{pcm: pcm}))

	seed, err := c.CollectSeed(context.Background())
	if err != nil {
		t.Fatalf("CollectSeed failed: %v", err)
	}
	defer seed.Destroy()

	if seed.Material.Len() != SeedSize {
		t.Errorf("seed length = %d, want %d", seed.Material.Len(), SeedSize)
	}
	if seed.Degraded {
		t.Error("seed marked degraded with working ambient sources")
	}
	if seed.Quality <= 0 {
		t.Errorf("quality = %v, want > 0", seed.Quality)
	}
}

func TestCollectorWiFiBandGating(t *testing.T) {
	cfg := config.DefaultConfig().Entropy
	cfg.TPMEnabled = false
	cfg.TunerMaxMHz = 2500.0

	tuner := newFakeTuner(2_500_000_000)
	c := NewCollector(cfg, nil, WithSampleSource(tuner))

	seed, err := c.CollectSeed(context.Background())
	if err != nil {
		t.Fatalf("CollectSeed failed: %v", err)
	}
	defer seed.Destroy()

	var sawWiFi bool
	for _, f := range tuner.tuned {
		if f == 2_437_000_000 {
			sawWiFi = true
		}
	}
	if !sawWiFi {
		t.Error("extended tuner did not sweep the WiFi band")
	}
}

func TestCollectorStandardTunerSkipsWiFi(t *testing.T) {
	cfg := config.DefaultConfig().Entropy
	cfg.TPMEnabled = false

	tuner := newFakeTuner(1_766_000_000)
	c := NewCollector(cfg, nil, WithSampleSource(tuner))

	seed, err := c.CollectSeed(context.Background())
	if err != nil {
		t.Fatalf("CollectSeed failed: %v", err)
	}
	defer seed.Destroy()

	for _, f := range tuner.tuned {
		if f == 2_437_000_000 {
			t.Fatal("standard tuner swept the WiFi band")
		}
	}
}

func TestSourceTypeString(t *testing.T) {
	cases := map[SourceType]string{
		SourceOS:     "OS Random",
		SourceRF:     "RF Spectrum",
		SourceAudio:  "Audio Noise",
		SourceJitter: "CPU Jitter",
		SourceTPM:    "TPM",
	}
	for typ, want := range cases {
		if got := typ.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", typ, got, want)
		}
	}
	if SourceOS.Ambient() {
		t.Error("OS source should not count as ambient")
	}
	if !SourceRF.Ambient() {
		t.Error("RF source should count as ambient")
	}
}
