package entropy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chaoskey/internal/config"
	"chaoskey/internal/securemem"
)

// wifiBandMHz is sampled only when the tuner can reach it. Standard
// sub-GHz tuners top out well below; extended-range hardware adds the
// 2.4 GHz WiFi band to the sweep.
const wifiBandMHz = config.WiFiBand

// SeedSize is the amount of folded seed material a collection yields.
const SeedSize = 64

// Collector assembles a source set from configuration and produces
// seed material for chaos value generation.
type Collector struct {
	cfg    config.EntropyConfig
	pool   *Pool
	logger *slog.Logger
}

// Option configures a Collector.
type Option func(*Collector)

// WithSampleSource injects an RF tuner.
func WithSampleSource(ss SampleSource) Option {
	return func(c *Collector) {
		bands := append([]float64(nil), c.cfg.Bands...)
		if c.cfg.TunerMaxMHz >= wifiBandMHz {
			bands = append(bands, wifiBandMHz)
		}
		c.pool.AddSource(NewRFSource(ss, bands, c.cfg.SamplesPerBand))
	}
}

// WithAudioCapture injects an audio capture device.
func WithAudioCapture(capture AudioCapture) Option {
	return func(c *Collector) {
		if !c.cfg.AudioEnabled {
			return
		}
		d := time.Duration(c.cfg.AudioDurationMs) * time.Millisecond
		c.pool.AddSource(NewAudioSource(capture, d))
	}
}

// WithSource adds an arbitrary source.
func WithSource(source Source) Option {
	return func(c *Collector) {
		c.pool.AddSource(source)
	}
}

// NewCollector builds a collector from configuration. The jitter and
// OS sources are always present; the TPM source is added when enabled
// and a device path is configured; RF and audio sources come from
// options because they need hardware handles.
func NewCollector(cfg config.EntropyConfig, logger *slog.Logger, opts ...Option) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collector{
		cfg:    cfg,
		pool:   NewPool(),
		logger: logger.With("component", "entropy"),
	}

	for _, opt := range opts {
		opt(c)
	}
	if cfg.TPMEnabled && cfg.TPMPath != "" {
		c.pool.AddSource(NewTPMSource(cfg.TPMPath))
	}
	c.pool.AddSource(NewJitterSource())
	c.pool.AddSource(NewOSSource())
	return c
}

// Seed holds folded seed material. Degraded is true when no ambient
// source contributed and only the OS floor backs the bytes.
type Seed struct {
	Material *securemem.Buffer
	Quality  float64
	Degraded bool
}

// Destroy wipes the seed material.
func (s *Seed) Destroy() {
	if s.Material != nil {
		s.Material.Destroy()
		s.Material = nil
	}
}

// CollectSeed runs a full collection pass and folds the result into
// seed material. It fails when quality lands below the configured
// minimum, unless degraded operation is allowed.
func (c *Collector) CollectSeed(ctx context.Context) (*Seed, error) {
	start := time.Now()
	if err := c.pool.Collect(ctx); err != nil {
		return nil, fmt.Errorf("entropy: collection failed: %w", err)
	}

	quality := c.pool.Quality()
	degraded := c.pool.Degraded()

	c.logger.Info("entropy collection complete",
		"quality", quality,
		"degraded", degraded,
		"duration_ms", time.Since(start).Milliseconds())
	for _, st := range c.pool.HealthReport() {
		c.logger.Debug("source status",
			"source", st.Name,
			"available", st.Available,
			"bytes", st.BytesCollected,
			"errors", st.Errors)
	}

	if !c.cfg.AllowDegraded {
		if degraded {
			return nil, fmt.Errorf("%w: no ambient source contributed", ErrQualityTooLow)
		}
		if quality < c.cfg.MinQuality {
			return nil, fmt.Errorf("%w: %.2f < %.2f", ErrQualityTooLow, quality, c.cfg.MinQuality)
		}
	}

	raw, err := c.pool.Bytes(SeedSize)
	if err != nil {
		return nil, err
	}
	return &Seed{Material: securemem.FromBytes(raw), Quality: quality, Degraded: degraded}, nil
}

// HealthReport exposes per-source statistics.
func (c *Collector) HealthReport() []SourceStats {
	return c.pool.HealthReport()
}
