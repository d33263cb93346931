// Package auth orchestrates enrollment and authentication end to end:
// device binding, tag scans, the unlock protocol, and key derivation.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chaoskey/internal/bundle"
	"chaoskey/internal/config"
	"chaoskey/internal/derive"
	"chaoskey/internal/device"
	"chaoskey/internal/entropy"
	"chaoskey/internal/integrity"
	"chaoskey/internal/logging"
	"chaoskey/internal/scan"
	"chaoskey/internal/store"
	"chaoskey/internal/unlock"
	"chaoskey/internal/vault"
)

// Error carries a stable, non-sensitive reason code alongside the
// underlying cause. Reason codes are safe to log and persist.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func fail(reason string, err error) *Error {
	return &Error{Reason: reason, Err: err}
}

// PackID derives a short stable identifier from a pack's canonical
// body, for record keeping. It reveals nothing beyond the pack file
// itself.
func PackID(p *bundle.Pack) string {
	body, err := p.CanonicalBytes()
	if err != nil {
		return "unknown"
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:8])
}

// Flow runs the enrollment and authentication protocols.
type Flow struct {
	cfg        *config.Config
	scanner    *scan.Scanner
	identifier *device.Identifier
	vault      *vault.Vault
	records    *store.Store
	audit      *logging.AuditLogger
	logger     *slog.Logger
}

// Option configures a Flow.
type Option func(*Flow)

// WithScanner overrides the interactive tag scanner.
func WithScanner(s *scan.Scanner) Option { return func(f *Flow) { f.scanner = s } }

// WithIdentifier overrides the device identifier.
func WithIdentifier(id *device.Identifier) Option { return func(f *Flow) { f.identifier = id } }

// WithVault overrides the chaos vault.
func WithVault(v *vault.Vault) Option { return func(f *Flow) { f.vault = v } }

// WithRecords attaches the enrollment and attempt record store.
func WithRecords(s *store.Store) Option { return func(f *Flow) { f.records = s } }

// WithAudit attaches the security audit log.
func WithAudit(a *logging.AuditLogger) Option { return func(f *Flow) { f.audit = a } }

// NewFlow builds a Flow with defaults from the configuration.
func NewFlow(cfg *config.Config, logger *slog.Logger, opts ...Option) *Flow {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Flow{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(f)
	}
	if f.scanner == nil {
		f.scanner = scan.NewScanner(cfg.Scan, logger)
	}
	if f.identifier == nil {
		f.identifier = device.NewIdentifier(logger, device.DefaultEnumerators(cfg.Device)...)
	}
	if f.vault == nil {
		opts := []vault.Option{vault.WithLockTimeout(time.Duration(cfg.Vault.LockTimeoutMs) * time.Millisecond)}
		if f.audit != nil {
			opts = append(opts, vault.WithAudit(f.audit))
		}
		f.vault = vault.New(cfg.Vault.Path, logger, opts...)
	}
	return f
}

func (f *Flow) deviceTimeout() time.Duration {
	return time.Duration(f.cfg.Device.WaitTimeoutSec) * time.Second
}

// recordAttempt persists an authentication attempt; best effort, an
// unavailable record store never blocks the protocol outcome.
func (f *Flow) recordAttempt(ctx context.Context, packID string, outcome store.Outcome, reason string) {
	if f.records != nil {
		e := &store.AuthEvent{
			TimestampNs: time.Now().UnixNano(),
			PackID:      packID,
			Outcome:     outcome,
			Reason:      reason,
		}
		if _, err := f.records.RecordAuthEvent(e); err != nil {
			f.logger.Warn("failed to record auth event", "error", err)
		}
	}
	if f.audit != nil {
		f.audit.LogUnlockAttempt(ctx, packID, outcome == store.OutcomeSuccess, reason)
	}
}

// EnrollParams controls an enrollment run.
type EnrollParams struct {
	// Overwrite permits replacing an existing pack file.
	Overwrite bool

	// RejectLowConfidence refuses devices without stable attributes.
	RejectLowConfidence bool

	// WorkFactor overrides the envelope scrypt cost. Zero keeps the
	// default.
	WorkFactor int
}

// Enroll runs the full enrollment: wait for the device, scan the tag,
// collect ambient entropy, consume one chaos value, and write the
// sealed pack. The returned pack contains no secret material.
func (f *Flow) Enroll(ctx context.Context, collector *entropy.Collector, params EnrollParams) (*bundle.Pack, error) {
	fp, conf, err := f.identifier.WaitForDevice(ctx, f.cfg.Device.WatchDirs, f.deviceTimeout())
	if err != nil {
		return nil, fail(store.ReasonDeviceAbsent, err)
	}
	f.logger.Info("device identified", "confidence", conf.String())

	d1, err := f.scanner.Scan(ctx, "enrollment tag scan")
	if err != nil {
		return nil, fail(store.ReasonScanAborted, err)
	}
	defer d1.Wipe()

	seed, err := collector.CollectSeed(ctx)
	if err != nil {
		return nil, fail(store.ReasonInternal, err)
	}
	defer seed.Destroy()

	chaosValue, err := f.vault.ConsumeOne(ctx)
	if err != nil {
		reason := store.ReasonInternal
		if errors.Is(err, vault.ErrEmpty) || errors.Is(err, vault.ErrMissing) {
			reason = store.ReasonVaultEmpty
		}
		return nil, fail(reason, err)
	}
	defer chaosValue.Wipe()

	e := &bundle.Enrollment{
		TagDigest:           d1,
		Ambient:             seed.Material.Bytes(),
		Fingerprint:         fp,
		Confidence:          conf,
		ChaosValue:          chaosValue,
		RejectLowConfidence: params.RejectLowConfidence,
		WorkFactor:          params.WorkFactor,
	}
	pack, err := e.Build()
	if err != nil {
		return nil, fail(store.ReasonInternal, err)
	}
	if err := bundle.Save(pack, f.cfg.Pack.Path, params.Overwrite); err != nil {
		return nil, fail(store.ReasonInternal, err)
	}

	id := PackID(pack)
	if f.records != nil {
		rec := &store.Enrollment{
			PackID:            id,
			CreatedAt:         time.Now().UnixNano(),
			FingerprintDigest: sha256.Sum256(fp[:]),
			Confidence:        conf.String(),
		}
		if _, err := f.records.RecordEnrollment(rec); err != nil {
			f.logger.Warn("failed to record enrollment", "error", err)
		}
	}
	if f.audit != nil {
		f.audit.LogEnrollment(ctx, f.cfg.Pack.Path, id, map[string]interface{}{
			"confidence": conf.String(),
			"degraded":   seed.Degraded,
		})
	}
	f.logger.Info("enrollment complete", "pack_id", id)
	return pack, nil
}

// Authenticate runs the full two-scan unlock and derives key material
// for the requested purpose. The caller owns the returned material and
// must Zeroize it.
func (f *Flow) Authenticate(ctx context.Context, purpose derive.Purpose) (*derive.Material, error) {
	pack, err := bundle.Load(f.cfg.Pack.Path)
	if err != nil {
		reason := store.ReasonPackInvalid
		if errors.Is(err, bundle.ErrPackMissing) {
			reason = store.ReasonPackMissing
		}
		f.recordAttempt(ctx, "unknown", store.OutcomeFailure, reason)
		return nil, fail(reason, err)
	}
	id := PackID(pack)

	// Integrity comes first. A tampered pack never reaches the
	// envelope, the scans, or the device check.
	if err := pack.VerifyIntegrity(); err != nil {
		if f.audit != nil {
			f.audit.LogIntegrityCheck(ctx, f.cfg.Pack.Path, false, nil)
		}
		f.recordAttempt(ctx, id, store.OutcomeFailure, store.ReasonPackTampered)
		return nil, fail(store.ReasonPackTampered, err)
	}

	fp, _, err := f.identifier.WaitForDevice(ctx, f.cfg.Device.WatchDirs, f.deviceTimeout())
	if err != nil {
		f.recordAttempt(ctx, id, store.OutcomeFailure, store.ReasonDeviceAbsent)
		return nil, fail(store.ReasonDeviceAbsent, err)
	}
	if err := pack.VerifyFingerprint(fp); err != nil {
		if f.audit != nil {
			f.audit.LogDeviceBinding(ctx, id, false)
		}
		f.recordAttempt(ctx, id, store.OutcomeFailure, store.ReasonDeviceMismatch)
		return nil, fail(store.ReasonDeviceMismatch, err)
	}
	if f.audit != nil {
		f.audit.LogDeviceBinding(ctx, id, true)
	}

	session := unlock.NewSession(pack, f.logger)
	defer session.Abort()

	d1, err := f.scanner.Scan(ctx, "tag scan 1 of 2")
	if err != nil {
		f.recordAttempt(ctx, id, store.OutcomeFailure, store.ReasonScanAborted)
		return nil, fail(store.ReasonScanAborted, err)
	}
	err = session.AmbientUnlock(d1)
	d1.Wipe()
	if err != nil {
		reason := store.ReasonFactorMismatch
		if errors.Is(err, integrity.ErrTampered) {
			reason = store.ReasonPackTampered
		}
		f.recordAttempt(ctx, id, store.OutcomeFailure, reason)
		return nil, fail(reason, err)
	}

	d2, err := f.scanner.Scan(ctx, "tag scan 2 of 2")
	if err != nil {
		f.recordAttempt(ctx, id, store.OutcomeFailure, store.ReasonScanAborted)
		return nil, fail(store.ReasonScanAborted, err)
	}
	composite, err := session.Assemble(d2, fp)
	d2.Wipe()
	if err != nil {
		f.recordAttempt(ctx, id, store.OutcomeFailure, store.ReasonFactorMismatch)
		return nil, fail(store.ReasonFactorMismatch, err)
	}

	material, err := derive.Derive(composite.Bytes(), purpose)
	composite.Destroy()
	if err != nil {
		f.recordAttempt(ctx, id, store.OutcomeFailure, store.ReasonInternal)
		return nil, fail(store.ReasonInternal, err)
	}

	f.recordAttempt(ctx, id, store.OutcomeSuccess, store.ReasonNone)
	if f.audit != nil {
		f.audit.LogKeyDerived(ctx, string(purpose), true)
	}
	f.logger.Info("authentication succeeded", "pack_id", id, "purpose", string(purpose))
	return material, nil
}
