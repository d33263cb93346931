// Package vault manages the pool of single-use chaos values.
//
// Each value is 4 bytes drawn from ambient entropy. Values are consumed
// strictly once: ConsumeOne removes the value from the on-disk vault
// and persists the shrunken vault BEFORE the value is handed to the
// caller. If persistence fails the value is not released, so a crash or
// full disk can never cause reuse.
package vault

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/pbkdf2"

	"chaoskey/internal/entropy"
	"chaoskey/internal/logging"
	"chaoskey/internal/securemem"
)

// Vault errors
var (
	ErrEmpty       = errors.New("vault: no values remaining")
	ErrMissing     = errors.New("vault: vault file does not exist")
	ErrValueSize   = errors.New("vault: malformed value entry")
	ErrPersistence = errors.New("vault: failed to persist before release")
)

// ValueSize is the size of a chaos value in bytes.
const ValueSize = 4

// Value derivation parameters. Each value is stretched from its own
// seed chunk so no two values share derivation input.
const (
	valueSalt       = "chaos_nfc_2024"
	valueIterations = 100000
	seedPerValue    = 32
)

// fileVersion is the on-disk vault format version.
const fileVersion = 1

// ChaosValue is a single-use 4-byte authentication factor. Its String
// method never reveals the bytes.
type ChaosValue [ValueSize]byte

// String redacts the value. Factor material must never reach logs or
// terminals.
func (v ChaosValue) String() string { return "chaos[REDACTED]" }

// Wipe zeroes the value in place.
func (v *ChaosValue) Wipe() {
	for i := range v {
		v[i] = 0
	}
}

// vaultFile is the CBOR on-disk representation. Encoding uses the
// deterministic core mode so identical vault states are byte-identical.
type vaultFile struct {
	Version   int       `cbor:"1,keyasint"`
	CreatedAt time.Time `cbor:"2,keyasint"`
	Degraded  bool      `cbor:"3,keyasint"`
	Count     int       `cbor:"4,keyasint"`
	Values    [][]byte  `cbor:"5,keyasint"`
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Status describes the vault without exposing any values.
type Status struct {
	Path      string    `json:"path"`
	Exists    bool      `json:"exists"`
	Remaining int       `json:"remaining"`
	Degraded  bool      `json:"degraded"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Vault is a file-backed store of single-use chaos values.
type Vault struct {
	mu          sync.Mutex
	path        string
	lockTimeout time.Duration
	logger      *slog.Logger
	audit       *logging.AuditLogger
}

// Option configures a Vault.
type Option func(*Vault)

// WithAudit attaches an audit trail.
func WithAudit(audit *logging.AuditLogger) Option {
	return func(v *Vault) { v.audit = audit }
}

// WithLockTimeout sets how long to wait for the cross-process lock.
func WithLockTimeout(d time.Duration) Option {
	return func(v *Vault) { v.lockTimeout = d }
}

// New creates a vault handle for the given path. The file itself is
// created by Generate.
func New(path string, logger *slog.Logger, opts ...Option) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Vault{
		path:   path,
		logger: logger.With("component", "vault"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Path returns the vault file path.
func (v *Vault) Path() string { return v.path }

// Generate fills the vault with count fresh values drawn from ambient
// entropy and overwrites any existing vault file. Previously unconsumed
// values are destroyed, which is the desired behavior for rotation.
func (v *Vault) Generate(ctx context.Context, collector *entropy.Collector, count int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	lock, err := acquireLock(v.path, v.lockTimeout)
	if err != nil {
		return err
	}
	defer lock.release()

	seed, err := collector.CollectSeed(ctx)
	if err != nil {
		return fmt.Errorf("vault: entropy collection: %w", err)
	}
	defer seed.Destroy()

	raw, err := expandSeed(seed.Material.Bytes(), count*seedPerValue)
	if err != nil {
		return err
	}
	defer securemem.Wipe(raw)

	vf := vaultFile{
		Version:   fileVersion,
		CreatedAt: time.Now().UTC(),
		Degraded:  seed.Degraded,
		Count:     count,
		Values:    make([][]byte, count),
	}
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := raw[i*seedPerValue : (i+1)*seedPerValue]
		val := pbkdf2.Key(chunk, []byte(valueSalt), valueIterations, ValueSize, sha256.New)
		patchValue(val)
		vf.Values[i] = val
	}

	err = v.writeLocked(&vf)
	for _, val := range vf.Values {
		securemem.Wipe(val)
	}
	if err != nil {
		return err
	}

	v.logger.Info("vault generated",
		"count", count,
		"degraded", seed.Degraded,
		"quality", seed.Quality)
	if v.audit != nil {
		v.audit.LogVaultGenerated(ctx, v.path, count, seed.Degraded)
	}
	return nil
}

// ConsumeOne removes the next value from the vault, persists the
// remaining values, and only then returns the removed value. The value
// is gone from disk before any caller code can use it.
func (v *Vault) ConsumeOne(ctx context.Context) (ChaosValue, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var value ChaosValue

	if err := ctx.Err(); err != nil {
		return value, err
	}

	lock, err := acquireLock(v.path, v.lockTimeout)
	if err != nil {
		return value, err
	}
	defer lock.release()

	vf, err := v.readLocked()
	if err != nil {
		return value, err
	}
	if len(vf.Values) == 0 {
		if v.audit != nil {
			v.audit.LogVaultConsume(ctx, v.path, 0, false)
		}
		return value, ErrEmpty
	}

	head := vf.Values[0]
	if len(head) != ValueSize {
		return value, ErrValueSize
	}
	vf.Values = vf.Values[1:]
	vf.Count = len(vf.Values)

	if err := v.writeLocked(vf); err != nil {
		securemem.Wipe(head)
		if v.audit != nil {
			v.audit.LogVaultConsume(ctx, v.path, len(vf.Values)+1, false)
		}
		return value, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	copy(value[:], head)
	securemem.Wipe(head)

	v.logger.Info("chaos value consumed", "remaining", len(vf.Values))
	if v.audit != nil {
		v.audit.LogVaultConsume(ctx, v.path, len(vf.Values), true)
	}
	return value, nil
}

// Status reports the vault state. A corrupt or unreadable vault reports
// zero remaining values.
func (v *Vault) Status() Status {
	v.mu.Lock()
	defer v.mu.Unlock()

	st := Status{Path: v.path}
	if _, err := os.Stat(v.path); err != nil {
		return st
	}
	st.Exists = true

	vf, err := v.readLocked()
	if err != nil {
		return st
	}
	st.Remaining = len(vf.Values)
	st.Degraded = vf.Degraded
	st.CreatedAt = vf.CreatedAt
	return st
}

// readLocked loads and decodes the vault file. A file that exists but
// fails to decode is treated as empty rather than trusted. Caller holds
// the mutex.
func (v *Vault) readLocked() (*vaultFile, error) {
	data, err := os.ReadFile(v.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMissing
		}
		return nil, fmt.Errorf("vault: read %s: %w", v.path, err)
	}

	var vf vaultFile
	if err := cbor.Unmarshal(data, &vf); err != nil {
		v.logger.Warn("vault file corrupt, treating as empty", "path", v.path)
		return &vaultFile{Version: fileVersion}, nil
	}
	if vf.Version != fileVersion {
		v.logger.Warn("vault file has unknown version, treating as empty",
			"path", v.path, "version", vf.Version)
		return &vaultFile{Version: fileVersion}, nil
	}
	return &vf, nil
}

// writeLocked persists the vault atomically: write to a temp file in
// the same directory, fsync, rename over the original. Caller holds the
// mutex.
func (v *Vault) writeLocked(vf *vaultFile) error {
	data, err := encMode.Marshal(vf)
	if err != nil {
		return fmt.Errorf("vault: encode: %w", err)
	}
	defer securemem.Wipe(data)

	dir := filepath.Dir(v.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("vault: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".chaos_vault.tmp-*")
	if err != nil {
		return fmt.Errorf("vault: create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if err := tmp.Chmod(0600); err != nil {
		cleanup()
		return fmt.Errorf("vault: chmod: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("vault: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("vault: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("vault: close: %w", err)
	}
	if err := os.Rename(tmpName, v.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("vault: rename: %w", err)
	}
	return nil
}

// patchValue replaces a leading 0x00 or 0xFF byte. Some NFC tag
// programmers interpret those leading bytes as control markers, so
// values never start with them.
func patchValue(val []byte) {
	if val[0] == 0x00 || val[0] == 0xFF {
		val[0] = 0x04
	}
}

// expandSeed stretches folded seed material to the requested length
// with counter-mode SHA-512.
func expandSeed(seed []byte, n int) ([]byte, error) {
	p := entropy.NewPool()
	p.AddSource(staticSource{data: seed})
	if err := p.Collect(context.Background()); err != nil {
		return nil, fmt.Errorf("vault: expand seed: %w", err)
	}
	return p.Bytes(n)
}

// staticSource feeds pre-collected seed material back through the pool
// so value expansion uses the same folding construction as collection.
type staticSource struct {
	data []byte
}

func (s staticSource) Type() entropy.SourceType { return entropy.SourceRF }
func (s staticSource) Name() string             { return "collected seed" }
func (s staticSource) Available() bool          { return true }

func (s staticSource) Collect(_ context.Context) ([]byte, error) {
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out, nil
}

func (s staticSource) Stats() entropy.SourceStats {
	return entropy.SourceStats{Type: entropy.SourceRF, Name: s.Name(), Available: true}
}
