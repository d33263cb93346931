// Package internal provides integration tests for the chaoskey
// credential pipeline.
//
// These tests run the full flow end to end:
// 1. Generate a vault of single-use chaos values
// 2. Enroll a tag, a device fingerprint, and one chaos value into a pack
// 3. Authenticate with two scans and derive credentials
// 4. Check that tampering and wrong factors fail closed
package internal

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"chaoskey/internal/auth"
	"chaoskey/internal/bundle"
	"chaoskey/internal/config"
	"chaoskey/internal/derive"
	"chaoskey/internal/device"
	"chaoskey/internal/entropy"
	"chaoskey/internal/scan"
	"chaoskey/internal/store"
	"chaoskey/internal/vault"
)

type staticEnumerator struct {
	attrs device.Attributes
}

func (s *staticEnumerator) Name() string { return "static" }

func (s *staticEnumerator) Enumerate(_ context.Context) ([]device.Attributes, error) {
	return []device.Attributes{s.attrs}, nil
}

var usbStick = device.Attributes{
	VendorID:      "0951",
	ProductID:     "1666",
	SerialNumber:  "60A44C413FB3B031199B0A2C",
	Manufacturer:  "Kingston",
	CapacityBytes: 30943995904,
	MediaName:     "DataTraveler 3.0",
}

type pipeline struct {
	cfg       *config.Config
	vault     *vault.Vault
	collector *entropy.Collector
	records   *store.Store
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Vault.Path = filepath.Join(dir, ".chaos_vault")
	cfg.Pack.Path = filepath.Join(dir, bundle.DefaultPackName)
	cfg.Pack.OutputDir = filepath.Join(dir, "keys")
	cfg.Storage.Path = filepath.Join(dir, "records.db")
	cfg.Device.WaitTimeoutSec = 1
	cfg.Device.WatchDirs = nil
	cfg.Scan.TimeoutSec = 5
	cfg.Entropy.TPMEnabled = false

	records, err := store.Open(cfg.Storage.Path)
	require.NoError(t, err)
	t.Cleanup(func() { records.Close() })

	v := vault.New(cfg.Vault.Path, nil, vault.WithLockTimeout(time.Second))
	collector := entropy.NewCollector(cfg.Entropy, nil)
	require.NoError(t, v.Generate(context.Background(), collector, 4))

	return &pipeline{cfg: cfg, vault: v, collector: collector, records: records}
}

func (p *pipeline) flow(scans string, attrs device.Attributes) *auth.Flow {
	scanner := scan.NewScannerFromReader(strings.NewReader(scans), p.cfg.Scan, nil)
	identifier := device.NewIdentifier(nil, &staticEnumerator{attrs: attrs})
	return auth.NewFlow(p.cfg, nil,
		auth.WithScanner(scanner),
		auth.WithIdentifier(identifier),
		auth.WithVault(p.vault),
		auth.WithRecords(p.records),
	)
}

func TestCredentialPipeline(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	// Enrollment consumes one chaos value and writes the pack.
	pack, err := p.flow("nfc-tag-payload\n", usbStick).Enroll(ctx, p.collector,
		auth.EnrollParams{WorkFactor: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, p.vault.Status().Remaining)
	require.NoError(t, pack.VerifyIntegrity())

	// The pack on disk is schema-valid and carries no factor material.
	raw, err := os.ReadFile(p.cfg.Pack.Path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "nfc-tag-payload")

	// Authentication with the same factors derives a usable SSH key.
	material, err := p.flow("nfc-tag-payload\nnfc-tag-payload\n", usbStick).
		Authenticate(ctx, derive.PurposeSSH)
	require.NoError(t, err)
	defer material.Zeroize()

	pemBytes, err := material.OpenSSHPrivateKey("integration")
	require.NoError(t, err)
	signer, err := ssh.ParsePrivateKey(pemBytes)
	require.NoError(t, err)
	assert.Equal(t, "ssh-ed25519", signer.PublicKey().Type())

	// A second run with identical factors derives the identical key.
	again, err := p.flow("nfc-tag-payload\nnfc-tag-payload\n", usbStick).
		Authenticate(ctx, derive.PurposeSSH)
	require.NoError(t, err)
	defer again.Zeroize()

	key1, err := material.AuthorizedKey()
	require.NoError(t, err)
	key2, err := again.AuthorizedKey()
	require.NoError(t, err)
	assert.Equal(t, key1, key2, "key must be stable across sessions")
}

func TestPipelineFailsClosed(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	_, err := p.flow("nfc-tag-payload\n", usbStick).Enroll(ctx, p.collector,
		auth.EnrollParams{WorkFactor: 10})
	require.NoError(t, err)

	// Wrong tag: both scans present but the envelope never opens.
	_, err = p.flow("guessed-tag\nguessed-tag\n", usbStick).
		Authenticate(ctx, derive.PurposeSSH)
	require.ErrorIs(t, err, bundle.ErrFactorMismatch)

	// Wrong device: rejected before any scan is consumed.
	other := usbStick
	other.SerialNumber = "000000000000000000000000"
	var ae *auth.Error
	_, err = p.flow("nfc-tag-payload\nnfc-tag-payload\n", other).
		Authenticate(ctx, derive.PurposeSSH)
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, store.ReasonDeviceMismatch, ae.Reason)

	// Tampered pack: modifying one byte of the stored file is fatal.
	raw, err := os.ReadFile(p.cfg.Pack.Path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), `"fingerprint_confidence": "high"`,
		`"fingerprint_confidence": "low"`, 1)
	require.NotEqual(t, string(raw), tampered, "test fixture must actually change the pack")
	require.NoError(t, os.WriteFile(p.cfg.Pack.Path, []byte(tampered), 0600))

	_, err = p.flow("nfc-tag-payload\nnfc-tag-payload\n", usbStick).
		Authenticate(ctx, derive.PurposeSSH)
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, store.ReasonPackTampered, ae.Reason)

	// Every failed attempt above was recorded, and the record chain
	// still verifies.
	events, err := p.records.RecentAuthEvents(10)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(events), 3)
	count, err := p.records.VerifyChain()
	require.NoError(t, err)
	assert.Equal(t, len(events), count)
}

func TestPurposeSeparation(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	_, err := p.flow("nfc-tag-payload\n", usbStick).Enroll(ctx, p.collector,
		auth.EnrollParams{WorkFactor: 10})
	require.NoError(t, err)

	sshMat, err := p.flow("nfc-tag-payload\nnfc-tag-payload\n", usbStick).
		Authenticate(ctx, derive.PurposeSSH)
	require.NoError(t, err)
	defer sshMat.Zeroize()

	vaultMat, err := p.flow("nfc-tag-payload\nnfc-tag-payload\n", usbStick).
		Authenticate(ctx, derive.PurposeVault)
	require.NoError(t, err)
	defer vaultMat.Zeroize()

	pass, err := vaultMat.Passphrase()
	require.NoError(t, err)
	authorized, err := sshMat.AuthorizedKey()
	require.NoError(t, err)

	assert.NotContains(t, authorized, pass)
	_, err = vaultMat.AuthorizedKey()
	assert.ErrorIs(t, err, derive.ErrWrongPurpose)
	_, err = sshMat.Passphrase()
	assert.ErrorIs(t, err, derive.ErrWrongPurpose)
}
