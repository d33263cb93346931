package vault

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chaoskey/internal/config"
	"chaoskey/internal/entropy"
	"chaoskey/internal/logging"
)

func testCollector(t *testing.T) *entropy.Collector {
	t.Helper()
	cfg := config.DefaultConfig().Entropy
	cfg.TPMEnabled = false
	return entropy.NewCollector(cfg, nil)
}

func testVault(t *testing.T) *Vault {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".chaos_vault")
	return New(path, nil, WithLockTimeout(time.Second))
}

func TestGenerateAndStatus(t *testing.T) {
	v := testVault(t)
	if err := v.Generate(context.Background(), testCollector(t), 12); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	st := v.Status()
	if !st.Exists {
		t.Error("status reports missing vault after generate")
	}
	if st.Remaining != 12 {
		t.Errorf("remaining = %d, want 12", st.Remaining)
	}
	if st.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}

	info, err := os.Stat(v.Path())
	if err != nil {
		t.Fatalf("stat vault: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("vault file mode = %o, want 0600", perm)
	}
}

func TestConsumeDecrementsAndPersists(t *testing.T) {
	v := testVault(t)
	if err := v.Generate(context.Background(), testCollector(t), 5); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	val, err := v.ConsumeOne(context.Background())
	if err != nil {
		t.Fatalf("ConsumeOne failed: %v", err)
	}
	defer val.Wipe()

	// A fresh handle must see the consumption.
	reopened := New(v.Path(), nil, WithLockTimeout(time.Second))
	if st := reopened.Status(); st.Remaining != 4 {
		t.Errorf("remaining after reopen = %d, want 4", st.Remaining)
	}
}

func TestConsumeToEmpty(t *testing.T) {
	v := testVault(t)
	if err := v.Generate(context.Background(), testCollector(t), 3); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	seen := make(map[ChaosValue]bool)
	for i := 0; i < 3; i++ {
		val, err := v.ConsumeOne(context.Background())
		if err != nil {
			t.Fatalf("consume %d failed: %v", i, err)
		}
		if seen[val] {
			t.Errorf("value %d repeated an earlier value", i)
		}
		seen[val] = true
	}

	if _, err := v.ConsumeOne(context.Background()); !errors.Is(err, ErrEmpty) {
		t.Errorf("got %v, want ErrEmpty", err)
	}
}

func TestConsumeMissingVault(t *testing.T) {
	v := testVault(t)
	if _, err := v.ConsumeOne(context.Background()); !errors.Is(err, ErrMissing) {
		t.Errorf("got %v, want ErrMissing", err)
	}
}

func TestCorruptVaultTreatedAsEmpty(t *testing.T) {
	v := testVault(t)
	if err := os.WriteFile(v.Path(), []byte("not cbor at all"), 0600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	if _, err := v.ConsumeOne(context.Background()); !errors.Is(err, ErrEmpty) {
		t.Errorf("got %v, want ErrEmpty for corrupt vault", err)
	}
	if st := v.Status(); st.Remaining != 0 {
		t.Errorf("corrupt vault remaining = %d, want 0", st.Remaining)
	}
}

func TestGenerateOverwrites(t *testing.T) {
	v := testVault(t)
	c := testCollector(t)

	if err := v.Generate(context.Background(), c, 10); err != nil {
		t.Fatalf("first Generate failed: %v", err)
	}
	if _, err := v.ConsumeOne(context.Background()); err != nil {
		t.Fatalf("ConsumeOne failed: %v", err)
	}
	if err := v.Generate(context.Background(), c, 10); err != nil {
		t.Fatalf("second Generate failed: %v", err)
	}
	if st := v.Status(); st.Remaining != 10 {
		t.Errorf("remaining after regenerate = %d, want 10", st.Remaining)
	}
}

func TestGenerateCancelled(t *testing.T) {
	v := testVault(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := v.Generate(ctx, testCollector(t), 5); err == nil {
		t.Error("Generate with cancelled context succeeded")
	}
}

func TestPatchValue(t *testing.T) {
	cases := []struct {
		in, want byte
	}{
		{0x00, 0x04},
		{0xFF, 0x04},
		{0x01, 0x01},
		{0x04, 0x04},
		{0xFE, 0xFE},
	}
	for _, tc := range cases {
		val := []byte{tc.in, 0xAA, 0xBB, 0xCC}
		patchValue(val)
		if val[0] != tc.want {
			t.Errorf("patchValue(%#02x) first byte = %#02x, want %#02x", tc.in, val[0], tc.want)
		}
	}
}

func TestGeneratedValuesArePatched(t *testing.T) {
	v := testVault(t)
	if err := v.Generate(context.Background(), testCollector(t), 12); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	for i := 0; i < 12; i++ {
		val, err := v.ConsumeOne(context.Background())
		if err != nil {
			t.Fatalf("consume %d failed: %v", i, err)
		}
		if val[0] == 0x00 || val[0] == 0xFF {
			t.Errorf("value %d has forbidden leading byte %#02x", i, val[0])
		}
	}
}

func TestChaosValueStringRedacts(t *testing.T) {
	val := ChaosValue{0xDE, 0xAD, 0xBE, 0xEF}
	if s := val.String(); s != "chaos[REDACTED]" {
		t.Errorf("String() = %q, leaks value", s)
	}
}

func TestChaosValueWipe(t *testing.T) {
	val := ChaosValue{1, 2, 3, 4}
	val.Wipe()
	if val != (ChaosValue{}) {
		t.Error("Wipe left residue")
	}
}

func TestStatusMissing(t *testing.T) {
	v := testVault(t)
	st := v.Status()
	if st.Exists || st.Remaining != 0 {
		t.Errorf("missing vault status = %+v, want zero", st)
	}
}

func TestAuditTrailWritten(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit.log")
	audit, err := logging.NewAuditLogger(&logging.AuditLoggerConfig{
		FilePath:   auditPath,
		MaxSize:    10,
		MaxAge:     1,
		MaxBackups: 1,
		Component:  "vault-test",
	})
	if err != nil {
		t.Fatalf("audit logger: %v", err)
	}
	defer audit.Close()

	v := New(filepath.Join(dir, ".chaos_vault"), nil,
		WithLockTimeout(time.Second), WithAudit(audit))
	ctx := context.Background()

	if err := v.Generate(ctx, testCollector(t), 2); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if _, err := v.ConsumeOne(ctx); err != nil {
		t.Fatalf("ConsumeOne failed: %v", err)
	}
	if err := audit.Sync(); err != nil {
		t.Fatalf("sync audit log: %v", err)
	}

	data, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	for _, action := range []string{"vault_generated", "vault_value_consumed"} {
		if !strings.Contains(string(data), action) {
			t.Errorf("audit log missing %q entry", action)
		}
	}
}
