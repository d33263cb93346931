// Package config handles configuration loading and validation for chaoskey.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// MigrationResult contains the result of a configuration migration.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Backup      string
	Changes     []string
	Warnings    []string
}

// MigrateConfig migrates a configuration from an older version to the current version.
// It automatically creates a backup before migration.
func MigrateConfig(cfg *Config, configPath string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil // No migration needed
	}

	result := &MigrationResult{
		FromVersion: cfg.Version,
		ToVersion:   Version,
	}

	// Create backup before migration
	if configPath != "" {
		backup, err := backupConfig(configPath)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("could not create backup: %v", err))
		} else {
			result.Backup = backup
		}
	}

	// Apply migrations in sequence
	for cfg.Version < Version {
		changes, warnings, err := applyMigration(cfg)
		if err != nil {
			return result, fmt.Errorf("migration from v%d to v%d failed: %w", cfg.Version, cfg.Version+1, err)
		}
		result.Changes = append(result.Changes, changes...)
		result.Warnings = append(result.Warnings, warnings...)
	}

	return result, nil
}

// applyMigration applies a single version upgrade.
func applyMigration(cfg *Config) (changes []string, warnings []string, err error) {
	switch cfg.Version {
	case 1:
		changes, warnings = migrateV1ToV2(cfg)
	default:
		return nil, nil, fmt.Errorf("unknown version %d", cfg.Version)
	}

	cfg.Version++
	return changes, warnings, nil
}

// migrateV1ToV2 migrates from version 1 to version 2.
// V2 added the TPM entropy source, the audit log, and the enrollment
// registry sections.
func migrateV1ToV2(cfg *Config) (changes []string, warnings []string) {
	dir := ChaoskeyDir()

	if cfg.Entropy.TPMPath == "" {
		cfg.Entropy.TPMPath = defaultTPMPath()
		changes = append(changes, "set default entropy.tpm_path")
	}

	if cfg.Audit.FilePath == "" {
		cfg.Audit.Enabled = true
		cfg.Audit.FilePath = filepath.Join(dir, "audit.log")
		cfg.Audit.MaxSizeMB = 50
		cfg.Audit.MaxAgeDays = 90
		cfg.Audit.MaxBackups = 10
		changes = append(changes, "enabled audit logging")
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "sqlite"
		cfg.Storage.Path = filepath.Join(dir, "registry.db")
		cfg.Storage.MaxConnections = 2
		cfg.Storage.BusyTimeoutMs = 5000
		changes = append(changes, "added enrollment registry configuration")
	}

	return changes, warnings
}

// backupConfig creates a backup of the config file.
func backupConfig(configPath string) (string, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return "", nil // No file to backup
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config: %w", err)
	}

	timestamp := time.Now().Format("20060102-150405")
	backupPath := configPath + ".backup-" + timestamp

	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}

	return backupPath, nil
}

// SaveConfig saves the configuration to a file.
func SaveConfig(cfg *Config, path string) error {
	ext := filepath.Ext(path)

	var data []byte
	var err error

	switch ext {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".toml":
		data, err = encodeToTOML(cfg)
	case ".yaml", ".yml":
		data, err = encodeToYAML(cfg)
	default:
		// Default to TOML
		data, err = encodeToTOML(cfg)
	}

	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	// Write with secure permissions
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// encodeToTOML encodes the config to TOML format.
func encodeToTOML(cfg *Config) ([]byte, error) {
	return []byte(generateTOML(cfg)), nil
}

// generateTOML generates a well-formatted TOML configuration file.
func generateTOML(cfg *Config) string {
	return fmt.Sprintf(`# chaoskey configuration
# Version %d

version = %d

[entropy]
bands = %s
sample_rate = %d
samples_per_band = %d
tuner_max_mhz = %f
audio_enabled = %t
audio_duration_ms = %d
tpm_enabled = %t
tpm_path = "%s"
min_quality = %f
allow_degraded = %t

[vault]
path = "%s"
value_count = %d
lock_timeout_ms = %d

[scan]
timeout_sec = %d
max_tag_bytes = %d

[device]
wait_timeout_sec = %d
watch_dirs = %s
prefer_udisks = %t

[pack]
path = "%s"
output_dir = "%s"

[storage]
type = "%s"
path = "%s"
max_connections = %d
busy_timeout_ms = %d

[logging]
level = "%s"
format = "%s"
output = "%s"
file_path = "%s"
max_size_mb = %d
max_backups = %d
max_age_days = %d
compress = %t

[audit]
enabled = %t
file_path = "%s"
max_size_mb = %d
max_age_days = %d
max_backups = %d
`,
		Version,
		cfg.Version,
		toTOMLFloatArray(cfg.Entropy.Bands),
		cfg.Entropy.SampleRate,
		cfg.Entropy.SamplesPerBand,
		cfg.Entropy.TunerMaxMHz,
		cfg.Entropy.AudioEnabled,
		cfg.Entropy.AudioDurationMs,
		cfg.Entropy.TPMEnabled,
		cfg.Entropy.TPMPath,
		cfg.Entropy.MinQuality,
		cfg.Entropy.AllowDegraded,
		cfg.Vault.Path,
		cfg.Vault.ValueCount,
		cfg.Vault.LockTimeoutMs,
		cfg.Scan.TimeoutSec,
		cfg.Scan.MaxTagBytes,
		cfg.Device.WaitTimeoutSec,
		toTOMLArray(cfg.Device.WatchDirs),
		cfg.Device.PreferUDisks,
		cfg.Pack.Path,
		cfg.Pack.OutputDir,
		cfg.Storage.Type,
		cfg.Storage.Path,
		cfg.Storage.MaxConnections,
		cfg.Storage.BusyTimeoutMs,
		cfg.Logging.Level,
		cfg.Logging.Format,
		cfg.Logging.Output,
		cfg.Logging.FilePath,
		cfg.Logging.MaxSizeMB,
		cfg.Logging.MaxBackups,
		cfg.Logging.MaxAgeDays,
		cfg.Logging.Compress,
		cfg.Audit.Enabled,
		cfg.Audit.FilePath,
		cfg.Audit.MaxSizeMB,
		cfg.Audit.MaxAgeDays,
		cfg.Audit.MaxBackups,
	)
}

func toTOMLArray(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	result := "["
	for i, item := range items {
		if i > 0 {
			result += ", "
		}
		result += fmt.Sprintf(`"%s"`, item)
	}
	result += "]"
	return result
}

func toTOMLFloatArray(items []float64) string {
	if len(items) == 0 {
		return "[]"
	}
	result := "["
	for i, item := range items {
		if i > 0 {
			result += ", "
		}
		result += fmt.Sprintf("%g", item)
	}
	result += "]"
	return result
}

// encodeToYAML encodes the config to YAML format.
func encodeToYAML(cfg *Config) ([]byte, error) {
	// YAML is a superset of JSON
	return json.MarshalIndent(cfg, "", "  ")
}

// GetMigrationHistory returns the migration history if stored in the config directory.
func GetMigrationHistory() ([]MigrationResult, error) {
	historyPath := filepath.Join(ChaoskeyDir(), "migration_history.json")

	data, err := os.ReadFile(historyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read migration history: %w", err)
	}

	var history []MigrationResult
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("parse migration history: %w", err)
	}

	return history, nil
}

// SaveMigrationHistory saves a migration result to the history file.
func SaveMigrationHistory(result *MigrationResult) error {
	historyPath := filepath.Join(ChaoskeyDir(), "migration_history.json")

	history, err := GetMigrationHistory()
	if err != nil {
		history = nil // Start fresh if error
	}

	history = append(history, *result)

	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("encode migration history: %w", err)
	}

	dir := filepath.Dir(historyPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	if err := os.WriteFile(historyPath, data, 0600); err != nil {
		return fmt.Errorf("write migration history: %w", err)
	}

	return nil
}
