// Package config handles configuration loading and validation for chaoskey.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	if entropyErrs := validateEntropy(&c.Entropy); len(entropyErrs) > 0 {
		errs = append(errs, entropyErrs...)
	}

	if vaultErrs := validateVault(&c.Vault); len(vaultErrs) > 0 {
		errs = append(errs, vaultErrs...)
	}

	if scanErrs := validateScan(&c.Scan); len(scanErrs) > 0 {
		errs = append(errs, scanErrs...)
	}

	if deviceErrs := validateDevice(&c.Device); len(deviceErrs) > 0 {
		errs = append(errs, deviceErrs...)
	}

	if packErrs := validatePack(&c.Pack); len(packErrs) > 0 {
		errs = append(errs, packErrs...)
	}

	if storageErrs := validateStorage(&c.Storage); len(storageErrs) > 0 {
		errs = append(errs, storageErrs...)
	}

	if loggingErrs := validateLogging(&c.Logging); len(loggingErrs) > 0 {
		errs = append(errs, loggingErrs...)
	}

	if auditErrs := validateAudit(&c.Audit); len(auditErrs) > 0 {
		errs = append(errs, auditErrs...)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateEntropy(e *EntropyConfig) ValidationErrors {
	var errs ValidationErrors

	if len(e.Bands) == 0 {
		errs = append(errs, ValidationError{
			Field:   "entropy.bands",
			Message: "at least one RF band is required",
		})
	}
	for i, band := range e.Bands {
		if band <= 0 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("entropy.bands[%d]", i),
				Message: fmt.Sprintf("band frequency must be positive, got %f", band),
			})
		}
	}

	if e.SampleRate < 225000 || e.SampleRate > 3200000 {
		errs = append(errs, ValidationError{
			Field:   "entropy.sample_rate",
			Message: fmt.Sprintf("sample rate must be 225000-3200000 Hz, got %d", e.SampleRate),
		})
	}

	if e.SamplesPerBand < 1024 {
		errs = append(errs, ValidationError{
			Field:   "entropy.samples_per_band",
			Message: "samples per band must be at least 1024",
		})
	}

	if e.TunerMaxMHz <= 0 {
		errs = append(errs, ValidationError{
			Field:   "entropy.tuner_max_mhz",
			Message: "tuner max frequency must be positive",
		})
	}

	if e.AudioEnabled && e.AudioDurationMs < 100 {
		errs = append(errs, ValidationError{
			Field:   "entropy.audio_duration_ms",
			Message: "audio duration must be at least 100ms",
		})
	}

	if e.MinQuality < 0.0 || e.MinQuality > 1.0 {
		errs = append(errs, ValidationError{
			Field:   "entropy.min_quality",
			Message: "min quality must be between 0.0 and 1.0",
		})
	}

	return errs
}

func validateVault(v *VaultConfig) ValidationErrors {
	var errs ValidationErrors

	if v.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "vault.path",
			Message: "vault path is required",
		})
	}

	if v.ValueCount < 1 {
		errs = append(errs, ValidationError{
			Field:   "vault.value_count",
			Message: "value count must be at least 1",
		})
	}
	if v.ValueCount > 10000 {
		errs = append(errs, ValidationError{
			Field:   "vault.value_count",
			Message: "value count cannot exceed 10000",
		})
	}

	if v.LockTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "vault.lock_timeout_ms",
			Message: "lock timeout cannot be negative",
		})
	}

	return errs
}

func validateScan(s *ScanConfig) ValidationErrors {
	var errs ValidationErrors

	if s.TimeoutSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "scan.timeout_sec",
			Message: "scan timeout cannot be negative",
		})
	}

	if s.MaxTagBytes < 1 {
		errs = append(errs, ValidationError{
			Field:   "scan.max_tag_bytes",
			Message: "max tag bytes must be at least 1",
		})
	}
	if s.MaxTagBytes > 64*1024 {
		errs = append(errs, ValidationError{
			Field:   "scan.max_tag_bytes",
			Message: "max tag bytes cannot exceed 64KB",
		})
	}

	return errs
}

func validateDevice(d *DeviceConfig) ValidationErrors {
	var errs ValidationErrors

	if d.WaitTimeoutSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "device.wait_timeout_sec",
			Message: "wait timeout cannot be negative",
		})
	}

	for i, dir := range d.WatchDirs {
		if dir == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("device.watch_dirs[%d]", i),
				Message: "watch directory cannot be empty",
			})
		}
	}

	return errs
}

func validatePack(p *PackConfig) ValidationErrors {
	var errs ValidationErrors

	if p.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "pack.path",
			Message: "pack path is required",
		})
	}

	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	switch s.Type {
	case "sqlite", "memory":
		// Valid types
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.type",
			Message: fmt.Sprintf("invalid storage type: %s (valid: sqlite, memory)", s.Type),
		})
	}

	if s.Type == "sqlite" {
		if s.Path == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.path",
				Message: "database path is required for sqlite storage",
			})
		}

		// Check parent directory exists or can be created
		dir := filepath.Dir(expandPath(s.Path))
		if dir != "" && dir != "." {
			if info, err := os.Stat(dir); err != nil {
				if !os.IsNotExist(err) {
					errs = append(errs, ValidationError{
						Field:   "storage.path",
						Message: fmt.Sprintf("cannot access directory: %v", err),
					})
				}
				// Directory doesn't exist yet - that's OK, it will be created
			} else if !info.IsDir() {
				errs = append(errs, ValidationError{
					Field:   "storage.path",
					Message: fmt.Sprintf("parent path is not a directory: %s", dir),
				})
			}
		}
	}

	if s.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "storage.max_connections",
			Message: "max connections must be at least 1",
		})
	}
	if s.MaxConnections > 100 {
		errs = append(errs, ValidationError{
			Field:   "storage.max_connections",
			Message: "max connections cannot exceed 100",
		})
	}

	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
		// Valid formats
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr", "file", "both":
		if (l.Output == "file" || l.Output == "both") && l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output includes 'file'",
			})
		}
	default:
		if l.Output == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.output",
				Message: "log output is required",
			})
		}
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

func validateAudit(a *AuditConfig) ValidationErrors {
	var errs ValidationErrors

	if !a.Enabled {
		return errs
	}

	if a.FilePath == "" {
		errs = append(errs, ValidationError{
			Field:   "audit.file_path",
			Message: "audit file path is required when enabled",
		})
	}

	if a.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "audit.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if a.MaxAgeDays < 1 {
		errs = append(errs, ValidationError{
			Field:   "audit.max_age_days",
			Message: "audit retention must be at least 1 day",
		})
	}

	return errs
}

// Helper functions

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	// Some fields are warnings, not errors
	warningFields := []string{
		"device.watch_dirs", // Mount roots might not exist yet
	}
	for _, f := range warningFields {
		if strings.HasPrefix(e.Field, f) {
			return true
		}
	}
	return false
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")
