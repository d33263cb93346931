// Package config handles configuration loading, validation, and management for chaoskey.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

// Version is the current configuration schema version.
const Version = 2

// Config holds the complete chaoskey configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Entropy configuration for ambient noise collection.
	Entropy EntropyConfig `toml:"entropy" json:"entropy" yaml:"entropy"`

	// Vault configuration for the single-use chaos value store.
	Vault VaultConfig `toml:"vault" json:"vault" yaml:"vault"`

	// Scan configuration for interactive tag reads.
	Scan ScanConfig `toml:"scan" json:"scan" yaml:"scan"`

	// Device configuration for hardware binding.
	Device DeviceConfig `toml:"device" json:"device" yaml:"device"`

	// Pack configuration for the credential pack file.
	Pack PackConfig `toml:"pack" json:"pack" yaml:"pack"`

	// Storage configuration for the enrollment registry.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Audit configuration for the security event log.
	Audit AuditConfig `toml:"audit" json:"audit" yaml:"audit"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// EntropyConfig holds ambient entropy collection configuration.
type EntropyConfig struct {
	// Bands is the list of RF band center frequencies in MHz to sample.
	Bands []float64 `toml:"bands" json:"bands" yaml:"bands"`

	// SampleRate is the SDR sample rate in Hz.
	SampleRate int `toml:"sample_rate" json:"sample_rate" yaml:"sample_rate"`

	// SamplesPerBand is the number of IQ samples captured per band.
	SamplesPerBand int `toml:"samples_per_band" json:"samples_per_band" yaml:"samples_per_band"`

	// TunerMaxMHz is the upper tuning limit of the attached SDR.
	// Bands above this limit are skipped rather than failed.
	TunerMaxMHz float64 `toml:"tuner_max_mhz" json:"tuner_max_mhz" yaml:"tuner_max_mhz"`

	// AudioEnabled determines whether microphone noise is folded in.
	AudioEnabled bool `toml:"audio_enabled" json:"audio_enabled" yaml:"audio_enabled"`

	// AudioDurationMs is the microphone capture duration in milliseconds.
	AudioDurationMs int `toml:"audio_duration_ms" json:"audio_duration_ms" yaml:"audio_duration_ms"`

	// TPMEnabled determines whether TPM randomness is folded in.
	TPMEnabled bool `toml:"tpm_enabled" json:"tpm_enabled" yaml:"tpm_enabled"`

	// TPMPath is the path to the TPM device (Linux: /dev/tpmrm0, /dev/tpm0).
	TPMPath string `toml:"tpm_path" json:"tpm_path" yaml:"tpm_path"`

	// MinQuality is the minimum acceptable pool quality score (0.0-1.0).
	MinQuality float64 `toml:"min_quality" json:"min_quality" yaml:"min_quality"`

	// AllowDegraded permits falling back to OS randomness when no
	// ambient source is available. Vaults generated this way are marked.
	AllowDegraded bool `toml:"allow_degraded" json:"allow_degraded" yaml:"allow_degraded"`
}

// VaultConfig holds chaos vault configuration.
type VaultConfig struct {
	// Path is the path to the vault file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// ValueCount is the number of chaos values generated per vault.
	ValueCount int `toml:"value_count" json:"value_count" yaml:"value_count"`

	// LockTimeoutMs is how long to wait for the vault file lock.
	LockTimeoutMs int `toml:"lock_timeout_ms" json:"lock_timeout_ms" yaml:"lock_timeout_ms"`
}

// ScanConfig holds interactive tag scan configuration.
type ScanConfig struct {
	// TimeoutSec is the per-scan timeout in seconds. Zero disables it.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	// MaxTagBytes is the maximum accepted tag payload length.
	MaxTagBytes int `toml:"max_tag_bytes" json:"max_tag_bytes" yaml:"max_tag_bytes"`
}

// DeviceConfig holds hardware binding configuration.
type DeviceConfig struct {
	// WaitTimeoutSec is how long to wait for the bound device to appear.
	WaitTimeoutSec int `toml:"wait_timeout_sec" json:"wait_timeout_sec" yaml:"wait_timeout_sec"`

	// WatchDirs are the directories watched for device arrival.
	WatchDirs []string `toml:"watch_dirs" json:"watch_dirs" yaml:"watch_dirs"`

	// PreferUDisks uses the UDisks2 D-Bus service for enumeration on
	// Linux before falling back to portable enumeration.
	PreferUDisks bool `toml:"prefer_udisks" json:"prefer_udisks" yaml:"prefer_udisks"`
}

// PackConfig holds credential pack configuration.
type PackConfig struct {
	// Path is the path to the credential pack JSON file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// OutputDir is where derived public artifacts are written.
	OutputDir string `toml:"output_dir" json:"output_dir" yaml:"output_dir"`
}

// StorageConfig holds enrollment registry configuration.
type StorageConfig struct {
	// Type is the storage backend type: "sqlite" or "memory".
	Type string `toml:"type" json:"type" yaml:"type"`

	// Path is the path to the registry database file (for sqlite).
	Path string `toml:"path" json:"path" yaml:"path"`

	// MaxConnections is the maximum number of database connections.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output includes "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// AuditConfig holds security audit log configuration.
type AuditConfig struct {
	// Enabled determines whether the audit log is written.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// FilePath is the path to the audit log file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum audit file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxAgeDays is how long to retain audit records.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// MaxBackups is the number of rotated audit files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
}

// DefaultBands are the RF band centers, in MHz, mixed into the entropy
// pool: ISM 433, US ISM 915, EU ISM 868, garage remotes at 315, and the
// 40.68 industrial band. The 2.4 GHz band is added automatically when
// the tuner can reach it.
var DefaultBands = []float64{433.92, 915.0, 868.0, 315.0, 40.68}

// WiFiBand is sampled only when the tuner range covers it.
const WiFiBand = 2437.0

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := ChaoskeyDir()

	return &Config{
		Version: Version,
		Entropy: EntropyConfig{
			Bands:           append([]float64{}, DefaultBands...),
			SampleRate:      2048000,
			SamplesPerBand:  65536,
			TunerMaxMHz:     1766.0,
			AudioEnabled:    true,
			AudioDurationMs: 500,
			TPMEnabled:      false,
			TPMPath:         defaultTPMPath(),
			MinQuality:      0.5,
			AllowDegraded:   true,
		},
		Vault: VaultConfig{
			Path:          filepath.Join(dir, ".chaos_vault"),
			ValueCount:    100,
			LockTimeoutMs: 5000,
		},
		Scan: ScanConfig{
			TimeoutSec:  30,
			MaxTagBytes: 1024,
		},
		Device: DeviceConfig{
			WaitTimeoutSec: 60,
			WatchDirs:      defaultWatchDirs(),
			PreferUDisks:   runtime.GOOS == "linux",
		},
		Pack: PackConfig{
			Path:      filepath.Join(dir, "chaoskey_auth_pack.json"),
			OutputDir: dir,
		},
		Storage: StorageConfig{
			Type:           "sqlite",
			Path:           filepath.Join(dir, "registry.db"),
			MaxConnections: 2,
			BusyTimeoutMs:  5000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "chaoskey.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Audit: AuditConfig{
			Enabled:    true,
			FilePath:   filepath.Join(dir, "audit.log"),
			MaxSizeMB:  50,
			MaxAgeDays: 90,
			MaxBackups: 10,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(ChaoskeyDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all necessary directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Vault.Path),
		filepath.Dir(c.Pack.Path),
		c.Pack.OutputDir,
		filepath.Dir(c.Storage.Path),
		filepath.Dir(c.Logging.FilePath),
		filepath.Dir(c.Audit.FilePath),
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// ChaoskeyDir returns the base chaoskey directory.
// Uses platform-specific paths or CHAOSKEY_DATA_DIR environment override.
func ChaoskeyDir() string {
	if envDir := os.Getenv("CHAOSKEY_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with CHAOSKEY_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("CHAOSKEY_VAULT_PATH"); v != "" {
		c.Vault.Path = v
	}
	if v := os.Getenv("CHAOSKEY_PACK_PATH"); v != "" {
		c.Pack.Path = v
	}
	if v := os.Getenv("CHAOSKEY_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("CHAOSKEY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CHAOSKEY_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("CHAOSKEY_AUDIT_PATH"); v != "" {
		c.Audit.FilePath = v
	}
	if v := os.Getenv("CHAOSKEY_TPM_PATH"); v != "" {
		c.Entropy.TPMPath = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Copy field by field so the mutex stays zero in the clone.
	clone := &Config{
		Version: c.Version,
		Entropy: c.Entropy,
		Vault:   c.Vault,
		Scan:    c.Scan,
		Device:  c.Device,
		Pack:    c.Pack,
		Storage: c.Storage,
		Logging: c.Logging,
		Audit:   c.Audit,
	}

	clone.Entropy.Bands = append([]float64{}, c.Entropy.Bands...)
	clone.Device.WatchDirs = append([]string{}, c.Device.WatchDirs...)

	return clone
}

// Helper functions

func defaultTPMPath() string {
	switch runtime.GOOS {
	case "linux":
		// Prefer the resource manager path
		if _, err := os.Stat("/dev/tpmrm0"); err == nil {
			return "/dev/tpmrm0"
		}
		return "/dev/tpm0"
	default:
		return ""
	}
}

func defaultWatchDirs() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"/Volumes"}
	case "linux":
		user := os.Getenv("USER")
		dirs := []string{"/media", "/mnt"}
		if user != "" {
			dirs = append([]string{filepath.Join("/media", user), filepath.Join("/run/media", user)}, dirs...)
		}
		return dirs
	default:
		return nil
	}
}
