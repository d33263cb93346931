// Package logging provides structured logging with slog for chaoskey.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventVaultGenerated  AuditEventType = "vault_generated"
	AuditEventVaultConsume    AuditEventType = "vault_consume"
	AuditEventEnrollment      AuditEventType = "enrollment"
	AuditEventUnlockAttempt   AuditEventType = "unlock_attempt"
	AuditEventKeyDerived      AuditEventType = "key_derived"
	AuditEventIntegrityCheck  AuditEventType = "integrity_check"
	AuditEventDeviceBinding   AuditEventType = "device_binding"
	AuditEventConfigChange    AuditEventType = "config_change"
	AuditEventError           AuditEventType = "error"
)

// AuditEvent represents a security-relevant event. Events carry metadata
// only: no field may ever hold factor material or derived key bytes.
type AuditEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  AuditEventType         `json:"event_type"`
	Component  string                 `json:"component"`
	SessionID  string                 `json:"session_id,omitempty"`
	DeviceID   string                 `json:"device_id,omitempty"`
	Action     string                 `json:"action"`
	Resource   string                 `json:"resource,omitempty"`
	Result     string                 `json:"result"` // "success", "failure", "denied"
	Details    map[string]interface{} `json:"details,omitempty"`
	SourceFile string                 `json:"source_file,omitempty"`
	SourceLine int                    `json:"source_line,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	// FilePath is the path to the audit log file.
	FilePath string

	// MaxSize is the maximum size in MB before rotation.
	MaxSize int64

	// MaxAge is the maximum age in days before deletion.
	MaxAge int

	// MaxBackups is the maximum number of rotated files to keep.
	MaxBackups int

	// Compress determines if rotated logs should be compressed.
	Compress bool

	// Component is the component name for audit events.
	Component string

	// DeviceID is the identifier of the enrolled device, if known.
	DeviceID string
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   defaultAuditLogPath(),
		MaxSize:    50, // 50 MB
		MaxAge:     90, // 90 days
		MaxBackups: 10,
		Compress:   true,
		Component:  "chaoskey",
	}
}

// defaultAuditLogPath returns the platform-specific default audit log path.
func defaultAuditLogPath() string {
	switch runtime.GOOS {
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Logs", "chaoskey", "audit.log")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		return filepath.Join(appData, "chaoskey", "logs", "audit.log")
	default:
		stateHome := os.Getenv("XDG_STATE_HOME")
		if stateHome == "" {
			homeDir, _ := os.UserHomeDir()
			stateHome = filepath.Join(homeDir, ".local", "state")
		}
		return filepath.Join(stateHome, "chaoskey", "audit.log")
	}
}

// AuditLogger handles security audit logging.
type AuditLogger struct {
	config    *AuditLoggerConfig
	rotator   *FileRotator
	logger    *slog.Logger
	mu        sync.Mutex
	sessionID string
}

var (
	defaultAuditLogger *AuditLogger
	auditLoggerOnce    sync.Once
)

// DefaultAuditLogger returns the default global audit logger.
func DefaultAuditLogger() *AuditLogger {
	auditLoggerOnce.Do(func() {
		var err error
		defaultAuditLogger, err = NewAuditLogger(DefaultAuditConfig())
		if err != nil {
			// Create a fallback that writes to stderr
			defaultAuditLogger = &AuditLogger{
				config: DefaultAuditConfig(),
				logger: slog.Default(),
			}
		}
	})
	return defaultAuditLogger
}

// SetDefaultAuditLogger sets the default global audit logger.
func SetDefaultAuditLogger(l *AuditLogger) {
	defaultAuditLogger = l
}

// NewAuditLogger creates a new AuditLogger.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}

	rotatorCfg := &Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		Format:     FormatJSON,
		Level:      LevelInfo,
	}

	rotator, err := NewFileRotator(rotatorCfg)
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level: LevelInfo,
	}

	handler := slog.NewJSONHandler(rotator, opts)
	logger := slog.New(handler)

	return &AuditLogger{
		config:  cfg,
		rotator: rotator,
		logger:  logger,
	}, nil
}

// SetSessionID sets the current unlock session ID for audit events.
func (a *AuditLogger) SetSessionID(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessionID = sessionID
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Fill in defaults
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.SessionID == "" {
		event.SessionID = a.sessionID
	}
	if event.SessionID == "" {
		event.SessionID = SessionIDFromContext(ctx)
	}
	if event.DeviceID == "" {
		event.DeviceID = a.config.DeviceID
	}

	// Get source location
	if event.SourceFile == "" {
		_, file, line, ok := runtime.Caller(1)
		if ok {
			event.SourceFile = file
			event.SourceLine = line
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	data = append(data, '\n')
	if _, err := a.rotator.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}

	return nil
}

// LogVaultGenerated logs creation of a fresh chaos vault.
func (a *AuditLogger) LogVaultGenerated(ctx context.Context, vaultPath string, count int, degraded bool) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventVaultGenerated,
		Action:    "vault_generated",
		Resource:  vaultPath,
		Result:    "success",
		Details: map[string]interface{}{
			"value_count":      count,
			"entropy_degraded": degraded,
		},
	})
}

// LogVaultConsume logs a single-use vault value consumption.
func (a *AuditLogger) LogVaultConsume(ctx context.Context, vaultPath string, remaining int, success bool) error {
	result := "success"
	if !success {
		result = "failure"
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventVaultConsume,
		Action:    "vault_value_consumed",
		Resource:  vaultPath,
		Result:    result,
		Details: map[string]interface{}{
			"remaining": remaining,
		},
	})
}

// LogEnrollment logs creation of a credential pack.
func (a *AuditLogger) LogEnrollment(ctx context.Context, packPath, deviceID string, details map[string]interface{}) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventEnrollment,
		Action:    "pack_created",
		Resource:  packPath,
		DeviceID:  deviceID,
		Result:    "success",
		Details:   details,
	})
}

// LogUnlockAttempt logs an authentication attempt outcome. The reason is
// a coarse category, never factor material.
func (a *AuditLogger) LogUnlockAttempt(ctx context.Context, sessionID string, success bool, reason string) error {
	result := "success"
	if !success {
		result = "denied"
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventUnlockAttempt,
		Action:    "unlock_attempted",
		SessionID: sessionID,
		Result:    result,
		Details: map[string]interface{}{
			"reason": reason,
		},
	})
}

// LogKeyDerived logs derivation of credential material for a purpose.
func (a *AuditLogger) LogKeyDerived(ctx context.Context, purpose string, success bool) error {
	result := "success"
	if !success {
		result = "failure"
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventKeyDerived,
		Action:    "credential_derived",
		Resource:  purpose,
		Result:    result,
	})
}

// LogIntegrityCheck logs a pack integrity verification outcome.
func (a *AuditLogger) LogIntegrityCheck(ctx context.Context, packPath string, ok bool, details map[string]interface{}) error {
	result := "success"
	if !ok {
		result = "failure"
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventIntegrityCheck,
		Action:    "integrity_verified",
		Resource:  packPath,
		Result:    result,
		Details:   details,
	})
}

// LogDeviceBinding logs a hardware fingerprint comparison outcome.
func (a *AuditLogger) LogDeviceBinding(ctx context.Context, deviceID string, matched bool) error {
	result := "success"
	if !matched {
		result = "denied"
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventDeviceBinding,
		Action:    "device_binding_checked",
		DeviceID:  deviceID,
		Result:    result,
	})
}

// LogConfigChange logs a configuration change.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting, oldValue, newValue string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "config_changed",
		Resource:  setting,
		Result:    "success",
		Details: map[string]interface{}{
			"old_value": oldValue,
			"new_value": newValue,
		},
	})
}

// LogError logs an error event.
func (a *AuditLogger) LogError(ctx context.Context, operation string, err error, details map[string]interface{}) error {
	if details == nil {
		details = make(map[string]interface{})
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventError,
		Action:    operation,
		Result:    "failure",
		Error:     err.Error(),
		Details:   details,
	})
}

// Close closes the audit logger.
func (a *AuditLogger) Close() error {
	if a.rotator != nil {
		return a.rotator.Close()
	}
	return nil
}

// Sync flushes any buffered audit events.
func (a *AuditLogger) Sync() error {
	if a.rotator != nil {
		return a.rotator.Sync()
	}
	return nil
}

// Convenience functions for the default audit logger.

// Audit logs an audit event using the default audit logger.
func Audit(ctx context.Context, event AuditEvent) error {
	return DefaultAuditLogger().Log(ctx, event)
}

// AuditError logs an error using the default audit logger.
func AuditError(ctx context.Context, operation string, err error, details map[string]interface{}) error {
	return DefaultAuditLogger().LogError(ctx, operation, err, details)
}
