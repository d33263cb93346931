// Package store provides SQLite-based record keeping for enrollments
// and authentication attempts.
package store

// EnrollmentStatus tracks an enrollment's lifecycle.
type EnrollmentStatus string

const (
	// StatusActive marks the enrollment authentication runs against.
	StatusActive EnrollmentStatus = "active"
	// StatusRevoked marks an enrollment invalidated by the operator.
	StatusRevoked EnrollmentStatus = "revoked"
	// StatusSuperseded marks an enrollment replaced by a newer one.
	StatusSuperseded EnrollmentStatus = "superseded"
)

// Enrollment records that a pack was created. Only digests are stored;
// the record cannot be used to reconstruct any factor.
type Enrollment struct {
	ID                int64
	PackID            string
	CreatedAt         int64
	FingerprintDigest [32]byte
	Confidence        string
	Status            EnrollmentStatus
}

// Outcome is the result of an authentication attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Reason codes for failed attempts. Codes never name which factor was
// wrong beyond what the protocol stage already reveals.
const (
	ReasonNone           = ""
	ReasonPackMissing    = "pack_missing"
	ReasonPackInvalid    = "pack_invalid"
	ReasonPackTampered   = "pack_tampered"
	ReasonDeviceMismatch = "device_mismatch"
	ReasonDeviceAbsent   = "device_absent"
	ReasonFactorMismatch = "factor_mismatch"
	ReasonVaultEmpty     = "vault_empty"
	ReasonScanAborted    = "scan_aborted"
	ReasonInternal       = "internal"
)

// AuthEvent is one authentication attempt. Events are append-only and
// hash-chained; each record's hash covers the previous record's hash.
type AuthEvent struct {
	ID          int64
	TimestampNs int64
	PackID      string
	Outcome     Outcome
	Reason      string
	PrevHash    [32]byte
	RecordHash  [32]byte
}
