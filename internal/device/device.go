// Package device fingerprints removable hardware used as a possession
// factor. A fingerprint commits to stable USB attributes; the attribute
// values themselves are never logged or persisted, only the digest.
package device

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
)

// Device errors
var (
	ErrNoDevice      = errors.New("device: no removable device found")
	ErrNotEnumerable = errors.New("device: enumeration not supported on this platform")
	ErrWaitTimeout   = errors.New("device: no device appeared before timeout")
	ErrLowConfidence = errors.New("device: fingerprint confidence too low")
)

// Confidence grades how completely a device could be fingerprinted.
type Confidence int

const (
	// ConfidenceLow means only generic attributes were readable. The
	// fingerprint still binds, but to fewer properties.
	ConfidenceLow Confidence = iota
	ConfidenceMedium
	ConfidenceHigh
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceHigh:
		return "high"
	case ConfidenceMedium:
		return "medium"
	default:
		return "low"
	}
}

// Attributes are the stable identity properties of a removable device.
type Attributes struct {
	VendorID      string
	ProductID     string
	SerialNumber  string
	Manufacturer  string
	CapacityBytes uint64
	MediaName     string
}

// Confidence grades the attribute set by how many identifying fields
// were readable. Serial number weighs most since it distinguishes
// otherwise identical devices.
func (a Attributes) Confidence() Confidence {
	n := 0
	if a.VendorID != "" {
		n++
	}
	if a.ProductID != "" {
		n++
	}
	if a.Manufacturer != "" {
		n++
	}
	if a.MediaName != "" {
		n++
	}
	if a.CapacityBytes > 0 {
		n++
	}
	switch {
	case a.SerialNumber != "" && n >= 3:
		return ConfidenceHigh
	case a.SerialNumber != "" || n >= 3:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// FingerprintSize is the size of a device fingerprint in bytes.
const FingerprintSize = sha256.Size

// Fingerprint is the SHA-256 commitment to a device's attributes.
type Fingerprint [FingerprintSize]byte

// String redacts the fingerprint; it is a stable device identifier and
// stays out of logs.
func (f Fingerprint) String() string { return "device[REDACTED]" }

// IsZero reports whether the fingerprint is unset.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// Fingerprint hashes the attributes as sorted "k=v" lines. Labeled
// fields keep an empty serial from colliding with an empty
// manufacturer; mount points, paths, and filesystem UUIDs are excluded
// so the fingerprint survives a reformat.
func (a Attributes) Fingerprint() Fingerprint {
	lines := []string{
		"capacity_bytes=" + strconv.FormatUint(a.CapacityBytes, 10),
		"manufacturer=" + a.Manufacturer,
		"media_name=" + a.MediaName,
		"product_id=" + a.ProductID,
		"serial_number=" + a.SerialNumber,
		"vendor_id=" + a.VendorID,
	}
	sort.Strings(lines)
	payload := "chaoskey-device-v1\n" + strings.Join(lines, "\n") + "\n"
	return Fingerprint(sha256.Sum256([]byte(payload)))
}

// Enumerator lists candidate removable devices.
type Enumerator interface {
	// Name identifies the enumeration backend.
	Name() string

	// Enumerate returns the attributes of every candidate device.
	Enumerate(ctx context.Context) ([]Attributes, error)
}

// Identifier resolves the best available device fingerprint across a
// prioritized list of enumeration backends.
type Identifier struct {
	enumerators []Enumerator
	logger      *slog.Logger
}

// NewIdentifier creates an identifier over the given backends, tried in
// order.
func NewIdentifier(logger *slog.Logger, enumerators ...Enumerator) *Identifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Identifier{
		enumerators: enumerators,
		logger:      logger.With("component", "device"),
	}
}

// Identify returns the fingerprint of the highest-confidence device
// visible to any backend. Backends that fail are skipped; Identify only
// fails when no backend sees a device at all.
func (id *Identifier) Identify(ctx context.Context) (Fingerprint, Confidence, error) {
	var (
		best     Attributes
		bestConf Confidence
		found    bool
	)

	for _, e := range id.enumerators {
		devices, err := e.Enumerate(ctx)
		if err != nil {
			id.logger.Debug("enumeration backend failed",
				"backend", e.Name(), "error", err)
			continue
		}
		for _, d := range devices {
			conf := d.Confidence()
			if !found || conf > bestConf {
				best, bestConf, found = d, conf, true
			}
		}
		// A high-confidence hit from a preferred backend wins outright.
		if found && bestConf == ConfidenceHigh {
			break
		}
	}

	if !found {
		return Fingerprint{}, ConfidenceLow, ErrNoDevice
	}

	id.logger.Info("device identified",
		"confidence", bestConf.String())
	return best.Fingerprint(), bestConf, nil
}

// IdentifyMatching returns the fingerprint of the device matching a
// previously enrolled fingerprint, if present.
func (id *Identifier) IdentifyMatching(ctx context.Context, want Fingerprint) (Attributes, error) {
	for _, e := range id.enumerators {
		devices, err := e.Enumerate(ctx)
		if err != nil {
			continue
		}
		for _, d := range devices {
			if d.Fingerprint() == want {
				return d, nil
			}
		}
	}
	return Attributes{}, fmt.Errorf("%w: enrolled device not present", ErrNoDevice)
}
