//go:build linux

package device

import "chaoskey/internal/config"

// DefaultEnumerators returns the platform backend list in priority
// order.
func DefaultEnumerators(cfg config.DeviceConfig) []Enumerator {
	if cfg.PreferUDisks {
		return []Enumerator{NewUDisksEnumerator(), NewPartitionEnumerator()}
	}
	return []Enumerator{NewPartitionEnumerator(), NewUDisksEnumerator()}
}
