//go:build !linux

package device

import "chaoskey/internal/config"

// DefaultEnumerators returns the platform backend list. Only the
// portable partition scan is available off Linux.
func DefaultEnumerators(_ config.DeviceConfig) []Enumerator {
	return []Enumerator{NewPartitionEnumerator()}
}
