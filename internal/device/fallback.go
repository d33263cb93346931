package device

import (
	"context"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/disk"
)

// PartitionEnumerator is the portable fallback backend. It derives
// low-confidence attributes from mounted removable filesystems when no
// richer source is available. USB IDs are not visible at this level,
// so its fingerprints bind to fewer properties.
type PartitionEnumerator struct {
	partitions func(ctx context.Context) ([]disk.PartitionStat, error)
	usage      func(ctx context.Context, path string) (*disk.UsageStat, error)
	serial     func(ctx context.Context, name string) string
}

// NewPartitionEnumerator creates the fallback enumerator.
func NewPartitionEnumerator() *PartitionEnumerator {
	return &PartitionEnumerator{
		partitions: func(ctx context.Context) ([]disk.PartitionStat, error) {
			return disk.PartitionsWithContext(ctx, false)
		},
		usage:  disk.UsageWithContext,
		serial: disk.GetDiskSerialNumberWithContext,
	}
}

func (p *PartitionEnumerator) Name() string { return "partitions" }

func (p *PartitionEnumerator) Enumerate(ctx context.Context) ([]Attributes, error) {
	parts, err := p.partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("device: partitions: %w", err)
	}

	var out []Attributes
	for _, part := range parts {
		if !looksRemovable(part) {
			continue
		}
		// The device node (/dev/sdb1) is not stable across replugs,
		// so it never enters the attribute set.
		var attrs Attributes
		if usage, err := p.usage(ctx, part.Mountpoint); err == nil {
			attrs.CapacityBytes = usage.Total
		}
		if s := p.serial(ctx, part.Device); s != "" {
			attrs.SerialNumber = s
		}
		if attrs == (Attributes{}) {
			continue
		}
		out = append(out, attrs)
	}
	return out, nil
}

// looksRemovable filters for mount points typical of removable media.
// Crude, but this backend only runs when UDisks2 is unreachable.
func looksRemovable(part disk.PartitionStat) bool {
	mp := part.Mountpoint
	for _, prefix := range []string{"/media/", "/run/media/", "/mnt/", "/Volumes/"} {
		if strings.HasPrefix(mp, prefix) {
			return true
		}
	}
	return false
}
