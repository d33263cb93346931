//go:build linux

package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	udisksService    = "org.freedesktop.UDisks2"
	udisksPath       = "/org/freedesktop/UDisks2"
	udisksDriveIface = "org.freedesktop.UDisks2.Drive"
	objectManagerGet = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
)

// UDisksEnumerator lists USB storage drives through the UDisks2 daemon
// on the system bus.
type UDisksEnumerator struct {
	sysfsRoot string
}

// NewUDisksEnumerator creates a UDisks2-backed enumerator.
func NewUDisksEnumerator() *UDisksEnumerator {
	return &UDisksEnumerator{sysfsRoot: "/sys/bus/usb/devices"}
}

func (u *UDisksEnumerator) Name() string { return "udisks2" }

func (u *UDisksEnumerator) Enumerate(ctx context.Context) ([]Attributes, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("device: system bus: %w", err)
	}

	var managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	obj := conn.Object(udisksService, dbus.ObjectPath(udisksPath))
	if err := obj.CallWithContext(ctx, objectManagerGet, 0).Store(&managed); err != nil {
		return nil, fmt.Errorf("device: udisks2 query: %w", err)
	}

	var out []Attributes
	for _, ifaces := range managed {
		drive, ok := ifaces[udisksDriveIface]
		if !ok {
			continue
		}
		if bus, _ := drive["ConnectionBus"].Value().(string); bus != "usb" {
			continue
		}
		if removable, _ := drive["Removable"].Value().(bool); !removable {
			continue
		}

		attrs := Attributes{
			Manufacturer: variantString(drive["Vendor"]),
			MediaName:    variantString(drive["Model"]),
			SerialNumber: variantString(drive["Serial"]),
		}
		if size, ok := drive["Size"].Value().(uint64); ok {
			attrs.CapacityBytes = size
		}
		u.fillUSBIDs(&attrs)

		if attrs == (Attributes{}) {
			continue
		}
		out = append(out, attrs)
	}
	return out, nil
}

// fillUSBIDs resolves the USB vendor and product IDs from sysfs by
// matching the drive serial. UDisks2 does not expose the raw IDs.
func (u *UDisksEnumerator) fillUSBIDs(attrs *Attributes) {
	if attrs.SerialNumber == "" {
		return
	}
	entries, err := os.ReadDir(u.sysfsRoot)
	if err != nil {
		return
	}
	for _, entry := range entries {
		dir := filepath.Join(u.sysfsRoot, entry.Name())
		serial := readSysfsAttr(dir, "serial")
		if serial == "" || serial != attrs.SerialNumber {
			continue
		}
		attrs.VendorID = readSysfsAttr(dir, "idVendor")
		attrs.ProductID = readSysfsAttr(dir, "idProduct")
		if attrs.Manufacturer == "" {
			attrs.Manufacturer = readSysfsAttr(dir, "manufacturer")
		}
		return
	}
}

func readSysfsAttr(dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func variantString(v dbus.Variant) string {
	s, _ := v.Value().(string)
	return strings.TrimSpace(s)
}
