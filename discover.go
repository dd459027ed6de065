// discover.go
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DeviceCard identifies one GPU discovered under the DRM sysfs class.
type DeviceCard struct {
	Driver     string // kernel driver name, e.g. "xe"
	Subsystem  string // bus subsystem, e.g. "pci"
	PCISlot    string // bus address, e.g. "0000:03:00.0"
	CardName   string // primary node name, e.g. "card0"
	RenderName string // render node name, e.g. "renderD128", may be empty
}

// CardPath returns the device node path for the primary (card) node.
func (c DeviceCard) CardPath(devRoot string) string {
	return filepath.Join(devRoot, c.CardName)
}

// DeviceFilter is the parsed form of the -D filter expression. Empty
// fields match anything; Card may be "all" or a specific card name.
type DeviceFilter struct {
	Subsystem string
	Driver    string
	Slot      string
	Card      string
}

// DefaultDeviceFilter selects every card on the PCI subsystem.
const DefaultDeviceFilter = "device:subsystem=pci,card=all"

// ParseDeviceFilter parses a filter of the form
// "device:subsystem=pci,driver=xe,slot=0000:03:00.0,card=all".
// The "device:" prefix is optional.
func ParseDeviceFilter(expr string) (DeviceFilter, error) {
	var f DeviceFilter

	expr = strings.TrimPrefix(expr, "device:")
	if expr == "" {
		return f, fmt.Errorf("empty device filter")
	}

	for _, term := range strings.Split(expr, ",") {
		key, value, ok := strings.Cut(term, "=")
		if !ok || value == "" {
			return f, fmt.Errorf("malformed filter term %q", term)
		}
		switch key {
		case "subsystem":
			f.Subsystem = value
		case "driver":
			f.Driver = value
		case "slot":
			f.Slot = value
		case "card":
			f.Card = value
		default:
			return f, fmt.Errorf("unknown filter key %q", key)
		}
	}

	return f, nil
}

func (f DeviceFilter) matches(c DeviceCard) bool {
	if f.Subsystem != "" && f.Subsystem != c.Subsystem {
		return false
	}
	if f.Driver != "" && f.Driver != c.Driver {
		return false
	}
	if f.Slot != "" && f.Slot != c.PCISlot {
		return false
	}
	if f.Card != "" && f.Card != "all" && f.Card != c.CardName {
		return false
	}
	return true
}

// Discovery scans the DRM sysfs class for candidate devices. SysRoot
// exists so tests can point it at a fabricated tree.
type Discovery struct {
	SysRoot string // normally /sys/class/drm
}

// isCardDevice reports whether a DRM entry name is a primary node
// (card0, card1, ...) rather than a connector (card0-DP-1) or a
// render node (renderD128).
func isCardDevice(name string) bool {
	if !strings.HasPrefix(name, "card") {
		return false
	}
	suffix := name[len("card"):]
	if suffix == "" {
		return false
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// readDriverName resolves the basename of the "driver" symlink in a
// device directory, or "" when the link is absent.
func readDriverName(devicePath string) string {
	link, err := os.Readlink(filepath.Join(devicePath, "driver"))
	if err != nil {
		return ""
	}
	return filepath.Base(link)
}

// readSubsystem resolves the basename of the "subsystem" symlink in a
// device directory, or "" when the link is absent.
func readSubsystem(devicePath string) string {
	link, err := os.Readlink(filepath.Join(devicePath, "subsystem"))
	if err != nil {
		return ""
	}
	return filepath.Base(link)
}

// readPCISlot extracts PCI_SLOT_NAME from the device uevent file.
func readPCISlot(devicePath string) string {
	data, err := os.ReadFile(filepath.Join(devicePath, "uevent"))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(line, "=")
		if ok && key == "PCI_SLOT_NAME" {
			return value
		}
	}
	return ""
}

// Scan walks the DRM class directory and returns every card matching
// the filter. Render nodes are associated with their card by PCI slot.
func (d *Discovery) Scan(filter DeviceFilter) ([]DeviceCard, error) {
	entries, err := os.ReadDir(d.SysRoot)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", d.SysRoot, err)
	}

	// Render nodes keyed by PCI slot, for card association below.
	renderBySlot := make(map[string]string)
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "renderD") {
			continue
		}
		slot := readPCISlot(filepath.Join(d.SysRoot, e.Name(), "device"))
		if slot != "" {
			renderBySlot[slot] = e.Name()
		}
	}

	var cards []DeviceCard
	for _, e := range entries {
		if !isCardDevice(e.Name()) {
			continue
		}
		devicePath := filepath.Join(d.SysRoot, e.Name(), "device")
		card := DeviceCard{
			Driver:    readDriverName(devicePath),
			Subsystem: readSubsystem(devicePath),
			PCISlot:   readPCISlot(devicePath),
			CardName:  e.Name(),
		}
		card.RenderName = renderBySlot[card.PCISlot]
		if filter.matches(card) {
			cards = append(cards, card)
		}
	}

	return cards, nil
}
