// perf.go
package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// errShortGroupRead marks a batched counter read that returned fewer
// words than the fixed 2+numCounters layout requires. The counter set
// per device is immutable after discovery, so this is always a
// protocol violation and the caller treats it as fatal.
var errShortGroupRead = errors.New("pmu: short group read")

// pmuPlatform locates dynamic PMU devices registered under
// /sys/bus/event_source/devices and parses their type, format, and
// event description files.
type pmuPlatform struct {
	Root string // normally /sys/bus/event_source/devices
}

// normalizeSlot replaces the separators a PCI slot address carries
// with underscores, matching how the kernel mangles device names into
// PMU directory entries.
func normalizeSlot(slot string) string {
	slot = strings.ReplaceAll(slot, ":", "_")
	return strings.ReplaceAll(slot, ".", "_")
}

// FindDevice scans the event_source directory for the PMU belonging
// to a driver/device pair, e.g. prefix "xe" and slot "0000:03:00.0".
// Kernel naming of the slot suffix varies, so both the raw and the
// underscore-normalized spellings are accepted.
func (p pmuPlatform) FindDevice(prefix, slot string) (string, error) {
	entries, err := os.ReadDir(p.Root)
	if err != nil {
		return "", fmt.Errorf("pmu scan %s: %w", p.Root, err)
	}

	want := prefix + "_" + slot
	wantNorm := prefix + "_" + normalizeSlot(slot)
	for _, e := range entries {
		name := e.Name()
		if name == want || name == wantNorm || normalizeSlot(name) == wantNorm {
			return name, nil
		}
	}
	return "", fmt.Errorf("no %s PMU for device %s under %s", prefix, slot, p.Root)
}

// TypeID reads the dynamic PMU type identifier.
func (p pmuPlatform) TypeID(device string) (uint32, error) {
	path := filepath.Join(p.Root, device, "type")
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("pmu type: %w", err)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("pmu type %s: %w", path, err)
	}
	return uint32(id), nil
}

// FormatShift reads a format descriptor such as "config:60-63" and
// returns the starting bit of the field.
func (p pmuPlatform) FormatShift(device, field string) (uint, error) {
	path := filepath.Join(p.Root, device, "format", field)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("pmu format %s: %w", field, err)
	}

	spec := strings.TrimSpace(string(data))
	_, bits, ok := strings.Cut(spec, ":")
	if !ok {
		return 0, fmt.Errorf("pmu format %s: malformed %q", path, spec)
	}
	start, _, _ := strings.Cut(bits, "-")
	shift, err := strconv.ParseUint(start, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("pmu format %s: %w", path, err)
	}
	return uint(shift), nil
}

// EventConfig reads an event descriptor such as "event=0x02" and
// returns the base config value. Descriptors may carry several
// comma-separated key=value pairs; only the event key contributes.
func (p pmuPlatform) EventConfig(device, event string) (uint64, error) {
	path := filepath.Join(p.Root, device, "events", event)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("pmu event %s: %w", event, err)
	}

	for _, pair := range strings.Split(strings.TrimSpace(string(data)), ",") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key != "event" {
			continue
		}
		config, err := strconv.ParseUint(strings.TrimPrefix(value, "0x"), 16, 64)
		if err != nil {
			return 0, fmt.Errorf("pmu event %s: malformed %q: %w", path, pair, err)
		}
		return config, nil
	}
	return 0, fmt.Errorf("pmu event %s: no event key", path)
}

// perfOpenGroup opens one counter on a dynamic PMU, chained to the
// group leader so the whole device reads atomically in one syscall.
// Pass leader -1 to start a new group. Uncore PMUs are opened
// system-wide against CPU 0.
func perfOpenGroup(typeID uint32, config uint64, leader int) (int, error) {
	attr := unix.PerfEventAttr{
		Type:        typeID,
		Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config:      config,
		Read_format: unix.PERF_FORMAT_TOTAL_TIME_ENABLED | unix.PERF_FORMAT_GROUP,
	}
	return unix.PerfEventOpen(&attr, -1, 0, leader, unix.PERF_FLAG_FD_CLOEXEC)
}

// groupReadWords is the number of bookkeeping words preceding the
// counter values in a PERF_FORMAT_GROUP read: the member count and
// the total-time-enabled timestamp.
const groupReadWords = 2

// readCounterGroup performs one batched read and decodes the fixed
// positional layout: word 0 is the group member count, word 1 the
// timestamp, and the rest one value per counter in open order.
func readCounterGroup(read func([]byte) (int, error), numCounters int) ([]uint64, error) {
	buf := make([]byte, 8*(groupReadWords+numCounters))
	n, err := read(buf)
	if err != nil {
		return nil, fmt.Errorf("pmu read: %w", err)
	}
	if n != len(buf) {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", errShortGroupRead, n, len(buf))
	}

	words := make([]uint64, groupReadWords+numCounters)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(buf[8*i:])
	}
	return words, nil
}

// fdReader adapts a raw file descriptor to the read function consumed
// by readCounterGroup.
func fdReader(fd int) func([]byte) (int, error) {
	return func(buf []byte) (int, error) {
		return unix.Read(fd, buf)
	}
}

func closeRawFd(fd int) {
	_ = unix.Close(fd)
}
