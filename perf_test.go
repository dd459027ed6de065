// perf_test.go
package main

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// writePMUDevice fabricates one dynamic PMU sysfs entry with the
// format and event descriptors engine counters need.
func writePMUDevice(t *testing.T, root, name string) {
	t.Helper()
	dev := filepath.Join(root, name)
	for _, dir := range []string{"format", "events"} {
		if err := os.MkdirAll(filepath.Join(dev, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	files := map[string]string{
		"type":                       "23\n",
		"format/gt":                  "config:60-63\n",
		"format/engine_class":        "config:20-27\n",
		"format/engine_instance":     "config:12-19\n",
		"events/engine-active-ticks": "event=0x02\n",
		"events/engine-total-ticks":  "event=0x03\n",
		"events/gt-actual-frequency": "gt=0x0,event=0x17\n",
	}
	for path, content := range files {
		if err := os.WriteFile(filepath.Join(dev, path), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestPMUFindDevice(t *testing.T) {
	root := t.TempDir()
	writePMUDevice(t, root, "xe_0000_03_00_0")
	if err := os.MkdirAll(filepath.Join(root, "cpu"), 0o755); err != nil {
		t.Fatal(err)
	}

	p := pmuPlatform{Root: root}

	name, err := p.FindDevice("xe", "0000:03:00.0")
	if err != nil {
		t.Fatalf("FindDevice: %v", err)
	}
	if name != "xe_0000_03_00_0" {
		t.Errorf("FindDevice = %q", name)
	}

	if _, err := p.FindDevice("i915", "0000:03:00.0"); err == nil {
		t.Error("FindDevice matched a PMU that does not exist")
	}
}

func TestPMUDescriptors(t *testing.T) {
	root := t.TempDir()
	writePMUDevice(t, root, "xe_0000_03_00_0")
	p := pmuPlatform{Root: root}

	id, err := p.TypeID("xe_0000_03_00_0")
	if err != nil || id != 23 {
		t.Errorf("TypeID = %d, %v; want 23", id, err)
	}

	shifts := map[string]uint{
		"gt":              60,
		"engine_class":    20,
		"engine_instance": 12,
	}
	for field, want := range shifts {
		got, err := p.FormatShift("xe_0000_03_00_0", field)
		if err != nil || got != want {
			t.Errorf("FormatShift(%s) = %d, %v; want %d", field, got, err, want)
		}
	}

	config, err := p.EventConfig("xe_0000_03_00_0", "engine-active-ticks")
	if err != nil || config != 0x02 {
		t.Errorf("EventConfig(engine-active-ticks) = %#x, %v; want 0x02", config, err)
	}
	// Multi-pair descriptors contribute only the event key.
	config, err = p.EventConfig("xe_0000_03_00_0", "gt-actual-frequency")
	if err != nil || config != 0x17 {
		t.Errorf("EventConfig(gt-actual-frequency) = %#x, %v; want 0x17", config, err)
	}

	if _, err := p.FormatShift("xe_0000_03_00_0", "nonexistent"); err == nil {
		t.Error("FormatShift for a missing field succeeded")
	}
}

func TestNormalizeSlot(t *testing.T) {
	if got := normalizeSlot("0000:03:00.0"); got != "0000_03_00_0" {
		t.Errorf("normalizeSlot = %q", got)
	}
}

// groupWords encodes a counter group read buffer: member count,
// time-enabled, then one value per counter.
func groupWords(values ...uint64) []byte {
	words := append([]uint64{uint64(len(values)), 1_000_000}, values...)
	buf := make([]byte, 8*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[8*i:], w)
	}
	return buf
}

func TestReadCounterGroup(t *testing.T) {
	payload := groupWords(111, 222, 333)
	read := func(buf []byte) (int, error) {
		return copy(buf, payload), nil
	}

	words, err := readCounterGroup(read, 3)
	if err != nil {
		t.Fatalf("readCounterGroup: %v", err)
	}
	if len(words) != groupReadWords+3 {
		t.Fatalf("word count = %d", len(words))
	}
	for i, want := range []uint64{111, 222, 333} {
		if words[groupReadWords+i] != want {
			t.Errorf("counter %d = %d, want %d", i, words[groupReadWords+i], want)
		}
	}
}

func TestReadCounterGroupShortRead(t *testing.T) {
	payload := groupWords(111, 222, 333)
	read := func(buf []byte) (int, error) {
		return copy(buf, payload[:len(payload)-8]), nil
	}

	_, err := readCounterGroup(read, 3)
	if !errors.Is(err, errShortGroupRead) {
		t.Fatalf("err = %v, want short group read", err)
	}
}

func TestReadCounterGroupReadError(t *testing.T) {
	bad := errors.New("pipe broke")
	read := func([]byte) (int, error) { return 0, bad }
	if _, err := readCounterGroup(read, 1); !errors.Is(err, bad) {
		t.Fatalf("err = %v, want wrapped read error", err)
	}
}
