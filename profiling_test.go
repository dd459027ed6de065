// profiling_test.go
package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeProfilingKnob(t *testing.T, root, node, state string) string {
	t.Helper()
	dir := filepath.Join(root, node, "device")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	knob := filepath.Join(dir, "profiling")
	if err := os.WriteFile(knob, []byte(state), 0o644); err != nil {
		t.Fatal(err)
	}
	return knob
}

func readKnob(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestProfilerLifecycle(t *testing.T) {
	root := t.TempDir()
	knob := writeProfilingKnob(t, root, "renderD128", "0\n")
	// Render node without the knob and a non-render entry: both ignored.
	if err := os.MkdirAll(filepath.Join(root, "renderD129", "device"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "card0", "device"), 0o755); err != nil {
		t.Fatal(err)
	}

	p := newProfiler(root)
	p.discover()
	if len(p.devices) != 1 {
		t.Fatalf("discovered %d knobs, want 1", len(p.devices))
	}
	if p.devices[0].original != '0' {
		t.Errorf("recorded original = %q, want '0'", p.devices[0].original)
	}

	p.enable()
	if got := readKnob(t, knob); got != "1\n" {
		t.Errorf("after enable knob = %q, want enabled", got)
	}

	p.restore()
	if got := readKnob(t, knob); got != "0\n" {
		t.Errorf("after restore knob = %q, want original state back", got)
	}
}

func TestProfilerReconcileAdoptsOutsideChanges(t *testing.T) {
	root := t.TempDir()
	knob := writeProfilingKnob(t, root, "renderD128", "1\n")

	p := newProfiler(root)
	p.discover()
	p.enable()

	// Another agent turns profiling off mid-run.
	if err := os.WriteFile(knob, []byte("0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	p.reconcile()
	if got := readKnob(t, knob); got != "1\n" {
		t.Errorf("after reconcile knob = %q, want re-enabled", got)
	}
	if p.devices[0].original != '0' {
		t.Error("outside off state not adopted as the restore baseline")
	}

	p.restore()
	if got := readKnob(t, knob); got != "0\n" {
		t.Errorf("after restore knob = %q, want adopted baseline", got)
	}
}

func TestProfilerReconcileLeavesEnabledAlone(t *testing.T) {
	root := t.TempDir()
	knob := writeProfilingKnob(t, root, "renderD128", "1\n")

	p := newProfiler(root)
	p.discover()
	p.enable()
	p.reconcile()

	if p.devices[0].original != '1' {
		t.Error("baseline changed without an outside write")
	}
	p.restore()
	if got := readKnob(t, knob); got != "1\n" {
		t.Errorf("after restore knob = %q, want still enabled", got)
	}
}
