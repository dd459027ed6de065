// profiling.go
//
// Some drivers gate engine busyness accounting behind a per-device
// profiling knob. The profiler flips every render node's knob on for
// the lifetime of the run and puts the original values back on exit.
// All of it is best-effort: devices without the knob simply never
// enter the set.
package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

type profiledDevice struct {
	path     string // the profiling attribute file
	original byte   // state to restore on exit
}

type profiler struct {
	sysRoot string // normally /sys/class/drm
	devices []profiledDevice
}

func newProfiler(sysRoot string) *profiler {
	return &profiler{sysRoot: sysRoot}
}

// discover collects the render nodes that expose a profiling knob and
// records each knob's current state.
func (p *profiler) discover() {
	entries, err := os.ReadDir(p.sysRoot)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "renderD") {
			continue
		}
		knob := filepath.Join(p.sysRoot, e.Name(), "device", "profiling")
		data, err := os.ReadFile(knob)
		if err != nil || len(data) == 0 {
			continue
		}
		p.devices = append(p.devices, profiledDevice{path: knob, original: data[0]})
	}
}

// enable switches every discovered knob on.
func (p *profiler) enable() {
	for _, d := range p.devices {
		if err := os.WriteFile(d.path, []byte("1\n"), 0); err != nil {
			slog.Warn("could not enable profiling", "knob", d.path, "err", err)
		}
	}
}

// reconcile re-asserts the knobs once per tick. Another agent may have
// switched profiling off mid-run; when that happens the off state is
// adopted as the new restore baseline before switching back on, so
// exit honors the outside decision.
func (p *profiler) reconcile() {
	for i := range p.devices {
		d := &p.devices[i]
		data, err := os.ReadFile(d.path)
		if err != nil || len(data) == 0 {
			continue
		}
		if data[0] == '0' {
			d.original = '0'
			if err := os.WriteFile(d.path, []byte("1\n"), 0); err != nil {
				slog.Warn("could not re-enable profiling", "knob", d.path, "err", err)
			}
		}
	}
}

// restore writes the recorded original state back to every knob.
func (p *profiler) restore() {
	for _, d := range p.devices {
		if err := os.WriteFile(d.path, []byte{d.original, '\n'}, 0); err != nil {
			slog.Warn("could not restore profiling state", "knob", d.path, "err", err)
		}
	}
}
