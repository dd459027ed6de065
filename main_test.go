// main_test.go
package main

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

// --- Mock Driver for Testing ---

// MockDriver implements the Driver interface and hands out MockInstances.
type MockDriver struct {
	name string
}

func (d MockDriver) Name() string { return d.name }

func (d MockDriver) NewInstance(card DeviceCard) Instance {
	return &MockInstance{card: card}
}

// MockInstance records which lifecycle operations ran and can be
// primed to fail any of them.
type MockInstance struct {
	card        DeviceCard
	populateErr error
	openErr     error
	sampleErr   error
	populated   int
	opened      int
	sampled     int
	closed      int
}

func (m *MockInstance) PopulateEngines() error { m.populated++; return m.populateErr }
func (m *MockInstance) OpenCounters() error    { m.opened++; return m.openErr }
func (m *MockInstance) Sample() error          { m.sampled++; return m.sampleErr }
func (m *MockInstance) Render(_ *Frame)        {}
func (m *MockInstance) Close()                 { m.closed++ }

// --- Unit Tests ---

func TestParseDelay(t *testing.T) {
	testCases := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "Whole second", input: "1", want: time.Second},
		{name: "Two seconds", input: "2", want: 2 * time.Second},
		{name: "Half second", input: "0.5", want: 500 * time.Millisecond},
		{name: "Seconds and tenths", input: "2.5", want: 2500 * time.Millisecond},
		{name: "Tenths count regardless of digits", input: "0.50", want: 5 * time.Second},
		{name: "Zero is invalid", input: "0", wantErr: true},
		{name: "Zero with zero tenths is invalid", input: "0.0", wantErr: true},
		{name: "Not a number", input: "abc", wantErr: true},
		{name: "Bad fraction", input: "1.x", wantErr: true},
		{name: "Negative", input: "-1", wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseDelay(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("parseDelay(%q) = %v, want error", tc.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseDelay(%q): %v", tc.input, err)
			}
			if got != tc.want {
				t.Errorf("parseDelay(%q) = %v, want %v", tc.input, got, tc.want)
			}
		})
	}
}

func TestParseArgsDefaults(t *testing.T) {
	opts, err := parseArgs(nil)
	if err != nil {
		t.Fatalf("parseArgs(nil): %v", err)
	}
	if opts.iterations != -1 {
		t.Errorf("default iterations = %d, want -1", opts.iterations)
	}
	if opts.delay != 2*time.Second {
		t.Errorf("default delay = %v, want 2s", opts.delay)
	}
	if opts.filter != DefaultDeviceFilter {
		t.Errorf("default filter = %q, want %q", opts.filter, DefaultDeviceFilter)
	}
	if opts.list {
		t.Error("list defaults to true, want false")
	}
}

func TestParseArgs(t *testing.T) {
	opts, err := parseArgs([]string{"-n", "5", "-d", "0.5", "-D", "device:card=1", "-L"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if opts.iterations != 5 {
		t.Errorf("iterations = %d, want 5", opts.iterations)
	}
	if opts.delay != 500*time.Millisecond {
		t.Errorf("delay = %v, want 500ms", opts.delay)
	}
	if opts.filter != "device:card=1" {
		t.Errorf("filter = %q, want device:card=1", opts.filter)
	}
	if !opts.list {
		t.Error("list = false, want true")
	}
}

func TestParseArgsHelp(t *testing.T) {
	_, err := parseArgs([]string{"--help"})
	if !errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("parseArgs(--help) err = %v, want pflag.ErrHelp", err)
	}
}

func TestParseArgsUnknownFlag(t *testing.T) {
	if _, err := parseArgs([]string{"--bogus"}); err == nil {
		t.Fatal("parseArgs(--bogus) succeeded, want error")
	}
}

func TestRegistryFind(t *testing.T) {
	reg := &registry{drivers: []Driver{MockDriver{name: "xe"}, MockDriver{name: "i915"}}}

	if d, ok := reg.find("i915"); !ok || d.Name() != "i915" {
		t.Errorf("find(i915) = %v, %v; want i915 driver", d, ok)
	}
	if _, ok := reg.find("nouveau"); ok {
		t.Error("find(nouveau) succeeded, want miss")
	}
}

func TestPopulateDeviceInstances(t *testing.T) {
	reg := &registry{drivers: []Driver{MockDriver{name: "xe"}}}
	cards := []DeviceCard{
		{Driver: "xe", CardName: "card0"},
		{Driver: "amdgpu", CardName: "card1"}, // unregistered, skipped
		{Driver: "xe", CardName: "card2"},
	}

	contexts, count := populateDeviceInstances(reg, cards)
	if count != 2 {
		t.Fatalf("instance count = %d, want 2", count)
	}
	if len(contexts) != 1 {
		t.Fatalf("context count = %d, want 1", len(contexts))
	}
	if !contexts[0].present {
		t.Error("xe context not marked present")
	}
	if got := len(contexts[0].instances); got != 2 {
		t.Errorf("xe instances = %d, want 2", got)
	}
}

func TestPopulateDeviceInstancesNoMatch(t *testing.T) {
	reg := &registry{drivers: []Driver{MockDriver{name: "xe"}}}
	contexts, count := populateDeviceInstances(reg, []DeviceCard{{Driver: "amdgpu"}})
	if count != 0 {
		t.Errorf("instance count = %d, want 0", count)
	}
	if contexts[0].present {
		t.Error("context marked present with no matching cards")
	}
}

func TestForEachInstanceStopsOnError(t *testing.T) {
	bad := errors.New("boom")
	first := &MockInstance{}
	second := &MockInstance{sampleErr: bad}
	third := &MockInstance{}
	contexts := []*driverContext{{
		driver:    MockDriver{name: "xe"},
		present:   true,
		instances: []Instance{first, second, third},
	}}

	err := forEachInstance(contexts, func(inst Instance) error { return inst.Sample() })
	if !errors.Is(err, bad) {
		t.Fatalf("err = %v, want boom", err)
	}
	if first.sampled != 1 || second.sampled != 1 {
		t.Error("instances before the failure were not visited")
	}
	if third.sampled != 0 {
		t.Error("instance after the failure was visited")
	}
}
