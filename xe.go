// xe.go
package main

import (
	"fmt"
	"sort"
)

// PMUCounter is one opened hardware counter. Idx is the counter's
// position in the per-device flat read buffer; indices are assigned
// in strictly increasing open order, which is also engine-sort order,
// so the positional read protocol stays aligned with the engine list.
type PMUCounter struct {
	Config  uint64
	Idx     int
	Present bool
	Fd      int
	Cur     uint64
	Prev    uint64
}

func (c *PMUCounter) update(words []uint64) {
	if !c.Present {
		return
	}
	c.Prev = c.Cur
	c.Cur = words[groupReadWords+c.Idx]
}

func (c *PMUCounter) delta() uint64 {
	return c.Cur - c.Prev
}

// EngineRecord is one engine with its two counters. The display name
// is fixed at discovery time and the record set never changes after
// PopulateEngines returns.
type EngineRecord struct {
	GT          uint16
	Class       uint16
	Instance    uint16
	DisplayName string
	Active      PMUCounter // engine-active-ticks
	Total       PMUCounter // engine-total-ticks
}

func (e *EngineRecord) busy() float64 {
	return busyPercent(e.Active.delta(), e.Total.delta())
}

// PMUDevice is the per-device counter group: the ordered engine list,
// the total counter count, and the group-leader handle all batched
// reads go through.
type PMUDevice struct {
	PerfName    string
	TypeID      uint32
	Engines     []EngineRecord
	NumCounters int
	LeaderFd    int
}

// CounterSlot describes one entry of the engine→read-buffer mapping.
type CounterSlot struct {
	Engine string
	Metric string
	Index  int
}

// CounterLayout exposes the positional mapping between engines and
// the flat read buffer, in buffer order.
func (d *PMUDevice) CounterLayout() []CounterSlot {
	layout := make([]CounterSlot, 0, d.NumCounters)
	for i := range d.Engines {
		e := &d.Engines[i]
		if e.Active.Present {
			layout = append(layout, CounterSlot{e.DisplayName, "active-ticks", e.Active.Idx})
		}
		if e.Total.Present {
			layout = append(layout, CounterSlot{e.DisplayName, "total-ticks", e.Total.Idx})
		}
	}
	sort.Slice(layout, func(i, j int) bool { return layout[i].Index < layout[j].Index })
	return layout
}

// xeDriver is the registry variant for the xe kernel driver.
type xeDriver struct {
	pmu     pmuPlatform
	devRoot string // normally /dev/dri
}

func (xeDriver) Name() string { return "xe" }

func (d xeDriver) NewInstance(card DeviceCard) Instance {
	return &xeInstance{
		card:         card,
		pmu:          d.pmu,
		devRoot:      d.devRoot,
		queryEngines: xeQueryEngines,
		openCounter:  perfOpenGroup,
		closeFd:      closeRawFd,
	}
}

// xeInstance is one xe device. The query/open/read functions are
// fields so tests can substitute fakes, the same way the monitor's
// file readers are injected elsewhere.
type xeInstance struct {
	card    DeviceCard
	pmu     pmuPlatform
	devRoot string

	queryEngines func(devPath string) ([]xeEngineClassInstance, error)
	openCounter  func(typeID uint32, config uint64, leader int) (int, error)
	closeFd      func(fd int)
	readGroup    func([]byte) (int, error)

	device *PMUDevice
}

// PopulateEngines enumerates the device's engines, resolves the PMU
// event configs for both metrics, and fixes the engine order. The
// sort by (gt, class, instance) happens before any counter is opened;
// open order defines read-buffer order, so this ordering is
// load-bearing for every later sample.
func (x *xeInstance) PopulateEngines() error {
	hwes, err := x.queryEngines(x.card.CardPath(x.devRoot))
	if err != nil {
		return fmt.Errorf("%s: enumerate engines: %w", x.card.CardName, err)
	}
	if len(hwes) == 0 {
		return fmt.Errorf("%s: no engines reported", x.card.CardName)
	}

	perfName, err := x.pmu.FindDevice(x.card.Driver, x.card.PCISlot)
	if err != nil {
		return fmt.Errorf("%s: %w", x.card.CardName, err)
	}

	gtShift, err := x.pmu.FormatShift(perfName, "gt")
	if err != nil {
		return err
	}
	classShift, err := x.pmu.FormatShift(perfName, "engine_class")
	if err != nil {
		return err
	}
	instShift, err := x.pmu.FormatShift(perfName, "engine_instance")
	if err != nil {
		return err
	}
	activeBase, err := x.pmu.EventConfig(perfName, "engine-active-ticks")
	if err != nil {
		return err
	}
	totalBase, err := x.pmu.EventConfig(perfName, "engine-total-ticks")
	if err != nil {
		return err
	}

	engines := make([]EngineRecord, 0, len(hwes))
	for _, hwe := range hwes {
		param := uint64(hwe.GTID)<<gtShift |
			uint64(hwe.EngineClass)<<classShift |
			uint64(hwe.EngineInstance)<<instShift
		engines = append(engines, EngineRecord{
			GT:       hwe.GTID,
			Class:    hwe.EngineClass,
			Instance: hwe.EngineInstance,
			DisplayName: fmt.Sprintf("GT:%d %s/%d", hwe.GTID,
				classDisplayName(hwe.EngineClass), hwe.EngineInstance),
			Active: PMUCounter{Config: activeBase | param, Fd: -1},
			Total:  PMUCounter{Config: totalBase | param, Fd: -1},
		})
	}

	sort.Slice(engines, func(i, j int) bool {
		a, b := &engines[i], &engines[j]
		if a.GT != b.GT {
			return a.GT < b.GT
		}
		if a.Class != b.Class {
			return a.Class < b.Class
		}
		return a.Instance < b.Instance
	})

	x.device = &PMUDevice{PerfName: perfName, Engines: engines, LeaderFd: -1}
	return nil
}

// OpenCounters opens the (engine, metric) counter pairs in engine
// order, chaining everything under the first successful handle. Any
// failed open rejects the whole device: a partial counter set would
// silently desynchronize the positional read contract.
func (x *xeInstance) OpenCounters() error {
	d := x.device
	typeID, err := x.pmu.TypeID(d.PerfName)
	if err != nil {
		return fmt.Errorf("%s: %w", x.card.CardName, err)
	}
	d.TypeID = typeID

	open := func(c *PMUCounter) error {
		fd, err := x.openCounter(typeID, c.Config, d.LeaderFd)
		if err != nil {
			return err
		}
		if d.LeaderFd == -1 {
			d.LeaderFd = fd
		}
		c.Fd = fd
		c.Present = true
		c.Idx = d.NumCounters
		d.NumCounters++
		return nil
	}

	for i := range d.Engines {
		e := &d.Engines[i]
		if err := open(&e.Active); err != nil {
			x.Close()
			return fmt.Errorf("%s: open %s active-ticks: %w", x.card.CardName, e.DisplayName, err)
		}
		if err := open(&e.Total); err != nil {
			x.Close()
			return fmt.Errorf("%s: open %s total-ticks: %w", x.card.CardName, e.DisplayName, err)
		}
	}

	x.readGroup = fdReader(d.LeaderFd)
	return nil
}

// Sample performs one batched read of every counter on the device and
// rotates current raw values into previous ones. The first sample
// after OpenCounters has no valid prior value; the caller discards it
// as warm-up.
func (x *xeInstance) Sample() error {
	d := x.device
	words, err := readCounterGroup(x.readGroup, d.NumCounters)
	if err != nil {
		return fmt.Errorf("%s (%s): %w", x.card.CardName, x.card.PCISlot, err)
	}
	for i := range d.Engines {
		d.Engines[i].Active.update(words)
		d.Engines[i].Total.update(words)
	}
	return nil
}

const engineLabelWidth = len("            ENGINES")

// Render appends the device description, the engines header, and one
// bar row per engine, within the frame's remaining line budget.
func (x *xeInstance) Render(f *Frame) {
	if !f.add(fmt.Sprintf("DRIVER: %s || BDF: %s", x.card.Driver, x.card.PCISlot), true) {
		return
	}

	d := x.device
	for i := range d.Engines {
		e := &d.Engines[i]
		if !e.Active.Present && !e.Total.Present {
			continue
		}
		if !f.add("            ENGINES   ACTIVITY  ", true) {
			return
		}
		break
	}

	for i := range d.Engines {
		e := &d.Engines[i]
		line := fmt.Sprintf("%*s", engineLabelWidth, e.DisplayName) +
			percentageBar(e.busy(), f.W-engineLabelWidth)
		if !f.add(line, false) {
			return
		}
	}

	f.add("", false)
}

// Close releases every counter handle. Present flags are cleared so a
// second Close is a no-op.
func (x *xeInstance) Close() {
	if x.device == nil {
		return
	}
	for i := range x.device.Engines {
		e := &x.device.Engines[i]
		if e.Active.Present {
			x.closeFd(e.Active.Fd)
			e.Active.Present = false
		}
		if e.Total.Present {
			x.closeFd(e.Total.Fd)
			e.Total.Present = false
		}
	}
	x.device.LeaderFd = -1
}
