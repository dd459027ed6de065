// drivers.go
package main

// Driver is one supported GPU driver. Together with Instance it forms
// the fixed six-operation contract every driver provides: instance
// construction, engine discovery, counter open, sampling, rendering,
// and release. Adding a driver means adding an implementation and
// registering it; nothing else changes.
type Driver interface {
	Name() string
	NewInstance(card DeviceCard) Instance
}

// Instance is one device owned by a driver. Operations are
// independent across instances: a failure in one never corrupts
// others already initialized.
type Instance interface {
	// PopulateEngines discovers the device's engines and fixes their
	// order. Fatal on failure: sampling requires a complete engine set.
	PopulateEngines() error
	// OpenCounters opens one counter per (engine, metric) pair,
	// chained under a group leader. Fatal on failure: a partial
	// counter set would desynchronize the positional read contract.
	OpenCounters() error
	// Sample performs one batched read and rotates current values
	// into previous ones. A short read error is fatal to the run.
	Sample() error
	// Render appends this instance's section to the frame, stopping
	// at the frame's height budget.
	Render(f *Frame)
	// Close releases counter handles. Safe to call more than once.
	Close()
}

// driverContext tracks the devices discovered for one driver.
// Instances are referenced by index into the slice, never by retained
// pointer into it, so growth cannot dangle.
type driverContext struct {
	driver    Driver
	present   bool
	instances []Instance
}

type registry struct {
	drivers []Driver
}

func (r *registry) find(name string) (Driver, bool) {
	for _, d := range r.drivers {
		if d.Name() == name {
			return d, true
		}
	}
	return nil, false
}

// populateDeviceInstances groups discovered cards by driver and
// constructs one instance slot per card. Cards whose driver is not
// registered are skipped. Returns the per-driver contexts (aligned
// with the registry order) and the total instance count.
func populateDeviceInstances(r *registry, cards []DeviceCard) ([]*driverContext, int) {
	contexts := make([]*driverContext, len(r.drivers))
	index := make(map[string]*driverContext, len(r.drivers))
	for i, d := range r.drivers {
		contexts[i] = &driverContext{driver: d}
		index[d.Name()] = contexts[i]
	}

	count := 0
	for _, card := range cards {
		ctx, ok := index[card.Driver]
		if !ok {
			continue
		}
		ctx.present = true
		ctx.instances = append(ctx.instances, ctx.driver.NewInstance(card))
		count++
	}
	return contexts, count
}

// forEachInstance visits every instance of every present driver.
func forEachInstance(contexts []*driverContext, fn func(Instance) error) error {
	for _, ctx := range contexts {
		if !ctx.present {
			continue
		}
		for _, inst := range ctx.instances {
			if err := fn(inst); err != nil {
				return err
			}
		}
	}
	return nil
}
