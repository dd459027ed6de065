// main.go
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
)

type options struct {
	iterations int64
	delay      time.Duration
	filter     string
	list       bool
}

func parseArgs(args []string) (*options, error) {
	fs := pflag.NewFlagSet("gputop", pflag.ContinueOnError)
	fs.SortFlags = false
	iterations := fs.Int64P("iterations", "n", -1, "number of sampling iterations, -1 for unlimited")
	delay := fs.StringP("delay", "d", "2", "sampling period, SEC[.TENTHS]")
	filter := fs.StringP("device", "D", DefaultDeviceFilter, "device filter, e.g. device:subsystem=pci,card=0")
	list := fs.BoolP("list-devices", "L", false, "list GPU devices and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	period, err := parseDelay(*delay)
	if err != nil {
		return nil, err
	}

	return &options{
		iterations: *iterations,
		delay:      period,
		filter:     *filter,
		list:       *list,
	}, nil
}

// parseDelay parses the SEC[.TENTHS] sampling period syntax. The
// fractional part counts tenths of a second regardless of how it is
// written, so "0.5" and "0.50" are not the same period.
func parseDelay(s string) (time.Duration, error) {
	secStr, tenthsStr, hasFrac := strings.Cut(s, ".")
	sec, err := strconv.ParseUint(secStr, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid delay %q", s)
	}
	d := time.Duration(sec) * time.Second
	if hasFrac {
		tenths, err := strconv.ParseUint(tenthsStr, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid delay %q", s)
		}
		d += time.Duration(tenths) * 100 * time.Millisecond
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid delay %q: period must be positive", s)
	}
	return d, nil
}

const capPerfmonHelp = "\n" +
	"When running as a normal user CAP_PERFMON is required to access performance\n" +
	"monitoring. See \"man 7 capabilities\", \"man 8 setcap\", or contact your\n" +
	"distribution vendor for assistance.\n" +
	"\n" +
	"More information can be found at 'Perf events and tool security' document:\n" +
	"https://www.kernel.org/doc/html/latest/admin-guide/perf-security.html\n"

func run(args []string) int {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	opts, err := parseArgs(args)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	filter, err := ParseDeviceFilter(opts.filter)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	disc := Discovery{SysRoot: "/sys/class/drm"}
	cards, err := disc.Scan(filter)
	if err != nil {
		slog.Error("device discovery failed", "err", err)
		return 1
	}

	if opts.list {
		printDeviceList(os.Stdout, cards)
		return 0
	}

	if len(cards) == 0 {
		fmt.Fprintln(os.Stderr, "No device found.")
		return 1
	}

	reg := &registry{drivers: []Driver{
		xeDriver{
			pmu:     pmuPlatform{Root: "/sys/bus/event_source/devices"},
			devRoot: "/dev/dri",
		},
	}}

	contexts, count := populateDeviceInstances(reg, cards)
	if count == 0 {
		fmt.Fprintln(os.Stderr, "No supported device found.")
		return 1
	}

	defer func() {
		_ = forEachInstance(contexts, func(inst Instance) error {
			inst.Close()
			return nil
		})
	}()

	if err := forEachInstance(contexts, func(inst Instance) error {
		return inst.PopulateEngines()
	}); err != nil {
		slog.Error("engine discovery failed", "err", err)
		return 1
	}

	if err := forEachInstance(contexts, func(inst Instance) error {
		return inst.OpenCounters()
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize PMU! (%v)\n", err)
		if errors.Is(err, unix.EACCES) && os.Geteuid() != 0 {
			fmt.Fprint(os.Stderr, capPerfmonHelp)
		}
		return 1
	}

	prof := newProfiler("/sys/class/drm")
	prof.discover()
	prof.enable()
	defer prof.restore()

	var stop atomic.Bool
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		stop.Store(true)
	}()

	scanner := NewClientScanner()

	// Warm-up pass: counters and client records need a prior value
	// before deltas mean anything, so the first readings are taken and
	// discarded before the display starts.
	if err := forEachInstance(contexts, func(inst Instance) error {
		return inst.Sample()
	}); err != nil {
		slog.Error("sampling failed", "err", err)
		return 1
	}
	scanner.Scan()

	screen, err := tcell.NewScreen()
	if err != nil {
		slog.Error("could not create screen", "err", err)
		return 1
	}
	if err := screen.Init(); err != nil {
		slog.Error("could not initialize screen", "err", err)
		return 1
	}
	defer screen.Fini()

	// Keyboard handling only flips the stop flag; the sampling loop
	// owns every counter and record structure.
	go func() {
		for {
			switch ev := screen.PollEvent().(type) {
			case *tcell.EventKey:
				if ev.Rune() == 'q' || ev.Rune() == 'Q' || ev.Key() == tcell.KeyCtrlC {
					stop.Store(true)
					return
				}
			case *tcell.EventResize:
				screen.Sync()
			case nil:
				return
			}
		}
	}()

	var sampleErr error
	for n := opts.iterations; n != 0 && !stop.Load(); {
		time.Sleep(opts.delay)
		if stop.Load() {
			break
		}

		if err := forEachInstance(contexts, func(inst Instance) error {
			return inst.Sample()
		}); err != nil {
			sampleErr = err
			break
		}

		clients := scanner.Scan()
		sortClients(clients)

		w, h := screen.Size()
		drawFrame(screen, buildFrame(w, h, contexts, clients, opts.delay))

		prof.reconcile()
		if n > 0 {
			n--
		}
	}

	if sampleErr != nil {
		screen.Fini()
		slog.Error("sampling failed", "err", sampleErr)
		return 1
	}
	return 0
}

func main() {
	os.Exit(run(os.Args[1:]))
}
