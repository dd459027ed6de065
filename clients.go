// clients.go
//
// Per-process GPU usage records scraped from DRM fdinfo. Every tick
// rebuilds the snapshot from scratch; only raw counter history is
// carried across scans, keyed by the kernel's stable client id.
package main

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

const drmCharDevMajor = 226

// ClientEngine is one engine class a client exposes accounting for:
// its fdinfo name and rated capacity. Zero capacity excludes the
// engine from utilization output.
type ClientEngine struct {
	Name     string
	Capacity uint64
}

// ClientUtilization carries the per-engine deltas accumulated since
// the previous scan, in both representations the kernel may export.
type ClientUtilization struct {
	DeltaEngineTime  uint64 // ns of GPU time
	DeltaCycles      uint64
	DeltaTotalCycles uint64
}

// utilizationKind selects which representation a client row renders
// with. Cycle-based utilization is preferred when exposed because it
// is immune to host-side interval jitter.
type utilizationKind int

const (
	utilNone utilizationKind = iota
	utilEngineTime
	utilTotalCycles
)

// Client is one process-side DRM client: a stable id, identity,
// memory totals, and per-engine utilization deltas.
type Client struct {
	ID       uint64
	PID      int32
	Name     string
	DRMMinor uint32
	PDev     string

	Engines []ClientEngine
	Util    []ClientUtilization // parallel to Engines

	MemTotal    uint64
	MemResident uint64
	HasRegions  bool

	HasEngineTime bool
	HasCycles     bool

	Samples   int
	AggBusy   uint64 // busy accumulated over the last interval only
	TotalBusy uint64 // busy accumulated over the client's lifetime
}

func (c *Client) utilizationKind() utilizationKind {
	switch {
	case c.HasCycles:
		return utilTotalCycles
	case c.HasEngineTime:
		return utilEngineTime
	default:
		return utilNone
	}
}

// renderable applies the idle filter: a client needs two accumulated
// samples for valid deltas, at least one utilization representation,
// and nonzero lifetime busy time.
func (c *Client) renderable() bool {
	if c.Samples < 2 || c.utilizationKind() == utilNone {
		return false
	}
	return c.TotalBusy != 0
}

// engineSetsEqual compares the named/capacity-bearing engine sets of
// two clients by value. Allocation identity of the name strings never
// matters: value-identical sets are the same set.
func engineSetsEqual(a, b []ClientEngine) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// sortClients orders rows for rendering: device buckets first so each
// device's header prints once, then last-interval busy descending,
// then client id ascending as the stable tie-break.
func sortClients(clients []*Client) {
	sort.Slice(clients, func(i, j int) bool {
		a, b := clients[i], clients[j]
		if a.DRMMinor != b.DRMMinor {
			return a.DRMMinor < b.DRMMinor
		}
		if a.AggBusy != b.AggBusy {
			return a.AggBusy > b.AggBusy
		}
		return a.ID < b.ID
	})
}

// fdinfoEngine is the raw accounting one fdinfo entry exposes for one
// engine class.
type fdinfoEngine struct {
	timeNs      uint64
	cycles      uint64
	totalCycles uint64
	capacity    uint64
}

type fdinfoRecord struct {
	clientID      uint64
	pdev          string
	engines       map[string]*fdinfoEngine
	memTotal      uint64
	memResident   uint64
	hasRegions    bool
	hasEngineTime bool
	hasCycles     bool
	hasTotalCyc   bool
}

func (r *fdinfoRecord) engine(name string) *fdinfoEngine {
	e, ok := r.engines[name]
	if !ok {
		// Capacity defaults to 1 when the kernel omits the key.
		e = &fdinfoEngine{capacity: 1}
		r.engines[name] = e
	}
	return e
}

// parseMemSize parses fdinfo memory values: a number with an optional
// KiB/MiB/GiB suffix.
func parseMemSize(value string) uint64 {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return 0
	}
	n, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0
	}
	if len(fields) == 1 {
		return n
	}
	switch fields[1] {
	case "KiB":
		return n << 10
	case "MiB":
		return n << 20
	case "GiB":
		return n << 30
	}
	return n
}

func parseCounter(value string) uint64 {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return 0
	}
	n, _ := strconv.ParseUint(fields[0], 10, 64)
	return n
}

// parseFdinfo extracts the DRM accounting keys from one fdinfo file.
// Returns false when the entry carries no drm-client-id, i.e. the fd
// is not a DRM client or the driver exports no accounting.
func parseFdinfo(content string) (*fdinfoRecord, bool) {
	rec := &fdinfoRecord{engines: make(map[string]*fdinfoEngine)}
	seenID := false

	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch {
		case key == "drm-client-id":
			rec.clientID = parseCounter(value)
			seenID = true
		case key == "drm-pdev":
			rec.pdev = value
		case strings.HasPrefix(key, "drm-engine-capacity-"):
			name := key[len("drm-engine-capacity-"):]
			rec.engine(name).capacity = parseCounter(value)
		case strings.HasPrefix(key, "drm-engine-"):
			name := key[len("drm-engine-"):]
			rec.engine(name).timeNs = parseCounter(value)
			rec.hasEngineTime = true
		case strings.HasPrefix(key, "drm-cycles-"):
			name := key[len("drm-cycles-"):]
			rec.engine(name).cycles = parseCounter(value)
			rec.hasCycles = true
		case strings.HasPrefix(key, "drm-total-cycles-"):
			name := key[len("drm-total-cycles-"):]
			rec.engine(name).totalCycles = parseCounter(value)
			rec.hasTotalCyc = true
		case strings.HasPrefix(key, "drm-total-"):
			rec.memTotal += parseMemSize(value)
			rec.hasRegions = true
		case strings.HasPrefix(key, "drm-resident-"):
			rec.memResident += parseMemSize(value)
			rec.hasRegions = true
		}
	}

	return rec, seenID
}

type clientKey struct {
	minor uint32
	id    uint64
}

// clientHistory is the raw counter state carried between scans so
// deltas and the warm-up sample count can be derived.
type clientHistory struct {
	samples     int
	timeNs      map[string]uint64
	cycles      map[string]uint64
	totalCycles map[string]uint64
}

// ClientScanner rebuilds the per-process record snapshot on request.
// ProcRoot is injectable for tests.
type ClientScanner struct {
	ProcRoot string
	procName func(pid int32) string
	minorOf  func(fdPath string) (uint32, bool)
	prev     map[clientKey]*clientHistory
}

func NewClientScanner() *ClientScanner {
	return &ClientScanner{
		ProcRoot: "/proc",
		procName: displayName,
		minorOf:  drmMinorOf,
		prev:     make(map[clientKey]*clientHistory),
	}
}

// displayName resolves a process name, falling back to reading comm
// directly when gopsutil cannot.
func displayName(pid int32) string {
	if p, err := process.NewProcess(pid); err == nil {
		if name, err := p.Name(); err == nil && name != "" {
			return name
		}
	}
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(int(pid)), "comm"))
	if err != nil {
		return "<unknown>"
	}
	return strings.TrimSpace(string(data))
}

// drmMinorOf stats an fd path and, when it is a DRM character device,
// returns its minor number.
func drmMinorOf(fdPath string) (uint32, bool) {
	var st unix.Stat_t
	if err := unix.Stat(fdPath, &st); err != nil {
		return 0, false
	}
	if st.Mode&unix.S_IFMT != unix.S_IFCHR {
		return 0, false
	}
	rdev := uint64(st.Rdev)
	if unix.Major(rdev) != drmCharDevMajor {
		return 0, false
	}
	return uint32(unix.Minor(rdev)), true
}

func deltaFrom(prev map[string]uint64, name string, cur uint64) uint64 {
	old, ok := prev[name]
	if !ok || cur < old {
		return 0
	}
	return cur - old
}

// Scan walks every process's open files, collects DRM clients, and
// returns the fresh snapshot with per-engine deltas against the
// previous scan. Each kernel client appears once even when several
// fds reference it.
func (s *ClientScanner) Scan() []*Client {
	entries, err := os.ReadDir(s.ProcRoot)
	if err != nil {
		return nil
	}

	var clients []*Client
	seen := make(map[clientKey]bool)
	next := make(map[clientKey]*clientHistory)

	for _, entry := range entries {
		pid64, err := strconv.ParseInt(entry.Name(), 10, 32)
		if err != nil {
			continue
		}
		pid := int32(pid64)

		fdDir := filepath.Join(s.ProcRoot, entry.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue // process exited or not ours to inspect
		}

		for _, fd := range fds {
			minor, ok := s.minorOf(filepath.Join(fdDir, fd.Name()))
			if !ok {
				continue
			}
			data, err := os.ReadFile(filepath.Join(s.ProcRoot, entry.Name(), "fdinfo", fd.Name()))
			if err != nil {
				continue
			}
			rec, ok := parseFdinfo(string(data))
			if !ok {
				continue
			}

			key := clientKey{minor: minor, id: rec.clientID}
			if seen[key] {
				continue
			}
			seen[key] = true

			c := s.buildClient(pid, minor, rec, next, key)
			clients = append(clients, c)
		}
	}

	s.prev = next
	return clients
}

func (s *ClientScanner) buildClient(pid int32, minor uint32, rec *fdinfoRecord,
	next map[clientKey]*clientHistory, key clientKey) *Client {

	names := make([]string, 0, len(rec.engines))
	for name := range rec.engines {
		names = append(names, name)
	}
	sort.Strings(names)

	hist := s.prev[key]
	samples := 1
	if hist != nil {
		samples = hist.samples + 1
	}

	c := &Client{
		ID:            rec.clientID,
		PID:           pid,
		Name:          s.procName(pid),
		DRMMinor:      minor,
		PDev:          rec.pdev,
		MemTotal:      rec.memTotal,
		MemResident:   rec.memResident,
		HasRegions:    rec.hasRegions,
		HasEngineTime: rec.hasEngineTime,
		HasCycles:     rec.hasCycles && rec.hasTotalCyc,
		Samples:       samples,
	}

	newHist := &clientHistory{
		samples:     samples,
		timeNs:      make(map[string]uint64, len(names)),
		cycles:      make(map[string]uint64, len(names)),
		totalCycles: make(map[string]uint64, len(names)),
	}

	for _, name := range names {
		e := rec.engines[name]
		c.Engines = append(c.Engines, ClientEngine{Name: name, Capacity: e.capacity})

		var u ClientUtilization
		if hist != nil {
			u.DeltaEngineTime = deltaFrom(hist.timeNs, name, e.timeNs)
			u.DeltaCycles = deltaFrom(hist.cycles, name, e.cycles)
			u.DeltaTotalCycles = deltaFrom(hist.totalCycles, name, e.totalCycles)
		}
		c.Util = append(c.Util, u)

		if c.HasCycles {
			c.TotalBusy += e.cycles
			c.AggBusy += u.DeltaCycles
		} else {
			c.TotalBusy += e.timeNs
			c.AggBusy += u.DeltaEngineTime
		}

		newHist.timeNs[name] = e.timeNs
		newHist.cycles[name] = e.cycles
		newHist.totalCycles[name] = e.totalCycles
	}

	next[key] = newHist
	return c
}
